// Package admin holds commands that talk to the database or sign tokens
// directly instead of going through the API.
package admin

import (
	"fmt"
	"strings"
	"time"

	"github.com/crucial707/hours-reconcile/cmd/cli/root"
	"github.com/crucial707/hours-reconcile/internal/config"
	"github.com/crucial707/hours-reconcile/internal/db"
	"github.com/crucial707/hours-reconcile/internal/middleware"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func init() {
	root.GetRoot().AddCommand(migrateCmd(), tokenCmd())
}

// ==========================
// MIGRATE
// ==========================
func migrateCmd() *cobra.Command {
	var versionOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  "Apply all pending migrations using the server's DB_* environment.",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := config.Load().DatabaseURL()
			if !versionOnly {
				if err := db.Run(url); err != nil {
					return err
				}
			}
			v, dirty, err := db.Version(url)
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", v, dirty)
			return nil
		},
	}

	cmd.Flags().BoolVar(&versionOnly, "version", false, "only print the applied version")
	return cmd
}

// ==========================
// TOKEN
// ==========================
func tokenCmd() *cobra.Command {
	var userID, departmentID int64
	var roles string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with JWT_SECRET",
		Long: `Sign a token for local testing and operator scripts.

Example:
  hoursctl token --user-id 1 --roles ceo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := signToken(config.Load(), userID, roles, departmentID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user-id", 0, "user id (required)")
	cmd.Flags().StringVar(&roles, "roles", "", "comma-separated roles (required)")
	cmd.Flags().Int64Var(&departmentID, "department-id", 0, "department for dept_manager tokens")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("roles")
	return cmd
}

func signToken(cfg config.Config, userID int64, roles string, departmentID int64, ttl time.Duration) (string, error) {
	if userID < 1 {
		return "", fmt.Errorf("--user-id must be positive")
	}
	a := models.Actor{ID: userID}
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			a.Roles = append(a.Roles, r)
		}
	}
	if len(a.Roles) == 0 {
		return "", fmt.Errorf("--roles must name at least one role")
	}
	if departmentID > 0 {
		a.DepartmentID = &departmentID
	}
	now := time.Now()
	return middleware.IssueToken([]byte(cfg.JWTSecret), a, jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
}
