package conflicts

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/crucial707/hours-reconcile/cmd/cli/client"
	"github.com/crucial707/hours-reconcile/cmd/cli/output"
	"github.com/crucial707/hours-reconcile/cmd/cli/root"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/spf13/cobra"
)

func init() {
	conflictsCmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review and resolve hour discrepancies",
	}
	conflictsCmd.AddCommand(listCmd(), statsCmd(), resolveCmd())
	root.GetRoot().AddCommand(conflictsCmd)
}

type page struct {
	Data    []models.ConflictAlert `json:"data"`
	Total   int                    `json:"total"`
	Page    int                    `json:"page"`
	PerPage int                    `json:"per_page"`
}

// ==========================
// LIST
// ==========================
func listCmd() *cobra.Command {
	var status, from, to string
	var pageNum, perPage int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts, escalated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for k, v := range map[string]string{"status": status, "from": from, "to": to} {
				if v != "" {
					q.Set(k, v)
				}
			}
			q.Set("page", strconv.Itoa(pageNum))
			q.Set("per_page", strconv.Itoa(perPage))

			var p page
			if err := client.Do(cmd.Context(), http.MethodGet, "/v1/conflicts?"+q.Encode(), nil, &p); err != nil {
				return err
			}
			if jsonOut {
				return output.JSON(cmd.OutOrStdout(), p)
			}

			rows := make([][]interface{}, 0, len(p.Data))
			for _, c := range p.Data {
				employee := strconv.FormatInt(c.EmployeeID, 10)
				if c.Employee != nil && c.Employee.Name != "" {
					employee = c.Employee.Name
				}
				rows = append(rows, []interface{}{c.ID, employee, c.PeriodStart, c.PeriodEnd,
					c.SourceAHours.StringFixed(2), c.SourceBHours.StringFixed(2), c.Discrepancy.StringFixed(2), c.Status})
			}
			output.RenderTable(cmd.OutOrStdout(),
				[]string{"ID", "Employee", "Start", "End", "Source A", "Source B", "Diff", "Status"}, rows)
			fmt.Fprintf(cmd.OutOrStdout(), "page %d, %d of %d conflicts\n", p.Page, len(p.Data), p.Total)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "open, escalated or resolved")
	cmd.Flags().StringVar(&from, "from", "", "earliest period start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "latest period end (YYYY-MM-DD)")
	cmd.Flags().IntVar(&pageNum, "page", 1, "page number")
	cmd.Flags().IntVar(&perPage, "per-page", 20, "conflicts per page (max 100)")
	cmd.Flags().BoolVarP(&jsonOut, "json", "j", false, "Output raw JSON")
	return cmd
}

// ==========================
// STATS
// ==========================
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count conflicts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var s models.ConflictStats
			if err := client.Do(cmd.Context(), http.MethodGet, "/v1/conflicts/stats", nil, &s); err != nil {
				return err
			}
			output.RenderTable(cmd.OutOrStdout(),
				[]string{"Total", "Open", "Escalated", "Resolved", "Unresolved"},
				[][]interface{}{{s.Total, s.Open, s.Escalated, s.Resolved, s.Unresolved}})
			return nil
		},
	}
}

// ==========================
// RESOLVE
// ==========================
func resolveCmd() *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:   "resolve [id]",
		Short: "Resolve a conflict with notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id < 1 {
				return fmt.Errorf("invalid conflict id %q", args[0])
			}
			if len(notes) < 10 {
				return fmt.Errorf("--notes must be at least 10 characters")
			}

			var c models.ConflictAlert
			if err := client.Do(cmd.Context(), http.MethodPost, fmt.Sprintf("/v1/conflicts/%d/resolve", id),
				map[string]string{"resolution_notes": notes}, &c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Conflict %d resolved\n", c.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes, 10 to 2000 characters (required)")
	_ = cmd.MarkFlagRequired("notes")
	return cmd
}
