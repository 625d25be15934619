package reconcile

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
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect validation runs",
	}
	runsCmd.AddCommand(listRunsCmd())
	root.GetRoot().AddCommand(triggerCmd(), runsCmd)
}

// ==========================
// TRIGGER
// ==========================
func triggerCmd() *cobra.Command {
	var from, to string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a reconciliation now",
		Long: `Compare both ledgers for one period and flag discrepancies.
Without --from/--to the previous Monday..Sunday week is used.

Example:
  hoursctl reconcile --from 2024-03-04 --to 2024-03-10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (from == "") != (to == "") {
				return fmt.Errorf("--from and --to must be given together")
			}
			payload := map[string]string{}
			if from != "" {
				payload["period_start"], payload["period_end"] = from, to
			}

			var run models.ValidationRun
			if err := client.Do(cmd.Context(), http.MethodPost, "/v1/reconciliations", payload, &run); err != nil {
				return err
			}
			if jsonOut {
				return output.JSON(cmd.OutOrStdout(), run)
			}
			renderRuns(cmd, []models.ValidationRun{run})
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "period start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "period end (YYYY-MM-DD)")
	cmd.Flags().BoolVarP(&jsonOut, "json", "j", false, "Output raw JSON")
	return cmd
}

// ==========================
// LIST
// ==========================
func listRunsCmd() *cobra.Command {
	var status string
	var page, perPage int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			q.Set("page", strconv.Itoa(page))
			q.Set("per_page", strconv.Itoa(perPage))

			var runs []models.ValidationRun
			if err := client.Do(cmd.Context(), http.MethodGet, "/v1/reconciliations?"+q.Encode(), nil, &runs); err != nil {
				return err
			}
			if jsonOut {
				return output.JSON(cmd.OutOrStdout(), runs)
			}
			renderRuns(cmd, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "running, completed or failed")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&perPage, "per-page", 20, "runs per page")
	cmd.Flags().BoolVarP(&jsonOut, "json", "j", false, "Output raw JSON")
	return cmd
}

func renderRuns(cmd *cobra.Command, runs []models.ValidationRun) {
	rows := make([][]interface{}, 0, len(runs))
	for _, r := range runs {
		duration := "-"
		if r.DurationMs != nil {
			duration = fmt.Sprintf("%dms", *r.DurationMs)
		}
		rows = append(rows, []interface{}{r.ID, r.PeriodStart, r.PeriodEnd, r.Status,
			r.EmployeesChecked, r.ConflictsFound, duration, r.ErrorMessage})
	}
	output.RenderTable(cmd.OutOrStdout(),
		[]string{"ID", "Start", "End", "Status", "Employees", "Conflicts", "Duration", "Error"}, rows)
}
