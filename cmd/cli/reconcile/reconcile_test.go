package reconcile

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/crucial707/hours-reconcile/internal/models"
)

func TestTrigger_SendsPeriodAndRendersRun(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/reconciliations" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.ValidationRun{ID: 42, Status: models.RunCompleted, EmployeesChecked: 12, ConflictsFound: 3})
	}))
	defer srv.Close()

	t.Setenv("HOURS_API_URL", srv.URL)
	t.Setenv("HOURS_TOKEN", "tok")

	cmd := triggerCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--from", "2024-03-04", "--to", "2024-03-10"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got["period_start"] != "2024-03-04" || got["period_end"] != "2024-03-10" {
		t.Errorf("unexpected payload: %v", got)
	}
	if !strings.Contains(out.String(), "42") || !strings.Contains(out.String(), "completed") {
		t.Fatalf("expected run in output, got: %s", out.String())
	}
}

func TestTrigger_RequiresBothBounds(t *testing.T) {
	cmd := triggerCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--from", "2024-03-04"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for a half-open period")
	}
}

func TestTrigger_ReportsConflictCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"run already in progress","code":"run_in_progress"}`))
	}))
	defer srv.Close()
	t.Setenv("HOURS_API_URL", srv.URL)

	cmd := triggerCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "run_in_progress") {
		t.Fatalf("expected run_in_progress error, got %v", err)
	}
}

func TestListRuns_JSONOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "failed" || r.URL.Query().Get("per_page") != "5" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]models.ValidationRun{{ID: 7, Status: models.RunFailed, ErrorMessage: "db down"}})
	}))
	defer srv.Close()
	t.Setenv("HOURS_API_URL", srv.URL)

	cmd := listRunsCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--status", "failed", "--per-page", "5", "--json"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), `"error_message": "db down"`) {
		t.Fatalf("expected JSON output, got: %s", out.String())
	}
}
