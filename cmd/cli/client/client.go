// Package client is the small HTTP client the CLI commands share.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crucial707/hours-reconcile/cmd/cli/config"
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Message string            `json:"error"`
	Code    string            `json:"code"`
	Fields  map[string]string `json:"fields"`
	RunID   int64             `json:"run_id"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error %d: %s", e.Status, e.Message)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	for f, m := range e.Fields {
		msg += fmt.Sprintf("\n  %s: %s", f, m)
	}
	if e.RunID > 0 {
		msg += fmt.Sprintf("\n  run id: %d", e.RunID)
	}
	return msg
}

// Manual reconciliations answer only once the run has finished.
var httpClient = &http.Client{Timeout: 15 * time.Minute}

// Do sends in as JSON (when non-nil) to path and decodes the answer into out
// (when non-nil).
func Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, config.APIURL()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := config.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("User-Agent", "hoursctl")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call API: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
