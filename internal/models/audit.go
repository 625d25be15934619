package models

import (
	"encoding/json"
	"time"
)

// AuditEntry is one immutable audit row. There is no updated_at.
type AuditEntry struct {
	ID          int64           `json:"id"`
	SubjectType string          `json:"subject_type"` // project_report, department_report, conflict_alert, access, ...
	SubjectID   int64           `json:"subject_id"`
	Action      string          `json:"action"` // created, updated, submitted, amended, deleted, escalated, resolved, access_denied, ...
	ActorID     *int64          `json:"actor_id,omitempty"`
	ActorRole   string          `json:"actor_role"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`
	IPAddress   string          `json:"ip_address,omitempty"`
	UserAgent   string          `json:"user_agent,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
