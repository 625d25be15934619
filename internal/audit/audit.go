// Package audit writes the append-only audit trail. Record is called as the
// last statement of each mutating transaction so the audit row commits or
// rolls back with the change it describes.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/crucial707/hours-reconcile/internal/repo"
)

// Actions.
const (
	ActionCreated      = "created"
	ActionUpdated      = "updated"
	ActionSubmitted    = "submitted"
	ActionAmended      = "amended"
	ActionDeleted      = "deleted"
	ActionEntryAdded   = "entry_added"
	ActionEntryUpdated = "entry_updated"
	ActionEntryDeleted = "entry_deleted"
	ActionDetected     = "detected"
	ActionRecalculated = "recalculated"
	ActionEscalated    = "escalated"
	ActionResolved     = "resolved"
	ActionAccessDenied = "access_denied"
	ActionRunTriggered = "run_triggered"
)

// Subject types other than the two report headers (see models.Source.SubjectType).
const (
	SubjectConflict = "conflict_alert"
	SubjectRun      = "validation_run"
	SubjectAccess   = "access"
)

const maxRoleLen = 50

// Meta is the request context copied onto audit rows.
type Meta struct {
	IP        string
	UserAgent string
	Method    string
	Path      string
	RequestID string
}

type metaKey struct{}

// WithMeta attaches request metadata to ctx.
func WithMeta(ctx context.Context, m Meta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

// MetaFrom returns the metadata attached by WithMeta, or the zero Meta.
func MetaFrom(ctx context.Context) Meta {
	m, _ := ctx.Value(metaKey{}).(Meta)
	return m
}

// Event describes one audited change. Before and After are marshalled to JSON;
// nil means absent.
type Event struct {
	Actor       models.Actor
	SubjectType string
	SubjectID   int64
	Action      string
	Before      any
	After       any
}

// Recorder appends audit entries.
type Recorder struct {
	repo *repo.AuditRepo
}

func NewRecorder(r *repo.AuditRepo) *Recorder {
	return &Recorder{repo: r}
}

// Record writes ev through q. A failure here must fail the caller's transaction.
func (r *Recorder) Record(ctx context.Context, q repo.Querier, ev Event) (*models.AuditEntry, error) {
	before, err := marshal(ev.Before)
	if err != nil {
		return nil, fmt.Errorf("audit before: %w", err)
	}
	after, err := marshal(ev.After)
	if err != nil {
		return nil, fmt.Errorf("audit after: %w", err)
	}

	meta := MetaFrom(ctx)
	e := &models.AuditEntry{
		SubjectType: ev.SubjectType,
		SubjectID:   ev.SubjectID,
		Action:      ev.Action,
		ActorRole:   roleLabel(ev.Actor),
		Before:      before,
		After:       after,
		IPAddress:   meta.IP,
		UserAgent:   meta.UserAgent,
	}
	if !ev.Actor.IsSystem() && ev.Actor.ID != 0 {
		id := ev.Actor.ID
		e.ActorID = &id
	}
	if err := r.repo.Log(ctx, q, e); err != nil {
		return nil, err
	}
	return e, nil
}

func marshal(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	return json.Marshal(v)
}

func roleLabel(a models.Actor) string {
	if len(a.Roles) == 0 {
		return "unknown"
	}
	label := strings.Join(a.Roles, ",")
	if len(label) > maxRoleLen {
		label = label[:maxRoleLen]
	}
	return label
}
