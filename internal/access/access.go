// Package access decides who may touch which ledger, conflict, run or audit
// record. Rules are evaluated in order and the first one that matches decides.
// Source isolation sits above ownership so no ownership data can widen it.
package access

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/crucial707/hours-reconcile/internal/audit"
	"github.com/crucial707/hours-reconcile/internal/directory"
	"github.com/crucial707/hours-reconcile/internal/metrics"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/crucial707/hours-reconcile/internal/repo"
)

// Kind is the family of resource being accessed.
type Kind string

const (
	KindLedger   Kind = "ledger"
	KindConflict Kind = "conflict"
	KindRun      Kind = "run"
	KindAudit    Kind = "audit"
)

// Op is the operation requested.
type Op string

const (
	OpList        Op = "list"
	OpGet         Op = "get"
	OpCreate      Op = "create"
	OpUpdate      Op = "update"
	OpDelete      Op = "delete"
	OpSubmit      Op = "submit"
	OpAmend       Op = "amend"
	OpListEntries Op = "list_entries"
	OpWriteEntry  Op = "write_entry"
	OpResolve     Op = "resolve"
	OpTrigger     Op = "trigger"
)

// IsRead reports whether op never mutates.
func (o Op) IsRead() bool {
	return o == OpList || o == OpGet || o == OpListEntries
}

// Request is one authorization question.
type Request struct {
	Actor  models.Actor
	Kind   Kind
	Op     Op
	Source models.Source // ledger requests only

	// Report is the existing header for get/update/delete/submit/amend/entry ops.
	Report *models.ReportHeader
	// EntityID is the target project or department on create.
	EntityID int64

	// Requested is the operation the caller asked for when Op is a narrower
	// stand-in check, such as the list check made for a missing report.
	Requested Op
	// TargetID is the id of a report that does not exist.
	TargetID int64
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allow    bool
	Rule     string
	Required []string
}

// rule returns matched=false to fall through to the next rule.
type rule struct {
	name string
	eval func(ctx context.Context, dir directory.Directory, req Request) (d Decision, matched bool, err error)
}

func allow(name string) Decision { return Decision{Allow: true, Rule: name} }

func deny(name string, required ...string) Decision {
	return Decision{Rule: name, Required: required}
}

var rules = []rule{
	{name: "full_access", eval: func(_ context.Context, _ directory.Directory, req Request) (Decision, bool, error) {
		if req.Actor.HasAnyRole(models.FullAccessRoles...) {
			return allow("full_access"), true, nil
		}
		return Decision{}, false, nil
	}},
	{name: "source_isolation", eval: func(_ context.Context, _ directory.Directory, req Request) (Decision, bool, error) {
		if req.Kind != KindLedger {
			return Decision{}, false, nil
		}
		if req.Actor.HasRole(req.Source.Other().SubmitterRole()) {
			return deny("source_isolation", req.Source.SubmitterRole()), true, nil
		}
		return Decision{}, false, nil
	}},
	{name: "reviewer_only", eval: func(_ context.Context, _ directory.Directory, req Request) (Decision, bool, error) {
		switch req.Kind {
		case KindConflict:
			if req.Actor.HasAnyRole(models.ReviewerRoles...) {
				return allow("reviewer_only"), true, nil
			}
			return deny("reviewer_only", models.ReviewerRoles...), true, nil
		case KindRun:
			if req.Op.IsRead() && req.Actor.HasAnyRole(models.ReviewerRoles...) {
				return allow("reviewer_only"), true, nil
			}
			if req.Op.IsRead() {
				return deny("reviewer_only", models.ReviewerRoles...), true, nil
			}
			return deny("full_access_only", models.FullAccessRoles...), true, nil
		case KindAudit:
			return deny("full_access_only", models.FullAccessRoles...), true, nil
		}
		return Decision{}, false, nil
	}},
	{name: "reviewer_read", eval: func(_ context.Context, _ directory.Directory, req Request) (Decision, bool, error) {
		if req.Actor.HasRole(req.Source.SubmitterRole()) || !req.Actor.HasAnyRole(models.ReviewerRoles...) {
			return Decision{}, false, nil
		}
		if req.Op.IsRead() {
			return allow("reviewer_read"), true, nil
		}
		return deny("reviewer_read", req.Source.SubmitterRole()), true, nil
	}},
	{name: "ledger_role", eval: func(_ context.Context, _ directory.Directory, req Request) (Decision, bool, error) {
		if !req.Actor.HasRole(req.Source.SubmitterRole()) {
			return deny("ledger_role", req.Source.SubmitterRole()), true, nil
		}
		return Decision{}, false, nil
	}},
	{name: "ownership", eval: ownership},
}

func ownership(ctx context.Context, dir directory.Directory, req Request) (Decision, bool, error) {
	role := req.Source.SubmitterRole()
	a := req.Actor

	if req.Op == OpList {
		// Rows are narrowed by ScopeReports.
		return allow("ownership"), true, nil
	}

	entityID := req.EntityID
	if req.Report != nil {
		entityID = req.Report.EntityID
		if req.Report.SubmittedBy == a.ID {
			return allow("ownership"), true, nil
		}
	}
	if req.Report == nil && req.Op != OpCreate {
		return deny("ownership", role), true, nil
	}

	switch req.Source {
	case models.SourceA:
		ok, err := dir.OwnsProject(ctx, a.ID, entityID)
		if err != nil {
			return Decision{}, true, fmt.Errorf("ownership lookup: %w", err)
		}
		if ok {
			return allow("ownership"), true, nil
		}
	case models.SourceB:
		if a.DepartmentID != nil && *a.DepartmentID == entityID {
			return allow("ownership"), true, nil
		}
	}
	return deny("ownership", role), true, nil
}

// Evaluate runs the ordered rules. An actor no rule admits is denied.
func Evaluate(ctx context.Context, dir directory.Directory, req Request) (Decision, error) {
	for _, r := range rules {
		d, matched, err := r.eval(ctx, dir, req)
		if err != nil {
			return Decision{}, err
		}
		if matched {
			return d, nil
		}
	}
	return deny("default_deny"), nil
}

// Guard evaluates requests and audits every denial before returning it.
type Guard struct {
	dir      directory.Directory
	recorder *audit.Recorder
	q        repo.Querier
}

// NewGuard returns a Guard writing denials through q outside any transaction,
// so a denial is recorded even though the request does nothing else.
func NewGuard(dir directory.Directory, recorder *audit.Recorder, q repo.Querier) *Guard {
	return &Guard{dir: dir, recorder: recorder, q: q}
}

// Authorize returns nil or apperr.ErrAuthorizationDenied. If the denial cannot
// be audited the audit error is returned instead and the request must fail.
func (g *Guard) Authorize(ctx context.Context, req Request) error {
	d, err := Evaluate(ctx, g.dir, req)
	if err != nil {
		return err
	}
	if d.Allow {
		return nil
	}

	metrics.IncAccessDenied(string(req.Kind), d.Rule)
	meta := audit.MetaFrom(ctx)
	subjectID := req.TargetID
	if req.Report != nil {
		subjectID = req.Report.ID
	}
	detail := map[string]any{
		"rule":           d.Rule,
		"kind":           req.Kind,
		"op":             req.Op,
		"path":           meta.Path,
		"method":         meta.Method,
		"required_roles": d.Required,
		"actual_roles":   req.Actor.Roles,
	}
	if req.Kind == KindLedger {
		detail["source"] = req.Source
	}
	if req.Requested != "" && req.Requested != req.Op {
		detail["requested_op"] = req.Requested
	}
	if _, err := g.recorder.Record(ctx, g.q, audit.Event{
		Actor:       req.Actor,
		SubjectType: audit.SubjectAccess,
		SubjectID:   subjectID,
		Action:      audit.ActionAccessDenied,
		After:       detail,
	}); err != nil {
		return fmt.Errorf("audit access denial: %w", err)
	}
	slog.Warn("access denied",
		"actor_id", req.Actor.ID,
		"roles", req.Actor.Roles,
		"kind", req.Kind,
		"op", req.Op,
		"rule", d.Rule,
		"request_id", meta.RequestID)
	return apperr.ErrAuthorizationDenied
}

// ScopeReports narrows a listing to the rows actor may see in source.
func ScopeReports(actor models.Actor, source models.Source, base repo.ReportQuery) repo.ReportQuery {
	q := base
	q.Scope, q.ScopeID = repo.ScopeNone, 0
	switch {
	case actor.HasAnyRole(models.FullAccessRoles...):
		q.Scope = repo.ScopeAll
	case actor.HasRole(source.Other().SubmitterRole()):
		// isolation: nothing, whatever else the actor holds
	case actor.HasRole(source.SubmitterRole()):
		if source == models.SourceA {
			q.Scope, q.ScopeID = repo.ScopeOwner, actor.ID
		} else if actor.DepartmentID != nil {
			q.Scope, q.ScopeID = repo.ScopeDepartment, *actor.DepartmentID
		}
	case actor.HasAnyRole(models.ReviewerRoles...):
		q.Scope = repo.ScopeAll
	}
	return q
}
