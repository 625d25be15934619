// Package ledger implements the report lifecycle of one source:
// draft -> submitted -> amended. Drafts are freely editable; submitted and
// amended reports change only through an Amendment, which is written in the
// same transaction as the new entries and the audit row.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crucial707/hours-reconcile/internal/access"
	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/crucial707/hours-reconcile/internal/audit"
	"github.com/crucial707/hours-reconcile/internal/directory"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/crucial707/hours-reconcile/internal/repo"
	"github.com/crucial707/hours-reconcile/internal/validate"
	"github.com/shopspring/decimal"
)

// Authorizer is satisfied by *access.Guard.
type Authorizer interface {
	Authorize(ctx context.Context, req access.Request) error
}

// EntryInput is one employee's hours as submitted by a client.
type EntryInput struct {
	EmployeeID int64           `json:"employee_id" validate:"required,gt=0"`
	ProjectID  *int64          `json:"project_id,omitempty" validate:"omitempty,gt=0"`
	Hours      decimal.Decimal `json:"hours" validate:"gte=0,lte=168,cents"`
	Notes      string          `json:"notes" validate:"max=2000"`
}

// CreateInput opens a draft for one project (Source A) or department (Source B).
type CreateInput struct {
	EntityID    int64        `json:"entity_id" validate:"required,gt=0"`
	PeriodStart models.Date  `json:"period_start"`
	PeriodEnd   models.Date  `json:"period_end"`
	Comments    string       `json:"comments" validate:"max=5000"`
	Entries     []EntryInput `json:"entries" validate:"dive"`
}

// UpdateInput edits a draft. Nil fields are left unchanged; a non-nil Entries
// replaces the whole entry set.
type UpdateInput struct {
	PeriodStart *models.Date  `json:"period_start"`
	PeriodEnd   *models.Date  `json:"period_end"`
	Comments    *string       `json:"comments" validate:"omitempty,max=5000"`
	Entries     *[]EntryInput `json:"entries" validate:"omitempty,dive"`
}

// AmendInput replaces the entries of a submitted report.
type AmendInput struct {
	Reason   string       `json:"reason" validate:"required,min=5,max=2000"`
	Comments *string      `json:"comments" validate:"omitempty,max=5000"`
	Entries  []EntryInput `json:"entries" validate:"required,min=1,dive"`
}

// Service is the ledger of one source.
type Service struct {
	source   models.Source
	store    *repo.Store
	repo     *repo.LedgerRepo
	guard    Authorizer
	dir      directory.Directory
	recorder *audit.Recorder
}

func NewService(source models.Source, store *repo.Store, guard Authorizer, dir directory.Directory, recorder *audit.Recorder) *Service {
	return &Service{
		source:   source,
		store:    store,
		repo:     repo.NewLedgerRepo(source),
		guard:    guard,
		dir:      dir,
		recorder: recorder,
	}
}

func (s *Service) Source() models.Source { return s.source }

func (s *Service) authorize(ctx context.Context, actor models.Actor, op access.Op, h *models.ReportHeader, entityID int64) error {
	return s.guard.Authorize(ctx, access.Request{
		Actor:    actor,
		Kind:     access.KindLedger,
		Source:   s.source,
		Op:       op,
		Report:   h,
		EntityID: entityID,
	})
}

// load fetches header id and authorizes op on it. A missing header is only
// reported to actors who may read this ledger at all.
func (s *Service) load(ctx context.Context, actor models.Actor, id int64, op access.Op) (*models.ReportHeader, error) {
	h, err := s.repo.GetHeader(ctx, s.store.Q(), id)
	if errors.Is(err, apperr.ErrNotFound) {
		if err := s.guard.Authorize(ctx, access.Request{
			Actor:     actor,
			Kind:      access.KindLedger,
			Source:    s.source,
			Op:        access.OpList,
			Requested: op,
			TargetID:  id,
		}); err != nil {
			return nil, err
		}
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, op, h, 0); err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Service) record(ctx context.Context, q repo.Querier, actor models.Actor, h *models.ReportHeader, action string, before, after any) error {
	_, err := s.recorder.Record(ctx, q, audit.Event{
		Actor:       actor,
		SubjectType: s.source.SubjectType(),
		SubjectID:   h.ID,
		Action:      action,
		Before:      before,
		After:       after,
	})
	return err
}

// Create opens a draft report, optionally with initial entries.
func (s *Service) Create(ctx context.Context, actor models.Actor, in CreateInput) (*models.ReportHeader, error) {
	if err := s.authorize(ctx, actor, access.OpCreate, nil, in.EntityID); err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	period := models.Period{Start: in.PeriodStart, End: in.PeriodEnd}
	if err := period.Validate(); err != nil {
		return nil, err
	}
	entries := toEntries(in.Entries)
	if err := s.checkEntries(ctx, in.EntityID, entries); err != nil {
		return nil, err
	}

	h := &models.ReportHeader{
		Source:      s.source,
		EntityID:    in.EntityID,
		SubmittedBy: actor.ID,
		PeriodStart: in.PeriodStart,
		PeriodEnd:   in.PeriodEnd,
		Comments:    in.Comments,
	}
	err := s.store.InTx(ctx, func(q repo.Querier) error {
		if err := s.repo.CreateHeader(ctx, q, h); err != nil {
			return err
		}
		saved, err := s.repo.ReplaceEntries(ctx, q, h.ID, entries)
		if err != nil {
			return err
		}
		h.Entries = saved
		return s.record(ctx, q, actor, h, audit.ActionCreated, nil, h)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Update edits a draft. Submitted and amended reports are immutable here.
func (s *Service) Update(ctx context.Context, actor models.Actor, id int64, in UpdateInput) (*models.ReportHeader, error) {
	if _, err := s.load(ctx, actor, id, access.OpUpdate); err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}

	var out *models.ReportHeader
	err := s.store.InTx(ctx, func(q repo.Querier) error {
		h, err := s.repo.LockHeader(ctx, q, id)
		if err != nil {
			return err
		}
		if h.Status != models.ReportDraft {
			return apperr.ErrImmutableRecord
		}
		current, err := s.repo.ListEntries(ctx, q, id)
		if err != nil {
			return err
		}
		before := snapshot(h, current)

		if in.PeriodStart != nil {
			h.PeriodStart = *in.PeriodStart
		}
		if in.PeriodEnd != nil {
			h.PeriodEnd = *in.PeriodEnd
		}
		if in.Comments != nil {
			h.Comments = *in.Comments
		}
		if err := h.Period().Validate(); err != nil {
			return err
		}
		h.Entries = current
		if in.Entries != nil {
			entries := toEntries(*in.Entries)
			if err := s.checkEntries(ctx, h.EntityID, entries); err != nil {
				return err
			}
			if h.Entries, err = s.repo.ReplaceEntries(ctx, q, id, entries); err != nil {
				return err
			}
		}
		if err := s.repo.UpdateHeader(ctx, q, h); err != nil {
			return err
		}
		out = h
		return s.record(ctx, q, actor, h, audit.ActionUpdated, before, snapshot(h, h.Entries))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Submit moves a draft to submitted. Anything else is ErrAlreadySubmitted.
func (s *Service) Submit(ctx context.Context, actor models.Actor, id int64) (*models.ReportHeader, error) {
	if _, err := s.load(ctx, actor, id, access.OpSubmit); err != nil {
		return nil, err
	}

	var out *models.ReportHeader
	err := s.store.InTx(ctx, func(q repo.Querier) error {
		h, err := s.repo.LockHeader(ctx, q, id)
		if err != nil {
			return err
		}
		if h.Status != models.ReportDraft {
			return apperr.ErrAlreadySubmitted
		}
		entries, err := s.repo.ListEntries(ctx, q, id)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return apperr.Invalid("entries", "report must have at least one entry before it can be submitted")
		}
		before := snapshot(h, nil)
		h.Status = models.ReportSubmitted
		if err := s.repo.UpdateHeader(ctx, q, h); err != nil {
			return err
		}
		h.Entries = entries
		out = h
		return s.record(ctx, q, actor, h, audit.ActionSubmitted, before, snapshot(h, nil))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Amend replaces the entries of a submitted or amended report and records an
// Amendment with before and after snapshots, all in one transaction.
func (s *Service) Amend(ctx context.Context, actor models.Actor, id int64, in AmendInput) (*models.ReportHeader, error) {
	if _, err := s.load(ctx, actor, id, access.OpAmend); err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}

	var out *models.ReportHeader
	err := s.store.InTx(ctx, func(q repo.Querier) error {
		h, err := s.repo.LockHeader(ctx, q, id)
		if err != nil {
			return err
		}
		if !h.Status.IsFinal() {
			return apperr.Invalid("status", "report must be submitted before it can be amended")
		}
		entries := toEntries(in.Entries)
		if err := s.checkEntries(ctx, h.EntityID, entries); err != nil {
			return err
		}
		current, err := s.repo.ListEntries(ctx, q, id)
		if err != nil {
			return err
		}
		before, err := json.Marshal(snapshot(h, current))
		if err != nil {
			return err
		}

		saved, err := s.repo.ReplaceEntries(ctx, q, id, entries)
		if err != nil {
			return err
		}
		h.Status = models.ReportAmended
		if in.Comments != nil {
			h.Comments = *in.Comments
		}
		if err := s.repo.UpdateHeader(ctx, q, h); err != nil {
			return err
		}
		after, err := json.Marshal(snapshot(h, saved))
		if err != nil {
			return err
		}

		a := &models.Amendment{ReportID: id, AmendedBy: actor.ID, Reason: in.Reason, Before: before, After: after}
		if err := s.repo.InsertAmendment(ctx, q, a); err != nil {
			return err
		}
		amendments, err := s.repo.ListAmendments(ctx, q, id)
		if err != nil {
			return err
		}
		h.Entries, h.Amendments = saved, amendments
		out = h
		return s.record(ctx, q, actor, h, audit.ActionAmended, json.RawMessage(before), json.RawMessage(after))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a draft. Submitted and amended reports cannot be deleted.
func (s *Service) Delete(ctx context.Context, actor models.Actor, id int64) error {
	if _, err := s.load(ctx, actor, id, access.OpDelete); err != nil {
		return err
	}
	return s.store.InTx(ctx, func(q repo.Querier) error {
		h, err := s.repo.LockHeader(ctx, q, id)
		if err != nil {
			return err
		}
		if h.Status != models.ReportDraft {
			return apperr.ErrImmutableRecord
		}
		entries, err := s.repo.ListEntries(ctx, q, id)
		if err != nil {
			return err
		}
		if err := s.repo.DeleteDraft(ctx, q, id); err != nil {
			return err
		}
		return s.record(ctx, q, actor, h, audit.ActionDeleted, snapshot(h, entries), nil)
	})
}

// List returns the headers actor may see, narrowed by rq.
func (s *Service) List(ctx context.Context, actor models.Actor, rq repo.ReportQuery) ([]models.ReportHeader, int, error) {
	if err := s.authorize(ctx, actor, access.OpList, nil, 0); err != nil {
		return nil, 0, err
	}
	list, total, err := s.repo.ListHeaders(ctx, s.store.Q(), access.ScopeReports(actor, s.source, rq))
	if err != nil {
		return nil, 0, err
	}
	if list == nil {
		list = []models.ReportHeader{}
	}
	return list, total, nil
}

// Get returns one header with its entries and amendments.
func (s *Service) Get(ctx context.Context, actor models.Actor, id int64) (*models.ReportHeader, error) {
	h, err := s.load(ctx, actor, id, access.OpGet)
	if err != nil {
		return nil, err
	}
	q := s.store.Q()
	if h.Entries, err = s.repo.ListEntries(ctx, q, id); err != nil {
		return nil, err
	}
	if h.Amendments, err = s.repo.ListAmendments(ctx, q, id); err != nil {
		return nil, err
	}
	return h, nil
}

// ListEntries returns the entries of one header.
func (s *Service) ListEntries(ctx context.Context, actor models.Actor, id int64) ([]models.ReportEntry, error) {
	if _, err := s.load(ctx, actor, id, access.OpListEntries); err != nil {
		return nil, err
	}
	return s.repo.ListEntries(ctx, s.store.Q(), id)
}

// AddEntry appends an entry to a draft.
func (s *Service) AddEntry(ctx context.Context, actor models.Actor, id int64, in EntryInput) (*models.ReportEntry, error) {
	var out *models.ReportEntry
	err := s.mutateEntry(ctx, actor, id, in, func(q repo.Querier, h *models.ReportHeader, e models.ReportEntry) error {
		e.ReportID = id
		if err := s.repo.InsertEntry(ctx, q, &e); err != nil {
			return err
		}
		out = &e
		return s.record(ctx, q, actor, h, audit.ActionEntryAdded, nil, e)
	})
	return out, err
}

// UpdateEntry rewrites one entry of a draft.
func (s *Service) UpdateEntry(ctx context.Context, actor models.Actor, id, entryID int64, in EntryInput) (*models.ReportEntry, error) {
	var out *models.ReportEntry
	err := s.mutateEntry(ctx, actor, id, in, func(q repo.Querier, h *models.ReportHeader, e models.ReportEntry) error {
		prev, err := s.repo.GetEntry(ctx, q, id, entryID)
		if err != nil {
			return err
		}
		e.ID, e.ReportID = entryID, id
		if err := s.repo.UpdateEntry(ctx, q, &e); err != nil {
			return err
		}
		out = &e
		return s.record(ctx, q, actor, h, audit.ActionEntryUpdated, prev, e)
	})
	return out, err
}

// DeleteEntry removes one entry of a draft.
func (s *Service) DeleteEntry(ctx context.Context, actor models.Actor, id, entryID int64) error {
	if _, err := s.load(ctx, actor, id, access.OpWriteEntry); err != nil {
		return err
	}
	return s.store.InTx(ctx, func(q repo.Querier) error {
		h, err := s.lockDraft(ctx, q, id)
		if err != nil {
			return err
		}
		prev, err := s.repo.GetEntry(ctx, q, id, entryID)
		if err != nil {
			return err
		}
		if err := s.repo.DeleteEntry(ctx, q, id, entryID); err != nil {
			return err
		}
		return s.record(ctx, q, actor, h, audit.ActionEntryDeleted, prev, nil)
	})
}

func (s *Service) mutateEntry(ctx context.Context, actor models.Actor, id int64, in EntryInput,
	fn func(q repo.Querier, h *models.ReportHeader, e models.ReportEntry) error) error {
	if _, err := s.load(ctx, actor, id, access.OpWriteEntry); err != nil {
		return err
	}
	if err := validate.Struct(in); err != nil {
		return err
	}
	return s.store.InTx(ctx, func(q repo.Querier) error {
		h, err := s.lockDraft(ctx, q, id)
		if err != nil {
			return err
		}
		e := toEntries([]EntryInput{in})
		if err := s.checkEntries(ctx, h.EntityID, e); err != nil {
			return err
		}
		return fn(q, h, e[0])
	})
}

// lockDraft locks header id and fails with ErrImmutableRecord unless it is a draft.
func (s *Service) lockDraft(ctx context.Context, q repo.Querier, id int64) (*models.ReportHeader, error) {
	h, err := s.repo.LockHeader(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if h.Status != models.ReportDraft {
		return nil, apperr.ErrImmutableRecord
	}
	return h, nil
}

// checkEntries validates an entry set against master data. Source A employees
// must be members of the project; Source B employees must belong to the
// department and each entry must name an existing project.
func (s *Service) checkEntries(ctx context.Context, entityID int64, entries []models.ReportEntry) error {
	if len(entries) == 0 {
		return nil
	}
	seen := make(map[int64]bool, len(entries))
	employees := make([]int64, 0, len(entries))
	for _, e := range entries {
		if seen[e.EmployeeID] {
			return fmt.Errorf("%w: employee %d", apperr.ErrDuplicateEntry, e.EmployeeID)
		}
		seen[e.EmployeeID] = true
		employees = append(employees, e.EmployeeID)
	}

	v := &apperr.ValidationError{}
	index := func(employeeID int64) int {
		for i, e := range entries {
			if e.EmployeeID == employeeID {
				return i
			}
		}
		return -1
	}

	switch s.source {
	case models.SourceA:
		for i, e := range entries {
			if e.ProjectID != nil {
				v.Add(fmt.Sprintf("entries[%d].project_id", i), "not allowed on project reports")
			}
		}
		missing, err := s.dir.NonProjectMembers(ctx, entityID, employees)
		if err != nil {
			return err
		}
		for _, id := range missing {
			v.Add(fmt.Sprintf("entries[%d].employee_id", index(id)), fmt.Sprintf("employee %d is not a member of project %d", id, entityID))
		}
	case models.SourceB:
		var projects []int64
		for i, e := range entries {
			if e.ProjectID == nil {
				v.Add(fmt.Sprintf("entries[%d].project_id", i), "required")
				continue
			}
			projects = append(projects, *e.ProjectID)
		}
		missing, err := s.dir.NonDepartmentMembers(ctx, entityID, employees)
		if err != nil {
			return err
		}
		for _, id := range missing {
			v.Add(fmt.Sprintf("entries[%d].employee_id", index(id)), fmt.Sprintf("employee %d does not belong to department %d", id, entityID))
		}
		unknown, err := s.dir.MissingProjects(ctx, projects)
		if err != nil {
			return err
		}
		for _, pid := range unknown {
			for i, e := range entries {
				if e.ProjectID != nil && *e.ProjectID == pid {
					v.Add(fmt.Sprintf("entries[%d].project_id", i), fmt.Sprintf("project %d does not exist", pid))
				}
			}
		}
	}
	return v.OrNil()
}

func toEntries(in []EntryInput) []models.ReportEntry {
	out := make([]models.ReportEntry, 0, len(in))
	for _, e := range in {
		out = append(out, models.ReportEntry{
			EmployeeID: e.EmployeeID,
			ProjectID:  e.ProjectID,
			Hours:      e.Hours.Round(2),
			Notes:      e.Notes,
		})
	}
	return out
}

// snapshot is the JSON shape stored in audit rows and amendments.
func snapshot(h *models.ReportHeader, entries []models.ReportEntry) models.ReportHeader {
	cp := *h
	cp.Entries = entries
	cp.Amendments = nil
	return cp
}
