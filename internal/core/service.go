package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"transitreg/internal/infra/persistence/memory"
	"transitreg/pkg/domain"
)

// ChangesetInput is the request body of CreateChangeset.
type ChangesetInput struct {
	Notes string `json:"notes" validate:"max=4096"`
	// UserEmail names the author. The user is created on first use.
	UserEmail string            `json:"userEmail" validate:"omitempty,email"`
	UserName  string            `json:"userName" validate:"max=256"`
	Payloads  []json.RawMessage `json:"payloads"`
}

// ChangesetUpdate changes an unapplied changeset. Nil fields are untouched;
// a non-nil Payloads replaces every payload.
type ChangesetUpdate struct {
	Notes    *string           `json:"notes" validate:"omitempty,max=4096"`
	Payloads []json.RawMessage `json:"payloads"`
}

// DeleteOptions controls DeleteChangeset.
type DeleteOptions struct {
	// Force allows deleting an applied changeset for cleanup.
	Force bool
}

// ChangesetFilter narrows ListChangesets.
type ChangesetFilter struct {
	Applied *bool
}

// IssueFilter narrows ListIssues.
type IssueFilter struct {
	Open     *bool
	EntityID string
}

// CheckResult is the outcome of a trial run.
type CheckResult struct {
	TrialSucceeds bool            `json:"trialSucceeds"`
	Issues        []Issue         `json:"issues"`
	Errors        ChangesetErrors `json:"errors"`
}

// AsyncGateway runs applies in the background. See the changesets adapter.
type AsyncGateway interface {
	SubmitOrPoll(ctx context.Context, changesetID string) (AsyncJobStatus, error)
}

// Service exposes the changeset lifecycle over a PersistentStore.
type Service struct {
	store   PersistentStore
	engine  *Engine
	opts    serviceOptions
	gateway AsyncGateway
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...ServiceOption) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Service{
		store:  store,
		engine: newEngine(store, o),
		opts:   o,
	}
}

// NewInMemoryService creates a service over a fresh in-memory store.
func NewInMemoryService(opts ...ServiceOption) *Service {
	return NewService(memory.NewStore(), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// UseAsyncGateway attaches the background apply gateway.
func (s *Service) UseAsyncGateway(g AsyncGateway) {
	s.gateway = g
}

func (s *Service) instrument(ctx context.Context, operation, changesetID string, fn func(context.Context) error) error {
	start := s.opts.clock.Now()
	ctx, span := s.opts.tracer.Start(ctx, operation)
	err := fn(ctx)
	span.End(err)
	duration := s.opts.clock.Now().Sub(start)
	s.opts.metrics.Observe(ctx, operation, err == nil, duration)
	entry := AuditEntry{
		Operation:   operation,
		ChangesetID: changesetID,
		Status:      AuditStatusSuccess,
		Duration:    duration,
		Timestamp:   start,
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		s.opts.logger.Debug("operation failed", "operation", operation, "changeset_id", changesetID, "error", err)
	}
	s.opts.audit.Record(ctx, entry)
	return err
}

func (s *Service) txOptions(changesetID string) domain.TxOptions {
	opts := domain.TxOptions{Mode: domain.TxCommit}
	if changesetID != "" {
		opts.LockKeys = []string{"changeset:" + changesetID}
	}
	return opts
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.storageTimeout)
}

// CreateChangeset validates the payloads, upserts the author by email and
// stores the changeset.
func (s *Service) CreateChangeset(ctx context.Context, in ChangesetInput) (Changeset, error) {
	var created Changeset
	err := s.instrument(ctx, "create_changeset", "", func(ctx context.Context) error {
		if err := validate.Struct(in); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, validationMessage(err))
		}
		docs, err := payloadDocuments(in.Payloads)
		if err != nil {
			return err
		}
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()
		return s.store.RunInTransaction(ctx, s.txOptions(""), func(tx Transaction) error {
			cs := Changeset{Notes: in.Notes}
			if in.UserEmail != "" {
				user, err := upsertUser(tx, in.UserEmail, in.UserName)
				if err != nil {
					return err
				}
				cs.UserID = &user.ID
			}
			var err error
			if created, err = tx.CreateChangeset(cs); err != nil {
				return err
			}
			if err := attachPayloads(tx, created.ID, 0, docs); err != nil {
				return err
			}
			created, _ = tx.FindChangeset(created.ID)
			return nil
		})
	})
	return created, err
}

// upsertUser finds a user by email or creates one.
func upsertUser(tx Transaction, email, name string) (User, error) {
	if user, ok := tx.FindUserByEmail(email); ok {
		return user, nil
	}
	return tx.CreateUser(User{Email: strings.ToLower(strings.TrimSpace(email)), Name: name})
}

func payloadDocuments(raws []json.RawMessage) ([]domain.PayloadDocument, error) {
	docs := make([]domain.PayloadDocument, 0, len(raws))
	for i, raw := range raws {
		doc := domain.NewPayloadDocument(raw)
		if err := ValidatePayloadDocument(doc); err != nil {
			return nil, fmt.Errorf("payload %d: %w", i, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func attachPayloads(tx Transaction, changesetID string, start int, docs []domain.PayloadDocument) error {
	for i, doc := range docs {
		if _, err := tx.CreateChangePayload(ChangePayload{
			ChangesetID: changesetID,
			Position:    start + i,
			Document:    doc,
		}); err != nil {
			return err
		}
	}
	return nil
}

// GetChangeset returns a changeset with its payload ids.
func (s *Service) GetChangeset(ctx context.Context, id string) (Changeset, error) {
	var cs Changeset
	err := s.store.View(ctx, func(view TransactionView) error {
		var ok bool
		if cs, ok = view.FindChangeset(id); !ok {
			return domain.ErrNotFound{Kind: "changeset", ID: id}
		}
		return nil
	})
	return cs, err
}

// ListChangePayloads returns the payloads of a changeset in execution order.
func (s *Service) ListChangePayloads(ctx context.Context, id string) ([]ChangePayload, error) {
	var payloads []ChangePayload
	err := s.store.View(ctx, func(view TransactionView) error {
		if _, ok := view.FindChangeset(id); !ok {
			return domain.ErrNotFound{Kind: "changeset", ID: id}
		}
		payloads = view.ListChangePayloads(id)
		return nil
	})
	return payloads, err
}

// ListChangesets returns changesets ordered by creation time.
func (s *Service) ListChangesets(ctx context.Context, filter ChangesetFilter) ([]Changeset, error) {
	out := []Changeset{}
	err := s.store.View(ctx, func(view TransactionView) error {
		for _, cs := range view.ListChangesets() {
			if filter.Applied != nil && cs.Applied != *filter.Applied {
				continue
			}
			out = append(out, cs)
		}
		return nil
	})
	return out, err
}

// UpdateChangeset changes notes or replaces payloads of an unapplied changeset.
func (s *Service) UpdateChangeset(ctx context.Context, id string, update ChangesetUpdate) (Changeset, error) {
	var updated Changeset
	err := s.instrument(ctx, "update_changeset", id, func(ctx context.Context) error {
		if err := validate.Struct(update); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, validationMessage(err))
		}
		var docs []domain.PayloadDocument
		if update.Payloads != nil {
			var err error
			if docs, err = payloadDocuments(update.Payloads); err != nil {
				return err
			}
		}
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()
		return s.store.RunInTransaction(ctx, s.txOptions(id), func(tx Transaction) error {
			current, ok := tx.FindChangeset(id)
			if !ok {
				return domain.ErrNotFound{Kind: "changeset", ID: id}
			}
			if current.Applied {
				return fmt.Errorf("changeset %s: %w", id, domain.ErrChangesetApplied)
			}
			if update.Notes != nil {
				if _, err := tx.UpdateChangeset(id, func(c *Changeset) error {
					c.Notes = *update.Notes
					return nil
				}); err != nil {
					return err
				}
			}
			if update.Payloads != nil {
				for _, payloadID := range current.PayloadIDs {
					if err := tx.DeleteChangePayload(payloadID); err != nil {
						return err
					}
				}
				if err := attachPayloads(tx, id, 0, docs); err != nil {
					return err
				}
			}
			updated, _ = tx.FindChangeset(id)
			return nil
		})
	})
	return updated, err
}

// DeleteChangeset removes a changeset and its payloads.
func (s *Service) DeleteChangeset(ctx context.Context, id string, opts DeleteOptions) error {
	return s.instrument(ctx, "delete_changeset", id, func(ctx context.Context) error {
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()
		return s.store.RunInTransaction(ctx, s.txOptions(id), func(tx Transaction) error {
			current, ok := tx.FindChangeset(id)
			if !ok {
				return domain.ErrNotFound{Kind: "changeset", ID: id}
			}
			if current.Applied && !opts.Force {
				return fmt.Errorf("changeset %s: %w", id, domain.ErrChangesetApplied)
			}
			return tx.DeleteChangeset(id)
		})
	})
}

// CheckChangeset runs the changeset in trial mode.
func (s *Service) CheckChangeset(ctx context.Context, id string) (CheckResult, error) {
	var res ApplyResult
	err := s.instrument(ctx, "check_changeset", id, func(ctx context.Context) error {
		var err error
		res, err = s.engine.Run(ctx, id, ModeTrial)
		return err
	})
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{TrialSucceeds: res.Success, Issues: res.Issues, Errors: res.Errors}, nil
}

// ApplyChangeset runs the changeset in commit mode. A changeset that fails
// validation is reported through the result, not the error.
func (s *Service) ApplyChangeset(ctx context.Context, id string) (ApplyResult, error) {
	var res ApplyResult
	err := s.instrument(ctx, "apply_changeset", id, func(ctx context.Context) error {
		var err error
		if res, err = s.engine.Run(ctx, id, ModeCommit); err != nil {
			return err
		}
		if !res.Success {
			return res.Errors
		}
		return nil
	})
	var opErrs ChangesetErrors
	if errors.As(err, &opErrs) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if rec, ok := s.opts.metrics.(IssueMetricsRecorder); ok {
		rec.ObserveIssues(len(res.Issues), len(res.ResolvedIssues))
	}
	s.archive(context.WithoutCancel(ctx), id, res)
	return res, nil
}

func (s *Service) archive(ctx context.Context, id string, res ApplyResult) {
	if s.opts.archive == nil {
		return
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := ArchivedChangeset{IssuesOpened: res.Issues, IssuesResolved: res.ResolvedIssues, ArchivedAt: s.opts.clock.Now()}
	err := s.store.View(ctx, func(view TransactionView) error {
		cs, ok := view.FindChangeset(id)
		if !ok {
			return domain.ErrNotFound{Kind: "changeset", ID: id}
		}
		doc.Changeset = cs
		doc.Payloads = view.ListChangePayloads(id)
		return nil
	})
	if err == nil {
		err = s.opts.archive.Record(ctx, doc)
	}
	if err != nil {
		s.opts.logger.Error("archive applied changeset", "changeset_id", id, "error", err)
	}
}

// ApplyChangesetAsync submits the changeset to the background gateway, or
// returns the status of the job already submitted.
func (s *Service) ApplyChangesetAsync(ctx context.Context, id string) (AsyncJobStatus, error) {
	if s.gateway == nil {
		return AsyncJobStatus{}, errors.New("async apply gateway not configured")
	}
	if _, err := s.GetChangeset(ctx, id); err != nil {
		return AsyncJobStatus{}, err
	}
	return s.gateway.SubmitOrPoll(ctx, id)
}

// ResolveEntity returns the entity addressed by a current or retired onestop id.
// The value is one of Operator, Stop, Route, RouteStopPattern or Feed.
func (s *Service) ResolveEntity(ctx context.Context, kind EntityKind, onestopID string) (any, error) {
	var entity any
	err := s.store.View(ctx, func(view TransactionView) error {
		ref, ok := view.LookupOnestopID(kind, onestopID)
		if !ok {
			return domain.ErrNotFound{Kind: kind, ID: onestopID}
		}
		switch kind {
		case domain.KindOperator:
			entity, ok = view.FindOperator(ref.ID)
		case domain.KindStop:
			entity, ok = view.FindStop(ref.ID)
		case domain.KindRoute:
			entity, ok = view.FindRoute(ref.ID)
		case domain.KindRouteStopPattern:
			entity, ok = view.FindRouteStopPattern(ref.ID)
		case domain.KindFeed:
			entity, ok = view.FindFeed(ref.ID)
		}
		if !ok {
			return domain.ErrNotFound{Kind: kind, ID: onestopID}
		}
		return nil
	})
	return entity, err
}

// ListIssues returns issues ordered by creation time.
func (s *Service) ListIssues(ctx context.Context, filter IssueFilter) ([]Issue, error) {
	out := []Issue{}
	err := s.store.View(ctx, func(view TransactionView) error {
		for _, issue := range view.ListIssues() {
			if filter.Open != nil && issue.Open != *filter.Open {
				continue
			}
			if filter.EntityID != "" && issue.EntityID != filter.EntityID {
				continue
			}
			out = append(out, issue)
		}
		return nil
	})
	return out, err
}
