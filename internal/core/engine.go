package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"transitreg/pkg/domain"

	mapset "github.com/deckarep/golang-set/v2"
)

// Mode selects whether a changeset run keeps its mutations.
type Mode string

const (
	// ModeTrial validates and detects issues, then rolls everything back.
	ModeTrial Mode = "trial"
	// ModeCommit applies the changeset atomically.
	ModeCommit Mode = "commit"
)

// DefaultStorageTimeout bounds one changeset transaction including lock waits.
const DefaultStorageTimeout = 30 * time.Second

// ApplyResult reports the outcome of a changeset run.
type ApplyResult struct {
	ChangesetID string     `json:"changeset_id"`
	Mode        Mode       `json:"mode"`
	Success     bool       `json:"success"`
	AppliedAt   *time.Time `json:"applied_at,omitempty"`
	// Issues lists the issues the run opened (or would open in trial mode).
	Issues              []Issue         `json:"issues"`
	ResolvedIssues      []Issue         `json:"resolved_issues,omitempty"`
	RejectedResolutions []string        `json:"rejected_resolutions,omitempty"`
	Errors              ChangesetErrors `json:"errors"`
}

// Engine executes changesets against a PersistentStore.
type Engine struct {
	store          PersistentStore
	detector       detector
	clock          Clock
	logger         Logger
	storageTimeout time.Duration
}

// NewEngine constructs an engine. A nil rules engine installs the default
// detector rules.
func NewEngine(store PersistentStore, opts ...ServiceOption) *Engine {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newEngine(store, o)
}

func newEngine(store PersistentStore, o serviceOptions) *Engine {
	rules := o.rules
	if rules == nil {
		rules = NewDefaultRulesEngine(DefaultStopDistanceThreshold)
	}
	return &Engine{
		store:          store,
		detector:       detector{rules: rules, logger: o.logger},
		clock:          o.clock,
		logger:         o.logger,
		storageTimeout: o.storageTimeout,
	}
}

// Run executes every operation of the changeset in payload order inside one
// store transaction. Operation failures are collected into result.Errors and
// roll the whole transaction back; the returned error is reserved for
// infrastructure failures. Trial runs never keep their mutations.
//
// A commit run is detached from the caller's cancellation once started and is
// bounded only by the storage timeout.
func (e *Engine) Run(ctx context.Context, changesetID string, mode Mode) (ApplyResult, error) {
	result := ApplyResult{ChangesetID: changesetID, Mode: mode, Issues: []Issue{}, Errors: ChangesetErrors{}}
	txMode := domain.TxRollback
	switch mode {
	case ModeTrial:
	case ModeCommit:
		txMode = domain.TxCommit
		ctx = context.WithoutCancel(ctx)
	default:
		return result, fmt.Errorf("unknown run mode %q", mode)
	}
	ctx, cancel := context.WithTimeout(ctx, e.storageTimeout)
	defer cancel()

	cs, payloads, err := e.load(ctx, changesetID)
	if err != nil {
		return result, err
	}
	if cs.Applied {
		return result, fmt.Errorf("changeset %s: %w", changesetID, domain.ErrChangesetApplied)
	}
	payloadIDs := make([]string, 0, len(payloads))
	var ops []Operation
	for _, p := range payloads {
		payloadIDs = append(payloadIDs, p.ID)
		parsed, opErrs, err := ParsePayload(p)
		if err != nil {
			result.Errors = append(result.Errors, ChangesetError{PayloadID: p.ID, Message: err.Error()})
			continue
		}
		result.Errors = append(result.Errors, opErrs...)
		ops = append(ops, parsed...)
	}

	opts := domain.TxOptions{Mode: txMode}
	for attempt := 1; ; attempt++ {
		if txMode == domain.TxCommit {
			if err := e.store.View(ctx, func(view TransactionView) error {
				opts.LockKeys = lockKeys(view, changesetID, ops)
				return nil
			}); err != nil {
				return result, err
			}
		}
		err = e.store.RunInTransaction(ctx, opts, func(tx Transaction) error {
			if txMode == domain.TxCommit {
				if err := coveredBy(tx, changesetID, ops, opts.LockKeys); err != nil {
					return err
				}
			}
			current, ok := tx.FindChangeset(changesetID)
			if !ok {
				return domain.ErrNotFound{Kind: "changeset", ID: changesetID}
			}
			if current.Applied {
				return fmt.Errorf("changeset %s: %w", changesetID, domain.ErrChangesetApplied)
			}
			if !slices.Equal(current.PayloadIDs, payloadIDs) {
				return fmt.Errorf("%w: changeset %s payloads changed during run", domain.ErrConflict, changesetID)
			}

			r := &run{
				ctx:         ctx,
				tx:          tx,
				resolver:    NewResolver(tx),
				detector:    e.detector,
				changesetID: changesetID,
			}
			for _, op := range ops {
				if err := r.execute(op); err != nil {
					return err
				}
			}
			result.Issues = append(result.Issues, r.opened...)
			result.ResolvedIssues = r.resolved
			result.RejectedResolutions = r.rejected
			result.Errors = append(result.Errors, r.errors...)
			if len(result.Errors) > 0 {
				return result.Errors
			}
			if txMode != domain.TxCommit {
				return nil
			}
			appliedAt := e.clock.Now()
			if _, err := tx.UpdateChangeset(changesetID, func(c *Changeset) error {
				c.Applied = true
				c.AppliedAt = &appliedAt
				return nil
			}); err != nil {
				return fmt.Errorf("mark changeset applied: %w", err)
			}
			result.AppliedAt = &appliedAt
			return nil
		})
		if !errors.Is(err, errStaleLockSet) {
			break
		}
		if attempt == lockAttempts {
			err = fmt.Errorf("%w: changeset %s: entities changed while acquiring locks", domain.ErrConflict, changesetID)
			break
		}
		e.logger.Debug("lock set changed, retrying", "changeset_id", changesetID, "attempt", attempt)
	}

	var opErrs ChangesetErrors
	switch {
	case errors.As(err, &opErrs):
		result.AppliedAt = nil
		e.logger.Info("changeset run failed", "changeset_id", changesetID, "mode", string(mode), "errors", len(opErrs))
		return result, nil
	case err != nil:
		result.AppliedAt = nil
		return result, err
	}
	result.Success = true
	e.logger.Info("changeset run succeeded", "changeset_id", changesetID, "mode", string(mode),
		"issues_opened", len(result.Issues), "issues_resolved", len(result.ResolvedIssues))
	return result, nil
}

func (e *Engine) load(ctx context.Context, changesetID string) (Changeset, []ChangePayload, error) {
	var (
		cs       Changeset
		payloads []ChangePayload
	)
	err := e.store.View(ctx, func(view TransactionView) error {
		var ok bool
		cs, ok = view.FindChangeset(changesetID)
		if !ok {
			return domain.ErrNotFound{Kind: "changeset", ID: changesetID}
		}
		payloads = view.ListChangePayloads(changesetID)
		return nil
	})
	return cs, payloads, err
}

// lockKeys names the changeset plus every entity the operations write or the
// detector reads. Existing entities are keyed by internal id, so addressing
// one through a retired alias still collides with its current id. Raw onestop
// ids are kept as well so concurrent creates of the same id serialize. Stops
// and route stop patterns also lock their neighbourhood: the patterns serving
// a stop, and the stops of a pattern.
func lockKeys(view TransactionView, changesetID string, ops []Operation) []string {
	keys := mapset.NewThreadUnsafeSet("changeset:" + changesetID)
	addEntity := func(ref EntityRef) {
		if ref.ID == "" || !keys.Add(string(ref.Kind)+"#"+ref.ID) {
			return
		}
		switch ref.Kind {
		case domain.KindStop:
			for _, rsp := range view.RouteStopPatternsForStop(ref.ID) {
				keys.Add(string(domain.KindRouteStopPattern) + "#" + rsp.ID)
			}
		case domain.KindRouteStopPattern:
			if rsp, ok := view.FindRouteStopPattern(ref.ID); ok {
				for _, stopID := range rsp.StopIDs {
					keys.Add(string(domain.KindStop) + "#" + stopID)
				}
			}
		}
	}
	add := func(kind EntityKind, id string) {
		if id == "" {
			return
		}
		keys.Add(string(kind) + ":" + id)
		if ref, ok := view.LookupOnestopID(kind, id); ok {
			addEntity(ref)
		}
	}
	addAll := func(kind EntityKind, ids []string) {
		for _, id := range ids {
			add(kind, id)
		}
	}
	for _, op := range ops {
		id := op.Fields.IDs()
		add(op.Kind, id.OnestopID)
		add(op.Kind, id.NewOnestopID)
		for _, issueID := range op.IssuesResolved {
			keys.Add("issue:" + issueID)
			if issue, ok := view.FindIssue(issueID); ok {
				addEntity(issue.Ref())
			}
		}
		switch f := op.Fields.(type) {
		case *RouteFields:
			if f.OperatedBy != nil {
				add(domain.KindOperator, *f.OperatedBy)
			}
			addAll(domain.KindStop, f.Serves)
		case *RouteStopPatternFields:
			if f.TraversedBy != nil {
				add(domain.KindRoute, *f.TraversedBy)
			}
			addAll(domain.KindStop, f.StopPattern)
		case *FeedFields:
			addAll(domain.KindOperator, f.OperatorsInFeed)
		}
	}
	out := keys.ToSlice()
	sort.Strings(out)
	return out
}

// errStaleLockSet reports that the entities addressed by a run changed
// between computing its lock set and acquiring it.
var errStaleLockSet = errors.New("lock set no longer covers the changeset")

// lockAttempts bounds how often a commit recomputes a stale lock set.
const lockAttempts = 3

// coveredBy fails with errStaleLockSet when the lock set computed from the
// locked state names a key outside held.
func coveredBy(tx Transaction, changesetID string, ops []Operation, held []string) error {
	for _, key := range lockKeys(tx, changesetID, ops) {
		if !slices.Contains(held, key) {
			return errStaleLockSet
		}
	}
	return nil
}

// run carries the state of one changeset execution.
type run struct {
	ctx         context.Context
	tx          Transaction
	resolver    *Resolver
	detector    detector
	changesetID string

	errors   ChangesetErrors
	opened   []Issue
	resolved []Issue
	rejected []string
}

// execute applies one operation and runs the detector over what it changed.
// Validation failures are recorded on the run; only infrastructure failures
// are returned.
func (r *run) execute(op Operation) error {
	mark := len(r.tx.Changes())
	claimed, err := claimedIssues(r.tx, op.IssuesResolved)
	if err != nil {
		r.fail(op, err)
		return nil
	}
	if err := r.apply(op); err != nil {
		r.fail(op, err)
		return nil
	}
	det, err := r.detector.run(r.ctx, r.tx, r.changesetID, r.tx.Changes()[mark:], claimed)
	if err != nil {
		return err
	}
	for _, f := range det.blocking {
		r.fail(op, errors.New(f.Details))
	}
	r.opened = append(r.opened, det.opened...)
	r.resolved = append(r.resolved, det.resolved...)
	for _, issue := range det.rejected {
		r.rejected = append(r.rejected, issue.ID)
	}
	return nil
}

func (r *run) fail(op Operation, err error) {
	r.errors = append(r.errors, operationError(op, err))
}

func (r *run) apply(op Operation) error {
	switch op.Action {
	case ActionDestroy:
		return r.destroy(op)
	case ActionChangeOnestopID:
		id := op.Fields.IDs()
		_, err := r.resolver.Rename(op.Kind, id.OnestopID, id.NewOnestopID)
		return err
	}
	switch f := op.Fields.(type) {
	case *OperatorFields:
		return r.upsertOperator(f)
	case *StopFields:
		return r.upsertStop(f)
	case *RouteFields:
		return r.upsertRoute(f)
	case *RouteStopPatternFields:
		return r.upsertRouteStopPattern(f)
	case *FeedFields:
		return r.upsertFeed(f)
	}
	return fmt.Errorf("unsupported entity kind %q", op.Kind)
}

// lookup resolves the entity an upsert addresses. exists is false when the
// operation creates a new entity.
func (r *run) lookup(kind EntityKind, id Identity) (ref EntityRef, exists bool, err error) {
	for _, key := range []string{id.OnestopID, id.ProvisionalID} {
		if key == "" {
			continue
		}
		ref, err = r.resolver.Resolve(kind, key)
		if err == nil {
			return ref, true, nil
		}
		var nf domain.ErrNotFound
		if !errors.As(err, &nf) {
			return EntityRef{}, false, err
		}
	}
	return EntityRef{}, false, nil
}

// created registers a new entity under the ids later operations may use.
func (r *run) created(id Identity, ref EntityRef) {
	r.resolver.Register(id.ProvisionalID, ref)
	r.resolver.Register(ref.OnestopID, ref)
}

func (r *run) destroy(op Operation) error {
	ref, err := r.resolver.Resolve(op.Kind, op.Fields.IDs().Ref())
	if err != nil {
		return err
	}
	switch op.Kind {
	case domain.KindOperator:
		err = r.tx.DeleteOperator(ref.ID)
	case domain.KindStop:
		err = r.tx.DeleteStop(ref.ID)
	case domain.KindRoute:
		err = r.tx.DeleteRoute(ref.ID)
	case domain.KindRouteStopPattern:
		err = r.tx.DeleteRouteStopPattern(ref.ID)
	case domain.KindFeed:
		err = r.tx.DeleteFeed(ref.ID)
	default:
		err = fmt.Errorf("unsupported entity kind %q", op.Kind)
	}
	if err != nil {
		return err
	}
	r.resolver.Forget(ref)
	for _, issue := range r.tx.ListIssues() {
		if !issue.Open || issue.EntityID != ref.ID {
			continue
		}
		closed, err := closeIssue(r.tx, issue.ID, r.changesetID)
		if err != nil {
			return err
		}
		r.resolved = append(r.resolved, closed)
	}
	return nil
}
