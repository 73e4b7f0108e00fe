package memory

import (
	"fmt"
	"strings"
	"time"

	"transitreg/pkg/domain"
)

type recordKey struct {
	bucket string
	id     string
}

// transaction represents a mutation set applied to a private clone of the
// store state. dirty tracks every record the transaction wrote so commit can
// merge just those records into the live state.
type transaction struct {
	transactionView
	store   *Store
	state   memoryState
	changes []Change
	dirty   map[recordKey]struct{}
	now     time.Time
}

func newTransaction(store *Store, state memoryState, now time.Time) *transaction {
	tx := &transaction{
		store: store,
		state: state,
		dirty: make(map[recordKey]struct{}),
		now:   now,
	}
	tx.transactionView = transactionView{state: &tx.state}
	return tx
}

// helper to record and append change entries.
func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) touch(bucket, id string) {
	tx.dirty[recordKey{bucket: bucket, id: id}] = struct{}{}
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// Changes returns the entity mutations recorded so far.
func (tx *transaction) Changes() []Change {
	return append([]Change(nil), tx.changes...)
}

type entityPtr[T any] interface {
	*T
	Meta() *domain.Base
}

func createEntity[T any, P entityPtr[T]](tx *transaction, kind domain.EntityKind, rows map[string]T, clone func(T) T, v T) (T, error) {
	var zero T
	v = clone(v)
	base := P(&v).Meta()
	if base.ID == "" {
		base.ID = tx.store.newID()
	}
	if _, exists := rows[base.ID]; exists {
		return zero, fmt.Errorf("%s %q already exists", kind, base.ID)
	}
	if base.OnestopID == "" {
		return zero, fmt.Errorf("%s onestop id is required", kind)
	}
	if tx.state.onestopTaken(kind, base.OnestopID, base.ID) {
		return zero, fmt.Errorf("%w: %s %s", domain.ErrConflict, kind, base.OnestopID)
	}
	if err := tx.checkReferences(v); err != nil {
		return zero, err
	}
	base.CreatedAt = tx.now
	base.UpdatedAt = tx.now
	rows[base.ID] = clone(v)
	tx.state.indexEntity(kind, *base)
	tx.touch(entityBuckets[kind], base.ID)
	tx.recordChange(Change{Kind: kind, Action: domain.ActionCreate, EntityID: base.ID, After: clone(v)})
	return clone(v), nil
}

func updateEntity[T any, P entityPtr[T]](tx *transaction, kind domain.EntityKind, rows map[string]T, clone func(T) T, id string, mutator func(*T) error) (T, error) {
	var zero T
	stored, ok := rows[id]
	if !ok {
		return zero, domain.ErrNotFound{Kind: kind, ID: id}
	}
	before := clone(stored)
	current := clone(stored)
	if err := mutator(&current); err != nil {
		return zero, err
	}
	prev := P(&before).Meta()
	base := P(&current).Meta()
	// identity fields only change through RenameEntity
	base.ID = id
	base.OnestopID = prev.OnestopID
	base.OldOnestopIDs = cloneStrings(prev.OldOnestopIDs)
	base.CreatedAt = prev.CreatedAt
	base.UpdatedAt = tx.now
	if err := tx.checkReferences(current); err != nil {
		return zero, err
	}
	rows[id] = clone(current)
	tx.touch(entityBuckets[kind], id)
	tx.recordChange(Change{Kind: kind, Action: domain.ActionUpdate, EntityID: id, Before: before, After: clone(current)})
	return clone(current), nil
}

func deleteEntity[T any, P entityPtr[T]](tx *transaction, kind domain.EntityKind, rows map[string]T, id string) error {
	current, ok := rows[id]
	if !ok {
		return domain.ErrNotFound{Kind: kind, ID: id}
	}
	base := P(&current).Meta()
	if refs := referencesTo(&tx.state, base.Ref(kind)); len(refs) > 0 {
		return fmt.Errorf("%s %q still referenced by %s %s", kind, base.OnestopID, refs[0].Kind, refs[0].OnestopID)
	}
	delete(rows, id)
	tx.state.unindexEntity(kind, *base)
	tx.touch(entityBuckets[kind], id)
	tx.recordChange(Change{Kind: kind, Action: domain.ActionDelete, EntityID: id, Before: current})
	return nil
}

func renameEntity[T any, P entityPtr[T]](tx *transaction, kind domain.EntityKind, rows map[string]T, clone func(T) T, id, newOnestopID string) (domain.EntityRef, error) {
	stored, ok := rows[id]
	if !ok {
		return domain.EntityRef{}, domain.ErrNotFound{Kind: kind, ID: id}
	}
	before := clone(stored)
	current := clone(stored)
	base := P(&current).Meta()
	if base.OnestopID == newOnestopID {
		return base.Ref(kind), nil
	}
	if tx.state.onestopTaken(kind, newOnestopID, id) {
		return domain.EntityRef{}, fmt.Errorf("%w: %s %s", domain.ErrConflict, kind, newOnestopID)
	}
	tx.state.unindexEntity(kind, *base)
	old := base.OnestopID
	base.OldOnestopIDs = append(removeString(base.OldOnestopIDs, newOnestopID), old)
	base.OnestopID = newOnestopID
	base.UpdatedAt = tx.now
	rows[id] = clone(current)
	tx.state.indexEntity(kind, *base)

	for issueID, issue := range tx.state.issues {
		if issue.EntityID != id || !issue.Open {
			continue
		}
		issue.OnestopID = newOnestopID
		issue.UpdatedAt = tx.now
		tx.state.issues[issueID] = issue
		tx.touch(BucketIssues, issueID)
	}
	tx.touch(entityBuckets[kind], id)
	tx.recordChange(Change{Kind: kind, Action: domain.ActionRename, EntityID: id, Before: before, After: clone(current)})
	return base.Ref(kind), nil
}

func removeString(values []string, target string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

// checkReferences verifies every foreign key held by v points at an existing record.
func (tx *transaction) checkReferences(v any) error {
	missing := func(kind domain.EntityKind, id string) error {
		return fmt.Errorf("reference: %w", domain.ErrNotFound{Kind: kind, ID: id})
	}
	switch e := v.(type) {
	case Route:
		if e.OperatorID != "" {
			if _, ok := tx.state.operators[e.OperatorID]; !ok {
				return missing(domain.KindOperator, e.OperatorID)
			}
		}
		for _, id := range e.ServedStopIDs {
			if _, ok := tx.state.stops[id]; !ok {
				return missing(domain.KindStop, id)
			}
		}
	case RouteStopPattern:
		if _, ok := tx.state.routes[e.RouteID]; !ok {
			return missing(domain.KindRoute, e.RouteID)
		}
		for _, id := range e.StopIDs {
			if _, ok := tx.state.stops[id]; !ok {
				return missing(domain.KindStop, id)
			}
		}
	case Feed:
		for _, id := range e.OperatorIDs {
			if _, ok := tx.state.operators[id]; !ok {
				return missing(domain.KindOperator, id)
			}
		}
	}
	return nil
}

// CreateOperator stores a new operator within the transaction.
func (tx *transaction) CreateOperator(o Operator) (Operator, error) {
	return createEntity(tx, domain.KindOperator, tx.state.operators, cloneOperator, o)
}

// UpdateOperator mutates an operator using the provided mutator function.
func (tx *transaction) UpdateOperator(id string, mutator func(*Operator) error) (Operator, error) {
	return updateEntity(tx, domain.KindOperator, tx.state.operators, cloneOperator, id, mutator)
}

// DeleteOperator removes an operator that nothing references any more.
func (tx *transaction) DeleteOperator(id string) error {
	return deleteEntity(tx, domain.KindOperator, tx.state.operators, id)
}

func (tx *transaction) CreateStop(s Stop) (Stop, error) {
	return createEntity(tx, domain.KindStop, tx.state.stops, cloneStop, s)
}

func (tx *transaction) UpdateStop(id string, mutator func(*Stop) error) (Stop, error) {
	return updateEntity(tx, domain.KindStop, tx.state.stops, cloneStop, id, mutator)
}

func (tx *transaction) DeleteStop(id string) error {
	return deleteEntity(tx, domain.KindStop, tx.state.stops, id)
}

func (tx *transaction) CreateRoute(r Route) (Route, error) {
	return createEntity(tx, domain.KindRoute, tx.state.routes, cloneRoute, r)
}

func (tx *transaction) UpdateRoute(id string, mutator func(*Route) error) (Route, error) {
	return updateEntity(tx, domain.KindRoute, tx.state.routes, cloneRoute, id, mutator)
}

func (tx *transaction) DeleteRoute(id string) error {
	return deleteEntity(tx, domain.KindRoute, tx.state.routes, id)
}

func (tx *transaction) CreateRouteStopPattern(p RouteStopPattern) (RouteStopPattern, error) {
	return createEntity(tx, domain.KindRouteStopPattern, tx.state.patterns, clonePattern, p)
}

func (tx *transaction) UpdateRouteStopPattern(id string, mutator func(*RouteStopPattern) error) (RouteStopPattern, error) {
	return updateEntity(tx, domain.KindRouteStopPattern, tx.state.patterns, clonePattern, id, mutator)
}

func (tx *transaction) DeleteRouteStopPattern(id string) error {
	return deleteEntity(tx, domain.KindRouteStopPattern, tx.state.patterns, id)
}

func (tx *transaction) CreateFeed(f Feed) (Feed, error) {
	return createEntity(tx, domain.KindFeed, tx.state.feeds, cloneFeed, f)
}

func (tx *transaction) UpdateFeed(id string, mutator func(*Feed) error) (Feed, error) {
	return updateEntity(tx, domain.KindFeed, tx.state.feeds, cloneFeed, id, mutator)
}

func (tx *transaction) DeleteFeed(id string) error {
	return deleteEntity(tx, domain.KindFeed, tx.state.feeds, id)
}

// RenameEntity rewrites the onestop id of an entity, keeps the previous id as
// an alias and follows the rename on the entity's open issues.
func (tx *transaction) RenameEntity(ref domain.EntityRef, newOnestopID string) (domain.EntityRef, error) {
	switch ref.Kind {
	case domain.KindOperator:
		return renameEntity(tx, ref.Kind, tx.state.operators, cloneOperator, ref.ID, newOnestopID)
	case domain.KindStop:
		return renameEntity(tx, ref.Kind, tx.state.stops, cloneStop, ref.ID, newOnestopID)
	case domain.KindRoute:
		return renameEntity(tx, ref.Kind, tx.state.routes, cloneRoute, ref.ID, newOnestopID)
	case domain.KindRouteStopPattern:
		return renameEntity(tx, ref.Kind, tx.state.patterns, clonePattern, ref.ID, newOnestopID)
	case domain.KindFeed:
		return renameEntity(tx, ref.Kind, tx.state.feeds, cloneFeed, ref.ID, newOnestopID)
	default:
		return domain.EntityRef{}, fmt.Errorf("unknown entity kind %q", ref.Kind)
	}
}

// CreateIssue stores a new issue record.
func (tx *transaction) CreateIssue(i Issue) (Issue, error) {
	if i.ID == "" {
		i.ID = tx.store.newID()
	}
	if _, exists := tx.state.issues[i.ID]; exists {
		return Issue{}, fmt.Errorf("issue %q already exists", i.ID)
	}
	if !i.EntityKind.Valid() || i.EntityID == "" {
		return Issue{}, fmt.Errorf("issue must reference an entity")
	}
	i.CreatedAt = tx.now
	i.UpdatedAt = tx.now
	tx.state.issues[i.ID] = cloneIssue(i)
	tx.touch(BucketIssues, i.ID)
	return cloneIssue(i), nil
}

// UpdateIssue mutates an existing issue.
func (tx *transaction) UpdateIssue(id string, mutator func(*Issue) error) (Issue, error) {
	stored, ok := tx.state.issues[id]
	if !ok {
		return Issue{}, domain.ErrNotFound{Kind: "issue", ID: id}
	}
	current := cloneIssue(stored)
	if err := mutator(&current); err != nil {
		return Issue{}, err
	}
	current.ID = id
	current.CreatedAt = stored.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.issues[id] = cloneIssue(current)
	tx.touch(BucketIssues, id)
	return cloneIssue(current), nil
}

// CreateUser stores a user keyed by lower-cased email.
func (tx *transaction) CreateUser(u User) (User, error) {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Email == "" {
		return User{}, fmt.Errorf("user email is required")
	}
	if _, exists := tx.FindUserByEmail(u.Email); exists {
		return User{}, fmt.Errorf("%w: user email %s", domain.ErrConflict, u.Email)
	}
	if u.ID == "" {
		u.ID = tx.store.newID()
	}
	u.CreatedAt = tx.now
	tx.state.users[u.ID] = u
	tx.touch(BucketUsers, u.ID)
	return u, nil
}

// CreateChangeset stores a new changeset aggregate.
func (tx *transaction) CreateChangeset(c Changeset) (Changeset, error) {
	if c.ID == "" {
		c.ID = tx.store.newID()
	}
	if _, exists := tx.state.changesets[c.ID]; exists {
		return Changeset{}, fmt.Errorf("changeset %q already exists", c.ID)
	}
	if c.UserID != nil {
		if _, ok := tx.state.users[*c.UserID]; !ok {
			return Changeset{}, domain.ErrNotFound{Kind: "user", ID: *c.UserID}
		}
	}
	c.PayloadIDs = nil
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	tx.state.changesets[c.ID] = cloneChangeset(c)
	tx.touch(BucketChangesets, c.ID)
	return decorateChangeset(&tx.state, cloneChangeset(c)), nil
}

// UpdateChangeset mutates an existing changeset. Payload membership is derived
// from the payload records and cannot be changed through the mutator.
func (tx *transaction) UpdateChangeset(id string, mutator func(*Changeset) error) (Changeset, error) {
	stored, ok := tx.state.changesets[id]
	if !ok {
		return Changeset{}, domain.ErrNotFound{Kind: "changeset", ID: id}
	}
	current := cloneChangeset(stored)
	if err := mutator(&current); err != nil {
		return Changeset{}, err
	}
	current.ID = id
	current.CreatedAt = stored.CreatedAt
	current.UpdatedAt = tx.now
	current.PayloadIDs = nil
	tx.state.changesets[id] = cloneChangeset(current)
	tx.touch(BucketChangesets, id)
	return decorateChangeset(&tx.state, cloneChangeset(current)), nil
}

// DeleteChangeset removes a changeset and cascades to its payloads.
func (tx *transaction) DeleteChangeset(id string) error {
	if _, ok := tx.state.changesets[id]; !ok {
		return domain.ErrNotFound{Kind: "changeset", ID: id}
	}
	for payloadID, p := range tx.state.payloads {
		if p.ChangesetID == id {
			delete(tx.state.payloads, payloadID)
			tx.touch(BucketChangePayloads, payloadID)
		}
	}
	delete(tx.state.changesets, id)
	tx.touch(BucketChangesets, id)
	return nil
}

// CreateChangePayload attaches a payload to an existing changeset.
func (tx *transaction) CreateChangePayload(p ChangePayload) (ChangePayload, error) {
	if _, ok := tx.state.changesets[p.ChangesetID]; !ok {
		return ChangePayload{}, domain.ErrNotFound{Kind: "changeset", ID: p.ChangesetID}
	}
	if p.ID == "" {
		p.ID = tx.store.newID()
	}
	if _, exists := tx.state.payloads[p.ID]; exists {
		return ChangePayload{}, fmt.Errorf("change payload %q already exists", p.ID)
	}
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	tx.state.payloads[p.ID] = p
	tx.touch(BucketChangePayloads, p.ID)
	return p, nil
}

func (tx *transaction) DeleteChangePayload(id string) error {
	if _, ok := tx.state.payloads[id]; !ok {
		return domain.ErrNotFound{Kind: "change_payload", ID: id}
	}
	delete(tx.state.payloads, id)
	tx.touch(BucketChangePayloads, id)
	return nil
}
