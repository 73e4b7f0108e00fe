package domain

import "context"

// TxMode selects whether a transaction's mutations are kept.
type TxMode string

const (
	// TxCommit publishes mutations when the transaction function succeeds.
	TxCommit TxMode = "commit"
	// TxRollback always discards mutations. Used for trial runs.
	TxRollback TxMode = "rollback"
)

// TxOptions configures a store transaction.
type TxOptions struct {
	Mode TxMode
	// LockKeys names the entity set the transaction touches. Commit-mode
	// transactions hold an exclusive lock on every key until they finish.
	LockKeys []string
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	RuleView
	FindOperator(id string) (Operator, bool)
	FindFeed(id string) (Feed, bool)
	// LookupOnestopID resolves a current or retired onestop id of the given kind.
	LookupOnestopID(kind EntityKind, onestopID string) (EntityRef, bool)
	ListOperators() []Operator
	ListStops() []Stop
	ListRoutes() []Route
	ListRouteStopPatterns() []RouteStopPattern
	ListFeeds() []Feed
	// ReferencesTo returns the entities holding a foreign key to ref.
	ReferencesTo(ref EntityRef) []EntityRef

	FindIssue(id string) (Issue, bool)
	ListIssues() []Issue
	FindOpenIssue(entityID string, issueType IssueType) (Issue, bool)

	FindUser(id string) (User, bool)
	FindUserByEmail(email string) (User, bool)
	FindChangeset(id string) (Changeset, bool)
	ListChangesets() []Changeset
	ListChangePayloads(changesetID string) []ChangePayload
}

// Transaction exposes the mutations a persistence implementation must support
// within an atomic scope.
type Transaction interface {
	TransactionView
	Snapshot() TransactionView
	Changes() []Change

	CreateOperator(Operator) (Operator, error)
	UpdateOperator(id string, mutator func(*Operator) error) (Operator, error)
	DeleteOperator(id string) error
	CreateStop(Stop) (Stop, error)
	UpdateStop(id string, mutator func(*Stop) error) (Stop, error)
	DeleteStop(id string) error
	CreateRoute(Route) (Route, error)
	UpdateRoute(id string, mutator func(*Route) error) (Route, error)
	DeleteRoute(id string) error
	CreateRouteStopPattern(RouteStopPattern) (RouteStopPattern, error)
	UpdateRouteStopPattern(id string, mutator func(*RouteStopPattern) error) (RouteStopPattern, error)
	DeleteRouteStopPattern(id string) error
	CreateFeed(Feed) (Feed, error)
	UpdateFeed(id string, mutator func(*Feed) error) (Feed, error)
	DeleteFeed(id string) error
	// RenameEntity rewrites the onestop id of an entity, retaining the old id as an alias.
	RenameEntity(ref EntityRef, newOnestopID string) (EntityRef, error)

	CreateIssue(Issue) (Issue, error)
	UpdateIssue(id string, mutator func(*Issue) error) (Issue, error)

	CreateUser(User) (User, error)
	CreateChangeset(Changeset) (Changeset, error)
	UpdateChangeset(id string, mutator func(*Changeset) error) (Changeset, error)
	DeleteChangeset(id string) error
	CreateChangePayload(ChangePayload) (ChangePayload, error)
	DeleteChangePayload(id string) error
}

// PersistentStore is the transactional store abstraction consumed by the
// changeset engine.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, opts TxOptions, fn func(Transaction) error) error
	View(ctx context.Context, fn func(TransactionView) error) error
}
