// Package memory provides an in-memory implementation of the registry
// persistence store used for tests, ephemeral environments and as the
// transactional core of the durable backends.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"transitreg/pkg/domain"

	"github.com/google/uuid"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Operator aliases domain.Operator for in-memory persistence operations.
	Operator = domain.Operator
	// Stop aliases domain.Stop.
	Stop = domain.Stop
	// Route aliases domain.Route.
	Route = domain.Route
	// RouteStopPattern aliases domain.RouteStopPattern.
	RouteStopPattern = domain.RouteStopPattern
	// Feed aliases domain.Feed.
	Feed = domain.Feed
	// Issue aliases domain.Issue.
	Issue = domain.Issue
	// User aliases domain.User.
	User = domain.User
	// Changeset aliases domain.Changeset.
	Changeset = domain.Changeset
	// ChangePayload aliases domain.ChangePayload.
	ChangePayload = domain.ChangePayload
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
	// PersistentStore aliases domain.PersistentStore abstraction.
	PersistentStore = domain.PersistentStore
)

// Persister durably records a committed snapshot. It runs while the store
// write lock is held; a failure aborts the commit and leaves state untouched.
type Persister interface {
	Persist(ctx context.Context, snapshot Snapshot) error
}

// Option configures a Store.
type Option func(*Store)

// WithPersister installs a durable snapshot writer invoked on every commit.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithLockTimeout bounds how long a commit waits for its lock set.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// Store provides an in-memory transactional store for the registry domain.
type Store struct {
	mu          sync.RWMutex
	state       memoryState
	locks       *lockSet
	lockTimeout time.Duration
	persister   Persister
	nowFn       func() time.Time
}

// NewStore constructs an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		state: newMemoryState(),
		locks: newLockSet(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state.clone())
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) error {
	state, err := memoryStateFromSnapshot(migrateSnapshot(snapshot))
	if err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// RunInTransaction executes fn within a transactional copy of the store state.
// Rollback-mode transactions read a consistent clone without taking locks and
// always discard their mutations. Commit-mode transactions first acquire the
// exclusive lock set named by opts.LockKeys, then merge the records they
// touched into the live state under the write lock.
func (s *Store) RunInTransaction(ctx context.Context, opts domain.TxOptions, fn func(tx Transaction) error) error {
	mode := opts.Mode
	if mode == "" {
		mode = domain.TxCommit
	}
	if mode == domain.TxCommit && len(opts.LockKeys) > 0 {
		release, err := s.locks.acquire(ctx, opts.LockKeys, s.lockTimeout)
		if err != nil {
			return err
		}
		defer release()
	}

	s.mu.RLock()
	tx := newTransaction(s, s.state.clone(), s.nowFn())
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if mode == domain.TxRollback || len(tx.dirty) == 0 {
		return nil
	}
	return s.commit(ctx, tx)
}

func (s *Store) commit(ctx context.Context, tx *transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	for key := range tx.dirty {
		next.merge(&tx.state, key)
	}
	if err := next.reindex(); err != nil {
		return err
	}
	if s.persister != nil {
		if err := s.persister.Persist(ctx, snapshotFromMemoryState(next)); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}
	s.state = next
	return nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}
