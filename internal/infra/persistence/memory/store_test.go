package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"transitreg/pkg/domain"

	"github.com/paulmach/orb"
)

func seedStop(t *testing.T, store *Store, onestopID string) Stop {
	t.Helper()
	var created Stop
	err := store.RunInTransaction(context.Background(), domain.TxOptions{}, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateStop(Stop{
			Base:     domain.Base{OnestopID: onestopID},
			Name:     "Seed",
			Timezone: "America/Los_Angeles",
			Geometry: orb.Point{-122.4, 37.7},
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed stop: %v", err)
	}
	return created
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	err := store.RunInTransaction(ctx, domain.TxOptions{Mode: domain.TxCommit}, func(tx domain.Transaction) error {
		if _, ok := tx.FindStop("missing"); ok {
			t.Fatalf("expected missing stop lookup")
		}
		created, err := tx.CreateStop(Stop{Base: domain.Base{OnestopID: "s-9q9-a"}, Name: "A", Timezone: "UTC"})
		if err != nil {
			return err
		}
		if created.ID == "" {
			t.Fatalf("expected generated ID")
		}
		if len(tx.Snapshot().ListStops()) != 1 {
			t.Fatalf("snapshot mismatch")
		}
		if len(tx.Changes()) != 1 || tx.Changes()[0].Action != domain.ActionCreate {
			t.Fatalf("expected create change, got %+v", tx.Changes())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	var count int
	_ = store.View(ctx, func(v domain.TransactionView) error {
		count = len(v.ListStops())
		return nil
	})
	if count != 1 {
		t.Fatalf("expected persisted stop, got %d", count)
	}

	snapshot := store.ExportState()
	if err := store.ImportState(Snapshot{}); err != nil {
		t.Fatalf("import empty: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		count = len(v.ListStops())
		return nil
	})
	if count != 0 {
		t.Fatalf("expected cleared state")
	}
	if err := store.ImportState(snapshot); err != nil {
		t.Fatalf("import snapshot: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if _, ok := v.LookupOnestopID(domain.KindStop, "s-9q9-a"); !ok {
			t.Fatalf("expected restored onestop index")
		}
		return nil
	})
	if store.NowFunc() == nil {
		t.Fatalf("expected now func")
	}
}

func TestRollbackModeDiscardsMutations(t *testing.T) {
	store := NewStore()
	err := store.RunInTransaction(context.Background(), domain.TxOptions{Mode: domain.TxRollback}, func(tx domain.Transaction) error {
		_, err := tx.CreateStop(Stop{Base: domain.Base{OnestopID: "s-9q9-trial"}, Name: "Trial"})
		return err
	})
	if err != nil {
		t.Fatalf("trial run: %v", err)
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if len(v.ListStops()) != 0 {
			t.Fatalf("expected trial mutations to be discarded")
		}
		return nil
	})
}

func TestFailedTransactionLeavesStateUntouched(t *testing.T) {
	store := NewStore()
	seeded := seedStop(t, store, "s-9q9-keep")
	boom := errors.New("boom")
	err := store.RunInTransaction(context.Background(), domain.TxOptions{}, func(tx domain.Transaction) error {
		if _, err := tx.UpdateStop(seeded.ID, func(s *Stop) error { s.Name = "Changed"; return nil }); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		stop, _ := v.FindStop(seeded.ID)
		if stop.Name != "Seed" {
			t.Fatalf("expected untouched name, got %q", stop.Name)
		}
		return nil
	})
}

func TestCreateRejectsDuplicateOnestopID(t *testing.T) {
	store := NewStore()
	seedStop(t, store, "s-9q9-dup")
	err := store.RunInTransaction(context.Background(), domain.TxOptions{}, func(tx domain.Transaction) error {
		_, err := tx.CreateStop(Stop{Base: domain.Base{OnestopID: "s-9q9-dup"}})
		return err
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUpdateCannotRewriteIdentity(t *testing.T) {
	store := NewStore()
	seeded := seedStop(t, store, "s-9q9-id")
	err := store.RunInTransaction(context.Background(), domain.TxOptions{}, func(tx domain.Transaction) error {
		updated, err := tx.UpdateStop(seeded.ID, func(s *Stop) error {
			s.OnestopID = "s-9q9-other"
			s.ID = "hijack"
			s.Name = "Renamed"
			return nil
		})
		if err != nil {
			return err
		}
		if updated.OnestopID != "s-9q9-id" || updated.ID != seeded.ID || updated.Name != "Renamed" {
			t.Fatalf("unexpected update result %+v", updated)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestRenameKeepsAliasAndFollowsIssues(t *testing.T) {
	store := NewStore()
	seeded := seedStop(t, store, "s-9q9-old")
	ctx := context.Background()
	err := store.RunInTransaction(ctx, domain.TxOptions{}, func(tx domain.Transaction) error {
		if _, err := tx.CreateIssue(Issue{
			IssueType:  domain.IssueStopRSPDistanceGap,
			EntityKind: domain.KindStop,
			EntityID:   seeded.ID,
			OnestopID:  seeded.OnestopID,
			Open:       true,
		}); err != nil {
			return err
		}
		ref, err := tx.RenameEntity(seeded.Ref(domain.KindStop), "s-9q9-new")
		if err != nil {
			return err
		}
		if ref.OnestopID != "s-9q9-new" || ref.ID != seeded.ID {
			t.Fatalf("unexpected rename ref %+v", ref)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		current, ok := v.LookupOnestopID(domain.KindStop, "s-9q9-new")
		if !ok || current.ID != seeded.ID {
			t.Fatalf("expected new id to resolve")
		}
		alias, ok := v.LookupOnestopID(domain.KindStop, "s-9q9-old")
		if !ok || alias.ID != seeded.ID || alias.OnestopID != "s-9q9-new" {
			t.Fatalf("expected alias to resolve to renamed entity, got %+v", alias)
		}
		issue, ok := v.FindOpenIssue(seeded.ID, domain.IssueStopRSPDistanceGap)
		if !ok || issue.OnestopID != "s-9q9-new" {
			t.Fatalf("expected issue onestop id to follow rename, got %+v", issue)
		}
		stop, _ := v.FindStop(seeded.ID)
		if len(stop.OldOnestopIDs) != 1 || stop.OldOnestopIDs[0] != "s-9q9-old" {
			t.Fatalf("expected old id retained, got %v", stop.OldOnestopIDs)
		}
		return nil
	})

	seedStop(t, store, "s-9q9-taken")
	err = store.RunInTransaction(ctx, domain.TxOptions{}, func(tx domain.Transaction) error {
		_, err := tx.RenameEntity(seeded.Ref(domain.KindStop), "s-9q9-taken")
		return err
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected rename conflict, got %v", err)
	}
}

func TestDeleteRefusesReferencedEntity(t *testing.T) {
	store := NewStore()
	stop := seedStop(t, store, "s-9q9-ref")
	ctx := context.Background()
	err := store.RunInTransaction(ctx, domain.TxOptions{}, func(tx domain.Transaction) error {
		_, err := tx.CreateRoute(Route{Base: domain.Base{OnestopID: "r-9q9-x"}, ServedStopIDs: []string{stop.ID}})
		return err
	})
	if err != nil {
		t.Fatalf("create route: %v", err)
	}
	err = store.RunInTransaction(ctx, domain.TxOptions{}, func(tx domain.Transaction) error {
		refs := tx.ReferencesTo(stop.Ref(domain.KindStop))
		if len(refs) != 1 || refs[0].Kind != domain.KindRoute {
			t.Fatalf("expected route reference, got %+v", refs)
		}
		return tx.DeleteStop(stop.ID)
	})
	if err == nil {
		t.Fatalf("expected delete of referenced stop to fail")
	}
}

func TestCreateRejectsDanglingReference(t *testing.T) {
	store := NewStore()
	err := store.RunInTransaction(context.Background(), domain.TxOptions{}, func(tx domain.Transaction) error {
		_, err := tx.CreateRouteStopPattern(RouteStopPattern{Base: domain.Base{OnestopID: "r-9q9-x-aaaaaa-bbbbbb"}, RouteID: "missing"})
		return err
	})
	var nf domain.ErrNotFound
	if !errors.As(err, &nf) || nf.Kind != domain.KindRoute {
		t.Fatalf("expected route not found, got %v", err)
	}
}

func TestChangesetPayloadsAndCascade(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	var changesetID string
	err := store.RunInTransaction(ctx, domain.TxOptions{}, func(tx domain.Transaction) error {
		user, err := tx.CreateUser(User{Email: "Editor@Example.com"})
		if err != nil {
			return err
		}
		cs, err := tx.CreateChangeset(Changeset{UserID: &user.ID, Notes: "n"})
		if err != nil {
			return err
		}
		changesetID = cs.ID
		for _, pos := range []int{2, 1} {
			if _, err := tx.CreateChangePayload(ChangePayload{ChangesetID: cs.ID, Position: pos}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed changeset: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		cs, ok := v.FindChangeset(changesetID)
		if !ok || len(cs.PayloadIDs) != 2 {
			t.Fatalf("expected two payload ids, got %+v", cs)
		}
		payloads := v.ListChangePayloads(changesetID)
		if payloads[0].Position != 1 || payloads[0].ID != cs.PayloadIDs[0] {
			t.Fatalf("expected payloads in position order")
		}
		if _, ok := v.FindUserByEmail("editor@EXAMPLE.com"); !ok {
			t.Fatalf("expected case-insensitive email lookup")
		}
		return nil
	})

	err = store.RunInTransaction(ctx, domain.TxOptions{}, func(tx domain.Transaction) error {
		_, err := tx.CreateUser(User{Email: "editor@example.com"})
		return err
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected duplicate email conflict, got %v", err)
	}

	err = store.RunInTransaction(ctx, domain.TxOptions{}, func(tx domain.Transaction) error {
		return tx.DeleteChangeset(changesetID)
	})
	if err != nil {
		t.Fatalf("delete changeset: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if len(v.ListChangePayloads(changesetID)) != 0 {
			t.Fatalf("expected payloads to cascade")
		}
		return nil
	})
}

func TestLockSetSerializesOverlappingCommits(t *testing.T) {
	store := NewStore(WithLockTimeout(2 * time.Second))
	ctx := context.Background()
	entered := make(chan struct{})
	releaseFirst := make(chan struct{})
	var wg sync.WaitGroup
	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = store.RunInTransaction(ctx, domain.TxOptions{LockKeys: []string{"s-9q9-a", "s-9q9-b"}}, func(tx domain.Transaction) error {
			close(entered)
			<-releaseFirst
			record("first")
			return nil
		})
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = store.RunInTransaction(ctx, domain.TxOptions{LockKeys: []string{"s-9q9-b"}}, func(tx domain.Transaction) error {
			record("second")
			return nil
		})
	}()

	disjointDone := make(chan error, 1)
	go func() {
		disjointDone <- store.RunInTransaction(ctx, domain.TxOptions{LockKeys: []string{"s-9q9-c"}}, func(tx domain.Transaction) error {
			return nil
		})
	}()
	select {
	case err := <-disjointDone:
		if err != nil {
			t.Fatalf("disjoint commit: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("disjoint commit blocked on unrelated lock")
	}

	close(releaseFirst)
	wg.Wait()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected serialized order, got %v", order)
	}
}

func TestLockTimeout(t *testing.T) {
	store := NewStore(WithLockTimeout(20 * time.Millisecond))
	ctx := context.Background()
	hold := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = store.RunInTransaction(ctx, domain.TxOptions{LockKeys: []string{"changeset:1"}}, func(tx domain.Transaction) error {
			close(held)
			<-hold
			return nil
		})
	}()
	<-held
	defer close(hold)
	err := store.RunInTransaction(ctx, domain.TxOptions{LockKeys: []string{"changeset:1"}}, func(tx domain.Transaction) error {
		t.Fatalf("fn must not run without the lock")
		return nil
	})
	if !errors.Is(err, domain.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
}

func TestCommitRechecksUniquenessAcrossDisjointLocks(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	inside := make(chan struct{})
	proceed := make(chan struct{})
	errs := make(chan error, 1)
	go func() {
		errs <- store.RunInTransaction(ctx, domain.TxOptions{LockKeys: []string{"changeset:a"}}, func(tx domain.Transaction) error {
			_, err := tx.CreateStop(Stop{Base: domain.Base{OnestopID: "s-9q9-race"}})
			close(inside)
			<-proceed
			return err
		})
	}()
	<-inside
	seedStop(t, store, "s-9q9-race")
	close(proceed)
	if err := <-errs; !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected commit-time conflict, got %v", err)
	}
}

type recordingPersister struct {
	calls int
	err   error
	last  Snapshot
}

func (p *recordingPersister) Persist(_ context.Context, snapshot Snapshot) error {
	p.calls++
	p.last = snapshot
	return p.err
}

func TestPersisterFailureAbortsCommit(t *testing.T) {
	persister := &recordingPersister{}
	store := NewStore(WithPersister(persister))
	seedStop(t, store, "s-9q9-ok")
	if persister.calls != 1 || len(persister.last.Stops) != 1 {
		t.Fatalf("expected one persisted stop, got calls=%d", persister.calls)
	}

	persister.err = fmt.Errorf("disk full")
	err := store.RunInTransaction(context.Background(), domain.TxOptions{}, func(tx domain.Transaction) error {
		_, err := tx.CreateStop(Stop{Base: domain.Base{OnestopID: "s-9q9-lost"}})
		return err
	})
	if err == nil {
		t.Fatalf("expected persist error")
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if _, ok := v.LookupOnestopID(domain.KindStop, "s-9q9-lost"); ok {
			t.Fatalf("expected aborted commit to leave state untouched")
		}
		return nil
	})
}

func TestMigrateSnapshotInitialisesAndFilters(t *testing.T) {
	snapshot := Snapshot{
		Routes: map[string]Route{
			"r1": {Base: domain.Base{ID: "r1", OnestopID: "r-9q9-x"}, OperatorID: "gone", ServedStopIDs: []string{"missing"}},
		},
		RouteStopPatterns: map[string]RouteStopPattern{
			"p1": {Base: domain.Base{ID: "p1", OnestopID: "r-9q9-y-aaaaaa-bbbbbb"}, RouteID: "missing"},
		},
		ChangePayloads: map[string]ChangePayload{
			"cp": {ID: "cp", ChangesetID: "missing"},
		},
	}
	migrated := migrateSnapshot(snapshot)
	if migrated.Operators == nil || migrated.Issues == nil || migrated.Users == nil {
		t.Fatalf("expected migrateSnapshot to initialise nil maps")
	}
	route := migrated.Routes["r1"]
	if route.OperatorID != "" || len(route.ServedStopIDs) != 0 {
		t.Fatalf("expected dangling route refs to be cleared, got %+v", route)
	}
	if len(migrated.RouteStopPatterns) != 0 || len(migrated.ChangePayloads) != 0 {
		t.Fatalf("expected orphaned records to be dropped")
	}
}
