package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"transitreg/pkg/domain"

	"github.com/paulmach/orb"
)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewStore(ctx, path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	err = store.RunInTransaction(ctx, domain.TxOptions{}, func(tx domain.Transaction) error {
		stop, e := tx.CreateStop(domain.Stop{
			Base:     domain.Base{OnestopID: "s-9q8yyk8yuv-persist"},
			Name:     "Persist",
			Timezone: "America/Los_Angeles",
			Geometry: orb.Point{-122.4194, 37.7749},
		})
		if e != nil {
			return e
		}
		_, e = tx.RenameEntity(stop.Ref(domain.KindStop), "s-9q8yyk8yuv-renamed")
		return e
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(ctx, path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	if reloaded.Path() != path {
		t.Fatalf("unexpected path %q", reloaded.Path())
	}
	_ = reloaded.View(ctx, func(v domain.TransactionView) error {
		stops := v.ListStops()
		if len(stops) != 1 {
			t.Fatalf("expected 1 stop, got %d", len(stops))
		}
		if stops[0].Geometry != (orb.Point{-122.4194, 37.7749}) {
			t.Fatalf("expected geometry to survive reload, got %v", stops[0].Geometry)
		}
		if _, ok := v.LookupOnestopID(domain.KindStop, "s-9q8yyk8yuv-persist"); !ok {
			t.Fatalf("expected alias index rebuilt on reload")
		}
		return nil
	})
}

func TestSQLiteStoreTrialRunDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(ctx, filepath.Join(t.TempDir(), "nested", "state.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	err = store.RunInTransaction(ctx, domain.TxOptions{Mode: domain.TxRollback}, func(tx domain.Transaction) error {
		_, e := tx.CreateOperator(domain.Operator{Base: domain.Base{OnestopID: "o-9q9-trial"}, Name: "Trial"})
		return e
	})
	if err != nil {
		t.Fatalf("trial: %v", err)
	}
	var rows int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM state`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 0 {
		t.Fatalf("expected no persisted buckets after trial run, got %d", rows)
	}
}
