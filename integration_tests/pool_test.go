package integration_tests

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/szaher/recall/internal/insight"
	"github.com/szaher/recall/internal/session"
	"github.com/szaher/recall/internal/storage"
	"github.com/szaher/recall/internal/testutil"
)

func newEvictionPool(t *testing.T, poolCfg session.PoolConfig) (*session.Pool, storage.Store) {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "recall.db"), nil)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pool := session.NewPool(store, &testutil.Embedder{Vec: []float32{1, 0, 0}}, insight.Static{}, testutil.InlineQueue{}, nil,
		session.WithPoolConfig(poolCfg))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})
	return pool, store
}

func TestCapacityEvictionPersistsProgress(t *testing.T) {
	pool, store := newEvictionPool(t, session.PoolConfig{MaxSessions: 2, TTL: time.Hour})
	ctx := context.Background()

	orc1, _, err := pool.GetOrCreate(ctx, "u1", "s1", false)
	if err != nil {
		t.Fatalf("GetOrCreate s1: %v", err)
	}
	if _, err := orc1.ProcessTurn(ctx, "keep this exchange in mind", "stored and remembered"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	pool.MarkDirty("u1", "s1")

	if _, _, err := pool.GetOrCreate(ctx, "u1", "s2", false); err != nil {
		t.Fatalf("GetOrCreate s2: %v", err)
	}
	// Third session exceeds capacity; s1 is the least recently used.
	if _, _, err := pool.GetOrCreate(ctx, "u1", "s3", false); err != nil {
		t.Fatalf("GetOrCreate s3: %v", err)
	}

	if got := pool.Len(); got != 2 {
		t.Errorf("pool len = %d, want 2 after eviction", got)
	}

	// The dirty evicted session wrote its progress before leaving.
	rec, err := store.GetSession(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("GetSession s1: %v", err)
	}
	if rec.TurnCount != 2 {
		t.Errorf("persisted turn_count = %d, want 2", rec.TurnCount)
	}

	// Re-entering the evicted session restores and keeps counting.
	orc1b, _, err := pool.GetOrCreate(ctx, "u1", "s1", true)
	if err != nil {
		t.Fatalf("GetOrCreate s1 again: %v", err)
	}
	summary, err := orc1b.EndSession(ctx, true)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if summary.TurnsCount != 2 {
		t.Errorf("turns_count = %d, want the persisted 2", summary.TurnsCount)
	}
}

func TestStaleSweepEvictsIdleSessions(t *testing.T) {
	pool, store := newEvictionPool(t, session.PoolConfig{MaxSessions: 10, TTL: 30 * time.Millisecond})
	ctx := context.Background()

	orc, _, err := pool.GetOrCreate(ctx, "u1", "idle", false)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := orc.ProcessTurn(ctx, "short lived session content", "acknowledged for the record"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	pool.MarkDirty("u1", "idle")

	time.Sleep(60 * time.Millisecond)
	if n := pool.EvictStale(ctx); n != 1 {
		t.Fatalf("EvictStale = %d, want 1", n)
	}
	if pool.Len() != 0 {
		t.Errorf("pool len = %d, want 0", pool.Len())
	}

	rec, err := store.GetSession(ctx, "u1", "idle")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.TurnCount != 2 {
		t.Errorf("persisted turn_count = %d, want 2", rec.TurnCount)
	}

	stats := pool.Stats()
	if stats.TotalSessions != 0 {
		t.Errorf("stats total = %d, want 0", stats.TotalSessions)
	}
}

func TestShutdownPersistsEverything(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "recall.db"), nil)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()

	pool := session.NewPool(store, &testutil.Embedder{Vec: []float32{1, 0, 0}}, insight.Static{}, testutil.InlineQueue{}, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		orc, _, err := pool.GetOrCreate(ctx, "u1", id, false)
		if err != nil {
			t.Fatalf("GetOrCreate %s: %v", id, err)
		}
		if _, err := orc.ProcessTurn(ctx, "session "+id+" exchange", "understood"); err != nil {
			t.Fatalf("ProcessTurn %s: %v", id, err)
		}
		pool.MarkDirty("u1", id)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		rec, err := store.GetSession(ctx, "u1", id)
		if err != nil {
			t.Fatalf("GetSession %s: %v", id, err)
		}
		if rec.TurnCount != 2 {
			t.Errorf("session %s turn_count = %d, want 2", id, rec.TurnCount)
		}
	}
}
