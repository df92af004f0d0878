package catalogue

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/edgewise/readingstore/internal/storage/config"
	"github.com/edgewise/readingstore/internal/storage/stores"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.PoolSize = 2
	cfg.TablesPerStore = 3
	return cfg
}

// openCatalogue builds a loaded catalogue over a fresh pool. The returned
// connection is checked out for the caller; cleanup returns it and closes
// the pool.
func openCatalogue(t *testing.T, cfg *config.Config) (*Catalogue, *stores.Pool, *stores.Conn) {
	t.Helper()
	ctx := context.Background()

	pool, err := stores.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("stores.Open: %v", err)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		t.Fatalf("Acquire: %v", err)
	}

	cat := New(cfg, pool)
	if err := cat.Load(ctx, conn); err != nil {
		conn.Release()
		pool.Close()
		t.Fatalf("Load: %v", err)
	}

	t.Cleanup(func() {
		conn.Release()
		pool.Close()
	})
	return cat, pool, conn
}

func TestResolveShard_AssignsSequentialTables(t *testing.T) {
	cfg := testConfig(t)
	cat, _, conn := openCatalogue(t, cfg)
	ctx := context.Background()

	for i, asset := range []string{"pump", "valve", "fan"} {
		id, err := cat.ResolveShard(ctx, conn, asset)
		if err != nil {
			t.Fatalf("ResolveShard(%s): %v", asset, err)
		}
		if id != i+1 {
			t.Errorf("ResolveShard(%s) = %d, want %d", asset, id, i+1)
		}
	}
	if cat.Size() != 3 {
		t.Errorf("Size = %d, want 3", cat.Size())
	}
}

func TestResolveShard_SameAssetIsStable(t *testing.T) {
	cfg := testConfig(t)
	cat, _, conn := openCatalogue(t, cfg)
	ctx := context.Background()

	first, err := cat.ResolveShard(ctx, conn, "pump")
	if err != nil {
		t.Fatalf("ResolveShard: %v", err)
	}
	for i := 0; i < 5; i++ {
		id, err := cat.ResolveShard(ctx, conn, "pump")
		if err != nil {
			t.Fatalf("ResolveShard: %v", err)
		}
		if id != first {
			t.Errorf("ResolveShard returned %d, want stable %d", id, first)
		}
	}
	if cat.Size() != 1 {
		t.Errorf("Size = %d, want 1", cat.Size())
	}
}

func TestResolveShard_ConcurrentSameAsset(t *testing.T) {
	cfg := testConfig(t)
	cat, pool, _ := openCatalogue(t, cfg)
	ctx := context.Background()

	ids := make([]int, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			defer conn.Release()
			ids[i], errs[i] = cat.ResolveShard(ctx, conn, "turbine")
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: %v", i, errs[i])
		}
	}
	if ids[0] != ids[1] {
		t.Errorf("concurrent resolution split: %d vs %d", ids[0], ids[1])
	}
	if cat.Size() != 1 {
		t.Errorf("Size = %d, want 1", cat.Size())
	}
}

func TestResolveShard_OverflowCreatesStore(t *testing.T) {
	cfg := testConfig(t)
	cat, _, conn := openCatalogue(t, cfg)
	ctx := context.Background()

	assets := []string{"a1", "a2", "a3", "a4"}
	for _, asset := range assets {
		if _, err := cat.ResolveShard(ctx, conn, asset); err != nil {
			t.Fatalf("ResolveShard(%s): %v", asset, err)
		}
	}

	// The fourth asset exhausts the first store's block.
	if got := cat.StoreForTable(4); got != 2 {
		t.Errorf("StoreForTable(4) = %d, want 2", got)
	}
	if _, err := os.Stat(cfg.StorePath(2)); err != nil {
		t.Errorf("second store file missing: %v", err)
	}
	if got := cat.Available(); got != cfg.TablesPerStore-1 {
		t.Errorf("Available = %d, want %d", got, cfg.TablesPerStore-1)
	}
	if got := len(cat.AllTables()); got != 4 {
		t.Errorf("AllTables returned %d tables, want 4", got)
	}
}

func TestLoad_RestoresMappings(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	pool, err := stores.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("stores.Open: %v", err)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	cat := New(cfg, pool)
	if err := cat.Load(ctx, conn); err != nil {
		t.Fatalf("Load: %v", err)
	}

	assets := []string{"a1", "a2", "a3", "a4"}
	want := map[string]int{}
	for _, asset := range assets {
		id, err := cat.ResolveShard(ctx, conn, asset)
		if err != nil {
			t.Fatalf("ResolveShard(%s): %v", asset, err)
		}
		want[asset] = id
	}
	conn.Release()
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Cold start over the same files.
	cat2, _, conn2 := openCatalogue(t, cfg)

	if cat2.Size() != len(assets) {
		t.Fatalf("Size after reload = %d, want %d", cat2.Size(), len(assets))
	}
	for asset, id := range want {
		got, err := cat2.ResolveShard(context.Background(), conn2, asset)
		if err != nil {
			t.Fatalf("ResolveShard(%s): %v", asset, err)
		}
		if got != id {
			t.Errorf("ResolveShard(%s) = %d after reload, want %d", asset, got, id)
		}
		if cat2.AssetForTable(id) != asset {
			t.Errorf("AssetForTable(%d) = %q, want %q", id, cat2.AssetForTable(id), asset)
		}
	}
}

func TestStoreForTable_UnknownFallsBack(t *testing.T) {
	cfg := testConfig(t)
	cat, _, _ := openCatalogue(t, cfg)

	if got := cat.StoreForTable(99); got != 1 {
		t.Errorf("StoreForTable(99) = %d, want 1", got)
	}
}

func TestQualifiedTable(t *testing.T) {
	cfg := testConfig(t)
	cat, _, conn := openCatalogue(t, cfg)

	if _, err := cat.ResolveShard(context.Background(), conn, "pump"); err != nil {
		t.Fatalf("ResolveShard: %v", err)
	}
	want := cfg.StoreAlias(1) + "." + cfg.TableName(1)
	if got := cat.QualifiedTable(1); got != want {
		t.Errorf("QualifiedTable(1) = %q, want %q", got, want)
	}
}

func TestGlobalID_SeedAndAssign(t *testing.T) {
	cfg := testConfig(t)
	cat, _, conn := openCatalogue(t, cfg)
	ctx := context.Background()

	ids := NewGlobalID(cfg)
	if err := ids.Evaluate(ctx, conn, cat); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got := ids.Next(); got != 1 {
		t.Errorf("first Next = %d, want 1", got)
	}
	if got := ids.Next(); got != 2 {
		t.Errorf("second Next = %d, want 2", got)
	}
	if got := ids.Current(); got != 3 {
		t.Errorf("Current = %d, want 3", got)
	}

	// While running, the persisted value is a dirty marker.
	if got := storedGlobalID(t, conn, cfg); got != -1 {
		t.Errorf("stored global id while running = %d, want -1", got)
	}

	if err := ids.Commit(ctx, conn); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := storedGlobalID(t, conn, cfg); got != 3 {
		t.Errorf("stored global id after commit = %d, want 3", got)
	}
}

func TestGlobalID_ReleaseWritesNegated(t *testing.T) {
	cfg := testConfig(t)
	cat, _, conn := openCatalogue(t, cfg)
	ctx := context.Background()

	ids := NewGlobalID(cfg)
	if err := ids.Evaluate(ctx, conn, cat); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	ids.Next()
	ids.Next()

	if err := ids.Release(ctx, conn); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := storedGlobalID(t, conn, cfg); got != -3 {
		t.Errorf("stored global id after release = %d, want -3", got)
	}

	// A startup that finds the released value treats it as dirty and
	// recomputes from the shards.
	restarted := NewGlobalID(cfg)
	if err := restarted.Evaluate(ctx, conn, cat); err != nil {
		t.Fatalf("Evaluate after release: %v", err)
	}
	if got := restarted.Next(); got != 1 {
		t.Errorf("Next after released-only shutdown = %d, want 1", got)
	}
}

func TestGlobalID_CommittedValueReused(t *testing.T) {
	cfg := testConfig(t)
	cat, _, conn := openCatalogue(t, cfg)
	ctx := context.Background()

	ids := NewGlobalID(cfg)
	if err := ids.Evaluate(ctx, conn, cat); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	ids.Next()
	ids.Next()
	if err := ids.Commit(ctx, conn); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	restarted := NewGlobalID(cfg)
	if err := restarted.Evaluate(ctx, conn, cat); err != nil {
		t.Fatalf("Evaluate after restart: %v", err)
	}
	if got := restarted.Next(); got != 3 {
		t.Errorf("Next after clean restart = %d, want 3", got)
	}
}

func TestGlobalID_RecomputesAfterDirtyShutdown(t *testing.T) {
	cfg := testConfig(t)
	cat, _, conn := openCatalogue(t, cfg)
	ctx := context.Background()

	ids := NewGlobalID(cfg)
	if err := ids.Evaluate(ctx, conn, cat); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	// Simulate readings written before a crash: the marker stays at -1,
	// so the next startup must trust the shards.
	insert := "INSERT INTO " + cfg.StoreAlias(1) + "." + cfg.TableName(1) +
		" (id, user_ts, reading) VALUES (42, '2020-01-01 00:00:00.000000', '{}')"
	if _, err := conn.Raw().ExecContext(ctx, insert); err != nil {
		t.Fatalf("insert reading: %v", err)
	}

	crashed := NewGlobalID(cfg)
	if err := crashed.Evaluate(ctx, conn, cat); err != nil {
		t.Fatalf("Evaluate after dirty shutdown: %v", err)
	}
	if got := crashed.Next(); got != 43 {
		t.Errorf("Next after recompute = %d, want 43", got)
	}
}

func storedGlobalID(t *testing.T, conn *stores.Conn, cfg *config.Config) int64 {
	t.Helper()
	var v int64
	q := "SELECT global_id FROM " + cfg.StoreAlias(1) + ".configuration_readings"
	if err := conn.Raw().QueryRowContext(context.Background(), q).Scan(&v); err != nil {
		t.Fatalf("read stored global id: %v", err)
	}
	return v
}
