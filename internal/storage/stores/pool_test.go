package stores

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgewise/readingstore/internal/logging"
	"github.com/edgewise/readingstore/internal/storage/config"
)

func logTest() *slog.Logger {
	return logging.Component("test")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.PoolSize = 2
	cfg.TablesPerStore = 3
	return cfg
}

func TestPool_OpenAndExec(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	p, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer conn.Release()

	// The first store is attached; tables created in it are visible
	// through its alias.
	alias := cfg.StoreAlias(1)
	if _, err := conn.ExecRetry(ctx, StatementPolicy, logTest(), "CREATE TABLE "+alias+".t (v INTEGER)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := conn.ExecRetry(ctx, StatementPolicy, logTest(), "INSERT INTO "+alias+".t (v) VALUES (1)"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var n int
	if err := conn.Raw().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+alias+".t").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestPool_RegisterStoreVisibleAfterSync(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	p, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	path := filepath.Join(cfg.DataDir, "extra_2.db")
	p.RegisterStore(2, path, "extra_2")
	if err := conn.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, err := conn.ExecRetry(ctx, StatementPolicy, logTest(), "CREATE TABLE extra_2.t (v INTEGER)"); err != nil {
		t.Fatalf("create table in new store: %v", err)
	}
	conn.Release()

	// The other pooled connection attaches the store on its next Acquire.
	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire second: %v", err)
	}
	defer c2.Release()
	if _, err := c2.ExecRetry(ctx, StatementPolicy, logTest(), "INSERT INTO extra_2.t (v) VALUES (1)"); err != nil {
		t.Fatalf("insert via second connection: %v", err)
	}

	if got := len(p.Stores()); got != 2 {
		t.Errorf("Stores() = %d entries, want 2", got)
	}
}

func TestPool_AcquireBlocksUntilRelease(t *testing.T) {
	cfg := testConfig(t)
	cfg.PoolSize = 1
	ctx := context.Background()

	p, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(waitCtx); err == nil {
		t.Fatal("second Acquire succeeded while the only connection was held")
	}

	conn.Release()
	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	c2.Release()
}

func TestPool_ClosedAcquireFails(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	p, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.Acquire(ctx); err == nil {
		t.Fatal("Acquire succeeded on closed pool")
	}
}
