// Package stores manages the physical backing stores.
//
// The engine spreads shard tables across multiple SQLite database files.
// Every pooled connection attaches every store file under a stable alias,
// so a single transaction can span shards living in different stores.
// New stores registered while a connection is checked out are attached
// lazily the next time the connection is acquired.
package stores

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/edgewise/readingstore/internal/errors"
	"github.com/edgewise/readingstore/internal/logging"
	"github.com/edgewise/readingstore/internal/storage/config"
)

// Store describes one attached backing-store file.
type Store struct {
	ID    int
	Path  string
	Alias string
}

// Pool hands out connections to the backing stores.
//
// Each connection has a private in-memory main database; all real tables
// live in the attached store files. The pool owns a fixed set of
// connections for the engine's lifetime.
type Pool struct {
	db   *sql.DB
	free chan *Conn
	size int

	mu     sync.Mutex
	stores []Store
	closed bool

	log *slog.Logger
}

// Conn is a pooled connection. It is not safe for concurrent use.
type Conn struct {
	c        *sql.Conn
	pool     *Pool
	attached int
}

// Open creates the pool and attaches the first store, creating its file
// on first use.
func Open(ctx context.Context, cfg *config.Config) (*Pool, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetMaxIdleConns(cfg.PoolSize)

	p := &Pool{
		db:   db,
		free: make(chan *Conn, cfg.PoolSize),
		size: cfg.PoolSize,
		stores: []Store{{
			ID:    1,
			Path:  cfg.StorePath(1),
			Alias: cfg.StoreAlias(1),
		}},
		log: logging.Component("stores"),
	}

	for i := 0; i < cfg.PoolSize; i++ {
		c, err := db.Conn(ctx)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("allocate connection: %w", err)
		}
		cn := &Conn{c: c, pool: p}
		if err := cn.sync(ctx); err != nil {
			db.Close()
			return nil, err
		}
		p.free <- cn
	}

	p.log.Info("pool ready", "connections", cfg.PoolSize, "store", cfg.StorePath(1))
	return p, nil
}

// Acquire checks out a connection, attaching any stores registered since
// the connection was last used.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errors.ErrPoolClosed
	}

	select {
	case cn := <-p.free:
		if err := cn.sync(ctx); err != nil {
			cn.Release()
			return nil, err
		}
		return cn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a connection to the pool.
func (c *Conn) Release() {
	c.pool.free <- c
}

// Raw exposes the underlying database/sql connection.
func (c *Conn) Raw() *sql.Conn {
	return c.c
}

// RegisterStore records a new store file. The caller's connection picks
// it up via Sync; every other connection attaches it on its next Acquire.
func (p *Pool) RegisterStore(id int, path, alias string) {
	p.mu.Lock()
	p.stores = append(p.stores, Store{ID: id, Path: path, Alias: alias})
	p.mu.Unlock()
	p.log.Info("store registered", "store", id, "path", path)
}

// Stores returns a snapshot of the registered stores.
func (p *Pool) Stores() []Store {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Store, len(p.stores))
	copy(out, p.stores)
	return out
}

// Sync attaches stores registered after this connection was checked out.
// Callers that register a store while holding a connection must Sync it
// before addressing the new store.
func (c *Conn) Sync(ctx context.Context) error {
	return c.sync(ctx)
}

func (c *Conn) sync(ctx context.Context) error {
	c.pool.mu.Lock()
	pending := c.pool.stores[c.attached:]
	c.pool.mu.Unlock()

	for _, s := range pending {
		// The alias is generated internally and safe to interpolate; the
		// path is bound. Attaching creates the file if it does not exist.
		stmt := fmt.Sprintf("ATTACH DATABASE ? AS %s", s.Alias)
		if _, err := c.c.ExecContext(ctx, stmt, s.Path); err != nil {
			return fmt.Errorf("attach %s: %w", s.Alias, err)
		}
		if _, err := c.c.ExecContext(ctx, fmt.Sprintf("PRAGMA %s.journal_mode=WAL", s.Alias)); err != nil {
			return fmt.Errorf("set journal mode on %s: %w", s.Alias, err)
		}
		c.attached++
	}
	return nil
}

// Close detaches the pool from the backing stores. Outstanding
// connections are collected first.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for i := 0; i < p.size; i++ {
		cn := <-p.free
		cn.c.Close()
	}
	return p.db.Close()
}
