package catalogue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/edgewise/readingstore/internal/errors"
	"github.com/edgewise/readingstore/internal/logging"
	"github.com/edgewise/readingstore/internal/storage/config"
	"github.com/edgewise/readingstore/internal/storage/stores"
)

// GlobalID hands out reading ids across all shards. Ids are assigned in
// memory and the high-water mark is persisted in configuration_readings.
//
// While the service runs the persisted value is held at -1 as a dirty
// marker; a clean shutdown writes the real value back via Commit. A
// startup that finds a non-positive value recomputes the counter from
// the maximum id stored in any shard.
type GlobalID struct {
	cfg  *config.Config
	log  *slog.Logger
	next atomic.Int64
}

// NewGlobalID creates an unevaluated counter. Call Evaluate before use.
func NewGlobalID(cfg *config.Config) *GlobalID {
	return &GlobalID{cfg: cfg, log: logging.Component("globalid")}
}

// Next returns the next reading id.
func (g *GlobalID) Next() int64 {
	return g.next.Add(1) - 1
}

// Current returns the next id that would be assigned, without assigning.
func (g *GlobalID) Current() int64 {
	return g.next.Load()
}

// Evaluate loads or recomputes the counter and marks the persisted value
// dirty for the lifetime of the process.
func (g *GlobalID) Evaluate(ctx context.Context, conn *stores.Conn, cat *Catalogue) error {
	table := g.counterTable()

	var stored int64
	err := conn.Raw().QueryRowContext(ctx, "SELECT global_id FROM "+table).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		g.next.Store(1)
		q := "INSERT INTO " + table + " (global_id) VALUES (?)"
		if _, err := conn.ExecRetry(ctx, stores.StatementPolicy, g.log, q, 1); err != nil {
			return errors.Wrap(err, "seed global id")
		}
	case err != nil:
		return errors.Wrap(err, "read global id")
	case stored > 0:
		g.next.Store(stored)
	default:
		// Dirty marker or corruption: the previous run did not shut
		// down cleanly, so trust the shards instead.
		recomputed, err := g.recompute(ctx, conn, cat)
		if err != nil {
			return err
		}
		g.next.Store(recomputed)
		g.log.Warn("global id recomputed from shards", "stored", stored, "next", recomputed)
	}

	return g.mark(ctx, conn, -1)
}

// Commit persists the counter on a clean shutdown.
func (g *GlobalID) Commit(ctx context.Context, conn *stores.Conn) error {
	return g.mark(ctx, conn, g.next.Load())
}

// Release persists the negated counter, flagging the value as advisory
// for the next startup.
func (g *GlobalID) Release(ctx context.Context, conn *stores.Conn) error {
	return g.mark(ctx, conn, -g.next.Load())
}

func (g *GlobalID) mark(ctx context.Context, conn *stores.Conn, v int64) error {
	q := "UPDATE " + g.counterTable() + " SET global_id = ?"
	if _, err := conn.ExecRetry(ctx, stores.StatementPolicy, g.log, q, v); err != nil {
		return errors.Wrap(err, "persist global id")
	}
	return nil
}

// recompute scans every shard for its maximum reading id and returns the
// next id after the largest one found.
func (g *GlobalID) recompute(ctx context.Context, conn *stores.Conn, cat *Catalogue) (int64, error) {
	tables := cat.AllTables()
	parts := make([]string, len(tables))
	for i, t := range tables {
		parts[i] = fmt.Sprintf("SELECT MAX(id) AS id FROM %s", t)
	}
	q := fmt.Sprintf("SELECT MAX(id) FROM (%s) AS r", strings.Join(parts, " UNION "))

	var maxID sql.NullInt64
	if err := conn.Raw().QueryRowContext(ctx, q).Scan(&maxID); err != nil {
		return 0, errors.Wrap(err, "recompute global id")
	}
	if !maxID.Valid {
		return 1, nil
	}
	return maxID.Int64 + 1, nil
}

func (g *GlobalID) counterTable() string {
	return g.cfg.StoreAlias(1) + ".configuration_readings"
}
