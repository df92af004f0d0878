// Package catalogue maps asset codes to shards.
//
// A shard is one table inside one backing store. An asset is bound to its
// shard on first sight and keeps it forever. The mapping is held in
// memory and persisted synchronously to the asset_reading_catalogue table
// in the first store, from which it is reloaded at startup.
//
// Shard tables are pre-created in blocks: each store carries a fixed
// number of slots and a new store file is created, attached and populated
// once the current store runs out.
package catalogue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/edgewise/readingstore/internal/errors"
	"github.com/edgewise/readingstore/internal/logging"
	"github.com/edgewise/readingstore/internal/storage/config"
	"github.com/edgewise/readingstore/internal/storage/stores"
)

// DefaultTableID is the primary shard, addressed by the query and purge
// paths.
const DefaultTableID = 1

// Shard locates one shard: the table and the store the table lives in.
type Shard struct {
	TableID int
	StoreID int
}

// Catalogue owns the asset-to-shard mapping.
type Catalogue struct {
	cfg  *config.Config
	pool *stores.Pool
	log  *slog.Logger

	mu         sync.RWMutex
	shards     map[string]Shard
	maxStoreID int
	available  int // unassigned pre-created slots in the current store
	used       int

	group singleflight.Group
}

// New creates an empty catalogue. Call Load before use.
func New(cfg *config.Config, pool *stores.Pool) *Catalogue {
	return &Catalogue{
		cfg:    cfg,
		pool:   pool,
		log:    logging.Component("catalogue"),
		shards: map[string]Shard{},
	}
}

// Load populates the in-memory map from the persisted catalogue table,
// establishes the highest known store id and tops up the current store's
// pre-created tables. It runs once at startup.
func (c *Catalogue) Load(ctx context.Context, conn *stores.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureMetaTables(ctx, conn); err != nil {
		return err
	}

	q := fmt.Sprintf(
		"SELECT table_id, db_id, asset_code FROM %s.asset_reading_catalogue ORDER BY table_id",
		c.cfg.StoreAlias(1))
	rows, err := conn.Raw().QueryContext(ctx, q)
	if err != nil {
		return errors.Wrap(err, "load catalogue")
	}
	defer rows.Close()

	c.shards = map[string]Shard{}
	c.maxStoreID = 1
	for rows.Next() {
		var tableID, storeID int
		var asset string
		if err := rows.Scan(&tableID, &storeID, &asset); err != nil {
			return errors.Wrap(err, "scan catalogue row")
		}
		c.shards[asset] = Shard{TableID: tableID, StoreID: storeID}
		if storeID > c.maxStoreID {
			c.maxStoreID = storeID
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "load catalogue")
	}

	// Attach stores beyond the first before touching their tables.
	for id := 2; id <= c.maxStoreID; id++ {
		c.pool.RegisterStore(id, c.cfg.StorePath(id), c.cfg.StoreAlias(id))
	}
	if err := conn.Sync(ctx); err != nil {
		return err
	}

	if err := c.preallocateLocked(ctx, conn); err != nil {
		return err
	}

	c.used = len(c.shards)
	c.available = c.cfg.TablesPerStore - c.shardsInStoreLocked(c.maxStoreID)
	if c.available < 0 {
		c.available = 0
	}

	c.log.Info("catalogue loaded",
		"assets", len(c.shards),
		"stores", c.maxStoreID,
		"available", c.available)
	return nil
}

// ResolveShard returns the shard table for an asset, allocating one for
// an asset seen for the first time. Allocation is atomic per asset code:
// concurrent callers for the same new asset observe exactly one mapping.
//
// The caller's connection must not have an open transaction, since a
// first-seen asset may force a new store file to be attached.
func (c *Catalogue) ResolveShard(ctx context.Context, conn *stores.Conn, assetCode string) (int, error) {
	// Optimistic read outside the allocation path.
	c.mu.RLock()
	sh, ok := c.shards[assetCode]
	c.mu.RUnlock()
	if ok {
		return sh.TableID, nil
	}

	v, err, _ := c.group.Do(assetCode, func() (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		// Re-check under the lock: a racing caller may have allocated
		// between the optimistic read and here.
		if sh, ok := c.shards[assetCode]; ok {
			return sh.TableID, nil
		}
		return c.allocateLocked(ctx, conn, assetCode)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// allocateLocked binds the next free slot to the asset and persists the
// mapping. Creates a new store first if no slots remain.
func (c *Catalogue) allocateLocked(ctx context.Context, conn *stores.Conn, assetCode string) (int, error) {
	if c.available <= 0 {
		if err := c.createStoreLocked(ctx, conn); err != nil {
			return 0, err
		}
	}

	tableID := c.maxTableIDLocked() + 1
	q := fmt.Sprintf(
		"INSERT INTO %s.asset_reading_catalogue (table_id, db_id, asset_code) VALUES (?, ?, ?)",
		c.cfg.StoreAlias(1))
	if _, err := conn.ExecRetry(ctx, stores.StatementPolicy, c.log, q, tableID, c.maxStoreID, assetCode); err != nil {
		c.log.Error("catalogue insert failed", "asset", assetCode, "error", err)
		return 0, fmt.Errorf("%w: asset %q: %v", errors.ErrCatalogueInsert, assetCode, err)
	}

	c.shards[assetCode] = Shard{TableID: tableID, StoreID: c.maxStoreID}
	c.available--
	c.used++

	c.log.Info("shard allocated", "asset", assetCode, "table", tableID, "store", c.maxStoreID)
	return tableID, nil
}

// createStoreLocked creates the next store file, attaches it pool-wide
// and pre-creates a full block of shard tables in it. The calling write
// blocks until the store is usable.
func (c *Catalogue) createStoreLocked(ctx context.Context, conn *stores.Conn) error {
	storeID := c.maxStoreID + 1
	path := c.cfg.StorePath(storeID)

	if _, err := os.Stat(path); err == nil {
		c.log.Info("store file already present, creation skipped", "path", path)
	}

	c.pool.RegisterStore(storeID, path, c.cfg.StoreAlias(storeID))
	if err := conn.Sync(ctx); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrStoreCreation, err)
	}

	startID := c.maxTableIDLocked() + 1
	if err := c.createTables(ctx, conn, storeID, startID, c.cfg.TablesPerStore); err != nil {
		return err
	}

	c.maxStoreID = storeID
	c.available = c.cfg.TablesPerStore
	return nil
}

// createTables pre-creates n shard tables with ids [startID, startID+n).
func (c *Catalogue) createTables(ctx context.Context, conn *stores.Conn, storeID, startID, n int) error {
	alias := c.cfg.StoreAlias(storeID)
	c.log.Info("creating readings tables in advance", "count", n, "store", storeID, "from", startID)

	for i := 0; i < n; i++ {
		table := c.cfg.TableName(startID + i)

		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
			id         INTEGER                     PRIMARY KEY AUTOINCREMENT,
			reading    JSON                        NOT NULL DEFAULT '{}',
			user_ts    DATETIME DEFAULT (STRFTIME('%%Y-%%m-%%d %%H:%%M:%%f+00:00', 'NOW')),
			ts         DATETIME DEFAULT (STRFTIME('%%Y-%%m-%%d %%H:%%M:%%f+00:00', 'NOW'))
		)`, alias, table)
		if _, err := conn.ExecRetry(ctx, stores.StatementPolicy, c.log, ddl); err != nil {
			c.log.Error("shard table creation failed", "table", table, "error", err)
			return fmt.Errorf("%w: table %s: %v", errors.ErrSchemaCreation, table, err)
		}

		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s.%s_ix3 ON %s (user_ts)", alias, table, table)
		if _, err := conn.ExecRetry(ctx, stores.StatementPolicy, c.log, idx); err != nil {
			c.log.Error("shard index creation failed", "table", table, "error", err)
			return fmt.Errorf("%w: index on %s: %v", errors.ErrSchemaCreation, table, err)
		}
	}
	return nil
}

// ensureMetaTables creates the persisted catalogue and counter tables.
func (c *Catalogue) ensureMetaTables(ctx context.Context, conn *stores.Conn) error {
	alias := c.cfg.StoreAlias(1)
	ddls := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.asset_reading_catalogue (
			table_id   INTEGER NOT NULL,
			db_id      INTEGER NOT NULL,
			asset_code TEXT    NOT NULL
		)`, alias),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.configuration_readings (
			global_id INTEGER
		)`, alias),
	}
	for _, ddl := range ddls {
		if _, err := conn.ExecRetry(ctx, stores.StatementPolicy, c.log, ddl); err != nil {
			return fmt.Errorf("%w: %v", errors.ErrSchemaCreation, err)
		}
	}
	return nil
}

// preallocateLocked tops up the current store so a full block of shard
// tables exists ahead of demand.
func (c *Catalogue) preallocateLocked(ctx context.Context, conn *stores.Conn) error {
	lastID, count, err := c.scanStoreTables(ctx, conn, c.maxStoreID)
	if err != nil {
		return err
	}
	if count >= c.cfg.TablesPerStore {
		return nil
	}
	return c.createTables(ctx, conn, c.maxStoreID, lastID+1, c.cfg.TablesPerStore-count)
}

// scanStoreTables inspects a store's schema and returns the highest shard
// table id present and the number of shard tables.
func (c *Catalogue) scanStoreTables(ctx context.Context, conn *stores.Conn, storeID int) (maxID, count int, err error) {
	prefix := c.cfg.StoreBaseName + "_"
	q := fmt.Sprintf(
		"SELECT name FROM %s.sqlite_master WHERE type='table' AND name LIKE ?",
		c.cfg.StoreAlias(storeID))
	rows, err := conn.Raw().QueryContext(ctx, q, prefix+"%")
	if err != nil {
		return 0, 0, errors.Wrap(err, "scan store tables")
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return 0, 0, errors.Wrap(err, "scan table name")
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil {
			continue // not a shard table
		}
		if id > maxID {
			maxID = id
		}
		count++
	}
	return maxID, count, rows.Err()
}

// StoreForTable is the reverse lookup from a shard table to its store.
// An unknown table falls back to the first store; that keeps legacy
// callers working but is worth noticing, so it is logged.
func (c *Catalogue) StoreForTable(tableID int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sh := range c.shards {
		if sh.TableID == tableID {
			return sh.StoreID
		}
	}
	c.log.Warn("reverse lookup fell back to first store", "table", tableID)
	return 1
}

// AssetForTable returns the asset bound to a shard table, or "" when the
// table has no asset yet.
func (c *Catalogue) AssetForTable(tableID int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for asset, sh := range c.shards {
		if sh.TableID == tableID {
			return asset
		}
	}
	return ""
}

// QualifiedTable returns the alias-qualified name of a shard table,
// usable from any pooled connection.
func (c *Catalogue) QualifiedTable(tableID int) string {
	return fmt.Sprintf("%s.%s",
		c.cfg.StoreAlias(c.StoreForTable(tableID)),
		c.cfg.TableName(tableID))
}

// AllTables returns the alias-qualified names of every allocated shard
// table. When nothing is allocated yet it returns just the primary shard.
func (c *Catalogue) AllTables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.shards) == 0 {
		return []string{fmt.Sprintf("%s.%s", c.cfg.StoreAlias(1), c.cfg.TableName(DefaultTableID))}
	}
	out := make([]string, 0, len(c.shards))
	for _, sh := range c.shards {
		out = append(out, fmt.Sprintf("%s.%s", c.cfg.StoreAlias(sh.StoreID), c.cfg.TableName(sh.TableID)))
	}
	return out
}

// Size returns the number of catalogued assets.
func (c *Catalogue) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.shards)
}

// Available returns the number of unassigned slots in the current store.
func (c *Catalogue) Available() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// maxTableIDLocked returns the highest assigned table id.
func (c *Catalogue) maxTableIDLocked() int {
	maxID := 0
	for _, sh := range c.shards {
		if sh.TableID > maxID {
			maxID = sh.TableID
		}
	}
	return maxID
}

// shardsInStoreLocked counts the shards assigned within one store.
func (c *Catalogue) shardsInStoreLocked(storeID int) int {
	count := 0
	for _, sh := range c.shards {
		if sh.StoreID == storeID {
			count++
		}
	}
	return count
}
