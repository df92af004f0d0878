// Package ingest implements the batched write path. A batch of readings
// is decoded, routed to per-asset shard tables and inserted inside a
// single transaction, so a batch is observed either fully or not at all.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/edgewise/readingstore/internal/errors"
	"github.com/edgewise/readingstore/internal/logging"
	"github.com/edgewise/readingstore/internal/storage/catalogue"
	"github.com/edgewise/readingstore/internal/storage/quiesce"
	"github.com/edgewise/readingstore/internal/storage/stores"
	"github.com/edgewise/readingstore/internal/storage/types"
)

// userTSLayouts are the accepted producer timestamp formats, tried in
// order. The canonical format comes first.
var userTSLayouts = []string{
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999-07",
	types.UserTSFormat,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
}

// Stats is a snapshot of the appender counters.
type Stats struct {
	Batches   int64 `json:"batches"`
	Appended  int64 `json:"appended"`
	Skipped   int64 `json:"skipped"`
	LastBatch int64 `json:"last_batch"`
}

// Appender drives the write path.
type Appender struct {
	pool *stores.Pool
	cat  *catalogue.Catalogue
	ids  *catalogue.GlobalID
	gate *quiesce.Gate
	log  *slog.Logger

	batches   atomic.Int64
	appended  atomic.Int64
	skipped   atomic.Int64
	lastBatch atomic.Int64
}

// New creates an appender bound to the shared pool, catalogue, id
// counter and purge gate.
func New(pool *stores.Pool, cat *catalogue.Catalogue, ids *catalogue.GlobalID, gate *quiesce.Gate) *Appender {
	return &Appender{
		pool: pool,
		cat:  cat,
		ids:  ids,
		gate: gate,
		log:  logging.Component("ingest"),
	}
}

// Append decodes an append document and inserts its readings. It returns
// the number of rows stored.
func (a *Appender) Append(ctx context.Context, payload []byte) (int, error) {
	var req types.AppendRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return 0, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	if len(req.Readings) == 0 {
		return 0, fmt.Errorf("%w: no readings in payload", errors.ErrInvalidPayload)
	}
	return a.AppendBatch(ctx, req.Readings)
}

// AppendBatch inserts a batch of readings in one transaction. Readings
// with a malformed timestamp are skipped and logged; every other row of
// the batch is still stored. Any other failure rolls the whole batch
// back.
func (a *Appender) AppendBatch(ctx context.Context, readings []types.Reading) (int, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	// Shard resolution happens before the transaction opens: a first-seen
	// asset may need a new store file attached, which SQLite refuses
	// inside a transaction.
	tables := make(map[string]int, 4)
	for i := range readings {
		asset := readings[i].AssetCode
		if asset == "" {
			return 0, errors.NewMissingField("asset_code")
		}
		if _, ok := tables[asset]; ok {
			continue
		}
		tableID, err := a.cat.ResolveShard(ctx, conn, asset)
		if err != nil {
			return 0, err
		}
		tables[asset] = tableID
	}

	// Register with the gate so a purge pass can drain in-flight writes.
	if err := a.gate.BeginWrite(ctx); err != nil {
		return 0, err
	}
	defer a.gate.EndWrite()

	tx, err := conn.Raw().BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin append transaction")
	}

	stmts := make(map[int]*sql.Stmt, len(tables))
	defer func() {
		for _, s := range stmts {
			s.Close()
		}
	}()

	inserted := 0
	lastAsset := ""
	var stmt *sql.Stmt
	for i := range readings {
		r := &readings[i]

		// Batches arrive grouped by asset most of the time; reuse the
		// previous statement when the asset repeats.
		if r.AssetCode != lastAsset {
			tableID := tables[r.AssetCode]
			s, ok := stmts[tableID]
			if !ok {
				s, err = tx.PrepareContext(ctx, fmt.Sprintf(
					"INSERT INTO %s (id, user_ts, reading) VALUES (?, ?, ?)",
					a.cat.QualifiedTable(tableID)))
				if err != nil {
					tx.Rollback()
					return 0, errors.Wrap(err, "prepare shard insert")
				}
				stmts[tableID] = s
			}
			stmt = s
			lastAsset = r.AssetCode
		}

		userTS, err := normalizeUserTS(r.UserTS)
		if err != nil {
			a.skipped.Add(1)
			a.log.Warn("reading skipped, bad timestamp",
				"asset", r.AssetCode, "user_ts", r.UserTS)
			continue
		}

		payload := r.Reading
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}

		id := a.ids.Next()
		execErr := stores.Retry(ctx, stores.StreamPolicy, a.log, func() error {
			_, err := stmt.ExecContext(ctx, id, userTS, []byte(payload))
			return err
		})
		if execErr != nil {
			tx.Rollback()
			a.log.Error("append batch rolled back", "rows", len(readings), "error", execErr)
			return 0, execErr
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return 0, errors.Wrap(err, "commit append transaction")
	}

	a.batches.Add(1)
	a.appended.Add(int64(inserted))
	a.lastBatch.Store(int64(inserted))
	a.log.Debug("batch appended", "rows", inserted, "skipped", len(readings)-inserted)
	return inserted, nil
}

// AppendStream inserts pre-parsed readings from the bulk path. It shares
// the transactional batch insert with Append but skips JSON decoding.
func (a *Appender) AppendStream(ctx context.Context, readings []types.StreamReading) (int, error) {
	rs := make([]types.Reading, len(readings))
	for i := range readings {
		payload := readings[i].Payload
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		rs[i] = types.Reading{
			AssetCode: readings[i].AssetCode,
			UserTS:    readings[i].UserTS.UTC().Format(types.UserTSFormat),
			Reading:   json.RawMessage(payload),
		}
	}
	return a.AppendBatch(ctx, rs)
}

// Stats returns a snapshot of the appender counters.
func (a *Appender) Stats() Stats {
	return Stats{
		Batches:   a.batches.Load(),
		Appended:  a.appended.Load(),
		Skipped:   a.skipped.Load(),
		LastBatch: a.lastBatch.Load(),
	}
}

// normalizeUserTS maps a producer timestamp to the canonical storage
// format. The "now()" sentinel and an empty value take the current time.
func normalizeUserTS(raw string) (string, error) {
	if raw == "" || raw == types.NowSentinel {
		return time.Now().UTC().Format(types.UserTSFormat), nil
	}
	for _, layout := range userTSLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Format(types.UserTSFormat), nil
		}
	}
	return "", fmt.Errorf("%w: %q", errors.ErrInvalidTimestamp, raw)
}
