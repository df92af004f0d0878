// Package purge removes aged readings from the primary shard.
//
// The by-age pass captures the row-id bounds present when it starts,
// binary-searches the purge boundary over the row-id space (no index
// exists on a derived age expression) and then deletes in blocks whose
// size adapts to the measured delete latency. Every block is an
// individually committed delete bounded by row id, so an aborted pass
// can always be re-invoked safely.
package purge

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/edgewise/readingstore/internal/errors"
	"github.com/edgewise/readingstore/internal/logging"
	"github.com/edgewise/readingstore/internal/storage/archive"
	"github.com/edgewise/readingstore/internal/storage/catalogue"
	"github.com/edgewise/readingstore/internal/storage/config"
	"github.com/edgewise/readingstore/internal/storage/quiesce"
	"github.com/edgewise/readingstore/internal/storage/stores"
	"github.com/edgewise/readingstore/internal/storage/types"
)

// byRowsStep is how far past the minimum id a by-rows round reaches.
const byRowsStep = 10000

// dynamicAgeDivisor converts the elapsed seconds since the oldest
// reading into the "remove the oldest slice" retention horizon used when
// the configured age is zero.
const dynamicAgeDivisor = 360

// Request describes one purge pass.
type Request struct {
	// AgeHours is the retention horizon. Zero computes it dynamically
	// from the oldest reading present.
	AgeHours uint64

	// Rows is the target row count for ByRows.
	Rows uint64

	// Sent is the id of the last reading acknowledged downstream.
	Sent int64

	// RetainUnsent bounds the pass at the sent watermark.
	RetainUnsent bool
}

// Stats is a snapshot of the purge counters.
type Stats struct {
	Passes      int64   `json:"passes"`
	Blocks      int64   `json:"blocks"`
	Removed     int64   `json:"removed"`
	BlockSize   int     `json:"block_size"`
	BlockP50Ms  float64 `json:"block_p50_ms"`
	BlockP95Ms  float64 `json:"block_p95_ms"`
	LastElapsed string  `json:"last_elapsed"`
}

// Engine runs purge passes against the primary shard.
type Engine struct {
	cfg  *config.Config
	pool *stores.Pool
	cat  *catalogue.Catalogue
	gate *quiesce.Gate
	log  *slog.Logger

	// mu serializes passes; blockSize persists between them.
	mu        sync.Mutex
	blockSize atomic.Int64

	skmu   sync.Mutex
	sketch *ddsketch.DDSketch

	passes  atomic.Int64
	blocks  atomic.Int64
	removed atomic.Int64
	elapsed atomic.Int64
}

// NewEngine creates a purge engine sharing the pool, catalogue and write
// gate with the rest of the storage service.
func NewEngine(cfg *config.Config, pool *stores.Pool, cat *catalogue.Catalogue, gate *quiesce.Gate) *Engine {
	e := &Engine{
		cfg:  cfg,
		pool: pool,
		cat:  cat,
		gate: gate,
		log:  logging.Component("purge"),
	}
	e.blockSize.Store(int64(cfg.Purge.MinBlockSize))
	if sketch, err := ddsketch.NewDefaultDDSketch(0.01); err == nil {
		e.sketch = sketch
	}
	return e
}

// ByAge removes readings older than the retention horizon. Only rows
// present when the pass starts are considered.
func (e *Engine) ByAge(ctx context.Context, req Request) (types.PurgeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	e.log.Info("purge starting", "age_hours", req.AgeHours, "sent", req.Sent, "retain_unsent", req.RetainUnsent)

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return types.PurgeResult{}, err
	}
	defer conn.Release()

	table := e.cat.QualifiedTable(catalogue.DefaultTableID)

	// Bound capture: rows inserted after this point are never touched.
	maxRowID, err := e.scalar(ctx, conn, "SELECT COALESCE(MAX(rowid), 0) FROM "+table)
	if err != nil {
		return types.PurgeResult{}, e.fail("bound capture", err)
	}
	minRowID, err := e.scalar(ctx, conn, "SELECT COALESCE(MIN(rowid), 0) FROM "+table)
	if err != nil {
		return types.PurgeResult{}, e.fail("bound capture", err)
	}
	if maxRowID == 0 {
		e.log.Info("nothing to purge, shard is empty")
		return types.PurgeResult{}, nil
	}

	age := int64(req.AgeHours)
	if age == 0 {
		// Remove the oldest slice: derive the horizon from the time
		// span of the data actually present.
		age, err = e.scalar(ctx, conn, fmt.Sprintf(
			"SELECT (strftime('%%s','now') - strftime('%%s', MIN(user_ts))) / %d FROM %s WHERE rowid <= %d",
			dynamicAgeDivisor, table, maxRowID))
		if err != nil {
			return types.PurgeResult{}, e.fail("age resolution", err)
		}
	}

	boundary, ok, err := e.searchBoundary(ctx, conn, table, minRowID, maxRowID, age, req)
	if err != nil {
		return types.PurgeResult{}, err
	}
	if !ok {
		e.log.Info("no data to purge", "min", minRowID, "max", maxRowID)
		return types.PurgeResult{}, nil
	}

	var unsentPurged int64
	if !req.RetainUnsent {
		// The boundary rowid can land on a gap left by ids assigned to
		// other shards; a missing row counts as nothing purged past the
		// watermark.
		lastPurgedID, err := e.scalar(ctx, conn,
			fmt.Sprintf("SELECT id FROM %s WHERE rowid = %d", table, boundary))
		switch {
		case err == sql.ErrNoRows:
			lastPurgedID = 0
		case err != nil:
			return types.PurgeResult{}, e.fail("unsent accounting", err)
		}
		if req.Sent != 0 && lastPurgedID > req.Sent {
			unsentPurged = boundary - req.Sent
		}
	}

	// Quiesce: wait for in-flight appends to finish before deleting.
	// The deletes are row-id bounded, so new writes may resume at once.
	if err := e.gate.Drain(ctx); err != nil {
		return types.PurgeResult{}, err
	}
	e.gate.Release()

	deleted, blocks, err := e.deleteBlocks(ctx, conn, table, minRowID, boundary)
	if err != nil {
		return types.PurgeResult{}, err
	}

	result := types.PurgeResult{
		Removed:        deleted,
		UnsentPurged:   unsentPurged,
		UnsentRetained: maxRowID - boundary,
		Readings:       maxRowID + 1 - minRowID - deleted,
	}
	if req.Sent == 0 {
		result.UnsentPurged = deleted
	}

	e.passes.Add(1)
	e.removed.Add(deleted)
	e.elapsed.Store(int64(time.Since(start)))
	e.log.Info("purge complete",
		"removed", deleted,
		"blocks", blocks,
		"elapsed", time.Since(start))
	return result, nil
}

// searchBoundary binary-searches the highest row id whose reading is
// older than age hours within [minRowID, upper]. The second return is
// false when nothing qualifies.
func (e *Engine) searchBoundary(ctx context.Context, conn *stores.Conn, table string, minRowID, maxRowID, age int64, req Request) (int64, bool, error) {
	l := minRowID
	r := maxRowID
	if req.RetainUnsent && req.Sent != 0 && req.Sent < r {
		r = req.Sent
	}
	if r < l {
		r = l
	}
	if l == r {
		return 0, false, nil
	}

	horizon := fmt.Sprintf("-%d hours", age)
	m := l
	for l <= r {
		prev := m
		m = l + (r-l)/2
		if prev == m {
			break
		}

		var midID int64
		err := conn.Raw().QueryRowContext(ctx,
			fmt.Sprintf("SELECT id FROM %s WHERE rowid = %d AND user_ts < datetime('now', ?)", table, m),
			horizon).Scan(&midID)
		switch {
		case err == sql.ErrNoRows:
			midID = 0
		case err != nil:
			return 0, false, e.fail("boundary search", err)
		}

		if midID == 0 {
			// The probe row is too young (or the rowid is a gap), so
			// the boundary lies in the earlier half.
			r = m - 1
			m = r
		} else {
			l = m + 1
		}
	}

	if m <= minRowID {
		return 0, false, nil
	}
	return m, true, nil
}

// deleteBlocks runs the adaptive block deletion loop from cursor up to
// boundary, recalculating the block size from measured delete latency.
func (e *Engine) deleteBlocks(ctx context.Context, conn *stores.Conn, table string, cursor, boundary int64) (deleted, blocks int64, err error) {
	pc := e.cfg.Purge

	arch, err := e.openArchive()
	if err != nil {
		return 0, 0, err
	}
	if arch != nil {
		defer arch.Close()
	}

	var totTime, prevTotTime time.Duration
	var prevBlocks int64

	e.log.Info("purge deleting readings", "from", cursor, "to", boundary)
	for cursor < boundary {
		blocks++
		cursor += e.blockSize.Load()
		if cursor > boundary {
			cursor = boundary
		}

		if arch != nil {
			if err := e.archiveBlock(ctx, conn, arch, table, cursor); err != nil {
				return 0, blocks, err
			}
		}

		blockStart := time.Now()
		res, execErr := conn.ExecRetry(ctx, stores.StatementPolicy, e.log,
			fmt.Sprintf("DELETE FROM %s WHERE rowid <= ?", table), cursor)
		blockTime := time.Since(blockStart)
		if execErr != nil {
			e.log.Error("purge block delete failed", "block", blocks, "error", execErr)
			return 0, blocks, errors.Wrap(execErr, "purge block delete")
		}

		totTime += blockTime
		if e.sketch != nil {
			e.skmu.Lock()
			e.sketch.Add(float64(blockTime.Milliseconds()))
			e.skmu.Unlock()
		}
		if blockTime > pc.SlowBlockThreshold {
			// Relieve contention proportionally to how slow the block was.
			sleepCtx(ctx, 100*time.Millisecond+blockTime/10)
		}

		affected, _ := res.RowsAffected()
		deleted += affected
		e.blocks.Add(1)
		e.log.Debug("purge block deleted", "block", blocks, "rows", affected, "elapsed", blockTime)

		if blocks%int64(pc.RecalcBlocks) == 0 {
			e.recalcBlockSize(blocks, prevBlocks, totTime, prevTotTime)
			prevBlocks = blocks
			prevTotTime = totTime
			// Let readers breathe after every batch of blocks.
			sleepCtx(ctx, 100*time.Millisecond)
		}
	}
	return deleted, blocks, nil
}

// recalcBlockSize blends the long-run and recent average block delete
// times 50/50 and scales the block size toward the target duration,
// clamped per adjustment and in absolute terms.
func (e *Engine) recalcBlockSize(blocks, prevBlocks int64, totTime, prevTotTime time.Duration) {
	pc := e.cfg.Purge

	denom := prevBlocks
	if denom == 0 {
		denom = 1
	}
	prevAvg := prevTotTime / time.Duration(denom)
	currAvg := (totTime - prevTotTime) / time.Duration(blocks-prevBlocks)

	base := prevAvg
	if base == 0 {
		base = currAvg
	}
	avg := (base*5 + currAvg*5) / 10
	if avg <= 0 {
		return
	}

	deviation := avg - pc.TargetBlockTime
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation <= pc.TargetBlockTime/10 {
		return
	}

	ratio := float64(pc.TargetBlockTime) / float64(avg)
	if ratio > 2.0 {
		ratio = 2.0
	}
	if ratio < 0.5 {
		ratio = 0.5
	}
	size := int(float64(e.blockSize.Load()) * ratio)
	size = size / pc.Granularity * pc.Granularity
	if size < pc.MinBlockSize {
		size = pc.MinBlockSize
	}
	if size > pc.MaxBlockSize {
		size = pc.MaxBlockSize
	}
	e.blockSize.Store(int64(size))
	e.log.Debug("purge block size adjusted", "block_size", size, "avg", avg, "target", pc.TargetBlockTime)
}

// ByRows deletes the oldest readings until at most req.Rows remain. Each
// round advances a delete point a fixed step past the minimum id,
// clamped so it neither overshoots the target count nor crosses the sent
// watermark when unsent rows are retained.
func (e *Engine) ByRows(ctx context.Context, req Request) (types.PurgeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return types.PurgeResult{}, err
	}
	defer conn.Release()

	table := e.cat.QualifiedTable(catalogue.DefaultTableID)
	rows := int64(req.Rows)

	var limit int64
	if req.RetainUnsent {
		limit = req.Sent
	}
	e.log.Info("purge by rows starting", "rows", rows, "limit", limit)

	var deleted, unsentPurged, numReadings int64
	for {
		rowcount, err := e.scalar(ctx, conn, "SELECT COUNT(rowid) FROM "+table)
		if err != nil {
			return types.PurgeResult{}, e.fail("row count", err)
		}
		numReadings = rowcount
		if rowcount <= rows {
			break
		}

		minID, err := e.scalar(ctx, conn, "SELECT COALESCE(MIN(id), 0) FROM "+table)
		if err != nil {
			return types.PurgeResult{}, e.fail("minimum id", err)
		}
		maxID, err := e.scalar(ctx, conn, "SELECT COALESCE(MAX(id), 0) FROM "+table)
		if err != nil {
			return types.PurgeResult{}, e.fail("maximum id", err)
		}

		deletePoint := minID + byRowsStep
		if maxID-deletePoint < rows || deletePoint > maxID {
			deletePoint = maxID - rows
		}
		// Never purge past the sent watermark.
		if limit != 0 && deletePoint > limit {
			deletePoint = limit
		}
		if deletePoint < minID {
			break
		}

		res, execErr := conn.ExecRetry(ctx, stores.StatementPolicy, e.log,
			fmt.Sprintf("DELETE FROM %s WHERE id <= ?", table), deletePoint)
		if execErr != nil {
			e.log.Error("purge by rows delete failed", "error", execErr)
			return types.PurgeResult{}, errors.Wrap(execErr, "purge by rows delete")
		}
		affected, _ := res.RowsAffected()
		deleted += affected
		numReadings = rowcount - affected
		e.log.Debug("purge by rows round", "rows", affected, "delete_point", deletePoint)
		if affected == 0 {
			break
		}

		if limit != 0 && req.Sent != 0 {
			if up := deletePoint - req.Sent; up > 0 {
				unsentPurged = up
			}
		} else if limit == 0 {
			unsentPurged += affected
		}

		sleepCtx(ctx, time.Millisecond)
	}

	var unsentRetained int64
	if limit != 0 && numReadings > rows {
		unsentRetained = numReadings - rows
	}

	e.passes.Add(1)
	e.removed.Add(deleted)
	e.elapsed.Store(int64(time.Since(start)))

	result := types.PurgeResult{
		Removed:        deleted,
		UnsentPurged:   unsentPurged,
		UnsentRetained: unsentRetained,
		Readings:       numReadings,
	}
	e.log.Info("purge by rows complete", "removed", deleted, "readings", numReadings)
	return result, nil
}

// BlockSize returns the current adaptive block size.
func (e *Engine) BlockSize() int {
	return int(e.blockSize.Load())
}

// Stats returns a snapshot of the purge counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Passes:      e.passes.Load(),
		Blocks:      e.blocks.Load(),
		Removed:     e.removed.Load(),
		BlockSize:   e.BlockSize(),
		LastElapsed: time.Duration(e.elapsed.Load()).String(),
	}
	if e.sketch != nil {
		e.skmu.Lock()
		if e.sketch.GetCount() > 0 {
			s.BlockP50Ms, _ = e.sketch.GetValueAtQuantile(0.50)
			s.BlockP95Ms, _ = e.sketch.GetValueAtQuantile(0.95)
		}
		e.skmu.Unlock()
	}
	return s
}

// openArchive creates the parquet writer for this pass when archiving is
// configured.
func (e *Engine) openArchive() (*archive.Writer, error) {
	ac := e.cfg.Purge.Archive
	if !ac.Enabled {
		return nil, nil
	}
	arch, err := archive.NewWriter(e.cfg.ArchiveDir(), time.Now(), archive.ParseCompressionType(ac.Compression))
	if err != nil {
		e.log.Error("archive writer creation failed", "error", err)
		return nil, errors.Wrap(err, "open purge archive")
	}
	return arch, nil
}

// archiveBlock writes the rows about to be deleted (everything at or
// below cursor) to the archive.
func (e *Engine) archiveBlock(ctx context.Context, conn *stores.Conn, arch *archive.Writer, table string, cursor int64) error {
	rows, err := conn.Raw().QueryContext(ctx,
		fmt.Sprintf("SELECT id, reading, user_ts, ts FROM %s WHERE rowid <= ?", table), cursor)
	if err != nil {
		return errors.Wrap(err, "archive block select")
	}
	defer rows.Close()

	asset := e.cat.AssetForTable(catalogue.DefaultTableID)
	var batch []archive.ReadingRow
	for rows.Next() {
		var row archive.ReadingRow
		if err := rows.Scan(&row.ID, &row.Reading, &row.UserTS, &row.TS); err != nil {
			return errors.Wrap(err, "archive block scan")
		}
		row.AssetCode = asset
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "archive block select")
	}
	if err := arch.Write(batch); err != nil {
		return errors.Wrap(err, "archive block write")
	}
	return nil
}

func (e *Engine) scalar(ctx context.Context, conn *stores.Conn, query string, args ...any) (int64, error) {
	var v sql.NullInt64
	if err := conn.Raw().QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
		return 0, err
	}
	return v.Int64, nil
}

func (e *Engine) fail(phase string, err error) error {
	e.log.Error("purge failed", "phase", phase, "error", err)
	return errors.Wrapf(err, "purge %s", phase)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
