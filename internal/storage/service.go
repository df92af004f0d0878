// Package storage orchestrates the readings storage engine: the store
// pool, the catalogue, the write, query and purge paths, and the
// scheduled retention pass.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgewise/readingstore/internal/errors"
	"github.com/edgewise/readingstore/internal/logging"
	"github.com/edgewise/readingstore/internal/storage/catalogue"
	"github.com/edgewise/readingstore/internal/storage/config"
	"github.com/edgewise/readingstore/internal/storage/ingest"
	"github.com/edgewise/readingstore/internal/storage/purge"
	"github.com/edgewise/readingstore/internal/storage/query"
	"github.com/edgewise/readingstore/internal/storage/quiesce"
	"github.com/edgewise/readingstore/internal/storage/stores"
	"github.com/edgewise/readingstore/internal/storage/types"
)

// Service is the storage engine facade.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	pool     *stores.Pool
	cat      *catalogue.Catalogue
	ids      *catalogue.GlobalID
	gate     *quiesce.Gate
	appender *ingest.Appender
	queries  *query.Service
	purger   *purge.Engine

	running   atomic.Bool
	sent      atomic.Int64
	startTime time.Time

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats aggregates the counters of every component.
type Stats struct {
	Running   bool         `json:"running"`
	Uptime    string       `json:"uptime"`
	Assets    int          `json:"assets"`
	Available int          `json:"available"`
	Stores    int          `json:"stores"`
	NextID    int64        `json:"next_id"`
	Ingest    ingest.Stats `json:"ingest"`
	Query     query.Stats  `json:"query"`
	Purge     purge.Stats  `json:"purge"`
}

// New creates the service. The backing stores are opened by Start.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:    cfg,
		log:    logging.Component("storage"),
		gate:   quiesce.New(),
		ids:    catalogue.NewGlobalID(cfg),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start opens the stores, loads the catalogue, evaluates the global id
// counter and launches the scheduled retention pass.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return errors.ErrAlreadyRunning
	}

	if err := s.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	pool, err := stores.Open(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}

	cat := catalogue.New(s.cfg, pool)
	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return err
	}
	if err := cat.Load(ctx, conn); err != nil {
		conn.Release()
		pool.Close()
		return fmt.Errorf("load catalogue: %w", err)
	}
	if err := s.ids.Evaluate(ctx, conn, cat); err != nil {
		conn.Release()
		pool.Close()
		return fmt.Errorf("evaluate global id: %w", err)
	}
	conn.Release()

	s.pool = pool
	s.cat = cat
	s.appender = ingest.New(pool, cat, s.ids, s.gate)
	s.queries = query.NewService(s.cfg, pool, cat)
	s.purger = purge.NewEngine(s.cfg, pool, cat, s.gate)

	s.running.Store(true)
	s.startTime = time.Now()

	if s.cfg.Retention.Interval > 0 {
		s.wg.Add(1)
		go s.retentionWorker()
	}

	s.log.Info("storage service started",
		"data_dir", s.cfg.DataDir,
		"assets", cat.Size(),
		"next_id", s.ids.Current())
	return nil
}

// Stop drains in-flight writes, commits the global id counter and closes
// the stores. After Stop the service cannot be restarted.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return errors.ErrNotRunning
	}
	s.running.Store(false)
	s.cancel()
	s.wg.Wait()

	// Hold the drain so no write can slip in between the counter commit
	// and pool shutdown.
	if err := s.gate.Drain(ctx); err != nil {
		s.log.Warn("drain interrupted during shutdown", "error", err)
	}

	var errs []error
	conn, err := s.pool.Acquire(ctx)
	if err == nil {
		// Negated release first: a crash before the commit lands reads
		// as a dirty shutdown and triggers a recompute on restart.
		if err := s.ids.Release(ctx, conn); err != nil {
			errs = append(errs, fmt.Errorf("release global id: %w", err))
		} else if err := s.ids.Commit(ctx, conn); err != nil {
			errs = append(errs, fmt.Errorf("commit global id: %w", err))
		}
		conn.Release()
	} else {
		errs = append(errs, fmt.Errorf("acquire for shutdown: %w", err))
	}

	if err := s.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pool: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("stop errors: %v", errs)
	}
	s.log.Info("storage service stopped")
	return nil
}

// Append stores a JSON append document and returns the row count stored.
func (s *Service) Append(ctx context.Context, payload []byte) (int, error) {
	if !s.running.Load() {
		return 0, errors.ErrNotRunning
	}
	n, err := s.appender.Append(ctx, payload)
	if err != nil && errors.IsValidation(err) {
		s.log.Warn("append rejected", "error", err)
	}
	return n, err
}

// AppendStream stores pre-parsed readings from the bulk path.
func (s *Service) AppendStream(ctx context.Context, readings []types.StreamReading) (int, error) {
	if !s.running.Load() {
		return 0, errors.ErrNotRunning
	}
	return s.appender.AppendStream(ctx, readings)
}

// Retrieve runs a filter document against the primary shard.
func (s *Service) Retrieve(ctx context.Context, filter []byte) (json.RawMessage, error) {
	if !s.running.Load() {
		return nil, errors.ErrNotRunning
	}
	return s.queries.Retrieve(ctx, filter)
}

// Fetch returns a block of readings starting at id first, in UTC, for
// the downstream sender.
func (s *Service) Fetch(ctx context.Context, first int64, count int) (json.RawMessage, error) {
	if !s.running.Load() {
		return nil, errors.ErrNotRunning
	}
	return s.queries.Fetch(ctx, first, count)
}

// PurgeByAge removes readings older than the retention horizon.
func (s *Service) PurgeByAge(ctx context.Context, req purge.Request) (types.PurgeResult, error) {
	if !s.running.Load() {
		return types.PurgeResult{}, errors.ErrNotRunning
	}
	return s.purger.ByAge(ctx, req)
}

// PurgeByRows removes the oldest readings down to a target row count.
func (s *Service) PurgeByRows(ctx context.Context, req purge.Request) (types.PurgeResult, error) {
	if !s.running.Load() {
		return types.PurgeResult{}, errors.ErrNotRunning
	}
	return s.purger.ByRows(ctx, req)
}

// SetSent records the id of the last reading acknowledged downstream.
// Scheduled retention passes honor it when retain_unsent is configured.
func (s *Service) SetSent(id int64) {
	s.sent.Store(id)
}

// Stats returns a snapshot across all components.
func (s *Service) Stats() Stats {
	st := Stats{
		Running: s.running.Load(),
		NextID:  s.ids.Current(),
	}
	if !st.Running {
		return st
	}
	st.Uptime = time.Since(s.startTime).Round(time.Second).String()
	st.Assets = s.cat.Size()
	st.Available = s.cat.Available()
	st.Stores = len(s.pool.Stores())
	st.Ingest = s.appender.Stats()
	st.Query = s.queries.Stats()
	st.Purge = s.purger.Stats()
	return st
}

// retentionWorker runs the scheduled purge pass.
func (s *Service) retentionWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Retention.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			req := purge.Request{
				AgeHours:     s.cfg.Retention.AgeHours,
				Sent:         s.sent.Load(),
				RetainUnsent: s.cfg.Retention.RetainUnsent,
			}
			if _, err := s.purger.ByAge(s.ctx, req); err != nil {
				if errors.IsContention(err) {
					// Contention is transient; the next tick retries.
					s.log.Warn("scheduled purge deferred, database contended", "error", err)
				} else {
					s.log.Error("scheduled purge failed", "error", err)
				}
			}
		}
	}
}
