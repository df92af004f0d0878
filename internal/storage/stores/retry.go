package stores

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/edgewise/readingstore/internal/errors"
)

// Policy defines a retry policy for busy/locked contention.
//
// Two policies exist and call sites must keep their own: bulk insert
// paths back off with a randomized jitter, everything else with a linear
// ramp. Exceeding MaxAttempts is a hard failure for the operation.
type Policy struct {
	// Name tags log lines from this policy.
	Name string

	// MaxAttempts caps the number of executions of the operation.
	MaxAttempts int

	// Base and Jitter define a randomized backoff:
	// Base + rand(Jitter) per retry.
	Base   time.Duration
	Jitter time.Duration

	// Linear, when non-zero, overrides the randomized backoff with
	// attempt * Linear.
	Linear time.Duration
}

// StatementPolicy is the retry policy for single-statement execution:
// DDL, catalogue updates, purge queries and deletes.
var StatementPolicy = Policy{
	Name:        "statement",
	MaxAttempts: 40,
	Linear:      100 * time.Microsecond,
}

// StreamPolicy is the retry policy for row inserts on the bulk paths.
var StreamPolicy = Policy{
	Name:        "stream",
	MaxAttempts: 20,
	Base:        5000 * time.Millisecond,
	Jitter:      5000 * time.Millisecond,
}

// backoff returns the sleep before the given retry (1-based).
func (p Policy) backoff(attempt int) time.Duration {
	if p.Linear > 0 {
		return time.Duration(attempt) * p.Linear
	}
	d := p.Base
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// IsLockContention reports whether err is a retryable SQLite busy or
// locked condition.
func IsLockContention(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

// Retry executes op, repeating while the backing store reports busy or
// locked, up to the policy's attempt cap. Past the cap the contention is
// terminal: it is logged distinctly for busy vs locked and returned
// wrapped in ErrStillBusy or ErrStillLocked.
func Retry(ctx context.Context, pol Policy, log *slog.Logger, op func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !IsLockContention(err) {
			return err
		}
		if attempt >= pol.MaxAttempts {
			break
		}

		sleep := pol.backoff(attempt)
		if attempt > 5 {
			log.Info("contention, retrying",
				"policy", pol.Name,
				"attempt", attempt,
				"max", pol.MaxAttempts,
				"sleep", sleep,
				"error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}

	var se sqlite3.Error
	errors.As(err, &se)
	if se.Code == sqlite3.ErrBusy {
		log.Error("database still busy after maximum retries", "policy", pol.Name)
		return fmt.Errorf("%w: %v", errors.ErrStillBusy, err)
	}
	log.Error("database still locked after maximum retries", "policy", pol.Name)
	return fmt.Errorf("%w: %v", errors.ErrStillLocked, err)
}

// ExecRetry executes a statement on the connection under the given retry
// policy.
func (c *Conn) ExecRetry(ctx context.Context, pol Policy, log *slog.Logger, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := Retry(ctx, pol, log, func() error {
		var err error
		res, err = c.c.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}
