package query

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/edgewise/readingstore/internal/errors"
	"github.com/edgewise/readingstore/internal/logging"
	"github.com/edgewise/readingstore/internal/storage/catalogue"
	"github.com/edgewise/readingstore/internal/storage/config"
	"github.com/edgewise/readingstore/internal/storage/stores"
)

// Stats is a snapshot of the query counters.
type Stats struct {
	Queries int64 `json:"queries"`
	Rows    int64 `json:"rows"`
}

// Service executes filter documents against the primary shard and maps
// result sets into JSON documents.
type Service struct {
	cfg  *config.Config
	pool *stores.Pool
	cat  *catalogue.Catalogue
	log  *slog.Logger

	queries atomic.Int64
	rows    atomic.Int64
}

// NewService creates the read-path service.
func NewService(cfg *config.Config, pool *stores.Pool, cat *catalogue.Catalogue) *Service {
	return &Service{
		cfg:  cfg,
		pool: pool,
		cat:  cat,
		log:  logging.Component("query"),
	}
}

// Retrieve runs a filter document and returns the matching rows as a
// JSON array. An empty filter returns every row of the primary shard.
func (s *Service) Retrieve(ctx context.Context, filter []byte) (json.RawMessage, error) {
	stmt, err := s.builder().Retrieve(filter)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, stmt)
}

// Fetch returns up to count rows starting at id first, with timestamps
// rendered in UTC for the downstream sender.
func (s *Service) Fetch(ctx context.Context, first int64, count int) (json.RawMessage, error) {
	if count <= 0 {
		return nil, errors.NewInvalidValue("count", count, "must be positive")
	}
	return s.run(ctx, s.builder().Fetch(first, count))
}

// Stats returns a snapshot of the query counters.
func (s *Service) Stats() Stats {
	return Stats{
		Queries: s.queries.Load(),
		Rows:    s.rows.Load(),
	}
}

func (s *Service) builder() *Builder {
	return NewBuilder(
		s.cat.QualifiedTable(catalogue.DefaultTableID),
		s.cfg.TableName(catalogue.DefaultTableID),
		s.cat.AssetForTable(catalogue.DefaultTableID))
}

func (s *Service) run(ctx context.Context, stmt Statement) (json.RawMessage, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	start := time.Now()
	var rows *sql.Rows
	err = stores.Retry(ctx, stores.StatementPolicy, s.log, func() error {
		var qerr error
		rows, qerr = conn.Raw().QueryContext(ctx, stmt.SQL, stmt.Args...)
		return qerr
	})
	if err != nil {
		s.log.Error("retrieve failed", "error", err, "sql", stmt.SQL)
		return nil, errors.Wrap(err, "retrieve")
	}
	defer rows.Close()

	doc, n, err := rowsToJSON(rows)
	if err != nil {
		s.log.Error("result set mapping failed", "error", err)
		return nil, errors.Wrap(err, "map result set")
	}

	s.queries.Add(1)
	s.rows.Add(int64(n))
	s.log.Debug("retrieve", "rows", n, "elapsed", time.Since(start))
	return doc, nil
}

// rowsToJSON streams a result set into one JSON array document. The
// reading column is emitted verbatim when it holds valid JSON.
func rowsToJSON(rows *sql.Rows) (json.RawMessage, int, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, 0, err
	}

	var buf bytes.Buffer
	buf.WriteByte('[')

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	n := 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, 0, err
		}
		if n > 0 {
			buf.WriteString(", ")
		}
		row := make(map[string]json.RawMessage, len(cols))
		for i, col := range cols {
			row[col] = encodeValue(col, values[i])
		}
		enc, err := json.Marshal(row)
		if err != nil {
			return nil, 0, err
		}
		buf.Write(enc)
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	buf.WriteByte(']')
	return buf.Bytes(), n, nil
}

func encodeValue(col string, v any) json.RawMessage {
	switch val := v.(type) {
	case nil:
		return json.RawMessage("null")
	case []byte:
		if col == "reading" && json.Valid(val) {
			return json.RawMessage(val)
		}
		enc, _ := json.Marshal(string(val))
		return enc
	case string:
		if col == "reading" && json.Valid([]byte(val)) {
			return json.RawMessage(val)
		}
		enc, _ := json.Marshal(val)
		return enc
	case time.Time:
		enc, _ := json.Marshal(val.Format("2006-01-02 15:04:05.000"))
		return enc
	default:
		enc, _ := json.Marshal(val)
		return enc
	}
}
