package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/edgewise/readingstore/internal/errors"
	"github.com/edgewise/readingstore/internal/storage/catalogue"
	"github.com/edgewise/readingstore/internal/storage/config"
	"github.com/edgewise/readingstore/internal/storage/quiesce"
	"github.com/edgewise/readingstore/internal/storage/stores"
	"github.com/edgewise/readingstore/internal/storage/types"
)

type harness struct {
	cfg  *config.Config
	pool *stores.Pool
	cat  *catalogue.Catalogue
	app  *Appender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.PoolSize = 2
	cfg.TablesPerStore = 3

	pool, err := stores.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("stores.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer conn.Release()

	cat := catalogue.New(cfg, pool)
	if err := cat.Load(ctx, conn); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ids := catalogue.NewGlobalID(cfg)
	if err := ids.Evaluate(ctx, conn, cat); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	return &harness{
		cfg:  cfg,
		pool: pool,
		cat:  cat,
		app:  New(pool, cat, ids, quiesce.New()),
	}
}

func (h *harness) countRows(t *testing.T, tableID int) int {
	t.Helper()
	ctx := context.Background()
	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer conn.Release()

	var n int
	q := "SELECT COUNT(*) FROM " + h.cat.QualifiedTable(tableID)
	if err := conn.Raw().QueryRowContext(ctx, q).Scan(&n); err != nil {
		t.Fatalf("count rows in table %d: %v", tableID, err)
	}
	return n
}

func TestAppendBatch_RoutesByAsset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	batch := []types.Reading{
		{AssetCode: "pump", UserTS: "2026-02-01 10:00:00.000000", Reading: json.RawMessage(`{"rpm": 1200}`)},
		{AssetCode: "pump", UserTS: "2026-02-01 10:00:01.000000", Reading: json.RawMessage(`{"rpm": 1210}`)},
		{AssetCode: "valve", UserTS: "2026-02-01 10:00:00.000000", Reading: json.RawMessage(`{"open": true}`)},
	}

	n, err := h.app.AppendBatch(ctx, batch)
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if n != 3 {
		t.Errorf("AppendBatch = %d rows, want 3", n)
	}
	if h.cat.Size() != 2 {
		t.Errorf("catalogue size = %d, want 2", h.cat.Size())
	}
	if got := h.countRows(t, 1); got != 2 {
		t.Errorf("primary shard has %d rows, want 2", got)
	}
	if got := h.countRows(t, 2); got != 1 {
		t.Errorf("second shard has %d rows, want 1", got)
	}

	stats := h.app.Stats()
	if stats.Batches != 1 || stats.Appended != 3 || stats.LastBatch != 3 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestAppendBatch_SkipsMalformedTimestamp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	batch := []types.Reading{
		{AssetCode: "pump", UserTS: "2026-02-01 10:00:00.000000"},
		{AssetCode: "pump", UserTS: "not-a-timestamp"},
		{AssetCode: "pump", UserTS: "2026-02-01 10:00:02.000000"},
		{AssetCode: "pump", UserTS: "now()"},
		{AssetCode: "pump", UserTS: ""},
	}

	n, err := h.app.AppendBatch(ctx, batch)
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if n != 4 {
		t.Errorf("AppendBatch = %d rows, want 4", n)
	}
	if got := h.app.Stats().Skipped; got != 1 {
		t.Errorf("Skipped = %d, want 1", got)
	}
	if got := h.countRows(t, 1); got != 4 {
		t.Errorf("shard has %d rows, want 4", got)
	}
}

func TestAppend_DecodesDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	payload := []byte(`{"readings": [
		{"asset_code": "fan", "user_ts": "2026-02-01 10:00:00.000000", "reading": {"speed": 3}}
	]}`)

	n, err := h.app.Append(ctx, payload)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 1 {
		t.Errorf("Append = %d rows, want 1", n)
	}

	// Round-trip: the stored payload comes back byte-comparable.
	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer conn.Release()
	var stored string
	q := "SELECT reading FROM " + h.cat.QualifiedTable(1)
	if err := conn.Raw().QueryRowContext(ctx, q).Scan(&stored); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if stored != `{"speed": 3}` {
		t.Errorf("stored payload = %q", stored)
	}
}

func TestAppend_RejectsBadDocuments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "not json at all"},
		{"empty readings", `{"readings": []}`},
		{"missing readings", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.app.Append(ctx, []byte(tt.payload)); !errors.Is(err, errors.ErrInvalidPayload) {
				t.Errorf("Append = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestAppendBatch_MissingAssetCode(t *testing.T) {
	h := newHarness(t)

	batch := []types.Reading{{UserTS: "2026-02-01 10:00:00.000000"}}
	if _, err := h.app.AppendBatch(context.Background(), batch); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("AppendBatch = %v, want ErrMissingField", err)
	}
	if got := h.countRows(t, 1); got != 0 {
		t.Errorf("shard has %d rows, want 0", got)
	}
}

func TestAppendBatch_AssignsContiguousIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	batch := []types.Reading{
		{AssetCode: "pump", UserTS: "2026-02-01 10:00:00.000000"},
		{AssetCode: "pump", UserTS: "2026-02-01 10:00:01.000000"},
		{AssetCode: "pump", UserTS: "2026-02-01 10:00:02.000000"},
	}
	if _, err := h.app.AppendBatch(ctx, batch); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer conn.Release()

	rows, err := conn.Raw().QueryContext(ctx,
		"SELECT id FROM "+h.cat.QualifiedTable(1)+" ORDER BY id")
	if err != nil {
		t.Fatalf("query ids: %v", err)
	}
	defer rows.Close()

	var got []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan id: %v", err)
		}
		got = append(got, id)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("stored ids = %v, want [1 2 3]", got)
	}
}

func TestNormalizeUserTS(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2026-02-01 10:00:00.123456", "2026-02-01 10:00:00.123456", true},
		{"2026-02-01 10:00:00.123456+02:00", "2026-02-01 08:00:00.123456", true},
		{"2026-02-01 10:00:00", "2026-02-01 10:00:00.000000", true},
		{"2026-02-01T10:00:00Z", "2026-02-01 10:00:00.000000", true},
		{"garbage", "", false},
	}
	for _, tt := range tests {
		got, err := normalizeUserTS(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("normalizeUserTS(%q) error = %v", tt.in, err)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("normalizeUserTS(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
