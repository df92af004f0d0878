package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/edgewise/readingstore/internal/errors"
	"github.com/edgewise/readingstore/internal/storage/config"
	"github.com/edgewise/readingstore/internal/storage/purge"
	"github.com/edgewise/readingstore/internal/storage/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.PoolSize = 2
	cfg.TablesPerStore = 3
	return cfg
}

func startService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return svc
}

func TestService_AppendRetrieveRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	svc := startService(t, cfg)
	ctx := context.Background()
	defer svc.Stop(ctx)

	payload := []byte(`{"readings": [
		{"asset_code": "pump", "user_ts": "2026-02-01 10:00:00.000000", "reading": {"rpm": 1200}},
		{"asset_code": "pump", "user_ts": "2026-02-01 10:00:01.000000", "reading": {"rpm": 1210}}
	]}`)
	n, err := svc.Append(ctx, payload)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 2 {
		t.Errorf("Append = %d rows, want 2", n)
	}

	doc, err := svc.Retrieve(ctx, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(doc, &rows); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0]["asset_code"] != "pump" {
		t.Errorf("asset_code = %v, want pump", rows[0]["asset_code"])
	}
}

func TestService_GlobalIDSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	svc := startService(t, cfg)
	payload := []byte(`{"readings": [
		{"asset_code": "pump", "user_ts": "2026-02-01 10:00:00.000000", "reading": {"v": 1}},
		{"asset_code": "pump", "user_ts": "2026-02-01 10:00:01.000000", "reading": {"v": 2}}
	]}`)
	if _, err := svc.Append(ctx, payload); err != nil {
		t.Fatalf("Append: %v", err)
	}
	next := svc.Stats().NextID
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	restarted := startService(t, cfg)
	defer restarted.Stop(ctx)

	if got := restarted.Stats().NextID; got != next {
		t.Errorf("NextID after restart = %d, want %d", got, next)
	}

	// New readings continue the sequence instead of clashing with the
	// rows already stored.
	if _, err := restarted.Append(ctx, []byte(`{"readings": [
		{"asset_code": "pump", "user_ts": "2026-02-01 10:00:02.000000", "reading": {"v": 3}}
	]}`)); err != nil {
		t.Fatalf("Append after restart: %v", err)
	}
	doc, err := restarted.Retrieve(ctx, []byte(`{"aggregate": {"operation": "count", "column": "id", "alias": "n"}}`))
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(doc, &rows); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(rows) != 1 || rows[0]["n"] != float64(3) {
		t.Errorf("count = %v, want 3", rows)
	}
}

func TestService_AppendStream(t *testing.T) {
	cfg := testConfig(t)
	svc := startService(t, cfg)
	ctx := context.Background()
	defer svc.Stop(ctx)

	readings := []types.StreamReading{
		{AssetCode: "fan", UserTS: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC), Payload: []byte(`{"speed": 3}`)},
		{AssetCode: "fan", UserTS: time.Date(2026, 2, 1, 10, 0, 1, 0, time.UTC)},
	}
	n, err := svc.AppendStream(ctx, readings)
	if err != nil {
		t.Fatalf("AppendStream: %v", err)
	}
	if n != 2 {
		t.Errorf("AppendStream = %d rows, want 2", n)
	}
}

func TestService_PurgePath(t *testing.T) {
	cfg := testConfig(t)
	svc := startService(t, cfg)
	ctx := context.Background()
	defer svc.Stop(ctx)

	if _, err := svc.Append(ctx, []byte(`{"readings": [
		{"asset_code": "pump", "user_ts": "2020-01-01 00:00:00.000000", "reading": {"v": 1}},
		{"asset_code": "pump", "user_ts": "2020-01-01 00:00:01.000000", "reading": {"v": 2}}
	]}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	res, err := svc.PurgeByAge(ctx, purge.Request{AgeHours: 1})
	if err != nil {
		t.Fatalf("PurgeByAge: %v", err)
	}
	if res.Removed != 2 {
		t.Errorf("Removed = %d, want 2", res.Removed)
	}

	doc, err := svc.Retrieve(ctx, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(doc) != "[]" {
		t.Errorf("rows after purge = %s, want []", doc)
	}
}

func TestService_AppendRejectsBadPayload(t *testing.T) {
	cfg := testConfig(t)
	svc := startService(t, cfg)
	ctx := context.Background()
	defer svc.Stop(ctx)

	_, err := svc.Append(ctx, []byte(`{"readings": []}`))
	if !errors.Is(err, errors.ErrInvalidPayload) {
		t.Fatalf("Append = %v, want ErrInvalidPayload", err)
	}
	if !errors.IsValidation(err) {
		t.Errorf("IsValidation(%v) = false, want true", err)
	}
}

func TestService_NotRunningGuards(t *testing.T) {
	svc, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := svc.Append(context.Background(), []byte("{}")); !errors.Is(err, errors.ErrNotRunning) {
		t.Errorf("Append = %v, want ErrNotRunning", err)
	}
	if _, err := svc.Retrieve(context.Background(), nil); !errors.Is(err, errors.ErrNotRunning) {
		t.Errorf("Retrieve = %v, want ErrNotRunning", err)
	}
	if err := svc.Stop(context.Background()); !errors.Is(err, errors.ErrNotRunning) {
		t.Errorf("Stop = %v, want ErrNotRunning", err)
	}
}

func TestService_DoubleStart(t *testing.T) {
	cfg := testConfig(t)
	svc := startService(t, cfg)
	defer svc.Stop(context.Background())

	if err := svc.Start(context.Background()); !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
}

func TestService_Stats(t *testing.T) {
	cfg := testConfig(t)
	svc := startService(t, cfg)
	ctx := context.Background()
	defer svc.Stop(ctx)

	if _, err := svc.Append(ctx, []byte(`{"readings": [
		{"asset_code": "pump", "user_ts": "2026-02-01 10:00:00.000000", "reading": {"v": 1}}
	]}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := svc.Retrieve(ctx, nil); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	st := svc.Stats()
	if !st.Running {
		t.Error("Running = false, want true")
	}
	if st.Assets != 1 {
		t.Errorf("Assets = %d, want 1", st.Assets)
	}
	if st.Stores != 1 {
		t.Errorf("Stores = %d, want 1", st.Stores)
	}
	if st.Ingest.Appended != 1 {
		t.Errorf("Ingest.Appended = %d, want 1", st.Ingest.Appended)
	}
	if st.Query.Queries != 1 {
		t.Errorf("Query.Queries = %d, want 1", st.Query.Queries)
	}
}
