package types

import (
	"encoding/json"
	"time"
)

// NowSentinel is the literal timestamp value producers may send to mean
// "use the insertion time".
const NowSentinel = "now()"

// UserTSFormat is the canonical storage format for producer timestamps,
// microsecond precision in UTC.
const UserTSFormat = "2006-01-02 15:04:05.000000"

// Reading represents a single sensor reading as handed over by the ingest
// front end. The payload is kept opaque; the engine stores it verbatim.
type Reading struct {
	// AssetCode identifies the producing asset and selects the shard.
	AssetCode string `json:"asset_code"`

	// UserTS is the producer-supplied timestamp, either the literal
	// "now()" or a timestamp in UserTSFormat (an optional timezone
	// suffix is accepted).
	UserTS string `json:"user_ts"`

	// Reading is the opaque structured payload.
	Reading json.RawMessage `json:"reading"`
}

// AppendRequest is the JSON document consumed by the append operation.
type AppendRequest struct {
	Readings []Reading `json:"readings"`
}

// StreamReading is the pre-parsed representation used by the bulk insert
// path. It bypasses JSON decoding but routes through the same shard
// resolution and retry logic as Reading.
type StreamReading struct {
	AssetCode string
	UserTS    time.Time
	Payload   []byte
}

// PurgeResult is the row accounting produced by a purge pass.
type PurgeResult struct {
	// Removed is the number of rows deleted by this pass.
	Removed int64 `json:"removed"`

	// UnsentPurged is the number of removed rows that were never
	// acknowledged by the downstream sender.
	UnsentPurged int64 `json:"unsentPurged"`

	// UnsentRetained is the number of rows above the purge boundary that
	// remain because they have not been sent.
	UnsentRetained int64 `json:"unsentRetained"`

	// Readings is the number of rows remaining after the pass.
	Readings int64 `json:"readings"`
}
