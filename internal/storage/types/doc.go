// Package types defines the core data types used throughout the storage engine.
//
// Key types:
//   - Reading: A single sensor reading routed to a shard by asset code
//   - StreamReading: The pre-parsed bulk-insert representation of a reading
//   - PurgeResult: Row accounting returned by a purge pass
package types
