// Package session implements keyed session-window aggregation: events for the
// same key are grouped into windows that extend on activity and merge when a
// new event bridges previously separate sessions. A pluggable trigger decides
// when a window's aggregate is emitted and whether the window is discarded.
package session

// Event is a single keyed observation. Timestamp is milliseconds since the
// Unix epoch and is stamped by the ingestion layer from the processing clock,
// not taken from the wire.
type Event struct {
	Key       string
	Value     int64
	Timestamp int64
}
