// Package models defines the record and schema types shared by the tap's
// streams and sinks.
package models

import "time"

// Record is a single extracted row. Ownership is transient: a stream
// produces it, the sink consumes it once, and nobody mutates it after
// emission.
type Record struct {
	// Stream names the stream that produced the record
	Stream string `json:"stream"`
	// Data contains the flat field payload
	Data map[string]interface{} `json:"data"`
	// Metadata carries source and timing information
	Metadata RecordMetadata `json:"metadata"`
}

// RecordMetadata carries extraction provenance for a record.
type RecordMetadata struct {
	// AccountID is the ad account the record was extracted from
	AccountID string `json:"account_id"`
	// ExtractedAt is when the tap produced the record
	ExtractedAt time.Time `json:"extracted_at"`
}

// NewRecord creates a record for the given stream and account.
func NewRecord(stream, accountID string, data map[string]interface{}) *Record {
	return &Record{
		Stream: stream,
		Data:   data,
		Metadata: RecordMetadata{
			AccountID:   accountID,
			ExtractedAt: time.Now().UTC(),
		},
	}
}

// Schema describes the shape of a stream's records. It is declared to the
// sink once per stream, before the stream's first record.
type Schema struct {
	// Name identifies the stream
	Name string `json:"name"`
	// PrimaryKeys lists the fields that uniquely identify a record
	PrimaryKeys []string `json:"primary_keys"`
	// ReplicationKey is the incremental bookmark field; empty means the
	// stream is full refresh
	ReplicationKey string `json:"replication_key,omitempty"`
	// Fields defines the selected field set
	Fields []Field `json:"fields"`
}

// Field represents a field in the schema
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}
