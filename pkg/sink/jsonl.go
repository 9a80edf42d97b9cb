// Package sink writes the tap's output as line-delimited JSON messages on
// an io.Writer, one SCHEMA, RECORD, or STATE message per line. Messages are
// written in call order, so a STATE line summarizes exactly the RECORD lines
// above it.
package sink

import (
	"io"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/adstap/pkg/errors"
	"github.com/ajitpratap0/adstap/pkg/models"
	"github.com/ajitpratap0/adstap/pkg/tap"
)

// JSONLSink writes messages to a single writer, normally stdout.
type JSONLSink struct {
	enc *gojson.Encoder
}

// NewJSONLSink creates a sink over w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{enc: gojson.NewEncoder(w)}
}

type schemaMessage struct {
	Type               string         `json:"type"`
	Stream             string         `json:"stream"`
	Schema             *models.Schema `json:"schema"`
	KeyProperties      []string       `json:"key_properties"`
	BookmarkProperties []string       `json:"bookmark_properties,omitempty"`
}

type recordMessage struct {
	Type          string                 `json:"type"`
	Stream        string                 `json:"stream"`
	Record        map[string]interface{} `json:"record"`
	TimeExtracted time.Time              `json:"time_extracted"`
}

type stateMessage struct {
	Type  string     `json:"type"`
	Value stateValue `json:"value"`
}

type stateValue struct {
	Bookmarks tap.Bookmarks `json:"bookmarks"`
}

// WriteSchema implements tap.Sink.
func (s *JSONLSink) WriteSchema(schema *models.Schema) error {
	msg := schemaMessage{
		Type:          "SCHEMA",
		Stream:        schema.Name,
		Schema:        schema,
		KeyProperties: schema.PrimaryKeys,
	}
	if schema.ReplicationKey != "" {
		msg.BookmarkProperties = []string{schema.ReplicationKey}
	}
	return s.write(msg)
}

// WriteRecord implements tap.Sink.
func (s *JSONLSink) WriteRecord(record *models.Record) error {
	return s.write(recordMessage{
		Type:          "RECORD",
		Stream:        record.Stream,
		Record:        record.Data,
		TimeExtracted: record.Metadata.ExtractedAt,
	})
}

// WriteState implements tap.Sink.
func (s *JSONLSink) WriteState(state tap.Bookmarks) error {
	return s.write(stateMessage{Type: "STATE", Value: stateValue{Bookmarks: state}})
}

func (s *JSONLSink) write(msg interface{}) error {
	if err := s.enc.Encode(msg); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode output message")
	}
	return nil
}
