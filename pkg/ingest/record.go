// Package ingest defines the records, batches, run statistics and error
// taxonomy shared by every stage of the ingestion pipeline.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingBusinessKey is returned by NewRecord when the payload carries no
// value for the business key. Such records are counted as rejected.
var ErrMissingBusinessKey = errors.New("record has no business key")

// Mode selects how a batch is written to staging.
type Mode string

const (
	// ModeAppend adds new records and skips ones whose business key is already staged.
	ModeAppend Mode = "APPEND"

	// ModeReplace archives the current staging contents and writes the batch in their place.
	ModeReplace Mode = "REPLACE"
)

// DataType names a logical entity that is ingested into its own staging table.
type DataType string

const (
	DataTypeOrders     DataType = "Orders"
	DataTypeOrderItems DataType = "OrderItems"
	DataTypeInventory  DataType = "Inventory"
)

// Record is one entity from the upstream API. It is not modified after fetch.
type Record struct {
	// Key identifies the entity across fetches (order id, SKU).
	Key string

	// Timestamp is the temporal key used for checkpointing. Zero when absent.
	Timestamp time.Time

	// Fields is the raw payload as decoded from the upstream response.
	Fields map[string]any
}

// NewRecord builds a Record from a decoded payload. keyFields are joined with
// "|" to form the business key; timeField may be empty.
func NewRecord(fields map[string]any, timeField string, keyFields ...string) (Record, error) {
	parts := make([]string, 0, len(keyFields))
	for _, name := range keyFields {
		v, ok := fields[name]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(keyFields) == 0 || len(parts) != len(keyFields) {
		return Record{}, fmt.Errorf("%w (fields %s)", ErrMissingBusinessKey, strings.Join(keyFields, ","))
	}

	rec := Record{
		Key:    strings.Join(parts, "|"),
		Fields: fields,
	}
	if timeField != "" {
		rec.Timestamp = parseTimestamp(fields[timeField])
	}
	return rec, nil
}

// Raw returns the JSON encoding of the payload for storage.
func (r Record) Raw() ([]byte, error) {
	if r.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Fields)
}

// HasTimestamp reports whether the record carries a temporal key.
func (r Record) HasTimestamp() bool {
	return !r.Timestamp.IsZero()
}

func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC()
			}
		}
	}
	return time.Time{}
}

// Page is one upstream response. An empty NextCursor marks the end of the stream.
type Page struct {
	Records    []Record
	NextCursor string

	// Rejected counts payload entries dropped because they had no business key.
	Rejected int
}

// Batch is a bounded group of records written to staging as one unit.
type Batch struct {
	ID      string
	RunID   string
	Mode    Mode
	Records []Record
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Records)
}

// LatestTimestamp returns the maximum temporal key in the batch.
func (b Batch) LatestTimestamp() (time.Time, bool) {
	var latest time.Time
	for _, r := range b.Records {
		if r.Timestamp.After(latest) {
			latest = r.Timestamp
		}
	}
	return latest, !latest.IsZero()
}

// Keys returns the business keys of the batch in order.
func (b Batch) Keys() []string {
	keys := make([]string, len(b.Records))
	for i, r := range b.Records {
		keys[i] = r.Key
	}
	return keys
}
