package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TimeLayout is the on-disk and on-wire layout of every timestamp. It is
// fixed width so stored values sort lexically in SQL.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Column names shared by every synchronized table.
const (
	ColID        = "id"
	ColOwnerID   = "owner_id"
	ColUpdatedAt = "updated_at"
	ColDeleted   = "deleted"
)

// Operation is the kind of local change recorded in the mutation queue.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a queued mutation.
type QueueStatus string

const (
	StatusPending  QueueStatus = "PENDING"
	StatusInFlight QueueStatus = "IN_FLIGHT"
	StatusFailed   QueueStatus = "FAILED"
	StatusDone     QueueStatus = "DONE"
)

// QueuedMutation is one pending outbound change.
type QueuedMutation struct {
	ID              int64
	Table           string
	EntityID        *int64
	OwnerID         string
	Operation       Operation
	Payload         json.RawMessage
	EntityUpdatedAt time.Time
	EnqueuedAt      time.Time
	Attempts        int
	Status          QueueStatus
	LastError       string
	NextAttemptAt   time.Time
}

// Key identifies the entity a mutation describes, for logs.
func (m QueuedMutation) Key() string {
	if m.EntityID == nil {
		return fmt.Sprintf("%s/?", m.Table)
	}
	return fmt.Sprintf("%s/%d", m.Table, *m.EntityID)
}

// Record decodes the payload snapshot.
func (m QueuedMutation) Record() (Record, error) {
	if len(m.Payload) == 0 {
		return Record{}, nil
	}
	return DecodeRecord(m.Payload)
}

// Watermark marks the last fully successful pull of a table for an owner.
type Watermark struct {
	OwnerID string
	Table   string
	Since   time.Time
}

// Record is the generic, JSON-like form of an entity row used on the wire
// and between the store and the adapters.
type Record map[string]any

// DecodeRecord parses a JSON object keeping numbers as json.Number.
func DecodeRecord(data []byte) (Record, error) {
	var rec Record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ID returns the record's primary key.
func (r Record) ID() (int64, bool) {
	return AsInt64(r[ColID])
}

// OwnerID returns the owning user of the record.
func (r Record) OwnerID() string {
	s, _ := r[ColOwnerID].(string)
	return s
}

// UpdatedAt returns the last-writer-wins timestamp of the record.
func (r Record) UpdatedAt() (time.Time, error) {
	return AsTime(r[ColUpdatedAt])
}

// Deleted reports whether the record is a remote tombstone.
func (r Record) Deleted() bool {
	switch v := r[ColDeleted].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case json.Number:
		n, _ := v.Int64()
		return n != 0
	case float64:
		return v != 0
	case int64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

// AsInt64 converts the numeric forms produced by database/sql and
// encoding/json into an int64.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	case []byte:
		i, err := strconv.ParseInt(string(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// AsFloat64 converts numeric forms into a float64.
func AsFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// AsTime parses a timestamp stored as text or carried as time.Time.
func AsTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", t, err)
		}
		return parsed.UTC(), nil
	case []byte:
		return AsTime(string(t))
	case nil:
		return time.Time{}, fmt.Errorf("timestamp is missing")
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

// FormatTime renders t in the canonical layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
