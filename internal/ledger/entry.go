// Package ledger defines the audit entry model and the hash chain that
// makes the log tamper-evident.
//
// Every mutating action in the records application produces one Entry.
// Entries are immutable once written: each entry's Hash covers all of its
// own fields plus the previous entry's Hash, so a retroactive edit or
// deletion breaks the chain for every entry that follows it.
package ledger

import (
	"encoding/json"
	"time"
)

// TimestampFormat is the stored timestamp layout: UTC RFC 3339 with a
// fixed nine-digit fraction. Fixed width keeps lexicographic order of
// the stored strings identical to time order, which the query layer's
// ORDER BY and range predicates rely on.
const TimestampFormat = "2006-01-02T15:04:05.000000000Z"

// Action is the enumerated verb recorded in an audit entry.
type Action string

// Actions recorded by the entity services and by the audit subsystem itself.
const (
	ActionEntityCreate   Action = "ENTITY_CREATE"
	ActionEntityUpdate   Action = "ENTITY_UPDATE"
	ActionEntityDelete   Action = "ENTITY_DELETE"
	ActionEntityRestore  Action = "ENTITY_RESTORE"
	ActionReorder        Action = "REORDER"
	ActionLogin          Action = "LOGIN"
	ActionLogout         Action = "LOGOUT"
	ActionExport         Action = "EXPORT"
	ActionIntegrityCheck Action = "INTEGRITY_CHECK"
)

// Event is the caller-supplied part of an audit entry. The writer fills
// in the id, timestamp, and chain fields; callers never supply those.
type Event struct {
	ActorID    string `json:"actor_id"`
	ActorName  string `json:"actor_name"`
	Action     Action `json:"action"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	// Details describes the change (old/new values or a summary). It is
	// canonicalized to deterministic JSON before hashing and storage.
	Details any `json:"details,omitempty"`
}

// Entry is a single row of the audit ledger as persisted.
//
// Timestamp is kept as its TimestampFormat string form end to end — the
// string is what gets hashed, so re-verification after a restart or on
// another machine re-hashes exactly the stored bytes.
type Entry struct {
	ID         int64           `json:"id"`
	Timestamp  string          `json:"ts"`
	ActorID    string          `json:"actor_id"`
	ActorName  string          `json:"actor_name"`
	Action     Action          `json:"action"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

// Time parses the entry timestamp. Returns the zero time if the stored
// string is malformed (which chain verification would flag anyway).
func (e Entry) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// IntegrityState describes where the scheduler is in its lifecycle.
type IntegrityState string

const (
	// StateNeverRun means no verification pass has completed yet.
	// Callers must not read this as "log verified valid".
	StateNeverRun IntegrityState = "never_run"
	// StateRunning means a pass is in flight; the rest of the status
	// still reflects the previous completed pass, if any.
	StateRunning IntegrityState = "running"
	// StateChecked means at least one pass has completed.
	StateChecked IntegrityState = "checked"
)

// IntegrityStatus is the cached outcome of the last full verification.
// Derived state — rebuilt by the scheduler, never persisted as ground
// truth, read-only to everyone else.
type IntegrityStatus struct {
	State          IntegrityState `json:"state"`
	CheckedAt      time.Time      `json:"checked_at,omitzero"`
	Valid          bool           `json:"valid"`
	CheckedFrom    int64          `json:"checked_from"`
	CheckedTo      int64          `json:"checked_to"`
	FirstInvalidID int64          `json:"first_invalid_id,omitempty"`
	EntriesChecked int64          `json:"entries_checked"`
	// Stale is true when entries were appended after CheckedTo, i.e.
	// the tail of the log is newer than the last completed pass.
	Stale bool `json:"stale,omitempty"`
}
