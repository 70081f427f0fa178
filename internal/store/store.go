// Package store persists the audit ledger in SQLite and owns the single
// append path. No other package inserts into the audit table: producers
// hand an Event to Append, and everything else is read-only.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/recaudit/recaudit/internal/ledger"
)

// Store wraps the SQLite database holding the audit ledger.
//
// Appends are serialized two ways: an in-process mutex (cheap fast-path
// ordering) and an immediate write transaction (the actual guarantee —
// the tail read and the insert are one atomic unit, so two appends can
// never claim the same id or prev_hash).
type Store struct {
	mu sync.Mutex // serializes Append
	db *sql.DB
}

// Open opens (or creates) the ledger database at the given path.
// WAL mode allows verification and queries to read concurrently with
// ongoing appends.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			id          INTEGER PRIMARY KEY,
			ts          TEXT NOT NULL,
			actor_id    TEXT NOT NULL DEFAULT '',
			actor_name  TEXT NOT NULL DEFAULT '',
			action      TEXT NOT NULL,
			entity_type TEXT,
			entity_id   TEXT,
			details     TEXT NOT NULL DEFAULT 'null',
			prev_hash   TEXT NOT NULL,
			hash        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_ts ON audit_entries(ts DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_entries_actor ON audit_entries(actor_id);
		CREATE INDEX IF NOT EXISTS idx_entries_action ON audit_entries(action);
		CREATE INDEX IF NOT EXISTS idx_entries_entity ON audit_entries(entity_type, entity_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append assigns the next id, links the entry to the current tail of the
// chain, and inserts it. This is the only code path that writes to the
// audit table.
//
// Callers must not roll back their own business transaction when Append
// fails: audit write failures are surfaced to the operational log and to
// the caller, but availability wins over strict coupling. The resulting
// id gap is itself a finding the verifier reports.
func (s *Store) Append(ctx context.Context, ev ledger.Event) (ledger.Entry, error) {
	details, err := ledger.CanonicalDetails(ev.Details)
	if err != nil {
		return ledger.Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	// Read the tail inside the same transaction as the insert.
	var (
		tailID   int64
		tailHash = ledger.GenesisHash
	)
	err = tx.QueryRowContext(ctx,
		"SELECT id, hash FROM audit_entries ORDER BY id DESC LIMIT 1",
	).Scan(&tailID, &tailHash)
	if err != nil && err != sql.ErrNoRows {
		return ledger.Entry{}, fmt.Errorf("reading chain tail: %w", err)
	}

	entry := ledger.Entry{
		ID:         tailID + 1,
		Timestamp:  time.Now().UTC().Format(ledger.TimestampFormat),
		ActorID:    ev.ActorID,
		ActorName:  ev.ActorName,
		Action:     ev.Action,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Details:    details,
		PrevHash:   tailHash,
	}
	entry.Hash = ledger.ComputeHash(entry)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_entries (id, ts, actor_id, actor_name, action, entity_type, entity_id, details, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp, entry.ActorID, entry.ActorName,
		string(entry.Action), nullable(entry.EntityType), nullable(entry.EntityID),
		string(entry.Details), entry.PrevHash, entry.Hash,
	)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("inserting audit entry %d: %w", entry.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.Entry{}, fmt.Errorf("committing audit entry %d: %w", entry.ID, err)
	}

	return entry, nil
}

// GetRange returns entries with id in [start, end], ordered by id.
// Missing ids simply don't appear — gap detection is the verifier's job.
func (s *Store) GetRange(ctx context.Context, start, end int64) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCols+" FROM audit_entries WHERE id >= ? AND id <= ? ORDER BY id ASC",
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("loading entries [%d,%d]: %w", start, end, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Bounds returns the minimum and maximum entry ids, or (0, 0) for an
// empty ledger.
func (s *Store) Bounds(ctx context.Context) (minID, maxID int64, err error) {
	var lo, hi sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		"SELECT MIN(id), MAX(id) FROM audit_entries",
	).Scan(&lo, &hi)
	if err != nil {
		return 0, 0, fmt.Errorf("reading ledger bounds: %w", err)
	}
	if !lo.Valid || !hi.Valid {
		return 0, 0, nil
	}
	return lo.Int64, hi.Int64, nil
}

// NextID returns the smallest entry id >= from, 0 if none exists.
// The verifier uses this to resume a scan past a gap.
func (s *Store) NextID(ctx context.Context, from int64) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MIN(id) FROM audit_entries WHERE id >= ?", from,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("finding next entry id from %d: %w", from, err)
	}
	return id.Int64, nil
}

// LatestID returns the highest assigned entry id, 0 if the ledger is empty.
func (s *Store) LatestID(ctx context.Context) (int64, error) {
	_, maxID, err := s.Bounds(ctx)
	return maxID, err
}

const selectCols = "SELECT id, ts, actor_id, actor_name, action, entity_type, entity_id, details, prev_hash, hash"

// nullable maps "" to NULL so global actions store NULL entity columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanEntries(rows *sql.Rows) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	for rows.Next() {
		var (
			e                  ledger.Entry
			action             string
			entityType, entity sql.NullString
			details            string
		)
		err := rows.Scan(&e.ID, &e.Timestamp, &e.ActorID, &e.ActorName,
			&action, &entityType, &entity, &details, &e.PrevHash, &e.Hash)
		if err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = ledger.Action(action)
		e.EntityType = entityType.String
		e.EntityID = entity.String
		e.Details = []byte(details)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
