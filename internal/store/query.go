package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/recaudit/recaudit/internal/ledger"
)

// Filter defines query predicates over the ledger. Empty/zero fields
// mean "no filter". From/To bound the entry timestamp (inclusive).
type Filter struct {
	ActorID    string
	EntityType string
	EntityID   string
	Action     ledger.Action
	From       time.Time
	To         time.Time
	// Text is matched as a substring of the details payload.
	Text string
}

// Page selects one page of results. Page numbers start at 1.
type Page struct {
	Number int
	Size   int
}

// QueryResult is one page of filtered entries plus the total match count
// under the same predicate, so callers can derive hasMore and page count.
type QueryResult struct {
	Entries    []ledger.Entry `json:"entries"`
	TotalCount int64          `json:"total_count"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
}

// HasMore reports whether pages beyond this one exist.
func (r QueryResult) HasMore() bool {
	return int64(r.Page)*int64(r.PageSize) < r.TotalCount
}

// Stats summarizes the ledger for the stats operation. ByAction counts
// entries per action verb.
type Stats struct {
	TotalEntries int64            `json:"total_entries"`
	ByAction     map[string]int64 `json:"by_action"`
	EarliestTS   string           `json:"earliest,omitempty"`
	LatestTS     string           `json:"latest,omitempty"`
	LatestID     int64            `json:"latest_id"`
}

const defaultPageSize = 50

// Query returns one page of entries matching the filter, newest first
// (ts DESC, id DESC — the indexed display order). This is a display
// path: no hash verification happens here.
func (s *Store) Query(ctx context.Context, f Filter, p Page) (QueryResult, error) {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = defaultPageSize
	}

	where, args := buildWhere(f)

	// Count under the same predicate as the page query, so total_count
	// and the page contents can't disagree about what matches.
	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_entries"+where, args...,
	).Scan(&total)
	if err != nil {
		return QueryResult{}, fmt.Errorf("counting audit entries: %w", err)
	}

	query := selectCols + " FROM audit_entries" + where +
		" ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?"
	pageArgs := append(args, p.Size, (p.Number-1)*p.Size)

	rows, err := s.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return QueryResult{}, err
	}

	return QueryResult{
		Entries:    entries,
		TotalCount: total,
		Page:       p.Number,
		PageSize:   p.Size,
	}, nil
}

// Stats aggregates entry counts and the time range covered by the ledger.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByAction: make(map[string]int64)}

	var earliest, latest sql.NullString
	var latestID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MIN(ts), MAX(ts), MAX(id) FROM audit_entries",
	).Scan(&stats.TotalEntries, &earliest, &latest, &latestID)
	if err != nil {
		return Stats{}, fmt.Errorf("reading ledger stats: %w", err)
	}
	stats.EarliestTS = earliest.String
	stats.LatestTS = latest.String
	stats.LatestID = latestID.Int64

	rows, err := s.db.QueryContext(ctx,
		"SELECT action, COUNT(*) FROM audit_entries GROUP BY action",
	)
	if err != nil {
		return Stats{}, fmt.Errorf("reading action stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return Stats{}, fmt.Errorf("scanning action stats: %w", err)
		}
		stats.ByAction[action] = count
	}
	return stats, rows.Err()
}

// buildWhere assembles the WHERE clause shared by the count and page
// queries. Timestamps compare as strings — the fixed-width stored
// format sorts lexicographically in time order.
func buildWhere(f Filter) (string, []any) {
	var conds []string
	var args []any

	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, string(f.Action))
	}
	if !f.From.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.From.UTC().Format(ledger.TimestampFormat))
	}
	if !f.To.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, f.To.UTC().Format(ledger.TimestampFormat))
	}
	if f.Text != "" {
		conds = append(conds, "details LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.Text)+"%")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// escapeLike escapes LIKE metacharacters in user-supplied search text.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
