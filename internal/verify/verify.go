// Package verify re-derives the audit hash chain and reports where, if
// anywhere, the stored ledger diverges from it.
//
// Verification is read-only and runs against whatever snapshot the store
// provides; it may run concurrently with appends. A completed pass is a
// statement about the ids it covered, not a global instantaneous truth —
// an append during a scan does not invalidate the scan's conclusion.
package verify

import (
	"context"
	"fmt"

	"github.com/recaudit/recaudit/internal/ledger"
)

// Reader is the read-only view of the store the verifier needs.
type Reader interface {
	GetRange(ctx context.Context, start, end int64) ([]ledger.Entry, error)
	Bounds(ctx context.Context) (minID, maxID int64, err error)
	// NextID returns the smallest id >= from present in the ledger,
	// 0 if there is none. Used to resume a scan past a gap.
	NextID(ctx context.Context, from int64) (int64, error)
}

// DefaultChunkSize bounds how many rows a single chunk loads. The full
// ledger is unbounded; loading it whole would pin memory and hold one
// long read for the entire scan.
const DefaultChunkSize = 2000

// RangeResult is the outcome of verifying one id range.
type RangeResult struct {
	Valid bool `json:"valid"`
	// FirstInvalidID is the earliest id where a check failed, 0 when
	// the range is valid. Ids start at 1 so 0 is never a real id.
	FirstInvalidID int64 `json:"first_invalid_id,omitempty"`
	EntriesChecked int64 `json:"entries_checked"`
	// Entries holds the entries that verified, for callers that display them.
	Entries []ledger.Entry `json:"entries,omitempty"`

	// resumeAt is where a whole-ledger scan can pick up after the
	// failure: the next present id, or 0 when it must be looked up.
	resumeAt int64
}

// FullResult aggregates a whole-ledger scan.
type FullResult struct {
	Valid          bool    `json:"valid"`
	TotalEntries   int64   `json:"total_entries"`
	EntriesChecked int64   `json:"entries_checked"`
	CheckedFrom    int64   `json:"checked_from"`
	CheckedTo      int64   `json:"checked_to"`
	InvalidIDs     []int64 `json:"invalid_entries,omitempty"`
}

// FirstInvalidID returns the earliest invalid id, 0 if the scan was clean.
func (r FullResult) FirstInvalidID() int64 {
	if len(r.InvalidIDs) == 0 {
		return 0
	}
	return r.InvalidIDs[0]
}

// Verifier re-derives hashes over ranges of the ledger.
type Verifier struct {
	reader    Reader
	chunkSize int64
}

// New creates a Verifier over the given reader. chunkSize <= 0 selects
// DefaultChunkSize.
func New(reader Reader, chunkSize int64) *Verifier {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Verifier{reader: reader, chunkSize: chunkSize}
}

// VerifyRange checks entries [start, end]: id contiguity, prev_hash
// linkage, and each entry's own hash. It stops at the first failing id —
// the single source of truth for "earliest point of corruption".
//
// The entry immediately preceding start (if any) is loaded too, so the
// boundary entry's prev_hash is checked against a real predecessor
// rather than taken on faith. Entry 1 is checked against the genesis hash.
func (v *Verifier) VerifyRange(ctx context.Context, start, end int64) (RangeResult, error) {
	if start < 1 || end < start {
		return RangeResult{}, fmt.Errorf("invalid range [%d,%d]", start, end)
	}

	// Read the tail bound before loading the range. Ids past this point
	// belong to appends committed while the scan runs; the scan does not
	// vouch for them, and they must never read as a gap.
	_, maxID, err := v.reader.Bounds(ctx)
	if err != nil {
		return RangeResult{}, err
	}

	loadFrom := start
	if start > 1 {
		loadFrom = start - 1
	}
	entries, err := v.reader.GetRange(ctx, loadFrom, end)
	if err != nil {
		return RangeResult{}, err
	}

	// Seed the linkage check. For start == 1 the predecessor is the
	// genesis hash. For start > 1 the predecessor's stored hash is the
	// expected prev_hash — when the predecessor row is absent, the walk
	// anchors on the first loaded entry and its inbound link goes
	// unchecked (there is nothing to check it against).
	expectPrev := ledger.GenesisHash
	checkFirstLink := start == 1
	if start > 1 && len(entries) > 0 && entries[0].ID == start-1 {
		expectPrev = entries[0].Hash
		checkFirstLink = true
		entries = entries[1:]
	}

	res := RangeResult{Valid: true}
	expectID := start
	for i, e := range entries {
		// A gap in the id sequence is itself a tamper signal: the
		// earliest missing id is the point of divergence.
		if e.ID != expectID {
			res.Valid = false
			res.FirstInvalidID = expectID
			res.resumeAt = e.ID
			return res, nil
		}

		res.EntriesChecked++
		if (i > 0 || checkFirstLink) && e.PrevHash != expectPrev {
			res.Valid = false
			res.FirstInvalidID = e.ID
			res.resumeAt = e.ID + 1
			return res, nil
		}
		if !ledger.VerifyEntry(e) {
			res.Valid = false
			res.FirstInvalidID = e.ID
			res.resumeAt = e.ID + 1
			return res, nil
		}

		expectPrev = e.Hash
		expectID = e.ID + 1
		res.Entries = append(res.Entries, e)
	}

	// Ids missing off the tail of the range are a gap only if the ledger
	// already reached past them before the range was loaded. Otherwise
	// the ledger simply ends (or grew mid-scan) at expectID.
	if expectID <= end && maxID >= expectID {
		res.Valid = false
		res.FirstInvalidID = expectID
	}

	return res, nil
}

// VerifyAll scans the whole ledger in bounded chunks, collecting every
// independently broken point. Between chunks it checks ctx so shutdown
// or a beginning restore can abort the scan promptly, and so no single
// read holds the store for the duration of a large scan.
//
// After a failure at id k the scan resumes at the next present id,
// reseeding linkage from stored hashes — entries downstream that are
// consistent with the stored (possibly tampered) chain are not
// re-flagged, so InvalidIDs lists each break once, earliest first.
//
// Idempotent: two runs with no intervening writes return identical results.
func (v *Verifier) VerifyAll(ctx context.Context) (FullResult, error) {
	minID, maxID, err := v.reader.Bounds(ctx)
	if err != nil {
		return FullResult{}, err
	}
	if maxID == 0 {
		return FullResult{Valid: true}, nil
	}

	res := FullResult{
		Valid:        true,
		TotalEntries: maxID - minID + 1,
		CheckedFrom:  minID,
		CheckedTo:    maxID,
	}

	// The chain starts at id 1 by construction, so a ledger whose
	// minimum id is higher has had its head physically deleted.
	if minID > 1 {
		res.Valid = false
		res.InvalidIDs = append(res.InvalidIDs, 1)
	}

	next := minID
	for next != 0 && next <= maxID {
		if err := ctx.Err(); err != nil {
			return FullResult{}, err
		}

		chunkEnd := next + v.chunkSize - 1
		if chunkEnd > maxID {
			chunkEnd = maxID
		}

		chunk, err := v.VerifyRange(ctx, next, chunkEnd)
		if err != nil {
			return FullResult{}, err
		}
		res.EntriesChecked += chunk.EntriesChecked

		if chunk.Valid {
			next = chunkEnd + 1
			continue
		}

		res.Valid = false
		res.InvalidIDs = append(res.InvalidIDs, chunk.FirstInvalidID)

		if chunk.resumeAt != 0 {
			next = chunk.resumeAt
			continue
		}
		// Gap with no entry loaded after it — find where the ledger
		// picks up again.
		next, err = v.reader.NextID(ctx, chunk.FirstInvalidID+1)
		if err != nil {
			return FullResult{}, err
		}
	}

	return res, nil
}
