package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"testing"

	"github.com/recaudit/recaudit/internal/ledger"
)

// fakeReader serves a fixed slice of entries, possibly with gaps in the
// id sequence. Entries must be sorted by id ascending.
type fakeReader struct {
	entries []ledger.Entry
}

func (f *fakeReader) GetRange(_ context.Context, start, end int64) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range f.entries {
		if e.ID >= start && e.ID <= end {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeReader) Bounds(context.Context) (int64, int64, error) {
	if len(f.entries) == 0 {
		return 0, 0, nil
	}
	return f.entries[0].ID, f.entries[len(f.entries)-1].ID, nil
}

func (f *fakeReader) NextID(_ context.Context, from int64) (int64, error) {
	for _, e := range f.entries {
		if e.ID >= from {
			return e.ID, nil
		}
	}
	return 0, nil
}

// chain builds a well-formed ledger of n entries.
func chain(n int) []ledger.Entry {
	entries := make([]ledger.Entry, 0, n)
	prev := ledger.GenesisHash
	for i := 1; i <= n; i++ {
		e := ledger.Entry{
			ID:        int64(i),
			Timestamp: fmt.Sprintf("2026-08-01T10:00:%02dZ", i),
			ActorID:   "u-17",
			Action:    ledger.ActionEntityUpdate,
			Details:   json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			PrevHash:  prev,
		}
		e.Hash = ledger.ComputeHash(e)
		prev = e.Hash
		entries = append(entries, e)
	}
	return entries
}

// drop removes the entry with the given id.
func drop(entries []ledger.Entry, id int64) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range entries {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

func TestVerifyAll_ValidChain(t *testing.T) {
	v := New(&fakeReader{entries: chain(5)}, 0)

	result, err := v.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Errorf("intact chain should be valid, invalid ids: %v", result.InvalidIDs)
	}
	if result.EntriesChecked != 5 {
		t.Errorf("expected 5 entries checked, got %d", result.EntriesChecked)
	}
	if result.CheckedFrom != 1 || result.CheckedTo != 5 {
		t.Errorf("expected range [1,5], got [%d,%d]", result.CheckedFrom, result.CheckedTo)
	}
}

func TestVerifyAll_EmptyLedger(t *testing.T) {
	v := New(&fakeReader{}, 0)

	result, err := v.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Error("empty ledger should be valid")
	}
	if result.TotalEntries != 0 || result.EntriesChecked != 0 {
		t.Errorf("empty ledger should check nothing, got total=%d checked=%d",
			result.TotalEntries, result.EntriesChecked)
	}
}

func TestVerifyAll_TamperedDetails(t *testing.T) {
	// Three entries; flip the middle one's details without re-hashing.
	// The middle entry itself is the earliest divergence.
	entries := chain(3)
	entries[1].Details = json.RawMessage(`{"n":99}`)

	v := New(&fakeReader{entries: entries}, 0)
	result, err := v.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("tampered chain should be invalid")
	}
	if result.FirstInvalidID() != 2 {
		t.Errorf("first invalid id should be 2, got %d", result.FirstInvalidID())
	}
}

func TestVerifyAll_TamperedAndRehashed(t *testing.T) {
	// Tamper entry 2 AND recompute its hash. Entry 2 now verifies in
	// isolation, but entry 3's prev_hash no longer matches — the
	// earliest detectable divergence moves to 3.
	entries := chain(4)
	entries[1].Details = json.RawMessage(`{"n":99}`)
	entries[1].Hash = ledger.ComputeHash(entries[1])

	v := New(&fakeReader{entries: entries}, 0)
	result, err := v.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("re-hashed tamper should still be detected")
	}
	if result.FirstInvalidID() != 3 {
		t.Errorf("first invalid id should be 3, got %d", result.FirstInvalidID())
	}
}

func TestVerifyAll_Gap(t *testing.T) {
	// Deleting entry 3 leaves a hole in the id sequence. The missing id
	// is the divergence point; entries after the gap that are internally
	// consistent are not re-flagged... except entry 4, whose inbound
	// link has no predecessor row to anchor on, goes unchecked.
	entries := drop(chain(5), 3)

	v := New(&fakeReader{entries: entries}, 0)
	result, err := v.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("chain with a deleted entry should be invalid")
	}
	if !reflect.DeepEqual(result.InvalidIDs, []int64{3}) {
		t.Errorf("expected invalid ids [3], got %v", result.InvalidIDs)
	}
	// The gap itself is not a checked entry.
	if result.EntriesChecked != 4 {
		t.Errorf("expected 4 entries checked, got %d", result.EntriesChecked)
	}
}

func TestVerifyAll_HeadTruncated(t *testing.T) {
	// Physically deleting the head of the log (ids 1 and 2) is tampering
	// too: the chain starts at 1 by construction.
	entries := drop(drop(chain(4), 1), 2)

	v := New(&fakeReader{entries: entries}, 0)
	result, err := v.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("head-truncated chain should be invalid")
	}
	if result.FirstInvalidID() != 1 {
		t.Errorf("first invalid id should be 1, got %d", result.FirstInvalidID())
	}
}

func TestVerifyAll_MultipleBreaks(t *testing.T) {
	// Two independent tampers are each listed once, earliest first.
	entries := chain(10)
	entries[2].ActorID = "intruder" // id 3, no rehash
	entries[7].ActorID = "intruder" // id 8, no rehash

	v := New(&fakeReader{entries: entries}, 0)
	result, err := v.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !reflect.DeepEqual(result.InvalidIDs, []int64{3, 8}) {
		t.Errorf("expected invalid ids [3, 8], got %v", result.InvalidIDs)
	}
}

func TestVerifyAll_SmallChunks(t *testing.T) {
	// A chunk size smaller than the ledger forces cross-chunk linkage
	// checks through the predecessor row.
	v := New(&fakeReader{entries: chain(7)}, 2)

	result, err := v.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Errorf("intact chain should verify across chunk boundaries, invalid: %v", result.InvalidIDs)
	}
	if result.EntriesChecked != 7 {
		t.Errorf("expected 7 entries checked, got %d", result.EntriesChecked)
	}
}

func TestVerifyAll_Idempotent(t *testing.T) {
	entries := chain(6)
	entries[3].Details = json.RawMessage(`{"n":0}`)

	v := New(&fakeReader{entries: entries}, 2)
	first, err := v.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("first verify: %v", err)
	}
	second, err := v.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated scans should agree:\n%+v\n%+v", first, second)
	}
}

func TestVerifyAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := New(&fakeReader{entries: chain(5)}, 1)
	_, err := v.VerifyAll(ctx)
	if err == nil {
		t.Fatal("cancelled scan should return an error")
	}
}

func TestVerifyRange_Subrange(t *testing.T) {
	entries := chain(5)
	v := New(&fakeReader{entries: entries}, 0)

	result, err := v.VerifyRange(context.Background(), 3, 5)
	if err != nil {
		t.Fatalf("verify range: %v", err)
	}
	if !result.Valid {
		t.Errorf("intact subrange should be valid, first invalid %d", result.FirstInvalidID)
	}
	if result.EntriesChecked != 3 {
		t.Errorf("expected 3 entries checked, got %d", result.EntriesChecked)
	}
	if len(result.Entries) != 3 || result.Entries[0].ID != 3 {
		t.Errorf("verified entries should cover [3,5], got %d entries", len(result.Entries))
	}
}

func TestVerifyRange_BoundaryLink(t *testing.T) {
	// The first entry of a subrange is checked against its real
	// predecessor: tampering entry 2 and re-hashing it breaks entry 3's
	// inbound link even when the scan starts at 3.
	entries := chain(5)
	entries[1].ActorID = "intruder"
	entries[1].Hash = ledger.ComputeHash(entries[1])

	v := New(&fakeReader{entries: entries}, 0)
	result, err := v.VerifyRange(context.Background(), 3, 5)
	if err != nil {
		t.Fatalf("verify range: %v", err)
	}
	if result.Valid {
		t.Fatal("subrange starting after a re-hashed tamper should fail its boundary link")
	}
	if result.FirstInvalidID != 3 {
		t.Errorf("first invalid id should be 3, got %d", result.FirstInvalidID)
	}
}

func TestVerifyRange_TailGap(t *testing.T) {
	// Ids missing off the end of the requested range are a gap when the
	// ledger continues past them.
	entries := drop(drop(chain(6), 4), 5)

	v := New(&fakeReader{entries: entries}, 0)
	result, err := v.VerifyRange(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("verify range: %v", err)
	}
	if result.Valid {
		t.Fatal("range ending in a gap should be invalid")
	}
	if result.FirstInvalidID != 4 {
		t.Errorf("first invalid id should be 4, got %d", result.FirstInvalidID)
	}
}

// appendingReader serves an intact chain and commits one more valid
// entry immediately after a range is loaded, like a producer appending
// while a scan runs.
type appendingReader struct {
	fakeReader
	grown bool
}

func (r *appendingReader) GetRange(ctx context.Context, start, end int64) ([]ledger.Entry, error) {
	out, err := r.fakeReader.GetRange(ctx, start, end)
	if !r.grown {
		r.grown = true
		tail := r.entries[len(r.entries)-1]
		next := ledger.Entry{
			ID:        tail.ID + 1,
			Timestamp: "2026-08-01T10:01:00Z",
			ActorID:   "u-17",
			Action:    ledger.ActionEntityUpdate,
			PrevHash:  tail.Hash,
		}
		next.Hash = ledger.ComputeHash(next)
		r.entries = append(r.entries, next)
	}
	return out, err
}

func TestVerifyRange_AppendDuringScan(t *testing.T) {
	// An entry committed after the range is loaded must read as "the
	// ledger ends here", never as a gap: the scan does not vouch for
	// ids past the tail it observed up front.
	r := &appendingReader{fakeReader: fakeReader{entries: chain(3)}}

	v := New(r, 0)
	result, err := v.VerifyRange(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("verify range: %v", err)
	}
	if !result.Valid {
		t.Errorf("append during a scan must not invalidate it, first invalid %d", result.FirstInvalidID)
	}
	if result.EntriesChecked != 3 {
		t.Errorf("expected 3 entries checked, got %d", result.EntriesChecked)
	}
}

func TestVerifyRange_PastLedgerEnd(t *testing.T) {
	// A range reaching past the tail of the ledger is not tampering —
	// the ledger simply ends.
	v := New(&fakeReader{entries: chain(3)}, 0)

	result, err := v.VerifyRange(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("verify range: %v", err)
	}
	if !result.Valid {
		t.Errorf("range past the ledger tail should be valid, first invalid %d", result.FirstInvalidID)
	}
	if result.EntriesChecked != 3 {
		t.Errorf("expected 3 entries checked, got %d", result.EntriesChecked)
	}
}

func TestVerifyRange_InvalidArgs(t *testing.T) {
	v := New(&fakeReader{entries: chain(3)}, 0)

	if _, err := v.VerifyRange(context.Background(), 0, 3); err == nil {
		t.Error("start below 1 should be rejected")
	}
	if _, err := v.VerifyRange(context.Background(), 3, 2); err == nil {
		t.Error("end before start should be rejected")
	}
}
