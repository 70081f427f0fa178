package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// GenesisHash is the well-known prev_hash of the first entry. A fixed
// all-zero digest rather than a magic string, so independent
// reimplementations agree on the seed.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// ErrAmbiguousDetails is returned when a details payload does not
// round-trip through canonical JSON. Writing such a payload would
// produce an entry that can never be re-verified, so the append is
// rejected instead (a programming error in the caller).
var ErrAmbiguousDetails = errors.New("details payload has no canonical JSON form")

// hashInput is the canonical serialization of an entry, minus its own
// hash. All fields are concrete types and the struct is marshaled with
// encoding/json, which emits struct fields in declaration order and
// sorts map keys — so the same logical entry always produces the same
// bytes. Do not reorder these fields.
type hashInput struct {
	ID         int64           `json:"id"`
	Timestamp  string          `json:"ts"`
	ActorID    string          `json:"actor_id"`
	ActorName  string          `json:"actor_name"`
	Action     Action          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Details    json.RawMessage `json:"details"`
	PrevHash   string          `json:"prev_hash"`
}

// ComputeHash calculates the SHA-256 hash of an entry from its stored
// fields, prev_hash included. Returns a prefixed digest "sha256:<hex>".
//
// Entry.Details must already be canonical JSON (see CanonicalDetails);
// the raw stored bytes are hashed as-is.
func ComputeHash(e Entry) string {
	details := e.Details
	if len(details) == 0 {
		details = json.RawMessage("null")
	}
	input, err := json.Marshal(hashInput{
		ID:         e.ID,
		Timestamp:  e.Timestamp,
		ActorID:    e.ActorID,
		ActorName:  e.ActorName,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Details:    details,
		PrevHash:   e.PrevHash,
	})
	if err != nil {
		// Only reachable with invalid Details bytes; canonicalization
		// at append time guarantees they are valid JSON.
		return "sha256:invalid"
	}
	sum := sha256.Sum256(input)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// VerifyEntry reports whether an entry's stored hash matches the hash
// recomputed from its stored fields.
func VerifyEntry(e Entry) bool {
	return e.Hash == ComputeHash(e)
}

// CanonicalDetails converts an arbitrary details payload to its canonical
// JSON form: marshal, decode into plain maps/slices, marshal again. The
// second marshal is deterministic (sorted map keys, fixed number
// formatting), and its output is what gets stored and hashed.
//
// Payloads that cannot be marshaled, or whose decoded form does not
// re-marshal to the same bytes, are rejected with ErrAmbiguousDetails.
func CanonicalDetails(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}

	first, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAmbiguousDetails, err)
	}

	var decoded any
	if err := json.Unmarshal(first, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAmbiguousDetails, err)
	}

	canonical, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAmbiguousDetails, err)
	}

	// The canonical form must be a fixed point: decoding and re-encoding
	// it yields the same bytes. Anything else would make the stored
	// entry unverifiable.
	var again any
	if err := json.Unmarshal(canonical, &again); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAmbiguousDetails, err)
	}
	second, err := json.Marshal(again)
	if err != nil || !bytes.Equal(canonical, second) {
		return nil, ErrAmbiguousDetails
	}

	return canonical, nil
}
