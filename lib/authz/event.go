package authz

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gravitational/trace"
	"github.com/google/uuid"

	types "github.com/gravitational/teleport/api/types"
)

// CanonicalJSON recursively sorts object keys before serializing, so the
// hash chain's input is independent of Go map/struct field iteration order
// (spec.md §4.6, §9: "canonical JSON is load-bearing"). Grounded on
// original_source/packages/crab_city_auth/src/event.rs's canonicalize_json,
// cross-checked against the independent technique in
// peakyragnar-subluminal/pkg/canonical/canonical.go (not copied — that repo
// was not chosen as teacher).
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, trace.Wrap(err)
	}
	return canonicalize(generic), nil
}

func canonicalize(v any) []byte {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, canonicalize(val[k])...)
		}
		out = append(out, '}')
		return out
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, canonicalize(item)...)
		}
		out = append(out, ']')
		return out
	default:
		b, _ := json.Marshal(val)
		return b
	}
}

// GenesisPrevHash returns SHA-256(instancePubKey), the prev_hash anchor for
// the first event in an instance's chain (spec.md §3).
func GenesisPrevHash(instancePubKey []byte) string {
	sum := sha256.Sum256(instancePubKey)
	return fmt.Sprintf("%x", sum)
}

// ComputeHash implements spec.md §3's hash formula:
// SHA-256(id || prev_hash || event_type || tagged(actor) || tagged(target)
// || canonical_json(payload) || created_at_be).
func ComputeHash(id, prevHash, eventType, actor, target string, payload map[string]any, createdAtUnixNano int64) (string, error) {
	canon, err := CanonicalJSON(payload)
	if err != nil {
		return "", trace.Wrap(err)
	}
	h := sha256.New()
	h.Write([]byte(id))
	h.Write([]byte(prevHash))
	h.Write([]byte(eventType))
	h.Write(taggedBytes(actor))
	h.Write(taggedBytes(target))
	h.Write(canon)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(createdAtUnixNano))
	h.Write(tsBuf[:])
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// taggedBytes encodes an optional string field as a presence tag byte
// followed by its bytes, after the original's Option<T> tagging. The empty
// string is treated as absent (tag 0 alone), so "absent" and "present but
// empty" hash the same.
func taggedBytes(s string) []byte {
	if s == "" {
		return []byte{0}
	}
	return append([]byte{1}, []byte(s)...)
}

// NewEvent builds and hashes the next event in a chain, given the current
// head's hash — or the genesis prev_hash if this is the first event.
func NewEvent(prevHash, eventType, actor, target string, payload map[string]any, createdAtUnixNano int64) (types.AuditEvent, error) {
	id := uuid.NewString()
	hash, err := ComputeHash(id, prevHash, eventType, actor, target, payload, createdAtUnixNano)
	if err != nil {
		return types.AuditEvent{}, trace.Wrap(err)
	}
	return types.AuditEvent{
		ID:        id,
		PrevHash:  prevHash,
		EventType: eventType,
		Actor:     actor,
		Target:    target,
		Payload:   payload,
		Hash:      hash,
	}, nil
}

// VerifyHash recomputes e's hash from its fields and reports whether it
// matches the stored hash.
func VerifyHash(e types.AuditEvent, createdAtUnixNano int64) (bool, error) {
	hash, err := ComputeHash(e.ID, e.PrevHash, e.EventType, e.Actor, e.Target, e.Payload, createdAtUnixNano)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return hash == e.Hash, nil
}

// ChainErrorKind distinguishes the two ways verify_chain can fail.
type ChainErrorKind int

const (
	ChainErrorNone ChainErrorKind = iota
	ChainErrorBrokenLink
	ChainErrorHashMismatch
)

// ChainError reports which event id broke the chain and how.
type ChainError struct {
	Kind ChainErrorKind
	ID   string
}

func (e *ChainError) Error() string {
	switch e.Kind {
	case ChainErrorBrokenLink:
		return fmt.Sprintf("broken link at event %s", e.ID)
	case ChainErrorHashMismatch:
		return fmt.Sprintf("hash mismatch at event %s", e.ID)
	default:
		return "no chain error"
	}
}

// VerifyChain checks that events (in append order) form an unbroken hash
// chain anchored at genesisPrevHash, verifying both the prev_hash linkage
// and the recomputed hash of each event. createdAtNanos must align
// index-for-index with events. Returns the count verified on success.
func VerifyChain(events []types.AuditEvent, createdAtNanos []int64, genesisPrevHash string) (int, error) {
	expectedPrev := genesisPrevHash
	for i, e := range events {
		if e.PrevHash != expectedPrev {
			return i, &ChainError{Kind: ChainErrorBrokenLink, ID: e.ID}
		}
		ok, err := VerifyHash(e, createdAtNanos[i])
		if err != nil {
			return i, trace.Wrap(err)
		}
		if !ok {
			return i, &ChainError{Kind: ChainErrorHashMismatch, ID: e.ID}
		}
		expectedPrev = e.Hash
	}
	return len(events), nil
}
