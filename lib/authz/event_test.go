package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	types "github.com/gravitational/teleport/api/types"
)

func buildChain(t *testing.T, n int) ([]types.AuditEvent, []int64, string) {
	t.Helper()
	genesis := GenesisPrevHash([]byte("instance-pubkey"))
	prev := genesis
	var events []types.AuditEvent
	var stamps []int64
	now := time.Now()
	for i := 0; i < n; i++ {
		ts := now.Add(time.Duration(i) * time.Second).UnixNano()
		ev, err := NewEvent(prev, "test.event", "actor-1", "", map[string]any{"n": i}, ts)
		require.NoError(t, err)
		events = append(events, ev)
		stamps = append(stamps, ts)
		prev = ev.Hash
	}
	return events, stamps, genesis
}

func TestHashChainUnbrokenUnderInsertion(t *testing.T) {
	events, stamps, genesis := buildChain(t, 100)
	count, err := VerifyChain(events, stamps, genesis)
	require.NoError(t, err)
	require.Equal(t, 100, count)
}

func TestHashChainDetectsPayloadTamper(t *testing.T) {
	events, stamps, genesis := buildChain(t, 100)
	events[49].Payload = map[string]any{"n": "tampered"}

	_, err := VerifyChain(events, stamps, genesis)
	require.Error(t, err)
	chainErr, ok := err.(*ChainError)
	require.True(t, ok)
	require.Equal(t, ChainErrorHashMismatch, chainErr.Kind)
	require.Equal(t, events[49].ID, chainErr.ID)
}

func TestHashChainDetectsBrokenLink(t *testing.T) {
	events, stamps, genesis := buildChain(t, 10)
	events[5].PrevHash = "not-the-real-prev-hash"

	_, err := VerifyChain(events, stamps, genesis)
	require.Error(t, err)
	chainErr, ok := err.(*ChainError)
	require.True(t, ok)
	require.Equal(t, ChainErrorBrokenLink, chainErr.Kind)
}

func TestCanonicalJSONStableUnderKeyOrder(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2}
	b := map[string]any{"a": 2, "b": 1}

	ca, err := CanonicalJSON(a)
	require.NoError(t, err)
	cb, err := CanonicalJSON(b)
	require.NoError(t, err)
	require.Equal(t, ca, cb)
}

func TestCanonicalJSONNestedObjectsSorted(t *testing.T) {
	a := map[string]any{"outer": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"outer": map[string]any{"y": 2, "z": 1}}

	ca, _ := CanonicalJSON(a)
	cb, _ := CanonicalJSON(b)
	require.Equal(t, ca, cb)
}
