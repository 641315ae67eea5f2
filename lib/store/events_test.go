package store

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	types "github.com/gravitational/teleport/api/types"
	"github.com/crabcity/crabcity/lib/authz"
)

func TestAppendEventChainsFromGenesis(t *testing.T) {
	s := openTestStore(t)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	first, err := s.AppendEvent("inst-1", pub, "instance.created", "alice", "", map[string]any{"n": 1}, time.Now())
	require.NoError(t, err)
	require.Equal(t, authz.GenesisPrevHash(pub), first.PrevHash)

	second, err := s.AppendEvent("inst-1", pub, "member.invited", "alice", "bob", map[string]any{"n": 2}, time.Now())
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.PrevHash)
}

func TestVerifyInstanceChainDetectsTamper(t *testing.T) {
	s := openTestStore(t)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.AppendEvent("inst-1", pub, "tick", "alice", "", map[string]any{"i": i}, time.Now())
		require.NoError(t, err)
	}

	n, err := s.VerifyInstanceChain("inst-1", pub, 1, 5)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	_, err = s.db.Exec(`UPDATE event_log SET canonical_json = ? WHERE instance_id = ? AND seq = ?`, []byte(`{"i":999}`), "inst-1", 3)
	require.NoError(t, err)

	_, err = s.VerifyInstanceChain("inst-1", pub, 1, 5)
	require.Error(t, err)
	var chainErr *authz.ChainError
	require.ErrorAs(t, err, &chainErr)
	require.Equal(t, authz.ChainErrorHashMismatch, chainErr.Kind)
}

func TestEventProofReturnsSmallestCoveringCheckpoint(t *testing.T) {
	s := openTestStore(t)
	hostPub, hostPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var lastID string
	for i := 0; i < 3; i++ {
		ev, err := s.AppendEvent("inst-1", hostPub, "tick", "alice", "", map[string]any{"i": i}, time.Now())
		require.NoError(t, err)
		lastID = ev.ID
	}

	cp := authz.CreateCheckpoint(hostPriv, lastID, "head-hash-placeholder", time.Now())
	require.NoError(t, s.InsertCheckpoint(types.Checkpoint{
		EventID:       cp.EventID,
		ChainHeadHash: cp.ChainHeadHash,
		Signature:     cp.Signature,
		CreatedAt:     cp.CreatedAt,
	}))

	ev, gotCP, err := s.EventProof("inst-1", lastID)
	require.NoError(t, err)
	require.Equal(t, lastID, ev.ID)
	require.Equal(t, lastID, gotCP.EventID)
}

func TestEventProofNotFoundWithoutCheckpoint(t *testing.T) {
	s := openTestStore(t)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	ev, err := s.AppendEvent("inst-1", pub, "tick", "alice", "", map[string]any{}, time.Now())
	require.NoError(t, err)

	_, _, err = s.EventProof("inst-1", ev.ID)
	require.Error(t, err)
}
