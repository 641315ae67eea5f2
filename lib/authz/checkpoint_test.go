package authz

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckpointSignVerifyRoundtrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cp := CreateCheckpoint(priv, "event-1", "deadbeef", time.Now())
	require.NoError(t, VerifyCheckpoint(pub, cp))
}

func TestCheckpointTamperDetected(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cp := CreateCheckpoint(priv, "event-1", "deadbeef", time.Now())
	cp.ChainHeadHash = "tampered"
	require.Error(t, VerifyCheckpoint(pub, cp))
}
