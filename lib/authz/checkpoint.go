package authz

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gravitational/trace"

	types "github.com/gravitational/teleport/api/types"
)

// checkpointSigningPrefix is the byte prefix of the checkpoint signing
// message (the same prefix as original_source/packages/crab_city_auth/src/event.rs's
// signing_message). checkpointSigningMessage builds the message as
// prefix || event id string bytes || chain_head_hash string bytes ||
// created_at as u64 big-endian unix nanoseconds.
const checkpointSigningPrefix = "crab_city_checkpoint_v1:"

func checkpointSigningMessage(eventID, chainHeadHash string, createdAtUnixNano int64) []byte {
	msg := []byte(checkpointSigningPrefix)
	msg = append(msg, []byte(eventID)...)
	msg = append(msg, []byte(chainHeadHash)...)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(createdAtUnixNano))
	msg = append(msg, tsBuf[:]...)
	return msg
}

// CreateCheckpoint signs a checkpoint for the event at eventID whose chain
// head hash is chainHeadHash, using the instance's long-term ed25519 key
// (spec.md §4.6 create_checkpoint).
func CreateCheckpoint(signingKey ed25519.PrivateKey, eventID, chainHeadHash string, createdAt time.Time) types.Checkpoint {
	msg := checkpointSigningMessage(eventID, chainHeadHash, createdAt.UnixNano())
	sig := ed25519.Sign(signingKey, msg)
	return types.Checkpoint{
		EventID:       eventID,
		ChainHeadHash: chainHeadHash,
		Signature:     fmt.Sprintf("%x", sig),
		CreatedAt:     createdAt,
	}
}

// VerifyCheckpoint checks cp's signature against the instance's public key.
func VerifyCheckpoint(pub ed25519.PublicKey, cp types.Checkpoint) error {
	sig, err := hex.DecodeString(cp.Signature)
	if err != nil {
		return trace.Wrap(err, "decoding checkpoint signature")
	}
	msg := checkpointSigningMessage(cp.EventID, cp.ChainHeadHash, cp.CreatedAt.UnixNano())
	if !ed25519.Verify(pub, msg, sig) {
		return trace.AccessDenied("checkpoint signature verification failed")
	}
	return nil
}
