package tunnel

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"

	"github.com/gravitational/trace"
)

// ProofVersion is the only binary encoding version currently accepted
// (original_source/packages/crab_city_auth/src/identity_proof.rs).
const ProofVersion = 0x01

// MaxRelatedKeys bounds the related-key list so a hostile peer cannot force
// an unbounded allocation while parsing a proof.
const MaxRelatedKeys = 256

// IdentityProof is a self-issued proof binding a user's signing key to a
// specific host instance, so the host can verify a remote Authenticate
// request without a prior out-of-band exchange (spec.md §4.5).
type IdentityProof struct {
	Version        byte
	Subject        ed25519.PublicKey
	Instance       ed25519.PublicKey
	RelatedKeys    []ed25519.PublicKey
	RegistryHandle string // empty means absent
	HasHandle      bool
	Timestamp      uint64
	Signature      []byte
}

// SignIdentityProof signs a new proof binding signingKey to instance.
func SignIdentityProof(signingKey ed25519.PrivateKey, instance ed25519.PublicKey, relatedKeys []ed25519.PublicKey, handle string, hasHandle bool, timestamp uint64) IdentityProof {
	subject := signingKey.Public().(ed25519.PublicKey)
	msg := identityProofSigningMessage(subject, instance, relatedKeys, handle, hasHandle, timestamp)
	return IdentityProof{
		Version:        ProofVersion,
		Subject:        subject,
		Instance:       instance,
		RelatedKeys:    relatedKeys,
		RegistryHandle: handle,
		HasHandle:      hasHandle,
		Timestamp:      timestamp,
		Signature:      ed25519.Sign(signingKey, msg),
	}
}

// Verify checks the proof's signature against its own embedded subject key.
// A host additionally checks the returned claims' Instance against its own
// public key before trusting the proof (spec.md §4.5).
func (p IdentityProof) Verify() error {
	if p.Version != ProofVersion {
		return trace.BadParameter("unsupported identity proof version %d", p.Version)
	}
	msg := identityProofSigningMessage(p.Subject, p.Instance, p.RelatedKeys, p.RegistryHandle, p.HasHandle, p.Timestamp)
	if !ed25519.Verify(p.Subject, msg, p.Signature) {
		return trace.AccessDenied("identity proof signature verification failed")
	}
	return nil
}

// identityProofSigningMessage builds the exact byte layout
// identity_proof.rs's signing_message produces: version || subject ||
// instance || related_key_count_be || related_keys || handle_presence ||
// [handle_len_be || handle_utf8] || timestamp_be.
func identityProofSigningMessage(subject, instance ed25519.PublicKey, relatedKeys []ed25519.PublicKey, handle string, hasHandle bool, timestamp uint64) []byte {
	msg := make([]byte, 0, 1+32+32+4+len(relatedKeys)*32+1+2+len(handle)+8)
	msg = append(msg, ProofVersion)
	msg = append(msg, subject...)
	msg = append(msg, instance...)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(relatedKeys)))
	msg = append(msg, countBuf[:]...)
	for _, k := range relatedKeys {
		msg = append(msg, k...)
	}

	if hasHandle {
		msg = append(msg, 1)
		var hlenBuf [2]byte
		binary.BigEndian.PutUint16(hlenBuf[:], uint16(len(handle)))
		msg = append(msg, hlenBuf[:]...)
		msg = append(msg, []byte(handle)...)
	} else {
		msg = append(msg, 0)
	}

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], timestamp)
	msg = append(msg, tsBuf[:]...)
	return msg
}

// EncodeIdentityProof produces the compact binary encoding (spec.md §4.5's
// "identity_proof_hex" is this encoding, hex-dumped).
func EncodeIdentityProof(p IdentityProof) []byte {
	buf := make([]byte, 0, 1+32+32+4+len(p.RelatedKeys)*32+1+2+len(p.RegistryHandle)+8+64)
	buf = append(buf, p.Version)
	buf = append(buf, p.Subject...)
	buf = append(buf, p.Instance...)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(p.RelatedKeys)))
	buf = append(buf, countBuf[:]...)
	for _, k := range p.RelatedKeys {
		buf = append(buf, k...)
	}

	if p.HasHandle {
		buf = append(buf, 1)
		var hlenBuf [2]byte
		binary.BigEndian.PutUint16(hlenBuf[:], uint16(len(p.RegistryHandle)))
		buf = append(buf, hlenBuf[:]...)
		buf = append(buf, []byte(p.RegistryHandle)...)
	} else {
		buf = append(buf, 0)
	}

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], p.Timestamp)
	buf = append(buf, tsBuf[:]...)
	buf = append(buf, p.Signature...)
	return buf
}

// DecodeIdentityProof parses the compact binary encoding, enforcing
// MaxRelatedKeys and rejecting truncated input (identity_proof.rs's
// parse_bytes, with ProofParseError collapsed to trace.BadParameter since
// Go callers distinguish failure modes by message, not by a closed enum).
func DecodeIdentityProof(b []byte) (IdentityProof, error) {
	const headerLen = 1 + 32 + 32 + 4
	if len(b) < headerLen {
		return IdentityProof{}, trace.BadParameter("identity proof too short")
	}

	pos := 0
	version := b[pos]
	pos++

	subject := append(ed25519.PublicKey(nil), b[pos:pos+32]...)
	pos += 32
	instance := append(ed25519.PublicKey(nil), b[pos:pos+32]...)
	pos += 32

	keyCount := binary.BigEndian.Uint32(b[pos : pos+4])
	pos += 4
	if keyCount > MaxRelatedKeys {
		return IdentityProof{}, trace.BadParameter("identity proof related key count %d exceeds max %d", keyCount, MaxRelatedKeys)
	}

	if len(b) < pos+int(keyCount)*32+1 {
		return IdentityProof{}, trace.BadParameter("identity proof truncated in related keys")
	}
	relatedKeys := make([]ed25519.PublicKey, 0, keyCount)
	for i := uint32(0); i < keyCount; i++ {
		relatedKeys = append(relatedKeys, append(ed25519.PublicKey(nil), b[pos:pos+32]...))
		pos += 32
	}

	hasHandle := b[pos] == 1
	pos++

	var handle string
	if hasHandle {
		if len(b) < pos+2 {
			return IdentityProof{}, trace.BadParameter("identity proof truncated in handle length")
		}
		handleLen := int(binary.BigEndian.Uint16(b[pos : pos+2]))
		pos += 2
		if len(b) < pos+handleLen {
			return IdentityProof{}, trace.BadParameter("identity proof truncated in handle")
		}
		handle = string(b[pos : pos+handleLen])
		pos += handleLen
	}

	if len(b) < pos+8+ed25519.SignatureSize {
		return IdentityProof{}, trace.BadParameter("identity proof truncated in trailer")
	}
	timestamp := binary.BigEndian.Uint64(b[pos : pos+8])
	pos += 8
	signature := append([]byte(nil), b[pos:pos+ed25519.SignatureSize]...)

	return IdentityProof{
		Version:        version,
		Subject:        subject,
		Instance:       instance,
		RelatedKeys:    relatedKeys,
		RegistryHandle: handle,
		HasHandle:      hasHandle,
		Timestamp:      timestamp,
		Signature:      signature,
	}, nil
}

// IdentityProofToHex is the wire form exchanged in Authenticate messages.
func IdentityProofToHex(p IdentityProof) string {
	return hex.EncodeToString(EncodeIdentityProof(p))
}

// IdentityProofFromHex decodes and verifies a hex-encoded proof in one step.
func IdentityProofFromHex(s string) (IdentityProof, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return IdentityProof{}, trace.Wrap(err, "decoding identity proof hex")
	}
	p, err := DecodeIdentityProof(raw)
	if err != nil {
		return IdentityProof{}, err
	}
	if err := p.Verify(); err != nil {
		return IdentityProof{}, err
	}
	return p, nil
}
