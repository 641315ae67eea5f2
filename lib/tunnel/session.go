package tunnel

import (
	"crypto/ed25519"
	"sync"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	types "github.com/gravitational/teleport/api/types"
	"github.com/crabcity/crabcity/lib/authz"
)

// FederationStore is the persistence boundary the tunnel needs from
// lib/store: federated-account lookups keyed by the remote user's signing
// public key (spec.md §4.5/§6).
type FederationStore interface {
	FederatedAccountByKey(accountKey string) (types.FederatedAccount, bool, error)
}

// UserContext is what the host remembers about one authenticated user on a
// tunnel: their granted access rights, used to authorize every inbound
// UserMessage before dispatch (spec.md §4.5 Routing).
type UserContext struct {
	AccountKey  string
	DisplayName string
	AccessRights types.AccessRights
	Capability   types.Capability
}

// HasRight reports whether the user's granted rights contain the given
// (type, action) pair.
func (u UserContext) HasRight(typ, action string) bool {
	return authz.Contains(u.AccessRights, typ, action)
}

// Session is the host's per-connection state: `{tunnel_peer_name,
// map<account_key, user_context>}` from spec.md §4.5 Routing.
type Session struct {
	mu          sync.RWMutex
	peerName    string
	hostNodeKey ed25519.PublicKey
	users       map[string]UserContext
	store       FederationStore
	log         log.FieldLogger
}

// NewSession creates a Session for one accepted tunnel connection.
// hostNodeKey is this host's own signing public key, checked against every
// identity proof's Instance field.
func NewSession(hostNodeKey ed25519.PublicKey, store FederationStore) *Session {
	return &Session{
		hostNodeKey: hostNodeKey,
		users:       make(map[string]UserContext),
		store:       store,
		log:         log.WithField("component", "tunnel"),
	}
}

// SetPeerName records the home instance's self-reported name from Hello.
func (s *Session) SetPeerName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerName = name
}

// PeerName returns the recorded peer name.
func (s *Session) PeerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerName
}

// Authenticate implements the host side of spec.md §4.5's Authenticate
// step: decode+verify the identity proof, confirm it targets this host,
// look up the federated account, and reject suspended or missing accounts.
// It never returns both a UserContext and an error.
func (s *Session) Authenticate(msg TunnelClientMessage) (UserContext, TunnelServerMessage) {
	proof, err := IdentityProofFromHex(msg.IdentityProof)
	if err != nil {
		return UserContext{}, NewAuthResultError(msg.AccountKey, "invalid identity proof: "+err.Error())
	}
	if len(proof.Instance) != ed25519.PublicKeySize || string(proof.Instance) != string(s.hostNodeKey) {
		return UserContext{}, NewAuthResultError(msg.AccountKey, "identity proof does not target this host")
	}

	account, found, err := s.store.FederatedAccountByKey(msg.AccountKey)
	if err != nil {
		s.log.WithError(err).Warn("federated account lookup failed")
		return UserContext{}, NewAuthResultError(msg.AccountKey, "lookup failed")
	}
	if !found {
		return UserContext{}, NewAuthResultError(msg.AccountKey, "no federated account")
	}
	if account.State == types.MembershipSuspended || account.State == types.MembershipRemoved {
		return UserContext{}, NewAuthResultError(msg.AccountKey, "account is not active")
	}

	uc := UserContext{
		AccountKey:   msg.AccountKey,
		DisplayName:  msg.DisplayName,
		AccessRights: account.AccessRights,
		Capability:   account.Capability,
	}

	s.mu.Lock()
	s.users[msg.AccountKey] = uc
	s.mu.Unlock()

	capLabel := string(account.Capability)
	return uc, NewAuthResultOK(msg.AccountKey, account.AccessRights, capLabel)
}

// Disconnect drops an authenticated user's authorization slot without
// closing the tunnel (spec.md §4.5 Failure semantics).
func (s *Session) Disconnect(accountKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, accountKey)
}

// Authorize checks whether accountKey is authenticated on this session and
// holds the given (type, action) right, the gate every inbound UserMessage
// passes through before dispatch (spec.md §4.5 Routing).
func (s *Session) Authorize(accountKey, typ, action string) error {
	s.mu.RLock()
	uc, ok := s.users[accountKey]
	s.mu.RUnlock()
	if !ok {
		return trace.AccessDenied("account %s is not authenticated on this tunnel", accountKey)
	}
	if !uc.HasRight(typ, action) {
		return trace.AccessDenied("account %s lacks %s:%s", accountKey, typ, action)
	}
	return nil
}

// Users returns a snapshot of the currently authenticated account keys.
func (s *Session) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.users))
	for k := range s.users {
		out = append(out, k)
	}
	return out
}
