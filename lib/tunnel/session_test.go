package tunnel

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	types "github.com/gravitational/teleport/api/types"
)

type fakeFederationStore struct {
	accounts map[string]types.FederatedAccount
}

func (f *fakeFederationStore) FederatedAccountByKey(accountKey string) (types.FederatedAccount, bool, error) {
	a, ok := f.accounts[accountKey]
	return a, ok, nil
}

func TestSessionAuthenticateGrantsAccessForActiveAccount(t *testing.T) {
	hostPub, hostPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, userPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	store := &fakeFederationStore{accounts: map[string]types.FederatedAccount{
		"alice-key": {
			AccountKey:   "alice-key",
			AccessRights: types.AccessRights{{Type: "terminals", Actions: []string{"read"}}},
			Capability:   types.CapabilityView,
			State:        types.MembershipActive,
		},
	}}

	proof := SignIdentityProof(userPriv, hostPub, nil, "", false, 1)
	session := NewSession(hostPub, store)

	uc, result := session.Authenticate(TunnelClientMessage{
		TunnelType:    TunnelClientAuthenticate,
		AccountKey:    "alice-key",
		DisplayName:   "Alice",
		IdentityProof: IdentityProofToHex(proof),
	})

	require.Nil(t, result.Error)
	require.Equal(t, "alice-key", uc.AccountKey)
	require.NoError(t, session.Authorize("alice-key", "terminals", "read"))
	_ = hostPriv
}

func TestSessionAuthenticateRejectsSuspendedAccount(t *testing.T) {
	hostPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, userPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	store := &fakeFederationStore{accounts: map[string]types.FederatedAccount{
		"bob-key": {AccountKey: "bob-key", State: types.MembershipSuspended},
	}}

	proof := SignIdentityProof(userPriv, hostPub, nil, "", false, 1)
	session := NewSession(hostPub, store)

	_, result := session.Authenticate(TunnelClientMessage{
		AccountKey:    "bob-key",
		IdentityProof: IdentityProofToHex(proof),
	})
	require.NotNil(t, result.Error)
}

func TestSessionAuthenticateRejectsUnknownAccount(t *testing.T) {
	hostPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, userPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	store := &fakeFederationStore{accounts: map[string]types.FederatedAccount{}}
	proof := SignIdentityProof(userPriv, hostPub, nil, "", false, 1)
	session := NewSession(hostPub, store)

	_, result := session.Authenticate(TunnelClientMessage{
		AccountKey:    "nobody",
		IdentityProof: IdentityProofToHex(proof),
	})
	require.NotNil(t, result.Error)
	require.Contains(t, *result.Error, "no federated account")
}

func TestSessionAuthenticateRejectsProofForWrongHost(t *testing.T) {
	hostPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherHostPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, userPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	store := &fakeFederationStore{accounts: map[string]types.FederatedAccount{
		"alice-key": {AccountKey: "alice-key", State: types.MembershipActive},
	}}

	proof := SignIdentityProof(userPriv, otherHostPub, nil, "", false, 1)
	session := NewSession(hostPub, store)

	_, result := session.Authenticate(TunnelClientMessage{
		AccountKey:    "alice-key",
		IdentityProof: IdentityProofToHex(proof),
	})
	require.NotNil(t, result.Error)
}

func TestSessionAuthorizeDeniesUnauthenticatedAccount(t *testing.T) {
	hostPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	session := NewSession(hostPub, &fakeFederationStore{accounts: map[string]types.FederatedAccount{}})

	require.Error(t, session.Authorize("ghost", "terminals", "read"))
}

func TestSessionDisconnectRevokesAuthorization(t *testing.T) {
	hostPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, userPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	store := &fakeFederationStore{accounts: map[string]types.FederatedAccount{
		"alice-key": {
			AccountKey:   "alice-key",
			AccessRights: types.AccessRights{{Type: "terminals", Actions: []string{"read"}}},
			State:        types.MembershipActive,
		},
	}}
	proof := SignIdentityProof(userPriv, hostPub, nil, "", false, 1)
	session := NewSession(hostPub, store)
	_, _ = session.Authenticate(TunnelClientMessage{AccountKey: "alice-key", IdentityProof: IdentityProofToHex(proof)})
	require.NoError(t, session.Authorize("alice-key", "terminals", "read"))

	session.Disconnect("alice-key")
	require.Error(t, session.Authorize("alice-key", "terminals", "read"))
}
