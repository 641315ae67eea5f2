package tunnel

import (
	"context"
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	types "github.com/gravitational/teleport/api/types"
)

type fakeDispatcher struct {
	lastAccountKey string
	lastMsg        ClientMessage
	response       *ServerMessage
	err            error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, accountKey string, msg ClientMessage) (*ServerMessage, error) {
	d.lastAccountKey = accountKey
	d.lastMsg = msg
	return d.response, d.err
}

func newTestServer(t *testing.T, store FederationStore, dispatcher Dispatcher) (*Server, ed25519.PublicKey) {
	t.Helper()
	hostPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return NewServer("Host Instance", hostPub, store, dispatcher), hostPub
}

func runServeStream(s *Server, conn net.Conn) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.serveStream(context.Background(), conn)
	}()
	return done
}

func TestServeStreamHelloWelcomeHandshake(t *testing.T) {
	store := &fakeFederationStore{accounts: map[string]types.FederatedAccount{}}
	s, _ := newTestServer(t, store, &fakeDispatcher{})

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	done := runServeStream(s, serverConn)

	require.NoError(t, WriteTunnelClientMessage(clientConn, NewHello("Remote Lab")))
	welcome, err := ReadTunnelServerMessage(clientConn)
	require.NoError(t, err)
	require.NotNil(t, welcome)
	require.Equal(t, TunnelServerWelcome, welcome.TunnelType)
	require.Equal(t, "Host Instance", welcome.InstanceName)

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serveStream did not return after client closed")
	}
}

func TestServeStreamAuthenticateThenAuthorizedUserMessage(t *testing.T) {
	hostPriv := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	hostPub := hostPriv.Public().(ed25519.PublicKey)
	_, userPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	store := &fakeFederationStore{accounts: map[string]types.FederatedAccount{
		"alice-key": {
			AccountKey:   "alice-key",
			AccessRights: types.AccessRights{{Type: "Focus", Actions: []string{"read"}}},
			Capability:   types.CapabilityCollaborate,
			State:        types.MembershipActive,
		},
	}}
	dispatcher := &fakeDispatcher{response: &ServerMessage{Type: "Ack"}}
	s := NewServer("Host Instance", hostPub, store, dispatcher)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	done := runServeStream(s, serverConn)

	require.NoError(t, WriteTunnelClientMessage(clientConn, NewHello("Remote Lab")))
	_, err = ReadTunnelServerMessage(clientConn)
	require.NoError(t, err)

	proof := SignIdentityProof(userPriv, hostPub, nil, "", false, 1)
	require.NoError(t, WriteTunnelClientMessage(clientConn, NewAuthenticate("alice-key", "Alice", IdentityProofToHex(proof))))
	authResult, err := ReadTunnelServerMessage(clientConn)
	require.NoError(t, err)
	require.NotNil(t, authResult)
	require.Nil(t, authResult.Error)
	require.Equal(t, "collaborate", *authResult.Capability)

	require.NoError(t, WriteTunnelClientMessage(clientConn, NewClientUserMessage("alice-key", ClientMessage{Type: "Focus", InstanceID: "inst-1"})))
	reply, err := ReadTunnelServerMessage(clientConn)
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.Equal(t, TunnelServerUserMessage, reply.TunnelType)
	require.Equal(t, "Ack", reply.Message.Type)
	require.Equal(t, "alice-key", dispatcher.lastAccountKey)
	require.Equal(t, "inst-1", dispatcher.lastMsg.InstanceID)

	clientConn.Close()
	<-done
}

func TestServeStreamDropsUnauthorizedUserMessage(t *testing.T) {
	hostPriv := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	hostPub := hostPriv.Public().(ed25519.PublicKey)
	_, userPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	store := &fakeFederationStore{accounts: map[string]types.FederatedAccount{
		"bob-key": {
			AccountKey:   "bob-key",
			AccessRights: types.AccessRights{{Type: "Other", Actions: []string{"read"}}},
			Capability:   types.CapabilityView,
			State:        types.MembershipActive,
		},
	}}
	dispatcher := &fakeDispatcher{response: &ServerMessage{Type: "Ack"}}
	s := NewServer("Host Instance", hostPub, store, dispatcher)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	done := runServeStream(s, serverConn)

	require.NoError(t, WriteTunnelClientMessage(clientConn, NewHello("Remote Lab")))
	_, err = ReadTunnelServerMessage(clientConn)
	require.NoError(t, err)

	proof := SignIdentityProof(userPriv, hostPub, nil, "", false, 1)
	require.NoError(t, WriteTunnelClientMessage(clientConn, NewAuthenticate("bob-key", "Bob", IdentityProofToHex(proof))))
	_, err = ReadTunnelServerMessage(clientConn)
	require.NoError(t, err)

	require.NoError(t, WriteTunnelClientMessage(clientConn, NewClientUserMessage("bob-key", ClientMessage{Type: "Focus", InstanceID: "inst-1"})))

	// Server drops the unauthorized message silently. net.Pipe is unbuffered,
	// so this write returns only after serveStream has read UserDisconnected,
	// which it does only after handling the Focus message: by then the
	// dispatcher must still not have been called.
	require.NoError(t, WriteTunnelClientMessage(clientConn, NewUserDisconnected("bob-key")))
	require.Empty(t, dispatcher.lastAccountKey)

	clientConn.Close()
	<-done
}

func TestServeStreamUnknownTunnelTypeSendsGoodbye(t *testing.T) {
	store := &fakeFederationStore{accounts: map[string]types.FederatedAccount{}}
	s, _ := newTestServer(t, store, &fakeDispatcher{})

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	done := runServeStream(s, serverConn)

	require.NoError(t, WriteTunnelClientMessage(clientConn, NewHello("Remote Lab")))
	_, err := ReadTunnelServerMessage(clientConn)
	require.NoError(t, err)

	require.NoError(t, WriteTunnelClientMessage(clientConn, TunnelClientMessage{TunnelType: "Bogus"}))
	goodbye, err := ReadTunnelServerMessage(clientConn)
	require.NoError(t, err)
	require.NotNil(t, goodbye)
	require.Equal(t, TunnelServerGoodbye, goodbye.TunnelType)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("serveStream did not return after sending Goodbye")
	}
}

func TestServeStreamRejectsNonHelloFirstMessage(t *testing.T) {
	store := &fakeFederationStore{accounts: map[string]types.FederatedAccount{}}
	s, _ := newTestServer(t, store, &fakeDispatcher{})

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	done := runServeStream(s, serverConn)

	require.NoError(t, WriteTunnelClientMessage(clientConn, NewUserDisconnected("nobody")))
	goodbye, err := ReadTunnelServerMessage(clientConn)
	require.NoError(t, err)
	require.NotNil(t, goodbye)
	require.Equal(t, TunnelServerGoodbye, goodbye.TunnelType)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("serveStream did not return after rejecting non-Hello first message")
	}
}
