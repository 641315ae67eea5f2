package tunnel

import (
	"context"
	"crypto/tls"

	"github.com/gravitational/trace"
	"github.com/quic-go/quic-go"
)

// Client is the home-instance side of a federation tunnel: it dials a host,
// sends Hello, and authenticates each local user that wants to reach the
// remote instance (spec.md §4.5, "client = home").
type Client struct {
	conn   quic.Connection
	stream quic.Stream
}

// Dial opens a QUIC connection and bidirectional stream to a host instance
// at addr and completes the Hello/Welcome handshake.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, instanceName string) (*Client, error) {
	conn, err := quic.DialAddrContext(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, trace.Wrap(err, "dialing tunnel host %s", addr)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, trace.Wrap(err, "opening tunnel stream to %s", addr)
	}

	if err := WriteTunnelClientMessage(stream, NewHello(instanceName)); err != nil {
		return nil, err
	}
	welcome, err := ReadTunnelServerMessage(stream)
	if err != nil {
		return nil, err
	}
	if welcome == nil || welcome.TunnelType != TunnelServerWelcome {
		return nil, trace.ConnectionProblem(nil, "tunnel host %s did not send Welcome", addr)
	}

	return &Client{conn: conn, stream: stream}, nil
}

// Authenticate sends an Authenticate message for one local user and waits
// for the corresponding AuthResult.
func (c *Client) Authenticate(accountKey, displayName, identityProofHex string) (TunnelServerMessage, error) {
	if err := WriteTunnelClientMessage(c.stream, NewAuthenticate(accountKey, displayName, identityProofHex)); err != nil {
		return TunnelServerMessage{}, err
	}
	resp, err := ReadTunnelServerMessage(c.stream)
	if err != nil {
		return TunnelServerMessage{}, err
	}
	if resp == nil || resp.TunnelType != TunnelServerAuthResult {
		return TunnelServerMessage{}, trace.ConnectionProblem(nil, "tunnel host did not send AuthResult")
	}
	return *resp, nil
}

// SendUserMessage relays one local user's ClientMessage to the host.
func (c *Client) SendUserMessage(accountKey string, msg ClientMessage) error {
	return WriteTunnelClientMessage(c.stream, NewClientUserMessage(accountKey, msg))
}

// Disconnect informs the host a local user left.
func (c *Client) Disconnect(accountKey string) error {
	return WriteTunnelClientMessage(c.stream, NewUserDisconnected(accountKey))
}

// Next reads the next server-originated message, or (nil, nil) on clean
// tunnel close.
func (c *Client) Next() (*TunnelServerMessage, error) {
	return ReadTunnelServerMessage(c.stream)
}

// Close tears down the tunnel stream and connection.
func (c *Client) Close() error {
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "closing")
}
