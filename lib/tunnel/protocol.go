package tunnel

import (
	"encoding/json"
	"io"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	types "github.com/gravitational/teleport/api/types"
)

// Tunnel message kinds (the "tunnel_type" tag), carried on
// TunnelClientMessage/TunnelServerMessage — never "type", which is reserved
// for the per-user application messages they wrap (spec.md §4.5).
const (
	TunnelClientHello            = "Hello"
	TunnelClientAuthenticate     = "Authenticate"
	TunnelClientUserMessage      = "UserMessage"
	TunnelClientUserDisconnected = "UserDisconnected"
	TunnelClientRequestInstances = "RequestInstances"

	TunnelServerWelcome    = "Welcome"
	TunnelServerAuthResult = "AuthResult"
	TunnelServerUserMessage = "UserMessage"
	TunnelServerGoodbye    = "Goodbye"
)

// ClientMessage is the per-user application message the tunnel relays,
// standing in for the HTTP/WebSocket layer's own schema (out of scope per
// spec.md §1); it carries the "type" tag the distinctness invariant is
// checked against.
type ClientMessage struct {
	Type       string          `json:"type"`
	InstanceID string          `json:"instance_id,omitempty"`
	SinceUUID  string          `json:"since_uuid,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is the per-user application message the host forwards back.
type ServerMessage struct {
	Type      string          `json:"type"`
	Instances []types.Instance `json:"instances,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TunnelClientMessage is every message the connecting (home) instance may
// send, internally tagged by TunnelType, mirroring
// interconnect::protocol::TunnelClientMessage's serde(tag = "tunnel_type").
type TunnelClientMessage struct {
	TunnelType string `json:"tunnel_type"`

	InstanceName   string         `json:"instance_name,omitempty"`
	AccountKey     string         `json:"account_key,omitempty"`
	DisplayName    string         `json:"display_name,omitempty"`
	IdentityProof  string         `json:"identity_proof,omitempty"`
	Message        *ClientMessage `json:"message,omitempty"`
}

// NewHello builds the first message a home instance sends.
func NewHello(instanceName string) TunnelClientMessage {
	return TunnelClientMessage{TunnelType: TunnelClientHello, InstanceName: instanceName}
}

// NewAuthenticate builds an Authenticate message for one user.
func NewAuthenticate(accountKey, displayName, identityProofHex string) TunnelClientMessage {
	return TunnelClientMessage{
		TunnelType:    TunnelClientAuthenticate,
		AccountKey:    accountKey,
		DisplayName:   displayName,
		IdentityProof: identityProofHex,
	}
}

// NewClientUserMessage wraps a per-user ClientMessage for relay.
func NewClientUserMessage(accountKey string, msg ClientMessage) TunnelClientMessage {
	return TunnelClientMessage{TunnelType: TunnelClientUserMessage, AccountKey: accountKey, Message: &msg}
}

// NewUserDisconnected informs the host a user left the home instance.
func NewUserDisconnected(accountKey string) TunnelClientMessage {
	return TunnelClientMessage{TunnelType: TunnelClientUserDisconnected, AccountKey: accountKey}
}

// NewRequestInstances asks the host for its current instance list without
// per-user authentication.
func NewRequestInstances() TunnelClientMessage {
	return TunnelClientMessage{TunnelType: TunnelClientRequestInstances}
}

// TunnelServerMessage is every message the host instance may send back,
// mirroring TunnelServerMessage's serde(tag = "tunnel_type").
type TunnelServerMessage struct {
	TunnelType string `json:"tunnel_type"`

	InstanceName string             `json:"instance_name,omitempty"`
	AccountKey   *string            `json:"account_key,omitempty"`
	Access       types.AccessRights `json:"access,omitempty"`
	Capability   *string            `json:"capability,omitempty"`
	Error        *string            `json:"error,omitempty"`
	Message      *ServerMessage     `json:"message,omitempty"`
	Reason       string             `json:"reason,omitempty"`
}

// NewWelcome responds to Hello.
func NewWelcome(instanceName string) TunnelServerMessage {
	return TunnelServerMessage{TunnelType: TunnelServerWelcome, InstanceName: instanceName}
}

// NewAuthResultOK grants access; error and capability are never both set
// (spec.md §4.5).
func NewAuthResultOK(accountKey string, access types.AccessRights, capability string) TunnelServerMessage {
	ak, cap := accountKey, capability
	return TunnelServerMessage{TunnelType: TunnelServerAuthResult, AccountKey: &ak, Access: access, Capability: &cap}
}

// NewAuthResultError denies access.
func NewAuthResultError(accountKey, reason string) TunnelServerMessage {
	ak, errMsg := accountKey, reason
	return TunnelServerMessage{TunnelType: TunnelServerAuthResult, AccountKey: &ak, Error: &errMsg}
}

// NewServerUserMessage addresses msg to accountKey, or broadcasts to every
// authenticated user on the tunnel if accountKey is nil.
func NewServerUserMessage(accountKey *string, msg ServerMessage) TunnelServerMessage {
	return TunnelServerMessage{TunnelType: TunnelServerUserMessage, AccountKey: accountKey, Message: &msg}
}

// NewGoodbye closes the tunnel.
func NewGoodbye(reason string) TunnelServerMessage {
	return TunnelServerMessage{TunnelType: TunnelServerGoodbye, Reason: reason}
}

// WriteTunnelClientMessage frames and writes msg.
func WriteTunnelClientMessage(w io.Writer, msg TunnelClientMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return trace.Wrap(err, "marshaling tunnel client message")
	}
	return WriteFrame(w, b)
}

// ReadTunnelClientMessage reads and unmarshals one TunnelClientMessage.
// Returns (nil, nil) on clean stream close, matching
// read_tunnel_client_message's Ok(None). A malformed payload is logged and
// also resolves to (nil, nil) rather than a hard error, so callers cannot
// tell it from a clean close: serveStream ends the session on it, and no
// Goodbye is sent.
func ReadTunnelClientMessage(r io.Reader) (*TunnelClientMessage, error) {
	b, err := ReadFrame(r)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msg TunnelClientMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		log.WithError(err).Warn("malformed tunnel client message")
		return nil, nil
	}
	return &msg, nil
}

// WriteTunnelServerMessage frames and writes msg.
func WriteTunnelServerMessage(w io.Writer, msg TunnelServerMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return trace.Wrap(err, "marshaling tunnel server message")
	}
	return WriteFrame(w, b)
}

// ReadTunnelServerMessage reads and unmarshals one TunnelServerMessage,
// with the same clean-close/malformed-payload semantics as
// ReadTunnelClientMessage.
func ReadTunnelServerMessage(r io.Reader) (*TunnelServerMessage, error) {
	b, err := ReadFrame(r)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msg TunnelServerMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		log.WithError(err).Warn("malformed tunnel server message")
		return nil, nil
	}
	return &msg, nil
}
