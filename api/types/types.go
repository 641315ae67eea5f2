// Package types holds the wire and data types shared across Crab City's
// core packages: instances, viewports, conversation entries, access rights,
// and the event-log/checkpoint records. Kept separate from lib/ so that
// transport and persistence code on both sides of a package boundary agree
// on shapes without importing each other.
package types

import "time"

// InstanceID identifies a running PTY-backed process.
type InstanceID string

// ConnectionID identifies one client's attachment to an instance.
type ConnectionID string

// Instance is a running supervised process.
type Instance struct {
	ID          InstanceID
	Name        string
	DisplayName string
	WorkingDir  string
	Command     string
	CreatedAt   time.Time
	Running     bool
	SessionID   string // discovered conversation session, if any
	State       string // last inferred state, if any
}

// ClientKind distinguishes the rendering surface a viewport belongs to.
type ClientKind string

const (
	ClientKindWeb      ClientKind = "web"
	ClientKindTUI      ClientKind = "tui"
	ClientKindFederate ClientKind = "federate"
)

// Viewport is one client's declared terminal dimensions for one instance.
type Viewport struct {
	ConnectionID ConnectionID
	Rows         int
	Cols         int
	ClientKind   ClientKind
	Active       bool
}

// OutputEvent carries raw PTY output bytes to output subscribers.
type OutputEvent struct {
	InstanceID InstanceID
	Data       []byte
	AtMillis   int64
}

// LifecycleKind is the discriminator for lifecycle events.
type LifecycleKind string

const (
	LifecycleCreated LifecycleKind = "created"
	LifecycleStopped LifecycleKind = "stopped"
	LifecycleRenamed LifecycleKind = "renamed"
)

// LifecycleEvent announces instance creation, stop, or rename.
type LifecycleEvent struct {
	Kind       LifecycleKind
	InstanceID InstanceID
	Name       string
}

// InferredState is the small FSM state for one instance's inferred activity.
type InferredState string

const (
	StateIdle           InferredState = "idle"
	StateThinking        InferredState = "thinking"
	StateResponding      InferredState = "responding"
	StateToolExecuting   InferredState = "tool_executing"
	StateWaitingForInput InferredState = "waiting_for_input"
)

// StateEvent is published on the fabric's state channel.
type StateEvent struct {
	InstanceID InstanceID
	State      InferredState
	Stale      bool
}

// ConversationEntry is one line of the external JSONL conversation log.
type ConversationEntry struct {
	UUID       string    `json:"uuid"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"sessionId,omitempty"`
	Cwd        string    `json:"cwd,omitempty"`
	Message    *Message  `json:"message,omitempty"`
	ParentUUID string    `json:"parentUuid,omitempty"`
}

// Message is the optional payload of a ConversationEntry.
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is one part of a message's content array. Unknown Type values
// are tolerated and preserved in Raw for pass-through rendering.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolResult string `json:"tool_result,omitempty"`
	Raw        []byte `json:"-"`
}

// Turn is the opaque, UI-ready formatted rendering of one conversation entry.
type Turn struct {
	EntryUUID string
	Payload   map[string]any
}

// ConversationFrame is Full{turns} or Update{turns} on the conversation
// broadcast channel.
type ConversationFrame struct {
	InstanceID InstanceID
	Full       bool
	Turns      []Turn
}

// Attribution binds a user's input to a conversation entry once correlated.
type Attribution struct {
	ID             int64
	InstanceID     InstanceID
	UserID         string
	DisplayName    string
	Timestamp      time.Time
	EntryUUID      string // empty until claimed
	ContentPreview string // up to 100 normalized chars
	TaskID         string
}

// AccessRight is one (type, actions) grant.
type AccessRight struct {
	Type    string   `json:"type"`
	Actions []string `json:"actions"`
}

// AccessRights is a normalized list of AccessRight, sorted by Type with
// deduplicated, sorted Actions and no duplicate Types.
type AccessRights []AccessRight

// Capability is a named, ordered preset: View < Collaborate < Admin < Owner.
type Capability string

const (
	CapabilityView        Capability = "view"
	CapabilityCollaborate Capability = "collaborate"
	CapabilityAdmin       Capability = "admin"
	CapabilityOwner       Capability = "owner"
)

// MembershipState is one of the membership FSM's states.
type MembershipState string

const (
	MembershipInvited   MembershipState = "invited"
	MembershipActive    MembershipState = "active"
	MembershipSuspended MembershipState = "suspended"
	MembershipRemoved   MembershipState = "removed"
)

// SuspensionSource records why a membership was suspended.
type SuspensionSource struct {
	Admin     bool
	Blocklist bool
	Scope     string // set when Blocklist is true
}

// MembershipGrant is one user's standing with one instance's owner.
type MembershipGrant struct {
	PublicKey       string
	Capability      Capability // informational once AccessRights diverges
	AccessRights    AccessRights
	State           MembershipState
	Suspension      *SuspensionSource
	InvitedBy       string
	InvitedViaNonce string
	Replaces        string
}

// AuditEvent is one append-only, hash-chained audit record (named to stay
// distinct from this package's OutputEvent/LifecycleEvent/StateEvent types).
type AuditEvent struct {
	ID        string
	PrevHash  string
	EventType string
	Actor     string // empty if none
	Target    string // empty if none
	Payload   map[string]any
	CreatedAt time.Time
	Hash      string
}

// Checkpoint is a signed attestation of the chain head at some event id.
type Checkpoint struct {
	EventID       string
	ChainHeadHash string
	Signature     string
	CreatedAt     time.Time
}

// FederatedAccount is a host-side record of a remote user's standing.
type FederatedAccount struct {
	AccountKey  string // hex ed25519 public key
	DisplayName string
	AccessRights AccessRights
	Capability  Capability
	State       MembershipState
}

// RemoteCrabCity is a home-side record for redialing a known host.
type RemoteCrabCity struct {
	HostNodeID string
	AccountKey string
	Address    string
}
