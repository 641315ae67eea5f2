package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	types "github.com/gravitational/teleport/api/types"
)

const (
	lifecycleBufferSize    = 256
	stateBufferSize        = 256
	outputBufferSize       = 1024
	conversationBufferSize = 256
)

// instanceEntry is the fabric's bookkeeping for one registered instance:
// its background-task cancellation token, output/conversation channels, and
// the accumulated conversation snapshot (for the snapshot+update pattern).
type instanceEntry struct {
	workingDir string
	createdAt  time.Time
	isClaude   bool

	cancel context.CancelFunc

	output       *Broadcaster[types.OutputEvent]
	conversation *Broadcaster[types.ConversationFrame]

	convMu   sync.Mutex
	convTurns []types.Turn
}

// Fabric is the process-wide state manager owning the registry of instance
// handles and the three broadcast channels described in spec.md §4.3.
type Fabric struct {
	log log.FieldLogger

	mu        sync.Mutex
	instances map[types.InstanceID]*instanceEntry
	firstInput map[types.InstanceID]time.Time
	claimed    map[string]types.InstanceID // session id -> instance id

	lifecycle *Broadcaster[types.LifecycleEvent]
	state     *Broadcaster[types.StateEvent]
}

// NewFabric creates an empty Fabric.
func NewFabric() *Fabric {
	return &Fabric{
		log:        log.WithField(trace.Component, "fanout"),
		instances:  make(map[types.InstanceID]*instanceEntry),
		firstInput: make(map[types.InstanceID]time.Time),
		claimed:    make(map[string]types.InstanceID),
		lifecycle:  NewBroadcaster[types.LifecycleEvent](lifecycleBufferSize),
		state:      NewBroadcaster[types.StateEvent](stateBufferSize),
	}
}

// RegisterFunc is invoked once per registration for Claude instances to
// spawn the state-inference task and conversation watcher (spec.md §4.3);
// the Fabric itself only owns the cancellation token and channels, not the
// task bodies, which live in lib/correlation.
type RegisterFunc func(ctx context.Context, id types.InstanceID, fab *Fabric)

// RegisterInstance inserts id into the registry and, for Claude instances,
// spawns background tasks via onClaude under a fresh cancellation context.
func (f *Fabric) RegisterInstance(id types.InstanceID, workingDir string, createdAt time.Time, isClaude bool, onClaude RegisterFunc) {
	f.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	entry := &instanceEntry{
		workingDir:   workingDir,
		createdAt:    createdAt,
		isClaude:     isClaude,
		cancel:       cancel,
		output:       NewBroadcaster[types.OutputEvent](outputBufferSize),
		conversation: NewBroadcaster[types.ConversationFrame](conversationBufferSize),
	}
	f.instances[id] = entry
	f.mu.Unlock()

	if isClaude && onClaude != nil {
		go onClaude(ctx, id, f)
	}
}

// UnregisterInstance cancels all per-instance tasks, closes the instance's
// channels, and removes it from the registry.
func (f *Fabric) UnregisterInstance(id types.InstanceID) {
	f.mu.Lock()
	entry, ok := f.instances[id]
	if ok {
		delete(f.instances, id)
		delete(f.firstInput, id)
	}
	f.mu.Unlock()

	if !ok {
		return
	}
	entry.cancel()
	entry.output.Close()
	entry.conversation.Close()
}

// BroadcastLifecycle publishes a lifecycle event to all subscribers.
func (f *Fabric) BroadcastLifecycle(ev types.LifecycleEvent) {
	f.lifecycle.Publish(ev)
}

// SubscribeLifecycle returns a fresh lifecycle receiver.
func (f *Fabric) SubscribeLifecycle() *Receiver[types.LifecycleEvent] {
	return f.lifecycle.Subscribe()
}

// PublishState publishes an inferred-state transition.
func (f *Fabric) PublishState(ev types.StateEvent) {
	f.state.Publish(ev)
}

// SubscribeState returns a fresh state receiver.
func (f *Fabric) SubscribeState() *Receiver[types.StateEvent] {
	return f.state.Subscribe()
}

// PublishOutput publishes a PTY output event for instance id.
func (f *Fabric) PublishOutput(id types.InstanceID, ev types.OutputEvent) {
	f.mu.Lock()
	entry, ok := f.instances[id]
	f.mu.Unlock()
	if ok {
		entry.output.Publish(ev)
	}
}

// SubscribeOutput returns a fresh output receiver for instance id, or nil
// if the instance is not registered.
func (f *Fabric) SubscribeOutput(id types.InstanceID) *Receiver[types.OutputEvent] {
	f.mu.Lock()
	entry, ok := f.instances[id]
	f.mu.Unlock()
	if !ok {
		return nil
	}
	return entry.output.Subscribe()
}

// AppendConversationTurns appends turns to instance id's snapshot and
// publishes a frame: Full on the first call for this instance (so late
// subscribers that replace-rather-than-append produce a correct view),
// Update thereafter (spec.md §4.4 Publication).
func (f *Fabric) AppendConversationTurns(id types.InstanceID, turns []types.Turn) error {
	f.mu.Lock()
	entry, ok := f.instances[id]
	f.mu.Unlock()
	if !ok {
		return trace.NotFound("instance %s is not registered", id)
	}

	entry.convMu.Lock()
	full := len(entry.convTurns) == 0
	entry.convTurns = append(entry.convTurns, turns...)
	snapshot := append([]types.Turn(nil), entry.convTurns...)
	entry.convMu.Unlock()

	frame := types.ConversationFrame{InstanceID: id, Full: full, Turns: turns}
	if full {
		frame.Turns = snapshot
	}
	entry.conversation.Publish(frame)
	return nil
}

// GetConversationSnapshot returns the current accumulated turns for
// instance id. Callers MUST read this before subscribing, per the
// snapshot-plus-update pattern (spec.md §4.3).
func (f *Fabric) GetConversationSnapshot(id types.InstanceID) ([]types.Turn, error) {
	f.mu.Lock()
	entry, ok := f.instances[id]
	f.mu.Unlock()
	if !ok {
		return nil, trace.NotFound("instance %s is not registered", id)
	}
	entry.convMu.Lock()
	defer entry.convMu.Unlock()
	return append([]types.Turn(nil), entry.convTurns...), nil
}

// SubscribeConversation returns a fresh conversation receiver for instance
// id, or nil if not registered.
func (f *Fabric) SubscribeConversation(id types.InstanceID) *Receiver[types.ConversationFrame] {
	f.mu.Lock()
	entry, ok := f.instances[id]
	f.mu.Unlock()
	if !ok {
		return nil
	}
	return entry.conversation.Subscribe()
}

// RecordFirstInput sets the first-input timestamp for instance id if it has
// not already been set (spec.md §4.1/§4.3 first-input-timestamp map).
func (f *Fabric) RecordFirstInput(id types.InstanceID, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.firstInput[id]; !ok {
		f.firstInput[id] = at
	}
}

// FirstInputAt returns the first-input timestamp recorded for instance id,
// or the zero time if none has been recorded yet.
func (f *Fabric) FirstInputAt(id types.InstanceID) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.firstInput[id]
}

// ClaimSession atomically claims sessionID for instance id. Returns
// trace.AlreadyExists if another instance already holds the claim.
func (f *Fabric) ClaimSession(sessionID string, id types.InstanceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.claimed[sessionID]; ok && existing != id {
		return trace.AlreadyExists("session %s is already claimed by instance %s", sessionID, existing)
	}
	f.claimed[sessionID] = id
	return nil
}

// IsClaimed reports whether sessionID is already claimed by any instance.
func (f *Fabric) IsClaimed(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.claimed[sessionID]
	return ok
}

// WorkingDir returns the working directory recorded at registration for
// instance id.
func (f *Fabric) WorkingDir(id types.InstanceID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.instances[id]
	if !ok {
		return "", false
	}
	return entry.workingDir, true
}

// CreatedAt returns the creation timestamp recorded at registration.
func (f *Fabric) CreatedAt(id types.InstanceID) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.instances[id]
	if !ok {
		return time.Time{}, false
	}
	return entry.createdAt, true
}
