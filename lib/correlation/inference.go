package correlation

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	types "github.com/gravitational/teleport/api/types"
)

// idleTimeout transitions Responding -> Idle after this much time with no
// new signal (spec.md §4.4 State signals).
const idleTimeout = 2 * time.Second

// toolTimeout treats a tool call as completed after this much time even
// without an explicit tool-result signal (spec.md §4.4).
const toolTimeout = 60 * time.Second

// Signal is one observed conversation entry's classification, fed to the
// state inference task (spec.md §4.4).
type Signal struct {
	EntryType  string
	Subtype    string
	StopReason string
}

// InferenceTask maps Signals into the small FSM described in spec.md §4.4:
// Idle -> Thinking -> Responding -> ToolExecuting(name) ->
// WaitingForInput(prompt) -> Idle, plus idle/tool timers.
type InferenceTask struct {
	instanceID types.InstanceID
	clock      clockwork.Clock
	publish    func(types.StateEvent)

	state      types.InferredState
	lastSignal time.Time
	toolSince  time.Time
}

// NewInferenceTask creates an InferenceTask for instanceID. publish is
// called for every state transition (typically fab.PublishState).
func NewInferenceTask(instanceID types.InstanceID, clock clockwork.Clock, publish func(types.StateEvent)) *InferenceTask {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InferenceTask{
		instanceID: instanceID,
		clock:      clock,
		publish:    publish,
		state:      types.StateIdle,
	}
}

// Observe feeds one signal into the FSM, transitioning state and
// publishing if it changed.
func (it *InferenceTask) Observe(sig Signal) {
	now := it.clock.Now()
	it.lastSignal = now

	next := it.state
	switch sig.EntryType {
	case "assistant":
		switch sig.Subtype {
		case "tool_use":
			next = types.StateToolExecuting
			it.toolSince = now
		case "thinking":
			next = types.StateThinking
		default:
			next = types.StateResponding
		}
	case "tool-result", "tool_result":
		next = types.StateResponding
	case "user":
		if sig.StopReason == "waiting_for_input" {
			next = types.StateWaitingForInput
		} else {
			next = types.StateThinking
		}
	}

	it.transition(next, false)
}

// Tick applies the idle/tool timers described in spec.md §4.4: 2s idle
// collapses Responding -> Idle; 60s collapses ToolExecuting -> Responding
// (treating the tool as completed).
func (it *InferenceTask) Tick() {
	now := it.clock.Now()
	switch it.state {
	case types.StateResponding:
		if now.Sub(it.lastSignal) >= idleTimeout {
			it.transition(types.StateIdle, true)
		}
	case types.StateToolExecuting:
		if now.Sub(it.toolSince) >= toolTimeout {
			it.transition(types.StateResponding, true)
		}
	}
}

func (it *InferenceTask) transition(next types.InferredState, stale bool) {
	if next == it.state && !stale {
		return
	}
	changed := next != it.state
	it.state = next
	if changed && it.publish != nil {
		it.publish(types.StateEvent{InstanceID: it.instanceID, State: next, Stale: stale})
	}
}

// RunTicker runs Tick on a fixed interval until ctx is cancelled, suitable
// for use as a fanout.RegisterFunc-spawned background task (spec.md §4.3,
// §5 cancellation model).
func (it *InferenceTask) RunTicker(ctx context.Context, interval time.Duration) {
	ticker := it.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			it.Tick()
		}
	}
}
