package correlation

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	types "github.com/gravitational/teleport/api/types"
)

// Publisher is the subset of lib/fanout.Fabric the conversation watcher
// needs, kept as an interface so it can be tested without a real Fabric.
type Publisher interface {
	AppendConversationTurns(id types.InstanceID, turns []types.Turn) error
}

// Watcher ties a Tailer, an Attributor, and an InferenceTask together to
// implement spec.md §4.4's Formatting/Attribution/Publication/State-signals
// pipeline for one claimed session.
type Watcher struct {
	instanceID types.InstanceID
	tailer     *Tailer
	attributor *Attributor
	publisher  Publisher
	inference  *InferenceTask
	clock      clockwork.Clock
	log        log.FieldLogger
}

// NewWatcher creates a Watcher for one claimed session.
func NewWatcher(instanceID types.InstanceID, tailer *Tailer, attributor *Attributor, publisher Publisher, inference *InferenceTask, clock clockwork.Clock) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watcher{
		instanceID: instanceID,
		tailer:     tailer,
		attributor: attributor,
		publisher:  publisher,
		inference:  inference,
		clock:      clock,
		log:        log.WithField(trace.Component, "correlation").WithField("instance", instanceID),
	}
}

// PollOnce runs one tail-and-publish pass: parse new entries, format them,
// attribute them, and publish the resulting turns.
func (w *Watcher) PollOnce() error {
	entries, err := w.tailer.Poll()
	if err != nil {
		return trace.Wrap(err)
	}
	if len(entries) == 0 {
		return nil
	}

	turns := make([]types.Turn, 0, len(entries))
	for _, e := range entries {
		turn := formatTurn(e)

		if e.Message != nil && e.Message.Role == "user" {
			content := firstTextContent(e)
			attr, ok, err := w.attributor.CorrelateAttribution(w.instanceID, e.UUID, content, e.Timestamp)
			if err != nil {
				w.log.WithError(err).Warn("attribution lookup failed")
			} else if ok {
				turn.Payload["attributed_user_id"] = attr.UserID
				turn.Payload["attributed_display_name"] = attr.DisplayName
			} else {
				turn.Payload["attributed_user_id"] = nil
			}
		}

		turns = append(turns, turn)

		if w.inference != nil {
			w.inference.Observe(Signal{
				EntryType:  entryRole(e),
				Subtype:    firstContentType(e),
				StopReason: "",
			})
		}
	}

	return w.publisher.AppendConversationTurns(w.instanceID, turns)
}

// Run polls on TailPollInterval until ctx is cancelled, suitable for use as
// a fanout.RegisterFunc-spawned background task.
func (w *Watcher) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(TailPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := w.PollOnce(); err != nil {
				w.log.WithError(err).Warn("conversation poll failed")
			}
		}
	}
}

// formatTurn renders one ConversationEntry as a UI-ready opaque turn
// (spec.md §4.4 Formatting).
func formatTurn(e types.ConversationEntry) types.Turn {
	payload := map[string]any{
		"uuid":       e.UUID,
		"type":       e.Type,
		"timestamp":  e.Timestamp.Format(time.RFC3339),
		"parentUuid": e.ParentUUID,
	}
	if e.Message != nil {
		payload["role"] = e.Message.Role
		parts := make([]map[string]any, 0, len(e.Message.Content))
		for _, part := range e.Message.Content {
			parts = append(parts, map[string]any{"type": part.Type, "text": part.Text})
		}
		payload["content"] = parts
	}
	return types.Turn{EntryUUID: e.UUID, Payload: payload}
}

func firstTextContent(e types.ConversationEntry) string {
	if e.Message == nil {
		return ""
	}
	for _, part := range e.Message.Content {
		if part.Type == "text" || part.Type == "" {
			return part.Text
		}
	}
	return ""
}

func firstContentType(e types.ConversationEntry) string {
	if e.Message == nil || len(e.Message.Content) == 0 {
		return ""
	}
	return e.Message.Content[0].Type
}

func entryRole(e types.ConversationEntry) string {
	if e.Message != nil {
		return e.Message.Role
	}
	return e.Type
}
