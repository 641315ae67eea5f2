package correlation

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	types "github.com/gravitational/teleport/api/types"
)

// TailPollInterval is the polling interval spec.md §4.4 specifies for a
// claimed session's JSONL file.
const TailPollInterval = 500 * time.Millisecond

// metadataTypes are known snapshot/metadata-only entry types that are
// tailed but never surfaced as turns (spec.md §4.4).
var metadataTypes = map[string]bool{
	"file-history-snapshot": true,
}

// readAllEntries parses every non-empty line of r as a ConversationEntry,
// tolerating unparseable lines by skipping them (spec.md §6: "must tolerate
// ... unparseable lines, which are silently skipped").
func readAllEntries(r io.Reader) ([]types.ConversationEntry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	var out []types.ConversationEntry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e types.ConversationEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.UUID == "" || metadataTypes[e.Type] {
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// Tailer incrementally tails one claimed session's JSONL file, tracking a
// byte offset and handling truncation/rotation (spec.md §4.4 Tailing).
type Tailer struct {
	path   string
	offset int64
	clock  clockwork.Clock
	log    log.FieldLogger
}

// NewTailer creates a Tailer for path, starting at offset 0.
func NewTailer(path string, clock clockwork.Clock) *Tailer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tailer{path: path, clock: clock, log: log.WithField(trace.Component, "correlation")}
}

// Poll reads any new lines since the last call, returning the parsed
// entries. It detects truncation/rotation (file shorter than the stored
// offset) by resetting the offset to the current file length and
// continuing, per spec.md §4.4.
func (t *Tailer) Poll() ([]types.ConversationEntry, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if info.Size() < t.offset {
		t.log.WithField("path", t.path).Warn("session file truncated or rotated; resetting offset")
		t.offset = info.Size()
		return nil, nil
	}
	if info.Size() == t.offset {
		return nil, nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, trace.Wrap(err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	var out []types.ConversationEntry
	for scanner.Scan() {
		line := scanner.Bytes()
		t.offset += int64(len(line)) + 1 // +1 for the newline consumed by Scan
		if len(line) == 0 {
			continue
		}
		var e types.ConversationEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.UUID == "" || metadataTypes[e.Type] {
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// Offset returns the Tailer's current byte offset, for diagnostics/tests.
func (t *Tailer) Offset() int64 { return t.offset }
