package correlation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	types "github.com/gravitational/teleport/api/types"
)

func mkEntry(uuid string, at time.Time) types.ConversationEntry {
	return types.ConversationEntry{
		UUID:      uuid,
		Type:      "assistant",
		Timestamp: at,
		Message:   &types.Message{Role: "assistant", Content: []types.ContentPart{{Type: "text", Text: "hi"}}},
	}
}

func jsonMarshalEntry(e types.ConversationEntry) ([]byte, error) {
	return json.Marshal(e)
}

func TestTailerPollReturnsOnlyNewEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	now := time.Now()
	writeJSONL(t, path, mkEntry("e1", now), mkEntry("e2", now.Add(time.Second)))

	tailer := NewTailer(path, clockwork.NewFakeClock())
	entries, err := tailer.Poll()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	entries, err = tailer.Poll()
	require.NoError(t, err)
	require.Empty(t, entries)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	b, err := jsonMarshalEntry(mkEntry("e3", now.Add(2*time.Second)))
	require.NoError(t, err)
	_, err = f.Write(append(b, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err = tailer.Poll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "e3", entries[0].UUID)
}

func TestTailerDetectsTruncationAndResetsOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	now := time.Now()
	writeJSONL(t, path, mkEntry("e1", now), mkEntry("e2", now.Add(time.Second)))

	tailer := NewTailer(path, clockwork.NewFakeClock())
	_, err := tailer.Poll()
	require.NoError(t, err)

	writeJSONL(t, path, mkEntry("e1-new", now))
	entries, err := tailer.Poll()
	require.NoError(t, err)
	require.Empty(t, entries, "truncation resets offset to current length without replaying old entries")
}

func TestTailerSkipsMetadataAndEmptyUUIDEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	now := time.Now()
	withEmptyUUID := mkEntry("", now)
	withMetaType := mkEntry("e-meta", now)
	withMetaType.Type = "file-history-snapshot"
	writeJSONL(t, path, withEmptyUUID, withMetaType, mkEntry("e1", now))

	tailer := NewTailer(path, clockwork.NewFakeClock())
	entries, err := tailer.Poll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "e1", entries[0].UUID)
}

func TestTailerTolerantOfUnparseableLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	b, err := jsonMarshalEntry(mkEntry("e1", time.Now()))
	require.NoError(t, err)
	_, err = f.Write(append(b, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	tailer := NewTailer(path, clockwork.NewFakeClock())
	entries, err := tailer.Poll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "e1", entries[0].UUID)
}
