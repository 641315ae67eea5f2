package vt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	types "github.com/gravitational/teleport/api/types"
)

func TestReplayIdempotentWithNoIntervalOutput(t *testing.T) {
	v := New(24, 80)
	v.ProcessOutput([]byte("hello\n"))
	first := v.Replay()
	second := v.Replay()
	require.Equal(t, first, second)
}

func TestReplayKeyframePlusDeltas(t *testing.T) {
	v := New(24, 80)
	v.ProcessOutput([]byte("hello"))
	v.Compact()
	v.ProcessOutput([]byte(" world"))
	replay := v.Replay()
	require.True(t, bytes.Contains(replay, []byte("world")))
}

func TestEffectiveDimsMinAcrossActiveViewports(t *testing.T) {
	v := New(24, 80)
	v.UpsertViewport(types.Viewport{ConnectionID: "x", Rows: 40, Cols: 120, Active: true})
	rows, cols, changed := v.UpsertViewport(types.Viewport{ConnectionID: "y", Rows: 24, Cols: 80, Active: true})
	require.True(t, changed)
	require.Equal(t, 24, rows)
	require.Equal(t, 80, cols)

	// Deactivating y: only x remains active -> dims become x's.
	rows, cols, changed = v.SetClientActive("y", false)
	require.True(t, changed)
	require.Equal(t, 40, rows)
	require.Equal(t, 120, cols)

	// Reactivating y: dims drop back to the min again.
	rows, cols, changed = v.SetClientActive("y", true)
	require.True(t, changed)
	require.Equal(t, 24, rows)
	require.Equal(t, 80, cols)
}

func TestDimsRetainedWhenNoActiveViewportsRemain(t *testing.T) {
	v := New(24, 80)
	v.UpsertViewport(types.Viewport{ConnectionID: "x", Rows: 40, Cols: 120, Active: true})
	rows, cols, _ := v.RemoveClient("x")
	require.Equal(t, 40, rows)
	require.Equal(t, 120, cols)
}

func TestResizeResetsScreenNotJustDims(t *testing.T) {
	v := New(24, 80)
	v.ProcessOutput([]byte("before-resize-content"))

	rows, cols, changed := v.UpsertViewport(types.Viewport{ConnectionID: "x", Rows: 10, Cols: 30, Active: true})
	require.True(t, changed)
	require.Equal(t, 10, rows)
	require.Equal(t, 30, cols)

	replay := v.Replay()
	require.False(t, bytes.Contains(replay, []byte("before-resize-content")),
		"replay after resize must not contain pre-resize content")
}

func TestNoActiveViewportsKeepsPriorDimsNotZero(t *testing.T) {
	v := New(24, 80)
	rows, cols, changed := v.UpsertViewport(types.Viewport{ConnectionID: "x", Rows: 24, Cols: 80, Active: false})
	require.False(t, changed)
	require.Equal(t, 24, rows)
	require.Equal(t, 80, cols)
}
