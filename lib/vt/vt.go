package vt

import (
	"fmt"
	"sync"

	types "github.com/gravitational/teleport/api/types"
)

// DefaultCompactThreshold is the delta-buffer size, in bytes, at which
// VirtualTerminal automatically compacts into a fresh keyframe.
const DefaultCompactThreshold = 64 * 1024

// VirtualTerminal holds one instance's screen emulator, viewport set, and
// replay state. Every method takes an internal mutex, so it is safe for
// concurrent use; the Instance Actor calls it from both its mailbox loop
// and its PTY read loop.
type VirtualTerminal struct {
	mu sync.Mutex

	screen *screen
	rows   int
	cols   int

	viewports map[types.ConnectionID]types.Viewport

	keyframe []byte // nil until compacted
	deltas   []byte

	compactThreshold int
}

// New creates a VirtualTerminal at the given initial dimensions.
func New(rows, cols int) *VirtualTerminal {
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}
	return &VirtualTerminal{
		screen:           newScreen(rows, cols),
		rows:             rows,
		cols:             cols,
		viewports:        make(map[types.ConnectionID]types.Viewport),
		compactThreshold: DefaultCompactThreshold,
	}
}

// ProcessOutput feeds PTY output through the screen emulator and appends it
// to the delta buffer, auto-compacting once the buffer exceeds threshold.
func (v *VirtualTerminal) ProcessOutput(b []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.screen.write(b)
	v.deltas = append(v.deltas, b...)
	if len(v.deltas) > v.compactThreshold {
		v.compactLocked()
	}
}

// Compact snapshots the current screen as ANSI into the keyframe and clears
// the delta buffer.
func (v *VirtualTerminal) Compact() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.compactLocked()
}

func (v *VirtualTerminal) compactLocked() {
	v.keyframe = v.renderKeyframeLocked()
	v.deltas = nil
}

// renderKeyframeLocked builds the keyframe format from spec.md §4.2:
// home + clear + reset + rendered contents + cursor restore.
func (v *VirtualTerminal) renderKeyframeLocked() []byte {
	var out []byte
	out = append(out, "\x1b[H"...)
	out = append(out, "\x1b[2J"...)
	out = append(out, "\x1b[0m"...)
	out = append(out, v.screen.render()...)
	out = append(out, []byte(fmt.Sprintf("\x1b[%d;%dH", v.screen.row+1, v.screen.col+1))...)
	return out
}

// Replay returns keyframe ++ deltas, compacting first if no keyframe
// exists. Idempotent when called twice with no intervening ProcessOutput.
func (v *VirtualTerminal) Replay() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.keyframe == nil {
		v.compactLocked()
	}
	out := make([]byte, 0, len(v.keyframe)+len(v.deltas))
	out = append(out, v.keyframe...)
	out = append(out, v.deltas...)
	return out
}

// ReplayClipped returns Replay()'s output clipped to maxBytes from the end,
// used to prime new clients on attach (spec.md §4.1 GetRecentOutput).
func (v *VirtualTerminal) ReplayClipped(maxBytes int) []byte {
	full := v.Replay()
	if maxBytes <= 0 || len(full) <= maxBytes {
		return full
	}
	return full[len(full)-maxBytes:]
}

// Dims returns the VirtualTerminal's current effective dimensions.
func (v *VirtualTerminal) Dims() (rows, cols int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rows, v.cols
}

// UpsertViewport inserts or updates a client's viewport and recomputes
// effective dimensions. Returns the new (rows, cols) and changed=true if
// they changed, or the current dims and changed=false if they did not.
func (v *VirtualTerminal) UpsertViewport(vp types.Viewport) (rows, cols int, changed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.viewports[vp.ConnectionID] = vp
	return v.recomputeLocked()
}

// SetClientActive toggles a viewport's activity and recomputes.
func (v *VirtualTerminal) SetClientActive(id types.ConnectionID, active bool) (rows, cols int, changed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	vp, ok := v.viewports[id]
	if !ok {
		return v.rows, v.cols, false
	}
	vp.Active = active
	v.viewports[id] = vp
	return v.recomputeLocked()
}

// RemoveClient drops a viewport and recomputes. If no active viewports
// remain, dimensions are retained rather than shrunk (spec.md §3 invariant).
func (v *VirtualTerminal) RemoveClient(id types.ConnectionID) (rows, cols int, changed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.viewports, id)
	return v.recomputeLocked()
}

// recomputeLocked implements the effective-dimension rule: min across
// active viewports' rows and cols, retaining prior dims when no viewport is
// active. A dimension change resets the screen emulator and clears replay
// state — never a resize of stale contents (spec.md §4.1/§4.2/§8 property 3).
func (v *VirtualTerminal) recomputeLocked() (rows, cols int, changed bool) {
	newRows, newCols := 0, 0
	any := false
	for _, vp := range v.viewports {
		if !vp.Active {
			continue
		}
		if !any || vp.Rows < newRows {
			newRows = vp.Rows
		}
		if !any || vp.Cols < newCols {
			newCols = vp.Cols
		}
		any = true
	}
	if !any {
		return v.rows, v.cols, false
	}
	if newRows == v.rows && newCols == v.cols {
		return v.rows, v.cols, false
	}
	v.rows, v.cols = newRows, newCols
	v.screen = newScreen(newRows, newCols)
	v.keyframe = nil
	v.deltas = nil
	return v.rows, v.cols, true
}
