// Package vt implements the Virtual Terminal: a minimal VT100/ANSI screen
// emulator plus keyframe+delta replay, as described for the Instance Actor's
// per-instance screen state. There is no suitable third-party Go screen
// emulator in this repo's dependency stack (only a Windows conpty byte
// translator exists in the wider ecosystem seen here), so the grid and its
// renderer are hand-written, ported behavior-for-behavior from the
// reference screen emulator this system was originally built against.
package vt

import (
	"fmt"
	"strings"
)

// cell is one character cell: its rune and its active SGR attributes.
type cell struct {
	r    rune
	attr attrs
}

type attrs struct {
	bold, faint, italic, underline, reverse bool
	fg, bg                                  int // -1 = default
}

func defaultAttrs() attrs { return attrs{fg: -1, bg: -1} }

// screen is a fixed-size grid of cells plus cursor and scroll state. It
// understands enough of the ANSI/VT100 control-sequence vocabulary to track
// cursor movement, erase operations, and SGR attributes; it does not
// attempt a complete terminfo-grade emulation.
type screen struct {
	rows, cols int
	grid       [][]cell
	cur        attrs
	row, col   int

	// parser state for a control sequence currently being assembled.
	inEscape bool
	seq       []byte
}

func newScreen(rows, cols int) *screen {
	s := &screen{rows: rows, cols: cols, cur: defaultAttrs()}
	s.grid = make([][]cell, rows)
	for i := range s.grid {
		s.grid[i] = newRow(cols)
	}
	return s
}

func newRow(cols int) []cell {
	row := make([]cell, cols)
	for i := range row {
		row[i] = cell{r: ' ', attr: defaultAttrs()}
	}
	return row
}

// write feeds raw PTY bytes through the emulator, updating the grid.
func (s *screen) write(b []byte) {
	for _, c := range string(b) {
		s.writeRune(c)
	}
}

func (s *screen) writeRune(r rune) {
	if s.inEscape {
		s.seq = append(s.seq, string(r)...)
		// The '[' right after ESC opens a CSI sequence; it is not its final byte.
		csiIntro := len(s.seq) == 1 && s.seq[0] == '['
		if (!csiIntro && isFinalByte(byte(r))) || len(s.seq) > 64 {
			s.applyEscape(s.seq)
			s.inEscape = false
			s.seq = s.seq[:0]
		}
		return
	}

	switch r {
	case 0x1b: // ESC
		s.inEscape = true
		s.seq = s.seq[:0]
		return
	case '\r':
		s.col = 0
		return
	case '\n':
		s.newline()
		return
	case '\b':
		if s.col > 0 {
			s.col--
		}
		return
	case '\t':
		next := ((s.col / 8) + 1) * 8
		if next >= s.cols {
			next = s.cols - 1
		}
		s.col = next
		return
	}

	if r < 0x20 {
		return // ignore other control chars
	}

	s.put(r)
	s.col++
	if s.col >= s.cols {
		s.col = 0
		s.newline()
	}
}

func (s *screen) put(r rune) {
	if s.row < 0 || s.row >= s.rows || s.col < 0 || s.col >= s.cols {
		return
	}
	s.grid[s.row][s.col] = cell{r: r, attr: s.cur}
}

func (s *screen) newline() {
	s.row++
	if s.row >= s.rows {
		s.scrollUp(1)
		s.row = s.rows - 1
	}
}

func (s *screen) scrollUp(n int) {
	for i := 0; i < n; i++ {
		s.grid = append(s.grid[1:], newRow(s.cols))
	}
}

func isFinalByte(b byte) bool {
	// CSI sequences end with a byte in 0x40-0x7e; OSC/others end sequences
	// we don't fully model also fall here to bound the buffer.
	return b >= 0x40 && b <= 0x7e
}

// applyEscape interprets a buffered escape sequence (the bytes after ESC,
// including the final byte). Only CSI (ESC[...) sequences relevant to
// cursor movement, erase, and SGR are handled; anything else is a no-op.
func (s *screen) applyEscape(seq []byte) {
	if len(seq) == 0 || seq[0] != '[' {
		return
	}
	body := seq[1 : len(seq)-1]
	final := seq[len(seq)-1]
	params := parseParams(string(body))

	switch final {
	case 'H', 'f': // cursor position
		row, col := 1, 1
		if len(params) > 0 && params[0] > 0 {
			row = params[0]
		}
		if len(params) > 1 && params[1] > 0 {
			col = params[1]
		}
		s.row = clamp(row-1, 0, s.rows-1)
		s.col = clamp(col-1, 0, s.cols-1)
	case 'A': // cursor up
		s.row = clamp(s.row-firstOr(params, 1), 0, s.rows-1)
	case 'B': // cursor down
		s.row = clamp(s.row+firstOr(params, 1), 0, s.rows-1)
	case 'C': // cursor forward
		s.col = clamp(s.col+firstOr(params, 1), 0, s.cols-1)
	case 'D': // cursor back
		s.col = clamp(s.col-firstOr(params, 1), 0, s.cols-1)
	case 'J': // erase in display
		s.eraseDisplay(firstOr(params, 0))
	case 'K': // erase in line
		s.eraseLine(firstOr(params, 0))
	case 'm': // SGR
		s.applySGR(params)
	default:
		// unhandled CSI final byte: ignore
	}
}

func firstOr(params []int, def int) int {
	if len(params) > 0 {
		return params[0]
	}
	return def
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func parseParams(body string) []int {
	if body == "" {
		return nil
	}
	parts := strings.Split(body, ";")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n := 0
		for _, c := range p {
			if c < '0' || c > '9' {
				n = -1
				break
			}
			n = n*10 + int(c-'0')
		}
		if n < 0 {
			n = 0
		}
		out = append(out, n)
	}
	return out
}

func (s *screen) eraseDisplay(mode int) {
	switch mode {
	case 0:
		s.eraseLine(0)
		for r := s.row + 1; r < s.rows; r++ {
			s.grid[r] = newRow(s.cols)
		}
	case 1:
		for r := 0; r < s.row; r++ {
			s.grid[r] = newRow(s.cols)
		}
		s.eraseLineRange(0, s.col)
	case 2, 3:
		for r := range s.grid {
			s.grid[r] = newRow(s.cols)
		}
	}
}

func (s *screen) eraseLine(mode int) {
	switch mode {
	case 0:
		s.eraseLineRange(s.col, s.cols)
	case 1:
		s.eraseLineRange(0, s.col+1)
	case 2:
		s.eraseLineRange(0, s.cols)
	}
}

func (s *screen) eraseLineRange(from, to int) {
	if s.row < 0 || s.row >= s.rows {
		return
	}
	for c := clamp(from, 0, s.cols); c < clamp(to, 0, s.cols); c++ {
		s.grid[s.row][c] = cell{r: ' ', attr: defaultAttrs()}
	}
}

func (s *screen) applySGR(params []int) {
	if len(params) == 0 {
		params = []int{0}
	}
	for i := 0; i < len(params); i++ {
		p := params[i]
		switch {
		case p == 0:
			s.cur = defaultAttrs()
		case p == 1:
			s.cur.bold = true
		case p == 2:
			s.cur.faint = true
		case p == 3:
			s.cur.italic = true
		case p == 4:
			s.cur.underline = true
		case p == 7:
			s.cur.reverse = true
		case p == 22:
			s.cur.bold, s.cur.faint = false, false
		case p == 23:
			s.cur.italic = false
		case p == 24:
			s.cur.underline = false
		case p == 27:
			s.cur.reverse = false
		case p >= 30 && p <= 37:
			s.cur.fg = p - 30
		case p == 39:
			s.cur.fg = -1
		case p >= 40 && p <= 47:
			s.cur.bg = p - 40
		case p == 49:
			s.cur.bg = -1
		case p >= 90 && p <= 97:
			s.cur.fg = p - 90 + 8
		case p >= 100 && p <= 107:
			s.cur.bg = p - 100 + 8
		}
	}
}

// render produces the ANSI-encoded contents of the screen, with SGR
// sequences emitted only where attributes change, and no leading
// home/clear/reset — those are added by the caller composing a keyframe.
func (s *screen) render() []byte {
	var buf strings.Builder
	prev := defaultAttrs()
	for r := 0; r < s.rows; r++ {
		lastNonBlank := -1
		for c := 0; c < s.cols; c++ {
			if s.grid[r][c].r != ' ' {
				lastNonBlank = c
			}
		}
		for c := 0; c <= lastNonBlank; c++ {
			cl := s.grid[r][c]
			if cl.attr != prev {
				buf.WriteString(sgrSequence(cl.attr))
				prev = cl.attr
			}
			buf.WriteRune(cl.r)
		}
		if prev != defaultAttrs() {
			buf.WriteString("\x1b[0m")
			prev = defaultAttrs()
		}
		if r != s.rows-1 {
			buf.WriteString("\r\n")
		}
	}
	return []byte(buf.String())
}

func sgrSequence(a attrs) string {
	codes := []string{"0"}
	if a.bold {
		codes = append(codes, "1")
	}
	if a.faint {
		codes = append(codes, "2")
	}
	if a.italic {
		codes = append(codes, "3")
	}
	if a.underline {
		codes = append(codes, "4")
	}
	if a.reverse {
		codes = append(codes, "7")
	}
	if a.fg >= 0 {
		codes = append(codes, sgrColorCode(a.fg, 30))
	}
	if a.bg >= 0 {
		codes = append(codes, sgrColorCode(a.bg, 40))
	}
	return fmt.Sprintf("\x1b[%sm", strings.Join(codes, ";"))
}

func sgrColorCode(v, base int) string {
	if v >= 8 {
		return fmt.Sprintf("%d", base+60+(v-8))
	}
	return fmt.Sprintf("%d", base+v)
}
