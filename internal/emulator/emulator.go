// Package emulator implements the terminal emulator component: it consumes
// raw PTY bytes, maintains a cell grid, cursor, SGR state, and bounded
// scrollback, and produces change notifications. It wraps a
// github.com/vito/midterm Terminal for the actual VT100/xterm parsing
// (grid, cursor, SGR) and layers on top of it the behaviors midterm's
// observed surface doesn't expose: a bounded scrollback ring (the teacher's
// own Scrollback terminal is explicitly "append-only, never loses lines",
// which conflicts with a bounded-eviction requirement), independent
// alt-screen and cursor-visibility tracking, and structured span output.
package emulator

import (
	"fmt"
	"os"

	"github.com/vito/midterm"

	"termd/internal/proto"
)

// ChangeHandler receives one emulator notification at a time, in emission
// order. The caller (the session actor) is responsible for handing it to
// the event broker; the emulator has no subscriber concept of its own.
type ChangeHandler func(proto.Event)

// Emulator owns one session's terminal grid and scrollback. It is driven
// exclusively by the owning session's actor goroutine (see internal/session);
// it holds no lock of its own, mirroring the spec's "terminal state is owned
// exclusively by the session actor" rule.
type Emulator struct {
	vt   *midterm.Terminal
	rows int // grid rows, i.e. the PTY's usable rows after panel allocation
	cols int

	scrollback *ring
	scanner    *modeScanner

	epoch int64
	seq   int64

	onChange ChangeHandler

	lastLines  []string
	lastCursor proto.Cursor
	lastAlt    bool

	oscFg, oscBg string
}

// New builds an Emulator sized rows x cols with a scrollback capacity of
// scrollbackLines (spec §4.1, Open Question (a): default 10,000).
func New(rows, cols, scrollbackLines int, onChange ChangeHandler) *Emulator {
	e := &Emulator{
		rows:       rows,
		cols:       cols,
		scrollback: newRing(scrollbackLines),
		scanner:    newModeScanner(),
		onChange:   onChange,
	}
	e.initVT()
	return e
}

func (e *Emulator) initVT() {
	e.vt = midterm.NewTerminal(e.rows, e.cols)
	e.vt.OnScrollback(func(line midterm.Line) {
		if e.scanner.altScreen {
			return
		}
		e.scrollback.push(line.Display())
	})
	e.lastLines = make([]string, e.rows)
}

// Write feeds raw PTY output bytes through the parser, emitting line/cursor/
// mode notifications for whatever changed. A parser panic is recovered: the
// terminal is reinitialized at once and a reset(hard_reset) notification
// fires. Write returns no error, so no parser_unavailable error is ever
// reported to callers.
func (e *Emulator) Write(data []byte) {
	if panicked := e.writeRecovering(data); panicked {
		e.initVT()
		e.emitReset(proto.ResetHardReset)
		return
	}
	e.scanner.feed(data)
	e.diffAndEmit()
	if e.scanner.altScreen != e.lastAlt {
		e.lastAlt = e.scanner.altScreen
		e.emit(proto.Event{Kind: proto.EventMode, AltActive: e.lastAlt})
		if !e.lastAlt {
			e.emitReset(proto.ResetAlternateScreenExit)
		}
	}
}

func (e *Emulator) writeRecovering(data []byte) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
		}
	}()
	e.vt.Write(data)
	return false
}

// RespondOSCQueries answers OSC 10/11 foreground/background color queries
// the child emits, using configured colors or a COLORFGBG-derived fallback.
// Grounded on virtualterminal.VT.RespondOSCColors; returns the bytes to
// write back to the PTY master, leaving the actual write to the caller so
// the emulator never touches PTY I/O directly.
func (e *Emulator) RespondOSCQueries(data []byte) []byte {
	fg, bg := e.oscFg, e.oscBg
	if fg == "" || bg == "" {
		fbFg, fbBg := FallbackOSCPalette(colorfgbgEnv())
		if fg == "" {
			fg = fbFg
		}
		if bg == "" {
			bg = fbBg
		}
	}
	var out []byte
	if containsOSCQuery(data, "10") {
		out = append(out, []byte(fmt.Sprintf("\x1b]10;%s\x1b\\", fg))...)
	}
	if containsOSCQuery(data, "11") {
		out = append(out, []byte(fmt.Sprintf("\x1b]11;%s\x1b\\", bg))...)
	}
	return out
}

// SetOSCColors overrides the fixed colors RespondOSCQueries answers with,
// bypassing the COLORFGBG fallback.
func (e *Emulator) SetOSCColors(fg, bg string) {
	e.oscFg, e.oscBg = fg, bg
}

func containsOSCQuery(data []byte, code string) bool {
	needle := []byte("\x1b]" + code + ";?")
	return indexOf(data, needle) >= 0
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// Resize reflows the grid to new dimensions (spec §4.1 Resize): cursor is
// clamped and lines truncate/pad on column change, then a reset(resize)
// notification fires. In alt mode scrollback is left untouched.
func (e *Emulator) Resize(rows, cols int) {
	e.rows = rows
	e.cols = cols
	e.vt.Resize(rows, cols)
	e.lastLines = make([]string, rows)
	e.emitReset(proto.ResetResize)
}

// Reset performs an explicit hard reset, reinitializing the VT state the
// way the teacher reinitializes its VT.Vt/Scrollback pair on relaunch
// (session.go's `s.VT.Vt = midterm.NewTerminal(...)` pattern) rather than
// calling a Reset method midterm doesn't expose on the observed surface.
func (e *Emulator) Reset() {
	e.initVT()
	e.scanner = newModeScanner()
	e.emitReset(proto.ResetHardReset)
}

// AlternateActive reports the VT-level alt-screen state, tracked
// independently of any session-level screen-mode flag (Open Question c).
func (e *Emulator) AlternateActive() bool {
	return e.scanner.altScreen
}

// Epoch returns the current per-session epoch.
func (e *Emulator) Epoch() int64 {
	return e.epoch
}

// GetScreen returns a full snapshot of the visible grid (spec §4.1
// Serialization).
func (e *Emulator) GetScreen(format proto.Format) proto.Screen {
	lines := make([]proto.Line, e.rows)
	for i := 0; i < e.rows; i++ {
		lines[i] = e.renderLine(i)
		if format == proto.FormatPlain {
			lines[i] = proto.PlainLine(lines[i].Text())
		}
	}
	return proto.Screen{
		Rows:            e.rows,
		Cols:            e.cols,
		Lines:           lines,
		Cursor:          e.cursorState(),
		AlternateActive: e.scanner.altScreen,
		Epoch:           e.Epoch(),
	}
}

// GetScrollback pages the bounded scrollback buffer, oldest first.
func (e *Emulator) GetScrollback(offset, limit int, format proto.Format) proto.ScrollbackPage {
	raw := e.scrollback.page(offset, limit)
	lines := make([]proto.Line, len(raw))
	for i, s := range raw {
		if format == proto.FormatPlain {
			lines[i] = proto.PlainLine(stripANSI(s))
		} else {
			lines[i] = parseAnsiLine(s)
		}
	}
	return proto.ScrollbackPage{
		Lines:      lines,
		Offset:     offset,
		TotalLines: e.scrollback.len(),
	}
}

func (e *Emulator) renderLine(row int) proto.Line {
	if row < 0 || row >= len(e.vt.Content) {
		return proto.PlainLine("")
	}
	content := e.vt.Content[row]
	var spans []proto.Span
	pos := 0
	for region := range e.vt.Format.Regions(row) {
		end := pos + region.Size
		var text string
		if pos < len(content) {
			ce := end
			if ce > len(content) {
				ce = len(content)
			}
			text = string(content[pos:ce])
		}
		pos = end
		spans = append(spans, proto.Span{Text: text, Style: decodeSGR(region.F.Render())})
	}
	if len(spans) == 0 {
		spans = []proto.Span{{Text: string(content)}}
	}
	return proto.Line{Spans: spans}
}

func (e *Emulator) cursorState() proto.Cursor {
	return proto.Cursor{
		Row:     e.vt.Cursor.Y,
		Col:     e.vt.Cursor.X,
		Visible: e.scanner.cursorVisible,
	}
}

// diffAndEmit compares the post-write grid against the last-observed
// snapshot and emits line/cursor notifications for whatever changed,
// each contributing exactly one epoch increment (spec §4.1).
func (e *Emulator) diffAndEmit() {
	for i := 0; i < e.rows; i++ {
		text := e.renderLine(i).Text()
		if i >= len(e.lastLines) {
			e.lastLines = append(e.lastLines, "")
		}
		if e.lastLines[i] == text {
			continue
		}
		e.lastLines[i] = text
		e.emit(proto.Event{
			Kind:       proto.EventLine,
			LineIndex:  i,
			TotalLines: e.rows,
			Line:       e.renderLine(i),
		})
	}

	cur := e.cursorState()
	if cur != e.lastCursor {
		e.lastCursor = cur
		e.emit(proto.Event{Kind: proto.EventCursor, Cursor: cur})
	}
}

func (e *Emulator) emitReset(reason proto.ResetReason) {
	e.emit(proto.Event{Kind: proto.EventReset, Reason: reason})
}

func (e *Emulator) emit(ev proto.Event) {
	e.epoch++
	e.seq++
	ev.Seq = e.seq
	if e.onChange != nil {
		e.onChange(ev)
	}
}

func colorfgbgEnv() string {
	return os.Getenv("COLORFGBG")
}
