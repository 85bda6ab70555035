package emulator

import "unicode/utf8"

// modeScanner tracks alt-screen and cursor-visibility state independently of
// midterm's own grid handling, by walking the same raw PTY bytes with a
// small state machine. Generalized from virtualterminal.VT.CapturePlainHistory's
// escape-sequence state machine (Esc/CSI/OSC states), specialized here to
// recognize only DECSET/DECRST private-mode sequences (CSI ? Pm h / l).
type modeScanner struct {
	state    int
	params   []byte
	altScreen bool
	cursorVisible bool
}

const (
	scanNormal = iota
	scanEsc
	scanCSI
)

func newModeScanner() *modeScanner {
	return &modeScanner{cursorVisible: true}
}

// feed walks data and updates AltScreen/CursorVisible as DECSET/DECRST
// sequences for modes 1049, 47, 1047 (alt screen) and 25 (DECTCEM cursor
// visibility) are recognized. Any other CSI/ESC sequence is skipped without
// effect, matching the spec's "drop malformed/unhandled and continue" policy.
func (m *modeScanner) feed(data []byte) {
	for len(data) > 0 {
		r, sz := utf8.DecodeRune(data)
		if r == utf8.RuneError && sz == 1 {
			r = rune(data[0])
		}
		data = data[sz:]

		switch m.state {
		case scanEsc:
			if r == '[' {
				m.state = scanCSI
				m.params = m.params[:0]
			} else {
				m.state = scanNormal
			}
			continue
		case scanCSI:
			if r >= 0x40 && r <= 0x7E {
				m.applyCSI(string(m.params), byte(r))
				m.state = scanNormal
				continue
			}
			if len(m.params) < 64 {
				m.params = append(m.params, byte(r))
			}
			continue
		}

		if r == 0x1B {
			m.state = scanEsc
		}
	}
}

func (m *modeScanner) applyCSI(params string, final byte) {
	if final != 'h' && final != 'l' {
		return
	}
	if len(params) == 0 || params[0] != '?' {
		return
	}
	set := final == 'h'
	for _, mode := range splitParams(params[1:]) {
		switch mode {
		case "1049", "47", "1047":
			m.altScreen = set
		case "25":
			m.cursorVisible = set
		}
	}
}

func splitParams(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ';' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
