package emulator

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"termd/internal/proto"
)

// decodeSGR turns a single "\x1b[...m" SGR escape sequence into a Style
// computed from a zero baseline. Used for midterm.Format.Regions output,
// where the call site (mirroring the teacher's RenderLineFrom) always
// precedes Render() with an explicit "\x1b[0m" reset, so each region's
// effective style is self-contained.
func decodeSGR(seq string) proto.Style {
	var st proto.Style
	applySGR(&st, seq)
	return st
}

// applySGR mutates st in place by the codes in seq, preserving attributes
// the sequence doesn't mention (SGR code 0 resets to zero, matching xterm).
// Used when decoding raw ANSI text captured verbatim from the PTY stream
// (scrollback lines), where successive sequences are incremental.
func applySGR(st *proto.Style, seq string) {
	params := sgrParams(seq)
	for i := 0; i < len(params); i++ {
		p := params[i]
		switch {
		case p == 0:
			*st = proto.Style{}
		case p == 1:
			st.Bold = true
		case p == 2:
			st.Faint = true
		case p == 3:
			st.Italic = true
		case p == 4:
			st.Underline = true
		case p == 5 || p == 6:
			st.Blink = true
		case p == 7:
			st.Inverse = true
		case p == 9:
			st.Strikethrough = true
		case p == 22:
			st.Bold = false
			st.Faint = false
		case p == 23:
			st.Italic = false
		case p == 24:
			st.Underline = false
		case p == 25:
			st.Blink = false
		case p == 27:
			st.Inverse = false
		case p == 29:
			st.Strikethrough = false
		case p >= 30 && p <= 37:
			c := proto.IndexedColor(uint8(p - 30))
			st.Fg = &c
		case p == 38:
			c, consumed := decodeExtendedColor(params[i:])
			if c != nil {
				st.Fg = c
			}
			i += consumed
		case p == 39:
			st.Fg = nil
		case p >= 40 && p <= 47:
			c := proto.IndexedColor(uint8(p - 40))
			st.Bg = &c
		case p == 48:
			c, consumed := decodeExtendedColor(params[i:])
			if c != nil {
				st.Bg = c
			}
			i += consumed
		case p == 49:
			st.Bg = nil
		case p >= 90 && p <= 97:
			c := proto.IndexedColor(uint8(p - 90 + 8))
			st.Fg = &c
		case p >= 100 && p <= 107:
			c := proto.IndexedColor(uint8(p - 100 + 8))
			st.Bg = &c
		}
	}
}

// decodeExtendedColor handles the "38;5;N" (indexed) and "38;2;R;G;B" (rgb)
// sub-sequences, returning the parsed color and how many extra params were
// consumed beyond the leading 38/48.
func decodeExtendedColor(params []int) (*proto.Color, int) {
	if len(params) < 2 {
		return nil, 0
	}
	switch params[1] {
	case 5:
		if len(params) < 3 {
			return nil, 1
		}
		c := proto.IndexedColor(uint8(params[2]))
		return &c, 2
	case 2:
		if len(params) < 5 {
			return nil, len(params) - 1
		}
		c := proto.RGBColor(uint8(params[2]), uint8(params[3]), uint8(params[4]))
		return &c, 4
	default:
		return nil, 1
	}
}

// sgrParams extracts the semicolon-separated numeric parameters from one or
// more concatenated "\x1b[...m" sequences, treating an empty field as 0
// (matching xterm's default-parameter rule).
func sgrParams(seq string) []int {
	var out []int
	for _, part := range strings.Split(seq, "\x1b[") {
		if part == "" {
			continue
		}
		part = strings.TrimSuffix(part, "m")
		for _, f := range strings.Split(part, ";") {
			if f == "" {
				out = append(out, 0)
				continue
			}
			n, err := strconv.Atoi(f)
			if err != nil {
				continue
			}
			out = append(out, n)
		}
	}
	return out
}

// parseAnsiLine decodes a raw ANSI-styled line (as captured into scrollback
// via midterm.Line.Display, grounded on virtualterminal.VT.ScrollHistory's
// "line.Display() + reset" capture) into a Line of spans, maintaining style
// state incrementally across embedded SGR sequences.
func parseAnsiLine(s string) proto.Line {
	var spans []proto.Span
	var cur proto.Style
	var text strings.Builder

	flush := func() {
		if text.Len() == 0 {
			return
		}
		spans = append(spans, proto.Span{Text: text.String(), Style: cur})
		text.Reset()
	}

	i := 0
	for i < len(s) {
		if s[i] == 0x1B && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && !(s[j] >= 0x40 && s[j] <= 0x7E) {
				j++
			}
			if j < len(s) {
				if s[j] == 'm' {
					flush()
					applySGR(&cur, s[i:j+1])
				}
				i = j + 1
				continue
			}
		}
		r, sz := utf8.DecodeRuneInString(s[i:])
		text.WriteRune(r)
		i += sz
	}
	flush()

	if len(spans) == 0 {
		return proto.PlainLine("")
	}
	return proto.Line{Spans: spans}
}
