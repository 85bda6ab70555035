package proto

import "encoding/json"

// Line is one row of terminal or overlay content: either a single run of
// unstyled text (serialized as a bare JSON string) or a sequence of styled
// Spans (serialized as an array), matching the "line with styling" rule in
// the wire contract.
type Line struct {
	Spans []Span
}

// PlainLine builds an unstyled Line from a string.
func PlainLine(text string) Line {
	return Line{Spans: []Span{{Text: text}}}
}

// Plain reports whether every span in the line carries the zero style,
// in which case the line collapses to a bare string on the wire.
func (l Line) Plain() bool {
	for _, sp := range l.Spans {
		if !sp.Style.IsZero() || sp.ID != "" {
			return false
		}
	}
	return true
}

// Text concatenates every span's text, ignoring style.
func (l Line) Text() string {
	if len(l.Spans) == 1 {
		return l.Spans[0].Text
	}
	var out []byte
	for _, sp := range l.Spans {
		out = append(out, sp.Text...)
	}
	return string(out)
}

func (l Line) MarshalJSON() ([]byte, error) {
	if l.Plain() {
		return json.Marshal(l.Text())
	}
	return json.Marshal(l.Spans)
}

func (l *Line) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		l.Spans = []Span{{Text: text}}
		return nil
	}
	var spans []Span
	if err := json.Unmarshal(data, &spans); err != nil {
		return err
	}
	l.Spans = spans
	return nil
}

// Cursor is the terminal cursor position and visibility.
type Cursor struct {
	Row     int  `json:"row"`
	Col     int  `json:"col"`
	Visible bool `json:"visible"`
}

// Format selects how lines are encoded in a screen/scrollback response.
type Format string

const (
	FormatPlain  Format = "plain"
	FormatStyled Format = "styled"
)

// Screen is a full snapshot of the visible grid.
type Screen struct {
	Rows            int    `json:"rows"`
	Cols            int    `json:"cols"`
	Lines           []Line `json:"lines"`
	Cursor          Cursor `json:"cursor"`
	AlternateActive bool   `json:"alternate_active"`
	Epoch           int64  `json:"epoch"`
}

// ScrollbackPage is a paginated slice of scrollback, oldest-first.
type ScrollbackPage struct {
	Lines      []Line `json:"lines"`
	Offset     int    `json:"offset"`
	TotalLines int    `json:"total_lines"`
}
