package proto

import (
	"encoding/json"
	"testing"
)

func TestLine_MarshalPlain(t *testing.T) {
	l := PlainLine("hello")
	data, err := json.Marshal(l)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"hello"` {
		t.Errorf("got %s, want bare string", data)
	}
}

func TestLine_MarshalStyled(t *testing.T) {
	idx := uint8(3)
	l := Line{Spans: []Span{
		{Text: "hi", Style: Style{Fg: &Color{Indexed: &idx}, Bold: true}},
	}}
	data, err := json.Marshal(l)
	if err != nil {
		t.Fatal(err)
	}
	var spans []Span
	if err := json.Unmarshal(data, &spans); err != nil {
		t.Fatalf("expected array of spans, got %s: %v", data, err)
	}
	if len(spans) != 1 || spans[0].Text != "hi" || !spans[0].Bold {
		t.Errorf("round-trip mismatch: %+v", spans)
	}
}

func TestLine_RoundTrip(t *testing.T) {
	tests := []Line{
		PlainLine(""),
		PlainLine("plain text"),
		{Spans: []Span{{Text: "a", Style: Style{Underline: true}}, {Text: "b"}}},
	}
	for _, want := range tests {
		data, err := json.Marshal(want)
		if err != nil {
			t.Fatal(err)
		}
		var got Line
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if got.Text() != want.Text() {
			t.Errorf("Text() round-trip: got %q, want %q", got.Text(), want.Text())
		}
	}
}

func TestColor_MarshalIndexed(t *testing.T) {
	c := IndexedColor(7)
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"indexed":7}` {
		t.Errorf("got %s", data)
	}
}

func TestColor_MarshalRGB(t *testing.T) {
	c := RGBColor(1, 2, 3)
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"rgb":{"r":1,"g":2,"b":3}}` {
		t.Errorf("got %s", data)
	}
}

func TestColor_MarshalNamed(t *testing.T) {
	c := NamedColor("crimson")
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"crimson"` {
		t.Errorf("got %s", data)
	}
}

func TestColor_UnmarshalRoundTrip(t *testing.T) {
	for _, want := range []Color{IndexedColor(9), RGBColor(10, 20, 30), NamedColor("blue")} {
		data, err := json.Marshal(want)
		if err != nil {
			t.Fatal(err)
		}
		var got Color
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		gotData, _ := json.Marshal(got)
		if string(gotData) != string(data) {
			t.Errorf("round-trip mismatch: got %s, want %s", gotData, data)
		}
	}
}
