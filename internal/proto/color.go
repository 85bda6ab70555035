package proto

import "encoding/json"

// RGB is a 24-bit color triple.
type RGB struct {
	R, G, B uint8
}

// Color represents either a palette index, an RGB triple, or (for overlay
// and panel spans only) a named CSS-style color string. Terminal cells only
// ever populate Indexed or RGB; overlays/panels only ever populate Named or
// RGB. Exactly one of the populated fields drives MarshalJSON.
type Color struct {
	Indexed *uint8
	RGB     *RGB
	Named   string
}

// IndexedColor builds a palette-index Color for terminal cells.
func IndexedColor(idx uint8) Color {
	return Color{Indexed: &idx}
}

// RGBColor builds an RGB Color, valid for both cells and overlay spans.
func RGBColor(r, g, b uint8) Color {
	return Color{RGB: &RGB{R: r, G: g, B: b}}
}

// NamedColor builds a named-string Color, valid only for overlay/panel spans.
func NamedColor(name string) Color {
	return Color{Named: name}
}

type wireRGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

func (c Color) MarshalJSON() ([]byte, error) {
	switch {
	case c.Indexed != nil:
		return json.Marshal(struct {
			Indexed uint8 `json:"indexed"`
		}{Indexed: *c.Indexed})
	case c.RGB != nil:
		return json.Marshal(struct {
			RGB wireRGB `json:"rgb"`
		}{RGB: wireRGB{R: c.RGB.R, G: c.RGB.G, B: c.RGB.B}})
	case c.Named != "":
		return json.Marshal(c.Named)
	default:
		return []byte("null"), nil
	}
}

func (c *Color) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		c.Named = name
		return nil
	}
	var shape struct {
		Indexed *uint8   `json:"indexed"`
		RGB     *wireRGB `json:"rgb"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return err
	}
	c.Indexed = shape.Indexed
	if shape.RGB != nil {
		c.RGB = &RGB{R: shape.RGB.R, G: shape.RGB.G, B: shape.RGB.B}
	}
	return nil
}
