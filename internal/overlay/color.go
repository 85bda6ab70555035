package overlay

import (
	"strconv"
	"strings"

	"github.com/muesli/termenv"

	"termd/internal/proto"
)

// namedColors is the basic 16-color xterm name table; anything else is
// parsed as a "#rrggbb" hex triple, covering the "named CSS-style color
// string" shape proto.Color documents for overlay/panel spans.
var namedColors = map[string]int{
	"black": 0, "red": 1, "green": 2, "yellow": 3,
	"blue": 4, "magenta": 5, "cyan": 6, "white": 7,
	"bright-black": 8, "bright-red": 9, "bright-green": 10, "bright-yellow": 11,
	"bright-blue": 12, "bright-magenta": 13, "bright-cyan": 14, "bright-white": 15,
}

// resolveNamedColor converts proto.Color.Named into an RGB triple, grounded
// on virtualterminal.ColorToX11's termenv.RGBColor/termenv.ConvertToRGB
// pattern for turning a termenv.Color into concrete 8-bit components.
func resolveNamedColor(name string) (proto.RGB, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return proto.RGB{}, false
	}
	if strings.HasPrefix(name, "#") && len(name) == 7 {
		r, err1 := strconv.ParseUint(name[1:3], 16, 8)
		g, err2 := strconv.ParseUint(name[3:5], 16, 8)
		b, err3 := strconv.ParseUint(name[5:7], 16, 8)
		if err1 == nil && err2 == nil && err3 == nil {
			return proto.RGB{R: uint8(r), G: uint8(g), B: uint8(b)}, true
		}
		return proto.RGB{}, false
	}
	idx, ok := namedColors[name]
	if !ok {
		return proto.RGB{}, false
	}
	rgb := termenv.ConvertToRGB(termenv.ANSIColor(idx))
	return proto.RGB{
		R: uint8(rgb.R*255 + 0.5),
		G: uint8(rgb.G*255 + 0.5),
		B: uint8(rgb.B*255 + 0.5),
	}, true
}

// ResolveColor returns c unchanged unless it's a Named color, in which case
// it's resolved to an RGB triple for renderers that don't understand names.
func ResolveColor(c *proto.Color) *proto.Color {
	if c == nil || c.Named == "" {
		return c
	}
	if rgb, ok := resolveNamedColor(c.Named); ok {
		resolved := proto.RGBColor(rgb.R, rgb.G, rgb.B)
		return &resolved
	}
	return c
}
