package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// SVGProviderName is the provider key of SVGSynthesizer.
const SVGProviderName = "svg"

var paletteColors = map[string][2]string{
	"ember": {"#2b0f0e", "#ff6b35"},
	"tide":  {"#0b2545", "#8da9c4"},
	"moss":  {"#1b2d1b", "#9bc53d"},
	"dusk":  {"#2d1e2f", "#e0a458"},
	"bone":  {"#f4f1de", "#3d405b"},
	"neon":  {"#0d0221", "#ff2a6d"},
}

// SVGSynthesizer renders a deterministic vector image from the attributes.
type SVGSynthesizer struct {
	Size int
}

func (s SVGSynthesizer) Synthesize(ctx context.Context, subjectID string, attrs Attributes, options map[string]interface{}, report Reporter) (Asset, error) {
	if err := ctx.Err(); err != nil {
		return Asset{}, Transient(err)
	}

	size := s.Size
	if size <= 0 {
		size = 512
	}
	colors, ok := paletteColors[attrs.Traits["palette"]]
	if !ok {
		return Asset{}, fmt.Errorf("no colors for palette %q", attrs.Traits["palette"])
	}
	count, err := strconv.Atoi(attrs.Traits["count"])
	if err != nil || count <= 0 {
		count = 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`, size, size, size, size)
	fmt.Fprintf(&b, `<rect width="100%%" height="100%%" fill="%s"/>`, colors[0])
	writePattern(&b, attrs.Traits["pattern"], size, colors[1])
	report(50, "background rendered")

	step := size / (count + 1)
	for i := 1; i <= count; i++ {
		writeShape(&b, attrs.Traits["shape"], step*i, size/2, step/3, colors[1])
	}
	fmt.Fprintf(&b, `<text x="%d" y="%d" font-family="monospace" font-size="%d" fill="%s">#%s · %s</text>`,
		size/20, size-size/20, size/24, colors[1], escapeXML(subjectID), attrs.Rarity)
	b.WriteString(`</svg>`)

	return Asset{
		Data:        []byte(b.String()),
		ContentType: "image/svg+xml",
		Extension:   ".svg",
	}, nil
}

func writePattern(b *strings.Builder, pattern string, size int, color string) {
	switch pattern {
	case "stripes":
		for y := 0; y < size; y += size / 8 {
			fmt.Fprintf(b, `<rect y="%d" width="%d" height="%d" fill="%s" opacity="0.12"/>`, y, size, size/16, color)
		}
	case "dots":
		for x := size / 16; x < size; x += size / 8 {
			for y := size / 16; y < size; y += size / 8 {
				fmt.Fprintf(b, `<circle cx="%d" cy="%d" r="%d" fill="%s" opacity="0.12"/>`, x, y, size/64, color)
			}
		}
	case "grid":
		for v := 0; v < size; v += size / 8 {
			fmt.Fprintf(b, `<line x1="%d" y1="0" x2="%d" y2="%d" stroke="%s" opacity="0.12"/>`, v, v, size, color)
			fmt.Fprintf(b, `<line x1="0" y1="%d" x2="%d" y2="%d" stroke="%s" opacity="0.12"/>`, v, size, v, color)
		}
	}
}

func writeShape(b *strings.Builder, shape string, cx, cy, r int, color string) {
	switch shape {
	case "diamond":
		fmt.Fprintf(b, `<polygon points="%d,%d %d,%d %d,%d %d,%d" fill="%s"/>`, cx, cy-r, cx+r, cy, cx, cy+r, cx-r, cy, color)
	case "hexagon":
		h := r * 87 / 100
		fmt.Fprintf(b, `<polygon points="%d,%d %d,%d %d,%d %d,%d %d,%d %d,%d" fill="%s"/>`,
			cx-r, cy, cx-r/2, cy-h, cx+r/2, cy-h, cx+r, cy, cx+r/2, cy+h, cx-r/2, cy+h, color)
	case "ring":
		fmt.Fprintf(b, `<circle cx="%d" cy="%d" r="%d" fill="none" stroke="%s" stroke-width="%d"/>`, cx, cy, r, color, r/4+1)
	case "triangle":
		fmt.Fprintf(b, `<polygon points="%d,%d %d,%d %d,%d" fill="%s"/>`, cx, cy-r, cx+r, cy+r, cx-r, cy+r, color)
	default:
		fmt.Fprintf(b, `<circle cx="%d" cy="%d" r="%d" fill="%s"/>`, cx, cy, r, color)
	}
}

func escapeXML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}
