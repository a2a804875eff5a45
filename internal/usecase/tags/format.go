package tags

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"astral-proxy/internal/domain"
)

// Reset is the style code that ends every formatted tag.
const Reset = "§r"

var (
	formattingCodeRe = regexp.MustCompile(`(?i)§[0-9a-fk-or]`)
	colorCodeRe      = regexp.MustCompile(`(?i)^§[0-9a-f]$`)
)

var palette = []struct {
	code    string
	r, g, b int
}{
	{"§0", 0, 0, 0}, {"§1", 0, 0, 170},
	{"§2", 0, 170, 0}, {"§3", 0, 170, 170},
	{"§4", 170, 0, 0}, {"§5", 170, 0, 170},
	{"§6", 255, 170, 0}, {"§7", 170, 170, 170},
	{"§8", 85, 85, 85}, {"§9", 85, 85, 255},
	{"§a", 85, 255, 85}, {"§b", 85, 255, 255},
	{"§c", 255, 85, 85}, {"§d", 255, 85, 255},
	{"§e", 255, 255, 85}, {"§f", 255, 255, 255},
}

// StripFormatting removes § style codes.
func StripFormatting(s string) string {
	return formattingCodeRe.ReplaceAllString(s, "")
}

// ColorCode maps a colour to the nearest of the 16 chat colours. It accepts
// an RGB integer (any numeric type or json.Number), "#rrggbb", or a "§x"
// code which is returned as is. Anything else is white.
func ColorCode(color any) string {
	switch c := color.(type) {
	case nil:
		return "§f"
	case int:
		return nearest(int64(c))
	case int64:
		return nearest(c)
	case float64:
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return "§f"
		}
		return nearest(int64(c))
	case json.Number:
		if n, err := c.Int64(); err == nil {
			return nearest(n)
		}
		return "§f"
	case string:
		if strings.HasPrefix(c, "#") {
			if n, err := strconv.ParseInt(c[1:], 16, 64); err == nil {
				return nearest(n)
			}
			return "§f"
		}
		if colorCodeRe.MatchString(c) {
			return c
		}
	}
	return "§f"
}

func nearest(n int64) string {
	r, g, b := int((n>>16)&0xff), int((n>>8)&0xff), int(n&0xff)
	best, bestDist := "§f", math.MaxInt
	for _, p := range palette {
		dr, dg, db := r-p.r, g-p.g, b-p.b
		if d := dr*dr + dg*dg + db*db; d < bestDist {
			bestDist, best = d, p.code
		}
	}
	return best
}

// Input is a tag before formatting: either a preformatted Raw string or a
// Name with a Color.
type Input struct {
	Raw         string
	Name        string
	Color       any
	Description string
}

// Raw wraps a preformatted tag string.
func Raw(s string) Input { return Input{Raw: s} }

// Named builds a coloured tag.
func Named(name string, color any) Input { return Input{Name: name, Color: color} }

// Format renders in to its stored form: trimmed, free of brackets and
// separators, and ending in Reset.
func Format(in Input) (string, error) {
	if in.Name == "" && in.Color == nil {
		s := strings.TrimSpace(in.Raw)
		if err := checkTagText(s); err != nil {
			return "", err
		}
		if strings.HasSuffix(s, Reset) {
			return s, nil
		}
		return s + Reset, nil
	}
	name := strings.TrimSpace(in.Name)
	if err := checkTagText(name); err != nil {
		return "", err
	}
	return ColorCode(in.Color) + name + Reset, nil
}

func checkTagText(s string) error {
	if s == "" {
		return domain.NewDomainError("tags.Format", domain.ErrInvalidTag, "tag is empty")
	}
	if strings.ContainsAny(s, "[]|") {
		return domain.NewDomainError("tags.Format", domain.ErrInvalidTag, fmt.Sprintf("%q contains brackets or separators", s))
	}
	return nil
}

// DisplayName swaps the single-letter warning and info tags for glyphs.
func DisplayName(name string) string {
	switch strings.ToLower(name) {
	case "w":
		return "⚠"
	case "i":
		return "ℹ"
	}
	return name
}

// Line renders tags as the bracketed prefix shown before a player name, or
// "" when there are none.
func Line(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "§7[" + strings.Join(tags, "§7, ") + "§7] "
}
