package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"astral-proxy/internal/domain"
)

// Chat colour codes as they appear after the section sign.
var codeColors = map[rune]lipgloss.Color{
	'0': "#000000",
	'1': "#0000AA",
	'2': "#00AA00",
	'3': "#00AAAA",
	'4': "#AA0000",
	'5': "#AA00AA",
	'6': "#FFAA00",
	'7': "#AAAAAA",
	'8': "#555555",
	'9': "#5555FF",
	'a': "#55FF55",
	'b': "#55FFFF",
	'c': "#FF5555",
	'd': "#FF55FF",
	'e': "#FFFF55",
	'f': "#FFFFFF",
}

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#55FFFF"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).Width(12)
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

// renderCodes turns a §-coded string into terminal styling.
func renderCodes(s string) string {
	var out strings.Builder
	var seg strings.Builder
	style := lipgloss.NewStyle()

	flush := func() {
		if seg.Len() == 0 {
			return
		}
		out.WriteString(style.Render(seg.String()))
		seg.Reset()
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '§' || i+1 >= len(runes) {
			seg.WriteRune(runes[i])
			continue
		}
		code := toLower(runes[i+1])
		i++
		flush()
		switch {
		case codeColors[code] != "":
			// A colour code also resets formatting.
			style = lipgloss.NewStyle().Foreground(codeColors[code])
		case code == 'l':
			style = style.Bold(true)
		case code == 'm':
			style = style.Strikethrough(true)
		case code == 'n':
			style = style.Underline(true)
		case code == 'o':
			style = style.Italic(true)
		case code == 'r':
			style = lipgloss.NewStyle()
		case code == 'k':
		default:
			seg.WriteRune('§')
			seg.WriteRune(runes[i])
		}
	}
	flush()
	return out.String()
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

func renderLookup(w io.Writer, player string, tags domain.PlayerTags, ping domain.PingInfo, stats *domain.BedwarsStats) {
	fmt.Fprintln(w, headingStyle.Render(player))

	if len(tags.TagsDetailed) == 0 {
		fmt.Fprintln(w, labelStyle.Render("tags")+dimStyle.Render("none"))
	}
	for i, t := range tags.TagsDetailed {
		label := ""
		if i == 0 {
			label = "tags"
		}
		fmt.Fprintln(w, labelStyle.Render(label)+renderCodes(t.Text)+" "+dimStyle.Render(t.Description))
	}
	if tags.CustomTag != nil {
		fmt.Fprintln(w, labelStyle.Render("custom")+renderCodes(*tags.CustomTag))
	}

	if ping.AveragePing != nil {
		fmt.Fprintln(w, labelStyle.Render("ping")+fmt.Sprintf("%.0fms", *ping.AveragePing))
	}
	if ping.LastSeenFormatted != nil {
		fmt.Fprintln(w, labelStyle.Render("last seen")+*ping.LastSeenFormatted)
	} else if ping.LastSeenUnixMilli != nil {
		fmt.Fprintln(w, labelStyle.Render("last seen")+time.UnixMilli(*ping.LastSeenUnixMilli).Format(time.RFC1123))
	}

	if stats == nil {
		fmt.Fprintln(w, labelStyle.Render("stats")+dimStyle.Render("unavailable"))
		return
	}
	fmt.Fprintln(w, labelStyle.Render("rank")+rankLabel(stats.Rank, stats.RankPlusColor))
	rows := []struct {
		name  string
		value string
	}{
		{"level", fmt.Sprintf("%.0f", stats.Level)},
		{"finals", fmt.Sprintf("%.0f (FKDR %.2f)", stats.Finals, stats.FKDR)},
		{"wins", fmt.Sprintf("%.0f (WLR %.2f)", stats.Wins, stats.WLR)},
		{"kills", fmt.Sprintf("%.0f (KDR %.2f)", stats.Kills, stats.KDR)},
		{"beds", fmt.Sprintf("%.0f (BBLR %.2f)", stats.Beds, stats.BBLR)},
		{"winstreak", winstreakLabel(stats.Winstreak)},
	}
	for _, r := range rows {
		fmt.Fprintln(w, labelStyle.Render(r.name)+r.value)
	}
}

// Named plus colours mapped to their chat codes.
var plusColors = map[string]string{
	"BLACK": "0", "DARK_BLUE": "1", "DARK_GREEN": "2", "DARK_AQUA": "3",
	"DARK_RED": "4", "DARK_PURPLE": "5", "GOLD": "6", "GRAY": "7",
	"DARK_GRAY": "8", "BLUE": "9", "GREEN": "a", "AQUA": "b",
	"RED": "c", "LIGHT_PURPLE": "d", "YELLOW": "e", "WHITE": "f",
}

// rankCode returns the §-coded rank as it shows in game.
func rankCode(rank, plusColor string) string {
	plus := "§" + plusColors[strings.ToUpper(plusColor)]
	if plus == "§" {
		plus = "§c"
	}
	switch rank {
	case "", "None":
		return "§7None"
	case "VIP":
		return "§aVIP"
	case "VIP+":
		return "§aVIP§6+"
	case "MVP":
		return "§bMVP"
	case "MVP+":
		return "§bMVP" + plus + "+"
	case "MVP++":
		return "§6MVP" + plus + "++"
	}
	return "§c" + rank
}

func rankLabel(rank, plusColor string) string {
	return renderCodes(rankCode(rank, plusColor))
}

func winstreakLabel(ws float64) string {
	if ws < 0 {
		return dimStyle.Render("hidden")
	}
	return fmt.Sprintf("%.0f", ws)
}

func renderUsers(w io.Writer, users []domain.ChannelUser) {
	fmt.Fprintln(w, headingStyle.Render(fmt.Sprintf("%d user(s) in channel", len(users))))
	for _, u := range users {
		name := u.Name
		if name == "" {
			name = u.ID
		}
		fmt.Fprintln(w, "  "+name+" "+dimStyle.Render(u.ID))
	}
}
