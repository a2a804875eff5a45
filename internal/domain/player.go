package domain

import (
	"strings"
)

// NormalizePlayerID lowercases id and strips dashes so dashed and undashed
// UUID forms address the same player.
func NormalizePlayerID(id string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(id)), "-", "")
}

// TagDetail pairs a formatted tag with its human-readable description.
type TagDetail struct {
	Text        string `json:"text"`
	Description string `json:"description"`
}

// PlayerTags is the result of a tag lookup.
type PlayerTags struct {
	Tags         []string    `json:"tags"`
	CustomTag    *string     `json:"custom_tag"`
	TagsDetailed []TagDetail `json:"tags_detailed"`
}

// RemoteTag is a tag as returned by a tag source, before formatting.
type RemoteTag struct {
	Name        string `json:"name"`
	Color       any    `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
}

// PingInfo summarises a player's recorded ping history.
type PingInfo struct {
	AveragePing       *float64 `json:"average_ping"`
	LastSeenUnixMilli *int64   `json:"last_seen_unix_ms"`
	LastSeenFormatted *string  `json:"last_seen_formatted"`
}

// BedwarsStats is the aggregated stats line for a player.
type BedwarsStats struct {
	Level         float64 `json:"level"`
	Finals        float64 `json:"finals"`
	FKDR          float64 `json:"fkdr"`
	Wins          float64 `json:"wins"`
	WLR           float64 `json:"wlr"`
	Kills         float64 `json:"kills"`
	Deaths        float64 `json:"deaths"`
	KDR           float64 `json:"kdr"`
	Beds          float64 `json:"beds"`
	BBLR          float64 `json:"bblr"`
	Winstreak     float64 `json:"winstreak"`
	Rank          string  `json:"rank"`
	RankPlusColor string  `json:"rankPlusColor"`
}

// KeyValidation reports whether a backend key was accepted.
type KeyValidation struct {
	Valid  bool `json:"valid"`
	Status int  `json:"status"`
}

// ChannelUser is a member of the shared chat channel.
type ChannelUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SessionIdentity is what the backend reports about us after AUTH.
type SessionIdentity struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	FeatureEnabled bool   `json:"feature_enabled"`
}

// IdentityStatus is the answer to an identity lookup.
type IdentityStatus struct {
	PlayerID  string `json:"player_id"`
	OnNetwork bool   `json:"on_network"`
}
