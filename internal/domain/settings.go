package domain

import (
	"strconv"
	"strings"
)

// Tag categories understood by the backend tag endpoint.
const (
	CategoryBlacklist  = "blacklist"
	CategoryUnverified = "unverified"
	CategoryGaps       = "gaps"
	CategoryNacc       = "nacc"
	CategoryPing       = "ping"
	CategoryRadar      = "radar"
	CategoryRnc        = "rnc"
	CategoryStatacc    = "statacc"
	CategoryUrchin     = "urchin"
)

// backendCategories is the fixed order used for query params and signatures.
var backendCategories = []string{
	CategoryBlacklist, CategoryUnverified, CategoryGaps, CategoryNacc,
	CategoryPing, CategoryRadar, CategoryRnc, CategoryStatacc,
}

// TagSettings toggles individual tag categories.
type TagSettings struct {
	Blacklist  bool `yaml:"blacklist" json:"blacklist"`
	Unverified bool `yaml:"unverified" json:"unverified"`
	Gaps       bool `yaml:"gaps" json:"gaps"`
	Nacc       bool `yaml:"nacc" json:"nacc"`
	Ping       bool `yaml:"ping" json:"ping"`
	Radar      bool `yaml:"radar" json:"radar"`
	Rnc        bool `yaml:"rnc" json:"rnc"`
	Statacc    bool `yaml:"statacc" json:"statacc"`
	Urchin     bool `yaml:"urchin" json:"urchin"`
}

// DefaultTagSettings returns the out-of-the-box category selection.
func DefaultTagSettings() TagSettings {
	return TagSettings{
		Blacklist:  true,
		Unverified: true,
		Gaps:       true,
		Nacc:       false,
		Ping:       true,
		Radar:      false,
		Rnc:        true,
		Statacc:    true,
		Urchin:     false,
	}
}

// Enabled reports whether the named category is on. Unknown names are off.
func (s TagSettings) Enabled(category string) bool {
	if p := s.field(category); p != nil {
		return *p
	}
	return false
}

// Set toggles the named category. It reports false for unknown names.
func (s *TagSettings) Set(category string, on bool) bool {
	p := s.field(category)
	if p == nil {
		return false
	}
	*p = on
	return true
}

func (s *TagSettings) field(category string) *bool {
	switch category {
	case CategoryBlacklist:
		return &s.Blacklist
	case CategoryUnverified:
		return &s.Unverified
	case CategoryGaps:
		return &s.Gaps
	case CategoryNacc:
		return &s.Nacc
	case CategoryPing:
		return &s.Ping
	case CategoryRadar:
		return &s.Radar
	case CategoryRnc:
		return &s.Rnc
	case CategoryStatacc:
		return &s.Statacc
	case CategoryUrchin:
		return &s.Urchin
	}
	return nil
}

// QueryParams returns the tag endpoint parameters: color=true plus
// <category>=false for every disabled backend category.
func (s TagSettings) QueryParams() map[string]string {
	params := map[string]string{"color": "true"}
	for _, c := range backendCategories {
		if !s.Enabled(c) {
			params[c] = "false"
		}
	}
	return params
}

// Signature is a short stable hash over the backend categories. Cached
// tag results are keyed by it so toggling a category misses the cache.
func (s TagSettings) Signature() string {
	parts := make([]string, len(backendCategories))
	for i, c := range backendCategories {
		v := 0
		if s.Enabled(c) {
			v = 1
		}
		parts[i] = c + ":" + strconv.Itoa(v)
	}
	var h int32
	for _, r := range strings.Join(parts, "|") {
		h = (h << 5) - h + int32(r)
	}
	n := int64(h)
	if n < 0 {
		n = -n
	}
	return strconv.FormatInt(n, 36)
}
