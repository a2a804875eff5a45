package playerdata

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"astral-proxy/internal/domain"
)

type pingResponse struct {
	Average *struct {
		Average *float64 `json:"average"`
	} `json:"average"`
	History []struct {
		Timestamp json.Number `json:"timestamp"`
	} `json:"history"`
}

// GetPingInfo returns the player's ping summary. Failed lookups are cached
// as an empty summary for the ping TTL.
func (s *Service) GetPingInfo(ctx context.Context, playerID string) domain.PingInfo {
	id := domain.NormalizePlayerID(playerID)
	key := "ping:" + id
	if info, ok := s.pingCache.Get(key); ok {
		return info
	}
	if s.api == nil {
		return domain.PingInfo{}
	}

	raw, err := s.api.Do(ctx, domain.APIRequest{
		Method: "GET",
		Path:   "/v1/player/ping",
		Query:  map[string]string{"player": id},
	})
	var info domain.PingInfo
	if err == nil {
		info, err = parsePing(raw, s.now())
	}
	if err != nil {
		if ctx.Err() != nil {
			return domain.PingInfo{}
		}
		s.logger.Debug("ping lookup failed", "player", id, "error", err)
		info = domain.PingInfo{}
	}
	s.pingCache.Set(key, info)
	return info
}

func parsePing(raw []byte, now time.Time) (domain.PingInfo, error) {
	var resp pingResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.PingInfo{}, domain.NewDomainError("playerdata.parsePing", domain.ErrDecode, err.Error())
	}
	var info domain.PingInfo
	if resp.Average != nil && resp.Average.Average != nil {
		avg := *resp.Average.Average
		info.AveragePing = &avg
	}
	var last int64
	for _, h := range resp.History {
		ts, err := h.Timestamp.Float64()
		if err != nil {
			continue
		}
		if n := int64(ts); n > last {
			last = n
		}
	}
	if last > 0 {
		formatted := formatLastSeen(last, now)
		info.LastSeenUnixMilli = &last
		info.LastSeenFormatted = &formatted
	}
	return info, nil
}

// formatLastSeen renders a coarse age: "Xy Mm ago", "Mm Dd ago" or "Nd ago".
func formatLastSeen(lastMilli int64, now time.Time) string {
	last := time.UnixMilli(lastMilli).In(now.Location())
	years := now.Year() - last.Year()
	months := int(now.Month()) - int(last.Month())
	days := now.Day() - last.Day()
	if days < 0 {
		months--
	}
	if months < 0 {
		years--
		months += 12
	}
	switch {
	case years > 0:
		return fmt.Sprintf("%dy %dm ago", years, months)
	case months > 0:
		return fmt.Sprintf("%dm %dd ago", months, max(days, 0))
	}
	total := int(math.Floor(now.Sub(last).Hours() / 24))
	return fmt.Sprintf("%dd ago", max(total, 0))
}

// GetAggregatedStats returns the player's stats line, asking the fallback
// source when the backend has nothing. Only found stats are cached.
func (s *Service) GetAggregatedStats(ctx context.Context, playerID string) *domain.BedwarsStats {
	id := domain.NormalizePlayerID(playerID)
	key := "stats:" + id
	if st, ok := s.statsCache.Get(key); ok {
		return &st
	}

	var stats *domain.BedwarsStats
	if s.api != nil {
		raw, err := s.api.Do(ctx, domain.APIRequest{
			Method: "GET",
			Path:   "/v1/player/bedwars/tabstats",
			Query:  map[string]string{"player": id, "rank": "true"},
		})
		if err == nil {
			stats, err = parseStats(raw)
		}
		if err != nil {
			s.logger.Debug("stats lookup failed", "player", id, "error", err)
		}
	}
	if stats == nil && s.fallback != nil && ctx.Err() == nil {
		fb, err := s.fallback.PlayerStats(ctx, id)
		if err != nil {
			s.logger.Debug("fallback stats lookup failed", "player", id, "error", err)
		}
		stats = fb
	}
	if stats != nil {
		s.statsCache.Set(key, *stats)
	}
	return stats
}

func parseStats(raw []byte) (*domain.BedwarsStats, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, domain.NewDomainError("playerdata.parseStats", domain.ErrDecode, err.Error())
	}
	if m == nil {
		return nil, nil
	}
	num := func(k string) float64 {
		if v, ok := m[k].(float64); ok {
			return v
		}
		return 0
	}
	str := func(k, def string) string {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
		return def
	}
	return &domain.BedwarsStats{
		Level:         num("level"),
		Finals:        num("finals"),
		FKDR:          num("fkdr"),
		Wins:          num("wins"),
		WLR:           num("wlr"),
		Kills:         num("kills"),
		Deaths:        num("deaths"),
		KDR:           num("kdr"),
		Beds:          num("beds"),
		BBLR:          num("bblr"),
		Winstreak:     num("winstreak"),
		Rank:          str("rank", "None"),
		RankPlusColor: str("rankPlusColor", ""),
	}, nil
}

// ValidateKey checks a backend key. A 403 is returned without caching so a
// fixed key can be retried immediately; transport errors cache as invalid.
func (s *Service) ValidateKey(ctx context.Context, key string) domain.KeyValidation {
	cacheKey := "key:" + key
	if v, ok := s.keyCache.Get(cacheKey); ok {
		return v
	}
	if s.keys == nil {
		return domain.KeyValidation{}
	}
	if s.keyLimiter != nil {
		if err := s.keyLimiter.Acquire(ctx, 1); err != nil {
			return domain.KeyValidation{}
		}
	}
	res, err := s.keys.ValidateKey(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return domain.KeyValidation{}
		}
		s.logger.Debug("key validation failed", "error", err)
		res = domain.KeyValidation{}
		s.keyCache.Set(cacheKey, res)
		return res
	}
	if res.Status == http.StatusForbidden {
		return res
	}
	s.keyCache.Set(cacheKey, res)
	return res
}
