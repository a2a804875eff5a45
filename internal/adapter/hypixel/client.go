// Package hypixel is the stats fallback used when the backend has no
// aggregated line for a player.
package hypixel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"astral-proxy/internal/adapter/httpx"
	"astral-proxy/internal/domain"
	"astral-proxy/internal/infra/config"
	"astral-proxy/internal/usecase/ratelimit"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// Client fetches player profiles and derives the Bedwars stats line.
type Client struct {
	key     string
	baseURL string
	http    *http.Client
	limiter *ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker[*player]
	logger  *slog.Logger
}

// New creates a Client. The request budget starts at the default and follows
// the RateLimit-* headers of every answer.
func New(cfg config.HypixelConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.CircuitBreaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.CircuitBreaker.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.CircuitBreaker.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*player](gobreaker.Settings{
		Name:        "hypixel",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A player without Bedwars stats is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrNotFound)
		},
	})

	return &Client{
		key:     strings.TrimSpace(cfg.Key),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpx.NewHTTPClient(cfg.Timeout),
		limiter: ratelimit.New(ratelimit.DefaultInfo()),
		breaker: cb,
		logger:  logger,
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool { return c.key != "" }

// Budget returns the current request budget.
func (c *Client) Budget() ratelimit.Snapshot { return c.limiter.Snapshot() }

// State returns the circuit breaker state for monitoring.
func (c *Client) State() gobreaker.State { return c.breaker.State() }

// Stop releases the limiter's refill timer.
func (c *Client) Stop() { c.limiter.Stop() }

// PlayerStats implements the stats fallback.
func (c *Client) PlayerStats(ctx context.Context, playerID string) (*domain.BedwarsStats, error) {
	if !c.Enabled() {
		return nil, domain.NewSubSystemError("hypixel", "hypixel.PlayerStats", domain.ErrDisabled, "no api key")
	}
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p, err := c.breaker.Execute(func() (*player, error) {
		return c.fetch(ctx, domain.NormalizePlayerID(playerID))
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("hypixel.PlayerStats: %w: %w", domain.ErrCircuitOpen, err)
		}
		return nil, err
	}
	stats := p.bedwarsStats()
	return &stats, nil
}

func (c *Client) fetch(ctx context.Context, playerID string) (*player, error) {
	u := c.baseURL + "/player?key=" + url.QueryEscape(c.key) + "&uuid=" + url.QueryEscape(playerID)
	resp, err := httpx.Get(ctx, c.http, u, nil)
	if err != nil {
		return nil, domain.NewSubSystemError("hypixel", "hypixel.PlayerStats", domain.ErrProviderError, err.Error())
	}
	c.limiter.UpdateFromHeaders(resp.Header)
	if !resp.OK() {
		return nil, domain.WrapOp("hypixel.PlayerStats", httpx.StatusError(resp))
	}

	var body playerResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("hypixel.PlayerStats: %w: %v", domain.ErrDecode, err)
	}
	if !body.Success {
		return nil, domain.NewSubSystemError("hypixel", "hypixel.PlayerStats", domain.ErrProviderError, body.Cause)
	}
	if body.Player == nil || body.Player.Stats.Bedwars == nil {
		return nil, domain.NewDomainError("hypixel.PlayerStats", domain.ErrNotFound, "no bedwars stats")
	}
	return body.Player, nil
}

type playerResponse struct {
	Success bool    `json:"success"`
	Cause   string  `json:"cause"`
	Player  *player `json:"player"`
}

type player struct {
	Rank               string `json:"rank"`
	MonthlyPackageRank string `json:"monthlyPackageRank"`
	NewPackageRank     string `json:"newPackageRank"`
	PackageRank        string `json:"packageRank"`
	RankPlusColor      string `json:"rankPlusColor"`
	Achievements       struct {
		BedwarsLevel float64 `json:"bedwars_level"`
	} `json:"achievements"`
	Stats struct {
		Bedwars *bedwars `json:"Bedwars"`
	} `json:"stats"`
}

type bedwars struct {
	FinalKills  float64  `json:"final_kills_bedwars"`
	FinalDeaths float64  `json:"final_deaths_bedwars"`
	Wins        float64  `json:"wins_bedwars"`
	Losses      float64  `json:"losses_bedwars"`
	Kills       float64  `json:"kills_bedwars"`
	Deaths      float64  `json:"deaths_bedwars"`
	BedsBroken  float64  `json:"beds_broken_bedwars"`
	BedsLost    float64  `json:"beds_lost_bedwars"`
	Winstreak   *float64 `json:"winstreak"`
}

// UnknownWinstreak marks a profile that hides its winstreak.
const UnknownWinstreak = -1

func (p *player) bedwarsStats() domain.BedwarsStats {
	bw := p.Stats.Bedwars
	ws := float64(UnknownWinstreak)
	if bw.Winstreak != nil {
		ws = *bw.Winstreak
	}
	rank, plus := p.rank()
	return domain.BedwarsStats{
		Level:         p.Achievements.BedwarsLevel,
		Finals:        bw.FinalKills,
		FKDR:          ratio(bw.FinalKills, bw.FinalDeaths),
		Wins:          bw.Wins,
		WLR:           ratio(bw.Wins, bw.Losses),
		Kills:         bw.Kills,
		Deaths:        bw.Deaths,
		KDR:           ratio(bw.Kills, bw.Deaths),
		Beds:          bw.BedsBroken,
		BBLR:          ratio(bw.BedsBroken, bw.BedsLost),
		Winstreak:     ws,
		Rank:          rank,
		RankPlusColor: plus,
	}
}

// rank resolves the displayed rank: staff rank, then subscription, then
// purchased package.
func (p *player) rank() (string, string) {
	rank := "None"
	switch {
	case p.Rank != "" && p.Rank != "NORMAL":
		rank = p.Rank
	case p.MonthlyPackageRank != "" && p.MonthlyPackageRank != "NONE":
		rank = p.MonthlyPackageRank
	case p.NewPackageRank != "":
		rank = p.NewPackageRank
	case p.PackageRank != "":
		rank = p.PackageRank
	}
	switch rank {
	case "VIP_PLUS":
		rank = "VIP+"
	case "MVP_PLUS":
		rank = "MVP+"
	case "SUPERSTAR":
		rank = "MVP++"
	case "NONE":
		rank = "None"
	}
	plus := p.RankPlusColor
	if plus == "" {
		plus = "RED"
	}
	return rank, plus
}

func ratio(x, y float64) float64 {
	return math.Round(x/math.Max(1, y)*100) / 100
}
