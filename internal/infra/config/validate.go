package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateLink(cfg, ve)
	validateRateLimit(cfg, ve)
	validateCache(cfg, ve)
	validateHypixel(cfg, ve)
	validateUrchin(cfg, ve)
	validateControl(cfg, ve)
	validateScheduler(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true}
	validActions    = map[string]bool{"cache_sweep": true, "credential_check": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q must be one of debug, info, warn, error", cfg.Logger.Level)
	}
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateLink(cfg *Config, ve *ValidationError) {
	l := cfg.Link
	if l.URL == "" {
		ve.Add("link.url is required")
	} else if u, err := url.Parse(l.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		ve.Add("link.url %q must be a ws:// or wss:// URL", l.URL)
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"link.request_timeout", l.RequestTimeout},
		{"link.reconnect_delay", l.ReconnectDelay},
		{"link.keepalive_interval", l.KeepaliveInterval},
		{"link.identity_timeout", l.IdentityTimeout},
		{"link.user_list_timeout", l.UserListTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			ve.Add("%s must be > 0", p.name)
		}
	}
	if l.Channel.Join && l.Channel.Name == "" {
		ve.Add("link.channel.name is required when link.channel.join is set")
	}
}

func validateRateLimit(cfg *Config, ve *ValidationError) {
	if cfg.RateLimit.FallbackMax <= 0 {
		ve.Add("rate_limit.fallback_max must be > 0")
	}
	if cfg.RateLimit.FallbackWindow < time.Second {
		ve.Add("rate_limit.fallback_window must be at least 1s")
	}
	if cfg.RateLimit.RESTBaseURL != "" {
		validateHTTPURL("rate_limit.rest_base_url", cfg.RateLimit.RESTBaseURL, ve)
	}
}

func validateCache(cfg *Config, ve *ValidationError) {
	c := cfg.Cache
	if c.TagsTTL <= 0 || c.PingTTL <= 0 || c.StatsTTL <= 0 || c.KeyTTL <= 0 {
		ve.Add("cache TTLs must be > 0")
	}
	if c.BatchSize <= 0 {
		ve.Add("cache.batch_size must be > 0")
	}
	if c.BatchDelay <= 0 {
		ve.Add("cache.batch_delay must be > 0")
	}
}

func validateHypixel(cfg *Config, ve *ValidationError) {
	if cfg.Hypixel.Key == "" {
		return
	}
	validateHTTPURL("hypixel.base_url", cfg.Hypixel.BaseURL, ve)
}

func validateUrchin(cfg *Config, ve *ValidationError) {
	if !cfg.Urchin.Enabled {
		return
	}
	validateHTTPURL("urchin.base_url", cfg.Urchin.BaseURL, ve)
	if cfg.Urchin.RequestsPerSecond <= 0 {
		ve.Add("urchin.requests_per_second must be > 0 when urchin is enabled")
	}
}

func validateHTTPURL(field, raw string, ve *ValidationError) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("%s %q must be an http(s) URL", field, raw)
	}
}

func validateControl(cfg *Config, ve *ValidationError) {
	if !cfg.Control.Enabled {
		return
	}
	if cfg.Control.Addr == "" {
		ve.Add("control.addr is required when control is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Control.Addr); err != nil {
		ve.Add("control.addr %q is not a valid host:port", cfg.Control.Addr)
	}
	for i, t := range cfg.Control.Tokens {
		if t.Token == "" {
			ve.Add("control.tokens[%d].token is required", i)
		}
	}
	if cfg.Control.RequestsPerMinute < 0 || cfg.Control.Burst < 0 {
		ve.Add("control.requests_per_minute and control.burst must be >= 0")
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		} else if _, err := time.ParseDuration(t.Schedule); err != nil {
			if _, err := parser.Parse(t.Schedule); err != nil {
				ve.Add("scheduler.tasks[%d].schedule %q is neither a duration nor a cron expression", i, t.Schedule)
			}
		}
		if !validActions[t.Action] {
			ve.Add("scheduler.tasks[%d].action %q is unknown", i, t.Action)
		}
	}
}
