package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"astral-proxy/internal/adapter/winstreak"
	"astral-proxy/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

const minTokenLength = 16

// runDoctor executes all health checks and reports results.
func runDoctor(cfgPath string, w io.Writer) error {
	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Link credential", Fn: checkCredential},
		{Name: "Network", Fn: checkNetwork},
		{Name: "Backend budget", Fn: checkBackendBudget},
		{Name: "Hypixel fallback", Fn: checkHypixel},
		{Name: "Urchin enrichment", Fn: checkUrchin},
		{Name: "Control surface", Fn: checkControl},
	}

	fmt.Fprintln(w, "astral doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func notLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
}

// checkConfigFile returns a check that verifies the config file exists and parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and file permissions (0600)",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and ASTRAL_* env", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkCredential(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	cred := cfg.Link.Credential
	switch {
	case cred == "":
		return CheckResult{
			Status:  StatusFail,
			Message: "link.credential is empty",
			Fix:     "Set link.credential in config.yaml or ASTRAL_LINK_CREDENTIAL",
		}
	case strings.HasPrefix(cred, "enc:"):
		return CheckResult{
			Status:  StatusFail,
			Message: "credential is still encrypted",
			Fix:     "Export ASTRAL_CONFIG_KEY with the passphrase used by 'astral encrypt'",
		}
	}
	return CheckResult{Status: StatusPass, Message: "credential configured"}
}

// checkNetwork dials the backend host.
func checkNetwork(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	addr, err := dialAddr(cfg.Link.URL)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Check link.url"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", addr, err),
			Fix:     "Check your network connection and firewall settings",
		}
	}
	conn.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s reachable", addr)}
}

// dialAddr derives host:port from a ws(s) or http(s) URL.
func dialAddr(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid link url %q", raw)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "wss", "https":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	case "ws", "http":
		return net.JoinHostPort(u.Hostname(), "80"), nil
	}
	return "", fmt.Errorf("unsupported link url scheme %q", u.Scheme)
}

// checkBackendBudget asks the REST API for the credential's rate budget.
func checkBackendBudget(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if cfg.Link.Credential == "" {
		return CheckResult{Status: StatusWarn, Message: "skipped, no credential"}
	}
	client := winstreak.New(cfg.RateLimit.RESTBaseURL, cfg.RateLimit.FetchTimeout, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := client.FetchRateInfo(ctx, cfg.Link.Credential)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("budget lookup failed, fallback %d per %s applies: %v", cfg.RateLimit.FallbackMax, cfg.RateLimit.FallbackWindow, err),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d/%d requests left per %s", info.Remaining, info.Max, info.Window),
	}
}

func checkHypixel(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if cfg.Hypixel.Key == "" {
		return CheckResult{Status: StatusWarn, Message: "no hypixel.key, stats come from the backend only"}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("key set, breaker opens after %d failures", cfg.Hypixel.CircuitBreaker.MaxFailures)}
}

func checkUrchin(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if !cfg.Urchin.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	if cfg.Urchin.Key == "" {
		return CheckResult{Status: StatusWarn, Message: "enabled without urchin.key, anonymous limits apply"}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("enabled against %s", cfg.Urchin.BaseURL)}
}

func checkControl(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if !cfg.Control.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	if len(cfg.Control.Tokens) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "enabled with no tokens, every client would be rejected",
			Fix:     "Add control.tokens or set ASTRAL_CONTROL_TOKENS",
		}
	}
	for _, tok := range cfg.Control.Tokens {
		if len(tok.Token) < minTokenLength {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("token %q is shorter than %d characters", tok.Name, minTokenLength),
			}
		}
	}
	host, _, err := net.SplitHostPort(cfg.Control.Addr)
	if err == nil && host != "127.0.0.1" && host != "localhost" && host != "::1" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("listening on %s, reachable beyond this machine", cfg.Control.Addr),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d token(s), listening on %s", len(cfg.Control.Tokens), cfg.Control.Addr)}
}
