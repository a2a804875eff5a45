package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"astral-proxy/internal/adapter/control"
	"astral-proxy/internal/adapter/hypixel"
	"astral-proxy/internal/adapter/link"
	"astral-proxy/internal/adapter/urchin"
	"astral-proxy/internal/adapter/winstreak"
	"astral-proxy/internal/infra/config"
	"astral-proxy/internal/infra/middleware"
	"astral-proxy/internal/usecase/eventbus"
	"astral-proxy/internal/usecase/playerdata"
	"astral-proxy/internal/usecase/ratelimit"
	"astral-proxy/internal/usecase/scheduling"
	"astral-proxy/internal/usecase/settings"
	"astral-proxy/internal/usecase/tags"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// app holds the wired components of one proxy process.
type app struct {
	cfgPath string
	cfg     atomic.Pointer[config.Config]
	log     *slog.Logger

	bus       *eventbus.Bus
	limiter   *ratelimit.BackendLimiter
	rest      *winstreak.Client
	hypixel   *hypixel.Client
	settings  *settings.Store
	players   *playerdata.Service
	link      *link.Client
	scheduler *scheduling.Scheduler
	control   *control.Server

	unsubs []func()
}

// appOptions selects the optional long-running parts.
type appOptions struct {
	Scheduler bool
	Control   bool
}

func newApp(cfgPath string, cfg *config.Config, log *slog.Logger, opts appOptions) (*app, error) {
	a := &app{cfgPath: cfgPath, log: log}
	a.cfg.Store(cfg)

	a.bus = eventbus.New(log)
	a.rest = winstreak.New(cfg.RateLimit.RESTBaseURL, cfg.RateLimit.FetchTimeout, log.With("component", "winstreak"))
	a.limiter = ratelimit.NewBackendLimiter(a.rest, cfg.Link.Credential, cfg.RateLimit.FetchTimeout, log.With("component", "ratelimit")).
		WithFallback(ratelimit.Info{Max: cfg.RateLimit.FallbackMax, Window: cfg.RateLimit.FallbackWindow})

	a.settings = settings.NewStore(cfg.Tags, a.bus, log.With("component", "settings"))
	a.unsubs = append(a.unsubs, a.settings.Subscribe(a.bus))

	a.link = link.New(link.Options{
		URL:               cfg.Link.URL,
		Credential:        func() string { return a.cfg.Load().Link.Credential },
		Limiter:           a.limiter,
		Config:            a.settings,
		Bus:               a.bus,
		Logger:            log.With("component", "link"),
		RequestTimeout:    cfg.Link.RequestTimeout,
		ReconnectDelay:    cfg.Link.ReconnectDelay,
		KeepaliveInterval: cfg.Link.KeepaliveInterval,
		IdentityTimeout:   cfg.Link.IdentityTimeout,
		UserListTimeout:   cfg.Link.UserListTimeout,
	})

	pdOpts := playerdata.Options{
		API:        a.link,
		Registry:   tags.NewRegistry(a.bus),
		Settings:   a.settings,
		Keys:       a.rest,
		KeyLimiter: a.limiter,
		Logger:     log.With("component", "playerdata"),
		TagsTTL:    cfg.Cache.TagsTTL,
		PingTTL:    cfg.Cache.PingTTL,
		StatsTTL:   cfg.Cache.StatsTTL,
		KeyTTL:     cfg.Cache.KeyTTL,
		BatchSize:  cfg.Cache.BatchSize,
		BatchDelay: cfg.Cache.BatchDelay,
	}
	if cfg.Hypixel.Key != "" {
		a.hypixel = hypixel.New(cfg.Hypixel, log.With("component", "hypixel"))
		pdOpts.Stats = a.hypixel
	}
	if cfg.Urchin.Enabled {
		pdOpts.Enrichment = urchin.New(cfg.Urchin, log.With("component", "urchin"))
	}
	a.players = playerdata.NewService(pdOpts)
	a.unsubs = append(a.unsubs, a.players.Subscribe(a.bus))

	if opts.Scheduler && cfg.Scheduler.Enabled {
		a.scheduler = scheduling.NewScheduler(log.With("component", "scheduler"))
		a.scheduler.RegisterAction(scheduling.ActionCacheSweep, func(context.Context) error {
			if n := a.players.Sweep(); n > 0 {
				a.log.Debug("cache sweep", "evicted", n)
			}
			return nil
		})
		a.scheduler.RegisterAction(scheduling.ActionCredentialCheck, func(ctx context.Context) error {
			return a.reload(ctx, false)
		})
		if err := a.scheduler.AddTasks(cfg.Scheduler.Tasks); err != nil {
			a.close(context.Background())
			return nil, err
		}
	}

	if opts.Control && cfg.Control.Enabled {
		a.control = control.NewServer(a.bus, control.NewStaticTokenAuth(cfg.Control.Tokens), cfg.Control.Addr, log.With("component", "control"))
		a.control.Use(middleware.SecurityHeaders, middleware.RateLimit(cfg.Control.RequestsPerMinute, cfg.Control.Burst))
		deps := control.HandlerDeps{
			Link:     a.link,
			Players:  a.players,
			Settings: a.settings.Current,
			Budget:   a.limiter.Snapshot,
			Bus:      a.bus,
			Logger:   log.With("component", "control"),
			Started:  time.Now(),
			Version:  version,
		}
		control.RegisterDefaultHandlers(a.control, deps)
		control.RegisterRESTHandlers(a.control, deps)
	}
	return a, nil
}

// start connects the link and launches the optional services. It returns
// immediately; long-running parts stop when ctx is cancelled.
func (a *app) start(ctx context.Context) {
	cfg := a.cfg.Load()
	a.link.Start()
	if cfg.Link.PlayerID != "" {
		if err := a.link.AnnounceIdentity(ctx, cfg.Link.PlayerID); err != nil {
			a.log.Warn("identity announce rejected", "error", err)
		}
	}
	if cfg.Link.Channel.Join {
		if err := a.link.JoinChannel(ctx, cfg.Link.Channel.Name, cfg.Link.Channel.Password); err != nil {
			a.log.Warn("channel join rejected", "error", err)
		}
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			a.log.Error("scheduler start failed", "error", err)
		}
	}
	if a.control != nil {
		go func() {
			if err := a.control.Start(ctx); err != nil {
				a.log.Error("control server error", "error", err)
			}
		}()
	}
}

// waitReady blocks until the link is ready or ctx ends.
func (a *app) waitReady(ctx context.Context) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		st := a.link.Status()
		if st.Connected() {
			return nil
		}
		if st == link.StateClosed {
			return fmt.Errorf("link closed")
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("link not ready (%s): %w", st, ctx.Err())
		case <-t.C:
		}
	}
}

// reload re-reads the config file. The credential is always taken over;
// tag settings only when withSettings is set, since the backend may have
// changed them since the file was written.
func (a *app) reload(ctx context.Context, withSettings bool) error {
	next, err := config.Load(a.cfgPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	prev := a.cfg.Load()
	merged := *prev
	merged.Link.Credential = next.Link.Credential
	if withSettings {
		merged.Tags = next.Tags
	}
	a.cfg.Store(&merged)

	if withSettings && a.settings.Set(ctx, next.Tags) {
		a.log.Info("tag settings reloaded", "signature", next.Tags.Signature())
	}
	a.link.CheckCredential(ctx)
	return nil
}

// close shuts everything down in reverse start order.
func (a *app) close(ctx context.Context) {
	if a.control != nil {
		if err := a.control.Stop(ctx); err != nil {
			a.log.Warn("control server stop", "error", err)
		}
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			a.log.Warn("scheduler stop", "error", err)
		}
	}
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.link.Shutdown()
	a.players.Stop()
	if a.hypixel != nil {
		a.hypixel.Stop()
	}
	a.limiter.Stop()
	a.bus.Close()
}
