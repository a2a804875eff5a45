package playerdata

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"astral-proxy/internal/domain"
	"astral-proxy/internal/usecase/tags"
)

// SourceUrchin is the registry source that holds enrichment tags.
const SourceUrchin = "urchin"

const (
	customTagColor = 7498734
	urchinColor    = 0xAA00FF
	noDescription  = "..."
)

var radarTag = regexp.MustCompile(`^Radar \(\d+%\)$`)

// SettingsSource reports the current tag-category settings.
type SettingsSource interface {
	Current() domain.TagSettings
}

// EnrichmentSource is a secondary, best-effort tag source.
type EnrichmentSource interface {
	Tags(ctx context.Context, playerID string) ([]domain.RemoteTag, error)
}

// StatsFallback supplies stats when the backend has none.
type StatsFallback interface {
	PlayerStats(ctx context.Context, playerID string) (*domain.BedwarsStats, error)
}

// KeyValidator checks a backend key outside the socket.
type KeyValidator interface {
	ValidateKey(ctx context.Context, key string) (domain.KeyValidation, error)
}

// Acquirer gates key validation on the backend rate budget.
type Acquirer interface {
	Acquire(ctx context.Context, n int) error
}

// Options configures a Service. Zero TTLs and batch settings take the
// documented defaults.
type Options struct {
	API        domain.BackendAPI
	Registry   *tags.Registry
	Settings   SettingsSource
	Enrichment EnrichmentSource
	Stats      StatsFallback
	Keys       KeyValidator
	KeyLimiter Acquirer
	Logger     *slog.Logger
	Now        func() time.Time

	TagsTTL    time.Duration // 30m
	PingTTL    time.Duration // 5m
	StatsTTL   time.Duration // 10m
	KeyTTL     time.Duration // 10m
	BatchSize  int           // 60
	BatchDelay time.Duration // 2s
}

// CacheStats reports cache occupancy.
type CacheStats struct {
	Tags         int `json:"tags"`
	Ping         int `json:"ping"`
	Stats        int `json:"stats"`
	Keys         int `json:"keys"`
	PendingBatch int `json:"pending_batch"`
	KnownPlayers int `json:"known_players"`
}

// Service answers player lookups from TTL caches, batching tag lookups and
// merging registry tags into every result.
type Service struct {
	api        domain.BackendAPI
	registry   *tags.Registry
	settings   SettingsSource
	enrichment EnrichmentSource
	fallback   StatsFallback
	keys       KeyValidator
	keyLimiter Acquirer
	logger     *slog.Logger
	now        func() time.Time

	tagCache   *Cache[BaseTags]
	pingCache  *Cache[domain.PingInfo]
	statsCache *Cache[domain.BedwarsStats]
	keyCache   *Cache[domain.KeyValidation]
	batcher    *Batcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	known map[string]struct{}
}

type defaultSettings struct{}

func (defaultSettings) Current() domain.TagSettings { return domain.DefaultTagSettings() }

// NewService creates a Service.
func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Registry == nil {
		opts.Registry = tags.NewRegistry(nil)
	}
	if opts.Settings == nil {
		opts.Settings = defaultSettings{}
	}
	ttl := func(d, def time.Duration) time.Duration {
		if d <= 0 {
			return def
		}
		return d
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		api:        opts.API,
		registry:   opts.Registry,
		settings:   opts.Settings,
		enrichment: opts.Enrichment,
		fallback:   opts.Stats,
		keys:       opts.Keys,
		keyLimiter: opts.KeyLimiter,
		logger:     opts.Logger,
		now:        opts.Now,
		tagCache:   NewCache[BaseTags](ttl(opts.TagsTTL, 30*time.Minute), opts.Now),
		pingCache:  NewCache[domain.PingInfo](ttl(opts.PingTTL, 5*time.Minute), opts.Now),
		statsCache: NewCache[domain.BedwarsStats](ttl(opts.StatsTTL, 10*time.Minute), opts.Now),
		keyCache:   NewCache[domain.KeyValidation](ttl(opts.KeyTTL, 10*time.Minute), opts.Now),
		ctx:        ctx,
		cancel:     cancel,
		known:      make(map[string]struct{}),
	}
	s.batcher = NewBatcher(opts.BatchSize, opts.BatchDelay, s.fetchTags, opts.Logger)
	return s
}

// Registry returns the tag registry merged into results.
func (s *Service) Registry() *tags.Registry { return s.registry }

// Stop resolves queued lookups with empty tags and waits for background work.
func (s *Service) Stop() {
	s.cancel()
	s.batcher.Stop()
	s.wg.Wait()
}

func tagKey(signature, id string) string { return "tags:" + signature + ":" + id }

// GetPlayerTags returns the player's tags. Lookup failures resolve to empty
// tags; the only error is ctx ending first.
func (s *Service) GetPlayerTags(ctx context.Context, playerID string) (domain.PlayerTags, error) {
	id := domain.NormalizePlayerID(playerID)
	s.remember(id)
	if base, ok := s.tagCache.Get(tagKey(s.settings.Current().Signature(), id)); ok {
		return s.merge(id, base), nil
	}
	select {
	case base := <-s.batcher.Enqueue(id):
		return s.merge(id, base), nil
	case <-ctx.Done():
		return domain.PlayerTags{}, ctx.Err()
	}
}

// GetMultiplePlayerTags looks up several players, sharing batches.
func (s *Service) GetMultiplePlayerTags(ctx context.Context, playerIDs []string) (map[string]domain.PlayerTags, error) {
	out := make(map[string]domain.PlayerTags, len(playerIDs))
	waiting := make(map[string]<-chan BaseTags)
	sig := s.settings.Current().Signature()
	for _, raw := range playerIDs {
		id := domain.NormalizePlayerID(raw)
		if _, seen := out[id]; seen {
			continue
		}
		if _, seen := waiting[id]; seen {
			continue
		}
		s.remember(id)
		if base, ok := s.tagCache.Get(tagKey(sig, id)); ok {
			out[id] = s.merge(id, base)
			continue
		}
		waiting[id] = s.batcher.Enqueue(id)
	}
	for id, ch := range waiting {
		select {
		case base := <-ch:
			out[id] = s.merge(id, base)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

// TagLine renders the player's tags as the bracketed name prefix.
func (s *Service) TagLine(ctx context.Context, playerID string) string {
	res, err := s.GetPlayerTags(ctx, playerID)
	if err != nil {
		return ""
	}
	return tags.Line(res.Tags)
}

func (s *Service) remember(id string) {
	s.mu.Lock()
	s.known[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) knownPlayers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.known))
	for id := range s.known {
		ids = append(ids, id)
	}
	return ids
}

// merge appends registry tags to base and pairs every tag with the best
// known description.
func (s *Service) merge(id string, base BaseTags) domain.PlayerTags {
	combined := s.registry.Combine(id, base.Tags)
	return domain.PlayerTags{
		Tags:         combined,
		CustomTag:    base.CustomTag,
		TagsDetailed: describe(combined, base.Detailed),
	}
}

func describe(combined []string, known []domain.TagDetail) []domain.TagDetail {
	desc := make(map[string]string, len(known))
	for _, d := range known {
		if plain := tags.StripFormatting(d.Text); plain != "" {
			desc[plain] = orDefault(d.Description)
		}
	}
	out := make([]domain.TagDetail, len(combined))
	for i, t := range combined {
		d, ok := desc[tags.StripFormatting(t)]
		if !ok {
			d = noDescription
		}
		out[i] = domain.TagDetail{Text: t, Description: d}
	}
	return out
}

func orDefault(desc string) string {
	if desc == "" {
		return noDescription
	}
	return desc
}

type tagBatchResponse struct {
	Results map[string]struct {
		Tags []domain.RemoteTag `json:"tags"`
	} `json:"results"`
}

func (s *Service) fetchTags(ctx context.Context, batchID string, ids []string) (map[string]BaseTags, error) {
	if s.api == nil {
		return nil, domain.NewDomainError("playerdata.fetchTags", domain.ErrNotConnected, "no backend")
	}
	settings := s.settings.Current()
	players, err := json.Marshal(ids)
	if err != nil {
		return nil, domain.NewDomainError("playerdata.fetchTags", domain.ErrEncode, err.Error())
	}
	raw, err := s.api.Do(ctx, domain.APIRequest{
		Method: "POST",
		Path:   "/v1/player/tags",
		Query:  settings.QueryParams(),
		Body:   map[string]string{"players": string(players)},
	})
	if err != nil {
		return nil, err
	}
	var resp tagBatchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, domain.NewDomainError("playerdata.fetchTags", domain.ErrDecode, err.Error())
	}
	if resp.Results == nil {
		return nil, domain.NewDomainError("playerdata.fetchTags", domain.ErrDecode, "response has no results")
	}

	out := make(map[string]BaseTags, len(resp.Results))
	for player, data := range resp.Results {
		out[domain.NormalizePlayerID(player)] = buildBaseTags(data.Tags)
	}

	sig := settings.Signature()
	for _, id := range ids {
		s.tagCache.Set(tagKey(sig, id), out[id])
		s.registry.NotifyChanged(ctx, id)
	}
	if settings.Urchin && s.enrichment != nil {
		for _, id := range ids {
			s.wg.Add(1)
			go s.enrich(id)
		}
	}
	return out, nil
}

func buildBaseTags(remote []domain.RemoteTag) BaseTags {
	var base BaseTags
	for _, t := range remote {
		if base.CustomTag == nil && isCustomTag(t) {
			custom := tags.ColorCode(t.Color) + t.Name + tags.Reset
			base.CustomTag = &custom
			continue
		}
		text := tags.ColorCode(t.Color) + tags.DisplayName(t.Name) + tags.Reset
		base.Tags = append(base.Tags, text)
		base.Detailed = append(base.Detailed, domain.TagDetail{Text: text, Description: orDefault(t.Description)})
	}
	return base
}

func isCustomTag(t domain.RemoteTag) bool {
	n, ok := colorNumber(t.Color)
	return ok && n == customTagColor && t.Name != "I" && !radarTag.MatchString(t.Name)
}

func colorNumber(c any) (int64, bool) {
	switch v := c.(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		if !strings.HasPrefix(v, "#") {
			return 0, false
		}
		n, err := strconv.ParseInt(v[1:], 16, 64)
		return n, err == nil
	}
	return 0, false
}

// enrich merges the secondary source's tags for id into the registry and
// the cached descriptions.
func (s *Service) enrich(id string) {
	defer s.wg.Done()
	ctx := s.ctx
	remote, err := s.enrichment.Tags(ctx, id)
	if err != nil {
		s.logger.Debug("enrichment lookup failed", "player", id, "error", err)
		return
	}
	if len(remote) == 0 {
		return
	}

	inputs := make([]tags.Input, len(remote))
	for i, t := range remote {
		inputs[i] = tags.Named(tags.DisplayName(t.Name), urchinColor)
		inputs[i].Description = t.Description
	}
	s.registry.ClearTags(ctx, id, SourceUrchin)
	if err := s.registry.AddTags(ctx, id, inputs, SourceUrchin); err != nil {
		s.logger.Debug("enrichment tag rejected", "player", id, "error", err)
	}

	key := tagKey(s.settings.Current().Signature(), id)
	if base, ok := s.tagCache.Get(key); ok {
		known := append([]domain.TagDetail(nil), base.Detailed...)
		for _, t := range remote {
			text := tags.ColorCode(urchinColor) + tags.DisplayName(t.Name) + tags.Reset
			known = append(known, domain.TagDetail{Text: text, Description: orDefault(t.Description)})
		}
		base.Detailed = describe(s.registry.Combine(id, base.Tags), known)
		s.tagCache.Set(key, base)
	}
	s.registry.NotifyChanged(ctx, id)
}

// Subscribe invalidates and recomputes tags when settings change.
func (s *Service) Subscribe(bus domain.EventBus) func() {
	return bus.Subscribe(domain.EventSettingsChanged, func(ctx context.Context, ev domain.Event) {
		var p domain.SettingsChangedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			s.logger.Warn("settings event unreadable", "error", err)
			return
		}
		s.ApplySettingsChange(ctx, p.Previous, p.Current)
	})
}

// ApplySettingsChange reacts to a settings transition. A new signature
// refetches every known player; turning enrichment off drops its tags;
// turning it on refetches.
func (s *Service) ApplySettingsChange(ctx context.Context, prev, cur domain.TagSettings) {
	recompute := prev.Signature() != cur.Signature()
	known := s.knownPlayers()
	if prev.Urchin != cur.Urchin {
		if !cur.Urchin {
			for _, id := range known {
				s.registry.ClearTags(ctx, id, SourceUrchin)
				s.registry.NotifyChanged(ctx, id)
			}
		} else {
			recompute = true
		}
	}
	if recompute && len(known) > 0 {
		s.logger.Info("tag settings changed, refreshing players", "players", len(known))
		s.batcher.Refresh(known)
	}
}

// Sweep evicts expired entries from every cache.
func (s *Service) Sweep() int {
	return s.tagCache.Sweep() + s.pingCache.Sweep() + s.statsCache.Sweep() + s.keyCache.Sweep()
}

// Stats reports cache occupancy.
func (s *Service) Stats() CacheStats {
	s.mu.Lock()
	known := len(s.known)
	s.mu.Unlock()
	return CacheStats{
		Tags:         s.tagCache.Len(),
		Ping:         s.pingCache.Len(),
		Stats:        s.statsCache.Len(),
		Keys:         s.keyCache.Len(),
		PendingBatch: s.batcher.Pending(),
		KnownPlayers: known,
	}
}
