// Package tags keeps locally sourced player tags and merges them into the
// tags returned by the backend.
package tags

import (
	"context"
	"slices"
	"strings"
	"sync"

	"astral-proxy/internal/domain"
)

// orderedSet keeps first-insertion order.
type orderedSet struct {
	items []string
	index map[string]struct{}
}

func newOrderedSet() *orderedSet {
	return &orderedSet{index: make(map[string]struct{})}
}

func (s *orderedSet) add(v string) bool {
	if _, ok := s.index[v]; ok {
		return false
	}
	s.index[v] = struct{}{}
	s.items = append(s.items, v)
	return true
}

func (s *orderedSet) has(v string) bool {
	_, ok := s.index[v]
	return ok
}

func (s *orderedSet) removeFunc(pred func(string) bool) bool {
	kept := s.items[:0]
	removed := false
	for _, v := range s.items {
		if pred(v) {
			delete(s.index, v)
			removed = true
			continue
		}
		kept = append(kept, v)
	}
	s.items = kept
	return removed
}

// playerTags holds one player's tags grouped by source, sources in the
// order they first contributed.
type playerTags struct {
	sources []string
	sets    map[string]*orderedSet
}

func (p *playerTags) set(source string) *orderedSet {
	if s, ok := p.sets[source]; ok {
		return s
	}
	s := newOrderedSet()
	p.sets[source] = s
	p.sources = append(p.sources, source)
	return s
}

func (p *playerTags) has(tag string) bool {
	for _, s := range p.sets {
		if s.has(tag) {
			return true
		}
	}
	return false
}

func (p *playerTags) drop(source string) {
	delete(p.sets, source)
	p.sources = slices.DeleteFunc(p.sources, func(s string) bool { return s == source })
}

// all returns the union of every source's tags, first occurrence wins.
func (p *playerTags) all() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, src := range p.sources {
		for _, t := range p.sets[src].items {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// Registry stores tags contributed by local sources (detectors, mods,
// enrichment lookups) per player. Every mutation that changes a player's
// tags publishes EventTagsChanged.
type Registry struct {
	mu      sync.RWMutex
	players map[string]*playerTags
	bus     domain.EventBus
}

// NewRegistry creates an empty registry. bus may be nil.
func NewRegistry(bus domain.EventBus) *Registry {
	return &Registry{players: make(map[string]*playerTags), bus: bus}
}

// AddTag formats tag and stores it under source. It publishes a change only
// when the player's tag set grew.
func (r *Registry) AddTag(ctx context.Context, playerID string, tag Input, source string) error {
	grew, err := r.add(playerID, []Input{tag}, source)
	if err != nil {
		return err
	}
	if grew {
		r.notify(ctx, playerID, source)
	}
	return nil
}

// AddTags stores several tags and publishes at most one change. Invalid
// tags are skipped; the first formatting error is returned after the
// valid ones are stored.
func (r *Registry) AddTags(ctx context.Context, playerID string, tags []Input, source string) error {
	grew, err := r.add(playerID, tags, source)
	if grew {
		r.notify(ctx, playerID, source)
	}
	return err
}

func (r *Registry) add(playerID string, tags []Input, source string) (bool, error) {
	if source == "" {
		return false, domain.NewDomainError("tags.Add", domain.ErrInvalidInput, "source is required")
	}
	formatted := make([]string, 0, len(tags))
	var firstErr error
	for _, t := range tags {
		f, err := Format(t)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		formatted = append(formatted, f)
	}
	if len(formatted) == 0 {
		return false, firstErr
	}

	id := domain.NormalizePlayerID(playerID)
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	if !ok {
		p = &playerTags{sets: make(map[string]*orderedSet)}
		r.players[id] = p
	}
	grew := false
	for _, f := range formatted {
		known := p.has(f)
		if p.set(source).add(f) && !known {
			grew = true
		}
	}
	if len(p.sources) == 0 {
		delete(r.players, id)
	}
	return grew, firstErr
}

// ClearTags removes one source's tags, or every source when source is "".
func (r *Registry) ClearTags(ctx context.Context, playerID, source string) {
	id := domain.NormalizePlayerID(playerID)
	r.mu.Lock()
	p, ok := r.players[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if source == "" {
		delete(r.players, id)
	} else {
		p.drop(source)
		if len(p.sources) == 0 {
			delete(r.players, id)
		}
	}
	r.mu.Unlock()
	r.notify(ctx, id, source)
}

// RemoveTag deletes tags for which pred(raw, plain) is true, in one source
// or all of them when source is "". It reports whether anything went.
func (r *Registry) RemoveTag(ctx context.Context, playerID string, pred func(raw, plain string) bool, source string) bool {
	id := domain.NormalizePlayerID(playerID)
	r.mu.Lock()
	p, ok := r.players[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	sources := p.sources
	if source != "" {
		sources = []string{source}
	}
	removed := false
	for _, src := range slices.Clone(sources) {
		set, ok := p.sets[src]
		if !ok {
			continue
		}
		if set.removeFunc(func(t string) bool { return pred(t, StripFormatting(t)) }) {
			removed = true
		}
		if len(set.items) == 0 {
			p.drop(src)
		}
	}
	if len(p.sources) == 0 {
		delete(r.players, id)
	}
	r.mu.Unlock()

	if removed {
		r.notify(ctx, id, source)
	}
	return removed
}

// Tags returns every local tag for the player in source order.
func (r *Registry) Tags(playerID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.players[domain.NormalizePlayerID(playerID)]; ok {
		return p.all()
	}
	return nil
}

// TagsBySource returns the tags one source contributed.
func (r *Registry) TagsBySource(playerID, source string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.players[domain.NormalizePlayerID(playerID)]; ok {
		if s, ok := p.sets[source]; ok {
			return slices.Clone(s.items)
		}
	}
	return nil
}

// Combine returns base followed by the player's local tags, dropping any
// whose unstyled text repeats an earlier one (case-insensitive). Every
// returned tag ends in Reset.
func (r *Registry) Combine(playerID string, base []string) []string {
	local := r.Tags(playerID)
	out := make([]string, 0, len(base)+len(local))
	seen := make(map[string]struct{}, len(base)+len(local))
	for _, list := range [][]string{base, local} {
		for _, tag := range list {
			plain := strings.ToLower(StripFormatting(tag))
			if plain == "" {
				continue
			}
			if _, dup := seen[plain]; dup {
				continue
			}
			seen[plain] = struct{}{}
			if !strings.HasSuffix(tag, Reset) {
				tag += Reset
			}
			out = append(out, tag)
		}
	}
	return out
}

// NotifyChanged publishes a change for the player without mutating anything.
func (r *Registry) NotifyChanged(ctx context.Context, playerID string) {
	r.notify(ctx, domain.NormalizePlayerID(playerID), "")
}

func (r *Registry) notify(ctx context.Context, playerID, source string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, domain.NewEvent(domain.EventTagsChanged,
		domain.NormalizePlayerID(playerID), domain.TagsChangedPayload{Source: source}))
}
