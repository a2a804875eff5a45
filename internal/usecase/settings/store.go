// Package settings holds the tag-category settings and keeps them in sync
// with the documents the backend pushes.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"astral-proxy/internal/domain"
)

// DocumentKey is the top-level field carrying tag settings in config documents.
const DocumentKey = "tagSettings"

// Store holds the effective tag settings. Every change that alters them
// publishes EventSettingsChanged with the previous and current values.
type Store struct {
	mu     sync.RWMutex
	cur    domain.TagSettings
	bus    domain.EventBus
	logger *slog.Logger
}

// NewStore creates a store seeded with initial. bus may be nil.
func NewStore(initial domain.TagSettings, bus domain.EventBus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cur: initial, bus: bus, logger: logger}
}

// Current returns a copy of the effective settings.
func (s *Store) Current() domain.TagSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Set replaces the settings wholesale and reports whether they changed.
func (s *Store) Set(ctx context.Context, next domain.TagSettings) bool {
	changed, _ := s.mutate(ctx, func(ts *domain.TagSettings) error {
		*ts = next
		return nil
	})
	return changed
}

// Apply handles one CONFIG_CHANGE entry. Keys outside tagSettings.* are
// ignored; unknown categories and non-boolean values are rejected.
func (s *Store) Apply(ctx context.Context, key string, raw json.RawMessage) (bool, error) {
	category, ok := strings.CutPrefix(key, DocumentKey+".")
	if !ok {
		s.logger.Debug("ignoring config change", "key", key)
		return false, nil
	}
	var on bool
	if err := json.Unmarshal(raw, &on); err != nil {
		return false, domain.NewDomainError("settings.Apply", domain.ErrInvalidInput, fmt.Sprintf("%s: value is not a boolean", key))
	}
	return s.mutate(ctx, func(ts *domain.TagSettings) error {
		if !ts.Set(category, on) {
			return domain.NewDomainError("settings.Apply", domain.ErrInvalidInput, fmt.Sprintf("unknown tag category %q", category))
		}
		return nil
	})
}

// Replace handles a full CONFIG_DOWNLOAD document. Categories missing from
// the document keep their current value.
func (s *Store) Replace(ctx context.Context, fields map[string]json.RawMessage) (bool, error) {
	raw, ok := fields[DocumentKey]
	if !ok {
		return false, nil
	}
	var values map[string]bool
	if err := json.Unmarshal(raw, &values); err != nil {
		return false, domain.NewDomainError("settings.Replace", domain.ErrInvalidInput, err.Error())
	}
	return s.mutate(ctx, func(ts *domain.TagSettings) error {
		for category, on := range values {
			if !ts.Set(category, on) {
				s.logger.Debug("ignoring unknown tag category", "category", category)
			}
		}
		return nil
	})
}

// Document renders the settings as a CONFIG_UPLOAD document.
func (s *Store) Document() map[string]json.RawMessage {
	raw, err := json.Marshal(s.Current())
	if err != nil {
		return map[string]json.RawMessage{}
	}
	return map[string]json.RawMessage{DocumentKey: raw}
}

// Subscribe applies config.download and config.change events from bus.
func (s *Store) Subscribe(bus domain.EventBus) func() {
	unsubDownload := bus.Subscribe(domain.EventConfigDownload, func(ctx context.Context, ev domain.Event) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(ev.Payload, &fields); err != nil {
			s.logger.Warn("config download unreadable", "error", err)
			return
		}
		if _, err := s.Replace(ctx, fields); err != nil {
			s.logger.Warn("config download rejected", "error", err)
		}
	})
	unsubChange := bus.Subscribe(domain.EventConfigChange, func(ctx context.Context, ev domain.Event) {
		var p domain.ConfigChangePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			s.logger.Warn("config change unreadable", "error", err)
			return
		}
		if _, err := s.Apply(ctx, p.Key, p.Value); err != nil {
			s.logger.Warn("config change rejected", "key", p.Key, "error", err)
		}
	})
	return func() {
		unsubDownload()
		unsubChange()
	}
}

func (s *Store) mutate(ctx context.Context, fn func(*domain.TagSettings) error) (bool, error) {
	s.mu.Lock()
	prev := s.cur
	next := prev
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.cur = next
	s.mu.Unlock()

	if prev == next {
		return false, nil
	}
	s.publish(ctx, prev, next)
	return true, nil
}

func (s *Store) publish(ctx context.Context, prev, cur domain.TagSettings) {
	s.logger.Info("tag settings changed", "signature", cur.Signature(), "urchin", cur.Urchin)
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, domain.NewEvent(domain.EventSettingsChanged, "",
		domain.SettingsChangedPayload{Previous: prev, Current: cur}))
}
