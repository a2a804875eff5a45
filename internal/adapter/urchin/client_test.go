package urchin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astral-proxy/internal/domain"
	"astral-proxy/internal/infra/config"
)

func TestShortName(t *testing.T) {
	tests := map[string]string{
		"legit_sniper":      "LS",
		"POSSIBLE_SNIPER":   "PS",
		"sniper":            "S",
		"confirmed_cheater": "✔C",
		"blatant_cheater":   "BC",
		"closet_cheater":    "CC",
		"caution":           "⚠",
		"info":              "ℹ",
		"account":           "⚐",
		"something_new":     "something_new",
	}
	for in, want := range tests {
		assert.Equal(t, want, ShortName(in), in)
	}
}

func TestTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/urchin", r.URL.Path)
		assert.Equal(t, "uk", r.URL.Query().Get("key"))
		switch r.URL.Query().Get("uuid") {
		case "abc":
			w.Write([]byte(`{"tags":[{"type":"blatant_cheater","reason":"fly"},{"type":"","reason":"x"},{"type":"caution","reason":""}]}`))
		case "bad":
			w.Write([]byte(`not json`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(config.UrchinConfig{BaseURL: srv.URL, Key: "uk", RequestsPerSecond: 100, Burst: 10}, nil)
	ctx := context.Background()

	got, err := c.Tags(ctx, "ABC")
	require.NoError(t, err)
	assert.Equal(t, []domain.RemoteTag{
		{Name: "BC", Description: "fly"},
		{Name: "⚠"},
	}, got)

	got, err = c.Tags(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = c.Tags(ctx, "bad")
	assert.ErrorIs(t, err, domain.ErrDecode)
}

func TestTags_TimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(config.UrchinConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	start := time.Now()
	_, err := c.Tags(context.Background(), "abc")
	assert.ErrorIs(t, err, domain.ErrProviderError)
	assert.Less(t, time.Since(start), 2*time.Second)
}
