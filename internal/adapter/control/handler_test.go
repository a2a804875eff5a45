package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"astral-proxy/internal/adapter/link"
	"astral-proxy/internal/domain"
	"astral-proxy/internal/usecase/playerdata"
	"astral-proxy/internal/usecase/ratelimit"
)

type stubLink struct {
	mu       sync.Mutex
	state    link.State
	restarts int
	joined   string
	sent     []string
	users    []domain.ChannelUser
	err      error
}

func (l *stubLink) Status() link.State { return l.state }

func (l *stubLink) Identity() domain.SessionIdentity {
	return domain.SessionIdentity{ID: "self", Name: "Steve", FeatureEnabled: true}
}

func (l *stubLink) Restart() {
	l.mu.Lock()
	l.restarts++
	l.mu.Unlock()
}

func (l *stubLink) JoinChannel(_ context.Context, channel, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.joined = channel
	return l.err
}

func (l *stubLink) LeaveChannel(context.Context) error { return l.err }

func (l *stubLink) SendChat(_ context.Context, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.sent = append(l.sent, message)
	return nil
}

func (l *stubLink) RequestUserList(context.Context) ([]domain.ChannelUser, error) {
	return l.users, l.err
}

type stubPlayers struct{}

func (stubPlayers) GetPlayerTags(_ context.Context, id string) (domain.PlayerTags, error) {
	return domain.PlayerTags{
		Tags:         []string{"§cS§r"},
		TagsDetailed: []domain.TagDetail{{Text: "§cS§r", Description: id}},
	}, nil
}

func (stubPlayers) GetPingInfo(context.Context, string) domain.PingInfo {
	avg := 42.5
	return domain.PingInfo{AveragePing: &avg}
}

func (stubPlayers) GetAggregatedStats(_ context.Context, id string) *domain.BedwarsStats {
	if id == "unknown" {
		return nil
	}
	return &domain.BedwarsStats{Level: 100, FKDR: 2.5, Rank: "MVP+"}
}

func (stubPlayers) Stats() playerdata.CacheStats {
	return playerdata.CacheStats{Tags: 3, Ping: 1, PendingBatch: 2}
}

func handlerDeps(l *stubLink) HandlerDeps {
	return HandlerDeps{
		Link:    l,
		Players: stubPlayers{},
		Budget: func() ratelimit.Snapshot {
			return ratelimit.Snapshot{Max: 60, Remaining: 57}
		},
		Settings: domain.DefaultTagSettings,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Started:  time.Now().Add(-time.Minute),
		Version:  "test",
	}
}

func invoke(t *testing.T, h RPCHandler, payload string) (json.RawMessage, error) {
	t.Helper()
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	return h(context.Background(), &ClientInfo{Name: "tester"}, raw)
}

func TestStatusRoundTrip(t *testing.T) {
	l := &stubLink{state: link.StateReady}
	srv := startTestServer(t, &testBus{}, func(s *Server) {
		RegisterDefaultHandlers(s, handlerDeps(l))
	})
	ws := dialWS(t, srv.BoundAddr(), "test-token")

	resp := call(t, ws, 7, "status", "")
	if resp.Error != "" {
		t.Fatalf("error = %q", resp.Error)
	}
	var st StatusResponse
	if err := json.Unmarshal(resp.Payload, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Link.State != "ready" || !st.Link.Ready {
		t.Errorf("Link = %+v", st.Link)
	}
	if st.Link.Identity.Name != "Steve" {
		t.Errorf("Identity = %+v", st.Link.Identity)
	}
	if st.Cache.Tags != 3 || st.Cache.PendingBatch != 2 {
		t.Errorf("Cache = %+v", st.Cache)
	}
	if st.Budget == nil || st.Budget.Remaining != 57 {
		t.Errorf("Budget = %+v", st.Budget)
	}
	if st.Settings == nil || !st.Settings.Blacklist {
		t.Errorf("Settings = %+v", st.Settings)
	}
	if st.UptimeSeconds < 59 {
		t.Errorf("UptimeSeconds = %d", st.UptimeSeconds)
	}
	if st.Clients != 1 {
		t.Errorf("Clients = %d, want 1", st.Clients)
	}
}

func TestPlayerHandlers(t *testing.T) {
	deps := handlerDeps(&stubLink{})

	out, err := invoke(t, playerTagsHandler(deps), `{"player":"AB-CD"}`)
	if err != nil {
		t.Fatalf("player.tags: %v", err)
	}
	var tags domain.PlayerTags
	json.Unmarshal(out, &tags)
	if len(tags.TagsDetailed) != 1 || tags.TagsDetailed[0].Description != "abcd" {
		t.Errorf("tags = %+v, want normalized id", tags)
	}

	out, err = invoke(t, playerPingHandler(deps), `{"player":"abcd"}`)
	if err != nil {
		t.Fatalf("player.ping: %v", err)
	}
	if !strings.Contains(string(out), "42.5") {
		t.Errorf("ping = %s", out)
	}

	if _, err := invoke(t, playerStatsHandler(deps), `{"player":"unknown"}`); err == nil {
		t.Error("missing stats should be an error")
	} else if domain.ErrorCodeOf(err) != domain.CodeNotFound {
		t.Errorf("code = %s", domain.ErrorCodeOf(err))
	}

	for _, payload := range []string{"", `{}`, `{"player":"  "}`, `[1]`} {
		if _, err := invoke(t, playerTagsHandler(deps), payload); err != domain.ErrRPCInvalidPayload {
			t.Errorf("payload %q: err = %v", payload, err)
		}
	}
}

func TestChannelHandlers(t *testing.T) {
	l := &stubLink{users: []domain.ChannelUser{{ID: "u1", Name: "Alex"}}}
	deps := handlerDeps(l)

	if _, err := invoke(t, channelJoinHandler(deps), ""); err != nil {
		t.Fatalf("channel.join: %v", err)
	}
	if l.joined != "" {
		t.Errorf("joined = %q, want default (empty)", l.joined)
	}
	if _, err := invoke(t, channelJoinHandler(deps), `{"channel":" party "}`); err != nil {
		t.Fatalf("channel.join: %v", err)
	}
	if l.joined != "party" {
		t.Errorf("joined = %q", l.joined)
	}

	if _, err := invoke(t, chatSendHandler(deps), `{"message":""}`); err != domain.ErrRPCInvalidPayload {
		t.Errorf("empty message: err = %v", err)
	}
	if _, err := invoke(t, chatSendHandler(deps), `{"message":"hi"}`); err != nil {
		t.Fatalf("chat.send: %v", err)
	}
	if len(l.sent) != 1 || l.sent[0] != "hi" {
		t.Errorf("sent = %v", l.sent)
	}

	out, err := invoke(t, usersListHandler(deps), "")
	if err != nil {
		t.Fatalf("users.list: %v", err)
	}
	var list domain.UserListPayload
	json.Unmarshal(out, &list)
	if len(list.Users) != 1 || list.Users[0].Name != "Alex" {
		t.Errorf("users = %+v", list.Users)
	}

	if _, err := invoke(t, restartHandler(deps), ""); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if l.restarts != 1 {
		t.Errorf("restarts = %d", l.restarts)
	}
}

func TestChannelHandlersPropagateLinkErrors(t *testing.T) {
	deps := handlerDeps(&stubLink{err: domain.ErrNotConnected})

	if _, err := invoke(t, chatSendHandler(deps), `{"message":"hi"}`); err != domain.ErrNotConnected {
		t.Errorf("chat.send err = %v", err)
	}
	if _, err := invoke(t, channelLeaveHandler(deps), ""); err != domain.ErrNotConnected {
		t.Errorf("channel.leave err = %v", err)
	}
	if _, err := invoke(t, usersListHandler(deps), ""); err != domain.ErrNotConnected {
		t.Errorf("users.list err = %v", err)
	}
}

func TestRESTHandlers(t *testing.T) {
	bus := &testBus{}
	srv := NewServer(bus, newTestAuth(), "127.0.0.1:0", slog.Default())
	deps := handlerDeps(&stubLink{state: link.StateReconnecting})
	deps.Bus = bus
	metrics := RegisterRESTHandlers(srv, deps)

	bus.Publish(context.Background(), domain.NewEvent(domain.EventChatMessage, "", nil))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventLinkClosed, "", nil))
	if metrics.ChatMessages.Load() != 1 || metrics.LinkClosed.Load() != 1 {
		t.Fatalf("counters = %d/%d", metrics.ChatMessages.Load(), metrics.LinkClosed.Load())
	}

	w := httptest.NewRecorder()
	statusHandler(srv, deps)(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Link.State != "reconnecting" || st.Link.Ready {
		t.Errorf("Link = %+v", st.Link)
	}

	w = httptest.NewRecorder()
	metricsHandler(srv, deps, metrics)(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	for _, want := range []string{"astral_link_ready 0", "astral_chat_messages_total 1", "astral_budget_remaining 57"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}

	w = httptest.NewRecorder()
	statusHandler(srv, deps)(w, httptest.NewRequest(http.MethodPost, "/api/v1/status", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", w.Code)
	}
}
