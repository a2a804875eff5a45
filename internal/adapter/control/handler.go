package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"astral-proxy/internal/adapter/link"
	"astral-proxy/internal/domain"
	"astral-proxy/internal/usecase/playerdata"
	"astral-proxy/internal/usecase/ratelimit"
)

// LinkControl is the slice of the backend link the control surface drives.
type LinkControl interface {
	Status() link.State
	Identity() domain.SessionIdentity
	Restart()
	JoinChannel(ctx context.Context, channel, password string) error
	LeaveChannel(ctx context.Context) error
	SendChat(ctx context.Context, message string) error
	RequestUserList(ctx context.Context) ([]domain.ChannelUser, error)
}

// PlayerData answers player lookups.
type PlayerData interface {
	GetPlayerTags(ctx context.Context, playerID string) (domain.PlayerTags, error)
	GetPingInfo(ctx context.Context, playerID string) domain.PingInfo
	GetAggregatedStats(ctx context.Context, playerID string) *domain.BedwarsStats
	Stats() playerdata.CacheStats
}

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Link     LinkControl
	Players  PlayerData
	Settings func() domain.TagSettings // can be nil
	Budget   func() ratelimit.Snapshot // can be nil
	Bus      domain.EventBus           // can be nil
	Logger   *slog.Logger
	Started  time.Time
	Version  string
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	s.RegisterHandler("status", statusRPCHandler(s, deps))
	s.RegisterHandler("restart", restartHandler(deps))
	s.RegisterHandler("player.tags", playerTagsHandler(deps))
	s.RegisterHandler("player.ping", playerPingHandler(deps))
	s.RegisterHandler("player.stats", playerStatsHandler(deps))
	s.RegisterHandler("channel.join", channelJoinHandler(deps))
	s.RegisterHandler("channel.leave", channelLeaveHandler(deps))
	s.RegisterHandler("chat.send", chatSendHandler(deps))
	s.RegisterHandler("users.list", usersListHandler(deps))
}

// --- status ---

// StatusResponse describes the proxy at a glance.
type StatusResponse struct {
	Version       string                `json:"version"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Link          LinkStatus            `json:"link"`
	Cache         playerdata.CacheStats `json:"cache"`
	Budget        *ratelimit.Snapshot   `json:"budget,omitempty"`
	Settings      *domain.TagSettings   `json:"settings,omitempty"`
	Clients       int                   `json:"clients"`
}

// LinkStatus is the backend connection state.
type LinkStatus struct {
	State    string                 `json:"state"`
	Ready    bool                   `json:"ready"`
	Identity domain.SessionIdentity `json:"identity"`
}

func buildStatus(s *Server, deps HandlerDeps) StatusResponse {
	state := deps.Link.Status()
	resp := StatusResponse{
		Version:       deps.Version,
		UptimeSeconds: int64(time.Since(deps.Started).Seconds()),
		Link: LinkStatus{
			State:    state.String(),
			Ready:    state.Connected(),
			Identity: deps.Link.Identity(),
		},
		Cache: deps.Players.Stats(),
	}
	if deps.Budget != nil {
		b := deps.Budget()
		resp.Budget = &b
	}
	if deps.Settings != nil {
		cur := deps.Settings()
		resp.Settings = &cur
	}
	if s != nil {
		resp.Clients = s.ClientCount()
	}
	return resp
}

func statusRPCHandler(s *Server, deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(buildStatus(s, deps))
	}
}

func restartHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, client *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		deps.Logger.Info("link restart requested", "client", client.Name)
		deps.Link.Restart()
		return json.Marshal(map[string]bool{"restarting": true})
	}
}

// --- player ---

type playerRequest struct {
	Player string `json:"player"`
}

func decodePlayer(payload json.RawMessage) (string, error) {
	var req playerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", domain.ErrRPCInvalidPayload
	}
	id := domain.NormalizePlayerID(req.Player)
	if id == "" {
		return "", domain.ErrRPCInvalidPayload
	}
	return id, nil
}

func playerTagsHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		id, err := decodePlayer(payload)
		if err != nil {
			return nil, err
		}
		tags, err := deps.Players.GetPlayerTags(ctx, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(tags)
	}
}

func playerPingHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		id, err := decodePlayer(payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(deps.Players.GetPingInfo(ctx, id))
	}
}

func playerStatsHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		id, err := decodePlayer(payload)
		if err != nil {
			return nil, err
		}
		stats := deps.Players.GetAggregatedStats(ctx, id)
		if stats == nil {
			return nil, domain.NewDomainError("player.stats", domain.ErrNotFound, id)
		}
		return json.Marshal(stats)
	}
}

// --- channel ---

type channelJoinRequest struct {
	Channel  string `json:"channel"`
	Password string `json:"password"`
}

func channelJoinHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req channelJoinRequest
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, domain.ErrRPCInvalidPayload
			}
		}
		// An empty name joins the default channel.
		req.Channel = strings.TrimSpace(req.Channel)
		if err := deps.Link.JoinChannel(ctx, req.Channel, req.Password); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"joined": true})
	}
}

func channelLeaveHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		if err := deps.Link.LeaveChannel(ctx); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"left": true})
	}
}

type chatSendRequest struct {
	Message string `json:"message"`
}

func chatSendHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req chatSendRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.Message == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		if err := deps.Link.SendChat(ctx, req.Message); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"sent": true})
	}
}

func usersListHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		users, err := deps.Link.RequestUserList(ctx)
		if err != nil {
			return nil, err
		}
		if users == nil {
			users = []domain.ChannelUser{}
		}
		return json.Marshal(domain.UserListPayload{Users: users})
	}
}
