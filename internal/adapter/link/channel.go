package link

import (
	"context"
	"encoding/json"
	"time"

	"astral-proxy/internal/adapter/protocol"
	"astral-proxy/internal/domain"
)

// SendChat sends a message to the joined channel.
func (c *Client) SendChat(ctx context.Context, message string) error {
	sess, err := c.readySession("Link.SendChat")
	if err != nil {
		return err
	}
	f, err := protocol.EncodeChatMessage(message)
	if err != nil {
		return err
	}
	return sess.enqueue(ctx, f)
}

// JoinChannel declares channel membership. The membership is remembered
// and replayed after every reconnect, so it succeeds while disconnected.
func (c *Client) JoinChannel(ctx context.Context, channel, password string) error {
	if channel == "" {
		channel = DefaultChannel
	}
	f, err := protocol.EncodePresence(protocol.Presence{Join: true, Channel: channel, Password: password})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.presence = presence{joined: true, channel: channel, password: password}
	c.mu.Unlock()
	return c.sendIfReady(ctx, f)
}

// LeaveChannel leaves the remembered channel.
func (c *Client) LeaveChannel(ctx context.Context) error {
	c.mu.Lock()
	p := c.presence
	c.presence.joined = false
	c.mu.Unlock()
	f, err := protocol.EncodePresence(protocol.Presence{Join: false, Channel: p.channel, Password: p.password})
	if err != nil {
		return err
	}
	return c.sendIfReady(ctx, f)
}

// AnnounceIdentity publishes the player UUID this session plays as. It is
// re-sent after every reconnect.
func (c *Client) AnnounceIdentity(ctx context.Context, playerID string) error {
	f, err := protocol.EncodeIdentitySet(playerID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.identityToken = domain.NormalizePlayerID(playerID)
	c.mu.Unlock()
	return c.sendIfReady(ctx, f)
}

func (c *Client) sendIfReady(ctx context.Context, f protocol.Frame) error {
	c.mu.Lock()
	sess := c.sess
	ready := c.ready
	c.mu.Unlock()
	if sess == nil || !ready {
		return nil
	}
	return sess.enqueue(ctx, f)
}

// LookupIdentity asks whether playerID is a connected user of the backend.
// Concurrent lookups for the same player share one request.
func (c *Client) LookupIdentity(ctx context.Context, playerID string) (domain.IdentityStatus, error) {
	id := domain.NormalizePlayerID(playerID)
	f, err := protocol.EncodeIdentityRequest(id)
	if err != nil {
		return domain.IdentityStatus{}, err
	}
	sess, err := c.readySession("Link.LookupIdentity")
	if err != nil {
		return domain.IdentityStatus{}, err
	}

	ch := c.identities.DoChan(id, func() (any, error) {
		wait := make(chan domain.IdentityStatus, 1)
		c.mu.Lock()
		c.identityWait[id] = append(c.identityWait[id], wait)
		c.mu.Unlock()
		defer c.dropIdentityWaiter(id, wait)

		if err := sess.enqueue(c.lifeCtx, f); err != nil {
			return nil, err
		}
		timer := time.NewTimer(c.opts.IdentityTimeout)
		defer timer.Stop()
		select {
		case st := <-wait:
			return st, nil
		case <-timer.C:
			return nil, timeoutError("identity", "Link.LookupIdentity", c.opts.IdentityTimeout)
		case <-sess.done:
			return nil, domain.ErrConnectionLost
		}
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.IdentityStatus{}, res.Err
		}
		return res.Val.(domain.IdentityStatus), nil
	case <-ctx.Done():
		return domain.IdentityStatus{}, ctx.Err()
	}
}

func (c *Client) dropIdentityWaiter(id string, wait chan domain.IdentityStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.identityWait[id]
	for i, w := range waiters {
		if w == wait {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(c.identityWait, id)
	} else {
		c.identityWait[id] = waiters
	}
}

func (c *Client) handleIdentityResponse(payload []byte) {
	st, err := protocol.DecodeIdentityResponse(payload)
	if err != nil {
		c.logger.Warn("link dropped malformed frame", "opcode", protocol.OpIdentityResponse.String(), "error", err)
		return
	}
	c.mu.Lock()
	waiters := c.identityWait[st.PlayerID]
	delete(c.identityWait, st.PlayerID)
	c.mu.Unlock()
	for _, w := range waiters {
		w <- st
	}
}

// RequestUserList asks the backend who is in the channel. Concurrent callers
// share one request.
func (c *Client) RequestUserList(ctx context.Context) ([]domain.ChannelUser, error) {
	sess, err := c.readySession("Link.RequestUserList")
	if err != nil {
		return nil, err
	}
	ch := c.userLists.DoChan("users", func() (any, error) {
		wait := make(chan []domain.ChannelUser, 1)
		c.mu.Lock()
		c.userListWait = append(c.userListWait, wait)
		c.mu.Unlock()
		defer c.dropUserListWaiter(wait)

		if err := sess.enqueue(c.lifeCtx, protocol.EncodeUserListRequest()); err != nil {
			return nil, err
		}
		timer := time.NewTimer(c.opts.UserListTimeout)
		defer timer.Stop()
		select {
		case users := <-wait:
			return users, nil
		case <-timer.C:
			return nil, timeoutError("link", "Link.RequestUserList", c.opts.UserListTimeout)
		case <-sess.done:
			return nil, domain.ErrConnectionLost
		}
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]domain.ChannelUser), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) dropUserListWaiter(wait chan []domain.ChannelUser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.userListWait {
		if w == wait {
			c.userListWait = append(c.userListWait[:i], c.userListWait[i+1:]...)
			return
		}
	}
}

func (c *Client) handleUserList(payload []byte) {
	users := protocol.DecodeUserList(payload)
	c.mu.Lock()
	for _, u := range users {
		if u.ID != "" && u.Name != "" {
			c.names[u.ID] = u.Name
		}
	}
	waiters := c.userListWait
	c.userListWait = nil
	c.mu.Unlock()

	for _, w := range waiters {
		w <- users
	}
	c.publish(domain.NewEvent(domain.EventUserList, "", domain.UserListPayload{Users: users}))
}

func (c *Client) handleChat(payload []byte) {
	msg, err := protocol.DecodeChatBroadcast(payload)
	if err != nil {
		c.logger.Warn("link dropped malformed frame", "opcode", protocol.OpChatBroadcast.String(), "error", err)
		return
	}
	sender := msg.Sender
	if sender == "" {
		sender = c.nameFor(msg.SenderID)
	}
	if sender == "" {
		sender = msg.SenderID
	}
	c.publish(domain.NewEvent(domain.EventChatMessage, "", domain.ChatMessagePayload{
		SenderID: msg.SenderID,
		Sender:   sender,
		Message:  msg.Message,
	}))
}

func (c *Client) handleChannelEvent(payload []byte) {
	ev, err := protocol.DecodeChannelEvent(payload)
	if err != nil {
		c.logger.Warn("link dropped malformed frame", "opcode", protocol.OpChannelEvent.String(), "error", err)
		return
	}
	c.mu.Lock()
	self := c.self.ID
	if ev.User.ID != "" && ev.User.Name != "" {
		c.names[ev.User.ID] = ev.User.Name
	}
	c.mu.Unlock()
	if self != "" && ev.User.ID == self {
		return
	}
	typ := domain.EventChannelLeave
	if ev.Join {
		typ = domain.EventChannelJoin
	}
	c.publish(domain.NewEvent(typ, "", domain.ChannelEventPayload{UserID: ev.User.ID, Name: ev.User.Name}))
}

// UploadConfig sends the current settings document to the backend.
func (c *Client) UploadConfig(ctx context.Context) error {
	sess, err := c.readySession("Link.UploadConfig")
	if err != nil {
		return err
	}
	return c.uploadConfig(ctx, sess)
}

func (c *Client) uploadConfig(ctx context.Context, sess *session) error {
	var fields map[string]json.RawMessage
	if c.opts.Config != nil {
		fields = c.opts.Config.Document()
	}
	f, err := protocol.EncodeConfigUpload(protocol.ConfigDocument{Kind: protocol.ConfigFull, Fields: fields})
	if err != nil {
		return err
	}
	return sess.enqueue(ctx, f)
}
