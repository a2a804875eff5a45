package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"astral-proxy/internal/adapter/protocol"
	"astral-proxy/internal/domain"
)

// CredentialSource returns the current backend credential. It is consulted
// on every connect and by CheckCredential.
type CredentialSource func() string

// Acquirer gates outbound API requests on a rate budget.
type Acquirer interface {
	Acquire(ctx context.Context, n int) error
}

type revalidator interface {
	Revalidate(ctx context.Context, key string) bool
}

// ConfigSource supplies the document uploaded in answer to CONFIG_REQUEST.
type ConfigSource interface {
	Document() map[string]json.RawMessage
}

// Options configures a Client. Zero durations take the defaults below.
type Options struct {
	URL        string
	Credential CredentialSource
	Dialer     Dialer
	Limiter    Acquirer
	Config     ConfigSource
	Bus        domain.EventBus
	Logger     *slog.Logger

	RequestTimeout    time.Duration // 10s
	ReconnectDelay    time.Duration // 5s
	KeepaliveInterval time.Duration // 30s
	IdentityTimeout   time.Duration // 5s
	UserListTimeout   time.Duration // 3s
}

func (o *Options) defaults() {
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Credential == nil {
		o.Credential = func() string { return "" }
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 30 * time.Second
	}
	if o.IdentityTimeout <= 0 {
		o.IdentityTimeout = 5 * time.Second
	}
	if o.UserListTimeout <= 0 {
		o.UserListTimeout = 3 * time.Second
	}
}

// DefaultChannel is joined when JoinChannel is given no channel name.
const DefaultChannel = "global"

type presence struct {
	joined   bool
	channel  string
	password string
}

// Client owns the backend connection: it authenticates, multiplexes API
// requests over the socket, and reconnects after transport loss.
type Client struct {
	opts   Options
	logger *slog.Logger

	state atomic.Int32

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	wake       chan struct{}
	wg         sync.WaitGroup
	startOnce  sync.Once

	calls      singleflight.Group
	identities singleflight.Group
	userLists  singleflight.Group

	mu             sync.Mutex
	sess           *session
	ready          bool
	stay           bool
	rejected       bool
	shutdown       bool
	restartPending bool
	attemptCancel  context.CancelFunc
	activeCred     string
	self           domain.SessionIdentity
	names          map[string]string
	presence       presence
	identityToken  string
	identityWait   map[string][]chan domain.IdentityStatus
	userListWait   []chan []domain.ChannelUser
}

// New creates a Client. Call Start to begin connecting.
func New(opts Options) *Client {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:         opts,
		logger:       opts.Logger,
		lifeCtx:      ctx,
		lifeCancel:   cancel,
		wake:         make(chan struct{}, 1),
		names:        make(map[string]string),
		presence:     presence{channel: DefaultChannel},
		identityWait: make(map[string][]chan domain.IdentityStatus),
	}
}

// Start launches the connection loop. It returns immediately.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.stay = true
		c.mu.Unlock()
		c.wg.Add(1)
		go c.run()
	})
}

// Status returns the current connection state.
func (c *Client) Status() State { return State(c.state.Load()) }

// Identity returns the session identity from the last successful AUTH ack.
func (c *Client) Identity() domain.SessionIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Restart drops the current transport, if any, and reconnects immediately.
// It also clears a terminal authentication failure.
func (c *Client) Restart() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.stay = true
	c.rejected = false
	c.restartPending = true
	if c.attemptCancel != nil {
		c.attemptCancel()
	}
	c.mu.Unlock()
	c.signal()
	c.Start()
}

// Shutdown stops the client for good. Pending requests fail with ErrClosed.
func (c *Client) Shutdown() {
	c.mu.Lock()
	c.shutdown = true
	c.stay = false
	if c.attemptCancel != nil {
		c.attemptCancel()
	}
	sess := c.sess
	c.mu.Unlock()
	c.lifeCancel()
	c.signal()
	if sess != nil {
		sess.failPending(domain.ErrClosed)
	}
	c.wg.Wait()
	c.setState(StateClosed)
}

// CheckCredential compares the credential source with the credential the
// live session authenticated with. On a change it revalidates the rate
// budget for the new credential and restarts the connection.
func (c *Client) CheckCredential(ctx context.Context) bool {
	current := c.opts.Credential()
	c.mu.Lock()
	active := c.activeCred
	c.mu.Unlock()
	if current == active {
		return false
	}
	c.logger.Info("link credential changed, reconnecting")
	if rv, ok := c.opts.Limiter.(revalidator); ok {
		rv.Revalidate(ctx, current)
	}
	c.Restart()
	return true
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug("link state", "from", old.String(), "to", s.String())
	}
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if c.shutdown {
			c.mu.Unlock()
			return
		}
		c.restartPending = false
		attemptCtx, cancel := context.WithCancel(c.lifeCtx)
		c.attemptCancel = cancel
		c.mu.Unlock()

		err := c.connectOnce(attemptCtx)
		cancel()

		c.mu.Lock()
		c.attemptCancel = nil
		restart := c.restartPending
		reconnect := c.stay && !c.rejected && !c.shutdown
		c.mu.Unlock()

		if restart {
			continue
		}
		if errors.Is(err, domain.ErrAuthRejected) || !reconnect {
			c.setState(StateClosed)
			if !c.waitForRestart(0) {
				return
			}
			continue
		}
		c.setState(StateReconnecting)
		c.logger.Info("link reconnecting", "delay", c.opts.ReconnectDelay, "error", err)
		if !c.waitForRestart(c.opts.ReconnectDelay) {
			return
		}
	}
}

// waitForRestart blocks until Restart is called or, when delay is positive,
// until delay passes. It returns false once the client is shut down.
func (c *Client) waitForRestart(delay time.Duration) bool {
	var timer <-chan time.Time
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		timer = t.C
	}
	for {
		select {
		case <-c.lifeCtx.Done():
			return false
		case <-timer:
			return true
		case <-c.wake:
			c.mu.Lock()
			restart, shutdown := c.restartPending, c.shutdown
			c.mu.Unlock()
			if shutdown {
				return false
			}
			if restart {
				return true
			}
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	credential := c.opts.Credential()
	c.mu.Lock()
	c.activeCred = credential
	c.mu.Unlock()
	key, err := protocol.ParseCredential(credential)
	if err != nil {
		c.logger.Error("link credential unusable, not connecting", "error", err)
		c.mu.Lock()
		c.rejected = true
		c.mu.Unlock()
		return domain.ErrAuthRejected
	}

	tr, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
	if err != nil {
		return domain.NewDomainError("Link.Connect", domain.ErrConnectionLost, err.Error())
	}

	sess := newSession(tr, credential, c.logger)
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	go sess.writeLoop()

	c.setState(StateAuthPending)
	if err := sess.enqueue(ctx, protocol.EncodeAuth(key)); err != nil {
		c.teardown(sess, err)
		return err
	}

	err = c.readLoop(ctx, sess)
	c.teardown(sess, err)
	return err
}

func (c *Client) teardown(sess *session, cause error) {
	sess.close()

	c.mu.Lock()
	wasReady := c.ready
	c.ready = false
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()

	if n := sess.failPending(domain.ErrConnectionLost); n > 0 {
		c.logger.Warn("link dropped pending requests", "count", n)
	}
	if wasReady {
		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		c.publish(domain.NewEvent(domain.EventLinkClosed, "", domain.LinkStatePayload{State: StateDisconnected.String(), Reason: reason}))
	}
}

func (c *Client) readLoop(ctx context.Context, sess *session) error {
	for {
		data, err := sess.tr.Read(ctx)
		if err != nil {
			return domain.NewDomainError("Link.Read", domain.ErrConnectionLost, err.Error())
		}
		f, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("link dropped malformed frame", "error", err, "size", len(data))
			continue
		}
		if err := c.dispatch(ctx, sess, f); err != nil {
			return err
		}
	}
}

func (c *Client) dispatch(ctx context.Context, sess *session, f protocol.Frame) error {
	switch f.Opcode {
	case protocol.OpAuth:
		return c.handleAuth(ctx, sess, f.Payload)
	case protocol.OpAPIResponse:
		resp, err := protocol.DecodeAPIResponse(f.Payload)
		if err != nil {
			c.logger.Warn("link dropped malformed frame", "opcode", f.Opcode.String(), "error", err)
			return nil
		}
		if !sess.resolve(resp) {
			c.logger.Debug("link response without pending request", "request_id", resp.RequestID, "status", resp.Status)
		}
	case protocol.OpIdentityResponse:
		c.handleIdentityResponse(f.Payload)
	case protocol.OpChatBroadcast:
		c.handleChat(f.Payload)
	case protocol.OpChannelEvent:
		c.handleChannelEvent(f.Payload)
	case protocol.OpUserList:
		c.handleUserList(f.Payload)
	case protocol.OpConfigRequest:
		if err := c.uploadConfig(ctx, sess); err != nil {
			c.logger.Warn("link config upload failed", "error", err)
		}
	case protocol.OpConfigDownload:
		doc, err := protocol.DecodeConfigDocument(f.Opcode, f.Payload)
		if err != nil {
			c.logger.Warn("link dropped malformed frame", "opcode", f.Opcode.String(), "error", err)
			return nil
		}
		c.publish(domain.NewEvent(domain.EventConfigDownload, "", doc.Fields))
	case protocol.OpConfigChange:
		doc, err := protocol.DecodeConfigChange(f.Payload)
		if err != nil {
			c.logger.Warn("link dropped malformed frame", "opcode", f.Opcode.String(), "error", err)
			return nil
		}
		c.publish(domain.NewEvent(domain.EventConfigChange, "", domain.ConfigChangePayload{Key: doc.Key, Value: doc.Value}))
	case protocol.OpError:
		c.logger.Warn("link backend error", "message", protocol.DecodeErrorText(f.Payload))
	default:
		c.logger.Debug("link ignored frame", "opcode", f.Opcode.String(), "size", len(f.Payload))
	}
	return nil
}

func (c *Client) handleAuth(ctx context.Context, sess *session, payload []byte) error {
	ack, err := protocol.DecodeAuthAck(payload)
	if err != nil {
		c.logger.Warn("link dropped malformed frame", "opcode", protocol.OpAuth.String(), "error", err)
		return nil
	}
	if !ack.Success {
		c.logger.Error("link authentication rejected")
		c.mu.Lock()
		c.rejected = true
		c.mu.Unlock()
		return domain.NewDomainError("Link.Auth", domain.ErrAuthRejected, "")
	}

	c.mu.Lock()
	c.self = ack.Identity
	if ack.Identity.ID != "" && ack.Identity.Name != "" {
		c.names[ack.Identity.ID] = ack.Identity.Name
	}
	p := c.presence
	token := c.identityToken
	c.mu.Unlock()

	// Replay frames are queued before the state flips so they precede any
	// request issued once Ready is observable.
	if p.joined {
		if f, err := protocol.EncodePresence(protocol.Presence{Join: true, Channel: p.channel, Password: p.password}); err == nil {
			if err := sess.enqueue(ctx, f); err != nil {
				return err
			}
		}
	}
	if token != "" {
		if f, err := protocol.EncodeIdentitySet(token); err == nil {
			if err := sess.enqueue(ctx, f); err != nil {
				return err
			}
		}
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.setState(StateReady)
	c.logger.Info("link ready", "name", ack.Identity.Name)

	go c.keepalive(sess)
	c.publish(domain.NewEvent(domain.EventLinkReady, "", domain.LinkStatePayload{State: StateReady.String()}))
	return nil
}

func (c *Client) keepalive(sess *session) {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.KeepaliveInterval)
			err := sess.tr.Ping(ctx)
			cancel()
			if err != nil {
				c.logger.Warn("link keepalive failed", "error", err)
				sess.close()
				return
			}
		}
	}
}

// readySession returns the live session, or ErrNotConnected.
func (c *Client) readySession(op string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil, domain.NewSubSystemError("link", op, domain.ErrClosed, "")
	}
	if c.sess == nil || !c.ready {
		return nil, domain.NewSubSystemError("link", op, domain.ErrNotConnected, State(c.state.Load()).String())
	}
	return c.sess, nil
}

func (c *Client) publish(ev domain.Event) {
	if c.opts.Bus == nil {
		return
	}
	c.opts.Bus.Publish(c.lifeCtx, ev)
}

func (c *Client) nameFor(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.names[id]
}

func timeoutError(subsystem, op string, d time.Duration) error {
	return domain.NewSubSystemError(subsystem, op, domain.ErrTimeout, fmt.Sprintf("no answer within %s", d))
}
