package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// ClientConfig holds configuration for a portal Client.
type ClientConfig struct {
	// ServerURL is the WebSocket URL of the portal (portal_ws_url).
	ServerURL string

	// Token authorizes the WebSocket connection (portal_token), sent as a
	// bearer token on dial. If empty, the relay runs in standalone mode and
	// Connect is never called (see cmd/turnrelayd).
	Token string

	// StampSecret is the shared auth_secret, hex-encoded and sent in the
	// phx_join payload so the portal can verify STUN credentials it issues
	// are signed with the same key this relay authenticates against.
	StampSecret string

	// HeartbeatInterval paces keepalive frames. Defaults to 30s, matching
	// the Phoenix channel convention.
	HeartbeatInterval time.Duration

	// Logger is the structured logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger

	// EventBufferSize is the capacity of the inbound event channel. Defaults
	// to 32 if zero.
	EventBufferSize int

	// DialTimeout bounds the duration of each WebSocket dial attempt.
	// Defaults to 10s if zero.
	DialTimeout time.Duration

	// Reconnect controls automatic reconnection behavior.
	Reconnect ReconnectConfig
}

// ReconnectConfig controls the reconnection backoff strategy.
type ReconnectConfig struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// Client maintains the relay's single Phoenix-channel connection to the
// portal: dial, phx_join "relay", heartbeat, and deliver pushed events on a
// channel. When Reconnect.Enabled is set it reconnects with exponential
// backoff on connection loss; otherwise it stops after the first loss.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	eventCh chan Event
	done    chan struct{}
	cancel  context.CancelFunc

	refCounter atomic.Int64

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a portal Client. Call Connect to dial and start
// receiving events.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "portal")

	bufSize := cfg.EventBufferSize
	if bufSize <= 0 {
		bufSize = 32
	}

	return &Client{
		cfg:     cfg,
		log:     log,
		eventCh: make(chan Event, bufSize),
		done:    make(chan struct{}),
	}
}

// Events returns a read-only channel of portal events. Closed when the
// client shuts down or a lost connection is not re-established.
func (c *Client) Events() <-chan Event { return c.eventCh }

// Connect dials the portal, joins Topic, and starts the receive and
// heartbeat loops in the background. It blocks until the initial dial
// succeeds or fails.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.dial(ctx); err != nil {
		cancel()
		return fmt.Errorf("connecting to portal: %w", err)
	}
	if err := c.join(ctx); err != nil {
		cancel()
		c.closeConn()
		return fmt.Errorf("joining portal topic %q: %w", Topic, err)
	}

	c.log.Info("connected to portal", "url", c.cfg.ServerURL)

	go c.receiveLoop(ctx)
	go c.heartbeatLoop(ctx)

	return nil
}

// Close gracefully shuts down the client.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	dialTimeout := c.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	var opts *websocket.DialOptions
	if c.cfg.Token != "" {
		opts = &websocket.DialOptions{
			HTTPHeader: http.Header{
				"Authorization": []string{"Bearer " + c.cfg.Token},
			},
		}
	}

	conn, _, err := websocket.Dial(dialCtx, c.cfg.ServerURL, opts)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) nextRef() string {
	return strconv.FormatInt(c.refCounter.Add(1), 10)
}

func (c *Client) join(ctx context.Context) error {
	payload, err := json.Marshal(JoinMessage{StampSecret: c.cfg.StampSecret})
	if err != nil {
		return fmt.Errorf("marshaling join payload: %w", err)
	}
	return c.writeFrame(ctx, frame{
		Event:   eventJoin,
		Topic:   Topic,
		Ref:     c.nextRef(),
		Payload: payload,
	})
}

func (c *Client) writeFrame(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

// heartbeatLoop sends a heartbeat frame on the "phoenix" topic every
// HeartbeatInterval, emitting HeartbeatSent on success. Failures are left
// for the receive loop's read error to surface.
func (c *Client) heartbeatLoop(ctx context.Context) {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.writeFrame(ctx, frame{Event: eventHeartbeat, Topic: heartbeatTopic, Ref: c.nextRef()})
			if err != nil {
				c.log.Debug("heartbeat write failed", "error", err)
				continue
			}
			select {
			case c.eventCh <- HeartbeatSent{}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.eventCh)

	for {
		err := c.readFrames(ctx)
		if err == nil || ctx.Err() != nil {
			c.closeConn()
			return
		}

		c.log.Warn("portal connection lost", "error", err)
		c.closeConn()

		if !c.cfg.Reconnect.Enabled {
			return
		}
		if !c.reconnect(ctx) {
			return
		}
	}
}

func (c *Client) readFrames(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return errors.New("no connection")
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("ignoring malformed portal frame", "error", err)
			continue
		}

		ev, ok := c.translate(f)
		if !ok {
			continue
		}
		select {
		case c.eventCh <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// translate converts a wire frame into a portal Event. It distinguishes a
// reply (event == phx_reply, answering a ref the relay itself sent) from a
// push (anything else), and within pushes distinguishes the Init activation
// signal sent as an event from one sent as a request. The latter is
// reported as InboundRequest so the event loop can treat it as a protocol
// violation.
func (c *Client) translate(f frame) (Event, bool) {
	switch f.Event {
	case eventReply:
		var reply replyPayload
		if err := json.Unmarshal(f.Payload, &reply); err != nil {
			c.log.Warn("malformed phx_reply payload", "error", err)
			return nil, false
		}
		switch reply.Status {
		case replyStatusOK:
			if f.Topic == Topic {
				return JoinedRoom{Topic: f.Topic}, true
			}
			return SuccessResponse{Topic: f.Topic, ReqID: f.Ref}, true
		case replyStatusError:
			var errResp errorResponse
			_ = json.Unmarshal(reply.Response, &errResp)
			return ErrorResponse{Topic: f.Topic, ReqID: f.Ref, Reason: errResp.Reason}, true
		default:
			return nil, false
		}
	case eventClose:
		return nil, false
	case inboundMessageKind:
		msg := InboundPortalMessage{Kind: inboundMessageKind}
		if f.Ref != "" {
			return InboundRequest{Topic: f.Topic, ReqID: f.Ref, Req: msg}, true
		}
		return InboundMessage{Topic: f.Topic, Msg: msg}, true
	default:
		return nil, false
	}
}

func isHTTP401(err error) bool {
	return err != nil && strings.Contains(err.Error(), "status code 101 but got 401")
}

func (c *Client) reconnect(ctx context.Context) bool {
	initialDelay := c.cfg.Reconnect.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	maxDelay := c.cfg.Reconnect.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	maxAttempts := c.cfg.Reconnect.MaxAttempts

	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		backoff := maxDelay
		if attempt <= 62 {
			backoff = time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
		}
		if backoff <= 0 || backoff > maxDelay {
			backoff = maxDelay
		}

		c.log.Info("reconnecting to portal", "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		if err := c.dial(ctx); err != nil {
			c.log.Warn("portal reconnection failed", "attempt", attempt, "error", err, "is401", isHTTP401(err))
			continue
		}
		if err := c.join(ctx); err != nil {
			c.log.Warn("portal rejoin failed", "attempt", attempt, "error", err)
			c.closeConn()
			continue
		}

		c.log.Info("reconnected to portal", "attempt", attempt)
		return true
	}

	c.log.Error("portal reconnection attempts exhausted")
	return false
}
