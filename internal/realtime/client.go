package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/gorilla/websocket"
	"github.com/lithammer/shortuuid/v3"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/course-booking/internal/model"
)

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

var (
	// ErrNotConnected is returned for requests made while no connection is
	// up, or whose connection dropped before the reply arrived.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrRequestTimeout is returned when no reply arrives within the
	// request timeout.  Callers may retry or fall back to polling.
	ErrRequestTimeout = errors.New("realtime: request timed out")
)

// ClientConfig configures a Client.
type ClientConfig struct {
	URL    string
	Header http.Header
	// RequestTimeout bounds dialing and every request/reply exchange.
	RequestTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxReconnects is the number of consecutive failed dials after which
	// Run gives up.
	MaxReconnects int
	EventBuffer   int
	Dialer        *websocket.Dialer
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 10
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

// Client keeps a connection to the real-time endpoint.  Sessions passed to
// Subscribe are remembered and subscribed again after every reconnect, so
// each reconnect yields a fresh baseline for all of them.
type Client struct {
	cfg    ClientConfig
	log    logrus.FieldLogger
	events chan Envelope

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	pending  map[string]chan Envelope
	sessions map[uint64]struct{}

	writeMu sync.Mutex
}

func NewClient(cfg ClientConfig, log logrus.FieldLogger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:      cfg,
		log:      log,
		events:   make(chan Envelope, cfg.EventBuffer),
		pending:  make(map[string]chan Envelope),
		sessions: make(map[uint64]struct{}),
	}
}

// Events yields pushed messages: updates, threshold events and intents.
// Frames are dropped when the consumer falls a full buffer behind.
func (c *Client) Events() <-chan Envelope { return c.events }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.WithField("state", s.String()).Debug("realtime client state")
	}
}

// Run connects and keeps the connection up until ctx is cancelled, in which
// case it returns nil, or until MaxReconnects consecutive dials fail.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.attach(conn)

		resubscribed := make(chan struct{})
		go func() {
			defer close(resubscribed)
			c.resubscribe(ctx)
		}()
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		err = c.readLoop(conn)
		stop()
		c.detach(conn)
		<-resubscribed

		if ctx.Err() != nil {
			return nil
		}
		c.log.WithError(err).Warn("realtime connection lost, reconnecting")
	}
}

// dial tries up to MaxReconnects times with exponential backoff.  It returns
// ctx's error once ctx is done, never a dial error caused by ctx's deadline
// cutting the retries short.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.setState(StateConnecting)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	for attempt := 1; ; attempt++ {
		conn, err := c.dialOnce(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil, ctx.Err()
		}
		if attempt >= c.cfg.MaxReconnects {
			c.setState(StateDisconnected)
			return nil, fmt.Errorf("connect %s after %d attempts: %w", c.cfg.URL, attempt, err)
		}
		wait := b.NextBackOff()
		c.log.WithError(err).WithField("retry_in", wait).Warn("realtime dial failed")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateDisconnected)
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	ws, resp, err := c.cfg.Dialer.DialContext(dctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return ws, err
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
	c.log.WithField("url", c.cfg.URL).Info("realtime client connected")
}

// detach drops the connection and fails every outstanding request.
func (c *Client) detach(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.state = StateDisconnected
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		c.route(env)
	}
}

func (c *Client) route(env Envelope) {
	if env.RequestID != "" {
		c.mu.Lock()
		ch, ok := c.pending[env.RequestID]
		delete(c.pending, env.RequestID)
		c.mu.Unlock()
		if ok {
			ch <- env
			return
		}
	}
	select {
	case c.events <- env:
	default:
		c.log.WithField("type", env.Type).Warn("realtime event dropped, consumer too slow")
	}
}

func (c *Client) resubscribe(ctx context.Context) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if _, err := c.request(ctx, TypeSubscribe, SessionRef{SessionID: id}); err != nil {
			c.log.WithError(err).WithField("session_id", id).Warn("resubscribe failed")
			if errors.Is(err, ErrNotConnected) {
				return
			}
		}
	}
}

// request sends one message and waits for the reply carrying its id.
func (c *Client) request(ctx context.Context, typ string, data any) (Envelope, error) {
	id := shortuuid.New()
	frame, err := encode(typ, id, data)
	if err != nil {
		return Envelope{}, err
	}
	reply := make(chan Envelope, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.state != StateConnected {
		c.mu.Unlock()
		return Envelope{}, ErrNotConnected
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	err = conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case env, ok := <-reply:
		if !ok {
			return Envelope{}, ErrNotConnected
		}
		if env.Type == TypeError {
			var p ErrorPayload
			_ = json.Unmarshal(env.Data, &p)
			return env, &ServerError{Code: p.Code, Message: p.Message}
		}
		return env, nil
	case <-timer.C:
		return Envelope{}, fmt.Errorf("%w: %s", ErrRequestTimeout, typ)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Subscribe remembers the session and subscribes to it.  While
// disconnected it returns ErrNotConnected; the subscription is still made
// on the next connect.  A session the server rejects is forgotten.
func (c *Client) Subscribe(ctx context.Context, sessionID uint64) error {
	c.mu.Lock()
	c.sessions[sessionID] = struct{}{}
	c.mu.Unlock()

	_, err := c.request(ctx, TypeSubscribe, SessionRef{SessionID: sessionID})
	var se *ServerError
	if errors.As(err, &se) {
		c.mu.Lock()
		delete(c.sessions, sessionID)
		c.mu.Unlock()
	}
	return err
}

// Unsubscribe forgets the session and tells the server when connected.
func (c *Client) Unsubscribe(ctx context.Context, sessionID uint64) error {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	_, err := c.request(ctx, TypeUnsubscribe, SessionRef{SessionID: sessionID})
	return err
}

// Subscriptions returns the remembered sessions.
func (c *Client) Subscriptions() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GetAvailability asks for the current snapshot of a session.
func (c *Client) GetAvailability(ctx context.Context, sessionID uint64) (model.AvailabilitySnapshot, error) {
	env, err := c.request(ctx, TypeGet, SessionRef{SessionID: sessionID})
	if err != nil {
		return model.AvailabilitySnapshot{}, err
	}
	return DecodeSnapshot(env)
}

// SendIntent announces that the user is booking spots on a session.
func (c *Client) SendIntent(ctx context.Context, sessionID uint64, spots int) (model.BookingIntent, error) {
	env, err := c.request(ctx, TypeIntent, IntentRequest{SessionID: sessionID, Spots: spots})
	if err != nil {
		return model.BookingIntent{}, err
	}
	var in model.BookingIntent
	if err := json.Unmarshal(env.Data, &in); err != nil {
		return model.BookingIntent{}, fmt.Errorf("decode intent: %w", err)
	}
	return in, nil
}

// CancelIntent withdraws this connection's intent on a session.
func (c *Client) CancelIntent(ctx context.Context, sessionID uint64) error {
	_, err := c.request(ctx, TypeCancelIntent, IntentRequest{SessionID: sessionID})
	return err
}

// DecodeSnapshot reads the snapshot carried by an update or threshold event.
func DecodeSnapshot(env Envelope) (model.AvailabilitySnapshot, error) {
	var snap model.AvailabilitySnapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		return snap, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return snap, nil
}
