package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v3"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/course-booking/internal/booking"
	"github.com/iliyamo/course-booking/internal/model"
)

// IntentBus relays booking intents.  *Hub relays to local subscribers;
// *Relay additionally forwards them to other instances.
type IntentBus interface {
	PublishIntent(ctx context.Context, in model.BookingIntent) (model.BookingIntent, error)
	CancelIntent(ctx context.Context, sessionID uint64, intentID string) bool
}

// ServerConfig tunes WebSocket connections.
type ServerConfig struct {
	// RequestTimeout bounds the work done for a single client request.
	RequestTimeout time.Duration
	WriteWait      time.Duration
	PongWait       time.Duration
	SendBuffer     int
	MaxMessageSize int64
	// CheckOrigin is passed to the upgrader; nil allows every origin.
	CheckOrigin func(r *http.Request) bool
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	return c
}

// Server serves the real-time protocol on a WebSocket endpoint.
type Server struct {
	hub      *Hub
	intents  IntentBus
	cfg      ServerConfig
	upgrader websocket.Upgrader
	log      logrus.FieldLogger

	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[*Subscriber]struct{}
	closed bool
}

func NewServer(hub *Hub, intents IntentBus, cfg ServerConfig, log logrus.FieldLogger) *Server {
	cfg = cfg.withDefaults()
	if intents == nil {
		intents = hub
	}
	return &Server{
		hub:     hub,
		intents: intents,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		log:   log,
		conns: make(map[*Subscriber]struct{}),
	}
}

// Handle upgrades the request and serves the connection until it closes.
// The optional "user_id" context value (set by the JWT middleware) is
// attached to the connection's intents.
func (s *Server) Handle(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		s.log.WithError(err).Debug("websocket upgrade failed")
		return nil
	}
	userID, _ := c.Get("user_id").(string)
	conn := &connection{
		server:  s,
		ws:      ws,
		sub:     NewSubscriber(shortuuid.New(), userID, s.cfg.SendBuffer),
		intents: make(map[uint64]string),
	}
	conn.log = s.log.WithFields(logrus.Fields{"conn_id": conn.sub.ID(), "remote": c.RealIP()})
	conn.log.Debug("websocket connected")

	s.wg.Add(1)
	defer s.wg.Done()
	if !s.track(conn.sub) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(s.cfg.WriteWait))
		_ = ws.Close()
		return nil
	}
	defer s.untrack(conn.sub)
	conn.serve(c.Request().Context())
	return nil
}

func (s *Server) track(sub *Subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[sub] = struct{}{}
	return true
}

func (s *Server) untrack(sub *Subscriber) {
	s.mu.Lock()
	delete(s.conns, sub)
	s.mu.Unlock()
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close disconnects every connection, subscribed or not, and refuses new
// ones.  Hijacked connections are not covered by http.Server.Shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	subs := make([]*Subscriber, 0, len(s.conns))
	for sub := range s.conns {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// Wait blocks until every connection handler has returned.
func (s *Server) Wait() { s.wg.Wait() }

type connection struct {
	server *Server
	ws     *websocket.Conn
	sub    *Subscriber
	log    logrus.FieldLogger

	mu      sync.Mutex
	intents map[uint64]string
}

func (c *connection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump(ctx)

	c.sub.Close()
	<-done
	c.cleanup(ctx)
	_ = c.ws.Close()
	c.log.Debug("websocket disconnected")
}

// cleanup unsubscribes everywhere and withdraws the connection's intents.
func (c *connection) cleanup(ctx context.Context) {
	c.server.hub.UnsubscribeAll(c.sub)
	c.mu.Lock()
	intents := c.intents
	c.intents = map[uint64]string{}
	c.mu.Unlock()
	for sessionID, id := range intents {
		c.server.intents.CancelIntent(ctx, sessionID, id)
	}
}

func (c *connection) readPump(ctx context.Context) {
	cfg := c.server.cfg
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			var (
				syntax  *json.SyntaxError
				typeErr *json.UnmarshalTypeError
			)
			if errors.As(err, &syntax) || errors.As(err, &typeErr) {
				c.reply(TypeError, "", ErrorPayload{Code: CodeBadRequest, Message: "malformed message"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("websocket read failed")
			}
			return
		}
		select {
		case <-c.sub.Done():
			return
		default:
		}
		c.dispatch(ctx, env)
	}
}

func (c *connection) writePump() {
	cfg := c.server.cfg
	ping := time.NewTicker(cfg.PongWait * 9 / 10)
	defer ping.Stop()
	// unblock the read pump whichever way we leave
	defer func() { _ = c.ws.SetReadDeadline(time.Now()) }()
	for {
		select {
		case frame := <-c.sub.Outbound():
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.sub.Close()
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.sub.Close()
				return
			}
		case <-c.sub.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(cfg.WriteWait))
			return
		}
	}
}

func (c *connection) reply(typ, requestID string, data any) {
	frame, err := encode(typ, requestID, data)
	if err != nil {
		c.log.WithError(err).Error("encode reply failed")
		return
	}
	if !c.sub.Enqueue(frame) {
		c.sub.Close()
	}
}

func (c *connection) fail(requestID, code, msg string) {
	c.reply(TypeError, requestID, ErrorPayload{Code: code, Message: msg})
}

func (c *connection) dispatch(ctx context.Context, env Envelope) {
	ctx, cancel := context.WithTimeout(ctx, c.server.cfg.RequestTimeout)
	defer cancel()

	switch env.Type {
	case TypeSubscribe, TypeUnsubscribe, TypeGet:
		var ref SessionRef
		if err := json.Unmarshal(env.Data, &ref); err != nil || ref.SessionID == 0 {
			c.fail(env.RequestID, CodeBadRequest, "session_id is required")
			return
		}
		c.handleSession(ctx, env, ref.SessionID)
	case TypeIntent, TypeCancelIntent:
		var req IntentRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.SessionID == 0 {
			c.fail(env.RequestID, CodeBadRequest, "session_id is required")
			return
		}
		if env.Type == TypeIntent {
			c.handleIntent(ctx, env.RequestID, req)
		} else {
			c.handleCancelIntent(ctx, env.RequestID, req)
		}
	default:
		c.fail(env.RequestID, CodeUnknownType, "unknown message type "+env.Type)
	}
}

func (c *connection) handleSession(ctx context.Context, env Envelope, sessionID uint64) {
	hub := c.server.hub
	var err error
	switch env.Type {
	case TypeSubscribe:
		err = hub.Subscribe(ctx, c.sub, sessionID, env.RequestID)
	case TypeGet:
		err = hub.Refresh(ctx, c.sub, sessionID, env.RequestID)
	case TypeUnsubscribe:
		hub.Unsubscribe(c.sub, sessionID)
		c.reply(TypeUnsubscribed, env.RequestID, SessionRef{SessionID: sessionID})
		return
	}
	if err != nil {
		code := CodeUnavailable
		if isNotFound(err) {
			code = CodeNotFound
		}
		c.log.WithError(err).WithField("session_id", sessionID).Debug("session request failed")
		c.fail(env.RequestID, code, err.Error())
	}
}

func (c *connection) handleIntent(ctx context.Context, requestID string, req IntentRequest) {
	if req.Spots <= 0 {
		c.fail(requestID, CodeBadRequest, "spots must be positive")
		return
	}
	now := c.server.hub.now()
	in := model.BookingIntent{
		SessionID: req.SessionID,
		Spots:     req.Spots,
		UserID:    c.sub.UserID(),
		Timestamp: now,
	}
	if req.TTLSeconds > 0 {
		in.ExpiresAt = now.Add(time.Duration(req.TTLSeconds) * time.Second)
	}

	// one live intent per connection and session
	c.mu.Lock()
	prev, hadPrev := c.intents[req.SessionID]
	c.mu.Unlock()
	if hadPrev {
		c.server.intents.CancelIntent(ctx, req.SessionID, prev)
	}

	published, err := c.server.intents.PublishIntent(ctx, in)
	if err != nil {
		c.fail(requestID, CodeBadRequest, err.Error())
		return
	}
	c.mu.Lock()
	c.intents[req.SessionID] = published.ID
	c.mu.Unlock()
	c.reply(TypeIntentActive, requestID, published)
}

func (c *connection) handleCancelIntent(ctx context.Context, requestID string, req IntentRequest) {
	c.mu.Lock()
	id, ok := c.intents[req.SessionID]
	delete(c.intents, req.SessionID)
	c.mu.Unlock()
	if ok {
		c.server.intents.CancelIntent(ctx, req.SessionID, id)
	}
	c.reply(TypeIntentCancelled, requestID, IntentCancelled{SessionID: req.SessionID, IntentID: id, Spots: req.Spots})
}

func isNotFound(err error) bool { return errors.Is(err, booking.ErrNotFound) }
