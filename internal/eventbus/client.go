package eventbus

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/clock"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/metrics"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
)

type Config struct {
	URL          string
	APIKey       string
	Registration model.TerminalRegistration

	Heartbeat      time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxRetries is how many consecutive reconnections are tried before
	// the client gives up for good.
	MaxRetries   int
	WriteTimeout time.Duration
}

// Client keeps one WebSocket connection per terminal.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	// writeMu serialises writers; gorilla connections allow one at a time.
	writeMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[model.MessageType][]chan model.WSMessage

	connected  atomic.Bool
	gaveUp     chan struct{}
	gaveUpOnce sync.Once
}

func NewClient(cfg Config, c clock.Clock, m *metrics.Metrics, log *zap.Logger) *Client {
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		clock:   c,
		metrics: m,
		log:     log.With(zap.String("component", "eventbus"), zap.String("terminal_id", cfg.Registration.TerminalID)),
		subs:    make(map[model.MessageType][]chan model.WSMessage),
		gaveUp:  make(chan struct{}),
	}
}

func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) GaveUp() <-chan struct{} { return c.gaveUp }

func (c *Client) Subscribe(t model.MessageType) <-chan model.WSMessage {
	ch := make(chan model.WSMessage, subscriberBuffer)
	c.subsMu.Lock()
	c.subs[t] = append(c.subs[t], ch)
	c.subsMu.Unlock()
	return ch
}

// Publish sends one message. It fails fast while disconnected; nothing is
// queued for later delivery.
func (c *Client) Publish(_ context.Context, t model.MessageType, data any) error {
	msg, err := model.NewMessage(t, data)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, msg)
}

func (c *Client) write(conn *websocket.Conn, msg model.WSMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// Run connects and reconnects until ctx is done or MaxRetries consecutive
// reconnections failed, in which case it returns ErrGaveUp and closes the
// GaveUp channel. A connection that was up resets the retry count.
func (c *Client) Run(ctx context.Context) error {
	retries := 0
	for {
		up, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if up {
			retries = 0
		}
		if retries >= c.cfg.MaxRetries {
			c.log.Error("giving up on event bus", zap.Int("retries", retries), zap.Error(err))
			c.gaveUpOnce.Do(func() { close(c.gaveUp) })
			return ErrGaveUp
		}
		delay := Backoff(retries, c.cfg.InitialBackoff, c.cfg.MaxBackoff)
		retries++
		if c.metrics != nil {
			c.metrics.BusReconnects.Inc()
		}
		c.log.Warn("event bus disconnected, reconnecting",
			zap.Error(err), zap.Duration("delay", delay), zap.Int("attempt", retries))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

// session dials, registers and serves one connection until it drops. It
// reports whether the connection was ever up.
func (c *Client) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	header.Add("X-Api-Key", c.cfg.APIKey)

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	reg, err := model.NewMessage(model.MessageTypeRegister, c.cfg.Registration)
	if err != nil {
		return false, err
	}
	if err := c.write(conn, reg); err != nil {
		return false, err
	}
	c.log.Info("connected to event bus", zap.String("url", c.cfg.URL))

	c.setConn(conn)
	defer c.setConn(nil)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		// Unblocks ReadJSON when the caller cancels.
		_ = conn.Close()
	}()
	if c.cfg.Heartbeat > 0 {
		go c.heartbeat(sessionCtx, conn)
	}

	for {
		var msg model.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		c.handle(sessionCtx, conn, msg)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(conn != nil)
	if c.metrics != nil {
		if conn != nil {
			c.metrics.BusConnected.Set(1)
		} else {
			c.metrics.BusConnected.Set(0)
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := c.clock.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := c.write(conn, model.WSMessage{Type: model.MessageTypePing}); err != nil {
				c.log.Warn("heartbeat failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, conn *websocket.Conn, msg model.WSMessage) {
	switch msg.Type {
	case model.MessageTypeRegistered:
		var confirmed model.RegistrationConfirmed
		if err := msg.Decode(&confirmed); err != nil {
			c.log.Warn("bad registration confirmation", zap.Error(err))
			return
		}
		c.log.Info("registered with event bus",
			zap.String("location", confirmed.Location),
			zap.Int("connected_terminals", confirmed.ConnectedTerminals))

	case model.MessageTypePing:
		if err := c.write(conn, model.WSMessage{Type: model.MessageTypePong}); err != nil {
			c.log.Warn("failed to answer ping", zap.Error(err))
		}

	case model.MessageTypePong:

	default:
		if !c.deliver(ctx, msg) {
			c.log.Debug("no subscriber for message", zap.String("type", string(msg.Type)))
		}
	}
}

// deliver hands msg to every subscriber of its type. A full subscriber
// stalls the read loop rather than losing the message.
func (c *Client) deliver(ctx context.Context, msg model.WSMessage) bool {
	c.subsMu.RLock()
	subs := c.subs[msg.Type]
	c.subsMu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return true
		}
	}
	return len(subs) > 0
}

var _ Bus = (*Client)(nil)
