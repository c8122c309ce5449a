package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pickcreator-backend/pkg/constants"
	"pickcreator-backend/pkg/retry"
)

// ErrUnauthorized is returned by Run when the relay rejects the token.
var ErrUnauthorized = errors.New("signaling relay rejected credentials")

// ClientConfig configures the relay websocket client.
type ClientConfig struct {
	URL   string
	Token string

	PingInterval time.Duration
	WriteTimeout time.Duration
	SendBuffer   int

	// ReconnectAttempts bounds consecutive failed dials before Run gives up.
	ReconnectAttempts int
	ReconnectMaxDelay time.Duration
}

func (c *ClientConfig) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = constants.WebSocketPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = constants.WebSocketWriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 10
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 10 * time.Second
	}
}

// Client is a reconnecting websocket connection to the signaling relay.
// It implements Transport and delivers inbound traffic to a Handler.
type Client struct {
	cfg     ClientConfig
	dialer  *websocket.Dialer
	handler Handler
	log     *zap.Logger

	mu        sync.RWMutex
	send      chan []byte
	connected bool
}

// NewClient creates a Client delivering to handler. Call Run to connect.
func NewClient(cfg ClientConfig, handler Handler, log *zap.Logger) *Client {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.WriteTimeout},
		handler: handler,
		log:     log,
	}
}

// Connected implements Transport.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Send implements Transport. It queues the frame for the write pump and
// fails instead of blocking when the connection is down or backed up.
func (c *Client) Send(msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return ErrTransportUnavailable
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", ErrTransportUnavailable)
	}
}

// Run connects and keeps the connection up until ctx is done or the
// reconnect budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}

		c.serve(ctx, conn)

		if err := ctx.Err(); err != nil {
			return err
		}
		c.log.Info("Signaling connection lost, reconnecting")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	var conn *websocket.Conn
	policy := retry.Policy{
		MaxAttempts: c.cfg.ReconnectAttempts,
		Backoff:     retry.Exponential(500*time.Millisecond, c.cfg.ReconnectMaxDelay),
		Operation:   "signaling_dial",
		Logger:      c.log,
	}
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		cn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
		if err != nil {
			c.handler.HandleConnState(ConnStateConnectError)
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return retry.Permanent(ErrUnauthorized)
			}
			c.log.Warn("Signaling dial failed",
				zap.String("url", c.cfg.URL),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		conn = cn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serve runs the pumps for one connection and returns when it drops.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	send := make(chan []byte, c.cfg.SendBuffer)
	done := make(chan struct{})

	c.mu.Lock()
	c.send = send
	c.connected = true
	c.mu.Unlock()

	c.log.Info("Signaling connected", zap.String("url", c.cfg.URL))
	c.handler.HandleConnState(ConnStateConnect)

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})

	go c.writePump(conn, send, done)
	c.readPump(conn)

	stop()
	c.mu.Lock()
	c.connected = false
	c.send = nil
	c.mu.Unlock()
	close(done)
	conn.Close()

	c.handler.HandleConnState(ConnStateDisconnect)
}

func (c *Client) readPump(conn *websocket.Conn) {
	readWait := 2 * c.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("Signaling connection closed", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		msg, err := Decode(data)
		if err != nil {
			c.log.Warn("Invalid signaling frame from relay", zap.Error(err))
			continue
		}
		c.handler.HandleMessage(msg)
	}
}

func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("Signaling write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
