package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pickcreator-backend/internal/middleware"
	"pickcreator-backend/internal/signaling"
	"pickcreator-backend/pkg/constants"
	apperrors "pickcreator-backend/pkg/errors"
	"pickcreator-backend/pkg/metrics"
	"pickcreator-backend/pkg/response"
)

// Bus fans frames out across relay instances
type Bus interface {
	Publish(ctx context.Context, userID string, frame []byte) (int64, error)
	Subscribe(ctx context.Context, userID string, deliver func([]byte)) bool
}

// Presence tracks which users hold a relay connection
type Presence interface {
	SetUserOnline(ctx context.Context, userID string) error
	SetUserOffline(ctx context.Context, userID string) error
	RefreshPresence(ctx context.Context, userID string) error
}

// Recorder observes routed messages
type Recorder interface {
	Observe(ctx context.Context, msg *signaling.Message) error
}

// HubConfig configures the SignalingHub
type HubConfig struct {
	MaxConnections int
	AllowedOrigins []string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	RecordQueue    int
}

func (c *HubConfig) setDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1000
	}
	if c.PingInterval <= 0 {
		c.PingInterval = constants.WebSocketPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = constants.WebSocketWriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.RecordQueue <= 0 {
		c.RecordQueue = 1024
	}
}

// HubDeps are the hub's optional collaborators. Any may be nil: without a
// Bus delivery is local to this instance.
type HubDeps struct {
	Bus      Bus
	Presence Presence
	Recorder Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// SignalingHub routes call signaling between users' websocket connections
type SignalingHub struct {
	cfg      HubConfig
	bus      Bus
	presence Presence
	recorder Recorder
	metrics  *metrics.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader

	// Connections per user
	mu    sync.RWMutex
	users map[string]*userEntry

	// Semaphore for limiting concurrent connections
	semaphore chan struct{}

	records chan *signaling.Message
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type userEntry struct {
	clients map[*SignalingClient]struct{}
	// viaBus is set when frames for this user arrive through the bus
	viaBus      bool
	unsubscribe context.CancelFunc
}

// SignalingClient is one authenticated websocket connection
type SignalingClient struct {
	hub    *SignalingHub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	userID string

	closeOnce     sync.Once
	lastRefreshed time.Time
}

// NewSignalingHub creates a hub and starts its record worker
func NewSignalingHub(cfg HubConfig, deps HubDeps) *SignalingHub {
	cfg.setDefaults()
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &SignalingHub{
		cfg:       cfg,
		bus:       deps.Bus,
		presence:  deps.Presence,
		recorder:  deps.Recorder,
		metrics:   deps.Metrics,
		log:       log,
		users:     make(map[string]*userEntry),
		semaphore: make(chan struct{}, cfg.MaxConnections),
		records:   make(chan *signaling.Message, cfg.RecordQueue),
		ctx:       ctx,
		cancel:    cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	if h.recorder != nil {
		h.wg.Add(1)
		go h.recordLoop()
	}
	return h
}

// checkOrigin accepts non-browser clients, which send no Origin, and
// listed browser origins.
func (h *SignalingHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return middleware.OriginAllowed(h.cfg.AllowedOrigins, origin)
}

// ServeWS handles WebSocket requests for signaling
func (h *SignalingHub) ServeWS(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.FromError(c, apperrors.UnauthorizedError("Not authenticated"))
		return
	}

	select {
	case h.semaphore <- struct{}{}:
	default:
		h.log.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.cfg.MaxConnections))
		h.recordError("capacity")
		response.FromError(c, apperrors.CapacityError())
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		h.log.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID),
			zap.Error(err))
		h.recordError("upgrade")
		return
	}

	client := &SignalingClient{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, h.cfg.SendBuffer),
		id:            uuid.New().String(),
		userID:        userID,
		lastRefreshed: time.Now(),
	}
	h.register(client)

	go client.writePump()
	go client.readPump()
}

func (h *SignalingHub) register(client *SignalingClient) {
	h.mu.Lock()
	entry, ok := h.users[client.userID]
	first := !ok
	if first {
		entry = &userEntry{clients: make(map[*SignalingClient]struct{})}
		h.users[client.userID] = entry
	}
	entry.clients[client] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.IncWebSocketConnections()
	}
	if first {
		h.subscribe(client.userID, entry)
		if h.presence != nil {
			if err := h.presence.SetUserOnline(h.ctx, client.userID); err != nil {
				h.log.Warn("Failed to set user online", zap.String("user_id", client.userID), zap.Error(err))
			}
		}
	}
	h.log.Debug("Signaling client registered",
		zap.String("user_id", client.userID),
		zap.String("connection_id", client.id))
}

// subscribe routes userID's frames through the bus. Until it succeeds
// frames for the user are delivered directly.
func (h *SignalingHub) subscribe(userID string, entry *userEntry) {
	if h.bus == nil {
		return
	}
	ctx, cancel := context.WithCancel(h.ctx)
	if !h.bus.Subscribe(ctx, userID, func(frame []byte) { h.deliverLocal(userID, frame) }) {
		cancel()
		h.log.Warn("Bus subscription unavailable, delivering locally", zap.String("user_id", userID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.users[userID] != entry {
		// Every connection left while subscribing.
		cancel()
		return
	}
	entry.viaBus = true
	entry.unsubscribe = cancel
}

// unregister removes client. It is safe to call more than once.
func (h *SignalingHub) unregister(client *SignalingClient) {
	h.mu.Lock()
	entry, ok := h.users[client.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := entry.clients[client]; !exists {
		h.mu.Unlock()
		return
	}
	delete(entry.clients, client)
	close(client.send)
	last := len(entry.clients) == 0
	if last {
		if entry.unsubscribe != nil {
			entry.unsubscribe()
		}
		delete(h.users, client.userID)
	}
	h.mu.Unlock()

	<-h.semaphore
	if h.metrics != nil {
		h.metrics.DecWebSocketConnections()
	}
	if last && h.presence != nil {
		if err := h.presence.SetUserOffline(context.Background(), client.userID); err != nil {
			h.log.Warn("Failed to set user offline", zap.String("user_id", client.userID), zap.Error(err))
		}
	}
	h.log.Debug("Signaling client unregistered",
		zap.String("user_id", client.userID),
		zap.String("connection_id", client.id))
}

// Online reports whether userID holds a connection on this instance
func (h *SignalingHub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[userID]
	return ok
}

// route forwards a message from sender to its recipient
func (h *SignalingHub) route(sender *SignalingClient, msg *signaling.Message) {
	stampIdentity(msg, sender.userID)
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	recipient := msg.Recipient()
	if recipient == "" || recipient == sender.userID {
		h.recordMessage(msg.Type, "dropped")
		return
	}

	frame, err := msg.Encode()
	if err != nil {
		h.log.Warn("Failed to encode signaling message", zap.Error(err))
		h.recordMessage(msg.Type, "dropped")
		return
	}
	h.recordMessage(msg.Type, "inbound")

	if h.forward(recipient, frame) {
		h.recordMessage(msg.Type, "outbound")
	} else {
		h.recordMessage(msg.Type, "unrouted")
		h.log.Debug("Signaling recipient offline",
			zap.String("type", string(msg.Type)),
			zap.String("recipient_id", recipient))
	}

	h.enqueueRecord(msg)
}

// forward hands frame to recipient's connections, through the bus when
// the recipient is reachable that way. It reports whether anyone got it.
func (h *SignalingHub) forward(recipient string, frame []byte) bool {
	h.mu.RLock()
	entry, local := h.users[recipient]
	direct := local && !entry.viaBus
	h.mu.RUnlock()

	if direct || h.bus == nil {
		return h.deliverLocal(recipient, frame)
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.WriteTimeout)
	defer cancel()
	n, err := h.bus.Publish(ctx, recipient, frame)
	if err != nil {
		h.log.Warn("Bus publish failed, delivering locally", zap.Error(err))
		return h.deliverLocal(recipient, frame)
	}
	return n > 0
}

// deliverLocal queues frame on every local connection of userID. A client
// whose buffer is full is disconnected.
func (h *SignalingHub) deliverLocal(userID string, frame []byte) bool {
	h.mu.RLock()
	entry, ok := h.users[userID]
	if !ok {
		h.mu.RUnlock()
		return false
	}
	delivered := false
	var slow []*SignalingClient
	for client := range entry.clients {
		select {
		case client.send <- frame:
			delivered = true
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.log.Warn("Signaling client send buffer full, disconnecting",
			zap.String("user_id", client.userID),
			zap.String("connection_id", client.id))
		h.recordError("slow_consumer")
		client.close()
	}
	return delivered
}

// stampIdentity overwrites the self-declared identity fields with the
// authenticated user.
func stampIdentity(msg *signaling.Message, userID string) {
	msg.SenderID = userID
	switch msg.Type {
	case signaling.TypeOffer:
		msg.CallerID = userID
	case signaling.TypeAnswer, signaling.TypeRejected:
		msg.CalleeID = userID
	case signaling.TypeEnded, signaling.TypePing:
		msg.UserID = userID
	}
}

func (h *SignalingHub) enqueueRecord(msg *signaling.Message) {
	if h.recorder == nil {
		return
	}
	switch msg.Type {
	case signaling.TypeCandidate, signaling.TypePing:
		return
	}
	select {
	case h.records <- msg:
	default:
		h.log.Warn("Call record queue full, dropping message", zap.String("type", string(msg.Type)))
	}
}

// recordLoop applies messages to the recorder in arrival order
func (h *SignalingHub) recordLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg := <-h.records:
			ctx, cancel := context.WithTimeout(h.ctx, constants.RecordTimeout)
			if err := h.recorder.Observe(ctx, msg); err != nil {
				h.log.Warn("Failed to record call event",
					zap.String("type", string(msg.Type)),
					zap.String("conversation_id", msg.ConversationID),
					zap.Error(err))
			}
			cancel()
		}
	}
}

// Close disconnects every client and stops background work
func (h *SignalingHub) Close() {
	h.mu.RLock()
	var clients []*SignalingClient
	for _, entry := range h.users {
		for client := range entry.clients {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.close()
	}
	h.cancel()
	h.wg.Wait()
}

func (h *SignalingHub) recordMessage(msgType signaling.MessageType, direction string) {
	if h.metrics != nil {
		h.metrics.RecordWebSocketMessage(string(msgType), direction)
	}
}

func (h *SignalingHub) recordError(kind string) {
	if h.metrics != nil {
		h.metrics.RecordWebSocketError(kind)
	}
}

func (c *SignalingClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// refreshPresence keeps the user online while the connection is active
func (c *SignalingClient) refreshPresence() {
	if c.hub.presence == nil || time.Since(c.lastRefreshed) < constants.PresenceTTL/2 {
		return
	}
	c.lastRefreshed = time.Now()
	if err := c.hub.presence.RefreshPresence(c.hub.ctx, c.userID); err != nil {
		c.hub.log.Debug("Failed to refresh presence", zap.String("user_id", c.userID), zap.Error(err))
	}
}

// readPump reads messages from WebSocket
func (c *SignalingClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	readWait := 2 * c.hub.cfg.PingInterval
	c.conn.SetReadLimit(128 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.refreshPresence()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID),
					zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.refreshPresence()

		msg, err := signaling.DecodeFrame(data)
		if err != nil {
			c.hub.log.Warn("Invalid signaling frame",
				zap.String("user_id", c.userID),
				zap.Error(err))
			c.hub.recordError("invalid_frame")
			continue
		}
		c.hub.route(c, msg)
	}
}

// writePump writes messages to WebSocket
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
