package signaling

import (
	"sync"

	"go.uber.org/zap"

	"pickcreator-backend/pkg/metrics"
)

// Mux routes messages from one shared transport to per-conversation handlers.
// Connection-state events reach every registered handler.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *zap.Logger
}

// NewMux creates an empty Mux.
func NewMux(log *zap.Logger) *Mux {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mux{
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// Register routes messages for conversationID to h, replacing any previous handler.
func (m *Mux) Register(conversationID string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[conversationID] = h
}

// Unregister stops routing for conversationID.
func (m *Mux) Unregister(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, conversationID)
}

// HandleMessage implements Handler.
func (m *Mux) HandleMessage(msg *Message) {
	if msg == nil {
		return
	}

	m.mu.RLock()
	h, ok := m.handlers[msg.ConversationID]
	m.mu.RUnlock()

	if !ok {
		metrics.SignalingMessagesTotal.WithLabelValues(string(msg.Type), "unrouted").Inc()
		m.log.Debug("No handler for conversation, dropping message",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("type", string(msg.Type)))
		return
	}

	metrics.SignalingMessagesTotal.WithLabelValues(string(msg.Type), "inbound").Inc()
	h.HandleMessage(msg)
}

// HandleConnState implements Handler.
func (m *Mux) HandleConnState(state ConnState) {
	m.mu.RLock()
	handlers := make([]Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h.HandleConnState(state)
	}
}
