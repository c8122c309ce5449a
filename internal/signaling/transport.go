package signaling

import "errors"

// ConnState is a transport connection-state event.
type ConnState string

const (
	ConnStateConnect      ConnState = "connect"
	ConnStateDisconnect   ConnState = "disconnect"
	ConnStateConnectError ConnState = "connect-error"
)

// ErrTransportUnavailable is returned by Send while the relay connection is down.
var ErrTransportUnavailable = errors.New("signaling transport unavailable")

// Transport is the shared outbound relay channel.
// Send must not block; it either queues the message or fails.
type Transport interface {
	Send(msg *Message) error
	Connected() bool
}

// Handler consumes inbound messages and connection-state events.
type Handler interface {
	HandleMessage(msg *Message)
	HandleConnState(state ConnState)
}
