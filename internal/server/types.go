// Package server defines the message and delivery types shared by the router,
// the registry and the transports.
package server

import (
	"strings"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

// Message is one chat line as accepted by the relay. It is built once by the
// send-message handler and never stored after delivery.
type Message struct {
	Room      string
	Text      string
	SenderID  string
	Timestamp string
}

func (m Message) wire() protocol.ReceiveMessage {
	return protocol.ReceiveMessage{
		Message:   m.Text,
		Timestamp: m.Timestamp,
		UserID:    m.SenderID,
	}
}

// Outbound describes one broadcast produced by an event handler. Exclude is
// a connection id that must not receive it, or empty for everyone.
type Outbound struct {
	Room    string
	Event   string
	Payload any
	Exclude string
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
