// Package testhelpers provides common utilities for testing the roomchat relay.
//
// It wraps the websocket dialing, event framing and assertions shared by the
// server and client package tests to reduce duplication in test files.
package testhelpers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

// TestOrigin is an origin the default configuration allows.
const TestOrigin = "http://localhost:8080"

// WebSocketURL turns an httptest server URL into its /ws endpoint.
func WebSocketURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// ConnectWebSocket dials url with the given Origin header.
// It returns the connection or an error if the upgrade fails.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials the relay and consumes the connected event, returning
// the connection and the id the relay assigned to it.
func MustConnect(t *testing.T, url string) (*websocket.Conn, string) {
	t.Helper()

	conn, _, err := ConnectWebSocket(url, TestOrigin)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	env := ReadEnvelope(t, conn, 2*time.Second)
	if env.Event != protocol.EventConnected {
		t.Fatalf("Expected %q as first event, got %q", protocol.EventConnected, env.Event)
	}
	var hello protocol.Connected
	DecodeData(t, env, &hello)
	return conn, hello.UserID
}

// SendEvent writes one event frame.
func SendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()

	frame, err := protocol.Encode(event, data)
	if err != nil {
		t.Fatalf("Failed to encode %s: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("Failed to send %s: %v", event, err)
	}
}

// ReadEnvelope reads the next frame, failing the test after timeout.
func ReadEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) protocol.Envelope {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("Received malformed frame %q: %v", raw, err)
	}
	return env
}

// ReadEvent reads frames until one named event arrives.
func ReadEvent(t *testing.T, conn *websocket.Conn, event string, timeout time.Duration) protocol.Envelope {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for %q", event)
		}
		env := ReadEnvelope(t, conn, remaining)
		if env.Event == event {
			return env
		}
	}
}

// DecodeData unmarshals an envelope's payload into v.
func DecodeData(t *testing.T, env protocol.Envelope, v any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("Failed to decode %s payload %s: %v", env.Event, env.Data, err)
	}
}

// ExpectNoMessage fails if a frame arrives within timeout.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no message, but received %s", raw)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of message: %v", err)
}

// ReadClose reads until the peer closes and returns the close code and text.
func ReadClose(t *testing.T, conn *websocket.Conn, timeout time.Duration) (int, string) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code, ce.Text
		}
		t.Fatalf("Expected close frame, got %v", err)
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
