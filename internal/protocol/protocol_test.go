package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInboundJoinRoom(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		room     string
		username string
	}{
		{name: "bare string", raw: `{"event":"join-room","data":"lobby"}`, room: "lobby"},
		{name: "object form", raw: `{"event":"join-room","data":{"room":"lobby","username":"ada"}}`, room: "lobby", username: "ada"},
		{name: "padded name", raw: `{"event":"join-room","data":"  lobby "}`, room: "  lobby "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseInbound([]byte(tt.raw))
			require.NoError(t, err)

			join, ok := ev.(JoinRoom)
			require.True(t, ok, "expected JoinRoom, got %T", ev)
			assert.Equal(t, tt.room, join.Room)
			assert.Equal(t, tt.username, join.Username)
			assert.Equal(t, "lobby", join.Normalized())
			assert.Equal(t, EventJoinRoom, ev.Kind())
		})
	}
}

func TestParseInboundLeaveRoom(t *testing.T) {
	ev, err := ParseInbound([]byte(`{"event":"leave-room","data":"lobby"}`))
	require.NoError(t, err)
	assert.Equal(t, LeaveRoom{Room: "lobby"}, ev)
}

func TestParseInboundSendMessage(t *testing.T) {
	raw := `{"event":"send-message","data":{"room":"lobby","message":"hi","timestamp":"2024-01-01T00:00:00.000Z"}}`

	ev, err := ParseInbound([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, SendMessage{Room: "lobby", Message: "hi", Timestamp: "2024-01-01T00:00:00.000Z"}, ev)
}

func TestParseInboundTyping(t *testing.T) {
	ev, err := ParseInbound([]byte(`{"event":"typing","data":{"room":"lobby","isTyping":false}}`))
	require.NoError(t, err)
	assert.Equal(t, Typing{Room: "lobby", IsTyping: false}, ev)
}

func TestParseInboundErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{name: "not json", raw: `hello`, want: ErrMalformedFrame},
		{name: "missing event", raw: `{"data":"lobby"}`, want: ErrMalformedFrame},
		{name: "unknown event", raw: `{"event":"shout","data":"x"}`, want: ErrUnknownEvent},
		{name: "join without data", raw: `{"event":"join-room"}`, want: ErrInvalidPayload},
		{name: "join with number", raw: `{"event":"join-room","data":42}`, want: ErrInvalidPayload},
		{name: "typing without flag", raw: `{"event":"typing","data":{"room":"lobby"}}`, want: ErrInvalidPayload},
		{name: "typing with string flag", raw: `{"event":"typing","data":{"room":"lobby","isTyping":"yes"}}`, want: ErrInvalidPayload},
		{name: "message with wrong shape", raw: `{"event":"send-message","data":["lobby"]}`, want: ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInbound([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeUsesWireNames(t *testing.T) {
	frame, err := Encode(EventUserTyping, UserTyping{UserID: "u1", IsTyping: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"user-typing","data":{"userId":"u1","isTyping":true}}`, string(frame))

	frame, err = Encode(EventReceiveMessage, ReceiveMessage{Message: "hi", Timestamp: "t", UserID: "u1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"receive-message","data":{"message":"hi","timestamp":"t","userId":"u1"}}`, string(frame))
}

func TestEncodeRejectsUnmarshalablePayload(t *testing.T) {
	_, err := Encode(EventUserJoined, map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestDecodeBatch(t *testing.T) {
	t.Run("single frame", func(t *testing.T) {
		envs, err := DecodeBatch([]byte(` {"event":"join-room","data":"lobby"} `))
		require.NoError(t, err)
		require.Len(t, envs, 1)
		assert.Equal(t, EventJoinRoom, envs[0].Event)
	})

	t.Run("array keeps order", func(t *testing.T) {
		envs, err := DecodeBatch([]byte(`[{"event":"join-room","data":"lobby"},{"event":"typing","data":{"room":"lobby","isTyping":true}}]`))
		require.NoError(t, err)
		require.Len(t, envs, 2)
		assert.Equal(t, EventJoinRoom, envs[0].Event)
		assert.Equal(t, EventTyping, envs[1].Event)
	})

	t.Run("empty body", func(t *testing.T) {
		_, err := DecodeBatch([]byte("  "))
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("bad element", func(t *testing.T) {
		_, err := DecodeBatch([]byte(`[{"event":"join-room","data":"lobby"},{"data":1}]`))
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})
}

func TestEnvelopeRoundTripKeepsRawData(t *testing.T) {
	frame, err := Encode(EventConnected, Connected{UserID: "abc"})
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)

	var hello Connected
	require.NoError(t, json.Unmarshal(env.Data, &hello))
	assert.Equal(t, "abc", hello.UserID)
}
