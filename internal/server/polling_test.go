package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/testhelpers"
)

// pollClient speaks the long-polling transport against a test server.
type pollClient struct {
	t   *testing.T
	url string
	sid string
}

func openPoll(t *testing.T, srv *httptest.Server) (*pollClient, pollHandshake) {
	t.Helper()

	resp, err := http.Get(srv.URL + "/poll")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hs pollHandshake
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hs))
	require.NotEmpty(t, hs.SID)
	return &pollClient{t: t, url: srv.URL + "/poll?sid=" + hs.SID, sid: hs.SID}, hs
}

func (p *pollClient) poll() []protocol.Envelope {
	p.t.Helper()

	resp, err := http.Get(p.url)
	require.NoError(p.t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(p.t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(p.t, err)
	envs, err := protocol.DecodeBatch(body)
	require.NoError(p.t, err, "body %s", body)
	return envs
}

func (p *pollClient) post(body string) int {
	p.t.Helper()

	resp, err := http.Post(p.url, "application/json", strings.NewReader(body))
	require.NoError(p.t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func (p *pollClient) emit(event string, data any) {
	p.t.Helper()

	raw, err := protocol.Encode(event, data)
	require.NoError(p.t, err)
	require.Equal(p.t, http.StatusOK, p.post(string(raw)))
}

func eventNames(envs []protocol.Envelope) []string {
	names := make([]string, 0, len(envs))
	for _, env := range envs {
		names = append(names, env.Event)
	}
	return names
}

func TestPollHandshakeAndGreeting(t *testing.T) {
	relay, srv := newTestRelay(t, nil)

	p, hs := openPoll(t, srv)

	cfg := relay.Config()
	assert.Equal(t, cfg.PingInterval.Milliseconds(), hs.PingInterval)
	assert.Equal(t, cfg.PingTimeout.Milliseconds(), hs.PingTimeout)

	envs := p.poll()
	require.Len(t, envs, 1)
	assert.Equal(t, protocol.EventConnected, envs[0].Event)
	var hello protocol.Connected
	require.NoError(t, json.Unmarshal(envs[0].Data, &hello))
	assert.Equal(t, p.sid, hello.UserID)

	c := relay.Registry().Conn(p.sid)
	require.NotNil(t, c)
	assert.Equal(t, transportPolling, c.Transport())
}

func TestPollEmptyWaitReturnsEmptyArray(t *testing.T) {
	_, srv := newTestRelay(t, func(cfg *Config) {
		cfg.PollWait = 50 * time.Millisecond
	})
	p, _ := openPoll(t, srv)
	p.poll()

	start := time.Now()
	assert.Empty(t, p.poll())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

// Polling and websocket clients share rooms.
func TestPollClientTalksToWebSocketClient(t *testing.T) {
	relay, srv := newTestRelay(t, func(cfg *Config) {
		cfg.PollWait = 200 * time.Millisecond
	})

	ws, wsid := testhelpers.MustConnect(t, testhelpers.WebSocketURL(srv))
	testhelpers.SendEvent(t, ws, protocol.EventJoinRoom, "lobby")
	require.Eventually(t, func() bool { return len(relay.Registry().Members("lobby")) == 1 }, eventually, 10*time.Millisecond)

	p, _ := openPoll(t, srv)
	p.poll()
	p.emit(protocol.EventJoinRoom, "lobby")

	joined := testhelpers.ReadEvent(t, ws, protocol.EventUserJoined, eventually)
	var uj protocol.UserJoined
	testhelpers.DecodeData(t, joined, &uj)
	assert.Equal(t, p.sid, uj.UserID)

	p.emit(protocol.EventSendMessage, protocol.SendMessage{Room: "lobby", Message: "from poll"})
	env := testhelpers.ReadEvent(t, ws, protocol.EventReceiveMessage, eventually)
	var msg protocol.ReceiveMessage
	testhelpers.DecodeData(t, env, &msg)
	assert.Equal(t, "from poll", msg.Message)
	assert.Equal(t, p.sid, msg.UserID)

	testhelpers.SendEvent(t, ws, protocol.EventSendMessage, protocol.SendMessage{Room: "lobby", Message: "from ws"})

	var got []protocol.ReceiveMessage
	deadline := time.Now().Add(eventually)
	for len(got) < 2 && time.Now().Before(deadline) {
		for _, env := range p.poll() {
			if env.Event != protocol.EventReceiveMessage {
				continue
			}
			var m protocol.ReceiveMessage
			require.NoError(t, json.Unmarshal(env.Data, &m))
			got = append(got, m)
		}
	}
	require.Len(t, got, 2)
	assert.Equal(t, "from poll", got[0].Message)
	assert.Equal(t, "from ws", got[1].Message)
	assert.Equal(t, wsid, got[1].UserID)
}

func TestPollPostAcceptsBatches(t *testing.T) {
	relay, srv := newTestRelay(t, nil)
	p, _ := openPoll(t, srv)

	status := p.post(`[{"event":"join-room","data":"lobby"},{"event":"join-room","data":{"room":"games"}}]`)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"games", "lobby"}, relay.Registry().Conn(p.sid).Rooms())
}

func TestPollPostMalformedBodyIsDropped(t *testing.T) {
	relay, srv := newTestRelay(t, nil)
	p, _ := openPoll(t, srv)

	assert.Equal(t, http.StatusOK, p.post(`not json`))
	assert.Equal(t, StateOpen, relay.Registry().Conn(p.sid).State())
}

func TestPollPostTooLarge(t *testing.T) {
	_, srv := newTestRelay(t, func(cfg *Config) {
		cfg.MaxMessageSize = 16
	})
	p, _ := openPoll(t, srv)

	assert.Equal(t, http.StatusRequestEntityTooLarge, p.post(strings.Repeat("x", 16*maxPollBatchFrames+1)))
}

func TestPollUnknownSession(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	resp, err := http.Get(srv.URL + "/poll?sid=missing")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/poll?sid=missing", "application/json", strings.NewReader(`{"event":"typing"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPollRejectsDisallowedOrigin(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/poll", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPollServerDisconnectEndsSession(t *testing.T) {
	relay, srv := newTestRelay(t, nil)
	p, _ := openPoll(t, srv)
	p.poll()

	require.True(t, relay.Disconnect(p.sid, ""))

	envs := p.poll()
	require.Equal(t, []string{protocol.EventDisconnect}, eventNames(envs))
	var d protocol.Disconnected
	require.NoError(t, json.Unmarshal(envs[0].Data, &d))
	assert.Equal(t, protocol.ReasonServerDisconnect, d.Reason)

	resp, err := http.Get(p.url)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPollClientDisconnectEvent(t *testing.T) {
	relay, srv := newTestRelay(t, nil)
	p, _ := openPoll(t, srv)
	p.emit(protocol.EventJoinRoom, "lobby")

	assert.Equal(t, http.StatusOK, p.post(`{"event":"disconnect"}`))

	assert.Nil(t, relay.Registry().Conn(p.sid))
	assert.Empty(t, relay.Registry().Members("lobby"))
	assert.Equal(t, http.StatusBadRequest, p.post(`{"event":"join-room","data":"lobby"}`))
}

func TestExpirePollsDropsIdleSessions(t *testing.T) {
	relay := NewRelay(Config{}, zerolog.Nop())
	t.Cleanup(func() { _ = relay.Shutdown(context.Background()) })

	stale := newPollSink(4)
	c, err := relay.accept(stale, transportPolling, "")
	require.NoError(t, err)
	relay.polls.add(&pollSession{conn: c, sink: stale})

	fresh := newPollSink(4)
	f, err := relay.accept(fresh, transportPolling, "")
	require.NoError(t, err)
	relay.polls.add(&pollSession{conn: f, sink: fresh})

	timeout := relay.Config().PingTimeout
	stale.mu.Lock()
	stale.lastSeen = time.Now().Add(-2 * timeout)
	stale.mu.Unlock()

	assert.Equal(t, 1, relay.expirePolls(time.Now()))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, StateOpen, f.State())
	assert.Equal(t, 2, relay.polls.len(), "expired session waits to be drained")
	assert.Zero(t, relay.expirePolls(time.Now()), "closed sessions are not expired twice")

	frames, finished := stale.drain()
	assert.True(t, finished)
	require.NotEmpty(t, frames)
	env, err := protocol.DecodeEnvelope(frames[len(frames)-1])
	require.NoError(t, err)
	assert.Equal(t, protocol.EventDisconnect, env.Event)
}

// The client that comes back after its session timed out learns why before
// the session id stops working.
func TestPollExpiredSessionDeliversPingTimeout(t *testing.T) {
	relay, srv := newTestRelay(t, nil)
	p, _ := openPoll(t, srv)
	p.emit(protocol.EventJoinRoom, "lobby")
	p.poll()

	s := relay.polls.get(p.sid)
	require.NotNil(t, s)
	s.sink.mu.Lock()
	s.sink.lastSeen = time.Now().Add(-2 * relay.Config().PingTimeout)
	s.sink.mu.Unlock()

	require.Equal(t, 1, relay.expirePolls(time.Now()))
	assert.Nil(t, relay.Registry().Conn(p.sid))
	assert.Empty(t, relay.Registry().Members("lobby"))

	envs := p.poll()
	require.Equal(t, []string{protocol.EventDisconnect}, eventNames(envs))
	var d protocol.Disconnected
	require.NoError(t, json.Unmarshal(envs[0].Data, &d))
	assert.Equal(t, protocol.ReasonPingTimeout, d.Reason)

	resp, err := http.Get(p.url)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExpirePollsReapsUndrainedSessions(t *testing.T) {
	relay := NewRelay(Config{}, zerolog.Nop())
	t.Cleanup(func() { _ = relay.Shutdown(context.Background()) })

	sink := newPollSink(4)
	c, err := relay.accept(sink, transportPolling, "")
	require.NoError(t, err)
	relay.polls.add(&pollSession{conn: c, sink: sink})

	require.True(t, relay.Disconnect(c.ID(), ""))
	timeout := relay.Config().PingTimeout

	relay.expirePolls(time.Now())
	assert.Equal(t, 1, relay.polls.len(), "recently closed session is kept")

	relay.expirePolls(time.Now().Add(2 * timeout))
	assert.Zero(t, relay.polls.len())
}

func TestPollSinkLimitAndClose(t *testing.T) {
	sink := newPollSink(2)

	assert.True(t, sink.Enqueue([]byte(`{"event":"a"}`)))
	assert.True(t, sink.Enqueue([]byte(`{"event":"b"}`)))
	assert.False(t, sink.Enqueue([]byte(`{"event":"c"}`)), "queue at limit")

	sink.Close(0, protocol.ReasonSlowConsumer)
	assert.False(t, sink.Enqueue([]byte(`{"event":"d"}`)))

	frames, finished := sink.wait(context.Background(), time.Hour)
	assert.True(t, finished)
	assert.Len(t, frames, 3)
}

func TestFrameArray(t *testing.T) {
	assert.Equal(t, "[]", string(frameArray(nil)))
	assert.Equal(t, `[{"a":1},{"b":2}]`, string(frameArray([][]byte{[]byte(`{"a":1}`), []byte(`{"b":2}`)})))
}
