package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

// Relay is the assembled chat core: registry, router, typing tracker and the
// websocket and polling transports that feed them.
type Relay struct {
	cfg      Config
	log      zerolog.Logger
	metrics  *metrics
	registry *Registry
	typing   *TypingTracker
	router   *Router
	origins  *originPolicy
	upgrader websocket.Upgrader
	polls    *pollSessions

	// mu guards closing so no goroutine is tracked once Shutdown waits on wg.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup

	handlerOnce sync.Once
	handler     http.Handler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRelay builds a relay from cfg. Zero fields in cfg take their defaults.
func NewRelay(cfg Config, log zerolog.Logger) *Relay {
	cfg = sanitizeConfig(cfg)
	m := newMetrics()
	reg := newRegistry(log, m)
	typing := NewTypingTracker()
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		registry: reg,
		typing:   typing,
		router:   NewRouter(reg, typing, log),
		origins:  newOriginPolicy(cfg.AllowedOrigins, log),
		polls:    newPollSessions(),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.origins.checkOrigin,
	}

	reg.onDrop = r.dropSlowConsumer
	reg.newLimiter = func() *rate.Limiter {
		return newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval)
	}

	r.goTracked(func() { r.runPollJanitor(ctx) })
	return r
}

// Config returns the sanitized configuration the relay runs with.
func (r *Relay) Config() Config { return r.cfg }

// Registry exposes room membership for inspection.
func (r *Relay) Registry() *Registry { return r.registry }

// Router exposes the event router.
func (r *Relay) Router() *Router { return r.router }

// Typing exposes the typing tracker.
func (r *Relay) Typing() *TypingTracker { return r.typing }

// goTracked starts fns as goroutines counted by Shutdown. It reports false,
// starting nothing, once shutdown has begun.
func (r *Relay) goTracked(fns ...func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return false
	}
	r.wg.Add(len(fns))
	for _, fn := range fns {
		go func() {
			defer r.wg.Done()
			fn()
		}()
	}
	return true
}

// accept registers a transport and greets it with its identity.
func (r *Relay) accept(sink Sink, transport, remote string) (*Conn, error) {
	c, err := r.registry.Accept(sink, transport, remote)
	if err != nil {
		return nil, err
	}
	if err := r.registry.SendTo(c, protocol.EventConnected, protocol.Connected{UserID: c.id}); err != nil {
		r.log.Warn().Err(err).Str("conn", c.id).Msg("failed to queue connected event")
	}
	return c, nil
}

// dropSlowConsumer disconnects a member that could not keep up. It runs off
// the broadcasting goroutine because the broadcaster may hold the sender's
// dispatch lock, and the sender can be the member being dropped. Once
// shutdown has begun no goroutine is started and the member is closed inline,
// skipping the dispatch lock for the same reason.
func (r *Relay) dropSlowConsumer(c *Conn) {
	ev := Disconnect{Reason: protocol.ReasonSlowConsumer}
	if !r.goTracked(func() { r.router.Dispatch(c, ev) }) {
		r.router.handleDisconnect(c, ev)
	}
}

// Disconnect closes the connection with id on the server's initiative. The
// websocket close code is 4000 when reason is "server disconnect", which
// well-behaved clients answer with a single delayed reconnect.
func (r *Relay) Disconnect(id, reason string) bool {
	c := r.registry.Conn(id)
	if c == nil {
		return false
	}
	if reason == "" {
		reason = protocol.ReasonServerDisconnect
	}
	r.router.Dispatch(c, Disconnect{Reason: reason})
	return true
}

// Shutdown stops accepting connections, closes every open one and waits for
// the transports' goroutines to finish or ctx to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.log.Info().Msg("initiating relay shutdown")

	r.registry.stopAccepting()
	conns := r.registry.Conns()
	for _, c := range conns {
		r.router.Dispatch(c, Disconnect{Reason: protocol.ReasonServerShutdown})
	}
	r.log.Info().Int("connections", len(conns)).Msg("closed client connections")

	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info().Msg("relay shutdown completed")
		return nil
	case <-ctx.Done():
		r.log.Warn().Msg("relay shutdown timeout reached, some goroutines may still be running")
		return ctx.Err()
	}
}
