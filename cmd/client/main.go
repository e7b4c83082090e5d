package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/client"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	os.Exit(run())
}

// run holds every deferred cleanup so that it happens before the exit code
// reaches os.Exit.
func run() int {
	_ = godotenv.Load()

	url := flag.String("url", getenv("ROOMCHAT_URL", "ws://localhost:8080/ws"), "relay websocket endpoint")
	origin := flag.String("origin", getenv("ROOMCHAT_ORIGIN", "http://localhost:8080"), "Origin header sent on upgrade")
	room := flag.String("room", getenv("ROOMCHAT_ROOM", "lobby"), "room to join")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(zerolog.WarnLevel).With().Timestamp().Logger()

	indicator := client.NewTypingIndicator(client.DefaultTypingIdle, func(users []string) {
		if len(users) > 0 {
			fmt.Printf("* typing: %s\n", strings.Join(users, ", "))
		}
	})
	defer indicator.Close()

	var sup *client.Supervisor
	sup = client.New(client.Options{
		URL:    *url,
		Origin: *origin,
		Room:   *room,
		Logger: logger,
		OnEvent: func(env protocol.Envelope) {
			if indicator.HandleEnvelope(env) {
				return
			}
			printEvent(env, sup.ID())
		},
		OnStateChange: func(s client.State) {
			fmt.Printf("* %s\n", s)
		},
		OnDisconnect: func(code int, reason string) {
			fmt.Printf("* disconnected (%d %s)\n", code, reason)
		},
	})

	if err := sup.Connect(context.Background()); err != nil {
		logger.Error().Err(err).Msg("could not reach relay")
		return 1
	}

	sess := &session{sup: sup, room: *room}
	sess.typist = client.NewTypist(*room, client.DefaultTypingIdle, sup.SetTyping)
	defer sess.stopTyping()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.readInput()
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), 2*time.Second, map[string]gfshutdown.Operation{
		"client": func(context.Context) error {
			return sup.Close()
		},
	})

	select {
	case code := <-wait:
		return code
	case <-done:
		_ = sup.Close()
		return 0
	}
}

// session holds the room lines are sent to and the typist announcing typing
// there. Both change on /join; the deferred stop in run reads them from
// another goroutine.
type session struct {
	sup  *client.Supervisor
	room string

	mu     sync.Mutex
	typist *client.Typist
}

func (s *session) current() (string, *client.Typist) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room, s.typist
}

func (s *session) stopTyping() {
	_, typist := s.current()
	typist.Stop()
}

// switchRoom makes room the target for messages and typing.
func (s *session) switchRoom(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typist.Stop()
	s.room = room
	s.typist = client.NewTypist(room, client.DefaultTypingIdle, s.sup.SetTyping)
}

// readInput sends each stdin line to the current room. "/join <room>" joins
// a room and sends there from now on, "/leave <room>" leaves one, "/typing"
// announces typing, "/reconnect" retries after a close that was not retried
// automatically and "/quit" ends the session.
func (s *session) readInput() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/typing":
			_, typist := s.current()
			_ = typist.Keystroke()
		case line == "/reconnect":
			if err := s.sup.Connect(context.Background()); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case strings.HasPrefix(line, "/join "):
			room := strings.TrimSpace(strings.TrimPrefix(line, "/join "))
			s.switchRoom(room)
			if err := s.sup.JoinRoom(room); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case strings.HasPrefix(line, "/leave "):
			room := strings.TrimSpace(strings.TrimPrefix(line, "/leave "))
			if err := s.sup.LeaveRoom(room); err != nil {
				fmt.Printf("! %v\n", err)
			}
		default:
			room, typist := s.current()
			_ = typist.MessageSent()
			if err := s.sup.SendMessage(room, line, time.Now()); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

func printEvent(env protocol.Envelope, self string) {
	switch env.Event {
	case protocol.EventReceiveMessage:
		var msg protocol.ReceiveMessage
		if json.Unmarshal(env.Data, &msg) != nil {
			return
		}
		who := msg.UserID
		if who == self {
			who = "you"
		}
		fmt.Printf("[%s] %s: %s\n", msg.Timestamp, who, msg.Message)
	case protocol.EventUserJoined:
		var ev protocol.UserJoined
		if json.Unmarshal(env.Data, &ev) == nil {
			fmt.Printf("* %s joined\n", ev.UserID)
		}
	case protocol.EventConnected:
		var ev protocol.Connected
		if json.Unmarshal(env.Data, &ev) == nil {
			fmt.Printf("* connected as %s\n", ev.UserID)
		}
	}
}
