package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"arquiz-live/internal/client"
	"arquiz-live/internal/domain"
	"arquiz-live/internal/protocol"
)

func TestBackoffSequence(t *testing.T) {
	base := 1000 * time.Millisecond
	max := 30000 * time.Millisecond
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond, // capped
	}
	prev := time.Duration(0)
	for attempt, w := range want {
		got := client.BackoffDelay(base, max, 2, attempt)
		if got != w {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, w, got)
		}
		if got < prev {
			t.Fatalf("attempt %d: delay decreased from %v to %v", attempt, prev, got)
		}
		prev = got
	}
	if got := client.BackoffDelay(base, max, 2, 12); got != max {
		t.Fatalf("expected far attempts to stay capped at %v, got %v", max, got)
	}
}

func TestEmitFailsFastWhenDisconnected(t *testing.T) {
	conn := client.NewConnection(client.Config{}, nil, nil)

	err := conn.Emit(protocol.EventPing, protocol.Ping{Timestamp: 1})
	if err == nil {
		t.Fatalf("expected emit to fail without a transport")
	}
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if domain.KindOf(err) != domain.KindClient {
		t.Fatalf("expected client error kind, got %s", domain.KindOf(err))
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.close()

	conn := client.NewConnection(client.Config{}, nil, nil)
	defer conn.Disconnect("test over")

	ctx := context.Background()
	if err := conn.Connect(ctx, srv.url(), client.Auth{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := conn.Connect(ctx, srv.url(), client.Auth{}); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if got := srv.upgrades.Load(); got != 1 {
		t.Fatalf("expected a single transport, server saw %d", got)
	}
	if conn.State() != domain.ConnConnected {
		t.Fatalf("expected connected state, got %s", conn.State())
	}
}

func TestConnectFailureIsTypedAndFinal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	conn := client.NewConnection(client.Config{ConnectTimeout: time.Second}, nil, nil)
	err := conn.Connect(context.Background(), "ws"+srv.URL[len("http"):], client.Auth{})
	if err == nil {
		t.Fatalf("expected connect to fail against a non-upgrading server")
	}
	if domain.KindOf(err) != domain.KindConnection {
		t.Fatalf("expected connection error kind, got %s", domain.KindOf(err))
	}
	if conn.State() != domain.ConnError {
		t.Fatalf("expected error state, got %s", conn.State())
	}
}

func TestEmitWithReply(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.close()

	conn := client.NewConnection(client.Config{}, nil, nil)
	defer conn.Disconnect("test over")

	ctx := context.Background()
	if err := conn.Connect(ctx, srv.url(), client.Auth{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	env, err := conn.EmitWithReply(waitCtx, protocol.EventJoinRoom, protocol.JoinRoom{AccessCode: "ABC123", Name: "Alice"}, protocol.EventRoomJoined)
	if err != nil {
		t.Fatalf("emit with reply: %v", err)
	}
	var joined protocol.RoomJoined
	if err := env.Decode(&joined); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if joined.Room.AccessCode != "ABC123" {
		t.Fatalf("expected echoed access code, got %+v", joined.Room)
	}
}

func TestHandlersSurviveReconnect(t *testing.T) {
	srv := newWSServer(t, func(c *websocket.Conn) {
		writeEvent(t, c, protocol.EventParticipantJoined, protocol.ParticipantJoined{
			Participant: protocol.RawParticipant{ID: "p1", Name: "Alice"},
		})
		time.Sleep(20 * time.Millisecond)
		c.Close() // forces the client into its reconnect path
	})
	defer srv.close()

	conn := client.NewConnection(client.Config{
		BaseDelay:  20 * time.Millisecond,
		MaxDelay:   100 * time.Millisecond,
		MaxRetries: 10,
	}, nil, nil)
	defer conn.Disconnect("test over")

	seen := make(chan protocol.Envelope, 8)
	conn.On(protocol.EventParticipantJoined, func(env protocol.Envelope) {
		seen <- env
	})

	if err := conn.Connect(context.Background(), srv.url(), client.Auth{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-seen:
		case <-time.After(5 * time.Second):
			t.Fatalf("handler fired %d times, expected it to keep firing across reconnects", i)
		}
	}
	if m := conn.Metrics(); m.Reconnects == 0 {
		t.Fatalf("expected at least one reconnect, metrics: %+v", m)
	}
}

func TestHeartbeatFeedsQuality(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.close()

	conn := client.NewConnection(client.Config{HeartbeatInterval: 25 * time.Millisecond}, nil, nil)
	defer conn.Disconnect("test over")

	if err := conn.Connect(context.Background(), srv.url(), client.Auth{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for conn.Metrics().HeartbeatsAnswered == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no heartbeat answered, metrics: %+v", conn.Metrics())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if q := conn.Quality(); q != domain.QualityExcellent {
		t.Fatalf("expected excellent quality on loopback, got %s", q)
	}
}

func TestMaxRetriesIsTerminal(t *testing.T) {
	srv := newEchoServer(t)

	conn := client.NewConnection(client.Config{
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   40 * time.Millisecond,
		MaxRetries: 2,
	}, nil, nil)
	defer conn.Disconnect("test over")

	terminal := make(chan error, 1)
	conn.OnStateChange(func(prev, next domain.ConnectionState, cause error) {
		if next == domain.ConnError && cause != nil {
			select {
			case terminal <- cause:
			default:
			}
		}
	})

	if err := conn.Connect(context.Background(), srv.url(), client.Auth{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Take the server away so every redial fails.
	srv.close()

	select {
	case err := <-terminal:
		if !errors.Is(err, domain.ErrMaxRetries) {
			t.Fatalf("expected ErrMaxRetries, got %v", err)
		}
		if !domain.IsTerminal(err) {
			t.Fatalf("expected a terminal error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("never reached the terminal retry state, state=%s", conn.State())
	}
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	srv := newEchoServer(t)

	conn := client.NewConnection(client.Config{
		BaseDelay:  50 * time.Millisecond,
		MaxRetries: 10,
	}, nil, nil)

	states := make(chan domain.ConnectionState, 16)
	conn.OnStateChange(func(prev, next domain.ConnectionState, cause error) {
		states <- next
	})

	if err := conn.Connect(context.Background(), srv.url(), client.Auth{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv.close()

	waitForState(t, states, domain.ConnReconnecting)
	conn.Disconnect("user left")
	waitForState(t, states, domain.ConnDisconnected)

	time.Sleep(150 * time.Millisecond) // past the backoff delay
	if got := conn.State(); got != domain.ConnDisconnected {
		t.Fatalf("reconnect ran after disconnect, state=%s", got)
	}
}

func TestUnknownEventsAreIgnored(t *testing.T) {
	srv := newWSServer(t, func(c *websocket.Conn) {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"warp_drive","payload":{}}`))
		writeEvent(t, c, protocol.EventParticipantJoined, protocol.ParticipantJoined{
			Participant: protocol.RawParticipant{ID: "p1"},
		})
		keepOpen(c)
	})
	defer srv.close()

	conn := client.NewConnection(client.Config{}, nil, nil)
	defer conn.Disconnect("test over")

	seen := make(chan protocol.Envelope, 1)
	conn.On(protocol.EventParticipantJoined, func(env protocol.Envelope) {
		seen <- env
	})

	if err := conn.Connect(context.Background(), srv.url(), client.Auth{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case <-seen:
	case <-time.After(3 * time.Second):
		t.Fatalf("known event after an unknown one never arrived")
	}
}

func waitForState(t *testing.T, states chan domain.ConnectionState, want domain.ConnectionState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("never observed state %s", want)
		}
	}
}

type wsServer struct {
	srv      *httptest.Server
	upgrades atomic.Int32
}

func newWSServer(t *testing.T, handle func(*websocket.Conn)) *wsServer {
	t.Helper()
	s := &wsServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.upgrades.Add(1)
		handle(c)
	}))
	return s
}

// newEchoServer answers pings with pongs and join_room with a room_joined
// echoing the access code.
func newEchoServer(t *testing.T) *wsServer {
	t.Helper()
	return newWSServer(t, func(c *websocket.Conn) {
		defer c.Close()
		for {
			var env protocol.Envelope
			if err := c.ReadJSON(&env); err != nil {
				return
			}
			switch env.Type {
			case protocol.EventPing:
				var ping protocol.Ping
				if err := env.Decode(&ping); err != nil {
					continue
				}
				writeEvent(t, c, protocol.EventPong, protocol.Pong{Timestamp: ping.Timestamp})
			case protocol.EventJoinRoom:
				var join protocol.JoinRoom
				if err := env.Decode(&join); err != nil {
					continue
				}
				writeEvent(t, c, protocol.EventRoomJoined, protocol.RoomJoined{
					Room:          domain.Room{ID: "room-1", AccessCode: join.AccessCode},
					ParticipantID: "p-self",
				})
			}
		}
	})
}

func writeEvent(t *testing.T, c *websocket.Conn, event protocol.Event, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		t.Errorf("encode %s: %v", event, err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Errorf("marshal %s: %v", event, err)
		return
	}
	c.WriteMessage(websocket.TextMessage, data)
}

// keepOpen blocks until the peer goes away.
func keepOpen(c *websocket.Conn) {
	defer c.Close()
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *wsServer) url() string { return "ws" + s.srv.URL[len("http"):] }

func (s *wsServer) close() {
	s.srv.CloseClientConnections()
	s.srv.Close()
}
