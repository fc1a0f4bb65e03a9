// Package client implements the participant-side session layer: a managed
// websocket connection with heartbeat, reconnection, and metrics, plus the
// competition controller that drives one quiz session over it.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"arquiz-live/internal/domain"
	"arquiz-live/internal/protocol"
)

const writeWait = 10 * time.Second

// Config tunes one Connection. Zero fields fall back to defaults.
type Config struct {
	HeartbeatInterval   time.Duration
	ConnectTimeout      time.Duration
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	BackoffMultiplier   float64
	MaxRetries          int
	ForceReconnectDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.ForceReconnectDelay <= 0 {
		c.ForceReconnectDelay = 500 * time.Millisecond
	}
	return c
}

// BackoffDelay computes the reconnect delay for the given zero-based attempt:
// base multiplied by multiplier^attempt, capped at max. The sequence is
// monotonically non-decreasing.
func BackoffDelay(base, max time.Duration, multiplier float64, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= multiplier
		if max > 0 && d >= float64(max) {
			return max
		}
	}
	if max > 0 && d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// Auth carries the dial credential. The connection attaches it to the
// handshake request and never interprets it.
type Auth struct {
	Token   string
	Headers http.Header
}

// Handler consumes one inbound envelope.
type Handler func(protocol.Envelope)

// StateHandler observes one state transition. cause is non-nil when the
// transition was driven by an error, including the terminal retry-budget one.
type StateHandler func(prev, next domain.ConnectionState, cause error)

// Connection owns one websocket transport across its reconnects. Handlers
// registered with On live on the connection, not the socket, so they keep
// firing after a reconnect without being re-registered.
type Connection struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	connectGroup singleflight.Group

	mu          sync.Mutex
	state       domain.ConnectionState
	conn        *websocket.Conn
	url         string
	auth        Auth
	gen         int
	attempt     int
	closed      bool
	pendingPing int64
	metrics     domain.ConnectionMetrics

	handlers  map[protocol.Event]map[int]Handler
	stateSubs map[int]StateHandler
	waiters   map[protocol.Event][]chan protocol.Envelope
	nextID    int

	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}

	notifyQueue []func()
	notifying   bool

	writeMu sync.Mutex
}

// NewConnection builds an unconnected manager. log and now may be nil.
func NewConnection(cfg Config, log *slog.Logger, now func() time.Time) *Connection {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Connection{
		cfg:       cfg.withDefaults(),
		log:       log.With(slog.String("component", "connection")),
		now:       now,
		state:     domain.ConnInitializing,
		handlers:  make(map[protocol.Event]map[int]Handler),
		stateSubs: make(map[int]StateHandler),
		waiters:   make(map[protocol.Event][]chan protocol.Envelope),
	}
}

// Connect dials url and blocks until the transport is up, the dial fails, or
// ctx ends. Concurrent calls collapse into one dial; a call while already
// connected returns nil without opening a second transport.
func (c *Connection) Connect(ctx context.Context, url string, auth Auth) error {
	c.mu.Lock()
	if c.state == domain.ConnConnected {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.url = url
	c.auth = auth
	c.mu.Unlock()

	_, err, _ := c.connectGroup.Do("connect", func() (any, error) {
		return nil, c.dialAndInstall(ctx)
	})
	return err
}

func (c *Connection) dialAndInstall(ctx context.Context) error {
	c.mu.Lock()
	if c.state == domain.ConnConnected {
		c.mu.Unlock()
		return nil
	}
	url, auth := c.url, c.auth
	c.metrics.ConnectAttempts++
	c.setStateLocked(domain.ConnConnecting, nil)
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := c.dial(dialCtx, url, auth)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		serr := domain.NewSyncError(domain.KindConnection, "connect", err)
		c.setStateLocked(domain.ConnError, serr)
		return serr
	}
	if c.closed {
		conn.Close()
		return domain.NewSyncError(domain.KindConnection, "connect", domain.ErrNotConnected)
	}
	c.installLocked(conn)
	c.log.Info("connected", slog.String("url", url))
	return nil
}

func (c *Connection) dial(ctx context.Context, url string, auth Auth) (*websocket.Conn, error) {
	header := http.Header{}
	for k, vs := range auth.Headers {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if auth.Token != "" {
		header.Set("Authorization", "Bearer "+auth.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// installLocked adopts a freshly dialed transport: it bumps the connection
// generation so loops and timers bound to the old one stop themselves.
func (c *Connection) installLocked(conn *websocket.Conn) {
	c.stopHeartbeatLocked()
	c.conn = conn
	c.gen++
	gen := c.gen
	c.attempt = 0
	c.pendingPing = 0
	c.metrics.ConsecutiveFailures = 0
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.setStateLocked(domain.ConnConnected, nil)
	go c.readLoop(conn, gen)
	go c.heartbeatLoop(gen, stop)
}

// Disconnect is the user-initiated teardown: it cancels reconnect timers,
// stops the heartbeat, closes the transport, and schedules no retry.
func (c *Connection) Disconnect(reason string) {
	c.mu.Lock()
	c.closed = true
	c.gen++
	c.cancelTimersLocked()
	conn := c.conn
	c.conn = nil
	c.pendingPing = 0
	c.setStateLocked(domain.ConnDisconnected, nil)
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
	}
	c.log.Info("disconnected", slog.String("reason", reason))
}

// ForceReconnect drops the current transport, resets the metrics counters,
// and redials after a fixed short delay. Used when the network comes back or
// the page regains visibility.
func (c *Connection) ForceReconnect() {
	c.mu.Lock()
	if c.url == "" {
		c.mu.Unlock()
		return
	}
	c.closed = false
	c.gen++
	gen := c.gen
	c.cancelTimersLocked()
	conn := c.conn
	c.conn = nil
	c.attempt = 0
	c.pendingPing = 0
	c.metrics.ResetCounters()
	c.setStateLocked(domain.ConnReconnecting, nil)
	c.reconnectTimer = time.AfterFunc(c.cfg.ForceReconnectDelay, func() { c.redial(gen) })
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// NotifyNetworkOnline reports that the host regained network access.
func (c *Connection) NotifyNetworkOnline() { c.forceIfDown("network online") }

// NotifyVisible reports that the application regained foreground visibility.
func (c *Connection) NotifyVisible() { c.forceIfDown("visible") }

func (c *Connection) forceIfDown(trigger string) {
	c.mu.Lock()
	connected := c.state == domain.ConnConnected
	c.mu.Unlock()
	if connected {
		return
	}
	c.log.Info("forcing reconnect", slog.String("trigger", trigger))
	c.ForceReconnect()
}

// Emit sends one event. It fails fast when the transport is down; nothing is
// queued for later delivery.
func (c *Connection) Emit(event protocol.Event, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return domain.NewSyncError(domain.KindClient, "emit "+string(event), err)
	}
	return c.send(env)
}

// EmitWithReply sends one event and blocks until the next envelope of type
// reply arrives or ctx ends. The waiter is registered before the write so a
// fast reply cannot be missed. Must not be called from an event handler:
// handlers run on the read loop, which would then be unable to deliver the
// reply.
func (c *Connection) EmitWithReply(ctx context.Context, event protocol.Event, payload any, reply protocol.Event) (protocol.Envelope, error) {
	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	c.waiters[reply] = append(c.waiters[reply], ch)
	c.mu.Unlock()

	if err := c.Emit(event, payload); err != nil {
		c.removeWaiter(reply, ch)
		return protocol.Envelope{}, err
	}

	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		c.removeWaiter(reply, ch)
		return protocol.Envelope{}, domain.NewSyncError(domain.KindConnection, "await "+string(reply), ctx.Err())
	}
}

func (c *Connection) removeWaiter(event protocol.Event, ch chan protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.waiters[event]
	for i := range q {
		if q[i] == ch {
			c.waiters[event] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

func (c *Connection) send(env protocol.Envelope) error {
	op := "emit " + string(env.Type)
	c.mu.Lock()
	if c.state != domain.ConnConnected || c.conn == nil {
		c.mu.Unlock()
		return domain.NewSyncError(domain.KindClient, op, domain.ErrNotConnected)
	}
	conn := c.conn
	c.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		return domain.NewSyncError(domain.KindClient, op, err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return domain.NewSyncError(domain.KindConnection, op, err)
	}

	c.mu.Lock()
	c.metrics.PacketsSent++
	c.metrics.BytesSent += uint64(len(data))
	c.mu.Unlock()
	return nil
}

// On registers a handler for event and returns its unsubscribe function.
func (c *Connection) On(event protocol.Event, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	m, ok := c.handlers[event]
	if !ok {
		m = make(map[int]Handler)
		c.handlers[event] = m
	}
	m[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

// OnStateChange registers a transition observer and returns its unsubscribe
// function.
func (c *Connection) OnStateChange(h StateHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.stateSubs[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateSubs, id)
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metrics returns a snapshot of the transport counters.
func (c *Connection) Metrics() domain.ConnectionMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Quality derives the current connection quality from the latest heartbeat.
func (c *Connection) Quality() domain.ConnectionQuality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.QualityFor(c.metrics.HeartbeatLatency, c.metrics.ConsecutiveFailures, c.state == domain.ConnConnected)
}

func (c *Connection) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, gen, err)
			return
		}

		c.mu.Lock()
		stale := c.closed || gen != c.gen
		if !stale {
			c.metrics.PacketsReceived++
			c.metrics.BytesReceived += uint64(len(data))
		}
		c.mu.Unlock()
		if stale {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping malformed frame", slog.Any("error", err))
			continue
		}
		if !protocol.Known(env.Type) {
			c.log.Debug("ignoring unknown event", slog.String("event", string(env.Type)))
			continue
		}
		if env.Type == protocol.EventPong {
			c.handlePong(env)
		}
		c.dispatch(env)
	}
}

func (c *Connection) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	var waiter chan protocol.Envelope
	if q := c.waiters[env.Type]; len(q) > 0 {
		waiter = q[0]
		c.waiters[env.Type] = q[1:]
	}
	hs := make([]Handler, 0, len(c.handlers[env.Type]))
	for _, h := range c.handlers[env.Type] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	if waiter != nil {
		waiter <- env
	}
	for _, h := range hs {
		h(env)
	}
}

func (c *Connection) handleReadError(conn *websocket.Conn, gen int, err error) {
	conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return
	}
	c.log.Warn("transport lost", slog.Any("error", err))
	c.conn = nil
	c.pendingPing = 0
	c.stopHeartbeatLocked()
	c.attempt = 0
	c.setStateLocked(domain.ConnReconnecting, domain.NewSyncError(domain.KindConnection, "read", err))
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the next backoff timer, or raises the terminal
// retry-budget error once the attempt budget is spent.
func (c *Connection) scheduleReconnectLocked() {
	if c.attempt >= c.cfg.MaxRetries {
		err := domain.NewTerminalError(domain.KindConnection, "reconnect", domain.ErrMaxRetries)
		c.log.Error("retry budget exhausted", slog.Int("attempts", c.attempt))
		c.setStateLocked(domain.ConnError, err)
		return
	}
	delay := BackoffDelay(c.cfg.BaseDelay, c.cfg.MaxDelay, c.cfg.BackoffMultiplier, c.attempt)
	gen := c.gen
	c.log.Info("scheduling reconnect",
		slog.Int("attempt", c.attempt+1),
		slog.Duration("delay", delay))
	c.reconnectTimer = time.AfterFunc(delay, func() { c.redial(gen) })
}

func (c *Connection) redial(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	url, auth := c.url, c.auth
	c.metrics.ConnectAttempts++
	c.setStateLocked(domain.ConnConnecting, nil)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	conn, err := c.dial(ctx, url, auth)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.attempt++
		c.setStateLocked(domain.ConnReconnecting, domain.NewSyncError(domain.KindConnection, "reconnect", err))
		c.scheduleReconnectLocked()
		return
	}
	c.metrics.Reconnects++
	c.installLocked(conn)
	c.log.Info("reconnected", slog.String("url", url))
}

func (c *Connection) heartbeatLoop(gen int, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.heartbeat(gen) {
				return
			}
		}
	}
}

// heartbeat sends one ping and counts the previous one as failed if it was
// never answered. Reports whether the loop should keep running.
func (c *Connection) heartbeat(gen int) bool {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state != domain.ConnConnected {
		c.mu.Unlock()
		return false
	}
	if c.pendingPing != 0 {
		c.metrics.ConsecutiveFailures++
	}
	ts := c.now().UnixMilli()
	c.pendingPing = ts
	c.mu.Unlock()

	if err := c.Emit(protocol.EventPing, protocol.Ping{Timestamp: ts}); err != nil {
		c.log.Debug("heartbeat send failed", slog.Any("error", err))
	}
	return true
}

func (c *Connection) handlePong(env protocol.Envelope) {
	var pong protocol.Pong
	if err := env.Decode(&pong); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingPing == 0 || pong.Timestamp != c.pendingPing {
		return
	}
	latency := time.Duration(c.now().UnixMilli()-pong.Timestamp) * time.Millisecond
	if latency < 0 {
		latency = 0
	}
	c.pendingPing = 0
	c.metrics.ObserveLatency(latency)
}

func (c *Connection) cancelTimersLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
}

func (c *Connection) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// setStateLocked records a transition and queues observer callbacks. The
// callbacks run on a separate goroutine in transition order so they may call
// back into the connection without deadlocking.
func (c *Connection) setStateLocked(next domain.ConnectionState, cause error) {
	prev := c.state
	if prev == next && cause == nil {
		return
	}
	c.state = next
	if len(c.stateSubs) == 0 {
		return
	}
	subs := make([]StateHandler, 0, len(c.stateSubs))
	for _, h := range c.stateSubs {
		subs = append(subs, h)
	}
	c.queueLocked(func() {
		for _, h := range subs {
			h(prev, next, cause)
		}
	})
}

func (c *Connection) queueLocked(f func()) {
	c.notifyQueue = append(c.notifyQueue, f)
	if !c.notifying {
		c.notifying = true
		go c.drainNotifies()
	}
}

func (c *Connection) drainNotifies() {
	for {
		c.mu.Lock()
		if len(c.notifyQueue) == 0 {
			c.notifying = false
			c.mu.Unlock()
			return
		}
		f := c.notifyQueue[0]
		c.notifyQueue = c.notifyQueue[1:]
		c.mu.Unlock()
		f()
	}
}
