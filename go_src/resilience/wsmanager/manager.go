package wsmanager

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"wataresilience/go_src/resilience"
	"wataresilience/go_src/resilience/breaker"
)

// Config configures a Manager.
type Config struct {
	URL    string
	Header http.Header
	Dialer Dialer // default GorillaDialer

	// ConnectionTimeout bounds a single dial attempt. Default 10s.
	ConnectionTimeout time.Duration
	// KeepaliveTimeout bounds both the ping interval and the maximum
	// silence tolerated before the connection is declared stale. Default 30s.
	KeepaliveTimeout time.Duration
	// ReconnectStrategy computes the delay before each reconnect attempt.
	// Default ExponentialBackoffStrategy{Base: 1s, Max: 30s}.
	ReconnectStrategy ReconnectStrategy
	// MaxReconnectAttempts caps consecutive reconnect attempts since the
	// last successful connection; 0 means unlimited.
	MaxReconnectAttempts int
	// SendQueueSize bounds the outbound queue. Default 256; on overflow
	// the newest message is dropped and MessagesDropped is incremented.
	SendQueueSize int
	// RecvQueueSize bounds the inbound queue. Default 256.
	RecvQueueSize int

	// ProactiveTrigger, if set, is consulted every ProactiveInterval to
	// decide whether to proactively cycle the connection (spec.md §4.F
	// "Proactive disconnect"). ShouldDisconnect, if set, replaces the
	// trigger's own boundary check; it is only consulted when
	// ProactiveTrigger is set. ShouldReconnect, if set, is asked after
	// every disconnect whether the supervisor may redial (default: yes).
	ProactiveTrigger  *resilience.TimeTrigger
	ProactiveInterval time.Duration // default 1s
	ShouldDisconnect  func() bool
	ShouldReconnect    func() bool

	// Breaker, if set, guards each dial attempt.
	Breaker *breaker.CircuitBreaker

	OnStateChange       func(ConnectionState)
	OnDisconnect        func(DisconnectReason)
	OnReconnectExhausted func(*resilience.ReconnectExhaustedError)

	Clock resilience.Clock
}

func (c *Config) applyDefaults() {
	if c.Dialer == nil {
		c.Dialer = GorillaDialer
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 10 * time.Second
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = 30 * time.Second
	}
	if c.ReconnectStrategy == nil {
		c.ReconnectStrategy = ExponentialBackoffStrategy{Base: time.Second, Max: 30 * time.Second}
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = 256
	}
	if c.RecvQueueSize == 0 {
		c.RecvQueueSize = 256
	}
	if c.ProactiveInterval == 0 {
		c.ProactiveInterval = time.Second
	}
	if c.ShouldReconnect == nil {
		c.ShouldReconnect = func() bool { return true }
	}
}

func (c Config) validate() error {
	if c.URL == "" {
		return resilience.NewConfigurationError("url", "must not be empty")
	}
	if c.ConnectionTimeout <= 0 {
		return resilience.NewConfigurationError("connection_timeout", "must be positive")
	}
	if c.KeepaliveTimeout <= 0 {
		return resilience.NewConfigurationError("keepalive_timeout", "must be positive")
	}
	return nil
}

// Manager is a self-healing WebSocket connection: it dials, keeps the
// connection alive with ping/pong, re-subscribes on every reconnect, and
// re-dials on error, keepalive timeout, or a proactive cycle — all
// without the caller's read loop ever noticing the underlying socket
// changed (spec.md §4.F).
type Manager struct {
	cfg   Config
	clock resilience.Clock

	mu         sync.Mutex
	state      ConnectionState
	conn       Conn
	generation int64
	killedFl   bool
	shutdownFl bool
	cancel     context.CancelFunc
	stats      Stats

	subsMu      sync.Mutex
	subs        map[string]Subscription
	realizedGen map[string]int64

	sendCh      chan []byte
	recvCh      chan []byte
	disconnectCh chan DisconnectReason
	wg          sync.WaitGroup
}

// New constructs a Manager. It does not dial until Connect is called.
func New(cfg Config) (*Manager, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = resilience.NewSystemClock()
	}
	return &Manager{
		cfg:          cfg,
		clock:        clock,
		state:        Disconnected,
		subs:         make(map[string]Subscription),
		realizedGen:  make(map[string]int64),
		sendCh:       make(chan []byte, cfg.SendQueueSize),
		recvCh:       make(chan []byte, cfg.RecvQueueSize),
		disconnectCh: make(chan DisconnectReason, 1),
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a snapshot of lifetime counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Generation = m.generation
	return s
}

// IsDead reports whether the manager has given up: either Shutdown was
// called, or it was Kill-ed and has not been reconnected since.
func (m *Manager) IsDead() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdownFl || (m.killedFl && m.state != Connected && m.state != Connecting)
}

func (m *Manager) setState(s ConnectionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(s)
	}
}

// Connect dials and, on success, starts the supervising goroutines that
// keep the connection alive and reconnect it as needed.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdownFl {
		m.mu.Unlock()
		return fmt.Errorf("wsmanager: cannot connect, already shut down")
	}
	if m.state == Connected || m.state == Connecting || m.state == Reconnecting {
		m.mu.Unlock()
		return fmt.Errorf("wsmanager: connect already in progress or connected")
	}
	m.killedFl = false
	m.mu.Unlock()

	m.setState(Connecting)

	supervisorCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.dialOnce(supervisorCtx); err != nil {
		cancel()
		m.setState(Disconnected)
		return err
	}

	m.wg.Add(1)
	go m.supervise(supervisorCtx)
	return nil
}

func (m *Manager) dialOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
	defer cancel()

	dial := func() (Conn, error) { return m.cfg.Dialer(dialCtx, m.cfg.URL, m.cfg.Header) }

	m.mu.Lock()
	m.stats.ConnectAttempts++
	m.mu.Unlock()

	var conn Conn
	var err error
	if m.cfg.Breaker != nil {
		conn, err = breaker.Call(m.cfg.Breaker, dial)
	} else {
		conn, err = dial()
	}
	if err != nil {
		return &resilience.ConnectionFailedError{URL: m.cfg.URL, Cause: err}
	}

	m.mu.Lock()
	m.conn = conn
	m.generation++
	gen := m.generation
	m.stats.SuccessfulConnects++
	m.mu.Unlock()

	m.realizeSubscriptions(conn, gen)

	m.wg.Add(2)
	go m.readLoop(ctx, conn, gen)
	go m.keepaliveLoop(ctx, conn, gen)
	if m.cfg.ProactiveTrigger != nil {
		m.wg.Add(1)
		go m.proactiveLoop(ctx, gen)
	}
	m.wg.Add(1)
	go m.writeLoop(ctx, conn, gen)

	m.setState(Connected)
	return nil
}

func (m *Manager) realizeSubscriptions(conn Conn, gen int64) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for id, sub := range m.subs {
		if m.realizedGen[id] == gen {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, sub.Payload); err != nil {
			logrus.Warnf("wsmanager: failed to realize subscription %q: %v", id, err)
			continue
		}
		m.realizedGen[id] = gen
	}
}

// supervise owns the reconnect loop: it waits for a disconnect signal,
// decides (via ShouldReconnect and ReconnectStrategy) whether and when to
// redial, and exits once Kill or Shutdown latches.
func (m *Manager) supervise(ctx context.Context) {
	defer m.wg.Done()

	attempt := 0
	for {
		var reason DisconnectReason
		select {
		case <-ctx.Done():
			return
		case reason = <-m.disconnectCh:
		}

		m.mu.Lock()
		killed, shutdown := m.killedFl, m.shutdownFl
		m.mu.Unlock()
		if killed || shutdown {
			m.setState(Disconnected)
			if m.cfg.OnDisconnect != nil {
				m.cfg.OnDisconnect(reason)
			}
			return
		}

		m.setState(Disconnected)
		if m.cfg.OnDisconnect != nil {
			m.cfg.OnDisconnect(reason)
		}

		if !m.cfg.ShouldReconnect() {
			return
		}

		attempt++
		if m.cfg.MaxReconnectAttempts > 0 && attempt > m.cfg.MaxReconnectAttempts {
			if m.cfg.OnReconnectExhausted != nil {
				m.cfg.OnReconnectExhausted(&resilience.ReconnectExhaustedError{Attempts: attempt - 1, LastErr: reason.Cause})
			}
			return
		}

		delay := m.cfg.ReconnectStrategy.NextDelay(attempt)
		m.setState(Reconnecting)
		m.mu.Lock()
		m.stats.ReconnectAttempts++
		m.mu.Unlock()

		if delay > 0 {
			timer := m.clock.NewTimer(delay)
			select {
			case <-timer.Chan():
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}

		if err := m.dialOnce(ctx); err != nil {
			logrus.Warnf("wsmanager: reconnect attempt %d failed: %v", attempt, err)
			select {
			case m.disconnectCh <- DisconnectReason{Kind: DisconnectError, Cause: err}:
			default:
			}
			continue
		}
		attempt = 0
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, gen int64) {
	defer m.wg.Done()
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(m.clock.Now().Add(m.cfg.KeepaliveTimeout))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !m.currentGeneration(gen) {
			return
		}

		_ = conn.SetReadDeadline(m.clock.Now().Add(m.cfg.KeepaliveTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !m.currentGeneration(gen) {
				return // superseded by a newer connection, this read error is stale
			}
			m.signalDisconnect(ctx, classifyReadError(err))
			return
		}

		m.mu.Lock()
		m.stats.MessagesReceived++
		m.mu.Unlock()

		select {
		case m.recvCh <- data:
		default:
			m.mu.Lock()
			m.stats.MessagesDropped++
			m.mu.Unlock()
		}
	}
}

func classifyReadError(err error) DisconnectReason {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return DisconnectReason{Kind: DisconnectNormal, Cause: err}
	}
	return DisconnectReason{Kind: DisconnectError, Cause: err}
}

func (m *Manager) writeLoop(ctx context.Context, conn Conn, gen int64) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-m.sendCh:
			if !m.currentGeneration(gen) {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.signalDisconnect(ctx, DisconnectReason{Kind: DisconnectError, Cause: err})
				return
			}
			m.mu.Lock()
			m.stats.MessagesSent++
			m.mu.Unlock()
		}
	}
}

func (m *Manager) keepaliveLoop(ctx context.Context, conn Conn, gen int64) {
	defer m.wg.Done()
	interval := m.cfg.KeepaliveTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !m.currentGeneration(gen) {
				return
			}
			deadline := m.clock.Now().Add(m.cfg.KeepaliveTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				m.mu.Lock()
				m.stats.KeepaliveTimeouts++
				m.mu.Unlock()
				m.signalDisconnect(ctx, DisconnectReason{Kind: DisconnectKeepaliveTimeout, Cause: &resilience.KeepaliveTimeoutError{Elapsed: m.cfg.KeepaliveTimeout}})
				return
			}
		}
	}
}

func (m *Manager) proactiveLoop(ctx context.Context, gen int64) {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(m.cfg.ProactiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !m.currentGeneration(gen) {
				return
			}
			shouldDisconnect := m.cfg.ShouldDisconnect
			if shouldDisconnect == nil {
				shouldDisconnect = func() bool { return m.cfg.ProactiveTrigger.IsAtBoundary(0) }
			}
			if shouldDisconnect() {
				m.cfg.ProactiveTrigger.RecordCallbackInvoked()
				m.signalDisconnect(ctx, DisconnectReason{Kind: DisconnectProactiveCycle})
				return
			}
		}
	}
}

func (m *Manager) currentGeneration(gen int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == gen
}

func (m *Manager) signalDisconnect(ctx context.Context, reason DisconnectReason) {
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	select {
	case m.disconnectCh <- reason:
	case <-ctx.Done():
	default:
	}
}

// Disconnect closes the current connection gracefully; the supervisor
// will reconnect per ReconnectStrategy unless ShouldReconnect says no.
func (m *Manager) Disconnect() {
	m.signalDisconnect(context.Background(), DisconnectReason{Kind: DisconnectNormal})
}

// TriggerReconnect closes the current connection with a proactive-cycle
// reason; the supervisor then redials per ShouldReconnect and
// ReconnectStrategy, as after any other disconnect.
func (m *Manager) TriggerReconnect() {
	m.signalDisconnect(context.Background(), DisconnectReason{Kind: DisconnectProactiveCycle})
}

// Kill hard-stops the current connection and prevents the supervisor
// from reconnecting, but leaves the Manager usable — Connect may be
// called again later. Distinct from Shutdown (spec.md §4.F).
func (m *Manager) Kill() {
	m.mu.Lock()
	m.killedFl = true
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.closeConn()
	m.wg.Wait()
	m.setState(Disconnected)
}

// Shutdown is terminal: it stops everything and the Manager can never be
// Connect-ed again.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdownFl = true
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.closeConn()
	m.wg.Wait()
	m.setState(Closed)
}

func (m *Manager) closeConn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// Subscribe registers sub and, if currently connected, realizes it on
// the wire immediately. It will also be re-realized on every future
// reconnect until Unsubscribe is called.
func (m *Manager) Subscribe(sub Subscription) error {
	if sub.ID == "" {
		return resilience.NewConfigurationError("id", "subscription id must not be empty")
	}
	m.subsMu.Lock()
	m.subs[sub.ID] = sub
	m.subsMu.Unlock()

	m.mu.Lock()
	conn, gen, state := m.conn, m.generation, m.state
	m.mu.Unlock()
	if state == Connected && conn != nil {
		m.realizeSubscriptions(conn, gen)
	}
	return nil
}

// Unsubscribe removes a subscription so it is not re-realized on the
// next reconnect.
func (m *Manager) Unsubscribe(id string) {
	m.subsMu.Lock()
	delete(m.subs, id)
	delete(m.realizedGen, id)
	m.subsMu.Unlock()
}

// Send enqueues data for transmission. If the send queue is full, the
// new message is dropped (drop-newest) and MessagesDropped increments.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != Connected {
		return fmt.Errorf("wsmanager: cannot send, not connected (state=%s)", state)
	}
	select {
	case m.sendCh <- data:
		return nil
	default:
		m.mu.Lock()
		m.stats.MessagesDropped++
		m.mu.Unlock()
		return fmt.Errorf("wsmanager: send queue full, message dropped")
	}
}

// Stream returns the channel of received messages.
func (m *Manager) Stream() <-chan []byte {
	return m.recvCh
}
