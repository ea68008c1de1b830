package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"counselchat/internal/domain"
	"counselchat/internal/ports"
	"counselchat/internal/protocol"
)

// ReconnectPolicy bounds automatic reconnection. It is disabled by default.
// The attempt budget is restored by an explicit Connect or once a
// connection stayed up for StableAfter.
type ReconnectPolicy struct {
	Enabled     bool
	MaxAttempts int
	Delay       time.Duration
	StableAfter time.Duration
}

// Config controls the connection manager.
type Config struct {
	Host      string
	Heartbeat time.Duration
	Reconnect ReconnectPolicy
	Logger    *log.Logger
}

// Frame is an inbound body received on the session subscription.
type Frame struct {
	SessionID string
	Body      []byte
}

// StateChange reports a connection state transition.
type StateChange struct {
	SessionID string
	State     domain.ConnectionState
}

// Manager owns the single realtime connection of the current session.
type Manager struct {
	transport   ports.RealtimeTransport
	credentials ports.CredentialSource
	cfg         Config
	logger      *log.Logger

	// opMu serialises connect/disconnect sequences so a session switch fully
	// tears down the previous connection before dialing the next one.
	opMu sync.Mutex

	mu        sync.Mutex
	state     domain.ConnectionState
	sessionID string
	closed    bool
	conn      ports.RealtimeConn
	sub       ports.Subscription
	gen       uint64
	attempts  int
	upSince   time.Time
	// abort is closed by teardown to cut short a pending reconnect delay.
	abort chan struct{}

	listenersMu sync.Mutex
	nextID      int
	onState     map[int]func(StateChange)
	onFrame     map[int]func(Frame)
	onError     map[int]func(error)

	wg sync.WaitGroup
}

func NewManager(transport ports.RealtimeTransport, credentials ports.CredentialSource, cfg Config) *Manager {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.Reconnect.Enabled && cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = 3
	}
	if cfg.Reconnect.Delay <= 0 {
		cfg.Reconnect.Delay = 2 * time.Second
	}
	if cfg.Reconnect.StableAfter <= 0 {
		cfg.Reconnect.StableAfter = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Manager{
		transport:   transport,
		credentials: credentials,
		cfg:         cfg,
		logger:      logger,
		state:       domain.ConnectionIdle,
		abort:       make(chan struct{}),
		onState:     make(map[int]func(StateChange)),
		onFrame:     make(map[int]func(Frame)),
		onError:     make(map[int]func(error)),
	}
}

// OnState registers a state-change listener.
func (m *Manager) OnState(fn func(StateChange)) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := m.nextID
	m.nextID++
	m.onState[id] = fn
	return func() { m.unregister(id) }
}

// OnFrame registers an inbound frame listener.
func (m *Manager) OnFrame(fn func(Frame)) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := m.nextID
	m.nextID++
	m.onFrame[id] = fn
	return func() { m.unregister(id) }
}

// OnError registers a connection error listener.
func (m *Manager) OnError(fn func(error)) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := m.nextID
	m.nextID++
	m.onError[id] = fn
	return func() { m.unregister(id) }
}

func (m *Manager) unregister(id int) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	delete(m.onState, id)
	delete(m.onFrame, id)
	delete(m.onError, id)
}

// State returns the current state and the session it refers to.
func (m *Manager) State() (domain.ConnectionState, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.sessionID
}

// MarkClosed flags the counseling session as closed; publishing is refused
// while set.
func (m *Manager) MarkClosed(closed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = closed
}

// Connect establishes the connection for sessionID. It is a no-op while
// connecting or connected to the same session. A different session is only
// dialed after the current connection has been fully torn down.
func (m *Manager) Connect(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.ErrNoSession
	}
	if m.activeFor(sessionID) {
		return nil
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.activeFor(sessionID) {
		return nil
	}

	m.mu.Lock()
	switching := m.sessionID != "" && m.sessionID != sessionID
	m.mu.Unlock()
	if switching {
		m.teardown(ctx, domain.ConnectionDisconnected)
	}

	m.mu.Lock()
	if m.sessionID != sessionID {
		m.closed = false
	}
	m.sessionID = sessionID
	m.attempts = 0
	m.mu.Unlock()

	err := m.dial(ctx, sessionID)
	if err != nil && m.cfg.Reconnect.Enabled && !errors.Is(err, domain.ErrUnauthorized) {
		m.mu.Lock()
		gen := m.gen
		m.mu.Unlock()
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.reconnect(gen, sessionID)
		}()
	}
	return err
}

func (m *Manager) activeFor(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID == sessionID &&
		(m.state == domain.ConnectionConnecting || m.state == domain.ConnectionConnected)
}

// dial performs one connection attempt. Callers hold opMu.
func (m *Manager) dial(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.mu.Unlock()
	m.setState(sessionID, domain.ConnectionConnecting)

	token, err := m.credentials.Token(ctx)
	if err != nil {
		err = fmt.Errorf("failed to obtain credential: %w", err)
		m.failAttempt(sessionID, err)
		return err
	}

	conn, err := m.transport.Dial(ctx, ports.DialRequest{
		Token:     token,
		Host:      m.cfg.Host,
		Heartbeat: m.cfg.Heartbeat,
	})
	if err != nil {
		m.failAttempt(sessionID, err)
		return err
	}

	sub, err := conn.Subscribe(ctx, protocol.SubscribeDestination(sessionID), func(body []byte) {
		m.deliver(gen, sessionID, body)
	})
	if err != nil {
		_ = conn.Close(ctx)
		err = fmt.Errorf("failed to subscribe to session %s: %w", sessionID, err)
		m.failAttempt(sessionID, err)
		return err
	}

	m.mu.Lock()
	if m.gen != gen || m.sessionID != sessionID {
		m.mu.Unlock()
		_ = sub.Unsubscribe(ctx)
		_ = conn.Close(ctx)
		return nil
	}
	m.conn = conn
	m.sub = sub
	m.upSince = time.Now()
	m.mu.Unlock()

	m.setState(sessionID, domain.ConnectionConnected)

	m.wg.Add(1)
	go m.watch(gen, sessionID, conn)
	return nil
}

func (m *Manager) failAttempt(sessionID string, err error) {
	m.logger.Printf("connection: session %s attempt failed: %v", sessionID, err)
	m.setState(sessionID, domain.ConnectionError)
	m.emitError(err)
}

// watch waits for the connection to end and applies the reconnect policy.
func (m *Manager) watch(gen uint64, sessionID string, conn ports.RealtimeConn) {
	defer m.wg.Done()
	<-conn.Done()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.sub = nil
	if time.Since(m.upSince) >= m.cfg.Reconnect.StableAfter {
		m.attempts = 0
	}
	m.mu.Unlock()

	err := conn.Err()
	if err == nil {
		err = errors.New("connection closed by server")
	}
	m.failAttempt(sessionID, err)

	if errors.Is(err, domain.ErrUnauthorized) || !m.cfg.Reconnect.Enabled {
		return
	}
	m.reconnect(gen, sessionID)
}

func (m *Manager) reconnect(gen uint64, sessionID string) {
	for {
		m.mu.Lock()
		if m.gen != gen || m.sessionID != sessionID {
			m.mu.Unlock()
			return
		}
		if m.attempts >= m.cfg.Reconnect.MaxAttempts {
			m.mu.Unlock()
			m.logger.Printf("connection: session %s reconnect budget of %d spent", sessionID, m.cfg.Reconnect.MaxAttempts)
			return
		}
		m.attempts++
		attempt := m.attempts
		abort := m.abort
		m.mu.Unlock()

		timer := time.NewTimer(m.cfg.Reconnect.Delay)
		select {
		case <-timer.C:
		case <-abort:
			timer.Stop()
			return
		}

		m.opMu.Lock()
		m.mu.Lock()
		stale := m.gen != gen || m.sessionID != sessionID
		m.mu.Unlock()
		if stale {
			m.opMu.Unlock()
			return
		}
		m.logger.Printf("connection: session %s reconnect attempt %d", sessionID, attempt)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := m.dial(ctx, sessionID)
		cancel()
		m.opMu.Unlock()

		if err == nil || errors.Is(err, domain.ErrUnauthorized) {
			return
		}
		m.mu.Lock()
		gen = m.gen
		m.mu.Unlock()
	}
}

// Disconnect tears down the active connection. It is a no-op when nothing
// is connected and safe to call repeatedly.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	active := m.conn != nil || m.state == domain.ConnectionConnecting || m.state == domain.ConnectionError
	m.mu.Unlock()
	if !active {
		return nil
	}
	m.teardown(ctx, domain.ConnectionDisconnected)
	return nil
}

// Close disconnects and forgets the session id.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Disconnect(ctx)
	m.mu.Lock()
	m.sessionID = ""
	m.closed = false
	m.state = domain.ConnectionIdle
	m.mu.Unlock()
	m.wg.Wait()
	return err
}

// teardown unsubscribes and closes the connection. Callers hold opMu.
func (m *Manager) teardown(ctx context.Context, final domain.ConnectionState) {
	m.mu.Lock()
	m.gen++
	conn, sub, sessionID := m.conn, m.sub, m.sessionID
	m.conn = nil
	m.sub = nil
	close(m.abort)
	m.abort = make(chan struct{})
	m.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(ctx); err != nil {
			m.logger.Printf("connection: unsubscribe from session %s failed: %v", sessionID, err)
		}
	}
	if conn != nil {
		if err := conn.Close(ctx); err != nil {
			m.logger.Printf("connection: close for session %s failed: %v", sessionID, err)
		}
	}
	m.setState(sessionID, final)
}

// Send publishes body to the session's outbound destination. It refuses
// locally, without touching the network, when no session is set, the
// session is closed or the connection is not established.
func (m *Manager) Send(ctx context.Context, body []byte) error {
	m.mu.Lock()
	sessionID, closed, state, conn := m.sessionID, m.closed, m.state, m.conn
	m.mu.Unlock()

	switch {
	case sessionID == "":
		return domain.ErrNoSession
	case closed:
		return domain.ErrSessionClosed
	case state != domain.ConnectionConnected || conn == nil:
		return domain.ErrNotConnected
	}

	if err := conn.Send(ctx, protocol.PublishDestination(sessionID), body); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (m *Manager) deliver(gen uint64, sessionID string, body []byte) {
	m.mu.Lock()
	current := m.gen == gen && m.sessionID == sessionID
	m.mu.Unlock()
	if !current {
		m.logger.Printf("connection: dropping frame for stale session %s", sessionID)
		return
	}

	m.listenersMu.Lock()
	fns := make([]func(Frame), 0, len(m.onFrame))
	for _, fn := range m.onFrame {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()

	frame := Frame{SessionID: sessionID, Body: body}
	for _, fn := range fns {
		fn(frame)
	}
}

func (m *Manager) setState(sessionID string, state domain.ConnectionState) {
	m.mu.Lock()
	if m.state == state && m.sessionID == sessionID {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()

	m.listenersMu.Lock()
	fns := make([]func(StateChange), 0, len(m.onState))
	for _, fn := range m.onState {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()

	change := StateChange{SessionID: sessionID, State: state}
	for _, fn := range fns {
		fn(change)
	}
}

func (m *Manager) emitError(err error) {
	m.listenersMu.Lock()
	fns := make([]func(error), 0, len(m.onError))
	for _, fn := range m.onError {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}
