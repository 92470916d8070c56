package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/casafone/voicegate/internal/frame"
	"github.com/casafone/voicegate/internal/metrics"
)

// State is the connection lifecycle state. Only close events drive
// transitions; transient error callbacks never race with the reconnect
// state machine.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrNotConnected is returned by Send/SendRaw outside the Open state.
	// Failed sends are surfaced, not swallowed: callers must not silently
	// drop audio.
	ErrNotConnected = errors.New("conn: not connected")

	// ErrQueueFull is returned when the outbound queue cannot accept the
	// message without blocking the caller.
	ErrQueueFull = errors.New("conn: send queue full")

	// ErrReconnectExhausted terminates a session after the reconnect
	// budget is spent.
	ErrReconnectExhausted = errors.New("conn: reconnect attempts exhausted")
)

// HandshakeError reports a rejected transport upgrade. The caller may retry
// per its own policy; Open does not retry.
type HandshakeError struct {
	URL string
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("conn: handshake with %s: %v", e.URL, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TokenProvider supplies the bearer token attached to the handshake.
// The manager only attaches tokens, it never validates them.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Config controls one managed connection.
type Config struct {
	URL     string
	Channel string
	Token   TokenProvider

	HeartbeatInterval time.Duration // default 15s
	PongGrace         time.Duration // default 5s
	ReconnectBase     time.Duration // default 5s
	ReconnectCap      time.Duration // default 30s
	MaxReconnects     int           // default 10
	SendQueueSize     int           // default 64

	Dialer *websocket.Dialer

	OnEnvelope        func(*frame.Envelope)
	OnBinary          func([]byte)
	OnError           func(error) // non-fatal, does not change state
	OnDisconnected    func(code int, reason string)
	OnReconnectFailed func(error)
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.PongGrace <= 0 {
		c.PongGrace = 5 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 5 * time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 10
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

type outMsg struct {
	msgType int
	data    []byte
}

// Manager owns exactly one logical connection for a session and hides
// transient transport failures from callers. One Manager per channel; all
// exported methods are safe for concurrent use.
type Manager struct {
	cfg       Config
	sessionID string
	seq       atomic.Uint64

	mu             sync.Mutex
	state          State
	ws             *websocket.Conn
	sendCh         chan outMsg
	stopWrite      chan struct{}
	userClosed     bool
	attempt        int
	reconnectTimer *time.Timer

	disconnectOnce sync.Once
}

// NewManager creates a manager in the Connecting state. Call Open to dial.
func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		state:     StateConnecting,
	}
}

// SessionID returns the id constructed for this logical session. It is
// stable across reconnects.
func (m *Manager) SessionID() string { return m.sessionID }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open performs the handshake and starts the heartbeat. On transport
// rejection it returns *HandshakeError and stays out of Open.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.state = StateConnecting
	m.mu.Unlock()

	ws, err := m.dial(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.adopt(ws)
	m.mu.Unlock()

	slog.Info("connection open", "session_id", m.sessionID, "channel", m.cfg.Channel, "url", m.cfg.URL)
	return nil
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if m.cfg.Token != nil {
		tok, err := m.cfg.Token.Token(ctx)
		if err != nil {
			return nil, &HandshakeError{URL: m.cfg.URL, Err: fmt.Errorf("auth token: %w", err)}
		}
		header.Set("Authorization", "Bearer "+tok)
	}
	header.Set("X-Session-ID", m.sessionID)

	ws, resp, err := m.cfg.Dialer.DialContext(ctx, m.cfg.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, &HandshakeError{URL: m.cfg.URL, Err: err}
	}
	return ws, nil
}

// adopt installs a freshly dialed socket and starts its read/write loops.
// Caller holds m.mu.
func (m *Manager) adopt(ws *websocket.Conn) {
	m.ws = ws
	m.state = StateOpen
	m.attempt = 0
	m.sendCh = make(chan outMsg, m.cfg.SendQueueSize)
	m.stopWrite = make(chan struct{})

	deadline := m.cfg.HeartbeatInterval + m.cfg.PongGrace
	ws.SetReadDeadline(time.Now().Add(deadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(deadline))
	})

	go m.writeLoop(ws, m.sendCh, m.stopWrite)
	go m.readLoop(ws)
}

// NextSeq returns the next outbound sequence number. Strictly increasing
// per direction for the life of the session.
func (m *Manager) NextSeq() uint64 { return m.seq.Add(1) }

// Compose builds a structured envelope stamped with the next outbound
// sequence number.
func (m *Manager) Compose(t frame.Type, payload any) (*frame.Envelope, error) {
	return frame.New(t, payload, m.NextSeq())
}

// Send queues a structured envelope for transmission. Valid only in Open.
func (m *Manager) Send(env *frame.Envelope) error {
	data, err := frame.Encode(env)
	if err != nil {
		return err
	}
	return m.enqueue(outMsg{msgType: websocket.TextMessage, data: data})
}

// SendRaw queues a binary audio frame, bypassing envelope construction on
// the hot audio path.
func (m *Manager) SendRaw(b []byte) error {
	return m.enqueue(outMsg{msgType: websocket.BinaryMessage, data: b})
}

func (m *Manager) enqueue(msg outMsg) error {
	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		return ErrNotConnected
	}
	ch := m.sendCh
	m.mu.Unlock()

	select {
	case ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close shuts the connection down deterministically: cancels the heartbeat
// and any pending reconnect timer, transitions to Closed, and fires the
// disconnected notification exactly once. Safe to call more than once.
func (m *Manager) Close(code int, reason string) error {
	m.mu.Lock()
	if m.userClosed {
		m.mu.Unlock()
		return nil
	}
	m.userClosed = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	ws := m.ws
	m.teardownLocked()
	m.mu.Unlock()

	if ws != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		ws.Close()
	}
	m.fireDisconnected(code, reason)
	return nil
}

// teardownLocked stops the write loop and marks the state Closed.
// Caller holds m.mu.
func (m *Manager) teardownLocked() {
	if m.stopWrite != nil {
		close(m.stopWrite)
		m.stopWrite = nil
	}
	m.ws = nil
	m.state = StateClosed
}

func (m *Manager) fireDisconnected(code int, reason string) {
	m.disconnectOnce.Do(func() {
		slog.Info("connection closed", "session_id", m.sessionID, "channel", m.cfg.Channel, "code", code, "reason", reason)
		if m.cfg.OnDisconnected != nil {
			m.cfg.OnDisconnected(code, reason)
		}
	})
}

func (m *Manager) writeLoop(ws *websocket.Conn, sendCh <-chan outMsg, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case msg := <-sendCh:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(msg.msgType, msg.data); err != nil {
				m.reportError(fmt.Errorf("write: %w", err))
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				m.reportError(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (m *Manager) readLoop(ws *websocket.Conn) {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			m.handleClosed(ws, err)
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if m.cfg.OnBinary != nil {
				m.cfg.OnBinary(data)
			}
		case websocket.TextMessage:
			env, derr := frame.Decode(data)
			if derr != nil {
				// One bad frame must not kill the session.
				metrics.Errors.WithLabelValues("conn", "parse").Inc()
				m.reportError(derr)
				continue
			}
			if m.cfg.OnEnvelope != nil {
				m.cfg.OnEnvelope(env)
			}
		}
	}
}

// reportError surfaces a transport-level error without changing state.
func (m *Manager) reportError(err error) {
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	}
}

// handleClosed reacts to the read loop ending. It is the only path that
// drives Open → Reconnecting/Closed transitions.
func (m *Manager) handleClosed(ws *websocket.Conn, err error) {
	m.mu.Lock()
	if m.ws != ws {
		// A newer socket already replaced this one.
		m.mu.Unlock()
		return
	}
	if m.userClosed {
		m.mu.Unlock()
		return
	}

	code := websocket.CloseAbnormalClosure
	reason := err.Error()
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
		reason = ce.Text
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		metrics.HeartbeatMisses.Inc()
		reason = "heartbeat timeout"
	}

	if m.stopWrite != nil {
		close(m.stopWrite)
		m.stopWrite = nil
	}
	m.ws = nil

	if code == websocket.CloseNormalClosure {
		m.state = StateClosed
		m.mu.Unlock()
		m.fireDisconnected(code, reason)
		return
	}

	m.state = StateReconnecting
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	slog.Warn("connection lost", "session_id", m.sessionID, "channel", m.cfg.Channel, "code", code, "reason", reason)
}

// scheduleReconnectLocked arms the backoff timer for the next attempt.
// Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked() {
	m.attempt++
	if m.attempt > m.cfg.MaxReconnects {
		m.state = StateClosed
		metrics.Reconnects.WithLabelValues(m.cfg.Channel, "exhausted").Inc()
		go func() {
			if m.cfg.OnReconnectFailed != nil {
				m.cfg.OnReconnectFailed(ErrReconnectExhausted)
			}
			m.fireDisconnected(websocket.CloseAbnormalClosure, ErrReconnectExhausted.Error())
		}()
		return
	}

	delay := Backoff(m.cfg.ReconnectBase, m.cfg.ReconnectCap, m.attempt)
	attempt := m.attempt
	slog.Info("reconnect scheduled", "session_id", m.sessionID, "channel", m.cfg.Channel, "attempt", attempt, "delay_ms", delay.Milliseconds())

	m.reconnectTimer = time.AfterFunc(delay, func() { m.tryReconnect(attempt) })
}

func (m *Manager) tryReconnect(attempt int) {
	m.mu.Lock()
	if m.userClosed || m.state != StateReconnecting || m.attempt != attempt {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	ws, err := m.dial(ctx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userClosed {
		if ws != nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		metrics.Reconnects.WithLabelValues(m.cfg.Channel, "failed").Inc()
		go m.reportError(err)
		m.scheduleReconnectLocked()
		return
	}

	metrics.Reconnects.WithLabelValues(m.cfg.Channel, "ok").Inc()
	m.adopt(ws)
	slog.Info("reconnected", "session_id", m.sessionID, "channel", m.cfg.Channel, "attempt", attempt)
}
