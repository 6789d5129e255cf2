// Package stream maintains the push connection to the scheduler control plane.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// StreamPath is the push endpoint under the control-plane base URL.
	StreamPath = "/api/v1/admin/scheduler/stream"

	DefaultReconnectInterval = 3 * time.Second
	DefaultMaxAttempts       = 5

	writeWait = 10 * time.Second
)

// State is the connection status of a Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ErrNoCredential is reported when Connect runs without a cached credential.
var ErrNoCredential = errors.New("no credential for push connection")

// TokenSource supplies the raw credential sent as the token query parameter.
type TokenSource interface {
	Credential() (string, bool)
}

// Handler receives an inbound message.
type Handler func(Message)

// StatusHandler receives every state transition.
type StatusHandler func(State)

// ErrorHandler receives connection-level failures.
type ErrorHandler func(error)

// Timer is the handle of a scheduled reconnect.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// BuildURL derives the push URL from the control-plane base URL:
// http becomes ws, https becomes wss, and the credential goes in ?token=.
func BuildURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + StreamPath
	u.RawPath = ""
	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// ReconnectDelay returns interval × 1.5^(attempt-1).
func ReconnectDelay(interval time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(interval) * math.Pow(1.5, float64(attempt-1)))
}

type subscription struct {
	id      uint64
	handler Handler
}

type statusListener struct {
	id      string
	handler StatusHandler
}

// Manager owns one push connection. It never returns connection errors from
// its lifecycle methods; failures surface through OnStatusChange and OnError.
//
// Each event type has at most one subscriber: a second Subscribe for the same
// type replaces the first.
//
// Handlers run on the connection goroutine, one message at a time. They may
// call any method, including Close.
type Manager struct {
	baseURL     string
	tokens      TokenSource
	dialer      *websocket.Dialer
	interval    time.Duration
	maxAttempts int
	afterFunc   AfterFunc
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// loopDepth counts callbacks running on connection goroutines.
	loopDepth atomic.Int32

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	gen      uint64
	manual   bool
	closed   bool
	attempts int
	timer    Timer
	subs     map[EventType]subscription
	nextSub  uint64
	status   []statusListener
	onMsg    Handler
	onErr    ErrorHandler

	writeMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithReconnect sets the base backoff interval and the attempt limit.
func WithReconnect(interval time.Duration, maxAttempts int) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.interval = interval
		}
		if maxAttempts >= 0 {
			m.maxAttempts = maxAttempts
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithAfterFunc replaces the reconnect timer factory.
func WithAfterFunc(f AfterFunc) Option {
	return func(m *Manager) { m.afterFunc = f }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a disconnected manager for the control plane at baseURL.
func NewManager(baseURL string, tokens TokenSource, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		baseURL: baseURL,
		tokens:  tokens,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: 10 * time.Second,
		},
		interval:    DefaultReconnectInterval,
		maxAttempts: DefaultMaxAttempts,
		afterFunc:   realAfterFunc,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
		state:       StateDisconnected,
		subs:        make(map[EventType]subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connection status.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnects scheduled since the last open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect opens the connection in the background. It clears a previous
// Disconnect and resets the attempt counter. No-op while connecting or connected.
func (m *Manager) Connect() {
	m.connect(true)
}

func (m *Manager) connect(explicit bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if explicit {
		m.manual = false
		m.attempts = 0
		m.stopTimerLocked()
	} else if m.manual {
		m.mu.Unlock()
		return
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return
	}

	token, ok := "", false
	if m.tokens != nil {
		token, ok = m.tokens.Credential()
	}
	if !ok {
		notify := m.setStateLocked(StateError)
		onErr := m.onErr
		m.mu.Unlock()
		m.emitStatus(notify, StateError)
		m.emitError(onErr, ErrNoCredential)
		m.transition(StateDisconnected)
		return
	}
	target, err := BuildURL(m.baseURL, token)
	if err != nil {
		notify := m.setStateLocked(StateError)
		onErr := m.onErr
		m.mu.Unlock()
		m.emitStatus(notify, StateError)
		m.emitError(onErr, err)
		m.transition(StateDisconnected)
		return
	}

	m.gen++
	gen := m.gen
	notify := m.setStateLocked(StateConnecting)
	m.wg.Add(1)
	m.mu.Unlock()

	m.emitStatus(notify, StateConnecting)
	go m.run(gen, target)
}

func (m *Manager) run(gen uint64, target string) {
	defer m.wg.Done()

	conn, _, err := m.dialer.DialContext(m.ctx, target, nil)
	if err != nil {
		m.inLoop(func() {
			m.fail(gen, fmt.Errorf("dial push endpoint: %w", err))
			m.handleClose(gen)
		})
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.manual || m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.attempts = 0
	notify := m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info("push connection open", "url", redact(target))
	m.inLoop(func() { m.emitStatus(notify, StateConnected) })

	m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			m.inLoop(func() {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					m.fail(gen, fmt.Errorf("read push message: %w", err))
				}
				m.handleClose(gen)
			})
			return
		}
		m.inLoop(func() { m.dispatch(data) })
	}
}

func (m *Manager) dispatch(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		m.logger.Warn("dropping push message", "err", err)
		return
	}

	m.mu.Lock()
	sub, ok := m.subs[msg.Type]
	all := m.onMsg
	m.mu.Unlock()

	if ok {
		sub.handler(msg)
	}
	if all != nil {
		all(msg)
	}
}

// fail records a connection error for the current connection only.
func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.manual || m.closed {
		m.mu.Unlock()
		return
	}
	notify := m.setStateLocked(StateError)
	onErr := m.onErr
	m.mu.Unlock()

	m.logger.Warn("push connection error", "err", err)
	m.emitStatus(notify, StateError)
	m.emitError(onErr, err)
}

// handleClose moves to disconnected and schedules a reconnect unless the
// close was requested or attempts are exhausted.
func (m *Manager) handleClose(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	notify := m.setStateLocked(StateDisconnected)

	switch {
	case m.manual || m.closed:
	case m.attempts < m.maxAttempts:
		m.attempts++
		delay := ReconnectDelay(m.interval, m.attempts)
		m.stopTimerLocked()
		m.timer = m.afterFunc(delay, func() { m.reconnect(gen) })
		m.logger.Info("scheduling push reconnect", "attempt", m.attempts, "max", m.maxAttempts, "delay", delay)
	default:
		m.logger.Warn("push reconnect attempts exhausted", "attempts", m.attempts)
	}
	m.mu.Unlock()

	m.emitStatus(notify, StateDisconnected)
}

// reconnect runs from the timer. A Connect or Disconnect since scheduling
// bumps gen and turns it into a no-op.
func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()
	m.connect(false)
}

// Disconnect closes the connection and stops any scheduled reconnect.
// No reconnect happens until Connect is called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.stopTimerLocked()
	m.gen++
	conn := m.conn
	m.conn = nil
	notify := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		m.writeMu.Unlock()
		conn.Close()
	}
	m.emitStatus(notify, StateDisconnected)
}

// Close disconnects, waits for background goroutines and makes the manager inert.
// Called from a handler it does not wait: the connection goroutine running
// that handler exits once the handler returns.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	if m.loopDepth.Load() > 0 {
		return
	}
	m.wg.Wait()
}

// SendMessage writes v as JSON. It returns false, and drops the message,
// when the connection is not open.
func (m *Manager) SendMessage(v interface{}) bool {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if conn == nil || state != StateConnected {
		m.logger.Warn("push connection not open, dropping outbound message", "state", state)
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("encoding outbound message", "err", err)
		return false
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.logger.Warn("sending outbound message", "err", err)
		return false
	}
	return true
}

// Subscribe registers h for events of type t, replacing any previous handler.
// The returned func removes h if it is still the registered handler.
func (m *Manager) Subscribe(t EventType, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.subs[t] = subscription{id: id, handler: h}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.subs[t]; ok && cur.id == id {
			delete(m.subs, t)
		}
	}
}

// OnStatusChange registers h for every state transition.
func (m *Manager) OnStatusChange(h StatusHandler) func() {
	id := uuid.New().String()
	m.mu.Lock()
	m.status = append(m.status, statusListener{id: id, handler: h})
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.status {
			if l.id == id {
				m.status = append(m.status[:i:i], m.status[i+1:]...)
				return
			}
		}
	}
}

// OnMessage registers a catch-all handler run after the typed subscriber.
func (m *Manager) OnMessage(h Handler) {
	m.mu.Lock()
	m.onMsg = h
	m.mu.Unlock()
}

// OnError registers the connection error handler.
func (m *Manager) OnError(h ErrorHandler) {
	m.mu.Lock()
	m.onErr = h
	m.mu.Unlock()
}

// setStateLocked changes the state and returns the listeners to notify,
// or nil when the state did not change.
func (m *Manager) setStateLocked(s State) []StatusHandler {
	if m.state == s {
		return nil
	}
	m.state = s
	handlers := make([]StatusHandler, len(m.status))
	for i, l := range m.status {
		handlers[i] = l.handler
	}
	return handlers
}

func (m *Manager) transition(s State) {
	m.mu.Lock()
	notify := m.setStateLocked(s)
	m.mu.Unlock()
	m.emitStatus(notify, s)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// inLoop runs f, which invokes user callbacks, on a connection goroutine.
func (m *Manager) inLoop(f func()) {
	m.loopDepth.Add(1)
	defer m.loopDepth.Add(-1)
	f()
}

func (m *Manager) emitStatus(handlers []StatusHandler, s State) {
	for _, h := range handlers {
		h(s)
	}
}

func (m *Manager) emitError(h ErrorHandler, err error) {
	if h != nil {
		h(err)
	}
}

// redact hides the token query parameter in logged URLs.
func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
	}
	u.RawQuery = q.Encode()
	return u.String()
}
