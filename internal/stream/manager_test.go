package stream

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type staticToken string

func (t staticToken) Credential() (string, bool) {
	return string(t), t != ""
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) after(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.timers)
}

func (ft *fakeTimers) get(i int) *fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.timers[i]
}

type statusLog struct {
	mu     sync.Mutex
	states []State
}

func (l *statusLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *statusLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

// pushServer is a fake push endpoint.
type pushServer struct {
	*httptest.Server
	conns    chan *websocket.Conn
	received chan []byte
	mu       sync.Mutex
	paths    []string
	tokens   []string
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan []byte, 16),
	}
	upgrader := websocket.Upgrader{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		ps.paths = append(ps.paths, r.URL.Path)
		ps.tokens = append(ps.tokens, r.URL.Query().Get("token"))
		ps.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case ps.received <- data:
			default:
			}
		}
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pushServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ps.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for push connection")
		return nil
	}
}

func newTestManager(t *testing.T, baseURL string, opts ...Option) (*Manager, *fakeTimers) {
	t.Helper()
	timers := &fakeTimers{}
	opts = append([]Option{
		WithAfterFunc(timers.after),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	m := NewManager(baseURL, staticToken("tok"), opts...)
	t.Cleanup(m.Close)
	return m, timers
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s", what)
}

func TestReconnectDelay(t *testing.T) {
	want := []time.Duration{
		3000 * time.Millisecond,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
		10125 * time.Millisecond,
		15187500 * time.Microsecond,
	}
	for i, w := range want {
		if got := ReconnectDelay(DefaultReconnectInterval, i+1); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
	if got := ReconnectDelay(time.Second, 0); got != time.Second {
		t.Errorf("Expected attempt 0 to clamp to base interval, got %v", got)
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"http://sched.local:8080", "ws://sched.local:8080/api/v1/admin/scheduler/stream?token=a+b", false},
		{"https://sched.example.com/", "wss://sched.example.com/api/v1/admin/scheduler/stream?token=a+b", false},
		{"https://gw.example.com/sched", "wss://gw.example.com/sched/api/v1/admin/scheduler/stream?token=a+b", false},
		{"ftp://nope", "", true},
	}
	for _, tt := range tests {
		got, err := BuildURL(tt.base, "a b")
		if (err != nil) != tt.wantErr {
			t.Errorf("BuildURL(%q) error = %v, wantErr %v", tt.base, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("BuildURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
		unknown bool
	}{
		{"execution update", `{"type":"task_execution_update","payload":{"execution_id":"e1","status":"completed"}}`, false, false},
		{"alert", `{"type":"alert","payload":{"id":"a1","severity":"critical","title":"disk"}}`, false, false},
		{"leader change", `{"type":"leader_election_change","payload":{"current_leader":"i2","election_term":3}}`, false, false},
		{"malformed json", `{"type":`, true, false},
		{"unknown type", `{"type":"task_deleted","payload":{}}`, true, true},
		{"missing payload", `{"type":"alert"}`, true, false},
		{"bad status", `{"type":"task_execution_update","payload":{"execution_id":"e1","status":"exploded"}}`, true, false},
		{"missing execution id", `{"type":"task_execution_update","payload":{"status":"running"}}`, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage error = %v, wantErr %v", err, tt.wantErr)
			}
			if errors.Is(err, ErrUnknownEvent) != tt.unknown {
				t.Errorf("errors.Is(err, ErrUnknownEvent) = %v, want %v", !tt.unknown, tt.unknown)
			}
		})
	}
}

func TestConnectDispatchesToSubscriber(t *testing.T) {
	ps := newPushServer(t)
	m, _ := newTestManager(t, ps.URL)

	var mu sync.Mutex
	var typed, all []Message
	m.Subscribe(EventExecutionUpdate, func(msg Message) {
		mu.Lock()
		typed = append(typed, msg)
		mu.Unlock()
	})
	m.OnMessage(func(msg Message) {
		mu.Lock()
		all = append(all, msg)
		mu.Unlock()
	})

	m.Connect()
	server := ps.accept(t)
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	ps.mu.Lock()
	if ps.paths[0] != StreamPath || ps.tokens[0] != "tok" {
		t.Errorf("Unexpected push request path=%s token=%s", ps.paths[0], ps.tokens[0])
	}
	ps.mu.Unlock()

	// Garbage must be dropped without closing the connection
	server.WriteMessage(websocket.TextMessage, []byte("not json"))
	server.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery","payload":{}}`))
	frame := `{"type":"task_execution_update","payload":{"execution_id":"e1","status":"completed"}}`
	server.WriteMessage(websocket.TextMessage, []byte(frame))

	waitFor(t, "dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(all) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(typed) != 1 {
		t.Fatalf("Expected subscriber invoked exactly once, got %d", len(typed))
	}
	update, err := DecodeExecutionUpdate(typed[0])
	if err != nil {
		t.Fatalf("DecodeExecutionUpdate failed: %v", err)
	}
	if update.ExecutionID != "e1" || update.Status != "completed" {
		t.Errorf("Unexpected update: %+v", update)
	}
	if m.State() != StateConnected {
		t.Errorf("Expected connection to survive bad frames, state=%s", m.State())
	}
}

func TestSubscribeReplacesHandler(t *testing.T) {
	ps := newPushServer(t)
	m, _ := newTestManager(t, ps.URL)

	var mu sync.Mutex
	calls := map[string]int{}
	handler := func(name string) Handler {
		return func(Message) {
			mu.Lock()
			calls[name]++
			mu.Unlock()
		}
	}
	unsubA := m.Subscribe(EventAlert, handler("A"))
	m.Subscribe(EventAlert, handler("B"))
	// Removing A must not remove its replacement
	unsubA()

	m.Connect()
	server := ps.accept(t)
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	server.WriteMessage(websocket.TextMessage, []byte(`{"type":"alert","payload":{"id":"a1","severity":"warning"}}`))
	waitFor(t, "alert dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls["B"] == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if calls["A"] != 0 {
		t.Errorf("Expected replaced handler not to run, got %d calls", calls["A"])
	}
}

func TestCloseFromHandler(t *testing.T) {
	ps := newPushServer(t)
	m, _ := newTestManager(t, ps.URL)

	done := make(chan struct{})
	m.Subscribe(EventAlert, func(Message) {
		m.Close()
		close(done)
	})

	m.Connect()
	server := ps.accept(t)
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	server.WriteMessage(websocket.TextMessage, []byte(`{"type":"alert","payload":{"id":"a1","severity":"warning"}}`))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Close inside a handler to return")
	}
	if m.State() != StateDisconnected {
		t.Errorf("Expected disconnected after Close, got %s", m.State())
	}

	// Close from outside still waits for the connection goroutine
	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected second Close to return")
	}
}

func TestReconnectBackoffUntilExhausted(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m, timers := newTestManager(t, srv.URL)
	var errs []error
	var errMu sync.Mutex
	m.OnError(func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	})

	m.Connect()
	for i := 0; i < DefaultMaxAttempts; i++ {
		waitFor(t, "reconnect scheduled", func() bool { return timers.count() == i+1 })
		timer := timers.get(i)
		if want := ReconnectDelay(DefaultReconnectInterval, i+1); timer.d != want {
			t.Errorf("attempt %d: expected delay %v, got %v", i+1, want, timer.d)
		}
		timer.f()
	}

	// The last dial fails with no further schedule
	waitFor(t, "final dial", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits == DefaultMaxAttempts+1
	})
	waitFor(t, "disconnected", func() bool { return m.State() == StateDisconnected })
	time.Sleep(20 * time.Millisecond)
	if timers.count() != DefaultMaxAttempts {
		t.Errorf("Expected %d scheduled reconnects, got %d", DefaultMaxAttempts, timers.count())
	}
	if m.Attempts() != DefaultMaxAttempts {
		t.Errorf("Expected attempts=%d, got %d", DefaultMaxAttempts, m.Attempts())
	}
	errMu.Lock()
	if len(errs) != DefaultMaxAttempts+1 {
		t.Errorf("Expected one error per failed dial, got %d", len(errs))
	}
	errMu.Unlock()

	// Explicit Connect starts a fresh cycle
	m.Connect()
	waitFor(t, "new cycle", func() bool { return timers.count() == DefaultMaxAttempts+1 })
	if d := timers.get(DefaultMaxAttempts).d; d != DefaultReconnectInterval {
		t.Errorf("Expected fresh cycle to restart at base interval, got %v", d)
	}
}

func TestServerDropSchedulesReconnect(t *testing.T) {
	ps := newPushServer(t)
	m, timers := newTestManager(t, ps.URL)
	states := &statusLog{}
	m.OnStatusChange(states.record)

	m.Connect()
	server := ps.accept(t)
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	server.Close()
	waitFor(t, "reconnect scheduled", func() bool { return timers.count() == 1 })
	if m.State() != StateDisconnected {
		t.Errorf("Expected disconnected after drop, got %s", m.State())
	}

	timers.get(0).f()
	ps.accept(t)
	waitFor(t, "reconnected", func() bool { return m.State() == StateConnected })
	if m.Attempts() != 0 {
		t.Errorf("Expected attempts reset after open, got %d", m.Attempts())
	}

	want := []State{StateConnecting, StateConnected, StateError, StateDisconnected, StateConnecting, StateConnected}
	got := states.snapshot()
	if len(got) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestNoReconnectAfterDisconnect(t *testing.T) {
	ps := newPushServer(t)
	m, timers := newTestManager(t, ps.URL)

	m.Connect()
	server := ps.accept(t)
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	server.Close()
	waitFor(t, "reconnect scheduled", func() bool { return timers.count() == 1 })
	pending := timers.get(0)

	m.Disconnect()
	if !pending.stopped {
		t.Error("Expected Disconnect to stop the pending reconnect timer")
	}

	// A stale timer callback and a late close event are both no-ops
	pending.f()
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.handleClose(gen)

	time.Sleep(20 * time.Millisecond)
	if timers.count() != 1 {
		t.Errorf("Expected no reconnect after Disconnect, got %d timers", timers.count())
	}
	if m.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", m.State())
	}
	select {
	case <-ps.conns:
		t.Error("Expected no new connection after Disconnect")
	default:
	}
}

func TestDisconnectClosesOpenConnection(t *testing.T) {
	ps := newPushServer(t)
	m, timers := newTestManager(t, ps.URL)

	m.Connect()
	ps.accept(t)
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	m.Disconnect()
	time.Sleep(20 * time.Millisecond)
	if m.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", m.State())
	}
	if timers.count() != 0 {
		t.Errorf("Expected no reconnect after manual disconnect, got %d", timers.count())
	}
	if m.SendMessage(map[string]string{"type": "ping"}) {
		t.Error("Expected SendMessage to fail after Disconnect")
	}
}

func TestSendMessage(t *testing.T) {
	ps := newPushServer(t)
	m, _ := newTestManager(t, ps.URL)

	if m.SendMessage(map[string]string{"type": "ping"}) {
		t.Error("Expected SendMessage to fail while disconnected")
	}

	m.Connect()
	ps.accept(t)
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	if !m.SendMessage(map[string]string{"type": "subscribe", "topic": "executions"}) {
		t.Fatal("Expected SendMessage to succeed while connected")
	}
	select {
	case data := <-ps.received:
		var got map[string]string
		if err := json.Unmarshal(data, &got); err != nil || got["topic"] != "executions" {
			t.Errorf("Unexpected frame %s (%v)", data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for outbound frame")
	}
}

func TestConnectWithoutCredential(t *testing.T) {
	timers := &fakeTimers{}
	m := NewManager("http://127.0.0.1:1", staticToken(""),
		WithAfterFunc(timers.after),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer m.Close()

	states := &statusLog{}
	m.OnStatusChange(states.record)
	var gotErr error
	m.OnError(func(err error) { gotErr = err })

	m.Connect()

	if !errors.Is(gotErr, ErrNoCredential) {
		t.Errorf("Expected ErrNoCredential, got %v", gotErr)
	}
	got := states.snapshot()
	if len(got) != 2 || got[0] != StateError || got[1] != StateDisconnected {
		t.Errorf("Expected [error disconnected], got %v", got)
	}
	if timers.count() != 0 {
		t.Errorf("Expected no reconnect without credential, got %d", timers.count())
	}
}

func TestOnStatusChangeUnsubscribe(t *testing.T) {
	m := NewManager("http://127.0.0.1:1", staticToken(""),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer m.Close()

	first, second := &statusLog{}, &statusLog{}
	unsub := m.OnStatusChange(first.record)
	m.OnStatusChange(second.record)
	unsub()

	m.Connect()

	if len(first.snapshot()) != 0 {
		t.Errorf("Expected removed listener not to run, got %v", first.snapshot())
	}
	if len(second.snapshot()) != 2 {
		t.Errorf("Expected remaining listener to see 2 transitions, got %v", second.snapshot())
	}
}
