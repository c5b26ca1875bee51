package conn

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morada-app/chatsync/internal/bus"
	"github.com/morada-app/chatsync/internal/protocol"
)

// fakeTransport is an in-memory Transport driven by the test.
type fakeTransport struct {
	in      chan protocol.Frame
	pingErr atomic.Value // error

	mu     sync.Mutex
	sent   []protocol.Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan protocol.Frame, 16),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	select {
	case f := <-t.in:
		return f, nil
	case <-t.closed:
		return protocol.Frame{}, net.ErrClosed
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

func (t *fakeTransport) WriteFrame(_ context.Context, f protocol.Frame) error {
	select {
	case <-t.closed:
		return net.ErrClosed
	default:
	}
	t.mu.Lock()
	t.sent = append(t.sent, f)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Ping(context.Context) error {
	if err, ok := t.pingErr.Load().(error); ok && err != nil {
		return err
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) sentFrames() []protocol.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Frame(nil), t.sent...)
}

func testOptions(dial DialFunc) Options {
	return Options{
		URL:         "ws://test",
		Token:       "tok",
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		Dial:        dial,
	}
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.Current(), want)
}

func TestConnectReachesConnected(t *testing.T) {
	ft := newFakeTransport()
	dial := func(context.Context, string, string) (Transport, error) { return ft, nil }

	machine := NewMachine(nil)
	m := NewManager(testOptions(dial), machine, bus.New(), nil)

	var resumes atomic.Int32
	m.OnResume(func() { resumes.Add(1) })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()

	waitState(t, machine, Connected)
	if got := resumes.Load(); got != 1 {
		t.Errorf("resume invoked %d times, want 1", got)
	}
}

func TestInboundFramesDispatch(t *testing.T) {
	ft := newFakeTransport()
	dial := func(context.Context, string, string) (Transport, error) { return ft, nil }

	machine := NewMachine(nil)
	m := NewManager(testOptions(dial), machine, nil, nil)

	frames := make(chan protocol.Frame, 1)
	m.OnFrame(func(f protocol.Frame) { frames <- f })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()
	waitState(t, machine, Connected)

	ft.in <- protocol.Frame{Type: protocol.TypeTypingIndicator, ConversationID: "c1", UserID: "u2", IsTyping: true}

	select {
	case f := <-frames:
		if f.Type != protocol.TypeTypingIndicator || f.ConversationID != "c1" {
			t.Errorf("frame = %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame dispatch")
	}
}

func TestReconnectAfterTransportLoss(t *testing.T) {
	var dials atomic.Int32
	transports := make(chan *fakeTransport, 2)
	first := newFakeTransport()
	second := newFakeTransport()
	transports <- first
	transports <- second
	dial := func(context.Context, string, string) (Transport, error) {
		dials.Add(1)
		return <-transports, nil
	}

	machine := NewMachine(nil)
	m := NewManager(testOptions(dial), machine, nil, nil)

	var resumes atomic.Int32
	m.OnResume(func() { resumes.Add(1) })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()
	waitState(t, machine, Connected)

	// Kill the first transport; the manager must come back on the second.
	_ = first.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && dials.Load() < 2 {
		time.Sleep(2 * time.Millisecond)
	}
	waitState(t, machine, Connected)

	if got := dials.Load(); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}
	if got := resumes.Load(); got != 2 {
		t.Errorf("resume invoked %d times, want 2 (once per CONNECTED entry)", got)
	}
}

func TestExhaustedAttemptsEnterError(t *testing.T) {
	var dials atomic.Int32
	dial := func(context.Context, string, string) (Transport, error) {
		dials.Add(1)
		return nil, errors.New("refused")
	}

	opts := testOptions(dial)
	opts.MaxReconnectAttempts = 2
	machine := NewMachine(nil)
	m := NewManager(opts, machine, nil, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, Error)

	// ERROR is terminal: no further dials happen on their own.
	before := dials.Load()
	time.Sleep(30 * time.Millisecond)
	if after := dials.Load(); after != before {
		t.Errorf("dials continued in ERROR state: %d -> %d", before, after)
	}

	// Manual reconnect resets the attempt counter and recovers.
	ft := newFakeTransport()
	m.opts.Dial = func(context.Context, string, string) (Transport, error) { return ft, nil }
	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()
	waitState(t, machine, Connected)
}

func TestSendWhileDisconnected(t *testing.T) {
	m := NewManager(testOptions(nil), NewMachine(nil), nil, nil)
	err := m.Send(context.Background(), protocol.JoinConversation("c1"))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestSendWritesToTransport(t *testing.T) {
	ft := newFakeTransport()
	dial := func(context.Context, string, string) (Transport, error) { return ft, nil }
	machine := NewMachine(nil)
	m := NewManager(testOptions(dial), machine, nil, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()
	waitState(t, machine, Connected)

	if err := m.Send(context.Background(), protocol.SendMessage("c1", "t1", "hi")); err != nil {
		t.Fatal(err)
	}
	sent := ft.sentFrames()
	if len(sent) != 1 || sent[0].TempID != "t1" {
		t.Errorf("sent = %+v, want one send_message with temp_id t1", sent)
	}
}

func TestDisconnectStopsReconnection(t *testing.T) {
	var dials atomic.Int32
	dial := func(context.Context, string, string) (Transport, error) {
		dials.Add(1)
		return newFakeTransport(), nil
	}

	machine := NewMachine(nil)
	m := NewManager(testOptions(dial), machine, nil, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, Connected)

	m.Disconnect()
	waitState(t, machine, Disconnected)

	before := dials.Load()
	time.Sleep(30 * time.Millisecond)
	if after := dials.Load(); after != before {
		t.Errorf("reconnection continued after explicit disconnect: %d -> %d", before, after)
	}
}

func TestHeartbeatFailureForcesReconnect(t *testing.T) {
	var dials atomic.Int32
	dial := func(context.Context, string, string) (Transport, error) {
		dials.Add(1)
		ft := newFakeTransport()
		if dials.Load() == 1 {
			ft.pingErr.Store(errors.New("no pong"))
		}
		return ft, nil
	}

	opts := testOptions(dial)
	opts.HeartbeatInterval = 5 * time.Millisecond
	opts.HeartbeatTimeout = 5 * time.Millisecond
	machine := NewMachine(nil)
	m := NewManager(opts, machine, nil, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && dials.Load() < 2 {
		time.Sleep(2 * time.Millisecond)
	}
	if dials.Load() < 2 {
		t.Fatal("heartbeat failure did not trigger a reconnect")
	}
	waitState(t, machine, Connected)
}
