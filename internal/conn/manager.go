// Package conn owns the transport connection to the messaging backend: the
// reconnection state machine, heartbeat liveness, and backoff timing.
package conn

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/morada-app/chatsync/internal/bus"
	"github.com/morada-app/chatsync/internal/protocol"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send when no transport is open. Callers
// are expected to queue the operation instead.
var ErrNotConnected = errors.New("not connected")

// Options configures the connection manager.
type Options struct {
	URL   string
	Token string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration

	// MaxReconnectAttempts bounds consecutive failed attempts before the
	// machine enters Error. Zero means retry forever.
	MaxReconnectAttempts int

	// Dial is injectable for tests; defaults to DialWebsocket.
	Dial DialFunc
}

// Manager owns one transport connection. It is the transport's single
// writer; other components read state or submit operations through the
// offline queue, never writing the socket directly.
type Manager struct {
	opts    Options
	machine *Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu        sync.Mutex
	transport Transport
	attempts  int
	cancel    context.CancelFunc
	running   bool

	cbMu      sync.RWMutex
	frameFns  []func(protocol.Frame)
	resumeFns []func()
}

// NewManager creates a connection manager around the given state machine.
func NewManager(opts Options, machine *Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Dial == nil {
		opts.Dial = DialWebsocket
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	return &Manager{
		opts:    opts,
		machine: machine,
		bus:     b,
		logger:  logger,
	}
}

// Machine exposes the state machine for watchers.
func (m *Manager) Machine() *Machine { return m.machine }

// State returns the current connection state.
func (m *Manager) State() State { return m.machine.Current() }

// OnFrame registers a handler for inbound frames. Handlers run on the read
// loop goroutine in registration order. Register before Connect.
func (m *Manager) OnFrame(fn func(protocol.Frame)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.frameFns = append(m.frameFns, fn)
}

// OnResume registers a handler invoked once per entry into Connected, on
// the connection goroutine, after the state transition is observable. The
// offline queue drain and delta sync hang off this hook.
func (m *Manager) OnResume(fn func()) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.resumeFns = append(m.resumeFns, fn)
}

// Connect starts the connection loop. No-op if already running.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	if err := m.machine.Transition(Connecting); err != nil {
		m.mu.Unlock()
		return err
	}
	m.running = true
	m.attempts = 0
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Reconnect manually re-enters the connection loop from Error, resetting
// the attempt counter. It is the only way out of Error besides Disconnect.
func (m *Manager) Reconnect(ctx context.Context) error {
	if m.machine.Current() != Error {
		return errors.New("reconnect is only valid from ERROR state")
	}
	return m.Connect(ctx)
}

// Send writes a frame to the open transport. Returns ErrNotConnected when
// the machine is not in Connected.
func (m *Manager) Send(ctx context.Context, f protocol.Frame) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil || m.machine.Current() != Connected {
		return ErrNotConnected
	}
	return t.WriteFrame(ctx, f)
}

// Disconnect tears the connection down. No background reconnection
// continues after an explicit disconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	t := m.transport
	wasRunning := m.running
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		_ = t.Close()
	}
	if !wasRunning && m.machine.Current() != Disconnected {
		_ = m.machine.Transition(Disconnected)
	}
}

func (m *Manager) run(ctx context.Context) {
	for {
		t, err := m.opts.Dial(ctx, m.opts.URL, m.opts.Token)
		if ctx.Err() != nil {
			if t != nil {
				_ = t.Close()
			}
			m.stop()
			return
		}
		if err != nil {
			m.logger.Warn("dial failed", zap.Error(err))
			_ = m.machine.Transition(Reconnecting)
			if !m.backoff(ctx) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.transport = t
		m.attempts = 0
		m.mu.Unlock()

		_ = m.machine.Transition(Connected)
		m.notifyResume()

		err = m.serve(ctx, t)

		m.mu.Lock()
		m.transport = nil
		m.mu.Unlock()
		_ = t.Close()

		if ctx.Err() != nil {
			m.stop()
			return
		}
		m.logger.Warn("transport lost", zap.Error(err))
		_ = m.machine.Transition(Reconnecting)
		if !m.backoff(ctx) {
			return
		}
	}
}

// serve runs the read loop and heartbeat until the transport fails.
func (m *Manager) serve(ctx context.Context, t Transport) error {
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go m.heartbeat(hbCtx, t)

	for {
		f, err := t.ReadFrame(ctx)
		if err != nil {
			var mfe *protocol.MalformedFrameError
			if errors.As(err, &mfe) {
				// Malformed frames are logged and dropped; they never
				// tear down the session.
				m.logger.Warn("dropping malformed frame",
					zap.String("frame_type", mfe.Type),
					zap.String("reason", mfe.Reason))
				continue
			}
			return err
		}
		m.dispatch(f)
	}
}

// heartbeat pings on a fixed interval while connected. A missed pong within
// the timeout closes the transport, which forces the run loop into
// Reconnecting as if the socket had closed.
func (m *Manager) heartbeat(ctx context.Context, t Transport) {
	if m.opts.HeartbeatInterval <= 0 {
		return
	}
	timeout := m.opts.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, timeout)
			err := t.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Warn("heartbeat missed, closing transport", zap.Error(err))
					_ = t.Close()
				}
				return
			}
		}
	}
}

// backoff waits for the next reconnect attempt with exponential backoff and
// jitter. Returns false when the loop should stop (context cancelled or
// attempts exhausted).
func (m *Manager) backoff(ctx context.Context) bool {
	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	if m.opts.MaxReconnectAttempts > 0 && attempt > m.opts.MaxReconnectAttempts {
		m.logger.Error("reconnect attempts exhausted", zap.Int("attempts", attempt-1))
		_ = m.machine.Transition(Error)
		m.stopKeepState()
		return false
	}

	delay := m.opts.BackoffBase << (attempt - 1)
	if delay > m.opts.BackoffCap || delay <= 0 {
		delay = m.opts.BackoffCap
	}
	// Full jitter on the upper half keeps retries spread out.
	delay = delay/2 + rand.N(delay/2+1)

	m.logger.Info("scheduling reconnect",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	select {
	case <-ctx.Done():
		m.stop()
		return false
	case <-time.After(delay):
	}
	if err := m.machine.Transition(Connecting); err != nil {
		m.stop()
		return false
	}
	return true
}

func (m *Manager) dispatch(f protocol.Frame) {
	m.cbMu.RLock()
	fns := m.frameFns
	m.cbMu.RUnlock()
	for _, fn := range fns {
		fn(f)
	}
}

func (m *Manager) notifyResume() {
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: "conn.resumed", Timestamp: time.Now()})
	}
	m.cbMu.RLock()
	fns := m.resumeFns
	m.cbMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// stop ends the run loop and settles the machine in Disconnected.
func (m *Manager) stop() {
	m.stopKeepState()
	if m.machine.Current() != Disconnected {
		_ = m.machine.Transition(Disconnected)
	}
}

func (m *Manager) stopKeepState() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}
