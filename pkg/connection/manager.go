package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrAttemptsExhausted is reported by LastError after MaxAttempts failed
// redials.
var ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

// DefaultDialTimeout bounds one dial attempt.
const DefaultDialTimeout = 30 * time.Second

// State is the manager's link state.
type State uint8

const (
	// StateIdle - Start has not been called.
	StateIdle State = iota

	// StateConnecting - a dial is in progress.
	StateConnecting

	// StateConnected - the link is up.
	StateConnected

	// StateBackoff - waiting before the next dial.
	StateBackoff

	// StateClosed - Close was called or attempts are exhausted.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateBackoff:
		return "BACKOFF"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Link is an established connection. Done is closed when it ends.
type Link interface {
	Done() <-chan struct{}
}

// DialFunc establishes a link.
type DialFunc func(ctx context.Context) (Link, error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Name identifies the target in logs.
	Name string

	// Backoff configures the delay between attempts.
	Backoff BackoffConfig

	// DialTimeout bounds one dial (default: 30s).
	DialTimeout time.Duration

	// Logger is the optional logger. If nil, logging is disabled.
	Logger *slog.Logger
}

// Manager keeps one link alive, redialing with backoff whenever the dial
// fails or the link ends.
type Manager struct {
	dial    DialFunc
	cfg     ManagerConfig
	backoff *Backoff
	logger  *slog.Logger

	mu            sync.RWMutex
	state         State
	link          Link
	lastErr       error
	onStateChange func(oldState, newState State)
	onConnected   func(Link)
	onBackoff     func(attempt int, delay time.Duration, err error)

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewManager creates a manager. Nothing is dialed until Start.
func NewManager(dial DialFunc, cfg ManagerConfig) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dial:    dial,
		cfg:     cfg,
		backoff: NewBackoff(cfg.Backoff),
		logger:  logger.With("target", cfg.Name),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Link returns the current link, or nil when not connected.
func (m *Manager) Link() Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.link
}

// LastError returns the error of the most recent failed dial.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Attempts returns the number of failed dials since the last success.
func (m *Manager) Attempts() int {
	return m.backoff.Attempts()
}

// Done is closed when the manager has stopped.
func (m *Manager) Done() <-chan struct{} { return m.done }

// OnStateChange sets a callback for state changes. Set callbacks before
// Start.
func (m *Manager) OnStateChange(fn func(oldState, newState State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnConnected sets a callback for each established link.
func (m *Manager) OnConnected(fn func(Link)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

// OnBackoff sets a callback for each wait before a redial.
func (m *Manager) OnBackoff(fn func(attempt int, delay time.Duration, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBackoff = fn
}

// Start begins dialing in the background. Subsequent calls do nothing.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		go m.run()
	})
}

// Close stops the manager and waits for it. An established link is left
// to its owner.
func (m *Manager) Close() {
	m.cancel()
	m.startOnce.Do(func() {
		m.setState(StateClosed)
		close(m.done)
	})
	<-m.done
}

func (m *Manager) run() {
	defer close(m.done)
	defer m.setState(StateClosed)

	for {
		m.setState(StateConnecting)
		link, err := m.dialOnce()
		if err == nil {
			m.connected(link)
			select {
			case <-link.Done():
				m.logger.Info("link lost")
				m.mu.Lock()
				m.link = nil
				m.mu.Unlock()
			case <-m.ctx.Done():
				return
			}
		} else if m.ctx.Err() != nil {
			return
		}

		delay, ok := m.backoff.Next()
		if !ok {
			m.logger.Warn("giving up", "attempts", m.backoff.Attempts(), "error", err)
			m.mu.Lock()
			m.lastErr = errors.Join(ErrAttemptsExhausted, m.lastErr)
			m.mu.Unlock()
			return
		}
		m.setState(StateBackoff)
		m.notifyBackoff(delay, err)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-m.ctx.Done():
			t.Stop()
			return
		}
	}
}

func (m *Manager) dialOnce() (Link, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	defer cancel()

	link, err := m.dial(ctx)
	if err != nil {
		m.logger.Debug("dial failed", "error", err)
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		return nil, err
	}
	return link, nil
}

func (m *Manager) connected(link Link) {
	m.backoff.Reset()
	m.mu.Lock()
	m.link = link
	m.lastErr = nil
	fn := m.onConnected
	m.mu.Unlock()

	m.setState(StateConnected)
	m.logger.Info("link established")
	if fn != nil {
		fn(link)
	}
}

func (m *Manager) notifyBackoff(delay time.Duration, err error) {
	m.mu.RLock()
	fn := m.onBackoff
	m.mu.RUnlock()
	m.logger.Debug("redial scheduled", "attempt", m.backoff.Attempts(), "delay", delay)
	if fn != nil {
		fn(m.backoff.Attempts(), delay, err)
	}
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	old := m.state
	m.state = state
	fn := m.onStateChange
	m.mu.Unlock()

	if old != state && fn != nil {
		fn(old, state)
	}
}
