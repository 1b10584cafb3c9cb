package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		Initial: time.Second,
		Max:     10 * time.Second,
		Jitter:  -1,
	})

	want := []time.Duration{1, 2, 4, 8, 10, 10}
	for i, w := range want {
		delay, ok := b.Next()
		require.True(t, ok)
		assert.Equal(t, w*time.Second, delay, "attempt %d", i)
	}
	assert.Equal(t, len(want), b.Attempts())

	b.Reset()
	assert.Equal(t, time.Second, b.Current())
	assert.Equal(t, 0, b.Attempts())
}

func TestBackoffJitter(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Second, Jitter: 0.25})

	seen := make(map[time.Duration]bool)
	for range 20 {
		b.Reset()
		delay, ok := b.Next()
		require.True(t, ok)
		assert.GreaterOrEqual(t, delay, time.Second)
		assert.LessOrEqual(t, delay, 1250*time.Millisecond)
		seen[delay] = true
	}
	assert.Greater(t, len(seen), 1, "jitter should vary")
}

func TestBackoffMaxAttempts(t *testing.T) {
	b := NewBackoff(BackoffConfig{MaxAttempts: 2})
	_, ok := b.Next()
	assert.True(t, ok)
	_, ok = b.Next()
	assert.True(t, ok)
	_, ok = b.Next()
	assert.False(t, ok)
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(BackoffConfig{})
	assert.Equal(t, DefaultInitialBackoff, b.Current())
	assert.Equal(t, DefaultMaxBackoff, b.cfg.Max)
	assert.Equal(t, DefaultBackoffMultiplier, b.cfg.Multiplier)
	assert.Equal(t, DefaultJitter, b.cfg.Jitter)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "IDLE"},
		{StateConnecting, "CONNECTING"},
		{StateConnected, "CONNECTED"},
		{StateBackoff, "BACKOFF"},
		{StateClosed, "CLOSED"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

type testLink struct {
	done chan struct{}
	once sync.Once
}

func newTestLink() *testLink { return &testLink{done: make(chan struct{})} }

func (l *testLink) Done() <-chan struct{} { return l.done }

func (l *testLink) drop() { l.once.Do(func() { close(l.done) }) }

func fastBackoff() BackoffConfig {
	return BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond, Jitter: -1}
}

func TestManagerRetriesUntilConnected(t *testing.T) {
	var calls atomic.Int32
	link := newTestLink()
	m := NewManager(func(ctx context.Context) (Link, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("refused")
		}
		return link, nil
	}, ManagerConfig{Backoff: fastBackoff()})

	connected := make(chan Link, 1)
	m.OnConnected(func(l Link) { connected <- l })
	m.Start()
	defer m.Close()

	select {
	case l := <-connected:
		assert.Same(t, link, l)
	case <-time.After(2 * time.Second):
		t.Fatal("not connected")
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 0, m.Attempts())
	assert.NoError(t, m.LastError())
}

func TestManagerRedialsAfterLinkLoss(t *testing.T) {
	links := make(chan *testLink, 4)
	m := NewManager(func(ctx context.Context) (Link, error) {
		l := newTestLink()
		links <- l
		return l, nil
	}, ManagerConfig{Backoff: fastBackoff()})
	m.Start()
	defer m.Close()

	first := <-links
	first.drop()

	select {
	case second := <-links:
		assert.NotSame(t, first, second)
	case <-time.After(2 * time.Second):
		t.Fatal("no redial after link loss")
	}
}

func TestManagerGivesUp(t *testing.T) {
	dialErr := errors.New("unreachable")
	cfg := fastBackoff()
	cfg.MaxAttempts = 2
	var calls atomic.Int32
	m := NewManager(func(ctx context.Context) (Link, error) {
		calls.Add(1)
		return nil, dialErr
	}, ManagerConfig{Backoff: cfg})
	m.Start()

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, StateClosed, m.State())
	assert.ErrorIs(t, m.LastError(), ErrAttemptsExhausted)
	assert.ErrorIs(t, m.LastError(), dialErr)
}

func TestManagerCloseCancelsDial(t *testing.T) {
	started := make(chan struct{})
	m := NewManager(func(ctx context.Context) (Link, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, ManagerConfig{})

	var transitions []State
	var mu sync.Mutex
	m.OnStateChange(func(_, newState State) {
		mu.Lock()
		transitions = append(transitions, newState)
		mu.Unlock()
	})
	m.Start()
	<-started
	m.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateClosed}, transitions)
}

func TestManagerCloseWithoutStart(t *testing.T) {
	m := NewManager(func(ctx context.Context) (Link, error) {
		t.Fatal("dial called")
		return nil, nil
	}, ManagerConfig{})
	m.Close()
	m.Start()
	assert.Equal(t, StateClosed, m.State())
}

func TestManagerBackoffCallback(t *testing.T) {
	dialErr := errors.New("refused")
	type call struct {
		attempt int
		err     error
	}
	calls := make(chan call, 8)
	m := NewManager(func(ctx context.Context) (Link, error) {
		return nil, dialErr
	}, ManagerConfig{Backoff: fastBackoff()})
	m.OnBackoff(func(attempt int, _ time.Duration, err error) {
		select {
		case calls <- call{attempt, err}:
		default:
		}
	})
	m.Start()
	defer m.Close()

	c := <-calls
	assert.Equal(t, 1, c.attempt)
	assert.ErrorIs(t, c.err, dialErr)
}
