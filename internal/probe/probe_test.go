package probe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klyro-app/klyro-sync/internal/cloud"
	"github.com/klyro-app/klyro-sync/internal/cloud/cloudmock"
	"github.com/klyro-app/klyro-sync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// manualClock fires a timer only when the test ticks it.
type manualClock struct {
	mu      sync.Mutex
	waiters []chan time.Time
	waiting chan struct{}
}

func newManualClock() *manualClock {
	return &manualClock{waiting: make(chan struct{}, 64)}
}

func (c *manualClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)

	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	c.waiting <- struct{}{}

	return ch
}

// tick waits for the probe to arm a timer, then fires it.
func (c *manualClock) tick(t *testing.T) {
	t.Helper()

	select {
	case <-c.waiting:
	case <-time.After(2 * time.Second):
		t.Fatal("probe never armed a timer")
	}

	c.mu.Lock()
	ch := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.mu.Unlock()

	ch <- time.Now()
}

// lateHost exposes a storage handle only after a number of calls.
type lateHost struct {
	calls   atomic.Int32
	readyAt int32
	storage cloud.Storage
}

func (h *lateHost) CloudStorage() cloud.Storage {
	if h.calls.Add(1) < h.readyAt {
		return nil
	}

	return h.storage
}

type wiredStorage struct {
	cloud.Storage
	wired bool
}

func (s wiredStorage) Supports(string) bool { return s.wired }

func waitDone(t *testing.T, p *Probe) {
	t.Helper()

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("probe did not settle")
	}
}

func TestStart_NoHostIsLocalOnlyReady(t *testing.T) {
	fired := false
	p := New(nil, Config{OnReady: func() { fired = true }}, logging.Discard())

	p.Start(context.Background())

	// Settles synchronously.
	select {
	case <-p.Done():
	default:
		t.Fatal("probe without host should settle before Start returns")
	}

	assert.Equal(t, Ready, p.State())
	assert.True(t, p.LocalOnly())
	assert.False(t, fired, "OnReady is for the remote tier")

	_, ok := p.Remote()
	assert.False(t, ok)
}

func TestStart_ReadyOnFirstAttempt(t *testing.T) {
	ctrl := gomock.NewController(t)
	storage := cloudmock.NewMockStorage(ctrl)
	host := cloudmock.NewMockHost(ctrl)

	host.EXPECT().CloudStorage().Return(storage)
	storage.EXPECT().Supports(cloud.MethodGet).Return(true)
	storage.EXPECT().Supports(cloud.MethodSave).Return(true)

	var fired atomic.Int32
	p := New(host, Config{OnReady: func() { fired.Add(1) }}, logging.Discard())

	p.Start(context.Background())
	waitDone(t, p)

	assert.Equal(t, Ready, p.State())
	assert.False(t, p.LocalOnly())
	assert.Equal(t, int32(1), fired.Load())

	remote, ok := p.Remote()
	require.True(t, ok)
	assert.Equal(t, storage, remote)
}

func TestStart_ReadyAfterHandleAppears(t *testing.T) {
	clock := newManualClock()
	host := &lateHost{readyAt: 4, storage: wiredStorage{wired: true}}

	var fired atomic.Int32
	p := New(host, Config{Clock: clock, OnReady: func() { fired.Add(1) }}, logging.Discard())
	p.Start(context.Background())

	for range 3 {
		assert.Equal(t, Initializing, p.State())
		clock.tick(t)
	}

	waitDone(t, p)
	assert.Equal(t, Ready, p.State())
	assert.Equal(t, int32(4), host.calls.Load())
	assert.Equal(t, int32(1), fired.Load())
}

func TestStart_HandleWithoutMethodsIsNotReady(t *testing.T) {
	clock := newManualClock()
	host := &lateHost{readyAt: 1, storage: wiredStorage{wired: false}}

	p := New(host, Config{Clock: clock, MaxAttempts: 3}, logging.Discard())
	p.Start(context.Background())

	clock.tick(t)
	clock.tick(t)

	waitDone(t, p)
	assert.Equal(t, Unavailable, p.State())
	assert.Equal(t, int32(3), host.calls.Load())

	_, ok := p.Remote()
	assert.False(t, ok)
}

func TestStart_UnavailableAfterMaxAttempts(t *testing.T) {
	clock := newManualClock()
	host := &lateHost{readyAt: 1 << 30}

	fired := false
	p := New(host, Config{Clock: clock, OnReady: func() { fired = true }}, logging.Discard())
	p.Start(context.Background())

	for range DefaultMaxAttempts - 1 {
		clock.tick(t)
	}

	waitDone(t, p)
	assert.Equal(t, Unavailable, p.State())
	assert.False(t, p.LocalOnly())
	assert.Equal(t, int32(DefaultMaxAttempts), host.calls.Load())
	assert.False(t, fired)
}

func TestStart_BoundedWithRealClock(t *testing.T) {
	host := &lateHost{readyAt: 1 << 30}
	p := New(host, Config{Interval: 10 * time.Millisecond}, logging.Discard())

	start := time.Now()
	p.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Equal(t, Unavailable, p.Wait(ctx))
	// Ten attempts means nine waits.
	assert.Less(t, time.Since(start), time.Second)
}

func TestStart_OnlyFirstCallCounts(t *testing.T) {
	ctrl := gomock.NewController(t)
	storage := cloudmock.NewMockStorage(ctrl)
	host := cloudmock.NewMockHost(ctrl)

	host.EXPECT().CloudStorage().Return(storage).Times(1)
	storage.EXPECT().Supports(gomock.Any()).Return(true).Times(2)

	var fired atomic.Int32
	p := New(host, Config{OnReady: func() { fired.Add(1) }}, logging.Discard())

	p.Start(context.Background())
	p.Start(context.Background())
	waitDone(t, p)
	p.Start(context.Background())

	assert.Equal(t, int32(1), fired.Load())
}

func TestStart_CancelledContextSettlesUnavailable(t *testing.T) {
	clock := newManualClock()
	host := &lateHost{readyAt: 1 << 30}

	ctx, cancel := context.WithCancel(context.Background())
	p := New(host, Config{Clock: clock}, logging.Discard())
	p.Start(ctx)

	<-clock.waiting
	cancel()

	waitDone(t, p)
	assert.Equal(t, Unavailable, p.State())
}

func TestWait_ContextEndsFirst(t *testing.T) {
	clock := newManualClock()
	p := New(&lateHost{readyAt: 1 << 30}, Config{Clock: clock}, logging.Discard())
	p.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, Initializing, p.Wait(ctx))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "initializing", Initializing.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "unavailable", Unavailable.String())
	assert.Equal(t, "unknown", State(9).String())

	assert.False(t, Initializing.Terminal())
	assert.True(t, Ready.Terminal())
	assert.True(t, Unavailable.Terminal())
}
