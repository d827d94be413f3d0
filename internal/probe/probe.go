// Package probe detects whether the host's cloud storage is usable. The
// host wires CloudStorage on its own schedule after launch, so the probe
// polls a bounded number of times and settles into a terminal state.
package probe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/klyro-app/klyro-sync/internal/cloud"
	"github.com/klyro-app/klyro-sync/internal/metrics"
)

const (
	// DefaultInterval is the wait between capability checks.
	DefaultInterval = 300 * time.Millisecond

	// DefaultMaxAttempts bounds the number of capability checks.
	DefaultMaxAttempts = 10
)

// State is the readiness of the remote tier.
type State int32

const (
	Initializing State = iota
	Ready
	Unavailable
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Ready || s == Unavailable
}

// Clock abstracts timer creation so tests can drive polling.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config controls polling.
type Config struct {
	Interval    time.Duration
	MaxAttempts int

	// Clock defaults to the wall clock.
	Clock Clock

	// OnReady fires once when the remote tier becomes usable. It does not
	// fire for local-only readiness.
	OnReady func()
}

// Probe tracks remote readiness for one session.
type Probe struct {
	host   cloud.Host
	cfg    Config
	logger *slog.Logger

	start sync.Once
	done  chan struct{}

	mu        sync.RWMutex
	state     State
	localOnly bool
	remote    cloud.Storage
}

// New creates a probe for host. A nil host means the process runs outside
// Telegram and the probe will settle on local-only readiness.
func New(host cloud.Host, cfg Config, logger *slog.Logger) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}

	return &Probe{
		host:   host,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start begins detection. Without a host it settles synchronously before
// returning; otherwise polling runs in its own goroutine. Only the first
// call has any effect.
func (p *Probe) Start(ctx context.Context) {
	p.start.Do(func() {
		metrics.ProbeState.Set(float64(Initializing))

		if p.host == nil {
			p.logger.Info("no telegram host, using local storage only")
			p.settle(Ready, true, nil)

			return
		}

		go p.poll(ctx)
	})
}

func (p *Probe) poll(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		metrics.ProbeAttempts.Inc()

		if s := p.check(); s != nil {
			p.logger.Info("cloud storage ready", slog.Int("attempt", attempt))
			p.settle(Ready, false, s)

			return
		}

		if attempt >= p.cfg.MaxAttempts {
			p.logger.Warn("cloud storage not available, continuing with local storage",
				slog.Int("attempts", attempt),
			)
			p.settle(Unavailable, false, nil)

			return
		}

		p.logger.Debug("cloud storage not ready yet", slog.Int("attempt", attempt))

		select {
		case <-ctx.Done():
			p.logger.Debug("cloud probe cancelled", slog.Int("attempt", attempt))
			p.settle(Unavailable, false, nil)

			return
		case <-p.cfg.Clock.After(p.cfg.Interval):
		}
	}
}

// check returns the storage handle when it exists and both its read and
// write entry points are wired.
func (p *Probe) check() cloud.Storage {
	s := p.host.CloudStorage()
	if s == nil {
		return nil
	}

	if !s.Supports(cloud.MethodGet) || !s.Supports(cloud.MethodSave) {
		return nil
	}

	return s
}

func (p *Probe) settle(state State, localOnly bool, remote cloud.Storage) {
	p.mu.Lock()
	p.state = state
	p.localOnly = localOnly
	p.remote = remote
	p.mu.Unlock()

	metrics.ProbeState.Set(float64(state))
	close(p.done)

	if state == Ready && !localOnly && p.cfg.OnReady != nil {
		p.cfg.OnReady()
	}
}

// State returns the current readiness state.
func (p *Probe) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.state
}

// LocalOnly reports degraded readiness: Ready, but with no remote tier.
func (p *Probe) LocalOnly() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.localOnly
}

// Remote returns the cloud storage handle. The boolean is true only for
// real (not degraded) readiness.
func (p *Probe) Remote() (cloud.Storage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.state != Ready || p.localOnly || p.remote == nil {
		return nil, false
	}

	return p.remote, true
}

// Done is closed once the probe reaches a terminal state.
func (p *Probe) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the probe settles or ctx ends, and returns the state
// observed at that point.
func (p *Probe) Wait(ctx context.Context) State {
	select {
	case <-p.done:
	case <-ctx.Done():
	}

	return p.State()
}
