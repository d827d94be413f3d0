// Package storage is the dual-tier key/value store. Writes land in the
// local tier before returning and are mirrored to the cloud tier in the
// background. Reads prefer the cloud tier, bounded by a timeout, and fall
// back to the local tier.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/klyro-app/klyro-sync/internal/cloud"
	"github.com/klyro-app/klyro-sync/internal/metrics"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	// DefaultReadTimeout bounds a remote read before falling back.
	DefaultReadTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds a single background remote write or
	// delete.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultQueueSize is the number of remote operations that can wait
	// for the worker before new ones are dropped.
	DefaultQueueSize = 256
)

var (
	errQueueFull      = errors.New("remote queue full")
	errRemoteNotReady = errors.New("cloud storage not ready")
	errStoreClosed    = errors.New("store closed")
)

// Local is the local tier. *state.State satisfies it.
type Local interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// RemoteSource hands out the cloud tier once it is usable. *probe.Probe
// satisfies it; the boolean is false while the tier is initializing,
// unavailable or running in local-only mode.
type RemoteSource interface {
	Remote() (cloud.Storage, bool)
}

// Identity supplies the current user id for key scoping. The store only
// reads it.
type Identity interface {
	UserID() string
}

// Options tunes a Store. Zero values select the defaults.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	QueueSize    int

	// OnDegrade is called for every remote failure the store absorbs. It
	// runs on the goroutine that hit the failure and must not block.
	OnDegrade func(*RemoteError)
}

type remoteOp struct {
	op    string
	key   string
	value string

	// barrier, when set, is closed by the worker instead of running an op.
	barrier chan struct{}
}

// Store is the dual-tier store for one session.
type Store struct {
	local    Local
	remote   RemoteSource
	identity Identity
	opts     Options
	logger   *slog.Logger

	queue  chan remoteOp
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New creates a store and starts its remote worker. remote and identity
// may be nil for a store that only ever uses the local tier.
func New(local Local, remote RemoteSource, identity Identity, opts Options, logger *slog.Logger) *Store {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Store{
		local:    local,
		remote:   remote,
		identity: identity,
		opts:     opts,
		logger:   logger,
		queue:    make(chan remoteOp, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.wg.Add(1)

	go s.worker()

	return s
}

// Key returns the physical key logicalKey maps to for the current user.
func (s *Store) Key(logicalKey string) string {
	userID := ""
	if s.identity != nil {
		userID = s.identity.UserID()
	}

	return ResolveKey(logicalKey, userID)
}

func (s *Store) cloud() (cloud.Storage, bool) {
	if s.remote == nil {
		return nil, false
	}

	return s.remote.Remote()
}

// Write stores value under key. The local write completes before Write
// returns and is the only failure reported, as *LocalPersistenceError.
// When the cloud tier is ready the value is queued for it as well.
func (s *Store) Write(ctx context.Context, key, value string) error {
	scoped := s.Key(key)

	if err := s.local.Set(scoped, value); err != nil {
		metrics.LocalWriteFailures.Inc()
		s.logger.ErrorContext(ctx, "local write failed",
			slog.String("key", scoped),
			slog.String("error", err.Error()),
		)

		return &LocalPersistenceError{Key: scoped, Err: err}
	}

	s.logger.DebugContext(ctx, "stored locally",
		slog.String("key", scoped),
		slog.Int("bytes", len(value)),
	)

	if _, ok := s.cloud(); ok {
		s.enqueue(remoteOp{op: OpWrite, key: scoped, value: value})
	}

	return nil
}

// Read returns the value for key. A ready cloud tier is asked first; its
// value wins and is mirrored locally. A cloud timeout, error or miss
// falls back to the local tier. Cloud failures are never returned.
func (s *Store) Read(ctx context.Context, key string) (string, bool, error) {
	scoped := s.Key(key)

	if remote, ok := s.cloud(); ok {
		value, found, err := s.remoteGet(ctx, remote, scoped)

		switch {
		case err != nil:
			metrics.RemoteReads.WithLabelValues("fallback").Inc()
			s.degrade(&RemoteError{Op: OpRead, Key: scoped, Err: err})
		case found:
			metrics.RemoteReads.WithLabelValues("hit").Inc()

			if err := s.local.Set(scoped, value); err != nil {
				s.logger.WarnContext(ctx, "mirroring cloud value locally failed",
					slog.String("key", scoped),
					slog.String("error", err.Error()),
				)
			}

			return value, true, nil
		default:
			metrics.RemoteReads.WithLabelValues("miss").Inc()
		}
	}

	return s.readLocal(scoped)
}

// remoteGet races the cloud read against the read timeout, so a handle
// that ignores its context still cannot hold the caller past it.
func (s *Store) remoteGet(ctx context.Context, remote cloud.Storage, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	defer cancel()

	type result struct {
		value string
		found bool
		err   error
	}

	ch := make(chan result, 1)

	go func() {
		v, found, err := remote.GetItem(ctx, key)
		ch <- result{v, found, err}
	}()

	select {
	case r := <-ch:
		return r.value, r.found, r.err
	case <-ctx.Done():
		return "", false, fmt.Errorf("cloud read timed out: %w", ctx.Err())
	}
}

// ReadSync returns the local tier's value for key without consulting the
// cloud tier.
func (s *Store) ReadSync(key string) (string, bool, error) {
	return s.readLocal(s.Key(key))
}

func (s *Store) readLocal(scoped string) (string, bool, error) {
	value, found, err := s.local.Get(scoped)
	if err != nil {
		return "", false, fmt.Errorf("reading %q from local storage: %w", scoped, err)
	}

	return value, found, nil
}

// Remove deletes key from the local tier and queues a cloud delete when
// the cloud tier is ready.
func (s *Store) Remove(ctx context.Context, key string) error {
	scoped := s.Key(key)

	if err := s.local.Delete(scoped); err != nil {
		return fmt.Errorf("removing %q from local storage: %w", scoped, err)
	}

	s.logger.DebugContext(ctx, "removed locally", slog.String("key", scoped))

	if remote, ok := s.cloud(); ok && remote.Supports(cloud.MethodDelete) {
		s.enqueue(remoteOp{op: OpRemove, key: scoped})
	}

	return nil
}

func (s *Store) enqueue(op remoteOp) {
	select {
	case s.queue <- op:
		metrics.RemoteQueueDepth.Inc()
	default:
		s.degrade(&RemoteError{Op: op.op, Key: op.key, Err: errQueueFull})
	}
}

// worker applies queued cloud operations one at a time in FIFO order.
func (s *Store) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case op := <-s.queue:
			if op.barrier != nil {
				close(op.barrier)
				continue
			}

			metrics.RemoteQueueDepth.Dec()
			s.apply(op)
		}
	}
}

func (s *Store) apply(op remoteOp) {
	remote, ok := s.cloud()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.WriteTimeout)
	defer cancel()

	var err error

	switch op.op {
	case OpWrite:
		err = remote.SetItem(ctx, op.key, op.value)
	case OpRemove:
		err = remote.RemoveItem(ctx, op.key)
	}

	if err != nil {
		s.degrade(&RemoteError{Op: op.op, Key: op.key, Err: err})
		return
	}

	s.logger.Debug("synced to cloud", slog.String("op", op.op), slog.String("key", op.key))
}

func (s *Store) degrade(err *RemoteError) {
	metrics.RemoteDegradations.WithLabelValues(err.Op).Inc()
	s.logger.Warn("cloud storage degraded, continuing with local copy",
		slog.String("op", err.Op),
		slog.String("key", err.Key),
		slog.String("error", err.Err.Error()),
	)

	if s.opts.OnDegrade != nil {
		s.opts.OnDegrade(err)
	}
}

// Flush blocks until every cloud operation queued before the call has
// been attempted, or ctx ends.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan struct{})

	select {
	case s.queue <- remoteOp{barrier: done}:
	case <-s.ctx.Done():
		return errStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-s.ctx.Done():
		return errStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker. Queued cloud operations that have not started
// are dropped; the local tier already holds their values.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		metrics.RemoteQueueDepth.Set(0)
	})
}

// Comparison is the local and cloud copies of one key.
type Comparison struct {
	Key         string
	Local       string
	LocalFound  bool
	Remote      string
	RemoteFound bool
	Diffs       []diffmatchpatch.Diff
}

// Equal reports whether both tiers hold the same value.
func (c *Comparison) Equal() bool {
	return c.LocalFound == c.RemoteFound && c.Local == c.Remote
}

// Pretty renders the diff from the local copy to the cloud copy.
func (c *Comparison) Pretty() string {
	return diffmatchpatch.New().DiffPrettyText(c.Diffs)
}

// Patch renders the diff as a patch that turns the local copy into the
// cloud copy.
func (c *Comparison) Patch() string {
	dmp := diffmatchpatch.New()
	return dmp.PatchToText(dmp.PatchMake(c.Local, c.Diffs))
}

// Compare reads key from both tiers without mirroring and diffs them. It
// fails when the cloud tier is not ready or the cloud read fails.
func (s *Store) Compare(ctx context.Context, key string) (*Comparison, error) {
	scoped := s.Key(key)

	remote, ok := s.cloud()
	if !ok {
		return nil, &RemoteError{Op: OpRead, Key: scoped, Err: errRemoteNotReady}
	}

	local, localFound, err := s.readLocal(scoped)
	if err != nil {
		return nil, err
	}

	value, remoteFound, err := s.remoteGet(ctx, remote, scoped)
	if err != nil {
		return nil, &RemoteError{Op: OpRead, Key: scoped, Err: err}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(local, value, true)
	diffs = dmp.DiffCleanupSemantic(diffs)

	return &Comparison{
		Key:         scoped,
		Local:       local,
		LocalFound:  localFound,
		Remote:      value,
		RemoteFound: remoteFound,
		Diffs:       diffs,
	}, nil
}
