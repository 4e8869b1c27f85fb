package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/berfenger/winet2mqtt/internal/core/port"
	"github.com/berfenger/winet2mqtt/pkg/telemetry"
	"github.com/berfenger/winet2mqtt/pkg/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultEscalationThreshold = 3
	DefaultRetryPrimaryEvery   = 10
	DefaultLocalInterval       = 30 * time.Second
	DefaultCloudInterval       = 300 * time.Second
	DefaultTimeout             = 10 * time.Second
)

var (
	ErrCycleInProgress     = errors.New("acquisition cycle already in progress")
	ErrSnapshotUnavailable = errors.New("no snapshot available")
	ErrEmptySnapshot       = errors.New("transport returned no readings")
	ErrCoordinatorClosed   = errors.New("coordinator closed")
)

type TransportStatus string

const (
	StatusActive    TransportStatus = "active"
	StatusDegraded  TransportStatus = "degraded"
	StatusExhausted TransportStatus = "exhausted"
)

type Mode string

const (
	ModeUsingTransport Mode = "using_transport"
	ModeAllExhausted   Mode = "all_exhausted"
)

type TransportState struct {
	Identity            string              `json:"identity"`
	Class               port.TransportClass `json:"class"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	TotalFailures       uint64              `json:"total_failures"`
	TotalSuccesses      uint64              `json:"total_successes"`
	Status              TransportStatus     `json:"status"`
	LastErrorKind       transport.Kind      `json:"last_error_kind,omitempty"`
	LastError           string              `json:"last_error,omitempty"`
	LastSuccess         *time.Time          `json:"last_success,omitempty"`
}

func freshState(t port.Transport) TransportState {
	return TransportState{
		Identity: t.Identity(),
		Class:    t.Class(),
		Status:   StatusActive,
	}
}

// SnapshotView is what consumers see: the last published snapshot and
// whether it is still current.
type SnapshotView struct {
	Snapshot telemetry.Snapshot
	Stale    bool
	Mode     Mode
}

type Status struct {
	Mode             Mode             `json:"mode"`
	CurrentIndex     int              `json:"current_index"`
	CurrentTransport string           `json:"current_transport"`
	Cycles           uint64           `json:"cycles"`
	Transports       []TransportState `json:"transports"`
}

type Options struct {
	EscalationThreshold int
	// RetryPrimaryEvery makes every Nth cycle try the first transport of the
	// chain while a fallback is in use. Negative disables it; 1 would never
	// poll the fallback.
	RetryPrimaryEvery int
	LocalInterval     time.Duration
	CloudInterval     time.Duration
	// Timeouts holds per-transport call timeouts by identity
	Timeouts       map[string]time.Duration
	DefaultTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.EscalationThreshold <= 0 {
		o.EscalationThreshold = DefaultEscalationThreshold
	}
	if o.RetryPrimaryEvery == 0 {
		o.RetryPrimaryEvery = DefaultRetryPrimaryEvery
	}
	if o.LocalInterval <= 0 {
		o.LocalInterval = DefaultLocalInterval
	}
	if o.CloudInterval <= 0 {
		o.CloudInterval = DefaultCloudInterval
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = DefaultTimeout
	}
	return o
}

// Coordinator polls one transport of the fallback chain per cycle, counts
// failures, escalates down the chain and publishes snapshots.
type Coordinator struct {
	cycleMu sync.Mutex
	closed  atomic.Bool

	// mu guards the fields below; they only change inside a cycle
	mu           sync.RWMutex
	chain        []port.Transport
	states       []TransportState
	current      int
	allExhausted bool
	cycles       uint64

	published atomic.Pointer[SnapshotView]

	subMu       sync.RWMutex
	subscribers []func(telemetry.Snapshot)

	opts    Options
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time
}

var _ port.AcquisitionCoordinator = (*Coordinator)(nil)

func NewCoordinator(chain []port.Transport, opts Options, metrics *Metrics, logger *zap.Logger) (*Coordinator, error) {
	if len(chain) == 0 {
		return nil, errors.New("fallback chain is empty")
	}
	seen := map[string]bool{}
	states := make([]TransportState, len(chain))
	for i, t := range chain {
		if seen[t.Identity()] {
			return nil, fmt.Errorf("transport %s appears twice in the fallback chain", t.Identity())
		}
		seen[t.Identity()] = true
		states[i] = freshState(t)
	}
	c := &Coordinator{
		chain:   chain,
		states:  states,
		opts:    opts.withDefaults(),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
	for i := range states {
		metrics.transportState(states[i], i == 0)
	}
	return c, nil
}

// Subscribe registers fn to be called once per successful cycle.
func (c *Coordinator) Subscribe(fn func(telemetry.Snapshot)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// RunCycle runs exactly one poll cycle. Transport errors never escape: they
// end up in the result. The only errors returned are ErrCycleInProgress and
// ErrCoordinatorClosed.
func (c *Coordinator) RunCycle(ctx context.Context) (port.CycleResult, error) {
	if !c.cycleMu.TryLock() {
		return port.CycleResult{}, ErrCycleInProgress
	}
	defer c.cycleMu.Unlock()
	if c.closed.Load() {
		return port.CycleResult{}, ErrCoordinatorClosed
	}

	c.mu.Lock()
	c.cycles++
	idx, retry := c.pick(c.cycles)
	c.mu.Unlock()

	t := c.chain[idx]
	result := port.CycleResult{
		ID:           uuid.NewString(),
		Transport:    t.Identity(),
		Index:        idx,
		PrimaryRetry: retry,
	}
	logger := c.logger.With(zap.String("cycle_id", result.ID), zap.String("transport", t.Identity()))
	logger.Debug("coordinator: cycle start", zap.Int("index", idx), zap.Bool("retry", retry))

	start := c.now()
	snap, err := c.fetch(ctx, t)
	result.Duration = c.now().Sub(start)

	if err == nil {
		result.Success = true
		result.Snapshot = &snap
		result.Recovered = c.onSuccess(idx, retry)
		c.publish(snap)
		logger.Debug("coordinator: cycle success", zap.Int("readings", len(snap.Readings)), zap.Duration("took", result.Duration))
		if result.Recovered {
			logger.Info("coordinator: recovered primary transport")
		}
		c.notify(snap)
	} else {
		result.Error = err
		result.Escalated = c.onFailure(idx, retry, err, logger)
		result.Stale = c.markStale()
	}
	result.AllExhausted = c.Mode() == ModeAllExhausted
	c.metrics.cycle(t.Identity(), result.Success)
	return result, nil
}

// pick selects the transport index for cycle n.
func (c *Coordinator) pick(n uint64) (int, bool) {
	if c.current > 0 && c.opts.RetryPrimaryEvery > 0 && n%uint64(c.opts.RetryPrimaryEvery) == 0 {
		return 0, true
	}
	return c.current, false
}

func (c *Coordinator) timeoutFor(t port.Transport) time.Duration {
	if d, ok := c.opts.Timeouts[t.Identity()]; ok && d > 0 {
		return d
	}
	return c.opts.DefaultTimeout
}

func (c *Coordinator) fetch(ctx context.Context, t port.Transport) (snap telemetry.Snapshot, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeoutFor(t))
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport %s panicked: %v", t.Identity(), r)
		}
	}()

	snap, err = t.FetchSnapshot(ctx)
	if err == nil && snap.IsEmpty() {
		err = &transport.ParseError{Err: ErrEmptySnapshot}
	}
	if err != nil && ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		err = errors.Join(ctx.Err(), err)
	}
	return snap, err
}

func (c *Coordinator) onSuccess(idx int, retry bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := &c.states[idx]
	st.ConsecutiveFailures = 0
	st.TotalSuccesses++
	st.Status = StatusActive
	now := c.now()
	st.LastSuccess = &now

	recovered := false
	if retry && c.current != 0 {
		// lower priority transports start over next time they are needed
		for i := 1; i < len(c.states); i++ {
			c.states[i] = freshState(c.chain[i])
		}
		c.current = 0
		recovered = true
	}
	if idx == c.current {
		c.allExhausted = false
	}
	c.updateMetrics()
	return recovered
}

func (c *Coordinator) onFailure(idx int, retry bool, err error, logger *zap.Logger) bool {
	kind := transport.Classify(err)
	c.metrics.failure(c.chain[idx].Identity(), kind)

	switch kind {
	case transport.KindDecode:
		logger.Error("coordinator: decode failure, register table does not match the payload", zap.Error(err))
	case transport.KindAuth:
		logger.Warn("coordinator: authentication failure, token dropped", zap.Error(err))
	default:
		logger.Warn("coordinator: cycle failed", zap.String("kind", string(kind)), zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st := &c.states[idx]
	st.ConsecutiveFailures++
	st.TotalFailures++
	st.LastError = err.Error()
	st.LastErrorKind = kind

	last := len(c.chain) - 1
	reached := st.ConsecutiveFailures >= c.opts.EscalationThreshold
	switch {
	case len(c.chain) == 1 || !reached:
		st.Status = StatusDegraded
	default:
		st.Status = StatusExhausted
	}

	escalated := false
	if !retry && reached {
		if idx < last {
			c.current = idx + 1
			c.states[c.current] = freshState(c.chain[c.current])
			escalated = true
			logger.Warn("coordinator: escalating to next transport",
				zap.String("next", c.chain[c.current].Identity()),
				zap.Int("failures", st.ConsecutiveFailures))
		} else if len(c.chain) > 1 {
			if !c.allExhausted {
				logger.Error("coordinator: all transports exhausted")
			}
			c.allExhausted = true
		}
	}
	c.updateMetrics()
	return escalated
}

func (c *Coordinator) updateMetrics() {
	for i := range c.states {
		c.metrics.transportState(c.states[i], i == c.current)
	}
}

func (c *Coordinator) publish(snap telemetry.Snapshot) {
	c.published.Store(&SnapshotView{
		Snapshot: snap,
		Stale:    false,
		Mode:     c.Mode(),
	})
	c.metrics.setStale(false)
}

// markStale flags the published snapshot as stale, returning whether there
// was one.
func (c *Coordinator) markStale() bool {
	prev := c.published.Load()
	if prev == nil {
		return false
	}
	c.published.Store(&SnapshotView{
		Snapshot: prev.Snapshot,
		Stale:    true,
		Mode:     c.Mode(),
	})
	c.metrics.setStale(true)
	return true
}

func (c *Coordinator) notify(snap telemetry.Snapshot) {
	c.subMu.RLock()
	subs := make([]func(telemetry.Snapshot), len(c.subscribers))
	copy(subs, c.subscribers)
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(snap)
	}
}

// CurrentSnapshot returns the last published snapshot, possibly stale.
func (c *Coordinator) CurrentSnapshot() (SnapshotView, error) {
	view := c.published.Load()
	if view == nil {
		return SnapshotView{}, ErrSnapshotUnavailable
	}
	return *view, nil
}

func (c *Coordinator) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.allExhausted {
		return ModeAllExhausted
	}
	return ModeUsingTransport
}

func (c *Coordinator) CurrentIndex() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Coordinator) States() []TransportState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TransportState, len(c.states))
	copy(out, c.states)
	return out
}

func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	states := make([]TransportState, len(c.states))
	copy(states, c.states)
	mode := ModeUsingTransport
	if c.allExhausted {
		mode = ModeAllExhausted
	}
	return Status{
		Mode:             mode,
		CurrentIndex:     c.current,
		CurrentTransport: c.chain[c.current].Identity(),
		Cycles:           c.cycles,
		Transports:       states,
	}
}

// NextInterval is the delay before the next cycle, based on the class of the
// transport that cycle will use.
func (c *Coordinator) NextInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, _ := c.pick(c.cycles + 1)
	if c.chain[idx].Class() == port.TransportClassCloud {
		return c.opts.CloudInterval
	}
	return c.opts.LocalInterval
}

// Connect warms up the first transport. Failures are only logged; the first
// cycle deals with them.
func (c *Coordinator) Connect(ctx context.Context) {
	if c.closed.Load() {
		return
	}
	t := c.chain[0]
	ctx, cancel := context.WithTimeout(ctx, c.timeoutFor(t))
	defer cancel()
	if err := t.Connect(ctx); err != nil {
		c.logger.Warn("coordinator: initial connection failed", zap.String("transport", t.Identity()), zap.Error(err))
		return
	}
	c.logger.Info("coordinator: connected", zap.String("transport", t.Identity()))
}

// Close waits for an in-flight cycle and closes every transport. Cycles
// requested afterwards are refused.
func (c *Coordinator) Close() error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}
	var errs []error
	for _, t := range c.chain {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", t.Identity(), err))
		}
	}
	return errors.Join(errs...)
}
