// Package sessionpool keeps a bounded set of warm automation sessions.
package sessionpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GTJasonMK/AnyRounterTool/internal/config"
	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/observability"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/resilience"
	"github.com/GTJasonMK/AnyRounterTool/internal/port"
)

var tracer = otel.Tracer("sessionpool")

// errShutdown is returned by Acquire once Shutdown has been called.
var errShutdown = errors.New("session pool is shut down")

const (
	aliveTimeout   = 5 * time.Second
	resetTimeout   = 15 * time.Second
	destroyTimeout = 5 * time.Second
)

// instance is one pooled session and its bookkeeping.
type instance struct {
	id        string
	session   port.Session
	createdAt time.Time
	lastUsed  time.Time
	useCount  int
	busy      bool
}

func (i *instance) ID() string            { return i.id }
func (i *instance) Session() port.Session { return i.session }

// Pool hands out sessions FIFO, grows on demand up to MaxSize and replaces
// sessions that fail the liveness check at hand-off.
type Pool struct {
	factory port.SessionFactory
	cfg     config.PoolConfig
	retry   resilience.Config
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time

	idle  chan *instance
	freed chan struct{}

	mu        sync.Mutex
	instances map[string]*instance
	creating  int
	closed    bool

	created  int64
	reused   int64
	requests int64
	avgWait  float64
}

// Option customizes a Pool.
type Option func(*Pool)

// WithCreateRetry sets the retry policy for session creation.
func WithCreateRetry(cfg resilience.Config) Option {
	return func(p *Pool) { p.retry = cfg }
}

// WithClock overrides the time source used for idle accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates the pool and pre-warms cfg.Size sessions in parallel.
// Failed pre-warm creations are logged and do not fail construction.
func New(ctx context.Context, factory port.SessionFactory, cfg config.PoolConfig, metrics *observability.Metrics, logger *zap.Logger, opts ...Option) *Pool {
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	if cfg.Size > cfg.MaxSize {
		cfg.Size = cfg.MaxSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}

	p := &Pool{
		factory:   factory,
		cfg:       cfg,
		retry:     resilience.Config{MaxRetries: 1, InitialBackoff: 500 * time.Millisecond},
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		idle:      make(chan *instance, cfg.MaxSize),
		freed:     make(chan struct{}, 1),
		instances: make(map[string]*instance, cfg.MaxSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.prewarm(ctx)
	return p
}

func (p *Pool) prewarm(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "Pool.prewarm")
	defer span.End()
	span.SetAttributes(attribute.Int("pool.size", p.cfg.Size))

	bh := resilience.NewBulkhead(p.cfg.PrewarmWorkers)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Size; i++ {
		if !p.reserve() {
			break
		}
		g.Go(func() error {
			if err := bh.Acquire(gctx); err != nil {
				p.unreserve()
				return nil
			}
			defer bh.Release()

			inst, err := p.create(gctx)
			if err != nil {
				p.logger.Warn("pre-warm session creation failed", zap.Error(err))
				return nil
			}
			p.idle <- inst
			return nil
		})
	}
	_ = g.Wait()

	stats := p.Stats()
	p.publishGauges()
	p.logger.Info("session pool ready",
		zap.Int("requested", p.cfg.Size),
		zap.Int("created", stats.Total),
		zap.Int("max_size", p.cfg.MaxSize),
	)
}

// ============================================================
// Acquire / Release
// ============================================================

// Acquire returns an idle session, grows the pool when below MaxSize, or
// waits up to timeout for a release. A zero timeout uses the configured default.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (port.Lease, error) {
	ctx, span := tracer.Start(ctx, "Pool.Acquire")
	defer span.End()

	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	start := p.now()

	p.mu.Lock()
	p.requests++
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, &domain.ErrResourceExhausted{Resource: "session pool", Waited: 0}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, p.exhausted(start, err)
		}
		select {
		case inst := <-p.idle:
			return p.handoff(ctx, inst, start)
		default:
		}

		if p.reserve() {
			inst, err := p.create(ctx)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "session creation failed")
				return nil, p.exhausted(start, err)
			}
			return p.checkout(inst, start, false), nil
		}

		select {
		case inst := <-p.idle:
			return p.handoff(ctx, inst, start)
		case <-p.freed:
		case <-timer.C:
			span.SetStatus(codes.Error, "acquire timed out")
			return nil, p.exhausted(start, nil)
		case <-ctx.Done():
			return nil, p.exhausted(start, ctx.Err())
		}
	}
}

// handoff checks an idle session and replaces it when dead. The check ignores
// caller cancellation; if the caller is gone by the time it returns, the
// session goes back to the idle queue untouched.
func (p *Pool) handoff(ctx context.Context, inst *instance, start time.Time) (port.Lease, error) {
	aliveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), aliveTimeout)
	err := inst.session.Alive(aliveCtx)
	cancel()
	if cerr := ctx.Err(); cerr != nil {
		p.requeue(inst)
		return nil, p.exhausted(start, cerr)
	}
	if err == nil {
		return p.checkout(inst, start, true), nil
	}
	p.logger.Warn("session failed liveness check, replacing",
		zap.String("session_id", inst.id),
		zap.Error(err),
	)

	p.destroy(inst, observability.PoolReplaced)
	if !p.reserve() {
		return nil, p.exhausted(start, errors.New("no slot for replacement session"))
	}
	fresh, err := p.create(ctx)
	if err != nil {
		return nil, p.exhausted(start, fmt.Errorf("replace dead session: %w", err))
	}
	return p.checkout(fresh, start, false), nil
}

func (p *Pool) checkout(inst *instance, start time.Time, fromIdle bool) *instance {
	wait := p.now().Sub(start)

	p.mu.Lock()
	inst.busy = true
	inst.useCount++
	inst.lastUsed = p.now()
	if fromIdle {
		p.reused++
	}
	p.avgWait = p.avgWait*0.9 + wait.Seconds()*0.1
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ObservePoolWait(wait)
		if fromIdle {
			p.metrics.IncrPoolEvent(observability.PoolReused)
		}
	}
	p.publishGauges()
	return inst
}

// Release resets the session and returns it to the idle queue. Sessions that
// fail to reset are destroyed; leases already destroyed by Shutdown are ignored.
// Releasing the same lease twice is a no-op.
func (p *Pool) Release(lease port.Lease) {
	inst, ok := lease.(*instance)
	if !ok || inst == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	_, tracked := p.instances[inst.id]
	if !tracked || (!closed && !inst.busy) {
		p.mu.Unlock()
		return
	}
	if !closed {
		inst.busy = false
	}
	p.mu.Unlock()

	if closed {
		p.destroy(inst, observability.PoolDestroyed)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()
	if err := inst.session.Reset(ctx); err != nil {
		p.logger.Warn("session reset failed, destroying",
			zap.String("session_id", inst.id),
			zap.Error(err),
		)
		if p.metrics != nil {
			p.metrics.IncrPoolEvent(observability.PoolResetFailed)
		}
		p.destroy(inst, observability.PoolDestroyed)
		return
	}

	p.mu.Lock()
	inst.lastUsed = p.now()
	closed = p.closed
	p.mu.Unlock()
	if closed {
		p.destroy(inst, observability.PoolDestroyed)
		return
	}

	p.idle <- inst
	p.publishGauges()
}

// requeue puts an untouched idle session back, or destroys it if the pool
// closed in the meantime.
func (p *Pool) requeue(inst *instance) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.destroy(inst, observability.PoolDestroyed)
		return
	}
	p.idle <- inst
}

// ============================================================
// Lifecycle
// ============================================================

// SweepIdle destroys idle sessions unused for longer than maxIdle and
// returns how many were removed.
func (p *Pool) SweepIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		maxIdle = p.cfg.MaxIdle
	}
	cutoff := p.now().Add(-maxIdle)

	var keep, stale []*instance
	for {
		select {
		case inst := <-p.idle:
			p.mu.Lock()
			last := inst.lastUsed
			p.mu.Unlock()
			if last.Before(cutoff) {
				stale = append(stale, inst)
			} else {
				keep = append(keep, inst)
			}
			continue
		default:
		}
		break
	}
	for _, inst := range keep {
		p.idle <- inst
	}
	for _, inst := range stale {
		p.logger.Info("removing idle session",
			zap.String("session_id", inst.id),
			zap.Duration("idle", p.now().Sub(inst.lastUsed)),
		)
		p.destroy(inst, observability.PoolDestroyed)
	}
	return len(stale)
}

// Shutdown destroys every session, busy ones included. It is idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	all := make([]*instance, 0, len(p.instances))
	for _, inst := range p.instances {
		all = append(all, inst)
	}
	p.mu.Unlock()

	for {
		select {
		case <-p.idle:
			continue
		default:
		}
		break
	}
	for _, inst := range all {
		p.destroy(inst, observability.PoolDestroyed)
	}
	p.logger.Info("session pool shut down", zap.Int("destroyed", len(all)))
}

// Stats returns a consistent snapshot of pool counters.
func (p *Pool) Stats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	busy := 0
	for _, inst := range p.instances {
		if inst.busy {
			busy++
		}
	}
	requests := p.requests
	if requests < 1 {
		requests = 1
	}
	return domain.PoolStats{
		Total:          len(p.instances),
		Available:      len(p.idle),
		Busy:           busy,
		Created:        p.created,
		Reused:         p.reused,
		Requests:       p.requests,
		AvgWaitSeconds: p.avgWait,
		ReuseRate:      float64(p.reused) / float64(requests) * 100,
	}
}

// ============================================================
// Internals
// ============================================================

// reserve claims a creation slot if total+creating is below MaxSize.
func (p *Pool) reserve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.instances)+p.creating >= p.cfg.MaxSize {
		return false
	}
	p.creating++
	return true
}

func (p *Pool) unreserve() {
	p.mu.Lock()
	p.creating--
	p.mu.Unlock()
	p.signalFreed()
}

// create builds a session on a reserved slot; the slot is always consumed.
func (p *Pool) create(ctx context.Context) (*instance, error) {
	ctx, span := tracer.Start(ctx, "Pool.create")
	defer span.End()

	var session port.Session
	err := resilience.RetryWithBackoff(ctx, p.retry, func() error {
		s, err := p.factory.NewSession(ctx)
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		p.unreserve()
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		if p.metrics != nil {
			p.metrics.IncrPoolEvent(observability.PoolCreateFailed)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	now := p.now()
	inst := &instance{
		id:        uuid.NewString(),
		session:   session,
		createdAt: now,
		lastUsed:  now,
	}

	p.mu.Lock()
	p.creating--
	if p.closed {
		p.mu.Unlock()
		_ = session.Close()
		return nil, errShutdown
	}
	p.instances[inst.id] = inst
	p.created++
	p.mu.Unlock()

	span.SetAttributes(attribute.String("session.id", inst.id))
	if p.metrics != nil {
		p.metrics.IncrPoolEvent(observability.PoolCreated)
	}
	p.logger.Debug("session created", zap.String("session_id", inst.id))
	return inst, nil
}

// destroy closes the session and frees its slot. Close errors are swallowed.
func (p *Pool) destroy(inst *instance, event string) {
	p.mu.Lock()
	_, tracked := p.instances[inst.id]
	delete(p.instances, inst.id)
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- inst.session.Close() }()
	select {
	case err := <-done:
		if err != nil {
			p.logger.Debug("session close failed", zap.String("session_id", inst.id), zap.Error(err))
		}
	case <-time.After(destroyTimeout):
		p.logger.Debug("session close timed out", zap.String("session_id", inst.id))
	}

	if tracked {
		if p.metrics != nil {
			p.metrics.IncrPoolEvent(event)
			if event != observability.PoolDestroyed {
				p.metrics.IncrPoolEvent(observability.PoolDestroyed)
			}
		}
		p.signalFreed()
	}
	p.publishGauges()
}

func (p *Pool) signalFreed() {
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

func (p *Pool) exhausted(start time.Time, cause error) error {
	waited := p.now().Sub(start)
	if p.metrics != nil {
		p.metrics.IncrPoolEvent(observability.PoolExhausted)
	}
	p.logger.Warn("no session available",
		zap.Duration("waited", waited),
		zap.Error(cause),
	)
	return &domain.ErrResourceExhausted{Resource: "session pool", Waited: waited}
}

func (p *Pool) publishGauges() {
	if p.metrics == nil {
		return
	}
	s := p.Stats()
	p.metrics.SetPoolSessions(s.Available, s.Busy)
}

var _ port.SessionPool = (*Pool)(nil)
