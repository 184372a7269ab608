// Package bench runs benchmark rounds: ordered warm-up phases, a settle
// period, and one measured phase, each a flow-controlled send followed by a
// wait for the node to execute everything sent.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gateway-fm/goodputbench/internal/config"
	"github.com/gateway-fm/goodputbench/internal/corpus"
	"github.com/gateway-fm/goodputbench/internal/dispatch"
	"github.com/gateway-fm/goodputbench/internal/flow"
	"github.com/gateway-fm/goodputbench/internal/metrics"
	"github.com/gateway-fm/goodputbench/internal/ratelimit"
	"github.com/gateway-fm/goodputbench/internal/storage"
	"github.com/gateway-fm/goodputbench/internal/workload"
	"github.com/gateway-fm/goodputbench/pkg/types"
)

var (
	// ErrConfiguration is returned for invalid round configuration.
	ErrConfiguration = config.ErrConfiguration
	// ErrPhaseTimeout is returned when a phase exceeds PhaseTimeout.
	ErrPhaseTimeout = errors.New("phase timed out")
)

// maxSamples bounds the goodput samples kept per round.
const maxSamples = 100_000

// Dispatcher hands batches to peer sessions.
type Dispatcher interface {
	dispatch.Sender
	SessionCounts() []uint64
	Close() error
}

var _ Dispatcher = (*dispatch.Dispatcher)(nil)

// BlockProducer drives block production while a round runs.
type BlockProducer interface {
	Start(ctx context.Context) error
	Stop()
	Wait()
	Stats() *types.BlockStats
}

// Loader reads the prefix of a corpus holding at least units transactions.
type Loader func(path string, units uint64) (*corpus.Source, error)

// Config for creating a Round.
type Config struct {
	ID      string // Generated when empty
	Plan    *workload.Plan
	Request types.StartRoundRequest

	// Dispatcher is used as given. When nil, Connect is called at the start
	// of Run and the returned dispatcher is closed when the round ends.
	Dispatcher Dispatcher
	Connect    func(ctx context.Context) (Dispatcher, error)
	Goodput    flow.GoodputSource
	Producer   BlockProducer // Optional
	Loader     Loader        // Default: corpus.Load
	Stat       func(path string) error

	Window          uint64
	PollInterval    time.Duration
	MaxPollFailures int
	PhaseTimeout    time.Duration // 0 = unbounded
	SettleDelay     time.Duration
	Admission       types.AdmissionPolicy
	UnitSize        uint64
	StrictOvershoot bool
	Limiter         *ratelimit.Limiter

	Metrics *metrics.PrometheusMetrics
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// Round is one benchmark execution. Run may be called once; Status is safe
// to call concurrently.
type Round struct {
	cfg    Config
	id     string
	logger *slog.Logger
	tracer trace.Tracer
	poller *flow.Poller

	mu         sync.RWMutex
	state      types.RoundState
	phase      string
	base       uint64
	target     uint64
	startedAt  time.Time
	err        error
	warnings   []string
	phases     []types.PhaseResult
	samples    []storage.Sample
	dispatcher Dispatcher
}

// NewRound validates cfg and creates a Round in the idle state.
func NewRound(cfg Config) (*Round, error) {
	if cfg.Plan == nil {
		return nil, fmt.Errorf("%w: round needs a workload plan", ErrConfiguration)
	}
	if cfg.Dispatcher == nil && cfg.Connect == nil {
		return nil, fmt.Errorf("%w: round needs a dispatcher", ErrConfiguration)
	}
	if cfg.Goodput == nil {
		return nil, fmt.Errorf("%w: round needs a goodput source", ErrConfiguration)
	}
	if cfg.Window == 0 {
		return nil, fmt.Errorf("%w: window must be positive", ErrConfiguration)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Loader == nil {
		cfg.Loader = corpus.Load
	}
	if cfg.Stat == nil {
		cfg.Stat = corpus.Stat
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/gateway-fm/goodputbench/internal/bench")
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("round", id))

	r := &Round{
		cfg:        cfg,
		id:         id,
		logger:     logger,
		tracer:     cfg.Tracer,
		state:      types.StateIdle,
		dispatcher: cfg.Dispatcher,
	}
	r.poller = flow.NewPoller(flow.PollerConfig{
		Source:      cfg.Goodput,
		Interval:    cfg.PollInterval,
		MaxFailures: cfg.MaxPollFailures,
		Metrics:     cfg.Metrics,
		Logger:      logger,
	})
	return r, nil
}

// RunBenchmark creates a round from cfg and runs it to completion.
func RunBenchmark(ctx context.Context, cfg Config) (*types.RoundResult, error) {
	r, err := NewRound(cfg)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx)
}

// ID returns the round identifier.
func (r *Round) ID() string { return r.id }

// Run executes the round. The result is returned on failure too, carrying
// the phases that completed and the error text.
func (r *Round) Run(ctx context.Context) (*types.RoundResult, error) {
	r.mu.Lock()
	if !r.startedAt.IsZero() {
		r.mu.Unlock()
		return nil, fmt.Errorf("round %s already ran", r.id)
	}
	r.startedAt = time.Now()
	r.mu.Unlock()

	ctx, span := r.tracer.Start(ctx, "bench.round", trace.WithAttributes(
		attribute.String("round.id", r.id),
		attribute.String("workload", r.cfg.Plan.Name),
		attribute.Int("warmup.groups", len(r.cfg.Plan.Warmup)),
	))
	defer span.End()

	r.logger.Info("round starting",
		slog.String("workload", r.cfg.Plan.Name),
		slog.Int("warmup_groups", len(r.cfg.Plan.Warmup)),
		slog.Uint64("measure_units", r.cfg.Plan.Measure.Units),
	)

	measureMs, err := r.run(ctx)

	r.setState(types.StateDraining)
	if r.cfg.Producer != nil {
		r.cfg.Producer.Stop()
		r.cfg.Producer.Wait()
	}
	if r.cfg.Dispatcher == nil && r.dispatcher != nil {
		if cerr := r.dispatcher.Close(); cerr != nil {
			r.addWarning("closing sessions: " + cerr.Error())
		}
	}

	result := r.result(measureMs, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.cfg.Metrics.RecordError(errorCategory(err))
		r.logger.Error("round failed", slog.String("error", err.Error()))
		return result, err
	}
	r.logger.Info("round complete",
		slog.Uint64("units", result.UnitsSent),
		slog.Int64("measure_ms", result.MeasureMs),
		slog.Float64("goodput", result.Goodput),
	)
	return result, nil
}

func (r *Round) run(ctx context.Context) (int64, error) {
	if err := r.preflight(); err != nil {
		return 0, err
	}

	r.setState(types.StateWarmingUp)

	if r.dispatcher == nil {
		d, err := r.cfg.Connect(ctx)
		if err != nil {
			return 0, err
		}
		r.mu.Lock()
		r.dispatcher = d
		r.mu.Unlock()
	}

	controller := flow.NewController(flow.Config{
		Poller:     r.poller,
		Dispatcher: r.dispatcher,
		Window:     r.cfg.Window,
		Interval:   r.cfg.PollInterval,
		Policy:     r.cfg.Admission,
		UnitSize:   r.cfg.UnitSize,
		Limiter:    r.cfg.Limiter,
		OnPoll:     r.recordSample,
		Metrics:    r.cfg.Metrics,
		Logger:     r.logger,
	})
	waiter := flow.NewWaiter(flow.WaiterConfig{
		Poller:          r.poller,
		Interval:        r.cfg.PollInterval,
		StrictOvershoot: r.cfg.StrictOvershoot,
		OnPoll:          r.recordSample,
		Logger:          r.logger,
	})

	if r.cfg.Producer != nil {
		if err := r.cfg.Producer.Start(ctx); err != nil {
			return 0, err
		}
	}

	for i, g := range r.cfg.Plan.Warmup {
		if _, err := r.runPhase(ctx, controller, waiter, types.PhaseWarmup, i, g); err != nil {
			return 0, err
		}
	}
	if r.baseOffset() > 0 {
		if err := r.settle(ctx); err != nil {
			return 0, err
		}
	}

	r.setState(types.StateMeasuring)
	p, err := r.runPhase(ctx, controller, waiter, types.PhaseMeasure, 0, r.cfg.Plan.Measure)
	if err != nil {
		return 0, err
	}
	return p.SendMs + p.WaitMs, nil
}

// preflight checks every corpus before anything is sent.
func (r *Round) preflight() error {
	for _, g := range r.cfg.Plan.Groups() {
		if g.Units == 0 {
			continue
		}
		if err := r.cfg.Stat(g.Path); err != nil {
			return err
		}
	}
	return nil
}

func (r *Round) runPhase(ctx context.Context, c *flow.Controller, w *flow.Waiter, kind types.PhaseKind, index int, g workload.Group) (types.PhaseResult, error) {
	base := r.baseOffset()
	ctx, span := r.tracer.Start(ctx, "bench.phase", trace.WithAttributes(
		attribute.String("phase.kind", string(kind)),
		attribute.Int("phase.index", index),
		attribute.String("corpus", g.Path),
		attribute.Int64("base_offset", int64(base)),
	))
	defer span.End()

	phaseCtx := ctx
	if r.cfg.PhaseTimeout > 0 {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(ctx, r.cfg.PhaseTimeout)
		defer cancel()
	}

	label := fmt.Sprintf("%s %d", kind, index)
	r.mu.Lock()
	r.phase = label
	r.mu.Unlock()

	result := types.PhaseResult{
		Kind:       kind,
		Index:      index,
		Corpus:     g.Path,
		BaseOffset: base,
		StartedAt:  time.Now(),
	}

	src, err := r.cfg.Loader(g.Path, g.Units)
	if err != nil {
		return result, r.phaseError(span, err)
	}
	r.logger.Info("phase loaded",
		slog.String("phase", label),
		slog.String("corpus", g.Path),
		slog.Int("batches", src.Len()),
		slog.Uint64("units", src.Units()),
	)

	seqBefore := r.dispatcher.NextSeq()
	sendStart := time.Now()
	size, err := c.Send(phaseCtx, src, base)
	result.UnitsSent = size
	result.BatchesSent = r.dispatcher.NextSeq() - seqBefore
	result.SendMs = time.Since(sendStart).Milliseconds()
	r.cfg.Metrics.RecordPhase(string(kind), "send", time.Since(sendStart).Seconds())
	if err != nil {
		return result, r.phaseError(span, r.timeoutError(ctx, label, err))
	}

	target := base + size
	result.Target = target
	r.mu.Lock()
	r.target = target
	r.mu.Unlock()

	waitStart := time.Now()
	err = w.Wait(phaseCtx, target)
	result.WaitMs = time.Since(waitStart).Milliseconds()
	r.cfg.Metrics.RecordPhase(string(kind), "wait", time.Since(waitStart).Seconds())
	if err != nil {
		return result, r.phaseError(span, r.timeoutError(ctx, label, err))
	}

	r.mu.Lock()
	r.base = target
	r.phases = append(r.phases, result)
	r.mu.Unlock()

	span.SetAttributes(
		attribute.Int64("units_sent", int64(size)),
		attribute.Int64("target", int64(target)),
	)
	r.logger.Info("phase complete",
		slog.String("phase", label),
		slog.Uint64("units", size),
		slog.Uint64("target", target),
		slog.Int64("send_ms", result.SendMs),
		slog.Int64("wait_ms", result.WaitMs),
	)
	return result, nil
}

func (r *Round) phaseError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// timeoutError tags a deadline hit by the phase timeout, leaving parent
// cancellation untouched.
func (r *Round) timeoutError(parent context.Context, label string, err error) error {
	if r.cfg.PhaseTimeout > 0 && errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: %s after %v: %w", ErrPhaseTimeout, label, r.cfg.PhaseTimeout, err)
	}
	return err
}

// settle pauses before measurement so the node finishes background work
// caused by the warm-up, logging progress every tenth of the delay.
func (r *Round) settle(ctx context.Context) error {
	d := r.cfg.SettleDelay
	if d <= 0 {
		return nil
	}
	r.mu.Lock()
	r.phase = "settle"
	r.mu.Unlock()

	r.logger.Info("settling before measurement", slog.Duration("delay", d))
	step := d / 10
	for i := 1; i <= 10; i++ {
		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		r.logger.Info("settling", slog.Int("progress_pct", i*10))
	}
	return nil
}

func (r *Round) recordSample(goodput uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) >= maxSamples || r.dispatcher == nil {
		return
	}
	r.samples = append(r.samples, storage.Sample{
		TimestampMs: time.Since(r.startedAt).Milliseconds(),
		Goodput:     goodput,
		Dispatched:  r.dispatcher.Units(),
		Phase:       r.phase,
	})
}

func (r *Round) setState(s types.RoundState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.cfg.Metrics.SetRoundState(string(s))
	r.logger.Debug("round state", slog.String("state", string(s)))
}

func (r *Round) addWarning(w string) {
	r.mu.Lock()
	r.warnings = append(r.warnings, w)
	r.mu.Unlock()
	r.logger.Warn(w)
}

func (r *Round) baseOffset() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.base
}

func (r *Round) result(measureMs int64, runErr error) *types.RoundResult {
	state := types.StateDone
	if runErr != nil {
		state = types.StateFailed
	}
	r.setState(state)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = runErr
	r.phase = ""

	completed := time.Now()
	res := &types.RoundResult{
		ID:          r.id,
		State:       state,
		StartedAt:   r.startedAt,
		CompletedAt: completed,
		ElapsedMs:   completed.Sub(r.startedAt).Milliseconds(),
		MeasureMs:   measureMs,
		Phases:      append([]types.PhaseResult(nil), r.phases...),
		Config:      r.cfg.Request,
	}
	for _, p := range r.phases {
		res.UnitsSent += p.UnitsSent
		res.BatchesSent += p.BatchesSent
		if p.Kind == types.PhaseMeasure && measureMs > 0 {
			res.Goodput = float64(p.UnitsSent) / (float64(measureMs) / 1000)
		}
	}
	if r.cfg.Producer != nil {
		res.Blocks = r.cfg.Producer.Stats()
	}
	if runErr != nil {
		res.Error = runErr.Error()
	}
	return res
}

// Status returns a snapshot of the round's progress.
func (r *Round) Status() types.RoundStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req := r.cfg.Request
	st := types.RoundStatus{
		ID:         r.id,
		State:      r.state,
		Phase:      r.phase,
		Goodput:    r.poller.Last(),
		BaseOffset: r.base,
		Target:     r.target,
		Warnings:   append([]string(nil), r.warnings...),
		Request:    &req,
	}
	if !r.startedAt.IsZero() {
		st.ElapsedMs = time.Since(r.startedAt).Milliseconds()
	}
	if r.dispatcher != nil {
		st.UnitsDispatched = r.dispatcher.Units()
		st.BatchesSent = r.dispatcher.NextSeq()
		st.SessionBatches = r.dispatcher.SessionCounts()
	}
	if r.cfg.Producer != nil {
		st.Blocks = r.cfg.Producer.Stats()
	}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	return st
}

// Phases returns the completed phases.
func (r *Round) Phases() []types.PhaseResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.PhaseResult(nil), r.phases...)
}

// Samples returns the goodput samples taken so far.
func (r *Round) Samples() []storage.Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]storage.Sample(nil), r.samples...)
}

func errorCategory(err error) string {
	switch {
	case errors.Is(err, corpus.ErrCorpusNotFound):
		return "corpus_not_found"
	case errors.Is(err, corpus.ErrCorpusExhausted):
		return "corpus_exhausted"
	case errors.Is(err, flow.ErrCommunication):
		return "communication"
	case errors.Is(err, dispatch.ErrTransport):
		return "transport"
	case errors.Is(err, flow.ErrOvershootDetected):
		return "overshoot"
	case errors.Is(err, ErrPhaseTimeout):
		return "phase_timeout"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "other"
	}
}
