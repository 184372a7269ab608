package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/gateway-fm/goodputbench/internal/corpus"
	"github.com/gateway-fm/goodputbench/internal/dispatch"
	"github.com/gateway-fm/goodputbench/internal/metrics"
	"github.com/gateway-fm/goodputbench/internal/ratelimit"
	"github.com/gateway-fm/goodputbench/pkg/types"
)

// Sequence is a finite, single-pass stream of batches.
type Sequence interface {
	Next() (corpus.Batch, bool)
	Remaining() int
	UnitSize() uint64
}

var _ Sequence = (*corpus.Source)(nil)

// Config for creating a Controller.
type Config struct {
	Poller     *Poller
	Dispatcher dispatch.Sender
	Window     uint64
	Interval   time.Duration
	Policy     types.AdmissionPolicy // Default: ordinal
	UnitSize   uint64                // Overrides the sequence's nominal batch size when > 0
	Limiter    *ratelimit.Limiter    // Optional dispatch ceiling
	OnPoll     func(goodput uint64)  // Optional observer, called after every poll
	Metrics    *metrics.PrometheusMetrics
	Logger     *slog.Logger
}

// Controller admits batches while outstanding work stays within Window.
// It is not safe for concurrent Send calls.
type Controller struct {
	poller     *Poller
	dispatcher dispatch.Sender
	window     uint64
	interval   time.Duration
	policy     types.AdmissionPolicy
	unitSize   uint64
	limiter    *ratelimit.Limiter
	onPoll     func(uint64)
	metrics    *metrics.PrometheusMetrics
	logger     *slog.Logger
}

// NewController creates a Controller.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Policy
	if policy == "" {
		policy = types.AdmitOrdinal
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &Controller{
		poller:     cfg.Poller,
		dispatcher: cfg.Dispatcher,
		window:     cfg.Window,
		interval:   interval,
		policy:     policy,
		unitSize:   cfg.UnitSize,
		limiter:    cfg.Limiter,
		onPoll:     cfg.OnPoll,
		metrics:    cfg.Metrics,
		logger:     logger,
	}
}

// Send drains seq through the dispatcher and returns the units sent.
//
// Each round sleeps one Interval, reads goodput once, then dispatches batches
// in order while the admission test passes. base is the number of units sent
// by earlier phases. An empty sequence returns immediately without polling.
// On error the units already sent are returned alongside it.
func (c *Controller) Send(ctx context.Context, seq Sequence, base uint64) (uint64, error) {
	if seq.Remaining() == 0 {
		return 0, nil
	}

	unitSize := c.unitSize
	if unitSize == 0 {
		unitSize = seq.UnitSize()
	}
	if unitSize == 0 {
		unitSize = 1
	}

	start := time.Now()
	var (
		cursor uint64
		size   uint64
	)
	b, ok := seq.Next()

	for ok {
		if err := sleep(ctx, c.interval); err != nil {
			return size, err
		}

		goodput, err := c.poller.Poll(ctx)
		if err != nil {
			return size, err
		}
		c.metrics.SetGoodput(goodput, c.dispatcher.Units())
		if c.onPoll != nil {
			c.onPoll(goodput)
		}
		c.logger.Debug("current goodput", slog.Uint64("goodput", goodput))

		for ok && c.admit(cursor, size, base, goodput, unitSize) {
			if c.limiter != nil {
				if err := c.limiter.WaitN(ctx, b.Length); err != nil {
					return size, err
				}
			}
			if err := c.dispatcher.Send(ctx, c.dispatcher.NextSeq(), b); err != nil {
				return size, err
			}
			size += b.Length
			cursor++
			b, ok = seq.Next()
		}

		c.logger.Info("sent transactions",
			slog.Uint64("units", size),
			slog.Uint64("batches", cursor),
			slog.Uint64("goodput", goodput),
		)
	}

	c.logger.Info("send phase complete",
		slog.Uint64("units", size),
		slog.Duration("elapsed", time.Since(start)),
	)
	return size, nil
}

// admit reports whether the batch at cursor may be sent now.
func (c *Controller) admit(cursor, size, base, goodput, unitSize uint64) bool {
	limit := goodput + c.window
	switch c.policy {
	case types.AdmitExact:
		return base+size < limit
	default:
		return cursor*unitSize+base < limit
	}
}
