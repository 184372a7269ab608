// Package flow paces batch admission against the node's goodput counter.
//
// The Controller releases batches while the units it has put on the wire stay
// within Window of what the node reports as executed; the Waiter blocks until
// the node has executed exactly what was sent.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/goodputbench/internal/metrics"
)

var (
	// ErrCommunication is returned when the goodput counter cannot be read.
	ErrCommunication = errors.New("communication error")
	// ErrOvershootDetected is returned when goodput passes the expected target.
	ErrOvershootDetected = errors.New("goodput overshoot detected")
)

// GoodputSource reads the node's cumulative executed-transaction counter.
type GoodputSource interface {
	Goodput(ctx context.Context) (uint64, error)
}

// PollerConfig for creating a Poller.
type PollerConfig struct {
	Source      GoodputSource
	Interval    time.Duration // Spacing between retries after a failed read
	MaxFailures int           // Consecutive failures before giving up (<=0 = never)
	Metrics     *metrics.PrometheusMetrics
	Logger      *slog.Logger
}

// Poller reads goodput with bounded retry.
type Poller struct {
	source      GoodputSource
	interval    time.Duration
	maxFailures int
	metrics     *metrics.PrometheusMetrics
	logger      *slog.Logger

	last  atomic.Uint64
	polls atomic.Uint64
}

// NewPoller creates a Poller.
func NewPoller(cfg PollerConfig) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		source:      cfg.Source,
		interval:    interval,
		maxFailures: cfg.MaxFailures,
		metrics:     cfg.Metrics,
		logger:      logger,
	}
}

// Poll returns the current goodput. Failed reads are retried every Interval;
// after MaxFailures consecutive failures the last error is returned wrapped
// in ErrCommunication.
func (p *Poller) Poll(ctx context.Context) (uint64, error) {
	failures := 0
	for {
		start := time.Now()
		v, err := p.source.Goodput(ctx)
		p.metrics.RecordPoll(err == nil, time.Since(start).Seconds())
		p.polls.Add(1)

		if err == nil {
			if prev := p.last.Load(); v < prev {
				p.logger.Warn("goodput went backwards",
					slog.Uint64("previous", prev),
					slog.Uint64("current", v),
				)
			}
			p.last.Store(v)
			return v, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}

		failures++
		p.logger.Warn("goodput poll failed",
			slog.Int("consecutive_failures", failures),
			slog.String("error", err.Error()),
		)
		if p.maxFailures > 0 && failures >= p.maxFailures {
			p.metrics.RecordError("communication")
			return 0, fmt.Errorf("%w: %d consecutive goodput polls failed: %w", ErrCommunication, failures, err)
		}

		if err := sleep(ctx, p.interval); err != nil {
			return 0, err
		}
	}
}

// Last returns the most recently observed goodput.
func (p *Poller) Last() uint64 {
	return p.last.Load()
}

// Polls returns how many reads have been attempted.
func (p *Poller) Polls() uint64 {
	return p.polls.Load()
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
