package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// WaiterConfig for creating a Waiter.
type WaiterConfig struct {
	Poller   *Poller
	Interval time.Duration
	// StrictOvershoot makes goodput above the target an error. When false the
	// overshoot is logged and the wait ends successfully.
	StrictOvershoot bool
	OnPoll          func(goodput uint64)
	Logger          *slog.Logger
}

// Waiter blocks until goodput reaches an exact target.
type Waiter struct {
	poller   *Poller
	interval time.Duration
	strict   bool
	onPoll   func(uint64)
	logger   *slog.Logger
}

// NewWaiter creates a Waiter.
func NewWaiter(cfg WaiterConfig) *Waiter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &Waiter{
		poller:   cfg.Poller,
		interval: interval,
		strict:   cfg.StrictOvershoot,
		onPoll:   cfg.OnPoll,
		logger:   logger,
	}
}

// Wait polls goodput, first immediately and then every Interval, until it
// equals target.
func (w *Waiter) Wait(ctx context.Context, target uint64) error {
	for {
		goodput, err := w.poller.Poll(ctx)
		if err != nil {
			return err
		}
		if w.onPoll != nil {
			w.onPoll(goodput)
		}

		switch {
		case goodput == target:
			w.logger.Info("goodput reached target", slog.Uint64("target", target))
			return nil
		case goodput > target:
			if w.strict {
				return fmt.Errorf("%w: goodput %d exceeds target %d", ErrOvershootDetected, goodput, target)
			}
			w.logger.Warn("goodput passed target",
				slog.Uint64("goodput", goodput),
				slog.Uint64("target", target),
			)
			return nil
		}

		w.logger.Debug("waiting for goodput",
			slog.Uint64("goodput", goodput),
			slog.Uint64("target", target),
		)
		if err := sleep(ctx, w.interval); err != nil {
			return err
		}
	}
}
