// Package dispatch assigns transaction batches to peer sessions round-robin
// and keeps the authoritative count of units handed to the node.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gateway-fm/goodputbench/internal/corpus"
	"github.com/gateway-fm/goodputbench/internal/metrics"
	"github.com/gateway-fm/goodputbench/internal/session"
)

// ErrTransport wraps a failed write on a specific session.
var ErrTransport = errors.New("transport error")

// Sender is the subset of Dispatcher used by the flow controller.
type Sender interface {
	Send(ctx context.Context, seq uint64, b corpus.Batch) error
	NextSeq() uint64
	Units() uint64
}

// Dispatcher writes batches to sessions[seq mod N].
//
// Accounting is only advanced after the session write returns without error,
// so Units always equals the sum of Length over delivered batches.
type Dispatcher struct {
	sessions []session.Session
	msgID    byte
	metrics  *metrics.PrometheusMetrics
	logger   *slog.Logger

	units      metrics.UCounter
	batches    metrics.UCounter
	maxBatch   metrics.UCounter
	perSession []metrics.UCounter
}

var _ Sender = (*Dispatcher)(nil)

// Config for creating a Dispatcher.
type Config struct {
	Sessions []session.Session
	MsgID    byte // Default: session.TransactionsMsgID
	Metrics  *metrics.PrometheusMetrics
	Logger   *slog.Logger
}

// New creates a new Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if len(cfg.Sessions) == 0 {
		return nil, errors.New("dispatcher needs at least one session")
	}

	msgID := cfg.MsgID
	if msgID == 0 {
		msgID = session.TransactionsMsgID
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		sessions:   cfg.Sessions,
		msgID:      msgID,
		metrics:    cfg.Metrics,
		logger:     logger,
		perSession: make([]metrics.UCounter, len(cfg.Sessions)),
	}, nil
}

// Send transmits b on session seq mod N. A failed write is returned wrapped
// in ErrTransport and leaves every counter untouched; it is never retried here.
func (d *Dispatcher) Send(ctx context.Context, seq uint64, b corpus.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	idx := int(seq % uint64(len(d.sessions)))
	msg := session.Envelope(b.Encoded, d.msgID)

	if err := d.sessions[idx].Send(ctx, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		d.metrics.RecordError("transport")
		return fmt.Errorf("%w: session %d (seq %d): %w", ErrTransport, idx, seq, err)
	}

	d.units.Add(b.Length)
	d.batches.Inc()
	d.maxBatch.Max(b.Length)
	d.perSession[idx].Inc()
	d.metrics.RecordDispatch(idx, b.Length)
	return nil
}

// NextSeq returns the number of batches delivered so far, which is also the
// sequence index the next batch should use to keep the round-robin even.
func (d *Dispatcher) NextSeq() uint64 {
	return d.batches.Load()
}

// Units returns the total units delivered.
func (d *Dispatcher) Units() uint64 {
	return d.units.Load()
}

// Batches returns the total batches delivered.
func (d *Dispatcher) Batches() uint64 {
	return d.batches.Load()
}

// MaxBatch returns the largest batch length delivered so far.
func (d *Dispatcher) MaxBatch() uint64 {
	return d.maxBatch.Load()
}

// SessionCounts returns batches delivered per session index.
func (d *Dispatcher) SessionCounts() []uint64 {
	out := make([]uint64, len(d.perSession))
	for i := range d.perSession {
		out[i] = d.perSession[i].Load()
	}
	return out
}

// SessionCount returns N.
func (d *Dispatcher) SessionCount() int {
	return len(d.sessions)
}

// Close closes every session.
func (d *Dispatcher) Close() error {
	d.logger.Debug("closing sessions", slog.Int("count", len(d.sessions)))
	return session.CloseAll(d.sessions)
}
