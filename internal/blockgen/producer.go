// Package blockgen asks the node to package pending transactions into blocks
// on a fixed cadence, or a jittered one when asked, while a benchmark round runs.
package blockgen

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gateway-fm/goodputbench/internal/metrics"
	"github.com/gateway-fm/goodputbench/pkg/types"
)

// ErrAlreadyStarted is returned by Start on a producer that has been started.
var ErrAlreadyStarted = errors.New("block producer already started")

// Default values.
const (
	DefaultBlockSizeLimit = 300000
	DefaultCallTimeout    = 10 * time.Second
	DefaultInterval       = 20 * time.Millisecond
)

// BlockRequester asks the node to produce one block.
type BlockRequester interface {
	GenerateOneBlock(ctx context.Context, numTxs, blockSizeLimit int) (string, error)
}

// Config for creating a Producer.
type Config struct {
	Requester      BlockRequester
	NumTxs         int
	BlockSizeLimit int
	// Interval is the spacing between ticks. A tick starts no earlier than
	// Interval after the previous tick's last call returned.
	Interval time.Duration
	// Jitter draws each sleep uniformly from [0, 2*Interval) instead.
	Jitter        bool
	BlocksPerTick int
	CallTimeout   time.Duration
	Metrics       *metrics.PrometheusMetrics
	Logger        *slog.Logger
}

// Producer runs the block production loop.
type Producer struct {
	requester     BlockRequester
	numTxs        int
	sizeLimit     int
	interval      time.Duration
	jitter        bool
	blocksPerTick int
	callTimeout   time.Duration
	metrics       *metrics.PrometheusMetrics
	logger        *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	produced    metrics.UCounter
	failures    metrics.UCounter
	consecutive metrics.UCounter
	latency     *metrics.StreamingLatencyStats
}

// New creates a Producer.
func New(cfg Config) *Producer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BlockSizeLimit <= 0 {
		cfg.BlockSizeLimit = DefaultBlockSizeLimit
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BlocksPerTick <= 0 {
		cfg.BlocksPerTick = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Producer{
		requester:     cfg.Requester,
		numTxs:        cfg.NumTxs,
		sizeLimit:     cfg.BlockSizeLimit,
		interval:      cfg.Interval,
		jitter:        cfg.Jitter,
		blocksPerTick: cfg.BlocksPerTick,
		callTimeout:   cfg.CallTimeout,
		metrics:       cfg.Metrics,
		logger:        logger.With(slog.String("component", "blockgen")),
		latency:       metrics.NewStreamingLatencyStats(),
	}
}

// Start launches the loop in a goroutine. A producer runs at most once;
// a second call returns ErrAlreadyStarted.
func (p *Producer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	p.logger.Info("block production started",
		slog.Int("num_txs", p.numTxs),
		slog.Int("block_size_limit", p.sizeLimit),
		slog.Duration("interval", p.interval),
		slog.Bool("jitter", p.jitter),
	)
	go p.run(loopCtx, p.done)
	return nil
}

// Stop signals the loop to exit. It is safe to call any number of times,
// including before Start.
func (p *Producer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// Wait blocks until the loop has exited. Returns immediately if the producer
// was never started.
func (p *Producer) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stats returns a snapshot of the production counters.
func (p *Producer) Stats() *types.BlockStats {
	return &types.BlockStats{
		Produced:            p.produced.Load(),
		Failures:            p.failures.Load(),
		ConsecutiveFailures: p.consecutive.Load(),
		Latency:             p.latency.GetStats(),
	}
}

func (p *Producer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		p.logger.Info("block production stopped",
			slog.Uint64("produced", p.produced.Load()),
			slog.Uint64("failures", p.failures.Load()),
		)
	}()

	timer := time.NewTimer(p.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		for range p.blocksPerTick {
			if ctx.Err() != nil {
				return
			}
			p.produce(ctx)
		}
		timer.Reset(p.nextDelay())
	}
}

// produce issues one request. The call runs under its own timeout and is
// not cut short by Stop.
func (p *Producer) produce(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.callTimeout)
	defer cancel()

	start := time.Now()
	hash, err := p.requester.GenerateOneBlock(callCtx, p.numTxs, p.sizeLimit)
	elapsed := time.Since(start)
	p.metrics.RecordBlockCall(err == nil, elapsed.Seconds())
	p.latency.Add(float64(elapsed.Microseconds()) / 1000)

	if err != nil {
		p.failures.Inc()
		n := p.consecutive.Inc()
		p.metrics.RecordError("block_production")
		p.logger.Warn("block production failed",
			slog.Uint64("consecutive_failures", n),
			slog.Duration("latency", elapsed),
			slog.String("error", err.Error()),
		)
		return
	}

	p.consecutive.Reset()
	p.produced.Inc()
	p.logger.Debug("block produced",
		slog.String("hash", hash),
		slog.Duration("latency", elapsed),
	)
}

func (p *Producer) nextDelay() time.Duration {
	if !p.jitter {
		return p.interval
	}
	return time.Duration(rand.Int64N(int64(2 * p.interval)))
}
