package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/goodputbench/internal/blockgen"
	"github.com/gateway-fm/goodputbench/internal/config"
	"github.com/gateway-fm/goodputbench/internal/dispatch"
	"github.com/gateway-fm/goodputbench/internal/execmode"
	"github.com/gateway-fm/goodputbench/internal/flow"
	"github.com/gateway-fm/goodputbench/internal/metrics"
	"github.com/gateway-fm/goodputbench/internal/ratelimit"
	"github.com/gateway-fm/goodputbench/internal/session"
	"github.com/gateway-fm/goodputbench/internal/storage"
	"github.com/gateway-fm/goodputbench/internal/workload"
	"github.com/gateway-fm/goodputbench/pkg/types"
)

var (
	// ErrRoundActive is returned when starting a round while one is running.
	ErrRoundActive = errors.New("a round is already running")
	// ErrNoRound is returned when stopping without a running round.
	ErrNoRound = errors.New("no round is running")
	// ErrHistoryUnavailable is returned by history queries without storage.
	ErrHistoryUnavailable = errors.New("round history is not available")
)

// Node is the RPC surface a round needs from the ledger node.
type Node interface {
	flow.GoodputSource
	blockgen.BlockRequester
}

// SessionDialer opens n peer sessions.
type SessionDialer func(ctx context.Context, n int) ([]session.Session, error)

// ManagerConfig for creating a Manager.
type ManagerConfig struct {
	Config    *config.Config
	Node      Node
	Dial      SessionDialer      // Default: session.DialAll against Config.PeerURL
	Workloads *workload.Registry // Default: workload.NewRegistry()
	Presets   *execmode.Registry // Default: execmode.DefaultRegistry()
	Loader    Loader             // Default: corpus.Load
	Store     storage.Storage    // Optional
	Metrics   *metrics.PrometheusMetrics
	Logger    *slog.Logger
}

// Manager runs at most one round at a time and keeps its history.
type Manager struct {
	cfg       *config.Config
	node      Node
	dial      SessionDialer
	workloads *workload.Registry
	presets   *execmode.Registry
	loader    Loader
	store     storage.Storage
	metrics   *metrics.PrometheusMetrics
	logger    *slog.Logger

	mu     sync.Mutex
	round  *Round
	cancel context.CancelFunc
	done   chan struct{}
	last   *types.RoundResult
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:       cfg.Config,
		node:      cfg.Node,
		dial:      cfg.Dial,
		workloads: cfg.Workloads,
		presets:   cfg.Presets,
		loader:    cfg.Loader,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
	if m.workloads == nil {
		m.workloads = workload.NewRegistry()
	}
	if m.presets == nil {
		m.presets = execmode.DefaultRegistry()
	}
	if m.dial == nil {
		m.dial = func(ctx context.Context, n int) ([]session.Session, error) {
			return session.DialAll(ctx, n, session.Config{URL: m.cfg.PeerURL, Logger: logger})
		}
	}
	return m
}

// Start launches a round in the background and returns its ID. Workload and
// corpus errors are reported here rather than through the round status.
func (m *Manager) Start(ctx context.Context, req types.StartRoundRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runningLocked() {
		return "", ErrRoundActive
	}

	round, preset, err := m.prepare(req)
	if err != nil {
		return "", err
	}
	if err := round.preflight(); err != nil {
		return "", err
	}

	if m.store != nil {
		if err := m.store.CreateRound(ctx, &storage.Round{
			ID:           round.ID(),
			StartedAt:    time.Now(),
			Token:        req.Token,
			Mode:         req.Mode,
			ExecMode:     preset.Name,
			Accounts:     req.Accounts,
			WarmupUnits:  req.WarmupUnits,
			MeasureUnits: req.MeasureUnits,
			Config:       &req,
			Status:       storage.StatusRunning,
		}); err != nil {
			m.logger.Warn("failed to persist round start", slog.String("error", err.Error()))
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.round, m.cancel, m.done = round, cancel, done

	go func() {
		defer close(done)
		defer cancel()
		res, _ := round.Run(runCtx)
		m.finish(round, res, preset)
	}()

	return round.ID(), nil
}

// Run executes one round synchronously.
func (m *Manager) Run(ctx context.Context, req types.StartRoundRequest) (*types.RoundResult, error) {
	m.mu.Lock()
	if m.runningLocked() {
		m.mu.Unlock()
		return nil, ErrRoundActive
	}
	round, preset, err := m.prepare(req)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	done := make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.round, m.cancel, m.done = round, cancel, done
	m.mu.Unlock()

	defer close(done)
	res, err := round.Run(runCtx)
	if res != nil {
		m.finish(round, res, preset)
	}
	return res, err
}

// prepare resolves the workload and preset and wires a round.
func (m *Manager) prepare(req types.StartRoundRequest) (*Round, *execmode.Preset, error) {
	plan, err := m.workloads.FromRequest(m.cfg.DataDir, req)
	if err != nil {
		return nil, nil, err
	}

	preset := m.cfg.Preset
	numTxs := m.cfg.NumTxs
	if req.ExecMode != "" && (preset == nil || req.ExecMode != preset.Name) {
		preset = m.presets.Get(req.ExecMode)
		if preset == nil {
			return nil, nil, fmt.Errorf("%w: unknown exec mode: %s", ErrConfiguration, req.ExecMode)
		}
		numTxs = preset.NumTxs
	}
	if preset == nil {
		preset = execmode.Normal()
	}
	if numTxs <= 0 {
		numTxs = preset.NumTxs
	}

	interval := preset.Interval
	if m.cfg.BlockInterval > 0 {
		interval = m.cfg.BlockInterval
	}
	producer := blockgen.New(blockgen.Config{
		Requester:      m.node,
		NumTxs:         numTxs,
		BlockSizeLimit: m.cfg.BlockSizeLimit,
		Interval:       interval,
		Jitter:         m.cfg.BlockJitter,
		BlocksPerTick:  m.cfg.BlocksPerTick,
		CallTimeout:    m.cfg.BlockCallTimeout,
		Metrics:        m.metrics,
		Logger:         m.logger,
	})

	m.metrics.Reset()
	rc := RoundConfig(m.cfg)
	rc.Plan = plan
	rc.Request = req
	rc.Goodput = m.node
	rc.Producer = producer
	rc.Loader = m.loader
	rc.Connect = m.connect
	rc.Metrics = m.metrics
	rc.Logger = m.logger

	round, err := NewRound(rc)
	if err != nil {
		return nil, nil, err
	}
	return round, preset, nil
}

// RoundConfig copies the admission settings of c into a round Config.
func RoundConfig(c *config.Config) Config {
	rc := Config{
		Window:          c.Window,
		PollInterval:    c.PollInterval,
		MaxPollFailures: c.MaxPollFailures,
		PhaseTimeout:    c.PhaseTimeout,
		SettleDelay:     c.SettleDelay,
		Admission:       c.Admission,
		UnitSize:        c.UnitSize,
		StrictOvershoot: c.StrictOvershoot,
	}
	if c.MaxUnitsPerSec > 0 {
		rc.Limiter = ratelimit.New(float64(c.MaxUnitsPerSec))
	}
	return rc
}

func (m *Manager) connect(ctx context.Context) (Dispatcher, error) {
	sessions, err := m.dial(ctx, m.cfg.Sessions)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dispatch.ErrTransport, err)
	}
	d, err := dispatch.New(dispatch.Config{
		Sessions: sessions,
		MsgID:    m.cfg.MsgID,
		Metrics:  m.metrics,
		Logger:   m.logger,
	})
	if err != nil {
		session.CloseAll(sessions)
		return nil, err
	}
	m.logger.Info("peer sessions connected", slog.Int("sessions", len(sessions)))
	return d, nil
}

// finish records the result and persists the round.
func (m *Manager) finish(round *Round, res *types.RoundResult, preset *execmode.Preset) {
	m.mu.Lock()
	m.last = res
	m.mu.Unlock()

	if m.store == nil || res == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.store.CompleteRound(ctx, storage.RoundFromResult(res, preset.Name)); err != nil {
		m.logger.Error("failed to persist round", slog.String("error", err.Error()))
		return
	}
	if err := m.store.BulkInsertPhases(ctx, res.ID, res.Phases); err != nil {
		m.logger.Error("failed to persist phases", slog.String("error", err.Error()))
	}
	if err := m.store.BulkInsertSamples(ctx, res.ID, round.Samples()); err != nil {
		m.logger.Error("failed to persist samples", slog.String("error", err.Error()))
	}
}

// Stop cancels the running round. The round drains and is persisted in the
// background; use Wait to block until then.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.runningLocked() {
		return ErrNoRound
	}
	m.logger.Info("stopping round", slog.String("round", m.round.ID()))
	m.cancel()
	return nil
}

// Wait blocks until the current round, if any, has finished.
func (m *Manager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether a round is in progress.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningLocked()
}

func (m *Manager) runningLocked() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Status returns the state of the current or most recent round.
func (m *Manager) Status() types.RoundStatus {
	m.mu.Lock()
	round := m.round
	m.mu.Unlock()
	if round == nil {
		return types.RoundStatus{State: types.StateIdle}
	}
	return round.Status()
}

// Last returns the result of the most recently finished round.
func (m *Manager) Last() *types.RoundResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// ListRounds returns a page of persisted rounds.
func (m *Manager) ListRounds(ctx context.Context, limit, offset int) (*storage.PaginatedRounds, error) {
	if m.store == nil {
		return nil, ErrHistoryUnavailable
	}
	return m.store.ListRounds(ctx, limit, offset)
}

// GetRound returns a persisted round with its phases and samples, or nil.
func (m *Manager) GetRound(ctx context.Context, id string) (*storage.RoundDetail, error) {
	if m.store == nil {
		return nil, ErrHistoryUnavailable
	}
	return m.store.GetRoundDetail(ctx, id)
}

// DeleteRound removes a persisted round. The running round cannot be deleted.
func (m *Manager) DeleteRound(ctx context.Context, id string) error {
	if m.store == nil {
		return ErrHistoryUnavailable
	}
	m.mu.Lock()
	active := m.runningLocked() && m.round.ID() == id
	m.mu.Unlock()
	if active {
		return ErrRoundActive
	}
	return m.store.DeleteRound(ctx, id)
}

// UpdateRoundMetadata sets the name or favorite flag of a persisted round.
func (m *Manager) UpdateRoundMetadata(ctx context.Context, id string, update *storage.RoundMetadataUpdate) error {
	if m.store == nil {
		return ErrHistoryUnavailable
	}
	return m.store.UpdateRoundMetadata(ctx, id, update)
}
