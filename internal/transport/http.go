// Package transport provides HTTP API handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/goodputbench/internal/bench"
	"github.com/gateway-fm/goodputbench/internal/config"
	"github.com/gateway-fm/goodputbench/internal/corpus"
	"github.com/gateway-fm/goodputbench/internal/storage"
	"github.com/gateway-fm/goodputbench/pkg/types"
)

// Input validation constants
const (
	maxAccounts   = 10_000_000
	maxUnits      = 1_000_000_000
	maxCorpora    = 64
	maxHistoryLim = 100
)

var validTokens = map[types.Token]bool{
	types.TokenNative: true,
	types.TokenERC20:  true,
	types.TokenCustom: true,
}

var validModes = map[types.WorkloadMode]bool{
	types.ModeNormal:     true,
	types.ModeLessSender: true,
	"":                   true, // Empty is valid (normal)
}

// validateStartRequest checks the shape of a start request. Sizing rules
// that depend on the workload profile are enforced by the manager.
func validateStartRequest(req *types.StartRoundRequest) error {
	if !validTokens[req.Token] {
		return fmt.Errorf("invalid token: %s (valid: native, erc20, custom)", req.Token)
	}
	if !validModes[req.Mode] {
		return fmt.Errorf("invalid mode: %s (valid: normal, less-sender)", req.Mode)
	}

	if req.Token == types.TokenCustom {
		if req.MeasureCorpus == nil {
			return fmt.Errorf("measureCorpus is required for custom token")
		}
		if len(req.WarmupCorpora) > maxCorpora {
			return fmt.Errorf("warmupCorpora exceeds maximum of %d", maxCorpora)
		}
		refs := make([]types.CorpusRef, 0, len(req.WarmupCorpora)+1)
		refs = append(refs, req.WarmupCorpora...)
		refs = append(refs, *req.MeasureCorpus)
		for i, ref := range refs {
			if ref.Path == "" {
				return fmt.Errorf("corpus %d has no path", i)
			}
			if strings.Contains(ref.Path, "..") {
				return fmt.Errorf("corpus path %q must stay inside the data directory", ref.Path)
			}
			if ref.Units < 0 || ref.Units > maxUnits {
				return fmt.Errorf("corpus %d units out of range: %d", i, ref.Units)
			}
		}
		return nil
	}

	if req.Accounts <= 0 {
		return fmt.Errorf("accounts must be positive, got %d", req.Accounts)
	}
	if req.Accounts > maxAccounts {
		return fmt.Errorf("accounts exceeds maximum of %d", maxAccounts)
	}
	if req.WarmupUnits < 0 || req.WarmupUnits > maxUnits {
		return fmt.Errorf("warmupUnits out of range: %d", req.WarmupUnits)
	}
	if req.MeasureUnits <= 0 {
		return fmt.Errorf("measureUnits must be positive, got %d", req.MeasureUnits)
	}
	if req.MeasureUnits > maxUnits {
		return fmt.Errorf("measureUnits exceeds maximum of %d", maxUnits)
	}
	return nil
}

// BenchAPI defines the round operations that handlers need.
type BenchAPI interface {
	Start(ctx context.Context, req types.StartRoundRequest) (string, error)
	Stop() error
	Status() types.RoundStatus
	Last() *types.RoundResult

	ListRounds(ctx context.Context, limit, offset int) (*storage.PaginatedRounds, error)
	GetRound(ctx context.Context, id string) (*storage.RoundDetail, error)
	DeleteRound(ctx context.Context, id string) error
	UpdateRoundMetadata(ctx context.Context, id string, update *storage.RoundMetadataUpdate) error
}

var _ BenchAPI = (*bench.Manager)(nil)

// HealthChecker defines the interface for health checking.
type HealthChecker interface {
	CheckNodeRPC(ctx context.Context) error
}

// BlockCounter is the node call used as a readiness probe.
type BlockCounter interface {
	BlockCount(ctx context.Context) (uint64, error)
}

// NodeHealth checks the node by asking for its block count.
type NodeHealth struct {
	Node BlockCounter
}

// CheckNodeRPC implements HealthChecker.
func (h NodeHealth) CheckNodeRPC(ctx context.Context) error {
	_, err := h.Node.BlockCount(ctx)
	return err
}

// Server handles HTTP requests for the benchmark.
type Server struct {
	api       BenchAPI
	health    HealthChecker
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	// CORS configuration
	corsAllowedOrigins []string // Parsed list of allowed origins
	corsAllowAll       bool     // True if "*" or empty (allow all origins)
}

// NewServer creates a new HTTP server.
func NewServer(api BenchAPI, health HealthChecker, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	// Create WebSocket server for live round status
	wsServer := NewWebSocketServer(api, logger)
	wsServer.Start()

	s := &Server{
		api:       api,
		health:    health,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
	}

	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// Close stops the status broadcaster and disconnects WebSocket clients.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/result", s.corsMiddleware(s.handleResult))
	mux.HandleFunc("/v1/start", s.corsMiddleware(s.handleStart))
	mux.HandleFunc("/v1/stop", s.corsMiddleware(s.handleStop))
	mux.HandleFunc("/v1/history", s.corsMiddleware(s.handleHistory))
	mux.HandleFunc("/v1/history/", s.corsMiddleware(s.handleHistoryDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			allowed := false
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// handleStatus returns the live status of the current or last round.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.api.Status())
}

// handleResult returns the result of the last finished round.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res := s.api.Last()
	if res == nil {
		s.writeJSONError(w, "No round has finished yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleStart starts a new round.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.StartRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := validateStartRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.api.Start(r.Context(), req)
	if err != nil {
		s.logger.Error("failed to start round", slog.String("error", err.Error()))
		s.writeJSONError(w, "Failed to start round: "+err.Error(), statusFor(err))
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "id": id})
}

// handleStop cancels the running round.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.api.Stop(); err != nil {
		s.writeJSONError(w, err.Error(), statusFor(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// handleHistory returns persisted rounds with optional pagination.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	offset := 0
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxHistoryLim {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	result, err := s.api.ListRounds(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get history: "+err.Error(), statusFor(err))
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleHistoryDetail handles GET, PATCH and DELETE on /v1/history/{id}.
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/history/"), "/")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSONError(w, "Missing round ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.api.DeleteRound(r.Context(), id); err != nil {
			s.writeJSONError(w, "Failed to delete round: "+err.Error(), statusFor(err))
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	case http.MethodPatch:
		var update storage.RoundMetadataUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.api.UpdateRoundMetadata(r.Context(), id, &update); err != nil {
			s.writeJSONError(w, "Failed to update round: "+err.Error(), statusFor(err))
			return
		}
		detail, err := s.api.GetRound(r.Context(), id)
		if err != nil || detail == nil {
			s.writeJSONError(w, "Failed to get updated round", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, detail.Round)

	case http.MethodGet:
		detail, err := s.api.GetRound(r.Context(), id)
		if err != nil {
			s.writeJSONError(w, "Failed to get round: "+err.Error(), statusFor(err))
			return
		}
		if detail == nil {
			s.writeJSONError(w, "Round not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, detail)

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bench.ErrRoundActive), errors.Is(err, bench.ErrNoRound):
		return http.StatusConflict
	case errors.Is(err, config.ErrConfiguration), errors.Is(err, corpus.ErrCorpusNotFound):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bench.ErrHistoryUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		start := time.Now()
		err := s.health.CheckNodeRPC(ctx)
		check := ReadinessCheck{
			Name:      "node-rpc",
			Status:    "ok",
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		}
		checks = append(checks, check)
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"ready":  allHealthy,
		"checks": checks,
	})
}
