// Package storage provides persistence for benchmark round history.
package storage

import (
	"time"

	"github.com/gateway-fm/goodputbench/pkg/types"
)

// Round status values.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Round represents a persisted benchmark round with summary statistics.
// JSON tags use camelCase to match the status API.
type Round struct {
	ID           string                   `json:"id"`
	StartedAt    time.Time                `json:"startedAt"`
	CompletedAt  *time.Time               `json:"completedAt,omitempty"`
	Token        types.Token              `json:"token"`
	Mode         types.WorkloadMode       `json:"mode"`
	ExecMode     string                   `json:"execMode"`
	Accounts     int                      `json:"accounts"`
	WarmupUnits  int                      `json:"warmupUnits"`
	MeasureUnits int                      `json:"measureUnits"`
	UnitsSent    uint64                   `json:"unitsSent"`
	BatchesSent  uint64                   `json:"batchesSent"`
	ElapsedMs    int64                    `json:"elapsedMs"`
	MeasureMs    int64                    `json:"measureMs"`
	Goodput      float64                  `json:"goodput"`
	Blocks       *types.BlockStats        `json:"blocks,omitempty"`
	Config       *types.StartRoundRequest `json:"config,omitempty"`
	Status       string                   `json:"status"` // "running", "done", "failed"
	ErrorMessage string                   `json:"errorMessage,omitempty"`
	// User-defined metadata
	CustomName *string `json:"customName,omitempty"`
	IsFavorite bool    `json:"isFavorite"`
}

// RoundFromResult builds the persisted form of a finished round.
func RoundFromResult(r *types.RoundResult, execMode string) *Round {
	completed := r.CompletedAt
	status := StatusDone
	if r.State == types.StateFailed {
		status = StatusFailed
	}
	cfg := r.Config
	return &Round{
		ID:           r.ID,
		StartedAt:    r.StartedAt,
		CompletedAt:  &completed,
		Token:        cfg.Token,
		Mode:         cfg.Mode,
		ExecMode:     execMode,
		Accounts:     cfg.Accounts,
		WarmupUnits:  cfg.WarmupUnits,
		MeasureUnits: cfg.MeasureUnits,
		UnitsSent:    r.UnitsSent,
		BatchesSent:  r.BatchesSent,
		ElapsedMs:    r.ElapsedMs,
		MeasureMs:    r.MeasureMs,
		Goodput:      r.Goodput,
		Blocks:       r.Blocks,
		Config:       &cfg,
		Status:       status,
		ErrorMessage: r.Error,
	}
}

// Sample is one goodput observation taken during a round.
type Sample struct {
	TimestampMs int64  `json:"t"` // Milliseconds since round start
	Goodput     uint64 `json:"goodput"`
	Dispatched  uint64 `json:"dispatched"`
	Phase       string `json:"phase,omitempty"`
}

// RoundDetail includes the round with its phases and goodput samples.
type RoundDetail struct {
	Round   Round               `json:"round"`
	Phases  []types.PhaseResult `json:"phases"`
	Samples []Sample            `json:"samples"`
}

// PaginatedRounds is a paginated list of rounds.
type PaginatedRounds struct {
	Rounds []Round `json:"rounds"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// RoundMetadataUpdate contains fields that can be updated on a round.
type RoundMetadataUpdate struct {
	CustomName *string `json:"customName,omitempty"`
	IsFavorite *bool   `json:"isFavorite,omitempty"`
}
