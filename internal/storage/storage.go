package storage

import (
	"context"

	"github.com/gateway-fm/goodputbench/pkg/types"
)

// Storage defines the persistence interface for benchmark rounds.
type Storage interface {
	// Round lifecycle
	CreateRound(ctx context.Context, run *Round) error
	CompleteRound(ctx context.Context, run *Round) error
	GetRound(ctx context.Context, id string) (*Round, error)

	// History queries
	ListRounds(ctx context.Context, limit, offset int) (*PaginatedRounds, error)
	GetRoundDetail(ctx context.Context, id string) (*RoundDetail, error)
	DeleteRound(ctx context.Context, id string) error
	UpdateRoundMetadata(ctx context.Context, id string, update *RoundMetadataUpdate) error

	// Per-round bulk operations (called after the round completes)
	BulkInsertPhases(ctx context.Context, roundID string, phases []types.PhaseResult) error
	GetPhases(ctx context.Context, roundID string) ([]types.PhaseResult, error)
	BulkInsertSamples(ctx context.Context, roundID string, samples []Sample) error
	GetSamples(ctx context.Context, roundID string) ([]Sample, error)

	// Lifecycle
	Close() error
}
