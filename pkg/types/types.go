// Package types contains public API types for the goodput benchmark.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// RoundState represents the lifecycle state of a benchmark round.
type RoundState string

const (
	StateIdle      RoundState = "idle"
	StateWarmingUp RoundState = "warming_up"
	StateMeasuring RoundState = "measuring"
	StateDraining  RoundState = "draining"
	StateDone      RoundState = "done"
	StateFailed    RoundState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RoundState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// PhaseKind distinguishes warm-up groups from the measured group.
type PhaseKind string

const (
	PhaseWarmup  PhaseKind = "warmup"
	PhaseMeasure PhaseKind = "measure"
)

// Token selects what kind of transfer a workload carries.
type Token string

const (
	TokenNative Token = "native"
	TokenERC20  Token = "erc20"
	TokenCustom Token = "custom"
)

// WorkloadMode selects how senders are distributed across the corpus.
type WorkloadMode string

const (
	ModeNormal     WorkloadMode = "normal"
	ModeLessSender WorkloadMode = "less-sender"
)

// AdmissionPolicy selects the admission test used by the flow controller.
type AdmissionPolicy string

const (
	// AdmitOrdinal compares cursor*unitSize + base against goodput + window.
	AdmitOrdinal AdmissionPolicy = "ordinal"
	// AdmitExact compares base + units already dispatched in the phase.
	AdmitExact AdmissionPolicy = "exact"
)

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`     // ms
	Max     float64         `json:"max"`     // ms
	Avg     float64         `json:"avg"`     // ms
	P50     float64         `json:"p50"`     // ms
	P75     float64         `json:"p75"`     // ms
	P90     float64         `json:"p90"`     // ms
	P95     float64         `json:"p95"`     // ms
	P99     float64         `json:"p99"`     // ms
	Buckets []LatencyBucket `json:"buckets"` // histogram
}

// BlockStats summarizes background block production during a round.
type BlockStats struct {
	Produced            uint64        `json:"produced"`
	Failures            uint64        `json:"failures"`
	ConsecutiveFailures uint64        `json:"consecutiveFailures"`
	Latency             *LatencyStats `json:"latency,omitempty"`
}

// PhaseResult records one completed Send + Wait phase.
type PhaseResult struct {
	Kind        PhaseKind `json:"kind"`
	Index       int       `json:"index"`
	Corpus      string    `json:"corpus"`
	BaseOffset  uint64    `json:"baseOffset"`
	UnitsSent   uint64    `json:"unitsSent"`
	BatchesSent uint64    `json:"batchesSent"`
	Target      uint64    `json:"target"`
	SendMs      int64     `json:"sendMs"`
	WaitMs      int64     `json:"waitMs"`
	StartedAt   time.Time `json:"startedAt"`
}

// RoundStatus is the live view of the current round.
type RoundStatus struct {
	ID              string             `json:"id,omitempty"`
	State           RoundState         `json:"state"`
	Phase           string             `json:"phase,omitempty"`
	Goodput         uint64             `json:"goodput"`
	UnitsDispatched uint64             `json:"unitsDispatched"`
	BatchesSent     uint64             `json:"batchesSent"`
	BaseOffset      uint64             `json:"baseOffset"`
	Target          uint64             `json:"target,omitempty"`
	SessionBatches  []uint64           `json:"sessionBatches,omitempty"`
	ElapsedMs       int64              `json:"elapsedMs"`
	Blocks          *BlockStats        `json:"blocks,omitempty"`
	Error           string             `json:"error,omitempty"`
	Warnings        []string           `json:"warnings,omitempty"`
	Request         *StartRoundRequest `json:"request,omitempty"`
}

// RoundResult stores the final results of a completed round.
type RoundResult struct {
	ID          string            `json:"id"`
	State       RoundState        `json:"state"`
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt time.Time         `json:"completedAt"`
	ElapsedMs   int64             `json:"elapsedMs"`
	MeasureMs   int64             `json:"measureMs"`
	UnitsSent   uint64            `json:"unitsSent"`
	BatchesSent uint64            `json:"batchesSent"`
	Goodput     float64           `json:"goodput"` // units per second over the measured phase
	Phases      []PhaseResult     `json:"phases"`
	Blocks      *BlockStats       `json:"blocks,omitempty"`
	Error       string            `json:"error,omitempty"`
	Config      StartRoundRequest `json:"config"`
}

// StartRoundRequest is the API request to start a round.
type StartRoundRequest struct {
	Token        Token        `json:"token"`
	Mode         WorkloadMode `json:"mode,omitempty"`
	Accounts     int          `json:"accounts"`
	WarmupUnits  int          `json:"warmupUnits"`
	MeasureUnits int          `json:"measureUnits"`
	ExecMode     string       `json:"execMode,omitempty"`

	// Custom workload: explicit corpus files relative to the data directory.
	WarmupCorpora []CorpusRef `json:"warmupCorpora,omitempty"`
	MeasureCorpus *CorpusRef  `json:"measureCorpus,omitempty"`
}

// CorpusRef names a corpus file and how many units to take from it.
type CorpusRef struct {
	Path  string `json:"path"`
	Units int    `json:"units"`
}
