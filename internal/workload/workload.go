// Package workload maps a token and sender mode to the corpus files a round
// replays.
package workload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gateway-fm/goodputbench/internal/config"
	"github.com/gateway-fm/goodputbench/pkg/types"
)

// ErrConfiguration is returned for invalid workload parameters.
var ErrConfiguration = config.ErrConfiguration

// lessSenderWarmupFloor is the warm-up below which the native less-sender
// profile skips its distribution phase, and the minimum distribution size
// for the ERC20 less-sender profile.
const lessSenderWarmupFloor = 20000

const erc20LessSenderDistribute = 10000

// Params sizes a workload.
type Params struct {
	DataDir      string
	Accounts     int
	WarmupUnits  int
	MeasureUnits int
}

// Group is one corpus file and how many units to replay from it.
type Group struct {
	Path  string `json:"path"`
	Units uint64 `json:"units"`
}

// Plan lists the warm-up groups in order followed by the measured group.
type Plan struct {
	Name    string  `json:"name"`
	Warmup  []Group `json:"warmup"`
	Measure Group   `json:"measure"`
}

// Groups returns every group in replay order.
func (p *Plan) Groups() []Group {
	out := make([]Group, 0, len(p.Warmup)+1)
	out = append(out, p.Warmup...)
	return append(out, p.Measure)
}

// WarmupUnits returns the total units replayed before measurement.
func (p *Plan) WarmupUnits() uint64 {
	var n uint64
	for _, g := range p.Warmup {
		n += g.Units
	}
	return n
}

// Profile builds a plan from validated parameters.
type Profile func(p Params) *Plan

type key struct {
	token types.Token
	mode  types.WorkloadMode
}

// Registry manages profile lookup by token and mode.
type Registry struct {
	profiles map[key]Profile
}

// NewRegistry creates a registry with the built-in profiles.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[key]Profile)}

	r.Register(types.TokenNative, types.ModeNormal, func(p Params) *Plan {
		return &Plan{
			Name: "native",
			Warmup: []Group{
				{Path: p.path("transfer", "distribute"), Units: uint64(max(p.Accounts, p.WarmupUnits))},
			},
			Measure: Group{Path: p.path("transfer", fmt.Sprintf("random_%d", p.Accounts)), Units: uint64(p.MeasureUnits)},
		}
	})
	r.Register(types.TokenNative, types.ModeLessSender, func(p Params) *Plan {
		plan := &Plan{
			Name:    "native-less-sender",
			Measure: Group{Path: p.path("transfer", fmt.Sprintf("less_sender_%d", p.Accounts)), Units: uint64(p.MeasureUnits)},
		}
		if p.WarmupUnits > lessSenderWarmupFloor {
			plan.Warmup = []Group{{Path: p.path("transfer", "distribute"), Units: uint64(p.WarmupUnits)}}
		}
		return plan
	})
	r.Register(types.TokenERC20, types.ModeNormal, func(p Params) *Plan {
		return &Plan{
			Name: "erc20",
			Warmup: []Group{
				{Path: p.path("erc20", "deploy"), Units: 1},
				{Path: p.path("erc20", "distribute"), Units: uint64(max(p.Accounts, p.WarmupUnits))},
			},
			Measure: Group{Path: p.path("erc20", fmt.Sprintf("random_%d", p.Accounts)), Units: uint64(p.MeasureUnits)},
		}
	})
	r.Register(types.TokenERC20, types.ModeLessSender, func(p Params) *Plan {
		return &Plan{
			Name: "erc20-less-sender",
			Warmup: []Group{
				{Path: p.path("erc20", "deploy"), Units: 1},
				{Path: p.path("erc20", "distribute"), Units: uint64(max(erc20LessSenderDistribute, p.WarmupUnits))},
			},
			Measure: Group{Path: p.path("erc20", fmt.Sprintf("less_sender_%d", p.Accounts)), Units: uint64(p.MeasureUnits)},
		}
	})

	return r
}

// Register adds a profile to the registry, replacing any existing one.
func (r *Registry) Register(token types.Token, mode types.WorkloadMode, profile Profile) {
	r.profiles[key{token, mode}] = profile
}

// Build validates p and returns the plan for token and mode.
// An empty mode selects the normal profile.
func (r *Registry) Build(token types.Token, mode types.WorkloadMode, p Params) (*Plan, error) {
	if mode == "" {
		mode = types.ModeNormal
	}
	profile, ok := r.profiles[key{token, mode}]
	if !ok {
		return nil, fmt.Errorf("%w: unknown workload %s/%s", ErrConfiguration, token, mode)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return profile(p), nil
}

// Validate checks the sizing invariants shared by the built-in profiles.
func (p Params) Validate() error {
	if p.Accounts <= 0 {
		return fmt.Errorf("%w: accounts must be positive", ErrConfiguration)
	}
	if p.MeasureUnits <= 0 {
		return fmt.Errorf("%w: measured units must be positive", ErrConfiguration)
	}
	if p.WarmupUnits <= p.Accounts {
		return fmt.Errorf("%w: warm-up units (%d) must exceed accounts (%d)", ErrConfiguration, p.WarmupUnits, p.Accounts)
	}
	return nil
}

func (p Params) path(elem ...string) string {
	return ResolvePath(filepath.Join(append([]string{p.DataDir}, elem...)...))
}

// Custom builds a plan from explicit corpus references relative to dataDir.
func Custom(dataDir string, warmup []types.CorpusRef, measure *types.CorpusRef) (*Plan, error) {
	if measure == nil || measure.Path == "" {
		return nil, fmt.Errorf("%w: custom workload needs a measured corpus", ErrConfiguration)
	}
	if measure.Units <= 0 {
		return nil, fmt.Errorf("%w: measured units must be positive", ErrConfiguration)
	}

	plan := &Plan{
		Name:    "custom",
		Measure: Group{Path: resolveIn(dataDir, measure.Path), Units: uint64(measure.Units)},
	}
	for i, ref := range warmup {
		if ref.Path == "" || ref.Units < 0 {
			return nil, fmt.Errorf("%w: warm-up corpus %d is invalid", ErrConfiguration, i)
		}
		plan.Warmup = append(plan.Warmup, Group{Path: resolveIn(dataDir, ref.Path), Units: uint64(ref.Units)})
	}
	return plan, nil
}

// FromRequest builds the plan a start request asks for.
func (r *Registry) FromRequest(dataDir string, req types.StartRoundRequest) (*Plan, error) {
	if req.Token == types.TokenCustom {
		return Custom(dataDir, req.WarmupCorpora, req.MeasureCorpus)
	}
	return r.Build(req.Token, req.Mode, Params{
		DataDir:      dataDir,
		Accounts:     req.Accounts,
		WarmupUnits:  req.WarmupUnits,
		MeasureUnits: req.MeasureUnits,
	})
}

func resolveIn(dataDir, path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(dataDir, path)
	}
	return ResolvePath(path)
}

// ResolvePath returns path, or path+".zst" when only the compressed file exists.
func ResolvePath(path string) string {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if _, err := os.Stat(path + ".zst"); err == nil {
			return path + ".zst"
		}
	}
	return path
}
