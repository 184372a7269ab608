// Package execmode provides block production presets and a registry for them.
// A preset fixes how many transactions the node may package per block and how
// often the benchmark asks for a block, so runs against differently-tuned
// nodes stay comparable without scattered conditionals.
package execmode

import "time"

// Preset defines the block production cadence for one execution mode.
type Preset struct {
	// Name is the canonical identifier for this mode (e.g., "normal", "slow-exec").
	Name string

	// NumTxs is the maximum number of transactions per requested block.
	NumTxs int

	// Interval is the minimum spacing between consecutive block requests.
	Interval time.Duration

	// Description is shown in the API and CLI help.
	Description string
}

// String returns the canonical name of the preset.
func (p *Preset) String() string {
	if p == nil {
		return "unknown"
	}
	return p.Name
}
