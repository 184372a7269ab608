// Package txbuilder builds the unsigned transactions that make up a corpus.
package txbuilder

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrInvalidParams is returned when a transaction cannot be built from the
// given parameters.
var ErrInvalidParams = errors.New("invalid transaction params")

// TxParams holds parameters for building a transaction.
type TxParams struct {
	ChainID   *big.Int
	Nonce     uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int // Gas price when UseLegacy is set
	UseLegacy bool

	To    common.Address // Recipient of the value or token amount
	Value *big.Int       // Native value or token amount; nil means 1
}

func (p TxParams) validate() error {
	if p.ChainID == nil || p.ChainID.Sign() == 0 {
		return fmt.Errorf("%w: ChainID must be non-nil and non-zero", ErrInvalidParams)
	}
	if p.GasFeeCap == nil {
		return fmt.Errorf("%w: GasFeeCap is required", ErrInvalidParams)
	}
	if p.Value != nil && p.Value.Sign() < 0 {
		return fmt.Errorf("%w: negative value", ErrInvalidParams)
	}
	return nil
}

func (p TxParams) tipCap() *big.Int {
	if p.GasTipCap == nil {
		return p.GasFeeCap
	}
	return p.GasTipCap
}

func (p TxParams) value() *big.Int {
	if p.Value == nil {
		return big.NewInt(1)
	}
	return p.Value
}

// Builder builds transactions of one kind.
type Builder interface {
	// Kind names the transaction kind, e.g. "eth-transfer".
	Kind() string

	// GasLimit returns the gas limit for this kind.
	GasLimit() uint64

	// Build creates an unsigned transaction.
	Build(params TxParams) (*types.Transaction, error)
}

// Registry manages builder lookup by kind.
type Registry struct {
	builders map[string]Builder
}

// NewRegistry creates a new builder registry.
func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[string]Builder),
	}
}

// Register adds a builder to the registry, replacing any with the same kind.
func (r *Registry) Register(builder Builder) {
	r.builders[builder.Kind()] = builder
}

// Get returns the builder for kind.
func (r *Registry) Get(kind string) (Builder, error) {
	builder, ok := r.builders[kind]
	if !ok {
		return nil, fmt.Errorf("unknown transaction kind: %s", kind)
	}
	return builder, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.builders))
	for k := range r.builders {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// NewDefaultRegistry creates a registry with the native and ERC20 builders.
// token is the deployed ERC20 contract used by the transfer builder.
func NewDefaultRegistry(token common.Address) *Registry {
	r := NewRegistry()
	r.Register(NewETHTransferBuilder())
	r.Register(NewERC20TransferBuilder(token))
	r.Register(NewERC20DeployBuilder())
	return r
}

// NewTransferTx creates either a DynamicFeeTx or LegacyTx depending on useLegacy.
// For legacy transactions, gasFeeCap is used as the gas price.
func NewTransferTx(chainID *big.Int, nonce uint64, to common.Address, value *big.Int, gasLimit uint64, gasTipCap *big.Int, gasFeeCap *big.Int, data []byte, useLegacy bool) *types.Transaction {
	return newTx(chainID, nonce, &to, value, gasLimit, gasTipCap, gasFeeCap, data, useLegacy)
}

// NewContractTx creates either a DynamicFeeTx or LegacyTx for contract deployment (nil To).
func NewContractTx(chainID *big.Int, nonce uint64, value *big.Int, gasLimit uint64, gasTipCap *big.Int, gasFeeCap *big.Int, data []byte, useLegacy bool) *types.Transaction {
	return newTx(chainID, nonce, nil, value, gasLimit, gasTipCap, gasFeeCap, data, useLegacy)
}

func newTx(chainID *big.Int, nonce uint64, to *common.Address, value *big.Int, gasLimit uint64, gasTipCap *big.Int, gasFeeCap *big.Int, data []byte, useLegacy bool) *types.Transaction {
	if useLegacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasFeeCap,
			Gas:      gasLimit,
			To:       to,
			Value:    value,
			Data:     data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        to,
		Value:     value,
		Data:      data,
	})
}
