package txbuilder

import (
	"github.com/ethereum/go-ethereum/core/types"
)

// KindETHTransfer is the kind of plain value transfers.
const KindETHTransfer = "eth-transfer"

// ETHTransferBuilder builds plain value transfers.
type ETHTransferBuilder struct{}

// NewETHTransferBuilder creates a new ETH transfer builder.
func NewETHTransferBuilder() *ETHTransferBuilder {
	return &ETHTransferBuilder{}
}

// Kind implements Builder.
func (b *ETHTransferBuilder) Kind() string { return KindETHTransfer }

// GasLimit returns the intrinsic transfer gas (21000).
func (b *ETHTransferBuilder) GasLimit() uint64 {
	return 21000
}

// Build creates a transfer of params.Value to params.To.
func (b *ETHTransferBuilder) Build(params TxParams) (*types.Transaction, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return NewTransferTx(params.ChainID, params.Nonce, params.To, params.value(), b.GasLimit(), params.tipCap(), params.GasFeeCap, nil, params.UseLegacy), nil
}
