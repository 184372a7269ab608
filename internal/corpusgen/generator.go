// Package corpusgen manufactures the signed transaction corpora replayed by
// benchmark rounds.
package corpusgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/goodputbench/internal/account"
	"github.com/gateway-fm/goodputbench/internal/config"
	"github.com/gateway-fm/goodputbench/internal/corpus"
	"github.com/gateway-fm/goodputbench/internal/txbuilder"
)

const (
	// GenesisAccounts is the number of accounts funded at genesis.
	GenesisAccounts = 20000
	// LessSenderPool is the number of genesis accounts used as senders by
	// the less-sender files. Distribution draws from the remaining ones so
	// the two never share nonces.
	LessSenderPool = 10000

	// DeployerIndex is the genesis account that creates the ERC20 contract.
	DeployerIndex = GenesisAccounts - 1

	DefaultBatchSize    = 200
	DefaultChunkBatches = 50
)

// ErrConfiguration is returned for invalid generator settings.
var ErrConfiguration = config.ErrConfiguration

var (
	defaultGasPrice = big.NewInt(params.GWei)
	fundingValue    = big.NewInt(params.Ether)
	tokenAmount     = big.NewInt(1000)
)

// Config controls how corpora are generated.
type Config struct {
	DataDir      string
	ChainID      *big.Int
	GasPrice     *big.Int // Fee cap, or gas price for legacy transactions
	GasTipCap    *big.Int // Defaults to GasPrice
	Legacy       bool
	BatchSize    int
	ChunkBatches int
	Seed         int64
	Workers      int
	Compress     bool
}

// DefaultConfig returns a config with the package defaults applied.
func DefaultConfig() Config {
	return Config{
		DataDir:      "experiment_data",
		ChainID:      big.NewInt(1),
		GasPrice:     new(big.Int).Set(defaultGasPrice),
		BatchSize:    DefaultBatchSize,
		ChunkBatches: DefaultChunkBatches,
		Seed:         1,
		Workers:      runtime.NumCPU(),
	}
}

// Validate checks the config and fills unset optional fields.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data dir is required", ErrConfiguration)
	}
	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		return fmt.Errorf("%w: chain id must be positive", ErrConfiguration)
	}
	if c.GasPrice == nil {
		c.GasPrice = new(big.Int).Set(defaultGasPrice)
	}
	if c.GasPrice.Sign() < 0 {
		return fmt.Errorf("%w: gas price must not be negative", ErrConfiguration)
	}
	if c.GasTipCap == nil {
		c.GasTipCap = c.GasPrice
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive", ErrConfiguration)
	}
	if c.ChunkBatches <= 0 {
		c.ChunkBatches = DefaultChunkBatches
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return nil
}

// File describes one generated corpus file.
type File struct {
	Path     string        `json:"path"`
	Txs      uint64        `json:"txs"`
	Batches  uint64        `json:"batches"`
	Duration time.Duration `json:"duration"`
}

// unsignedTx is one unsigned transaction with the account that signs it.
type unsignedTx struct {
	from *account.Account
	tx   *types.Transaction
}

// planner returns the i-th transaction of a file. It is called sequentially
// with increasing i so it may consume randomness and nonces.
type planner func(i uint64) (unsignedTx, error)

// Generator builds corpus files.
type Generator struct {
	cfg    Config
	logger *slog.Logger
	signer types.Signer

	tokenAddr common.Address
	eth       txbuilder.Builder
	token     txbuilder.Builder
	dep       txbuilder.Builder

	// addrs caches receiver addresses, which need no nonce state.
	addrs map[uint64]common.Address
}

// New creates a generator. cfg is validated.
func New(cfg Config, logger *slog.Logger) (*Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	deployer, err := account.Derive(DeployerIndex)
	if err != nil {
		return nil, err
	}
	g := &Generator{
		cfg:       cfg,
		logger:    logger,
		signer:    types.LatestSignerForChainID(cfg.ChainID),
		tokenAddr: TokenAddress(deployer.Address),
		addrs:     make(map[uint64]common.Address),
	}

	reg := txbuilder.NewDefaultRegistry(g.tokenAddr)
	for kind, dst := range map[string]*txbuilder.Builder{
		txbuilder.KindETHTransfer:   &g.eth,
		txbuilder.KindERC20Transfer: &g.token,
		txbuilder.KindERC20Deploy:   &g.dep,
	} {
		b, err := reg.Get(kind)
		if err != nil {
			return nil, err
		}
		*dst = b
	}
	return g, nil
}

// TokenAddress returns the contract address created by the deployer's first
// transaction.
func TokenAddress(deployer common.Address) common.Address {
	return crypto.CreateAddress(deployer, 0)
}

// Token returns the ERC20 contract the generated transfers target.
func (g *Generator) Token() common.Address {
	return g.tokenAddr
}

// Path returns where family/name is written.
func (g *Generator) Path(family, name string) string {
	p := filepath.Join(g.cfg.DataDir, family, name)
	if g.cfg.Compress {
		p += ".zst"
	}
	return p
}

func (g *Generator) params(from *account.Account, to common.Address, value *big.Int) (txbuilder.TxParams, *account.Nonce) {
	n := from.ReserveNonce()
	return txbuilder.TxParams{
		ChainID:   g.cfg.ChainID,
		Nonce:     n.Value(),
		GasTipCap: g.cfg.GasTipCap,
		GasFeeCap: g.cfg.GasPrice,
		UseLegacy: g.cfg.Legacy,
		To:        to,
		Value:     value,
	}, n
}

// build reserves a nonce on from and builds with b, rolling the nonce back
// if the build fails.
func (g *Generator) build(b txbuilder.Builder, from *account.Account, to common.Address, value *big.Int) (unsignedTx, error) {
	p, n := g.params(from, to, value)
	defer n.Rollback()
	tx, err := b.Build(p)
	if err != nil {
		return unsignedTx{}, fmt.Errorf("build %s from account %d: %w", b.Kind(), from.Index, err)
	}
	n.Commit()
	return unsignedTx{from: from, tx: tx}, nil
}

func (g *Generator) address(index uint64) (common.Address, error) {
	if addr, ok := g.addrs[index]; ok {
		return addr, nil
	}
	acc, err := account.Derive(index)
	if err != nil {
		return common.Address{}, err
	}
	g.addrs[index] = acc.Address
	return acc.Address, nil
}

// write signs count transactions from plan and streams them to path in
// batches. Planning is sequential so output is deterministic; signing of
// each chunk runs on cfg.Workers goroutines.
func (g *Generator) write(ctx context.Context, path string, count uint64, plan planner) (*File, error) {
	start := time.Now()
	w, err := corpus.Create(path, uint64(g.cfg.BatchSize))
	if err != nil {
		return nil, err
	}

	batchSize := uint64(g.cfg.BatchSize)
	chunkTxs := batchSize * uint64(g.cfg.ChunkBatches)
	pending := make([]unsignedTx, 0, min(chunkTxs, count))
	file := &File{Path: path}

	for done := uint64(0); done < count; {
		if err := ctx.Err(); err != nil {
			w.Close()
			return nil, err
		}
		pending = pending[:0]
		for i := done; i < count && uint64(len(pending)) < chunkTxs; i++ {
			u, err := plan(i)
			if err != nil {
				w.Close()
				return nil, err
			}
			pending = append(pending, u)
		}

		batches, err := g.signChunk(ctx, pending, batchSize)
		if err != nil {
			w.Close()
			return nil, err
		}
		if err := w.WriteChunk(batches); err != nil {
			w.Close()
			return nil, err
		}
		done += uint64(len(pending))
		file.Batches += uint64(len(batches))
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	file.Txs = w.Units()
	file.Duration = time.Since(start)

	g.logger.Info("Corpus written",
		slog.String("path", path),
		slog.Uint64("txs", file.Txs),
		slog.Uint64("batches", file.Batches),
		slog.Duration("duration", file.Duration),
	)
	return file, nil
}

func (g *Generator) signChunk(ctx context.Context, pending []unsignedTx, batchSize uint64) ([]corpus.Batch, error) {
	n := (uint64(len(pending)) + batchSize - 1) / batchSize
	batches := make([]corpus.Batch, n)

	var eg errgroup.Group
	eg.SetLimit(g.cfg.Workers)
	for b := uint64(0); b < n; b++ {
		lo := b * batchSize
		hi := min(lo+batchSize, uint64(len(pending)))
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			txs := make(types.Transactions, 0, hi-lo)
			for _, s := range pending[lo:hi] {
				signed, err := types.SignTx(s.tx, g.signer, s.from.PrivateKey)
				if err != nil {
					return fmt.Errorf("sign tx from account %d: %w", s.from.Index, err)
				}
				txs = append(txs, signed)
			}
			enc, err := rlp.EncodeToBytes(txs)
			if err != nil {
				return fmt.Errorf("encode batch: %w", err)
			}
			batches[b] = corpus.Batch{Encoded: enc, Length: uint64(len(txs))}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return batches, nil
}

// indexRange is a half-open range of account indices.
type indexRange struct{ lo, hi uint64 }

func (r indexRange) size() uint64 { return r.hi - r.lo }

func (r indexRange) pick(rng *rand.Rand) uint64 {
	return r.lo + uint64(rng.Int63n(int64(r.size())))
}

var (
	distributeSenders = indexRange{LessSenderPool, GenesisAccounts}
	lessSenders       = indexRange{0, LessSenderPool}
)

func (g *Generator) rng(salt int64) *rand.Rand {
	return rand.New(rand.NewSource(g.cfg.Seed ^ salt))
}

// DecodeBatch returns the transactions carried by a generated batch.
func DecodeBatch(b corpus.Batch) (types.Transactions, error) {
	var txs types.Transactions
	if err := rlp.DecodeBytes(b.Encoded, &txs); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	if uint64(len(txs)) != b.Length {
		return nil, errors.New("batch length does not match its transactions")
	}
	return txs, nil
}
