package corpusgen

import (
	"context"
	"fmt"
	"slices"

	"github.com/gateway-fm/goodputbench/internal/account"
	"github.com/gateway-fm/goodputbench/internal/txbuilder"
)

// Corpus families, matching the directories the workload profiles read.
const (
	FamilyTransfer = "transfer"
	FamilyERC20    = "erc20"
)

// Options sizes one family.
type Options struct {
	// Accounts lists the active-account counts to generate measured files for.
	Accounts []uint64
	// Txs is the number of transactions in each measured file.
	Txs uint64
	// Distribute is the number of funded recipients. Zero means the largest
	// entry of Accounts.
	Distribute uint64
}

func (o Options) validate() error {
	if len(o.Accounts) == 0 {
		return fmt.Errorf("%w: at least one account count is required", ErrConfiguration)
	}
	for _, n := range o.Accounts {
		if n == 0 {
			return fmt.Errorf("%w: account count must be positive", ErrConfiguration)
		}
	}
	if o.Txs == 0 {
		return fmt.Errorf("%w: transaction count must be positive", ErrConfiguration)
	}
	if o.Distribute != 0 && o.Distribute < slices.Max(o.Accounts) {
		return fmt.Errorf("%w: distribute %d does not fund %d accounts", ErrConfiguration, o.Distribute, slices.Max(o.Accounts))
	}
	return nil
}

func (o Options) recipients() uint64 {
	if o.Distribute != 0 {
		return o.Distribute
	}
	return slices.Max(o.Accounts)
}

// Random-stream salts keep each file's choices independent of the others.
const (
	saltDistribute int64 = iota + 1
	saltRandom
	saltLessSender
)

func salt(kind int64, family string, n uint64) int64 {
	s := kind<<48 ^ int64(n)
	if family == FamilyERC20 {
		s ^= 1 << 40
	}
	return s
}

// GenerateTransfer writes transfer/distribute and, for every account count
// n, transfer/random_<n> and transfer/less_sender_<n>.
func (g *Generator) GenerateTransfer(ctx context.Context, opts Options) ([]*File, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	var files []*File
	f, err := g.distribute(ctx, FamilyTransfer, account.NewLedger(), opts.recipients())
	if err != nil {
		return nil, err
	}
	files = append(files, f)

	more, err := g.measured(ctx, FamilyTransfer, g.eth, opts)
	if err != nil {
		return nil, err
	}
	return append(files, more...), nil
}

// GenerateERC20 writes erc20/deploy, erc20/distribute and, for every account
// count n, erc20/random_<n> and erc20/less_sender_<n>.
func (g *Generator) GenerateERC20(ctx context.Context, opts Options) ([]*File, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	ledger := account.NewLedger()
	deploy, err := g.deploy(ctx, ledger)
	if err != nil {
		return nil, err
	}
	// Distribution continues the deployer's nonce, so it shares the ledger.
	dist, err := g.distribute(ctx, FamilyERC20, ledger, opts.recipients())
	if err != nil {
		return nil, err
	}

	more, err := g.measured(ctx, FamilyERC20, g.token, opts)
	if err != nil {
		return nil, err
	}
	return append([]*File{deploy, dist}, more...), nil
}

func (g *Generator) measured(ctx context.Context, family string, b txbuilder.Builder, opts Options) ([]*File, error) {
	var files []*File
	for _, n := range opts.Accounts {
		f, err := g.random(ctx, family, b, n, opts.Txs)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	for _, n := range opts.Accounts {
		f, err := g.lessSender(ctx, family, b, n, opts.Txs)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// deploy writes the single contract creation from the deployer's nonce 0.
func (g *Generator) deploy(ctx context.Context, ledger *account.Ledger) (*File, error) {
	deployer, err := ledger.Get(DeployerIndex)
	if err != nil {
		return nil, err
	}
	if deployer.PeekNonce() != 0 {
		return nil, fmt.Errorf("deployer nonce is %d, want 0", deployer.PeekNonce())
	}
	return g.write(ctx, g.Path(FamilyERC20, "deploy"), 1, func(uint64) (unsignedTx, error) {
		return g.build(g.dep, deployer, deployer.Address, nil)
	})
}

// distribute funds recipients GenesisAccounts, GenesisAccounts+1, ... with
// one ether each, sent by randomly chosen genesis accounts.
func (g *Generator) distribute(ctx context.Context, family string, ledger *account.Ledger, recipients uint64) (*File, error) {
	rng := g.rng(salt(saltDistribute, family, recipients))
	return g.write(ctx, g.Path(family, "distribute"), recipients, func(i uint64) (unsignedTx, error) {
		from, err := ledger.Get(distributeSenders.pick(rng))
		if err != nil {
			return unsignedTx{}, err
		}
		to, err := g.address(GenesisAccounts + i)
		if err != nil {
			return unsignedTx{}, err
		}
		return g.build(g.eth, from, to, fundingValue)
	})
}

// random draws sender and receiver uniformly from the n funded accounts.
func (g *Generator) random(ctx context.Context, family string, b txbuilder.Builder, n, txs uint64) (*File, error) {
	active := indexRange{GenesisAccounts, GenesisAccounts + n}
	return g.pairs(ctx, g.Path(family, fmt.Sprintf("random_%d", n)), b, active, active, txs, salt(saltRandom, family, n))
}

// lessSender sends from the small genesis pool to the first n accounts.
func (g *Generator) lessSender(ctx context.Context, family string, b txbuilder.Builder, n, txs uint64) (*File, error) {
	receivers := indexRange{0, n}
	return g.pairs(ctx, g.Path(family, fmt.Sprintf("less_sender_%d", n)), b, lessSenders, receivers, txs, salt(saltLessSender, family, n))
}

func (g *Generator) pairs(ctx context.Context, path string, b txbuilder.Builder, senders, receivers indexRange, txs uint64, s int64) (*File, error) {
	ledger := account.NewLedger()
	rng := g.rng(s)
	value := tokenAmount
	if b.Kind() == txbuilder.KindETHTransfer {
		value = nil
	}
	return g.write(ctx, path, txs, func(uint64) (unsignedTx, error) {
		from, err := ledger.Get(senders.pick(rng))
		if err != nil {
			return unsignedTx{}, err
		}
		to, err := g.address(receivers.pick(rng))
		if err != nil {
			return unsignedTx{}, err
		}
		return g.build(b, from, to, value)
	})
}
