// Package main provides corpusgen, which writes the pre-signed transaction
// corpora replayed by goodputbench rounds.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/goodputbench/internal/config"
	"github.com/gateway-fm/goodputbench/internal/corpusgen"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := newRootCmd(logger)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Error("corpusgen failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// genFlags are shared by every family subcommand.
type genFlags struct {
	dataDir      string
	accounts     []string
	txs          string
	distribute   string
	chainID      int64
	gasPriceGwei float64
	batchSize    int
	chunkBatches int
	seed         int64
	workers      int
	legacy       bool
	compress     bool
}

func (f *genFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.dataDir, "data-dir", "experiment_data", "Root directory for generated corpora")
	flags.StringSliceVar(&f.accounts, "accounts", []string{"10k"}, "Active account counts to generate measured files for (k/m/g suffixes)")
	flags.StringVar(&f.txs, "txs", "1m", "Transactions per measured file")
	flags.StringVar(&f.distribute, "distribute", "0", "Funded recipients (0 = largest --accounts)")
	flags.Int64Var(&f.chainID, "chain-id", 1, "Chain ID to sign for")
	flags.Float64Var(&f.gasPriceGwei, "gas-price", 1, "Fee cap (or legacy gas price) in gwei")
	flags.IntVar(&f.batchSize, "batch-size", corpusgen.DefaultBatchSize, "Transactions per batch")
	flags.IntVar(&f.chunkBatches, "chunk-batches", corpusgen.DefaultChunkBatches, "Batches per corpus chunk")
	flags.Int64Var(&f.seed, "seed", 1, "Random seed for sender and receiver selection")
	flags.IntVar(&f.workers, "workers", runtime.NumCPU(), "Parallel signing workers")
	flags.BoolVar(&f.legacy, "legacy", false, "Sign legacy transactions instead of dynamic-fee ones")
	flags.BoolVar(&f.compress, "zstd", false, "Write zstd-compressed corpora (.zst suffix)")
}

func (f *genFlags) config() corpusgen.Config {
	gwei := new(big.Float).Mul(big.NewFloat(f.gasPriceGwei), big.NewFloat(1e9))
	gasPrice, _ := gwei.Int(nil)
	return corpusgen.Config{
		DataDir:      f.dataDir,
		ChainID:      big.NewInt(f.chainID),
		GasPrice:     gasPrice,
		Legacy:       f.legacy,
		BatchSize:    f.batchSize,
		ChunkBatches: f.chunkBatches,
		Seed:         f.seed,
		Workers:      f.workers,
		Compress:     f.compress,
	}
}

func (f *genFlags) options() (corpusgen.Options, error) {
	var opts corpusgen.Options
	for _, s := range f.accounts {
		n, err := config.ParseCount(s)
		if err != nil {
			return opts, fmt.Errorf("--accounts %q: %w", s, err)
		}
		opts.Accounts = append(opts.Accounts, uint64(n))
	}
	txs, err := config.ParseCount(f.txs)
	if err != nil {
		return opts, fmt.Errorf("--txs %q: %w", f.txs, err)
	}
	opts.Txs = uint64(txs)
	dist, err := config.ParseCount(f.distribute)
	if err != nil {
		return opts, fmt.Errorf("--distribute %q: %w", f.distribute, err)
	}
	opts.Distribute = uint64(dist)
	return opts, nil
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "corpusgen",
		Short: "Generate pre-signed transaction corpora for goodputbench",
		Long: `Corpusgen writes the deterministic, pre-signed transaction files that
goodputbench replays: a distribution file funding the benchmark accounts and,
per active-account count, a random-pair file and a less-sender file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newFamilyCmd(logger, corpusgen.FamilyTransfer,
		"Generate native transfer corpora",
		(*corpusgen.Generator).GenerateTransfer))
	root.AddCommand(newFamilyCmd(logger, corpusgen.FamilyERC20,
		"Generate ERC20 deploy, distribution and transfer corpora",
		(*corpusgen.Generator).GenerateERC20))

	return root
}

type generateFunc func(*corpusgen.Generator, context.Context, corpusgen.Options) ([]*corpusgen.File, error)

func newFamilyCmd(logger *slog.Logger, family, short string, generate generateFunc) *cobra.Command {
	var flags genFlags

	cmd := &cobra.Command{
		Use:   family,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGenerate(cmd.Context(), logger, family, &flags, generate)
		},
	}
	flags.register(cmd)

	return cmd
}

func runGenerate(ctx context.Context, logger *slog.Logger, family string, flags *genFlags, generate generateFunc) error {
	opts, err := flags.options()
	if err != nil {
		return err
	}
	gen, err := corpusgen.New(flags.config(), logger)
	if err != nil {
		return err
	}

	logger.Info("Generating corpora",
		slog.String("family", family),
		slog.String("data_dir", flags.dataDir),
		slog.Any("accounts", opts.Accounts),
		slog.Uint64("txs", opts.Txs),
	)
	if family == corpusgen.FamilyERC20 {
		logger.Info("ERC20 token address", slog.String("address", gen.Token().Hex()))
	}

	start := time.Now()
	files, err := generate(gen, ctx, opts)
	if err != nil {
		return fmt.Errorf("generate %s corpora: %w", family, err)
	}

	var total uint64
	for _, f := range files {
		total += f.Txs
	}
	logger.Info("Done",
		slog.Int("files", len(files)),
		slog.Uint64("txs", total),
		slog.Duration("elapsed", time.Since(start).Round(time.Millisecond)),
	)
	return nil
}
