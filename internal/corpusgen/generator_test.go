package corpusgen

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"github.com/gateway-fm/goodputbench/internal/account"
	"github.com/gateway-fm/goodputbench/internal/corpus"
	"github.com/gateway-fm/goodputbench/internal/txbuilder"
)

func testConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.ChainID = big.NewInt(1337)
	cfg.BatchSize = 4
	cfg.ChunkBatches = 2
	cfg.Workers = 2
	return cfg
}

func newTestGenerator(t *testing.T, cfg Config) *Generator {
	t.Helper()
	g, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

// readCorpus loads every transaction of a generated file with its sender.
func readCorpus(t *testing.T, path string, units uint64, chainID *big.Int) ([]corpus.Batch, []*types.Transaction, []common.Address) {
	t.Helper()
	src, err := corpus.Load(path, units)
	if err != nil {
		t.Fatalf("Load(%s): %v", path, err)
	}
	signer := types.LatestSignerForChainID(chainID)

	var (
		batches []corpus.Batch
		txs     []*types.Transaction
		senders []common.Address
	)
	for {
		b, ok := src.Next()
		if !ok {
			break
		}
		batches = append(batches, b)
		decoded, err := DecodeBatch(b)
		if err != nil {
			t.Fatalf("DecodeBatch: %v", err)
		}
		for _, tx := range decoded {
			from, err := types.Sender(signer, tx)
			if err != nil {
				t.Fatalf("Sender: %v", err)
			}
			txs = append(txs, tx)
			senders = append(senders, from)
		}
	}
	return batches, txs, senders
}

func addressSet(t *testing.T, lo, hi uint64) map[common.Address]bool {
	t.Helper()
	set := make(map[common.Address]bool, hi-lo)
	for i := lo; i < hi; i++ {
		acc, err := account.Derive(i)
		if err != nil {
			t.Fatalf("Derive(%d): %v", i, err)
		}
		set[acc.Address] = true
	}
	return set
}

// checkNonces asserts every sender's nonces run 0, 1, 2, ... in file order.
func checkNonces(t *testing.T, txs []*types.Transaction, senders []common.Address) {
	t.Helper()
	next := make(map[common.Address]uint64)
	for i, tx := range txs {
		if tx.Nonce() != next[senders[i]] {
			t.Fatalf("tx %d from %s has nonce %d, want %d", i, senders[i].Hex(), tx.Nonce(), next[senders[i]])
		}
		next[senders[i]]++
	}
}

func TestGenerateTransfer(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	g := newTestGenerator(t, cfg)

	files, err := g.GenerateTransfer(context.Background(), Options{Accounts: []uint64{5}, Txs: 30})
	if err != nil {
		t.Fatalf("GenerateTransfer: %v", err)
	}

	wantPaths := []string{
		filepath.Join(dir, "transfer", "distribute"),
		filepath.Join(dir, "transfer", "random_5"),
		filepath.Join(dir, "transfer", "less_sender_5"),
	}
	if len(files) != len(wantPaths) {
		t.Fatalf("got %d files, want %d", len(files), len(wantPaths))
	}
	for i, f := range files {
		if f.Path != wantPaths[i] {
			t.Errorf("files[%d].Path = %s, want %s", i, f.Path, wantPaths[i])
		}
	}

	t.Run("distribute", func(t *testing.T) {
		if files[0].Txs != 5 || files[0].Batches != 2 {
			t.Fatalf("distribute = %d txs in %d batches, want 5 in 2", files[0].Txs, files[0].Batches)
		}
		batches, txs, senders := readCorpus(t, files[0].Path, 5, cfg.ChainID)
		if batches[0].Length != 4 || batches[1].Length != 1 {
			t.Errorf("batch lengths = %d, %d, want 4, 1", batches[0].Length, batches[1].Length)
		}
		for i, tx := range txs {
			to, err := account.Derive(GenesisAccounts + uint64(i))
			if err != nil {
				t.Fatal(err)
			}
			if tx.To() == nil || *tx.To() != to.Address {
				t.Errorf("tx %d to %v, want account %d", i, tx.To(), GenesisAccounts+i)
			}
			if tx.Value().Cmp(big.NewInt(params.Ether)) != 0 {
				t.Errorf("tx %d value = %v, want 1 ether", i, tx.Value())
			}
		}
		checkNonces(t, txs, senders)
	})

	t.Run("random", func(t *testing.T) {
		_, txs, senders := readCorpus(t, files[1].Path, 30, cfg.ChainID)
		if len(txs) != 30 {
			t.Fatalf("got %d txs, want 30", len(txs))
		}
		active := addressSet(t, GenesisAccounts, GenesisAccounts+5)
		for i, tx := range txs {
			if !active[senders[i]] {
				t.Errorf("tx %d sender %s outside the active accounts", i, senders[i].Hex())
			}
			if tx.To() == nil || !active[*tx.To()] {
				t.Errorf("tx %d receiver %v outside the active accounts", i, tx.To())
			}
			if tx.Gas() != 21000 {
				t.Errorf("tx %d gas = %d, want 21000", i, tx.Gas())
			}
		}
		checkNonces(t, txs, senders)
	})

	t.Run("less sender", func(t *testing.T) {
		_, txs, senders := readCorpus(t, files[2].Path, 30, cfg.ChainID)
		receivers := addressSet(t, 0, 5)
		for i, tx := range txs {
			if tx.To() == nil || !receivers[*tx.To()] {
				t.Errorf("tx %d receiver %v outside the first 5 accounts", i, tx.To())
			}
		}
		checkNonces(t, txs, senders)
	})
}

func TestGenerateERC20(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	g := newTestGenerator(t, cfg)

	files, err := g.GenerateERC20(context.Background(), Options{Accounts: []uint64{3}, Txs: 10, Distribute: 6})
	if err != nil {
		t.Fatalf("GenerateERC20: %v", err)
	}
	if len(files) != 4 {
		t.Fatalf("got %d files, want 4", len(files))
	}
	if filepath.Base(files[0].Path) != "deploy" || filepath.Base(files[1].Path) != "distribute" {
		t.Fatalf("unexpected order: %s, %s", files[0].Path, files[1].Path)
	}

	deployer, err := account.Derive(DeployerIndex)
	if err != nil {
		t.Fatal(err)
	}
	if g.Token() != TokenAddress(deployer.Address) {
		t.Errorf("Token() = %s, want contract created by the deployer", g.Token().Hex())
	}

	_, deployTxs, deploySenders := readCorpus(t, files[0].Path, 1, cfg.ChainID)
	if len(deployTxs) != 1 {
		t.Fatalf("deploy has %d txs, want 1", len(deployTxs))
	}
	if deployTxs[0].To() != nil || deploySenders[0] != deployer.Address || deployTxs[0].Nonce() != 0 {
		t.Errorf("deploy tx to=%v from=%s nonce=%d", deployTxs[0].To(), deploySenders[0].Hex(), deployTxs[0].Nonce())
	}
	if !bytes.Equal(deployTxs[0].Data(), txbuilder.ERC20Bytecode) {
		t.Error("deploy data is not the ERC20 bytecode")
	}

	// Replayed back to back, deploy and distribute form one nonce sequence.
	_, distTxs, distSenders := readCorpus(t, files[1].Path, 6, cfg.ChainID)
	checkNonces(t, append(deployTxs, distTxs...), append(deploySenders, distSenders...))

	_, txs, senders := readCorpus(t, files[2].Path, 10, cfg.ChainID)
	active := addressSet(t, GenesisAccounts, GenesisAccounts+3)
	for i, tx := range txs {
		if tx.To() == nil || *tx.To() != g.Token() {
			t.Fatalf("tx %d to %v, want token %s", i, tx.To(), g.Token().Hex())
		}
		if tx.Value().Sign() != 0 {
			t.Errorf("tx %d carries value %v", i, tx.Value())
		}
		recipient := common.BytesToAddress(tx.Data()[4:36])
		if !active[recipient] {
			t.Errorf("tx %d token recipient %s outside the active accounts", i, recipient.Hex())
		}
		if !active[senders[i]] {
			t.Errorf("tx %d sender %s outside the active accounts", i, senders[i].Hex())
		}
	}
	checkNonces(t, txs, senders)
}

func TestGenerateIsDeterministic(t *testing.T) {
	opts := Options{Accounts: []uint64{4}, Txs: 12}
	var outputs [2][]byte
	for i := range outputs {
		dir := t.TempDir()
		g := newTestGenerator(t, testConfig(dir))
		files, err := g.GenerateTransfer(context.Background(), opts)
		if err != nil {
			t.Fatalf("GenerateTransfer: %v", err)
		}
		data, err := os.ReadFile(files[1].Path)
		if err != nil {
			t.Fatal(err)
		}
		outputs[i] = data
	}
	if !bytes.Equal(outputs[0], outputs[1]) {
		t.Error("same seed produced different corpora")
	}

	cfg := testConfig(t.TempDir())
	cfg.Seed = 99
	files, err := newTestGenerator(t, cfg).GenerateTransfer(context.Background(), opts)
	if err != nil {
		t.Fatalf("GenerateTransfer: %v", err)
	}
	data, err := os.ReadFile(files[1].Path)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(outputs[0], data) {
		t.Error("different seeds produced identical corpora")
	}
}

func TestGenerateCompressedLegacy(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Compress = true
	cfg.Legacy = true
	g := newTestGenerator(t, cfg)

	files, err := g.GenerateTransfer(context.Background(), Options{Accounts: []uint64{2}, Txs: 5})
	if err != nil {
		t.Fatalf("GenerateTransfer: %v", err)
	}
	for _, f := range files {
		if !strings.HasSuffix(f.Path, ".zst") {
			t.Errorf("path %s lacks .zst suffix", f.Path)
		}
	}
	_, txs, _ := readCorpus(t, files[1].Path, 5, cfg.ChainID)
	for i, tx := range txs {
		if tx.Type() != types.LegacyTxType {
			t.Errorf("tx %d type = %d, want legacy", i, tx.Type())
		}
		if tx.ChainId().Cmp(cfg.ChainID) != 0 {
			t.Errorf("tx %d chain id = %v, want replay-protected %v", i, tx.ChainId(), cfg.ChainID)
		}
	}
}

func TestGenerateCancelled(t *testing.T) {
	g := newTestGenerator(t, testConfig(t.TempDir()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.GenerateTransfer(ctx, Options{Accounts: []uint64{2}, Txs: 5})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"valid", Options{Accounts: []uint64{10, 100}, Txs: 1}, false},
		{"explicit distribute", Options{Accounts: []uint64{10}, Txs: 1, Distribute: 50}, false},
		{"no accounts", Options{Txs: 1}, true},
		{"zero accounts", Options{Accounts: []uint64{0}, Txs: 1}, true},
		{"zero txs", Options{Accounts: []uint64{10}}, true},
		{"distribute too small", Options{Accounts: []uint64{10, 100}, Txs: 1, Distribute: 50}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			if tt.wantErr && !errors.Is(err, ErrConfiguration) {
				t.Errorf("validate() = %v, want ErrConfiguration", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("validate() = %v, want nil", err)
			}
		})
	}

	if got := (Options{Accounts: []uint64{10, 100, 50}}).recipients(); got != 100 {
		t.Errorf("recipients() = %d, want 100", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"no data dir", func(c *Config) { c.DataDir = "" }, true},
		{"nil chain id", func(c *Config) { c.ChainID = nil }, true},
		{"zero chain id", func(c *Config) { c.ChainID = big.NewInt(0) }, true},
		{"negative gas price", func(c *Config) { c.GasPrice = big.NewInt(-1) }, true},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && !errors.Is(err, ErrConfiguration) {
				t.Errorf("Validate() = %v, want ErrConfiguration", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}

	cfg := DefaultConfig()
	cfg.GasTipCap = nil
	cfg.Workers = 0
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.GasTipCap.Cmp(cfg.GasPrice) != 0 || cfg.Workers != 1 {
		t.Errorf("defaults not applied: tip=%v workers=%d", cfg.GasTipCap, cfg.Workers)
	}
}
