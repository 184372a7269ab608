// Package account derives the deterministic benchmark accounts and tracks
// their nonces while transaction corpora are generated.
//
// Account i is controlled by the private key whose scalar is i+1, encoded as
// 32 big-endian bytes. The node under test funds a prefix of that index space
// in its genesis, so a corpus generated here replays against any fresh chain
// with the same genesis.
package account

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account holds a benchmark account's keys and nonce.
type Account struct {
	Index      uint64
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
	nonce      uint64
	mu         sync.Mutex
}

// NewAccount creates an account from a private key.
func NewAccount(privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key.
func NewAccountFromHex(hexKey string) (*Account, error) {
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, err
	}
	return NewAccount(privateKey), nil
}

// KeyFor returns the private key of the account at index.
func KeyFor(index uint64) (*ecdsa.PrivateKey, error) {
	var raw [32]byte
	binary.BigEndian.PutUint64(raw[24:], index+1)
	key, err := crypto.ToECDSA(raw[:])
	if err != nil {
		return nil, fmt.Errorf("derive key %d: %w", index, err)
	}
	return key, nil
}

// Derive creates the account at index with a zero nonce.
func Derive(index uint64) (*Account, error) {
	key, err := KeyFor(index)
	if err != nil {
		return nil, err
	}
	acc := NewAccount(key)
	acc.Index = index
	return acc, nil
}

// Nonce represents a reserved nonce that must be committed or rolled back.
// Use defer n.Rollback() immediately after reserving to ensure cleanup.
type Nonce struct {
	value     uint64
	account   *Account
	committed atomic.Bool
}

// Value returns the nonce value.
func (n *Nonce) Value() uint64 {
	return n.value
}

// Commit marks the nonce as used. Idempotent.
func (n *Nonce) Commit() {
	n.committed.Store(true)
}

// Rollback returns the nonce to the account if it was not committed.
// Idempotent, and typically deferred.
func (n *Nonce) Rollback() {
	if n.committed.Swap(true) {
		return
	}
	n.account.rollback(n.value)
}

// ReserveNonce reserves the next nonce for use.
// The returned Nonce MUST be either committed or rolled back.
//
//	n := acc.ReserveNonce()
//	defer n.Rollback()
//	tx, err := build(n.Value())
//	if err != nil {
//	    return err
//	}
//	n.Commit()
func (a *Account) ReserveNonce() *Nonce {
	a.mu.Lock()
	nonce := a.nonce
	a.nonce++
	a.mu.Unlock()

	return &Nonce{
		value:   nonce,
		account: a,
	}
}

// rollback decrements nonce if it was the last one issued.
func (a *Account) rollback(nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	// Out-of-order rollbacks would leave a gap, so only the newest one applies.
	if a.nonce == nonce+1 {
		a.nonce = nonce
	}
}

// SetNonce sets the nonce value directly.
func (a *Account) SetNonce(nonce uint64) {
	a.mu.Lock()
	a.nonce = nonce
	a.mu.Unlock()
}

// PeekNonce returns the current nonce without incrementing.
func (a *Account) PeekNonce() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonce
}

// Ledger lazily derives accounts by index and remembers their nonces.
// Key derivation is the expensive part, so derived accounts are cached.
type Ledger struct {
	mu       sync.Mutex
	accounts map[uint64]*Account
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[uint64]*Account)}
}

// Get returns the account at index, deriving it on first use.
func (l *Ledger) Get(index uint64) (*Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok := l.accounts[index]; ok {
		return acc, nil
	}
	acc, err := Derive(index)
	if err != nil {
		return nil, err
	}
	l.accounts[index] = acc
	return acc, nil
}

// Len returns the number of derived accounts.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.accounts)
}
