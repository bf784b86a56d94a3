// Package stub provides an in-process MintGateway for local runs and tests.
package stub

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"

	"proofmint/internal/chain"
)

// Mint is one recorded mint call.
type Mint struct {
	Wallet string
	Amount *big.Int
	TxHash string
}

// Gateway records mints and returns deterministic pseudo transaction hashes.
// Set Err to make every call fail.
type Gateway struct {
	mu    sync.Mutex
	mints []Mint
	Err   error
}

// New returns an empty stub gateway.
func New() *Gateway {
	return &Gateway{}
}

// Mint implements chain.MintGateway.
func (g *Gateway) Mint(ctx context.Context, wallet string, amount *big.Int) (*chain.MintReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Err != nil {
		return nil, g.Err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.New("mint amount must be positive")
	}

	seq := uint64(len(g.mints) + 1)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h := sha256.New()
	h.Write([]byte(wallet))
	h.Write(amount.Bytes())
	h.Write(buf[:])
	txHash := "0x" + hex.EncodeToString(h.Sum(nil))

	g.mints = append(g.mints, Mint{Wallet: wallet, Amount: new(big.Int).Set(amount), TxHash: txHash})
	return &chain.MintReceipt{TxHash: txHash, BlockNumber: seq}, nil
}

// Mints returns a copy of all recorded mints.
func (g *Gateway) Mints() []Mint {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Mint, len(g.mints))
	copy(out, g.mints)
	return out
}

var _ chain.MintGateway = (*Gateway)(nil)
