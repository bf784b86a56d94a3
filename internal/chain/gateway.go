// Package chain submits token mints to an EVM network.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// ErrReverted is returned when a mint transaction was mined but failed.
var ErrReverted = errors.New("mint transaction reverted")

// PendingError reports a mint that was broadcast but not confirmed. The
// transaction may still be mined.
type PendingError struct {
	TxHash string
	Err    error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("mint %s not confirmed: %v", e.TxHash, e.Err)
}

func (e *PendingError) Unwrap() error { return e.Err }

// PendingTx returns the hash of a broadcast but unconfirmed mint in err's chain.
func PendingTx(err error) (string, bool) {
	var pending *PendingError
	if errors.As(err, &pending) {
		return pending.TxHash, true
	}
	return "", false
}

// MintReceipt describes a confirmed mint.
type MintReceipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// MintGateway mints tokens to a wallet and waits for confirmation.
// amount is in base units (already scaled by the token's decimals).
type MintGateway interface {
	Mint(ctx context.Context, wallet string, amount *big.Int) (*MintReceipt, error)
}
