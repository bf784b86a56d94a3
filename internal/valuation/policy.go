package valuation

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// ConversionPolicy maps a USD value to a token amount:
// tokens = clamp(value / Ratio, 0, Cap), truncated to DisplayDecimals.
type ConversionPolicy struct {
	Ratio           decimal.Decimal // USD per token, must be positive
	Cap             decimal.Decimal // maximum tokens per submission
	DisplayDecimals int32           // fractional digits kept on the token amount
	TokenDecimals   int32           // on-chain decimals of the token (18 for most ERC-20)
}

// Validate reports configuration errors.
func (p ConversionPolicy) Validate() error {
	if !p.Ratio.IsPositive() {
		return errors.New("conversion ratio must be positive")
	}
	if p.Cap.IsNegative() {
		return errors.New("mint cap must not be negative")
	}
	if p.DisplayDecimals < 0 || p.DisplayDecimals > p.TokenDecimals {
		return errors.New("display decimals must be between 0 and token decimals")
	}
	return nil
}

// Tokens converts a USD value into a token amount within [0, Cap].
func (p ConversionPolicy) Tokens(value decimal.Decimal) decimal.Decimal {
	if !value.IsPositive() || !p.Ratio.IsPositive() {
		return decimal.Zero
	}

	tokens := value.Div(p.Ratio)
	if tokens.GreaterThan(p.Cap) {
		tokens = p.Cap
	}
	tokens = tokens.Truncate(p.DisplayDecimals)
	if tokens.IsNegative() {
		return decimal.Zero
	}
	return tokens
}

// BaseUnits scales a token amount to the smallest on-chain unit.
func (p ConversionPolicy) BaseUnits(tokens decimal.Decimal) *big.Int {
	return tokens.Shift(p.TokenDecimals).Truncate(0).BigInt()
}
