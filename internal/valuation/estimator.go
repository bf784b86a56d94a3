// Package valuation turns a contribution into a capped token amount:
// an LLM estimates a USD value, and a ConversionPolicy converts it.
package valuation

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SystemPrompt instructs the model to answer with a bare number.
const SystemPrompt = "You are an autonomous verifier for a contribution reward protocol. " +
	"Your role is to assess whether a given user-submitted contribution provides verifiable " +
	"real-world value (such as building, healing, educating, feeding, or restoring). " +
	"Respond only with a numeric USD value estimate (no words, units, or formatting)."

// Estimator asks an external model for a USD value estimate.
// The raw response is returned unparsed; see ParseEstimate.
type Estimator interface {
	Estimate(ctx context.Context, prompt string) (string, error)
}

// BuildPrompt renders the user prompt from the description and OCR text.
func BuildPrompt(description, extractedText string) string {
	return fmt.Sprintf(
		"Evaluate this contribution. Estimate a fair USD value based on this description "+
			"and the extracted text from the attached proof. Respond with a numeric value only.\n\n"+
			"Description: %s\n\nProof Content: %s",
		strings.TrimSpace(description), strings.TrimSpace(extractedText),
	)
}

// MaxEstimate is the largest USD value ParseEstimate returns.
var MaxEstimate = decimal.New(1, maxEstimateDigits)

// maxEstimateDigits bounds the integer digits of a parsed estimate. Values
// below 10^-maxEstimateDigits are treated as zero.
const maxEstimateDigits = 30

// ParseEstimate converts a model response into a non-negative USD value.
// Empty, non-numeric, NaN, infinite and negative responses all yield zero.
// A leading "$", a trailing "USD" and thousands separators are tolerated.
// Responses beyond MaxEstimate saturate to it.
func ParseEstimate(raw string) decimal.Decimal {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"'`")
	s = strings.TrimPrefix(s, "$")
	if len(s) > 3 && strings.EqualFold(s[len(s)-3:], "usd") {
		s = strings.TrimSpace(s[:len(s)-3])
	}
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.Zero
	}

	v, err := decimal.NewFromString(s)
	if err != nil || !v.IsPositive() {
		return decimal.Zero
	}

	// Compare magnitudes without rescaling: Cmp and Div expand the exponent.
	magnitude := int64(v.NumDigits()) + int64(v.Exponent())
	switch {
	case magnitude > maxEstimateDigits:
		return MaxEstimate
	case magnitude < -maxEstimateDigits:
		return decimal.Zero
	}
	return v
}

// Static returns a fixed response. Used for local runs without model access.
type Static struct {
	Response string
}

// Estimate returns the configured response.
func (s Static) Estimate(context.Context, string) (string, error) {
	return s.Response, nil
}
