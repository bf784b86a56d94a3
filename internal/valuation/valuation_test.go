package valuation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestParseEstimate(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"250", "250"},
		{"  42.5\n", "42.5"},
		{"$1,250.75", "1250.75"},
		{"300 USD", "300"},
		{"\"75\"", "75"},
		{"1e3", "1000"},
		{"-50", "0"},
		{"NaN", "0"},
		{"Inf", "0"},
		{"+Inf", "0"},
		{"", "0"},
		{"about fifty dollars", "0"},
		{"12abc", "0"},
		{"999999999999999999999999999999", "999999999999999999999999999999"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := ParseEstimate(tt.raw)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "ParseEstimate(%q) = %s, want %s", tt.raw, got, tt.want)
		})
	}
}

func testPolicy() ConversionPolicy {
	return ConversionPolicy{
		Ratio:           decimal.NewFromInt(1_000_000),
		Cap:             decimal.NewFromInt(100),
		DisplayDecimals: 6,
		TokenDecimals:   18,
	}
}

func TestConversionPolicy_Tokens(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"quarter token", "250000", "0.25"},
		{"zero", "0", "0"},
		{"negative", "-10", "0"},
		{"capped", "1000000000000", "100"},
		{"exactly cap", "100000000", "100"},
		{"truncated to display decimals", "1", "0.000001"},
		{"below display precision", "0.5", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Tokens(decimal.RequireFromString(tt.value))
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "Tokens(%s) = %s, want %s", tt.value, got, tt.want)
		})
	}
}

func TestConversionPolicy_TokensAlwaysWithinBounds(t *testing.T) {
	p := testPolicy()
	for _, raw := range []string{"-1e30", "NaN", "garbage", "1e40", "0.0000001", "123456789.123456789",
		"1e2147483647", "1e100000000", "1e-2147483648", "9.99e-100000000", "0e2147483647"} {
		tokens := p.Tokens(ParseEstimate(raw))
		assert.False(t, tokens.IsNegative(), "%s produced negative tokens", raw)
		assert.False(t, tokens.GreaterThan(p.Cap), "%s exceeded cap: %s", raw, tokens)
	}
}

func TestParseEstimate_SaturatesHugeExponents(t *testing.T) {
	assert.True(t, MaxEstimate.Equal(ParseEstimate("1e2147483647")))
	assert.True(t, MaxEstimate.Equal(ParseEstimate("1e100000000")))
	assert.True(t, MaxEstimate.Equal(ParseEstimate("12345678901234567890123456789012")))
	assert.True(t, ParseEstimate("1e-100000000").IsZero())
	assert.True(t, ParseEstimate("0e2147483647").IsZero())

	// The largest accepted value passes through unchanged.
	assert.Equal(t, "999999999999999999999999999999", ParseEstimate("999999999999999999999999999999").String())
	assert.Equal(t, "1000", ParseEstimate("1e3").String())

	p := testPolicy()
	assert.True(t, p.Cap.Equal(p.Tokens(ParseEstimate("1e2147483647"))))
}

func TestConversionPolicy_BaseUnits(t *testing.T) {
	p := testPolicy()
	got := p.BaseUnits(decimal.RequireFromString("0.25"))
	assert.Equal(t, "250000000000000000", got.String())

	got = p.BaseUnits(decimal.NewFromInt(100))
	assert.Equal(t, "100000000000000000000", got.String())
}

func TestConversionPolicy_Validate(t *testing.T) {
	require.NoError(t, testPolicy().Validate())

	p := testPolicy()
	p.Ratio = decimal.Zero
	assert.Error(t, p.Validate())

	p = testPolicy()
	p.Cap = decimal.NewFromInt(-1)
	assert.Error(t, p.Validate())

	p = testPolicy()
	p.DisplayDecimals = 19
	assert.Error(t, p.Validate())
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt("  Cleaned a park ", "Volunteer certificate\n")
	assert.Contains(t, prompt, "Description: Cleaned a park\n")
	assert.Contains(t, prompt, "Proof Content: Volunteer certificate")
	assert.True(t, strings.HasPrefix(prompt, "Evaluate this contribution."))
}

type fakeGenerator struct {
	model  string
	config *genai.GenerateContentConfig
	prompt string
	resp   *genai.GenerateContentResponse
	err    error
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.config = config
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.prompt = contents[0].Parts[0].Text
	}
	return f.resp, f.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: genai.NewContentFromText(text, genai.RoleModel)},
		},
	}
}

func TestGenAIEstimator_Estimate(t *testing.T) {
	gen := &fakeGenerator{resp: textResponse(" 250000 \n")}
	est := NewGenAIEstimator(gen, "")

	got, err := est.Estimate(context.Background(), "prompt text")
	require.NoError(t, err)
	assert.Equal(t, "250000", got)

	assert.Equal(t, DefaultModel, gen.model)
	assert.Equal(t, "prompt text", gen.prompt)
	require.NotNil(t, gen.config.Temperature)
	assert.InDelta(t, 0.3, *gen.config.Temperature, 1e-6)
	assert.Equal(t, int32(50), gen.config.MaxOutputTokens)
	require.NotNil(t, gen.config.SystemInstruction)
	assert.Equal(t, SystemPrompt, gen.config.SystemInstruction.Parts[0].Text)
}

func TestGenAIEstimator_Errors(t *testing.T) {
	est := NewGenAIEstimator(&fakeGenerator{err: errors.New("quota exceeded")}, "gemini-test")
	_, err := est.Estimate(context.Background(), "p")
	assert.ErrorContains(t, err, "quota exceeded")

	est = NewGenAIEstimator(&fakeGenerator{resp: &genai.GenerateContentResponse{}}, "gemini-test")
	_, err = est.Estimate(context.Background(), "p")
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	got, err := Static{Response: "12"}.Estimate(context.Background(), "ignored")
	require.NoError(t, err)
	assert.Equal(t, "12", got)
}
