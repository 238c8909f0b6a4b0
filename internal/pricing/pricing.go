// Package pricing maps token counts to monetary cost and estimates token
// counts for pre-flight admission. Costs are expressed in micros (one
// millionth of the currency unit) so the ledger never accumulates
// floating-point drift.
package pricing

import "math"

// ModelPrice holds per-token prices for one model.
type ModelPrice struct {
	InputPerToken  float64 // Currency per input token.
	OutputPerToken float64 // Currency per output token.
}

// DefaultModel is the pricing fallback for unrecognized model identifiers.
const DefaultModel = "gpt-4o-mini"

// prices maps model identifiers to their per-token prices.
var prices = map[string]ModelPrice{
	"gpt-4o-mini": {
		InputPerToken:  1.5e-7,
		OutputPerToken: 6e-7,
	},
	"gpt-4o": {
		InputPerToken:  2.5e-6,
		OutputPerToken: 1e-5,
	},
	"gpt-4-turbo": {
		InputPerToken:  1e-5,
		OutputPerToken: 3e-5,
	},
}

// Cost breaks a request's cost down in micros.
type Cost struct {
	InputMicros  int64
	OutputMicros int64
	TotalMicros  int64
}

// PriceFor returns the price entry for a model identifier. Unknown models
// fall back to DefaultModel so metering never blocks on an unrecognized
// model name.
func PriceFor(modelID string) ModelPrice {
	if p, ok := prices[modelID]; ok {
		return p
	}
	return prices[DefaultModel]
}

// ComputeCost converts exact token counts into cost micros for the model.
func ComputeCost(tokensInput, tokensOutput int64, modelID string) Cost {
	price := PriceFor(modelID)
	in := int64(math.Round(float64(tokensInput) * price.InputPerToken * 1_000_000))
	out := int64(math.Round(float64(tokensOutput) * price.OutputPerToken * 1_000_000))
	return Cost{
		InputMicros:  in,
		OutputMicros: out,
		TotalMicros:  in + out,
	}
}

// EstimateTokens approximates the token count of raw text. The estimate is
// character-length based and monotonic in text length. It is used only for
// pre-flight admission, never for billing.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	return int64((len(text) + 3) / 4)
}
