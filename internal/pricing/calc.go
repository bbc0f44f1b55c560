package pricing

import (
	decimal "github.com/shopspring/decimal"

	"github.com/agentmeter/agentmeter/internal/model"
)

var (
	thousand = decimal.NewFromInt(1_000)
	million  = decimal.NewFromInt(1_000_000)
	sixty    = decimal.NewFromInt(60)
)

// Cost computes the USD cost of one call under the given entry. Pure and
// deterministic: unknown types and absent quantities price to zero rather
// than failing, so ingestion never loses the call count over a pricing gap.
func Cost(entry Entry, q model.Quantities) decimal.Decimal {
	switch entry.Type {
	case TypeTokenBased:
		return tokenBasedCost(entry.Data, q)
	case TypePerCall:
		calls := q.Calls
		if calls == 0 {
			calls = 1
		}
		return rate(entry).Mul(decimal.NewFromInt(calls))
	case TypePerMinute:
		minutes := decimal.NewFromFloat(q.Minutes)
		if minutes.IsZero() && q.Seconds > 0 {
			minutes = decimal.NewFromFloat(q.Seconds).Div(sixty)
		}
		return rate(entry).Mul(minutes)
	case TypePerSecond:
		return rate(entry).Mul(decimal.NewFromFloat(q.Seconds))
	case TypePer1KChars:
		return rate(entry).Mul(decimal.NewFromInt(q.Characters)).Div(thousand)
	case TypePerMillion:
		return rate(entry).Mul(decimal.NewFromFloat(q.Units)).Div(million)
	case TypePerMillionTokens:
		return rate(entry).Mul(decimal.NewFromInt(q.TotalTokens())).Div(million)
	case TypePer1KRequests:
		return rate(entry).Mul(decimal.NewFromInt(q.Requests)).Div(thousand)
	case TypePercentageFixedFee:
		if q.AmountUSD <= 0 {
			return decimal.Zero
		}
		amount := decimal.NewFromFloat(q.AmountUSD)
		pct := decimal.NewFromFloat(entry.Data.Percentage)
		fee := decimal.NewFromFloat(entry.Data.FixedFee)
		return amount.Mul(pct).Add(fee)
	case TypePerGBMonth:
		return rate(entry).Mul(decimal.NewFromFloat(q.GBMonths))
	case TypePerImage:
		return rate(entry).Mul(decimal.NewFromInt(q.Images))
	default:
		return decimal.Zero
	}
}

// CostUSD is the float convenience wrapper used at the storage edge.
func CostUSD(entry Entry, q model.Quantities) float64 {
	value, _ := Cost(entry, q).Float64()
	return value
}

// tokenBasedCost bills cached tokens at the discounted cached rate only;
// clients report input_tokens exclusive of the cached portion.
func tokenBasedCost(data Data, q model.Quantities) decimal.Decimal {
	input := decimal.NewFromInt(q.InputTokens).Mul(decimal.NewFromFloat(data.InputRate))
	output := decimal.NewFromInt(q.OutputTokens).Mul(decimal.NewFromFloat(data.OutputRate))
	cached := decimal.NewFromInt(q.CachedTokens).Mul(decimal.NewFromFloat(data.CachedInputRate))
	total := input.Add(output).Add(cached)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

func rate(entry Entry) decimal.Decimal {
	return decimal.NewFromFloat(entry.Data.Rate)
}
