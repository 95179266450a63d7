package recharge

import "github.com/shopspring/decimal"

// Method is a mobile-money or crypto channel a user can fund their balance
// through. Transfers happen out of band; the user reports the reference.
type Method struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Min          decimal.Decimal `json:"min_amount"`
	Max          decimal.Decimal `json:"max_amount"`
	FeeRate      decimal.Decimal `json:"fee_rate"`
	Available    bool            `json:"available"`
	Instructions string          `json:"instructions"`
}

// Fee is informational only; it is never charged against the balance.
func (m Method) Fee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(m.FeeRate).Round(0)
}

var methods = []Method{
	{
		ID:           "momopay",
		Name:         "MoMoPay",
		Min:          decimal.NewFromInt(2000),
		Max:          decimal.NewFromInt(50000),
		FeeRate:      decimal.RequireFromString("0.05"),
		Available:    true,
		Instructions: "Send the amount with MoMoPay, then enter the transaction ID from the confirmation SMS.",
	},
	{
		ID:           "noupia",
		Name:         "Noupia",
		Min:          decimal.NewFromInt(1000),
		Max:          decimal.NewFromInt(50000),
		FeeRate:      decimal.RequireFromString("0.05"),
		Available:    true,
		Instructions: "Pay through Noupia, then enter the payment reference shown on the receipt.",
	},
	{
		ID:           "binance",
		Name:         "Binance Pay",
		Min:          decimal.NewFromInt(100),
		Max:          decimal.NewFromInt(500000),
		FeeRate:      decimal.RequireFromString("0.05"),
		Available:    false,
		Instructions: "Coming soon.",
	},
}

// Methods lists every recharge method, available or not.
func Methods() []Method {
	out := make([]Method, len(methods))
	copy(out, methods)
	return out
}

func lookupMethod(id string) (Method, bool) {
	for _, m := range methods {
		if m.ID == id {
			return m, true
		}
	}
	return Method{}, false
}
