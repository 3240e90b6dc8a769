package checkout

import (
	"github.com/shopspring/decimal"
)

// TaxPolicy считает налог на подытог после скидки.
type TaxPolicy interface {
	Tax(taxableMinor int64) int64
}

// FlatTax — единая ставка в процентах, округление half-up.
type FlatTax struct {
	Rate decimal.Decimal
}

// Tax возвращает round_half_up(taxable * rate / 100).
func (t FlatTax) Tax(taxableMinor int64) int64 {
	if taxableMinor <= 0 || !t.Rate.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(taxableMinor).Mul(t.Rate).Div(decimal.NewFromInt(100)).Round(0).IntPart()
}
