// Package commission делит сумму заказа между продавцами и площадкой.
//
// Комиссия считается от валовой выручки продавца, скидка купона
// распределяется пропорционально доле продавца в подытоге. Все округления
// до минимальных единиц выполняются half-up.
package commission

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Split считает доли продавцов. rates содержит ставку комиссии каждого
// продавца в процентах. Остаток округления распределения скидки списывается
// с комиссии площадки у продавца с наибольшим gross (при равенстве с
// меньшим vendorId), поэтому sum(net) + sum(commission) == subtotal - discount.
func Split(items []domain.OrderItem, rates map[string]decimal.Decimal, discountMinor int64) ([]domain.VendorSplit, error) {
	if len(items) == 0 {
		return nil, domain.ErrEmptyCart
	}

	grossByVendor := make(map[string]int64)
	var subtotal int64
	for _, item := range items {
		if item.VendorID == "" {
			return nil, fmt.Errorf("%w: item %s has no vendor", domain.ErrInvalidRequest, item.ProductID)
		}
		if item.Quantity <= 0 || item.UnitPriceMinor < 0 {
			return nil, fmt.Errorf("%w: item %s", domain.ErrInvalidAmount, item.ProductID)
		}
		line := item.LineTotalMinor()
		grossByVendor[item.VendorID] += line
		subtotal += line
	}
	if discountMinor < 0 || discountMinor > subtotal {
		return nil, fmt.Errorf("%w: discount %d for subtotal %d", domain.ErrInvalidAmount, discountMinor, subtotal)
	}

	splits := make([]domain.VendorSplit, 0, len(grossByVendor))
	for vendorID, gross := range grossByVendor {
		rate, ok := rates[vendorID]
		if !ok {
			return nil, fmt.Errorf("%w: no commission rate for %s", domain.ErrVendorNotFound, vendorID)
		}
		if rate.IsNegative() || rate.GreaterThan(hundred) {
			return nil, fmt.Errorf("%w: commission rate %s for %s", domain.ErrInvalidAmount, rate, vendorID)
		}
		splits = append(splits, domain.VendorSplit{
			VendorID:           vendorID,
			GrossMinor:         gross,
			CommissionRate:     rate,
			CommissionMinor:    percentOf(gross, rate),
			DiscountShareMinor: apportion(discountMinor, gross, subtotal),
		})
	}
	sort.Slice(splits, func(i, j int) bool { return splits[i].VendorID < splits[j].VendorID })

	var shares int64
	for i := range splits {
		s := &splits[i]
		// Комиссия не может сделать выручку продавца отрицательной.
		if s.CommissionMinor+s.DiscountShareMinor > s.GrossMinor {
			s.CommissionMinor = s.GrossMinor - s.DiscountShareMinor
		}
		s.NetMinor = s.GrossMinor - s.CommissionMinor - s.DiscountShareMinor
		shares += s.DiscountShareMinor
	}

	switch remainder := discountMinor - shares; {
	case remainder < 0:
		splits[byGrossDesc(splits)[0]].CommissionMinor -= remainder
	case remainder > 0:
		absorb(splits, remainder)
	}
	return splits, nil
}

// Verify проверяет денежные инварианты заказа: подытог совпадает с суммой
// gross, а net + commission + tax даёт total без потерь.
func Verify(order domain.Order) error {
	var errs error
	for _, err := range order.ValidateInvariants() {
		errs = multierr.Append(errs, err)
	}

	var gross, shares int64
	for _, split := range order.VendorSplits {
		gross += split.GrossMinor
		shares += split.DiscountShareMinor
		if split.NetMinor < 0 || split.CommissionMinor < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%w: vendor %s has negative split", domain.ErrLedgerInconsistency, split.VendorID))
		}
	}
	if gross != order.SubtotalMinor {
		errs = multierr.Append(errs, fmt.Errorf("%w: gross %d != subtotal %d", domain.ErrLedgerInconsistency, gross, order.SubtotalMinor))
	}
	return errs
}

// percentOf возвращает round_half_up(amount * rate / 100).
func percentOf(amountMinor int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amountMinor).Mul(rate).Div(hundred).Round(0).IntPart()
}

// apportion возвращает round_half_up(total * part / whole).
func apportion(totalMinor, partMinor, wholeMinor int64) int64 {
	if wholeMinor == 0 || totalMinor == 0 {
		return 0
	}
	return decimal.NewFromInt(totalMinor).
		Mul(decimal.NewFromInt(partMinor)).
		Div(decimal.NewFromInt(wholeMinor)).
		Round(0).
		IntPart()
}

// byGrossDesc возвращает индексы продавцов по убыванию gross, при равенстве по vendorId.
func byGrossDesc(splits []domain.VendorSplit) []int {
	order := make([]int, len(splits))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return splits[order[a]].GrossMinor > splits[order[b]].GrossMinor
	})
	return order
}

// absorb списывает недораспределённую скидку сначала с комиссии площадки,
// начиная с крупнейшего продавца. Если комиссий не хватает, остаток ложится
// на долю скидки продавцов. Сумма net и commission всегда не меньше остатка.
func absorb(splits []domain.VendorSplit, remainder int64) {
	order := byGrossDesc(splits)
	for _, i := range order {
		take := min(remainder, splits[i].CommissionMinor)
		splits[i].CommissionMinor -= take
		remainder -= take
		if remainder == 0 {
			return
		}
	}
	for _, i := range order {
		take := min(remainder, splits[i].NetMinor)
		splits[i].DiscountShareMinor += take
		splits[i].NetMinor -= take
		remainder -= take
		if remainder == 0 {
			return
		}
	}
}
