package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Seed — начальные данные для каталога, склада и продавцов из CHECKOUT_CATALOG_FILE.
type Seed struct {
	Products []SeedProduct `json:"products" validate:"dive"`
	Vendors  []SeedVendor  `json:"vendors" validate:"dive"`
}

// SeedProduct — товар каталога. Stock задаёт остаток только для ключа,
// которого ещё нет на складе.
type SeedProduct struct {
	ProductID  string `json:"product_id" validate:"required"`
	VariantID  string `json:"variant_id"`
	VendorID   string `json:"vendor_id" validate:"required"`
	PriceMinor int64  `json:"price_minor" validate:"gt=0"`
	Currency   string `json:"currency" validate:"omitempty,len=3"`
	Stock      *int64 `json:"stock" validate:"omitempty,gte=0"`
}

// SeedVendor — продавец со ставкой комиссии в процентах. Существующий
// леджер не перезаписывается.
type SeedVendor struct {
	VendorID       string          `json:"vendor_id" validate:"required"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
}

// LoadSeed читает и проверяет файл начальных данных.
func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read catalog file: %w", err)
	}

	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("decode catalog file %s: %w", path, err)
	}
	if err := configValidate.Struct(seed); err != nil {
		return Seed{}, fmt.Errorf("invalid catalog file %s: %w", path, err)
	}
	for _, v := range seed.Vendors {
		if v.CommissionRate.IsNegative() || v.CommissionRate.GreaterThan(decimal.NewFromInt(100)) {
			return Seed{}, fmt.Errorf("invalid catalog file %s: vendor %s commission %s must be within [0, 100]",
				path, v.VendorID, v.CommissionRate)
		}
	}
	return seed, nil
}

// applySeed наполняет каталог и досоздаёт остатки и продавцов. Повторный
// запуск не трогает уже изменённые остатки и балансы.
func applySeed(ctx context.Context, seed Seed, deps *Dependencies, logger *log.Entry) error {
	for _, p := range seed.Products {
		deps.Catalog.Put(domain.Product{
			ProductID:  p.ProductID,
			VariantID:  p.VariantID,
			VendorID:   p.VendorID,
			PriceMinor: p.PriceMinor,
			Currency:   p.Currency,
		})
		if p.Stock == nil {
			continue
		}
		key := domain.StockKey{ProductID: p.ProductID, VariantID: p.VariantID}
		_, err := deps.Inventory.GetStock(ctx, key)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, domain.ErrStockNotFound):
			return fmt.Errorf("seed stock %s: %w", key, err)
		}
		if _, err := deps.Inventory.SetStock(ctx, key, *p.Stock); err != nil {
			return fmt.Errorf("seed stock %s: %w", key, err)
		}
	}

	for _, v := range seed.Vendors {
		_, err := deps.Ledgers.GetVendor(ctx, v.VendorID)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, domain.ErrVendorNotFound):
			return fmt.Errorf("seed vendor %s: %w", v.VendorID, err)
		}
		if err := deps.Ledgers.SaveVendor(ctx, domain.VendorLedger{
			VendorID:       v.VendorID,
			CommissionRate: v.CommissionRate,
		}); err != nil {
			return fmt.Errorf("seed vendor %s: %w", v.VendorID, err)
		}
	}

	logger.WithFields(log.Fields{
		"products": len(seed.Products),
		"vendors":  len(seed.Vendors),
	}).Info("catalog seeded")
	return nil
}
