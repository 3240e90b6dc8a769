package catalog

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// StaticCatalog — каталог в памяти для локального запуска, нагрузочного теста и тестов.
// Цены можно менять на лету, оформление всегда читает актуальную.
type StaticCatalog struct {
	mu       sync.RWMutex
	products map[domain.StockKey]domain.Product

	// LookupCalls считает обращения к каталогу.
	LookupCalls int
}

// NewStaticCatalog создаёт каталог с начальным набором товаров.
func NewStaticCatalog(products ...domain.Product) *StaticCatalog {
	c := &StaticCatalog{products: make(map[domain.StockKey]domain.Product, len(products))}
	for _, p := range products {
		c.Put(p)
	}
	return c
}

// Put добавляет товар или меняет его цену.
func (c *StaticCatalog) Put(product domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[domain.StockKey{ProductID: product.ProductID, VariantID: product.VariantID}] = product
}

// GetProduct ищет вариант, а если его нет, то товар без варианта.
func (c *StaticCatalog) GetProduct(_ context.Context, productID, variantID string) (domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LookupCalls++

	if p, ok := c.products[domain.StockKey{ProductID: productID, VariantID: variantID}]; ok {
		return p, nil
	}
	if variantID != "" {
		if p, ok := c.products[domain.StockKey{ProductID: productID}]; ok {
			p.VariantID = variantID
			return p, nil
		}
	}
	return domain.Product{}, domain.ErrProductNotFound
}

var _ domain.Catalog = (*StaticCatalog)(nil)
