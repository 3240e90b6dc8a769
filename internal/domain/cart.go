package domain

// CartLine — позиция корзины. UnitPriceMinor — снимок на момент добавления,
// при оформлении цена всегда перечитывается из каталога.
type CartLine struct {
	ProductID      string `json:"product_id"`
	VariantID      string `json:"variant_id,omitempty"`
	Quantity       int32  `json:"quantity"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
}

// Key возвращает ключ складского остатка позиции.
func (l CartLine) Key() StockKey {
	return StockKey{ProductID: l.ProductID, VariantID: l.VariantID}
}

// Cart — корзина пользователя, принадлежит внешнему сервису корзин.
type Cart struct {
	UserID string     `json:"user_id"`
	Lines  []CartLine `json:"lines"`
}

// Empty сообщает, что оформлять нечего.
func (c *Cart) Empty() bool {
	return len(c.Lines) == 0
}
