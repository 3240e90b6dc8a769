package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// CartStore — in-memory корзины для локального запуска и тестов.
type CartStore struct {
	mu    sync.RWMutex
	carts map[string]domain.Cart
}

// NewCartStore создаёт пустое хранилище корзин.
func NewCartStore() *CartStore {
	return &CartStore{carts: make(map[string]domain.Cart)}
}

// Put заменяет корзину пользователя.
func (s *CartStore) Put(cart domain.Cart) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart.Lines = append([]domain.CartLine(nil), cart.Lines...)
	s.carts[cart.UserID] = cart
}

// Get возвращает корзину; отсутствующая корзина считается пустой.
func (s *CartStore) Get(_ context.Context, userID string) (domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cart, ok := s.carts[userID]
	if !ok {
		return domain.Cart{UserID: userID}, nil
	}
	cart.Lines = append([]domain.CartLine(nil), cart.Lines...)
	return cart, nil
}

// Clear удаляет корзину; повторный вызов безопасен.
func (s *CartStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.carts, userID)
	return nil
}

var _ domain.CartStore = (*CartStore)(nil)
