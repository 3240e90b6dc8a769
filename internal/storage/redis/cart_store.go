package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const cartPrefix = "cart:"

// CartStore хранит корзину пользователя JSON-документом под ключом cart:<userID>.
type CartStore struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// NewCartStore создаёт хранилище; ttl <= 0 — без срока жизни.
func NewCartStore(client goredis.UniversalClient, ttl time.Duration) *CartStore {
	return &CartStore{client: client, ttl: ttl}
}

// Get возвращает корзину; отсутствующая корзина считается пустой.
func (s *CartStore) Get(ctx context.Context, userID string) (domain.Cart, error) {
	data, err := s.client.Get(ctx, cartPrefix+userID).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.Cart{UserID: userID}, nil
		}
		return domain.Cart{}, fmt.Errorf("redis get cart: %w", err)
	}

	var cart domain.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return domain.Cart{}, fmt.Errorf("unmarshal cart: %w", err)
	}
	cart.UserID = userID
	return cart, nil
}

// Put заменяет корзину пользователя.
func (s *CartStore) Put(ctx context.Context, cart domain.Cart) error {
	data, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("marshal cart: %w", err)
	}
	if err := s.client.Set(ctx, cartPrefix+cart.UserID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set cart: %w", err)
	}
	return nil
}

// Clear удаляет корзину. Повтор безопасен.
func (s *CartStore) Clear(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, cartPrefix+userID).Err(); err != nil {
		return fmt.Errorf("redis del cart: %w", err)
	}
	return nil
}

var _ domain.CartStore = (*CartStore)(nil)
