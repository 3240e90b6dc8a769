package saga

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	maxVersionRetries = 5
	versionRetryDelay = 10 * time.Millisecond
)

// DefaultSettleGrace — сколько заказ может оставаться в процессе оформления,
// прежде чем отмена и сверка сочтут его брошенным. Больше суммарного
// времени повторов всех шагов settle.
const DefaultSettleGrace = 2 * time.Minute

// UpdateOrder загружает заказ, применяет mutate и сохраняет его. При
// конфликте версий заказ перечитывается и mutate вызывается заново, поэтому
// mutate должна быть чистой функцией от текущего состояния заказа.
// mutate возвращает false, если сохранять нечего.
func UpdateOrder(ctx context.Context, orders domain.OrderRepository, logger *log.Entry, id string, mutate func(*domain.Order) (bool, error)) (domain.Order, error) {
	for attempt := 0; ; attempt++ {
		order, err := orders.Get(ctx, id)
		if err != nil {
			return domain.Order{}, err
		}

		changed, err := mutate(&order)
		if err != nil {
			return order, err
		}
		if !changed {
			return order, nil
		}

		order.UpdatedAt = time.Now().UTC()
		err = orders.Save(ctx, order)
		if err == nil {
			order.Version++
			return order, nil
		}
		if !domain.IsVersionConflict(err) || attempt >= maxVersionRetries-1 {
			return order, err
		}

		if logger != nil {
			logger.WithFields(log.Fields{
				"order_id": id,
				"attempt":  attempt + 1,
				"version":  order.Version,
			}).Warn("version conflict detected, retrying")
		}

		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-time.After(versionRetryDelay * time.Duration(1<<uint(attempt))):
		}
	}
}
