package checkout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Request — входные данные оформления. Корзина читается из CartStore по UserID.
type Request struct {
	UserID          string `validate:"required,max=128"`
	CouponCode      string `validate:"omitempty,max=64"`
	ShippingAddress string `validate:"required,max=1024"`
	PaymentMethod   string `validate:"required,max=64"`
}

// Validate проверяет запрос и возвращает ошибку, совместимую с domain.ErrInvalidRequest.
func (r Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}
