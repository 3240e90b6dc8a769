package checkout_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func TestCapturePayment(t *testing.T) {
	h := newHarness(t)
	h.product(t, productP, "V1", 1000, 5)
	h.vendor(t, "V1", 10)
	h.cart("user-1", line(productP, 2))
	ctx := context.Background()

	order, err := h.orch.Checkout(ctx, request("user-1"))
	require.NoError(t, err)

	paid, err := h.orch.CapturePayment(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusProcessing, paid.Status)
	require.NotEmpty(t, paid.PaymentReference)
	require.Contains(t, h.eventTypes(), domain.EventOrderPaid)

	again, err := h.orch.CapturePayment(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, paid.PaymentReference, again.PaymentReference)
	require.Equal(t, 1, h.payments.ChargeCalls)
}

func TestCapturePayment_DeclinedKeepsPending(t *testing.T) {
	h := newHarness(t)
	h.product(t, productP, "V1", 1000, 5)
	h.vendor(t, "V1", 10)
	h.cart("user-1", line(productP, 1))
	h.payments.ChargeErr = domain.ErrPaymentDeclined
	ctx := context.Background()

	order, err := h.orch.Checkout(ctx, request("user-1"))
	require.NoError(t, err)

	_, err = h.orch.CapturePayment(ctx, order.ID)
	require.ErrorIs(t, err, domain.ErrPaymentDeclined)

	stored, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, stored.Status)
	require.Empty(t, stored.PaymentReference)
}

func TestCapturePayment_RejectsCancelledOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.orders.Create(ctx, domain.Order{
		ID:         "order-1",
		UserID:     "user-1",
		Status:     domain.OrderStatusCancelled,
		TotalMinor: 1000,
	}))

	_, err := h.orch.CapturePayment(ctx, "order-1")
	require.ErrorIs(t, err, domain.ErrInvalidState)
	require.Zero(t, h.payments.ChargeCalls)
}
