package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func testBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:         name,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      50 * time.Millisecond,
		FailureRatio: 0.5,
		MinRequests:  2,
	}
}

func TestBreakerGateway_OpensOnTransportErrors(t *testing.T) {
	mock := NewMockGateway()
	mock.ChargeErr = errors.New("connection reset")
	gw := NewBreakerGateway(mock, testBreakerConfig("test-open"), nil)

	for i := 0; i < 2; i++ {
		_, err := gw.Charge(context.Background(), 100, "USD", "card")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, gw.State())

	_, err := gw.Charge(context.Background(), 100, "USD", "card")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, mock.ChargeCalls)

	time.Sleep(60 * time.Millisecond)
	mock.ChargeErr = nil
	_, err = gw.Charge(context.Background(), 100, "USD", "card")
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, gw.State())
}

func TestBreakerGateway_DeclinesDoNotTrip(t *testing.T) {
	mock := NewMockGateway()
	mock.ChargeErr = domain.ErrPaymentDeclined
	gw := NewBreakerGateway(mock, testBreakerConfig("test-declines"), nil)

	for i := 0; i < 5; i++ {
		_, err := gw.Charge(context.Background(), 100, "USD", "card")
		require.ErrorIs(t, err, domain.ErrPaymentDeclined)
	}
	assert.Equal(t, gobreaker.StateClosed, gw.State())
}

func TestBreakerGateway_RefundAndSettled(t *testing.T) {
	mock := NewMockGateway()
	gw := NewBreakerGateway(mock, testBreakerConfig("test-refund"), nil)

	res, err := gw.Charge(context.Background(), 500, "USD", "card")
	require.NoError(t, err)

	settled, err := gw.Settled(context.Background(), res.Reference)
	require.NoError(t, err)
	assert.True(t, settled)

	require.NoError(t, gw.Refund(context.Background(), res.Reference, 500))
	assert.EqualValues(t, 500, mock.Refunded(res.Reference))
}
