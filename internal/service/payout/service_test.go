package payout_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payout"
	"github.com/vladislavdragonenkov/marketplace/internal/service/saga"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

func newService(t *testing.T, pending int64) (*payout.Service, *memory.OutboxRepository) {
	t.Helper()
	ctx := context.Background()
	ledgers := memory.NewLedgerRepository()
	require.NoError(t, ledgers.SaveVendor(ctx, domain.VendorLedger{VendorID: "VA", CommissionRate: decimal.NewFromInt(15)}))
	if pending > 0 {
		_, err := ledgers.Post(ctx, "VA", "order-1", domain.PostingOrderCredit, pending)
		require.NoError(t, err)
	}

	outbox := memory.NewOutboxRepository()
	m := metrics.NewCheckoutMetricsWithRegisterer(prometheus.NewRegistry())
	svc := payout.NewService(ledgers,
		payout.WithEvents(saga.NewEmitter(outbox, nil, nil, m)),
		payout.WithMetrics(m),
	)
	return svc, outbox
}

func TestPayout_CompletedDebitsBalance(t *testing.T) {
	ctx := context.Background()
	svc, outbox := newService(t, 5950)

	p, err := svc.Request(ctx, "VA", 5000)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutStatusRequested, p.Status)

	bal, err := svc.Balance(ctx, "VA")
	require.NoError(t, err)
	assert.EqualValues(t, 5950, bal.PendingPayoutMinor, "request must not debit")

	_, err = svc.MarkProcessing(ctx, p.ID)
	require.NoError(t, err)
	done, err := svc.MarkCompleted(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutStatusCompleted, done.Status)
	assert.False(t, done.ProcessedAt.IsZero())

	bal, err = svc.Balance(ctx, "VA")
	require.NoError(t, err)
	assert.EqualValues(t, 950, bal.PendingPayoutMinor)
	assert.EqualValues(t, 5000, bal.TotalPayoutsMinor)

	again, err := svc.MarkCompleted(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutStatusCompleted, again.Status)
	bal, _ = svc.Balance(ctx, "VA")
	assert.EqualValues(t, 950, bal.PendingPayoutMinor, "repeat completion must not debit twice")

	pending := outbox.AllPending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.EventPayoutCompleted, pending[0].EventType)
	assert.Equal(t, "payout", pending[0].AggregateType)
}

func TestPayout_RequestAboveBalance(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, 3000)

	_, err := svc.Request(ctx, "VA", 3001)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = svc.Request(ctx, "VA", 0)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = svc.Request(ctx, "unknown", 10)
	require.ErrorIs(t, err, domain.ErrVendorNotFound)
}

func TestPayout_FailedKeepsBalance(t *testing.T) {
	ctx := context.Background()
	svc, outbox := newService(t, 3000)

	p, err := svc.Request(ctx, "VA", 2000)
	require.NoError(t, err)
	_, err = svc.MarkProcessing(ctx, p.ID)
	require.NoError(t, err)
	failed, err := svc.MarkFailed(ctx, p.ID, "bank rejected")
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutStatusFailed, failed.Status)
	assert.Equal(t, "bank rejected", failed.FailureReason)

	_, err = svc.MarkFailed(ctx, p.ID, "bank rejected")
	require.NoError(t, err)

	bal, err := svc.Balance(ctx, "VA")
	require.NoError(t, err)
	assert.EqualValues(t, 3000, bal.PendingPayoutMinor)
	assert.Empty(t, outbox.AllPending())
}

func TestPayout_IllegalTransitions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, 3000)

	p, err := svc.Request(ctx, "VA", 1000)
	require.NoError(t, err)

	_, err = svc.MarkCompleted(ctx, p.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = svc.MarkFailed(ctx, p.ID, "x")
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = svc.MarkProcessing(ctx, p.ID)
	require.NoError(t, err)
	_, err = svc.MarkFailed(ctx, p.ID, "x")
	require.NoError(t, err)
	_, err = svc.MarkCompleted(ctx, p.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = svc.MarkProcessing(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrPayoutNotFound)
}

func TestPayout_CompletionCannotOverdraw(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, 3000)

	first, err := svc.Request(ctx, "VA", 2000)
	require.NoError(t, err)
	second, err := svc.Request(ctx, "VA", 2000)
	require.NoError(t, err, "requests do not reserve balance")

	for _, id := range []string{first.ID, second.ID} {
		_, err = svc.MarkProcessing(ctx, id)
		require.NoError(t, err)
	}
	_, err = svc.MarkCompleted(ctx, first.ID)
	require.NoError(t, err)
	_, err = svc.MarkCompleted(ctx, second.ID)
	require.ErrorIs(t, err, domain.ErrLedgerInconsistency)

	bal, err := svc.Balance(ctx, "VA")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, bal.PendingPayoutMinor)
	assert.EqualValues(t, 2000, bal.TotalPayoutsMinor)
}
