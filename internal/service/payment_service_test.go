package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"storefront-orders/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Charge(ctx context.Context, orderID int64, amount models.Money, method string) (string, bool, error) {
	args := m.Called(ctx, orderID, amount.String(), method)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockGateway) Refund(ctx context.Context, orderID int64, amount models.Money, method string) (string, bool, error) {
	args := m.Called(ctx, orderID, amount.String(), method)
	return args.String(0), args.Bool(1), args.Error(2)
}

func createdEvent(method string) *models.OrderEvent {
	return &models.OrderEvent{
		BaseEvent:     models.BaseEvent{EventID: "evt-1", EventType: models.EventTypeOrderCreated, Timestamp: testNow},
		OrderID:       42,
		CurrentStatus: models.OrderStatusPending,
		PaymentMethod: method,
		Total:         models.MustMoney("900"),
	}
}

func TestChargeSucceeds(t *testing.T) {
	st := newMemStore()
	events := &recordingPublisher{}
	gw := &mockGateway{}
	gw.On("Charge", mock.Anything, int64(42), "900.00", models.PaymentMethodCard).Return("TXN-1", true, nil).Once()
	ps := NewPaymentService(st, st, gw, events)

	require.NoError(t, ps.HandleOrderCreated(context.Background(), createdEvent(models.PaymentMethodCard)))

	payments := st.paymentList()
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentRecordSuccess, payments[0].Status)
	assert.Equal(t, "TXN-1", payments[0].ProviderTxID)

	published := events.paymentEvents()
	require.Len(t, published, 1)
	assert.Equal(t, models.EventTypePaymentSucceeded, published[0].EventType)
	assert.Equal(t, int64(42), published[0].OrderID)
	gw.AssertExpectations(t)
}

func TestChargeDeclined(t *testing.T) {
	st := newMemStore()
	events := &recordingPublisher{}
	gw := &mockGateway{}
	gw.On("Charge", mock.Anything, int64(42), "900.00", models.PaymentMethodUPI).Return("", false, nil)
	ps := NewPaymentService(st, st, gw, events)

	require.NoError(t, ps.HandleOrderCreated(context.Background(), createdEvent(models.PaymentMethodUPI)))

	assert.Equal(t, models.PaymentRecordFailed, st.paymentList()[0].Status)
	published := events.paymentEvents()
	require.Len(t, published, 1)
	assert.Equal(t, models.EventTypePaymentFailed, published[0].EventType)
	assert.NotEmpty(t, published[0].Reason)
}

func TestChargeRedeliveryIsIgnored(t *testing.T) {
	st := newMemStore()
	events := &recordingPublisher{}
	gw := &mockGateway{}
	gw.On("Charge", mock.Anything, int64(42), "900.00", models.PaymentMethodCard).Return("TXN-1", true, nil).Once()
	ps := NewPaymentService(st, st, gw, events)

	event := createdEvent(models.PaymentMethodCard)
	require.NoError(t, ps.HandleOrderCreated(context.Background(), event))
	require.NoError(t, ps.HandleOrderCreated(context.Background(), event))

	assert.Len(t, st.paymentList(), 1)
	gw.AssertNumberOfCalls(t, "Charge", 1)
}

func TestGatewayErrorLeavesEventUnprocessed(t *testing.T) {
	st := newMemStore()
	gw := &mockGateway{}
	gw.On("Charge", mock.Anything, int64(42), "900.00", models.PaymentMethodCard).Return("", false, errors.New("timeout"))
	ps := NewPaymentService(st, st, gw, &recordingPublisher{})

	err := ps.HandleOrderCreated(context.Background(), createdEvent(models.PaymentMethodCard))

	require.Error(t, err)
	processed, _ := st.IsEventProcessed(context.Background(), "payment:evt-1")
	assert.False(t, processed, "a redelivery should try again")
	assert.Equal(t, models.PaymentRecordFailed, st.paymentList()[0].Status)
}

func TestGatewayErrorLogsFailedStatusWrite(t *testing.T) {
	st := newMemStore()
	st.paymentUpdateErrs = []error{errors.New("connection reset")}
	gw := &mockGateway{}
	gw.On("Charge", mock.Anything, int64(42), "900.00", models.PaymentMethodCard).Return("", false, errors.New("timeout"))
	ps := NewPaymentService(st, st, gw, &recordingPublisher{})
	core, logs := observer.New(zap.ErrorLevel)
	ps.logger = zap.New(core)

	err := ps.HandleOrderCreated(context.Background(), createdEvent(models.PaymentMethodCard))

	require.ErrorContains(t, err, "gateway charge failed")
	entries := logs.FilterMessage("Failed to mark payment failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "connection reset", entries[0].ContextMap()["error"])
	assert.Equal(t, models.PaymentRecordPending, st.paymentList()[0].Status)
}

func TestCashOnDeliveryIsNotCharged(t *testing.T) {
	st := newMemStore()
	gw := &mockGateway{}
	ps := NewPaymentService(st, st, gw, &recordingPublisher{})

	require.NoError(t, ps.HandleOrderCreated(context.Background(), createdEvent(models.PaymentMethodCOD)))

	assert.Empty(t, st.paymentList())
	gw.AssertNotCalled(t, "Charge")
}

func TestRefundPaysPendingAmount(t *testing.T) {
	st := newMemStore()
	events := &recordingPublisher{}
	gw := &mockGateway{}
	gw.On("Refund", mock.Anything, int64(42), "400.00", models.RefundMethodStoreCredit).Return("TXN-R", true, nil)
	ps := NewPaymentService(st, st, gw, events)

	event := createdEvent(models.PaymentMethodCard)
	event.EventType = models.EventTypeOrderReturned
	event.Refund = &models.RefundDetails{Amount: models.MustMoney("400"), Method: models.RefundMethodStoreCredit, Status: models.RefundStatusPending}
	require.NoError(t, ps.HandleRefundDue(context.Background(), event))

	payments := st.paymentList()
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentKindRefund, payments[0].Kind)
	assert.Equal(t, "400.00", payments[0].Amount.String())
	assert.Equal(t, models.EventTypePaymentRefunded, events.paymentEvents()[0].EventType)
}

func TestRefundSkippedWithoutPendingRefund(t *testing.T) {
	st := newMemStore()
	gw := &mockGateway{}
	ps := NewPaymentService(st, st, gw, &recordingPublisher{})

	event := createdEvent(models.PaymentMethodCard)
	event.EventType = models.EventTypeOrderCancelled
	require.NoError(t, ps.HandleRefundDue(context.Background(), event))

	gw.AssertNotCalled(t, "Refund")
}

func TestMockGatewayHonoursRate(t *testing.T) {
	always := NewMockGateway(1, 0)
	txID, ok, err := always.Charge(context.Background(), 1, models.MustMoney("10"), models.PaymentMethodCard)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Regexp(t, `^TXN-`, txID)

	never := NewMockGateway(0, 0)
	_, ok, err = never.Refund(context.Background(), 1, models.MustMoney("10"), models.RefundMethodOriginal)
	require.NoError(t, err)
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = NewMockGateway(1, time.Second).Charge(ctx, 1, models.MustMoney("10"), models.PaymentMethodCard)
	assert.ErrorIs(t, err, context.Canceled)
}
