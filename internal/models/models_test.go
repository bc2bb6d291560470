package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoneyRoundsHalfUp(t *testing.T) {
	assert.Equal(t, "10.13", MustMoney("10.125").String())
	assert.Equal(t, "10.12", MustMoney("10.124").String())
	assert.Equal(t, "0.01", MustMoney("0.005").String())
}

func TestMoneyJSON(t *testing.T) {
	b, err := json.Marshal(MustMoney("12.5"))
	require.NoError(t, err)
	assert.Equal(t, `"12.50"`, string(b))

	var fromNumber, fromString Money
	require.NoError(t, json.Unmarshal([]byte(`19.999`), &fromNumber))
	require.NoError(t, json.Unmarshal([]byte(`"19.99"`), &fromString))
	assert.Equal(t, "20.00", fromNumber.String())
	assert.Equal(t, "19.99", fromString.String())
}

func TestItemsSubtotal(t *testing.T) {
	order := &Order{Items: []OrderItem{
		{UnitPrice: MustMoney("249.50"), Quantity: 2},
		{UnitPrice: MustMoney("100"), Quantity: 1},
	}}
	assert.Equal(t, "599.00", order.ItemsSubtotal().String())
}

func TestNewCancelRequest(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	req, problems := NewCancelRequest(" Changed_Mind ", "", now)
	require.Empty(t, problems)
	assert.Equal(t, RequestTypeCancel, req.Type)
	assert.Equal(t, "changed_mind", req.Reason)
	assert.Equal(t, RequestStatusPending, req.Status)
	assert.Equal(t, now, req.RequestedAt)

	_, problems = NewCancelRequest("damaged", "", now)
	assert.Contains(t, problems, "reason")

	_, problems = NewCancelRequest(ReasonOther, "", now)
	assert.Contains(t, problems, "description")
}

func TestNewReturnRequest(t *testing.T) {
	now := time.Now()

	req, problems := NewReturnRequest("size_issue", "too small", now)
	require.Empty(t, problems)
	assert.Equal(t, RequestTypeReturn, req.Type)

	_, problems = NewReturnRequest("changed_mind", "", now)
	assert.Contains(t, problems, "reason")

	_, problems = NewReturnRequest("defective", strings.Repeat("x", MaxRequestDescription+1), now)
	assert.Contains(t, problems, "description")
}

func TestCancelVariantRejectsTrackingNumber(t *testing.T) {
	req := &CancelReturnRequest{
		Type:                 RequestTypeCancel,
		Reason:               "changed_mind",
		Status:               RequestStatusPending,
		ReturnTrackingNumber: "TRK-1",
	}
	assert.Contains(t, req.Validate(), "return_tracking_number")
}

func TestRequestJSONColumnRoundTrip(t *testing.T) {
	req, _ := NewReturnRequest("wrong_item", "", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	req.ReturnTrackingNumber = "TRK-9"
	req.Refund = &RefundDetails{Amount: MustMoney("50"), Method: RefundMethodOriginal, Status: RefundStatusPending}

	raw, err := req.Value()
	require.NoError(t, err)

	var scanned CancelReturnRequest
	require.NoError(t, scanned.Scan(raw))
	assert.Equal(t, req.ReturnTrackingNumber, scanned.ReturnTrackingNumber)
	assert.Equal(t, "50.00", scanned.Refund.Amount.String())
	assert.True(t, req.RequestedAt.Equal(scanned.RequestedAt))
}
