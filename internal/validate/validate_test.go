package validate

import (
	"errors"
	"testing"

	"storefront-orders/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type line struct {
	SKU      string `json:"sku" binding:"required,max=8"`
	Quantity int    `json:"quantity" binding:"required,min=1"`
}

type address struct {
	City string `json:"city" binding:"required"`
}

type cart struct {
	Lines   []line  `json:"lines" binding:"required,min=1,dive"`
	Method  string  `json:"method" binding:"required,oneof=card cod"`
	Ship    address `json:"ship"`
	Comment string  `json:"comment,omitempty" binding:"omitempty,max=5"`
	Secret  string  `json:"-"`
}

func TestStructReportsJSONPaths(t *testing.T) {
	err := Struct(&cart{
		Lines:   []line{{SKU: "TEE-M", Quantity: 0}, {SKU: "", Quantity: 2}},
		Method:  "cheque",
		Comment: "too long",
	})

	require.True(t, apperr.Is(err, apperr.KindValidation))
	fields := apperr.As(err).Fields
	assert.Equal(t, "is required", fields["lines[0].quantity"])
	assert.Equal(t, "is required", fields["lines[1].sku"])
	assert.Equal(t, "must be one of card, cod", fields["method"])
	assert.Equal(t, "is required", fields["ship.city"])
	assert.Equal(t, "must be at most 5 characters", fields["comment"])
	assert.Len(t, fields, 5)
}

func TestStructEmptySlice(t *testing.T) {
	err := Struct(&cart{Lines: []line{}, Method: "cod", Ship: address{City: "Pune"}})

	require.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Equal(t, "must be at least 1 entries", apperr.As(err).Fields["lines"])
}

func TestStructValid(t *testing.T) {
	err := Struct(&cart{Lines: []line{{SKU: "TEE-M", Quantity: 1}}, Method: "card", Ship: address{City: "Pune"}})
	assert.NoError(t, err)
}

func TestErrorWrapsDecodeFailures(t *testing.T) {
	err := Error(errors.New("unexpected EOF"))

	require.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Contains(t, apperr.As(err).Fields["body"], "unexpected EOF")
}
