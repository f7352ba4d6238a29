package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_List(t *testing.T) {
	r := NewDefaultRegistry(nil, "")

	all := r.List(false)
	require.Len(t, all, 4)
	assert.Equal(t, HandlerSandbox, all[0].ID)

	enabled := r.List(true)
	for _, h := range enabled {
		assert.True(t, h.Enabled, h.ID)
		assert.NotEqual(t, HandlerApplePay, h.ID)
	}
	assert.Len(t, enabled, 3)
}

func TestRegistry_Lookups(t *testing.T) {
	r := NewDefaultRegistry(nil, "")

	_, ok := r.Get("paypal")
	assert.False(t, ok)

	assert.True(t, r.SupportsCurrency(HandlerSandbox, "usd"))
	assert.False(t, r.SupportsCurrency(HandlerSandbox, "JPY"))
	assert.False(t, r.SupportsCurrency("paypal", "USD"))

	assert.True(t, r.SupportsCountry(HandlerGooglePay, "il"))
	assert.False(t, r.SupportsCountry(HandlerApplePay, "IL"))
}

func TestRegistry_SetEnabled(t *testing.T) {
	r := NewDefaultRegistry(nil, "")

	require.NoError(t, r.SetEnabled(HandlerApplePay, true))
	h, _ := r.Get(HandlerApplePay)
	assert.True(t, h.Enabled)

	assert.Error(t, r.SetEnabled("paypal", true))
}

func TestCardBrand(t *testing.T) {
	tests := map[string]string{
		"4242424242424242": "Visa",
		"5555555555554444": "Mastercard",
		"2223003122003222": "Mastercard",
		"378282246310005":  "American Express",
		"6011111111111117": "Discover",
		"6500000000000002": "Discover",
		"3056930009020004": "Unknown",
	}
	for number, brand := range tests {
		assert.Equal(t, brand, CardBrand(number), number)
	}
	assert.Equal(t, "Visa", CardBrand("4242 4242 4242 4242"))
}
