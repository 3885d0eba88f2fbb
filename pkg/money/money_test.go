package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMinor(t *testing.T) {
	got, err := ToMinor(decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, int64(10000), got)

	got, err = ToMinor(decimal.RequireFromString("499.99"))
	require.NoError(t, err)
	assert.Equal(t, int64(49999), got)

	got, err = ToMinor(decimal.RequireFromString("12.50"))
	require.NoError(t, err)
	assert.Equal(t, int64(1250), got)
}

func TestToMinorRejectsAmbiguousAmounts(t *testing.T) {
	_, err := ToMinor(decimal.RequireFromString("10.005"))
	assert.Error(t, err, "sub-paisa precision must be rejected")

	_, err = ToMinor(decimal.NewFromInt(-1))
	assert.Error(t, err)

	_, err = ToMinor(decimal.RequireFromString("92233720368547758.08"))
	assert.Error(t, err, "int64 overflow must be rejected")
}

func TestFromMinorAndLineTotal(t *testing.T) {
	assert.True(t, FromMinor(16000).Equal(decimal.NewFromInt(160)))
	assert.True(t, LineTotal(decimal.NewFromInt(100), 2).Equal(decimal.NewFromInt(200)))
}
