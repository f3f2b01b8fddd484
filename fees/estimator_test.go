package fees

import (
	"context"
	"testing"

	"github.com/crossgate/crossgate-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPricing() *StaticPricing {
	return NewStaticPricing(map[contracts.ChainID]ChainPricing{
		2: {BaseFee: 1000, PerByte: 2, GasPrice: 5, ProtocolFlat: 100},
	})
}

func TestEstimate(t *testing.T) {
	t.Run("quote combines base, per-byte, and execution cost", func(t *testing.T) {
		est, err := NewEstimator(testPricing())
		require.NoError(t, err)

		quote, err := est.Estimate(context.Background(), 2, 100, RelayParams{DestGasLimit: 200000})

		require.NoError(t, err)
		assert.Equal(t, int64(1000+2*100+5*200000), quote.NativeFee)
		assert.Equal(t, int64(100), quote.ProtocolFee)
		assert.Equal(t, quote.NativeFee+quote.ProtocolFee, quote.Total())
	})

	t.Run("quote is monotonic non-decreasing in payload size", func(t *testing.T) {
		est, err := NewEstimator(testPricing())
		require.NoError(t, err)
		params := RelayParams{DestGasLimit: 100000}

		var prev int64 = -1
		for _, size := range []int{0, 1, 32, 1024, 1 << 16} {
			quote, err := est.Estimate(context.Background(), 2, size, params)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, quote.NativeFee, prev, "size %d", size)
			prev = quote.NativeFee
		}
	})

	t.Run("unknown destination chain fails", func(t *testing.T) {
		est, err := NewEstimator(testPricing())
		require.NoError(t, err)

		_, err = est.Estimate(context.Background(), 99, 10, RelayParams{})

		assert.Error(t, err)
	})

	t.Run("negative payload size is rejected", func(t *testing.T) {
		est, err := NewEstimator(testPricing())
		require.NoError(t, err)

		_, err = est.Estimate(context.Background(), 2, -1, RelayParams{})

		assert.Error(t, err)
	})

	t.Run("updated pricing is reflected in new quotes", func(t *testing.T) {
		pricing := testPricing()
		est, err := NewEstimator(pricing)
		require.NoError(t, err)

		before, err := est.Estimate(context.Background(), 2, 10, RelayParams{})
		require.NoError(t, err)

		pricing.Update(2, ChainPricing{BaseFee: 5000, PerByte: 2, GasPrice: 5, ProtocolFlat: 100})
		after, err := est.Estimate(context.Background(), 2, 10, RelayParams{})
		require.NoError(t, err)

		assert.Greater(t, after.NativeFee, before.NativeFee)
	})
}

func TestNewEstimator(t *testing.T) {
	t.Run("nil pricing source is rejected", func(t *testing.T) {
		_, err := NewEstimator(nil)
		assert.Error(t, err)
	})
}
