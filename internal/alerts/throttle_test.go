package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewThrottlerDefaults(t *testing.T) {
	throttler := NewThrottler(0, 0)
	assert.Equal(t, DefaultRatePerMinute, throttler.Burst())
}

func TestWaitUsesBurst(t *testing.T) {
	throttler := NewThrottler(1, 10)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		require.NoError(t, throttler.Wait(ctx), "send %d should not wait", i+1)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	assert.Error(t, throttler.Wait(short))
}

func TestWaitHonorsContext(t *testing.T) {
	throttler := NewThrottler(1, 1)
	require.NoError(t, throttler.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.Error(t, throttler.Wait(ctx))
}

func TestSetRate(t *testing.T) {
	throttler := NewThrottler(1, 1)
	require.NoError(t, throttler.Wait(context.Background()))

	throttler.SetRate(6000, 5)
	assert.Equal(t, 5, throttler.Burst())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, throttler.Wait(ctx))
}
