package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterBurstThenRefill(t *testing.T) {
	req := require.New(t)
	clock := time.Unix(0, 0)
	l := newLimiter(10, 3, func() time.Time { return clock })

	req.True(l.Allow())
	req.True(l.Allow())
	req.True(l.Allow())
	req.False(l.Allow(), "burst exhausted")

	clock = clock.Add(100 * time.Millisecond)
	req.True(l.Allow(), "one token refilled after 100ms at 10/s")
	req.False(l.Allow())

	clock = clock.Add(time.Hour)
	req.True(l.AllowN(3), "refill is capped at burst")
	req.False(l.Allow())
}

func TestLimiterAllowN(t *testing.T) {
	clock := time.Unix(0, 0)
	l := newLimiter(1, 5, func() time.Time { return clock })

	require.False(t, l.AllowN(6))
	require.True(t, l.AllowN(5))
}

func TestGuardEscalates(t *testing.T) {
	req := require.New(t)
	g := NewGuard(0.0001, 1, 2)

	req.Equal(Accept, g.Check())
	req.Equal(Drop, g.Check())
	req.Equal(Drop, g.Check())
	req.Equal(Disconnect, g.Check())
	req.Equal(3, g.Violations())
}
