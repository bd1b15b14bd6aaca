package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoisonName(t *testing.T) {
	require.Equal(t, "file-changes-poison", PoisonName("file-changes"))
}

func TestRequeueBackoffGrowsThenCaps(t *testing.T) {
	require.Equal(t, time.Minute, RequeueBackoff(0))
	require.Equal(t, 5*time.Minute, RequeueBackoff(1))
	require.Equal(t, 25*time.Minute, RequeueBackoff(2))
	require.Equal(t, 125*time.Minute, RequeueBackoff(3))

	for n := 5; n < 20; n++ {
		d := RequeueBackoff(n)
		require.GreaterOrEqual(t, d, MaxBackoff-BackoffJitter)
		require.LessOrEqual(t, d, MaxBackoff+BackoffJitter)
	}
}
