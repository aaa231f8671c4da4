package rediskey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	require.Equal(t, "seq:INV:20260314", BuildSequenceKey("INV", "20260314"))
	require.Equal(t, "stats:server", BuildServerStatsKey())
}
