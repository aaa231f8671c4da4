package sequence

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var invoicePattern = regexp.MustCompile(`^INV-\d{8}-[0-9A-Z]{5,}$`)

func TestRandomGenerator(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC) }
	g := NewRandomGenerator(now)

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id, err := g.NextInvoiceID(context.Background())
		require.NoError(t, err)
		require.Regexp(t, invoicePattern, id)
		require.Contains(t, id, "-20260314-")
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}

}

var voucherPattern = regexp.MustCompile(`^VCH-[A-Z2-9]{4}-[A-Z2-9]{4}-[A-Z2-9]{4}-[A-Z2-9]{4}$`)

func TestVoucherCodesCarryNoDateOrCounter(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC) }
	generators := map[string]Generator{
		"random": NewRandomGenerator(now),
		"redis":  &RedisGenerator{now: now},
	}

	for name, g := range generators {
		t.Run(name, func(t *testing.T) {
			seen := map[string]bool{}
			for i := 0; i < 500; i++ {
				code, err := g.NextVoucherCode(context.Background())
				require.NoError(t, err)
				require.Regexp(t, voucherPattern, code)
				require.NotContains(t, code, "20260314")
				require.False(t, seen[code], "duplicate code %s", code)
				seen[code] = true
			}
		})
	}
}
