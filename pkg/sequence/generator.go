package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"storefront-ledger/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(New),
)

const (
	InvoicePrefix = "INV"
	VoucherPrefix = "VCH"
)

// VoucherCodeLength is the number of random characters in a voucher code.
// Codes are bearer secrets, so they carry no date or counter.
const VoucherCodeLength = 16

// Generator hands out human readable identifiers. Uniqueness is only "in
// practice": callers still rely on the unique index and retry on collision.
type Generator interface {
	NextInvoiceID(ctx context.Context) (string, error)
	NextVoucherCode(ctx context.Context) (string, error)
}

type Params struct {
	fx.In

	Redis *redis.Client `optional:"true"`
}

// New uses the redis daily counter when redis is configured and falls back
// to a purely random suffix otherwise.
func New(p Params) Generator {
	if p.Redis == nil {
		return NewRandomGenerator(time.Now)
	}
	return &RedisGenerator{rdb: p.Redis, now: time.Now}
}

type RedisGenerator struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisGenerator(rdb *redis.Client) *RedisGenerator {
	return &RedisGenerator{rdb: rdb, now: time.Now}
}

func (g *RedisGenerator) NextInvoiceID(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, InvoicePrefix)
}

func (g *RedisGenerator) NextVoucherCode(ctx context.Context) (string, error) {
	return nextVoucherCode()
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix string) (string, error) {
	now := g.now().UTC()
	today := now.Format("20060102")
	key := rediskey.BuildSequenceKey(prefix, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("next %s sequence: %w", prefix, err)
	}

	if seq == 1 {
		endOfDay := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		_ = g.rdb.ExpireAt(ctx, key, endOfDay.Add(time.Hour)).Err()
	}

	// base36, at least 3 characters
	encodedSeq := strings.ToUpper(strconv.FormatInt(seq, 36))
	if len(encodedSeq) < 3 {
		encodedSeq = strings.Repeat("0", 3-len(encodedSeq)) + encodedSeq
	}

	randSuffix, err := randomAlphaNumeric(2)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%s%s", prefix, today, encodedSeq, randSuffix), nil
}

// RandomGenerator needs no shared state; it is used by tests and single node setups.
type RandomGenerator struct {
	now func() time.Time
}

func NewRandomGenerator(now func() time.Time) *RandomGenerator {
	return &RandomGenerator{now: now}
}

func (g *RandomGenerator) NextInvoiceID(ctx context.Context) (string, error) {
	return g.next(InvoicePrefix)
}

func (g *RandomGenerator) NextVoucherCode(ctx context.Context) (string, error) {
	return nextVoucherCode()
}

func (g *RandomGenerator) next(prefix string) (string, error) {
	suffix, err := randomAlphaNumeric(8)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s", prefix, g.now().UTC().Format("20060102"), suffix), nil
}

// nextVoucherCode renders VCH-XXXX-XXXX-XXXX-XXXX.
func nextVoucherCode() (string, error) {
	raw, err := randomAlphaNumeric(VoucherCodeLength)
	if err != nil {
		return "", err
	}

	groups := make([]string, 0, VoucherCodeLength/4+1)
	groups = append(groups, VoucherPrefix)
	for i := 0; i < len(raw); i += 4 {
		groups = append(groups, raw[i:i+4])
	}
	return strings.Join(groups, "-"), nil
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
