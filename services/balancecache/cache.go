package balancecache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"storefront-ledger/pkg/logger"
	"storefront-ledger/services/account"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "balance_cache_hits_total",
		Help: "Balance lookups served from the in-process cache.",
	})
	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "balance_cache_miss_total",
		Help: "Balance lookups that needed the legacy balance procedure.",
	})
	upstreamCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "balance_cache_upstream_calls_total",
		Help: "Legacy balance procedure calls issued by the cache after coalescing.",
	})
)

// BalanceReader is the upstream the cache fronts.
type BalanceReader interface {
	GetBalance(ctx context.Context, accountID int64) (account.BalanceSnapshot, error)
}

// RecentSource lists the accounts that were active most recently.
type RecentSource interface {
	RecentAccountIDs(ctx context.Context, limit int) ([]int64, error)
}

type Stats struct {
	Size      int    `json:"size"`
	HitCount  uint64 `json:"hit_count"`
	MissCount uint64 `json:"miss_count"`
}

type entry struct {
	snapshot account.BalanceSnapshot
	cachedAt time.Time
}

type Options struct {
	TTL               time.Duration
	Concurrency       int
	WarmupAccounts    []int64
	WarmupRecentLimit int
	// Recent is optional; without it warmup only covers WarmupAccounts.
	Recent RecentSource
	// Now defaults to time.Now.
	Now func() time.Time
}

// Cache is a TTL cache of legacy balance snapshots keyed by account id.
// Concurrent misses for one account share a single upstream call.
type Cache struct {
	reader BalanceReader
	opts   Options
	now    func() time.Time

	mu    sync.RWMutex
	items map[int64]entry
	group singleflight.Group
	// loads that started before an Invalidate of their account, or before a
	// Clear, must not repopulate the cache with the old balance
	epoch    uint64
	versions map[int64]uint64

	hits   atomic.Uint64
	misses atomic.Uint64

	warmMu     sync.Mutex
	warmCancel context.CancelFunc
	warmWG     sync.WaitGroup
}

func New(reader BalanceReader, opts Options) *Cache {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Cache{
		reader:   reader,
		opts:     opts,
		now:      now,
		items:    make(map[int64]entry),
		versions: make(map[int64]uint64),
	}
}

func (c *Cache) fresh(id int64) (account.BalanceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[id]
	if !ok || c.now().Sub(e.cachedAt) >= c.opts.TTL {
		return account.BalanceSnapshot{}, false
	}
	return e.snapshot, true
}

type generation struct {
	epoch, version uint64
}

func (c *Cache) generationOf(id int64) generation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return generation{epoch: c.epoch, version: c.versions[id]}
}

func (c *Cache) store(id int64, snap account.BalanceSnapshot, gen generation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != gen.epoch || c.versions[id] != gen.version {
		return
	}
	c.items[id] = entry{snapshot: snap, cachedAt: c.now()}
}

// Get is GetMany for a single account.
func (c *Cache) Get(ctx context.Context, accountID int64) (account.BalanceSnapshot, error) {
	out, err := c.GetMany(ctx, []int64{accountID})
	if err != nil {
		return account.BalanceSnapshot{}, err
	}
	return out[accountID], nil
}

// GetMany returns a snapshot for every requested account it could load.
// Failed loads are left out of the map and reported together in the error.
func (c *Cache) GetMany(ctx context.Context, accountIDs []int64) (map[int64]account.BalanceSnapshot, error) {
	out := make(map[int64]account.BalanceSnapshot, len(accountIDs))
	var missing []int64

	seen := make(map[int64]struct{}, len(accountIDs))
	for _, id := range accountIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if snap, ok := c.fresh(id); ok {
			c.hits.Add(1)
			cacheHits.Inc()
			out[id] = snap
			continue
		}
		c.misses.Add(1)
		cacheMiss.Inc()
		missing = append(missing, id)
	}

	if len(missing) == 0 {
		return out, nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(c.opts.Concurrency)
	for _, id := range missing {
		g.Go(func() error {
			snap, err := c.load(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			out[id] = snap
			return nil
		})
	}
	_ = g.Wait()

	return out, errors.Join(errs...)
}

// load coalesces concurrent upstream calls for one account. The shared call is
// detached from the caller's cancellation; each caller only stops waiting.
func (c *Cache) load(ctx context.Context, id int64) (account.BalanceSnapshot, error) {
	gen := c.generationOf(id)
	key := strconv.FormatInt(id, 10)

	ch := c.group.DoChan(key, func() (any, error) {
		// another caller may have stored it while we queued for the key
		if snap, ok := c.fresh(id); ok {
			return snap, nil
		}

		upstreamCalls.Inc()
		snap, err := c.reader.GetBalance(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		c.store(id, snap, gen)
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return account.BalanceSnapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return account.BalanceSnapshot{}, res.Err
		}
		return res.Val.(account.BalanceSnapshot), nil
	}
}

// Invalidate drops one account, typically right after a committed balance change.
func (c *Cache) Invalidate(accountID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.versions[accountID]++
	delete(c.items, accountID)
	c.group.Forget(strconv.FormatInt(accountID, 10))
}

// Clear drops every entry immediately.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	c.items = make(map[int64]entry)
	c.versions = make(map[int64]uint64)
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	size := len(c.items)
	c.mu.RUnlock()

	return Stats{
		Size:      size,
		HitCount:  c.hits.Load(),
		MissCount: c.misses.Load(),
	}
}

func (c *Cache) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
}

// Warmup loads the configured accounts in the background and returns at once.
// A warmup already running is cancelled first.
func (c *Cache) Warmup(ctx context.Context) {
	c.warmMu.Lock()
	defer c.warmMu.Unlock()

	if c.warmCancel != nil {
		c.warmCancel()
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.warmCancel = cancel

	c.warmWG.Add(1)
	go func() {
		defer c.warmWG.Done()
		if err := c.warm(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.FromContext(ctx).Warn("[BalanceCache] warmup incomplete", zap.Error(err))
		}
	}()
}

func (c *Cache) warm(ctx context.Context) error {
	ids := append([]int64(nil), c.opts.WarmupAccounts...)

	if c.opts.Recent != nil && c.opts.WarmupRecentLimit > 0 {
		recent, err := c.opts.Recent.RecentAccountIDs(ctx, c.opts.WarmupRecentLimit)
		if err != nil {
			return err
		}
		ids = append(ids, recent...)
	}

	if len(ids) == 0 {
		return nil
	}

	start := c.now()
	loaded, err := c.GetMany(ctx, ids)
	zap.L().Info("[BalanceCache] warmup finished",
		zap.Int("requested", len(ids)),
		zap.Int("loaded", len(loaded)),
		zap.Duration("took", c.now().Sub(start)))
	return err
}

// Stop cancels a running warmup and waits for it.
func (c *Cache) Stop() {
	c.warmMu.Lock()
	if c.warmCancel != nil {
		c.warmCancel()
		c.warmCancel = nil
	}
	c.warmMu.Unlock()

	c.warmWG.Wait()
}
