// Package cache is the key/value layer shared by all sessions. Redis is the
// primary backend; when it is unreachable every operation moves to an
// in-process MemoryStore and a probe moves them back once Redis answers.
// Callers never see transport errors: failed reads come back absent.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"storyboard/internal/logging"
	"storyboard/internal/metrics"
)

// TTL sentinels, matching the Redis replies for TTL.
const (
	TTLMissing  time.Duration = -2
	TTLNoExpiry time.Duration = -1
)

// Item is one entry of a SetMulti call.
type Item struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// Backend is a raw key/value store. Get returns ErrMiss for absent keys.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	GetMulti(ctx context.Context, keys []string) ([][]byte, error)
	SetMulti(ctx context.Context, items []Item) error
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Flush(ctx context.Context, prefix string) error
	Ping(ctx context.Context) error
	Close() error
}

// Options configures a Cache. A nil Primary runs on the fallback only.
type Options struct {
	Primary         Backend
	Prefix          string
	ProbeInterval   time.Duration
	JanitorInterval time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

type Cache struct {
	primary  Backend
	fallback *MemoryStore
	prefix   string
	degraded atomic.Bool

	// Keys written to the fallback while degraded, replayed on recovery.
	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	// Writers hold the read side; recovery holds the write side from replay
	// until the primary is back in use, so no write slips between the two.
	writeGate sync.RWMutex

	probeInterval   time.Duration
	janitorInterval time.Duration
	logger          *slog.Logger
	metrics         *metrics.Metrics

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(opts Options) *Cache {
	probe := opts.ProbeInterval
	if probe <= 0 {
		probe = 30 * time.Second
	}
	janitor := opts.JanitorInterval
	if janitor <= 0 {
		janitor = time.Minute
	}
	return &Cache{
		primary:         opts.Primary,
		fallback:        NewMemoryStore(),
		prefix:          opts.Prefix,
		dirty:           make(map[string]struct{}),
		probeInterval:   probe,
		janitorInterval: janitor,
		logger:          logging.Component(opts.Logger, "cache"),
		metrics:         opts.Metrics,
		stopCh:          make(chan struct{}),
	}
}

// Start launches the recovery probe and the fallback janitor.
func (c *Cache) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.maintain()
	})
}

// Close stops background work and closes the primary backend.
func (c *Cache) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		if c.primary != nil {
			err = c.primary.Close()
		}
	})
	return err
}

// Degraded reports whether a configured primary is being bypassed.
func (c *Cache) Degraded() bool {
	return c.primary != nil && c.degraded.Load()
}

func (c *Cache) key(k string) string { return c.prefix + k }

// active returns the backend to use and whether it is the fallback
// standing in for a configured primary.
func (c *Cache) active() (Backend, bool) {
	if c.primary == nil {
		return c.fallback, false
	}
	if c.degraded.Load() {
		return c.fallback, true
	}
	return c.primary, false
}

// failed records a backend error and reports whether the primary has just
// been abandoned, in which case writes should be retried on the fallback.
func (c *Cache) failed(op string, err error) bool {
	c.metrics.CacheError(op)
	if !errors.Is(err, ErrUnavailable) {
		c.logger.Warn("cache operation failed", "op", op, "error", err)
		return false
	}
	if c.degraded.CompareAndSwap(false, true) {
		c.logger.Warn("cache backend unavailable, serving from in-process fallback", "op", op, "error", err)
		c.metrics.CacheDegraded(true)
	}
	return true
}

func (c *Cache) markDirty(keys ...string) {
	c.dirtyMu.Lock()
	for _, k := range keys {
		c.dirty[k] = struct{}{}
	}
	c.dirtyMu.Unlock()
}

// Get returns the raw value and whether it was present.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	b, _ := c.active()
	v, err := b.Get(ctx, c.key(key))
	if err == nil {
		return v, true
	}
	if !errors.Is(err, ErrMiss) {
		c.failed("get", err)
	}
	return nil, false
}

// GetJSON decodes the value into dst. Undecodable values read as absent.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("discarding undecodable cache value", "key", key, "error", err)
		return false
	}
	return true
}

// Set stores value for ttl; ttl <= 0 means no expiry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.writeGate.RLock()
	defer c.writeGate.RUnlock()

	k := c.key(key)
	b, standIn := c.active()
	err := b.Set(ctx, k, value, ttl)
	if err != nil && c.failed("set", err) {
		standIn = true
		err = c.fallback.Set(ctx, k, value, ttl)
	}
	if err == nil && standIn {
		c.markDirty(k)
	}
}

// SetJSON encodes v and stores it. Only encoding errors are returned.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.Set(ctx, key, raw, ttl)
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	c.writeGate.RLock()
	defer c.writeGate.RUnlock()
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	b, standIn := c.active()
	err := b.Delete(ctx, full...)
	if err != nil && c.failed("delete", err) {
		standIn = true
		err = c.fallback.Delete(ctx, full...)
	}
	if err == nil && standIn {
		c.markDirty(full...)
	}
}

// GetMulti returns one slot per key, nil where absent. A failed call
// returns all slots absent.
func (c *Cache) GetMulti(ctx context.Context, keys []string) [][]byte {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	b, _ := c.active()
	vals, err := b.GetMulti(ctx, full)
	if err != nil {
		c.failed("mget", err)
		return make([][]byte, len(keys))
	}
	return vals
}

func (c *Cache) SetMulti(ctx context.Context, items []Item) {
	if len(items) == 0 {
		return
	}
	c.writeGate.RLock()
	defer c.writeGate.RUnlock()
	full := make([]Item, len(items))
	keys := make([]string, len(items))
	for i, it := range items {
		full[i] = Item{Key: c.key(it.Key), Value: it.Value, TTL: it.TTL}
		keys[i] = full[i].Key
	}
	b, standIn := c.active()
	err := b.SetMulti(ctx, full)
	if err != nil && c.failed("mset", err) {
		standIn = true
		err = c.fallback.SetMulti(ctx, full)
	}
	if err == nil && standIn {
		c.markDirty(keys...)
	}
}

// Increment adds delta to an integer counter and returns the new value.
// Counters created while degraded start from zero on the fallback.
func (c *Cache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	c.writeGate.RLock()
	defer c.writeGate.RUnlock()

	k := c.key(key)
	b, standIn := c.active()
	n, err := b.IncrBy(ctx, k, delta)
	if err != nil && errors.Is(err, ErrUnavailable) && c.failed("incr", err) {
		standIn = true
		n, err = c.fallback.IncrBy(ctx, k, delta)
	}
	if err != nil {
		c.metrics.CacheError("incr")
		return 0, err
	}
	if standIn {
		c.markDirty(k)
	}
	return n, nil
}

// TTL returns the remaining lifetime, TTLNoExpiry, or TTLMissing.
func (c *Cache) TTL(ctx context.Context, key string) time.Duration {
	b, _ := c.active()
	d, err := b.TTL(ctx, c.key(key))
	if err != nil {
		c.failed("ttl", err)
		return TTLMissing
	}
	return d
}

// Flush drops every key under the cache prefix on both backends.
func (c *Cache) Flush(ctx context.Context) {
	c.writeGate.RLock()
	defer c.writeGate.RUnlock()

	_ = c.fallback.Flush(ctx, c.prefix)
	c.dirtyMu.Lock()
	c.dirty = make(map[string]struct{})
	c.dirtyMu.Unlock()

	if c.primary != nil && !c.degraded.Load() {
		if err := c.primary.Flush(ctx, c.prefix); err != nil {
			c.failed("flush", err)
		}
	}
}

func (c *Cache) maintain() {
	defer c.wg.Done()

	probe := time.NewTicker(c.probeInterval)
	defer probe.Stop()
	janitor := time.NewTicker(c.janitorInterval)
	defer janitor.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-probe.C:
			c.Probe(context.Background())
		case <-janitor.C:
			if n := c.fallback.Sweep(); n > 0 {
				c.logger.Debug("swept expired fallback entries", "count", n)
			}
		}
	}
}

// Probe pings a bypassed primary and, if it answers, replays the keys
// written while degraded and switches back. It reports whether the primary
// is in use afterwards.
func (c *Cache) Probe(ctx context.Context) bool {
	if c.primary == nil {
		return false
	}
	if !c.degraded.Load() {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.primary.Ping(ctx); err != nil {
		c.logger.Debug("cache backend still unavailable", "error", err)
		return false
	}

	c.writeGate.Lock()
	defer c.writeGate.Unlock()
	if !c.degraded.Load() {
		return true
	}
	if err := c.resync(ctx); err != nil {
		c.logger.Warn("cache resync failed, staying on fallback", "error", err)
		return false
	}
	c.degraded.Store(false)
	c.metrics.CacheDegraded(false)
	c.logger.Info("cache backend recovered")
	return true
}

func (c *Cache) resync(ctx context.Context) error {
	c.dirtyMu.Lock()
	keys := make([]string, 0, len(c.dirty))
	for k := range c.dirty {
		keys = append(keys, k)
	}
	c.dirtyMu.Unlock()

	if len(keys) == 0 {
		return nil
	}

	vals, _ := c.fallback.GetMulti(ctx, keys)
	var (
		items   []Item
		removed []string
	)
	for i, k := range keys {
		if vals[i] == nil {
			removed = append(removed, k)
			continue
		}
		ttl, _ := c.fallback.TTL(ctx, k)
		if ttl < 0 {
			ttl = 0
		}
		items = append(items, Item{Key: k, Value: vals[i], TTL: ttl})
	}
	if err := c.primary.SetMulti(ctx, items); err != nil {
		return err
	}
	if err := c.primary.Delete(ctx, removed...); err != nil {
		return err
	}

	c.dirtyMu.Lock()
	for _, k := range keys {
		delete(c.dirty, k)
	}
	c.dirtyMu.Unlock()
	_ = c.fallback.Delete(ctx, keys...)
	c.logger.Info("replayed fallback writes to cache backend", "keys", len(keys))
	return nil
}
