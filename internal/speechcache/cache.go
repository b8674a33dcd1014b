// Package speechcache holds finished speech results in memory and collapses
// concurrent identical requests into a single backend computation.
//
// A [Cache] is an LRU bounded by entry count and by total payload bytes.
// Lookups that miss start a shared computation; callers asking for the same
// [Key] while it runs join it instead of starting their own. Only successful
// results are stored.
package speechcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/avatarvoice/internal/observe"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

// Source tells a caller where its result came from.
type Source int

const (
	// SourceMiss means this caller started the computation.
	SourceMiss Source = iota

	// SourceHit means the result was served from the cache.
	SourceHit

	// SourceShared means this caller joined a computation started by another.
	SourceShared
)

// String returns "miss", "hit" or "shared".
func (s Source) String() string {
	switch s {
	case SourceMiss:
		return "miss"
	case SourceHit:
		return "hit"
	case SourceShared:
		return "shared"
	default:
		return "invalid"
	}
}

// Entry is one cached result.
type Entry struct {
	Key     Key
	Payload types.Payload

	// Backend and Variant produced the payload.
	Backend string
	Variant string

	Created time.Time

	// Size is the accounted size in bytes, set by the cache on store.
	Size int
}

// ComputeFunc produces the entry for a missing key. The context is owned by
// the shared computation, not by any single caller.
type ComputeFunc func(ctx context.Context) (Entry, error)

// Config bounds the cache. Zero fields take defaults.
type Config struct {
	// MaxEntries caps the number of entries. Default: 512.
	MaxEntries int

	// MaxBytes caps the summed payload size. Entries larger than MaxBytes are
	// returned but never stored. Default: 64 MiB.
	MaxBytes int64

	// TTL expires entries older than this. Zero keeps them until evicted.
	TTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 512
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 64 << 20
	}
	return c
}

// Option configures a [Cache].
type Option func(*Cache)

// WithMetrics records evictions and entry counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithClock replaces time.Now for entry timestamps and TTL checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// flight is a computation in progress for one key.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	gen     uint64
	waiters int
	run     func() (any, error)
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg     Config
	now     func() time.Time
	metrics *observe.Metrics
	group   singleflight.Group

	mu      sync.Mutex
	entries *lru.Cache
	bytes   int64
	gen     uint64
	flights map[Key]*flight
}

// New creates an empty cache.
func New(cfg Config, opts ...Option) *Cache {
	c := &Cache{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		flights: make(map[Key]*flight),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.entries = c.newLRU()
	return c
}

func (c *Cache) newLRU() *lru.Cache {
	l := lru.New(c.cfg.MaxEntries)
	l.OnEvicted = func(_ lru.Key, v any) {
		c.bytes -= int64(v.(Entry).Size)
		c.metrics.CacheEvictions.Add(context.Background(), 1)
		c.metrics.CacheEntries.Add(context.Background(), -1)
	}
	return l
}

// GetOrCompute returns the cached entry for key, or joins or starts the
// computation that produces it.
//
// If ctx ends first the caller returns immediately with the context's cause.
// The computation keeps running for the remaining waiters and is cancelled
// when the last one leaves.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) (Entry, Source, error) {
	c.mu.Lock()
	if e, ok := c.lookup(key); ok {
		c.mu.Unlock()
		return e, SourceHit, nil
	}
	src := SourceShared
	f, ok := c.flights[key]
	if !ok {
		src = SourceMiss
		f = c.startFlight(ctx, key, compute)
		c.flights[key] = f
	}
	f.waiters++
	// Joining under mu guarantees the call is still registered with the
	// group: finish takes mu before the group can retire it.
	ch := c.group.DoChan(key.String(), f.run)
	c.mu.Unlock()

	select {
	case r := <-ch:
		c.leave(key, f)
		if r.Err != nil {
			return Entry{}, src, r.Err
		}
		return r.Val.(Entry), src, nil
	case <-ctx.Done():
		c.leave(key, f)
		return Entry{}, src, context.Cause(ctx)
	}
}

// startFlight must be called with mu held.
func (c *Cache) startFlight(ctx context.Context, key Key, compute ComputeFunc) *flight {
	fctx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if d, ok := ctx.Deadline(); ok {
		fctx, cancel = context.WithDeadline(fctx, d)
	} else {
		fctx, cancel = context.WithCancel(fctx)
	}
	f := &flight{ctx: fctx, cancel: cancel, gen: c.gen}
	f.run = func() (any, error) {
		e, err := c.compute(f.ctx, compute)
		return c.finish(key, f, e, err)
	}
	return f
}

func (c *Cache) compute(ctx context.Context, compute ComputeFunc) (e Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("speechcache: compute panic: %v", r)
		}
	}()
	return compute(ctx)
}

func (c *Cache) finish(key Key, f *flight, e Entry, err error) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flights[key] == f {
		delete(c.flights, key)
		c.group.Forget(key.String())
	}
	if err != nil {
		return nil, err
	}
	e.Key = key
	e.Created = c.now()
	e.Size = e.Payload.Size()
	if f.gen != c.gen {
		slog.Debug("speechcache: dropping result computed before clear", "key", key)
		return e, nil
	}
	c.store(e)
	return e, nil
}

// leave drops one waiter and cancels the flight when none remain.
func (c *Cache) leave(key Key, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.flights[key] == f {
		// Abandoned: later callers must start afresh instead of joining a
		// cancelled computation.
		delete(c.flights, key)
		c.group.Forget(key.String())
	}
}

// lookup must be called with mu held.
func (c *Cache) lookup(key Key) (Entry, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return Entry{}, false
	}
	e := v.(Entry)
	if c.cfg.TTL > 0 && c.now().Sub(e.Created) > c.cfg.TTL {
		c.entries.Remove(key)
		return Entry{}, false
	}
	return e, true
}

// store must be called with mu held.
func (c *Cache) store(e Entry) {
	if int64(e.Size) > c.cfg.MaxBytes {
		slog.Debug("speechcache: entry exceeds byte budget", "key", e.Key, "size", e.Size)
		return
	}
	if v, ok := c.entries.Get(e.Key); ok {
		c.bytes -= int64(v.(Entry).Size)
	} else {
		c.metrics.CacheEntries.Add(context.Background(), 1)
	}
	c.entries.Add(e.Key, e)
	c.bytes += int64(e.Size)
	for c.bytes > c.cfg.MaxBytes {
		c.entries.RemoveOldest()
	}
}

// Get returns the entry for key without starting a computation.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key)
}

// Clear drops every entry. Computations already running still deliver their
// result to their waiters but do not store it, and new callers no longer join
// them.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.entries.Len()
	c.gen++
	c.entries = c.newLRU()
	c.bytes = 0
	for k := range c.flights {
		delete(c.flights, k)
		c.group.Forget(k.String())
	}
	c.metrics.CacheEntries.Add(context.Background(), -int64(n))
	slog.Info("speechcache: cleared", "entries", n)
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries  int
	Bytes    int64
	InFlight int

	// Waiters is the number of callers blocked on in-flight computations.
	Waiters int
}

// Stats returns the current occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{Entries: c.entries.Len(), Bytes: c.bytes, InFlight: len(c.flights)}
	for _, f := range c.flights {
		st.Waiters += f.waiters
	}
	return st
}
