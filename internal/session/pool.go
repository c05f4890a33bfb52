package session

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/szaher/recall/internal/embed"
	"github.com/szaher/recall/internal/insight"
	"github.com/szaher/recall/internal/memory"
	"github.com/szaher/recall/internal/model"
	"github.com/szaher/recall/internal/telemetry"
)

// PoolConfig bounds the session pool. The zero value of any field falls
// back to its default.
type PoolConfig struct {
	// MaxSessions caps the pool; inserting beyond it evicts the LRU entry.
	MaxSessions int
	// TTL is the idle time after which the sweeper evicts a session.
	TTL time.Duration
	// SweepInterval is how often the stale sweep runs. The pool itself
	// does not tick; the serve command schedules EvictStale with it.
	SweepInterval time.Duration
}

// DefaultPoolConfig returns the production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxSessions: 1000, TTL: 30 * time.Minute, SweepInterval: time.Minute}
}

func (c PoolConfig) withDefaults() PoolConfig {
	d := DefaultPoolConfig()
	if c.MaxSessions <= 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	TotalSessions    int     `json:"total_sessions"`
	DirtySessions    int     `json:"dirty_sessions"`
	MaxCapacity      int     `json:"max_capacity"`
	Utilization      float64 `json:"utilization"`
	TTLSeconds       float64 `json:"ttl_seconds"`
	AvgAgeSeconds    float64 `json:"avg_age_seconds"`
	OldestAgeSeconds float64 `json:"oldest_age_seconds"`
}

// shutdownConcurrency bounds parallel persistence during Shutdown.
const shutdownConcurrency = 8

// entry is one pooled session. lastAccessed and dirty are guarded by the
// pool mutex; the orchestrator guards itself.
type entry struct {
	orc          *Orchestrator
	elem         *list.Element
	lastAccessed time.Time
	dirty        bool
}

// Pool keeps live orchestrators keyed by (user, session) with LRU order
// and TTL-based eviction. A hit costs no I/O; a miss constructs the
// orchestrator under a per-key singleflight so concurrent callers share
// one construction. Dirty sessions are persisted before discard.
type Pool struct {
	store    Store
	embedder embed.Embedder
	insights insight.Service
	queue    memory.Enqueuer
	scfg     Config
	cfg      PoolConfig
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	group singleflight.Group

	mu         sync.RWMutex
	entries    map[string]*entry
	lru        *list.List // front = most recent; values are pool keys
	dirtyCount int
	nowFn      func() time.Time
}

// PoolOption configures optional pool behavior.
type PoolOption func(*Pool)

// WithPoolConfig sets the pool bounds.
func WithPoolConfig(cfg PoolConfig) PoolOption {
	return func(p *Pool) { p.cfg = cfg }
}

// WithSessionConfig sets the per-orchestrator configuration.
func WithSessionConfig(cfg Config) PoolOption {
	return func(p *Pool) { p.scfg = cfg }
}

// WithMetrics attaches the pool gauges and eviction counter.
func WithMetrics(m *telemetry.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// NewPool wires a session pool over shared long-lived clients.
func NewPool(store Store, embedder embed.Embedder, svc insight.Service, queue memory.Enqueuer, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Pool{
		store:    store,
		embedder: embedder,
		insights: svc,
		queue:    queue,
		scfg:     DefaultConfig(),
		cfg:      DefaultPoolConfig(),
		logger:   logger.With("component", "pool"),
		entries:  make(map[string]*entry),
		lru:      list.New(),
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cfg = p.cfg.withDefaults()
	p.scfg = p.scfg.withDefaults()
	return p
}

func poolKey(userID, sessionID string) string {
	return userID + "/" + sessionID
}

// GetOrCreate returns the live orchestrator for (userID, sessionID),
// constructing it on a miss. With restore set, a stored active session is
// resumed; a missing record falls back to creating a new session, while a
// completed record fails with model.ErrInvalidState. The second return is
// the number of turns rehydrated by a restore, zero on a hit or a fresh
// creation.
func (p *Pool) GetOrCreate(ctx context.Context, userID, sessionID string, restore bool) (*Orchestrator, int, error) {
	key := poolKey(userID, sessionID)

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		p.touchLocked(e)
		p.mu.Unlock()
		return e.orc, 0, nil
	}
	p.mu.Unlock()

	type constructed struct {
		orc      *Orchestrator
		restored int
	}
	v, err, _ := p.group.Do(key, func() (any, error) {
		// A previous flight may have inserted the entry while this
		// caller was taking the miss path.
		p.mu.Lock()
		if e, ok := p.entries[key]; ok {
			p.touchLocked(e)
			p.mu.Unlock()
			return constructed{orc: e.orc}, nil
		}
		p.mu.Unlock()

		orc := NewOrchestrator(userID, sessionID, p.store, p.embedder, p.insights, p.queue, p.scfg, p.logger)
		restored := 0
		if restore {
			n, err := orc.Restore(ctx)
			switch {
			case err == nil:
				restored = n
			case errors.Is(err, model.ErrNotFound):
				if err := orc.InitializeNew(ctx); err != nil {
					return nil, err
				}
			default:
				return nil, err
			}
		} else if err := orc.InitializeNew(ctx); err != nil {
			return nil, err
		}

		evicted := p.insert(key, orc)
		if evicted != nil {
			p.persistEvicted(ctx, evicted, "capacity")
		}
		return constructed{orc: orc, restored: restored}, nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("session %s/%s: %w", userID, sessionID, err)
	}
	c := v.(constructed)
	return c.orc, c.restored, nil
}

// MarkDirty flags a pooled session as having unpersisted state. The turn
// path sets it; eviction and shutdown clear it by persisting.
func (p *Pool) MarkDirty(userID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[poolKey(userID, sessionID)]
	if !ok || e.dirty {
		return
	}
	e.dirty = true
	p.dirtyCount++
	p.setGaugesLocked()
}

// Remove detaches a session from the pool. With persist set, dirty state
// is written synchronously first; pass false when the session was just
// ended and is already durable.
func (p *Pool) Remove(ctx context.Context, userID, sessionID string, persist bool) error {
	p.mu.Lock()
	e := p.detachLocked(poolKey(userID, sessionID))
	p.setGaugesLocked()
	p.mu.Unlock()

	if e == nil || !persist || !e.dirty {
		return nil
	}
	if err := e.orc.PersistMeta(ctx); err != nil {
		return fmt.Errorf("persist removed session %s/%s: %w", userID, sessionID, err)
	}
	return nil
}

// EvictStale detaches every session idle past the TTL, then persists the
// dirty ones outside the lock. Returns how many were evicted.
func (p *Pool) EvictStale(ctx context.Context) int {
	now := p.nowFn()

	p.mu.Lock()
	var stale []*entry
	// LRU order equals last-access order, so scanning from the back
	// stops at the first fresh entry.
	for {
		tail := p.lru.Back()
		if tail == nil {
			break
		}
		key := tail.Value.(string)
		if now.Sub(p.entries[key].lastAccessed) <= p.cfg.TTL {
			break
		}
		stale = append(stale, p.detachLocked(key))
	}
	p.setGaugesLocked()
	p.mu.Unlock()

	for _, e := range stale {
		p.persistEvicted(ctx, e, "ttl")
	}
	return len(stale)
}

// Shutdown persists every dirty session with bounded concurrency and
// clears the pool. The first persistence failure is returned after all
// entries have been attempted.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	dirty := make([]*entry, 0, p.dirtyCount)
	for _, e := range p.entries {
		if e.dirty {
			dirty = append(dirty, e)
		}
	}
	p.entries = make(map[string]*entry)
	p.lru.Init()
	p.dirtyCount = 0
	p.setGaugesLocked()
	p.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(shutdownConcurrency)
	for _, e := range dirty {
		g.Go(func() error {
			if err := e.orc.PersistMeta(ctx); err != nil {
				return fmt.Errorf("persist session %s/%s: %w", e.orc.UserID(), e.orc.SessionID(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("pool shut down", "persisted", len(dirty))
	return err
}

// Stats returns a read-only snapshot of pool occupancy and entry ages.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.nowFn()
	st := PoolStats{
		TotalSessions: len(p.entries),
		DirtySessions: p.dirtyCount,
		MaxCapacity:   p.cfg.MaxSessions,
		TTLSeconds:    p.cfg.TTL.Seconds(),
	}
	if p.cfg.MaxSessions > 0 {
		st.Utilization = float64(len(p.entries)) / float64(p.cfg.MaxSessions)
	}
	var totalAge float64
	for _, e := range p.entries {
		age := now.Sub(e.lastAccessed).Seconds()
		totalAge += age
		if age > st.OldestAgeSeconds {
			st.OldestAgeSeconds = age
		}
	}
	if len(p.entries) > 0 {
		st.AvgAgeSeconds = totalAge / float64(len(p.entries))
	}
	return st
}

// Len returns the number of pooled sessions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// insert adds a constructed orchestrator as the most recent entry and
// enforces the capacity bound: at most one LRU entry is detached and
// returned for persistence by the caller.
func (p *Pool) insert(key string, orc *Orchestrator) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := &entry{orc: orc, lastAccessed: p.nowFn()}
	e.elem = p.lru.PushFront(key)
	p.entries[key] = e

	var evicted *entry
	if len(p.entries) > p.cfg.MaxSessions {
		if tail := p.lru.Back(); tail != nil {
			evicted = p.detachLocked(tail.Value.(string))
		}
	}
	p.setGaugesLocked()
	return evicted
}

// touchLocked marks an entry as most recently used.
func (p *Pool) touchLocked(e *entry) {
	e.lastAccessed = p.nowFn()
	p.lru.MoveToFront(e.elem)
}

// detachLocked removes an entry from the map and LRU list.
func (p *Pool) detachLocked(key string) *entry {
	e, ok := p.entries[key]
	if !ok {
		return nil
	}
	delete(p.entries, key)
	p.lru.Remove(e.elem)
	if e.dirty {
		p.dirtyCount--
	}
	return e
}

func (p *Pool) setGaugesLocked() {
	if p.metrics == nil {
		return
	}
	p.metrics.PoolSessions.Set(float64(len(p.entries)))
	p.metrics.PoolDirty.Set(float64(p.dirtyCount))
}

// persistEvicted writes a detached dirty session's progress and counts
// the eviction. Persistence failure is logged; the entry is gone either
// way.
func (p *Pool) persistEvicted(ctx context.Context, e *entry, reason string) {
	if e.dirty {
		if err := e.orc.PersistMeta(ctx); err != nil {
			p.logger.Warn("evicted session persistence failed",
				"user_id", e.orc.UserID(), "session_id", e.orc.SessionID(), "error", err)
		}
	}
	if p.metrics != nil {
		p.metrics.Evictions.WithLabelValues(reason).Inc()
	}
	p.logger.Info("session evicted", "reason", reason,
		"user_id", e.orc.UserID(), "session_id", e.orc.SessionID(), "dirty", e.dirty)
}
