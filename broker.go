package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaybroker/broker/internal/scheduler"
	"github.com/relaybroker/broker/internal/stale"
	"github.com/relaybroker/broker/internal/store"
	"github.com/relaybroker/broker/internal/trim"
)

// Broker is the entry point to the messaging system: it owns the connection
// pool, the schema, and the background loops (trim, stale detection,
// scheduled-message materialization). It is a Subject: register an Observer
// to receive "stale" events.
type Broker struct {
	*eventSubject

	cfg Config
	st  *store.Store

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	topics map[string]*Topic

	closed atomic.Bool

	// Live-reconfigurable tunables (see Reconfigure); nanoseconds.
	trimInterval       atomic.Int64
	staleTimeout       atomic.Int64
	resetStaleInterval atomic.Int64
	scheduledInterval  atomic.Int64

	// Unix-nano timestamps of each loop's last successful tick, surfaced by
	// Health (§4.11).
	lastSchemaSyncAt atomic.Int64
	lastTrimAt       atomic.Int64
	lastStaleResetAt atomic.Int64
	lastScheduledAt  atomic.Int64
}

// Open connects to the database, ensures the schema (unless
// Config.DisableMigrations), and starts the background loops (unless
// Config.DisableBackgroundLoops). The returned Broker's background loops run
// until Close is called.
func Open(ctx context.Context, cfg Config) (*Broker, error) {
	if cfg.DSN == "" {
		return nil, ErrConfigDSNEmpty
	}
	cfg = cfg.withDefaults()

	st, err := store.Open(ctx, cfg.DSN, cfg.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("broker: open: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		eventSubject: newEventSubject(cfg.Logger),
		cfg:          cfg,
		st:           st,
		cancel:       cancel,
		topics:       make(map[string]*Topic),
	}
	b.trimInterval.Store(int64(cfg.TrimInterval))
	b.staleTimeout.Store(int64(cfg.StaleTimeout))
	b.resetStaleInterval.Store(int64(cfg.ResetStaleInterval))
	b.scheduledInterval.Store(int64(cfg.ScheduledInterval))

	if !cfg.DisableMigrations {
		if err := store.EnsureSchema(ctx, st.Pool); err != nil {
			st.Close()
			cancel()
			return nil, fmt.Errorf("broker: ensure schema: %w", err)
		}
		b.lastSchemaSyncAt.Store(time.Now().UnixNano())
	}

	if !cfg.DisableBackgroundLoops {
		b.wg.Add(3)
		go b.loop(loopCtx, func() time.Duration { return time.Duration(b.resetStaleInterval.Load()) }, "reset-stale", func(ctx context.Context) error {
			return b.ResetStale(ctx)
		})
		go b.loop(loopCtx, func() time.Duration { return time.Duration(b.scheduledInterval.Load()) }, "process-scheduled", func(ctx context.Context) error {
			return b.ProcessScheduled(ctx)
		})
		go b.loop(loopCtx, func() time.Duration { return time.Duration(b.trimInterval.Load()) }, "trim", func(ctx context.Context) error {
			return b.Trim(ctx)
		})
	}

	return b, nil
}

// Reconfigure atomically updates the four background-loop tunables from
// cfg; each loop picks up the new interval at its next tick. It is the
// callback configfeed.Watch invokes on a hot-reloaded config file (§4.10).
// Fields other than the interval tunables (DSN, MaxConns, Logger, ...)
// require a restart and are ignored here.
func (b *Broker) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()
	b.trimInterval.Store(int64(cfg.TrimInterval))
	b.staleTimeout.Store(int64(cfg.StaleTimeout))
	b.resetStaleInterval.Store(int64(cfg.ResetStaleInterval))
	b.scheduledInterval.Store(int64(cfg.ScheduledInterval))
}

// loop runs fn every interval (re-read from intervalFn on each tick, so
// Reconfigure takes effect without restarting the loop) until ctx is
// cancelled, logging and continuing past errors (§7: background loops are
// isolated per loop).
func (b *Broker) loop(ctx context.Context, intervalFn func() time.Duration, name string, fn func(context.Context) error) {
	defer b.wg.Done()
	interval := intervalFn()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if p := recover(); p != nil {
						b.cfg.Logger.Error("background loop panicked", "loop", name, "panic", p)
					}
				}()
				if err := fn(ctx); err != nil {
					b.cfg.Logger.Error("background loop failed", "loop", name, "error", err)
				}
			}()
			if next := intervalFn(); next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (b *Broker) trimAllTopics(ctx context.Context) error {
	topics, err := b.st.ListTopics(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, t := range topics {
		if err := trim.Topic(ctx, b.st, t.ID, t.MaxRetention); err != nil {
			b.cfg.Logger.Error("trim topic failed", "topic", t.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Topic returns the named topic, creating it on first reference (lazy
// creation per the distilled spec's topic lifecycle).
func (b *Broker) Topic(ctx context.Context, name string, opts ...TopicOption) (*Topic, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	if name == "" {
		return nil, ErrTopicNameEmpty
	}

	b.mu.RLock()
	if t, ok := b.topics[name]; ok {
		b.mu.RUnlock()
		return t, nil
	}
	b.mu.RUnlock()

	var o topicOptions
	o.maxRetention = &DefaultMaxRetention
	for _, opt := range opts {
		opt(&o)
	}

	row, err := b.st.EnsureTopic(ctx, name, o.maxRetention)
	if err != nil {
		return nil, fmt.Errorf("broker: topic %q: %w", name, err)
	}

	t := &Topic{b: b, row: row}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.topics[name]; ok {
		return existing, nil
	}
	b.topics[name] = t
	return t, nil
}

// TopicInfo summarizes a topic for listing, without requiring a full Topic
// handle (§4.12 admin surface).
type TopicInfo struct {
	Name         string
	MaxRetention *int
	CreatedAt    time.Time
}

// ListTopics returns every topic ordered by name.
func (b *Broker) ListTopics(ctx context.Context) ([]TopicInfo, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	rows, err := b.st.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker: list topics: %w", err)
	}
	out := make([]TopicInfo, len(rows))
	for i, r := range rows {
		out[i] = TopicInfo{Name: r.Name, MaxRetention: r.MaxRetention, CreatedAt: r.CreatedAt}
	}
	return out, nil
}

// Trim runs the retention trimmer over every topic immediately.
func (b *Broker) Trim(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	if err := b.trimAllTopics(ctx); err != nil {
		return err
	}
	b.lastTrimAt.Store(time.Now().UnixNano())
	return nil
}

// ResetStale runs the stale detector immediately, emitting a "stale" event
// when it reopens or fails at least one row. The automatic background loop
// calls this same method (rather than internal/stale directly) so the event
// fires on every tick, not just on a manually triggered sweep.
func (b *Broker) ResetStale(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	n, err := stale.Reset(ctx, b.st, time.Duration(b.staleTimeout.Load()))
	if err != nil {
		return err
	}
	b.lastStaleResetAt.Store(time.Now().UnixNano())
	if n > 0 {
		b.cfg.Logger.Debug("reset stale messages", "count", n)
		if evtErr := b.NotifyObservers(ctx, NewCloudEvent(EventTypeStale, "relaybroker/broker", map[string]int{"count": n}, nil)); evtErr != nil {
			b.cfg.Logger.Debug("stale event notify failed", "error", evtErr)
		}
	}
	return nil
}

// ProcessScheduled materializes every due scheduled message immediately.
func (b *Broker) ProcessScheduled(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	n, err := scheduler.ProcessDue(ctx, b.st)
	if err != nil {
		return err
	}
	b.lastScheduledAt.Store(time.Now().UnixNano())
	if n > 0 {
		b.cfg.Logger.Debug("materialized scheduled messages", "count", n)
	}
	return nil
}

// HealthReport summarizes pool health and the recency of each background
// loop's last successful tick (§4.11). A zero time means that tick has
// never succeeded (e.g. DisableMigrations was set, or the loop hasn't run
// yet).
type HealthReport struct {
	Reachable     bool
	AcquiredConns int32
	IdleConns     int32
	MaxConns      int32

	LastSchemaSyncAt time.Time
	LastTrimAt       time.Time
	LastStaleResetAt time.Time
	LastScheduledAt  time.Time
}

func unixNanoTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Health pings the pool and reports its current stats plus background-loop
// tick ages.
func (b *Broker) Health(ctx context.Context) (*HealthReport, error) {
	report := &HealthReport{
		LastSchemaSyncAt: unixNanoTime(b.lastSchemaSyncAt.Load()),
		LastTrimAt:       unixNanoTime(b.lastTrimAt.Load()),
		LastStaleResetAt: unixNanoTime(b.lastStaleResetAt.Load()),
		LastScheduledAt:  unixNanoTime(b.lastScheduledAt.Load()),
	}
	if b.closed.Load() {
		return report, ErrBrokerClosed
	}
	if err := b.st.Pool.Ping(ctx); err != nil {
		return report, fmt.Errorf("broker: health ping: %w", err)
	}
	report.Reachable = true
	stat := b.st.Pool.Stat()
	report.AcquiredConns = stat.AcquiredConns()
	report.IdleConns = stat.IdleConns()
	report.MaxConns = stat.MaxConns()
	return report, nil
}

// Close stops every background loop, awaits them (or ctx, whichever ends
// first), then closes the pool. It always returns nil, and a second call is a
// no-op. Consumers are not tracked by the Broker: Close neither stops nor
// awaits them. After Close, every Broker method that touches the pool returns
// ErrBrokerClosed.
func (b *Broker) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	b.st.Close()
	return nil
}
