package memory

import (
	"context"
	"log/slog"
	"time"
)

// DefaultEvictionInterval is how often the Evictor sweeps when no interval
// is configured.
const DefaultEvictionInterval = time.Minute

// Evictor periodically removes conversations that have been idle for longer
// than its timeout. Idle eviction is opt-in: the application only runs an
// Evictor when an idle timeout is configured.
type Evictor struct {
	store    *Store
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	onEvict  func(ids []string)
}

// NewEvictor creates an Evictor for store. If interval is zero it defaults
// to DefaultEvictionInterval. onEvict, when non-nil, is called after every
// sweep that evicted at least one conversation.
func NewEvictor(store *Store, timeout, interval time.Duration, logger *slog.Logger, onEvict func(ids []string)) *Evictor {
	if interval <= 0 {
		interval = DefaultEvictionInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evictor{
		store:    store,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
		onEvict:  onEvict,
	}
}

// Run sweeps on every tick until ctx is cancelled. Call this in a goroutine.
func (e *Evictor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			e.Sweep(now.UTC())
		}
	}
}

// Sweep evicts conversations idle as of now and returns their IDs.
func (e *Evictor) Sweep(now time.Time) []string {
	evicted := e.store.EvictIdle(now, e.timeout)
	if len(evicted) == 0 {
		return nil
	}
	e.logger.Info("memory: evicted idle conversations",
		"count", len(evicted),
		"idle_timeout", e.timeout,
	)
	if e.onEvict != nil {
		e.onEvict(evicted)
	}
	return evicted
}
