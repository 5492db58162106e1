package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Hanashi/internal/hanashi/tokens"
)

// persistTimeout bounds every write-through call to the Persister.
const persistTimeout = 5 * time.Second

// StoreConfig holds configuration for the Store.
type StoreConfig struct {
	// Estimator prices every message created by the store (preambles).
	// Required.
	Estimator tokens.Estimator

	// DefaultPreamble is installed as the system preamble of every newly
	// created conversation. Empty means no preamble.
	DefaultPreamble string

	// Persister is an optional write-through backend. When nil, conversations
	// live only for the lifetime of the process.
	Persister Persister

	// Logger receives persistence warnings. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store is the process-wide mapping from conversation ID to history.
//
// All methods are safe for concurrent use and mutations are visible to the
// next read of the same ID. Store also hands out a per-conversation turn lock
// (Acquire) so that callers can make an append-read-append sequence atomic
// with respect to one conversation without blocking the others.
//
// Backend calls run without the store-wide mutex. They are ordered per
// conversation through a lane: a ticket is taken in the same critical section
// as the in-memory change it mirrors, and tickets are served in order.
type Store struct {
	mu      sync.Mutex
	cfg     StoreConfig
	entries map[string]*entry
	lanes   map[string]*lane
	clock   func() time.Time
}

type entry struct {
	conv    Conversation
	turn    chan struct{} // capacity 1; holding a token means owning the turn
	evicted bool          // guarded by Store.mu
}

// lane serializes the backend calls of one conversation. Guarded by
// Store.mu; cond waits on Store.mu.
type lane struct {
	next    uint64
	serving uint64
	cond    *sync.Cond
}

// write is one queued backend call holding its place in a lane.
type write struct {
	id     string
	lane   *lane
	ticket uint64
	op     string
	fn     func(ctx context.Context, p Persister) error
}

// NewStore creates an empty Store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Estimator == nil {
		cfg.Estimator = tokens.NewHeuristic(tokens.DefaultCalibration())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		cfg:     cfg,
		entries: make(map[string]*entry),
		lanes:   make(map[string]*lane),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// GetOrCreate returns a snapshot of the conversation for id, creating it on
// first use. Calling it again for the same id returns the same conversation
// unchanged.
func (s *Store) GetOrCreate(id string) Conversation {
	e, created := s.lockEntry(id)
	conv := e.conv.clone()
	s.mu.Unlock()

	s.flush(created)
	return conv
}

// Peek returns what GetOrCreate would return for id without creating the
// conversation. A conversation held only by the backend is read but not
// kept in memory; a missing one comes back as an unsaved draft with the
// default preamble and no session ID. Nothing is written.
func (s *Store) Peek(id string) Conversation {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		conv := e.conv.clone()
		s.mu.Unlock()
		return conv
	}
	var loaded *Conversation
	load := s.enqueue(id, "load conversation", func(ctx context.Context, p Persister) error {
		conv, err := p.Load(ctx, id)
		loaded = conv
		return err
	})
	s.mu.Unlock()
	s.flush(load)

	if loaded != nil {
		return *loaded
	}
	now := s.clock()
	return Conversation{
		ID:           id,
		Preamble:     s.newPreamble(s.cfg.DefaultPreamble),
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// Append adds msg to the end of the history of id and bumps LastActiveAt.
// The cached token cost of msg is kept as-is.
func (s *Store) Append(id string, msg Message) {
	e, created := s.lockEntry(id)
	e.conv.History = append(e.conv.History, msg)
	e.conv.LastActiveAt = s.clock()

	sessionID := e.conv.SessionID
	w := s.enqueue(id, "append message", func(ctx context.Context, p Persister) error {
		return p.AppendMessage(ctx, id, sessionID, msg)
	})
	s.mu.Unlock()

	s.flush(created, w)
}

// Reset clears the history of id. The identifier and the system preamble are
// retained; the session ID is rotated.
func (s *Store) Reset(id string) {
	e, created := s.lockEntry(id)
	e.conv.History = nil
	e.conv.SessionID = uuid.NewString()
	e.conv.LastActiveAt = s.clock()

	conv := e.conv.clone()
	w := s.enqueue(id, "reset conversation", func(ctx context.Context, p Persister) error {
		if err := p.ClearMessages(ctx, id); err != nil {
			return err
		}
		return p.Save(ctx, conv)
	})
	s.mu.Unlock()

	s.flush(created, w)
}

// SetSystemPreamble sets or replaces the anchor system message of id. An
// empty text removes the preamble.
func (s *Store) SetSystemPreamble(id, text string) {
	e, created := s.lockEntry(id)
	e.conv.Preamble = s.newPreamble(text)

	conv := e.conv.clone()
	w := s.enqueue(id, "save preamble", func(ctx context.Context, p Persister) error {
		return p.Save(ctx, conv)
	})
	s.mu.Unlock()

	s.flush(created, w)
}

// Acquire takes the turn lock of conversation id, waiting until it is free
// or ctx is done. The returned release function is idempotent.
//
// Turns on different conversations never contend. If the conversation is
// evicted while the caller waits, the lock is retaken on the fresh entry.
func (s *Store) Acquire(ctx context.Context, id string) (release func(), err error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, created := s.lockEntry(id)
		s.mu.Unlock()
		s.flush(created)

		select {
		case e.turn <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		s.mu.Lock()
		evicted := e.evicted
		s.mu.Unlock()
		if !evicted {
			var once sync.Once
			return func() { once.Do(func() { <-e.turn }) }, nil
		}
		<-e.turn
	}
}

// EvictIdle removes every conversation whose last activity is older than
// timeout relative to now and whose turn lock is free. Evicted conversations
// are also deleted from the persistence backend. Returns the evicted IDs in
// sorted order. A non-positive timeout evicts nothing.
func (s *Store) EvictIdle(now time.Time, timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}

	s.mu.Lock()
	var (
		evicted []string
		deletes []*write
	)
	for id, e := range s.entries {
		if now.Sub(e.conv.LastActiveAt) <= timeout {
			continue
		}
		select {
		case e.turn <- struct{}{}:
		default:
			// A turn is in flight; try again on the next sweep.
			continue
		}
		e.evicted = true
		delete(s.entries, id)
		<-e.turn
		evicted = append(evicted, id)

		deletes = append(deletes, s.enqueue(id, "delete conversation", func(ctx context.Context, p Persister) error {
			return p.Delete(ctx, id)
		}))
	}
	s.mu.Unlock()

	s.flush(deletes...)
	sort.Strings(evicted)
	return evicted
}

// Len returns the number of conversations currently held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// IDs returns the identifiers of all in-memory conversations, sorted.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// lockEntry returns the entry for id with mu held, creating it or loading it
// from the backend when missing. The load runs without mu. A newly created
// conversation owes a backend save, returned as a write the caller flushes
// after releasing mu.
func (s *Store) lockEntry(id string) (*entry, *write) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		return e, nil
	}

	var loaded *Conversation
	if s.cfg.Persister != nil {
		load := s.enqueue(id, "load conversation", func(ctx context.Context, p Persister) error {
			conv, err := p.Load(ctx, id)
			loaded = conv
			return err
		})
		s.mu.Unlock()
		s.flush(load)
		s.mu.Lock()

		if e, ok := s.entries[id]; ok {
			return e, nil
		}
	}

	e := &entry{turn: make(chan struct{}, 1)}
	s.entries[id] = e
	if loaded != nil {
		e.conv = *loaded
		s.cfg.Logger.Debug("memory: conversation restored",
			"conversation_id", id,
			"messages", len(loaded.History),
		)
		return e, nil
	}

	now := s.clock()
	e.conv = Conversation{
		ID:           id,
		SessionID:    uuid.NewString(),
		Preamble:     s.newPreamble(s.cfg.DefaultPreamble),
		CreatedAt:    now,
		LastActiveAt: now,
	}
	conv := e.conv.clone()
	return e, s.enqueue(id, "create conversation", func(ctx context.Context, p Persister) error {
		return p.Save(ctx, conv)
	})
}

func (s *Store) newPreamble(text string) *Message {
	if text == "" {
		return nil
	}
	m := newMessageAt(RoleSystem, text, s.cfg.Estimator, s.clock())
	return &m
}

// enqueue takes the next ticket in the lane of id. Must be called with mu
// held. Returns nil when there is no backend.
func (s *Store) enqueue(id, op string, fn func(ctx context.Context, p Persister) error) *write {
	if s.cfg.Persister == nil {
		return nil
	}
	l, ok := s.lanes[id]
	if !ok {
		l = &lane{cond: sync.NewCond(&s.mu)}
		s.lanes[id] = l
	}
	w := &write{id: id, lane: l, ticket: l.next, op: op, fn: fn}
	l.next++
	return w
}

// flush runs ws in order, each once its lane reaches its ticket. Must be
// called without mu. Failures are logged and never propagated: in-memory
// state stays authoritative.
func (s *Store) flush(ws ...*write) {
	for _, w := range ws {
		if w == nil {
			continue
		}
		s.mu.Lock()
		for w.lane.serving != w.ticket {
			w.lane.cond.Wait()
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := w.fn(ctx, s.cfg.Persister); err != nil {
			s.cfg.Logger.Warn("memory: persistence failed",
				"op", w.op,
				"conversation_id", w.id,
				"err", err,
			)
		}
		cancel()

		s.mu.Lock()
		w.lane.serving++
		if w.lane.serving == w.lane.next && s.lanes[w.id] == w.lane {
			delete(s.lanes, w.id)
		}
		w.lane.cond.Broadcast()
		s.mu.Unlock()
	}
}
