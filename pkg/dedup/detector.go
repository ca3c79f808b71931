// Package dedup implements duplicate elimination for incoming messages.
// Seen message ids are recorded in a store with their arrival time and
// evicted once they age past the configured retention window.
package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Outcome of registering a message id.
type Outcome int

const (
	// Continue means the id is new and processing proceeds.
	Continue Outcome = iota
	// Duplicate means the id was already seen inside the window.
	Duplicate
)

// Entry is one recorded message id.
type Entry struct {
	MessageID  string
	ReceivedAt time.Time
}

// Store persists seen message ids. Implementations must be safe for
// concurrent use.
type Store interface {
	// Insert records the id at time now. The first insert of an id
	// returns true; re-inserts return false without updating the time.
	Insert(ctx context.Context, id string, now time.Time) (bool, error)
	// DeleteBefore removes entries received strictly before cutoff and
	// returns their ids.
	DeleteBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	// List returns all recorded entries.
	List(ctx context.Context) ([]Entry, error)
	// Clear removes all entries.
	Clear(ctx context.Context) error
}

// MemoryStore is the in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]time.Time)}
}

func (s *MemoryStore) Insert(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false, nil
	}
	s.seen[id] = now
	return true, nil
}

func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for id, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, id)
			evicted = append(evicted, id)
		}
	}
	return evicted, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]Entry, 0, len(s.seen))
	for id, at := range s.seen {
		entries = append(entries, Entry{MessageID: id, ReceivedAt: at})
	}
	return entries, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[string]time.Time)
	return nil
}

// Detector decides whether an incoming message id is a duplicate.
type Detector struct {
	store  Store
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector creates a detector over store with the given retention
// window. A zero window falls back to 10 minutes.
func NewDetector(store Store, window time.Duration, logger *slog.Logger) *Detector {
	if window <= 0 {
		window = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: store, window: window, logger: logger, now: time.Now}
}

// RegisterAndCheck records the id and reports whether it was already
// seen. An empty id is never recorded and never a duplicate; ids without
// elimination semantics must not reach the store.
func (d *Detector) RegisterAndCheck(ctx context.Context, messageID string) (Outcome, error) {
	if messageID == "" {
		return Continue, nil
	}
	fresh, err := d.store.Insert(ctx, messageID, d.now())
	if err != nil {
		return Continue, err
	}
	if !fresh {
		d.logger.Info("duplicate message detected",
			slog.String("message_id", messageID))
		return Duplicate, nil
	}
	return Continue, nil
}

// EvictBefore removes entries received strictly before cutoff.
func (d *Detector) EvictBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	return d.store.DeleteBefore(ctx, cutoff)
}

// Run sweeps expired entries every interval until ctx is cancelled.
func (d *Detector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted, err := d.store.DeleteBefore(ctx, d.now().Add(-d.window))
			if err != nil {
				d.logger.Error("duplicate store sweep failed",
					slog.String("error", err.Error()))
				continue
			}
			if len(evicted) > 0 {
				d.logger.Debug("evicted expired message ids",
					slog.Int("count", len(evicted)))
			}
		}
	}
}
