package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucreale/florence/internal/generate"
	"github.com/lucreale/florence/internal/history"
	"github.com/lucreale/florence/internal/observability"
)

var ErrNotFound = errors.New("conversation not found")

// Registry owns the live conversations, keyed by call ID. Ended
// conversations linger so the state endpoint can still serve their final
// snapshot; the janitor evicts them after the linger window.
type Registry struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation

	gen     generate.Generator
	store   history.Store
	metrics *observability.Metrics
	timings Timings
	linger  time.Duration
	log     zerolog.Logger
}

func NewRegistry(gen generate.Generator, store history.Store, metrics *observability.Metrics, timings Timings, linger time.Duration, log zerolog.Logger) *Registry {
	if linger <= 0 {
		linger = 2 * time.Minute
	}
	return &Registry{
		conversations: make(map[string]*Conversation),
		gen:           gen,
		store:         store,
		metrics:       metrics,
		timings:       timings,
		linger:        linger,
		log:           log,
	}
}

// Ensure returns the conversation for callID, creating it on first sight.
func (r *Registry) Ensure(callID string) *Conversation {
	r.mu.RLock()
	c, ok := r.conversations[callID]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conversations[callID]; ok {
		return c
	}
	c = New(callID, r.gen, r.store, r.metrics, r.timings, r.log.With().Str("call_id", callID).Logger())
	r.conversations[callID] = c
	r.metrics.ActiveConversations.Set(float64(len(r.conversations)))
	r.log.Info().Str("call_id", callID).Msg("conversation started")
	return c
}

func (r *Registry) Get(callID string) (*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Snapshots returns the current view of every tracked conversation.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	convs := make([]*Conversation, 0, len(r.conversations))
	for _, c := range r.conversations {
		convs = append(convs, c)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.Snapshot())
	}
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, c := range r.conversations {
		if c.Snapshot().SpeechState != StateDisconnected {
			count++
		}
	}
	return count
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.evictEnded()
			}
		}
	}()
}

func (r *Registry) evictEnded() {
	now := time.Now()

	r.mu.Lock()
	for id, c := range r.conversations {
		c.mu.Lock()
		ended := c.speechState == StateDisconnected
		endedAt := c.endedAt
		c.mu.Unlock()
		if ended && !endedAt.IsZero() && now.Sub(endedAt) > r.linger {
			delete(r.conversations, id)
			r.log.Info().Str("call_id", id).Msg("conversation evicted")
		}
	}
	r.metrics.ActiveConversations.Set(float64(len(r.conversations)))
	r.mu.Unlock()
}
