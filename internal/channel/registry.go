// Package channel manages the chat integrations approval prompts are
// relayed through.
package channel

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/soyeahso/turnstile/internal/domain"
	"github.com/soyeahso/turnstile/internal/logging"
)

// Registry manages a set of chat channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]domain.Channel
	log      *logging.Logger
	wg       sync.WaitGroup
}

// NewRegistry creates a channel registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		channels: make(map[string]domain.Channel),
		log:      log.Sub("channels"),
	}
}

// Register adds a channel to the registry, replacing one with the same ID.
func (r *Registry) Register(ch domain.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.ID()] = ch
	r.log.Info().Str("channel", ch.ID()).Msg("channel registered")
}

// Get returns a channel by ID.
func (r *Registry) Get(id string) (domain.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// List returns all channel IDs, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) snapshot() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	slices.SortFunc(out, func(a, b domain.Channel) int { return cmp.Compare(a.ID(), b.ID()) })
	return out
}

// Status returns the status of all registered channels.
func (r *Registry) Status() []domain.ChannelStatus {
	channels := r.snapshot()
	statuses := make([]domain.ChannelStatus, 0, len(channels))
	for _, ch := range channels {
		if sc, ok := ch.(interface{ Status() domain.ChannelStatus }); ok {
			statuses = append(statuses, sc.Status())
		} else {
			statuses = append(statuses, domain.ChannelStatus{
				ChannelID: ch.ID(),
				Running:   true,
			})
		}
	}
	return statuses
}

// StartAll starts every channel on its own goroutine. Start blocks for
// the life of a connection, so failures are logged rather than returned.
func (r *Registry) StartAll(ctx context.Context) {
	for _, ch := range r.snapshot() {
		r.log.Info().Str("channel", ch.ID()).Msg("starting channel")
		r.wg.Add(1)
		go func(ch domain.Channel) {
			defer r.wg.Done()
			if err := ch.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error().Err(err).Str("channel", ch.ID()).Msg("channel exited with error")
			}
		}(ch)
	}
}

// StopAll stops every channel and waits for StartAll's goroutines.
func (r *Registry) StopAll(ctx context.Context) {
	for _, ch := range r.snapshot() {
		r.log.Info().Str("channel", ch.ID()).Msg("stopping channel")
		if err := ch.Stop(ctx); err != nil {
			r.log.Error().Err(err).Str("channel", ch.ID()).Msg("failed to stop channel")
		}
	}
	r.wg.Wait()
}

// Broadcast sends reply through every channel and returns the errors
// joined.
func (r *Registry) Broadcast(ctx context.Context, reply domain.ChatReply) error {
	var errs []error
	for _, ch := range r.snapshot() {
		if err := ch.Send(ctx, reply); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnMessage installs handler on every registered channel.
func (r *Registry) OnMessage(handler func(msg domain.ChatMessage)) {
	for _, ch := range r.snapshot() {
		ch.OnMessage(handler)
	}
}

// Count returns the number of registered channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
