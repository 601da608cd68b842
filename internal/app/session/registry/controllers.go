// Package registry holds the per-guild playback controllers.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/vcbox/internal/app/playback"
	"github.com/osa030/vcbox/internal/domain/track"
)

var (
	ErrUnknownGuild = errors.New("no controller for guild")
	ErrClosed       = errors.New("registry closed")
)

// Factory builds the controller for a guild.
type Factory func(guildID snowflake.ID) *playback.Controller

// Controllers creates one playback controller per guild on first use and keeps it
// for the registry lifetime. Events from every controller are forwarded to onEvent.
type Controllers struct {
	mu          sync.RWMutex
	controllers map[snowflake.ID]*playback.Controller
	factory     Factory
	onEvent     func(playback.Event)
	closed      bool
	wg          sync.WaitGroup
}

// NewControllers creates a registry. onEvent may be nil.
func NewControllers(factory Factory, onEvent func(playback.Event)) *Controllers {
	return &Controllers{
		controllers: make(map[snowflake.ID]*playback.Controller),
		factory:     factory,
		onEvent:     onEvent,
	}
}

// Get returns the guild's controller, creating it if needed.
func (r *Controllers) Get(guildID snowflake.ID) (*playback.Controller, error) {
	r.mu.RLock()
	c, ok := r.controllers[guildID]
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		return c, nil
	}
	if closed {
		return nil, ErrClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if c, ok := r.controllers[guildID]; ok {
		return c, nil
	}

	c = r.factory(guildID)
	r.controllers[guildID] = c
	r.wg.Add(1)
	go r.forward(c)

	zlog.Debug().Msgf("registry: controller created: guild=%v", guildID)
	return c, nil
}

// Lookup returns the guild's controller without creating one.
func (r *Controllers) Lookup(guildID snowflake.ID) (*playback.Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.controllers[guildID]
	if !ok {
		return nil, ErrUnknownGuild
	}
	return c, nil
}

// Items returns the guild's current item followed by its queue.
func (r *Controllers) Items(guildID snowflake.ID) []track.QueueItem {
	c, err := r.Lookup(guildID)
	if err != nil {
		return nil
	}
	return c.All()
}

// Guilds returns the ids of guilds with a controller, in ascending order.
func (r *Controllers) Guilds() []snowflake.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]snowflake.ID, 0, len(r.controllers))
	for id := range r.controllers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of controllers.
func (r *Controllers) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.controllers)
}

// Close closes every controller and waits for their event forwarding to end.
func (r *Controllers) Close(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	controllers := make([]*playback.Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		controllers = append(controllers, c)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range controllers {
		wg.Add(1)
		go func(c *playback.Controller) {
			defer wg.Done()
			c.Close(ctx)
		}(c)
	}
	wg.Wait()
	r.wg.Wait()
}

// forward drains c's events until the controller is closed.
func (r *Controllers) forward(c *playback.Controller) {
	defer r.wg.Done()
	for e := range c.Events() {
		if r.onEvent != nil {
			r.onEvent(e)
		}
	}
}
