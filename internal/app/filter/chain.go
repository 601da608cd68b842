package filter

import (
	"context"

	zlog "github.com/rs/zerolog/log"
)

// Chain runs admission filters in the order they were added.
type Chain struct {
	filters []Filter
}

// NewChain creates an empty chain. An empty chain accepts everything.
func NewChain() *Chain {
	return &Chain{}
}

// Add appends f to the chain.
func (c *Chain) Add(f Filter) {
	c.filters = append(c.filters, f)
}

// Execute checks req against each filter that applies to its requester type.
// The first rejection wins and carries the filter's name.
func (c *Chain) Execute(ctx context.Context, req Request) Result {
	for _, f := range c.filters {
		if !f.AppliesTo(req.RequesterType) {
			continue
		}

		result := f.Check(ctx, req)
		if result.Accepted {
			continue
		}
		result.Filter = f.Name()
		zlog.Debug().Msgf("filter: rejected: filter=%s, code=%s, guild=%v, user=%v, title=%s",
			result.Filter, result.Code, req.GuildID, req.Listener.ID, req.Track.Title)
		return result
	}
	return Accept()
}

// Filters returns the filters in execution order.
func (c *Chain) Filters() []Filter {
	return c.filters
}
