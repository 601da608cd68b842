package filter

import (
	"context"

	"github.com/osa030/vcbox/internal/domain/track"
)

// UserPendingConfig represents the configuration for UserPendingFilter.
type UserPendingConfig struct {
	MaxPending int `yaml:"max_pending" mapstructure:"max_pending" default:"3" validate:"gte=1"`
}

// UserPendingFilter limits how many items one listener may have waiting in a guild queue.
type UserPendingFilter struct {
	queue  Queue
	config UserPendingConfig
}

// NewUserPendingFilter creates a new user pending filter reading from queue.
func NewUserPendingFilter(queue Queue) *UserPendingFilter {
	return &UserPendingFilter{queue: queue, config: UserPendingConfig{MaxPending: 3}}
}

func (f *UserPendingFilter) Name() string {
	return "user_pending_filter"
}

func (f *UserPendingFilter) Description() string {
	return "Limits the number of items a listener may have waiting to be played"
}

func (f *UserPendingFilter) ReturnCodes() []string {
	return []string{"user_pending"}
}

func (f *UserPendingFilter) ValidateConfig(settings map[string]any) error {
	var config UserPendingConfig
	if err := decodeSettings(settings, &config); err != nil {
		return err
	}
	f.config = config
	return nil
}

func (f *UserPendingFilter) AppliesTo(requesterType track.RequesterType) bool {
	// Pending limits only apply to direct user requests, not playlist fan-out or system audio
	return requesterType == track.RequesterTypeUser
}

func (f *UserPendingFilter) Check(ctx context.Context, req Request) Result {
	if f.queue == nil {
		return Accept()
	}

	pending := 0
	for _, item := range f.queue.Items(req.GuildID) {
		if item.AddedBy.ID == req.Listener.ID && item.RequesterType == track.RequesterTypeUser {
			pending++
		}
	}
	if pending >= f.config.MaxPending {
		return Reject("user_pending")
	}
	return Accept()
}

func init() {
	Register("user_pending_filter", func() Filter {
		return NewUserPendingFilter(nil)
	})
}
