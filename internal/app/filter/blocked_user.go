package filter

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"

	"github.com/osa030/vcbox/internal/domain/track"
)

// BlockedUserConfig represents the configuration for BlockedUserFilter.
type BlockedUserConfig struct {
	UserIDs []string `yaml:"user_ids" mapstructure:"user_ids" validate:"dive,numeric"`
}

// BlockedUserFilter rejects requests from listed users.
type BlockedUserFilter struct {
	blocked map[snowflake.ID]struct{}
}

// NewBlockedUserFilter creates a filter blocking the given users.
func NewBlockedUserFilter(ids ...snowflake.ID) *BlockedUserFilter {
	f := &BlockedUserFilter{blocked: make(map[snowflake.ID]struct{}, len(ids))}
	for _, id := range ids {
		f.blocked[id] = struct{}{}
	}
	return f
}

func (f *BlockedUserFilter) Name() string {
	return "blocked_user_filter"
}

func (f *BlockedUserFilter) Description() string {
	return "Rejects requests from blocked users"
}

func (f *BlockedUserFilter) ReturnCodes() []string {
	return []string{"blocked_user"}
}

func (f *BlockedUserFilter) ValidateConfig(settings map[string]any) error {
	var config BlockedUserConfig
	if err := decodeSettings(settings, &config); err != nil {
		return err
	}

	blocked := make(map[snowflake.ID]struct{}, len(config.UserIDs))
	for _, raw := range config.UserIDs {
		id, err := snowflake.Parse(raw)
		if err != nil {
			return errors.Wrapf(err, "invalid user id %q", raw)
		}
		blocked[id] = struct{}{}
	}
	f.blocked = blocked
	return nil
}

func (f *BlockedUserFilter) AppliesTo(requesterType track.RequesterType) bool {
	// System audio has no user to block
	return requesterType != track.RequesterTypeSystem
}

func (f *BlockedUserFilter) Check(ctx context.Context, req Request) Result {
	if _, ok := f.blocked[req.Listener.ID]; ok {
		return Reject("blocked_user")
	}
	return Accept()
}

func init() {
	Register("blocked_user_filter", func() Filter {
		return NewBlockedUserFilter()
	})
}
