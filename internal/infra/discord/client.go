// Package discord provides the disgo client, voice state lookups and the voice
// connection used by playback.
package discord

import (
	"github.com/cockroachdb/errors"
	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/cache"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/godave/golibdave"
	"github.com/disgoorg/snowflake/v2"

	"github.com/osa030/vcbox/internal/infra/logger"
)

// NewClient creates a disgo client with the intents and caches the bot needs.
// listeners receive gateway events.
func NewClient(token string, listeners ...bot.EventListener) (*bot.Client, error) {
	client, err := disgo.New(token,
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(
				gateway.IntentGuilds,
				gateway.IntentGuildVoiceStates,
			),
		),
		bot.WithCacheConfigOpts(
			cache.WithCaches(cache.FlagGuilds, cache.FlagChannels, cache.FlagVoiceStates),
		),
		bot.WithVoiceManagerConfigOpts(
			voice.WithDaveSessionCreateFunc(golibdave.NewSession),
		),
		// Commands block while resolving; keep them off the gateway goroutine
		bot.WithEventManagerConfigOpts(bot.WithAsyncEventsEnabled()),
		bot.WithEventListeners(listeners...),
		bot.WithLogger(logger.Slog("disgo")),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create discord client")
	}
	return client, nil
}

// voiceStateCache is the part of the disgo cache used for voice lookups.
type voiceStateCache interface {
	VoiceState(guildID snowflake.ID, userID snowflake.ID) (discord.VoiceState, bool)
}

// VoiceStates answers which voice channel a member is in from the gateway cache.
type VoiceStates struct {
	cache voiceStateCache
}

// NewVoiceStates creates a lookup over client's cache.
func NewVoiceStates(client *bot.Client) *VoiceStates {
	return &VoiceStates{cache: client.Caches}
}

// VoiceChannel returns the member's current voice channel.
func (v *VoiceStates) VoiceChannel(guildID, userID snowflake.ID) (snowflake.ID, bool) {
	state, ok := v.cache.VoiceState(guildID, userID)
	if !ok || state.ChannelID == nil {
		return 0, false
	}
	return *state.ChannelID, true
}
