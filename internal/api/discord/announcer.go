package discord

import (
	"fmt"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"

	"github.com/osa030/vcbox/internal/app/notification"
	"github.com/osa030/vcbox/internal/app/playback"
	"github.com/osa030/vcbox/internal/domain/track"
)

// messageCreator posts channel messages.
type messageCreator interface {
	CreateMessage(channelID snowflake.ID, messageCreate discord.MessageCreate, opts ...rest.RequestOpt) (*discord.Message, error)
}

// Announcer posts "Now playing" in the channel a track was requested from.
// It implements notification.Stream.
type Announcer struct {
	rest messageCreator
}

// NewAnnouncer creates an announcer posting through r.
func NewAnnouncer(r messageCreator) *Announcer {
	return &Announcer{rest: r}
}

// Send posts the announcement for track start notifications and ignores the rest.
func (a *Announcer) Send(n *notification.Notification) error {
	if n.Type != playback.EventTrackStarted || n.Item == nil {
		return nil
	}
	item := n.Item
	if item.TextChannelID == 0 || item.RequesterType == track.RequesterTypeSystem {
		return nil
	}

	content := fmt.Sprintf("Now playing: **%s** (%s), requested by %s",
		item.DisplayName(), formatDuration(item.Track.Duration), item.AddedBy.Name())
	_, err := a.rest.CreateMessage(item.TextChannelID, discord.MessageCreate{Content: content})
	return err
}
