// Package listener provides the identity of a person requesting audio.
package listener

import (
	"github.com/disgoorg/snowflake/v2"
)

// Listener identifies a guild member who issued a request.
type Listener struct {
	ID          snowflake.ID // Discord user ID
	GuildID     snowflake.ID // Guild the request was made in
	DisplayName string       // Name shown next to queued items
}

// New creates a listener identity.
func New(guildID, userID snowflake.ID, displayName string) Listener {
	return Listener{
		ID:          userID,
		GuildID:     guildID,
		DisplayName: displayName,
	}
}

// System is the identity used for bot generated audio.
func System(guildID snowflake.ID) Listener {
	return Listener{GuildID: guildID, DisplayName: "System"}
}

// IsSystem reports whether the listener is the bot itself.
func (l Listener) IsSystem() bool {
	return l.ID == 0
}

// Name returns the display name, falling back to the user ID.
func (l Listener) Name() string {
	if l.DisplayName != "" {
		return l.DisplayName
	}
	return l.ID.String()
}
