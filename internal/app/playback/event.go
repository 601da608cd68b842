package playback

import (
	"github.com/disgoorg/snowflake/v2"

	"github.com/osa030/vcbox/internal/domain/track"
)

// EventType represents a playback event type.
type EventType int

const (
	EventTrackStarted  EventType = iota // Item started streaming
	EventTrackEnded                     // Item finished streaming
	EventTrackSkipped                   // Item was skipped or interrupted
	EventStateChanged                   // Playback state changed (pause/resume)
	EventQueueEmpty                     // Queue became empty
	EventDisconnected                   // Voice connection closed
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventTrackStarted:
		return "track_started"
	case EventTrackEnded:
		return "track_ended"
	case EventTrackSkipped:
		return "track_skipped"
	case EventStateChanged:
		return "state_changed"
	case EventQueueEmpty:
		return "queue_empty"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event represents a playback event.
type Event struct {
	Type    EventType
	GuildID snowflake.ID
	Item    *track.QueueItem // Current item (nil for some events)
	State   State            // Current playback state
}
