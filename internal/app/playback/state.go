// Package playback provides per-guild playback control with integrated queue management.
package playback

// State represents the playback state.
type State int

const (
	StateStopped State = iota // Nothing playing (queue empty, skipped to end or disconnected)
	StatePlaying              // Item is streaming
	StatePaused               // Item is paused
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}
