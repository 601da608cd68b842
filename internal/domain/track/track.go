// Package track provides the TrackRequest domain entity and the queue item built from it.
package track

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"

	"github.com/osa030/vcbox/internal/domain/listener"
)

// Source is the platform family a URL belongs to.
type Source string

const (
	SourceYouTube Source = "youtube" // Video platform: direct audio source
	SourceSpotify Source = "spotify" // Track platform: metadata only, resolved through search
)

// MediaKind classifies what a URL points at.
type MediaKind string

const (
	KindSong     MediaKind = "song"
	KindPlaylist MediaKind = "playlist"
	KindAlbum    MediaKind = "album"
)

// IsList reports whether the kind expands into multiple tracks.
func (k MediaKind) IsList() bool {
	return k == KindPlaylist || k == KindAlbum
}

// TrackRequest is a fully resolved, downloaded song.
// Values are produced by Builder.Build and are not modified afterwards.
type TrackRequest struct {
	SourceURL      string        // Video platform URL the audio was downloaded from
	RequestedURL   string        // URL the user supplied (empty for free-text queries)
	Title          string        // Resolved title
	Source         Source        // Source family of the requested URL
	Kind           MediaKind     // Always KindSong
	RelevanceScore *float64      // Score of the chosen candidate (nil when no search was made)
	PublishedAt    *time.Time    // Upload time (nil if unknown)
	Duration       time.Duration // Content duration
	FilePath       string        // Local audio file
	Normalized     bool          // Whether loudness normalization was applied
}

// Errors returned by Builder.Build.
var (
	ErrMissingTitle    = errors.New("track title is required")
	ErrMissingDuration = errors.New("track duration is required")
	ErrMissingFile     = errors.New("track file path is required")
	ErrNotSong         = errors.New("only songs can be built into a track")
)

// Builder accumulates resolution results and produces a TrackRequest once
// title, duration and file path are known.
type Builder struct {
	t TrackRequest
}

// NewBuilder starts a song request for the given source.
func NewBuilder(source Source) *Builder {
	return &Builder{t: TrackRequest{Source: source, Kind: KindSong}}
}

func (b *Builder) RequestedURL(u string) *Builder {
	b.t.RequestedURL = u
	return b
}

func (b *Builder) SourceURL(u string) *Builder {
	b.t.SourceURL = u
	return b
}

func (b *Builder) Title(title string) *Builder {
	b.t.Title = title
	return b
}

func (b *Builder) Kind(kind MediaKind) *Builder {
	b.t.Kind = kind
	return b
}

func (b *Builder) Score(score float64) *Builder {
	b.t.RelevanceScore = &score
	return b
}

func (b *Builder) PublishedAt(at time.Time) *Builder {
	if at.IsZero() {
		b.t.PublishedAt = nil
		return b
	}
	b.t.PublishedAt = &at
	return b
}

func (b *Builder) Duration(d time.Duration) *Builder {
	b.t.Duration = d
	return b
}

func (b *Builder) File(path string, normalized bool) *Builder {
	b.t.FilePath = path
	b.t.Normalized = normalized
	return b
}

// Build validates the accumulated fields and returns a copy.
func (b *Builder) Build() (TrackRequest, error) {
	switch {
	case b.t.Kind != KindSong:
		return TrackRequest{}, errors.Wrapf(ErrNotSong, "kind=%s", b.t.Kind)
	case b.t.Title == "":
		return TrackRequest{}, ErrMissingTitle
	case b.t.Duration <= 0:
		return TrackRequest{}, ErrMissingDuration
	case b.t.FilePath == "":
		return TrackRequest{}, ErrMissingFile
	}
	t := b.t
	if t.RelevanceScore != nil {
		s := *t.RelevanceScore
		t.RelevanceScore = &s
	}
	if t.PublishedAt != nil {
		p := *t.PublishedAt
		t.PublishedAt = &p
	}
	return t, nil
}

// RequesterType represents how an item entered the queue.
type RequesterType string

const (
	RequesterTypeUser     RequesterType = "USER"     // Direct single-track request
	RequesterTypePlaylist RequesterType = "PLAYLIST" // Item admitted through playlist fan-out
	RequesterTypeSystem   RequesterType = "SYSTEM"   // Bot generated audio (announcements)
)

// QueueItem is a playable entry owned by a guild's playback controller.
type QueueItem struct {
	ID            string            // Unique queue entry id
	Track         TrackRequest      // Resolved track
	ChannelID     snowflake.ID      // Target voice channel
	TextChannelID snowflake.ID      // Channel the request came from (for announcements)
	Priority      bool              // Inserted ahead of non-priority items
	AddedBy       listener.Listener // Requester identity
	RequesterType RequesterType     // How the item was admitted
	Volume        int               // Playback volume in percent
	AddedAt       time.Time         // Time when added to queue
}

// DisplayName returns the text shown for this item in queue listings.
func (q QueueItem) DisplayName() string {
	return q.Track.Title
}

// FilePath returns the backing audio file.
func (q QueueItem) FilePath() string {
	return q.Track.FilePath
}
