// Package playlist provides the PlaylistRequest domain entity.
package playlist

import (
	"github.com/osa030/vcbox/internal/domain/track"
)

// Item is one ordered entry of a playlist or album.
// Track-platform items carry only a title and artist and must be resolved by search.
type Item struct {
	URL    string // Direct video URL (empty when unknown)
	Title  string // Track title
	Artist string // First credited artist (optional)
}

// Query returns the free-text search query for the item.
func (i Item) Query() string {
	if i.Artist == "" {
		return i.Title
	}
	return i.Title + " - " + i.Artist
}

// HasURL reports whether the item can be resolved directly.
func (i Item) HasURL() bool {
	return i.URL != ""
}

// PlaylistRequest represents a playlist or album reference and its ordered items.
type PlaylistRequest struct {
	SourceURL string          // URL the user supplied
	Title     string          // Playlist or album name
	Source    track.Source    // Source family
	Kind      track.MediaKind // KindPlaylist or KindAlbum
	Items     []Item          // Ordered items
}

// New creates an empty request for a list URL.
func New(sourceURL string, source track.Source, kind track.MediaKind) *PlaylistRequest {
	return &PlaylistRequest{
		SourceURL: sourceURL,
		Source:    source,
		Kind:      kind,
	}
}

// Len returns the number of collected items.
func (p *PlaylistRequest) Len() int {
	return len(p.Items)
}

// Append adds items, keeping at most limit in total. A limit of zero or less means no limit.
// It returns the number of items actually added.
func (p *PlaylistRequest) Append(limit int, items ...Item) int {
	added := 0
	for _, it := range items {
		if limit > 0 && len(p.Items) >= limit {
			break
		}
		p.Items = append(p.Items, it)
		added++
	}
	return added
}

// Full reports whether the request already holds limit items.
func (p *PlaylistRequest) Full(limit int) bool {
	return limit > 0 && len(p.Items) >= limit
}
