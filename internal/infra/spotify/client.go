// Package spotify provides a client for the Spotify Web API.
package spotify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/osa030/vcbox/internal/domain/playlist"
	"github.com/osa030/vcbox/internal/domain/track"
)

// PageSize is the page size used when listing playlist and album tracks.
const PageSize = 50

// Client is a Spotify API client.
type Client struct {
	client     *spotify.Client
	market     string
	maxRetries int
	retryDelay time.Duration
}

// Config represents Spotify client configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	Market       string
}

// Track is the metadata needed to search a song on the video platform.
type Track struct {
	ID       string
	Name     string
	Artists  []string
	Duration time.Duration
}

// Query returns the search query "<name> - <artist1>, <artist2>".
func (t Track) Query() string {
	return t.Name + " - " + strings.Join(t.Artists, ", ")
}

// New creates a new Spotify client authenticated with client credentials.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("spotify credentials are required")
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     spotifyauth.TokenURL,
	}

	// The returned client fetches and refreshes tokens on demand.
	return newClient(cc.Client(ctx), cfg.Market), nil
}

func newClient(httpClient *http.Client, market string, opts ...spotify.ClientOption) *Client {
	if market == "" {
		market = "US"
	}
	return &Client{
		client:     spotify.New(httpClient, opts...),
		market:     market,
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// GetTrack retrieves track information by ID, URL, or URI.
func (c *Client) GetTrack(ctx context.Context, ref string) (*Track, error) {
	id := extractID("track", ref)
	if id == "" {
		return nil, errors.Newf("invalid track reference: %s", ref)
	}

	var result *spotify.FullTrack
	err := c.retry(func() error {
		t, err := c.client.GetTrack(ctx, spotify.ID(id), spotify.Market(c.market))
		if err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get track")
	}

	return &Track{
		ID:       string(result.ID),
		Name:     result.Name,
		Artists:  artistNames(result.Artists),
		Duration: time.Duration(result.Duration) * time.Millisecond,
	}, nil
}

// ListTitle returns the name of a playlist or album.
func (c *Client) ListTitle(ctx context.Context, kind track.MediaKind, ref string) (string, error) {
	id := extractID(kindPath(kind), ref)
	if id == "" {
		return "", errors.Newf("invalid %s reference: %s", kind, ref)
	}

	var name string
	err := c.retry(func() error {
		switch kind {
		case track.KindAlbum:
			a, err := c.client.GetAlbum(ctx, spotify.ID(id), spotify.Market(c.market))
			if err != nil {
				return err
			}
			name = a.Name
		default:
			p, err := c.client.GetPlaylist(ctx, spotify.ID(id), spotify.Fields("name"), spotify.Market(c.market))
			if err != nil {
				return err
			}
			name = p.Name
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to get %s", kind)
	}
	return name, nil
}

// ListPage returns up to limit items of a playlist or album starting at offset.
// more is false once the last page has been read.
func (c *Client) ListPage(ctx context.Context, kind track.MediaKind, ref string, offset, limit int) (items []playlist.Item, more bool, err error) {
	id := extractID(kindPath(kind), ref)
	if id == "" {
		return nil, false, errors.Newf("invalid %s reference: %s", kind, ref)
	}
	if limit <= 0 || limit > PageSize {
		limit = PageSize
	}

	if kind == track.KindAlbum {
		var page *spotify.SimpleTrackPage
		err = c.retry(func() error {
			p, err := c.client.GetAlbumTracks(ctx, spotify.ID(id),
				spotify.Limit(limit),
				spotify.Offset(offset),
				spotify.Market(c.market),
			)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			return nil, false, errors.Wrap(err, "failed to get album tracks")
		}
		for _, t := range page.Tracks {
			items = append(items, newItem(t.Name, t.Artists))
		}
		return items, len(page.Tracks) == limit && offset+limit < int(page.Total), nil
	}

	var page *spotify.PlaylistItemPage
	err = c.retry(func() error {
		p, err := c.client.GetPlaylistItems(ctx, spotify.ID(id),
			spotify.Limit(limit),
			spotify.Offset(offset),
			spotify.Market(c.market),
		)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to get playlist items")
	}

	for _, item := range page.Items {
		// Only process tracks (exclude episodes)
		if item.Track.Track != nil && item.Track.Track.Name != "" {
			items = append(items, newItem(item.Track.Track.Name, item.Track.Track.Artists))
		}
	}
	return items, len(page.Items) == limit && offset+limit < int(page.Total), nil
}

// GetTrackURL returns the Spotify URL for a track.
func GetTrackURL(trackID string) string {
	return fmt.Sprintf("https://open.spotify.com/track/%s", trackID)
}

func newItem(name string, artists []spotify.SimpleArtist) playlist.Item {
	item := playlist.Item{Title: name}
	if len(artists) > 0 {
		item.Artist = artists[0].Name
	}
	return item
}

func artistNames(artists []spotify.SimpleArtist) []string {
	names := make([]string, len(artists))
	for i, a := range artists {
		names[i] = a.Name
	}
	return names
}

func kindPath(kind track.MediaKind) string {
	switch kind {
	case track.KindAlbum:
		return "album"
	case track.KindSong:
		return "track"
	default:
		return "playlist"
	}
}

// retry retries an operation with linear backoff.
func (c *Client) retry(fn func() error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if i < c.maxRetries-1 {
			time.Sleep(c.retryDelay * time.Duration(i+1))
		}
	}
	return errors.Wrap(lastErr, "max retries exceeded")
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	// Rate limit errors and server errors are retryable
	errStr := err.Error()
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504")
}

// extractID extracts the ID of a track, playlist or album from a Spotify URL or URI.
// Input that is neither is assumed to be an ID already.
func extractID(kind, input string) string {
	input = strings.TrimSpace(input)
	// Handle Spotify URI format: spotify:<kind>:ID
	if prefix := "spotify:" + kind + ":"; strings.HasPrefix(input, prefix) {
		return strings.TrimPrefix(input, prefix)
	}

	// Handle URL format: https://open.spotify.com/<kind>/ID or https://open.spotify.com/intl-XX/<kind>/ID
	sep := "/" + kind + "/"
	if strings.Contains(input, "open.spotify.com") {
		parts := strings.Split(input, sep)
		if len(parts) < 2 {
			return ""
		}
		// Remove query parameters and trailing slashes
		id := strings.Split(parts[len(parts)-1], "?")[0]
		return strings.TrimRight(id, "/")
	}

	return input
}
