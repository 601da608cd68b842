package spotify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zmb3/spotify/v2"

	"github.com/osa030/vcbox/internal/domain/playlist"
	"github.com/osa030/vcbox/internal/domain/track"
)

func TestExtractID(t *testing.T) {
	tests := []struct {
		name     string
		kind     string
		input    string
		expected string
	}{
		{
			name:     "Spotify URI format",
			kind:     "playlist",
			input:    "spotify:playlist:37i9dQZF1DXcBWIGoYBM5M",
			expected: "37i9dQZF1DXcBWIGoYBM5M",
		},
		{
			name:     "Spotify URL format",
			kind:     "playlist",
			input:    "https://open.spotify.com/playlist/37i9dQZF1DXcBWIGoYBM5M",
			expected: "37i9dQZF1DXcBWIGoYBM5M",
		},
		{
			name:     "Spotify URL with query params",
			kind:     "track",
			input:    "https://open.spotify.com/track/4uLU6hMCjMI75M1A2tKUQC?si=abc123",
			expected: "4uLU6hMCjMI75M1A2tKUQC",
		},
		{
			name:     "Locale segment",
			kind:     "album",
			input:    "https://open.spotify.com/intl-ja/album/abc123/",
			expected: "abc123",
		},
		{
			name:     "Plain ID",
			kind:     "track",
			input:    "37i9dQZF1DXcBWIGoYBM5M",
			expected: "37i9dQZF1DXcBWIGoYBM5M",
		},
		{
			name:     "Empty string",
			kind:     "track",
			input:    "",
			expected: "",
		},
		{
			name:     "Kind mismatch",
			kind:     "track",
			input:    "https://open.spotify.com/album/abc123",
			expected: "",
		},
		{
			name:     "URL with multiple query params",
			kind:     "playlist",
			input:    "https://open.spotify.com/playlist/abc123?si=xyz&utm_source=copy",
			expected: "abc123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractID(tt.kind, tt.input)
			assert.Equal(t, tt.expected, result,
				"extractID(%s, %s) should return %s", tt.kind, tt.input, tt.expected)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
		{
			name:     "rate limit error with 429",
			err:      errors.New("Error 429: rate limit exceeded"),
			expected: true,
		},
		{
			name:     "server error 500",
			err:      errors.New("Error 500: internal server error"),
			expected: true,
		},
		{
			name:     "server error 503",
			err:      errors.New("503 Service Unavailable"),
			expected: true,
		},
		{
			name:     "client error 400",
			err:      errors.New("400 Bad Request"),
			expected: false,
		},
		{
			name:     "not found error",
			err:      errors.New("404 not found"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isRetryable(tt.err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestTrack_Query(t *testing.T) {
	tr := Track{Name: "Song", Artists: []string{"A", "B"}}
	assert.Equal(t, "Song - A, B", tr.Query())
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := newClient(server.Client(), "JP", spotify.WithBaseURL(server.URL+"/"))
	c.retryDelay = time.Millisecond
	return c
}

func TestClient_GetTrack(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tracks/abc", r.URL.Path)
		assert.Equal(t, "JP", r.URL.Query().Get("market"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"abc","name":"Song","duration_ms":180000,"artists":[{"name":"A"},{"name":"B"}]}`)
	})

	tr, err := c.GetTrack(context.Background(), "https://open.spotify.com/track/abc?si=x")
	require.NoError(t, err)
	assert.Equal(t, "Song", tr.Name)
	assert.Equal(t, []string{"A", "B"}, tr.Artists)
	assert.Equal(t, 3*time.Minute, tr.Duration)
	assert.Equal(t, "Song - A, B", tr.Query())
}

func TestClient_GetTrack_RetriesServerErrors(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"status":503,"message":"503 unavailable"}}`)
			return
		}
		fmt.Fprint(w, `{"id":"abc","name":"Song","duration_ms":1000,"artists":[]}`)
	})

	tr, err := c.GetTrack(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "Song", tr.Name)
	assert.Equal(t, 3, calls)
}

func TestClient_ListPage_Playlist(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/playlists/pl/tracks", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "4", r.URL.Query().Get("offset"))
		fmt.Fprint(w, `{"total":10,"limit":2,"offset":4,"items":[
			{"track":{"type":"track","id":"1","name":"One","artists":[{"name":"X"},{"name":"Y"}]}},
			{"track":{"type":"track","id":"2","name":"Two","artists":[]}}
		]}`)
	})

	items, more, err := c.ListPage(context.Background(), track.KindPlaylist, "https://open.spotify.com/playlist/pl", 4, 2)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, []playlist.Item{
		{Title: "One", Artist: "X"},
		{Title: "Two"},
	}, items)
}

func TestClient_ListPage_AlbumLastPage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/albums/al/tracks", r.URL.Path)
		fmt.Fprint(w, `{"total":1,"limit":50,"offset":0,"items":[{"id":"1","name":"Only","artists":[{"name":"Z"}]}]}`)
	})

	items, more, err := c.ListPage(context.Background(), track.KindAlbum, "spotify:album:al", 0, 50)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []playlist.Item{{Title: "Only", Artist: "Z"}}, items)
}

func TestClient_ListTitle(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/albums/al":
			fmt.Fprint(w, `{"id":"al","name":"Album Name"}`)
		case "/playlists/pl":
			fmt.Fprint(w, `{"id":"pl","name":"Playlist Name"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"status":404,"message":"not found"}}`)
		}
	})

	name, err := c.ListTitle(context.Background(), track.KindAlbum, "https://open.spotify.com/album/al")
	require.NoError(t, err)
	assert.Equal(t, "Album Name", name)

	name, err = c.ListTitle(context.Background(), track.KindPlaylist, "https://open.spotify.com/playlist/pl")
	require.NoError(t, err)
	assert.Equal(t, "Playlist Name", name)

	_, err = c.ListTitle(context.Background(), track.KindPlaylist, "https://open.spotify.com/playlist/missing")
	assert.Error(t, err)
}
