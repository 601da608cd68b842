package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_Build(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *Builder
		wantErr error
	}{
		{
			name: "complete song",
			build: func() *Builder {
				return NewBuilder(SourceYouTube).Title("a").Duration(time.Minute).File("/tmp/a.wav", true)
			},
		},
		{
			name: "playlist kind rejected",
			build: func() *Builder {
				return NewBuilder(SourceYouTube).Kind(KindPlaylist).Title("a").Duration(time.Minute).File("/tmp/a.wav", true)
			},
			wantErr: ErrNotSong,
		},
		{
			name: "missing title",
			build: func() *Builder {
				return NewBuilder(SourceYouTube).Duration(time.Minute).File("/tmp/a.wav", true)
			},
			wantErr: ErrMissingTitle,
		},
		{
			name: "missing duration",
			build: func() *Builder {
				return NewBuilder(SourceYouTube).Title("a").File("/tmp/a.wav", true)
			},
			wantErr: ErrMissingDuration,
		},
		{
			name: "missing file",
			build: func() *Builder {
				return NewBuilder(SourceSpotify).Title("a").Duration(time.Minute)
			},
			wantErr: ErrMissingFile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := tt.build().Build()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, KindSong, tr.Kind)
		})
	}
}

func TestBuilder_BuildCopiesPointers(t *testing.T) {
	published := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	b := NewBuilder(SourceYouTube).
		Title("a").
		Duration(time.Minute).
		File("/tmp/a.m4a", false).
		Score(0.5).
		PublishedAt(published)

	first, err := b.Build()
	require.NoError(t, err)

	b.Score(0.9).PublishedAt(published.Add(time.Hour))
	second, err := b.Build()
	require.NoError(t, err)

	assert.InDelta(t, 0.5, *first.RelevanceScore, 1e-9)
	assert.InDelta(t, 0.9, *second.RelevanceScore, 1e-9)
	assert.Equal(t, published, *first.PublishedAt)
}

func TestBuilder_ZeroPublishedAt(t *testing.T) {
	tr, err := NewBuilder(SourceYouTube).Title("a").Duration(time.Second).File("f", false).PublishedAt(time.Time{}).Build()
	require.NoError(t, err)
	assert.Nil(t, tr.PublishedAt)
	assert.Nil(t, tr.RelevanceScore)
}

func TestMediaKind_IsList(t *testing.T) {
	assert.False(t, KindSong.IsList())
	assert.True(t, KindPlaylist.IsList())
	assert.True(t, KindAlbum.IsList())
}

func TestQueueItem_Accessors(t *testing.T) {
	item := QueueItem{Track: TrackRequest{Title: "Song", FilePath: "/tmp/x.wav"}}
	assert.Equal(t, "Song", item.DisplayName())
	assert.Equal(t, "/tmp/x.wav", item.FilePath())
}
