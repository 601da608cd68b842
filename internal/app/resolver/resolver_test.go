package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/vcbox/internal/app/scoring"
	"github.com/osa030/vcbox/internal/app/worker"
	"github.com/osa030/vcbox/internal/domain/fault"
	"github.com/osa030/vcbox/internal/domain/track"
	"github.com/osa030/vcbox/internal/infra/spotify"
	"github.com/osa030/vcbox/internal/infra/youtube"
)

type fakeVideo struct {
	searchIDs   []string
	searchErr   error
	videos      map[string]youtube.Video
	downloadErr error
	queries     []string
	downloaded  []string
}

func (f *fakeVideo) Search(ctx context.Context, query string) ([]string, error) {
	f.queries = append(f.queries, query)
	return f.searchIDs, f.searchErr
}

func (f *fakeVideo) Videos(ctx context.Context, ids []string) ([]youtube.Video, error) {
	var out []youtube.Video
	for _, id := range ids {
		if v, ok := f.videos[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeVideo) Video(ctx context.Context, url string) (*youtube.Video, error) {
	for _, v := range f.videos {
		if strings.Contains(url, v.ID) {
			return &v, nil
		}
	}
	return nil, errors.New("video unavailable")
}

func (f *fakeVideo) Download(ctx context.Context, url, path string) error {
	f.downloaded = append(f.downloaded, url)
	if f.downloadErr != nil {
		return f.downloadErr
	}
	return os.WriteFile(path, []byte("audio"), 0o644)
}

type fakeTracks struct {
	track *spotify.Track
	err   error
}

func (f *fakeTracks) GetTrack(ctx context.Context, ref string) (*spotify.Track, error) {
	return f.track, f.err
}

type fakeNormalizer struct {
	err   error
	calls int
}

func (f *fakeNormalizer) Normalize(ctx context.Context, src string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	dst := strings.TrimSuffix(src, filepath.Ext(src)) + ".wav"
	if err := os.Rename(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

var old = time.Now().AddDate(-2, 0, 0)

func video(id, title string, d time.Duration) youtube.Video {
	return youtube.Video{ID: id, URL: youtube.WatchURL + id, Title: title, Duration: d, PublishedAt: old}
}

// concurrentVideo records how many searches and downloads overlap.
type concurrentVideo struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (f *concurrentVideo) enter() {
	f.mu.Lock()
	f.current++
	f.peak = max(f.peak, f.current)
	f.mu.Unlock()
}

func (f *concurrentVideo) leave() {
	f.mu.Lock()
	f.current--
	f.mu.Unlock()
}

func (f *concurrentVideo) Search(ctx context.Context, query string) ([]string, error) {
	f.enter()
	defer f.leave()
	time.Sleep(10 * time.Millisecond)
	return []string{query}, nil
}

func (f *concurrentVideo) Videos(ctx context.Context, ids []string) ([]youtube.Video, error) {
	out := make([]youtube.Video, 0, len(ids))
	for _, id := range ids {
		out = append(out, video(id, id, time.Minute))
	}
	return out, nil
}

func (f *concurrentVideo) Video(ctx context.Context, url string) (*youtube.Video, error) {
	return nil, errors.New("video unavailable")
}

func (f *concurrentVideo) Download(ctx context.Context, url, path string) error {
	f.enter()
	defer f.leave()
	return os.WriteFile(path, []byte("audio"), 0o644)
}

func (f *concurrentVideo) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func newTestResolver(t *testing.T, v *fakeVideo, tr TrackPlatform, n *fakeNormalizer) (*Resolver, string) {
	t.Helper()
	dir := t.TempDir()
	return New(Config{OutputDir: dir}, v, tr, n, worker.New(2), scoring.New()), dir
}

func TestResolveByURL_SpotifyRoutesThroughQuery(t *testing.T) {
	v := &fakeVideo{
		searchIDs: []string{"aaaaaaaaaaa", "bbbbbbbbbbb"},
		videos: map[string]youtube.Video{
			"aaaaaaaaaaa": video("aaaaaaaaaaa", "Song Reaction", 4*time.Minute),
			"bbbbbbbbbbb": video("bbbbbbbbbbb", "Song - Artist (Lyrics)", 4*time.Minute),
		},
	}
	tracks := &fakeTracks{track: &spotify.Track{Name: "Song", Artists: []string{"Artist"}}}
	n := &fakeNormalizer{}
	r, dir := newTestResolver(t, v, tracks, n)

	url := "https://open.spotify.com/track/123"
	got, err := r.ResolveByURL(context.Background(), url, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"Song - Artist"}, v.queries)
	assert.Equal(t, track.KindSong, got.Kind)
	assert.Equal(t, track.SourceSpotify, got.Source)
	assert.Equal(t, url, got.RequestedURL)
	assert.Equal(t, youtube.WatchURL+"bbbbbbbbbbb", got.SourceURL)
	require.NotNil(t, got.RelevanceScore)
	assert.True(t, got.Normalized)
	assert.Equal(t, dir, filepath.Dir(got.FilePath))
	assert.Equal(t, ".wav", filepath.Ext(got.FilePath))
	assert.FileExists(t, got.FilePath)
}

func TestResolveByURL_SpotifyNotConfigured(t *testing.T) {
	r, _ := newTestResolver(t, &fakeVideo{}, nil, &fakeNormalizer{})
	_, err := r.ResolveByURL(context.Background(), "https://open.spotify.com/track/123", Options{})
	assert.True(t, errors.Is(err, fault.ErrInvalidURL))
}

func TestResolveByURL_Video(t *testing.T) {
	v := &fakeVideo{videos: map[string]youtube.Video{
		"ccccccccccc": video("ccccccccccc", "Direct", 3*time.Minute),
	}}
	n := &fakeNormalizer{}
	r, _ := newTestResolver(t, v, nil, n)

	got, err := r.ResolveByURL(context.Background(), "https://www.youtube.com/watch?v=ccccccccccc&list=PL1", Options{})
	require.NoError(t, err)
	assert.Equal(t, "https://www.youtube.com/watch?v=ccccccccccc", got.RequestedURL)
	assert.Equal(t, "Direct", got.Title)
	assert.Nil(t, got.RelevanceScore)
	assert.Empty(t, v.queries)
}

func TestResolveByURL_Errors(t *testing.T) {
	live := video("lllllllllll", "Live", 0)
	live.Live = true

	tests := []struct {
		name string
		url  string
		want error
	}{
		{name: "http scheme", url: "http://youtube.com/watch?v=x", want: fault.ErrInvalidURL},
		{name: "foreign host", url: "https://example.com/watch?v=x", want: fault.ErrInvalidURL},
		{name: "playlist", url: "https://youtube.com/playlist?list=PL1", want: fault.ErrMediaKindMismatch},
		{name: "no kind", url: "https://youtube.com/feed", want: fault.ErrClassificationFailed},
		{name: "live", url: "https://youtube.com/watch?v=lllllllllll", want: fault.ErrLiveContent},
		{name: "unavailable", url: "https://youtube.com/watch?v=zzzzzzzzzzz", want: fault.ErrDownloadFailed},
	}

	v := &fakeVideo{videos: map[string]youtube.Video{"lllllllllll": live}}
	r, _ := newTestResolver(t, v, nil, &fakeNormalizer{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.ResolveByURL(context.Background(), tt.url, Options{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	assert.Empty(t, v.downloaded)
}

func TestResolveByQuery_NormalizationThreshold(t *testing.T) {
	tests := []struct {
		name           string
		duration       time.Duration
		skip           bool
		wantNormalized bool
		wantExt        string
	}{
		{name: "at threshold", duration: 900 * time.Second, wantNormalized: true, wantExt: ".wav"},
		{name: "over threshold", duration: 901 * time.Second, wantNormalized: false, wantExt: ".m4a"},
		{name: "skipped by option", duration: 60 * time.Second, skip: true, wantNormalized: false, wantExt: ".m4a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &fakeVideo{
				searchIDs: []string{"ddddddddddd"},
				videos:    map[string]youtube.Video{"ddddddddddd": video("ddddddddddd", "query", tt.duration)},
			}
			n := &fakeNormalizer{}
			r, dir := newTestResolver(t, v, nil, n)

			got, err := r.ResolveByQuery(context.Background(), "query", Options{SkipNormalize: tt.skip})
			require.NoError(t, err)
			assert.Equal(t, tt.wantNormalized, got.Normalized)
			assert.Equal(t, tt.wantExt, filepath.Ext(got.FilePath))

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Len(t, entries, 1, "pre-normalization file must be gone")
		})
	}
}

func TestResolveByQuery_Errors(t *testing.T) {
	live := video("eeeeeeeeeee", "query", 3*time.Minute)
	live.Live = true

	tests := []struct {
		name       string
		video      *fakeVideo
		normalizer *fakeNormalizer
		want       error
		wantFiles  int
	}{
		{
			name:       "search error",
			video:      &fakeVideo{searchErr: errors.New("blocked")},
			normalizer: &fakeNormalizer{},
			want:       fault.ErrSearchFailed,
		},
		{
			name:       "no ids",
			video:      &fakeVideo{},
			normalizer: &fakeNormalizer{},
			want:       fault.ErrSearchFailed,
		},
		{
			name: "only live candidates",
			video: &fakeVideo{
				searchIDs: []string{"eeeeeeeeeee"},
				videos:    map[string]youtube.Video{"eeeeeeeeeee": live},
			},
			normalizer: &fakeNormalizer{},
			want:       fault.ErrSearchFailed,
		},
		{
			name: "download error",
			video: &fakeVideo{
				searchIDs:   []string{"fffffffffff"},
				videos:      map[string]youtube.Video{"fffffffffff": video("fffffffffff", "query", time.Minute)},
				downloadErr: errors.New("403 forbidden"),
			},
			normalizer: &fakeNormalizer{},
			want:       fault.ErrDownloadFailed,
		},
		{
			name: "normalization error keeps download",
			video: &fakeVideo{
				searchIDs: []string{"ggggggggggg"},
				videos:    map[string]youtube.Video{"ggggggggggg": video("ggggggggggg", "query", time.Minute)},
			},
			normalizer: &fakeNormalizer{err: errors.New("ffmpeg missing")},
			want:       fault.ErrAudioProcessing,
			wantFiles:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, dir := newTestResolver(t, tt.video, nil, tt.normalizer)
			_, err := r.ResolveByQuery(context.Background(), "query", Options{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			entries, _ := os.ReadDir(dir)
			assert.Len(t, entries, tt.wantFiles)
		})
	}
}

func TestResolveByQuery_DownloadErrorKeepsCause(t *testing.T) {
	cause := errors.New("403 forbidden")
	v := &fakeVideo{
		searchIDs:   []string{"hhhhhhhhhhh"},
		videos:      map[string]youtube.Video{"hhhhhhhhhhh": video("hhhhhhhhhhh", "q", time.Minute)},
		downloadErr: cause,
	}
	r, _ := newTestResolver(t, v, nil, &fakeNormalizer{})
	_, err := r.ResolveByQuery(context.Background(), "q", Options{})
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, fault.CodeDownloadFailed, fault.Code(err))
}

func TestResolveByURL_SpotifyMetadataError(t *testing.T) {
	cause := errors.New("spotify: 503 service unavailable")
	v := &fakeVideo{}
	r, _ := newTestResolver(t, v, &fakeTracks{err: cause}, &fakeNormalizer{})

	_, err := r.ResolveByURL(context.Background(), "https://open.spotify.com/track/123", Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, fault.ErrSearchFailed))
	assert.Equal(t, fault.CodeDefault, fault.Code(err))
	assert.Empty(t, v.queries)
}

func TestResolver_PoolBoundsWholeResolution(t *testing.T) {
	v := &concurrentVideo{}
	r := New(Config{OutputDir: t.TempDir()}, v, nil, &fakeNormalizer{}, worker.New(1), scoring.New())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.ResolveByQuery(context.Background(), fmt.Sprintf("%011d", i), Options{SkipNormalize: true})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, v.Peak())
}

func TestResolver_CanceledWhileWaitingForSlot(t *testing.T) {
	pool := worker.New(1)
	r := New(Config{OutputDir: t.TempDir()}, &concurrentVideo{}, nil, &fakeNormalizer{}, pool, scoring.New())

	hold := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = pool.Run(context.Background(), func(ctx context.Context) error {
			close(held)
			<-hold
			return nil
		})
	}()
	<-held
	defer close(hold)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.ResolveByQuery(ctx, "query", Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, fault.CodeDownloadFailed, fault.Code(err))
}
