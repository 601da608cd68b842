package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/vcbox/internal/app/fanout"
	"github.com/osa030/vcbox/internal/app/notification"
	"github.com/osa030/vcbox/internal/app/playback"
	"github.com/osa030/vcbox/internal/app/resolver"
	"github.com/osa030/vcbox/internal/domain/fault"
	"github.com/osa030/vcbox/internal/domain/playlist"
	"github.com/osa030/vcbox/internal/domain/track"
	"github.com/osa030/vcbox/internal/infra/config"
	"github.com/osa030/vcbox/internal/infra/store"
)

const (
	testGuild   snowflake.ID = 100
	testUser    snowflake.ID = 200
	testChannel snowflake.ID = 300
	blockedUser snowflake.ID = 666
)

// holdVoice streams until the context is cancelled.
type holdVoice struct{}

func (holdVoice) Connect(ctx context.Context, channelID snowflake.ID) error { return nil }

func (holdVoice) Stream(ctx context.Context, path string, volume int, gate *playback.Gate) error {
	<-ctx.Done()
	return ctx.Err()
}

func (holdVoice) Disconnect(ctx context.Context) error { return nil }

type fakeVoiceStates struct {
	mu       sync.Mutex
	channels map[snowflake.ID]snowflake.ID
}

func newVoiceStates(users ...snowflake.ID) *fakeVoiceStates {
	v := &fakeVoiceStates{channels: make(map[snowflake.ID]snowflake.ID)}
	for _, u := range users {
		v.channels[u] = testChannel
	}
	return v
}

func (v *fakeVoiceStates) VoiceChannel(guildID, userID snowflake.ID) (snowflake.ID, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ch, ok := v.channels[userID]
	return ch, ok
}

func (v *fakeVoiceStates) leave(userID snowflake.ID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.channels, userID)
}

type fakeResolver struct {
	t       *testing.T
	dir     string
	err     error
	byURL   []string
	byQuery []string
	onDone  func()
}

func (r *fakeResolver) make(title string) (track.TrackRequest, error) {
	if r.err != nil {
		return track.TrackRequest{}, r.err
	}
	path := filepath.Join(r.dir, title+".wav")
	require.NoError(r.t, os.WriteFile(path, []byte("x"), 0o644))
	if r.onDone != nil {
		r.onDone()
	}
	return track.TrackRequest{
		Title:     title,
		SourceURL: "https://youtube.com/watch?v=" + title,
		FilePath:  path,
		Duration:  3 * time.Minute,
	}, nil
}

func (r *fakeResolver) ResolveByURL(ctx context.Context, url string, opts resolver.Options) (track.TrackRequest, error) {
	r.byURL = append(r.byURL, url)
	return r.make(filepath.Base(url))
}

func (r *fakeResolver) ResolveByQuery(ctx context.Context, query string, opts resolver.Options) (track.TrackRequest, error) {
	r.byQuery = append(r.byQuery, query)
	return r.make(query)
}

type fakePlaylists struct {
	res      *fakeResolver
	items    []string
	fetchErr error
	maxItems int
}

func (p *fakePlaylists) Prepare(rawURL string) (*playlist.PlaylistRequest, error) {
	return playlist.New(rawURL, track.SourceYouTube, track.KindPlaylist), nil
}

func (p *fakePlaylists) FetchItems(ctx context.Context, req *playlist.PlaylistRequest, maxItems, offset int) error {
	p.maxItems = maxItems
	req.Title = "Mix"
	for _, title := range p.items {
		req.Append(maxItems, playlist.Item{Title: title})
	}
	return p.fetchErr
}

func (p *fakePlaylists) DownloadAll(ctx context.Context, req playlist.PlaylistRequest, eligible func() error, deliver func(track.TrackRequest) error) (fanout.Summary, error) {
	summary := fanout.Summary{Total: req.Len()}
	if err := eligible(); err != nil {
		return summary, err
	}
	for _, item := range req.Items {
		t, err := p.res.make(item.Title)
		if err != nil {
			summary.Failed++
			continue
		}
		if err := deliver(t); err != nil {
			os.Remove(t.FilePath)
			summary.Skipped++
			continue
		}
		summary.Delivered++
	}
	return summary, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []store.Entry
}

func (h *fakeHistory) Record(ctx context.Context, e store.Entry) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return int64(len(h.entries)), nil
}

func (h *fakeHistory) Recent(ctx context.Context, guildID snowflake.ID, limit int) ([]store.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]store.Entry(nil), h.entries...), nil
}

func (h *fakeHistory) titles() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, e := range h.entries {
		out = append(out, e.Title)
	}
	return out
}

type fixture struct {
	manager   *Manager
	resolver  *fakeResolver
	playlists *fakePlaylists
	voice     *fakeVoiceStates
	history   *fakeHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{
		Playlist: config.PlaylistConfig{MaxItems: 25},
		Store:    config.StoreConfig{HistoryLimit: 10},
		Filters: map[string]config.FilterConfig{
			"blocked_user_filter": {
				Enabled:  true,
				Settings: map[string]any{"user_ids": []any{blockedUser.String()}},
			},
			"duplicate_track_filter": {Enabled: true},
		},
	}

	res := &fakeResolver{t: t, dir: t.TempDir()}
	f := &fixture{
		resolver:  res,
		playlists: &fakePlaylists{res: res},
		voice:     newVoiceStates(testUser, blockedUser),
		history:   &fakeHistory{},
	}
	factory := func(guildID snowflake.ID) *playback.Controller {
		return playback.NewController(holdVoice{}, playback.Config{GuildID: guildID, IdleTimeout: time.Minute})
	}
	f.manager = NewManager(cfg, factory, res, f.playlists, f.voice, f.history)
	t.Cleanup(func() { f.manager.Close(context.Background()) })
	return f
}

func requester(userID snowflake.ID) Requester {
	return Requester{GuildID: testGuild, UserID: userID, TextChannelID: 1, DisplayName: "alice"}
}

func queuedTitles(s Status) []string {
	var out []string
	if s.Current != nil {
		out = append(out, s.Current.Track.Title)
	}
	for _, item := range s.Queued {
		out = append(out, item.Track.Title)
	}
	return out
}

func TestManager_SetupFilters(t *testing.T) {
	f := newFixture(t)

	var names []string
	for _, filt := range f.manager.filterChain.Filters() {
		names = append(names, filt.Name())
	}
	assert.Equal(t, []string{"blocked_user_filter", "duplicate_track_filter"}, names)
}

func TestManager_Play(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.manager.Play(ctx, requester(testUser), "  https://youtube.com/watch/abc  ")
	require.NoError(t, err)
	assert.Equal(t, "abc", result.Item.Track.Title)
	assert.Equal(t, testChannel, result.Item.ChannelID)
	assert.Equal(t, track.RequesterTypeUser, result.Item.RequesterType)
	assert.True(t, result.Item.Priority)
	assert.NotEmpty(t, result.Item.ID)
	assert.Equal(t, []string{"https://youtube.com/watch/abc"}, f.resolver.byURL)

	_, err = f.manager.Play(ctx, requester(testUser), "never gonna give you up")
	require.NoError(t, err)
	assert.Equal(t, []string{"never gonna give you up"}, f.resolver.byQuery)

	assert.Eventually(t, func() bool {
		s := f.manager.Status(testGuild)
		return s.State == playback.StatePlaying && s.Connected
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"abc", "never gonna give you up"}, queuedTitles(f.manager.Status(testGuild)))
}

func TestManager_Play_NotInVoice(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Play(context.Background(), requester(999), "song")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrNotInDestination))
	assert.Empty(t, f.resolver.byQuery)
	assert.Equal(t, "not_in_destination", Code(err))
}

func TestManager_Play_LeftDuringResolve(t *testing.T) {
	f := newFixture(t)
	f.resolver.onDone = func() { f.voice.leave(testUser) }

	_, err := f.manager.Play(context.Background(), requester(testUser), "song")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrNotInDestination))
	assert.NoFileExists(t, filepath.Join(f.resolver.dir, "song.wav"))
}

func TestManager_Play_ResolveError(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = errors.Wrap(fault.ErrSearchFailed, "no candidates")

	_, err := f.manager.Play(context.Background(), requester(testUser), "song")
	require.Error(t, err)
	assert.Equal(t, "search_failed", Code(err))
}

func TestManager_Play_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		user     snowflake.ID
		setup    func(f *fixture)
		expected string
	}{
		{
			name:     "blocked user",
			user:     blockedUser,
			expected: "blocked_user",
		},
		{
			name: "duplicate",
			user: testUser,
			setup: func(f *fixture) {
				_, err := f.manager.Play(context.Background(), requester(testUser), "song")
				require.NoError(t, err)
			},
			expected: "duplicate_track",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}

			_, err := f.manager.Play(context.Background(), requester(tt.user), "song")
			require.Error(t, err)

			var rejected *RejectedError
			require.True(t, errors.As(err, &rejected))
			assert.Equal(t, tt.expected, rejected.Code)
			assert.Equal(t, tt.expected, Code(err))
		})
	}
}

func TestManager_PlaylistConfirm(t *testing.T) {
	f := newFixture(t)
	f.playlists.items = []string{"one", "two", "three"}
	ctx := context.Background()

	id, pl, err := f.manager.PreparePlaylist(ctx, requester(testUser), "https://youtube.com/playlist?list=x", 0, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, "Mix", pl.Title)
	assert.Equal(t, 3, pl.Len())
	assert.Equal(t, 25, f.playlists.maxItems)

	summary, err := f.manager.ConfirmPlaylist(ctx, id, testUser)
	require.NoError(t, err)
	assert.Equal(t, fanout.Summary{Total: 3, Delivered: 3}, summary)

	require.Eventually(t, func() bool {
		s := f.manager.Status(testGuild)
		return s.Current != nil && s.Current.Track.Title == "one"
	}, time.Second, 10*time.Millisecond)

	// A user request jumps ahead of playlist items
	result, err := f.manager.Play(ctx, requester(testUser), "urgent")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Position)

	s := f.manager.Status(testGuild)
	assert.Equal(t, []string{"one", "urgent", "two", "three"}, queuedTitles(s))
	for _, item := range s.Queued {
		if item.Track.Title != "urgent" {
			assert.Equal(t, track.RequesterTypePlaylist, item.RequesterType)
		}
	}

	// Confirmations are single use
	_, err = f.manager.ConfirmPlaylist(ctx, id, testUser)
	assert.ErrorIs(t, err, ErrPlaylistExpired)
}

func TestManager_PlaylistLimit(t *testing.T) {
	f := newFixture(t)
	f.playlists.items = []string{"one", "two", "three"}

	_, pl, err := f.manager.PreparePlaylist(context.Background(), requester(testUser), "https://youtube.com/playlist?list=x", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, f.playlists.maxItems)
	assert.Equal(t, 2, pl.Len())
}

func TestManager_PlaylistFetchErrors(t *testing.T) {
	tests := []struct {
		name     string
		items    []string
		fetchErr error
		wantErr  bool
		wantLen  int
	}{
		{
			name:     "partial result kept",
			items:    []string{"one"},
			fetchErr: errors.Wrap(fault.ErrPlaylistFetchFailed, "page 2"),
			wantLen:  1,
		},
		{
			name:     "nothing fetched",
			fetchErr: errors.Wrap(fault.ErrPlaylistFetchFailed, "page 1"),
			wantErr:  true,
		},
		{
			name:    "empty playlist",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.playlists.items = tt.items
			f.playlists.fetchErr = tt.fetchErr

			_, pl, err := f.manager.PreparePlaylist(context.Background(), requester(testUser), "https://youtube.com/playlist?list=x", 0, 0)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, "playlist_fetch_failed", Code(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLen, pl.Len())
		})
	}
}

func TestManager_PlaylistConfirmation_Ownership(t *testing.T) {
	f := newFixture(t)
	f.playlists.items = []string{"one"}
	ctx := context.Background()

	id, _, err := f.manager.PreparePlaylist(ctx, requester(testUser), "https://youtube.com/playlist?list=x", 0, 0)
	require.NoError(t, err)

	_, err = f.manager.ConfirmPlaylist(ctx, id, 12345)
	assert.ErrorIs(t, err, ErrNotRequester)

	// Still pending for the owner
	require.NoError(t, f.manager.CancelPlaylist(id, testUser))
	assert.ErrorIs(t, f.manager.CancelPlaylist(id, testUser), ErrPlaylistExpired)
}

func TestManager_CheckPending(t *testing.T) {
	f := newFixture(t)
	f.playlists.items = []string{"one"}
	ctx := context.Background()

	now := time.Now()
	f.manager.now = func() time.Time { return now }

	id, _, err := f.manager.PreparePlaylist(ctx, requester(testUser), "https://youtube.com/playlist?list=x", 0, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, f.manager.CheckPending(id, 12345), ErrNotRequester)
	assert.NoError(t, f.manager.CheckPending(id, testUser))
	// Checking never consumes the confirmation
	assert.NoError(t, f.manager.CheckPending(id, testUser))
	assert.ErrorIs(t, f.manager.CheckPending("unknown", testUser), ErrPlaylistExpired)

	now = now.Add(DefaultConfirmTTL + time.Second)
	assert.ErrorIs(t, f.manager.CheckPending(id, testUser), ErrPlaylistExpired)
	_, err = f.manager.ConfirmPlaylist(ctx, id, testUser)
	assert.ErrorIs(t, err, ErrPlaylistExpired)
}

func TestManager_PlaylistConfirmation_Expires(t *testing.T) {
	f := newFixture(t)
	f.playlists.items = []string{"one"}
	ctx := context.Background()

	now := time.Now()
	f.manager.now = func() time.Time { return now }

	id, _, err := f.manager.PreparePlaylist(ctx, requester(testUser), "https://youtube.com/playlist?list=x", 0, 0)
	require.NoError(t, err)

	now = now.Add(DefaultConfirmTTL + time.Second)
	_, err = f.manager.ConfirmPlaylist(ctx, id, testUser)
	assert.ErrorIs(t, err, ErrPlaylistExpired)
	assert.Equal(t, "playlist_expired", Code(err))
}

func TestManager_PlaylistUserLeft(t *testing.T) {
	f := newFixture(t)
	f.playlists.items = []string{"one"}
	ctx := context.Background()

	id, _, err := f.manager.PreparePlaylist(ctx, requester(testUser), "https://youtube.com/playlist?list=x", 0, 0)
	require.NoError(t, err)

	f.voice.leave(testUser)
	_, err = f.manager.ConfirmPlaylist(ctx, id, testUser)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrNotInDestination))
}

func TestManager_ControlsUnknownGuild(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.manager.Skip(1), playback.ErrNoTrack)
	_, err := f.manager.SkipAll(1)
	assert.ErrorIs(t, err, playback.ErrNoTrack)
	assert.ErrorIs(t, f.manager.Pause(1), playback.ErrNotPlaying)
	assert.ErrorIs(t, f.manager.Resume(1), playback.ErrNotPaused)
	assert.ErrorIs(t, f.manager.Disconnect(context.Background(), 1), playback.ErrNotConnected)

	s := f.manager.Status(1)
	assert.Equal(t, playback.StateStopped, s.State)
	assert.Nil(t, s.Current)
	assert.Empty(t, s.Queued)
	assert.False(t, s.Connected)
}

func TestManager_Controls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Play(ctx, requester(testUser), "a")
	require.NoError(t, err)
	_, err = f.manager.Play(ctx, requester(testUser), "b")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.manager.Status(testGuild).State == playback.StatePlaying
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, f.manager.Pause(testGuild))
	assert.Equal(t, playback.StatePaused, f.manager.Status(testGuild).State)
	require.NoError(t, f.manager.Resume(testGuild))

	n, err := f.manager.SkipAll(testGuild)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.manager.Disconnect(ctx, testGuild))
	assert.False(t, f.manager.Status(testGuild).Connected)
	assert.Equal(t, []snowflake.ID{testGuild}, f.manager.Guilds())
}

func TestManager_RecordsHistoryAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	notified := make(chan string, 10)
	f.manager.Notifications().Subscribe(notification.StreamFunc(func(n *notification.Notification) error {
		if n.Type == playback.EventTrackStarted && n.Item != nil {
			notified <- n.Item.Track.Title
		}
		return nil
	}))

	_, err := f.manager.Play(ctx, requester(testUser), "a")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(f.history.titles()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a"}, f.history.titles())

	select {
	case title := <-notified:
		assert.Equal(t, "a", title)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	entries, err := f.manager.History(ctx, testGuild)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, testGuild, entries[0].GuildID)
	assert.Equal(t, testUser, entries[0].RequesterID)
	assert.Equal(t, "alice", entries[0].Requester)
}

func TestCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: ""},
		{name: "rejected", err: &RejectedError{Code: "user_pending"}, expected: "user_pending"},
		{name: "no track", err: playback.ErrNoTrack, expected: "nothing_playing"},
		{name: "not playing", err: playback.ErrNotPlaying, expected: "nothing_playing"},
		{name: "not paused", err: playback.ErrNotPaused, expected: "not_paused"},
		{name: "not connected", err: playback.ErrNotConnected, expected: "not_connected"},
		{name: "expired", err: ErrPlaylistExpired, expected: "playlist_expired"},
		{name: "fault", err: errors.Wrap(fault.ErrLiveContent, "live"), expected: "live_content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Code(tt.err))
		})
	}
}
