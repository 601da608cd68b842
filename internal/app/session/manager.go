// Package session ties resolution, admission filters and per-guild playback together
// for the command front end.
package session

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/vcbox/internal/app/fanout"
	"github.com/osa030/vcbox/internal/app/filter"
	"github.com/osa030/vcbox/internal/app/notification"
	"github.com/osa030/vcbox/internal/app/playback"
	"github.com/osa030/vcbox/internal/app/resolver"
	"github.com/osa030/vcbox/internal/app/session/registry"
	"github.com/osa030/vcbox/internal/domain/fault"
	"github.com/osa030/vcbox/internal/domain/listener"
	"github.com/osa030/vcbox/internal/domain/playlist"
	"github.com/osa030/vcbox/internal/domain/track"
	"github.com/osa030/vcbox/internal/infra/config"
	"github.com/osa030/vcbox/internal/infra/store"
)

var (
	ErrPlaylistExpired = errors.New("playlist confirmation expired")
	ErrNotRequester    = errors.New("playlist confirmation belongs to another user")
)

// DefaultConfirmTTL is how long a playlist confirmation stays valid.
const DefaultConfirmTTL = 5 * time.Minute

// RejectedError is returned when an admission filter rejects a track.
type RejectedError struct {
	Filter string
	Code   string
}

func (e *RejectedError) Error() string {
	return "rejected by " + e.Filter + ": " + e.Code
}

// Requester identifies who issued a command and where.
type Requester struct {
	GuildID       snowflake.ID
	UserID        snowflake.ID
	TextChannelID snowflake.ID
	DisplayName   string
}

func (r Requester) listener() listener.Listener {
	return listener.New(r.GuildID, r.UserID, r.DisplayName)
}

// Resolver turns user input into a downloaded track.
type Resolver interface {
	ResolveByURL(ctx context.Context, url string, opts resolver.Options) (track.TrackRequest, error)
	ResolveByQuery(ctx context.Context, query string, opts resolver.Options) (track.TrackRequest, error)
}

// Playlists expands playlist and album links.
type Playlists interface {
	Prepare(rawURL string) (*playlist.PlaylistRequest, error)
	FetchItems(ctx context.Context, req *playlist.PlaylistRequest, maxItems, offset int) error
	DownloadAll(ctx context.Context, req playlist.PlaylistRequest, eligible func() error, deliver func(track.TrackRequest) error) (fanout.Summary, error)
}

// VoiceStates reports which voice channel a member is in.
type VoiceStates interface {
	VoiceChannel(guildID, userID snowflake.ID) (snowflake.ID, bool)
}

// History records and lists started tracks.
type History interface {
	Record(ctx context.Context, e store.Entry) (int64, error)
	Recent(ctx context.Context, guildID snowflake.ID, limit int) ([]store.Entry, error)
}

// PlayResult describes an admitted track.
type PlayResult struct {
	Item     track.QueueItem
	Position int // 0 is next
}

// Status is a snapshot of a guild's playback.
type Status struct {
	State     playback.State
	Current   *track.QueueItem
	Queued    []track.QueueItem
	ChannelID snowflake.ID
	Connected bool
}

type pendingPlaylist struct {
	requester Requester
	request   playlist.PlaylistRequest
	expiresAt time.Time
}

// Manager serves the front end's commands.
type Manager struct {
	mu sync.Mutex

	// Configuration
	config *config.Config

	// Components
	controllers  *registry.Controllers
	resolver     Resolver
	playlists    Playlists
	voice        VoiceStates
	history      History
	filterChain  *filter.Chain
	notification *notification.Manager

	// Playlist confirmations by id
	pending    map[string]*pendingPlaylist
	confirmTTL time.Duration

	now func() time.Time
}

// NewManager creates a session manager. factory builds each guild's controller on first use.
// history may be nil.
func NewManager(
	cfg *config.Config,
	factory registry.Factory,
	r Resolver,
	playlists Playlists,
	voice VoiceStates,
	history History,
) *Manager {
	m := &Manager{
		config:       cfg,
		resolver:     r,
		playlists:    playlists,
		voice:        voice,
		history:      history,
		filterChain:  filter.NewChain(),
		notification: notification.NewManager(),
		pending:      make(map[string]*pendingPlaylist),
		confirmTTL:   DefaultConfirmTTL,
		now:          time.Now,
	}
	m.controllers = registry.NewControllers(factory, m.handlePlaybackEvent)

	m.setupFilters()
	return m
}

// setupFilters initializes the filter chain.
func (m *Manager) setupFilters() {
	cfg := m.config

	candidates := []filter.Filter{
		filter.NewBlockedUserFilter(),
		filter.NewUserPendingFilter(m.controllers),
		filter.NewDuplicateTrackFilter(m.controllers),
		filter.NewDurationLimitFilter(),
	}
	for _, f := range candidates {
		if !cfg.IsFilterEnabled(f.Name()) {
			continue
		}
		if err := f.ValidateConfig(cfg.FilterSettings(f.Name())); err != nil {
			zlog.Error().Msgf("failed to validate %s config: %v", f.Name(), err)
			continue
		}
		m.filterChain.Add(f)
		zlog.Info().Msgf("filter enabled: name=%s", f.Name())
	}
}

// Play resolves input (a URL or free-text query) and enqueues it with high priority in the
// requester's voice channel.
func (m *Manager) Play(ctx context.Context, req Requester, input string) (PlayResult, error) {
	if _, ok := m.voice.VoiceChannel(req.GuildID, req.UserID); !ok {
		return PlayResult{}, errors.WithStack(fault.ErrNotInDestination)
	}

	input = strings.TrimSpace(input)
	var (
		t   track.TrackRequest
		err error
	)
	if isURL(input) {
		t, err = m.resolver.ResolveByURL(ctx, input, resolver.Options{})
	} else {
		t, err = m.resolver.ResolveByQuery(ctx, input, resolver.Options{})
	}
	if err != nil {
		zlog.Warn().Msgf("session: resolve failed: guild=%v, user=%v, input=%q, code=%s, err=%v",
			req.GuildID, req.UserID, input, fault.Code(err), err)
		return PlayResult{}, err
	}

	result, err := m.admit(ctx, req, t, track.RequesterTypeUser, true)
	if err != nil {
		removeFile(t.FilePath)
		return PlayResult{}, err
	}

	zlog.Info().Msgf("track request: guild=%v, listener=%s, title=%s, position=%d",
		req.GuildID, req.DisplayName, t.Title, result.Position)
	return result, nil
}

// admit checks eligibility and filters, then enqueues t. The caller owns t's file on error.
func (m *Manager) admit(ctx context.Context, req Requester, t track.TrackRequest, rt track.RequesterType, priority bool) (PlayResult, error) {
	// The requester may have left while the track was downloading
	channelID, ok := m.voice.VoiceChannel(req.GuildID, req.UserID)
	if !ok {
		return PlayResult{}, errors.Wrapf(fault.ErrNotInDestination, "user %v left voice", req.UserID)
	}

	result := m.filterChain.Execute(ctx, filter.Request{
		GuildID:       req.GuildID,
		Listener:      req.listener(),
		Track:         t,
		RequesterType: rt,
	})
	if !result.Accepted {
		return PlayResult{}, &RejectedError{Filter: result.Filter, Code: result.Code}
	}

	c, err := m.controllers.Get(req.GuildID)
	if err != nil {
		return PlayResult{}, err
	}

	item := track.QueueItem{
		ID:            uuid.NewString(),
		Track:         t,
		ChannelID:     channelID,
		TextChannelID: req.TextChannelID,
		AddedBy:       req.listener(),
		RequesterType: rt,
		AddedAt:       m.now(),
	}
	pos, err := c.Enqueue(item, priority)
	if err != nil {
		return PlayResult{}, errors.Wrap(err, "failed to enqueue")
	}
	item.Priority = priority
	return PlayResult{Item: item, Position: pos}, nil
}

// PreparePlaylist fetches a playlist's items and holds them for confirmation.
// limit <= 0 or above the configured maximum uses the maximum. It returns the confirmation id.
func (m *Manager) PreparePlaylist(ctx context.Context, req Requester, rawURL string, limit, offset int) (string, playlist.PlaylistRequest, error) {
	if _, ok := m.voice.VoiceChannel(req.GuildID, req.UserID); !ok {
		return "", playlist.PlaylistRequest{}, errors.WithStack(fault.ErrNotInDestination)
	}

	pl, err := m.playlists.Prepare(strings.TrimSpace(rawURL))
	if err != nil {
		return "", playlist.PlaylistRequest{}, err
	}

	maxItems := m.config.Playlist.MaxItems
	if limit > 0 && limit < maxItems {
		maxItems = limit
	}
	if err := m.playlists.FetchItems(ctx, pl, maxItems, offset); err != nil {
		if pl.Len() == 0 {
			return "", playlist.PlaylistRequest{}, err
		}
		zlog.Warn().Msgf("session: playlist partially fetched: url=%s, items=%d, err=%v", pl.SourceURL, pl.Len(), err)
	}
	if pl.Len() == 0 {
		return "", playlist.PlaylistRequest{}, errors.Mark(errors.Newf("playlist %s has no items", pl.SourceURL), fault.ErrPlaylistFetchFailed)
	}

	id := uuid.NewString()
	m.mu.Lock()
	m.sweepLocked()
	m.pending[id] = &pendingPlaylist{
		requester: req,
		request:   *pl,
		expiresAt: m.now().Add(m.confirmTTL),
	}
	m.mu.Unlock()

	zlog.Info().Msgf("session: playlist awaiting confirmation: id=%s, guild=%v, title=%s, items=%d",
		id, req.GuildID, pl.Title, pl.Len())
	return id, *pl, nil
}

// ConfirmPlaylist downloads and enqueues a prepared playlist with low priority.
// Only the user who prepared it may confirm.
func (m *Manager) ConfirmPlaylist(ctx context.Context, id string, userID snowflake.ID) (fanout.Summary, error) {
	p, err := m.takePending(id, userID)
	if err != nil {
		return fanout.Summary{}, err
	}
	req := p.requester

	eligible := func() error {
		if _, ok := m.voice.VoiceChannel(req.GuildID, req.UserID); !ok {
			return errors.WithStack(fault.ErrNotInDestination)
		}
		return nil
	}
	deliver := func(t track.TrackRequest) error {
		_, err := m.admit(ctx, req, t, track.RequesterTypePlaylist, false)
		return err
	}
	return m.playlists.DownloadAll(ctx, p.request, eligible, deliver)
}

// CancelPlaylist drops a prepared playlist.
func (m *Manager) CancelPlaylist(id string, userID snowflake.ID) error {
	_, err := m.takePending(id, userID)
	return err
}

// CheckPending reports whether userID may confirm or cancel the prepared playlist id.
// The confirmation stays pending either way.
func (m *Manager) CheckPending(id string, userID snowflake.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.pendingLocked(id, userID)
	return err
}

func (m *Manager) takePending(id string, userID snowflake.ID) (*pendingPlaylist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.pendingLocked(id, userID)
	if err != nil {
		return nil, err
	}
	delete(m.pending, id)
	return p, nil
}

// pendingLocked looks up a live confirmation owned by userID, dropping it if expired.
// Must be called with lock held.
func (m *Manager) pendingLocked(id string, userID snowflake.ID) (*pendingPlaylist, error) {
	p, ok := m.pending[id]
	if !ok {
		return nil, ErrPlaylistExpired
	}
	if m.now().After(p.expiresAt) {
		delete(m.pending, id)
		return nil, ErrPlaylistExpired
	}
	if p.requester.UserID != userID {
		return nil, ErrNotRequester
	}
	return p, nil
}

// sweepLocked drops expired confirmations.
// Must be called with lock held.
func (m *Manager) sweepLocked() {
	now := m.now()
	for id, p := range m.pending {
		if now.After(p.expiresAt) {
			delete(m.pending, id)
		}
	}
}

// Skip skips the guild's current track.
func (m *Manager) Skip(guildID snowflake.ID) error {
	c, err := m.controllers.Lookup(guildID)
	if err != nil {
		return playback.ErrNoTrack
	}
	return c.Skip()
}

// SkipAll clears the guild's queue and skips the current track.
func (m *Manager) SkipAll(guildID snowflake.ID) (int, error) {
	c, err := m.controllers.Lookup(guildID)
	if err != nil {
		return 0, playback.ErrNoTrack
	}
	return c.SkipAll()
}

// Pause pauses the guild's playback.
func (m *Manager) Pause(guildID snowflake.ID) error {
	c, err := m.controllers.Lookup(guildID)
	if err != nil {
		return playback.ErrNotPlaying
	}
	return c.Pause()
}

// Resume resumes the guild's playback.
func (m *Manager) Resume(guildID snowflake.ID) error {
	c, err := m.controllers.Lookup(guildID)
	if err != nil {
		return playback.ErrNotPaused
	}
	return c.Resume()
}

// Disconnect stops playback, clears the queue and leaves voice.
func (m *Manager) Disconnect(ctx context.Context, guildID snowflake.ID) error {
	c, err := m.controllers.Lookup(guildID)
	if err != nil {
		return playback.ErrNotConnected
	}
	return c.Disconnect(ctx)
}

// Status returns the guild's playback snapshot.
func (m *Manager) Status(guildID snowflake.ID) Status {
	c, err := m.controllers.Lookup(guildID)
	if err != nil {
		return Status{State: playback.StateStopped, Queued: []track.QueueItem{}}
	}

	s := Status{State: c.State(), Queued: c.Queued()}
	if cur, ok := c.Current(); ok {
		s.Current = &cur
	}
	s.ChannelID, s.Connected = c.Channel()
	return s
}

// Guilds returns guilds that have used playback.
func (m *Manager) Guilds() []snowflake.ID {
	return m.controllers.Guilds()
}

// History returns the guild's most recent started tracks.
func (m *Manager) History(ctx context.Context, guildID snowflake.ID) ([]store.Entry, error) {
	if m.history == nil {
		return []store.Entry{}, nil
	}
	return m.history.Recent(ctx, guildID, m.config.Store.HistoryLimit)
}

// Notifications returns the notification manager.
func (m *Manager) Notifications() *notification.Manager {
	return m.notification
}

// Close closes every controller and drops subscribers.
func (m *Manager) Close(ctx context.Context) {
	m.controllers.Close(ctx)
	m.notification.Close()
}

// handlePlaybackEvent handles playback events from every guild.
func (m *Manager) handlePlaybackEvent(event playback.Event) {
	zlog.Debug().Msgf("playback event: guild=%v, type=%s", event.GuildID, event.Type)

	if event.Type == playback.EventTrackStarted && event.Item != nil {
		m.recordHistory(*event.Item)
	}
	m.notification.Broadcast(notification.FromEvent(event))
}

func (m *Manager) recordHistory(item track.QueueItem) {
	if m.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := m.history.Record(ctx, store.Entry{
		GuildID:     item.AddedBy.GuildID,
		Title:       item.Track.Title,
		SourceURL:   item.Track.SourceURL,
		RequesterID: item.AddedBy.ID,
		Requester:   item.AddedBy.Name(),
		StartedAt:   m.now(),
	})
	if err != nil {
		zlog.Error().Msgf("failed to record history: title=%s, err=%v", item.Track.Title, err)
	}
}

// Code maps an error from any Manager method to a message code.
func Code(err error) string {
	var rejected *RejectedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rejected):
		return rejected.Code
	case errors.Is(err, playback.ErrNoTrack), errors.Is(err, playback.ErrNotPlaying):
		return "nothing_playing"
	case errors.Is(err, playback.ErrNotPaused):
		return "not_paused"
	case errors.Is(err, playback.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrPlaylistExpired), errors.Is(err, ErrNotRequester):
		return "playlist_expired"
	default:
		return fault.Code(err)
	}
}

func isURL(input string) bool {
	return strings.Contains(input, "://")
}

func removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		zlog.Warn().Msgf("session: failed to remove file: path=%s, err=%v", path, err)
	}
}
