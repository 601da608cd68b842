// Package youtube searches, inspects, lists and downloads from the video platform
// through ytsearch, ytmusic and yt-dlp.
package youtube

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/osa030/vcbox/internal/domain/playlist"
	"github.com/osa030/vcbox/internal/domain/track"
)

const (
	// WatchURL is the canonical video URL prefix.
	WatchURL = "https://www.youtube.com/watch?v="

	defaultMaxCandidates = 50

	metadataTemplate = "%(id)s\t%(title)s\t%(duration)s\t%(upload_date)s\t%(is_live)s"
	playlistTemplate = "%(id)s\t%(title)s\t%(uploader)s"
	titleTemplate    = "%(playlist_title)s"
	unknownField     = "NA"
)

// ErrNoMetadata is returned when yt-dlp printed nothing usable.
var ErrNoMetadata = errors.New("no metadata returned")

// Video is the metadata of one video.
type Video struct {
	ID          string
	URL         string
	Title       string
	Duration    time.Duration
	PublishedAt time.Time // zero when unknown
	Live        bool
}

// Config represents client configuration.
type Config struct {
	MaxCandidates  int     // Upper bound on search ids
	RequestsPerSec float64 // Pacing of remote calls (0 disables)
	Burst          int
}

// searchFunc returns video ids for a query.
type searchFunc func(ctx context.Context, query string, limit int) ([]string, error)

// runFunc executes a prepared yt-dlp command and returns its stdout.
type runFunc func(ctx context.Context, cmd *ytdlp.Command, args ...string) (string, error)

// Client talks to the video platform.
type Client struct {
	limiter       *rate.Limiter
	maxCandidates int
	searchers     []searchFunc
	run           runFunc
}

// New creates a new client.
func New(cfg Config) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxCandidates := cfg.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = defaultMaxCandidates
	}

	c := &Client{
		limiter:       rate.NewLimiter(limit, burst),
		maxCandidates: maxCandidates,
		run:           runYtdlp,
	}
	c.searchers = []searchFunc{searchYouTube, searchMusic, c.searchYtdlp}
	return c
}

// newYtdlp returns the base command shared by every call.
func newYtdlp() *ytdlp.Command {
	return ytdlp.New().
		Quiet().
		NoWarnings().
		IgnoreConfig()
}

func runYtdlp(ctx context.Context, cmd *ytdlp.Command, args ...string) (string, error) {
	res, err := cmd.Run(ctx, args...)
	if res == nil {
		return "", err
	}
	if err != nil {
		return res.Stdout, errors.Wrapf(err, "yt-dlp: %s", strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// Search returns up to MaxCandidates unique video ids for query. Sources are
// consulted in order until enough ids are collected.
func (c *Client) Search(ctx context.Context, query string) ([]string, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("search query is required")
	}

	seen := make(map[string]bool)
	var ids []string
	var lastErr error
	for _, search := range c.searchers {
		if len(ids) >= c.maxCandidates {
			break
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return ids, errors.Wrap(err, "failed to wait for rate limiter")
		}
		found, err := search(ctx, query, c.maxCandidates-len(ids))
		if err != nil {
			zlog.Debug().Msgf("youtube: search source failed: query=%s, err=%v", query, err)
			lastErr = err
			continue
		}
		for _, id := range found {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
			if len(ids) >= c.maxCandidates {
				break
			}
		}
	}

	if len(ids) == 0 && lastErr != nil {
		return nil, errors.Wrap(lastErr, "failed to search")
	}
	return ids, nil
}

func searchYouTube(ctx context.Context, query string, limit int) ([]string, error) {
	r, err := ytsearch.NewClient(nil).Search(ctx, query)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(r.Results))
	for _, v := range r.Results {
		ids = append(ids, v.VideoID)
	}
	return ids, nil
}

func searchMusic(ctx context.Context, query string, limit int) ([]string, error) {
	r, err := ytmusic.TrackSearch(query).Next()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(r.Tracks))
	for _, v := range r.Tracks {
		ids = append(ids, v.VideoID)
	}
	return ids, nil
}

func (c *Client) searchYtdlp(ctx context.Context, query string, limit int) ([]string, error) {
	out, err := c.run(ctx,
		newYtdlp().FlatPlaylist().Print("%(id)s"),
		fmt.Sprintf("ytsearch%d:%s", limit, query),
	)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// Videos fetches metadata for every id in a single yt-dlp call. Ids that fail
// are dropped. Order follows yt-dlp output, which follows the input order.
func (c *Client) Videos(ctx context.Context, ids []string) ([]Video, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	urls := make([]string, len(ids))
	for i, id := range ids {
		urls[i] = WatchURL + id
	}
	return c.metadata(ctx, urls)
}

// Video fetches metadata for a single URL.
func (c *Client) Video(ctx context.Context, url string) (*Video, error) {
	videos, err := c.metadata(ctx, []string{url})
	if err != nil {
		return nil, err
	}
	return &videos[0], nil
}

func (c *Client) metadata(ctx context.Context, urls []string) ([]Video, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to wait for rate limiter")
	}

	args := append([]string{"--skip-download", "--ignore-errors"}, urls...)
	out, err := c.run(ctx, newYtdlp().NoPlaylist().Print(metadataTemplate), args...)

	videos := parseVideos(out)
	if len(videos) == 0 {
		if err != nil {
			return nil, errors.Wrap(err, "failed to fetch metadata")
		}
		return nil, ErrNoMetadata
	}
	if err != nil {
		zlog.Debug().Msgf("youtube: partial metadata: requested=%d, got=%d, err=%v", len(urls), len(videos), err)
	}
	return videos, nil
}

// ListTitle returns the playlist title.
func (c *Client) ListTitle(ctx context.Context, _ track.MediaKind, url string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", errors.Wrap(err, "failed to wait for rate limiter")
	}
	out, err := c.run(ctx,
		newYtdlp().FlatPlaylist().Print(titleTemplate).PlaylistItems("1"),
		url, "--yes-playlist",
	)
	if err != nil {
		return "", errors.Wrap(err, "failed to get playlist title")
	}
	lines := splitLines(out)
	if len(lines) == 0 || lines[0] == unknownField {
		return "", ErrNoMetadata
	}
	return lines[0], nil
}

// ListPage returns up to limit playlist entries starting at offset.
func (c *Client) ListPage(ctx context.Context, _ track.MediaKind, url string, offset, limit int) ([]playlist.Item, bool, error) {
	if limit <= 0 {
		return nil, false, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, errors.Wrap(err, "failed to wait for rate limiter")
	}
	out, err := c.run(ctx,
		newYtdlp().FlatPlaylist().Print(playlistTemplate).PlaylistItems(fmt.Sprintf("%d-%d", offset+1, offset+limit)),
		url, "--yes-playlist",
	)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to list playlist")
	}
	items := parsePlaylist(out)
	return items, len(items) == limit, nil
}

// Download writes the best audio stream of url to path.
func (c *Client) Download(ctx context.Context, url, path string) error {
	_, err := c.run(ctx,
		newYtdlp().
			Format("bestaudio[ext=m4a]/bestaudio/best").
			NoPlaylist().
			NoPart().
			Output(path),
		url,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to download %s", url)
	}
	return nil
}

func parseVideos(out string) []Video {
	var videos []Video
	for _, l := range splitLines(out) {
		ps := strings.Split(l, "\t")
		if len(ps) < 5 || ps[0] == "" || ps[0] == unknownField {
			continue
		}
		n := len(ps)
		v := Video{
			ID:    ps[0],
			URL:   WatchURL + ps[0],
			Title: strings.Join(ps[1:n-3], "\t"),
			Live:  ps[n-1] == "True",
		}
		if secs, err := strconv.ParseFloat(ps[n-3], 64); err == nil {
			v.Duration = time.Duration(secs * float64(time.Second))
		}
		if d, err := time.Parse("20060102", ps[n-2]); err == nil {
			v.PublishedAt = d
		}
		videos = append(videos, v)
	}
	return videos
}

func parsePlaylist(out string) []playlist.Item {
	var items []playlist.Item
	for _, l := range splitLines(out) {
		ps := strings.Split(l, "\t")
		if len(ps) < 2 || ps[0] == "" || ps[0] == unknownField {
			continue
		}
		items = append(items, playlist.Item{
			URL:   WatchURL + ps[0],
			Title: ps[1],
		})
	}
	return items
}

func splitLines(out string) []string {
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(out), "\n") {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
