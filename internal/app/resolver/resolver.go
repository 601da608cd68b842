// Package resolver turns URLs and free-text queries into downloaded, playable tracks.
package resolver

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/vcbox/internal/app/link"
	"github.com/osa030/vcbox/internal/app/scoring"
	"github.com/osa030/vcbox/internal/app/worker"
	"github.com/osa030/vcbox/internal/domain/fault"
	"github.com/osa030/vcbox/internal/domain/track"
	"github.com/osa030/vcbox/internal/infra/spotify"
	"github.com/osa030/vcbox/internal/infra/youtube"
)

const (
	// DefaultNormalizeMax is the longest track that gets loudness normalization.
	DefaultNormalizeMax = 900 * time.Second

	downloadExtension = ".m4a"
)

// VideoPlatform searches, inspects and downloads videos.
type VideoPlatform interface {
	Search(ctx context.Context, query string) ([]string, error)
	Videos(ctx context.Context, ids []string) ([]youtube.Video, error)
	Video(ctx context.Context, url string) (*youtube.Video, error)
	Download(ctx context.Context, url, path string) error
}

// TrackPlatform provides metadata for track-platform URLs.
type TrackPlatform interface {
	GetTrack(ctx context.Context, ref string) (*spotify.Track, error)
}

// Normalizer rewrites a downloaded file to the target loudness and returns the new path.
type Normalizer interface {
	Normalize(ctx context.Context, src string) (string, error)
}

// Options tunes a single resolution.
type Options struct {
	SkipNormalize bool
}

// Config represents resolver configuration.
type Config struct {
	OutputDir    string
	NormalizeMax time.Duration
}

// Resolver resolves and downloads tracks.
type Resolver struct {
	video        VideoPlatform
	tracks       TrackPlatform
	normalizer   Normalizer
	pool         *worker.Pool
	scorer       *scoring.Scorer
	outputDir    string
	normalizeMax time.Duration
}

// New creates a new resolver. tracks may be nil when no track platform is configured.
func New(cfg Config, video VideoPlatform, tracks TrackPlatform, normalizer Normalizer, pool *worker.Pool, scorer *scoring.Scorer) *Resolver {
	normalizeMax := cfg.NormalizeMax
	if normalizeMax <= 0 {
		normalizeMax = DefaultNormalizeMax
	}
	if scorer == nil {
		scorer = scoring.New()
	}
	return &Resolver{
		video:        video,
		tracks:       tracks,
		normalizer:   normalizer,
		pool:         pool,
		scorer:       scorer,
		outputDir:    cfg.OutputDir,
		normalizeMax: normalizeMax,
	}
}

// ResolveByURL resolves a song URL. Track-platform URLs are turned into a
// search query; video-platform URLs are downloaded directly.
func (r *Resolver) ResolveByURL(ctx context.Context, rawURL string, opts Options) (track.TrackRequest, error) {
	l, err := link.Parse(rawURL)
	if err != nil {
		return track.TrackRequest{}, err
	}
	l, err = l.Require(track.KindSong)
	if err != nil {
		return track.TrackRequest{}, err
	}

	return r.run(ctx, func(ctx context.Context) (track.TrackRequest, error) {
		if l.Source == track.SourceSpotify {
			return r.resolveTrackPlatform(ctx, l, opts)
		}
		return r.resolveVideo(ctx, l, opts)
	})
}

// ResolveByQuery searches the video platform, picks the best scoring candidate and downloads it.
func (r *Resolver) ResolveByQuery(ctx context.Context, query string, opts Options) (track.TrackRequest, error) {
	return r.run(ctx, func(ctx context.Context) (track.TrackRequest, error) {
		best, err := r.search(ctx, query)
		if err != nil {
			return track.TrackRequest{}, err
		}
		b := track.NewBuilder(track.SourceYouTube).Score(best.Score)
		return r.download(ctx, b, best.Candidate, opts)
	})
}

// run holds one pool slot for a whole resolution: search, metadata and download.
// Errors from fn are returned as they are; only a failure to get or keep the slot is
// reported as ErrDownloadFailed.
func (r *Resolver) run(ctx context.Context, fn func(ctx context.Context) (track.TrackRequest, error)) (track.TrackRequest, error) {
	var (
		result track.TrackRequest
		fnErr  error
	)
	err := r.pool.Run(ctx, func(ctx context.Context) error {
		result, fnErr = fn(ctx)
		return fnErr
	})
	if fnErr != nil {
		return track.TrackRequest{}, fnErr
	}
	if err != nil {
		return track.TrackRequest{}, fault.Wrap(err, fault.ErrDownloadFailed, "resolution aborted")
	}
	return result, nil
}

func (r *Resolver) resolveTrackPlatform(ctx context.Context, l link.Link, opts Options) (track.TrackRequest, error) {
	if r.tracks == nil {
		return track.TrackRequest{}, errors.Wrap(fault.ErrInvalidURL, "track platform is not configured")
	}
	t, err := r.tracks.GetTrack(ctx, l.URL)
	if err != nil {
		// Platform failures keep their own cause; they are not a lack of results
		return track.TrackRequest{}, errors.Wrap(err, "failed to fetch track metadata")
	}

	query := t.Query()
	zlog.Debug().Msgf("resolver: track platform query: url=%s, query=%s", l.URL, query)

	best, err := r.search(ctx, query)
	if err != nil {
		return track.TrackRequest{}, err
	}
	b := track.NewBuilder(track.SourceSpotify).RequestedURL(l.URL).Score(best.Score)
	return r.download(ctx, b, best.Candidate, opts)
}

func (r *Resolver) resolveVideo(ctx context.Context, l link.Link, opts Options) (track.TrackRequest, error) {
	v, err := r.video.Video(ctx, l.URL)
	if err != nil {
		return track.TrackRequest{}, fault.Wrap(err, fault.ErrDownloadFailed, "failed to fetch video metadata")
	}
	if v.Live {
		return track.TrackRequest{}, errors.Wrapf(fault.ErrLiveContent, "video %s is live", v.ID)
	}
	if v.Duration <= 0 {
		return track.TrackRequest{}, errors.Wrapf(fault.ErrDownloadFailed, "video %s has no duration", v.ID)
	}

	b := track.NewBuilder(track.SourceYouTube).RequestedURL(l.URL)
	return r.download(ctx, b, toCandidate(*v), opts)
}

// search returns the best scoring candidate for query.
func (r *Resolver) search(ctx context.Context, query string) (scoring.Scored, error) {
	ids, err := r.video.Search(ctx, query)
	if err != nil {
		return scoring.Scored{}, fault.Wrap(err, fault.ErrSearchFailed, "failed to search")
	}
	if len(ids) == 0 {
		return scoring.Scored{}, errors.Wrapf(fault.ErrSearchFailed, "no results for %q", query)
	}

	videos, err := r.video.Videos(ctx, ids)
	if err != nil {
		return scoring.Scored{}, fault.Wrap(err, fault.ErrSearchFailed, "failed to fetch candidate metadata")
	}

	candidates := make([]scoring.Candidate, 0, len(videos))
	for _, v := range videos {
		if v.Duration <= 0 {
			continue
		}
		candidates = append(candidates, toCandidate(v))
	}

	ranked := r.scorer.Rank(candidates, query)
	if len(ranked) == 0 {
		return scoring.Scored{}, errors.Wrapf(fault.ErrSearchFailed, "no playable candidates for %q", query)
	}

	best := ranked[0]
	zlog.Debug().Msgf("resolver: picked candidate: query=%s, id=%s, title=%s, score=%.3f, candidates=%d",
		query, best.ID, best.Title, best.Score, len(ranked))
	return best, nil
}

// download fetches the candidate and normalizes it when short enough.
// It runs inside the slot taken by run.
func (r *Resolver) download(ctx context.Context, b *track.Builder, c scoring.Candidate, opts Options) (track.TrackRequest, error) {
	b.SourceURL(c.URL).Title(c.Title).Duration(c.Duration).PublishedAt(c.PublishedAt)

	path, err := r.newFilePath()
	if err != nil {
		return track.TrackRequest{}, fault.Wrap(err, fault.ErrDownloadFailed, "failed to allocate file")
	}

	if err := r.video.Download(ctx, c.URL, path); err != nil {
		_ = os.Remove(path)
		return track.TrackRequest{}, fault.Wrap(err, fault.ErrDownloadFailed, "failed to download")
	}

	normalized := false
	if !opts.SkipNormalize && c.Duration <= r.normalizeMax {
		out, err := r.normalizer.Normalize(ctx, path)
		if err != nil {
			zlog.Warn().Msgf("resolver: normalization failed, keeping download: path=%s, err=%v", path, err)
			return track.TrackRequest{}, fault.Wrap(err, fault.ErrAudioProcessing, "failed to normalize")
		}
		path = out
		normalized = true
	}

	result, err := b.File(path, normalized).Build()
	if err != nil {
		_ = os.Remove(path)
		return track.TrackRequest{}, fault.Wrap(err, fault.ErrDownloadFailed, "failed to build track")
	}

	zlog.Info().Msgf("resolver: downloaded: title=%s, path=%s, normalized=%v", result.Title, result.FilePath, result.Normalized)
	return result, nil
}

// newFilePath returns <output_dir>/<uuid>.m4a, regenerating the id until unused.
func (r *Resolver) newFilePath() (string, error) {
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create output directory")
	}
	for {
		id := uuid.NewString()
		path := filepath.Join(r.outputDir, id+downloadExtension)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		} else if err != nil {
			return "", errors.Wrap(err, "failed to stat output file")
		}
	}
}

func toCandidate(v youtube.Video) scoring.Candidate {
	return scoring.Candidate{
		ID:          v.ID,
		URL:         v.URL,
		Title:       v.Title,
		Duration:    v.Duration,
		PublishedAt: v.PublishedAt,
		Live:        v.Live,
	}
}
