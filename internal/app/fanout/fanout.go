// Package fanout expands playlists and albums into items and downloads them concurrently.
package fanout

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/vcbox/internal/app/link"
	"github.com/osa030/vcbox/internal/app/resolver"
	"github.com/osa030/vcbox/internal/domain/fault"
	"github.com/osa030/vcbox/internal/domain/playlist"
	"github.com/osa030/vcbox/internal/domain/track"
)

const (
	// DefaultMaxItems is used when FetchItems is given a non-positive limit.
	DefaultMaxItems = 25
	// PageSize is the number of items requested per platform call.
	PageSize = 50
)

// Lister reads the title and pages of a playlist or album.
type Lister interface {
	ListTitle(ctx context.Context, kind track.MediaKind, ref string) (string, error)
	ListPage(ctx context.Context, kind track.MediaKind, ref string, offset, limit int) ([]playlist.Item, bool, error)
}

// Resolver resolves a single item.
type Resolver interface {
	ResolveByURL(ctx context.Context, url string, opts resolver.Options) (track.TrackRequest, error)
	ResolveByQuery(ctx context.Context, query string, opts resolver.Options) (track.TrackRequest, error)
}

// Summary reports the outcome of DownloadAll.
type Summary struct {
	Total     int // Items attempted
	Delivered int // Items accepted by deliver
	Failed    int // Items that could not be resolved or were rejected
	Skipped   int // Items dropped because the requester left voice
}

// Fanout drives playlist expansion.
type Fanout struct {
	resolver Resolver
	listers  map[track.Source]Lister
	pageSize int
}

// New creates a fan-out resolver. A source without a lister cannot be expanded.
func New(r Resolver, listers map[track.Source]Lister) *Fanout {
	return &Fanout{
		resolver: r,
		listers:  listers,
		pageSize: PageSize,
	}
}

// Prepare validates rawURL as a playlist or album and returns an empty request for it.
func (f *Fanout) Prepare(rawURL string) (*playlist.PlaylistRequest, error) {
	l, err := link.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	l, err = l.Require(track.KindPlaylist)
	if err != nil {
		return nil, err
	}
	return playlist.New(l.URL, l.Source, l.Kind), nil
}

// FetchItems fills req with up to maxItems items starting at offset.
// On failure req keeps the items collected so far.
func (f *Fanout) FetchItems(ctx context.Context, req *playlist.PlaylistRequest, maxItems, offset int) error {
	lister, ok := f.listers[req.Source]
	if !ok {
		return errors.Wrapf(fault.ErrPlaylistFetchFailed, "no lister for source %s", req.Source)
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if offset < 0 {
		offset = 0
	}

	if req.Title == "" {
		title, err := lister.ListTitle(ctx, req.Kind, req.SourceURL)
		if err != nil {
			return fault.Wrap(err, fault.ErrPlaylistFetchFailed, "failed to fetch title")
		}
		req.Title = title
	}

	for !req.Full(maxItems) {
		limit := min(f.pageSize, maxItems-req.Len())
		items, more, err := lister.ListPage(ctx, req.Kind, req.SourceURL, offset, limit)
		if err != nil {
			return fault.Wrapf(err, fault.ErrPlaylistFetchFailed, "failed to fetch page at offset %d", offset)
		}
		req.Append(maxItems, items...)
		if !more || len(items) == 0 {
			break
		}
		offset += limit
	}

	zlog.Debug().Msgf("fanout: fetched items: url=%s, title=%s, count=%d", req.SourceURL, req.Title, req.Len())
	return nil
}

type result struct {
	index int
	item  playlist.Item
	track track.TrackRequest
	err   error
}

// DownloadAll resolves every item of req concurrently and calls deliver for each
// success in completion order. eligible is checked once up front; if it fails the
// result is ErrNotInDestination and nothing is downloaded. A deliver error marked
// ErrNotInDestination skips that item only. Any file not accepted by deliver is removed.
func (f *Fanout) DownloadAll(
	ctx context.Context,
	req playlist.PlaylistRequest,
	eligible func() error,
	deliver func(track.TrackRequest) error,
) (Summary, error) {
	if eligible != nil {
		if err := eligible(); err != nil {
			return Summary{}, fault.Wrap(err, fault.ErrNotInDestination, "requester is not eligible")
		}
	}

	summary := Summary{Total: len(req.Items)}
	results := make(chan result, len(req.Items))
	for i, item := range req.Items {
		go func(i int, item playlist.Item) {
			t, err := f.resolveItem(ctx, item)
			results <- result{index: i, item: item, track: t, err: err}
		}(i, item)
	}

	for range req.Items {
		r := <-results
		if r.err != nil {
			summary.Failed++
			zlog.Warn().Msgf("fanout: item failed: index=%d, title=%s, code=%s, err=%v", r.index, r.item.Title, fault.Code(r.err), r.err)
			continue
		}

		err := deliver(r.track)
		switch {
		case err == nil:
			summary.Delivered++
			continue
		case errors.Is(err, fault.ErrNotInDestination):
			summary.Skipped++
			zlog.Info().Msgf("fanout: requester left voice, item skipped: index=%d, title=%s", r.index, r.track.Title)
		default:
			summary.Failed++
			zlog.Info().Msgf("fanout: item not delivered: index=%d, title=%s, err=%v", r.index, r.track.Title, err)
		}
		if rmErr := os.Remove(r.track.FilePath); rmErr != nil && !os.IsNotExist(rmErr) {
			zlog.Warn().Msgf("fanout: failed to remove file: path=%s, err=%v", r.track.FilePath, rmErr)
		}
	}

	zlog.Info().Msgf("fanout: done: url=%s, total=%d, delivered=%d, failed=%d, skipped=%d",
		req.SourceURL, summary.Total, summary.Delivered, summary.Failed, summary.Skipped)
	return summary, nil
}

func (f *Fanout) resolveItem(ctx context.Context, item playlist.Item) (track.TrackRequest, error) {
	if item.HasURL() {
		return f.resolver.ResolveByURL(ctx, item.URL, resolver.Options{})
	}
	return f.resolver.ResolveByQuery(ctx, item.Query(), resolver.Options{})
}
