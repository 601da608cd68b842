// Package link validates and classifies user supplied media URLs.
package link

import (
	"net/url"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/osa030/vcbox/internal/domain/fault"
	"github.com/osa030/vcbox/internal/domain/track"
)

// MaxLength is the longest URL accepted.
const MaxLength = 120

var hosts = map[string]track.Source{
	"youtube.com":       track.SourceYouTube,
	"youtu.be":          track.SourceYouTube,
	"music.youtube.com": track.SourceYouTube,
	"open.spotify.com":  track.SourceSpotify,
}

// Link is a validated URL together with every kind it could refer to.
type Link struct {
	URL    string
	Source track.Source
	Kinds  []track.MediaKind
	// Kind is set by Require to the kind the caller asked for.
	Kind track.MediaKind
}

// NormalizeHost lower-cases host and strips a leading "www.".
func NormalizeHost(host string) string {
	host = strings.ToLower(host)
	return strings.TrimPrefix(host, "www.")
}

// Validate checks scheme, host and length and returns the source family.
func Validate(raw string) (track.Source, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fault.Wrap(err, fault.ErrInvalidURL, "failed to parse url")
	}
	if u.Scheme != "https" {
		return "", errors.Wrapf(fault.ErrInvalidURL, "scheme %q is not https", u.Scheme)
	}
	source, ok := hosts[NormalizeHost(u.Host)]
	if !ok {
		return "", errors.Wrapf(fault.ErrInvalidURL, "host %q is not supported", u.Host)
	}
	if len(raw) > MaxLength {
		return "", errors.Wrapf(fault.ErrInvalidURL, "url is longer than %d characters", MaxLength)
	}
	return source, nil
}

// Classify returns the kinds raw refers to for the given source.
func Classify(source track.Source, raw string) ([]track.MediaKind, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fault.Wrap(err, fault.ErrClassificationFailed, "failed to parse url")
	}

	var kinds []track.MediaKind
	switch source {
	case track.SourceYouTube:
		q := u.Query()
		if q.Get("list") != "" {
			kinds = append(kinds, track.KindPlaylist)
		}
		if q.Get("v") != "" || shortID(u) != "" {
			kinds = append(kinds, track.KindSong)
		}
	case track.SourceSpotify:
		segs := pathSegments(u.Path)
		if len(segs) > 0 && strings.HasPrefix(segs[0], "intl-") {
			segs = segs[1:]
		}
		if len(segs) >= 2 && segs[1] != "" {
			switch segs[0] {
			case "track":
				kinds = append(kinds, track.KindSong)
			case "playlist":
				kinds = append(kinds, track.KindPlaylist)
			case "album":
				kinds = append(kinds, track.KindAlbum)
			}
		}
	}

	if len(kinds) == 0 {
		return nil, errors.Wrapf(fault.ErrClassificationFailed, "no media kind found in %s", raw)
	}
	return kinds, nil
}

// Parse validates and classifies raw.
func Parse(raw string) (Link, error) {
	raw = strings.TrimSpace(raw)
	source, err := Validate(raw)
	if err != nil {
		return Link{}, err
	}
	kinds, err := Classify(source, raw)
	if err != nil {
		return Link{}, err
	}
	return Link{URL: raw, Source: source, Kinds: kinds}, nil
}

// Has reports whether kind was detected.
func (l Link) Has(kind track.MediaKind) bool {
	return slices.Contains(l.Kinds, kind)
}

// Require narrows the link to kind. A song link that also carries a playlist id
// has the list parameter removed. A playlist requirement is satisfied by an album.
func (l Link) Require(kind track.MediaKind) (Link, error) {
	switch {
	case kind == track.KindSong && l.Has(track.KindSong):
		out := l
		out.Kind = track.KindSong
		if l.Source == track.SourceYouTube && l.Has(track.KindPlaylist) {
			stripped, err := stripList(l.URL)
			if err != nil {
				return Link{}, err
			}
			out.URL = stripped
		}
		out.Kinds = []track.MediaKind{track.KindSong}
		return out, nil
	case kind.IsList():
		for _, k := range []track.MediaKind{kind, track.KindPlaylist, track.KindAlbum} {
			if l.Has(k) {
				out := l
				out.Kind = k
				out.Kinds = []track.MediaKind{k}
				return out, nil
			}
		}
	}
	return Link{}, errors.Wrapf(fault.ErrMediaKindMismatch, "url is not a %s", kind)
}

// VideoID returns the video id of a video platform link, if any.
func VideoID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if v := u.Query().Get("v"); v != "" {
		return v
	}
	return shortID(u)
}

// PlaylistID returns the list id of a video platform link, if any.
func PlaylistID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get("list")
}

func stripList(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fault.Wrap(err, fault.ErrInvalidURL, "failed to parse url")
	}
	q := u.Query()
	q.Del("list")
	q.Del("index")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// shortID returns the id of a youtu.be/<id> link.
func shortID(u *url.URL) string {
	if NormalizeHost(u.Host) != "youtu.be" {
		return ""
	}
	segs := pathSegments(u.Path)
	if len(segs) == 0 {
		return ""
	}
	return segs[0]
}

func pathSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
