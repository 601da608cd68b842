// Package fault defines the failure taxonomy shared by resolution, fan-out and playback.
package fault

import (
	"github.com/cockroachdb/errors"
)

// Sentinel errors. Callers wrap them with errors.Wrap or attach them with errors.Mark,
// and check them with errors.Is.
var (
	ErrInvalidURL           = errors.New("invalid url")
	ErrClassificationFailed = errors.New("classification failed")
	ErrMediaKindMismatch    = errors.New("media kind mismatch")
	ErrSearchFailed         = errors.New("search failed")
	ErrLiveContent          = errors.New("live content")
	ErrDownloadFailed       = errors.New("download failed")
	ErrAudioProcessing      = errors.New("audio processing failed")
	ErrPlaylistFetchFailed  = errors.New("playlist fetch failed")
	ErrNotInDestination     = errors.New("not in voice channel")
)

// Message codes returned by Code. They are keys into the configured user-facing messages.
const (
	CodeInvalidURL           = "invalid_url"
	CodeClassificationFailed = "classification_failed"
	CodeMediaKindMismatch    = "media_kind_mismatch"
	CodeSearchFailed         = "search_failed"
	CodeLiveContent          = "live_content"
	CodeDownloadFailed       = "download_failed"
	CodeAudioProcessing      = "audio_processing"
	CodePlaylistFetchFailed  = "playlist_fetch_failed"
	CodeNotInDestination     = "not_in_destination"
	CodeDefault              = "default_error"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidURL, CodeInvalidURL},
	{ErrClassificationFailed, CodeClassificationFailed},
	{ErrMediaKindMismatch, CodeMediaKindMismatch},
	{ErrSearchFailed, CodeSearchFailed},
	{ErrLiveContent, CodeLiveContent},
	{ErrAudioProcessing, CodeAudioProcessing},
	{ErrDownloadFailed, CodeDownloadFailed},
	{ErrPlaylistFetchFailed, CodePlaylistFetchFailed},
	{ErrNotInDestination, CodeNotInDestination},
}

// Code returns the message code for err, or CodeDefault when err carries no known kind.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeDefault
}

// IsTerminal reports whether err was caused by bad input. Retrying such a request
// cannot succeed.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidURL) ||
		errors.Is(err, ErrClassificationFailed) ||
		errors.Is(err, ErrMediaKindMismatch) ||
		errors.Is(err, ErrLiveContent)
}

// Wrap annotates cause with msg and marks it with kind so that errors.Is(err, kind)
// holds while the original cause stays reachable.
func Wrap(cause error, kind error, msg string) error {
	if cause == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(cause, msg), kind)
}

// Wrapf is Wrap with a format string.
func Wrapf(cause error, kind error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(cause, format, args...), kind)
}
