package fault

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "bare sentinel", err: ErrInvalidURL, want: CodeInvalidURL},
		{name: "wrapped sentinel", err: errors.Wrap(ErrSearchFailed, "query"), want: CodeSearchFailed},
		{name: "marked cause", err: Wrap(io.ErrUnexpectedEOF, ErrDownloadFailed, "yt-dlp"), want: CodeDownloadFailed},
		{name: "audio processing", err: Wrap(io.EOF, ErrAudioProcessing, "ffmpeg"), want: CodeAudioProcessing},
		{name: "not in voice", err: errors.WithStack(ErrNotInDestination), want: CodeNotInDestination},
		{name: "unknown", err: errors.New("boom"), want: CodeDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestWrap_KeepsCause(t *testing.T) {
	err := Wrap(io.ErrUnexpectedEOF, ErrDownloadFailed, "download")

	assert.True(t, errors.Is(err, ErrDownloadFailed))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Contains(t, err.Error(), "download")
	assert.Nil(t, Wrap(nil, ErrDownloadFailed, "download"))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(errors.Wrap(ErrInvalidURL, "scheme")))
	assert.True(t, IsTerminal(ErrMediaKindMismatch))
	assert.True(t, IsTerminal(ErrLiveContent))
	assert.False(t, IsTerminal(Wrap(io.EOF, ErrDownloadFailed, "download")))
	assert.False(t, IsTerminal(ErrSearchFailed))
}
