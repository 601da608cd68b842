// Package audio runs loudness normalization with ffmpeg.
package audio

import (
	"bufio"
	"bytes"
	"context"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// FFmpeg constants for normalization
const (
	FFmpegCommand      = "ffmpeg"
	VolumeDetectFilter = "volumedetect"
	MeanVolumePrefix   = "mean_volume:"
	NullFormat         = "null"
	OutputExtensionWAV = ".wav"

	DefaultTargetDBFS = -15.0
)

// ErrNoMeanVolume is returned when volumedetect output has no mean_volume line.
var ErrNoMeanVolume = errors.New("mean volume not found in ffmpeg output")

// ErrSilentAudio is returned when volumedetect reports a non-finite mean, as it does for silence.
var ErrSilentAudio = errors.New("audio has no measurable loudness")

// Config represents normalizer configuration.
type Config struct {
	FFmpegPath string  // ffmpeg binary (default "ffmpeg")
	TargetDBFS float64 // Target mean loudness
}

// execFunc runs a command and returns its stderr.
type execFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Normalizer rewrites audio files to a target mean loudness.
type Normalizer struct {
	ffmpeg string
	target float64
	exec   execFunc
}

// NewNormalizer creates a new normalizer.
func NewNormalizer(cfg Config) *Normalizer {
	ffmpeg := cfg.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = FFmpegCommand
	}
	target := cfg.TargetDBFS
	if target == 0 {
		target = DefaultTargetDBFS
	}
	return &Normalizer{ffmpeg: ffmpeg, target: target, exec: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.Bytes(), err
}

// MeanVolume measures the mean volume of path in dBFS.
func (n *Normalizer) MeanVolume(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-hide_banner", "-nostats",
		"-i", path,
		"-af", VolumeDetectFilter,
		"-vn", "-sn", "-dn",
		"-f", NullFormat, "-",
	}
	stderr, err := n.exec(ctx, n.ffmpeg, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to run volumedetect: %s", lastLine(stderr))
	}
	return parseMeanVolume(stderr)
}

// Normalize writes a copy of src adjusted to the target loudness as a .wav
// next to it and removes src. On failure src is kept and any partial output removed.
func (n *Normalizer) Normalize(ctx context.Context, src string) (string, error) {
	mean, err := n.MeanVolume(ctx, src)
	if err != nil {
		return "", err
	}
	gain := n.target - mean
	dst := strings.TrimSuffix(src, filepath.Ext(src)) + OutputExtensionWAV

	args := []string{
		"-hide_banner", "-nostats", "-y",
		"-i", src,
		"-vn",
		"-af", "volume=" + strconv.FormatFloat(gain, 'f', 2, 64) + "dB",
		dst,
	}
	if stderr, err := n.exec(ctx, n.ffmpeg, args...); err != nil {
		_ = os.Remove(dst)
		return "", errors.Wrapf(err, "failed to apply gain: %s", lastLine(stderr))
	}

	if err := os.Remove(src); err != nil {
		zlog.Warn().Msgf("audio: failed to remove source file: path=%s, err=%v", src, err)
	}
	zlog.Debug().Msgf("audio: normalized: path=%s, mean=%.2f, gain=%.2f", dst, mean, gain)
	return dst, nil
}

func parseMeanVolume(stderr []byte) (float64, error) {
	scanner := bufio.NewScanner(bytes.NewReader(stderr))
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, MeanVolumePrefix)
		if idx < 0 {
			continue
		}
		field := strings.TrimSpace(line[idx+len(MeanVolumePrefix):])
		field = strings.TrimSpace(strings.TrimSuffix(field, "dB"))
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to parse mean volume %q", field)
		}
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, errors.Wrapf(ErrSilentAudio, "mean volume %q", field)
		}
		return v, nil
	}
	return 0, ErrNoMeanVolume
}

func lastLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
