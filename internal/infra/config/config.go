// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Discord   DiscordConfig           `yaml:"discord"`
	Server    ServerConfig            `yaml:"server"`
	Downloads DownloadsConfig         `yaml:"downloads"`
	Search    SearchConfig            `yaml:"search"`
	Playback  PlaybackConfig          `yaml:"playback"`
	Playlist  PlaylistConfig          `yaml:"playlist"`
	Filters   map[string]FilterConfig `yaml:"filters"`
	Messages  MessagesConfig          `yaml:"messages"`
	Spotify   SpotifyConfig           `yaml:"spotify"`
	Store     StoreConfig             `yaml:"store"`
}

// DiscordConfig represents bot credentials.
type DiscordConfig struct {
	Token      string `yaml:"token" validate:"required"`
	DevGuildID string `yaml:"dev_guild_id" validate:"omitempty,numeric"` // Register commands to this guild only
}

// ServerConfig represents the status API server configuration.
type ServerConfig struct {
	Addr  string      `yaml:"addr" default:":8080"`
	Hooks HooksConfig `yaml:"hooks"`
}

// HooksConfig represents lifecycle hooks configuration.
type HooksConfig struct {
	OnStarted []string `yaml:"on_started"`
	OnStopped []string `yaml:"on_stopped"`
}

// DownloadsConfig represents download and normalization settings.
type DownloadsConfig struct {
	OutputDir       string  `yaml:"output_dir" default:"downloads" validate:"required"`
	Workers         int     `yaml:"workers" default:"5" validate:"gte=1,lte=32"`
	NormalizeMaxSec int     `yaml:"normalize_max_sec" default:"900" validate:"gte=0"`
	TargetDBFS      float64 `yaml:"target_dbfs" default:"-15" validate:"lte=0"`
	FFmpegPath      string  `yaml:"ffmpeg_path" default:"ffmpeg"`
}

// SearchConfig represents video platform search settings.
type SearchConfig struct {
	MaxCandidates  int     `yaml:"max_candidates" default:"50" validate:"gte=1,lte=50"`
	RequestsPerSec float64 `yaml:"requests_per_sec" default:"2" validate:"gt=0"`
	Burst          int     `yaml:"burst" default:"4" validate:"gte=1"`
}

// PlaybackConfig represents playback control configuration.
type PlaybackConfig struct {
	IdleTimeoutSec     int      `yaml:"idle_timeout_sec" default:"300" validate:"gte=1"`
	ConnectTimeoutSec  int      `yaml:"connect_timeout_sec" default:"10" validate:"gte=1,lte=60"`
	DefaultVolume      int      `yaml:"default_volume" default:"100" validate:"gte=1,lte=200"`
	LeaveAnnouncements []string `yaml:"leave_announcements" validate:"dive,required"`
}

// PlaylistConfig represents playlist fan-out limits.
type PlaylistConfig struct {
	MaxItems int `yaml:"max_items" default:"25" validate:"gte=1,lte=100"`
}

// FilterConfig represents a filter's configuration.
type FilterConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// MessagesConfig represents user-facing messages.
type MessagesConfig struct {
	Success               string `yaml:"success" default:"Queued."`
	DefaultError          string `yaml:"default_error" default:"Something went wrong. Please try again later."`
	InvalidURL            string `yaml:"invalid_url" default:"That link is not supported. Use an https YouTube or Spotify link."`
	ClassificationFailed  string `yaml:"classification_failed" default:"Could not tell what that link points to."`
	MediaKindMismatch     string `yaml:"media_kind_mismatch" default:"That link is not the right kind for this command."`
	SearchFailed          string `yaml:"search_failed" default:"Nothing playable was found."`
	LiveContent           string `yaml:"live_content" default:"Live streams cannot be played."`
	DownloadFailed        string `yaml:"download_failed" default:"The audio could not be downloaded."`
	AudioProcessing       string `yaml:"audio_processing" default:"The audio could not be processed."`
	PlaylistFetchFailed   string `yaml:"playlist_fetch_failed" default:"The playlist could not be loaded."`
	NotInDestination      string `yaml:"not_in_destination" default:"Join a voice channel first."`
	UserPending           string `yaml:"user_pending" default:"You already have too many tracks waiting."`
	DuplicateTrack        string `yaml:"duplicate_track" default:"That track is already in the queue."`
	DurationLimitExceeded string `yaml:"duration_limit_exceeded" default:"That track is too short or too long."`
	BlockedUser           string `yaml:"blocked_user" default:"You are not allowed to request tracks."`
	NothingPlaying        string `yaml:"nothing_playing" default:"Nothing is playing."`
	NotPaused             string `yaml:"not_paused" default:"Playback is not paused."`
	NotConnected          string `yaml:"not_connected" default:"I am not in a voice channel."`
	PlaylistExpired       string `yaml:"playlist_expired" default:"This confirmation has expired."`
}

// SpotifyConfig represents Spotify API configuration.
// Both credentials empty disables Spotify links.
type SpotifyConfig struct {
	ClientID     string `yaml:"client_id" validate:"required_with=ClientSecret"`
	ClientSecret string `yaml:"client_secret" validate:"required_with=ClientID"`
	Market       string `yaml:"market" validate:"omitempty,len=2" default:"US"`
}

// StoreConfig represents the play history database.
type StoreConfig struct {
	Path         string `yaml:"path" default:"vcbox.db" validate:"required"`
	HistoryLimit int    `yaml:"history_limit" default:"10" validate:"gte=1,lte=50"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Set defaults using creasty/defaults
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		c.Discord.Token = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_ID"); v != "" {
		c.Spotify.ClientID = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_SECRET"); v != "" {
		c.Spotify.ClientSecret = v
	}
	if v := os.Getenv("VCBOX_OUTPUT_DIR"); v != "" {
		c.Downloads.OutputDir = v
	}
	if v := os.Getenv("VCBOX_DB_PATH"); v != "" {
		c.Store.Path = v
	}
}

// GetMessage returns the message for the given code.
// Unknown codes and empty messages fall back to the default error message.
func (c *Config) GetMessage(code string) string {
	var msg string
	switch code {
	case "success":
		msg = c.Messages.Success
	case "invalid_url":
		msg = c.Messages.InvalidURL
	case "classification_failed":
		msg = c.Messages.ClassificationFailed
	case "media_kind_mismatch":
		msg = c.Messages.MediaKindMismatch
	case "search_failed":
		msg = c.Messages.SearchFailed
	case "live_content":
		msg = c.Messages.LiveContent
	case "download_failed":
		msg = c.Messages.DownloadFailed
	case "audio_processing":
		msg = c.Messages.AudioProcessing
	case "playlist_fetch_failed":
		msg = c.Messages.PlaylistFetchFailed
	case "not_in_destination":
		msg = c.Messages.NotInDestination
	case "user_pending":
		msg = c.Messages.UserPending
	case "duplicate_track":
		msg = c.Messages.DuplicateTrack
	case "duration_limit_exceeded":
		msg = c.Messages.DurationLimitExceeded
	case "blocked_user":
		msg = c.Messages.BlockedUser
	case "nothing_playing":
		msg = c.Messages.NothingPlaying
	case "not_paused":
		msg = c.Messages.NotPaused
	case "not_connected":
		msg = c.Messages.NotConnected
	case "playlist_expired":
		msg = c.Messages.PlaylistExpired
	}
	if msg == "" {
		return c.Messages.DefaultError
	}
	return msg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	return nil
}

// IsFilterEnabled checks if a filter is enabled.
func (c *Config) IsFilterEnabled(filterName string) bool {
	if f, ok := c.Filters[filterName]; ok {
		return f.Enabled
	}
	return false
}

// FilterSettings returns the settings for a filter.
func (c *Config) FilterSettings(filterName string) map[string]any {
	if f, ok := c.Filters[filterName]; ok && f.Settings != nil {
		return f.Settings
	}
	return map[string]any{}
}

// SpotifyEnabled reports whether Spotify credentials are configured.
func (c *Config) SpotifyEnabled() bool {
	return c.Spotify.ClientID != "" && c.Spotify.ClientSecret != ""
}

// IdleTimeout returns the playback idle timeout.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Playback.IdleTimeoutSec) * time.Second
}

// ConnectTimeout returns the voice connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Playback.ConnectTimeoutSec) * time.Second
}

// NormalizeMax returns the longest duration that is still normalized.
func (c *Config) NormalizeMax() time.Duration {
	return time.Duration(c.Downloads.NormalizeMaxSec) * time.Second
}
