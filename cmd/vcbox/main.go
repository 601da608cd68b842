// Package main provides the bot entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	apidiscord "github.com/osa030/vcbox/internal/api/discord"
	httpapi "github.com/osa030/vcbox/internal/api/http"
	"github.com/osa030/vcbox/internal/app/fanout"
	"github.com/osa030/vcbox/internal/app/filter"
	"github.com/osa030/vcbox/internal/app/playback"
	"github.com/osa030/vcbox/internal/app/resolver"
	"github.com/osa030/vcbox/internal/app/scoring"
	"github.com/osa030/vcbox/internal/app/session"
	"github.com/osa030/vcbox/internal/app/worker"
	"github.com/osa030/vcbox/internal/domain/track"
	"github.com/osa030/vcbox/internal/infra/audio"
	"github.com/osa030/vcbox/internal/infra/config"
	infradiscord "github.com/osa030/vcbox/internal/infra/discord"
	"github.com/osa030/vcbox/internal/infra/logger"
	"github.com/osa030/vcbox/internal/infra/spotify"
	"github.com/osa030/vcbox/internal/infra/store"
	"github.com/osa030/vcbox/internal/infra/youtube"
)

var (
	app        = kingpin.New("vcbox", "vcbox voice channel music bot")
	configPath = app.Flag("config", "Path to config file").Default("config/vcbox.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()

	listFiltersCmd      = app.Command("list-filters", "List available filters and exit")
	registerCommandsCmd = app.Command("register-commands", "Register slash commands and exit")
	resolveCmd          = app.Command("resolve", "Resolve and download a single track, then print it")
	resolveInput        = resolveCmd.Arg("input", "URL or search query").Required().String()
)

func init() {
	app.Command("start", "Start the bot (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == listFiltersCmd.FullCommand() {
		printFilters()
		return
	}

	loggerConfig := logger.Config{
		Output: "stdout",
		Level:  "info",
	}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
		loggerConfig.File = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	switch command {
	case registerCommandsCmd.FullCommand():
		err = registerCommands(cfg)
	case resolveCmd.FullCommand():
		err = resolveOnce(cfg, *resolveInput)
	default:
		err = run(cfg)
	}
	if err != nil {
		zlog.Error().Msgf("vcbox error: %v", err)
		os.Exit(1)
	}
}

// components are the pieces shared by every command.
type components struct {
	resolver *resolver.Resolver
	fanout   *fanout.Fanout
}

func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	pool := worker.New(cfg.Downloads.Workers)
	yt := youtube.New(youtube.Config{
		MaxCandidates:  cfg.Search.MaxCandidates,
		RequestsPerSec: cfg.Search.RequestsPerSec,
		Burst:          cfg.Search.Burst,
	})

	listers := map[track.Source]fanout.Lister{track.SourceYouTube: yt}
	var tracks resolver.TrackPlatform
	if cfg.SpotifyEnabled() {
		sp, err := spotify.New(ctx, spotify.Config{
			ClientID:     cfg.Spotify.ClientID,
			ClientSecret: cfg.Spotify.ClientSecret,
			Market:       cfg.Spotify.Market,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Spotify client: %w", err)
		}
		tracks = sp
		listers[track.SourceSpotify] = sp
	} else {
		zlog.Info().Msg("Spotify credentials not configured, Spotify links are disabled")
	}

	normalizer := audio.NewNormalizer(audio.Config{
		FFmpegPath: cfg.Downloads.FFmpegPath,
		TargetDBFS: cfg.Downloads.TargetDBFS,
	})

	r := resolver.New(resolver.Config{
		OutputDir:    cfg.Downloads.OutputDir,
		NormalizeMax: cfg.NormalizeMax(),
	}, yt, tracks, normalizer, pool, scoring.New())

	return &components{resolver: r, fanout: fanout.New(r, listers)}, nil
}

// run executes the bot. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	if err := validateFilterConfig(cfg); err != nil {
		return fmt.Errorf("invalid filter config: %w", err)
	}

	ctx := context.Background()
	comps, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}

	history, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := history.Close(); err != nil {
			zlog.Error().Msgf("Failed to close store: %v", err)
		}
	}()

	// The handler is assigned before the gateway opens, so no event sees it nil
	var handler *apidiscord.Handler
	client, err := infradiscord.NewClient(cfg.Discord.Token,
		bot.NewListenerFunc(func(e *events.ApplicationCommandInteractionCreate) {
			handler.OnApplicationCommand(e)
		}),
		bot.NewListenerFunc(func(e *events.ComponentInteractionCreate) {
			handler.OnComponentInteraction(e)
		}),
	)
	if err != nil {
		return err
	}

	factory := func(guildID snowflake.ID) *playback.Controller {
		return playback.NewController(infradiscord.NewVoice(client.VoiceManager, guildID), playback.Config{
			GuildID:            guildID,
			IdleTimeout:        cfg.IdleTimeout(),
			ConnectTimeout:     cfg.ConnectTimeout(),
			DefaultVolume:      cfg.Playback.DefaultVolume,
			LeaveAnnouncements: cfg.Playback.LeaveAnnouncements,
		})
	}
	sessionMgr := session.NewManager(cfg, factory, comps.resolver, comps.fanout, infradiscord.NewVoiceStates(client), history)
	sessionMgr.Notifications().Subscribe(apidiscord.NewAnnouncer(client.Rest))
	handler = apidiscord.NewHandler(cfg, sessionMgr)

	if cfg.Discord.DevGuildID != "" {
		guildID, err := snowflake.Parse(cfg.Discord.DevGuildID)
		if err != nil {
			return fmt.Errorf("invalid dev guild id: %w", err)
		}
		if err := apidiscord.RegisterCommands(client, guildID); err != nil {
			return err
		}
	}

	if err := client.OpenGateway(ctx); err != nil {
		return fmt.Errorf("failed to open gateway: %w", err)
	}
	zlog.Info().Msg("Connected to Discord gateway")

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: h2c.NewHandler(httpapi.NewHandler(sessionMgr).Routes(), &http2.Server{}),
	}

	serverErrCh := make(chan error, 1)
	go func() {
		zlog.Info().Msgf("Starting status server: addr=%s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	executeHooks(cfg.Server.Hooks.OnStarted, "on_started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		zlog.Info().Msg("Received shutdown signal...")
	case err := <-serverErrCh:
		runErr = fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Leave voice channels before the gateway goes away
	sessionMgr.Close(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to shutdown server: %v", err)
	}
	client.Close(shutdownCtx)

	zlog.Info().Msg("vcbox stopped")

	executeHooks(cfg.Server.Hooks.OnStopped, "on_stopped")

	return runErr
}

// registerCommands registers slash commands globally, or to the dev guild when configured.
func registerCommands(cfg *config.Config) error {
	client, err := infradiscord.NewClient(cfg.Discord.Token)
	if err != nil {
		return err
	}
	defer client.Close(context.Background())

	var guildID snowflake.ID
	if cfg.Discord.DevGuildID != "" {
		if guildID, err = snowflake.Parse(cfg.Discord.DevGuildID); err != nil {
			return fmt.Errorf("invalid dev guild id: %w", err)
		}
	}
	return apidiscord.RegisterCommands(client, guildID)
}

// resolveOnce runs a single resolution and prints where the audio ended up.
func resolveOnce(cfg *config.Config, input string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	comps, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}

	var t track.TrackRequest
	input = strings.TrimSpace(input)
	if strings.Contains(input, "://") {
		t, err = comps.resolver.ResolveByURL(ctx, input, resolver.Options{})
	} else {
		t, err = comps.resolver.ResolveByQuery(ctx, input, resolver.Options{})
	}
	if err != nil {
		return fmt.Errorf("failed to resolve %q [%s]: %w", input, session.Code(err), err)
	}

	fmt.Printf("Title:    %s\n", t.Title)
	fmt.Printf("Source:   %s\n", t.SourceURL)
	fmt.Printf("Duration: %s\n", t.Duration)
	fmt.Printf("File:     %s\n", t.FilePath)
	return nil
}

// printFilters prints available filters.
func printFilters() {
	fmt.Println("Available Filters:")
	for _, factory := range filter.GetRegistered() {
		f := factory()
		codes := strings.Join(f.ReturnCodes(), ", ")
		fmt.Printf("  %-30s - %s [codes: %s]\n", f.Name(), f.Description(), codes)
	}
}

// validateFilterConfig validates filter configurations.
func validateFilterConfig(cfg *config.Config) error {
	registry := filter.GetRegistered()

	for filterName, filterCfg := range cfg.Filters {
		if !filterCfg.Enabled {
			continue
		}

		factory, exists := registry[filterName]
		if !exists {
			return fmt.Errorf("filter %s: unknown filter", filterName)
		}

		f := factory()
		if err := f.ValidateConfig(filterCfg.Settings); err != nil {
			return fmt.Errorf("filter %s: %w", filterName, err)
		}
	}

	return nil
}

// executeHooks runs a list of shell commands.
func executeHooks(hooks []string, stage string) {
	if len(hooks) == 0 {
		return
	}

	zlog.Info().Msgf("Executing %s hooks (%d commands)", stage, len(hooks))

	for _, hook := range hooks {
		zlog.Info().Msgf("Executing hook: %s", hook)
		// Use sh -c to allow shell features like redirection or pipes
		cmd := exec.Command("sh", "-c", hook)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			zlog.Error().Err(err).Msgf("Failed to execute hook: %s", hook)
		}
	}
}
