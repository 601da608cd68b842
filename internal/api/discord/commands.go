// Package discord implements the /music slash command front end.
package discord

import (
	"github.com/cockroachdb/errors"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"
)

// CommandName is the top-level slash command.
const CommandName = "music"

// Subcommands of /music.
const (
	SubPlay       = "play"
	SubPlaylist   = "playlist"
	SubSkip       = "skip"
	SubSkipAll    = "skipall"
	SubPause      = "pause"
	SubResume     = "resume"
	SubDisconnect = "disconnect"
	SubQueue      = "queue"
	SubHistory    = "history"
)

// Commands returns the application commands the bot registers.
func Commands() []discord.ApplicationCommandCreate {
	return []discord.ApplicationCommandCreate{
		discord.SlashCommandCreate{
			Name:        CommandName,
			Description: "Play music in your voice channel",
			Contexts: []discord.InteractionContextType{
				discord.InteractionContextTypeGuild,
			},
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionSubCommand{
					Name:        SubPlay,
					Description: "Play a YouTube or Spotify link, or search by text",
					Options: []discord.ApplicationCommandOption{
						discord.ApplicationCommandOptionString{
							Name:        "input",
							Description: "URL or search query",
							Required:    true,
						},
					},
				},
				discord.ApplicationCommandOptionSubCommand{
					Name:        SubPlaylist,
					Description: "Queue a playlist or album",
					Options: []discord.ApplicationCommandOption{
						discord.ApplicationCommandOptionString{
							Name:        "url",
							Description: "Playlist or album URL",
							Required:    true,
						},
						discord.ApplicationCommandOptionInt{
							Name:        "limit",
							Description: "Maximum number of tracks",
						},
						discord.ApplicationCommandOptionInt{
							Name:        "offset",
							Description: "Number of tracks to skip from the start",
						},
					},
				},
				discord.ApplicationCommandOptionSubCommand{
					Name:        SubSkip,
					Description: "Skip the current track",
				},
				discord.ApplicationCommandOptionSubCommand{
					Name:        SubSkipAll,
					Description: "Skip the current track and clear the queue",
				},
				discord.ApplicationCommandOptionSubCommand{
					Name:        SubPause,
					Description: "Pause playback",
				},
				discord.ApplicationCommandOptionSubCommand{
					Name:        SubResume,
					Description: "Resume playback",
				},
				discord.ApplicationCommandOptionSubCommand{
					Name:        SubDisconnect,
					Description: "Clear the queue and leave the voice channel",
				},
				discord.ApplicationCommandOptionSubCommand{
					Name:        SubQueue,
					Description: "Show the queue",
				},
				discord.ApplicationCommandOptionSubCommand{
					Name:        SubHistory,
					Description: "Show recently played tracks",
				},
			},
		},
	}
}

// RegisterCommands registers Commands with Discord. A non-zero guildID registers to that
// guild only, which takes effect immediately.
func RegisterCommands(client *bot.Client, guildID snowflake.ID) error {
	if guildID != 0 {
		if _, err := client.Rest.SetGuildCommands(client.ApplicationID, guildID, Commands()); err != nil {
			return errors.Wrapf(err, "failed to register commands to guild %v", guildID)
		}
		zlog.Info().Msgf("commands registered: guild=%v", guildID)
		return nil
	}

	if _, err := client.Rest.SetGlobalCommands(client.ApplicationID, Commands()); err != nil {
		return errors.Wrap(err, "failed to register global commands")
	}
	zlog.Info().Msg("commands registered globally")
	return nil
}
