package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/vcbox/internal/app/fanout"
	"github.com/osa030/vcbox/internal/app/session"
	"github.com/osa030/vcbox/internal/domain/playlist"
	"github.com/osa030/vcbox/internal/infra/config"
	"github.com/osa030/vcbox/internal/infra/store"
)

// commandTimeout bounds a single command, including resolution and download.
const commandTimeout = 10 * time.Minute

// noComponents removes the buttons from a message.
var noComponents = []discord.LayoutComponent{}

// Session is the orchestration the handler drives.
type Session interface {
	Play(ctx context.Context, req session.Requester, input string) (session.PlayResult, error)
	PreparePlaylist(ctx context.Context, req session.Requester, rawURL string, limit, offset int) (string, playlist.PlaylistRequest, error)
	CheckPending(id string, userID snowflake.ID) error
	ConfirmPlaylist(ctx context.Context, id string, userID snowflake.ID) (fanout.Summary, error)
	CancelPlaylist(id string, userID snowflake.ID) error
	Skip(guildID snowflake.ID) error
	SkipAll(guildID snowflake.ID) (int, error)
	Pause(guildID snowflake.ID) error
	Resume(guildID snowflake.ID) error
	Disconnect(ctx context.Context, guildID snowflake.ID) error
	Status(guildID snowflake.ID) session.Status
	History(ctx context.Context, guildID snowflake.ID) ([]store.Entry, error)
}

// Handler handles /music interactions.
type Handler struct {
	config  *config.Config
	session Session
}

// NewHandler creates a new command handler.
func NewHandler(cfg *config.Config, s Session) *Handler {
	return &Handler{
		config:  cfg,
		session: s,
	}
}

// OnApplicationCommand handles slash commands.
func (h *Handler) OnApplicationCommand(e *events.ApplicationCommandInteractionCreate) {
	data := e.SlashCommandInteractionData()
	if data.CommandName() != CommandName || data.SubCommandName == nil {
		return
	}
	guildID := e.GuildID()
	if guildID == nil {
		h.reply(e, h.config.GetMessage("not_in_destination"))
		return
	}

	req := session.Requester{
		GuildID:       *guildID,
		UserID:        e.User().ID,
		TextChannelID: e.Channel().ID(),
		DisplayName:   e.User().EffectiveName(),
	}
	sub := *data.SubCommandName
	zlog.Debug().Msgf("command: guild=%v, user=%v, sub=%s", req.GuildID, req.UserID, sub)

	switch sub {
	case SubPlay:
		input, _ := data.OptString("input")
		h.handlePlay(e, req, input)
	case SubPlaylist:
		url, _ := data.OptString("url")
		limit, _ := data.OptInt("limit")
		offset, _ := data.OptInt("offset")
		h.handlePlaylist(e, req, url, limit, offset)
	case SubSkip:
		h.replyResult(e, h.session.Skip(req.GuildID), "Skipped.")
	case SubSkipAll:
		n, err := h.session.SkipAll(req.GuildID)
		h.replyResult(e, err, fmt.Sprintf("Skipped and cleared %d queued tracks.", n))
	case SubPause:
		h.replyResult(e, h.session.Pause(req.GuildID), "Paused.")
	case SubResume:
		h.replyResult(e, h.session.Resume(req.GuildID), "Resumed.")
	case SubDisconnect:
		ctx, cancel := context.WithTimeout(context.Background(), h.config.ConnectTimeout()+30*time.Second)
		defer cancel()
		h.replyResult(e, h.session.Disconnect(ctx, req.GuildID), "Disconnected.")
	case SubQueue:
		h.reply(e, formatQueue(h.session.Status(req.GuildID), h.config.GetMessage("nothing_playing")))
	case SubHistory:
		entries, err := h.session.History(context.Background(), req.GuildID)
		if err != nil {
			zlog.Error().Msgf("failed to load history: guild=%v, err=%v", req.GuildID, err)
			h.reply(e, h.config.GetMessage(""))
			return
		}
		h.reply(e, formatHistory(entries))
	}
}

func (h *Handler) handlePlay(e *events.ApplicationCommandInteractionCreate, req session.Requester, input string) {
	if err := e.DeferCreateMessage(false); err != nil {
		zlog.Warn().Msgf("failed to defer response: err=%v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	result, err := h.session.Play(ctx, req, input)
	if err != nil {
		h.updateResponse(e, h.errorMessage(err), nil)
		return
	}
	h.updateResponse(e, formatPlayed(h.config.GetMessage("success"), result), nil)
}

func (h *Handler) handlePlaylist(e *events.ApplicationCommandInteractionCreate, req session.Requester, url string, limit, offset int) {
	if err := e.DeferCreateMessage(false); err != nil {
		zlog.Warn().Msgf("failed to defer response: err=%v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	id, pl, err := h.session.PreparePlaylist(ctx, req, url, limit, offset)
	if err != nil {
		h.updateResponse(e, h.errorMessage(err), nil)
		return
	}

	buttons := discord.NewActionRow(
		discord.NewButton(discord.ButtonStyleSuccess, "Confirm", playlistCustomID(actionConfirm, id), "", 0),
		discord.NewButton(discord.ButtonStyleSecondary, "Cancel", playlistCustomID(actionCancel, id), "", 0),
	)
	h.updateResponse(e, formatPlaylistPrompt(pl), []discord.LayoutComponent{buttons})
}

// OnComponentInteraction handles playlist confirmation buttons.
func (h *Handler) OnComponentInteraction(e *events.ComponentInteractionCreate) {
	action, id, ok := parsePlaylistCustomID(e.Data.CustomID())
	if !ok {
		return
	}
	h.handlePlaylistButton(newButtonResponder(e), action, id, e.User().ID)
}

// buttonResponder answers a playlist button press.
type buttonResponder struct {
	update    func(content string) error // Edits the prompt and removes its buttons
	ephemeral func(content string)       // Visible to the presser only
	followUp  func(content string)       // Replaces the acknowledged prompt
}

func newButtonResponder(e *events.ComponentInteractionCreate) buttonResponder {
	return buttonResponder{
		update: func(content string) error {
			return e.UpdateMessage(discord.NewMessageUpdate().
				WithContent(content).
				WithComponents(noComponents...))
		},
		ephemeral: func(content string) {
			if err := e.CreateMessage(discord.NewMessageCreate().WithContent(content).WithEphemeral(true)); err != nil {
				zlog.Warn().Msgf("failed to reply: err=%v", err)
			}
		},
		followUp: func(content string) {
			_, err := e.Client().Rest.UpdateInteractionResponse(e.ApplicationID(), e.Token(),
				discord.NewMessageUpdate().WithContent(content))
			if err != nil {
				zlog.Warn().Msgf("failed to update playlist response: err=%v", err)
			}
		},
	}
}

func (h *Handler) handlePlaylistButton(r buttonResponder, action, id string, userID snowflake.ID) {
	// The prompt is only touched by its requester while it is still pending
	if err := h.session.CheckPending(id, userID); err != nil {
		zlog.Debug().Msgf("playlist button refused: id=%s, user=%v, err=%v", id, userID, err)
		r.ephemeral(h.errorMessage(err))
		return
	}

	switch action {
	case actionCancel:
		if err := h.session.CancelPlaylist(id, userID); err != nil {
			r.ephemeral(h.errorMessage(err))
			return
		}
		if err := r.update("Cancelled."); err != nil {
			zlog.Warn().Msgf("failed to update cancelled prompt: err=%v", err)
		}

	case actionConfirm:
		// Acknowledge first: downloading can take longer than the interaction deadline
		if err := r.update("Downloading..."); err != nil {
			zlog.Warn().Msgf("failed to acknowledge confirmation: err=%v", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		summary, err := h.session.ConfirmPlaylist(ctx, id, userID)
		msg := formatSummary(summary)
		if err != nil {
			msg = h.errorMessage(err)
		}
		r.followUp(msg)
	}
}

func (h *Handler) errorMessage(err error) string {
	return h.config.GetMessage(session.Code(err))
}

func (h *Handler) replyResult(e *events.ApplicationCommandInteractionCreate, err error, okMsg string) {
	if err != nil {
		h.reply(e, h.errorMessage(err))
		return
	}
	h.reply(e, okMsg)
}

func (h *Handler) reply(e *events.ApplicationCommandInteractionCreate, content string) {
	if err := e.CreateMessage(discord.NewMessageCreate().WithContent(content)); err != nil {
		zlog.Warn().Msgf("failed to reply: err=%v", err)
	}
}

func (h *Handler) updateResponse(e *events.ApplicationCommandInteractionCreate, content string, components []discord.LayoutComponent) {
	update := discord.NewMessageUpdate().WithContent(content)
	if len(components) > 0 {
		update = update.WithComponents(components...)
	}
	if _, err := e.Client().Rest.UpdateInteractionResponse(e.ApplicationID(), e.Token(), update); err != nil {
		zlog.Warn().Msgf("failed to update response: err=%v", err)
	}
}
