package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/osa030/vcbox/internal/app/fanout"
	"github.com/osa030/vcbox/internal/app/playback"
	"github.com/osa030/vcbox/internal/app/session"
	"github.com/osa030/vcbox/internal/domain/playlist"
	"github.com/osa030/vcbox/internal/infra/store"
)

// maxListed caps queue listings so replies stay under the message size limit.
const maxListed = 15

// Component custom id parts.
const (
	customIDPrefix = "playlist"
	actionConfirm  = "confirm"
	actionCancel   = "cancel"
)

func playlistCustomID(action, id string) string {
	return customIDPrefix + ":" + action + ":" + id
}

// parsePlaylistCustomID splits a custom id built by playlistCustomID.
func parsePlaylistCustomID(customID string) (action, id string, ok bool) {
	parts := strings.SplitN(customID, ":", 3)
	if len(parts) != 3 || parts[0] != customIDPrefix || parts[2] == "" {
		return "", "", false
	}
	switch parts[1] {
	case actionConfirm, actionCancel:
		return parts[1], parts[2], true
	}
	return "", "", false
}

// formatDuration renders m:ss, or h:mm:ss for an hour or more.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func formatPlayed(successMsg string, result session.PlayResult) string {
	t := result.Item.Track
	where := "up next"
	if result.Position > 0 {
		where = fmt.Sprintf("position %d", result.Position+1)
	}
	return fmt.Sprintf("%s **%s** (%s), %s", successMsg, t.Title, formatDuration(t.Duration), where)
}

func formatPlaylistPrompt(pl playlist.PlaylistRequest) string {
	title := pl.Title
	if title == "" {
		title = pl.SourceURL
	}
	return fmt.Sprintf("Queue **%s**? %d tracks", title, pl.Len())
}

func formatSummary(s fanout.Summary) string {
	msg := fmt.Sprintf("Queued %d of %d tracks.", s.Delivered, s.Total)
	if s.Failed > 0 {
		msg += fmt.Sprintf(" %d could not be downloaded.", s.Failed)
	}
	if s.Skipped > 0 {
		msg += fmt.Sprintf(" %d were skipped.", s.Skipped)
	}
	return msg
}

func formatQueue(s session.Status, emptyMsg string) string {
	if s.Current == nil && len(s.Queued) == 0 {
		return emptyMsg
	}

	var b strings.Builder
	if s.Current != nil {
		state := "Now playing"
		if s.State == playback.StatePaused {
			state = "Paused"
		}
		fmt.Fprintf(&b, "%s: **%s** (%s)\n", state, s.Current.DisplayName(), formatDuration(s.Current.Track.Duration))
	}
	for i, item := range s.Queued {
		if i == maxListed {
			fmt.Fprintf(&b, "...and %d more\n", len(s.Queued)-maxListed)
			break
		}
		fmt.Fprintf(&b, "%d. %s (%s) - %s\n", i+1, item.DisplayName(), formatDuration(item.Track.Duration), item.AddedBy.Name())
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatHistory(entries []store.Entry) string {
	if len(entries) == 0 {
		return "Nothing has been played yet."
	}

	var b strings.Builder
	for i, e := range entries {
		fmt.Fprintf(&b, "%d. %s - %s <t:%d:R>\n", i+1, e.Title, e.Requester, e.StartedAt.Unix())
	}
	return strings.TrimRight(b.String(), "\n")
}
