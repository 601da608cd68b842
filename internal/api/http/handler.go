// Package httpapi serves the read-only status API.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/vcbox/internal/app/session"
	"github.com/osa030/vcbox/internal/domain/track"
	"github.com/osa030/vcbox/internal/infra/store"
)

// Session is the read side of session.Manager.
type Session interface {
	Status(guildID snowflake.ID) session.Status
	Guilds() []snowflake.ID
	History(ctx context.Context, guildID snowflake.ID) ([]store.Entry, error)
}

// Handler serves status endpoints.
type Handler struct {
	session Session
}

// NewHandler creates a new status handler.
func NewHandler(s Session) *Handler {
	return &Handler{session: s}
}

// Routes returns the router with all endpoints mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", h.Healthz)
	r.Get("/guilds", h.ListGuilds)
	r.Get("/guilds/{id}/queue", h.GetQueue)
	r.Get("/guilds/{id}/history", h.GetHistory)
	return r
}

// Item is a queue entry as served by the API.
type Item struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	SourceURL     string  `json:"source_url"`
	DurationSec   float64 `json:"duration_sec"`
	Requester     string  `json:"requester"`
	RequesterType string  `json:"requester_type"`
	Priority      bool    `json:"priority"`
}

// Queue is a guild's playback snapshot as served by the API.
type Queue struct {
	GuildID   string `json:"guild_id"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	ChannelID string `json:"channel_id,omitempty"`
	Current   *Item  `json:"current,omitempty"`
	Queued    []Item `json:"queued"`
}

func toItem(q track.QueueItem) Item {
	return Item{
		ID:            q.ID,
		Title:         q.DisplayName(),
		SourceURL:     q.Track.SourceURL,
		DurationSec:   q.Track.Duration.Seconds(),
		Requester:     q.AddedBy.Name(),
		RequesterType: string(q.RequesterType),
		Priority:      q.Priority,
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ListGuilds(w http.ResponseWriter, r *http.Request) {
	ids := []string{}
	for _, id := range h.session.Guilds() {
		ids = append(ids, id.String())
	}
	writeJSON(w, http.StatusOK, map[string][]string{"guilds": ids})
}

func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	guildID, ok := guildParam(w, r)
	if !ok {
		return
	}

	s := h.session.Status(guildID)
	resp := Queue{
		GuildID:   guildID.String(),
		State:     s.State.String(),
		Connected: s.Connected,
		Queued:    make([]Item, 0, len(s.Queued)),
	}
	if s.Connected {
		resp.ChannelID = s.ChannelID.String()
	}
	if s.Current != nil {
		cur := toItem(*s.Current)
		resp.Current = &cur
	}
	for _, q := range s.Queued {
		resp.Queued = append(resp.Queued, toItem(q))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	guildID, ok := guildParam(w, r)
	if !ok {
		return
	}

	entries, err := h.session.History(r.Context(), guildID)
	if err != nil {
		zlog.Error().Msgf("failed to load history: guild=%v, err=%v", guildID, err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string][]store.Entry{"entries": entries})
}

func guildParam(w http.ResponseWriter, r *http.Request) (snowflake.ID, bool) {
	id, err := snowflake.Parse(chi.URLParam(r, "id"))
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid guild id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Warn().Msgf("http: failed to encode response: err=%v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLogger logs each request through zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zlog.Debug().Msgf("http: %s %s: status=%d, bytes=%d, took=%s, request_id=%s",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}
