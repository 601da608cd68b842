// Package store persists play history in sqlite.
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	"github.com/jmoiron/sqlx"
	zlog "github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Schema is applied on open.
const Schema = `
CREATE TABLE IF NOT EXISTS history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	guild_id     INTEGER NOT NULL,
	title        TEXT    NOT NULL,
	source_url   TEXT    NOT NULL DEFAULT '',
	requester_id INTEGER NOT NULL DEFAULT 0,
	requester    TEXT    NOT NULL DEFAULT '',
	started_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_guild_started ON history (guild_id, started_at DESC);
`

// Entry is one started track.
type Entry struct {
	ID          int64        `json:"id"`
	GuildID     snowflake.ID `json:"guild_id"`
	Title       string       `json:"title"`
	SourceURL   string       `json:"source_url"`
	RequesterID snowflake.ID `json:"requester_id"`
	Requester   string       `json:"requester"`
	StartedAt   time.Time    `json:"started_at"`
}

// row is the column mapping of Entry. Times are stored as unix milliseconds.
type row struct {
	ID          int64  `db:"id"`
	GuildID     int64  `db:"guild_id"`
	Title       string `db:"title"`
	SourceURL   string `db:"source_url"`
	RequesterID int64  `db:"requester_id"`
	Requester   string `db:"requester"`
	StartedAt   int64  `db:"started_at"`
}

func toRow(e Entry) row {
	return row{
		ID:          e.ID,
		GuildID:     int64(e.GuildID),
		Title:       e.Title,
		SourceURL:   e.SourceURL,
		RequesterID: int64(e.RequesterID),
		Requester:   e.Requester,
		StartedAt:   e.StartedAt.UnixMilli(),
	}
}

func (r row) entry() Entry {
	return Entry{
		ID:          r.ID,
		GuildID:     snowflake.ID(r.GuildID),
		Title:       r.Title,
		SourceURL:   r.SourceURL,
		RequesterID: snowflake.ID(r.RequesterID),
		Requester:   r.Requester,
		StartedAt:   time.UnixMilli(r.StartedAt),
	}
}

// Store is the history database.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}

	// Set pragmas for better concurrency
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=30000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "failed to apply %q", pragma)
		}
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to apply schema")
	}

	zlog.Debug().Msgf("store: opened: path=%s", path)
	return &Store{db: db}, nil
}

// Record inserts e and returns its id. A zero StartedAt is set to now.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	res, err := s.db.NamedExecContext(ctx, `INSERT INTO history (
		guild_id, title, source_url, requester_id, requester, started_at
	) VALUES (
		:guild_id, :title, :source_url, :requester_id, :requester, :started_at
	)`, toRow(e))
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert history entry")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read history entry id")
	}
	return id, nil
}

// Recent returns up to limit entries for guildID, newest first.
func (s *Store) Recent(ctx context.Context, guildID snowflake.ID, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}

	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM history WHERE guild_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		int64(guildID), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select history")
	}

	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.entry()
	}
	return entries, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
