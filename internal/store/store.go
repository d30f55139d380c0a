// Package store is the authoritative persistence layer: contests,
// transcripts, votes, round results, and bot records live in SQLite.
// Uniqueness constraints on (contest, round, voter) and (contest, round)
// are the consistency guards the orchestrator leans on.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nibty/agonai-sub001/internal/preset"
	"github.com/nibty/agonai-sub001/internal/protocol"
)

// ContestStatus is the contest lifecycle state. Voting marks an open
// vote window; peers use it to gate cross-instance vote submissions.
// Completed and cancelled are terminal; no write moves a contest out
// of them.
type ContestStatus string

const (
	StatusPending    ContestStatus = "pending"
	StatusInProgress ContestStatus = "in_progress"
	StatusVoting     ContestStatus = "voting"
	StatusCompleted  ContestStatus = "completed"
	StatusCancelled  ContestStatus = "cancelled"
)

// RoundStatus cycles pending → bot_responding → voting → completed
// within each round.
type RoundStatus string

const (
	RoundPending       RoundStatus = "pending"
	RoundBotResponding RoundStatus = "bot_responding"
	RoundVoting        RoundStatus = "voting"
	RoundCompleted     RoundStatus = "completed"
)

// Bot is a registered participant. Token is the 64-hex connect secret.
// Winnings accumulates stake payouts across contests.
type Bot struct {
	ID       int64
	UserID   int64
	Name     string
	Token    string
	Rating   int
	Wins     int
	Losses   int
	Winnings int64
}

// Topic is a debate subject.
type Topic struct {
	ID   int64
	Text string
}

// Contest is a scheduled pairing. Preset is the snapshot taken at
// creation; later registry changes never affect a running contest.
type Contest struct {
	ID             int64
	ProBotID       int64
	ConBotID       int64
	TopicID        int64
	PresetID       string
	Preset         preset.Preset
	Status         ContestStatus
	CurrentRound   int
	RoundStatus    RoundStatus
	Stake          int64
	SpectatorCount int
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Winner         *protocol.Position
	Heartbeat      time.Time
}

// Message is one transcript entry. CreatedAt totally orders a contest's
// transcript.
type Message struct {
	ID         int64
	ContestID  int64
	RoundIndex int
	Position   protocol.Position
	BotID      int64
	Content    string
	CreatedAt  time.Time
}

// RoundResult is the closed tally for one round. At most one row per
// (contest, round).
type RoundResult struct {
	ContestID  int64
	RoundIndex int
	ProVotes   int
	ConVotes   int
	Winner     protocol.Position
}

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. SQLite is single-writer; the pool is capped at one connection
// so PRAGMAs apply consistently and SQLITE_BUSY never surfaces.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the handle is usable. Used by the health endpoint.
func (s *Store) Ping() error { return s.db.Ping() }

func applySchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS bots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    INTEGER NOT NULL,
	name       TEXT    NOT NULL,
	token      TEXT    NOT NULL UNIQUE,
	rating     INTEGER NOT NULL DEFAULT 1200,
	wins       INTEGER NOT NULL DEFAULT 0,
	losses     INTEGER NOT NULL DEFAULT 0,
	winnings   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS topics (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	text TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS contests (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	pro_bot_id      INTEGER NOT NULL REFERENCES bots(id),
	con_bot_id      INTEGER NOT NULL REFERENCES bots(id),
	topic_id        INTEGER NOT NULL REFERENCES topics(id),
	preset_id       TEXT    NOT NULL,
	preset_json     TEXT    NOT NULL,
	status          TEXT    NOT NULL,
	current_round   INTEGER NOT NULL DEFAULT 0,
	round_status    TEXT    NOT NULL,
	stake           INTEGER NOT NULL DEFAULT 0,
	spectator_count INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	started_at      INTEGER,
	completed_at    INTEGER,
	winner          TEXT,
	heartbeat       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contests_status ON contests(status);

CREATE TABLE IF NOT EXISTS debate_messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	contest_id  INTEGER NOT NULL REFERENCES contests(id),
	round_index INTEGER NOT NULL,
	position    TEXT    NOT NULL,
	bot_id      INTEGER NOT NULL,
	content     TEXT    NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_contest ON debate_messages(contest_id, created_at, id);

CREATE TABLE IF NOT EXISTS round_results (
	contest_id  INTEGER NOT NULL REFERENCES contests(id),
	round_index INTEGER NOT NULL,
	pro_votes   INTEGER NOT NULL,
	con_votes   INTEGER NOT NULL,
	winner      TEXT    NOT NULL,
	PRIMARY KEY (contest_id, round_index)
);

CREATE TABLE IF NOT EXISTS votes (
	contest_id  INTEGER NOT NULL REFERENCES contests(id),
	round_index INTEGER NOT NULL,
	voter_id    TEXT    NOT NULL,
	choice      TEXT    NOT NULL,
	PRIMARY KEY (contest_id, round_index, voter_id)
);
`
	_, err := db.Exec(schema)
	return err
}

// Timestamps are stored as unix nanoseconds so transcript ordering
// survives sub-second writes.
func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n) }

func fromNanosPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
