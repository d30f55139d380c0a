package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nibty/agonai-sub001/internal/preset"
	"github.com/nibty/agonai-sub001/internal/protocol"
)

// ErrNotFound is returned when a row lookup misses.
var ErrNotFound = errors.New("not found")

// CreateContest inserts a pending contest with a snapshot of its preset.
func (s *Store) CreateContest(ctx context.Context, proBotID, conBotID, topicID int64, p preset.Preset, stake int64) (*Contest, error) {
	snapshot, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("snapshot preset: %w", err)
	}
	now := time.Now()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO contests (pro_bot_id, con_bot_id, topic_id, preset_id, preset_json,
			status, current_round, round_status, stake, created_at, heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		proBotID, conBotID, topicID, p.ID, string(snapshot),
		StatusPending, RoundPending, stake, toNanos(now), toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("insert contest: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &Contest{
		ID:          id,
		ProBotID:    proBotID,
		ConBotID:    conBotID,
		TopicID:     topicID,
		PresetID:    p.ID,
		Preset:      p,
		Status:      StatusPending,
		RoundStatus: RoundPending,
		Stake:       stake,
		CreatedAt:   now,
		Heartbeat:   now,
	}, nil
}

func (s *Store) scanContest(row *sql.Row) (*Contest, error) {
	var (
		c          Contest
		presetJSON string
		createdAt  int64
		heartbeat  int64
		startedAt  sql.NullInt64
		completed  sql.NullInt64
		winner     sql.NullString
	)
	err := row.Scan(&c.ID, &c.ProBotID, &c.ConBotID, &c.TopicID, &c.PresetID, &presetJSON,
		&c.Status, &c.CurrentRound, &c.RoundStatus, &c.Stake, &c.SpectatorCount,
		&createdAt, &startedAt, &completed, &winner, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan contest: %w", err)
	}
	if err := json.Unmarshal([]byte(presetJSON), &c.Preset); err != nil {
		return nil, fmt.Errorf("decode preset snapshot: %w", err)
	}
	c.CreatedAt = fromNanos(createdAt)
	c.Heartbeat = fromNanos(heartbeat)
	c.StartedAt = fromNanosPtr(startedAt)
	c.CompletedAt = fromNanosPtr(completed)
	if winner.Valid {
		w := protocol.Position(winner.String)
		c.Winner = &w
	}
	return &c, nil
}

const contestColumns = `id, pro_bot_id, con_bot_id, topic_id, preset_id, preset_json,
	status, current_round, round_status, stake, spectator_count,
	created_at, started_at, completed_at, winner, heartbeat`

// GetContest loads one contest row.
func (s *Store) GetContest(ctx context.Context, id int64) (*Contest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contestColumns+` FROM contests WHERE id = ?`, id)
	return s.scanContest(row)
}

// MarkContestStarted moves pending → in_progress and stamps startedAt.
func (s *Store) MarkContestStarted(ctx context.Context, id int64) error {
	now := toNanos(time.Now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE contests SET status = ?, started_at = ?, heartbeat = ?
		WHERE id = ? AND status = ?`,
		StatusInProgress, now, now, id, StatusPending)
	return err
}

// SetContestRound persists the round cursor and phase, and bumps the
// heartbeat used by peer recovery to detect stuck contests. The
// contest-level status mirrors the phase: voting while a vote window
// is open, in_progress otherwise.
func (s *Store) SetContestRound(ctx context.Context, id int64, roundIndex int, rs RoundStatus) error {
	status := StatusInProgress
	if rs == RoundVoting {
		status = StatusVoting
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE contests SET status = ?, current_round = ?, round_status = ?, heartbeat = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		status, roundIndex, rs, toNanos(time.Now()), id, StatusCompleted, StatusCancelled)
	return err
}

// TouchHeartbeat bumps only the heartbeat.
func (s *Store) TouchHeartbeat(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contests SET heartbeat = ? WHERE id = ?`, toNanos(time.Now()), id)
	return err
}

// CompleteContest is terminal: status=completed, winner, completedAt.
// A contest already in a terminal state is left untouched.
func (s *Store) CompleteContest(ctx context.Context, id int64, winner protocol.Position) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contests SET status = ?, winner = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		StatusCompleted, winner, toNanos(time.Now()), id, StatusCompleted, StatusCancelled)
	return err
}

// CancelContest is terminal.
func (s *Store) CancelContest(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contests SET status = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		StatusCancelled, toNanos(time.Now()), id, StatusCompleted, StatusCancelled)
	return err
}

// SetSpectatorCount records the current watcher count.
func (s *Store) SetSpectatorCount(ctx context.Context, id int64, n int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contests SET spectator_count = ? WHERE id = ?`, n, id)
	return err
}

func (s *Store) listContests(ctx context.Context, query string, args ...any) ([]*Contest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Contest
	for rows.Next() {
		var (
			c          Contest
			presetJSON string
			createdAt  int64
			heartbeat  int64
			startedAt  sql.NullInt64
			completed  sql.NullInt64
			winner     sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.ProBotID, &c.ConBotID, &c.TopicID, &c.PresetID, &presetJSON,
			&c.Status, &c.CurrentRound, &c.RoundStatus, &c.Stake, &c.SpectatorCount,
			&createdAt, &startedAt, &completed, &winner, &heartbeat); err != nil {
			return nil, fmt.Errorf("scan contest: %w", err)
		}
		if err := json.Unmarshal([]byte(presetJSON), &c.Preset); err != nil {
			return nil, fmt.Errorf("decode preset snapshot: %w", err)
		}
		c.CreatedAt = fromNanos(createdAt)
		c.Heartbeat = fromNanos(heartbeat)
		c.StartedAt = fromNanosPtr(startedAt)
		c.CompletedAt = fromNanosPtr(completed)
		if winner.Valid {
			w := protocol.Position(winner.String)
			c.Winner = &w
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListActiveContests returns all live contests across the fleet,
// whether mid-round or in a voting window.
func (s *Store) ListActiveContests(ctx context.Context) ([]*Contest, error) {
	return s.listContests(ctx,
		`SELECT `+contestColumns+` FROM contests WHERE status IN (?, ?) ORDER BY id`,
		StatusInProgress, StatusVoting)
}

// ListStuckContests returns live contests whose heartbeat is older
// than cutoff, i.e. whose owner likely died.
func (s *Store) ListStuckContests(ctx context.Context, cutoff time.Time) ([]*Contest, error) {
	return s.listContests(ctx,
		`SELECT `+contestColumns+` FROM contests WHERE status IN (?, ?) AND heartbeat < ? ORDER BY id`,
		StatusInProgress, StatusVoting, toNanos(cutoff))
}
