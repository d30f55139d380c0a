package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nibty/agonai-sub001/internal/protocol"
)

// CreateBot registers a bot. Token must be the 64-hex connect secret.
func (s *Store) CreateBot(ctx context.Context, userID int64, name, token string, rating int) (*Bot, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bots (user_id, name, token, rating) VALUES (?, ?, ?, ?)`,
		userID, name, token, rating)
	if err != nil {
		return nil, fmt.Errorf("insert bot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Bot{ID: id, UserID: userID, Name: name, Token: token, Rating: rating}, nil
}

func (s *Store) scanBot(row *sql.Row) (*Bot, error) {
	var b Bot
	err := row.Scan(&b.ID, &b.UserID, &b.Name, &b.Token, &b.Rating, &b.Wins, &b.Losses, &b.Winnings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan bot: %w", err)
	}
	return &b, nil
}

// GetBot loads one bot row.
func (s *Store) GetBot(ctx context.Context, id int64) (*Bot, error) {
	return s.scanBot(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, token, rating, wins, losses, winnings FROM bots WHERE id = ?`, id))
}

// GetBotByToken resolves a connect token to a bot identity.
func (s *Store) GetBotByToken(ctx context.Context, token string) (*Bot, error) {
	return s.scanBot(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, token, rating, wins, losses, winnings FROM bots WHERE token = ?`, token))
}

// ApplyMatchResult writes both bots' post-match cumulative records in
// one transaction.
func (s *Store) ApplyMatchResult(ctx context.Context, winnerID int64, winnerRating int, loserID int64, loserRating int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE bots SET rating = ?, wins = wins + 1 WHERE id = ?`, winnerRating, winnerID); err != nil {
		return fmt.Errorf("update winner: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE bots SET rating = ?, losses = losses + 1 WHERE id = ?`, loserRating, loserID); err != nil {
		return fmt.Errorf("update loser: %w", err)
	}
	return tx.Commit()
}

// SettleStake credits a contest's pot to one bot. The amount is the
// full pot (both sides' stakes); the loser's stake was already
// committed at pairing time.
func (s *Store) SettleStake(ctx context.Context, botID, amount int64) error {
	if amount <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET winnings = winnings + ? WHERE id = ?`, amount, botID)
	if err != nil {
		return fmt.Errorf("settle stake: %w", err)
	}
	return nil
}

// CreateTopic inserts a debate subject.
func (s *Store) CreateTopic(ctx context.Context, text string) (*Topic, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO topics (text) VALUES (?)`, text)
	if err != nil {
		return nil, fmt.Errorf("insert topic: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Topic{ID: id, Text: text}, nil
}

// GetTopic loads one topic.
func (s *Store) GetTopic(ctx context.Context, id int64) (*Topic, error) {
	var t Topic
	err := s.db.QueryRowContext(ctx,
		`SELECT id, text FROM topics WHERE id = ?`, id).Scan(&t.ID, &t.Text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// PickTopic returns a random topic for a fresh pairing.
func (s *Store) PickTopic(ctx context.Context) (*Topic, error) {
	var t Topic
	err := s.db.QueryRowContext(ctx,
		`SELECT id, text FROM topics ORDER BY RANDOM() LIMIT 1`).Scan(&t.ID, &t.Text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertMessage appends a transcript entry.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO debate_messages (contest_id, round_index, position, bot_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ContestID, m.RoundIndex, m.Position, m.BotID, m.Content, toNanos(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// ListMessages returns a contest's transcript in creation order.
func (s *Store) ListMessages(ctx context.Context, contestID int64) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contest_id, round_index, position, bot_id, content, created_at
		FROM debate_messages WHERE contest_id = ?
		ORDER BY created_at, id`, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ContestID, &m.RoundIndex, &m.Position, &m.BotID, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = fromNanos(createdAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// InsertVote records a vote, returning false when the (contest, round,
// voter) triple already has one. First submission wins.
func (s *Store) InsertVote(ctx context.Context, contestID int64, roundIndex int, voterID string, choice protocol.Position) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO votes (contest_id, round_index, voter_id, choice)
		VALUES (?, ?, ?, ?)`,
		contestID, roundIndex, voterID, choice)
	if err != nil {
		return false, fmt.Errorf("insert vote: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountVotes tallies the current votes for one round.
func (s *Store) CountVotes(ctx context.Context, contestID int64, roundIndex int) (pro, con int, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT choice, COUNT(*) FROM votes
		WHERE contest_id = ? AND round_index = ?
		GROUP BY choice`, contestID, roundIndex)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var choice protocol.Position
		var n int
		if err := rows.Scan(&choice, &n); err != nil {
			return 0, 0, err
		}
		switch choice {
		case protocol.PositionPro:
			pro = n
		case protocol.PositionCon:
			con = n
		}
	}
	return pro, con, rows.Err()
}

// InsertRoundResult writes a round's closed tally once; a duplicate
// (contest, round) is ignored and reported as false.
func (s *Store) InsertRoundResult(ctx context.Context, r *RoundResult) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO round_results (contest_id, round_index, pro_votes, con_votes, winner)
		VALUES (?, ?, ?, ?, ?)`,
		r.ContestID, r.RoundIndex, r.ProVotes, r.ConVotes, r.Winner)
	if err != nil {
		return false, fmt.Errorf("insert round result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListRoundResults returns a contest's closed rounds in order.
func (s *Store) ListRoundResults(ctx context.Context, contestID int64) ([]*RoundResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contest_id, round_index, pro_votes, con_votes, winner
		FROM round_results WHERE contest_id = ?
		ORDER BY round_index`, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RoundResult
	for rows.Next() {
		var r RoundResult
		if err := rows.Scan(&r.ContestID, &r.RoundIndex, &r.ProVotes, &r.ConVotes, &r.Winner); err != nil {
			return nil, fmt.Errorf("scan round result: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
