package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveMessage archives a relayed message under its token.
func (s *Store) SaveMessage(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages
			(token, sender_id, receiver_id, sender_name, sender_username,
			 receiver_name, receiver_username, text, media_type, file_id, caption)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.Token, m.SenderID, m.ReceiverID, m.SenderName, m.SenderUsername,
		m.ReceiverName, m.ReceiverUsername, m.Text, m.MediaType, m.FileID, m.Caption)
	if err != nil {
		return fmt.Errorf("storage: save message %s: %w", m.Token, err)
	}
	return nil
}

// GetMessage returns nil when the token is unknown.
func (s *Store) GetMessage(ctx context.Context, token string) (*Message, error) {
	var m Message
	err := s.db.GetContext(ctx, &m,
		`SELECT * FROM messages WHERE token = $1`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get message %s: %w", token, err)
	}
	return &m, nil
}

// AddReferral records the referred user's first visit through the
// referrer's personal link. Repeat visits by the same pair are ignored.
func (s *Store) AddReferral(ctx context.Context, referrerID, referredID int64) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO referrals (referrer_id, referred_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		referrerID, referredID); err != nil {
		return fmt.Errorf("storage: add referral %d -> %d: %w", referrerID, referredID, err)
	}
	return nil
}

// BotStats returns the global counters for the admin /stats command.
func (s *Store) BotStats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.GetContext(ctx, &st, `
		SELECT
			(SELECT COUNT(*) FROM users)        AS users,
			(SELECT COUNT(*) FROM banned_users) AS banned,
			(SELECT COUNT(*) FROM messages)     AS messages`)
	if err != nil {
		return Stats{}, fmt.Errorf("storage: bot stats: %w", err)
	}
	return st, nil
}

// UserStats collects the per-user counters. Rank orders all users by
// total referrals, most popular first; ties share a rank.
func (s *Store) UserStats(ctx context.Context, userID int64) (UserCounters, error) {
	var c UserCounters
	err := s.db.GetContext(ctx, &c.TotalMessages,
		`SELECT COUNT(*) FROM messages WHERE receiver_id = $1`, userID)
	if err != nil {
		return c, fmt.Errorf("storage: user stats for %d: %w", userID, err)
	}
	err = s.db.GetContext(ctx, &c.TodayMessages, `
		SELECT COUNT(*) FROM messages
		WHERE receiver_id = $1 AND created_at::date = CURRENT_DATE`, userID)
	if err != nil {
		return c, fmt.Errorf("storage: user stats for %d: %w", userID, err)
	}
	err = s.db.GetContext(ctx, &c.TotalReferrals,
		`SELECT COUNT(*) FROM referrals WHERE referrer_id = $1`, userID)
	if err != nil {
		return c, fmt.Errorf("storage: user stats for %d: %w", userID, err)
	}
	err = s.db.GetContext(ctx, &c.TodayReferrals, `
		SELECT COUNT(*) FROM referrals
		WHERE referrer_id = $1 AND created_at::date = CURRENT_DATE`, userID)
	if err != nil {
		return c, fmt.Errorf("storage: user stats for %d: %w", userID, err)
	}
	c.Rank, err = s.PopularityRank(ctx, userID)
	if err != nil {
		return c, err
	}
	c.Blocks, err = s.CountBlocks(ctx, userID)
	return c, err
}

// PopularityRank is the user's position on the referral leaderboard.
func (s *Store) PopularityRank(ctx context.Context, userID int64) (int, error) {
	var rank int
	err := s.db.GetContext(ctx, &rank, `
		SELECT rank FROM (
			SELECT u.id, RANK() OVER (ORDER BY COUNT(r.id) DESC) AS rank
			FROM users u
			LEFT JOIN referrals r ON r.referrer_id = u.id
			GROUP BY u.id
		) ranked WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: popularity rank for %d: %w", userID, err)
	}
	return rank, nil
}

// TopUsers lists the leaderboard, most referred first.
func (s *Store) TopUsers(ctx context.Context, limit int) ([]TopUser, error) {
	var top []TopUser
	err := s.db.SelectContext(ctx, &top, `
		SELECT u.id, u.first_name, u.username, COUNT(r.id) AS referrals
		FROM users u
		LEFT JOIN referrals r ON r.referrer_id = u.id
		GROUP BY u.id, u.first_name, u.username
		ORDER BY referrals DESC, u.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: top users: %w", err)
	}
	return top, nil
}
