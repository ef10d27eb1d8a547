package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertUser registers the user or refreshes the display fields Telegram
// may have changed since the last update.
func (s *Store) UpsertUser(ctx context.Context, id int64, firstName, username string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, first_name, username)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''))
		ON CONFLICT (id) DO UPDATE
		SET first_name = COALESCE(NULLIF($2, ''), users.first_name),
		    username   = COALESCE(NULLIF($3, ''), users.username)`,
		id, firstName, username)
	if err != nil {
		return fmt.Errorf("storage: upsert user %d: %w", id, err)
	}
	return nil
}

// GetUser returns nil when the user is not registered.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get user %d: %w", id, err)
	}
	return &u, nil
}

func (s *Store) SetLanguage(ctx context.Context, id int64, lang string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET language = $2 WHERE id = $1`, id, lang); err != nil {
		return fmt.Errorf("storage: set language for %d: %w", id, err)
	}
	return nil
}

// Language returns the stored language or "" when unset or unknown user.
func (s *Store) Language(ctx context.Context, id int64) (string, error) {
	var lang sql.NullString
	err := s.db.GetContext(ctx, &lang,
		`SELECT language FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: language for %d: %w", id, err)
	}
	return lang.String, nil
}

// UserIDByCustomRef resolves a custom referral slug to its owner.
// Returns 0 when no user holds the slug.
func (s *Store) UserIDByCustomRef(ctx context.Context, slug string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		`SELECT id FROM users WHERE custom_ref = $1`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: user by custom ref: %w", err)
	}
	return id, nil
}

// HasDefaultRef reports whether the user exists and still uses the
// encoded-ID referral link. Once a custom slug is set the old link
// stops resolving.
func (s *Store) HasDefaultRef(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := s.db.GetContext(ctx, &ok,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND custom_ref IS NULL)`, id)
	if err != nil {
		return false, fmt.Errorf("storage: has default ref %d: %w", id, err)
	}
	return ok, nil
}

func (s *Store) IsRefTaken(ctx context.Context, slug string) (bool, error) {
	var taken bool
	err := s.db.GetContext(ctx, &taken,
		`SELECT EXISTS (SELECT 1 FROM users WHERE custom_ref = $1)`, slug)
	if err != nil {
		return false, fmt.Errorf("storage: is ref taken: %w", err)
	}
	return taken, nil
}

func (s *Store) SetCustomRef(ctx context.Context, id int64, slug string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET custom_ref = $2 WHERE id = $1`, id, slug); err != nil {
		return fmt.Errorf("storage: set custom ref for %d: %w", id, err)
	}
	return nil
}

// AllUserIDs lists every registered user for fan-out delivery.
func (s *Store) AllUserIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM users ORDER BY id`); err != nil {
		return nil, fmt.Errorf("storage: list user ids: %w", err)
	}
	return ids, nil
}

func (s *Store) BanUser(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO banned_users (user_id) VALUES ($1) ON CONFLICT DO NOTHING`, id); err != nil {
		return fmt.Errorf("storage: ban user %d: %w", id, err)
	}
	return nil
}

// UnbanUser reports whether the user was actually banned.
func (s *Store) UnbanUser(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM banned_users WHERE user_id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("storage: unban user %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: unban user %d: %w", id, err)
	}
	return n > 0, nil
}

func (s *Store) IsBanned(ctx context.Context, id int64) (bool, error) {
	var banned bool
	err := s.db.GetContext(ctx, &banned,
		`SELECT EXISTS (SELECT 1 FROM banned_users WHERE user_id = $1)`, id)
	if err != nil {
		return false, fmt.Errorf("storage: is banned %d: %w", id, err)
	}
	return banned, nil
}

// AddBlock records target on owner's personal blacklist.
func (s *Store) AddBlock(ctx context.Context, ownerID, targetID int64) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO user_blacklists (user_id, blocked_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, ownerID, targetID); err != nil {
		return fmt.Errorf("storage: add block %d -> %d: %w", ownerID, targetID, err)
	}
	return nil
}

// RemoveBlock reports whether the target was actually on the blacklist.
func (s *Store) RemoveBlock(ctx context.Context, ownerID, targetID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_blacklists WHERE user_id = $1 AND blocked_id = $2`,
		ownerID, targetID)
	if err != nil {
		return false, fmt.Errorf("storage: remove block %d -> %d: %w", ownerID, targetID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: remove block %d -> %d: %w", ownerID, targetID, err)
	}
	return n > 0, nil
}

func (s *Store) IsBlocked(ctx context.Context, ownerID, targetID int64) (bool, error) {
	var blocked bool
	err := s.db.GetContext(ctx, &blocked, `
		SELECT EXISTS (
			SELECT 1 FROM user_blacklists WHERE user_id = $1 AND blocked_id = $2
		)`, ownerID, targetID)
	if err != nil {
		return false, fmt.Errorf("storage: is blocked %d -> %d: %w", ownerID, targetID, err)
	}
	return blocked, nil
}

func (s *Store) CountBlocks(ctx context.Context, ownerID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM user_blacklists WHERE user_id = $1`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("storage: count blocks for %d: %w", ownerID, err)
	}
	return n, nil
}

func (s *Store) ClearBlocks(ctx context.Context, ownerID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM user_blacklists WHERE user_id = $1`, ownerID); err != nil {
		return fmt.Errorf("storage: clear blocks for %d: %w", ownerID, err)
	}
	return nil
}
