package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/m3rciful/anonbot/bot/session"
)

// SessionStore persists sessions in the sessions table, one row per user.
// It implements session.Store.
type SessionStore struct {
	store *Store
}

func (s *Store) Sessions() *SessionStore { return &SessionStore{store: s} }

func (ss *SessionStore) Get(ctx context.Context, userID int64) (*session.Session, error) {
	var row struct {
		Step string `db:"step"`
		Data []byte `db:"data"`
	}
	err := ss.store.db.GetContext(ctx, &row,
		`SELECT step, data FROM sessions WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get session for %d: %w", userID, err)
	}
	step := session.Step(row.Step)
	payload, err := session.DecodePayload(step, row.Data)
	if err != nil {
		return nil, fmt.Errorf("storage: session for %d: %w", userID, err)
	}
	return &session.Session{UserID: userID, Step: step, Payload: payload}, nil
}

func (ss *SessionStore) Put(ctx context.Context, s session.Session) error {
	data, err := session.EncodePayload(s.Payload)
	if err != nil {
		return fmt.Errorf("storage: put session for %d: %w", s.UserID, err)
	}
	_, err = ss.store.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, step, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET step = $2, data = $3, updated_at = NOW()`,
		s.UserID, string(s.Step), data)
	if err != nil {
		return fmt.Errorf("storage: put session for %d: %w", s.UserID, err)
	}
	return nil
}

func (ss *SessionStore) Delete(ctx context.Context, userID int64) error {
	if _, err := ss.store.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("storage: delete session for %d: %w", userID, err)
	}
	return nil
}
