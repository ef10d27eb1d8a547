package storage

import (
	"context"
	"fmt"
)

// ReplaceChannels swaps the mandatory-channel list atomically.
func (s *Store) ReplaceChannels(ctx context.Context, channels []Channel) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: replace channels: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM channels`); err != nil {
		return fmt.Errorf("storage: replace channels: %w", err)
	}
	for i, ch := range channels {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channels (position, channel_id, name, link)
			VALUES ($1, $2, $3, $4)`, i+1, ch.ID, ch.Name, ch.Link); err != nil {
			return fmt.Errorf("storage: replace channels: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: replace channels: %w", err)
	}
	return nil
}

// ListChannels returns the gating channels in configured order. An empty
// list means the bot runs without a subscription requirement.
func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	var channels []Channel
	err := s.db.SelectContext(ctx, &channels,
		`SELECT channel_id, name, link FROM channels ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("storage: list channels: %w", err)
	}
	return channels, nil
}

func (s *Store) ClearChannels(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM channels`); err != nil {
		return fmt.Errorf("storage: clear channels: %w", err)
	}
	return nil
}
