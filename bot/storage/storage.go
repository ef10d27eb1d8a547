// Package storage is the Postgres data access layer.
package storage

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// User is a registered bot user.
type User struct {
	ID        int64          `db:"id"`
	Language  string         `db:"language"`
	CustomRef sql.NullString `db:"custom_ref"`
	FirstName sql.NullString `db:"first_name"`
	Username  sql.NullString `db:"username"`
	CreatedAt time.Time      `db:"created_at"`
}

// Channel is one mandatory-subscription channel.
type Channel struct {
	ID   string `db:"channel_id"`
	Name string `db:"name"`
	Link string `db:"link"`
}

// Message is an archived relayed message, addressed by its token.
// Sender and receiver display fields are frozen at send time so the
// block report shows who was involved even if they rename later.
type Message struct {
	Token            string         `db:"token"`
	SenderID         int64          `db:"sender_id"`
	ReceiverID       int64          `db:"receiver_id"`
	SenderName       sql.NullString `db:"sender_name"`
	SenderUsername   sql.NullString `db:"sender_username"`
	ReceiverName     sql.NullString `db:"receiver_name"`
	ReceiverUsername sql.NullString `db:"receiver_username"`
	Text             sql.NullString `db:"text"`
	MediaType        sql.NullString `db:"media_type"`
	FileID           sql.NullString `db:"file_id"`
	Caption          sql.NullString `db:"caption"`
	CreatedAt        time.Time      `db:"created_at"`
}

// TopUser is one row of the popularity leaderboard.
type TopUser struct {
	ID        int64          `db:"id"`
	FirstName sql.NullString `db:"first_name"`
	Username  sql.NullString `db:"username"`
	Referrals int            `db:"referrals"`
}

// Stats is the aggregate counters shown to the admin.
type Stats struct {
	Users    int `db:"users"`
	Banned   int `db:"banned"`
	Messages int `db:"messages"`
}

// UserCounters is the per-user activity summary behind /mystats and the
// admin user lookup. Blocks counts entries on the user's own blacklist.
type UserCounters struct {
	TotalMessages  int
	TodayMessages  int
	TotalReferrals int
	TodayReferrals int
	Rank           int
	Blocks         int
}

// Store bundles all queries over one connection pool.
type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store { return &Store{db: db} }
