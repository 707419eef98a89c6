// Package history provides PostgreSQL-backed archival of matched sessions.
// One row is written when a pair is formed and stamped with a close time when
// either participant departs. The archive is for offline analysis only; the
// match path never reads it and archive failures never break a match.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/peerprep/practice-server/internal/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store archives session lifecycle events in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection, and applies any
// pending migrations.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// runMigrations applies the embedded schema migrations.
func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("history: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("history: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migrate up: %w", err)
	}
	return nil
}

// RecordCreated inserts a row for a freshly formed session. A key collision
// (retry after a partial failure) updates the row instead of erroring.
func (s *Store) RecordCreated(ctx context.Context, sess store.Session) error {
	const query = `
		INSERT INTO session_history (session_key, participant_a, participant_b, room_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_key) DO UPDATE
		SET participant_a = EXCLUDED.participant_a,
		    participant_b = EXCLUDED.participant_b,
		    room_id       = EXCLUDED.room_id,
		    created_at    = EXCLUDED.created_at,
		    closed_at     = NULL`

	_, err := s.db.ExecContext(ctx, query,
		sess.Key, sess.AConnID, sess.BConnID, sess.RoomID, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// RecordClosed stamps the session's close time. Closing an unknown or already
// closed session is a no-op.
func (s *Store) RecordClosed(ctx context.Context, key string) error {
	const query = `
		UPDATE session_history
		SET closed_at = NOW()
		WHERE session_key = $1 AND closed_at IS NULL`

	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("history: close: %w", err)
	}
	return nil
}

// RecentByRoom returns up to limit of the most recent sessions formed in a
// room, newest first.
func (s *Store) RecentByRoom(ctx context.Context, roomID string, limit int) ([]store.Session, error) {
	const query = `
		SELECT session_key, participant_a, participant_b, room_id, created_at
		FROM session_history
		WHERE room_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []store.Session
	for rows.Next() {
		var sess store.Session
		if err := rows.Scan(&sess.Key, &sess.AConnID, &sess.BConnID, &sess.RoomID, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
