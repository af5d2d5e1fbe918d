// Package store is the durable-store collaborator boundary. The manager
// holds no durable state itself: this package persists messages and read
// receipts that accompany dispatched events, resolves room membership for
// auto-join at session start, and serves bounded history queries for resync.
// Everything in the registry, room index, and typing tracker is lost on
// restart by design.
package store

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
	_ "github.com/lib/pq" // postgres driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ResyncLimit caps the number of messages returned by a history query.
const ResyncLimit = 50

// ErrMessageNotFound is returned when an operation references a message that
// does not exist in the given room.
var ErrMessageNotFound = errors.New("store: message not found in room")

// Message is one persisted chat message.
type Message struct {
	ID        int64
	RoomID    string
	Sender    string
	Text      string
	CreatedAt time.Time
}

// Store manages chat persistence in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN and verifies the
// connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle, used by tests.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: init migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// RoomsOf returns the rooms the identity is a member of, resolved at session
// start for auto-join.
func (s *Store) RoomsOf(ctx context.Context, identity string) ([]string, error) {
	const query = `
		SELECT room_id
		FROM room_members
		WHERE identity = $1
		ORDER BY room_id`

	rows, err := s.db.QueryContext(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("store: rooms of %s: %w", identity, err)
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, fmt.Errorf("store: scan room: %w", err)
		}
		rooms = append(rooms, roomID)
	}
	return rooms, rows.Err()
}

// AddMember records the identity as a member of the room. Idempotent.
func (s *Store) AddMember(ctx context.Context, roomID, identity string) error {
	const query = `
		INSERT INTO room_members (room_id, identity)
		VALUES ($1, $2)
		ON CONFLICT (room_id, identity) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, roomID, identity); err != nil {
		return fmt.Errorf("store: add member: %w", err)
	}
	return nil
}

// RemoveMember removes the identity's membership of the room.
func (s *Store) RemoveMember(ctx context.Context, roomID, identity string) error {
	const query = `DELETE FROM room_members WHERE room_id = $1 AND identity = $2`

	if _, err := s.db.ExecContext(ctx, query, roomID, identity); err != nil {
		return fmt.Errorf("store: remove member: %w", err)
	}
	return nil
}

// SaveMessage persists a chat message and returns it with its assigned ID
// and timestamp.
func (s *Store) SaveMessage(ctx context.Context, roomID, sender, text string) (Message, error) {
	const query = `
		INSERT INTO messages (room_id, sender, text)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	msg := Message{RoomID: roomID, Sender: sender, Text: text}
	err := s.db.QueryRowContext(ctx, query, roomID, sender, text).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("store: save message: %w", err)
	}
	return msg, nil
}

// SaveReadReceipt records that the identity read the message. The message
// must exist in the given room, otherwise ErrMessageNotFound is returned.
// Duplicate receipts are idempotent: the original read_at is kept and
// returned.
func (s *Store) SaveReadReceipt(ctx context.Context, roomID string, messageID int64, identity string) (time.Time, error) {
	// The INSERT selects from messages so a receipt can never reference a
	// message outside the claimed room. DO UPDATE with the existing value
	// so RETURNING yields a row on conflict as well.
	const query = `
		INSERT INTO read_receipts (message_id, identity)
		SELECT m.id, $3 FROM messages m
		WHERE m.id = $1 AND m.room_id = $2
		ON CONFLICT (message_id, identity)
		DO UPDATE SET read_at = read_receipts.read_at
		RETURNING read_at`

	var readAt time.Time
	err := s.db.QueryRowContext(ctx, query, messageID, roomID, identity).Scan(&readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrMessageNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: save read receipt: %w", err)
	}
	return readAt, nil
}

// MessagesAfter returns up to ResyncLimit messages in the room with an ID
// greater than afterID, in chronological order. It serves resync requests
// after a reconnect.
func (s *Store) MessagesAfter(ctx context.Context, roomID string, afterID int64) ([]Message, error) {
	const query = `
		SELECT id, room_id, sender, text, created_at
		FROM messages
		WHERE room_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, roomID, afterID, ResyncLimit)
	if err != nil {
		return nil, fmt.Errorf("store: messages after %d: %w", afterID, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Sender, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
