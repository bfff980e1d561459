// Package sqlitestore persists the client snapshot in a SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/roomlink/pkg/model"
)

const schemaVersion = "1"

type Store struct {
	dsn string

	mu sync.Mutex
	db *sql.DB
}

func New(dsn string) *Store {
	return &Store{dsn: dsn}
}

// DSNForFile returns a DSN with WAL and a busy timeout for path.
func DSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *Store) conn() (*sql.DB, error) {
	if s == nil {
		return nil, errors.New("sqlite store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("sqlite store: not connected")
	}
	return s.db, nil
}

// Connect opens the database and applies the schema. It reports true when the
// schema did not exist before.
func (s *Store) Connect(ctx context.Context) (bool, error) {
	if s == nil {
		return false, errors.New("sqlite store: nil store")
	}
	if s.dsn == "" {
		return false, errors.New("sqlite store: empty dsn")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return false, nil
	}
	db, err := sql.Open("sqlite3", s.dsn)
	if err != nil {
		return false, errors.Wrap(err, "sqlite store: open")
	}
	existed, err := hasSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return false, err
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return false, err
	}
	s.db = db
	return !existed, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func hasSchema(ctx context.Context, db *sql.DB) (bool, error) {
	var version string
	err := db.QueryRowContext(ctx, `
		SELECT value FROM meta WHERE key = 'schema_version'
	`).Scan(&version)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case strings.Contains(err.Error(), "no such table"):
		return false, nil
	default:
		return false, errors.Wrap(err, "sqlite store: read schema version")
	}
}

func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			room_id INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			users_json TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			room_id INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			sender_id INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL DEFAULT '',
			timestamp_ms INTEGER NOT NULL DEFAULT 0,
			delivery_state TEXT NOT NULL DEFAULT '',
			edited INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (room_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_by_room_time
			ON messages(room_id, timestamp_ms, message_id)`,
		`INSERT INTO meta(key, value) VALUES ('schema_version', '` + schemaVersion + `')
			ON CONFLICT(key) DO NOTHING`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

func (s *Store) SaveMessage(ctx context.Context, m model.Message) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if m.ID == "" {
		return errors.New("sqlite store: message id is empty")
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO messages (
			room_id, message_id, sender_id, content, timestamp_ms, delivery_state, edited
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, message_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			content = excluded.content,
			timestamp_ms = excluded.timestamp_ms,
			delivery_state = excluded.delivery_state,
			edited = excluded.edited
	`, int64(m.RoomID), string(m.ID), int64(m.SenderID), m.Content, m.Timestamp, string(m.DeliveryState), m.Edited)
	if err != nil {
		return errors.Wrap(err, "sqlite store: save message")
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, roomID model.RoomID, id model.MessageID) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM messages WHERE room_id = ? AND message_id = ?`, int64(roomID), string(id)); err != nil {
		return errors.Wrap(err, "sqlite store: delete message")
	}
	return nil
}

func (s *Store) SaveRoom(ctx context.Context, room model.RoomInfo) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	users, err := json.Marshal(nonNilUsers(room.Users))
	if err != nil {
		return errors.Wrap(err, "sqlite store: marshal users")
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO rooms (room_id, name, users_json) VALUES (?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			name = excluded.name,
			users_json = excluded.users_json
	`, int64(room.ID), room.Name, string(users))
	if err != nil {
		return errors.Wrap(err, "sqlite store: save room")
	}
	return nil
}

func (s *Store) DeleteRoom(ctx context.Context, roomID model.RoomID) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite store: begin")
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE room_id = ?`, int64(roomID)); err != nil {
		return errors.Wrap(err, "sqlite store: delete room messages")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE room_id = ?`, int64(roomID)); err != nil {
		return errors.Wrap(err, "sqlite store: delete room")
	}
	return errors.Wrap(tx.Commit(), "sqlite store: commit")
}

func (s *Store) SaveUserInfo(ctx context.Context, info model.UserInfo) error {
	return s.putMeta(ctx, "user_info", info)
}

func (s *Store) SaveSettings(ctx context.Context, settings model.Settings) error {
	return s.putMeta(ctx, "settings", settings)
}

func (s *Store) putMeta(ctx context.Context, key string, v any) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "sqlite store: marshal %s", key)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, string(b))
	if err != nil {
		return errors.Wrapf(err, "sqlite store: save %s", key)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite store: begin")
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range []string{
		`DELETE FROM messages`,
		`DELETE FROM rooms`,
		`DELETE FROM meta WHERE key IN ('user_info', 'settings')`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "sqlite store: clear")
		}
	}
	return errors.Wrap(tx.Commit(), "sqlite store: commit")
}

// GetAllTree returns nil when nothing has been persisted yet.
func (s *Store) GetAllTree(ctx context.Context) (*model.Snapshot, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	snap := model.NewSnapshot()
	empty := true

	rows, err := db.QueryContext(ctx, `SELECT room_id, name, users_json FROM rooms ORDER BY room_id`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list rooms")
	}
	for rows.Next() {
		var (
			id        int64
			name      string
			usersJSON string
		)
		if err := rows.Scan(&id, &name, &usersJSON); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, "sqlite store: scan room")
		}
		var users []model.UserID
		if err := json.Unmarshal([]byte(usersJSON), &users); err != nil {
			_ = rows.Close()
			return nil, errors.Wrapf(err, "sqlite store: room %d users", id)
		}
		snap.RoomsDict[model.RoomID(id)] = model.RoomSnapshot{
			RoomInfo: model.RoomInfo{ID: model.RoomID(id), Name: name, Users: users},
			Messages: map[model.MessageID]model.Message{},
		}
		empty = false
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, errors.Wrap(err, "sqlite store: list rooms")
	}
	_ = rows.Close()

	rows, err = db.QueryContext(ctx, `
		SELECT room_id, message_id, sender_id, content, timestamp_ms, delivery_state, edited
		FROM messages
		ORDER BY room_id ASC, timestamp_ms ASC, message_id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list messages")
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			m        model.Message
			roomID   int64
			id       string
			senderID int64
			state    string
		)
		if err := rows.Scan(&roomID, &id, &senderID, &m.Content, &m.Timestamp, &state, &m.Edited); err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan message")
		}
		room, ok := snap.RoomsDict[model.RoomID(roomID)]
		if !ok {
			continue
		}
		m.ID = model.MessageID(id)
		m.RoomID = model.RoomID(roomID)
		m.SenderID = model.UserID(senderID)
		m.DeliveryState = model.DeliveryState(state)
		room.Messages[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite store: list messages")
	}

	var ui model.UserInfo
	ok, err := s.getMeta(ctx, db, "user_info", &ui)
	if err != nil {
		return nil, err
	}
	if ok {
		snap.UserInfo = &ui
		empty = false
	}
	var st model.Settings
	ok, err = s.getMeta(ctx, db, "settings", &st)
	if err != nil {
		return nil, err
	}
	if ok {
		snap.Settings = &st
		empty = false
	}
	if empty {
		return nil, nil
	}
	return snap, nil
}

func (s *Store) getMeta(ctx context.Context, db *sql.DB, key string, dst any) (bool, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "sqlite store: read %s", key)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, errors.Wrapf(err, "sqlite store: decode %s", key)
	}
	return true, nil
}

func nonNilUsers(users []model.UserID) []model.UserID {
	if users == nil {
		return []model.UserID{}
	}
	return users
}
