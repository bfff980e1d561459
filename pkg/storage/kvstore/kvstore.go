// Package kvstore persists the client snapshot as flat keys in a pebble database.
//
// Key layout:
//
//	meta:version               schema marker, written on first Connect
//	room:<room>                RoomInfo as JSON
//	msg:<room>:<message id>    Message as JSON
//	user                       UserInfo as JSON
//	settings                   Settings as JSON
//
// Room ids are zero padded so a prefix scan returns one room's messages.
package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomlink/pkg/model"
)

const (
	versionKey   = "meta:version"
	userKey      = "user"
	settingsKey  = "settings"
	roomPrefix   = "room:"
	msgPrefix    = "msg:"
	memDirname   = "roomlink"
	schemaMarker = "1"
)

type Store struct {
	dir string
	fs  vfs.FS

	mu sync.Mutex
	db *pebble.DB
}

// New returns a store rooted at dir. An empty dir keeps everything in memory for
// the lifetime of the Store value.
func New(dir string) *Store {
	s := &Store{dir: dir}
	if dir == "" {
		s.dir = memDirname
		s.fs = vfs.NewMem()
	}
	return s
}

func (s *Store) handle() (*pebble.DB, error) {
	if s == nil {
		return nil, errors.New("kv store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("kv store: not connected")
	}
	return s.db, nil
}

func (s *Store) Connect(ctx context.Context) (bool, error) {
	if s == nil {
		return false, errors.New("kv store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return false, nil
	}
	opts := &pebble.Options{Logger: pebbleLogger{l: log.With().Str("component", "kvstore").Logger()}}
	if s.fs != nil {
		opts.FS = s.fs
	}
	db, err := pebble.Open(s.dir, opts)
	if err != nil {
		return false, errors.Wrapf(err, "kv store: open %s", s.dir)
	}
	_, closer, err := db.Get([]byte(versionKey))
	switch {
	case err == nil:
		_ = closer.Close()
		s.db = db
		return false, nil
	case errors.Is(err, pebble.ErrNotFound):
	default:
		_ = db.Close()
		return false, errors.Wrap(err, "kv store: read version")
	}
	if err := db.Set([]byte(versionKey), []byte(schemaMarker), pebble.Sync); err != nil {
		_ = db.Close()
		return false, errors.Wrap(err, "kv store: write version")
	}
	s.db = db
	return true, nil
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

func roomKey(id model.RoomID) []byte {
	return []byte(fmt.Sprintf("%s%020d", roomPrefix, int64(id)))
}

func roomMessagesPrefix(id model.RoomID) []byte {
	return []byte(fmt.Sprintf("%s%020d:", msgPrefix, int64(id)))
}

func messageKey(roomID model.RoomID, id model.MessageID) []byte {
	return append(roomMessagesPrefix(roomID), id...)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) putJSON(key []byte, v any) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "kv store: marshal %s", key)
	}
	if err := db.Set(key, b, pebble.Sync); err != nil {
		return errors.Wrapf(err, "kv store: set %s", key)
	}
	return nil
}

func (s *Store) SaveMessage(_ context.Context, m model.Message) error {
	if m.ID == "" {
		return errors.New("kv store: message id is empty")
	}
	return s.putJSON(messageKey(m.RoomID, m.ID), m)
}

func (s *Store) DeleteMessage(_ context.Context, roomID model.RoomID, id model.MessageID) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return errors.Wrap(db.Delete(messageKey(roomID, id), pebble.Sync), "kv store: delete message")
}

func (s *Store) SaveRoom(_ context.Context, room model.RoomInfo) error {
	return s.putJSON(roomKey(room.ID), room)
}

func (s *Store) DeleteRoom(_ context.Context, roomID model.RoomID) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	prefix := roomMessagesPrefix(roomID)
	b := db.NewBatch()
	defer func() { _ = b.Close() }()
	if err := b.DeleteRange(prefix, upperBound(prefix), nil); err != nil {
		return errors.Wrap(err, "kv store: delete room messages")
	}
	if err := b.Delete(roomKey(roomID), nil); err != nil {
		return errors.Wrap(err, "kv store: delete room")
	}
	return errors.Wrap(b.Commit(pebble.Sync), "kv store: commit")
}

func (s *Store) SaveUserInfo(_ context.Context, info model.UserInfo) error {
	return s.putJSON([]byte(userKey), info)
}

func (s *Store) SaveSettings(_ context.Context, settings model.Settings) error {
	return s.putJSON([]byte(settingsKey), settings)
}

func (s *Store) Clear(_ context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	b := db.NewBatch()
	defer func() { _ = b.Close() }()
	for _, prefix := range [][]byte{[]byte(msgPrefix), []byte(roomPrefix)} {
		if err := b.DeleteRange(prefix, upperBound(prefix), nil); err != nil {
			return errors.Wrap(err, "kv store: clear")
		}
	}
	for _, key := range []string{userKey, settingsKey} {
		if err := b.Delete([]byte(key), nil); err != nil {
			return errors.Wrap(err, "kv store: clear")
		}
	}
	return errors.Wrap(b.Commit(pebble.Sync), "kv store: commit")
}

// GetAllTree returns nil when nothing has been persisted yet.
func (s *Store) GetAllTree(ctx context.Context) (*model.Snapshot, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	snap := model.NewSnapshot()
	empty := true

	err = scan(ctx, db, []byte(roomPrefix), func(_ []byte, v []byte) error {
		var info model.RoomInfo
		if err := json.Unmarshal(v, &info); err != nil {
			return errors.Wrap(err, "kv store: decode room")
		}
		snap.RoomsDict[info.ID] = model.RoomSnapshot{
			RoomInfo: info,
			Messages: map[model.MessageID]model.Message{},
		}
		empty = false
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = scan(ctx, db, []byte(msgPrefix), func(k []byte, v []byte) error {
		var m model.Message
		if err := json.Unmarshal(v, &m); err != nil {
			return errors.Wrapf(err, "kv store: decode %s", k)
		}
		if room, ok := snap.RoomsDict[m.RoomID]; ok {
			room.Messages[m.ID] = m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var ui model.UserInfo
	ok, err := getJSON(db, []byte(userKey), &ui)
	if err != nil {
		return nil, err
	}
	if ok {
		snap.UserInfo = &ui
		empty = false
	}
	var st model.Settings
	ok, err = getJSON(db, []byte(settingsKey), &st)
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

func scan(ctx context.Context, db *pebble.DB, prefix []byte, fn func(k, v []byte) error) error {
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return errors.Wrap(err, "kv store: iterate")
	}
	defer func() { _ = iter.Close() }()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return errors.Wrap(iter.Error(), "kv store: iterate")
}

func getJSON(db *pebble.DB, key []byte, dst any) (bool, error) {
	v, closer, err := db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "kv store: get %s", key)
	}
	defer func() { _ = closer.Close() }()
	if err := json.Unmarshal(v, dst); err != nil {
		return false, errors.Wrapf(err, "kv store: decode %s", key)
	}
	return true, nil
}

type pebbleLogger struct {
	l zerolog.Logger
}

func (p pebbleLogger) Infof(format string, args ...interface{}) {
	p.l.Debug().Msgf(format, args...)
}

func (p pebbleLogger) Errorf(format string, args ...interface{}) {
	p.l.Error().Msgf(format, args...)
}

func (p pebbleLogger) Fatalf(format string, args ...interface{}) {
	p.l.Fatal().Msgf(format, args...)
}
