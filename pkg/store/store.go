// Package store is the single mutable state tree of the client: rooms, messages,
// the signed-in user, settings and transient UI state.
//
// Only bus handlers mutate the store, one dispatch at a time; presentation code reads
// it concurrently. Mutations are mirrored into the attached Persister through a
// write-behind queue. Inserts that came from storage are never written back.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomlink/pkg/bus"
	"github.com/go-go-golems/roomlink/pkg/metrics"
	"github.com/go-go-golems/roomlink/pkg/model"
)

var ErrUnknownRoom = errors.New("unknown room")

const maxGrowls = 50

type GrowlLevel string

const (
	GrowlInfo    GrowlLevel = "info"
	GrowlSuccess GrowlLevel = "success"
	GrowlError   GrowlLevel = "error"
)

// Growl is a non-blocking, user-visible notice.
type Growl struct {
	Level GrowlLevel
	Text  string
	At    time.Time
}

type Store struct {
	mu           sync.RWMutex
	rooms        map[model.RoomID]*room
	userInfo     *model.UserInfo
	settings     model.Settings
	activeRoomID model.RoomID
	connection   string
	growls       []Growl

	wb       *writeBehind
	metrics  *metrics.Metrics
	reporter bus.Reporter
	logger   zerolog.Logger
}

type Option func(*Store)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// SetReporter receives panics recovered in the write-behind worker. It applies to
// storage attached afterwards. The error reporter itself writes growls into the
// store, so it is attached after construction.
func (s *Store) SetReporter(r bus.Reporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reporter = r
}

func New(opts ...Option) *Store {
	s := &Store{
		rooms:        map[model.RoomID]*room{},
		activeRoomID: model.AllRoomID,
		logger:       log.With().Str("component", "store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetStorage attaches the write-behind target. A previously attached one is drained
// first.
func (s *Store) SetStorage(p Persister) {
	s.mu.Lock()
	old := s.wb
	s.wb = nil
	if p != nil {
		s.wb = newWriteBehind(p, s.metrics, s.reporter, s.logger)
	}
	s.mu.Unlock()
	if old != nil {
		_ = old.close(context.Background())
	}
}

// Flush waits for pending persistence writes.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.RLock()
	wb := s.wb
	s.mu.RUnlock()
	if wb == nil {
		return nil
	}
	return wb.flush(ctx)
}

// Close drains pending writes and detaches the storage.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	wb := s.wb
	s.wb = nil
	s.mu.Unlock()
	if wb == nil {
		return nil
	}
	return wb.close(ctx)
}

func (s *Store) persistLocked(name string, fn func(ctx context.Context, p Persister) error) {
	if s.wb == nil {
		return
	}
	s.wb.enqueue(writeOp{name: name, fn: fn})
}

// SetStateFromStorage replaces rooms, user info and settings with the snapshot.
// Nothing is written back.
func (s *Store) SetStateFromStorage(snap *model.Snapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[model.RoomID]*room, len(snap.RoomsDict))
	for id, rs := range snap.RoomsDict {
		info := rs.RoomInfo
		info.ID = id
		r := newRoom(info)
		for _, m := range rs.SortedMessages() {
			m.RoomID = id
			r.upsert(m)
		}
		s.rooms[id] = r
	}
	if snap.UserInfo != nil {
		ui := *snap.UserInfo
		s.userInfo = &ui
	} else {
		s.userInfo = nil
	}
	if snap.Settings != nil {
		s.settings = *snap.Settings
	}
}

// SetInit applies the initial server state: the room list becomes authoritative,
// messages already known locally are kept and server messages are upserted.
func (s *Store) SetInit(rooms []model.RoomSnapshot, user *model.UserInfo, settings *model.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[model.RoomID]*room, len(rooms))
	for _, rs := range rooms {
		r, ok := s.rooms[rs.ID]
		if ok {
			r.info = rs.RoomInfo
			r.info.Users = append([]model.UserID(nil), rs.Users...)
		} else {
			r = newRoom(rs.RoomInfo)
		}
		info := r.info
		s.persistLocked("save_room", func(ctx context.Context, p Persister) error { return p.SaveRoom(ctx, info) })
		for _, m := range rs.SortedMessages() {
			m.RoomID = rs.ID
			r.upsert(m)
			msg := m
			s.persistLocked("save_message", func(ctx context.Context, p Persister) error { return p.SaveMessage(ctx, msg) })
		}
		next[rs.ID] = r
	}
	for id := range s.rooms {
		if _, ok := next[id]; !ok {
			roomID := id
			s.persistLocked("delete_room", func(ctx context.Context, p Persister) error { return p.DeleteRoom(ctx, roomID) })
		}
	}
	s.rooms = next

	if user != nil {
		ui := *user
		s.userInfo = &ui
		s.persistLocked("save_user_info", func(ctx context.Context, p Persister) error { return p.SaveUserInfo(ctx, ui) })
	}
	if settings != nil {
		st := *settings
		s.settings = st
		s.persistLocked("save_settings", func(ctx context.Context, p Persister) error { return p.SaveSettings(ctx, st) })
	}
}

// AddRoom inserts a room or updates its metadata.
func (s *Store) AddRoom(info model.RoomInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[info.ID]; ok {
		r.info = info
		r.info.Users = append([]model.UserID(nil), info.Users...)
	} else {
		s.rooms[info.ID] = newRoom(info)
	}
	saved := s.rooms[info.ID].info
	s.persistLocked("save_room", func(ctx context.Context, p Persister) error { return p.SaveRoom(ctx, saved) })
}

func (s *Store) DeleteRoom(id model.RoomID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; !ok {
		return false
	}
	delete(s.rooms, id)
	s.persistLocked("delete_room", func(ctx context.Context, p Persister) error { return p.DeleteRoom(ctx, id) })
	return true
}

// AddMessage inserts a live message, or updates it in place when the id is known,
// and schedules it for persistence.
func (s *Store) AddMessage(m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[m.RoomID]
	if !ok {
		return errors.Wrapf(ErrUnknownRoom, "room %d", m.RoomID)
	}
	r.upsert(m)
	s.persistLocked("save_message", func(ctx context.Context, p Persister) error { return p.SaveMessage(ctx, m) })
	return nil
}

// RestoreMessage inserts a message that came from storage. It never overwrites a
// live message, never creates a room and is not written back. It reports whether the
// message was inserted.
func (s *Store) RestoreMessage(m model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[m.RoomID]
	if !ok || r.has(m.ID) {
		return false
	}
	return r.upsert(m)
}

func (s *Store) DeleteMessage(roomID model.RoomID, id model.MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := r.messages.Delete(id); !ok {
		return false
	}
	s.persistLocked("delete_message", func(ctx context.Context, p Persister) error { return p.DeleteMessage(ctx, roomID, id) })
	return true
}

// SetMessageStatus updates the delivery state of the given messages and returns how
// many were found.
func (s *Store) SetMessageStatus(roomID model.RoomID, ids []model.MessageID, state model.DeliveryState) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	n := 0
	for _, id := range ids {
		m, ok := r.messages.Get(id)
		if !ok {
			continue
		}
		m.DeliveryState = state
		r.messages.Set(id, m)
		s.persistLocked("save_message", func(ctx context.Context, p Persister) error { return p.SaveMessage(ctx, m) })
		n++
	}
	return n
}

func (s *Store) SetUserInfo(info model.UserInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userInfo = &info
	s.persistLocked("save_user_info", func(ctx context.Context, p Persister) error { return p.SaveUserInfo(ctx, info) })
}

func (s *Store) SetSettings(settings model.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.persistLocked("save_settings", func(ctx context.Context, p Persister) error { return p.SaveSettings(ctx, settings) })
}

func (s *Store) SetActiveRoomID(id model.RoomID) {
	s.mu.Lock()
	s.activeRoomID = id
	s.mu.Unlock()
}

func (s *Store) SetConnectionState(state string) {
	s.mu.Lock()
	s.connection = state
	s.mu.Unlock()
}

// Growl records a notice, keeping the most recent ones.
func (s *Store) Growl(level GrowlLevel, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.growls = append(s.growls, Growl{Level: level, Text: text, At: time.Now()})
	if len(s.growls) > maxGrowls {
		s.growls = append([]Growl(nil), s.growls[len(s.growls)-maxGrowls:]...)
	}
}

func (s *Store) GrowlError(text string) {
	s.Growl(GrowlError, text)
}

func (s *Store) ClearGrowls() {
	s.mu.Lock()
	s.growls = nil
	s.mu.Unlock()
}

// Logout drops all user state and wipes the storage.
func (s *Store) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = map[model.RoomID]*room{}
	s.userInfo = nil
	s.settings = model.Settings{}
	s.activeRoomID = model.AllRoomID
	s.persistLocked("clear", func(ctx context.Context, p Persister) error { return p.Clear(ctx) })
}

func (s *Store) RoomIDs() []model.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RoomID, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) Room(id model.RoomID) (model.RoomInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return model.RoomInfo{}, false
	}
	info := r.info
	info.Users = append([]model.UserID(nil), r.info.Users...)
	return info, true
}

// Messages returns the room messages in chronological order.
func (s *Store) Messages(roomID model.RoomID) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return r.list()
}

func (s *Store) Message(roomID model.RoomID, id model.MessageID) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return model.Message{}, false
	}
	return r.messages.Get(id)
}

// LastMessageTimestamps returns, per room, the timestamp of the newest message
// (0 for empty rooms).
func (s *Store) LastMessageTimestamps() map[model.RoomID]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.RoomID]int64, len(s.rooms))
	for id, r := range s.rooms {
		if m, ok := r.newest(); ok {
			out[id] = m.Timestamp
		} else {
			out[id] = 0
		}
	}
	return out
}

func (s *Store) UserInfo() *model.UserInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.userInfo == nil {
		return nil
	}
	ui := *s.userInfo
	return &ui
}

func (s *Store) MyID() model.UserID {
	if ui := s.UserInfo(); ui != nil {
		return ui.ID
	}
	return 0
}

func (s *Store) Settings() model.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Store) ActiveRoomID() model.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeRoomID
}

func (s *Store) ConnectionState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connection
}

func (s *Store) Growls() []Growl {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Growl(nil), s.growls...)
}

// Snapshot renders the current state in its persisted shape.
func (s *Store) Snapshot() *model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := model.NewSnapshot()
	for id, r := range s.rooms {
		snap.RoomsDict[id] = r.snapshot()
	}
	if s.userInfo != nil {
		ui := *s.userInfo
		snap.UserInfo = &ui
	}
	st := s.settings
	snap.Settings = &st
	return snap
}
