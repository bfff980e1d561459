package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/roomlink/pkg/bus"
	"github.com/go-go-golems/roomlink/pkg/metrics"
	"github.com/go-go-golems/roomlink/pkg/model"
)

type recordingPersister struct {
	mu      sync.Mutex
	ops     []string
	fail    bool
	panicOn string
}

func (p *recordingPersister) record(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicOn != "" && strings.HasPrefix(op, p.panicOn) {
		panic("persister exploded on " + op)
	}
	p.ops = append(p.ops, op)
	if p.fail {
		return errors.New("disk full")
	}
	return nil
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(_ context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) Errs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (p *recordingPersister) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func (p *recordingPersister) SaveMessage(_ context.Context, m model.Message) error {
	return p.record(fmt.Sprintf("save_message:%d:%s:%s", m.RoomID, m.ID, m.DeliveryState))
}

func (p *recordingPersister) DeleteMessage(_ context.Context, roomID model.RoomID, id model.MessageID) error {
	return p.record(fmt.Sprintf("delete_message:%d:%s", roomID, id))
}

func (p *recordingPersister) SaveRoom(_ context.Context, room model.RoomInfo) error {
	return p.record(fmt.Sprintf("save_room:%d", room.ID))
}

func (p *recordingPersister) DeleteRoom(_ context.Context, roomID model.RoomID) error {
	return p.record(fmt.Sprintf("delete_room:%d", roomID))
}

func (p *recordingPersister) SaveUserInfo(_ context.Context, info model.UserInfo) error {
	return p.record(fmt.Sprintf("save_user_info:%d", info.ID))
}

func (p *recordingPersister) SaveSettings(_ context.Context, _ model.Settings) error {
	return p.record("save_settings")
}

func (p *recordingPersister) Clear(_ context.Context) error {
	return p.record("clear")
}

func ids(msgs []model.Message) []model.MessageID {
	out := make([]model.MessageID, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func msg(room model.RoomID, id model.MessageID, ts int64) model.Message {
	return model.Message{ID: id, RoomID: room, SenderID: 1, Content: string(id), Timestamp: ts}
}

func TestAddMessage_KeepsChronologicalOrder(t *testing.T) {
	s := New()
	s.AddRoom(model.RoomInfo{ID: 1, Name: "all"})

	require.NoError(t, s.AddMessage(msg(1, "b", 20)))
	require.NoError(t, s.AddMessage(msg(1, "d", 40)))
	require.NoError(t, s.AddMessage(msg(1, "a", 10)))
	require.NoError(t, s.AddMessage(msg(1, "c", 30)))
	require.NoError(t, s.AddMessage(msg(1, "c2", 30)))

	require.Equal(t, []model.MessageID{"a", "b", "c", "c2", "d"}, ids(s.Messages(1)))
}

func TestAddMessage_UpdatesInPlace(t *testing.T) {
	s := New()
	s.AddRoom(model.RoomInfo{ID: 1})
	require.NoError(t, s.AddMessage(msg(1, "a", 10)))
	require.NoError(t, s.AddMessage(msg(1, "b", 20)))

	edited := msg(1, "a", 10)
	edited.Content = "edited"
	edited.DeliveryState = model.DeliverySent
	require.NoError(t, s.AddMessage(edited))

	require.Equal(t, []model.MessageID{"a", "b"}, ids(s.Messages(1)))
	got, ok := s.Message(1, "a")
	require.True(t, ok)
	require.Equal(t, "edited", got.Content)
}

func TestAddMessage_UnknownRoom(t *testing.T) {
	s := New()
	err := s.AddMessage(msg(9, "a", 1))
	require.ErrorIs(t, err, ErrUnknownRoom)
}

func TestRestoreMessage_NeverOverwritesAndIsNotPersisted(t *testing.T) {
	p := &recordingPersister{}
	s := New()
	s.AddRoom(model.RoomInfo{ID: 1})
	require.NoError(t, s.AddMessage(msg(1, "2", 20)))
	s.SetStorage(p)

	live := msg(1, "2", 20)
	live.Content = "different"
	require.False(t, s.RestoreMessage(live))
	require.True(t, s.RestoreMessage(msg(1, "1", 10)))
	require.False(t, s.RestoreMessage(msg(7, "x", 10)))

	require.NoError(t, s.Flush(context.Background()))
	require.Empty(t, p.Ops())

	require.Equal(t, []model.MessageID{"1", "2"}, ids(s.Messages(1)))
	got, _ := s.Message(1, "2")
	require.Equal(t, "2", got.Content)
}

func TestWriteBehind_PersistsInOrder(t *testing.T) {
	p := &recordingPersister{}
	s := New()
	s.SetStorage(p)

	s.AddRoom(model.RoomInfo{ID: 3})
	require.NoError(t, s.AddMessage(msg(3, "m1", 1)))
	require.Equal(t, 1, s.SetMessageStatus(3, []model.MessageID{"m1", "missing"}, model.DeliveryRead))
	require.True(t, s.DeleteMessage(3, "m1"))
	require.True(t, s.DeleteRoom(3))
	s.SetUserInfo(model.UserInfo{ID: 5})
	s.SetSettings(model.Settings{SendLogs: true})
	s.Logout()

	require.NoError(t, s.Close(context.Background()))
	require.Equal(t, []string{
		"save_room:3",
		"save_message:3:m1:",
		"save_message:3:m1:read",
		"delete_message:3:m1",
		"delete_room:3",
		"save_user_info:5",
		"save_settings",
		"clear",
	}, p.Ops())
	require.Nil(t, s.UserInfo())
	require.Empty(t, s.RoomIDs())
}

func TestWriteBehind_FailuresAreCountedNotFatal(t *testing.T) {
	p := &recordingPersister{fail: true}
	m := metrics.New(nil)
	s := New(WithMetrics(m))
	s.SetStorage(p)

	s.AddRoom(model.RoomInfo{ID: 1})
	require.NoError(t, s.AddMessage(msg(1, "a", 1)))
	require.NoError(t, s.Flush(context.Background()))

	require.Equal(t, 1.0, testutil.ToFloat64(m.StorageWriteErr.WithLabelValues("save_message")))
	require.Len(t, s.Messages(1), 1)
}

func TestSetStateFromStorage_ReplacesWholesale(t *testing.T) {
	p := &recordingPersister{}
	s := New()
	s.AddRoom(model.RoomInfo{ID: 9})
	s.SetStorage(p)

	snap := model.NewSnapshot()
	snap.RoomsDict[1] = model.RoomSnapshot{
		RoomInfo: model.RoomInfo{ID: 1, Name: "all"},
		Messages: map[model.MessageID]model.Message{
			"y": msg(1, "y", 20),
			"x": msg(1, "x", 10),
		},
	}
	snap.UserInfo = &model.UserInfo{ID: 4, Username: "ann"}
	snap.Settings = &model.Settings{SendLogs: true}
	s.SetStateFromStorage(snap)

	require.Equal(t, []model.RoomID{1}, s.RoomIDs())
	require.Equal(t, []model.MessageID{"x", "y"}, ids(s.Messages(1)))
	require.Equal(t, model.UserID(4), s.MyID())
	require.True(t, s.Settings().SendLogs)

	require.NoError(t, s.Flush(context.Background()))
	require.Empty(t, p.Ops())
}

func TestSetInit_KeepsKnownMessagesAndDropsGoneRooms(t *testing.T) {
	p := &recordingPersister{}
	s := New()
	s.AddRoom(model.RoomInfo{ID: 1})
	s.AddRoom(model.RoomInfo{ID: 2})
	require.NoError(t, s.AddMessage(msg(1, "old", 5)))
	s.SetStorage(p)

	s.SetInit([]model.RoomSnapshot{{
		RoomInfo: model.RoomInfo{ID: 1, Name: "all", Users: []model.UserID{1, 2}},
		Messages: map[model.MessageID]model.Message{"new": msg(1, "new", 6)},
	}}, &model.UserInfo{ID: 1}, nil)

	require.Equal(t, []model.RoomID{1}, s.RoomIDs())
	require.Equal(t, []model.MessageID{"old", "new"}, ids(s.Messages(1)))
	info, ok := s.Room(1)
	require.True(t, ok)
	require.Equal(t, "all", info.Name)

	require.NoError(t, s.Flush(context.Background()))
	require.Equal(t, []string{"save_room:1", "save_message:1:new:", "delete_room:2", "save_user_info:1"}, p.Ops())
}

func TestGrowl_KeepsMostRecent(t *testing.T) {
	s := New()
	for i := 0; i < maxGrowls+5; i++ {
		s.Growl(GrowlInfo, fmt.Sprint(i))
	}
	g := s.Growls()
	require.Len(t, g, maxGrowls)
	require.Equal(t, "5", g[0].Text)
	s.ClearGrowls()
	require.Empty(t, s.Growls())
}

func TestLastMessageTimestamps(t *testing.T) {
	s := New()
	s.AddRoom(model.RoomInfo{ID: 1})
	s.AddRoom(model.RoomInfo{ID: 2})
	require.NoError(t, s.AddMessage(msg(1, "a", 10)))
	require.NoError(t, s.AddMessage(msg(1, "b", 30)))
	require.NoError(t, s.AddMessage(msg(1, "c", 20)))
	require.Equal(t, map[model.RoomID]int64{1: 30, 2: 0}, s.LastMessageTimestamps())
}

func TestWriteBehind_PanickingPersisterIsReportedAndWritesContinue(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(nil)
	rep := &recordingReporter{}
	p := &recordingPersister{panicOn: "save_room"}
	s := New(WithMetrics(m))
	s.SetReporter(rep)
	s.SetStorage(p)

	require.NotPanics(t, func() {
		s.AddRoom(model.RoomInfo{ID: 1, Name: "all"})
		require.NoError(t, s.AddMessage(msg(1, "a", 10)))
		require.NoError(t, s.Flush(ctx))
	})

	require.Equal(t, []string{"save_message:1:a:"}, p.Ops())
	errs := rep.Errs()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], bus.ErrPanic)
	require.Equal(t, 1.0, testutil.ToFloat64(m.StorageWriteErr.WithLabelValues("save_room")))
	require.NoError(t, s.Close(ctx))
}
