package store

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/go-go-golems/roomlink/pkg/model"
)

// room keeps its messages keyed by id, in chronological order.
type room struct {
	info     model.RoomInfo
	messages *orderedmap.OrderedMap[model.MessageID, model.Message]
}

func newRoom(info model.RoomInfo) *room {
	info.Users = append([]model.UserID(nil), info.Users...)
	return &room{
		info:     info,
		messages: orderedmap.New[model.MessageID, model.Message](),
	}
}

func (r *room) has(id model.MessageID) bool {
	_, ok := r.messages.Get(id)
	return ok
}

// upsert replaces an existing message in place or inserts a new one at its
// chronological position. It reports whether the message was new.
func (r *room) upsert(m model.Message) bool {
	if _, existed := r.messages.Set(m.ID, m); existed {
		return false
	}
	r.placeChronologically(m)
	return true
}

// placeChronologically moves a freshly appended message behind the last message
// that is not newer than it. Equal timestamps keep arrival order.
func (r *room) placeChronologically(m model.Message) {
	pair := r.messages.GetPair(m.ID)
	if pair == nil {
		return
	}
	prev := pair.Prev()
	if prev == nil || prev.Value.Timestamp <= m.Timestamp {
		return
	}
	for prev != nil && prev.Value.Timestamp > m.Timestamp {
		prev = prev.Prev()
	}
	if prev == nil {
		_ = r.messages.MoveToFront(m.ID)
		return
	}
	_ = r.messages.MoveAfter(m.ID, prev.Key)
}

func (r *room) list() []model.Message {
	out := make([]model.Message, 0, r.messages.Len())
	for pair := r.messages.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (r *room) snapshot() model.RoomSnapshot {
	info := r.info
	info.Users = append([]model.UserID(nil), r.info.Users...)
	msgs := make(map[model.MessageID]model.Message, r.messages.Len())
	for pair := r.messages.Oldest(); pair != nil; pair = pair.Next() {
		msgs[pair.Key] = pair.Value
	}
	return model.RoomSnapshot{RoomInfo: info, Messages: msgs}
}

func (r *room) newest() (model.Message, bool) {
	pair := r.messages.Newest()
	if pair == nil {
		return model.Message{}, false
	}
	return pair.Value, true
}
