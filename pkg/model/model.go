// Package model holds the value types shared by the store, the storage adapters and
// the bus handlers.
package model

import "sort"

type RoomID int64

type UserID int64

type MessageID string

// AllRoomID is the public room every user belongs to.
const AllRoomID RoomID = 1

type DeliveryState string

const (
	DeliverySending   DeliveryState = "sending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
	DeliveryFailed    DeliveryState = "failed"
)

type Message struct {
	ID            MessageID     `json:"id" yaml:"id"`
	RoomID        RoomID        `json:"roomId" yaml:"room_id"`
	SenderID      UserID        `json:"senderId" yaml:"sender_id"`
	Content       string        `json:"content" yaml:"content"`
	Timestamp     int64         `json:"timestamp" yaml:"timestamp"`
	DeliveryState DeliveryState `json:"deliveryState,omitempty" yaml:"delivery_state,omitempty"`
	Edited        int           `json:"edited,omitempty" yaml:"edited,omitempty"`
}

type RoomInfo struct {
	ID    RoomID   `json:"id" yaml:"id"`
	Name  string   `json:"name" yaml:"name"`
	Users []UserID `json:"users,omitempty" yaml:"users,omitempty"`
}

type RoomSnapshot struct {
	RoomInfo `yaml:",inline"`
	Messages map[MessageID]Message `json:"messages" yaml:"messages"`
}

type UserInfo struct {
	ID       UserID `json:"id" yaml:"id"`
	Username string `json:"username" yaml:"username"`
}

type Settings struct {
	SendLogs      bool   `json:"sendLogs" yaml:"send_logs"`
	Theme         string `json:"theme,omitempty" yaml:"theme,omitempty"`
	Notifications bool   `json:"notifications" yaml:"notifications"`
}

// Snapshot is the persisted representation of the store, read once at startup.
type Snapshot struct {
	RoomsDict map[RoomID]RoomSnapshot `json:"roomsDict" yaml:"rooms"`
	UserInfo  *UserInfo               `json:"userInfo,omitempty" yaml:"user_info,omitempty"`
	Settings  *Settings               `json:"settings,omitempty" yaml:"settings,omitempty"`
}

func NewSnapshot() *Snapshot {
	return &Snapshot{RoomsDict: map[RoomID]RoomSnapshot{}}
}

// SortedMessages returns the room messages ordered by timestamp, then id.
func (r RoomSnapshot) SortedMessages() []Message {
	out := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		out = append(out, m)
	}
	SortMessages(out)
	return out
}

func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp == msgs[j].Timestamp {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp < msgs[j].Timestamp
	})
}
