// Package channels handles the "channels" topic: the room list, messages and the
// history resync that follows every reconnect.
package channels

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomlink/pkg/bus"
	"github.com/go-go-golems/roomlink/pkg/model"
	"github.com/go-go-golems/roomlink/pkg/navigation"
	"github.com/go-go-golems/roomlink/pkg/store"
)

const Topic bus.Topic = "channels"

const (
	ActionInit             bus.Action = "init"
	ActionAddRoom          bus.Action = "addRoom"
	ActionDeleteRoom       bus.Action = "deleteRoom"
	ActionPrintMessage     bus.Action = "printMessage"
	ActionDeleteMessage    bus.Action = "deleteMessage"
	ActionSetMessageStatus bus.Action = "setMessageStatus"
	ActionHistory          bus.Action = "history"
	ActionSync             bus.Action = "sync"
	ActionLogout           bus.Action = "logout"
)

// Outbound actions.
const (
	ActionSendMessage bus.Action = "sendMessage"
	ActionSyncHistory bus.Action = "syncHistory"
)

type Message interface {
	bus.Message
	channelsMessage()
}

type Init struct {
	Rooms    []model.RoomSnapshot `json:"rooms"`
	UserInfo *model.UserInfo      `json:"userInfo,omitempty"`
	Settings *model.Settings      `json:"settings,omitempty"`
}

type AddRoom struct {
	Room model.RoomInfo `json:"room"`
}

type DeleteRoom struct {
	RoomID model.RoomID `json:"roomId"`
}

// PrintMessage carries a new message or the server acknowledgement of one we sent.
type PrintMessage struct {
	Message model.Message `json:"message"`
}

type DeleteMessage struct {
	RoomID model.RoomID    `json:"roomId"`
	ID     model.MessageID `json:"id"`
}

type SetMessageStatus struct {
	RoomID model.RoomID        `json:"roomId"`
	IDs    []model.MessageID   `json:"ids"`
	State  model.DeliveryState `json:"state"`
}

type History struct {
	RoomID   model.RoomID    `json:"roomId"`
	Messages []model.Message `json:"messages"`
}

// Sync asks the server for everything newer than what the store holds.
type Sync struct{}

type Logout struct{}

func (Init) Action() bus.Action             { return ActionInit }
func (AddRoom) Action() bus.Action          { return ActionAddRoom }
func (DeleteRoom) Action() bus.Action       { return ActionDeleteRoom }
func (PrintMessage) Action() bus.Action     { return ActionPrintMessage }
func (DeleteMessage) Action() bus.Action    { return ActionDeleteMessage }
func (SetMessageStatus) Action() bus.Action { return ActionSetMessageStatus }
func (History) Action() bus.Action          { return ActionHistory }
func (Sync) Action() bus.Action             { return ActionSync }
func (Logout) Action() bus.Action           { return ActionLogout }

func (Init) channelsMessage()             {}
func (AddRoom) channelsMessage()          {}
func (DeleteRoom) channelsMessage()       {}
func (PrintMessage) channelsMessage()     {}
func (DeleteMessage) channelsMessage()    {}
func (SetMessageStatus) channelsMessage() {}
func (History) channelsMessage()          {}
func (Sync) channelsMessage()             {}
func (Logout) channelsMessage()           {}

// SyncHistory is sent to the server with the newest timestamp per room.
type SyncHistory struct {
	Rooms map[model.RoomID]int64 `json:"rooms"`
}

// SendMessage is sent to the server for a message typed locally.
type SendMessage struct {
	Message model.Message `json:"message"`
}

// Sender delivers envelopes to the server.
type Sender interface {
	Send(env bus.Envelope) error
}

type Handler struct {
	store  *store.Store
	sender Sender
	poster bus.Poster
	logger zerolog.Logger
}

var _ bus.Handler = (*Handler)(nil)

func NewHandler(st *store.Store, sender Sender, poster bus.Poster) *Handler {
	return &Handler{
		store:  st,
		sender: sender,
		poster: poster,
		logger: log.With().Str("component", "channels").Logger(),
	}
}

func (h *Handler) Decode(action bus.Action, payload json.RawMessage) (bus.Message, error) {
	switch action {
	case ActionInit:
		return bus.DecodeAs[Init](payload)
	case ActionAddRoom:
		return bus.DecodeAs[AddRoom](payload)
	case ActionDeleteRoom:
		return bus.DecodeAs[DeleteRoom](payload)
	case ActionPrintMessage:
		return bus.DecodeAs[PrintMessage](payload)
	case ActionDeleteMessage:
		return bus.DecodeAs[DeleteMessage](payload)
	case ActionSetMessageStatus:
		return bus.DecodeAs[SetMessageStatus](payload)
	case ActionHistory:
		return bus.DecodeAs[History](payload)
	case ActionSync:
		return bus.DecodeAs[Sync](payload)
	case ActionLogout:
		return bus.DecodeAs[Logout](payload)
	default:
		return nil, bus.UnknownAction(action)
	}
}

func (h *Handler) Handle(_ context.Context, msg bus.Message) error {
	m, ok := msg.(Message)
	if !ok {
		return bus.Unexpected(msg)
	}
	switch m := m.(type) {
	case Init:
		h.store.SetInit(m.Rooms, m.UserInfo, m.Settings)
		h.logger.Info().Int("rooms", len(m.Rooms)).Msg("initial state applied")
		return nil
	case AddRoom:
		if m.Room.ID == 0 {
			return errors.New("addRoom: room id is missing")
		}
		h.store.AddRoom(m.Room)
		return nil
	case DeleteRoom:
		return h.deleteRoom(m.RoomID)
	case PrintMessage:
		return h.printMessage(m.Message)
	case DeleteMessage:
		if !h.store.DeleteMessage(m.RoomID, m.ID) {
			h.logger.Debug().Int64("room_id", int64(m.RoomID)).Str("message_id", string(m.ID)).Msg("delete of unknown message ignored")
		}
		return nil
	case SetMessageStatus:
		n := h.store.SetMessageStatus(m.RoomID, m.IDs, m.State)
		if n < len(m.IDs) {
			h.logger.Debug().Int("found", n).Int("requested", len(m.IDs)).Msg("status update for unknown messages")
		}
		return nil
	case History:
		for _, msg := range m.Messages {
			if msg.RoomID == 0 {
				msg.RoomID = m.RoomID
			}
			if err := h.printMessage(msg); err != nil {
				return err
			}
		}
		return nil
	case Sync:
		return h.sync()
	case Logout:
		h.store.Logout()
		return nil
	default:
		return bus.Unexpected(msg)
	}
}

func (h *Handler) deleteRoom(id model.RoomID) error {
	if !h.store.DeleteRoom(id) {
		return errors.Wrapf(store.ErrUnknownRoom, "delete room %d", id)
	}
	if h.store.ActiveRoomID() == id && h.poster != nil {
		h.poster.Post(navigation.NavigateTo(navigation.ChatPath(model.AllRoomID)))
	}
	return nil
}

func (h *Handler) printMessage(m model.Message) error {
	if m.ID == "" {
		return errors.New("printMessage: message id is missing")
	}
	if m.DeliveryState == "" || m.DeliveryState == model.DeliverySending {
		// The server only echoes messages it has accepted.
		m.DeliveryState = model.DeliverySent
	}
	return h.store.AddMessage(m)
}

func (h *Handler) sync() error {
	env, err := bus.NewEnvelope(Topic, ActionSyncHistory, SyncHistory{Rooms: h.store.LastMessageTimestamps()})
	if err != nil {
		return err
	}
	if err := h.sender.Send(env); err != nil {
		return errors.Wrap(err, "request history sync")
	}
	return nil
}
