// Package sender turns text typed by the user into outbound chat messages.
package sender

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomlink/pkg/bus"
	"github.com/go-go-golems/roomlink/pkg/channels"
	"github.com/go-go-golems/roomlink/pkg/model"
	"github.com/go-go-golems/roomlink/pkg/store"
)

var ErrEmptyMessage = errors.New("message is empty")

// Proxy inserts a pending message into the store and hands it to the transport.
// The server echoes it back under the same id, which flips it to sent.
type Proxy struct {
	store  *store.Store
	sender channels.Sender
	now    func() time.Time
	logger zerolog.Logger
}

func NewProxy(st *store.Store, sender channels.Sender) *Proxy {
	return &Proxy{
		store:  st,
		sender: sender,
		now:    time.Now,
		logger: log.With().Str("component", "sender").Logger(),
	}
}

// SendText sends content to roomID and returns the message as stored.
func (p *Proxy) SendText(ctx context.Context, roomID model.RoomID, content string) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	if strings.TrimSpace(content) == "" {
		return model.Message{}, ErrEmptyMessage
	}
	m := model.Message{
		ID:            model.MessageID(uuid.NewString()),
		RoomID:        roomID,
		SenderID:      p.store.MyID(),
		Content:       content,
		Timestamp:     p.now().UnixMilli(),
		DeliveryState: model.DeliverySending,
	}
	if err := p.store.AddMessage(m); err != nil {
		return model.Message{}, err
	}
	return p.deliver(m)
}

// Resend retries a message that previously failed to reach the transport.
func (p *Proxy) Resend(ctx context.Context, roomID model.RoomID, id model.MessageID) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	m, ok := p.store.Message(roomID, id)
	if !ok {
		return model.Message{}, errors.Errorf("message %s not found in room %d", id, roomID)
	}
	if m.DeliveryState != model.DeliveryFailed {
		return m, nil
	}
	p.store.SetMessageStatus(roomID, []model.MessageID{id}, model.DeliverySending)
	m.DeliveryState = model.DeliverySending
	return p.deliver(m)
}

// Dropped marks a message failed when the transport discarded its envelope without
// writing it, so the user can resend it. Other envelopes are ignored. It is meant
// as the transport drop hook.
func (p *Proxy) Dropped(env bus.Envelope) {
	if env.Topic != channels.Topic || env.Action != channels.ActionSendMessage {
		return
	}
	var out channels.SendMessage
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		p.logger.Warn().Err(err).Msg("cannot decode dropped message")
		return
	}
	m, ok := p.store.Message(out.Message.RoomID, out.Message.ID)
	if !ok || m.DeliveryState != model.DeliverySending {
		return
	}
	p.store.SetMessageStatus(m.RoomID, []model.MessageID{m.ID}, model.DeliveryFailed)
	p.logger.Warn().Str("message_id", string(m.ID)).Msg("message dropped before reaching the server")
}

func (p *Proxy) deliver(m model.Message) (model.Message, error) {
	env, err := bus.NewEnvelope(channels.Topic, channels.ActionSendMessage, channels.SendMessage{Message: m})
	if err != nil {
		return m, err
	}
	if err := p.sender.Send(env); err != nil {
		p.logger.Warn().Err(err).Str("message_id", string(m.ID)).Msg("message not handed to transport")
		p.store.SetMessageStatus(m.RoomID, []model.MessageID{m.ID}, model.DeliveryFailed)
		m.DeliveryState = model.DeliveryFailed
		return m, errors.Wrap(err, "send message")
	}
	return m, nil
}
