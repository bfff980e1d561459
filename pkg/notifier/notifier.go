// Package notifier handles the "notifier" topic: short user-visible notices.
package notifier

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/roomlink/pkg/bus"
	"github.com/go-go-golems/roomlink/pkg/store"
)

const Topic bus.Topic = "notifier"

const (
	ActionGrowl       bus.Action = "growl"
	ActionClearGrowls bus.Action = "clearGrowls"
)

type Message interface {
	bus.Message
	notifierMessage()
}

type Growl struct {
	Level store.GrowlLevel `json:"level"`
	Text  string           `json:"text"`
}

type ClearGrowls struct{}

func (Growl) Action() bus.Action       { return ActionGrowl }
func (ClearGrowls) Action() bus.Action { return ActionClearGrowls }

func (Growl) notifierMessage()       {}
func (ClearGrowls) notifierMessage() {}

// GrowlEnvelope builds the envelope that shows text at level.
func GrowlEnvelope(level store.GrowlLevel, text string) bus.Envelope {
	return bus.MustEnvelope(Topic, ActionGrowl, Growl{Level: level, Text: text})
}

type Handler struct {
	store *store.Store
}

var _ bus.Handler = (*Handler)(nil)

func NewHandler(st *store.Store) *Handler {
	return &Handler{store: st}
}

func (h *Handler) Decode(action bus.Action, payload json.RawMessage) (bus.Message, error) {
	switch action {
	case ActionGrowl:
		return bus.DecodeAs[Growl](payload)
	case ActionClearGrowls:
		return bus.DecodeAs[ClearGrowls](payload)
	default:
		return nil, bus.UnknownAction(action)
	}
}

func (h *Handler) Handle(_ context.Context, msg bus.Message) error {
	switch m := msg.(type) {
	case Growl:
		if m.Text == "" {
			return errors.New("growl: empty text")
		}
		level := m.Level
		switch level {
		case store.GrowlInfo, store.GrowlSuccess, store.GrowlError:
		case "":
			level = store.GrowlInfo
		default:
			return errors.Errorf("growl: unknown level %q", m.Level)
		}
		h.store.Growl(level, m.Text)
		return nil
	case ClearGrowls:
		h.store.ClearGrowls()
		return nil
	default:
		return bus.Unexpected(msg)
	}
}
