// Package navigation owns the client route state and the "router" topic.
//
// A global guard sends protected views to the login page when there is no live
// session. Route BeforeEnter hooks only run once the guard has passed. Navigation
// always replaces the current entry, so programmatic moves never build history.
package navigation

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomlink/pkg/bus"
	"github.com/go-go-golems/roomlink/pkg/model"
	"github.com/go-go-golems/roomlink/pkg/session"
)

const Topic bus.Topic = "router"

const (
	ActionLogin    bus.Action = "login"
	ActionLogout   bus.Action = "logout"
	ActionNavigate bus.Action = "navigate"
)

var ErrInvalidSession = errors.New("login requires a session")

type Message interface {
	bus.Message
	navigationMessage()
}

type Login struct {
	Session *session.Session `json:"session"`
}

type Logout struct{}

type Navigate struct {
	To string `json:"to"`
}

func (Login) Action() bus.Action    { return ActionLogin }
func (Logout) Action() bus.Action   { return ActionLogout }
func (Navigate) Action() bus.Action { return ActionNavigate }

func (Login) navigationMessage()    {}
func (Logout) navigationMessage()   {}
func (Navigate) navigationMessage() {}

// NavigateTo builds the envelope other handlers post to move the view.
func NavigateTo(path string) bus.Envelope {
	return bus.MustEnvelope(Topic, ActionNavigate, Navigate{To: path})
}

type Handler struct {
	router *Router
	holder *session.Holder
	logger zerolog.Logger
}

var _ bus.Handler = (*Handler)(nil)

func NewHandler(router *Router, holder *session.Holder) *Handler {
	return &Handler{
		router: router,
		holder: holder,
		logger: log.With().Str("component", "router").Logger(),
	}
}

func (h *Handler) Decode(action bus.Action, payload json.RawMessage) (bus.Message, error) {
	switch action {
	case ActionLogin:
		return bus.DecodeAs[Login](payload)
	case ActionLogout:
		return bus.DecodeAs[Logout](payload)
	case ActionNavigate:
		return bus.DecodeAs[Navigate](payload)
	default:
		return nil, bus.UnknownAction(action)
	}
}

func (h *Handler) Handle(ctx context.Context, msg bus.Message) error {
	m, ok := msg.(Message)
	if !ok {
		return bus.Unexpected(msg)
	}
	switch m := m.(type) {
	case Login:
		return h.login(ctx, m)
	case Logout:
		h.holder.Clear()
		_, err := h.router.Replace(ctx, LoginPath)
		return err
	case Navigate:
		_, err := h.router.Navigate(ctx, m.To)
		return err
	default:
		return bus.Unexpected(msg)
	}
}

func (h *Handler) login(ctx context.Context, m Login) error {
	if m.Session == nil || m.Session.Token == "" {
		return ErrInvalidSession
	}
	s := *m.Session
	if s.UserID == 0 || s.Expiry.IsZero() {
		// Fill whatever the token itself carries.
		if parsed, err := session.Parse(s.Token); err == nil {
			if s.UserID == 0 {
				s.UserID = parsed.UserID
			}
			if s.Expiry.IsZero() {
				s.Expiry = parsed.Expiry
			}
		}
	}
	h.holder.Set(&s)
	h.logger.Info().Int64("user_id", int64(s.UserID)).Msg("logged in")
	_, err := h.router.Replace(ctx, ChatPath(model.AllRoomID))
	return err
}
