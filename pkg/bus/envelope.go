package bus

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Topic names the subsystem a handler subscribes under.
type Topic string

// Action names an operation inside a topic's contract.
type Action string

// Envelope is the unit of dispatch, inbound and outbound.
type Envelope struct {
	Topic   Topic           `json:"topic"`
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope. A nil payload yields an empty one.
func NewEnvelope(topic Topic, action Action, payload any) (Envelope, error) {
	env := Envelope{Topic: topic, Action: action}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "marshal payload for %s/%s", topic, action)
	}
	env.Payload = b
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads that always marshal.
func MustEnvelope(topic Topic, action Action, payload any) Envelope {
	env, err := NewEnvelope(topic, action, payload)
	if err != nil {
		panic(err)
	}
	return env
}

func (e Envelope) String() string {
	return string(e.Topic) + "/" + string(e.Action)
}

// Encode renders an envelope as one JSON frame.
func Encode(env Envelope) ([]byte, error) {
	if err := validate(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses one frame into an envelope. Topic and action are required.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if err := validate(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func validate(env Envelope) error {
	if strings.TrimSpace(string(env.Topic)) == "" {
		return errors.New("envelope topic is empty")
	}
	if strings.TrimSpace(string(env.Action)) == "" {
		return errors.Errorf("envelope action is empty (topic %q)", env.Topic)
	}
	return nil
}
