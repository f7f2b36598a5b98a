package messaging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Genocs/genocs-library-template/pkg/enums"
	pkgerrors "github.com/Genocs/genocs-library-template/pkg/errors"
)

// CurrentVersion is the envelope schema version written by this service.
const CurrentVersion = 1

// Envelope is the wire structure of every command and event. Kind selects the
// payload schema carried in Data.
type Envelope struct {
	Version    int               `json:"version"`
	MessageID  string            `json:"messageId"`
	Kind       enums.MessageKind `json:"kind"`
	OccurredAt time.Time         `json:"occurredAt"`
	Data       json.RawMessage   `json:"data"`
}

// NewEnvelope serializes data under a fresh message id.
func NewEnvelope(kind enums.MessageKind, data any, occurredAt time.Time) (Envelope, error) {
	return NewEnvelopeWithID(uuid.NewString(), kind, data, occurredAt)
}

// NewEnvelopeWithID serializes data under the provided message id.
func NewEnvelopeWithID(messageID string, kind enums.MessageKind, data any, occurredAt time.Time) (Envelope, error) {
	if !kind.IsValid() {
		return Envelope{}, fmt.Errorf("unknown message kind %q", kind)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	return Envelope{
		Version:    CurrentVersion,
		MessageID:  messageID,
		Kind:       kind,
		OccurredAt: occurredAt.UTC(),
		Data:       raw,
	}, nil
}

// Marshal returns the JSON form of the envelope.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Message converts the envelope into a transport message.
func (e Envelope) Message(dest Destination) (Message, error) {
	body, err := e.Marshal()
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:          e.MessageID,
		Kind:        e.Kind,
		Destination: dest,
		Body:        body,
		Attributes: map[string]string{
			AttrMessageID: e.MessageID,
			AttrKind:      e.Kind.String(),
		},
	}, nil
}

// DecodeData unmarshals the payload into out.
func (e Envelope) DecodeData(out any) error {
	trimmed := bytes.TrimSpace(e.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return pkgerrors.New(pkgerrors.CodeMalformed, fmt.Sprintf("payload missing for %s", e.Kind))
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeMalformed, err, fmt.Sprintf("decode %s payload", e.Kind))
	}
	return nil
}

// DecodeEnvelope parses and validates a raw body. All failures carry
// CodeMalformed so callers can dead-letter without retrying.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, pkgerrors.Wrap(pkgerrors.CodeMalformed, err, "decode envelope")
	}
	if env.MessageID == "" {
		return Envelope{}, pkgerrors.New(pkgerrors.CodeMalformed, "envelope missing messageId")
	}
	if !env.Kind.IsValid() {
		return Envelope{}, pkgerrors.New(pkgerrors.CodeMalformed, fmt.Sprintf("unknown message kind %q", env.Kind))
	}
	if env.Version != CurrentVersion {
		return Envelope{}, pkgerrors.New(pkgerrors.CodeMalformed, fmt.Sprintf("unsupported envelope version %d", env.Version))
	}
	return env, nil
}
