package redis

import (
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/types"
	"github.com/google/uuid"

	"github.com/fxsml/docbridge/transport"
)

// EventType is the CloudEvents type of every envelope.
const EventType = "io.docbridge.message"

// CloudEvents extension names carrying transport.Metadata.
const (
	ExtCorrelationKey = "correlationkey"
	ExtReplyTo        = "replyto"
	ExtResponseTopics = "responsetopics"
	ExtResponder      = "responder"
	ExtExpiry         = "expiry"
	ExtError          = "errormsg"
)

// ToEvent wraps msg in a CloudEvent. The payload is carried as binary data
// so BSON and Extended JSON survive unchanged.
func ToEvent(source string, msg transport.Message) (*cloudevents.Event, error) {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetType(EventType)
	e.SetSource(source)
	e.SetSubject(msg.Topic)
	e.SetTime(time.Now())

	md := msg.Metadata
	setExtension(&e, ExtCorrelationKey, md.CorrelationKey)
	setExtension(&e, ExtReplyTo, md.ReplyTo)
	setExtension(&e, ExtResponder, md.Responder)
	setExtension(&e, ExtError, md.Error)
	if len(md.ResponseTopics) > 0 {
		b, err := json.Marshal(md.ResponseTopics)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", ExtResponseTopics, err)
		}
		setExtension(&e, ExtResponseTopics, string(b))
	}
	if !md.Expiry.IsZero() {
		setExtension(&e, ExtExpiry, md.Expiry.UTC().Format(time.RFC3339Nano))
	}

	if msg.Payload != nil {
		if err := e.SetData(md.ContentType, msg.Payload); err != nil {
			return nil, fmt.Errorf("set data: %w", err)
		}
	} else if md.ContentType != "" {
		e.SetDataContentType(md.ContentType)
	}
	return &e, nil
}

// FromEvent unwraps a CloudEvent produced by ToEvent.
func FromEvent(e *cloudevents.Event) (transport.Message, error) {
	if e == nil {
		return transport.Message{}, fmt.Errorf("nil event")
	}
	msg := transport.Message{
		Topic: e.Subject(),
		Metadata: transport.Metadata{
			CorrelationKey: extension(e, ExtCorrelationKey),
			ReplyTo:        extension(e, ExtReplyTo),
			Responder:      extension(e, ExtResponder),
			ContentType:    e.DataContentType(),
			Error:          extension(e, ExtError),
		},
	}
	if raw := extension(e, ExtExpiry); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return transport.Message{}, fmt.Errorf("parse %s: %w", ExtExpiry, err)
		}
		msg.Metadata.Expiry = t
	}
	if raw := extension(e, ExtResponseTopics); raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Metadata.ResponseTopics); err != nil {
			return transport.Message{}, fmt.Errorf("parse %s: %w", ExtResponseTopics, err)
		}
	}
	if b := e.Data(); len(b) > 0 {
		msg.Payload = append([]byte(nil), b...)
	}
	return msg, nil
}

// Marshal encodes msg as a structured-mode CloudEvents JSON document.
func Marshal(source string, msg transport.Message) ([]byte, error) {
	e, err := ToEvent(source, msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Unmarshal decodes a structured-mode CloudEvents JSON document.
func Unmarshal(b []byte) (transport.Message, error) {
	e := cloudevents.NewEvent()
	if err := json.Unmarshal(b, &e); err != nil {
		return transport.Message{}, err
	}
	return FromEvent(&e)
}

func setExtension(e *cloudevents.Event, name, value string) {
	if value != "" {
		e.SetExtension(name, value)
	}
}

func extension(e *cloudevents.Event, name string) string {
	v, ok := e.Extensions()[name]
	if !ok {
		return ""
	}
	s, err := types.ToString(v)
	if err != nil {
		return ""
	}
	return s
}
