package explorer

import (
	"encoding/base64"
	"time"
	"unicode/utf8"

	"github.com/nuetzliches/busdeck/internal/broker"
)

// MessageView is the JSON shape every operator surface renders a message
// in. The body is decoded for its content type; text bodies land in Body,
// anything else in BodyB64.
type MessageView struct {
	ID               string         `json:"id"`
	SequenceNumber   int64          `json:"sequence_number"`
	Status           string         `json:"status"`
	Subject          string         `json:"subject,omitempty"`
	ContentType      string         `json:"content_type,omitempty"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	SessionID        string         `json:"session_id,omitempty"`
	EnqueuedAt       string         `json:"enqueued_at,omitempty"`
	DeliveryCount    int            `json:"delivery_count"`
	DeadLetterReason string         `json:"dead_letter_reason,omitempty"`
	Properties       map[string]any `json:"properties,omitempty"`
	Encoding         string         `json:"encoding,omitempty"`
	Body             string         `json:"body,omitempty"`
	BodyB64          string         `json:"body_b64,omitempty"`
	DecodeError      string         `json:"decode_error,omitempty"`
}

func ViewOf(m broker.Message) MessageView {
	v := MessageView{
		ID:               m.ID,
		SequenceNumber:   m.SequenceNumber,
		Status:           m.Status(),
		Subject:          m.Subject,
		ContentType:      m.ContentType,
		CorrelationID:    m.CorrelationID,
		SessionID:        m.SessionID,
		DeliveryCount:    m.DeliveryCount,
		DeadLetterReason: m.DeadLetterReason,
		Properties:       m.Properties,
	}
	if !m.EnqueuedAt.IsZero() {
		v.EnqueuedAt = m.EnqueuedAt.UTC().Format(time.RFC3339Nano)
	}
	body := m.Body
	if enc := EncodingFor(m.ContentType); enc != EncodingNone {
		v.Encoding = enc.String()
		decoded, err := DecodeBody(m.ContentType, m.Body)
		if err != nil {
			v.DecodeError = err.Error()
		} else {
			body = decoded
		}
	}
	if v.DecodeError == "" && utf8.Valid(body) {
		v.Body = string(body)
	} else {
		v.BodyB64 = base64.StdEncoding.EncodeToString(body)
	}
	return v
}

func ViewsOf(msgs []broker.Message) []MessageView {
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ViewOf(m))
	}
	return out
}
