package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string
}

// RecordMessage is the scraper wire format. JSON payloads travel inline;
// HTML and text payloads travel as a string body.
type RecordMessage struct {
	SourceID    string             `json:"source_id"`
	SourceURL   string             `json:"source_url"`
	RetrievedAt time.Time          `json:"retrieved_at"`
	ContentType models.ContentType `json:"content_type"`
	Selector    string             `json:"selector,omitempty"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
	Body        string             `json:"body,omitempty"`
}

// RawRecord decodes the message value into a raw record
func (m *IncomingMessage) RawRecord() (models.RawRecord, error) {
	var msg RecordMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return models.RawRecord{}, models.NewValidationError("message", fmt.Sprintf("not a record message: %v", err))
	}
	return msg.RawRecord(), nil
}

// RawRecord converts the wire format. The content type defaults to json
// when an inline payload is present and to text otherwise.
func (m RecordMessage) RawRecord() models.RawRecord {
	rec := models.RawRecord{
		SourceID:    m.SourceID,
		SourceURL:   m.SourceURL,
		RetrievedAt: m.RetrievedAt,
		ContentType: m.ContentType,
		Selector:    m.Selector,
	}
	switch {
	case len(m.Payload) > 0:
		rec.Payload = []byte(m.Payload)
		if rec.ContentType == "" {
			rec.ContentType = models.ContentTypeJSON
		}
	default:
		rec.Payload = []byte(m.Body)
		if rec.ContentType == "" {
			rec.ContentType = models.ContentTypeText
		}
	}
	return rec
}

// NewRecordMessage is the inverse of RawRecord, used by producers and tests
func NewRecordMessage(rec models.RawRecord) RecordMessage {
	msg := RecordMessage{
		SourceID:    rec.SourceID,
		SourceURL:   rec.SourceURL,
		RetrievedAt: rec.RetrievedAt,
		ContentType: rec.ContentType,
		Selector:    rec.Selector,
	}
	if rec.ContentType == models.ContentTypeJSON && json.Valid(rec.Payload) {
		msg.Payload = json.RawMessage(rec.Payload)
	} else {
		msg.Body = string(rec.Payload)
	}
	return msg
}
