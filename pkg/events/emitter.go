// Package events publishes entity, relationship and merge-record change
// events for downstream consumers.
package events

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

const (
	EventTypeMergeRecord         = "merge_record.appended"
	EventTypeEntityUpserted      = "entity.upserted"
	EventTypeEntitySuperseded    = "entity.superseded"
	EventTypeRelationshipWritten = "relationship.written"
)

// Publisher sends events. *kafka.Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, events ...kafka.Event) error
}

// Emitter turns committed merge records into events
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{publisher: publisher, logger: logger}
}

// MergeApplied publishes the record and every entity and relationship row in
// its after-state. Publication failures are logged; the record is already
// committed and stays the source of truth.
func (e *Emitter) MergeApplied(ctx context.Context, rec models.MergeRecord) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.MergeApplied")
	defer span.End()

	evts, err := Build(rec)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to encode merge events")
		return
	}
	if err := e.publisher.Publish(ctx, evts...); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"merge_record_id": rec.ID,
			"kind":            rec.Kind,
		}).Error("Failed to emit merge events")
	}
}

// Build renders the events for a merge record. The merge record event comes
// first; entity and relationship events follow in snapshot order.
func Build(rec models.MergeRecord) ([]kafka.Event, error) {
	key := rec.ID
	if len(rec.EntityIDs) > 0 {
		key = rec.EntityIDs[0]
	}
	first, err := event(EventTypeMergeRecord, key, rec)
	if err != nil {
		return nil, err
	}
	out := []kafka.Event{first}

	for _, ent := range rec.After.Entities {
		eventType := EventTypeEntityUpserted
		if !ent.IsLive() {
			eventType = EventTypeEntitySuperseded
		}
		evt, err := event(eventType, ent.ID, ent)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	for _, rel := range rec.After.Relationships {
		evt, err := event(EventTypeRelationshipWritten, rel.FromEntityID, rel)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

func event(eventType, key string, v any) (kafka.Event, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return kafka.Event{}, err
	}
	return kafka.Event{
		EventType:     eventType,
		Key:           key,
		SchemaVersion: SchemaVersion,
		Data:          data,
	}, nil
}
