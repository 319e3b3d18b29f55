package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
)

// Statement is one parameterised Cypher query
type Statement struct {
	Cypher string
	Params map[string]any
}

// Writer executes statements atomically. *Client implements it.
type Writer interface {
	Write(ctx context.Context, statements ...Statement) error
}

// Projector keeps the graph in step with committed merge records. It only
// ever holds live entities and accepted current relationships.
type Projector struct {
	writer Writer
	logger ectologger.Logger
}

func NewProjector(writer Writer, logger ectologger.Logger) *Projector {
	return &Projector{writer: writer, logger: logger}
}

// MergeApplied projects the after-state of a committed record
func (p *Projector) MergeApplied(ctx context.Context, rec models.MergeRecord) {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.MergeApplied")
	defer span.End()

	statements := Statements(rec)
	if len(statements) == 0 {
		return
	}
	if err := p.writer.Write(ctx, statements...); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"merge_record_id": rec.ID,
			"kind":            rec.Kind,
		}).Error("Failed to project merge record into graph")
	}
}

// Statements renders the graph changes implied by a merge record
func Statements(rec models.MergeRecord) []Statement {
	var out []Statement
	for _, e := range rec.After.Entities {
		if e.IsLive() {
			out = append(out, upsertEntity(e))
		} else {
			out = append(out, Statement{
				Cypher: `MATCH (e {id: $id}) DETACH DELETE e`,
				Params: map[string]any{"id": e.ID},
			})
		}
	}
	for _, r := range rec.After.Relationships {
		if !r.IsCurrent() {
			continue
		}
		if r.Status == models.StatusAutoAccepted || r.Status == models.StatusHumanValidated {
			out = append(out, upsertRelationship(r))
		} else {
			out = append(out, Statement{
				Cypher: fmt.Sprintf(`MATCH ({id: $from})-[r:%s]->({id: $to}) DELETE r`, sanitizeLabel(strings.ToUpper(r.Type))),
				Params: map[string]any{"from": r.FromEntityID, "to": r.ToEntityID},
			})
		}
	}
	return out
}

func upsertEntity(e models.Entity) Statement {
	keyTypes := make([]string, 0, len(e.Keys))
	for _, k := range e.Keys {
		keyTypes = append(keyTypes, string(k.Type))
	}
	return Statement{
		Cypher: fmt.Sprintf(`MERGE (e:%s {id: $id}) SET e += $props`, sanitizeLabel(label(string(e.Type)))),
		Params: map[string]any{
			"id": e.ID,
			"props": map[string]any{
				"display_name": e.DisplayName,
				"confidence":   e.Confidence,
				"version":      e.Version,
				"key_types":    keyTypes,
				"updated_at":   e.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000000Z"),
			},
		},
	}
}

func upsertRelationship(r models.Relationship) Statement {
	return Statement{
		Cypher: fmt.Sprintf(`MATCH (a {id: $from}), (b {id: $to}) MERGE (a)-[r:%s]->(b) SET r += $props`, sanitizeLabel(strings.ToUpper(r.Type))),
		Params: map[string]any{
			"from": r.FromEntityID,
			"to":   r.ToEntityID,
			"props": map[string]any{
				"id":            r.ID,
				"confidence":    r.Confidence,
				"status":        string(r.Status),
				"model_version": r.ModelVersion,
			},
		},
	}
}

// label turns "company" into "Company"
func label(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func sanitizeLabel(label string) string {
	var b strings.Builder
	for _, c := range label {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "Entity"
	}
	return b.String()
}
