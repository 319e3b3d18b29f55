package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// ModelParams identifies the reasoning model and every sampling setting
type ModelParams struct {
	Provider      string  `mapstructure:"provider"`
	ModelID       string  `mapstructure:"model_id"`
	ModelVersion  string  `mapstructure:"model_version"`
	PromptVersion string  `mapstructure:"prompt_version"`
	Temperature   float64 `mapstructure:"temperature"`
	TopP          float64 `mapstructure:"top_p"`
	MaxTokens     int     `mapstructure:"max_tokens"`
	Seed          int     `mapstructure:"seed"`
}

// Reasoner sends a prompt to a reasoning model and returns its raw reply
type Reasoner interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

const systemPrompt = `You compare a new public record with an existing entity and decide whether they describe the same real-world actor.
Answer only with JSON: {"verdict": "match" | "no_match", "confidence": <number between 0 and 1>}.`

func buildPrompt(relationshipType string, evidence []EvidenceItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Relationship under review: %s\n\n", relationshipType)
	for _, e := range evidence {
		fmt.Fprintf(&b, "%s\n  record: %s\n  entity: %s\n", e.Field, e.RecordValue, e.EntityValue)
	}
	return b.String()
}

type reply struct {
	Verdict    models.Verdict `json:"verdict"`
	Confidence float64        `json:"confidence"`
}

// parseReply extracts the first JSON object from a model reply
func parseReply(raw string) (reply, error) {
	start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return reply{}, fmt.Errorf("reply has no JSON object: %q", truncate(raw, 80))
	}
	var r reply
	if err := json.Unmarshal([]byte(raw[start:end+1]), &r); err != nil {
		return reply{}, fmt.Errorf("failed to decode reply: %w", err)
	}
	if !r.Verdict.Valid() {
		return reply{}, fmt.Errorf("unknown verdict %q", r.Verdict)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return reply{}, fmt.Errorf("confidence %v out of range", r.Confidence)
	}
	return r, nil
}

// StaticReasoner answers every prompt with Reply after Delay. Err, when
// set, is returned instead.
type StaticReasoner struct {
	Reply string
	Err   error
	Delay time.Duration

	calls atomic.Int64
}

// Calls is the number of prompts received
func (s *StaticReasoner) Calls() int {
	return int(s.calls.Load())
}

func (s *StaticReasoner) Complete(ctx context.Context, _, _ string) (string, error) {
	s.calls.Add(1)
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.Err != nil {
		return "", s.Err
	}
	return s.Reply, nil
}

// NewReasoner builds the client for params.Provider
func NewReasoner(apiKey, baseURL string, params ModelParams) (Reasoner, error) {
	switch params.Provider {
	case "anthropic":
		return NewAnthropicReasoner(apiKey, baseURL, params), nil
	case "openai":
		return NewOpenAIReasoner(apiKey, baseURL, params), nil
	default:
		return nil, fmt.Errorf("unknown reasoner provider %q", params.Provider)
	}
}
