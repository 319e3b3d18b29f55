package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// Model turns a feature vector into a match probability. Implementations
// are trained elsewhere; fern only evaluates them.
type Model interface {
	Version() string
	Predict(ctx context.Context, features FeatureVector) (float64, error)
}

// LogisticModel evaluates sigmoid(intercept + Σ weight·feature)
type LogisticModel struct {
	ModelVersion     string             `toml:"version"`
	RelationshipType string             `toml:"relationship_type"`
	Intercept        float64            `toml:"intercept"`
	Weights          map[string]float64 `toml:"weights"`
}

func (m *LogisticModel) Version() string {
	return m.ModelVersion
}

func (m *LogisticModel) Predict(_ context.Context, features FeatureVector) (float64, error) {
	if len(m.Weights) == 0 {
		return 0, errors.New("logistic model has no weights")
	}
	z := m.Intercept
	for name, w := range m.Weights {
		z += w * features[name]
	}
	p := 1 / (1 + math.Exp(-z))
	if math.IsNaN(p) {
		return 0, fmt.Errorf("model %s produced NaN", m.ModelVersion)
	}
	return p, nil
}

// ParseLogisticModel decodes a TOML model description
func ParseLogisticModel(data []byte) (*LogisticModel, error) {
	var m LogisticModel
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	if m.ModelVersion == "" {
		return nil, errors.New("model version is required")
	}
	if m.RelationshipType == "" {
		return nil, fmt.Errorf("model %s: relationship_type is required", m.ModelVersion)
	}
	if len(m.Weights) == 0 {
		return nil, fmt.Errorf("model %s: weights are required", m.ModelVersion)
	}
	return &m, nil
}

// ModelRegistry holds the active model per relationship type
type ModelRegistry struct {
	mu     sync.RWMutex
	models map[string]Model
}

func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{models: map[string]Model{}}
}

func (r *ModelRegistry) Register(relationshipType string, m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[relationshipType] = m
}

func (r *ModelRegistry) Get(relationshipType string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[relationshipType]
	return m, ok
}

// Versions returns relationship type -> active model version
func (r *ModelRegistry) Versions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.models))
	for t, m := range r.models {
		out[t] = m.Version()
	}
	return out
}

// Deploy replaces the model for a relationship type once check passes.
// A nil check deploys unconditionally.
func (r *ModelRegistry) Deploy(ctx context.Context, relationshipType string, m Model, check func(ctx context.Context) error) error {
	if check != nil {
		if err := check(ctx); err != nil {
			return err
		}
	}
	r.Register(relationshipType, m)
	return nil
}

// LoadModelDir registers every *.toml model in dir. Later versions of the
// same relationship type (by file name order) win.
func (r *ModelRegistry) LoadModelDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read model dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".toml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		m, err := ParseLogisticModel(data)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		r.Register(m.RelationshipType, m)
	}
	return nil
}
