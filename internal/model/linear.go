package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

const (
	unknownError  = "error"
	unknownIgnore = "ignore"
)

// Artifact is the JSON export of a fitted preprocessing + linear model
// pipeline.
type Artifact struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Preprocessor Preprocessor `json:"preprocessor"`
	Classes      []string     `json:"classes"`
	Coef         [][]float64  `json:"coef"`
	Intercept    []float64    `json:"intercept"`
	Threshold    *float64     `json:"threshold,omitempty"`
}

// Preprocessor mirrors a column transformer: one-hot blocks first, then
// scaled numeric columns, each in declared order.
type Preprocessor struct {
	Categorical []CategoricalColumn `json:"categorical"`
	Numeric     []NumericColumn     `json:"numeric"`
}

type CategoricalColumn struct {
	Feature       string   `json:"feature"`
	Categories    []string `json:"categories"`
	HandleUnknown string   `json:"handle_unknown"`
}

type NumericColumn struct {
	Feature string  `json:"feature"`
	Log1p   bool    `json:"log1p"`
	Mean    float64 `json:"mean"`
	Scale   float64 `json:"scale"`
}

// Width is the length of the encoded feature vector.
func (p Preprocessor) Width() int {
	w := len(p.Numeric)
	for _, c := range p.Categorical {
		w += len(c.Categories)
	}
	return w
}

// FeatureNames lists the raw features the preprocessor reads.
func (p Preprocessor) FeatureNames() []string {
	out := make([]string, 0, len(p.Categorical)+len(p.Numeric))
	for _, c := range p.Categorical {
		out = append(out, c.Feature)
	}
	for _, n := range p.Numeric {
		out = append(out, n.Feature)
	}
	return out
}

// Encode turns a record into the model's input vector.
func (p Preprocessor) Encode(rec Features) ([]float64, error) {
	x := make([]float64, 0, p.Width())

	for _, col := range p.Categorical {
		v, ok := rec.Categorical(col.Feature)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingFeature, col.Feature)
		}
		hit := false
		for _, c := range col.Categories {
			if c == v {
				x = append(x, 1)
				hit = true
			} else {
				x = append(x, 0)
			}
		}
		if !hit && col.HandleUnknown != unknownIgnore {
			return nil, fmt.Errorf("%w: %s=%q", ErrUnknownCategory, col.Feature, v)
		}
	}

	for _, col := range p.Numeric {
		v, ok := rec.Numeric(col.Feature)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingFeature, col.Feature)
		}
		if col.Log1p {
			v = math.Log1p(v)
		}
		scale := col.Scale
		if scale == 0 {
			scale = 1
		}
		x = append(x, (v-col.Mean)/scale)
	}

	return x, nil
}

func (p Preprocessor) validate() error {
	if p.Width() == 0 {
		return fmt.Errorf("%w: preprocessor has no columns", ErrInvalidArtifact)
	}
	for _, c := range p.Categorical {
		if c.Feature == "" || len(c.Categories) == 0 {
			return fmt.Errorf("%w: categorical column %q has no categories", ErrInvalidArtifact, c.Feature)
		}
		switch c.HandleUnknown {
		case "", unknownError, unknownIgnore:
		default:
			return fmt.Errorf("%w: column %q: handle_unknown %q", ErrInvalidArtifact, c.Feature, c.HandleUnknown)
		}
	}
	for _, n := range p.Numeric {
		if n.Feature == "" {
			return fmt.Errorf("%w: numeric column without feature name", ErrInvalidArtifact)
		}
	}
	return nil
}

func (a *Artifact) validate(rows int) error {
	if err := a.Preprocessor.validate(); err != nil {
		return err
	}
	if len(a.Coef) != rows || len(a.Intercept) != rows {
		return fmt.Errorf("%w: want %d coef rows and intercepts, got %d and %d",
			ErrInvalidArtifact, rows, len(a.Coef), len(a.Intercept))
	}
	width := a.Preprocessor.Width()
	for i, row := range a.Coef {
		if len(row) != width {
			return fmt.Errorf("%w: coef row %d has %d weights, encoder produces %d",
				ErrInvalidArtifact, i, len(row), width)
		}
	}
	return nil
}

func (a *Artifact) score(row int, x []float64) float64 {
	z := a.Intercept[row]
	for j, w := range a.Coef[row] {
		z += w * x[j]
	}
	return z
}

func readArtifact(path string) (*Artifact, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read model %s: %w", path, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, "", fmt.Errorf("parse model %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return &a, hex.EncodeToString(sum[:6]), nil
}

// LinearBinary is a logistic regression over the encoded record.
type LinearBinary struct {
	art         *Artifact
	threshold   float64
	fingerprint string
}

// LoadBinary reads and validates a binary artifact.
func LoadBinary(path string) (*LinearBinary, error) {
	a, fp, err := readArtifact(path)
	if err != nil {
		return nil, err
	}
	m, err := NewLinearBinary(a)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.fingerprint = fp
	return m, nil
}

// NewLinearBinary validates a and wraps it. a must not be modified afterwards.
func NewLinearBinary(a *Artifact) (*LinearBinary, error) {
	if err := a.validate(1); err != nil {
		return nil, err
	}
	if len(a.Classes) == 0 {
		a.Classes = []string{"0", "1"}
	}
	if len(a.Classes) != 2 {
		return nil, fmt.Errorf("%w: binary model needs 2 classes, got %d", ErrInvalidArtifact, len(a.Classes))
	}
	threshold := 0.5
	if a.Threshold != nil {
		threshold = *a.Threshold
		if threshold <= 0 || threshold >= 1 {
			return nil, fmt.Errorf("%w: threshold %v outside (0,1)", ErrInvalidArtifact, threshold)
		}
	}
	return &LinearBinary{art: a, threshold: threshold, fingerprint: a.Version}, nil
}

func (m *LinearBinary) Predict(ctx context.Context, rec Features) (int, error) {
	p, err := m.PredictProba(ctx, rec)
	if err != nil {
		return 0, err
	}
	if p > m.threshold {
		return 1, nil
	}
	return 0, nil
}

func (m *LinearBinary) PredictProba(_ context.Context, rec Features) (float64, error) {
	x, err := m.art.Preprocessor.Encode(rec)
	if err != nil {
		return 0, err
	}
	return sigmoid(m.art.score(0, x)), nil
}

func (m *LinearBinary) Info() Info {
	return Info{
		Name:          m.art.Name,
		Version:       m.art.Version,
		Backend:       "artifact",
		Classes:       append([]string(nil), m.art.Classes...),
		Features:      m.art.Preprocessor.FeatureNames(),
		Fingerprint:   m.fingerprint,
		Deterministic: true,
	}
}

// LinearMulticlass is a one-vs-rest linear model with one score per class.
type LinearMulticlass struct {
	art         *Artifact
	fingerprint string
}

// LoadMulticlass reads and validates a multiclass artifact.
func LoadMulticlass(path string) (*LinearMulticlass, error) {
	a, fp, err := readArtifact(path)
	if err != nil {
		return nil, err
	}
	m, err := NewLinearMulticlass(a)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.fingerprint = fp
	return m, nil
}

// NewLinearMulticlass validates a and wraps it. a must not be modified
// afterwards.
func NewLinearMulticlass(a *Artifact) (*LinearMulticlass, error) {
	if len(a.Classes) < 2 {
		return nil, fmt.Errorf("%w: multiclass model needs at least 2 classes, got %d", ErrInvalidArtifact, len(a.Classes))
	}
	seen := make(map[string]bool, len(a.Classes))
	for _, c := range a.Classes {
		if seen[c] {
			return nil, fmt.Errorf("%w: duplicate class %q", ErrInvalidArtifact, c)
		}
		seen[c] = true
	}
	if err := a.validate(len(a.Classes)); err != nil {
		return nil, err
	}
	return &LinearMulticlass{art: a, fingerprint: a.Version}, nil
}

func (m *LinearMulticlass) Classes() []string {
	return append([]string(nil), m.art.Classes...)
}

func (m *LinearMulticlass) DecisionFunction(_ context.Context, rec Features) ([]float64, error) {
	x, err := m.art.Preprocessor.Encode(rec)
	if err != nil {
		return nil, err
	}
	scores := make([]float64, len(m.art.Classes))
	for i := range scores {
		scores[i] = m.art.score(i, x)
	}
	return scores, nil
}

func (m *LinearMulticlass) Predict(ctx context.Context, rec Features) (string, error) {
	scores, err := m.DecisionFunction(ctx, rec)
	if err != nil {
		return "", err
	}
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	return m.art.Classes[best], nil
}

func (m *LinearMulticlass) Info() Info {
	return Info{
		Name:          m.art.Name,
		Version:       m.art.Version,
		Backend:       "artifact",
		Classes:       m.Classes(),
		Features:      m.art.Preprocessor.FeatureNames(),
		Fingerprint:   m.fingerprint,
		Deterministic: true,
	}
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
