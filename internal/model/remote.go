package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"
)

const maxRemoteResponse = 1 << 20 // 1 MiB

// Remote talks to a scoring sidecar that serves the models in their native
// format.
type Remote struct {
	baseURL string
	http    *http.Client
}

// NewRemote creates a client for the scoring service at baseURL.
func NewRemote(baseURL string, timeout time.Duration) *Remote {
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (r *Remote) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %v", ErrRemote, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrRemote, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrRemote, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponse))
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrRemote, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%w: %s returned %d: %s", ErrRemote, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%w: %s returned %d", ErrRemote, path, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrRemote, path, err)
	}
	return nil
}

// Binary returns the binary classifier served at /binary.
func (r *Remote) Binary() *RemoteBinary {
	return &RemoteBinary{r: r}
}

// Multiclass fetches the class list once and returns the multiclass
// classifier served at /multiclass.
func (r *Remote) Multiclass(ctx context.Context) (*RemoteMulticlass, error) {
	var resp struct {
		Classes []string `json:"classes"`
		Version string   `json:"version"`
	}
	if err := r.do(ctx, http.MethodGet, "/multiclass/classes", nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Classes) < 2 {
		return nil, fmt.Errorf("%w: scorer reported %d classes", ErrRemote, len(resp.Classes))
	}
	return &RemoteMulticlass{r: r, classes: resp.Classes, version: resp.Version}, nil
}

type binaryResponse struct {
	Label             *int     `json:"label"`
	AttackProbability *float64 `json:"attack_probability"`
}

// RemoteBinary calls POST /binary, which returns the label and the attack
// probability together.
type RemoteBinary struct {
	r *Remote
}

// ScoreBinary implements BinaryScorer with one /binary round trip.
func (b *RemoteBinary) ScoreBinary(ctx context.Context, rec Features) (int, float64, error) {
	var resp binaryResponse
	if err := b.r.do(ctx, http.MethodPost, "/binary", rec, &resp); err != nil {
		return 0, 0, err
	}
	if resp.Label == nil || resp.AttackProbability == nil {
		return 0, 0, fmt.Errorf("%w: /binary response missing label or attack_probability", ErrRemote)
	}
	p := *resp.AttackProbability
	if p < 0 || p > 1 {
		return 0, 0, fmt.Errorf("%w: attack_probability %v outside [0,1]", ErrRemote, p)
	}
	return *resp.Label, p, nil
}

func (b *RemoteBinary) Predict(ctx context.Context, rec Features) (int, error) {
	label, _, err := b.ScoreBinary(ctx, rec)
	return label, err
}

func (b *RemoteBinary) PredictProba(ctx context.Context, rec Features) (float64, error) {
	_, p, err := b.ScoreBinary(ctx, rec)
	return p, err
}

// Info reports the sidecar as non-deterministic: its models can be replaced
// while this process runs.
func (b *RemoteBinary) Info() Info {
	return Info{Name: "binary", Backend: "remote", Classes: []string{"0", "1"}, Fingerprint: b.r.baseURL}
}

type multiclassResponse struct {
	Label   string    `json:"label"`
	Scores  []float64 `json:"scores"`
	Classes []string  `json:"classes"`
}

// RemoteMulticlass calls POST /multiclass, which returns the label and the
// decision scores together.
type RemoteMulticlass struct {
	r       *Remote
	classes []string
	version string
}

// ScoreMulticlass implements MulticlassScorer with one /multiclass round trip.
func (m *RemoteMulticlass) ScoreMulticlass(ctx context.Context, rec Features) (string, []float64, error) {
	var resp multiclassResponse
	if err := m.r.do(ctx, http.MethodPost, "/multiclass", rec, &resp); err != nil {
		return "", nil, err
	}
	if resp.Classes != nil && !slices.Equal(resp.Classes, m.classes) {
		return "", nil, fmt.Errorf("%w: class list changed since startup", ErrRemote)
	}
	if !slices.Contains(m.classes, resp.Label) {
		return "", nil, fmt.Errorf("%w: unknown label %q", ErrRemote, resp.Label)
	}
	return resp.Label, resp.Scores, nil
}

func (m *RemoteMulticlass) Predict(ctx context.Context, rec Features) (string, error) {
	label, _, err := m.ScoreMulticlass(ctx, rec)
	return label, err
}

func (m *RemoteMulticlass) DecisionFunction(ctx context.Context, rec Features) ([]float64, error) {
	_, scores, err := m.ScoreMulticlass(ctx, rec)
	return scores, err
}

func (m *RemoteMulticlass) Classes() []string {
	return append([]string(nil), m.classes...)
}

func (m *RemoteMulticlass) Info() Info {
	return Info{
		Name:        "multiclass",
		Version:     m.version,
		Backend:     "remote",
		Classes:     m.Classes(),
		Fingerprint: m.r.baseURL,
	}
}
