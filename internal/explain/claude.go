// Package explain asks Claude for a short analyst-facing explanation of an
// attack prediction.
package explain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/veil-waf/veil-anomaly/internal/features"
	"github.com/veil-waf/veil-anomaly/internal/predict"
)

// DefaultModel is used when no Bedrock model is configured.
const DefaultModel = "global.anthropic.claude-sonnet-4-5-20250929-v1:0"

// ErrEmpty is returned when Claude answers with no text.
var ErrEmpty = errors.New("empty Claude response")

const systemPrompt = `You are a network security analyst. You receive one network connection
summary (KDD-style features) and the verdict of a two-stage intrusion detection model.
Explain in at most three sentences, for a SOC analyst, which features most plausibly
drove the verdict and what the predicted attack category usually looks like.
Do not restate the input verbatim. Do not speculate beyond the given features.
Answer in plain text without markdown.`

// Explainer calls Claude through an anthropic client.
type Explainer struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an Explainer around an existing client.
func New(client anthropic.Client, model string, logger *slog.Logger) *Explainer {
	if model == "" {
		model = DefaultModel
	}
	return &Explainer{client: client, model: model, timeout: 20 * time.Second, logger: logger}
}

// NewBedrock creates an Explainer that reaches Claude via AWS Bedrock in region.
func NewBedrock(ctx context.Context, region, model string, logger *slog.Logger) *Explainer {
	client := anthropic.NewClient(
		bedrock.WithLoadDefaultConfig(ctx, config.WithRegion(region)),
	)
	return New(client, model, logger)
}

// CredentialsAvailable reports whether AWS credentials are configured.
func CredentialsAvailable() bool {
	return os.Getenv("AWS_ACCESS_KEY_ID") != "" || os.Getenv("AWS_PROFILE") != ""
}

// Explain returns a short explanation of res for rec.
func (e *Explainer) Explain(ctx context.Context, rec features.Record, res predict.Result) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	prompt, err := userPrompt(rec, res)
	if err != nil {
		return "", err
	}

	start := time.Now()
	message, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: 300,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	elapsed := time.Since(start)
	if err != nil {
		return "", fmt.Errorf("claude api: %w", err)
	}

	var parts []string
	for _, block := range message.Content {
		if text := strings.TrimSpace(block.Text); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "", ErrEmpty
	}

	e.logger.Debug("explanation generated", "model", e.model, "elapsed", elapsed)
	return strings.Join(parts, "\n"), nil
}

func userPrompt(rec features.Record, res predict.Result) (string, error) {
	in, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Connection:\n%s\n\nModel verdict:\n%s", in, out), nil
}
