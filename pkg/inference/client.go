// Package inference extracts structured catalog fields from free-form
// product text using the Anthropic API. Every answer carries a model
// confidence; callers decide what to do below their threshold.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client defines the inference operations used by the normalizer.
type Client interface {
	InferField(ctx context.Context, req FieldRequest) (*Result, error)
}

// FieldRequest asks for one field of one product.
type FieldRequest struct {
	Field       string   // "roast", "process", "geography.country", ...
	Allowed     []string // closed vocabulary, empty for free-text fields
	ProductName string
	Description string
	Tags        []string
}

// Result is one inference answer.
type Result struct {
	Field      string
	Value      string
	Confidence float64
	Model      string
	Usage      TokenUsage
}

// TokenUsage tracks token consumption for cost attribution.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// modelPricing holds per-million-token pricing for known models.
var modelPricing = map[string][2]float64{
	"claude-haiku-4-5-20251001":  {0.80, 4.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
}

// EstimateCost computes an estimated cost in USD. Returns 0 for unknown
// models.
func (u TokenUsage) EstimateCost(model string) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	return (float64(u.InputTokens)/1e6)*pricing[0] + (float64(u.OutputTokens)/1e6)*pricing[1]
}

const systemPrompt = `You extract coffee catalog metadata from product listings.
Answer with a single JSON object and nothing else:
{"value": "<answer>", "confidence": <0.0-1.0>}
The confidence is your own estimate of how likely the answer is correct
given only the provided text. When a closed vocabulary is given, the value
must be one of its entries exactly. If the text does not support any
answer, use an empty value and a confidence of 0.`

// Config configures the SDK-backed client.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// RequestsPerSecond paces calls across all workers. Zero disables
	// pacing.
	RequestsPerSecond float64
}

// sdkClient implements Client using the official anthropic-sdk-go.
type sdkClient struct {
	client  sdk.Client
	model   string
	maxTok  int64
	limiter *rate.Limiter
}

// NewClient creates an inference client backed by the SDK.
func NewClient(cfg Config) Client {
	maxTok := cfg.MaxTokens
	if maxTok <= 0 {
		maxTok = 256
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &sdkClient{
		client:  sdk.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   cfg.Model,
		maxTok:  maxTok,
		limiter: limiter,
	}
}

func (c *sdkClient) InferField(ctx context.Context, req FieldRequest) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "inference: limiter wait")
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTok,
		System: []sdk.TextBlockParam{{
			Text:         systemPrompt,
			CacheControl: sdk.NewCacheControlEphemeralParam(),
		}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(buildPrompt(req))),
		},
		Temperature: sdk.Float(0),
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, eris.Wrapf(err, "inference: infer %s", req.Field)
	}

	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}

	value, confidence, err := parseAnswer(text.String())
	if err != nil {
		return nil, eris.Wrapf(err, "inference: parse answer for %s", req.Field)
	}

	res := &Result{
		Field:      req.Field,
		Value:      value,
		Confidence: confidence,
		Model:      string(msg.Model),
		Usage: TokenUsage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}

	zap.L().Debug("inference call",
		zap.String("field", req.Field),
		zap.String("value", res.Value),
		zap.Float64("confidence", res.Confidence),
		zap.Int64("input_tokens", res.Usage.InputTokens),
		zap.Int64("output_tokens", res.Usage.OutputTokens),
		zap.Float64("estimated_cost_usd", res.Usage.EstimateCost(res.Model)),
	)
	return res, nil
}

func buildPrompt(req FieldRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Field: %s\n", req.Field)
	if len(req.Allowed) > 0 {
		fmt.Fprintf(&b, "Allowed values: %s\n", strings.Join(req.Allowed, ", "))
	}
	fmt.Fprintf(&b, "Product name: %s\n", req.ProductName)
	if len(req.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(req.Tags, ", "))
	}
	if req.Description != "" {
		desc := req.Description
		if len(desc) > 4000 {
			desc = desc[:4000]
		}
		fmt.Fprintf(&b, "Description:\n%s\n", desc)
	}
	return b.String()
}

// parseAnswer extracts the {"value", "confidence"} object from the model's
// reply. Models occasionally wrap JSON in prose or code fences.
func parseAnswer(text string) (string, float64, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", 0, eris.Errorf("no JSON object in reply: %q", truncate(text, 120))
	}
	var parsed struct {
		Value      string  `json:"value"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return "", 0, eris.Wrap(err, "unmarshal reply")
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return "", 0, eris.Errorf("confidence out of range: %v", parsed.Confidence)
	}
	return strings.TrimSpace(parsed.Value), parsed.Confidence, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
