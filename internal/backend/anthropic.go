package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/steveyegge/architect/internal/telemetry"
)

const (
	defaultModel      = "claude-haiku-4-5"
	defaultMaxRetries = 3
	defaultMaxTokens  = 1024
)

// ErrAPIKeyRequired is returned when no Anthropic API key is available.
var ErrAPIKeyRequired = errors.New("API key required")

// Anthropic asks the Messages API for a suggestion.
type Anthropic struct {
	client          anthropic.Client
	model           anthropic.Model
	MaxRetries      uint64
	InitialInterval time.Duration
}

// NewAnthropic returns a backend for model. ANTHROPIC_API_KEY takes
// precedence over apiKey. Extra client options are passed through.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) (*Anthropic, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY", ErrAPIKeyRequired)
	}
	if model == "" {
		model = defaultModel
	}
	aiMetricsOnce.Do(initAIMetrics)
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &Anthropic{
		client:          anthropic.NewClient(opts...),
		model:           anthropic.Model(model),
		MaxRetries:      defaultMaxRetries,
		InitialInterval: time.Second,
	}, nil
}

var aiMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var aiMetricsOnce sync.Once

func initAIMetrics() {
	m := telemetry.Meter("github.com/steveyegge/architect/backend")
	aiMetrics.inputTokens, _ = m.Int64Counter("architect.ai.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.outputTokens, _ = m.Int64Counter("architect.ai.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.duration, _ = m.Float64Histogram("architect.ai.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

// Suggest implements Backend. Rate limits, server errors and network
// timeouts are retried with exponential backoff.
func (a *Anthropic) Suggest(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	ctx, span := telemetry.Tracer("github.com/steveyegge/architect/backend").Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("architect.ai.model", string(a.model)),
		attribute.String("architect.ai.operation", "conflict_resolution"),
	)

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var text string
	attempts := 0
	op := func() error {
		attempts++
		t0 := time.Now()
		message, err := a.client.Messages.New(ctx, params)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		modelAttr := metric.WithAttributes(attribute.String("architect.ai.model", string(a.model)))
		aiMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, modelAttr)
		aiMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, modelAttr)
		aiMetrics.duration.Record(ctx, float64(time.Since(t0).Milliseconds()), modelAttr)
		span.SetAttributes(
			attribute.Int64("architect.ai.input_tokens", message.Usage.InputTokens),
			attribute.Int64("architect.ai.output_tokens", message.Usage.OutputTokens),
		)

		if len(message.Content) == 0 {
			return backoff.Permanent(errors.New("unexpected response format: no content blocks"))
		}
		content := message.Content[0]
		if content.Type != "text" {
			return backoff.Permanent(fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type))
		}
		text = content.Text
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.InitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, a.MaxRetries), ctx)
	err := backoff.Retry(op, policy)
	span.SetAttributes(attribute.Int("architect.ai.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("anthropic: %w", err)
	}
	return text, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
