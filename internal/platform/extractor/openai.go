// Package extractor turns processed document text into candidate summary
// entities with an LLM.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/ehr/summary/internal/domain/summary"
)

const systemPrompt = `You extract structured clinical data from a medical document.
Reply with a single JSON object with these keys, each a list:
"diagnoses": objects {"name", "severity", "confidence"},
"medications": objects {"name", "dose", "frequency", "startDate", "confidence"},
"labs": objects {"name", "value", "unit", "flag", "date"},
"visits": objects {"date", "provider", "reason"},
"alerts": objects {"message", "severity"}.
Flag is one of "low", "high", "critical" or empty. Dates are YYYY-MM-DD.
Confidence is between 0 and 1.
Omit anything the document does not state. Do not invent values.`

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// MaxChars truncates document content, in bytes, before it is sent.
	MaxChars int
	// RequestsPerSecond caps calls to the provider; 0 means unlimited.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// OpenAI is a summary.Extractor backed by the chat completions API in JSON mode.
type OpenAI struct {
	client   chatCompleter
	model    string
	maxChars int
	timeout  time.Duration
	limiter  *rate.Limiter
}

func NewOpenAI(cfg Config) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return newOpenAI(openai.NewClientWithConfig(oc), cfg)
}

func newOpenAI(client chatCompleter, cfg Config) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 48000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &OpenAI{
		client:   client,
		model:    cfg.Model,
		maxChars: cfg.MaxChars,
		timeout:  cfg.Timeout,
		limiter:  limiter,
	}
}

// ErrEmptyDocument wraps summary.ErrUnextractable so callers settle the
// document instead of retrying it.
var ErrEmptyDocument = fmt.Errorf("%w: document has no content to extract from", summary.ErrUnextractable)

func (o *OpenAI) Extract(ctx context.Context, doc *summary.ProcessedDocument) (summary.RawEntities, error) {
	content := strings.TrimSpace(doc.Content)
	if content == "" {
		return summary.RawEntities{}, ErrEmptyDocument
	}
	content = truncate(content, o.maxChars)

	if err := o.limiter.Wait(ctx); err != nil {
		return summary.RawEntities{}, fmt.Errorf("extractor rate limit: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	user := fmt.Sprintf("Document type: %s\nUploaded: %s\n\n%s",
		doc.Ref.Type, doc.Ref.UploadedAt.Format("2006-01-02"), content)
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature:    0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return summary.RawEntities{}, fmt.Errorf("extract entities: %w", err)
	}
	if len(resp.Choices) == 0 {
		return summary.RawEntities{}, errors.New("extract entities: empty completion")
	}

	raw, err := summary.ParseRawEntities([]byte(stripFences(resp.Choices[0].Message.Content)))
	if err != nil {
		return summary.RawEntities{}, fmt.Errorf("%w: model reply: %v", summary.ErrUnextractable, err)
	}
	return raw, nil
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
