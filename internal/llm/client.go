// Package llm implements the multi-protocol LLM client.
//
// One Client speaks one of three wire dialects — OpenAI chat completions,
// Anthropic messages, or Google generateContent — behind a uniform Chat
// call. The dialect is fixed at construction from the provider row; adding a
// dialect means adding a case, not a hierarchy.
//
// Every round-trip, success or failure, emits exactly one LLMLog through the
// configured sink. The client never retries; retry policy belongs to the
// task executor.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/cytzrs/share/pkg/types"
)

// DefaultTimeout bounds one LLM round-trip unless the provider config says
// otherwise.
const DefaultTimeout = 60 * time.Second

// errorBodyCap truncates logged response bodies on error paths.
const errorBodyCap = 2048

// ErrorKind is the LLM failure taxonomy.
type ErrorKind string

const (
	ErrConnection ErrorKind = "connection"
	ErrTimeout    ErrorKind = "timeout"
	ErrRateLimit  ErrorKind = "rate_limit"
	ErrResponse   ErrorKind = "response"
	ErrParse      ErrorKind = "parse"
)

// Error is a typed LLM failure. Status is set for ErrResponse; RetryAfter
// for ErrRateLimit when the provider supplied the header.
type Error struct {
	Kind       ErrorKind
	Status     int
	RetryAfter time.Duration
	Message    string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm %s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Message)
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Usage is the provider-reported token accounting, when present.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// ChatResponse is the normalized reply of any dialect. LogID references the
// LLMLog row this call produced, so orders can point back at it.
type ChatResponse struct {
	Content      string
	Model        string
	Usage        *Usage
	FinishReason string
	LogID        int64
}

// ChatOptions tunes a single Chat call. Zero values fall back to the client
// defaults. AgentID tags the emitted log row.
type ChatOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	AgentID     string
}

// LogSink receives one LLMLog per round-trip. Implementations must tolerate
// concurrent appends.
type LogSink interface {
	AppendLLMLog(ctx context.Context, log *types.LLMLog) error
}

// Client is one LLM endpoint. Construct with NewClient; safe for concurrent
// use.
type Client struct {
	protocol     types.Protocol
	baseURL      string
	apiKey       string
	defaultModel string
	providerID   string
	http         *resty.Client
	limiter      *TokenBucket
	sink         LogSink
	logger       *slog.Logger
}

// Config carries the per-provider client settings.
type Config struct {
	Protocol     types.Protocol
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
	ProviderID   string
	// RequestsPerMinute caps the call rate for this provider; zero disables
	// limiting.
	RequestsPerMinute float64
}

// NewClient builds a client for one provider. sink may be nil (logs dropped),
// which only tests should do.
func NewClient(cfg Config, sink LogSink, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	var limiter *TokenBucket
	if cfg.RequestsPerMinute > 0 {
		limiter = NewTokenBucket(cfg.RequestsPerMinute, cfg.RequestsPerMinute/60)
	}

	return &Client{
		protocol:     cfg.Protocol,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		providerID:   cfg.ProviderID,
		http:         httpClient,
		limiter:      limiter,
		sink:         sink,
		logger:       logger.With("component", "llm", "provider", cfg.ProviderID),
	}
}

// Chat sends messages to the provider and returns the normalized reply.
// Exactly one LLMLog is emitted regardless of outcome.
func (c *Client) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResponse, error) {
	model := opts.Model
	if model == "" {
		model = c.defaultModel
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			lerr := &Error{Kind: ErrConnection, Message: "rate limiter: " + err.Error()}
			c.emitLog(ctx, model, opts.AgentID, nil, nil, nil, lerr, time.Now(), 0)
			return nil, lerr
		}
	}

	var (
		resp *resty.Response
		out  *ChatResponse
		body []byte
		err  error
	)

	start := time.Now()
	switch c.protocol {
	case types.ProtocolOpenAI:
		body, resp, out, err = c.chatOpenAI(ctx, messages, model, opts)
	case types.ProtocolAnthropic:
		body, resp, out, err = c.chatAnthropic(ctx, messages, model, opts)
	case types.ProtocolGoogle:
		body, resp, out, err = c.chatGoogle(ctx, messages, model, opts)
	default:
		err = &Error{Kind: ErrConnection, Message: fmt.Sprintf("unsupported protocol %q", c.protocol)}
	}
	duration := time.Since(start)

	logID := c.emitLog(ctx, model, opts.AgentID, body, resp, out, err, start, duration)

	if err != nil {
		c.logger.Error("chat failed", "model", model, "duration", duration, "error", err)
		return nil, err
	}
	out.LogID = logID
	c.logger.Debug("chat ok", "model", out.Model, "duration", duration)
	return out, nil
}

// emitLog writes the single per-call log row and returns its id.
func (c *Client) emitLog(ctx context.Context, model, agentID string, reqBody []byte, resp *resty.Response, out *ChatResponse, callErr error, startedAt time.Time, duration time.Duration) int64 {
	if c.sink == nil {
		return 0
	}

	entry := &types.LLMLog{
		ProviderID:  c.providerID,
		ModelName:   model,
		AgentID:     agentID,
		RequestBody: string(reqBody),
		DurationMS:  duration.Milliseconds(),
		Status:      "success",
		RequestTime: startedAt,
	}

	if callErr != nil {
		entry.Status = "error"
		entry.ErrorMessage = callErr.Error()
		if resp != nil {
			entry.ResponseBody = truncate(resp.String(), errorBodyCap)
		}
	} else {
		if resp != nil {
			entry.ResponseBody = resp.String()
		}
		if out != nil && out.Usage != nil {
			entry.TokensIn = out.Usage.PromptTokens
			entry.TokensOut = out.Usage.CompletionTokens
		}
	}

	// The cycle may already be cancelled; the log still has to land.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.sink.AppendLLMLog(logCtx, entry); err != nil {
		c.logger.Error("failed to append LLM log", "error", err)
	}
	return entry.ID
}

// ———————————————————————————— OpenAI dialect ————————————————————————————

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *Client) chatOpenAI(ctx context.Context, messages []Message, model string, opts ChatOptions) ([]byte, *resty.Response, *ChatResponse, error) {
	req := openAIRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	body, _ := json.Marshal(req)

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+c.apiKey).
		SetBody(body).
		Post("/chat/completions")
	if err != nil {
		return body, resp, nil, transportError(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return body, resp, nil, httpError(resp)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return body, resp, nil, &Error{Kind: ErrParse, Message: err.Error()}
	}
	if len(parsed.Choices) == 0 {
		return body, resp, nil, &Error{Kind: ErrParse, Message: "no choices in response"}
	}

	out := &ChatResponse{
		Content:      parsed.Choices[0].Message.Content,
		Model:        firstNonEmpty(parsed.Model, model),
		FinishReason: parsed.Choices[0].FinishReason,
	}
	if parsed.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		}
	}
	return body, resp, out, nil
}

// ——————————————————————————— Anthropic dialect ———————————————————————————

type anthropicRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) chatAnthropic(ctx context.Context, messages []Message, model string, opts ChatOptions) ([]byte, *resty.Response, *ChatResponse, error) {
	req := anthropicRequest{
		Model:       model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}
	// System turns are hoisted to the top-level system field.
	for _, m := range messages {
		if m.Role == "system" {
			req.System = m.Content
			continue
		}
		req.Messages = append(req.Messages, m)
	}
	body, _ := json.Marshal(req)

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("x-api-key", c.apiKey).
		SetHeader("anthropic-version", "2023-06-01").
		SetBody(body).
		Post("/v1/messages")
	if err != nil {
		return body, resp, nil, transportError(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return body, resp, nil, httpError(resp)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return body, resp, nil, &Error{Kind: ErrParse, Message: err.Error()}
	}

	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	out := &ChatResponse{
		Content:      sb.String(),
		Model:        firstNonEmpty(parsed.Model, model),
		FinishReason: parsed.StopReason,
	}
	if parsed.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
		}
	}
	return body, resp, out, nil
}

// ———————————————————————————— Google dialect ————————————————————————————

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleRequest struct {
	Contents          []googleContent `json:"contents"`
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type googleResponse struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (c *Client) chatGoogle(ctx context.Context, messages []Message, model string, opts ChatOptions) ([]byte, *resty.Response, *ChatResponse, error) {
	var req googleRequest
	req.GenerationConfig.Temperature = opts.Temperature
	req.GenerationConfig.MaxOutputTokens = opts.MaxTokens

	for _, m := range messages {
		if m.Role == "system" {
			req.SystemInstruction = &googleContent{Parts: []googlePart{{Text: m.Content}}}
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		req.Contents = append(req.Contents, googleContent{
			Role:  role,
			Parts: []googlePart{{Text: m.Content}},
		})
	}
	body, _ := json.Marshal(req)

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("key", c.apiKey).
		SetBody(body).
		Post("/models/" + model + ":generateContent")
	if err != nil {
		return body, resp, nil, transportError(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return body, resp, nil, httpError(resp)
	}

	var parsed googleResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return body, resp, nil, &Error{Kind: ErrParse, Message: err.Error()}
	}
	if len(parsed.Candidates) == 0 {
		return body, resp, nil, &Error{Kind: ErrParse, Message: "no candidates in response"}
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}

	out := &ChatResponse{
		Content:      sb.String(),
		Model:        model,
		FinishReason: parsed.Candidates[0].FinishReason,
	}
	if parsed.UsageMetadata != nil {
		out.Usage = &Usage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
		}
	}
	return body, resp, out, nil
}

// ————————————————————————————— Model listing —————————————————————————————

// ModelInfo is one entry of a provider's model catalogue.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListModels returns the provider's model catalogue. Anthropic has no list
// endpoint, so a static catalogue is returned.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	switch c.protocol {
	case types.ProtocolAnthropic:
		return []ModelInfo{
			{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus"},
			{ID: "claude-3-sonnet-20240229", Name: "Claude 3 Sonnet"},
			{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku"},
			{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet"},
		}, nil
	case types.ProtocolOpenAI:
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+c.apiKey).
			Get("/models")
		if err != nil {
			return nil, transportError(err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, httpError(resp)
		}
		var parsed struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
			return nil, &Error{Kind: ErrParse, Message: err.Error()}
		}
		models := make([]ModelInfo, 0, len(parsed.Data))
		for _, m := range parsed.Data {
			models = append(models, ModelInfo{ID: m.ID, Name: m.ID})
		}
		return models, nil
	case types.ProtocolGoogle:
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("key", c.apiKey).
			Get("/models")
		if err != nil {
			return nil, transportError(err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, httpError(resp)
		}
		var parsed struct {
			Models []struct {
				Name        string `json:"name"`
				DisplayName string `json:"displayName"`
			} `json:"models"`
		}
		if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
			return nil, &Error{Kind: ErrParse, Message: err.Error()}
		}
		models := make([]ModelInfo, 0, len(parsed.Models))
		for _, m := range parsed.Models {
			id := strings.TrimPrefix(m.Name, "models/")
			models = append(models, ModelInfo{ID: id, Name: firstNonEmpty(m.DisplayName, id)})
		}
		return models, nil
	}
	return nil, &Error{Kind: ErrConnection, Message: fmt.Sprintf("unsupported protocol %q", c.protocol)}
}

// ————————————————————————————————— Helpers —————————————————————————————————

func transportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Message: err.Error()}
	}
	return &Error{Kind: ErrConnection, Message: err.Error()}
}

func httpError(resp *resty.Response) *Error {
	if resp.StatusCode() == http.StatusTooManyRequests {
		e := &Error{Kind: ErrRateLimit, Status: resp.StatusCode(), Message: truncate(resp.String(), 200)}
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return e
	}
	return &Error{
		Kind:    ErrResponse,
		Status:  resp.StatusCode(),
		Message: truncate(resp.String(), 200),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
