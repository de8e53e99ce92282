package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ChatRelay/internal/backend"
	"ChatRelay/internal/cache"
	"ChatRelay/internal/config"
	"ChatRelay/internal/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Endpoint names the request shape that produced a response
type Endpoint string

const (
	EndpointChat       Endpoint = "chat"
	EndpointCompletion Endpoint = "completion"
)

const instrumentationName = "ChatRelay/internal/provider"

// Turn is one entry of the conversation sent to the runtime
type Turn struct {
	Role    session.Role
	Content string
}

// Sampling holds optional generation parameters. Nil fields are omitted
// from the request so the runtime applies its own defaults.
type Sampling struct {
	Temperature      *float64
	MaxTokens        *int
	TopK             *int
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	RepeatPenalty    *float64
	Seed             *int
}

func (s Sampling) options() *backend.OllamaOptions {
	if s == (Sampling{}) {
		return nil
	}
	return &backend.OllamaOptions{
		Temperature:      s.Temperature,
		NumPredict:       s.MaxTokens,
		TopK:             s.TopK,
		TopP:             s.TopP,
		FrequencyPenalty: s.FrequencyPenalty,
		PresencePenalty:  s.PresencePenalty,
		RepeatPenalty:    s.RepeatPenalty,
		Seed:             s.Seed,
	}
}

// TokenFunc receives each streamed fragment together with the content
// accumulated so far, including that fragment
type TokenFunc func(fragment, accumulated string)

// Request describes one completion call
type Request struct {
	Model    string
	Turns    []Turn
	Sampling Sampling
	Stream   bool
	OnToken  TokenFunc

	// Per-call overrides, taking precedence over context Overrides and config
	Timeout time.Duration
	BaseURL string
}

// Response is the aggregated reply
type Response struct {
	Content        string
	Model          string
	TokenCount     int
	ProcessingTime time.Duration
	Endpoint       Endpoint
}

// Options configures a Client. Zero values fall back to the process
// defaults: slog.Default, the global otel providers, a plain http.Client.
type Options struct {
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Meter      metric.Meter
	HTTPClient *http.Client
	Cache      cache.ModelCache
}

// Client talks to an Ollama-shaped text-generation runtime
type Client struct {
	cfg        config.ProviderConfig
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	cache      cache.ModelCache

	duration  metric.Float64Histogram
	tokens    metric.Int64Counter
	fallbacks metric.Int64Counter
}

// NewClient creates a Client for the configured runtime
func NewClient(cfg config.ProviderConfig, opts Options) (*Client, error) {
	c := &Client{
		cfg:        cfg,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		cache:      opts.Cache,
	}
	if c.httpClient == nil {
		// deadlines are applied per attempt through the request context
		c.httpClient = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(instrumentationName)
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	var err error
	c.duration, err = meter.Float64Histogram(
		"provider.request.duration",
		metric.WithDescription("Provider request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	c.tokens, err = meter.Int64Counter(
		"provider.tokens",
		metric.WithDescription("Tokens generated by the provider"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token counter: %w", err)
	}
	c.fallbacks, err = meter.Int64Counter(
		"provider.fallbacks",
		metric.WithDescription("Requests retried on the completion endpoint"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback counter: %w", err)
	}
	return c, nil
}

// attempt is one request shape in the fallback order
type attempt struct {
	endpoint Endpoint
	path     string
	body     func(model string, req Request) any
}

func (c *Client) attempts() []attempt {
	return []attempt{
		{endpoint: EndpointChat, path: c.cfg.ChatPath, body: chatBody},
		{endpoint: EndpointCompletion, path: c.cfg.CompletionPath, body: completionBody},
	}
}

func chatBody(model string, req Request) any {
	messages := make([]backend.OllamaMessage, len(req.Turns))
	for i, t := range req.Turns {
		messages[i] = backend.OllamaMessage{Role: string(t.Role), Content: t.Content}
	}
	return backend.OllamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   req.Stream,
		Options:  req.Sampling.options(),
	}
}

func completionBody(model string, req Request) any {
	return backend.OllamaGenerateRequest{
		Model:   model,
		Prompt:  Flatten(req.Turns),
		Stream:  req.Stream,
		Options: req.Sampling.options(),
	}
}

// Flatten renders turns as "Role: content" blocks separated by blank lines
func Flatten(turns []Turn) string {
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		parts = append(parts, roleLabel(t.Role)+": "+t.Content)
	}
	return strings.Join(parts, "\n\n")
}

func roleLabel(r session.Role) string {
	switch r {
	case session.RoleSystem:
		return "System"
	case session.RoleAssistant:
		return "Assistant"
	default:
		return "User"
	}
}

// resolve picks base URL and timeout: request, then context overrides, then config
func (c *Client) resolve(ctx context.Context, req Request) (string, time.Duration) {
	baseURL, timeout := c.cfg.BaseURL, c.cfg.Timeout
	if o, ok := OverridesFromContext(ctx); ok {
		if o.BaseURL != "" {
			baseURL = o.BaseURL
		}
		if o.Timeout > 0 {
			timeout = o.Timeout
		}
	}
	if req.BaseURL != "" {
		baseURL = req.BaseURL
	}
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	return strings.TrimRight(baseURL, "/"), timeout
}

// Complete sends req to the chat endpoint and falls back to the completion
// endpoint once. Every failure satisfies errors.Is(err, ErrUnavailable).
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	baseURL, timeout := c.resolve(ctx, req)

	ctx, span := c.tracer.Start(ctx, "provider.complete", trace.WithAttributes(
		attribute.String("model", model),
		attribute.Bool("stream", req.Stream),
		attribute.Int("turns", len(req.Turns)),
	))
	defer span.End()

	start := time.Now()
	var (
		errs      []error
		delivered bool
	)
	for i, a := range c.attempts() {
		if i > 0 {
			c.fallbacks.Add(ctx, 1)
			c.logger.Warn("falling back to next endpoint",
				"from", c.attempts()[i-1].endpoint,
				"to", a.endpoint,
				"error", errs[len(errs)-1],
			)
		}

		resp, err := c.try(ctx, a, baseURL, model, timeout, req, &delivered)
		if err == nil {
			resp.ProcessingTime = time.Since(start)
			attrs := metric.WithAttributes(attribute.String("endpoint", string(a.endpoint)))
			c.duration.Record(ctx, float64(resp.ProcessingTime.Milliseconds()), attrs)
			c.tokens.Add(ctx, int64(resp.TokenCount), attrs)
			span.SetAttributes(attribute.String("endpoint", string(a.endpoint)))
			c.logger.Info("provider request completed",
				"endpoint", a.endpoint,
				"model", resp.Model,
				"tokens", resp.TokenCount,
				"duration_ms", resp.ProcessingTime.Milliseconds(),
			)
			return resp, nil
		}
		errs = append(errs, err)

		// a second attempt would repeat tokens the caller already has
		if delivered || ctx.Err() != nil {
			break
		}
	}

	err := exhausted(errs)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("endpoint", "none")))
	c.logger.Error("provider unavailable", "model", model, "attempts", len(errs), "error", err)
	return nil, err
}

func (c *Client) try(ctx context.Context, a attempt, baseURL, model string, timeout time.Duration, req Request, delivered *bool) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "provider."+string(a.endpoint))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jsonData, err := json.Marshal(a.body(model, req))
	if err != nil {
		return nil, &TransportError{Endpoint: a.endpoint, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	url := baseURL + a.path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, &TransportError{Endpoint: a.endpoint, URL: url, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return nil, &TransportError{Endpoint: a.endpoint, URL: url, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := &EndpointError{
			Endpoint:   a.endpoint,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Message:    errorMessage(body),
		}
		span.RecordError(err)
		return nil, err
	}

	var out *Response
	if req.Stream {
		out, err = c.readStream(a.endpoint, resp.Body, req.OnToken, delivered)
	} else {
		out, err = readBody(a.endpoint, resp.Body)
	}
	if err != nil {
		span.RecordError(err)
		if te, ok := err.(*TransportError); ok {
			te.URL = url
		}
		return nil, err
	}
	if out.Model == "" {
		out.Model = model
	}
	out.Endpoint = a.endpoint
	return out, nil
}

func readBody(endpoint Endpoint, r io.Reader) (*Response, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &EmptyResponseError{Endpoint: endpoint}
	}

	var apiResp backend.OllamaResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, &EmptyResponseError{Endpoint: endpoint, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	content := apiResp.Text()
	if strings.TrimSpace(content) == "" {
		return nil, &EmptyResponseError{Endpoint: endpoint}
	}
	return &Response{
		Content:    content,
		Model:      apiResp.Model,
		TokenCount: apiResp.EvalCount,
	}, nil
}

// errorMessage extracts {"error": "..."} bodies, else returns the raw text
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

// ListModels returns the models installed on the runtime, served from the
// cache while it is fresh
func (c *Client) ListModels(ctx context.Context) ([]backend.OllamaModel, error) {
	baseURL, timeout := c.resolve(ctx, Request{})
	key := cache.Key(baseURL)

	if c.cache != nil {
		models, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.logger.Warn("model cache read failed", "error", err)
		} else if ok {
			c.logger.Debug("model cache hit", "base_url", baseURL)
			return models, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+c.cfg.ModelsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: "models", URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &EndpointError{Endpoint: "models", StatusCode: resp.StatusCode, Status: resp.Status, Message: errorMessage(body)}
	}

	var tagsResp backend.OllamaTagsResponse
	if err := json.Unmarshal(body, &tagsResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if c.cache != nil && c.cfg.ModelCacheTTL > 0 {
		if err := c.cache.Set(ctx, key, tagsResp.Models, c.cfg.ModelCacheTTL); err != nil {
			c.logger.Warn("model cache write failed", "error", err)
		}
	}
	return tagsResp.Models, nil
}
