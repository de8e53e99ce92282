package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ChatRelay/internal/backend"
	"ChatRelay/internal/config"
	"ChatRelay/internal/provider"
	"ChatRelay/internal/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "ChatRelay/internal/imagegen"

// ErrBackendUnreachable means no configured image backend answered its probe
var ErrBackendUnreachable = errors.New("no image backend reachable")

// Completer is the part of the provider client used for prompt synthesis
type Completer interface {
	Complete(ctx context.Context, req provider.Request) (*provider.Response, error)
}

// Request carries the caller's provider settings into prompt synthesis
type Request struct {
	Model   string
	Timeout time.Duration
	BaseURL string
}

// Result describes one generation attempt
type Result struct {
	Success        bool
	ImageURL       string
	Filename       string
	Error          string
	Prompt         string
	NegativePrompt string
	PromptSource   string
	Backend        string
	ProcessingTime time.Duration
}

// Reply is the assistant turn produced for an image request
type Reply struct {
	Content     string
	Attachments []session.Attachment
	Metadata    session.Metadata
	Result      Result
}

// Options configures a Router
type Options struct {
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Meter      metric.Meter
	HTTPClient *http.Client
	Patterns   []IntentPattern
}

// Router classifies image requests and drives an A1111-style backend
type Router struct {
	cfg        config.ImageConfig
	completer  Completer
	sink       ImageSink
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	patterns   []IntentPattern
	duration   metric.Float64Histogram
}

// NewRouter creates a Router. completer may be nil, in which case prompts
// are always built heuristically.
func NewRouter(cfg config.ImageConfig, completer Completer, sink ImageSink, opts Options) (*Router, error) {
	if sink == nil {
		return nil, errors.New("image sink required")
	}
	r := &Router{
		cfg:        cfg,
		completer:  completer,
		sink:       sink,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		patterns:   opts.Patterns,
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(instrumentationName)
	}
	if r.patterns == nil {
		r.patterns = DefaultPatterns
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	var err error
	r.duration, err = meter.Float64Histogram(
		"image.generate.duration",
		metric.WithDescription("Image generation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	return r, nil
}

// Handle generates an image for message. It never fails: an unreachable or
// failing backend produces an explanatory reply instead. Backends are probed
// before prompt synthesis.
func (r *Router) Handle(ctx context.Context, message string, req Request) Reply {
	ctx, span := r.tracer.Start(ctx, "image.generate")
	defer span.End()

	start := time.Now()
	var result Result

	reply := func(outcome string, err error) Reply {
		result.ProcessingTime = time.Since(start)
		r.duration.Record(ctx, float64(result.ProcessingTime.Milliseconds()),
			metric.WithAttributes(attribute.String("outcome", outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			result.Error = err.Error()
			r.logger.Error("image generation failed", "outcome", outcome, "backend", result.Backend, "error", err)
		}
		return r.reply(message, result, outcome)
	}

	backendURL, err := r.discover(ctx)
	if err != nil {
		return reply("unreachable", err)
	}
	result.Backend = backendURL
	span.SetAttributes(attribute.String("backend", backendURL))

	prompt := r.synthesize(ctx, message, req)
	result.Prompt = prompt.Positive
	result.NegativePrompt = prompt.Negative
	result.PromptSource = prompt.Source
	span.SetAttributes(attribute.String("prompt.source", prompt.Source))

	stored, err := r.generate(ctx, backendURL, prompt)
	if err != nil {
		return reply("failed", err)
	}
	result.Success = true
	result.ImageURL = stored.URL
	result.Filename = stored.Filename
	r.logger.Info("image generated", "backend", backendURL, "filename", stored.Filename, "prompt_source", prompt.Source)
	return reply("success", nil)
}

func (r *Router) reply(message string, result Result, outcome string) Reply {
	ms := result.ProcessingTime.Milliseconds()
	imageGeneration := result.Success

	if !result.Success {
		content := "Sorry, I couldn't generate that image. Please try again in a moment."
		if outcome == "unreachable" {
			content = "I can't reach an image generation service right now, so I'm unable to create that picture. Please try again later."
		}
		return Reply{
			Content: content,
			Metadata: session.Metadata{
				ProcessingTimeMs: ms,
				Error:            true,
				OriginalError:    result.Error,
				ImageGeneration:  &imageGeneration,
			},
			Result: result,
		}
	}

	return Reply{
		Content: fmt.Sprintf("Here is the image I generated for you.\n\nPrompt: %s", result.Prompt),
		Attachments: []session.Attachment{{
			Type:           session.AttachmentImage,
			URL:            result.ImageURL,
			Filename:       result.Filename,
			OriginalPrompt: message,
			Metadata: map[string]any{
				"prompt":           result.Prompt,
				"negativePrompt":   result.NegativePrompt,
				"promptSource":     result.PromptSource,
				"backend":          result.Backend,
				"steps":            r.cfg.Steps,
				"width":            r.cfg.Width,
				"height":           r.cfg.Height,
				"processingTimeMs": ms,
			},
		}},
		Metadata: session.Metadata{
			Model:            "txt2img",
			ProcessingTimeMs: ms,
			ImageGeneration:  &imageGeneration,
		},
		Result: result,
	}
}

// synthesize asks the provider for a structured prompt and falls back to
// the heuristic on any failure
func (r *Router) synthesize(ctx context.Context, message string, req Request) Prompt {
	if r.completer == nil {
		return HeuristicPrompt(message)
	}

	resp, err := r.completer.Complete(ctx, provider.Request{
		Model:   req.Model,
		Timeout: req.Timeout,
		BaseURL: req.BaseURL,
		Turns: []provider.Turn{
			{Role: session.RoleSystem, Content: synthesisInstruction},
			{Role: session.RoleUser, Content: message},
		},
	})
	if err != nil {
		r.logger.Warn("prompt synthesis failed, using heuristic", "error", err)
		return HeuristicPrompt(message)
	}

	prompt, err := ParsePrompt(resp.Content)
	if err != nil {
		r.logger.Warn("unusable prompt from model, using heuristic", "error", err)
		return HeuristicPrompt(message)
	}
	return prompt
}

// discover returns the first candidate whose probe succeeds
func (r *Router) discover(ctx context.Context) (string, error) {
	for _, candidate := range r.cfg.Candidates {
		candidate = strings.TrimRight(candidate, "/")
		if err := r.probe(ctx, candidate); err != nil {
			r.logger.Debug("image backend probe failed", "candidate", candidate, "error", err)
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%w: tried %d candidates", ErrBackendUnreachable, len(r.cfg.Candidates))
}

func (r *Router) probe(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+r.cfg.ProbePath, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe returned %s", resp.Status)
	}
	return nil
}

func (r *Router) generate(ctx context.Context, baseURL string, prompt Prompt) (StoredImage, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	jsonData, err := json.Marshal(backend.Txt2ImgRequest{
		Prompt:         prompt.Positive,
		NegativePrompt: prompt.Negative,
		Steps:          r.cfg.Steps,
		Width:          r.cfg.Width,
		Height:         r.cfg.Height,
		CFGScale:       r.cfg.CFGScale,
		SamplerName:    r.cfg.Sampler,
		Seed:           -1,
		BatchSize:      1,
	})
	if err != nil {
		return StoredImage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/txt2img", bytes.NewReader(jsonData))
	if err != nil {
		return StoredImage{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return StoredImage{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return StoredImage{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return StoredImage{}, fmt.Errorf("image backend error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var apiResp backend.Txt2ImgResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return StoredImage{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(apiResp.Images) == 0 {
		return StoredImage{}, errors.New("image backend returned no images")
	}

	encoded := apiResp.Images[0]
	if i := strings.Index(encoded, ","); strings.HasPrefix(encoded, "data:") && i >= 0 {
		encoded = encoded[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return StoredImage{}, fmt.Errorf("failed to decode image: %w", err)
	}
	return r.sink.Save(ctx, data)
}
