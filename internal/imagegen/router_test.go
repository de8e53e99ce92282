package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ChatRelay/internal/backend"
	"ChatRelay/internal/config"
	"ChatRelay/internal/provider"
	"ChatRelay/internal/session"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

type stubCompleter struct {
	content string
	err     error
	calls   int
}

func (s *stubCompleter) Complete(_ context.Context, req provider.Request) (*provider.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &provider.Response{Content: s.content, Endpoint: provider.EndpointChat}, nil
}

func testImageConfig(candidates ...string) config.ImageConfig {
	cfg := config.Default().Image
	cfg.Candidates = candidates
	cfg.ProbeTimeout = 500 * time.Millisecond
	cfg.Timeout = 2 * time.Second
	return cfg
}

func newTestRouter(t *testing.T, cfg config.ImageConfig, completer Completer) *Router {
	t.Helper()
	r, err := NewRouter(cfg, completer, NewDirSink(t.TempDir(), "/generated/"), Options{})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return r
}

// fakeBackend is an A1111-style server that records the last txt2img body
type fakeBackend struct {
	*httptest.Server
	last    backend.Txt2ImgRequest
	calls   atomic.Int32
	failGen bool
}

func newFakeBackend(t *testing.T) *fakeBackend {
	fb := &fakeBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/sdapi/v1/sd-models", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"title":"v1-5-pruned"}]`)
	})
	mux.HandleFunc("/sdapi/v1/txt2img", func(w http.ResponseWriter, r *http.Request) {
		fb.calls.Add(1)
		if err := json.NewDecoder(r.Body).Decode(&fb.last); err != nil {
			t.Errorf("decode txt2img: %v", err)
		}
		if fb.failGen {
			http.Error(w, "CUDA out of memory", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(backend.Txt2ImgResponse{
			Images: []string{base64.StdEncoding.EncodeToString(pngBytes)},
		})
	})
	fb.Server = httptest.NewServer(mux)
	t.Cleanup(fb.Close)
	return fb
}

func (fb *fakeBackend) base() string { return fb.URL + "/sdapi/v1" }

func closedURL() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	return srv.URL
}

func TestHandleSuccess(t *testing.T) {
	fb := newFakeBackend(t)
	completer := &stubCompleter{content: `Here you go: {"prompt": "a tabby cat, oil painting", "negativePrompt": "dogs"}`}
	dir := t.TempDir()
	r, err := NewRouter(testImageConfig(fb.base()), completer, NewDirSink(dir, "/generated/"), Options{})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	reply := r.Handle(context.Background(), "generate an image of a cat", Request{Model: "llama3:latest"})
	if !reply.Result.Success {
		t.Fatalf("expected success, got %+v", reply.Result)
	}
	if fb.last.Prompt != "a tabby cat, oil painting" || fb.last.NegativePrompt != "dogs" {
		t.Fatalf("backend got unexpected prompt %+v", fb.last)
	}
	if fb.last.Steps != 20 || fb.last.Width != 512 || fb.last.SamplerName != "Euler a" {
		t.Fatalf("fixed parameters not sent: %+v", fb.last)
	}

	if len(reply.Attachments) != 1 {
		t.Fatalf("expected one attachment, got %d", len(reply.Attachments))
	}
	att := reply.Attachments[0]
	if att.Type != session.AttachmentImage || att.OriginalPrompt != "generate an image of a cat" {
		t.Fatalf("unexpected attachment %+v", att)
	}
	if !strings.HasPrefix(att.URL, "/generated/") || !strings.HasSuffix(att.Filename, ".png") {
		t.Fatalf("unexpected location %q %q", att.URL, att.Filename)
	}
	data, err := os.ReadFile(filepath.Join(dir, att.Filename))
	if err != nil {
		t.Fatalf("image not written: %v", err)
	}
	if string(data) != string(pngBytes) {
		t.Fatalf("image bytes changed")
	}
	if reply.Metadata.ImageGeneration == nil || !*reply.Metadata.ImageGeneration || reply.Metadata.Error {
		t.Fatalf("unexpected metadata %+v", reply.Metadata)
	}
	if reply.Result.Backend != fb.base() || reply.Result.PromptSource != "model" {
		t.Fatalf("unexpected result %+v", reply.Result)
	}
}

func TestHandleDiscoveryOrder(t *testing.T) {
	first := newFakeBackend(t)
	second := newFakeBackend(t)
	r := newTestRouter(t, testImageConfig(closedURL(), first.base(), second.base()), nil)

	reply := r.Handle(context.Background(), "draw a picture of a boat", Request{})
	if !reply.Result.Success {
		t.Fatalf("expected success, got %+v", reply.Result)
	}
	if reply.Result.Backend != first.base() {
		t.Fatalf("expected first healthy candidate, got %s", reply.Result.Backend)
	}
	if second.calls.Load() != 0 {
		t.Fatalf("later candidates must not be used")
	}
}

func TestHandleUnreachable(t *testing.T) {
	r := newTestRouter(t, testImageConfig(closedURL(), closedURL()), nil)

	reply := r.Handle(context.Background(), "generate an image of a cat", Request{})
	if reply.Result.Success || len(reply.Attachments) != 0 {
		t.Fatalf("no image expected, got %+v", reply)
	}
	if reply.Content == "" {
		t.Fatalf("expected an explanatory reply")
	}
	if !reply.Metadata.Error || reply.Metadata.ImageGeneration == nil || *reply.Metadata.ImageGeneration {
		t.Fatalf("unexpected metadata %+v", reply.Metadata)
	}
	if !strings.Contains(reply.Result.Error, ErrBackendUnreachable.Error()) {
		t.Fatalf("expected unreachable error, got %q", reply.Result.Error)
	}
}

func TestHandleBackendFailure(t *testing.T) {
	fb := newFakeBackend(t)
	fb.failGen = true
	r := newTestRouter(t, testImageConfig(fb.base()), nil)

	reply := r.Handle(context.Background(), "generate an image of a cat", Request{})
	if reply.Result.Success || len(reply.Attachments) != 0 {
		t.Fatalf("expected failure, got %+v", reply.Result)
	}
	if !reply.Metadata.Error || *reply.Metadata.ImageGeneration {
		t.Fatalf("expected {imageGeneration:false, error:true}, got %+v", reply.Metadata)
	}
	if !strings.Contains(reply.Metadata.OriginalError, "CUDA out of memory") {
		t.Fatalf("backend message lost: %q", reply.Metadata.OriginalError)
	}
}

func TestHandleFallsBackToHeuristic(t *testing.T) {
	tests := []struct {
		name      string
		completer *stubCompleter
	}{
		{"provider error", &stubCompleter{err: fmt.Errorf("wrapped: %w", provider.ErrUnavailable)}},
		{"no json", &stubCompleter{content: "A cat would look lovely in watercolor."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := newFakeBackend(t)
			r := newTestRouter(t, testImageConfig(fb.base()), tt.completer)

			reply := r.Handle(context.Background(), "generate an image of a cat", Request{})
			if !reply.Result.Success {
				t.Fatalf("heuristic prompt should still generate: %+v", reply.Result)
			}
			if tt.completer.calls != 1 {
				t.Fatalf("expected one synthesis call, got %d", tt.completer.calls)
			}
			if fb.last.Prompt != "cat"+QualitySuffix || fb.last.NegativePrompt != DefaultNegativePrompt {
				t.Fatalf("expected heuristic prompt, got %+v", fb.last)
			}
			if reply.Result.PromptSource != "heuristic" {
				t.Fatalf("unexpected source %q", reply.Result.PromptSource)
			}
		})
	}
}

func TestNewRouterRequiresSink(t *testing.T) {
	if _, err := NewRouter(testImageConfig(), nil, nil, Options{}); err == nil {
		t.Fatalf("expected error without sink")
	}
}

func TestDiscoverWrapsSentinel(t *testing.T) {
	r := newTestRouter(t, testImageConfig(), nil)
	if _, err := r.discover(context.Background()); !errors.Is(err, ErrBackendUnreachable) {
		t.Fatalf("expected ErrBackendUnreachable, got %v", err)
	}
}

func TestHandleSkipsSlowCandidate(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)
	healthy := newFakeBackend(t)

	cfg := testImageConfig(slow.URL+"/sdapi/v1", healthy.base())
	cfg.ProbeTimeout = 200 * time.Millisecond
	r := newTestRouter(t, cfg, nil)

	start := time.Now()
	reply := r.Handle(context.Background(), "draw a picture of a lighthouse", Request{})
	elapsed := time.Since(start)

	if !reply.Result.Success || reply.Result.Backend != healthy.base() {
		t.Fatalf("expected the healthy candidate, got %+v", reply.Result)
	}
	if elapsed < cfg.ProbeTimeout {
		t.Fatalf("slow candidate was not probed: %s", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("slow candidate was not cut off, took %s", elapsed)
	}
}

func TestHandleUnreachableSkipsSynthesis(t *testing.T) {
	completer := &stubCompleter{content: `{"prompt": "a cat"}`}
	r := newTestRouter(t, testImageConfig(closedURL()), completer)

	reply := r.Handle(context.Background(), "generate an image of a cat", Request{})
	if reply.Result.Success {
		t.Fatalf("expected failure, got %+v", reply.Result)
	}
	if completer.calls != 0 {
		t.Fatalf("prompt synthesized for an unreachable backend (%d calls)", completer.calls)
	}
}
