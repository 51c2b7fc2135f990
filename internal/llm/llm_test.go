package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/pavelanni/studycoach/internal/config"
)

// scriptedProvider returns the queued errors in order, then succeeds.
type scriptedProvider struct {
	errs  []error
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(ctx context.Context, prompt string) (string, error) {
	p.calls++
	if p.calls <= len(p.errs) {
		return "", p.errs[p.calls-1]
	}
	return "plan for " + prompt, nil
}

func transient(status int) error {
	return &TransientError{Provider: "scripted", Status: status, Err: fmt.Errorf("status %d", status)}
}

type sleepRecorder struct {
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func TestGatewayRetriesTransientFailures(t *testing.T) {
	p := &scriptedProvider{errs: []error{transient(529), transient(429)}}
	rec := &sleepRecorder{}
	g := NewGateway(p, 5, WithSleep(rec.sleep), WithJitter(func() float64 { return 0.5 }))

	got, err := g.Generate(context.Background(), "ana")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "plan for ana" {
		t.Errorf("Generate() = %q, want %q", got, "plan for ana")
	}
	if p.calls != 3 {
		t.Errorf("calls = %d, want 3", p.calls)
	}
	want := []time.Duration{1500 * time.Millisecond, 2500 * time.Millisecond}
	if len(rec.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", rec.waits, want)
	}
	for i := range want {
		if rec.waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, rec.waits[i], want[i])
		}
	}
}

func TestGatewayExhausted(t *testing.T) {
	p := &scriptedProvider{errs: []error{transient(429), transient(429), transient(503)}}
	rec := &sleepRecorder{}
	g := NewGateway(p, 3, WithSleep(rec.sleep), WithJitter(func() float64 { return 0 }))

	_, err := g.Generate(context.Background(), "ben")
	if !errors.Is(err, ErrProviderExhausted) {
		t.Fatalf("Generate() error = %v, want ErrProviderExhausted", err)
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("error %T is not *ExhaustedError", err)
	}
	if ex.Attempts != 3 || ex.LastStatus != 503 {
		t.Errorf("ExhaustedError = %+v, want 3 attempts, last status 503", ex)
	}
	if p.calls != 3 {
		t.Errorf("calls = %d, want 3", p.calls)
	}
	// No wait after the final attempt.
	if len(rec.waits) != 2 {
		t.Errorf("waits = %v, want 2 waits", rec.waits)
	}
}

func TestGatewaySingleAttempt(t *testing.T) {
	p := &scriptedProvider{errs: []error{transient(529)}}
	rec := &sleepRecorder{}
	g := NewGateway(p, 1, WithSleep(rec.sleep), WithJitter(func() float64 { return 0 }))

	_, err := g.Generate(context.Background(), "dan")
	if !errors.Is(err, ErrProviderExhausted) {
		t.Fatalf("Generate() error = %v, want ErrProviderExhausted", err)
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) || ex.Attempts != 1 {
		t.Errorf("ExhaustedError = %+v, want 1 attempt", ex)
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1", p.calls)
	}
	if len(rec.waits) != 0 {
		t.Errorf("waits = %v, want none", rec.waits)
	}
}

func TestGatewayPermanentErrorNotRetried(t *testing.T) {
	p := &scriptedProvider{errs: []error{errors.New("invalid api key")}}
	rec := &sleepRecorder{}
	g := NewGateway(p, 5, WithSleep(rec.sleep))

	_, err := g.Generate(context.Background(), "cara")
	if err == nil || errors.Is(err, ErrProviderExhausted) {
		t.Fatalf("Generate() error = %v, want permanent error", err)
	}
	if p.calls != 1 || len(rec.waits) != 0 {
		t.Errorf("calls = %d, waits = %v, want one call and no waits", p.calls, rec.waits)
	}
}

func TestGatewayEmptyPrompt(t *testing.T) {
	p := &scriptedProvider{}
	g := NewGateway(p, 5)
	if _, err := g.Generate(context.Background(), "   "); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("Generate() error = %v, want ErrEmptyPrompt", err)
	}
	if p.calls != 0 {
		t.Errorf("calls = %d, want 0", p.calls)
	}
}

func TestGatewayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedProvider{errs: []error{transient(429), transient(429)}}
	g := NewGateway(p, 5, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	if _, err := g.Generate(ctx, "dan"); !errors.Is(err, context.Canceled) {
		t.Errorf("Generate() error = %v, want context.Canceled", err)
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1", p.calls)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		jitter  float64
		want    time.Duration
	}{
		{0, 0, time.Second},
		{1, 0.25, 2250 * time.Millisecond},
		{3, 0.5, 8500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, tt.jitter); got != tt.want {
			t.Errorf("Backoff(%d, %v) = %v, want %v", tt.attempt, tt.jitter, got, tt.want)
		}
	}
}

func TestAnthropicGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %q, want /messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.System != systemPrompt || req.MaxTokens != 4000 || len(req.Messages) != 1 {
			t.Errorf("unexpected request: %+v", req)
		}
		io.WriteString(w, `{"content":[{"type":"text","text":"Week plan"}]}`)
	}))
	defer srv.Close()

	a := NewAnthropic(srv.URL, "sk-test", "claude-test", 4000, srv.Client())
	got, err := a.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "Week plan" {
		t.Errorf("Generate() = %q, want %q", got, "Week plan")
	}
}

func TestAnthropicErrorClassification(t *testing.T) {
	tests := []struct {
		status        int
		wantTransient bool
	}{
		{529, true},
		{429, true},
		{503, true},
		{400, false},
		{401, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"type":"error","error":{"type":"some_error","message":"nope"}}`)
			}))
			defer srv.Close()

			a := NewAnthropic(srv.URL, "k", "m", 10, srv.Client())
			_, err := a.Generate(context.Background(), "x")
			var te *TransientError
			if got := errors.As(err, &te); got != tt.wantTransient {
				t.Errorf("status %d: transient = %v, want %v (err %v)", tt.status, got, tt.wantTransient, err)
			}
			if err == nil || !strings.Contains(err.Error(), "nope") {
				t.Errorf("error should carry API message, got %v", err)
			}
		})
	}
}

func TestOpenAIGenerate(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit_exceeded"}}`)
			return
		}
		io.WriteString(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":" Plan "},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	o := NewOpenAI(srv.URL+"/v1", "sk", "gpt-test", 100, srv.Client())
	_, err := o.Generate(context.Background(), "p")
	var te *TransientError
	if !errors.As(err, &te) || te.Status != http.StatusTooManyRequests {
		t.Fatalf("first call error = %v, want transient 429", err)
	}

	got, err := o.Generate(context.Background(), "p")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got != "Plan" {
		t.Errorf("Generate() = %q, want %q", got, "Plan")
	}
}

func TestGeminiClassify(t *testing.T) {
	g := &Gemini{}
	var te *TransientError

	err := g.classify(context.Background(), genai.APIError{Code: 429, Message: "quota"})
	if !errors.As(err, &te) || te.Status != 429 {
		t.Errorf("classify(429) = %v, want transient", err)
	}
	err = g.classify(context.Background(), genai.APIError{Code: 400, Message: "bad"})
	if errors.As(err, &te) {
		t.Errorf("classify(400) = %v, want permanent", err)
	}
}

func TestNewProviderRejectsBadConfig(t *testing.T) {
	_, err := NewProvider(context.Background(), config.LLM{Provider: "cohere", APIKey: "k", MaxRetries: 5})
	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("NewProvider() error = %v, want *ConfigurationError", err)
	}
	if _, ok := cfgErr.Problems["provider"]; !ok {
		t.Errorf("problems = %v, want provider", cfgErr.Problems)
	}
}

func TestNewProvider(t *testing.T) {
	for _, p := range []config.Provider{config.ProviderOpenAI, config.ProviderAnthropic, config.ProviderGemini} {
		prov, err := NewProvider(context.Background(), config.LLM{Provider: p, APIKey: "k", MaxRetries: 1, MaxTokens: 10})
		if err != nil {
			t.Fatalf("NewProvider(%s): %v", p, err)
		}
		if prov.Name() != string(p) {
			t.Errorf("Name() = %q, want %q", prov.Name(), p)
		}
	}
}
