package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/pavelanni/studycoach/internal/model"
)

// Gateway presents one Generate call over any Provider and applies the shared
// retry policy: after a transient failure on attempt a (numbered from 0) it
// waits 2^a seconds plus jitter in [0,1) before the next attempt, and gives up
// after maxRetries attempts.
type Gateway struct {
	provider   Provider
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func() float64
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithSleep replaces the wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = sleep }
}

// WithJitter replaces the jitter source. It must return values in [0,1).
func WithJitter(jitter func() float64) Option {
	return func(g *Gateway) { g.jitter = jitter }
}

// NewGateway wraps p. maxRetries below 1 is treated as 1.
func NewGateway(p Provider, maxRetries int, opts ...Option) *Gateway {
	if maxRetries < 1 {
		maxRetries = 1
	}
	g := &Gateway{
		provider:   p,
		maxRetries: maxRetries,
		sleep:      Sleep,
		jitter:     rand.Float64,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Provider returns the wrapped provider's name.
func (g *Gateway) Provider() string {
	return g.provider.Name()
}

// Generate returns the provider's text for prompt. Permanent failures are
// returned immediately; transient ones are retried and end in *ExhaustedError.
func (g *Gateway) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}

	name := g.provider.Name()
	var last *TransientError
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		text, err := g.provider.Generate(ctx, prompt)
		if err == nil {
			if attempt > 0 {
				slog.Info("provider call succeeded after retry",
					"provider", name, "attempt", attempt, "run_id", model.RunIDFromContext(ctx))
			}
			return text, nil
		}

		if !errors.As(err, &last) {
			return "", fmt.Errorf("%s: generate: %w", name, err)
		}

		if attempt == g.maxRetries-1 {
			break
		}
		wait := Backoff(attempt, g.jitter())
		slog.Warn("provider call failed, retrying",
			"provider", name,
			"attempt", attempt+1,
			"max_retries", g.maxRetries,
			"status", last.Status,
			"wait", wait,
			"error", last.Err,
			"run_id", model.RunIDFromContext(ctx),
		)
		if err := g.sleep(ctx, wait); err != nil {
			return "", err
		}
	}

	return "", &ExhaustedError{
		Provider:   name,
		Attempts:   g.maxRetries,
		LastStatus: last.Status,
		Last:       last.Err,
	}
}

// Backoff returns 2^attempt seconds plus jitter seconds.
func Backoff(attempt int, jitter float64) time.Duration {
	secs := math.Pow(2, float64(attempt)) + jitter
	return time.Duration(secs * float64(time.Second))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
