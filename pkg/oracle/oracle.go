// Package oracle asks a language model for the next intake decision.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zen-systems/referralgate/pkg/adapter"
	"github.com/zen-systems/referralgate/pkg/backoff"
	"github.com/zen-systems/referralgate/pkg/evidence"
)

// Oracle produces raw decision text for a prompt.
type Oracle interface {
	Invoke(ctx context.Context, req adapter.Request) (*Reply, error)
}

// Reply is the raw oracle output plus call metadata.
type Reply struct {
	Text       string
	PromptHash string
	Report     adapter.CallReport
}

// Options tunes an LLMOracle.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *zap.Logger
}

// LLMOracle calls an adapter, retrying transient failures with doubling
// backoff.
type LLMOracle struct {
	adapter adapter.Adapter
	opts    Options
	logger  *zap.Logger
}

// New creates an oracle over a.
func New(a adapter.Adapter, opts Options) (*LLMOracle, error) {
	if a == nil {
		return nil, errors.New("oracle: adapter is required")
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMOracle{adapter: a, opts: opts, logger: logger.Named("oracle")}, nil
}

// Invoke sends req and returns the model's text. Non-transient errors and
// caller cancellation are returned at once.
func (o *LLMOracle) Invoke(ctx context.Context, req adapter.Request) (*Reply, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = o.opts.MaxTokens
	}
	if req.Temperature == nil {
		req.Temperature = o.opts.Temperature
	}
	hash := evidence.Hash(promptText(req))

	var lastErr error
	for attempt := 0; attempt <= o.opts.MaxRetries; attempt++ {
		resp, err := o.generate(ctx, req)
		if err == nil {
			o.logger.Debug("oracle reply",
				zap.String("adapter", resp.Adapter),
				zap.String("model", resp.Model),
				zap.Int("retries", attempt))
			return &Reply{
				Text:       resp.Text,
				PromptHash: hash,
				Report: adapter.CallReport{
					Adapter: resp.Adapter,
					Model:   resp.Model,
					Usage:   usageOf(resp),
					Retries: attempt,
				},
			}, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !adapter.IsTransient(err) || attempt == o.opts.MaxRetries {
			break
		}
		wait := backoff.Exponential(o.opts.BaseBackoff, o.opts.MaxBackoff, attempt)
		o.logger.Warn("transient oracle error, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait))
		if err := backoff.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("oracle %s: %w", o.adapter.Name(), lastErr)
}

func (o *LLMOracle) generate(ctx context.Context, req adapter.Request) (*adapter.Response, error) {
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}
	return o.adapter.Generate(ctx, o.opts.Model, req)
}

func usageOf(resp *adapter.Response) adapter.Usage {
	if resp.Usage == nil {
		return adapter.Usage{}
	}
	return *resp.Usage
}

func promptText(req adapter.Request) string {
	text := req.System
	for _, m := range req.Messages {
		text += "\n" + string(m.Role) + ": " + m.Content
	}
	return text
}
