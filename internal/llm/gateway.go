package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/roelfdiedericks/topaibot/internal/config"
	. "github.com/roelfdiedericks/topaibot/internal/logging"
	. "github.com/roelfdiedericks/topaibot/internal/metrics"
)

const metricTopic = "llm/gateway"

// DefaultDegradedText is returned in rotation mode once every model was rate limited.
const DefaultDegradedText = "Desculpe, todos os modelos estão ocupados no momento. Tente novamente em breve."

// DefaultAttemptTimeout bounds every single provider attempt.
const DefaultAttemptTimeout = 15 * time.Second

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversational turn sent to the provider.
type Message struct {
	Role    string
	Content string
}

// Request is a single chat completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float32
}

// Completer performs one completion request with one credential.
type Completer interface {
	CreateCompletion(ctx context.Context, apiKey string, req Request) (string, error)
}

// Strategy selects how the gateway exhausts its candidates.
type Strategy string

const (
	ForEachCredential      Strategy = config.StrategyForEachCredential
	RotateModelOnRateLimit Strategy = config.StrategyRotateModelOnRateLimit
)

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Strategy          Strategy
	Keys              []string
	PrimaryModel      string
	FallbackModel     string
	Models            []string // rotation candidates
	Timeout           time.Duration
	Temperature       *float32
	RequestsPerMinute int // 0 = unpaced
	DegradedText      string
}

// GatewayConfigFrom maps the provider config section.
func GatewayConfigFrom(p config.ProviderConfig) GatewayConfig {
	return GatewayConfig{
		Strategy:          Strategy(p.Strategy),
		Keys:              p.Keys(),
		PrimaryModel:      p.PrimaryModel,
		FallbackModel:     p.FallbackModel,
		Models:            p.Models,
		Timeout:           time.Duration(p.TimeoutSeconds) * time.Second,
		Temperature:       p.Temperature,
		RequestsPerMinute: p.RequestsPerMinute,
	}
}

// Outcome is the typed result of one attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable"
	OutcomeFatal     Outcome = "fatal"
)

// Attempt records one provider call made while serving a request.
type Attempt struct {
	Model    string
	KeyHint  string
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// Result is the outcome of Complete.
type Result struct {
	Text     string
	Model    string
	Attempts []Attempt
	Degraded bool // Text is the degraded-service text, no model answered
}

// Gateway issues completion requests with credential and model fallback.
type Gateway struct {
	client  Completer
	cfg     GatewayConfig
	cursor  *RotationCursor
	limiter *rate.Limiter
}

// NewGateway creates a gateway. cursor may be nil, in which case a private
// cursor over cfg.Models is created; pass a shared one to let other
// components advance it.
func NewGateway(client Completer, cfg GatewayConfig, cursor *RotationCursor) *Gateway {
	if cfg.Strategy == "" {
		cfg.Strategy = ForEachCredential
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAttemptTimeout
	}
	if cfg.DegradedText == "" {
		cfg.DegradedText = DefaultDegradedText
	}
	if cursor == nil {
		cursor = NewRotationCursor(len(cfg.Models))
	}
	g := &Gateway{client: client, cfg: cfg, cursor: cursor}
	if cfg.RequestsPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}
	return g
}

// Cursor returns the rotation cursor used in rotation mode.
func (g *Gateway) Cursor() *RotationCursor {
	return g.cursor
}

// RequestCompletion performs a single attempt with its own timeout. Failures
// are returned as *ProviderError.
func (g *Gateway) RequestCompletion(ctx context.Context, messages []Message, model, apiKey string) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("provider pacing: %w", err)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	text, err := g.client.CreateCompletion(attemptCtx, apiKey, Request{
		Model:       model,
		Messages:    messages,
		Temperature: g.cfg.Temperature,
	})
	if err != nil {
		errType := Classify(err)
		if errType == ErrorTypeUnknown && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			errType = ErrorTypeTimeout
		}
		return "", &ProviderError{
			Type:       errType,
			StatusCode: StatusCode(err),
			Model:      model,
			KeyHint:    config.KeyHint(apiKey),
			Err:        err,
		}
	}
	return text, nil
}

// Complete produces a reply for messages using the configured strategy.
func (g *Gateway) Complete(ctx context.Context, messages []Message) (*Result, error) {
	if len(g.cfg.Keys) == 0 {
		return nil, fmt.Errorf("%w: no credentials configured", ErrAllProvidersExhausted)
	}

	start := time.Now()
	var (
		res *Result
		err error
	)
	switch g.cfg.Strategy {
	case RotateModelOnRateLimit:
		res, err = g.completeRotating(ctx, messages)
	default:
		res, err = g.completeKeyed(ctx, messages)
	}
	MetricDuration(metricTopic, "complete", time.Since(start))

	switch {
	case err != nil:
		MetricFailWithReason(metricTopic, "complete", string(Classify(err)))
	case res.Degraded:
		MetricOutcome(metricTopic, "complete", "degraded")
	default:
		MetricSuccess(metricTopic, "complete")
	}
	return res, err
}

// completeKeyed tries the primary model with every credential, then the
// fallback model once with the first credential. No per-key failure aborts.
func (g *Gateway) completeKeyed(ctx context.Context, messages []Message) (*Result, error) {
	res := &Result{}
	var lastErr error

	for _, key := range g.cfg.Keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if g.attempt(ctx, res, messages, g.cfg.PrimaryModel, key, func(error) Outcome { return OutcomeRetryable }) {
			return res, nil
		}
		lastErr = res.Attempts[len(res.Attempts)-1].Err
		L_warn("llm: credential failed, trying next", "model", g.cfg.PrimaryModel, "key", config.KeyHint(key), "error", lastErr)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	L_warn("llm: all credentials failed, using fallback model", "model", g.cfg.FallbackModel)
	if g.attempt(ctx, res, messages, g.cfg.FallbackModel, g.cfg.Keys[0], func(error) Outcome { return OutcomeFatal }) {
		return res, nil
	}
	lastErr = res.Attempts[len(res.Attempts)-1].Err
	L_error("llm: fallback model failed", "model", g.cfg.FallbackModel, "attempts", len(res.Attempts), "error", lastErr)
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrAllProvidersExhausted, len(res.Attempts), lastErr)
}

// completeRotating uses the model at the cursor with the first credential.
// Rate limits and timeouts advance the cursor and consume budget; any other
// error is returned as is.
func (g *Gateway) completeRotating(ctx context.Context, messages []Message) (*Result, error) {
	res := &Result{}
	models := g.cfg.Models
	if len(models) == 0 {
		return nil, fmt.Errorf("%w: no rotation models configured", ErrAllProvidersExhausted)
	}
	key := g.cfg.Keys[0]

	for budget := len(models); budget > 0; budget-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		model := models[g.cursor.Current()%len(models)]
		if g.attempt(ctx, res, messages, model, key, rotationOutcome) {
			return res, nil
		}
		last := res.Attempts[len(res.Attempts)-1]
		if last.Outcome == OutcomeFatal {
			return nil, last.Err
		}
		next := g.cursor.Advance()
		L_warn("llm: model rate limited, rotating", "model", model, "next", models[next%len(models)], "remaining", budget-1)
	}

	L_warn("llm: every model rate limited, returning degraded reply", "attempts", len(res.Attempts))
	res.Text = g.cfg.DegradedText
	res.Degraded = true
	return res, nil
}

func rotationOutcome(err error) Outcome {
	if errors.Is(err, ErrProviderRateLimited) || errors.Is(err, ErrProviderTimeout) {
		return OutcomeRetryable
	}
	return OutcomeFatal
}

// attempt runs one RequestCompletion and appends it to res. On success the
// result text and model are set.
func (g *Gateway) attempt(ctx context.Context, res *Result, messages []Message, model, key string, onErr func(error) Outcome) bool {
	start := time.Now()
	text, err := g.RequestCompletion(ctx, messages, model, key)
	a := Attempt{Model: model, KeyHint: config.KeyHint(key), Duration: time.Since(start)}
	if err != nil {
		a.Outcome = onErr(err)
		a.Err = err
	} else {
		a.Outcome = OutcomeSuccess
		res.Text = text
		res.Model = model
	}
	res.Attempts = append(res.Attempts, a)
	MetricOutcome(metricTopic, "attempt", string(a.Outcome))
	L_debug("llm: attempt", "model", model, "key", a.KeyHint, "outcome", a.Outcome, "elapsed", a.Duration)
	return err == nil
}
