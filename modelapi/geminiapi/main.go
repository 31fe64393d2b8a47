// Package geminiapi is the single outbound generation contract: one remote
// call per attempt, a bounded timeout, a small transient-retry budget and a
// classified error on the way out. It never touches profile or rate-limit
// state; that stays with the engine.
package geminiapi

import (
	"context"
	"errors"
	"fitcoachdev/logger"
	"fitcoachdev/modelapi"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	maxRetries  = 2 // extra attempts after the first, transient failures only
	maxInFlight = 10
)

type GeminiConnectProps struct {
	Logger          *logger.LogMiddleware
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int32
	CallTimeout     time.Duration
}

type Gemini struct {
	logger      *logger.LogMiddleware
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
	callTimeout time.Duration
	semaphore   *semaphore.Weighted
}

func Connect(ctx context.Context, args GeminiConnectProps) (*Gemini, error) {
	tracer := otel.Tracer("geminiapi/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	args.Logger.Logger(ctx).Info("[GeminiAPI] Connecting Gemini API client",
		zap.String("model", args.Model))

	client, err := genai.NewClient(ctx, option.WithAPIKey(args.APIKey))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not create Gemini client: %w", err)
	}

	span.SetAttributes(attribute.Int("maxInFlight", maxInFlight))

	return &Gemini{
		logger:      args.Logger,
		client:      client,
		model:       args.Model,
		temperature: args.Temperature,
		maxTokens:   args.MaxOutputTokens,
		callTimeout: args.CallTimeout,
		semaphore:   semaphore.NewWeighted(maxInFlight),
	}, nil
}

func (g *Gemini) Close() error { return g.client.Close() }

type GenerateProps struct {
	SystemPrompt string
	UserPrompt   string
}

// Generate issues the remote call with the configured per-attempt timeout.
// Transient failures are retried with exponential backoff up to maxRetries
// extra attempts; auth failures and timeouts return immediately. The error
// is always a *modelapi.GenerationError.
func (g *Gemini) Generate(ctx context.Context, args GenerateProps) (string, error) {
	tracer := otel.Tracer("geminiapi/Generate")
	ctx, span := tracer.Start(ctx, "Generate")
	defer span.End()

	dispatchID := uuid.NewString()
	log := g.logger.Logger(ctx).With(zap.String("dispatch_id", dispatchID))
	span.SetAttributes(
		attribute.String("dispatch.id", dispatchID),
		attribute.Int("prompt.length", len(args.UserPrompt)),
	)

	if err := g.semaphore.Acquire(ctx, 1); err != nil {
		span.RecordError(err)
		return "", &modelapi.GenerationError{Kind: modelapi.KindTransient, Err: err}
	}
	defer g.semaphore.Release(1)

	model := g.client.GenerativeModel(g.model)
	model.SetTemperature(g.temperature)
	model.SetMaxOutputTokens(g.maxTokens)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(args.SystemPrompt)}}

	var text string
	attempt := 0
	operation := func() error {
		attempt++
		log.Info("[GeminiAPI] LLM generation attempt", zap.Int("attempt", attempt))

		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()

		resp, err := model.GenerateContent(callCtx, genai.Text(args.UserPrompt))
		if err != nil {
			genErr := classify(err)
			span.RecordError(genErr)
			log.Warn("[GeminiAPI] Generation attempt failed",
				zap.String("kind", genErr.Kind.String()),
				zap.Error(err),
				zap.Int("attempt", attempt))
			if !genErr.Retryable() {
				return backoff.Permanent(genErr)
			}
			return genErr
		}

		out, ok := extractText(resp)
		if !ok {
			genErr := &modelapi.GenerationError{
				Kind: modelapi.KindMalformedResponse,
				Err:  errors.New("empty or invalid response"),
			}
			span.AddEvent("EmptyResponse")
			log.Warn("[GeminiAPI] Received empty or invalid LLM response", zap.Int("attempt", attempt))
			return genErr
		}

		text = out
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries),
		ctx,
	)
	if err := backoff.Retry(operation, bo); err != nil {
		var genErr *modelapi.GenerationError
		if !errors.As(err, &genErr) {
			genErr = classify(err)
		}
		log.Error("[GeminiAPI] Generation failed after retries",
			zap.String("kind", genErr.Kind.String()),
			zap.Error(genErr))
		return "", genErr
	}

	span.AddEvent("LLM generation successful")
	return text, nil
}

func extractText(resp *genai.GenerateContentResponse) (string, bool) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", false
	}
	var out string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			out += string(t)
		}
	}
	if out == "" {
		return "", false
	}
	return out, true
}

// classify maps a raw transport error onto the generation taxonomy. Auth
// problems are never retried: they mean a broken credential, not load.
func classify(err error) *modelapi.GenerationError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &modelapi.GenerationError{Kind: modelapi.KindTimeout, Err: err}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusForbidden:
			return &modelapi.GenerationError{Kind: modelapi.KindAuthFailure, Err: err}
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
			return &modelapi.GenerationError{Kind: modelapi.KindTransient, Err: err}
		}
	}

	return &modelapi.GenerationError{Kind: modelapi.KindTransient, Err: err}
}
