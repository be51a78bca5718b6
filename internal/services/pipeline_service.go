// Package services – PipelineService
//
// This file implements PipelineService, the orchestrator that drives a
// request through extraction, normalization, and dispatch, updating the
// request store at every transition.
//
// Concurrency model: processing runs on detached goroutines gated by a
// weighted semaphore, so the intake endpoint stays responsive while the
// number of in-flight pipelines is bounded. Exclusive ownership of a request
// is claimed through a conditional queued->processing store transition, never
// through in-process locking; losing that race means another pipeline already
// owns the request and the loser simply backs off.
//
// Failure policy: transient upstream failures (429, 5xx, timeouts, transport
// faults) are retried with capped exponential backoff and jitter. A
// structurally unusable model reply earns exactly one re-extraction with the
// identical prompt; a second structural failure is terminal. Terminal
// failures land the request in the failed state with a prefixed
// failure_reason (upstream_error, malformed_response, schema_violation).
package services

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/uo277440/go-notify-backend/internal/config"
	"github.com/uo277440/go-notify-backend/internal/domain"
	"github.com/uo277440/go-notify-backend/internal/guardrail"
	"github.com/uo277440/go-notify-backend/internal/repo"
	"github.com/uo277440/go-notify-backend/internal/upstream"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Extractor asks the AI engine to turn free-form input into raw model text.
type Extractor interface {
	Extract(ctx context.Context, userInput string) (string, error)
}

// Dispatcher delivers a validated intent through the notification provider.
type Dispatcher interface {
	Notify(ctx context.Context, intent domain.Intent) (*upstream.Ack, error)
}

// failure_reason prefixes recorded on terminal failures.
const (
	reasonUpstream  = "upstream_error: "
	reasonMalformed = "malformed_response: "
	reasonSchema    = "schema_violation: "
)

// stageFailure carries a terminal pipeline failure with the stage that
// produced it (extract, normalize, dispatch) for metrics and logging.
type stageFailure struct {
	stage  string
	reason string
}

func (f *stageFailure) Error() string { return f.stage + ": " + f.reason }

// PipelineService owns the request processing lifecycle.
type PipelineService struct {
	DB         *gorm.DB
	Extractor  Extractor
	Dispatcher Dispatcher

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPipelineService wires the orchestrator from configuration.
func NewPipelineService(db *gorm.DB, ex Extractor, disp Dispatcher, cfg config.PipelineConfig) *PipelineService {
	maxConc := cfg.MaxConcurrent
	if maxConc < 1 {
		maxConc = 1
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &PipelineService{
		DB:          db,
		Extractor:   ex,
		Dispatcher:  disp,
		maxAttempts: attempts,
		baseDelay:   cfg.RetryBaseDelay,
		maxDelay:    cfg.RetryMaxDelay,
		sem:         semaphore.NewWeighted(int64(maxConc)),
	}
}

// Schedule triggers asynchronous processing of a request.
//
// It returns scheduled=true when the request was queued and a pipeline run
// was started, and scheduled=false with the current status when the request
// is already processing or terminal. Unknown IDs yield ErrRequestNotFound.
//
// Two callers may both observe the queued status and schedule a run each;
// the conditional store transition inside Process lets exactly one of them
// claim the request.
func (s *PipelineService) Schedule(ctx context.Context, id string) (scheduled bool, status domain.Status, err error) {
	tr := otel.Tracer("services/PipelineService")
	ctx, span := tr.Start(ctx, "Schedule",
		trace.WithAttributes(attribute.String("request.id", id)),
	)
	defer span.End()

	r, err := repo.GetRequest(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return false, "", ErrRequestNotFound
	}
	if err != nil {
		return false, "", err
	}
	if r.Status != domain.StatusQueued {
		return false, r.Status, nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Detached from the HTTP request; processing outlives the caller.
		bg := context.Background()
		if err := s.sem.Acquire(bg, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		if err := s.Process(bg, id); err != nil {
			log.Error().Err(err).Str("request_id", id).Msg("pipeline run failed")
		}
	}()
	return true, domain.StatusQueued, nil
}

// Wait blocks until all scheduled pipeline runs have finished. Used during
// graceful shutdown.
func (s *PipelineService) Wait() { s.wg.Wait() }

// Process drives one request through the full pipeline synchronously.
//
// It is safe to call concurrently for the same ID: only the caller that wins
// the queued->processing transition performs any work, everyone else returns
// nil immediately. Repeated calls on a terminal request are no-ops.
func (s *PipelineService) Process(ctx context.Context, id string) error {
	tr := otel.Tracer("services/PipelineService")
	ctx, span := tr.Start(ctx, "Process",
		trace.WithAttributes(attribute.String("request.id", id)),
	)
	defer span.End()

	start := time.Now()

	// Claim exclusive ownership.
	err := repo.TransitionRequest(ctx, s.DB, id, domain.StatusQueued, domain.StatusProcessing, nil)
	switch {
	case errors.Is(err, repo.ErrConflict):
		// Already processing or terminal. Someone else owns it.
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return ErrRequestNotFound
	case err != nil:
		return err
	}

	pipelineInflight.Inc()
	defer pipelineInflight.Dec()

	r, err := repo.GetRequest(ctx, s.DB, id)
	if err != nil {
		return err
	}

	intent, sf := s.extractIntent(ctx, r.UserInput)
	if sf != nil {
		return s.fail(ctx, id, sf, start)
	}
	span.SetAttributes(attribute.String("intent.type", intent.Type))

	ack, sf := s.dispatch(ctx, *intent)
	if sf != nil {
		return s.fail(ctx, id, sf, start)
	}

	err = repo.TransitionRequest(ctx, s.DB, id, domain.StatusProcessing, domain.StatusSent, map[string]any{
		"intent_to":      intent.To,
		"intent_message": intent.Message,
		"intent_type":    intent.Type,
		"provider_id":    ack.ProviderID,
		"updated_at":     time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	observeOutcome("sent", start)
	log.Info().
		Str("request_id", id).
		Str("intent_type", intent.Type).
		Str("provider_id", ack.ProviderID).
		Dur("took", time.Since(start)).
		Msg("notification sent")
	return nil
}

// extractIntent calls the AI engine and normalizes its reply. A structurally
// unusable reply (malformed or schema-violating) earns exactly one
// re-extraction with the identical prompt before giving up.
func (s *PipelineService) extractIntent(ctx context.Context, userInput string) (*domain.Intent, *stageFailure) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := withRetry(s, ctx, "extract", func(ctx context.Context) (string, error) {
			return s.Extractor.Extract(ctx, userInput)
		})
		if err != nil {
			return nil, &stageFailure{stage: "extract", reason: reasonUpstream + err.Error()}
		}

		intent, err := guardrail.Normalize(raw)
		if err == nil {
			return intent, nil
		}
		lastErr = err
	}

	var se *guardrail.SchemaError
	if errors.As(lastErr, &se) {
		return nil, &stageFailure{stage: "normalize", reason: reasonSchema + se.Error()}
	}
	return nil, &stageFailure{stage: "normalize", reason: reasonMalformed + lastErr.Error()}
}

// dispatch delivers the intent through the provider with retry protection.
func (s *PipelineService) dispatch(ctx context.Context, intent domain.Intent) (*upstream.Ack, *stageFailure) {
	ack, err := withRetry(s, ctx, "notify", func(ctx context.Context) (*upstream.Ack, error) {
		return s.Dispatcher.Notify(ctx, intent)
	})
	if err != nil {
		return nil, &stageFailure{stage: "dispatch", reason: reasonUpstream + err.Error()}
	}
	return ack, nil
}

// fail records a terminal failure. A lost processing->failed race means the
// request was settled elsewhere and is absorbed silently.
func (s *PipelineService) fail(ctx context.Context, id string, sf *stageFailure, start time.Time) error {
	pipelineFailures.WithLabelValues(sf.stage).Inc()

	err := repo.TransitionRequest(ctx, s.DB, id, domain.StatusProcessing, domain.StatusFailed, map[string]any{
		"failure_reason": sf.reason,
		"updated_at":     time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, repo.ErrConflict) {
		return err
	}

	observeOutcome("failed", start)
	log.Warn().
		Str("request_id", id).
		Str("stage", sf.stage).
		Str("reason", sf.reason).
		Msg("request failed")
	return nil
}

// withRetry runs call up to maxAttempts times, sleeping with capped jittered
// exponential backoff between attempts. Only transient upstream errors are
// retried; everything else is returned immediately.
func withRetry[T any](s *PipelineService, ctx context.Context, op string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var last error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			upstreamRetries.WithLabelValues(op).Inc()
			select {
			case <-time.After(s.backoff(attempt)):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
		out, err := call(ctx)
		if err == nil {
			return out, nil
		}
		last = err

		var ue *upstream.UpstreamError
		if !errors.As(err, &ue) || !ue.Transient() {
			return zero, err
		}
	}
	return zero, last
}

// backoff returns the sleep before the given retry (1-based): base doubled
// per retry, capped, with +/-50% jitter.
func (s *PipelineService) backoff(retry int) time.Duration {
	base := s.baseDelay
	if base <= 0 {
		base = 300 * time.Millisecond
	}
	d := base << (retry - 1)
	if s.maxDelay > 0 && d > s.maxDelay {
		d = s.maxDelay
	}
	// Jitter in [d/2, 3d/2).
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
