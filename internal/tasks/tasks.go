package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/shared"
)

// Outcome is the result variant of a single strategy attempt.
type Outcome int

const (
	Failed Outcome = iota
	Succeeded
	Gated // quota gate closed, provider not called
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Gated:
		return "gated"
	default:
		return "failed"
	}
}

// Attempt describes one strategy invocation.
type Attempt struct {
	Strategy string
	Outcome  Outcome
	Result   *models.ConversionResult // set when Outcome is Succeeded
	Err      error                    // reason for Gated or Failed
	Duration time.Duration
	Entry    string // pool entry used, hash@host
	UsageErr error  // quota bookkeeping that failed after the provider call
}

// Strategy is one tier of the fallback cascade.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, mediaID string) Attempt
}

// Observer receives every finished attempt, e.g. for metrics.
type Observer interface {
	ObserveAttempt(a Attempt)
}

// Resolution is the result of a successful run.
type Resolution struct {
	Result   *models.ConversionResult
	Strategy string
	Attempts []Attempt
}

// TerminalError is returned when every strategy was gated or failed.
type TerminalError struct {
	MediaID  string
	Attempts []Attempt
}

func (e *TerminalError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s (%v)", a.Strategy, a.Outcome, a.Err))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%v for %s: no strategies configured", shared.ErrTerminalFailure, e.MediaID)
	}
	return fmt.Sprintf("%v for %s: %s", shared.ErrTerminalFailure, e.MediaID, strings.Join(parts, "; "))
}

func (e *TerminalError) Unwrap() error { return shared.ErrTerminalFailure }

// Orchestrator runs strategies in declared order until one succeeds.
type Orchestrator struct {
	strategies []Strategy
	observer   Observer
	logger     *log.Logger
}

// NewOrchestrator creates an orchestrator. observer may be nil.
func NewOrchestrator(strategies []Strategy, observer Observer, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Orchestrator{
		strategies: strategies,
		observer:   observer,
		logger:     logger.With("component", "orchestrator"),
	}
}

// Strategies returns the strategy names in priority order.
func (o *Orchestrator) Strategies() []string {
	names := make([]string, len(o.strategies))
	for i, s := range o.strategies {
		names[i] = s.Name()
	}
	return names
}

// sendProgress sends a progress update through the channel without blocking.
func (o *Orchestrator) sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

// Run converts mediaID with the first strategy that succeeds.
//
// Strategy failures are logged and never returned. Cancellation of ctx stops
// the cascade with [shared.ErrTimeout]; exhausting every strategy returns a
// [TerminalError].
func (o *Orchestrator) Run(ctx context.Context, progress chan<- ProgressUpdate, mediaID string) (*Resolution, error) {
	if strings.TrimSpace(mediaID) == "" {
		return nil, fmt.Errorf("%w: media id is required", shared.ErrMissingArgument)
	}

	total := len(o.strategies)
	attempts := make([]Attempt, 0, total)

	for i, s := range o.strategies {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: resolving %s: %w", shared.ErrTimeout, mediaID, err)
		}

		o.sendProgress(progress, attemptUpdate(i+1, total, s.Name(), mediaID))

		a := s.Attempt(ctx, mediaID)
		if a.Strategy == "" {
			a.Strategy = s.Name()
		}
		if a.Outcome == Succeeded && a.Result == nil {
			a.Outcome = Failed
			a.Err = fmt.Errorf("%w: %s returned no result", shared.ErrProviderError, a.Strategy)
		}
		attempts = append(attempts, a)
		if a.UsageErr != nil {
			o.logger.Warn("failed to record quota usage", "id", mediaID, "strategy", a.Strategy, "error", a.UsageErr)
		}

		if o.observer != nil {
			o.observer.ObserveAttempt(a)
		}
		o.sendProgress(progress, outcomeUpdate(i+1, total, a))

		switch a.Outcome {
		case Succeeded:
			o.logger.Info("conversion succeeded", "id", mediaID, "strategy", a.Strategy, "duration", a.Duration)
			return &Resolution{Result: a.Result, Strategy: a.Strategy, Attempts: attempts}, nil
		case Gated:
			o.logger.Debug("strategy gated", "id", mediaID, "strategy", a.Strategy, "reason", a.Err)
		default:
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(a.Err, ctxErr) {
				return nil, fmt.Errorf("%w: resolving %s: %w", shared.ErrTimeout, mediaID, ctxErr)
			}
			o.logger.Warn("strategy failed", "id", mediaID, "strategy", a.Strategy, "error", a.Err)
		}
	}

	o.sendProgress(progress, exhaustedUpdate(total, mediaID))
	o.logger.Error("all strategies failed", "id", mediaID, "attempts", len(attempts))
	return nil, &TerminalError{MediaID: mediaID, Attempts: attempts}
}
