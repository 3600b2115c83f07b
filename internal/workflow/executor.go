package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dopilot/internal/budget"
	doerrors "dopilot/internal/errors"
	"dopilot/internal/limiter"
	"dopilot/internal/llm"
	"dopilot/internal/logging"
)

// Stage is one named unit of the workflow. Run transforms a State copy and
// reports the provider tokens it consumed; it must be safe to re-invoke
// with the same input, since the executor retries transient failures.
type Stage interface {
	Name() StageName

	// EstimateTokens returns the pessimistic token cost of one invocation,
	// used to reserve budget before any provider call is made.
	EstimateTokens(state State) int

	Run(ctx context.Context, state State) (State, llm.TokenUsage, error)
}

// Executor invokes a single stage with rate limiting, budget accounting and
// retry applied in fixed order around the call.
type Executor struct {
	limiter     *limiter.RateLimiter
	budget      *budget.Tracker
	retryConfig doerrors.RetryConfig
	callTimeout time.Duration
	metrics     *Metrics
	logger      logging.Logger
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Limiter     *limiter.RateLimiter
	Budget      *budget.Tracker
	RetryConfig doerrors.RetryConfig
	CallTimeout time.Duration
	Metrics     *Metrics
	Logger      logging.Logger
}

// NewExecutor builds an executor. Limiter and Budget are required; they are
// the process-scoped instances shared across runs.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if opts.Budget == nil {
		return nil, fmt.Errorf("budget tracker is required")
	}
	if opts.RetryConfig.MaxAttempts < 1 {
		opts.RetryConfig = doerrors.DefaultRetryConfig()
	}
	if opts.Metrics == nil {
		opts.Metrics = defaultMetrics()
	}
	return &Executor{
		limiter:     opts.Limiter,
		budget:      opts.Budget,
		retryConfig: opts.RetryConfig,
		callTimeout: opts.CallTimeout,
		metrics:     opts.Metrics,
		logger:      logging.OrNop(opts.Logger),
	}, nil
}

type stageResult struct {
	state State
	usage llm.TokenUsage
}

// Execute runs one stage invocation. Order is fixed: admission, budget
// reservation, the stage function under retry, then reconciliation. On
// terminal failure the reservation is released and the error propagated.
func (e *Executor) Execute(ctx context.Context, stage Stage, state State) (State, llm.TokenUsage, error) {
	name := stage.Name()
	start := time.Now()

	// (1) admission: wait for a rate-limit slot or time out.
	if err := e.limiter.Acquire(ctx); err != nil {
		e.metrics.IncStageFailure(name, "rate_limit")
		e.metrics.ObserveStageDuration(name, "rejected", time.Since(start))
		return state, llm.TokenUsage{}, err
	}

	// (2) reserve the estimated token cost. A rejection means no provider
	// call is attempted at all.
	estimate := stage.EstimateTokens(state)
	reservation, err := e.budget.Reserve(estimate)
	if err != nil {
		e.metrics.IncStageFailure(name, "budget")
		e.metrics.ObserveStageDuration(name, "rejected", time.Since(start))
		return state, llm.TokenUsage{}, err
	}

	e.logger.Debug("stage %s admitted, estimate=%d tokens", name, estimate)

	// (3) run the stage under the retry policy. Each attempt gets a fresh
	// state clone and its own per-call deadline.
	attempts := 0
	result, err := doerrors.RetryWithResultAndLog(ctx, e.retryConfig, func(ctx context.Context) (stageResult, error) {
		attempts++

		attemptCtx := ctx
		var cancel context.CancelFunc
		if e.callTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.callTimeout)
			defer cancel()
		}

		next, usage, runErr := stage.Run(attemptCtx, state.Clone())
		if runErr != nil {
			return stageResult{}, llm.ClassifyError(runErr)
		}
		return stageResult{state: next, usage: usage}, nil
	}, e.logger)

	e.metrics.AddStageRetries(name, attempts-1)

	if err != nil {
		// (5) terminal failure: release the reservation, nothing was spent
		// that the provider will bill beyond the failed attempts.
		e.budget.Release(reservation.ID)
		e.metrics.IncStageFailure(name, failureReason(err))
		e.metrics.ObserveStageDuration(name, "failed", time.Since(start))
		return state, llm.TokenUsage{}, e.wrapStageError(name, err)
	}

	// (4) success: reconcile the estimate with actual usage.
	if commitErr := e.budget.Commit(reservation.ID, result.usage.TotalTokens); commitErr != nil {
		e.logger.Warn("stage %s: commit failed: %v", name, commitErr)
	}
	e.metrics.AddTokensUsed(name, result.usage.TotalTokens)
	e.metrics.ObserveStageDuration(name, "succeeded", time.Since(start))

	e.logger.Info("stage %s completed in %v, tokens=%d (estimated %d)",
		name, time.Since(start).Round(time.Millisecond), result.usage.TotalTokens, estimate)

	return result.state, result.usage, nil
}

// wrapStageError tags non-provider failures with the stage that raised
// them. Provider errors, retry exhaustion and cancellations keep their
// identity so callers can classify them with errors.Is/As.
func (e *Executor) wrapStageError(name StageName, err error) error {
	if _, ok := llm.AsProviderError(err); ok {
		return err
	}
	var exhausted *doerrors.RetryExhausted
	if errors.As(err, &exhausted) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return err
	}
	return NewStageError(name, err)
}

func failureReason(err error) string {
	var exhausted *doerrors.RetryExhausted
	switch {
	case errors.As(err, &exhausted):
		return "retry_exhausted"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		if perr, ok := llm.AsProviderError(err); ok {
			return string(perr.Kind)
		}
		return "stage_error"
	}
}
