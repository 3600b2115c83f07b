package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dopilot/internal/config"
	"dopilot/internal/logging"
)

// Stages holds one implementation per stage of the graph.
type Stages struct {
	Planner       Stage
	Architect     Stage
	Coder         Stage
	SecurityScan  Stage
	SecurityFixer Stage
	Verification  Stage
}

func (s Stages) validate() error {
	named := []struct {
		name  StageName
		stage Stage
	}{
		{StagePlanner, s.Planner},
		{StageArchitect, s.Architect},
		{StageCoder, s.Coder},
		{StageSecurityScan, s.SecurityScan},
		{StageSecurityFixer, s.SecurityFixer},
		{StageVerification, s.Verification},
	}
	for _, entry := range named {
		if entry.stage == nil {
			return fmt.Errorf("stage %s is required", entry.name)
		}
	}
	return nil
}

// RunReport summarizes one run for the caller.
type RunReport struct {
	RunID       string          `json:"run_id"`
	Status      RunStatus       `json:"status"`
	FailedStage StageName       `json:"failed_stage,omitempty"`
	Cause       string          `json:"cause,omitempty"`
	StageLog    []StageLogEntry `json:"stage_log"`
	TokensUsed  int             `json:"tokens_used"`
	Elapsed     time.Duration   `json:"elapsed"`
}

// Engine drives the stage graph:
//
//	START -> planner -> architect -> coder
//	coder -> coder                  [while manifest incomplete, bounded]
//	coder -> security_scan          [when manifest complete]
//	security_scan -> verification   [no findings]
//	security_scan -> security_fixer [findings present]
//	security_fixer -> security_scan [always, bounded]
//	verification -> DONE
//
// The engine exclusively owns the State instance for the duration of a
// run. Exceeding a loop cap transitions to FAILED carrying the last
// partial State; generated work is never silently dropped.
type Engine struct {
	cfg      config.RunContext
	executor *Executor
	stages   Stages
	notifier notifier
	metrics  *Metrics
	logger   logging.Logger
}

// EngineOptions configures optional engine collaborators.
type EngineOptions struct {
	Metrics *Metrics
	Logger  logging.Logger
}

// NewEngine builds a workflow engine for the given configuration.
func NewEngine(cfg config.RunContext, executor *Executor, stages Stages, opts EngineOptions) (*Engine, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if err := stages.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = defaultMetrics()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewComponentLogger("workflow-engine")
	}
	return &Engine{
		cfg:      cfg,
		executor: executor,
		stages:   stages,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// AddListener registers a progress event listener. Events are
// fire-and-forget notifications, not part of the control contract.
func (e *Engine) AddListener(listener Listener) {
	e.notifier.addListener(listener)
}

// Run executes the workflow for one submitted specification. The caller
// always receives a State (possibly partial) plus an explicit verdict;
// failures are reported as *WorkflowError, never as a bare panic or a lost
// state.
func (e *Engine) Run(ctx context.Context, initial State) (State, RunReport, error) {
	runID := uuid.NewString()
	start := time.Now()

	e.metrics.IncActiveRuns()
	defer e.metrics.DecActiveRuns()

	state := initial.Clone()
	if state.GeneratedFiles == nil {
		state.GeneratedFiles = make(map[string]string)
	}

	e.logger.Info("run %s started, spec length %d chars", runID, len(state.Specification))

	fail := func(stage StageName, cause error) (State, RunReport, error) {
		werr := &WorkflowError{Stage: stage, Cause: cause}
		e.logger.Error("run %s failed at %s: %v", runID, stage, cause)
		report := e.buildReport(runID, StatusFailed, stage, werr.Error(), state, start)
		e.notifier.emit(Event{
			Type:       EventRunFailed,
			RunID:      runID,
			Stage:      stage,
			Status:     StatusFailed,
			Elapsed:    time.Since(start),
			TokensUsed: state.TokensUsed(),
			Err:        werr.Error(),
		})
		return state, report, werr
	}

	// Planner, then architect: strictly sequential.
	for _, stage := range []Stage{e.stages.Planner, e.stages.Architect} {
		if err := ctx.Err(); err != nil {
			return fail(stage.Name(), err)
		}
		next, err := e.runStage(ctx, runID, stage, state)
		state = next
		if err != nil {
			return fail(stage.Name(), err)
		}
	}

	// Coder loop: one file per iteration until the manifest is complete.
	coderIterations := 0
	for len(state.PendingFiles()) > 0 {
		if err := ctx.Err(); err != nil {
			return fail(StageCoder, err)
		}
		if coderIterations >= e.cfg.MaxCoderIterations {
			return fail(StageCoder, fmt.Errorf("%w: %d files still pending after %d coder iterations",
				ErrIterationCapExceeded, len(state.PendingFiles()), coderIterations))
		}
		coderIterations++

		next, err := e.runStage(ctx, runID, e.stages.Coder, state)
		state = next
		if err != nil {
			return fail(StageCoder, err)
		}
	}

	// Scan/fix loop: rescan after every fix pass, bounded by the fix cap.
	fixIterations := 0
	for {
		if err := ctx.Err(); err != nil {
			return fail(StageSecurityScan, err)
		}

		next, err := e.runStage(ctx, runID, e.stages.SecurityScan, state)
		state = next
		if err != nil {
			return fail(StageSecurityScan, err)
		}

		if len(state.SecurityFindings) == 0 {
			break
		}

		if fixIterations >= e.cfg.MaxFixIterations {
			if e.cfg.FixExhaustionPolicy == config.FixPolicyProceed {
				e.logger.Warn("run %s: %d findings unresolved after %d fix passes, proceeding to verification",
					runID, len(state.SecurityFindings), fixIterations)
				break
			}
			return fail(StageSecurityFixer, fmt.Errorf("%w: %d findings unresolved after %d fix passes",
				ErrIterationCapExceeded, len(state.SecurityFindings), fixIterations))
		}
		fixIterations++

		next, err = e.runStage(ctx, runID, e.stages.SecurityFixer, state)
		state = next
		if err != nil {
			return fail(StageSecurityFixer, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return fail(StageVerification, err)
	}
	next, err := e.runStage(ctx, runID, e.stages.Verification, state)
	state = next
	if err != nil {
		return fail(StageVerification, err)
	}

	e.logger.Info("run %s done in %v, %d files, %d tokens",
		runID, time.Since(start).Round(time.Millisecond), len(state.GeneratedFiles), state.TokensUsed())

	report := e.buildReport(runID, StatusDone, "", "", state, start)
	e.notifier.emit(Event{
		Type:       EventRunCompleted,
		RunID:      runID,
		Status:     StatusDone,
		Elapsed:    time.Since(start),
		TokensUsed: state.TokensUsed(),
	})
	return state, report, nil
}

// runStage executes one stage, appends the stage log entry, and emits
// progress events. The returned State is always the one to keep: on
// failure it is the previous state plus a failed log entry.
func (e *Engine) runStage(ctx context.Context, runID string, stage Stage, state State) (State, error) {
	name := stage.Name()
	started := time.Now()

	e.notifier.emit(Event{
		Type:      EventStageStarted,
		RunID:     runID,
		Stage:     name,
		Status:    StatusRunning,
		Timestamp: started,
	})

	next, usage, err := e.executor.Execute(ctx, stage, state)
	elapsed := time.Since(started)

	if err != nil {
		// Keep the last good state; record the failed transition.
		kept := state
		kept.StageLog = append(kept.StageLog, StageLogEntry{
			Stage:     name,
			Timestamp: time.Now(),
			Status:    "failed",
			Elapsed:   elapsed,
		})
		e.notifier.emit(Event{
			Type:    EventStageFailed,
			RunID:   runID,
			Stage:   name,
			Status:  StatusRunning,
			Elapsed: elapsed,
			Err:     err.Error(),
		})
		return kept, err
	}

	next.StageLog = append(next.StageLog, StageLogEntry{
		Stage:      name,
		Timestamp:  time.Now(),
		Status:     "succeeded",
		TokensUsed: usage.TotalTokens,
		Elapsed:    elapsed,
	})
	e.notifier.emit(Event{
		Type:       EventStageCompleted,
		RunID:      runID,
		Stage:      name,
		Status:     StatusRunning,
		Elapsed:    elapsed,
		TokensUsed: usage.TotalTokens,
	})
	return next, nil
}

func (e *Engine) buildReport(runID string, status RunStatus, failedStage StageName, cause string, state State, start time.Time) RunReport {
	return RunReport{
		RunID:       runID,
		Status:      status,
		FailedStage: failedStage,
		Cause:       cause,
		StageLog:    append([]StageLogEntry(nil), state.StageLog...),
		TokensUsed:  state.TokensUsed(),
		Elapsed:     time.Since(start),
	}
}
