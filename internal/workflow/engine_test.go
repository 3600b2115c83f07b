package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dopilot/internal/budget"
	"dopilot/internal/config"
	"dopilot/internal/limiter"
	"dopilot/internal/llm"
)

func testConfig() config.RunContext {
	cfg := config.Default()
	cfg.APIKey = "test-key"
	cfg.RequestsPerMinute = 0
	cfg.MaxCoderIterations = 5
	cfg.MaxFixIterations = 2
	cfg.RetryAttempts = 1
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg config.RunContext, stages Stages) *Engine {
	t.Helper()
	exec, err := NewExecutor(ExecutorOptions{
		Limiter: limiter.New(cfg.RequestsPerMinute, time.Second),
		Budget:  budget.NewTracker(cfg.TokenCeiling),
		Metrics: MustNewMetrics(nil),
	})
	require.NoError(t, err)
	engine, err := NewEngine(cfg, exec, stages, EngineOptions{Metrics: MustNewMetrics(nil)})
	require.NoError(t, err)
	return engine
}

// passthroughStage succeeds immediately without changing state.
func passthroughStage(name StageName) *fakeStage {
	return &fakeStage{
		name:     name,
		estimate: 10,
		run: func(_ context.Context, state State) (State, llm.TokenUsage, error) {
			return state, llm.TokenUsage{TotalTokens: 10}, nil
		},
	}
}

// happyStages builds a stage set that plans two files, generates them one
// per coder pass, scans clean and verifies.
func happyStages() Stages {
	manifest := []string{"app.js", "store.js"}

	planner := &fakeStage{name: StagePlanner, estimate: 10,
		run: func(_ context.Context, state State) (State, llm.TokenUsage, error) {
			state.Plan = Plan{Name: "todo", Files: []PlanFile{{Path: "app.js"}, {Path: "store.js"}}}
			return state, llm.TokenUsage{TotalTokens: 100}, nil
		}}
	architect := &fakeStage{name: StageArchitect, estimate: 10,
		run: func(_ context.Context, state State) (State, llm.TokenUsage, error) {
			state.Architecture = Architecture{Steps: []ImplementationStep{
				{FilePath: "app.js", TaskDescription: "app"},
				{FilePath: "store.js", TaskDescription: "store"},
			}}
			state.FileManifest = manifest
			return state, llm.TokenUsage{TotalTokens: 100}, nil
		}}
	coder := &fakeStage{name: StageCoder, estimate: 10,
		run: func(_ context.Context, state State) (State, llm.TokenUsage, error) {
			pending := state.PendingFiles()
			state.GeneratedFiles[pending[0]] = "content of " + pending[0]
			return state, llm.TokenUsage{TotalTokens: 200}, nil
		}}
	scan := &fakeStage{name: StageSecurityScan, estimate: 10,
		run: func(_ context.Context, state State) (State, llm.TokenUsage, error) {
			state.SecurityFindings = nil
			return state, llm.TokenUsage{TotalTokens: 50}, nil
		}}
	fixer := passthroughStage(StageSecurityFixer)
	verify := &fakeStage{name: StageVerification, estimate: 0,
		run: func(_ context.Context, state State) (State, llm.TokenUsage, error) {
			state.VerificationReport = VerificationReport{Passed: true}
			return state, llm.TokenUsage{}, nil
		}}

	return Stages{
		Planner: planner, Architect: architect, Coder: coder,
		SecurityScan: scan, SecurityFixer: fixer, Verification: verify,
	}
}

func TestEngineHappyPath(t *testing.T) {
	stages := happyStages()
	engine := newTestEngine(t, testConfig(), stages)

	state, report, err := engine.Run(context.Background(), NewState("build a todo app"))
	require.NoError(t, err)

	assert.Equal(t, StatusDone, report.Status)
	assert.NotEmpty(t, report.RunID)
	assert.Empty(t, report.FailedStage)
	assert.Len(t, state.GeneratedFiles, 2)
	assert.True(t, state.ManifestInvariantHolds())
	assert.True(t, state.VerificationReport.Passed)

	// planner + architect + 2 coder passes + scan + verify
	assert.Len(t, state.StageLog, 6)
	assert.Equal(t, 2, stages.Coder.(*fakeStage).calls)
	assert.Equal(t, 0, stages.SecurityFixer.(*fakeStage).calls)
	assert.Equal(t, 100+100+200+200+50, report.TokensUsed)
}

func TestEngineCoderCapFailsAfterExactlyNIterations(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCoderIterations = 3

	stages := happyStages()
	// A coder that never completes any file.
	stuck := &fakeStage{name: StageCoder, estimate: 10,
		run: func(_ context.Context, state State) (State, llm.TokenUsage, error) {
			return state, llm.TokenUsage{TotalTokens: 5}, nil
		}}
	stages.Coder = stuck

	engine := newTestEngine(t, cfg, stages)
	state, report, err := engine.Run(context.Background(), NewState("spec"))
	require.Error(t, err)

	var werr *WorkflowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, StageCoder, werr.Stage)
	assert.ErrorIs(t, err, ErrIterationCapExceeded)

	assert.Equal(t, 3, stuck.calls, "coder runs exactly the configured cap")
	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, StageCoder, report.FailedStage)

	// The partial state survives the failure.
	assert.Len(t, state.FileManifest, 2)
	assert.NotEmpty(t, state.StageLog)
}

func TestEngineFixLoopResolvesFindings(t *testing.T) {
	stages := happyStages()

	scans := 0
	stages.SecurityScan = &fakeStage{name: StageSecurityScan, estimate: 10,
		run: func(_ context.Context, state State) (State, llm.TokenUsage, error) {
			scans++
			if scans == 1 {
				state.SecurityFindings = []Finding{
					{Category: FindingSecret, File: "store.js", Description: "hardcoded key"},
				}
			} else {
				state.SecurityFindings = nil
			}
			return state, llm.TokenUsage{TotalTokens: 50}, nil
		}}
	fixer := &fakeStage{name: StageSecurityFixer, estimate: 10,
		run: func(_ context.Context, state State) (State, llm.TokenUsage, error) {
			state.GeneratedFiles["store.js"] = "const key = process.env.KEY;"
			return state, llm.TokenUsage{TotalTokens: 120}, nil
		}}
	stages.SecurityFixer = fixer

	engine := newTestEngine(t, testConfig(), stages)
	state, report, err := engine.Run(context.Background(), NewState("spec"))
	require.NoError(t, err)

	assert.Equal(t, StatusDone, report.Status)
	assert.Equal(t, 2, scans, "a fix pass always triggers a rescan")
	assert.Equal(t, 1, fixer.calls)
	assert.Equal(t, "const key = process.env.KEY;", state.GeneratedFiles["store.js"])
	assert.Empty(t, state.SecurityFindings)
}

func TestEngineFixExhaustionFailPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFixIterations = 2
	cfg.FixExhaustionPolicy = config.FixPolicyFail

	stages := happyStages()
	// Findings never go away.
	stages.SecurityScan = &fakeStage{name: StageSecurityScan, estimate: 10,
		run: func(_ context.Context, state State) (State, llm.TokenUsage, error) {
			state.SecurityFindings = []Finding{{Category: FindingXSS, File: "app.js", Description: "stuck"}}
			return state, llm.TokenUsage{TotalTokens: 10}, nil
		}}
	fixer := passthroughStage(StageSecurityFixer)
	stages.SecurityFixer = fixer

	engine := newTestEngine(t, cfg, stages)
	state, report, err := engine.Run(context.Background(), NewState("spec"))
	require.Error(t, err)

	var werr *WorkflowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, StageSecurityFixer, werr.Stage)
	assert.ErrorIs(t, err, ErrIterationCapExceeded)

	assert.Equal(t, 2, fixer.calls)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Len(t, state.SecurityFindings, 1, "unresolved findings stay on the partial state")
	assert.Equal(t, 0, stages.Verification.(*fakeStage).calls)
}

func TestEngineFixExhaustionProceedPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFixIterations = 1
	cfg.FixExhaustionPolicy = config.FixPolicyProceed

	stages := happyStages()
	stages.SecurityScan = &fakeStage{name: StageSecurityScan, estimate: 10,
		run: func(_ context.Context, state State) (State, llm.TokenUsage, error) {
			state.SecurityFindings = []Finding{{Category: FindingInjection, File: "app.js", Description: "stuck"}}
			return state, llm.TokenUsage{TotalTokens: 10}, nil
		}}
	stages.SecurityFixer = passthroughStage(StageSecurityFixer)
	verify := &fakeStage{name: StageVerification, estimate: 0,
		run: func(_ context.Context, state State) (State, llm.TokenUsage, error) {
			state.VerificationReport = VerificationReport{Passed: len(state.SecurityFindings) == 0}
			return state, llm.TokenUsage{}, nil
		}}
	stages.Verification = verify

	engine := newTestEngine(t, cfg, stages)
	state, report, err := engine.Run(context.Background(), NewState("spec"))
	require.NoError(t, err)

	assert.Equal(t, StatusDone, report.Status)
	assert.Equal(t, 1, verify.calls)
	assert.False(t, state.VerificationReport.Passed, "verification still sees the unresolved findings")
	assert.Len(t, state.SecurityFindings, 1)
}

func TestEngineStageFailurePreservesPartialState(t *testing.T) {
	stages := happyStages()
	stages.Architect = &fakeStage{name: StageArchitect, estimate: 10,
		run: func(context.Context, State) (State, llm.TokenUsage, error) {
			return State{}, llm.TokenUsage{}, NewStageError(StageArchitect, fmt.Errorf("no steps"))
		}}

	engine := newTestEngine(t, testConfig(), stages)
	state, report, err := engine.Run(context.Background(), NewState("spec"))
	require.Error(t, err)

	var werr *WorkflowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, StageArchitect, werr.Stage)

	// The planner's output survives; the failed architect left no delta.
	assert.Equal(t, "todo", state.Plan.Name)
	assert.Empty(t, state.FileManifest)
	assert.Equal(t, StatusFailed, report.Status)

	// Stage log records both the success and the failure.
	require.Len(t, report.StageLog, 2)
	assert.Equal(t, "succeeded", report.StageLog[0].Status)
	assert.Equal(t, "failed", report.StageLog[1].Status)
}

func TestEngineCancellationBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	stages := happyStages()
	stages.Planner = &fakeStage{name: StagePlanner, estimate: 10,
		run: func(_ context.Context, state State) (State, llm.TokenUsage, error) {
			cancel()
			state.Plan = Plan{Name: "todo"}
			return state, llm.TokenUsage{TotalTokens: 10}, nil
		}}

	engine := newTestEngine(t, testConfig(), stages)
	state, report, err := engine.Run(ctx, NewState("spec"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, "todo", state.Plan.Name, "work done before cancellation is kept")
	assert.Equal(t, 0, stages.Architect.(*fakeStage).calls)
}

func TestEngineEmitsProgressEvents(t *testing.T) {
	stages := happyStages()
	engine := newTestEngine(t, testConfig(), stages)

	var mu sync.Mutex
	var events []Event
	engine.AddListener(ListenerFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}))

	_, _, err := engine.Run(context.Background(), NewState("spec"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()

	var started, completed int
	var runCompleted bool
	for _, ev := range events {
		switch ev.Type {
		case EventStageStarted:
			started++
		case EventStageCompleted:
			completed++
		case EventRunCompleted:
			runCompleted = true
		}
	}
	assert.Equal(t, 6, started)
	assert.Equal(t, 6, completed)
	assert.True(t, runCompleted)
	assert.NotEmpty(t, events[0].RunID)
}

func TestEngineManifestInvariantAtEveryStep(t *testing.T) {
	stages := happyStages()
	engine := newTestEngine(t, testConfig(), stages)

	engine.AddListener(ListenerFunc(func(ev Event) {}))

	state, _, err := engine.Run(context.Background(), NewState("spec"))
	require.NoError(t, err)
	assert.True(t, state.ManifestInvariantHolds())
	assert.Empty(t, state.PendingFiles())
}

func TestNewEngineValidation(t *testing.T) {
	cfg := testConfig()
	exec, err := NewExecutor(ExecutorOptions{
		Limiter: limiter.New(0, time.Second),
		Budget:  budget.NewTracker(1000),
		Metrics: MustNewMetrics(nil),
	})
	require.NoError(t, err)

	_, err = NewEngine(cfg, nil, happyStages(), EngineOptions{})
	assert.Error(t, err, "executor is required")

	incomplete := happyStages()
	incomplete.Verification = nil
	_, err = NewEngine(cfg, exec, incomplete, EngineOptions{})
	assert.Error(t, err, "all six stages are required")
}
