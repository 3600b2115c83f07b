package stages_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dopilot/internal/budget"
	"dopilot/internal/config"
	"dopilot/internal/limiter"
	"dopilot/internal/llm"
	"dopilot/internal/logging"
	"dopilot/internal/workflow"
	"dopilot/internal/workflow/stages"
)

// TestFullRunTodoApp drives the engine through the real stage
// implementations with a scripted provider: plan three files, generate
// them, flag one hardcoded secret, fix it, rescan clean, verify.
func TestFullRunTodoApp(t *testing.T) {
	mock := llm.NewMockClient(
		// planner
		llm.MockResult{Content: `{
			"name": "todo-app",
			"description": "A browser todo list.",
			"techstack": "HTML, CSS, JavaScript",
			"features": ["add tasks", "complete tasks", "persist tasks"],
			"files": [
				{"path": "app.js", "purpose": "entry point"},
				{"path": "store.js", "purpose": "localStorage persistence"},
				{"path": "ui.js", "purpose": "DOM rendering"}
			],
			"dependencies": []
		}`, Usage: llm.TokenUsage{TotalTokens: 300}},
		// architect
		llm.MockResult{Content: `{"implementation_steps": [
			{"filepath": "store.js", "task_description": "implement localStorage store"},
			{"filepath": "app.js", "task_description": "wire store and ui"},
			{"filepath": "ui.js", "task_description": "render the task list"}
		]}`, Usage: llm.TokenUsage{TotalTokens: 250}},
		// coder x3, in manifest order
		llm.MockResult{Content: "```js\nconst API_KEY = 'sk-12345';\nexport const store = {};\n```", Usage: llm.TokenUsage{TotalTokens: 400}},
		llm.MockResult{Content: "import {store} from './store.js';\nconsole.log('app');", Usage: llm.TokenUsage{TotalTokens: 350}},
		llm.MockResult{Content: "export function render() {}", Usage: llm.TokenUsage{TotalTokens: 200}},
		// first scan: one secret finding
		llm.MockResult{Content: `{
			"passed": false,
			"issues": [{"category": "secret", "file": "store.js", "line": 1, "severity": "high", "issue": "hardcoded API key", "fix": "load the key from an environment variable"}],
			"recommendations": []
		}`, Usage: llm.TokenUsage{TotalTokens: 150}},
		// fixer rewrites store.js
		llm.MockResult{Content: "```js\nconst API_KEY = process.env.API_KEY;\nexport const store = {};\n```", Usage: llm.TokenUsage{TotalTokens: 380}},
		// rescan: clean
		llm.MockResult{Content: `{"passed": true, "issues": [], "recommendations": []}`, Usage: llm.TokenUsage{TotalTokens: 140}},
	)

	cfg := config.Default()
	cfg.APIKey = "test-key"
	cfg.RequestsPerMinute = 0
	cfg.RetryAttempts = 1

	stageSet, err := stages.New(stages.Dependencies{
		Client: mock,
		Config: cfg,
		Logger: logging.Nop(),
	})
	require.NoError(t, err)

	exec, err := workflow.NewExecutor(workflow.ExecutorOptions{
		Limiter: limiter.New(cfg.RequestsPerMinute, time.Second),
		Budget:  budget.NewTracker(cfg.TokenCeiling),
		Metrics: workflow.MustNewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)

	engine, err := workflow.NewEngine(cfg, exec, stageSet, workflow.EngineOptions{
		Metrics: workflow.MustNewMetrics(prometheus.NewRegistry()),
		Logger:  logging.Nop(),
	})
	require.NoError(t, err)

	state, report, err := engine.Run(context.Background(), workflow.NewState("build a todo app"))
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusDone, report.Status)
	assert.Equal(t, 8, mock.CallCount())

	require.Len(t, state.GeneratedFiles, 3)
	assert.Equal(t, []string{"store.js", "app.js", "ui.js"}, state.FileManifest)
	assert.Contains(t, state.GeneratedFiles["store.js"], "process.env.API_KEY")
	assert.NotContains(t, state.GeneratedFiles["store.js"], "sk-12345")

	assert.Empty(t, state.SecurityFindings)
	assert.True(t, state.VerificationReport.Passed)
	assert.True(t, state.ManifestInvariantHolds())

	// planner + architect + 3 coder + 2 scans + 1 fix + verification
	assert.Len(t, state.StageLog, 9)
	wantTokens := 300 + 250 + 400 + 350 + 200 + 150 + 380 + 140
	assert.Equal(t, wantTokens, report.TokensUsed)
	assert.Equal(t, wantTokens, state.TokensUsed())
}

// TestFullRunFailsWhenPlannerReturnsGarbage checks the failure contract:
// the caller still receives a report and the partial state.
func TestFullRunFailsWhenPlannerReturnsGarbage(t *testing.T) {
	mock := llm.NewMockClient(
		llm.MockResult{Content: "I cannot produce JSON today."},
	)

	cfg := config.Default()
	cfg.APIKey = "test-key"
	cfg.RequestsPerMinute = 0
	cfg.RetryAttempts = 1

	stageSet, err := stages.New(stages.Dependencies{Client: mock, Config: cfg, Logger: logging.Nop()})
	require.NoError(t, err)

	exec, err := workflow.NewExecutor(workflow.ExecutorOptions{
		Limiter: limiter.New(0, time.Second),
		Budget:  budget.NewTracker(cfg.TokenCeiling),
		Metrics: workflow.MustNewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)

	engine, err := workflow.NewEngine(cfg, exec, stageSet, workflow.EngineOptions{
		Metrics: workflow.MustNewMetrics(prometheus.NewRegistry()),
		Logger:  logging.Nop(),
	})
	require.NoError(t, err)

	_, report, err := engine.Run(context.Background(), workflow.NewState("build something"))
	require.Error(t, err)

	var werr *workflow.WorkflowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, workflow.StagePlanner, werr.Stage)
	assert.Equal(t, workflow.StatusFailed, report.Status)
	assert.Equal(t, workflow.StagePlanner, report.FailedStage)
}
