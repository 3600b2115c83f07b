package stages

import (
	"context"
	"fmt"

	"dopilot/internal/llm"
	"dopilot/internal/tokenutil"
	"dopilot/internal/workflow"
)

// coderStage generates exactly one pending file per invocation, in manifest
// order. The engine drives the loop; this stage only makes one unit of
// progress so a retry never redoes more than a single file.
type coderStage struct {
	deps Dependencies
}

func (s *coderStage) Name() workflow.StageName {
	return workflow.StageCoder
}

func (s *coderStage) EstimateTokens(state workflow.State) int {
	pending := state.PendingFiles()
	if len(pending) == 0 {
		return 0
	}
	step, _ := state.Architecture.StepFor(pending[0])
	return tokenutil.CountTokens(coderPrompt(step, "")) + s.deps.Config.MaxTokensPerCall
}

func (s *coderStage) Run(ctx context.Context, state workflow.State) (workflow.State, llm.TokenUsage, error) {
	pending := state.PendingFiles()
	if len(pending) == 0 {
		return state, llm.TokenUsage{}, workflow.NewStageError(workflow.StageCoder,
			fmt.Errorf("coder invoked with no pending files"))
	}

	path := pending[0]
	step, ok := state.Architecture.StepFor(path)
	if !ok {
		// Manifest entries are derived from steps, so this means the state
		// was corrupted upstream.
		return state, llm.TokenUsage{}, workflow.NewStageError(workflow.StageCoder,
			fmt.Errorf("no implementation step for manifest entry %q", path))
	}

	resp, err := s.deps.complete(ctx, coderPrompt(step, state.GeneratedFiles[path]))
	if err != nil {
		return state, llm.TokenUsage{}, err
	}

	content := llm.StripCodeFences(resp.Content)
	if content == "" {
		return state, resp.Usage, workflow.NewStageError(workflow.StageCoder,
			fmt.Errorf("coder returned empty content for %q", path))
	}

	s.deps.Logger.Info("generated %s (%d bytes), %d files remaining", path, len(content), len(pending)-1)

	state.GeneratedFiles[path] = content
	return state, resp.Usage, nil
}
