package stages

import (
	"context"
	"fmt"

	"dopilot/internal/llm"
	"dopilot/internal/tokenutil"
	"dopilot/internal/workflow"
)

// architectStage turns the plan into file-by-file implementation steps and
// derives the file manifest the coder loop works through.
type architectStage struct {
	deps Dependencies
}

func (s *architectStage) Name() workflow.StageName {
	return workflow.StageArchitect
}

func (s *architectStage) EstimateTokens(state workflow.State) int {
	return tokenutil.CountTokens(architectPrompt(state.Plan)) + s.deps.Config.MaxTokensPerCall
}

func (s *architectStage) Run(ctx context.Context, state workflow.State) (workflow.State, llm.TokenUsage, error) {
	resp, err := s.deps.complete(ctx, architectPrompt(state.Plan))
	if err != nil {
		return state, llm.TokenUsage{}, err
	}

	var arch workflow.Architecture
	if err := llm.DecodeStructured(resp.Content, &arch); err != nil {
		return state, resp.Usage, err
	}

	if len(arch.Steps) == 0 {
		return state, resp.Usage, workflow.NewStageError(workflow.StageArchitect,
			fmt.Errorf("architect returned no implementation steps"))
	}

	// The manifest is the ordered, de-duplicated list of step file paths.
	seen := make(map[string]struct{}, len(arch.Steps))
	manifest := make([]string, 0, len(arch.Steps))
	for _, step := range arch.Steps {
		if step.FilePath == "" {
			return state, resp.Usage, workflow.NewStageError(workflow.StageArchitect,
				fmt.Errorf("architect step has an empty filepath"))
		}
		if _, ok := seen[step.FilePath]; ok {
			continue
		}
		seen[step.FilePath] = struct{}{}
		manifest = append(manifest, step.FilePath)
	}

	s.deps.Logger.Info("architecture: %d steps, %d manifest entries", len(arch.Steps), len(manifest))

	state.Architecture = arch
	state.FileManifest = manifest
	return state, resp.Usage, nil
}
