package stages

import (
	"context"
	"fmt"

	"dopilot/internal/llm"
	"dopilot/internal/tokenutil"
	"dopilot/internal/workflow"
)

// plannerStage converts the specification into a structured project plan.
// The plan is written once; an empty file list is rejected as malformed
// output since nothing downstream could proceed from it.
type plannerStage struct {
	deps Dependencies
}

func (s *plannerStage) Name() workflow.StageName {
	return workflow.StagePlanner
}

func (s *plannerStage) EstimateTokens(state workflow.State) int {
	prompt := plannerPrompt(s.specification(state))
	return tokenutil.CountTokens(prompt) + s.deps.Config.MaxTokensPerCall
}

func (s *plannerStage) Run(ctx context.Context, state workflow.State) (workflow.State, llm.TokenUsage, error) {
	prompt := plannerPrompt(s.specification(state))

	resp, err := s.deps.complete(ctx, prompt)
	if err != nil {
		return state, llm.TokenUsage{}, err
	}

	var plan workflow.Plan
	if err := llm.DecodeStructured(resp.Content, &plan); err != nil {
		return state, resp.Usage, err
	}

	if len(plan.Files) == 0 {
		return state, resp.Usage, workflow.NewStageError(workflow.StagePlanner,
			fmt.Errorf("planner returned a plan with no files"))
	}

	s.deps.Logger.Info("plan %q: %d files, stack %s", plan.Name, len(plan.Files), plan.TechStack)

	state.Plan = plan
	return state, resp.Usage, nil
}

// specification applies the configured character ceiling before the prompt
// is built, keeping token usage under control for oversized submissions.
func (s *plannerStage) specification(state workflow.State) string {
	return tokenutil.TruncateToChars(state.Specification, s.deps.Config.SpecCharCeiling)
}
