package stages

import (
	"context"

	"dopilot/internal/llm"
	"dopilot/internal/tokenutil"
	"dopilot/internal/workflow"
)

// maxFixesPerPass bounds how many findings a single fixer invocation
// addresses. The engine re-scans after each pass, so the rest get another
// chance on the next iteration.
const maxFixesPerPass = 5

// securityFixerStage rewrites the files named by the current findings. It
// issues one completion per finding and accumulates usage across them.
type securityFixerStage struct {
	deps Dependencies
}

func (s *securityFixerStage) Name() workflow.StageName {
	return workflow.StageSecurityFixer
}

func (s *securityFixerStage) EstimateTokens(state workflow.State) int {
	findings := state.SecurityFindings
	if len(findings) > maxFixesPerPass {
		findings = findings[:maxFixesPerPass]
	}
	estimate := 0
	for _, finding := range findings {
		prompt := fixerPrompt(finding, state.GeneratedFiles[finding.File])
		estimate += tokenutil.CountTokens(prompt) + s.deps.Config.MaxTokensPerCall
	}
	return estimate
}

func (s *securityFixerStage) Run(ctx context.Context, state workflow.State) (workflow.State, llm.TokenUsage, error) {
	findings := state.SecurityFindings
	if len(findings) > maxFixesPerPass {
		s.deps.Logger.Warn("capping fix pass at %d of %d findings", maxFixesPerPass, len(findings))
		findings = findings[:maxFixesPerPass]
	}

	var usage llm.TokenUsage
	for _, finding := range findings {
		content, ok := state.GeneratedFiles[finding.File]
		if !ok {
			s.deps.Logger.Warn("finding targets unknown file %s, skipping", finding.File)
			continue
		}

		resp, err := s.deps.complete(ctx, fixerPrompt(finding, content))
		if err != nil {
			return state, usage, err
		}
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		fixed := llm.StripCodeFences(resp.Content)
		if fixed == "" {
			s.deps.Logger.Warn("empty fix for %s, keeping original content", finding.File)
			continue
		}
		state.GeneratedFiles[finding.File] = fixed
		s.deps.Logger.Info("applied %s fix to %s", finding.Category, finding.File)
	}

	return state, usage, nil
}
