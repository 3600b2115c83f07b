package stages

import (
	"context"
	"fmt"

	"dopilot/internal/llm"
	"dopilot/internal/workflow"
)

// verificationStage performs the final local consistency check. It makes no
// inference calls: the run passes when every manifest file was generated and
// no security findings remain.
type verificationStage struct{}

func (s *verificationStage) Name() workflow.StageName {
	return workflow.StageVerification
}

func (s *verificationStage) EstimateTokens(workflow.State) int {
	return 0
}

func (s *verificationStage) Run(_ context.Context, state workflow.State) (workflow.State, llm.TokenUsage, error) {
	var notes []string

	missing := state.PendingFiles()
	for _, path := range missing {
		notes = append(notes, fmt.Sprintf("manifest file not generated: %s", path))
	}
	for _, finding := range state.SecurityFindings {
		notes = append(notes, fmt.Sprintf("unresolved %s finding in %s: %s",
			finding.Category, finding.File, finding.Description))
	}

	passed := len(missing) == 0 && len(state.SecurityFindings) == 0
	if passed {
		notes = append(notes, fmt.Sprintf("all %d files generated, no outstanding findings", len(state.FileManifest)))
	}

	state.VerificationReport = workflow.VerificationReport{
		Passed: passed,
		Notes:  notes,
	}
	return state, llm.TokenUsage{}, nil
}
