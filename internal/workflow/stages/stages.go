// Package stages implements the six processing stages of the code
// generation workflow. Each stage is a pure State transformer that may call
// the inference backend; admission, budgeting and retry are the executor's
// job, not the stages'.
package stages

import (
	"context"
	"fmt"

	"dopilot/internal/config"
	"dopilot/internal/llm"
	"dopilot/internal/logging"
	"dopilot/internal/workflow"
)

// Dependencies carries the collaborators shared by all stages.
type Dependencies struct {
	Client llm.Client
	Config config.RunContext
	Logger logging.Logger
}

// New wires every stage of the graph against the given provider client.
func New(deps Dependencies) (workflow.Stages, error) {
	if deps.Client == nil {
		return workflow.Stages{}, fmt.Errorf("llm client is required")
	}
	deps.Logger = logging.OrNop(deps.Logger)

	return workflow.Stages{
		Planner:       &plannerStage{deps: deps},
		Architect:     &architectStage{deps: deps},
		Coder:         &coderStage{deps: deps},
		SecurityScan:  &securityScanStage{deps: deps},
		SecurityFixer: &securityFixerStage{deps: deps},
		Verification:  &verificationStage{},
	}, nil
}

// complete issues a single-turn completion with the run's token cap.
func (d Dependencies) complete(ctx context.Context, prompt string) (*llm.CompletionResponse, error) {
	return d.Client.Complete(ctx, llm.CompletionRequest{
		Messages:    llm.UserMessage(prompt),
		Temperature: 0.2,
		MaxTokens:   d.Config.MaxTokensPerCall,
	})
}
