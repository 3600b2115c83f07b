package stages

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"dopilot/internal/llm"
	"dopilot/internal/tokenutil"
	"dopilot/internal/workflow"
)

// maxDigestChars caps the amount of generated code shipped to the scanner
// in one prompt.
const maxDigestChars = 15000

// securityScanStage reviews the generated files and records findings on the
// state. Findings are overwritten on every scan; a clean scan clears them.
type securityScanStage struct {
	deps Dependencies
}

func (s *securityScanStage) Name() workflow.StageName {
	return workflow.StageSecurityScan
}

func (s *securityScanStage) EstimateTokens(state workflow.State) int {
	return tokenutil.CountTokens(securityScanPrompt(filesDigest(state))) + s.deps.Config.MaxTokensPerCall
}

// securityValidation mirrors the scanner's structured output schema.
type securityValidation struct {
	Passed bool `json:"passed"`
	Issues []struct {
		Category string `json:"category"`
		File     string `json:"file"`
		Line     int    `json:"line"`
		Severity string `json:"severity"`
		Issue    string `json:"issue"`
		Fix      string `json:"fix"`
	} `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

func (s *securityScanStage) Run(ctx context.Context, state workflow.State) (workflow.State, llm.TokenUsage, error) {
	resp, err := s.deps.complete(ctx, securityScanPrompt(filesDigest(state)))
	if err != nil {
		return state, llm.TokenUsage{}, err
	}

	var validation securityValidation
	if err := llm.DecodeStructured(resp.Content, &validation); err != nil {
		return state, resp.Usage, err
	}

	var findings []workflow.Finding
	for _, issue := range validation.Issues {
		if issue.File == "" || issue.Issue == "" {
			continue
		}
		findings = append(findings, workflow.Finding{
			Category:    workflow.NormalizeCategory(issue.Category),
			File:        issue.File,
			Line:        issue.Line,
			Description: issue.Issue,
			Severity:    issue.Severity,
			Fix:         issue.Fix,
		})
	}

	if validation.Passed && len(findings) > 0 {
		// Inconsistent model output; trust the issue list over the flag.
		s.deps.Logger.Warn("scanner reported passed=true with %d issues, keeping the issues", len(findings))
	}

	s.deps.Logger.Info("security scan: %d findings", len(findings))

	state.SecurityFindings = findings
	return state, resp.Usage, nil
}

// filesDigest concatenates generated files in manifest order, capped at
// maxDigestChars.
func filesDigest(state workflow.State) string {
	var sb strings.Builder

	paths := append([]string(nil), state.FileManifest...)
	// Files generated outside the manifest never exist by invariant, but
	// sort any stragglers deterministically just in case.
	if len(paths) == 0 {
		for path := range state.GeneratedFiles {
			paths = append(paths, path)
		}
		sort.Strings(paths)
	}

	for _, path := range paths {
		content, ok := state.GeneratedFiles[path]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "\n\n=== %s ===\n%s", path, content)
		if sb.Len() > maxDigestChars {
			break
		}
	}

	digest := sb.String()
	if len(digest) > maxDigestChars {
		digest = digest[:maxDigestChars]
	}
	return digest
}
