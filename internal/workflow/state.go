package workflow

import "time"

// StageName identifies one named unit of the workflow.
type StageName string

const (
	StagePlanner       StageName = "planner"
	StageArchitect     StageName = "architect"
	StageCoder         StageName = "coder"
	StageSecurityScan  StageName = "security_scan"
	StageSecurityFixer StageName = "security_fixer"
	StageVerification  StageName = "verification"
)

// RunStatus is the terminal verdict of a run.
type RunStatus string

const (
	StatusRunning RunStatus = "RUNNING"
	StatusDone    RunStatus = "DONE"
	StatusFailed  RunStatus = "FAILED"
)

// PlanFile describes one file the planner wants created.
type PlanFile struct {
	Path    string `json:"path"`
	Purpose string `json:"purpose"`
}

// Plan is the high-level project outline produced by the planner. Written
// once; later stages only read it.
type Plan struct {
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	TechStack    string     `json:"techstack"`
	Features     []string   `json:"features"`
	Files        []PlanFile `json:"files"`
	Dependencies []string   `json:"dependencies"`
}

// ImplementationStep is a single file task emitted by the architect.
type ImplementationStep struct {
	FilePath        string `json:"filepath"`
	TaskDescription string `json:"task_description"`
}

// Architecture is the file-by-file design produced by the architect.
type Architecture struct {
	Steps []ImplementationStep `json:"implementation_steps"`
}

// StepFor returns the implementation step for the given file, if any.
func (a Architecture) StepFor(path string) (ImplementationStep, bool) {
	for _, step := range a.Steps {
		if step.FilePath == path {
			return step, true
		}
	}
	return ImplementationStep{}, false
}

// FindingCategory classifies a security finding.
type FindingCategory string

const (
	FindingSecret    FindingCategory = "secret"
	FindingInjection FindingCategory = "injection"
	FindingXSS       FindingCategory = "xss"
	FindingOther     FindingCategory = "other"
)

// NormalizeCategory maps arbitrary model output onto the known categories.
func NormalizeCategory(raw string) FindingCategory {
	switch FindingCategory(raw) {
	case FindingSecret, FindingInjection, FindingXSS:
		return FindingCategory(raw)
	default:
		return FindingOther
	}
}

// Finding is a detected security issue in generated content.
type Finding struct {
	Category    FindingCategory `json:"category"`
	File        string          `json:"file"`
	Line        int             `json:"line"`
	Description string          `json:"description"`
	Severity    string          `json:"severity"`
	Fix         string          `json:"fix"`
}

// VerificationReport is the final pass/fail verdict with notes.
type VerificationReport struct {
	Passed bool     `json:"passed"`
	Notes  []string `json:"notes"`
}

// StageLogEntry records one stage transition.
type StageLogEntry struct {
	Stage      StageName     `json:"stage"`
	Timestamp  time.Time     `json:"timestamp"`
	Status     string        `json:"status"`
	TokensUsed int           `json:"tokens_used"`
	Elapsed    time.Duration `json:"elapsed"`
}

// State is the single record threaded through all stages. The engine owns
// the State instance for the duration of a run; stages receive a copy and
// return a new State reflecting their delta, and must not retain a
// reference past their own invocation.
type State struct {
	// Specification is immutable after ingestion.
	Specification string `json:"specification"`

	Plan         Plan         `json:"plan"`
	Architecture Architecture `json:"architecture"`

	// FileManifest is the ordered list of files to generate, written by the
	// architect. GeneratedFiles keys are always a subset of it.
	FileManifest   []string          `json:"file_manifest"`
	GeneratedFiles map[string]string `json:"generated_files"`

	SecurityFindings   []Finding          `json:"security_findings"`
	VerificationReport VerificationReport `json:"verification_report"`

	StageLog []StageLogEntry `json:"stage_log"`
}

// NewState creates an initial state from a specification.
func NewState(specification string) State {
	return State{
		Specification:  specification,
		GeneratedFiles: make(map[string]string),
	}
}

// Clone returns a deep copy. Stages mutate the copy, never the engine's
// instance, which keeps retries and hand-offs free of shared state.
func (s State) Clone() State {
	clone := s

	clone.FileManifest = append([]string(nil), s.FileManifest...)

	clone.GeneratedFiles = make(map[string]string, len(s.GeneratedFiles))
	for k, v := range s.GeneratedFiles {
		clone.GeneratedFiles[k] = v
	}

	clone.SecurityFindings = append([]Finding(nil), s.SecurityFindings...)
	clone.StageLog = append([]StageLogEntry(nil), s.StageLog...)

	clone.Plan.Features = append([]string(nil), s.Plan.Features...)
	clone.Plan.Files = append([]PlanFile(nil), s.Plan.Files...)
	clone.Plan.Dependencies = append([]string(nil), s.Plan.Dependencies...)
	clone.Architecture.Steps = append([]ImplementationStep(nil), s.Architecture.Steps...)
	clone.VerificationReport.Notes = append([]string(nil), s.VerificationReport.Notes...)

	return clone
}

// PendingFiles returns manifest entries not yet generated, in manifest
// order. The coder loop terminates exactly when this is empty.
func (s State) PendingFiles() []string {
	var pending []string
	for _, path := range s.FileManifest {
		if _, ok := s.GeneratedFiles[path]; !ok {
			pending = append(pending, path)
		}
	}
	return pending
}

// ManifestInvariantHolds reports whether every generated file is listed in
// the manifest.
func (s State) ManifestInvariantHolds() bool {
	manifest := make(map[string]struct{}, len(s.FileManifest))
	for _, path := range s.FileManifest {
		manifest[path] = struct{}{}
	}
	for path := range s.GeneratedFiles {
		if _, ok := manifest[path]; !ok {
			return false
		}
	}
	return true
}

// TokensUsed sums token usage across the stage log.
func (s State) TokensUsed() int {
	total := 0
	for _, entry := range s.StageLog {
		total += entry.TokensUsed
	}
	return total
}
