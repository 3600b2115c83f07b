package stages

import (
	"fmt"
	"strings"

	"dopilot/internal/workflow"
)

func plannerPrompt(specification string) string {
	return fmt.Sprintf(`You are the PLANNER agent. Convert the user prompt into a COMPLETE engineering project plan.

User request:
%s

Respond with a single JSON object:
{
  "name": "project name in snake_case or kebab-case",
  "description": "clear 2-3 sentence description",
  "techstack": "specific technologies, e.g. 'HTML, CSS, JavaScript'",
  "features": ["3-8 specific features"],
  "files": [{"path": "relative/file/path", "purpose": "the file's role"}],
  "dependencies": ["required packages or libraries"]
}

CRITICAL: the files list must include EVERY file needed to build the complete
working application: source code, config files, HTML, CSS, manifests.
Output ONLY the JSON object, no explanations.`, specification)
}

func architectPrompt(plan workflow.Plan) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Project: %s\nDescription: %s\nTech Stack: %s\n", plan.Name, plan.Description, plan.TechStack)
	sb.WriteString("Features:\n")
	for _, feature := range plan.Features {
		fmt.Fprintf(&sb, "- %s\n", feature)
	}
	sb.WriteString("Files to Create:\n")
	for _, file := range plan.Files {
		fmt.Fprintf(&sb, "- %s: %s\n", file.Path, file.Purpose)
	}
	sb.WriteString("Dependencies:\n")
	for _, dep := range plan.Dependencies {
		fmt.Fprintf(&sb, "- %s\n", dep)
	}

	return fmt.Sprintf(`You are the ARCHITECT agent. Given this project plan, break it down into explicit engineering tasks.

CRITICAL RULE: create an implementation task for EVERY file listed in "Files to Create".

RULES:
- For EACH file, create EXACTLY ONE task
- In each task description, specify exactly what to implement in that file:
  the variables, functions, classes and components to define, how the file
  depends on or is used by other files, and integration details (imports,
  expected function signatures, data flow)
- Order tasks so that dependencies are implemented first
- Each task must be SELF-CONTAINED with complete implementation details

Project Plan:
%s

Respond with a single JSON object:
{"implementation_steps": [{"filepath": "exact path from the list above", "task_description": "detailed instructions"}]}

The number of implementation_steps MUST EQUAL the number of files in the plan.
Output ONLY the JSON object, no explanations.`, sb.String())
}

func coderPrompt(step workflow.ImplementationStep, existingContent string) string {
	existing := existingContent
	if existing == "" {
		existing = "Empty file"
	}
	return fmt.Sprintf(`You are implementing a coding task. Generate the COMPLETE file content.

Task: %s
File: %s
Existing content: %s

Generate the FULL file content with all necessary code. Output ONLY the code, no explanations.
Ensure proper imports, error handling, and production-ready code.`, step.TaskDescription, step.FilePath, existing)
}

func securityScanPrompt(filesDigest string) string {
	return fmt.Sprintf(`You are a security expert. Analyze the following generated project files for security vulnerabilities.

Project files:
%s

Focus on:
- Hardcoded credentials, API keys, secrets
- SQL injection vulnerabilities
- XSS vulnerabilities
- Insecure file operations
- Missing input validation

Respond with a single JSON object:
{
  "passed": true or false,
  "issues": [{"category": "secret|injection|xss|other", "file": "exact filepath", "line": 0, "severity": "high|medium|low", "issue": "description", "fix": "specific fix to apply"}],
  "recommendations": ["general security best practices"]
}

Report at most the 5 most critical issues. If the code is clean, return
passed=true with an empty issues array. Output ONLY the JSON object.`, filesDigest)
}

func fixerPrompt(finding workflow.Finding, fileContent string) string {
	return fmt.Sprintf(`Apply a security fix to this file.

File: %s
Line: %d
Severity: %s
Issue: %s
Fix: %s

Current file content:
%s

Generate the COMPLETE corrected file content with the security fix applied.
Ensure you:
1. Use environment variables for sensitive data
2. Never hardcode credentials or API keys
3. Implement proper input validation
4. Use parameterized queries for database operations
5. Sanitize user inputs to prevent XSS

Output ONLY the corrected code, no explanations.`,
		finding.File, finding.Line, finding.Severity, finding.Description, finding.Fix, fileContent)
}
