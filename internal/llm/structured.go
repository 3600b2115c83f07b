package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// StripCodeFences removes a surrounding markdown code fence from model
// output. Models routinely wrap file content or JSON in ``` blocks even when
// told not to.
func StripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "```") {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// DecodeStructured parses model output into target. It first attempts a
// direct unmarshal, then repairs the JSON with jsonrepair before giving up.
// A failure is reported as a malformed ProviderError so the retry layer
// treats it as fatal.
func DecodeStructured(content string, target any) error {
	payload := StripCodeFences(content)

	if err := json.Unmarshal([]byte(payload), target); err == nil {
		return nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(payload)
	if repairErr != nil {
		return NewProviderError(ErrKindMalformed, 0,
			fmt.Errorf("structured output is not valid JSON and could not be repaired: %w", repairErr))
	}

	if err := json.Unmarshal([]byte(repaired), target); err != nil {
		return NewProviderError(ErrKindMalformed, 0,
			fmt.Errorf("decode repaired structured output: %w", err))
	}

	return nil
}
