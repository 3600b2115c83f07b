package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FixExhaustionPolicy decides what happens when the security fix loop hits
// its iteration cap with findings still open.
type FixExhaustionPolicy string

const (
	// FixPolicyFail fails the run, returning the partial state.
	FixPolicyFail FixExhaustionPolicy = "fail"
	// FixPolicyProceed continues to verification with the unresolved
	// findings recorded in the final state.
	FixPolicyProceed FixExhaustionPolicy = "proceed"
)

const (
	DefaultProvider           = "openai"
	DefaultModel              = "gpt-4o-mini"
	DefaultBaseURL            = "https://api.openai.com/v1"
	DefaultRequestsPerMinute  = 10
	DefaultTokenCeiling       = 200000
	DefaultMaxTokensPerCall   = 8192
	DefaultMaxCoderIterations = 25
	DefaultMaxFixIterations   = 3
	DefaultRetryAttempts      = 3
	DefaultRetryBaseDelay     = 1 * time.Second
	DefaultRetryMaxDelay      = 30 * time.Second
	DefaultCallTimeout        = 120 * time.Second
	DefaultAcquireTimeout     = 90 * time.Second
	DefaultSpecCharCeiling    = 3000
)

// RunContext carries the process-scoped settings for one run. It is
// immutable for the run's lifetime: created at run start, discarded at run
// end, never shared as mutable global state.
type RunContext struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	RequestsPerMinute int `yaml:"requests_per_minute"`
	TokenCeiling      int `yaml:"token_ceiling"`
	MaxTokensPerCall  int `yaml:"max_tokens_per_call"`

	MaxCoderIterations int `yaml:"max_coder_iterations"`
	MaxFixIterations   int `yaml:"max_fix_iterations"`

	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	SpecCharCeiling     int                 `yaml:"spec_char_ceiling"`
	FixExhaustionPolicy FixExhaustionPolicy `yaml:"fix_exhaustion_policy"`
}

// Default returns a RunContext populated with package defaults.
func Default() RunContext {
	return RunContext{
		Provider:            DefaultProvider,
		Model:               DefaultModel,
		BaseURL:             DefaultBaseURL,
		RequestsPerMinute:   DefaultRequestsPerMinute,
		TokenCeiling:        DefaultTokenCeiling,
		MaxTokensPerCall:    DefaultMaxTokensPerCall,
		MaxCoderIterations:  DefaultMaxCoderIterations,
		MaxFixIterations:    DefaultMaxFixIterations,
		RetryAttempts:       DefaultRetryAttempts,
		RetryBaseDelay:      DefaultRetryBaseDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		CallTimeout:         DefaultCallTimeout,
		AcquireTimeout:      DefaultAcquireTimeout,
		SpecCharCeiling:     DefaultSpecCharCeiling,
		FixExhaustionPolicy: FixPolicyFail,
	}
}

// Load builds a RunContext from defaults, an optional YAML file, and
// environment overrides, in that precedence order.
func Load(path string) (RunContext, error) {
	rc := Default()

	if path != "" {
		if err := loadFile(path, &rc); err != nil {
			return rc, err
		}
	}

	applyEnv(&rc)

	if err := rc.Validate(); err != nil {
		return rc, err
	}
	return rc, nil
}

func loadFile(path string, rc *RunContext) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, rc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(rc *RunContext) {
	setString(&rc.Provider, "DOPILOT_PROVIDER")
	setString(&rc.Model, "DOPILOT_MODEL")
	setString(&rc.APIKey, "DOPILOT_API_KEY")
	setString(&rc.BaseURL, "DOPILOT_BASE_URL")

	setInt(&rc.RequestsPerMinute, "DOPILOT_REQUESTS_PER_MINUTE")
	setInt(&rc.TokenCeiling, "DOPILOT_TOKEN_CEILING")
	setInt(&rc.MaxTokensPerCall, "DOPILOT_MAX_TOKENS_PER_CALL")
	setInt(&rc.MaxCoderIterations, "DOPILOT_MAX_CODER_ITERATIONS")
	setInt(&rc.MaxFixIterations, "DOPILOT_MAX_FIX_ITERATIONS")
	setInt(&rc.RetryAttempts, "DOPILOT_RETRY_ATTEMPTS")
	setInt(&rc.SpecCharCeiling, "DOPILOT_SPEC_CHAR_CEILING")

	setDuration(&rc.RetryBaseDelay, "DOPILOT_RETRY_BASE_DELAY")
	setDuration(&rc.RetryMaxDelay, "DOPILOT_RETRY_MAX_DELAY")
	setDuration(&rc.CallTimeout, "DOPILOT_CALL_TIMEOUT")
	setDuration(&rc.AcquireTimeout, "DOPILOT_ACQUIRE_TIMEOUT")

	if v := os.Getenv("DOPILOT_FIX_EXHAUSTION_POLICY"); v != "" {
		rc.FixExhaustionPolicy = FixExhaustionPolicy(strings.ToLower(v))
	}

	// Fall back to the provider's conventional key variable.
	if rc.APIKey == "" {
		rc.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

// Validate checks invariants the engine depends on.
func (rc RunContext) Validate() error {
	if rc.MaxCoderIterations < 1 {
		return fmt.Errorf("max_coder_iterations must be at least 1, got %d", rc.MaxCoderIterations)
	}
	if rc.MaxFixIterations < 0 {
		return fmt.Errorf("max_fix_iterations must not be negative, got %d", rc.MaxFixIterations)
	}
	if rc.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1, got %d", rc.RetryAttempts)
	}
	switch rc.FixExhaustionPolicy {
	case FixPolicyFail, FixPolicyProceed:
	default:
		return fmt.Errorf("fix_exhaustion_policy must be %q or %q, got %q",
			FixPolicyFail, FixPolicyProceed, rc.FixExhaustionPolicy)
	}
	return nil
}

func setString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setInt(target *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*target = parsed
}

func setDuration(target *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return
	}
	*target = parsed
}
