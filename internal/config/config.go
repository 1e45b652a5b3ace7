// Package config holds the mission core's own tunables — autonomy
// budgets, verify policy defaults, the model window registry, and
// checkpoint/evidence storage paths. It does not parse CLI flags or
// discover config files; that remains the embedding host's job. A host
// that wants file/env loading can still point viper at this struct, as
// shown in Load.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for one mission core instance.
type Config struct {
	Autonomy   AutonomyConfig   `mapstructure:"autonomy"`
	Verify     VerifyConfig     `mapstructure:"verify"`
	Models     ModelsConfig     `mapstructure:"models"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Compaction CompactionConfig `mapstructure:"compaction"`
}

// AutonomyConfig carries the default budgets for the A1 controller.
type AutonomyConfig struct {
	MaxIterations int           `mapstructure:"maxIterations"`
	MaxWallTime   time.Duration `mapstructure:"maxWallTime"`
	MaxToolCalls  int           `mapstructure:"maxToolCalls"`
}

// VerifyConfig carries defaults for the verify phase's policy.
type VerifyConfig struct {
	Mode            string        `mapstructure:"mode"` // off, prompt, auto
	MaxOutputBytes  int           `mapstructure:"maxOutputBytes"`
	ChunkThrottle   time.Duration `mapstructure:"chunkThrottle"`
	CommandTimeout  time.Duration `mapstructure:"commandTimeout"`
	Sandbox         bool          `mapstructure:"sandbox"` // copied into verify.Policy.Sandbox, which RunVerify does not read
	SandboxImage    string        `mapstructure:"sandboxImage"`
}

// ModelWindow describes a single model's context window and reserved
// output budget, keyed by canonical model id in ModelsConfig.Windows.
type ModelWindow struct {
	Window         int `mapstructure:"window"`
	ReservedOutput int `mapstructure:"reservedOutput"`
}

// ModelsConfig carries the alias-resolution table and per-model window
// registry used by context-fit validation.
type ModelsConfig struct {
	Aliases        map[string]string     `mapstructure:"aliases"`
	DefaultModel   string                `mapstructure:"defaultModel"`
	Windows        map[string]ModelWindow `mapstructure:"windows"`
	DefaultWindow  int                   `mapstructure:"defaultWindow"`
	DefaultReserve int                   `mapstructure:"defaultReserve"`
}

// StorageConfig carries on-disk paths for durable artifacts.
type StorageConfig struct {
	EventLogPath      string `mapstructure:"eventLogPath"`
	CheckpointDir     string `mapstructure:"checkpointDir"`
	EvidenceDir       string `mapstructure:"evidenceDir"`
	WorkspaceRoot     string `mapstructure:"workspaceRoot"`
}

// LoggingConfig mirrors obslog.Config's shape for mapstructure binding.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// CompactionConfig carries the conversation-compaction thresholds.
type CompactionConfig struct {
	// TriggerRatio is the fraction of the model window at which
	// maybe_compact considers compaction (spec default: 0.75).
	TriggerRatio float64 `mapstructure:"triggerRatio"`
	// TailMessages is how many most-recent messages are kept verbatim.
	TailMessages int `mapstructure:"tailMessages"`
	// LLMSummaryThreshold is the compaction count at/after which an LLM
	// summary replaces the heuristic extractor, if a client is supplied.
	LLMSummaryThreshold int `mapstructure:"llmSummaryThreshold"`
}

// Default returns the mission core's built-in defaults.
func Default() Config {
	return Config{
		Autonomy: AutonomyConfig{
			MaxIterations: 10,
			MaxWallTime:   30 * time.Minute,
			MaxToolCalls:  200,
		},
		Verify: VerifyConfig{
			Mode:           "prompt",
			MaxOutputBytes: 64 * 1024,
			ChunkThrottle:  200 * time.Millisecond,
			CommandTimeout: 5 * time.Minute,
			Sandbox:        false,
			SandboxImage:   "kandev/verify-runner:latest",
		},
		Models: ModelsConfig{
			Aliases: map[string]string{
				"haiku":  "claude-haiku-4-5-20251001",
				"sonnet": "claude-sonnet-4-20250514",
				"opus":   "claude-opus-4-20250514",
			},
			DefaultModel: "claude-sonnet-4-20250514",
			Windows: map[string]ModelWindow{
				"claude-haiku-4-5-20251001": {Window: 200000, ReservedOutput: 8192},
				"claude-sonnet-4-20250514":  {Window: 200000, ReservedOutput: 8192},
				"claude-opus-4-20250514":    {Window: 200000, ReservedOutput: 8192},
			},
			DefaultWindow:  200000,
			DefaultReserve: 8192,
		},
		Storage: StorageConfig{
			EventLogPath:  "./.missioncore/events.jsonl",
			CheckpointDir: "./.missioncore/checkpoints",
			EvidenceDir:   "./.missioncore/evidence",
			WorkspaceRoot: ".",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stdout",
		},
		Compaction: CompactionConfig{
			TriggerRatio:        0.75,
			TailMessages:        6,
			LLMSummaryThreshold: 3,
		},
	}
}

// Load reads the config file at path on top of Default, using viper
// the way the rest of the pack's CLIs do; with AutomaticEnv enabled,
// MISSIONCORE_-prefixed environment variables can override keys the
// file sets. path may be empty, in which case Default is returned
// unchanged and no environment variable is read.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("MISSIONCORE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("config: unmarshal %s: %w", path, err)
		}
	}

	return cfg, nil
}
