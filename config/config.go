package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/dario-valles/ralph-swarm/log"
)

const ConfigFileName = "config.json"

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".ralph-swarm"), nil
}

// ResourceLimits holds the ceiling values a scheduler session enforces on its
// agent pool. Immutable for the lifetime of a session. Violations of per-agent
// CPU/memory limits are advisory; only MaxRuntime breaches are fatal.
type ResourceLimits struct {
	// MaxAgents is the maximum number of concurrently running agents.
	MaxAgents int `json:"max_agents"`
	// MaxCPUPercent is the per-agent CPU ceiling (100 = one full core).
	MaxCPUPercent float64 `json:"max_cpu_percent"`
	// MaxMemoryMB is the per-agent resident memory ceiling in megabytes.
	MaxMemoryMB float64 `json:"max_memory_mb"`
	// MaxTotalCPUPercent is the aggregate CPU ceiling across all agents.
	MaxTotalCPUPercent float64 `json:"max_total_cpu_percent"`
	// MaxTotalMemoryMB is the aggregate memory ceiling across all agents.
	MaxTotalMemoryMB float64 `json:"max_total_memory_mb"`
	// MaxRuntime is the wall-clock ceiling per agent. Zero means unlimited.
	MaxRuntime time.Duration `json:"max_runtime_ns"`
}

// Config represents the application configuration
type Config struct {
	// DefaultProgram is the default agent program to run in new worktrees.
	DefaultProgram string `json:"default_program"`
	// DefaultModel is the model identifier passed to the agent program.
	DefaultModel string `json:"default_model"`
	// Strategy is the default scheduling strategy name.
	Strategy string `json:"strategy"`
	// MaxParallel is the scheduler's parallelism bound. It may be lower than
	// Limits.MaxAgents but never higher.
	MaxParallel int `json:"max_parallel"`
	// MaxRetries is the number of times a failed task is rescheduled before it
	// is marked permanently failed.
	MaxRetries int `json:"max_retries"`
	// BranchPrefix is prepended to every agent branch name.
	BranchPrefix string `json:"branch_prefix"`
	// TargetBranch is the branch completed work is merged into.
	TargetBranch string `json:"target_branch"`
	// CleanupBranches deletes agent branches after a successful merge.
	CleanupBranches bool `json:"cleanup_branches"`
	// CleanupWorktrees removes agent worktrees after a successful merge.
	CleanupWorktrees bool `json:"cleanup_worktrees"`
	// AIResolution enables AI-assisted conflict resolution.
	AIResolution bool `json:"ai_resolution"`
	// ResolutionTimeout bounds a single AI conflict resolution call.
	ResolutionTimeout time.Duration `json:"resolution_timeout_ns"`
	// Limits are the resource ceilings for agent processes.
	Limits ResourceLimits `json:"limits"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultProgram:    "claude",
		DefaultModel:      "",
		Strategy:          "dependency_first",
		MaxParallel:       4,
		MaxRetries:        2,
		BranchPrefix:      "swarm/",
		TargetBranch:      "main",
		CleanupBranches:   true,
		CleanupWorktrees:  true,
		AIResolution:      false,
		ResolutionTimeout: 2 * time.Minute,
		Limits: ResourceLimits{
			MaxAgents:          4,
			MaxCPUPercent:      200,
			MaxMemoryMB:        4096,
			MaxTotalCPUPercent: 600,
			MaxTotalMemoryMB:   12288,
			MaxRuntime:         30 * time.Minute,
		},
	}
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return applyEnvOverrides(DefaultConfig())
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := saveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return applyEnvOverrides(defaultCfg)
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return applyEnvOverrides(DefaultConfig())
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return applyEnvOverrides(DefaultConfig())
	}

	return applyEnvOverrides(&config)
}

// applyEnvOverrides loads a .env file if present and applies SWARM_* variables
// on top of the file-based configuration.
func applyEnvOverrides(cfg *Config) *Config {
	// Not an error when missing; env vars may still be set in the environment.
	_ = godotenv.Load()

	if v := os.Getenv("SWARM_PROGRAM"); v != "" {
		cfg.DefaultProgram = v
	}
	if v := os.Getenv("SWARM_MODEL"); v != "" {
		cfg.DefaultModel = v
	}
	if v := os.Getenv("SWARM_STRATEGY"); v != "" {
		cfg.Strategy = v
	}
	if v := os.Getenv("SWARM_TARGET_BRANCH"); v != "" {
		cfg.TargetBranch = v
	}
	if v := os.Getenv("SWARM_BRANCH_PREFIX"); v != "" {
		cfg.BranchPrefix = v
	}
	if v := os.Getenv("SWARM_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxParallel = n
		} else {
			log.WarningLog.Printf("ignoring invalid SWARM_MAX_PARALLEL=%q", v)
		}
	}
	if v := os.Getenv("SWARM_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Limits.MaxAgents = n
		} else {
			log.WarningLog.Printf("ignoring invalid SWARM_MAX_AGENTS=%q", v)
		}
	}
	if v := os.Getenv("SWARM_AI_RESOLUTION"); v != "" {
		cfg.AIResolution = v == "true" || v == "1"
	}
	return cfg
}

// saveConfig saves the configuration to disk
func saveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// SaveConfig exports the saveConfig function for use by other packages
func SaveConfig(config *Config) error {
	return saveConfig(config)
}
