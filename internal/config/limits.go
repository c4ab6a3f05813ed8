package config

import "fmt"

// EngineConfig enforces automation engine limits.
type EngineConfig struct {
	TickInterval        string `yaml:"tick_interval"`          // cron tick period
	MaxConcurrentLLM    int    `yaml:"max_concurrent_llm"`     // global LLM semaphore permits
	PerAutomationPerMin int    `yaml:"per_automation_per_min"` // sliding window grant cap
	PerDomainPerHour    int    `yaml:"per_domain_per_hour"`
	GlobalPerHour       int    `yaml:"global_per_hour"`
	CooldownMinutes     int    `yaml:"cooldown_minutes"`     // cooldown after rate_limited
	FailureStreakLimit  int    `yaml:"failure_streak_limit"` // auto-disable threshold
	RetentionDays       int    `yaml:"retention_days"`
	RetentionMaxRuns    int    `yaml:"retention_max_runs"` // newest runs kept per automation
	CatchUpWindowDays   int    `yaml:"catch_up_window_days"`
}

// ChatConfig enforces chat tool-loop budgets.
type ChatConfig struct {
	MaxToolRounds      int `yaml:"max_tool_rounds"`
	MaxCallsPerRound   int `yaml:"max_calls_per_round"`
	MaxToolResultBytes int `yaml:"max_tool_result_bytes"`
	MaxTranscriptBytes int `yaml:"max_transcript_bytes"`
	ContextTokenBudget int `yaml:"context_token_budget"` // KB context packing budget
}

// ValidateEngineLimits checks that engine limits are within acceptable ranges.
func (c *Config) ValidateEngineLimits() error {
	if c.Engine.MaxConcurrentLLM < 1 {
		return fmt.Errorf("max_concurrent_llm must be >= 1")
	}
	if c.Engine.PerAutomationPerMin < 1 {
		return fmt.Errorf("per_automation_per_min must be >= 1")
	}
	if c.Engine.FailureStreakLimit < 1 {
		return fmt.Errorf("failure_streak_limit must be >= 1")
	}
	if c.Engine.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be >= 1")
	}
	if c.Engine.RetentionMaxRuns < 1 {
		return fmt.Errorf("retention_max_runs must be >= 1")
	}
	if c.Chat.MaxToolRounds < 1 {
		return fmt.Errorf("max_tool_rounds must be >= 1")
	}
	if c.Chat.MaxCallsPerRound < 1 {
		return fmt.Errorf("max_calls_per_round must be >= 1")
	}
	return nil
}
