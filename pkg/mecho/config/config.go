// Package config defines the configuration structures for both mecho
// binaries (the Discord-fronted orchestrator and the memory service) and
// the YAML+env loading used to populate them.
package config

import (
	"time"
)

// Config holds all orchestrator (cmd/mecho) configuration.
type Config struct {
	// DataDir is the root of the orchestrator's on-disk state (sessions db,
	// turn workspaces, override files, restart-pending file, lock file).
	DataDir string `yaml:"data_dir"`

	// Discord configures the gateway connection.
	Discord DiscordConfig `yaml:"discord"`

	// Engines configures the subprocess runners available to the queue.
	Engines EnginesConfig `yaml:"engines"`

	// Queue configures the Queue Manager.
	Queue QueueConfig `yaml:"queue"`

	// Memory configures the Memory Client (this process talks to mechosvc).
	Memory MemoryClientConfig `yaml:"memory"`

	// Scheduler configures cron-driven proactive turns.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Heartbeat configures the periodic proactive-turn system.
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	// Restart configures the self-restart mechanism.
	Restart RestartConfig `yaml:"restart"`

	// Timezone is the fixed zone schedules and the heartbeat are evaluated
	// in (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`
}

// DiscordConfig configures the bot's gateway session.
type DiscordConfig struct {
	Token          string   `yaml:"token"`
	GuildID        string   `yaml:"guild_id"`
	AllowedUserIDs []string `yaml:"allowed_user_ids"`
}

// EngineConfig configures one subprocess-runner variant.
type EngineConfig struct {
	// Command is the binary invoked for this engine (e.g. "claude", "codex").
	Command string `yaml:"command"`
	// Args is parsed from the config file; the runners do not pass it to
	// the command.
	Args []string `yaml:"args"`
	// DefaultModel is parsed from the config file; tasks that name no model
	// are run without one, not with this value.
	DefaultModel string `yaml:"default_model"`
}

// EnginesConfig configures the primary (max-turns-capable, stream-json)
// and secondary (resume-subcommand) runner variants.
type EnginesConfig struct {
	Primary   EngineConfig `yaml:"primary"`
	Secondary EngineConfig `yaml:"secondary"`
	// DefaultMaxTurns is the turn cap applied to primary-engine tasks that
	// don't specify their own.
	DefaultMaxTurns int `yaml:"default_max_turns"`
}

// QueueConfig configures the Queue Manager's concurrency and timeouts.
type QueueConfig struct {
	MaxConcurrentRuns    int           `yaml:"max_concurrent_runs"`
	MaxQueueSize         int           `yaml:"max_queue_size"`
	RunTimeout           time.Duration `yaml:"run_timeout"`
	SummarizationTimeout time.Duration `yaml:"summarization_timeout"`
	RotationThreshold    float64       `yaml:"rotation_threshold"`
	SharedInputDir       string        `yaml:"shared_input_dir"`
}

// MemoryClientConfig configures the HTTP client talking to mechosvc.
type MemoryClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

// SchedulerConfig configures the cron-driven proactive-turn system.
type SchedulerConfig struct {
	Enabled        bool     `yaml:"enabled"`
	RootFile       string   `yaml:"root_file"`
	ModeFiles      []string `yaml:"mode_files"`
}

// HeartbeatConfig configures the periodic proactive-turn system.
type HeartbeatConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	ActiveStartHour int           `yaml:"active_start_hour"`
	ActiveEndHour   int           `yaml:"active_end_hour"`
	Channel         string        `yaml:"channel"`
	ChecklistPath   string        `yaml:"checklist_path"`
	OKToken         string        `yaml:"ok_token"`
	DedupWindow     time.Duration `yaml:"dedup_window"`
}

// RestartConfig configures the self-restart mechanism.
type RestartConfig struct {
	Command           []string `yaml:"command"`
	MaxPendingMinutes int      `yaml:"max_pending_minutes"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the orchestrator's baseline configuration, overlaid
// by whatever a config file and environment supply.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		Engines: EnginesConfig{
			DefaultMaxTurns: 20,
		},
		Queue: QueueConfig{
			MaxConcurrentRuns:    4,
			MaxQueueSize:         200,
			RunTimeout:           10 * time.Minute,
			SummarizationTimeout: 60 * time.Second,
			RotationThreshold:    0.8,
		},
		Memory: MemoryClientConfig{
			Enabled: true,
			Timeout: 15 * time.Second,
		},
		Scheduler: SchedulerConfig{
			RootFile: "./data/schedules.json",
		},
		Heartbeat: HeartbeatConfig{
			Interval:        30 * time.Minute,
			ActiveStartHour: 9,
			ActiveEndHour:   22,
			OKToken:         "OK-token",
			DedupWindow:     24 * time.Hour,
		},
		Restart: RestartConfig{
			MaxPendingMinutes: 30,
		},
		Timezone: "UTC",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
