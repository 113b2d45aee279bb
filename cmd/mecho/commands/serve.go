package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mecho-run/mecho/pkg/mecho/config"
	"github.com/mecho-run/mecho/pkg/mecho/heartbeat"
	"github.com/mecho-run/mecho/pkg/mecho/lock"
	"github.com/mecho-run/mecho/pkg/mecho/memoryclient"
	"github.com/mecho-run/mecho/pkg/mecho/paths"
	"github.com/mecho-run/mecho/pkg/mecho/queue"
	"github.com/mecho-run/mecho/pkg/mecho/reply"
	"github.com/mecho-run/mecho/pkg/mecho/restart"
	"github.com/mecho-run/mecho/pkg/mecho/runner"
	"github.com/mecho-run/mecho/pkg/mecho/scheduler"
	"github.com/mecho-run/mecho/pkg/mecho/session"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator, connecting to Discord and dispatching turns",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg.Log, verbose)

	layout := paths.New(cfg.DataDir)
	if err := layout.EnsureDirs(); err != nil {
		return fmt.Errorf("creating data directories: %w", err)
	}

	inst, err := lock.Acquire(layout.LockFile())
	if err != nil {
		return fmt.Errorf("another mecho instance is already running: %w", err)
	}
	defer inst.Release()

	sessions, err := session.Open(layout.SessionsDB(), logger)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer sessions.Close()

	discordSession, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("creating discord session: %w", err)
	}
	discordSession.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	restartMgr := restart.New(restart.Config{
		PendingFile:       layout.RestartPendingFile(),
		RestartCommand:    cfg.Restart.Command,
		MaxPendingMinutes: cfg.Restart.MaxPendingMinutes,
		Logger:            logger,
	})

	memClient := memoryclient.New(memoryclient.Config{
		BaseURL: cfg.Memory.BaseURL, Enabled: cfg.Memory.Enabled, Timeout: cfg.Memory.Timeout,
	}, logger)

	runners := map[string]runner.Runner{
		"primary":   runner.NewPrimary(resolveCommand(cfg.Engines.Primary.Command, "claude"), logger),
		"secondary": runner.NewSecondary(resolveCommand(cfg.Engines.Secondary.Command, "codex"), logger),
	}

	queueMgr := queue.New(queue.Dependencies{
		Runners:                  runners,
		Sessions:                 sessions,
		Memory:                   memClient,
		Sender:                   discordSession,
		TurnWorkRoot:             layout.TurnWorkRoot(),
		SharedInputDir:           cfg.Queue.SharedInputDir,
		MaxConcurrentRuns:        cfg.Queue.MaxConcurrentRuns,
		MaxQueueSize:             cfg.Queue.MaxQueueSize,
		Logger:                   logger,
		Restart:                  restartMgr,
		RunTimeout:               cfg.Queue.RunTimeout,
		RotationThreshold:        cfg.Queue.RotationThreshold,
		RestartDirectiveFilename: ".mecho-restart.json",
		SummarizationTimeout:     cfg.Queue.SummarizationTimeout,
		DefaultMaxTurns:          cfg.Engines.DefaultMaxTurns,
	})
	defer queueMgr.Shutdown()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warn("unknown timezone, falling back to UTC", "timezone", cfg.Timezone, "error", err)
		loc = time.UTC
	}

	resolveChannel := func(channelID string) (reply.Target, bool) {
		if channelID == "" {
			return reply.Target{}, false
		}
		return reply.ForChannel(channelID), true
	}

	sched := scheduler.New(scheduler.Config{
		Location: loc,
		Logger:   logger,
		Enqueue: func(t any) (int, error) {
			task, ok := t.(*queue.Task)
			if !ok {
				return 0, fmt.Errorf("scheduler: unexpected task type %T", t)
			}
			return queueMgr.Enqueue(task)
		},
		Build: func(s scheduler.Schedule) any {
			target, ok := resolveChannel(s.Channel)
			task := &queue.Task{
				TaskKey:     "schedule:" + s.Key,
				Engine:      "primary",
				Prompt:      s.Prompt,
				MechoModeID: s.ModeID,
				ModeName:    s.ModeName,
				CreatedAt:   time.Now().UTC(),
			}
			if ok {
				task.RespondTo = &target
			}
			return task
		},
	})
	if cfg.Scheduler.Enabled {
		schedules, err := scheduler.LoadMerged(cfg.Scheduler.RootFile, cfg.Scheduler.ModeFiles)
		if err != nil {
			logger.Warn("loading schedules failed, scheduler disabled", "error", err)
		} else if err := sched.SetSchedules(schedules); err != nil {
			logger.Warn("parsing schedules failed, scheduler disabled", "error", err)
		}
	}

	hb := heartbeat.New(heartbeat.Config{
		Enabled:         cfg.Heartbeat.Enabled,
		Interval:        cfg.Heartbeat.Interval,
		ActiveStartHour: cfg.Heartbeat.ActiveStartHour,
		ActiveEndHour:   cfg.Heartbeat.ActiveEndHour,
		Channel:         cfg.Heartbeat.Channel,
		ChecklistPath:   cfg.Heartbeat.ChecklistPath,
		OKToken:         cfg.Heartbeat.OKToken,
		DedupWindow:     cfg.Heartbeat.DedupWindow,
		Location:        loc,
	}, queueMgr, discordSession, resolveChannel, logger)

	discordSession.AddHandler(newMessageHandler(queueMgr, sessions, cfg, logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := discordSession.Open(); err != nil {
		return fmt.Errorf("opening discord gateway: %w", err)
	}
	defer discordSession.Close()
	logger.Info("discord gateway connected")

	restartMgr.Reconcile(ctx, discordSession, resolveChannel, queueMgr)

	go sched.Run(ctx)
	hb.Start(ctx)
	defer hb.Stop()

	logger.Info("mecho running", "data_dir", cfg.DataDir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-queueMgr.RestartDrained():
		logger.Info("restart drained, exiting for external respawn")
	}

	sched.Stop()
	return nil
}

func resolveCommand(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

func newLogger(cfg config.LogConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose || cfg.Level == "debug" {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
