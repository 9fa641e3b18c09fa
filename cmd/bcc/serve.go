package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/sns45/better-call-claude/internal/bridge"
	"github.com/sns45/better-call-claude/internal/chat"
	"github.com/sns45/better-call-claude/internal/config"
	"github.com/sns45/better-call-claude/internal/convo"
	"github.com/sns45/better-call-claude/internal/db"
	"github.com/sns45/better-call-claude/internal/gateway"
	"github.com/sns45/better-call-claude/internal/httpapi"
	"github.com/sns45/better-call-claude/internal/models"
	"github.com/sns45/better-call-claude/internal/notify"
	"github.com/sns45/better-call-claude/internal/worker"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := os.Stdout

	gdb, err := openDiagnosticsDB(cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb); err != nil {
		return err
	}

	notifiers, err := buildNotifiers(cfg)
	if err != nil {
		return err
	}

	registry := convo.NewRegistry(convo.RegistryOpts{
		Out:     out,
		OnEnded: recordCall(gdb),
	})

	spawner := &worker.ClaudeSpawner{
		Binary:       cfg.Worker.Binary,
		SystemPrompt: cfg.Worker.SystemPrompt,
		Logs:         worker.NewLogWriter(ctx, gdb),
	}
	manager, err := worker.NewManager(worker.ManagerOpts{
		Spawner: spawner,
		Out:     out,
		OnTerminal: func(taskID string, status worker.Status, detail string) {
			notifiers.TaskTerminal(context.Background(), taskID, status, detail)
		},
	})
	if err != nil {
		return err
	}

	var chatQueue *chat.Queue
	if cfg.Chat.Enabled {
		chatQueue, err = chat.NewQueue(chat.QueueOpts{
			Workers:    manager,
			Channel:    convo.Channel(cfg.Chat.Channel),
			Address:    cfg.Chat.Address,
			WorkDir:    cfg.Worker.WorkDir,
			BaseURL:    cfg.Gateway.BaseURL,
			HistoryMax: cfg.Chat.HistoryMax,
			Out:        out,
		})
		if err != nil {
			return err
		}
	}

	if cfg.Gateway.RemoteURL == "" {
		return fmt.Errorf("serve: gateway.remote_url is required")
	}
	gw, err := gateway.NewHTTPGateway(cfg.Gateway.RemoteURL)
	if err != nil {
		return err
	}

	br, err := bridge.New(bridge.Opts{
		Registry: registry,
		Workers:  manager,
		Chat:     chatQueue,
		Gateway:  gw,
		WorkDir:  cfg.Worker.WorkDir,
		BaseURL:  cfg.Gateway.BaseURL,
		Out:      out,
	})
	if err != nil {
		return err
	}

	go runReapLoop(ctx, cfg, registry, manager)

	err = httpapi.Start(ctx, httpapi.StartOpts{
		Bridge: br,
		Port:   cfg.Server.Port,
		Out:    out,
	})

	manager.KillAll()
	fmt.Fprintf(out, "bcc stopped\n")
	return err
}

func openDiagnosticsDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.DB.Driver == "mysql" {
		return db.ConnectMySQL(cfg.DB.Host, cfg.DB.Port, cfg.DB.Database)
	}
	return db.ConnectSQLite(cfg.DB.Path)
}

func buildNotifiers(cfg *config.Config) (*notify.Fanout, error) {
	var list []notify.Notifier
	if cfg.Notify.Discord.Enabled {
		d, err := notify.NewDiscord(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.ChannelID)
		if err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	if cfg.Notify.Slack.Enabled {
		s, err := notify.NewSlack(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.ChannelID)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return notify.NewFanout(list...), nil
}

// recordCall writes the audit row for an ended conversation. Best-effort:
// a failed write is logged and dropped.
func recordCall(gdb *gorm.DB) func(convo.Conversation) {
	return func(c convo.Conversation) {
		endedAt := time.Now()
		if c.EndedAt != nil {
			endedAt = *c.EndedAt
		}
		row := models.CallRecord{
			ConversationID: c.ID,
			Channel:        string(c.Channel),
			Direction:      string(c.Direction),
			Counterpart:    c.From,
			MessageCount:   len(c.Messages),
			StartedAt:      c.StartedAt,
			EndedAt:        endedAt,
		}
		if err := gdb.Create(&row).Error; err != nil {
			log.Printf("serve: record call %s: %v", c.ID, err)
		}
	}
}

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// runReapLoop periodically reaps stale worker executions and sweeps ended
// conversations. The cadence comes from worker.reap_cron when set, falling
// back to a one-minute interval.
func runReapLoop(ctx context.Context, cfg *config.Config, registry *convo.Registry, manager *worker.Manager) {
	maxIdle := time.Duration(cfg.Worker.MaxIdleMin) * time.Minute
	maxRunning := time.Duration(cfg.Worker.MaxRunningMin) * time.Minute

	for {
		wait := time.Minute
		if cfg.Worker.ReapCron != "" {
			if d := nextCronDuration(cfg.Worker.ReapCron); d > 0 {
				wait = d
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			killed, removed := manager.Reap(maxIdle, maxRunning)
			swept := registry.Sweep(maxIdle)
			if killed > 0 || removed > 0 || swept > 0 {
				log.Printf("serve: reap: %d zombie(s) killed, %d execution(s) removed, %d conversation(s) swept",
					killed, removed, swept)
			}
		}
	}
}
