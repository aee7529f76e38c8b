package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/duetorch/duet/internal/askloop"
	"github.com/duetorch/duet/internal/config"
	"github.com/duetorch/duet/internal/hub"
	"github.com/duetorch/duet/internal/janitor"
	"github.com/duetorch/duet/internal/notify"
	"github.com/duetorch/duet/internal/observer"
	"github.com/duetorch/duet/internal/orchestrator"
	"github.com/duetorch/duet/internal/prompts"
	"github.com/duetorch/duet/internal/store"
	"github.com/duetorch/duet/web/api"
)

var servePort int

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon and HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override configured port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Web.Port = servePort
	}
	if adminToken != "" {
		cfg.Web.AdminToken = adminToken
	}

	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return err
	}
	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	loader := prompts.NewLoader()
	notifier := buildNotifier(cfg)
	h := hub.New(st)

	sched := orchestrator.New(st, h, loader, notifier, orchestrator.Options{
		ArtifactDir:        cfg.General.ArtifactDir,
		MaxConcurrent:      cfg.Runs.MaxConcurrent,
		DefaultMaxTurns:    cfg.Runs.DefaultMaxTurns,
		DefaultTurnTimeout: cfg.Runs.TurnTimeout(),
	})

	ask := askloop.New(st, h, loader, notifier, askloop.Options{
		ArtifactDir: cfg.General.ArtifactDir,
	})
	defer ask.Close()

	jan, err := janitor.New(st, cfg.Janitor.Cron, cfg.Janitor.RetentionDays)
	if err != nil {
		return err
	}
	if swept, err := jan.SweepStale(); err != nil {
		return fmt.Errorf("sweeping stale runs: %w", err)
	} else if swept > 0 {
		fmt.Printf("Failed %d orphaned run(s) from a previous process\n", swept)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jan.Start(ctx)

	watcher, err := observer.New(sched.NoteDocChange)
	if err != nil {
		return err
	}
	defer watcher.Stop()
	if workspaces, err := st.ListWorkspaces(); err == nil {
		for _, ws := range workspaces {
			watcher.AddWorkspace(ws)
		}
	}
	watcher.Start(ctx)

	srv := api.NewServer(st, sched, h, ask, cfg.Web)
	fmt.Printf("Listening on %s:%d\n", cfg.Web.Host, cfg.Web.Port)
	serveErr := srv.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sched.Shutdown(shutdownCtx)
	return serveErr
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	ttl := time.Duration(cfg.Notifications.DedupSeconds) * time.Second
	return notify.NewDeduper(notify.NewMultiNotifier(notifiers...), ttl)
}
