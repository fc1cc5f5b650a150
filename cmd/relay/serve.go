package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/sjoeboo/relay/internal/agent"
	"github.com/sjoeboo/relay/internal/bridge"
	"github.com/sjoeboo/relay/internal/chat"
	"github.com/sjoeboo/relay/internal/command"
	"github.com/sjoeboo/relay/internal/config"
	"github.com/sjoeboo/relay/internal/format"
	"github.com/sjoeboo/relay/internal/gateway"
	"github.com/sjoeboo/relay/internal/logging"
	"github.com/sjoeboo/relay/internal/session"
	"github.com/sjoeboo/relay/internal/store"
)

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println("Usage: relay serve [options]")
		fmt.Println()
		fmt.Println("Run the bridge: receive chat events, run the agent, reply with results.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	cfg := loadConfig(fs, args)

	logging.Init(logging.Config{
		Dir:     cfg.Log.Dir,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Console: cfg.Log.Console,
	})
	defer logging.Shutdown()

	if err := serve(cfg); err != nil {
		logging.Logger().Error("serve_failed", slog.String("error", err.Error()))
		fmt.Printf("Error: %v\n", err)
		logging.Shutdown()
		os.Exit(1)
	}
}

// openArchive returns the configured archive of finished tasks and a close
// function.
func openArchive(cfg *config.Config) (agent.Archive, func(), error) {
	if cfg.Store.Driver != "sqlite" {
		return agent.NewMemoryArchive(cfg.Store.Capacity), func() {}, nil
	}
	db, err := store.OpenSQLite(cfg.Store.DSN, cfg.Store.Capacity)
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = db.Close() }, nil
}

func serve(cfg *config.Config) error {
	log := logging.Logger()
	if cfg.Gateway.Listen == "" && cfg.Chat.StreamURL == "" {
		return fmt.Errorf("no inbound source: set gateway.listen or chat.stream_url")
	}
	if cfg.Chat.APIBase == "" {
		return fmt.Errorf("chat.api_base is required")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	archive, closeArchive, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer closeArchive()

	exec := agent.NewExecutor(executorConfig(cfg),
		agent.WithArchive(archive),
		agent.WithMetrics(agent.NewMetrics(reg)))
	defer exec.Close()

	notify, ok := agent.ParseResponseMode(cfg.Notify.DefaultMode)
	if !ok {
		notify = agent.ModeNormal
	}
	sessions := session.NewRegistry(session.Defaults{
		Model:           cfg.Agent.Model,
		NotifyMode:      notify,
		ExecuteFirst:    cfg.Session.ExecuteFirst,
		HistorySize:     cfg.Session.HistorySize,
		MaxPendingFiles: cfg.Session.MaxPendingFiles,
	})

	b := bridge.New(bridge.Options{
		Workdir:               cfg.Agent.Workdir,
		UploadDir:             cfg.Chat.UploadDir,
		CrashDir:              cfg.Log.Dir,
		DefaultModel:          cfg.Agent.Model,
		AutoDetectModel:       cfg.Agent.AutoDetectModel,
		ClassifyEnabled:       cfg.Agent.ClassifyEnabled,
		ClassifyMinConfidence: cfg.Agent.ClassifyMinConfidence,
		ProgressInterval:      cfg.Notify.ProgressInterval.Duration,
		DebugInterval:         cfg.Notify.DebugInterval.Duration,
		ProgressLines:         cfg.Notify.ProgressLines,
		Format: format.Options{
			CardEnabled:     cfg.Chat.CardEnabled,
			MaxMessageChars: cfg.Chat.MaxMessageChars,
			CardDetailChars: cfg.Chat.CardDetailChars,
		},
	},
		command.NewParser(command.Options{RequireMention: cfg.Chat.RequireMention}),
		exec,
		sessions,
		chat.NewHTTPClient(cfg.Chat.APIBase, cfg.Chat.Token, nil),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	b.Start(ctx)

	log.Info("relay_started",
		slog.String("version", Version),
		slog.String("agent", cfg.Agent.Command),
		slog.String("workdir", cfg.Agent.Workdir),
		slog.Int("max_concurrent", cfg.Agent.MaxConcurrent),
		slog.String("store", cfg.Store.Driver))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Gateway.Listen != "" {
		srv := gateway.New(gateway.Options{
			Addr:      cfg.Gateway.Listen,
			Token:     cfg.Gateway.Token,
			JWTSecret: cfg.Gateway.JWTSecret,
			Gatherer:  reg,
		}, b.HandleEvent)
		g.Go(func() error { return srv.Start(gctx) })
	}
	if cfg.Chat.StreamURL != "" {
		l := chat.NewListener(cfg.Chat.StreamURL, cfg.Chat.Token, func(ctx context.Context, ev chat.InboundEvent) {
			go b.HandleEvent(ctx, ev)
		})
		g.Go(func() error { return l.Run(gctx) })
	}

	err = g.Wait()
	log.Info("relay_stopping", slog.Int("pending_tasks", b.Pending()))
	return err
}
