// newsguard ingests financial headlines, matches them against watched
// entities and pushes severity-graded alerts to a chat webhook.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"newsguard/internal/api"
	"newsguard/internal/config"
	"newsguard/internal/dispatch"
	"newsguard/internal/entity"
	"newsguard/internal/ingest"
	"newsguard/internal/logging"
	"newsguard/internal/model"
	"newsguard/internal/pipeline"
	"newsguard/internal/storage"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		logLevel     string
		testDispatch string
		showVersion  bool
	)
	flagSet := pflag.NewFlagSet("newsguard", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "newsguard.yaml", "path to YAML or JSON config file")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides log_level)")
	flagSet.StringVar(&testDispatch, "test-dispatch", "", "send one test card of the given severity and exit")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println("newsguard", version)
		return nil
	}

	manager, err := config.NewManager(config.ResolvePath(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := manager.Get()
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	logger := logging.NewLogger(logLevel)

	dispatcher, err := dispatch.New(cfg.Dispatch, logger)
	if err != nil {
		return err
	}
	if testDispatch != "" {
		return sendTest(dispatcher, model.Severity(testDispatch))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	registry := entity.NewRegistry(store)
	if err := registry.Load(ctx, cfg.Entities); err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	if err := registry.SetTerms(admissionTerms(cfg)); err != nil {
		return fmt.Errorf("admission keywords: %w", err)
	}

	p := pipeline.New(cfg, pipeline.Components{
		Store:      store,
		Registry:   registry,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if !dispatcher.Configured() {
		logger.Warn("dispatch webhook not configured; alerts will be recorded as failed")
	}
	logger.Info("newsguard starting",
		"version", version,
		"config", manager.Path(),
		"storage", cfg.Storage.Driver,
		"entities", len(registry.List()),
	)

	items := make(chan model.Item, cfg.Ingest.ChannelBuffer)
	parser := ingest.NewParser()

	ingest.StartREST(ctx, manager, p, logger)
	if _, err := ingest.StartTCPStream(ctx, manager, items, logger); err != nil {
		return fmt.Errorf("tcp stream: %w", err)
	}
	ingest.StartFileTail(ctx, manager, items, logger)
	ingest.StartKafka(ctx, manager, parser, p, logger)
	api.Start(ctx, api.Deps{
		Config:     manager,
		Registry:   registry,
		Pipeline:   p,
		Store:      store,
		Dispatcher: dispatcher,
		Logger:     logger,
		Version:    version,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx, items, cfg.Ingest.Workers)
	})
	g.Go(func() error {
		return p.RunSweeper(gctx, cfg.Throttle.SweepInterval)
	})
	g.Go(func() error {
		watchConfig(gctx, manager, registry, p, dispatcher, logger)
		return nil
	})

	err = g.Wait()
	logger.Info("newsguard stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchConfig applies config file edits without a restart. Transport
// addresses and storage are read once at startup.
func watchConfig(ctx context.Context, manager *config.Manager, registry *entity.Registry, p *pipeline.Pipeline, d *dispatch.Dispatcher, logger *slog.Logger) {
	onReload := func(next *config.Config) {
		p.UpdateConfig(next)
		d.SetEndpoint(next.Dispatch.WebhookURL)
		if err := registry.SetTerms(admissionTerms(next)); err != nil {
			logger.Warn("config reload: admission keywords rejected", "err", err)
		}
		logger.Info("config reloaded", "path", manager.Path())
	}
	onError := func(err error) {
		logger.Warn("config reload failed", "err", err)
	}
	manager.Watch(3*time.Second, onReload, onError, ctx.Done())
}

func admissionTerms(cfg *config.Config) entity.TermSet {
	return entity.TermSet{Admit: cfg.Admission.Keywords, Block: cfg.Admission.Blocklist}
}

func sendTest(d *dispatch.Dispatcher, sev model.Severity) error {
	if !sev.Valid() {
		return fmt.Errorf("--test-dispatch: unknown severity %q", sev)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res := d.SendTest(ctx, sev)
	if !res.Delivered {
		return fmt.Errorf("test dispatch failed: %s", res.ErrorText())
	}
	fmt.Printf("delivered %s test card, message_id=%s\n", sev, res.ExternalID)
	return nil
}
