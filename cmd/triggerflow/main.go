package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"triggerflow/internal/api"
	"triggerflow/internal/bus"
	"triggerflow/internal/config"
	"triggerflow/internal/domain"
	"triggerflow/internal/handlers/account"
	"triggerflow/internal/handlers/taskgroup"
	"triggerflow/internal/handlers/webhook"
	"triggerflow/internal/queue"
	"triggerflow/internal/retry"
	"triggerflow/internal/scheduler"
	"triggerflow/internal/store"
	"triggerflow/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config path")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		workers = flag.Int("workers", 0, "number of worker goroutines (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *workers > 0 {
		cfg.Worker.Workers = *workers
	}

	setupLogging(cfg.Log)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Database.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("ensure queue schema")
	}
	repo := queue.NewSQLiteRepo(db)
	if n, err := repo.RecoverStale(ctx, time.Now()); err == nil {
		log.Info().Int("recovered", n).Msg("recovered stale running messages")
	}

	st, closeStore, err := openStore(cfg.Store, db)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer closeStore()
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("ensure store schema")
	}

	// built once, read-only from here on
	policies := retry.NewRegistry(cfg.Retry)

	transport, err := bus.New(cfg, repo, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Bus.Driver).Msg("bus")
	}
	defer transport.Close()
	// execution messages are delayed, which only the outbox supports
	outbox := bus.NewQueue(repo, cfg.Worker.MaxAttempts, cfg.Worker.VisibilityTimeout)

	taskGroups := scheduler.NewTaskGroupScheduler(st, transport.Publisher, policies, cfg.Scheduler, log.Logger)
	accounts, err := scheduler.NewAccountScheduler(st, transport.Publisher, policies, taskGroups, cfg.Scheduler, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("account scheduler")
	}

	handlers := map[string]worker.Handler{
		domain.SourceScheduleAccount:   account.New(taskGroups, log.Logger),
		domain.SourceScheduleTaskGroup: taskgroup.New(outbox, policies.Publish(), cfg.Scheduler.ExecutionDelay, log.Logger),
		domain.SourceExecuteTaskGroup:  webhook.New(cfg.Scheduler.ExecutionWebhook, log.Logger),
	}

	var wg sync.WaitGroup
	pool := worker.NewPool(repo, handlers, cfg.Worker.Workers, cfg.Worker.Poll, policies.Publish(), log.Logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()

	if transport.Subscriber != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sources := []string{domain.SourceScheduleAccount, domain.SourceScheduleTaskGroup}
			bus.Consume(ctx, transport.Driver, transport.Subscriber, sources, pool.Dispatch, policies.Retrieval().Delay, log.Logger)
		}()
	}

	trigger, err := scheduler.NewTriggerService(accounts, cfg.Scheduler.Cron, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Str("cron", cfg.Scheduler.Cron).Msg("invalid cron expression")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = trigger.Start(ctx)
	}()

	// HTTP server
	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(api.Deps{
			Accounts:    st,
			Messages:    repo,
			Trigger:     trigger,
			Scheduler:   accounts,
			BaseContext: ctx,
			Logger:      log.Logger,
			Debug:       cfg.HTTP.Debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("bus", cfg.Bus.Driver).Str("cascade", cfg.Scheduler.Cascade).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	cancel()
	wg.Wait()
}

func setupLogging(cfg config.Log) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

// openStore reuses the outbox database for the default sqlite store.
func openStore(cfg config.Store, outbox *sql.DB) (*store.Store, func() error, error) {
	if cfg.Driver == store.DriverSQLite && cfg.DSN == "" {
		return store.New(outbox, store.DriverSQLite), func() error { return nil }, nil
	}
	st, err := store.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	return st, st.Close, nil
}
