package main

import (
	"context"
	"errors"
	logg "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jaam8/piazza_poll_bot/internal/config"
	"github.com/jaam8/piazza_poll_bot/internal/dump"
	"github.com/jaam8/piazza_poll_bot/internal/extractor"
	"github.com/jaam8/piazza_poll_bot/internal/metrics"
	"github.com/jaam8/piazza_poll_bot/internal/notify"
	"github.com/jaam8/piazza_poll_bot/internal/repository"
	"github.com/jaam8/piazza_poll_bot/internal/retry"
	srv "github.com/jaam8/piazza_poll_bot/internal/service"
	"github.com/jaam8/piazza_poll_bot/pkg/logger"
	"github.com/jaam8/piazza_poll_bot/pkg/piazza"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	cfg, err := config.New()
	if err != nil {
		logg.Fatalf("failed to load config: %s", err)
	}
	log, err := logger.New(cfg.Level())
	if err != nil {
		logg.Fatalf("failed to initalize logger: %s", err)
	}
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		log.Fatal("failed to register metrics", zap.Error(err))
	}

	sleeper := retry.TimerSleeper{}
	rnd := retry.DefaultRand()
	pacer := retry.NewPacer(sleeper, rnd, cfg.Retry.PaceMin, cfg.Retry.PaceMax)

	client, err := piazza.New(ctx, cfg.Piazza, pacer, log)
	if err != nil {
		log.Fatal("failed to log in to piazza", zap.Error(err))
	}
	accountID := cfg.AccountID
	if accountID == "" {
		accountID = client.UserID()
	}

	controller := retry.New(retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      cfg.Retry.Jitter,
	}, sleeper, rnd, m, log)

	deps := srv.Deps{
		Client:    client,
		Extractor: extractor.New(accountID, log),
		Submitter: srv.NewVoteSubmitter(client, sleeper, rnd, cfg.Retry.VoteDelayMin, cfg.Retry.VoteDelayMax, log),
		Retry:     controller,
		Pacer:     pacer,
		Answered:  repository.New(log),
		Sleeper:   sleeper,
		Rand:      rnd,
		Metrics:   m,
	}
	if cfg.NotifyEnabled() {
		deps.Notifier = notify.NewMattermost(cfg.MmURL, cfg.BotToken, cfg.ChannelID, log)
		log.Info("mattermost notifications enabled", zap.String("channel_id", cfg.ChannelID))
	}
	if cfg.DumpJSON {
		w, err := dump.New(cfg.DumpDir, log)
		if err != nil {
			log.Fatal("failed to prepare dump dir", zap.Error(err))
		}
		deps.Dumper = w
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", m.Handler())
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	loop := srv.New(srv.LoopConfig{
		ClassID:     cfg.ClassID,
		AnswerIndex: cfg.AnswerIndex,
		Interval:    cfg.Interval,
		FetchLimit:  cfg.FetchLimit,
		MaxAttempts: controller.MaxAttempts(),
	}, deps, log)

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("poll loop exited", zap.Error(err))
	}

	if metricsServer != nil {
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(ctxShutdown)
	}
	log.Info("bot stopped")
}
