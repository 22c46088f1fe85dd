package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/channel27tech/clubmaster-sub004/internal/challenge"
	appcfg "github.com/channel27tech/clubmaster-sub004/internal/config"
	"github.com/channel27tech/clubmaster-sub004/internal/fanout"
	"github.com/channel27tech/clubmaster-sub004/internal/gamesync"
	"github.com/channel27tech/clubmaster-sub004/internal/gateway"
	"github.com/channel27tech/clubmaster-sub004/internal/matchmaking"
	"github.com/channel27tech/clubmaster-sub004/internal/metrics"
	"github.com/channel27tech/clubmaster-sub004/internal/msgcat"
	"github.com/channel27tech/clubmaster-sub004/internal/obslog"
	"github.com/channel27tech/clubmaster-sub004/internal/profile"
	"github.com/channel27tech/clubmaster-sub004/internal/session"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	obslog.InitFromEnv()
	defer obslog.Sync()

	msgs, err := msgcat.New(cfg.MsgOverrideDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(promReg)

	games, err := gamesync.NewManager(cfg.RedisURL)
	if err != nil {
		log.Fatalf("game manager init error: %v", err)
	}
	games.AttachMetrics(collector)
	if cfg.DatabaseURL != "" {
		repo, rerr := gamesync.NewRepository(cfg.DatabaseURL)
		if rerr != nil {
			log.Fatalf("game repository init error: %v", rerr)
		}
		games.AttachRepository(repo)
		defer repo.Close()
	}

	var profiles profile.Lookup
	if cfg.ProfileBaseURL != "" {
		profiles = profile.NewClient(cfg.ProfileBaseURL)
	}

	reg := session.NewRegistry()

	gw := gateway.NewServer(gateway.Options{
		Registry:   reg,
		Games:      games,
		Messages:   msgs,
		Metrics:    collector,
		MsgsPerSec: cfg.WSMsgsPerSec,
		Burst:      cfg.WSBurst,
	})
	fan := fanout.New(reg, gw)
	gw.SetFanout(fan)

	bridge := matchmaking.NewBridge(games, fan, matchmaking.Config{
		RatingWindow: cfg.RatingWindow,
		EntryTTL:     cfg.QueueEntryTTL,
		Tick:         cfg.MatchTick,
	})
	bridge.AttachMetrics(collector)

	coord := challenge.NewCoordinator(challenge.Deps{
		Registry: reg,
		Notifier: fan,
		Creator:  games,
		Linker:   bridge,
		Profiles: profiles,
		Messages: msgs,
		Metrics:  collector,
		TTL:      cfg.ChallengeTTL,
	})
	bridge.SetLinkedCallback(coord.OnLinked)
	gw.SetChallenges(coord)

	bridge.Start()

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		obslog.L().Info("listen", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obslog.L().Fatal("server error", zap.Error(err))
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.SetupMetricsRoute(promReg)}
		go func() {
			obslog.L().Info("metrics_listen", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				obslog.L().Error("metrics server error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	obslog.L().Info("shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	bridge.Stop()
	coord.Shutdown()
	_ = games.Close()
}
