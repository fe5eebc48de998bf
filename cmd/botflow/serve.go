package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"botflow/internal/channels/console"
	"botflow/internal/channels/websocket"
	"botflow/internal/config"
	"botflow/internal/evolution"
	"botflow/internal/history"
	"botflow/internal/logging"
	"botflow/internal/router"
	"botflow/internal/scheduler"
	"botflow/internal/server"
	"botflow/internal/session"
	"botflow/internal/vcs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot runtime: scheduler, channels, and HTTP surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func runServe(cfg config.Config) error {
	logger := logging.NewComponentLogger("main")

	store, err := history.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	sessions := session.NewManager(cfg.SessionLimit, cfg.SessionTTL, logging.NewComponentLogger("session"))

	sched := scheduler.New(scheduler.Config{
		Workers:       cfg.Workers,
		MaxBacklog:    cfg.MaxBacklog,
		ActionTimeout: cfg.ActionTimeout,
		Retry:         cfg.Retry,
	}, logging.NewComponentLogger("scheduler"))
	sched.Start()

	rt := router.New(sched, router.EchoAgent{}, store, sessions, logging.NewComponentLogger("router"))

	gate := evolution.NewGate(cfg.Evolution.RequireApproval, store, logging.NewComponentLogger("gate"))
	adapter := vcs.NewGit(cfg.Evolution.RepoPath, logging.NewComponentLogger("vcs"))
	verifier := evolution.NewCommandVerifier(cfg.Evolution.RepoPath, cfg.Evolution.VerifyCommand,
		cfg.Evolution.VerifyTimeout, logging.NewComponentLogger("verify"))
	ctrl := evolution.New(gate, adapter, verifier, sched, store, logging.NewComponentLogger("evolution"))

	srv := server.New(cfg.Host, cfg.Port, sched, sessions, store, ctrl, logging.NewComponentLogger("server"))

	// Channels register with the router; the websocket transport also
	// mounts its upgrade route on the shared engine.
	if ch, ok := cfg.ChannelByName("console"); ok && ch.Enabled {
		rt.Register(console.New(rt, logging.NewComponentLogger("console")))
	}
	if ch, ok := cfg.ChannelByName("websocket"); ok && ch.Enabled {
		ws := websocket.New(rt, ch.Params["path"], logging.NewComponentLogger("websocket"))
		rt.Register(ws)
		srv.Mount(ws)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	srv.Start()

	logger.Info("botflow up: %d workers, channels %v, listening on %s:%d",
		cfg.Workers, rt.Channels(), cfg.Host, cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received %s, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown: %v", err)
	}
	rt.StopAll(shutdownCtx)
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler drain: %v", err)
	}
	cancel()

	logger.Info("shutdown complete")
	return nil
}
