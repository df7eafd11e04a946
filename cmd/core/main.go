// Command core boots one instance of the match orchestration core: it
// wires storage, the Matchmaker, the Supervisor and the SessionHub behind
// an HTTP server and runs until signalled to stop. Grounded in the
// teacher's cmd/main.go entry point and, for the command-line shape, the
// urfave/cli/v2 App/Command pattern used by the pack's frolf-bot
// cmd/bun/main.go.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/lijuuu/ArenaMatchCore/internal/authn"
	"github.com/lijuuu/ArenaMatchCore/internal/bus"
	"github.com/lijuuu/ArenaMatchCore/internal/clock"
	"github.com/lijuuu/ArenaMatchCore/internal/config"
	"github.com/lijuuu/ArenaMatchCore/internal/grader"
	"github.com/lijuuu/ArenaMatchCore/internal/httpapi"
	"github.com/lijuuu/ArenaMatchCore/internal/leaderboard"
	"github.com/lijuuu/ArenaMatchCore/internal/logging"
	"github.com/lijuuu/ArenaMatchCore/internal/matchmaker"
	"github.com/lijuuu/ArenaMatchCore/internal/matchrun"
	"github.com/lijuuu/ArenaMatchCore/internal/metrics"
	"github.com/lijuuu/ArenaMatchCore/internal/model"
	"github.com/lijuuu/ArenaMatchCore/internal/problemrepo"
	"github.com/lijuuu/ArenaMatchCore/internal/sessionhub"
	"github.com/lijuuu/ArenaMatchCore/internal/statestore"
	"github.com/lijuuu/ArenaMatchCore/internal/store"
	"github.com/lijuuu/ArenaMatchCore/internal/supervisor"
)

func main() {
	app := &cli.App{
		Name:  "arenacore",
		Usage: "real-time match orchestration core",
		Commands: []*cli.Command{
			serveCommand(),
			issueTokenCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the core HTTP/WebSocket server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "instance-id", Value: "core-1", Usage: "this process's instance id for match ownership records"},
			&cli.BoolFlag{Name: "log-json", Value: true, Usage: "emit logs as JSON instead of human-readable console output"},
		},
		Action: func(c *cli.Context) error {
			return run(c.Context, c.String("instance-id"), c.Bool("log-json"))
		},
	}
}

func issueTokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "issue-token",
		Usage:     "mint a bearer token for a player id, for local testing",
		ArgsUsage: "<player_id>",
		Action: func(c *cli.Context) error {
			playerID := c.Args().First()
			if playerID == "" {
				return fmt.Errorf("issue-token: player_id argument required")
			}
			cfg := config.Load()
			token, err := authn.NewVerifier(cfg.JWTSecret).Issue(playerID, 24*time.Hour)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func run(ctx context.Context, instanceID string, logJSON bool) error {
	cfg := config.Load()

	format := "console"
	if logJSON {
		format = "json"
	}
	log, err := logging.New("info", format)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	redisClient := statestore.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	ss := statestore.NewRedisStore(redisClient)

	pgStore, err := store.OpenPostgresStore(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}

	mongoClient, err := problemrepo.ConnectMongo(ctx, cfg.MongoURL)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	problems := problemrepo.NewMongoRepository(mongoClient, cfg.MongoDBName)

	natsBus, err := bus.Connect(cfg.NatsURL)
	if err != nil {
		log.Warn("nats unavailable, running without cross-instance relay", zap.Error(err))
		natsBus = nil
	}

	clk := clock.NewReal()
	g := grader.WithTimeout(grader.NewHeuristic(model.DefaultScoreWeights()), cfg.GradingTimeBudget)
	mtr := metrics.New()
	board := leaderboard.NewManager(cfg.RedisURL, cfg.RedisPassword)

	runtimeCfg := matchrun.Config{
		StartingCountdown:   cfg.StartingCountdown,
		AutoStartTimeout:    cfg.AutoStartTimeout,
		GraceDisconnect:     cfg.GraceDisconnect,
		GradingTimeBudget:   cfg.GradingTimeBudget,
		RetentionWindow:     cfg.RetentionWindow,
		MaxSubmissionLength: 64 * 1024,
	}

	sup := supervisor.New(supervisor.Config{
		InstanceID:           instanceID,
		MaxConcurrentMatches: cfg.MaxConcurrentMatches,
		RuntimeConfig:        runtimeCfg,
		MaintenanceInterval:  time.Minute,
	}, clk, g, ss, pgStore, problems, nil, board, mtr, log.With(zap.String("component", "supervisor")))

	hub := sessionhub.New(sessionhub.Config{
		ChatRateMax:     cfg.ChatRatePer10s,
		ChatRateWindow:  10 * time.Second,
		ChatHistorySize: cfg.ChatHistorySize,
	}, sup, ss, natsBus, log.With(zap.String("component", "sessionhub")))
	sup.SetBroadcaster(hub)

	mm := matchmaker.New(clk, sup, ss, mtr, matchmaker.Config{
		BucketWidenStep:     cfg.MatchmakingBucketWidenStep,
		BucketWidenInterval: cfg.MatchmakingBucketWidenInterval,
		BucketWidenMax:      cfg.MatchmakingBucketMax,
		NPlayerFillDeadline: cfg.NPlayerFillDeadline,
		ConfirmationWindow:  cfg.MatchConfirmationWindow,
		TickInterval:        time.Second,
	}, log.With(zap.String("component", "matchmaker")))

	disp := sessionhub.NewDispatcher(hub, mm, mtr, log.With(zap.String("component", "dispatcher")))
	verifier := authn.NewVerifier(cfg.JWTSecret)
	server := httpapi.New(hub, disp, verifier, mtr, log.With(zap.String("component", "httpapi")))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go mm.Run(ctx)
	go func() {
		if err := sup.Run(ctx); err != nil {
			log.Error("supervisor stopped with error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Handler()}
	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped with error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
