package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trivia-duel-service/internal/app"
	"trivia-duel-service/internal/config"
	"trivia-duel-service/internal/infra/content"
	"trivia-duel-service/internal/infra/enem"
	"trivia-duel-service/internal/infra/memory"
	"trivia-duel-service/internal/infra/postgres"
	redisinfra "trivia-duel-service/internal/infra/redis"
	transport "trivia-duel-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the duel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var store app.Store = memory.NewStore()
	if cfg.Postgres.URL != "" {
		if err := RunMigrations(ctx, cfg.Postgres.URL, log); err != nil {
			return err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return eris.Wrap(err, "connect postgres")
		}
		defer pool.Close()
		store = postgres.NewStore(pool)
	} else {
		log.Warn().Msg("postgres not configured, results are kept in memory")
	}

	keyTTL := config.Duration(cfg.Content.KeyTTL, time.Hour)
	var keys *memory.AnswerKeyCache
	var tracker app.SessionTracker
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := pingRedis(ctx, client); err != nil {
			return err
		}
		keys = memory.NewAnswerKeyCache(keyTTL, redisinfra.NewAnswerKeyCache(client, config.Duration(cfg.Redis.TTL, keyTTL)))
		t := redisinfra.NewSessionTracker(client, time.Minute, log)
		defer t.Close()
		tracker = t
	} else {
		keys = memory.NewAnswerKeyCache(keyTTL, nil)
	}

	provider := enem.NewClient(cfg.Content.BaseURL, &http.Client{
		Timeout: config.Duration(cfg.Content.Timeout, 10*time.Second),
	}, time.Hour)
	source := content.NewSource(provider, keys,
		content.WithAttempts(cfg.Content.Attempts),
		content.WithLogger(log),
	)

	hub := transport.NewHub(log)
	settler := app.NewSettlementEngine(store, hub, log)

	battleCfg := app.DefaultConfig()
	battleCfg.MatchDuration = config.Duration(cfg.Battle.Duration, battleCfg.MatchDuration)
	battleCfg.DisconnectGrace = config.Duration(cfg.Battle.DisconnectGrace, battleCfg.DisconnectGrace)
	if cfg.Battle.BotCorrectChance > 0 {
		battleCfg.BotCorrectChance = cfg.Battle.BotCorrectChance
	}
	opts := []app.Option{app.WithLogger(log)}
	if tracker != nil {
		opts = append(opts, app.WithTracker(tracker))
	}
	orch := app.NewOrchestrator(battleCfg, source, settler, hub, opts...)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", transport.NewWSHandler(orch, hub, transport.NewAuthenticator(cfg.Auth.JWTSecret), log).ServeWS)

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("starting duel service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// pingRedis waits briefly for Redis to accept connections.
func pingRedis(ctx context.Context, client *redis.Client) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, policy)
	return eris.Wrap(err, "ping redis")
}
