package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whisper/video-chat/internal/ban"
	"github.com/whisper/video-chat/internal/channel"
	"github.com/whisper/video-chat/internal/config"
	"github.com/whisper/video-chat/internal/database"
	"github.com/whisper/video-chat/internal/directory"
	"github.com/whisper/video-chat/internal/filler"
	"github.com/whisper/video-chat/internal/gateway"
	"github.com/whisper/video-chat/internal/matching"
	"github.com/whisper/video-chat/internal/messaging"
	"github.com/whisper/video-chat/internal/moderation"
	"github.com/whisper/video-chat/internal/presence"
	"github.com/whisper/video-chat/internal/queue"
	"github.com/whisper/video-chat/internal/ratelimit"
	"github.com/whisper/video-chat/internal/relay"
	"github.com/whisper/video-chat/internal/report"
	"github.com/whisper/video-chat/internal/scoring"
	"github.com/whisper/video-chat/internal/session"
	"github.com/whisper/video-chat/internal/ws"
)

const (
	shutdownTimeout   = 10 * time.Second
	pingTimeout       = 5 * time.Second
	directoryStaleAge = 2 * time.Minute
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if !cfg.IsProduction() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	setLogLevel(cfg.Server.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	// --- Redis ---
	rdb, err := connectRedis(cfg.Backends.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()
	log.Info().Msg("redis connected")

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.Backends.NATSURL
	natsConfig.Name = "whisper-" + cfg.Server.Name
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer natsClient.Close()

	// --- Postgres directory (optional) ---
	var (
		dir     matching.Directory
		reports *report.Store
	)
	if cfg.Backends.DatabaseURL != "" {
		db, err := database.Connect(cfg.Backends.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		cancel()
		dir = directory.NewStore(db.DB, directoryStaleAge)
		reports = report.NewStore(db.DB)
		log.Info().Msg("directory and report log enabled")
	}

	// --- Core ---
	q := queue.NewStore(cfg.PriorityPolicy())
	registry := session.NewRegistry()
	rl := relay.New(registry, messaging.NewOutcomePublisher(natsClient, cfg.Server.Name), cfg.RelaySettings())
	scorer := scoring.NewEngine(cfg.ScoringEngine())

	var gw *gateway.Gateway
	opts := []matching.Option{}
	if dir != nil {
		opts = append(opts, matching.WithDirectory(dir, matching.ResolverFunc(func(id string) (channel.Channel, bool) {
			return gw.Resolve(id)
		})))
	}
	if cfg.Backends.ClaimBackend == config.ClaimBackendRedis {
		opts = append(opts, matching.WithClaimer(matching.NewRedisClaimer(rdb, cfg.Matching.ClaimTTL)))
	}
	svc := matching.NewService(q, registry, scorer, rl, cfg.MatchingService(), opts...)
	sweeper := matching.NewSweeper(svc)
	fillers := filler.NewManager(svc, q, rl, cfg.Fillers())

	// --- Transport ---
	presenceStore := presence.NewStore(rdb, cfg.Server.Name)
	dispatcher := ws.NewMessageDispatcher()
	server, err := ws.NewServer(cfg.WSServer(), presenceStore, dispatcher.Dispatch)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create ws server")
	}

	gwOpts := []gateway.Option{
		gateway.WithBans(ban.NewStore(rdb)),
		gateway.WithLimiter(ratelimit.NewLimiter(rdb)),
		gateway.WithPresence(presenceStore),
		gateway.WithFilter(moderation.NewFilter()),
	}
	if reports != nil {
		gwOpts = append(gwOpts, gateway.WithReportLog(reports))
	}
	gw = gateway.New(svc, rl, registry, server, cfg.Gateway(), gwOpts...)
	gw.Register(dispatcher)
	server.SetOnDisconnect(gw.Disconnect)
	server.SetHealth(func() map[string]int {
		return map[string]int{
			"queued":   q.Len(),
			"sessions": registry.Count(),
			"fillers":  fillers.Active(),
		}
	})

	log.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Str("server_name", cfg.Server.Name).
		Int("worker_pool", cfg.Server.WorkerPoolSize).
		Str("claim_backend", cfg.Backends.ClaimBackend).
		Bool("directory", dir != nil).
		Bool("fillers", cfg.Filler.Enabled).
		Msg("whisper video server starting")

	sweeper.Start()
	fillers.Start()

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	fillers.Stop(ctx)
	sweeper.Stop()
	rl.Shutdown(ctx)
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func connectRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
