package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/tourchat/chat-core/internal/chat"
	"github.com/tourchat/chat-core/internal/config"
	"github.com/tourchat/chat-core/internal/events"
	"github.com/tourchat/chat-core/internal/gateway"
	"github.com/tourchat/chat-core/internal/moderation"
	"github.com/tourchat/chat-core/internal/presence"
	"github.com/tourchat/chat-core/internal/ratelimit"
	"github.com/tourchat/chat-core/internal/ws"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}
	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

// shutdownTimeout bounds the graceful shutdown, including the offline
// presence writes of the sessions still open.
const shutdownTimeout = 15 * time.Second

type flags struct {
	ConfigPath  string
	LogLevel    string
	ListenAddr  string
	Backend     string
	RedisAddr   string
	NATSURL     string
	PostgresDSN string
	SQLitePath  string
	AMQPURL     string
}

func main() {
	if err := setupLogger("info"); err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(run).Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("chatgw failed")
		stop()
		os.Exit(1)
	}
}

// newApp builds the command line. action receives the merged configuration.
func newApp(action func(context.Context, *config.Config) error) *cli.Command {
	f := &flags{}
	return &cli.Command{
		Name:    "chatgw",
		Usage:   "WebSocket gateway for tour booking chat",
		Version: build(),
		Description: `chatgw serves one-to-one conversations between clients and tour companies.

Each WebSocket connection opens one conversation screen at a time; messages,
delivery and read receipts, and counterpart presence are streamed back as
they change in the store.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("CHATGW_CONFIG"),
				Value:       "chatgw.yaml",
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error, fatal, panic)",
				Sources:     cli.EnvVars("CHATGW_LOG_LEVEL"),
				Value:       "info",
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "listen",
				Usage:       "HTTP listen address",
				Sources:     cli.EnvVars("CHATGW_LISTEN_ADDR"),
				Destination: &f.ListenAddr,
			},
			&cli.StringFlag{
				Name:        "backend",
				Usage:       "store backend (memory, redis, postgres, sqlite)",
				Sources:     cli.EnvVars("CHATGW_BACKEND"),
				Destination: &f.Backend,
			},
			&cli.StringFlag{
				Name:        "redis-addr",
				Usage:       "Redis address for the redis backend and rate limiting",
				Sources:     cli.EnvVars("CHATGW_REDIS_ADDR"),
				Destination: &f.RedisAddr,
			},
			&cli.StringFlag{
				Name:        "nats-url",
				Usage:       "NATS URL carrying change events of the redis backend",
				Sources:     cli.EnvVars("CHATGW_NATS_URL"),
				Destination: &f.NATSURL,
			},
			&cli.StringFlag{
				Name:        "postgres-dsn",
				Usage:       "PostgreSQL DSN for the postgres backend",
				Sources:     cli.EnvVars("CHATGW_POSTGRES_DSN"),
				Destination: &f.PostgresDSN,
			},
			&cli.StringFlag{
				Name:        "sqlite-path",
				Usage:       "database file for the sqlite backend",
				Sources:     cli.EnvVars("CHATGW_SQLITE_PATH"),
				Destination: &f.SQLitePath,
			},
			&cli.StringFlag{
				Name:        "amqp-url",
				Usage:       "RabbitMQ URL for message lifecycle events (empty disables)",
				Sources:     cli.EnvVars("CHATGW_AMQP_URL"),
				Destination: &f.AMQPURL,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c, f)
			if err != nil {
				return err
			}
			if err := setupLogger(cfg.LogLevel); err != nil {
				return err
			}
			return action(ctx, cfg)
		},
	}
}

// loadConfig reads the config file and applies the flags and environment
// variables that were set explicitly.
func loadConfig(c *cli.Command, f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	overrides := []struct {
		name string
		dst  *string
		val  string
	}{
		{"log-level", &cfg.LogLevel, f.LogLevel},
		{"listen", &cfg.ListenAddr, f.ListenAddr},
		{"backend", &cfg.Store.Backend, f.Backend},
		{"redis-addr", &cfg.Store.RedisAddr, f.RedisAddr},
		{"nats-url", &cfg.Store.NATSURL, f.NATSURL},
		{"postgres-dsn", &cfg.Store.PostgresDSN, f.PostgresDSN},
		{"sqlite-path", &cfg.Store.SQLitePath, f.SQLitePath},
		{"amqp-url", &cfg.Events.AMQPURL, f.AMQPURL},
	}
	for _, o := range overrides {
		if c.IsSet(o.name) {
			*o.dst = o.val
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setupLogger(level string) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(parsedLevel)
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := log.With().Str("service", gateway.ServiceName).Logger()
	if cfg.LogLevel != zerolog.LevelDebugValue {
		gin.SetMode(gin.ReleaseMode)
	}

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	publisher := events.NewPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange, logger.With().Str("component", "events").Logger())
	defer publisher.Close()

	opts := []chat.Option{chat.WithPublisher(publisher)}
	if cfg.Moderation {
		opts = append(opts, chat.WithModerator(moderation.NewFilter()))
	}

	var admission ws.Limiter
	if rdb := backend.LimitClient(ctx, cfg); rdb != nil {
		rlLog := logger.With().Str("component", "ratelimit").Logger()
		opts = append(opts, chat.WithLimiter(ratelimit.NewLimiter(rdb, ratelimit.Rule{
			Key:    ratelimit.RuleSend.Key,
			Limit:  cfg.RateLimit.Limit,
			Window: cfg.RateLimit.Window,
		}, rlLog)))
		admission = ratelimit.NewLimiter(rdb, ratelimit.RuleConnect, rlLog)
	}

	gw := gateway.New(gateway.Deps{
		Store:    backend.Store,
		Registry: chat.NewRegistry(backend.Store, logger.With().Str("component", "registry").Logger()),
		Presence: presence.NewTracker(backend.Store, presence.Config{
			HeartbeatInterval: cfg.Presence.HeartbeatInterval,
			StaleThreshold:    cfg.Presence.StaleThreshold,
		}, logger.With().Str("component", "presence").Logger()),
		ChannelOptions: opts,
		Log:            logger,
	})

	dispatcher := ws.NewMessageDispatcher(logger)
	gw.Register(dispatcher)
	srv := ws.NewServer(serverConfig(cfg), logger, dispatcher.Dispatch)
	if admission != nil {
		srv.SetAdmission(admission)
	}
	srv.SetOnConnect(gw.Connect)
	srv.SetOnDisconnect(gw.Disconnect)
	srv.Start()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gateway.NewRouter(srv, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("backend", cfg.Store.Backend).
			Str("events", events.Mode(publisher)).
			Bool("moderation", cfg.Moderation).
			Msg("chat gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("ws shutdown")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	logger.Info().Msg("chat gateway stopped")
	return nil
}

func serverConfig(cfg *config.Config) ws.ServerConfig {
	sc := ws.DefaultServerConfig()
	sc.MaxConnections = cfg.MaxConns
	return sc
}
