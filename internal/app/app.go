package app

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/watchwithmi/server/internal/controller"
	connInmemory "github.com/watchwithmi/server/internal/repository/connection/inmemory"
	roomInmemory "github.com/watchwithmi/server/internal/repository/room/inmemory"
	"github.com/watchwithmi/server/internal/service/room"
	"github.com/watchwithmi/server/internal/torrents"
	"github.com/watchwithmi/server/pkg/ctxlogger"
	"github.com/watchwithmi/server/pkg/redisclient"
)

type AppConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	LogLevel        string   `json:"log_level"`
	MembersLimit    int      `json:"members_limit"`
	DataDir         string   `json:"data_dir"`
	TorrentPort     int      `json:"torrent_port"`
	SearchProviders []string `json:"search_providers"`
	RedisHost       string   `json:"redis_host"`
	RedisPort       int      `json:"redis_port"`
	RedisPassword   string   `json:"-"`
}

func (cfg *AppConfig) Validate() error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if cfg.MembersLimit < 1 {
		return fmt.Errorf("members limit must be greater than 0")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	return nil
}

func Run(ctx context.Context, cfg *AppConfig) error {
	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		}),
	}
	logger := slog.New(&h)

	roomRepo := roomInmemory.NewRepo(cfg.MembersLimit, logger)
	connRepo := connInmemory.NewRepo()
	roomService := room.NewService(roomRepo, connRepo, logger)

	// The torrent engine is best-effort: a host that cannot bind the
	// peer port still serves rooms, chat, and signaling.
	var eng torrents.Engine
	if e, err := torrents.NewEngine(cfg.DataDir, cfg.TorrentPort, logger); err != nil {
		logger.Warn("torrent engine failed to start, torrent features disabled", "error", err)
	} else {
		eng = e
	}
	streamer := torrents.NewAdapter(eng, nil, logger)
	defer streamer.Close()

	var searchCache *redis.Client
	if cfg.RedisHost != "" {
		rc, err := redisclient.NewRedisClient(&redisclient.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			logger.Warn("redis unavailable, search cache disabled", "error", err)
		} else {
			searchCache = rc
			defer rc.Close()
		}
	}
	searcher := torrents.NewSearcher(&torrents.SearcherConfig{
		ProviderURLs: cfg.SearchProviders,
		Cache:        searchCache,
	}, logger)

	ctrl := controller.NewController(roomService, streamer, searcher, logger)
	server := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: ctrl.Router()}

	// graceful shutdown
	serverCtx, serverStopCtx := context.WithCancel(ctx)
	defer serverStopCtx()

	go streamer.Run(serverCtx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		shutdownCtx, c := context.WithTimeout(serverCtx, 30*time.Second)
		defer c()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				log.Fatal("graceful shutdown timed out.. forcing exit.")
			}
		}()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatal(err)
		}
		serverStopCtx()
	}()

	logger.InfoContext(serverCtx, "starting server",
		"address", server.Addr,
		"torrent_engine", streamer.Available(),
		"search_cache", searchCache != nil,
	)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-serverCtx.Done()

	return nil
}
