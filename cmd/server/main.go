package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storybranch-server/internal/api/story_handlers"
	"storybranch-server/internal/config"
	ws "storybranch-server/internal/delivery/websocket"
	"storybranch-server/internal/service"
	"storybranch-server/pkg/ai"
	"storybranch-server/pkg/taskmanager"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// Production deployments configure through the environment.
		fmt.Printf("Warning: could not load .env file: %v\n", err)
	}

	initLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	aiClient, err := ai.New(ai.Config{
		APIKey:    cfg.AIAPIKey,
		BaseURL:   cfg.AIBaseURL,
		ModelName: cfg.AIModel,
		Timeout:   cfg.AITimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize model client")
	}

	taskManager, err := taskmanager.New(taskmanager.Config{MaxTasks: cfg.MaxGenerations})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize task manager")
	}

	wsManager := ws.NewManager()
	wsManager.Start()
	taskManager.SetWebSocketNotifier(wsManager)

	storyService := service.NewStoryService(aiClient, log.Logger)
	sessionService := service.NewSessionService(storyService, taskManager, wsManager, cfg.SessionTTL, log.Logger)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	sessionService.StartJanitor(janitorCtx, cfg.SessionCleanup)
	startTaskCleanup(janitorCtx, taskManager, cfg.TaskRetention)

	router := mux.NewRouter()
	router.Handle("/ws", wsManager.Handler()).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	router.Use(loggingMiddleware)

	handlers := story_handlers.NewStoryHandler(storyService, sessionService, log.Logger)
	handlers.RegisterRoutes(router, cfg.BasePath)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      c.Handler(router),
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Str("basePath", cfg.BasePath).Msg("starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	gracefulShutdown(server, taskManager, cfg.ShutdownTimeout)
}

// initLogger configures the global logger.
func initLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.With().Caller().Logger()

	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(output).With().Timestamp().Caller().Logger()
	}

	logLevel := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logLevel = lvl
	}
	zerolog.SetGlobalLevel(logLevel)
}

// loggingMiddleware injects the configured logger into the request
// context so downstream code can use log.Ctx.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(log.Logger.WithContext(r.Context())))
	})
}

// startTaskCleanup periodically drops finished generation tasks.
func startTaskCleanup(ctx context.Context, tm taskmanager.ITaskManager, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(retention)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tm.CleanupTasks(retention)
			}
		}
	}()
}

// gracefulShutdown waits for a stop signal, then drains the HTTP
// server and the task manager.
func gracefulShutdown(server *http.Server, taskManager taskmanager.ITaskManager, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	if taskManager != nil {
		if err := taskManager.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("task manager shutdown failed")
		}
	}

	log.Info().Msg("server stopped gracefully")
}
