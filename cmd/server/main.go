package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yegors/staffcall/internal/api"
	"github.com/yegors/staffcall/internal/backend"
	"github.com/yegors/staffcall/internal/backoff"
	"github.com/yegors/staffcall/internal/calls"
	"github.com/yegors/staffcall/internal/callsocket"
	"github.com/yegors/staffcall/internal/chat"
	"github.com/yegors/staffcall/internal/config"
	"github.com/yegors/staffcall/internal/realtime"
	"github.com/yegors/staffcall/internal/storage/sqlite"
	"github.com/yegors/staffcall/internal/websocket"
	"github.com/yegors/staffcall/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	envPath := flag.String("env", ".env", "Path to a .env file with STAFFCALL_* overrides")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading env file: %v\n", err)
		os.Exit(1)
	}

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting staff call server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
		logger.String("backend_url", cfg.Backend.BaseURL),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Call history
	db, err := sqlite.Open(cfg.Storage.SQLitePath, log)
	if err != nil {
		log.Error("Failed to open SQLite database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	history, err := sqlite.NewCallStorage(db, log)
	if err != nil {
		log.Error("Failed to create call storage", logger.Error(err))
		os.Exit(1)
	}
	log.Info("Using SQLite storage", logger.String("path", cfg.Storage.SQLitePath))

	// UI socket hub
	hub := websocket.NewServer(cfg.Server.CORSAllowedOrigins, log)
	go hub.Run(ctx)

	backendClient := backend.NewClient(backend.Options{
		BaseURL:     cfg.Backend.BaseURL,
		Timeout:     time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
		AccessToken: cfg.Backend.AccessToken,
		Expiry:      hub,
	}, log)

	controllerOpts := calls.Options{
		PollInterval: time.Duration(cfg.Calls.PollIntervalMs) * time.Millisecond,
		DurationTick: time.Duration(cfg.Calls.DurationTickMs) * time.Millisecond,
		History:      history,
	}
	if cfg.Calls.UseStateSocket {
		controllerOpts.Subscriber = callsocket.NewSubscriber(cfg.Backend.WebSocketURL, callsocket.Options{
			Policy: backoff.Policy{
				Base:        time.Duration(cfg.CallSocket.BaseDelayMs) * time.Millisecond,
				Max:         time.Duration(cfg.CallSocket.MaxDelayMs) * time.Millisecond,
				MaxAttempts: cfg.CallSocket.MaxReconnectAttempts,
			},
			HandshakeTimeout: time.Duration(cfg.Realtime.HandshakeTimeoutSecs) * time.Second,
			TokenSource:      backendClient.AccessToken,
		}, log)
		log.Info("Call state socket enabled", logger.String("ws_base", cfg.Backend.WebSocketURL))
	}

	controller := calls.NewController(backendClient, controllerOpts, log)
	controller.Subscribe(hub.BroadcastCallStatus)

	// Assistant chat (if enabled)
	var chatSession *chat.Session
	if cfg.Chat.Enabled {
		rt := realtime.NewClient(cfg.Chat.URL, realtime.Options{
			Policy: backoff.Policy{
				Base:        time.Duration(cfg.Realtime.BaseDelayMs) * time.Millisecond,
				Max:         time.Duration(cfg.Realtime.MaxDelayMs) * time.Millisecond,
				MaxAttempts: cfg.Realtime.MaxReconnectAttempts,
			},
			HandshakeTimeout: time.Duration(cfg.Realtime.HandshakeTimeoutSecs) * time.Second,
			Name:             "chat-socket",
		}, log)
		chatSession = chat.NewSession(rt, log)
		chatSession.OnEvent(hub.BroadcastChatEvent)
		if err := chatSession.Start(); err != nil {
			log.Error("Failed to start chat session", logger.Error(err))
		} else {
			log.Info("Chat session started")
		}
	} else {
		log.Info("Chat disabled in configuration")
	}

	hub.SetConnectHook(func(c *websocket.Client) {
		c.SendMessage(websocket.CallStatusMessage(controller.Snapshot()))
	})

	deps := api.Deps{
		Calls:          controller,
		Staff:          backendClient,
		History:        history,
		Hub:            http.HandlerFunc(hub.HandleConnection),
		HistoryLimit:   cfg.Calls.HistoryPageSize,
		AllowedOrigins: cfg.Server.CORSAllowedOrigins,
	}
	if chatSession != nil {
		deps.Chat = chatSession
		hub.SetMessageHandler(api.NewHubHandler(controller, chatSession, log))
	} else {
		hub.SetMessageHandler(api.NewHubHandler(controller, nil, log))
	}
	handler := api.NewHandler(deps, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", logger.String("addr", server.Addr), logger.Error(err))
			cancel()
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Leave an active call in place on the backend; only local timers stop
	controller.Close()

	if chatSession != nil {
		log.Info("Stopping chat session...")
		chatSession.Stop()
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	}

	cancel()
	log.Info("Server fully stopped")
}
