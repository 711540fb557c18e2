package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"lms-realtime/internal/auth"
	"lms-realtime/internal/bus"
	"lms-realtime/internal/config"
	"lms-realtime/internal/database"
	"lms-realtime/internal/handlers"
	"lms-realtime/internal/leaderboard"
	"lms-realtime/internal/moderation"
	"lms-realtime/internal/ratelimit"
	"lms-realtime/internal/services"
	"lms-realtime/internal/websocket"
	"lms-realtime/pkg/logger"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger.Configure(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := openDatabase(cfg)
	if err != nil {
		logger.Fatal("Failed to open message store: %v", err)
	}
	defer db.Close()

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		rdb, err = openRedis(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Fatal("Invalid redis configuration: %v", err)
		}
		defer rdb.Close()
	}

	fanout, err := openBus(cfg, rdb)
	if err != nil {
		logger.Error("Fan-out bus unavailable, continuing with single-process delivery: %v", err)
		fanout = bus.NewLocalOnlyBus()
	}

	// Admission control
	limiter := newLimiter(ctx, cfg, rdb)
	keywords := cfg.Spam.Keywords
	if len(keywords) == 0 {
		keywords = moderation.DefaultKeywords
	}
	spamFilter, err := moderation.NewSpamFilter(keywords, moderation.DefaultSpamConfig())
	if err != nil {
		logger.Fatal("Failed to build spam filter: %v", err)
	}

	// Initialize services
	authService := auth.NewService(cfg.JWT.Secret)
	roomService := services.NewRoomService(db)

	registry := websocket.NewRegistry(roomService)
	hub := websocket.StartHub(ctx, fanout, registry)
	defer hub.Close()
	busBackend := cfg.Bus.Backend
	if !hub.Shared() {
		busBackend = "local"
	}

	aggregator := leaderboard.NewAggregator(newCounterStore(cfg, rdb), db, hub, cfg.Leaderboard.TopN)
	uploader, err := services.NewDiskUploader(cfg.Uploads.Dir, cfg.Uploads.BaseURL, cfg.Uploads.MaxSize)
	if err != nil {
		logger.Fatal("Failed to prepare uploads: %v", err)
	}
	messageService := services.NewMessageService(db, roomService, spamFilter, limiter, uploader, hub, cfg.Spam.MaxContentLength)
	notificationService := services.NewNotificationService(hub)

	gateway := websocket.NewGateway(authService, hub, aggregator, websocket.GatewayOptions{
		AuthTimeout:     cfg.WebSocket.AuthTimeout,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		TopN:            cfg.Leaderboard.TopN,
		Client: websocket.ClientOptions{
			SendBuffer: cfg.WebSocket.SendBuffer,
			EventRate:  cfg.WebSocket.EventRate,
			EventBurst: cfg.WebSocket.EventBurst,
		},
	})

	// Initialize handlers
	roomHandlers := handlers.NewRoomHandlers(messageService, authService, cfg.Uploads.MaxSize*4)
	notificationHandlers := handlers.NewNotificationHandlers(notificationService, authService)
	leaderboardHandlers := handlers.NewLeaderboardHandlers(aggregator, authService, services.NewValidator())
	healthHandlers := handlers.NewHealthHandlers(registry, busBackend)
	wsHandlers := handlers.NewWebSocketHandlers(gateway)

	// Setup routes
	mux := http.NewServeMux()
	setupRoutes(mux, roomHandlers, notificationHandlers, leaderboardHandlers, healthHandlers, wsHandlers)
	mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(cfg.Uploads.Dir))))

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	logger.Info("Server started on http://localhost%s (store=%s bus=%s ratelimit=%s leaderboard=%s)",
		cfg.Server.Port, cfg.Database.Backend, busBackend, cfg.RateLimit.Backend, cfg.Leaderboard.Backend)
	logger.Info("WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	<-ctx.Done()
	logger.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed: %v", err)
	}
}

func openDatabase(cfg *config.Config) (database.Database, error) {
	if cfg.Database.Backend == "badger" {
		logger.Info("Using embedded badger store at %s", cfg.Database.BadgerPath)
		return database.NewBadgerDB(cfg.Database.BadgerPath)
	}
	return database.NewPostgresDB(cfg.Database.URL)
}

// openRedis only fails on a malformed URL. An unreachable server is logged
// and the client is kept: it reconnects on its own, the limiter fails open
// and the leaderboard skips updates until then.
func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unreachable at startup, running degraded: %v", err)
	}
	return rdb, nil
}

func openBus(cfg *config.Config, rdb *redis.Client) (bus.FanOutBus, error) {
	switch cfg.Bus.Backend {
	case "redis":
		return bus.NewRedisBus(rdb, cfg.Bus.Channel), nil
	case "nats":
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("lms-realtime"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, err
		}
		return bus.NewNATSBus(nc, cfg.Bus.Channel), nil
	}
	logger.Warn("Using local-only fan-out; clients on other processes will not receive broadcasts")
	return bus.NewLocalOnlyBus(), nil
}

func newLimiter(ctx context.Context, cfg *config.Config, rdb *redis.Client) ratelimit.Limiter {
	if cfg.RateLimit.Backend == "redis" {
		return ratelimit.NewRedisLimiter(rdb, cfg.RateLimit.MaxMessages, cfg.RateLimit.Window)
	}
	limiter := ratelimit.NewMemoryLimiter(cfg.RateLimit.MaxMessages, cfg.RateLimit.Window)
	go limiter.Run(ctx, cfg.RateLimit.SweepInterval)
	return limiter
}

func newCounterStore(cfg *config.Config, rdb *redis.Client) leaderboard.CounterStore {
	if cfg.Leaderboard.Backend == "redis" {
		return leaderboard.NewRedisCounterStore(rdb, cfg.Leaderboard.Retention)
	}
	return leaderboard.NewMemoryCounterStore(cfg.Leaderboard.Retention)
}

func setupRoutes(
	mux *http.ServeMux,
	roomHandlers *handlers.RoomHandlers,
	notificationHandlers *handlers.NotificationHandlers,
	leaderboardHandlers *handlers.LeaderboardHandlers,
	healthHandlers *handlers.HealthHandlers,
	wsHandlers *handlers.WebSocketHandlers,
) {
	// Classroom discussions
	mux.HandleFunc("POST /discussions/{classroomId}", roomHandlers.PostClassroomMessage)
	mux.HandleFunc("GET /discussions/{classroomId}", roomHandlers.ClassroomHistory)
	mux.HandleFunc("DELETE /discussions/{classroomId}/messages/{messageId}", roomHandlers.DeleteClassroomMessage)

	// Group chats
	mux.HandleFunc("POST /groups/{groupId}/messages", roomHandlers.PostGroupMessage)
	mux.HandleFunc("GET /groups/{groupId}/messages", roomHandlers.GroupHistory)
	mux.HandleFunc("DELETE /groups/{groupId}/messages/{messageId}", roomHandlers.DeleteGroupMessage)

	// Pushes
	mux.HandleFunc("POST /notifications/{userId}", notificationHandlers.NotifyUser)
	mux.HandleFunc("POST /announcements/{classroomId}", notificationHandlers.Announce)

	// Leaderboard
	mux.HandleFunc("POST /scores", leaderboardHandlers.RecordScore)
	mux.HandleFunc("GET /leaderboard/top", leaderboardHandlers.TopPerformers)

	mux.HandleFunc("GET /health", healthHandlers.Health)

	// WebSocket route
	mux.HandleFunc("GET /ws", wsHandlers.HandleWebSocket)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
