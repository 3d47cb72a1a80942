package main

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/auxqueue/server/internal/auth"
	"github.com/auxqueue/server/internal/queue"
	"github.com/auxqueue/server/internal/resolver"
	"github.com/auxqueue/server/internal/session"
	"github.com/auxqueue/server/internal/ws"
	"github.com/auxqueue/server/pkg/database"
	"github.com/auxqueue/server/pkg/events"
	redisx "github.com/auxqueue/server/pkg/redis"
)

func main() {
	// No .env is fine in containerized deployments.
	_ = godotenv.Load()

	var logger *zap.Logger
	var err error
	if os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	store, err := newStore(logger)
	if err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}

	var cache *redisx.Cache
	if os.Getenv("REDIS_HOST") != "" {
		redisClient := goredis.NewClient(&goredis.Options{
			Addr:     os.Getenv("REDIS_HOST") + ":" + os.Getenv("REDIS_PORT"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       0,
		})
		cache = redisx.NewCache(redisClient)
	}

	var kafkaClient *events.KafkaClient
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		kafkaClient = events.NewKafkaClient(
			strings.Split(brokers, ","),
			"queue-events",
			os.Getenv("KAFKA_GROUP_ID"),
		)
		defer kafkaClient.Close()
	}

	hub := ws.NewHub(logger)
	trackResolver := resolver.NewYouTubeResolver(cache, logger)

	// interface-typed nils must stay nil, not wrap a nil pointer
	var queuePublisher queue.Publisher
	var sessionPublisher session.Publisher
	if kafkaClient != nil {
		queuePublisher = kafkaClient
		sessionPublisher = kafkaClient
	}

	queueService := queue.NewService(store, hub, queuePublisher, logger)
	sessionService := session.NewService(store, cache, sessionPublisher, hub, logger)

	sessionHandler := session.NewHandler(sessionService)
	queueHandler := queue.NewHandler(queueService, trackResolver)
	wsHandler := ws.NewHandler(hub, store, queueService, trackResolver, logger)

	if kafkaClient != nil {
		// Relay events published by other instances to local clients.
		go relayEvents(context.Background(), kafkaClient, hub, logger)
	}

	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Split(envOr("CORS_ORIGINS", "http://localhost:5173"), ","),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")

	sessionHandler.RegisterRoutes(v1)

	queueRoutes := v1.Group("/")
	queueRoutes.Use(auth.OptionalUser())
	queueHandler.RegisterRoutes(queueRoutes)

	wsRoutes := v1.Group("/")
	wsRoutes.Use(auth.OptionalUser())
	wsRoutes.GET("/ws/:sessionId", wsHandler.HandleWebSocket)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logger.Info("server starting", zap.String("port", port))
	if err := router.Run(":" + port); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}

func newStore(logger *zap.Logger) (database.Store, error) {
	if os.Getenv("DB_DRIVER") == "memory" {
		logger.Warn("using in-memory store; state is lost on restart")
		return database.NewMemoryStore(), nil
	}
	return database.NewMySQLStore(
		os.Getenv("MYSQL_HOST"),
		os.Getenv("MYSQL_PORT"),
		os.Getenv("MYSQL_USER"),
		os.Getenv("MYSQL_PASSWORD"),
		os.Getenv("MYSQL_DATABASE"),
	)
}

// relayEvents re-broadcasts queue mutations that originated on other
// instances, so every client sees every change regardless of which instance
// it is connected to.
func relayEvents(ctx context.Context, client *events.KafkaClient, hub *ws.Hub, logger *zap.Logger) {
	err := client.Consume(ctx, func(event events.Event) error {
		if event.Origin == client.Origin() {
			return nil // already broadcast locally
		}
		switch event.Type {
		case events.EventTypeTrackEnqueued, events.EventTypeTrackVoted, events.EventTypeTrackPopped:
			hub.Broadcast(event.SessionID, queue.Event{Type: queue.EventQueueUpdate, Payload: struct{}{}})
		case events.EventTypeSessionClosed:
			hub.CloseSession(event.SessionID)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("event relay stopped", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
