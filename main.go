package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-sync/internal/ai"
	"chat-sync/internal/cache"
	"chat-sync/internal/engine"
	"chat-sync/internal/handlers"
	"chat-sync/internal/middleware"
	"chat-sync/internal/observability"
	"chat-sync/internal/rabbitmq"
	"chat-sync/internal/store"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/ws"
)

func main() {
	_ = godotenv.Load()

	userID := getEnv("USER_ID", "")
	if userID == "" {
		log.Fatalf("USER_ID is required")
	}
	userName := getEnv("USER_NAME", userID)
	apiToken := getEnv("API_TOKEN", "")

	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, "chat-sync", getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""))
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	localCache, err := cache.Open(getEnv("CACHE_DIR", "./chat-sync-cache"))
	if err != nil {
		log.Fatalf("failed to open local cache: %v", err)
	}
	defer localCache.Close()

	var remote store.Remote
	if projectID := getEnv("FIREBASE_PROJECT_ID", ""); projectID != "" {
		fs, err := store.NewFirestoreStore(ctx, projectID, getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""))
		if err != nil {
			log.Fatalf("failed to connect to firestore: %v", err)
		}
		defer fs.Close()
		remote = fs
		log.Printf("remote store: firestore project=%s", projectID)
	} else {
		remote = store.NewMemoryStore()
		log.Printf("remote store: in-memory (FIREBASE_PROJECT_ID not set)")
	}

	amqpURL := getEnv("AMQP_URL", "")
	eventExchange := getEnv("AMQP_EVENTS_EXCHANGE", "chat_sync.events")
	if eventPublisher, err := observability.NewAMQPPublisher(amqpURL, eventExchange); err != nil {
		log.Printf("event publisher disabled: %v", err)
	} else {
		observability.SetPublisher(eventPublisher)
		defer eventPublisher.Close()
	}

	auditPublisher := rabbitmq.NewPublisher(amqpURL, getEnv("AMQP_AUDIT_EXCHANGE", "audit.events"))
	defer auditPublisher.Close()
	log.Printf("audit publisher mode=%s", rabbitmq.PublisherMode(auditPublisher))
	auditEmitter := telemetry.NewAuditEmitter(auditPublisher, "audit.chat_sync", "chat-sync", getEnv("ENVIRONMENT", "dev"))

	var aiClient *ai.Client
	if apiKey := getEnv("AI_API_KEY", ""); apiKey != "" {
		aiClient = ai.NewClient(apiKey, ai.WithBaseURL(getEnv("AI_BASE_URL", "https://api.prismer.dev")))
	}

	hub := ws.NewHub()
	eng := engine.NewEngine(userID, userName, remote, localCache, hub, aiClient)
	defer eng.Close()

	if err := eng.StartConversationFeed(ctx); err != nil {
		log.Fatalf("failed to start conversation feed: %v", err)
	}

	syncHandler := handlers.NewSyncHandler(eng, auditEmitter)
	feedWS := ws.NewFeedWebSocketHandler(hub, eng, apiToken)

	router := gin.Default()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("chat-sync"))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authMiddleware := middleware.AuthMiddleware(apiToken, userID)

	router.GET("/conversations", authMiddleware, syncHandler.ListConversations)
	router.POST("/conversations/start", authMiddleware, syncHandler.StartConversation)
	router.POST("/groups", authMiddleware, syncHandler.CreateGroup)
	router.GET("/conversations/:conversation_id/messages", authMiddleware, syncHandler.GetMessages)
	router.POST("/conversations/:conversation_id/messages", authMiddleware, syncHandler.PostMessage)
	router.POST("/conversations/:conversation_id/open", authMiddleware, syncHandler.OpenConversation)
	router.POST("/conversations/:conversation_id/close", authMiddleware, syncHandler.CloseConversation)
	router.POST("/conversations/:conversation_id/read", authMiddleware, syncHandler.MarkRead)
	router.POST("/conversations/:conversation_id/typing", authMiddleware, syncHandler.SetTyping)
	router.POST("/conversations/:conversation_id/messages/:message_id/translate", authMiddleware, syncHandler.TranslateMessage)
	router.DELETE("/conversations/:conversation_id/me", authMiddleware, syncHandler.HideConversation)

	router.GET("/ws/conversations/:conversation_id", feedWS.HandleConversation)
	router.GET("/ws/directory", feedWS.HandleDirectory)

	handlers.RegisterDebugRoutes(router, auditEmitter, getEnv("DEBUG_ROUTES", "") == "true")

	srv := &http.Server{
		Addr:    ":" + getEnv("PORT", "8083"),
		Handler: router,
	}

	go func() {
		log.Printf("chat-sync listening on %s user=%s", srv.Addr, userID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
