package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"hallchat/internal/auth"
	"hallchat/internal/db"
	"hallchat/internal/handlers"
	"hallchat/internal/middleware"
	"hallchat/internal/observability"
	"hallchat/internal/presence"
	"hallchat/internal/rabbitmq"
	"hallchat/internal/relay"
	"hallchat/internal/repositories"
	"hallchat/internal/telemetry"
	"hallchat/internal/ws"
)

const serviceName = "hallchat"

func main() {
	ctx := context.Background()

	database, err := db.Connect()
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}

	shutdownTracing, err := telemetry.InitTracing(ctx, serviceName, getEnv("OTLP_ENDPOINT", ""))
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	amqpURL := getEnv("AMQP_URL", "")
	auditPublisher := rabbitmq.NewPublisher(amqpURL, getEnv("AUDIT_EXCHANGE", "audit"))
	defer auditPublisher.Close()
	log.Printf("audit publisher mode=%s reason=%q",
		rabbitmq.PublisherMode(auditPublisher), rabbitmq.PublisherNoopReason(auditPublisher))

	emitter := telemetry.NewAuditEmitter(auditPublisher,
		getEnv("AUDIT_ROUTING_KEY", "audit.hallchat"), serviceName, getEnv("ENVIRONMENT", "development"))

	if amqpURL != "" {
		eventsPublisher, err := observability.NewAMQPPublisher(amqpURL, getEnv("EVENTS_EXCHANGE", "ws_events"))
		if err != nil {
			log.Printf("ws events publishing disabled: %v", err)
		} else {
			defer eventsPublisher.Close()
			observability.SetPublisher(eventsPublisher)
		}
	}

	tokens := auth.ParseTokenPairs(getEnv("AUTH_TOKENS", ""))
	if len(tokens) == 0 {
		log.Printf("AUTH_TOKENS is empty, no client can authenticate")
	}
	verifier := auth.NewStaticVerifier(tokens)

	messageRepo := repositories.NewMessageRepo(database)

	registry := presence.NewRegistry()
	messageRouter := relay.NewMessageRouter(registry)
	typingRelay := relay.NewTypingRelay(registry)
	callRelay := relay.NewCallSignalingRelay(registry)

	wsHandler := ws.NewHandler(registry, messageRouter, typingRelay, callRelay, messageRepo, verifier, emitter)
	messageHandler := handlers.NewMessageHandler(messageRepo, messageRouter, registry)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(verifier)

	router.GET("/hall/messages", authMiddleware, messageHandler.ListHallMessages)
	router.POST("/hall/messages", authMiddleware, messageHandler.PostHallMessage)
	router.GET("/conversations/:user_id/messages", authMiddleware, messageHandler.ListConversationMessages)
	router.POST("/conversations/:user_id/messages", authMiddleware, messageHandler.PostConversationMessage)
	router.GET("/presence", authMiddleware, messageHandler.ListPresence)

	router.GET("/ws", wsHandler.Handle)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, emitter, getEnv("DEBUG_ROUTES", "") == "true")

	port := getEnv("PORT", "8083")
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
