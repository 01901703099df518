package routes

import (
	"context"
	"fmt"

	"github.com/fitversal/coachchat/internal/config"
	"github.com/fitversal/coachchat/internal/handlers"
	"github.com/fitversal/coachchat/internal/middleware"
	"github.com/fitversal/coachchat/internal/realtime"
	"github.com/fitversal/coachchat/internal/repository"
	"github.com/fitversal/coachchat/internal/repository/memory"
	"github.com/fitversal/coachchat/internal/services"
	chatws "github.com/fitversal/coachchat/internal/websocket"
	"github.com/fitversal/coachchat/pkg/logger"
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Dependencies are the external connections opened by the caller. DB is nil when the
// memory store backend is selected; Redis is nil for single-instance deployments.
type Dependencies struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
}

type storeSet struct {
	tx            repository.Transactor
	conversations repository.ConversationStore
	messages      repository.MessageStore
	participants  repository.ParticipantStore
}

// RegisterRoutes wires the chat stack onto app. The returned func releases the hub,
// relay and broker.
func RegisterRoutes(ctx context.Context, app *fiber.App, cfg *config.Config, deps Dependencies) (func(), error) {
	stores, err := newStores(cfg, deps.DB)
	if err != nil {
		return nil, err
	}

	storage, err := newStorageService(cfg)
	if err != nil {
		return nil, err
	}
	var attachments *services.AttachmentService
	if storage != nil {
		attachments = services.NewAttachmentService(storage, cfg.AttachmentMaxBytes, logger.WithComponent("attachments"))
	}

	broker := realtime.NewBroker(logger.WithComponent("broker"))
	var channel realtime.Channel = broker
	var relay *realtime.RedisRelay
	if deps.Redis != nil {
		relay = realtime.NewRedisRelay(deps.Redis, broker, logger.WithComponent("relay"))
		if err := relay.Start(ctx); err != nil {
			broker.Close()
			return nil, err
		}
		channel = relay
	}

	chatService := services.NewChatService(
		stores.tx,
		stores.conversations,
		stores.messages,
		stores.participants,
		attachments,
		channel,
		logger.WithComponent("chat"),
	)

	chatHub := chatws.NewHub(channel, chatService, logger.WithComponent("ws"))
	go chatHub.Run()

	authHandler := handlers.NewAuthHandler(stores.participants, cfg.JWTSecret)
	chatHandler := handlers.NewChatHandler(chatService, chatHub, cfg.JWTSecret)
	participantHandler := handlers.NewParticipantHandler(chatService)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")

	auth := api.Group("/auth")
	if cfg.AppEnv == "development" || cfg.AppEnv == "test" {
		auth.Post("/dev-token", authHandler.DevToken)
	}
	auth.Get("/me", middleware.AuthRequired(cfg.JWTSecret), authHandler.Me)

	api.Use("/v1/ws", chatHandler.WebSocketAuth)
	api.Get("/v1/ws", websocket.New(chatHandler.HandleWebSocket))

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	conversations := authProtected.Group("/conversations")
	conversations.Get("", chatHandler.ListConversations)
	conversations.Post("", chatHandler.CreateConversation)
	conversations.Get("/counterparts", chatHandler.ListCounterparts)
	conversations.Get("/:id/messages", chatHandler.GetMessages)
	conversations.Post("/:id/messages", chatHandler.SendMessage)
	conversations.Post("/:id/read", chatHandler.MarkRead)

	participants := authProtected.Group("/participants")
	participants.Post("/me/seen", participantHandler.TouchLastSeen)
	participants.Get("/:id", participantHandler.GetParticipant)

	cleanup := func() {
		chatHub.Stop()
		if relay != nil {
			_ = relay.Close()
		}
		broker.Close()
	}
	return cleanup, nil
}

func newStores(cfg *config.Config, db *pgxpool.Pool) (storeSet, error) {
	switch cfg.StoreBackend {
	case "memory":
		store := memory.NewStore()
		return storeSet{
			tx:            store,
			conversations: store.Conversations(),
			messages:      store.Messages(),
			participants:  store.Participants(),
		}, nil
	case "postgres":
		if db == nil {
			return storeSet{}, fmt.Errorf("postgres store selected without a database pool")
		}
		return storeSet{
			tx:            repository.NewPgTransactor(db),
			conversations: repository.NewConversationRepository(db),
			messages:      repository.NewMessageRepository(db),
			participants:  repository.NewParticipantRepository(db),
		}, nil
	default:
		return storeSet{}, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

// newStorageService returns nil when attachments are disabled or not configured; sends
// with attachments then fail with services.ErrStorageUnavailable.
func newStorageService(cfg *config.Config) (services.StorageService, error) {
	log := logger.WithComponent("storage")

	switch cfg.StorageBackend {
	case "supabase":
		if !cfg.SupabaseConfigured() {
			log.Warn().Msg("supabase storage is not configured, attachments disabled")
			return nil, nil
		}
		return services.NewSupabaseStorageService(cfg.SupabaseURL, cfg.SupabaseBucket, cfg.SupabaseServiceKey), nil
	case "s3":
		if !cfg.S3Configured() {
			log.Warn().Msg("s3 storage is not configured, attachments disabled")
			return nil, nil
		}
		return services.NewS3StorageService(services.S3StorageConfig{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PublicBaseURL:   cfg.S3.PublicBaseURL,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
		}), nil
	case "memory":
		return services.NewMemoryStorageService("memory://" + cfg.SupabaseBucket), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.StorageBackend)
	}
}
