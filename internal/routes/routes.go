package routes

import (
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/amir-t/TherapyDeskBack/internal/config"
	"github.com/amir-t/TherapyDeskBack/internal/handlers"
	"github.com/amir-t/TherapyDeskBack/internal/middleware"
	"github.com/amir-t/TherapyDeskBack/internal/repository"
	"github.com/amir-t/TherapyDeskBack/internal/services"
	chatws "github.com/amir-t/TherapyDeskBack/internal/websocket"
)

func RegisterRoutes(app *fiber.App, cfg *config.Config, db *pgxpool.Pool) {
	userRepo := repository.NewUserRepository(db)
	therapistProfileRepo := repository.NewTherapistProfileRepository(db)
	channelRepo := repository.NewChannelRepository(db)
	messageRepo := repository.NewMessageRepository(db)

	authHandler := handlers.NewAuthHandler(db, userRepo, therapistProfileRepo, cfg.JWTSecret)

	matchingService := services.NewMatchingService(therapistProfileRepo)
	therapistDirectoryHandler := handlers.NewTherapistDirectoryHandler(therapistProfileRepo, matchingService)

	chatHub := chatws.NewHub()
	go chatHub.Run()
	messagingService := services.NewMessagingService(db, channelRepo, messageRepo, userRepo, chatHub)
	messagingHandler := handlers.NewMessagingHandler(messagingService, chatHub, cfg.JWTSecret)

	api := app.Group("/api")

	auth := api.Group("/auth")
	auth.Post("/register", authHandler.Register)
	auth.Post("/login", authHandler.Login)
	auth.Get("/me", middleware.AuthRequired(cfg.JWTSecret), authHandler.Me)

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	therapists := authProtected.Group("/therapists")
	therapists.Get("", therapistDirectoryHandler.ListTherapists)
	therapists.Get("/recommended", therapistDirectoryHandler.GetRecommendedTherapists)
	therapists.Get("/:id", therapistDirectoryHandler.GetTherapistDetail)

	authProtected.Post("/messaging", messagingHandler.Dispatch)

	api.Use("/v1/ws", messagingHandler.WebSocketAuth)
	api.Get("/v1/ws", websocket.New(messagingHandler.HandleWebSocket))
}
