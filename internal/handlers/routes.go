package handlers

import (
	"github.com/labstack/echo/v4"
	"uk.co.dudmesh.relay/internal/auth"
)

type Services struct {
	Verifier auth.Verifier
	Messages MessageService
	Chats    ChatService
	Sessions SessionManager
	Origins  []string
}

func Register(server *echo.Echo, services *Services) {
	server.GET("/socket", Socket(services.Sessions, services.Origins))

	api := server.Group("/api", auth.Middleware(services.Verifier))

	messages := api.Group("/messages")
	messages.GET("/:chatId", ListMessages(services.Messages))
	messages.POST("/:chatId", SendMessage(services.Messages))
	messages.POST("/:chatId/:messageId/seen", MarkSeen(services.Messages))
	messages.POST("/:chatId/:messageId/reactions", React(services.Messages))
	messages.PATCH("/:chatId/:messageId", EditMessage(services.Messages))
	messages.DELETE("/:chatId/:messageId", DeleteMessage(services.Messages))

	chats := api.Group("/chats")
	chats.GET("", ListChats(services.Chats))
	chats.GET("/dm/:userId", GetOrCreateDM(services.Chats))
	chats.POST("/group", CreateGroup(services.Chats))
	chats.PATCH("/:id", UpdateGroup(services.Chats))
}
