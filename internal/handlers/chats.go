package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"uk.co.dudmesh.relay/internal/auth"
	"uk.co.dudmesh.relay/internal/model"
)

type ChatService interface {
	ListForUser(ctx context.Context, userID model.UserID) ([]*model.Chat, error)
	GetOrCreateDM(ctx context.Context, userID, otherID model.UserID) (*model.Chat, error)
	CreateGroup(ctx context.Context, creatorID model.UserID, params *model.CreateGroupParams) (*model.Chat, error)
	UpdateGroup(ctx context.Context, actorID model.UserID, chatID model.ChatID, params *model.UpdateGroupParams) (*model.Chat, error)
}

func ListChats(chatService ChatService) echo.HandlerFunc {
	return func(c echo.Context) error {
		chats, err := chatService.ListForUser(c.Request().Context(), auth.UserID(c))
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, chats)
	}
}

func GetOrCreateDM(chatService ChatService) echo.HandlerFunc {
	return func(c echo.Context) error {
		chat, err := chatService.GetOrCreateDM(c.Request().Context(), auth.UserID(c), model.UserID(c.Param("userId")))
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, chat)
	}
}

func CreateGroup(chatService ChatService) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := &model.CreateGroupParams{}
		if err := c.Bind(params); err != nil {
			return err
		}
		chat, err := chatService.CreateGroup(c.Request().Context(), auth.UserID(c), params)
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusCreated, chat)
	}
}

func UpdateGroup(chatService ChatService) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := &model.UpdateGroupParams{}
		if err := c.Bind(params); err != nil {
			return err
		}
		chat, err := chatService.UpdateGroup(c.Request().Context(), auth.UserID(c), model.ChatID(c.Param("id")), params)
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, chat)
	}
}
