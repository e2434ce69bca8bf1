package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"uk.co.dudmesh.relay/internal/auth"
	"uk.co.dudmesh.relay/internal/model"
)

type MessageService interface {
	SendMessage(ctx context.Context, chatID model.ChatID, senderID model.UserID, content *model.Content) (*model.Message, error)
	ListMessages(ctx context.Context, chatID model.ChatID, userID model.UserID) ([]*model.Message, error)
	MarkSeen(ctx context.Context, messageID model.MessageID, chatID model.ChatID, userID model.UserID) (model.MessageStatus, error)
	React(ctx context.Context, messageID model.MessageID, userID model.UserID, emoji string) (*model.Message, error)
	Edit(ctx context.Context, messageID model.MessageID, userID model.UserID, text string) (*model.Message, error)
	Delete(ctx context.Context, messageID model.MessageID, userID model.UserID) error
}

func SendMessage(messageService MessageService) echo.HandlerFunc {
	return func(c echo.Context) error {
		content := &model.Content{}
		if err := c.Bind(content); err != nil {
			return err
		}
		msg, err := messageService.SendMessage(c.Request().Context(), model.ChatID(c.Param("chatId")), auth.UserID(c), content)
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusCreated, msg)
	}
}

func ListMessages(messageService MessageService) echo.HandlerFunc {
	return func(c echo.Context) error {
		messages, err := messageService.ListMessages(c.Request().Context(), model.ChatID(c.Param("chatId")), auth.UserID(c))
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, messages)
	}
}

func MarkSeen(messageService MessageService) echo.HandlerFunc {
	return func(c echo.Context) error {
		status, err := messageService.MarkSeen(c.Request().Context(),
			model.MessageID(c.Param("messageId")), model.ChatID(c.Param("chatId")), auth.UserID(c))
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]model.MessageStatus{"status": status})
	}
}

func React(messageService MessageService) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := struct {
			Emoji string `json:"emoji"`
		}{}
		if err := c.Bind(&params); err != nil {
			return err
		}
		msg, err := messageService.React(c.Request().Context(), model.MessageID(c.Param("messageId")), auth.UserID(c), params.Emoji)
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, msg)
	}
}

func EditMessage(messageService MessageService) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := struct {
			Text string `json:"text"`
		}{}
		if err := c.Bind(&params); err != nil {
			return err
		}
		msg, err := messageService.Edit(c.Request().Context(), model.MessageID(c.Param("messageId")), auth.UserID(c), params.Text)
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, msg)
	}
}

func DeleteMessage(messageService MessageService) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := messageService.Delete(c.Request().Context(), model.MessageID(c.Param("messageId")), auth.UserID(c)); err != nil {
			return httpError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
