package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.relay/internal/model"
)

var statusFor = []struct {
	err    error
	status int
}{
	{model.ErrorChatNotFound, http.StatusNotFound},
	{model.ErrorMessageNotFound, http.StatusNotFound},
	{model.ErrorNotParticipant, http.StatusForbidden},
	{model.ErrorNotAdmin, http.StatusForbidden},
	{model.ErrorNotSender, http.StatusForbidden},
	{model.ErrorMissingToken, http.StatusUnauthorized},
	{model.ErrorInvalidToken, http.StatusUnauthorized},
	{model.ErrorEmptyMessage, http.StatusBadRequest},
	{model.ErrorEmptyEmoji, http.StatusBadRequest},
	{model.ErrorInvalidGroup, http.StatusBadRequest},
	{model.ErrorSelfDM, http.StatusBadRequest},
	{model.ErrorNotGroup, http.StatusBadRequest},
	{model.ErrorLastAdmin, http.StatusBadRequest},
}

// httpError maps domain errors to responses; anything else is a 500 and is
// logged here.
func httpError(c echo.Context, err error) error {
	for _, s := range statusFor {
		if errors.Is(err, s.err) {
			return echo.NewHTTPError(s.status, s.err.Error())
		}
	}
	log.Errorf("%s %s: %+v", c.Request().Method, c.Path(), err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}
