package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/course-booking/internal/booking"
)

// parseID reads a positive numeric path parameter.
func parseID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

// respondError translates engine errors into the API's JSON error shape
// {"error": code, "message": detail}.
func respondError(c echo.Context, err error) error {
	var capErr *booking.CapacityError
	switch {
	case errors.As(err, &capErr):
		return c.JSON(http.StatusConflict, echo.Map{
			"error":           "capacity_exceeded",
			"message":         err.Error(),
			"available_spots": capErr.Available,
		})
	case errors.Is(err, booking.ErrInvalidArgument):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_argument", "message": err.Error()})
	case errors.Is(err, booking.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not_found", "message": err.Error()})
	case errors.Is(err, booking.ErrHoldNotActive):
		return c.JSON(http.StatusConflict, echo.Map{"error": "hold_not_active", "message": err.Error()})
	case errors.Is(err, booking.ErrBusy):
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "busy", "message": "session is busy, retry shortly"})
	}
	// the request logger records Internal; clients only see the code
	return &echo.HTTPError{
		Code:     http.StatusInternalServerError,
		Message:  echo.Map{"error": "internal", "message": "internal error"},
		Internal: err,
	}
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_argument", "message": msg})
}
