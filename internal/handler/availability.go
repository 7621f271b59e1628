package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/course-booking/internal/booking"
)

// AvailabilityHandler serves snapshots over plain HTTP.  It is the polling
// fallback for clients whose WebSocket connection is down.
type AvailabilityHandler struct {
	ledger *booking.Ledger
}

func NewAvailabilityHandler(ledger *booking.Ledger) *AvailabilityHandler {
	if ledger == nil {
		panic("nil ledger passed to NewAvailabilityHandler")
	}
	return &AvailabilityHandler{ledger: ledger}
}

// Get handles GET /v1/sessions/:id/availability.
func (h *AvailabilityHandler) Get(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid session id")
	}
	snap, err := h.ledger.GetAvailability(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, snap)
}
