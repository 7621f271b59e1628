package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/course-booking/internal/booking"
	"github.com/iliyamo/course-booking/internal/model"
)

// HoldHandler exposes inquiry holds.
type HoldHandler struct {
	holds *booking.HoldManager
}

func NewHoldHandler(holds *booking.HoldManager) *HoldHandler {
	if holds == nil {
		panic("nil hold manager passed to NewHoldHandler")
	}
	return &HoldHandler{holds: holds}
}

type createHoldRequest struct {
	Participants int           `json:"participants"`
	Contact      model.Contact `json:"contact"`
	Message      string        `json:"message"`
}

type holdResponse struct {
	Reference string             `json:"reference"`
	Hold      *model.InquiryHold `json:"hold"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// Create handles POST /v1/sessions/:id/holds.  A hold occupies spots like
// a booking until it is converted, cancelled or expires.
func (h *HoldHandler) Create(c echo.Context) error {
	sessionID, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid session id")
	}
	var body createHoldRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	hold, err := h.holds.CreateHold(c.Request().Context(), booking.HoldRequest{
		SessionID:    sessionID,
		Participants: body.Participants,
		Contact:      body.Contact,
		Message:      body.Message,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, holdResponse{Reference: hold.Reference, Hold: hold, ExpiresAt: hold.ExpiresAt})
}

// Get handles GET /v1/holds/:id.
func (h *HoldHandler) Get(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid hold id")
	}
	hold, err := h.holds.GetHold(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, hold)
}

// Convert handles POST /v1/holds/:id/convert with an optional body
// {"payment_captured": true}.  Conversion never fails for capacity.
func (h *HoldHandler) Convert(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid hold id")
	}
	var body struct {
		PaymentCaptured bool `json:"payment_captured"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	b, err := h.holds.ConvertHold(c.Request().Context(), id, body.PaymentCaptured)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, newBookingResponse(b))
}

// Cancel handles POST /v1/admin/holds/:id/cancel.
func (h *HoldHandler) Cancel(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid hold id")
	}
	hold, err := h.holds.CancelHold(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, hold)
}
