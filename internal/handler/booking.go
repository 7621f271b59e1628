package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/course-booking/internal/booking"
	"github.com/iliyamo/course-booking/internal/model"
)

// HeaderIdempotencyKey may carry the idempotency key instead of the body.
const HeaderIdempotencyKey = "Idempotency-Key"

// BookingHandler exposes checkout and booking administration.
type BookingHandler struct {
	bookings *booking.Coordinator
}

func NewBookingHandler(bookings *booking.Coordinator) *BookingHandler {
	if bookings == nil {
		panic("nil coordinator passed to NewBookingHandler")
	}
	return &BookingHandler{bookings: bookings}
}

type createBookingRequest struct {
	Participants    int           `json:"participants"`
	Contact         model.Contact `json:"contact"`
	IdempotencyKey  string        `json:"idempotency_key"`
	PaymentCaptured bool          `json:"payment_captured"`
}

// bookingResponse is returned by create and convert.
type bookingResponse struct {
	Reference        string         `json:"reference"`
	Booking          *model.Booking `json:"booking"`
	TotalAmountCents uint64         `json:"total_amount_cents"`
}

func newBookingResponse(b *model.Booking) bookingResponse {
	return bookingResponse{Reference: b.Reference, Booking: b, TotalAmountCents: b.TotalAmountCents}
}

// Create handles POST /v1/sessions/:id/bookings.  It returns 201 with the
// booking, 409 with available_spots when the session cannot fit the
// request, and 503 when the session stayed locked.  Replaying an
// idempotency key returns the original booking with 201.
func (h *BookingHandler) Create(c echo.Context) error {
	sessionID, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid session id")
	}
	var body createBookingRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
	if key == "" {
		key = strings.TrimSpace(body.IdempotencyKey)
	}

	b, err := h.bookings.CreateBooking(c.Request().Context(), booking.BookingRequest{
		SessionID:       sessionID,
		Participants:    body.Participants,
		Contact:         body.Contact,
		IdempotencyKey:  key,
		PaymentCaptured: body.PaymentCaptured,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, newBookingResponse(b))
}

// Get handles GET /v1/bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid booking id")
	}
	b, err := h.bookings.GetBooking(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Confirm handles POST /v1/admin/bookings/:id/confirm with an optional
// body {"status": "CONFIRMED" | "PAID"}; CONFIRMED is the default.
func (h *BookingHandler) Confirm(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid booking id")
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	status := model.BookingConfirmed
	if body.Status != "" {
		status = model.BookingStatus(strings.ToUpper(body.Status))
	}
	b, err := h.bookings.ConfirmBooking(c.Request().Context(), id, status)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Cancel handles POST /v1/admin/bookings/:id/cancel.  The spots are
// released immediately.
func (h *BookingHandler) Cancel(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid booking id")
	}
	b, err := h.bookings.CancelBooking(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}
