package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/course-booking/internal/booking"
)

// Sweep handles POST /v1/admin/sweep: one expiry pass on demand, the same
// pass the background sweeper runs on its interval.
func Sweep(sweeper *booking.Sweeper) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, sweeper.SweepOnce(c.Request().Context()))
	}
}
