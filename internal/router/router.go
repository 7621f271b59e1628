package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/course-booking/internal/handler"
	"github.com/iliyamo/course-booking/internal/middleware"
)

// Deps are the handlers and middleware the routes need.  RateLimit and
// WebSocket may be nil.
type Deps struct {
	Health       echo.HandlerFunc
	Availability *handler.AvailabilityHandler
	Bookings     *handler.BookingHandler
	Holds        *handler.HoldHandler
	Sweep        echo.HandlerFunc
	WebSocket    echo.HandlerFunc
	RateLimit    echo.MiddlewareFunc
	JWTSecret    string
}

// RegisterRoutes registers every route on e.
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.GET("/healthz", d.Health)
	RegisterPublic(e, d)
	RegisterAdmin(e, d)
	if d.WebSocket != nil {
		e.GET("/v1/ws", d.WebSocket, middleware.OptionalJWT(d.JWTSecret))
	}
}

// RegisterPublic registers the checkout and inquiry routes.  Creating
// bookings and holds is rate limited; reads are not.
func RegisterPublic(e *echo.Echo, d Deps) {
	limited := []echo.MiddlewareFunc{}
	if d.RateLimit != nil {
		limited = append(limited, d.RateLimit)
	}

	g := e.Group("/v1")
	g.GET("/sessions/:id/availability", d.Availability.Get)
	g.POST("/sessions/:id/bookings", d.Bookings.Create, limited...)
	g.GET("/bookings/:id", d.Bookings.Get)
	g.POST("/sessions/:id/holds", d.Holds.Create, limited...)
	g.GET("/holds/:id", d.Holds.Get)
	g.POST("/holds/:id/convert", d.Holds.Convert)
}

// RegisterAdmin registers back-office routes.  They require a JWT with the
// ADMIN role.
func RegisterAdmin(e *echo.Echo, d Deps) {
	g := e.Group(
		"/v1/admin",
		middleware.JWTAuth(d.JWTSecret),
		middleware.RequireRole(middleware.RoleAdmin),
	)
	g.POST("/bookings/:id/confirm", d.Bookings.Confirm)
	g.POST("/bookings/:id/cancel", d.Bookings.Cancel)
	g.POST("/holds/:id/cancel", d.Holds.Cancel)
	g.POST("/sweep", d.Sweep)
}
