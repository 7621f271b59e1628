package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v3"
	"github.com/sirupsen/logrus"
)

// HeaderCorrelationID is echoed back on every response and attached to the
// request log entry.
const HeaderCorrelationID = "Correlation-ID"

// RequestLogger logs one structured entry per request.  Server errors are
// logged at Error, client errors at Warn, the rest at Info.
func RequestLogger(log logrus.FieldLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			cid := req.Header.Get(HeaderCorrelationID)
			if cid == "" {
				cid = "gen_" + shortuuid.New()
			}
			c.Response().Header().Set(HeaderCorrelationID, cid)

			start := time.Now()
			err := next(c)
			if err != nil {
				// let echo write the response so the status is known
				c.Error(err)
			}

			status := c.Response().Status
			entry := log.WithFields(logrus.Fields{
				"correlation_id": cid,
				"method":         req.Method,
				"path":           c.Path(),
				"uri":            req.RequestURI,
				"status":         status,
				"latency_ms":     time.Since(start).Milliseconds(),
				"remote_ip":      c.RealIP(),
			})
			if uid := UserID(c); uid != "" {
				entry = entry.WithField("user_id", uid)
			}
			if err != nil {
				entry = entry.WithError(err)
			}
			switch {
			case status >= 500:
				entry.Error("request")
			case status >= 400:
				entry.Warn("request")
			default:
				entry.Info("request")
			}
			return nil
		}
	}
}
