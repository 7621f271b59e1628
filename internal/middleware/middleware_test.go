package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/course-booking/internal/config"
)

const secret = "test-secret"

func token(t *testing.T, claims jwt.MapClaims, method jwt.SigningMethod) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

// whoami echoes the identity the middleware stored.
func whoami(c echo.Context) error {
	role, _ := c.Get(ctxRole).(string)
	return c.JSON(http.StatusOK, echo.Map{"user_id": UserID(c), "role": role})
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuth(t *testing.T) {
	e := echo.New()
	e.GET("/admin", whoami, JWTAuth(secret), RequireRole(RoleAdmin))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc.def.ghi", http.StatusUnauthorized},
		{"wrong alg", "Bearer " + token(t, jwt.MapClaims{"sub": "1", "role": "ADMIN"}, jwt.SigningMethodHS512), http.StatusUnauthorized},
		{"expired", "Bearer " + token(t, jwt.MapClaims{"sub": "1", "role": "ADMIN", "exp": time.Now().Add(-time.Minute).Unix()}, jwt.SigningMethodHS256), http.StatusUnauthorized},
		{"customer", "Bearer " + token(t, jwt.MapClaims{"sub": "1", "role": "CUSTOMER"}, jwt.SigningMethodHS256), http.StatusForbidden},
		{"admin", "Bearer " + token(t, jwt.MapClaims{"sub": "7", "role": "admin"}, jwt.SigningMethodHS256), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			assert.Equal(t, tc.want, serve(e, req).Code)
		})
	}
}

func TestJWTAuth_NumericSubject(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoami, JWTAuth(secret))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, jwt.MapClaims{"sub": 42, "role": "CUSTOMER"}, jwt.SigningMethodHS256))
	rec := serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"42","role":"CUSTOMER"}`, rec.Body.String())
}

func TestOptionalJWT(t *testing.T) {
	e := echo.New()
	e.GET("/ws", whoami, OptionalJWT(secret))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"","role":""}`, rec.Body.String())

	tok := token(t, jwt.MapClaims{"sub": "u-9"}, jwt.SigningMethodHS256)
	rec = serve(e, httptest.NewRequest(http.MethodGet, "/ws?access_token="+tok, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"u-9","role":""}`, rec.Body.String())

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/ws?access_token=nope", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBuildRateKey(t *testing.T) {
	e := echo.New()
	cases := map[string]string{
		"ip_route":      "rl:ip:192.0.2.1:route:POST /v1/sessions/:id/bookings",
		"user":          "rl:user:anon",
		"ip_user_route": "rl:ip:192.0.2.1:user:anon:route:POST /v1/sessions/:id/bookings",
		"bogus":         "rl:ip:192.0.2.1",
	}
	for strategy, want := range cases {
		t.Run(strategy, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/sessions/3/bookings", nil)
			req.RemoteAddr = "192.0.2.1:5555"
			c := e.NewContext(req, httptest.NewRecorder())
			c.SetPath("/v1/sessions/:id/bookings")
			got := buildRateKey(config.RateLimitConfig{Prefix: "rl", KeyStrategy: strategy}, c)
			assert.Equal(t, want, got)
		})
	}
}

func TestNewTokenBucket_DisabledPassesThrough(t *testing.T) {
	logger, _ := test.NewNullLogger()
	e := echo.New()
	e.GET("/x", whoami, NewTokenBucket(config.RateLimitConfig{Enabled: false}, nil, logger))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, serve(e, httptest.NewRequest(http.MethodGet, "/x", nil)).Code)
	}
}

func TestRequestLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/ok", whoami)
	e.GET("/boom", func(echo.Context) error { return echo.NewHTTPError(http.StatusServiceUnavailable, "busy") })

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(HeaderCorrelationID, "abc")
	rec := serve(e, req)
	assert.Equal(t, "abc", rec.Header().Get(HeaderCorrelationID))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "abc", entry.Data["correlation_id"])
	assert.Equal(t, http.StatusOK, entry.Data["status"])

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderCorrelationID))
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}
