// Package service assembles the booking engine, its transports and its
// background workers, and runs them until shutdown.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/course-booking/internal/booking"
	"github.com/iliyamo/course-booking/internal/config"
	"github.com/iliyamo/course-booking/internal/database"
	"github.com/iliyamo/course-booking/internal/handler"
	"github.com/iliyamo/course-booking/internal/middleware"
	"github.com/iliyamo/course-booking/internal/model"
	"github.com/iliyamo/course-booking/internal/queue"
	"github.com/iliyamo/course-booking/internal/realtime"
	"github.com/iliyamo/course-booking/internal/repository"
	"github.com/iliyamo/course-booking/internal/router"
)

// Options are start-up switches that do not belong in the environment.
type Options struct {
	Migrate bool
}

// store is what the service needs from either storage driver.
type store interface {
	booking.Store
	handler.Pinger
}

type Service struct {
	cfg config.Config
	log logrus.FieldLogger

	http     *echo.Echo
	hub      *realtime.Hub
	ws       *realtime.Server
	sweeper  *booking.Sweeper
	relay    *realtime.Relay
	consumer *queue.Consumer

	closers []func() error
}

// New connects to the configured backends and builds the service.  On
// error everything opened so far is closed again.
func New(ctx context.Context, cfg config.Config, opts Options, log logrus.FieldLogger) (_ *Service, err error) {
	s := &Service{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	st, err := s.openStore(ctx, opts)
	if err != nil {
		return nil, err
	}
	rdb := s.openRedis(ctx)
	if cfg.RelayEnabled && rdb == nil {
		return nil, errors.New("RELAY_ENABLED requires a reachable Redis")
	}

	clock := func() time.Time { return time.Now().UTC() }
	s.hub = realtime.NewHub(booking.NewLedger(st, clock), log.WithField("component", "hub"),
		realtime.WithIntentTTL(cfg.IntentTTL))

	var (
		broadcaster booking.Broadcaster = s.hub
		intents     realtime.IntentBus  = s.hub
	)
	if cfg.RelayEnabled {
		s.relay, err = realtime.NewRedisRelay(s.hub, rdb, cfg.RelayTopic, log.WithField("component", "relay"))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, s.relay.Close)
		broadcaster, intents = s.relay, s.relay
	}

	var events booking.EventPublisher
	if cfg.EventsEnabled {
		pub := queue.NewPublisher(cfg.RabbitURL, log)
		s.closers = append(s.closers, pub.Close)
		events = pub
		s.consumer = queue.NewConsumer(cfg.RabbitURL, nil, log)
	}

	deps := booking.Deps{Store: st, Broadcaster: broadcaster, Events: events, Logger: log, Clock: clock}
	engineCfg := cfg.Engine()
	bookings := booking.NewCoordinator(deps, engineCfg)
	holds := booking.NewHoldManager(deps, engineCfg)
	s.sweeper = booking.NewSweeper(bookings, holds)
	s.ws = realtime.NewServer(s.hub, intents, realtime.ServerConfig{RequestTimeout: cfg.WSRequestTimeout},
		log.WithField("component", "ws"))

	var limiter echo.MiddlewareFunc
	if rdb != nil {
		limiter = middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log)
	}

	s.http = echo.New()
	s.http.HideBanner = true
	s.http.HidePort = true
	s.http.Use(echomw.Recover())
	s.http.Use(middleware.RequestLogger(log.WithField("component", "http")))
	router.RegisterRoutes(s.http, router.Deps{
		Health:       handler.Health(st),
		Availability: handler.NewAvailabilityHandler(bookings.Ledger()),
		Bookings:     handler.NewBookingHandler(bookings),
		Holds:        handler.NewHoldHandler(holds),
		Sweep:        handler.Sweep(s.sweeper),
		WebSocket:    s.ws.Handle,
		RateLimit:    limiter,
		JWTSecret:    cfg.JWTSecret,
	})
	return s, nil
}

func (s *Service) openStore(ctx context.Context, opts Options) (store, error) {
	if s.cfg.StoreDriver == config.DriverMemory {
		mem := repository.NewMemoryStore(repository.WithLockTimeout(s.cfg.LockWaitTimeout))
		for _, capacity := range s.cfg.SeedCapacities {
			sess := mem.AddSession(seedSession(capacity))
			s.log.WithFields(logrus.Fields{"session_id": sess.ID, "capacity": capacity}).Info("seeded session")
		}
		return mem, nil
	}

	db, err := database.Open(ctx, database.Options{
		User:     s.cfg.DBUser,
		Pass:     s.cfg.DBPass,
		Host:     s.cfg.DBHost,
		Port:     s.cfg.DBPort,
		Name:     s.cfg.DBName,
		LockWait: s.cfg.LockWaitTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, db.Close)
	if opts.Migrate {
		if err := repository.Migrate(ctx, db); err != nil {
			return nil, err
		}
		s.log.Info("schema migrated")
	}
	st := repository.NewStore(db)
	if err := seed(ctx, db, st.Sessions(), s.cfg.SeedCapacities, s.log); err != nil {
		return nil, err
	}
	return st, nil
}

// seed inserts sessions into an empty course_sessions table only, so
// restarting with the same environment does not multiply them.
func seed(ctx context.Context, db *sqlx.DB, sessions *repository.SessionRepo, capacities []int, log logrus.FieldLogger) error {
	if len(capacities) == 0 {
		return nil
	}
	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM course_sessions`); err != nil {
		return fmt.Errorf("counting sessions: %w", err)
	}
	if n > 0 {
		return nil
	}
	for _, capacity := range capacities {
		sess := seedSession(capacity)
		if err := sessions.Create(ctx, &sess); err != nil {
			return fmt.Errorf("seeding session: %w", err)
		}
		log.WithFields(logrus.Fields{"session_id": sess.ID, "capacity": capacity}).Info("seeded session")
	}
	return nil
}

func seedSession(capacity int) model.CourseSession {
	start := time.Now().UTC().Truncate(time.Hour).Add(7 * 24 * time.Hour)
	return model.CourseSession{
		CourseID:        1,
		StartsAt:        start,
		EndsAt:          start.Add(8 * time.Hour),
		Venue:           "Training room",
		MaxParticipants: capacity,
		PriceCents:      12500,
		Status:          model.SessionScheduled,
	}
}

// openRedis returns nil when Redis is unreachable; rate limiting is then
// disabled.
func (s *Service) openRedis(ctx context.Context) *redis.Client {
	rl := config.LoadRateLimitConfig()
	if !rl.Enabled && !s.cfg.RelayEnabled {
		return nil
	}
	rcfg := config.LoadRedisConfig()
	rdb, err := config.NewRedisClient(ctx, rcfg)
	if err != nil {
		s.log.WithError(err).Warn("redis unavailable; rate limiting disabled")
		return nil
	}
	s.closers = append(s.closers, rdb.Close)
	return rdb
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Service) Handler() http.Handler { return s.http }

// Run serves HTTP and runs the background workers until ctx is cancelled
// or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.WithField("port", s.cfg.Port).Info("Starting HTTP server...")
		err := s.http.Start(":" + s.cfg.Port)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("starting http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.sweeper.Run(runCtx)
	})

	if s.relay != nil {
		g.Go(func() error {
			if err := s.relay.Run(runCtx); err != nil {
				return fmt.Errorf("running relay: %w", err)
			}
			return nil
		})
	}

	if s.consumer != nil {
		g.Go(func() error {
			return s.consumer.Run(runCtx)
		})
	}

	g.Go(func() error {
		<-runCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s.log.Info("Shutting down HTTP server...")
		err := s.http.Shutdown(shutdownCtx)
		s.ws.Close()
		s.hub.Close()
		s.ws.Wait()
		if err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	})

	err := g.Wait()
	s.close()
	if err != nil {
		return fmt.Errorf("waiting for shutdown: %w", err)
	}
	s.log.Info("Shutdown complete.")
	return nil
}

func (s *Service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.WithError(err).Warn("close failed")
		}
	}
	s.closers = nil
}
