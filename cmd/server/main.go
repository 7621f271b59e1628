package main // Entry point package

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/iliyamo/course-booking/internal/config"
	"github.com/iliyamo/course-booking/internal/service"
)

func main() {
	envFile := pflag.String("env-file", ".env", "file with KEY=value lines loaded before the environment is read")
	migrate := pflag.Bool("migrate", false, "create missing MySQL tables before serving")
	pflag.Parse()

	log := logrus.New()
	if err := config.LoadEnvFile(*envFile); err != nil {
		log.WithError(err).Fatal("loading env file")
	}
	cfg := config.Load()
	configureLogger(log, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg, service.Options{Migrate: *migrate}, log)
	if err != nil {
		log.WithError(err).Fatal("starting service")
	}
	log.WithFields(logrus.Fields{"env": cfg.Env, "store": cfg.StoreDriver, "relay": cfg.RelayEnabled}).Info("course booking service ready")
	if err := svc.Run(ctx); err != nil {
		log.WithError(err).Fatal("service stopped")
	}
}

func configureLogger(log *logrus.Logger, cfg config.Config) {
	if cfg.IsProd() {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("unknown LOG_LEVEL, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
}
