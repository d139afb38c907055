package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-pg/pg"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	tele "gopkg.in/telebot.v4"

	"github.com/interactive-solutions/go-dispatch"
	"github.com/interactive-solutions/go-dispatch/internal/config"
	"github.com/interactive-solutions/go-dispatch/provider/46elks"
	"github.com/interactive-solutions/go-dispatch/provider/aws"
	"github.com/interactive-solutions/go-dispatch/provider/mailgun"
	"github.com/interactive-solutions/go-dispatch/provider/telegram"
	"github.com/interactive-solutions/go-dispatch/provider/whatsapp"
	"github.com/interactive-solutions/go-dispatch/storage/go-pg"
	"github.com/interactive-solutions/go-dispatch/storage/memory"
)

type store interface {
	dispatch.Store
	dispatch.CredentialStore
	dispatch.Blacklist
	dispatch.SubscriberDirectory
}

func main() {
	envFile := flag.String("env", ".env", "dotenv file loaded before the environment is read")
	configFile := flag.String("config", "", "optional yaml configuration file")
	flag.Parse()

	logger := logrus.New()

	cfg, err := config.Load(*envFile, *configFile)
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	if err := configureLogger(logger, cfg.Log); err != nil {
		logger.WithError(err).Fatal("failed to configure logger")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open store")
	}
	defer closeStore()

	app, err := dispatch.NewApplication(
		dispatch.SetLogger(logger),
		dispatch.SetStore(s),
		dispatch.SetCredentialStore(s),
		dispatch.SetBlacklist(s),
		dispatch.SetDriverFactory(dispatch.ChannelEmail, emailFactory(cfg.Email)),
		dispatch.SetDriverFactory(dispatch.ChannelSms, elks.NewDriverFactory()),
		dispatch.SetDriverFactory(dispatch.ChannelTelegram, telegramFactory(s, cfg.Telegram)),
		dispatch.SetDriverFactory(dispatch.ChannelBusiness, whatsapp.NewDriverFactory()),
		dispatch.SetWorkerCount(cfg.Workers.Count),
		dispatch.SetWorkerPrefix(cfg.Workers.Prefix),
		dispatch.SetBatchSize(cfg.Workers.BatchSize),
		dispatch.SetPollInterval(cfg.Workers.PollInterval),
	)
	if err != nil {
		logger.WithError(err).Fatal("failed to create application")
	}

	router := mux.NewRouter()
	app.HttpHandler().Routes(router)

	server := &http.Server{
		Addr:    cfg.Http.Addr,
		Handler: router,
	}

	go func() {
		logger.WithField("addr", cfg.Http.Addr).Info("http server listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("http server failed")
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Http.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("failed to shut down http server")
	}

	// workers stop as soon as the already cancelled context is observed
	app.Shutdown(ctx)
}

func configureLogger(logger *logrus.Logger, cfg config.Log) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return errors.Errorf("Unknown log format %q", cfg.Format)
	}

	return nil
}

func openStore(ctx context.Context, cfg config.Database, logger logrus.FieldLogger) (store, func(), error) {
	if cfg.Dsn == "" {
		logger.Warn("no database dsn configured, using the in-memory store")
		return memory.NewStore(), func() {}, nil
	}

	opts, err := pg.ParseURL(cfg.Dsn)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Failed to parse database dsn")
	}

	db := pg.Connect(opts)
	s := gopg.NewStore(db)

	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, errors.Wrap(err, "Failed to migrate database")
		}
	}

	return s, func() { db.Close() }, nil
}

// emailFactory picks the email provider from the credential's provider
// secret, falling back to the configured default.
func emailFactory(cfg config.Email) dispatch.DriverFactory {
	factories := map[string]dispatch.DriverFactory{
		"mailgun": mailgun.NewDriverFactory(),
		"ses":     provider.NewDriverFactory(),
	}

	return func(ctx context.Context, credential dispatch.Credential) (dispatch.Driver, error) {
		name := credential.Secrets["provider"]
		if name == "" {
			name = cfg.DefaultProvider
		}

		factory, ok := factories[name]
		if !ok {
			return nil, errors.Errorf("Unknown email provider %q for credential %s", name, credential.Name)
		}

		return factory(ctx, credential)
	}
}

func telegramFactory(subscribers dispatch.SubscriberDirectory, cfg config.Telegram) dispatch.DriverFactory {
	var options []telegram.TelegramOption

	if cfg.ApiUrl != "" {
		options = append(options, telegram.SetApiUrl(cfg.ApiUrl))
	}

	if cfg.ParseMode != "" {
		options = append(options, telegram.SetParseMode(tele.ParseMode(cfg.ParseMode)))
	}

	return telegram.NewDriverFactory(subscribers, options...)
}
