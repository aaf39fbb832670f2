package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/takes/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/config"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/database"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/grading"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/profiles"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/scheduler"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/server"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/takes"
	"github.com/spf13/viper"
	twilioclient "github.com/twilio/twilio-go/client"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// application holds the wired services for one process.
type application struct {
	config        config.AppConfig
	logger        *zap.Logger
	db            *gorm.DB
	takes         *takes.Service
	conversations *conversations.Engine
	grader        *grading.Engine
	scheduler     *scheduler.Scheduler
	closers       []func() error
}

func buildApplication(appConfig config.AppConfig) (*application, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return nil, err
	}
	app := &application{config: appConfig, logger: logger}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app.db = db
	app.closers = append(app.closers, sqlDB.Close)

	gateway, err := app.newGateway()
	if err != nil {
		app.Close()
		return nil, err
	}
	dispatcher, err := notify.NewDispatcher(notify.DispatcherConfig{
		Gateway:     gateway,
		Concurrency: appConfig.NotifyConcurrency,
		Logger:      logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.takes, err = takes.NewService(takes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: takes.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.conversations, err = conversations.NewEngine(conversations.EngineConfig{
		Database: db,
		Takes:    app.takes,
		Sender:   dispatcher,
		BaseURL:  appConfig.SiteBaseURL,
		Logger:   logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.grader, err = grading.NewEngine(grading.EngineConfig{
		Database:   db,
		Dispatcher: dispatcher,
		PushPoints: appConfig.GradingPushPoints,
		TokenRate:  appConfig.GradingTokenRate,
		BaseURL:    appConfig.SiteBaseURL,
		Logger:     logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	resolver, err := profiles.NewResolver(db)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.scheduler, err = scheduler.New(scheduler.Config{
		Database:    db,
		Recipients:  resolver,
		Dispatcher:  dispatcher,
		Seeder:      app.conversations,
		BaseURL:     appConfig.SiteBaseURL,
		Concurrency: appConfig.NotifyConcurrency,
		Logger:      logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	return app, nil
}

func (a *application) newGateway() (notify.Gateway, error) {
	switch a.config.NotifyTransport {
	case notify.TransportLog:
		return notify.NewLogGateway(a.logger), nil
	case notify.TransportTwilio:
		return notify.NewTwilioGateway(notify.TwilioGatewayConfig{
			AccountSID: a.config.TwilioAccountSID,
			AuthToken:  a.config.TwilioAuthToken,
			FromNumber: a.config.NotifyFromNumber,
		})
	case notify.TransportAMQP:
		gateway, err := notify.DialAMQPGateway(a.config.AMQPURL, a.config.AMQPQueue)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, gateway.Close)
		return gateway, nil
	default:
		return nil, fmt.Errorf("%w: %s", notify.ErrUnknownTransport, a.config.NotifyTransport)
	}
}

// Close releases resources in reverse acquisition order.
func (a *application) Close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](); err != nil {
			a.logger.Warn("resource close failed", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.AuthTokenTTL,
	})
}

func (a *application) httpDependencies() (server.Dependencies, error) {
	issuer, err := newTokenIssuer(a.config)
	if err != nil {
		return server.Dependencies{}, err
	}
	adminValidator, err := auth.NewAdminValidator(issuer)
	if err != nil {
		return server.Dependencies{}, err
	}
	schedulerSecret, err := auth.NewSchedulerSecret(a.config.SchedulerSecret)
	if err != nil {
		return server.Dependencies{}, err
	}

	deps := server.Dependencies{
		Takes:           a.takes,
		Conversations:   a.conversations,
		Scheduler:       a.scheduler,
		Grader:          a.grader,
		AdminAuthorizer: adminValidator,
		SchedulerSecret: schedulerSecret,
		WebhookURL:      a.config.SMSWebhookURL,
		AllowedOrigins:  a.config.AllowedOrigins,
		Logger:          a.logger,
	}

	if a.config.RedisAddress != "" {
		client := ratelimit.NewRedisClient(a.config.RedisAddress)
		a.closers = append(a.closers, client.Close)
		limiter, err := ratelimit.NewRedisLimiter(ratelimit.RedisConfig{
			Client: client,
			Limit:  a.config.RateLimitPerMinute,
			Window: time.Minute,
		})
		if err != nil {
			return server.Dependencies{}, err
		}
		deps.Limiter = limiter
	}

	if a.config.TwilioValidateSignatures {
		validator := twilioclient.NewRequestValidator(a.config.TwilioAuthToken)
		deps.SignatureValidator = &validator
	}

	return deps, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	app, err := buildApplication(appConfig)
	if err != nil {
		return err
	}
	defer app.Close()

	deps, err := app.httpDependencies()
	if err != nil {
		return err
	}
	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.String("transport", appConfig.NotifyTransport))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
