package main

import (
	"context"
	"log"
	"log/slog"
	mathrand "math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"sovi/internal/apiserver"
	"sovi/internal/config"
	"sovi/internal/creationrunner"
	"sovi/internal/scheduler"
	"sovi/internal/servicetoken"
	"sovi/internal/sessionrunner"
	"sovi/internal/util"
	"sovi/internal/warming"
	"sovi/internal/warming/instagram"
	"sovi/internal/warming/tiktok"
	"sovi/pkg/automation"
	"sovi/pkg/captcha"
	"sovi/pkg/credcodec"
	"sovi/pkg/domain"
	"sovi/pkg/eventlog"
	"sovi/pkg/mailpoll"
	"sovi/pkg/smsverify"
	"sovi/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL, store.GormStoreOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	var amqpConn *amqp.Connection
	if cfg.AMQPURL != "" {
		amqpConn, err = amqp.Dial(cfg.AMQPURL)
		if err != nil {
			logger.Warn("amqp dial failed, continuing without fallback event sink", "err", err)
			amqpConn = nil
		}
	}
	events, err := eventlog.New(st, amqpConn)
	if err != nil {
		log.Fatalf("failed to init event log: %v", err)
	}

	codec, err := credcodec.NewFromBase64(cfg.CredentialMasterKey)
	if err != nil {
		log.Fatalf("failed to init credential codec: %v", err)
	}

	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
		Issuer:         cfg.ServiceTokenIssuer,
		PrivateKeyPath: cfg.ServiceTokenPrivateKeyPath,
	})
	if err != nil {
		log.Fatalf("failed to init service token signer: %v", err)
	}

	registry := warming.Registry{
		domain.PlatformTikTok: func(c *automation.Client, sessionID string, rng *mathrand.Rand) warming.Warmer {
			return tiktok.New(c, sessionID, rng)
		},
		domain.PlatformInstagram: func(c *automation.Client, sessionID string, rng *mathrand.Rand) warming.Warmer {
			return instagram.New(c, sessionID, rng)
		},
	}
	sessions := sessionrunner.New(st, events, codec, registry, sessionrunner.Budgets{})
	creations := creationrunner.New(st, events, codec, buildCreationCollaborators(cfg, logger))

	alerter := scheduler.NewHealthAlerter(cfg.RedisAddr, cfg.RedisPassword, "")
	heartbeat := scheduler.NewHeartbeatCache(cfg.RedisAddr, cfg.RedisPassword, "")

	sched := scheduler.New(st, events, signer, sessions, creations, alerter, heartbeat)

	apiSrv, err := apiserver.New(apiserver.Config{
		Store:                       st,
		Events:                      events,
		Scheduler:                   sched,
		RedisAddr:                   cfg.RedisAddr,
		RedisPassword:               cfg.RedisPassword,
		SchedulerRateLimitPerMinute: cfg.SchedulerRateLimitPerMinute,
		ResolveRateLimitPerMinute:   cfg.EventResolveRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init api server: %v", err)
	}

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      apiSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the log stream endpoint holds connections open
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		logger.Error("scheduler failed to start", "err", err)
	}

	go func() {
		slog.Info("orchestrator api server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown error", "err", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler stop error", "err", err)
	}
}

func buildCreationCollaborators(cfg config.FileConfig, logger *slog.Logger) creationrunner.Collaborators {
	if !cfg.CreationCollaboratorsConfigured() {
		logger.Warn("captcha/mail/sms credentials not fully configured; account creation will always be skipped")
		return creationrunner.Collaborators{}
	}

	captchaClient, err := captcha.New(cfg.CaptchaBaseURL, cfg.CaptchaAPIKey)
	if err != nil {
		logger.Error("failed to init captcha client, account creation will be skipped", "err", err)
		return creationrunner.Collaborators{}
	}
	smsClient, err := smsverify.New(smsverify.Config{
		AccessKeyID:     cfg.SMSAccessKeyID,
		AccessKeySecret: cfg.SMSAccessKeySecret,
		Endpoint:        cfg.SMSEndpoint,
	})
	if err != nil {
		logger.Error("failed to init sms client, account creation will be skipped", "err", err)
		return creationrunner.Collaborators{}
	}
	mailPoller := mailpoll.New(cfg.MailIMAPAddr, cfg.MailIMAPUsername, cfg.MailIMAPPassword, cfg.MailIMAPMailbox)

	return creationrunner.Collaborators{
		Captcha: captchaClient,
		Mail:    mailPoller,
		SMS:     smsClient,
	}
}
