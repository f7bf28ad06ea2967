package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"CapIot.lorawan/internal/broker"
	"CapIot.lorawan/internal/config"
	"CapIot.lorawan/internal/controller"
	"CapIot.lorawan/internal/logging"
	"CapIot.lorawan/internal/middleware"
	"CapIot.lorawan/internal/models"
	"CapIot.lorawan/internal/repository"
	"CapIot.lorawan/internal/routes"
	"CapIot.lorawan/internal/service"
	"CapIot.lorawan/internal/stream"
	"CapIot.lorawan/internal/ttn"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.Fatal().Err(err).Msg("Error loading configuration")
	}
	logging.Init(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo := repository.NewInfluxDBRepository(cfg.InfluxDBURL, cfg.InfluxDBToken, cfg.InfluxDBOrg, cfg.InfluxDBBucket)
	defer repo.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := repo.Ping(pingCtx); err != nil {
		logging.Warn().Err(err).Str("url", cfg.InfluxDBURL).Msg("InfluxDB not reachable yet")
	}
	cancel()

	var guard repository.FrameCounterGuard = repository.NopGuard{}
	if cfg.RedisAddr != "" {
		redisGuard, err := repository.NewRedisGuard(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DedupTTL)
		if err != nil {
			logging.Fatal().Err(err).Msg("Error initializing Redis")
		}
		defer redisGuard.Close()
		guard = redisGuard
	}

	hub := stream.NewHub()
	readings := service.NewReadingService(repo, guard, hub)
	if len(cfg.KafkaBrokers) > 0 {
		mirror, err := broker.NewKafkaMirror(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logging.Fatal().Err(err).Msg("Error initializing Kafka mirror")
		}
		defer mirror.Close()
		readings.WithMirror(mirror)
		logging.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("mirroring readings to Kafka")
	}

	if cfg.TTNMQTTURL != "" {
		subscriber := ttn.NewMQTTSubscriber(ttn.MQTTConfig{
			BrokerURL: cfg.TTNMQTTURL,
			Tenant:    cfg.TTNTenant,
			AppID:     cfg.TTNAppID,
			APIKey:    cfg.TTNAPIKey,
		}, func(ctx context.Context, env models.UplinkEnvelope) error {
			_, err := readings.IngestUplink(ctx, env, "mqtt")
			return err
		})
		if err := subscriber.Start(ctx); err != nil {
			logging.Fatal().Err(err).Msg("Error connecting to TTN MQTT")
		}
		defer subscriber.Stop()
	}

	auth := service.NewAuthService(cfg.AdminUser, cfg.AdminPass, cfg.SessionSecret, cfg.SessionTTL)
	session, err := middleware.NewSessionMiddleware(auth.Secret(), service.SessionIssuer, service.SessionAudience)
	if err != nil {
		logging.Fatal().Err(err).Msg("Error creating session validator")
	}

	router := mux.NewRouter()
	routes.RegisterRoutes(router,
		controller.NewDataController(readings, hub),
		controller.NewAuthController(auth, ttn.NewDownlinkClient(cfg.TTNRegion, cfg.TTNAppID, cfg.TTNAPIKey), cfg.CookieSecure),
		routes.Middlewares{Session: session, Webhook: middleware.RequireBearer(cfg.WebhookSecret)},
	)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           c.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
		// event streams end with ctx
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("forced shutdown")
		}
	}()

	logging.Info().Str("addr", server.Addr).Msg("Server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error().Err(err).Msg("Error starting server")
	}
}
