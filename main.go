package main

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/Evemarques07/saas-sub002/config"
	"github.com/Evemarques07/saas-sub002/internal/db"
	"github.com/Evemarques07/saas-sub002/internal/events"
	"github.com/Evemarques07/saas-sub002/internal/gateway"
	"github.com/Evemarques07/saas-sub002/internal/handlers"
	"github.com/Evemarques07/saas-sub002/internal/models"
	"github.com/Evemarques07/saas-sub002/internal/services"
	"github.com/Evemarques07/saas-sub002/pkg/logger"
)

func main() {
	logger.InitLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := db.InitDB(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	if err := db.MigrateDB(&models.Company{}); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	gw, err := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAdminToken)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize gateway client")
	}

	companyService, err := services.NewCompanyService(db.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize CompanyService")
	}

	notifier := events.NewNotifier(events.Config{
		WebhookURL:  cfg.PairingWebhookURL,
		RabbitURL:   cfg.RabbitMQURL,
		RabbitQueue: cfg.RabbitMQQueue,
	})
	defer notifier.Close()

	manager := handlers.NewManager(gw, companyService, notifier, cfg.QRTerminal)
	whatsappHandler := handlers.NewWhatsAppHandler(manager)

	router := mux.NewRouter()
	whatsappHandler.RegisterRoutes(router)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	chain := alice.New(
		hlog.NewHandler(log.Logger),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Request handled")
		}),
		hlog.RequestIDHandler("req_id", "Request-Id"),
	).Then(router)

	port := cfg.Port
	if port == "" {
		port = "8080"
		log.Info().Str("port", port).Msg("Defaulting to port")
	}

	log.Info().Str("port", port).Msg("Server starting")
	if err := http.ListenAndServe(":"+port, chain); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}
