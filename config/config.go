package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	GatewayBaseURL    string
	GatewayAdminToken string
	DatabaseURL       string
	Port              string
	LogLevel          string
	LogFormat         string
	PairingWebhookURL string
	RabbitMQURL       string
	RabbitMQQueue     string
	QRTerminal        bool // render raw pairing codes in the terminal (debug)
}

// LoadConfig loads configuration from environment variables. A .env file is
// loaded if present; real environment variables take precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		GatewayBaseURL:    os.Getenv("GATEWAY_BASE_URL"),
		GatewayAdminToken: os.Getenv("GATEWAY_ADMIN_TOKEN"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		Port:              os.Getenv("PORT"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		LogFormat:         os.Getenv("LOG_FORMAT"),
		PairingWebhookURL: os.Getenv("PAIRING_WEBHOOK_URL"),
		RabbitMQURL:       os.Getenv("RABBITMQ_URL"),
		RabbitMQQueue:     os.Getenv("RABBITMQ_QUEUE"),
		QRTerminal:        os.Getenv("QR_TERMINAL") == "true",
	}

	if cfg.GatewayBaseURL == "" {
		return nil, fmt.Errorf("GATEWAY_BASE_URL must be set")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "saas.db"
		log.Info().Str("database_url", cfg.DatabaseURL).Msg("DATABASE_URL not set, using default")
	}

	return cfg, nil
}
