package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// JWT configuration
	JWT JWTConfig

	// CORS configuration
	CORS CORSConfig

	// PhonePe gateway configuration
	PhonePe PhonePeConfig

	// Downstream booking API configuration
	BookingAPI BookingAPIConfig

	// Notification webhook configuration
	Notifications NotificationConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

// JWTConfig holds JWT-related configuration
type JWTConfig struct {
	Secret             string
	RefreshSecret      string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// PhonePeConfig holds PhonePe gateway configuration. Credentials are
// selected per environment so a production deploy cannot silently pick
// up sandbox keys.
type PhonePeConfig struct {
	Environment string // "sandbox" or "production"
	MerchantID  string
	SaltKey     string
	SaltIndex   string
	// Previous salt pair, kept during key rotation so in-flight
	// callbacks signed with the old key still verify.
	PreviousSaltKey   string
	PreviousSaltIndex string
	PayURL            string
	StatusURL         string
	RedirectURL       string // where PhonePe sends the user after checkout
	CallbackURL       string // our webhook endpoint
	PendingTTL        time.Duration
}

// BookingAPIConfig holds the downstream booking API endpoints
type BookingAPIConfig struct {
	CreateURL         string
	CreateFallbackURL string
	PaymentsURL       string
}

// NotificationConfig holds fire-and-forget notification endpoints
type NotificationConfig struct {
	ConfirmationWebhookURL string
	ReceiptEmailURL        string
	OpsAlertURL            string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	environment := getEnv("PHONEPE_ENVIRONMENT", "sandbox")

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
		},
		JWT: JWTConfig{
			Secret:             getEnv("JWT_SECRET", ""),
			RefreshSecret:      getEnv("JWT_REFRESH_SECRET", ""),
			AccessTokenExpiry:  time.Duration(getEnvAsInt("JWT_ACCESS_TOKEN_EXPIRY", 3600)) * time.Second,
			RefreshTokenExpiry: time.Duration(getEnvAsInt("JWT_REFRESH_TOKEN_EXPIRY", 604800)) * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization", "X-VERIFY"}),
		},
		PhonePe: loadPhonePeConfig(environment),
		BookingAPI: BookingAPIConfig{
			CreateURL:         getEnv("BOOKING_API_CREATE_URL", ""),
			CreateFallbackURL: getEnv("BOOKING_API_CREATE_FALLBACK_URL", ""),
			PaymentsURL:       getEnv("BOOKING_API_PAYMENTS_URL", ""),
		},
		Notifications: NotificationConfig{
			ConfirmationWebhookURL: getEnv("NOTIFY_CONFIRMATION_WEBHOOK_URL", ""),
			ReceiptEmailURL:        getEnv("NOTIFY_RECEIPT_EMAIL_URL", ""),
			OpsAlertURL:            getEnv("NOTIFY_OPS_ALERT_URL", ""),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// loadPhonePeConfig picks the credential set matching the selected
// environment. Sandbox defaults use PhonePe's published UAT values.
func loadPhonePeConfig(environment string) PhonePeConfig {
	cfg := PhonePeConfig{
		Environment: environment,
		RedirectURL: getEnv("PHONEPE_REDIRECT_URL", ""),
		CallbackURL: getEnv("PHONEPE_CALLBACK_URL", ""),
		PendingTTL:  time.Duration(getEnvAsInt("PENDING_BOOKING_TTL", 1800)) * time.Second,
	}

	if environment == "production" {
		cfg.MerchantID = getEnv("PHONEPE_PROD_MERCHANT_ID", "")
		cfg.SaltKey = getEnv("PHONEPE_PROD_SALT_KEY", "")
		cfg.SaltIndex = getEnv("PHONEPE_PROD_SALT_INDEX", "1")
		cfg.PreviousSaltKey = getEnv("PHONEPE_PROD_PREVIOUS_SALT_KEY", "")
		cfg.PreviousSaltIndex = getEnv("PHONEPE_PROD_PREVIOUS_SALT_INDEX", "")
		cfg.PayURL = getEnv("PHONEPE_PROD_PAY_URL", "https://api.phonepe.com/apis/hermes/pg/v1/pay")
		cfg.StatusURL = getEnv("PHONEPE_PROD_STATUS_URL", "https://api.phonepe.com/apis/hermes/pg/v1/status")
		return cfg
	}

	cfg.MerchantID = getEnv("PHONEPE_TEST_MERCHANT_ID", "PGTESTPAYUAT86")
	cfg.SaltKey = getEnv("PHONEPE_TEST_SALT_KEY", "96434309-7796-489d-8924-ab56988a6076")
	cfg.SaltIndex = getEnv("PHONEPE_TEST_SALT_INDEX", "1")
	cfg.PreviousSaltKey = getEnv("PHONEPE_TEST_PREVIOUS_SALT_KEY", "")
	cfg.PreviousSaltIndex = getEnv("PHONEPE_TEST_PREVIOUS_SALT_INDEX", "")
	cfg.PayURL = getEnv("PHONEPE_TEST_PAY_URL", "https://api-preprod.phonepe.com/apis/pg-sandbox/pg/v1/pay")
	cfg.StatusURL = getEnv("PHONEPE_TEST_STATUS_URL", "https://api-preprod.phonepe.com/apis/pg-sandbox/pg/v1/status")
	return cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.JWT.RefreshSecret == "" {
		return fmt.Errorf("JWT_REFRESH_SECRET is required")
	}

	if c.BookingAPI.CreateURL == "" {
		return fmt.Errorf("BOOKING_API_CREATE_URL is required")
	}

	if c.PhonePe.Environment == "production" {
		if c.PhonePe.MerchantID == "" {
			return fmt.Errorf("PHONEPE_PROD_MERCHANT_ID is required in production")
		}
		if c.PhonePe.SaltKey == "" {
			return fmt.Errorf("PHONEPE_PROD_SALT_KEY is required in production")
		}
	}

	// Deeper credential/endpoint consistency checks happen in the
	// phonepe package before the gateway client is constructed.

	return nil
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
