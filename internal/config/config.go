/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: For the default fee percentage.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/transfa/transfer-orchestrator/pkg/aggregator"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the transfer orchestrator.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	StoreDriver                string `mapstructure:"STORE_DRIVER"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	CallbackDedupePrefix       string `mapstructure:"CALLBACK_DEDUPE_PREFIX"`
	CallbackDedupeTTLMinutes   int    `mapstructure:"CALLBACK_DEDUPE_TTL_MINUTES"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	EventsExchange             string `mapstructure:"EVENTS_EXCHANGE"`
	CallbackReplayQueue        string `mapstructure:"CALLBACK_REPLAY_QUEUE"`
	AggregatorProvider         string `mapstructure:"AGGREGATOR_PROVIDER"`
	AggregatorBaseURL          string `mapstructure:"AGGREGATOR_BASE_URL"`
	AggregatorPayoutBaseURL    string `mapstructure:"AGGREGATOR_PAYOUT_BASE_URL"`
	AggregatorAPIToken         string `mapstructure:"AGGREGATOR_API_TOKEN"`
	AggregatorAPIKey           string `mapstructure:"AGGREGATOR_API_KEY"`
	AggregatorMerchantKey      string `mapstructure:"AGGREGATOR_MERCHANT_KEY"`
	AggregatorTimeoutSeconds   int    `mapstructure:"AGGREGATOR_TIMEOUT_SECONDS"`
	AggregatorCallbackBaseURL  string `mapstructure:"AGGREGATOR_CALLBACK_BASE_URL"`
	AggregatorOperatorCodes    string `mapstructure:"AGGREGATOR_OPERATOR_CODES"`
	CallbackSignatureSecret    string `mapstructure:"CALLBACK_SIGNATURE_SECRET"`
	Currency                   string `mapstructure:"CURRENCY"`
	DefaultCountry             string `mapstructure:"DEFAULT_COUNTRY"`
	DefaultFeePercentRaw       string `mapstructure:"DEFAULT_FEE_PERCENT"`
	InternalAPIKey             string `mapstructure:"INTERNAL_API_KEY"`
	AuthJWKSURL                string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience               string `mapstructure:"AUTH_AUDIENCE"`
	AuthIssuer                 string `mapstructure:"AUTH_ISSUER"`
	CORSAllowedOriginsRaw      string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	ReconcileSchedule          string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileStuckAfterMinutes int    `mapstructure:"RECONCILE_STUCK_AFTER_MINUTES"`
	ReconcileBatchSize         int    `mapstructure:"RECONCILE_BATCH_SIZE"`

	// Derived values, filled after unmarshalling.
	DefaultFeePercent  decimal.Decimal   `mapstructure:"-"`
	CORSAllowedOrigins []string          `mapstructure:"-"`
	OperatorCodes      map[string]string `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("CALLBACK_DEDUPE_PREFIX", "transfers:callbacks")
	viper.SetDefault("CALLBACK_DEDUPE_TTL_MINUTES", 60)
	viper.SetDefault("EVENTS_EXCHANGE", "transfers.events")
	viper.SetDefault("CALLBACK_REPLAY_QUEUE", "transfer_orchestrator.callback_replay")
	viper.SetDefault("AGGREGATOR_PROVIDER", aggregator.ProviderPawaPay)
	viper.SetDefault("AGGREGATOR_TIMEOUT_SECONDS", 30)
	viper.SetDefault("CURRENCY", "XOF")
	viper.SetDefault("DEFAULT_COUNTRY", "BF")
	viper.SetDefault("DEFAULT_FEE_PERCENT", "1")
	viper.SetDefault("RECONCILE_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("RECONCILE_STUCK_AFTER_MINUTES", 30)
	viper.SetDefault("RECONCILE_BATCH_SIZE", 100)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("CALLBACK_DEDUPE_PREFIX")
	_ = viper.BindEnv("CALLBACK_DEDUPE_TTL_MINUTES")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("CALLBACK_REPLAY_QUEUE")
	_ = viper.BindEnv("AGGREGATOR_PROVIDER")
	_ = viper.BindEnv("AGGREGATOR_BASE_URL")
	_ = viper.BindEnv("AGGREGATOR_PAYOUT_BASE_URL")
	_ = viper.BindEnv("AGGREGATOR_API_TOKEN")
	_ = viper.BindEnv("AGGREGATOR_API_KEY")
	_ = viper.BindEnv("AGGREGATOR_MERCHANT_KEY")
	_ = viper.BindEnv("AGGREGATOR_TIMEOUT_SECONDS")
	_ = viper.BindEnv("AGGREGATOR_CALLBACK_BASE_URL")
	_ = viper.BindEnv("AGGREGATOR_OPERATOR_CODES")
	_ = viper.BindEnv("CALLBACK_SIGNATURE_SECRET")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("DEFAULT_COUNTRY")
	_ = viper.BindEnv("DEFAULT_FEE_PERCENT")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("AUTH_AUDIENCE")
	_ = viper.BindEnv("AUTH_ISSUER")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_STUCK_AFTER_MINUTES")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != StoreDriverPostgres && config.StoreDriver != StoreDriverMemory {
		log.Printf("level=warn component=config msg=\"unknown store driver; using postgres\" value=%q", config.StoreDriver)
		config.StoreDriver = StoreDriverPostgres
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.CallbackDedupePrefix = strings.TrimSpace(config.CallbackDedupePrefix)
	if config.CallbackDedupeTTLMinutes <= 0 {
		config.CallbackDedupeTTLMinutes = 60
	}

	config.AggregatorProvider = strings.ToLower(strings.TrimSpace(config.AggregatorProvider))
	if config.AggregatorTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive aggregator timeout; using 30s\" value=%d", config.AggregatorTimeoutSeconds)
		config.AggregatorTimeoutSeconds = 30
	}
	config.OperatorCodes = parseOperatorCodes(config.AggregatorOperatorCodes)

	config.Currency = strings.ToUpper(strings.TrimSpace(config.Currency))
	config.DefaultCountry = strings.ToUpper(strings.TrimSpace(config.DefaultCountry))

	config.DefaultFeePercent = decimal.NewFromInt(1)
	if raw := strings.TrimSpace(config.DefaultFeePercentRaw); raw != "" {
		percent, parseErr := decimal.NewFromString(raw)
		switch {
		case parseErr != nil:
			log.Printf("level=warn component=config msg=\"invalid DEFAULT_FEE_PERCENT; using 1\" value=%q err=%v", raw, parseErr)
		case percent.IsNegative():
			log.Printf("level=warn component=config msg=\"negative fee percent configured; coercing to zero\" value=%s", percent)
			config.DefaultFeePercent = decimal.Zero
		case percent.GreaterThan(decimal.NewFromInt(100)):
			log.Printf("level=warn component=config msg=\"fee percent too high; capping at 100\" value=%s", percent)
			config.DefaultFeePercent = decimal.NewFromInt(100)
		default:
			config.DefaultFeePercent = percent
		}
	}

	config.CORSAllowedOrigins = splitList(config.CORSAllowedOriginsRaw)
	config.ReconcileSchedule = strings.TrimSpace(config.ReconcileSchedule)
	if config.ReconcileStuckAfterMinutes <= 0 {
		config.ReconcileStuckAfterMinutes = 30
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 100
	}

	return
}

// Aggregator returns the adapter configuration.
func (c Config) Aggregator() aggregator.Config {
	return aggregator.Config{
		Provider:        c.AggregatorProvider,
		BaseURL:         strings.TrimSpace(c.AggregatorBaseURL),
		PayoutBaseURL:   strings.TrimSpace(c.AggregatorPayoutBaseURL),
		APIToken:        strings.TrimSpace(c.AggregatorAPIToken),
		APIKey:          strings.TrimSpace(c.AggregatorAPIKey),
		MerchantKey:     strings.TrimSpace(c.AggregatorMerchantKey),
		CallbackBaseURL: strings.TrimSpace(c.AggregatorCallbackBaseURL),
		Timeout:         time.Duration(c.AggregatorTimeoutSeconds) * time.Second,
		OperatorCodes:   c.OperatorCodes,
	}
}

// CallbackDedupeTTL is the lifetime of a remembered callback delivery.
func (c Config) CallbackDedupeTTL() time.Duration {
	return time.Duration(c.CallbackDedupeTTLMinutes) * time.Minute
}

// ReconcileStuckAfter is how long a non-terminal transfer may sit idle before the sweep reports it.
func (c Config) ReconcileStuckAfter() time.Duration {
	return time.Duration(c.ReconcileStuckAfterMinutes) * time.Minute
}

// parseOperatorCodes reads "BF:orange=ORANGE_BFA,BF:moov=MOOV_BFA".
func parseOperatorCodes(raw string) map[string]string {
	codes := map[string]string{}
	for _, entry := range splitList(raw) {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		country, operator, hasCountry := strings.Cut(key, ":")
		if !ok || !hasCountry || value == "" {
			log.Printf("level=warn component=config msg=\"ignoring malformed operator code mapping\" entry=%q", entry)
			continue
		}
		codes[strings.ToUpper(strings.TrimSpace(country))+":"+strings.ToLower(strings.TrimSpace(operator))] = value
	}
	return codes
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
