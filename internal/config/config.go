package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/fuel-dispatch/internal/models"
	"github.com/example/fuel-dispatch/internal/money"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	OSRMEndpoint    string
	DefaultSpeedMps float64

	StripeEnabled bool
	PushEndpoint  string
	OfferWebhook  string
	FCMEndpoint   string
	FCMServerKey  string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "stations_geo",
		KafkaTopic:      "station-events",
		DefaultSpeedMps: 10,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)

	cfg.StripeEnabled = strings.EqualFold(os.Getenv("STRIPE_ENABLED"), "true")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	setStringFromEnv(&cfg.OfferWebhook, "OFFER_WEBHOOK_URL")
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	setStringFromEnv(&cfg.FCMServerKey, "FCM_SERVER_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	return cfg, errors.Join(errs...)
}

// defaultPlatformSettings mirrors the seeded platform_settings row.
func defaultPlatformSettings() models.PlatformSettings {
	return models.PlatformSettings{
		DeliveryFeeBase:       money.Amount(50),
		PlatformServiceFeePct: 5,

		SurgeEnabled:             true,
		SurgeNightStartHour:      22,
		SurgeNightEndHour:        6,
		SurgeNightMultiplier:     1.5,
		SurgeRainMultiplier:      1.2,
		SurgeEmergencyMultiplier: 2.0,

		WorkerBasePay:          money.Amount(30),
		WorkerPerKmRate:        8,
		WorkerSurgeShare:       0.5,
		WorkerWaitingPerMinute: 2,
		WorkerWaitingBonusCap:  money.Amount(60),
		WorkerMinimumGuarantee: money.Amount(0),

		ResolverTopK:         8,
		MaxReassignments:     3,
		CacheStalenessMeters: 200,
		CODDebitTolerance:    money.Amount(0),
	}
}

// LoadPlatformSettings reads the pricing configuration from the environment
// on top of the seeded defaults.
func LoadPlatformSettings() (models.PlatformSettings, error) {
	set := defaultPlatformSettings()
	var errs []error

	setMoneyFromEnv(&set.DeliveryFeeBase, "DELIVERY_FEE_BASE", &errs)
	setInt64FromEnv(&set.PlatformServiceFeePct, "PLATFORM_SERVICE_FEE_PCT", &errs)

	if v := os.Getenv("SURGE_ENABLED"); v != "" {
		set.SurgeEnabled = strings.EqualFold(v, "true")
	}
	setIntFromEnv(&set.SurgeNightStartHour, "SURGE_NIGHT_START_HOUR", &errs)
	setIntFromEnv(&set.SurgeNightEndHour, "SURGE_NIGHT_END_HOUR", &errs)
	setFloatFromEnv(&set.SurgeNightMultiplier, "SURGE_NIGHT_MULTIPLIER", &errs)
	setFloatFromEnv(&set.SurgeRainMultiplier, "SURGE_RAIN_MULTIPLIER", &errs)
	setFloatFromEnv(&set.SurgeEmergencyMultiplier, "SURGE_EMERGENCY_MULTIPLIER", &errs)

	setMoneyFromEnv(&set.WorkerBasePay, "WORKER_BASE_PAY", &errs)
	setFloatFromEnv(&set.WorkerPerKmRate, "WORKER_PER_KM_RATE", &errs)
	setFloatFromEnv(&set.WorkerSurgeShare, "WORKER_SURGE_SHARE", &errs)
	setFloatFromEnv(&set.WorkerWaitingPerMinute, "WORKER_WAITING_PER_MINUTE", &errs)
	setMoneyFromEnv(&set.WorkerWaitingBonusCap, "WORKER_WAITING_BONUS_CAP", &errs)
	setMoneyFromEnv(&set.WorkerMinimumGuarantee, "WORKER_MINIMUM_GUARANTEE", &errs)

	setIntFromEnv(&set.ResolverTopK, "RESOLVER_TOP_K", &errs)
	setIntFromEnv(&set.MaxReassignments, "MAX_REASSIGNMENTS", &errs)
	setFloatFromEnv(&set.CacheStalenessMeters, "CACHE_STALENESS_METERS", &errs)
	setMoneyFromEnv(&set.CODDebitTolerance, "COD_DEBIT_TOLERANCE", &errs)

	if set.ResolverTopK <= 0 {
		errs = append(errs, fmt.Errorf("RESOLVER_TOP_K must be > 0"))
	}
	if set.MaxReassignments <= 0 {
		errs = append(errs, fmt.Errorf("MAX_REASSIGNMENTS must be > 0"))
	}
	if set.SurgeNightStartHour < 0 || set.SurgeNightStartHour > 23 {
		errs = append(errs, fmt.Errorf("SURGE_NIGHT_START_HOUR out of range"))
	}
	if set.SurgeNightEndHour < 0 || set.SurgeNightEndHour > 23 {
		errs = append(errs, fmt.Errorf("SURGE_NIGHT_END_HOUR out of range"))
	}

	return set, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setMoneyFromEnv(target *money.Amount, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = money.Amount(i)
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
