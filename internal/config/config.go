package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // SERVICE_TZ must resolve on minimal images

	"github.com/subosito/gotenv"
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

	KafkaBrokers        []string
	KafkaLocationTopic  string
	KafkaRideEventTopic string

	AMQPURL      string
	AMQPExchange string

	NotifyWebhookURL string
	NotifyWebhookKey string

	PGDSN         string
	RunMigrations bool

	JWTSecret string
	JWTIssuer string

	PricingTableFile string
	PricingFactorURL string
	PricingFactorKey string
	PricingTimeout   time.Duration
	TimeZone         *time.Location

	RerankURL     string
	RerankKey     string
	RerankTimeout time.Duration

	MatchRadiusKm   float64
	MatchLimit      int
	DefaultSpeedMps float64
	OSRMURL         string
	OSRMTimeout     time.Duration
	ETATimeout      time.Duration
	ETACacheTTL     time.Duration

	RideRequestTTL time.Duration
	SweepInterval  time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		KafkaLocationTopic:  "driver-locations",
		KafkaRideEventTopic: "ride-events",
		AMQPExchange:        "ride_events",
		JWTIssuer:           "ride-dispatch",
		PricingTimeout:      2 * time.Second,
		TimeZone:            time.UTC,
		RerankTimeout:       2 * time.Second,
		MatchRadiusKm:       5,
		MatchLimit:          5,
		DefaultSpeedMps:     8,
		OSRMTimeout:         500 * time.Millisecond,
		ETATimeout:          time.Second,
		ETACacheTTL:         time.Minute,
		LogLevel:            "info",
	}
}

// LoadDotEnv loads KEY=VALUE pairs from path without overriding variables
// already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := gotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
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
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaRideEventTopic, "KAFKA_RIDE_EVENTS_TOPIC")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	cfg.NotifyWebhookKey = os.Getenv("NOTIFY_WEBHOOK_KEY")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")

	cfg.PricingTableFile = strings.TrimSpace(os.Getenv("PRICING_TABLE_FILE"))
	cfg.PricingFactorURL = strings.TrimSpace(os.Getenv("PRICING_FACTOR_URL"))
	cfg.PricingFactorKey = os.Getenv("PRICING_FACTOR_KEY")
	setDurationFromEnv(&cfg.PricingTimeout, "PRICING_TIMEOUT", &errs)
	setLocationFromEnv(&cfg.TimeZone, "SERVICE_TZ", &errs)

	cfg.RerankURL = strings.TrimSpace(os.Getenv("RERANK_URL"))
	cfg.RerankKey = os.Getenv("RERANK_KEY")
	setDurationFromEnv(&cfg.RerankTimeout, "RERANK_TIMEOUT", &errs)

	setFloatFromEnv(&cfg.MatchRadiusKm, "MATCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MatchLimit, "MATCH_LIMIT", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	cfg.OSRMURL = strings.TrimSpace(os.Getenv("OSRM_URL"))
	setDurationFromEnv(&cfg.OSRMTimeout, "OSRM_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ETATimeout, "ETA_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setDurationFromEnv(&cfg.RideRequestTTL, "RIDE_REQUEST_TTL", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "RIDE_SWEEP_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.MatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_KM must be > 0"))
	}
	if cfg.MatchLimit <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_LIMIT must be > 0"))
	}
	if cfg.PricingTimeout <= 0 || cfg.RerankTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PRICING_TIMEOUT and RERANK_TIMEOUT must be > 0"))
	}
	if cfg.OSRMTimeout <= 0 || cfg.ETATimeout <= 0 {
		errs = append(errs, fmt.Errorf("OSRM_TIMEOUT and ETA_TIMEOUT must be > 0"))
	}
	if cfg.RideRequestTTL < 0 {
		errs = append(errs, fmt.Errorf("RIDE_REQUEST_TTL must not be negative"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the driver location consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	PGDSN         string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		LogLevel:     "info",
	}
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	cfg.PGDSN = os.Getenv("PG_DSN")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	return cfg, nil
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

func setLocationFromEnv(target **time.Location, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = loc
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
