package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Storage
	StorageBackend string

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers              []string
	KafkaGroupID              string
	ResearchEventsTopic       string
	AssessmentSubmissionTopic string
	EventsEnabled             bool

	// OIDC
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string

	// Research
	AnonymizationSalt     string
	KAnonymityMin         int
	RandomizationBlock    int
	RandomizationSeed     int64
	JournalEnabled        bool
	ScrubRulesPath        string
	InstrumentCatalogPath string
	FinalTimepoints       []string
	ExportAccessLevel     string
	DatasetDOIPrefix      string

	// Gateway specific
	GatewayRateLimitRPS   int
	GatewayRateLimitBurst int
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("RESEARCH_SERVICE_PORT", "8090"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1024*1024)),

		StorageBackend: getEnv("STORAGE_BACKEND", "memory"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "synaptica"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "synaptica123"),
		PostgresDB:       getEnv("POSTGRES_DB", "synaptica"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:              getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:              getEnv("KAFKA_GROUP_ID", "research-service"),
		ResearchEventsTopic:       getEnv("RESEARCH_EVENTS_TOPIC", "research-events"),
		AssessmentSubmissionTopic: getEnv("ASSESSMENT_SUBMISSIONS_TOPIC", "assessment-submissions"),
		EventsEnabled:             getBoolEnv("EVENTS_ENABLED", false),

		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		OIDCClientID:     getEnv("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),

		AnonymizationSalt:     getEnv("ANONYMIZATION_SALT", ""),
		KAnonymityMin:         getIntEnv("K_ANONYMITY_MIN", 5),
		RandomizationBlock:    getIntEnv("RANDOMIZATION_BLOCK_SIZE", 4),
		RandomizationSeed:     int64(getIntEnv("RANDOMIZATION_SEED", 0)),
		JournalEnabled:        getBoolEnv("JOURNAL_ENABLED", false),
		ScrubRulesPath:        getEnv("SCRUB_RULES_PATH", ""),
		InstrumentCatalogPath: getEnv("INSTRUMENT_CATALOG_PATH", ""),
		FinalTimepoints:       getStringSliceEnv("FINAL_TIMEPOINTS", []string{"final", "week12", "post"}),
		ExportAccessLevel:     getEnv("EXPORT_ACCESS_LEVEL", "restricted"),
		DatasetDOIPrefix:      getEnv("DATASET_DOI_PREFIX", ""),

		GatewayRateLimitRPS:   getIntEnv("GATEWAY_RATE_LIMIT_RPS", 50),
		GatewayRateLimitBurst: getIntEnv("GATEWAY_RATE_LIMIT_BURST", 100),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getStringSliceEnv splits comma separated values.
func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
