package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the settings shared by the gateway and worker processes.
// Every field is sourced from the environment; Load never fails, Validate
// enforces the invariants a process refuses to start without.
type Config struct {
	Port     string
	LogLevel string
	DevMode  bool

	// Catalog. Empty DatabaseURL selects the SQLite catalog at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// Queue. Empty RedisURL selects the in-memory queue.
	RedisURL            string
	QueueName           string
	DeadLetterQueueName string

	// Object store. Empty S3Bucket selects the in-memory store.
	S3Endpoint        string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Bucket          string
	PublicBaseURL     string

	JWTSecret string

	FreeTierMonthlyLimit int
	RateLimitUpload      string
	RateLimitRead        string
	CORSOrigins          []string

	OTELEndpoint string

	// Worker settings.
	WorkerID       string
	HealthPort     string
	PerturbMode    string
	PerturbEpsilon float64
	PerturbSteps   int
	SigningCertPEM string
	SigningKeyPEM  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if host, err := os.Hostname(); err == nil {
			workerID = host
		} else {
			workerID = "anchor-worker"
		}
	}

	var origins []string
	for _, o := range strings.Split(envOr("CORS_ORIGINS", "*"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return &Config{
		Port:     envOr("PORT", "8080"),
		LogLevel: envOr("LOG_LEVEL", "INFO"),
		DevMode:  os.Getenv("DEV_MODE") == "true",

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  envOr("ANCHOR_SQLITE_PATH", ":memory:"),

		RedisURL:            os.Getenv("REDIS_URL"),
		QueueName:           envOr("QUEUE_NAME", "lore_anchor_tasks"),
		DeadLetterQueueName: envOr("DEAD_LETTER_QUEUE_NAME", "lore_anchor_dead_letters"),

		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3Region:          envOr("S3_REGION", "auto"),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		PublicBaseURL:     os.Getenv("PUBLIC_BASE_URL"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		FreeTierMonthlyLimit: envInt("FREE_TIER_MONTHLY_LIMIT", 5),
		RateLimitUpload:      envOr("RATE_LIMIT_UPLOAD", "10/minute"),
		RateLimitRead:        envOr("RATE_LIMIT_READ", "60/minute"),
		CORSOrigins:          origins,

		OTELEndpoint: os.Getenv("OTEL_ENDPOINT"),

		WorkerID:       workerID,
		HealthPort:     envOr("HEALTH_PORT", "8081"),
		PerturbMode:    envOr("PERTURB_MODE", "latent"),
		PerturbEpsilon: envFloat("PERTURB_EPSILON", 8),
		PerturbSteps:   envInt("PERTURB_STEPS", 3),
		SigningCertPEM: os.Getenv("SIGNING_CERT_PEM"),
		SigningKeyPEM:  os.Getenv("SIGNING_KEY_PEM"),
	}
}

// ValidateGateway checks the settings the ingest gateway refuses to start
// without.
func (c *Config) ValidateGateway() error {
	if c.JWTSecret == "" {
		if !c.DevMode {
			return fmt.Errorf("JWT_SECRET is required outside dev mode")
		}
		c.JWTSecret = "dev-secret-do-not-use"
	}
	if c.FreeTierMonthlyLimit < 0 {
		return fmt.Errorf("FREE_TIER_MONTHLY_LIMIT must be >= 0, got %d", c.FreeTierMonthlyLimit)
	}
	return nil
}

// ValidateWorker checks the settings the protection worker refuses to start
// without. Missing signing credentials are fatal outside dev mode: shipping
// unsigned output would silently void the protection guarantee.
func (c *Config) ValidateWorker() error {
	switch c.PerturbMode {
	case "latent", "freq":
	default:
		return fmt.Errorf("PERTURB_MODE must be latent or freq, got %q", c.PerturbMode)
	}
	if c.PerturbEpsilon <= 0 || c.PerturbEpsilon > 255 {
		return fmt.Errorf("PERTURB_EPSILON must be in (0, 255], got %g", c.PerturbEpsilon)
	}
	if c.PerturbSteps < 1 {
		return fmt.Errorf("PERTURB_STEPS must be >= 1, got %d", c.PerturbSteps)
	}
	if !c.DevMode && (c.SigningCertPEM == "" || c.SigningKeyPEM == "") {
		return fmt.Errorf("SIGNING_CERT_PEM and SIGNING_KEY_PEM are required outside dev mode")
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
