package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"
)

// Run modes for cmd/server.
const (
	RunModeServer = "server" // HTTP API plus the in-process ticker
	RunModeOnce   = "once"   // a single scheduler invocation, then exit
	RunModeSQS    = "sqs"    // invocations triggered by SQS messages
)

type Config struct {
	Port     int
	LogLevel string
	Env      string
	RunMode  string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config; empty host disables leases, idempotency and rate limits
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion              string
	AWSEndpointURL         string // localstack or other emulators
	SchedulerQueueURL      string
	DispatchEventsTopicARN string

	// Web push
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
	PushTTL         int // seconds the push service may hold a message
	PushTimeout     time.Duration

	// Scheduler
	DefaultTimezone    string
	SchedulerInterval  time.Duration // 0 disables the in-process ticker
	SchedulerBatchSize int
	SchedulerWorkers   int
	SchedulerLockTTL   time.Duration // 0 derives it from batch size, workers and push timeout
	CronSecret         string

	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",
		RunMode:  RunModeServer,

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "medreminder",
		DBSSLMode: "disable",

		RedisPort: 6379,

		AWSRegion: "us-east-1",

		VAPIDSubscriber: "mailto:admin@medreminder.local",
		PushTTL:         86400,
		PushTimeout:     10 * time.Second,

		DefaultTimezone:    "Asia/Kolkata",
		SchedulerInterval:  time.Minute,
		SchedulerBatchSize: 100,
		SchedulerWorkers:   8,

		RateLimitPerMinute: 100,
	}

	if err := intEnv("PORT", &cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if mode := os.Getenv("RUN_MODE"); mode != "" {
		cfg.RunMode = mode
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if err := intEnv("DB_PORT", &cfg.DBPort); err != nil {
		return nil, err
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	cfg.RedisHost = os.Getenv("REDIS_HOST")

	if err := intEnv("REDIS_PORT", &cfg.RedisPort); err != nil {
		return nil, err
	}

	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if err := intEnv("REDIS_DB", &cfg.RedisDB); err != nil {
		return nil, err
	}

	// AWS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	cfg.AWSEndpointURL = os.Getenv("AWS_ENDPOINT_URL")
	cfg.SchedulerQueueURL = os.Getenv("SCHEDULER_QUEUE_URL")
	cfg.DispatchEventsTopicARN = os.Getenv("DISPATCH_EVENTS_TOPIC_ARN")

	// Web push config
	cfg.VAPIDPublicKey = os.Getenv("VAPID_PUBLIC_KEY")
	cfg.VAPIDPrivateKey = os.Getenv("VAPID_PRIVATE_KEY")
	if sub := os.Getenv("VAPID_SUBSCRIBER"); sub != "" {
		cfg.VAPIDSubscriber = sub
	}

	if err := intEnv("PUSH_TTL_SECONDS", &cfg.PushTTL); err != nil {
		return nil, err
	}

	if err := secondsEnv("PUSH_TIMEOUT_SECONDS", &cfg.PushTimeout); err != nil {
		return nil, err
	}

	// Scheduler config
	if tz := os.Getenv("DEFAULT_TIMEZONE"); tz != "" {
		cfg.DefaultTimezone = tz
	}

	if err := secondsEnv("SCHEDULER_INTERVAL_SECONDS", &cfg.SchedulerInterval); err != nil {
		return nil, err
	}

	if err := intEnv("SCHEDULER_BATCH_SIZE", &cfg.SchedulerBatchSize); err != nil {
		return nil, err
	}

	if err := intEnv("SCHEDULER_CONCURRENCY", &cfg.SchedulerWorkers); err != nil {
		return nil, err
	}

	if err := secondsEnv("SCHEDULER_LOCK_TTL_SECONDS", &cfg.SchedulerLockTTL); err != nil {
		return nil, err
	}

	cfg.CronSecret = os.Getenv("CRON_SECRET")

	if err := intEnv("RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.SchedulerLockTTL == 0 {
		cfg.SchedulerLockTTL = cfg.derivedLockTTL()
	}

	return cfg, nil
}

// Validate rejects combinations that would fail later at wiring time.
func (c *Config) Validate() error {
	switch c.RunMode {
	case RunModeServer, RunModeOnce:
	case RunModeSQS:
		if c.SchedulerQueueURL == "" {
			return errors.New("RUN_MODE=sqs requires SCHEDULER_QUEUE_URL")
		}
	default:
		return fmt.Errorf("invalid RUN_MODE %q", c.RunMode)
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("invalid DEFAULT_TIMEZONE: %w", err)
	}

	if c.SchedulerBatchSize <= 0 {
		return errors.New("SCHEDULER_BATCH_SIZE must be positive")
	}
	if c.SchedulerWorkers <= 0 {
		return errors.New("SCHEDULER_CONCURRENCY must be positive")
	}
	if c.SchedulerInterval < 0 {
		return errors.New("SCHEDULER_INTERVAL_SECONDS cannot be negative")
	}
	if c.SchedulerLockTTL < 0 {
		return errors.New("SCHEDULER_LOCK_TTL_SECONDS cannot be negative")
	}

	return nil
}

// PushEnabled reports whether real web push delivery is configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// minLockTTL is the floor for a derived scheduler lease.
const minLockTTL = 2 * time.Minute

// derivedLockTTL covers a full batch sent in rounds of SchedulerWorkers, each
// round bounded by PushTimeout, plus a minute for the repair and expiry passes.
func (c *Config) derivedLockTTL() time.Duration {
	rounds := (c.SchedulerBatchSize + c.SchedulerWorkers - 1) / c.SchedulerWorkers
	ttl := time.Duration(rounds)*c.PushTimeout + time.Minute
	if ttl < minLockTTL {
		return minLockTTL
	}
	return ttl
}

func intEnv(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func secondsEnv(name string, dst *time.Duration) error {
	var n int
	if err := intEnv(name, &n); err != nil {
		return err
	}
	if os.Getenv(name) != "" {
		*dst = time.Duration(n) * time.Second
	}
	return nil
}
