package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Control plane backends
const (
	ControlPlaneHTTP  = "http"
	ControlPlaneMongo = "mongo"
	ControlPlaneFile  = "file"
)

// Config holds all agent configuration
type Config struct {
	// Agent identity
	Region  string
	DataDir string

	// Control plane / collector
	ControlPlane      string
	ControlPlaneURL   string
	CollectorURL      string
	ChecksFile        string
	DefaultAPITimeout time.Duration

	// MongoDB Configuration
	MongoURI      string
	MongoDatabase string
	MongoTimeout  time.Duration

	// Status server
	StatusEnabled    bool
	HTTPPort         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration

	// Worker Pool Configuration
	WorkerPoolSize int
	MaxQueuedJobs  int

	// Resource Pool Configuration
	ResourcePoolMin int
	ResourcePoolMax int

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// Scheduler Configuration
	RefreshSchedule   string
	SkipThreshold     time.Duration
	EmptyQueueBackoff time.Duration
	MaxConnectionLoss time.Duration

	// Submission Configuration
	RetrySchedule    string
	RecheckSchedule  string
	DedupRetention   time.Duration
	ReplayRatePerSec int
	EventTimePath    string
	CheckIDPath      string
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	return &Config{
		// Agent
		Region:  getEnv("LOOKOUT_REGION", "default"),
		DataDir: getEnv("DATA_DIR", defaultDataDir()),

		// Control plane / collector
		ControlPlane:      getEnv("CONTROL_PLANE", ControlPlaneHTTP),
		ControlPlaneURL:   getEnv("CONTROL_PLANE_URL", "http://127.0.0.1:8080"),
		CollectorURL:      getEnv("COLLECTOR_URL", "http://127.0.0.1:8080"),
		ChecksFile:        getEnv("CHECKS_FILE", "checks.yaml"),
		DefaultAPITimeout: getDurationEnv("DEFAULT_API_TIMEOUT_SEC", 30) * time.Second,

		// MongoDB
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017/lookout?authSource=admin"),
		MongoDatabase: getEnv("MONGO_DATABASE", "lookout"),
		MongoTimeout:  getDurationEnv("MONGO_TIMEOUT_SEC", 10) * time.Second,

		// Status server
		StatusEnabled:    getBoolEnv("STATUS_ENABLED", true),
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		HTTPReadTimeout:  getDurationEnv("HTTP_READ_TIMEOUT_SEC", 30) * time.Second,
		HTTPWriteTimeout: getDurationEnv("HTTP_WRITE_TIMEOUT_SEC", 30) * time.Second,

		// Worker Pool
		WorkerPoolSize: getIntEnv("WORKER_POOL_SIZE", 4),
		MaxQueuedJobs:  getIntEnv("MAX_QUEUED_JOBS", 1000),

		// Resource Pool
		ResourcePoolMin: getIntEnv("RESOURCE_POOL_MIN", 2),
		ResourcePoolMax: getIntEnv("RESOURCE_POOL_MAX", 4),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Scheduler
		RefreshSchedule:   getEnv("REFRESH_SCHEDULE", "@every 10m"),
		SkipThreshold:     getDurationEnv("SKIP_THRESHOLD_SEC", 300) * time.Second,
		EmptyQueueBackoff: getDurationEnv("EMPTY_QUEUE_BACKOFF_SEC", 10) * time.Second,
		MaxConnectionLoss: getDurationEnv("MAX_CONNECTION_LOSS_HOURS", 48) * time.Hour,

		// Submission
		RetrySchedule:    getEnv("RETRY_SCHEDULE", "@every 2h"),
		RecheckSchedule:  getEnv("RECHECK_SCHEDULE", "@every 12h"),
		DedupRetention:   getDurationEnv("DEDUP_RETENTION_HOURS", 72) * time.Hour,
		ReplayRatePerSec: getIntEnv("REPLAY_RATE_PER_SEC", 5),
		EventTimePath:    getEnv("EVENT_TIME_PATH", "$.event_time"),
		CheckIDPath:      getEnv("CHECK_ID_PATH", "$.check_id"),
	}
}

// Validate rejects configurations the agent cannot start with
func (c *Config) Validate() error {
	var errs []error
	switch c.ControlPlane {
	case ControlPlaneHTTP, ControlPlaneMongo, ControlPlaneFile:
	default:
		errs = append(errs, fmt.Errorf("unknown control plane %q", c.ControlPlane))
	}
	if c.Region == "" {
		errs = append(errs, errors.New("region is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data directory is required"))
	}
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("worker pool size must be positive, got %d", c.WorkerPoolSize))
	}
	if c.ResourcePoolMax <= 0 {
		errs = append(errs, fmt.Errorf("resource pool max must be positive, got %d", c.ResourcePoolMax))
	}
	return errors.Join(errs...)
}

// SubmitDir is the directory holding the date-partitioned submission logs
func (c *Config) SubmitDir() string {
	return filepath.Join(c.DataDir, "submits")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "lookout-data"
	}
	return filepath.Join(home, "lookout")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		log.Printf("Warning: Invalid integer value for %s, using default %d", key, defaultValue)
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal)
		}
		log.Printf("Warning: Invalid duration value for %s, using default %d", key, defaultValue)
	}
	return time.Duration(defaultValue)
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		log.Printf("Warning: Invalid boolean value for %s, using default %t", key, defaultValue)
	}
	return defaultValue
}
