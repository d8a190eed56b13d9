package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the control plane.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JobManager  JobManagerConfig
	Watcher     WatcherConfig
	SSH         SSHConfig
	Credentials CredentialsConfig
	LLM         LLMConfig
	Storage     StorageConfig
	Monitoring  MonitoringConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// URL, when set, is the raw Postgres DSN (DATABASE_URL) and takes
	// precedence over the discrete Host/Port/User/... fields.
	URL string

	// ModelURL is MODEL_DATABASE_URL. It is loaded here; no component
	// opens a connection with it.
	ModelURL string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// JobManagerConfig tunes the Background Job Manager (§4.1).
type JobManagerConfig struct {
	// Concurrency bounds how many jobs the Job Manager executes at the same time.
	Concurrency int
}

// WatcherConfig tunes the Fine-Tune Orchestrator's per-node watch loop
// (§4.4.5) and the Inference Cluster Controller's sync_cluster_status poll.
type WatcherConfig struct {
	PollInterval          time.Duration
	MaxConsecutiveFailures int
}

// SSHConfig holds the Remote Host Gateway's per-operation timeouts (§4.3).
type SSHConfig struct {
	DialTimeout   time.Duration
	ExecTimeout   time.Duration
	StagingTimeout time.Duration
	TailTimeout   time.Duration
	CatTimeout    time.Duration
}

// CredentialsConfig holds the master key used to encrypt Machine SSH
// credentials at rest (internal/credentials). RotateFrom* are optional and
// only set during a key-rotation maintenance window: when present, the
// server re-encrypts every Machine still under the old key at startup
// before serving traffic.
type CredentialsConfig struct {
	MasterKey          string
	KeyID              string
	RotateFromMasterKey string
	RotateFromKeyID     string
}

// LLMConfig holds the LLM Client Facade's endpoint configuration (§4.6).
type LLMConfig struct {
	BaseURL        string
	APIKey         string
	DefaultModel   string
	RequestTimeout time.Duration
}

// StorageConfig holds the local filesystem roots the Pipeline Handlers and
// Fine-Tune Orchestrator stage files under before/after an SFTP hop (spec §6).
type StorageConfig struct {
	DatasetVersionDir    string
	FinetuneFileLocalDir string
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled        bool
	PrometheusPort int
	MetricsPath    string
	LogLevel       string
	Debug          bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "crosslogic"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "finetune_control_plane"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
			URL:             getEnv("DATABASE_URL", ""),
			ModelURL:        getEnv("MODEL_DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		JobManager: JobManagerConfig{
			Concurrency: getEnvAsInt("JOB_MANAGER_CONCURRENCY", 5),
		},
		Watcher: WatcherConfig{
			PollInterval:           getEnvAsDuration("WATCHER_POLL_INTERVAL", "10s"),
			MaxConsecutiveFailures: getEnvAsInt("WATCHER_MAX_CONSECUTIVE_FAILURES", 10),
		},
		SSH: SSHConfig{
			DialTimeout:    getEnvAsDuration("SSH_DIAL_TIMEOUT", "10s"),
			ExecTimeout:    getEnvAsDuration("SSH_EXEC_TIMEOUT", "30s"),
			StagingTimeout: getEnvAsDuration("SSH_STAGING_TIMEOUT", "1h"),
			TailTimeout:    getEnvAsDuration("SSH_TAIL_TIMEOUT", "300s"),
			CatTimeout:     getEnvAsDuration("SSH_CAT_TIMEOUT", "300s"),
		},
		Credentials: CredentialsConfig{
			MasterKey:           getEnv("CREDENTIALS_MASTER_KEY", ""),
			KeyID:               getEnv("CREDENTIALS_KEY_ID", "default"),
			RotateFromMasterKey: getEnv("CREDENTIALS_ROTATE_FROM_MASTER_KEY", ""),
			RotateFromKeyID:     getEnv("CREDENTIALS_ROTATE_FROM_KEY_ID", ""),
		},
		LLM: LLMConfig{
			BaseURL:        getEnv("LLM_BASE_URL", ""),
			APIKey:         getEnv("LLM_API_KEY", ""),
			DefaultModel:   getEnv("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
			RequestTimeout: getEnvAsDuration("LLM_REQUEST_TIMEOUT", "60s"),
		},
		Storage: StorageConfig{
			DatasetVersionDir:    getEnv("DATASET_VERSION_DIR", "/var/lib/finetune-control-plane/dataset_versions"),
			FinetuneFileLocalDir: getEnv("FINETUNE_FILE_LOCAL_DIR", "/var/lib/finetune-control-plane/finetune_files"),
		},
		Monitoring: MonitoringConfig{
			Enabled:        getEnvAsBool("MONITORING_ENABLED", true),
			PrometheusPort: getEnvAsInt("PROMETHEUS_PORT", 9090),
			MetricsPath:    getEnv("METRICS_PATH", "/metrics"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			Debug:          getEnvAsBool("DEBUG", false),
		},
	}

	if cfg.Database.URL == "" && cfg.Database.Password == "" {
		return nil, fmt.Errorf("DATABASE_URL or DB_PASSWORD is required")
	}

	if cfg.Credentials.MasterKey == "" {
		return nil, fmt.Errorf("CREDENTIALS_MASTER_KEY is required")
	}

	return cfg, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
