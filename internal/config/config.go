package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Remote backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSheets   = "sheets"
)

type Config struct {
	// HTTP Server
	HTTPAddr string

	// Local store
	SQLiteDBPath string

	// Remote store
	RemoteBackend            string
	DatabaseURL              string
	GoogleSpreadsheetID      string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string

	// AMQP (optional)
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Sync
	SyncDebounce        time.Duration
	SyncSafetyInterval  time.Duration
	SyncRetryBackoff    time.Duration
	SyncRetryMax        time.Duration
	SyncKindParallelism int
	SyncRatePerMinute   int

	// Connectivity
	ConnectivityProbeAddr    string
	ConnectivityPollInterval time.Duration
	ConnectivityGrace        time.Duration

	// Audit
	AuditLogPath       string
	AuditLogMaxSizeMB  int
	AuditLogMaxBackups int

	// Logging
	LogLevel  string
	LogFormat string
}

func Load() *Config {
	return &Config{
		HTTPAddr:     getEnv("HTTP_ADDR", "127.0.0.1:8081"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/ledgersync.db"),

		RemoteBackend:            getEnv("REMOTE_BACKEND", BackendMemory),
		DatabaseURL:              getEnv("DATABASE_URL", ""),
		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "ledgersync"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "ledgersync_events"),

		SyncDebounce:        getEnvDuration("SYNC_DEBOUNCE", 250*time.Millisecond),
		SyncSafetyInterval:  getEnvDuration("SYNC_SAFETY_INTERVAL", 0),
		SyncRetryBackoff:    getEnvDuration("SYNC_RETRY_BACKOFF", 5*time.Second),
		SyncRetryMax:        getEnvDuration("SYNC_RETRY_MAX", 5*time.Minute),
		SyncKindParallelism: getEnvInt("SYNC_KIND_PARALLELISM", 3),
		SyncRatePerMinute:   getEnvInt("SYNC_RATE_PER_MINUTE", 6),

		ConnectivityProbeAddr:    getEnv("CONNECTIVITY_PROBE_ADDR", ""),
		ConnectivityPollInterval: getEnvDuration("CONNECTIVITY_POLL_INTERVAL", 5*time.Second),
		ConnectivityGrace:        getEnvDuration("CONNECTIVITY_GRACE", 2*time.Second),

		AuditLogPath:       getEnv("AUDIT_LOG_PATH", ""),
		AuditLogMaxSizeMB:  getEnvInt("AUDIT_LOG_MAX_SIZE_MB", 10),
		AuditLogMaxBackups: getEnvInt("AUDIT_LOG_MAX_BACKUPS", 3),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

// Validate validates the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errors []string

	// Validate HTTP address
	if _, port, err := net.SplitHostPort(c.HTTPAddr); err != nil {
		errors = append(errors, fmt.Sprintf("invalid HTTP address '%s': %v", c.HTTPAddr, err))
	} else if p, err := strconv.Atoi(port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", port))
	} else if p < 1 || p > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", p))
	}

	// Validate local store
	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	} else {
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	// Validate remote backend
	switch c.RemoteBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errors = append(errors, "DATABASE_URL is required when using postgres backend")
		} else if u, err := url.Parse(c.DatabaseURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid DATABASE_URL: %v", err))
		} else if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			errors = append(errors, fmt.Sprintf("invalid DATABASE_URL scheme '%s': must be 'postgres' or 'postgresql'", u.Scheme))
		}
	case BackendSheets:
		if c.GoogleSpreadsheetID == "" {
			errors = append(errors, "Google Spreadsheet ID is required when using sheets backend")
		}
		hasFile := c.GoogleServiceAccountFile != ""
		hasJSON := c.GoogleServiceAccountJSON != ""
		if !hasFile && !hasJSON {
			errors = append(errors, "either GOOGLE_SERVICE_ACCOUNT_FILE or GOOGLE_SERVICE_ACCOUNT_JSON must be provided for sheets backend")
		}
		if hasFile {
			if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
			}
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid remote backend '%s': must be one of %v", c.RemoteBackend, Backends()))
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	// Validate sync settings
	if c.SyncDebounce < 0 || c.SyncDebounce > time.Minute {
		errors = append(errors, fmt.Sprintf("invalid sync debounce %v: must be between 0 and 1 minute", c.SyncDebounce))
	}
	if c.SyncSafetyInterval != 0 && c.SyncSafetyInterval < 10*time.Second {
		errors = append(errors, fmt.Sprintf("invalid sync safety interval %v: must be 0 (disabled) or at least 10 seconds", c.SyncSafetyInterval))
	}
	if c.SyncRetryBackoff < 0 {
		errors = append(errors, fmt.Sprintf("invalid sync retry backoff %v: must be 0 (disabled) or positive", c.SyncRetryBackoff))
	}
	if c.SyncRetryBackoff > 0 && c.SyncRetryMax < c.SyncRetryBackoff {
		errors = append(errors, fmt.Sprintf("invalid sync retry max %v: must be at least the retry backoff %v", c.SyncRetryMax, c.SyncRetryBackoff))
	}
	if c.SyncKindParallelism < 1 || c.SyncKindParallelism > 3 {
		errors = append(errors, fmt.Sprintf("invalid sync kind parallelism %d: must be between 1 and 3", c.SyncKindParallelism))
	}
	if c.SyncRatePerMinute < 1 {
		errors = append(errors, fmt.Sprintf("invalid sync rate %d: must be at least 1 per minute", c.SyncRatePerMinute))
	}

	// Validate connectivity settings
	if c.ConnectivityProbeAddr != "" {
		if _, _, err := net.SplitHostPort(c.ConnectivityProbeAddr); err != nil {
			errors = append(errors, fmt.Sprintf("invalid connectivity probe address '%s': %v", c.ConnectivityProbeAddr, err))
		}
	}
	if c.ConnectivityPollInterval < 100*time.Millisecond {
		errors = append(errors, fmt.Sprintf("invalid connectivity poll interval %v: must be at least 100ms", c.ConnectivityPollInterval))
	}
	if c.ConnectivityGrace < 0 {
		errors = append(errors, fmt.Sprintf("invalid connectivity grace %v: must not be negative", c.ConnectivityGrace))
	}

	// Validate audit settings
	if c.AuditLogPath != "" {
		if c.AuditLogMaxSizeMB < 1 {
			errors = append(errors, fmt.Sprintf("invalid audit log size %d: must be at least 1 MB", c.AuditLogMaxSizeMB))
		}
		if c.AuditLogMaxBackups < 0 {
			errors = append(errors, fmt.Sprintf("invalid audit log backups %d: must not be negative", c.AuditLogMaxBackups))
		}
	}

	// Validate logging
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be debug, info, warn or error", c.LogLevel))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be text or json", c.LogFormat))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// Backends lists the supported remote backends.
func Backends() []string {
	return []string{BackendMemory, BackendPostgres, BackendSheets}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
