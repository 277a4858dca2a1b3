package config

import (
	"encoding/json"
	"log"
	"os"
	"sort"
	"strings"
	"time"
)

// Config holds all configuration for the conatus scheduler.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	HTTPAddr    string `json:"http_addr"`

	// IndexMode: "memory" (in-process due-time index) or "redis".
	IndexMode   string `json:"index_mode"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	DueIndexKey string `json:"due_index_key"`

	TickInterval    time.Duration `json:"-"`
	TickIntervalStr string        `json:"tick_interval"`

	// TickGraceTimeout bounds how long in-flight dispatches may run after
	// shutdown is requested.
	TickGraceTimeout    time.Duration `json:"-"`
	TickGraceTimeoutStr string        `json:"tick_grace_timeout"`

	BatchSize           int `json:"batch_size"`
	DispatchConcurrency int `json:"dispatch_concurrency"`

	MaxRetries    int           `json:"max_retries"`
	RetryDelay    time.Duration `json:"-"`
	RetryDelayStr string        `json:"retry_delay"`

	RederiveEnabled     bool          `json:"rederive_enabled"`
	RederiveInterval    time.Duration `json:"-"`
	RederiveIntervalStr string        `json:"rederive_interval"`
	RederiveBatchSize   int           `json:"rederive_batch_size"`

	ReclaimInterval    time.Duration `json:"-"`
	ReclaimIntervalStr string        `json:"reclaim_interval"`

	// ReclaimThreshold must exceed the longest legitimate dispatch
	// (connector timeout plus the shutdown grace).
	ReclaimThreshold    time.Duration `json:"-"`
	ReclaimThresholdStr string        `json:"reclaim_threshold"`

	// Connectors maps a service name to its connector endpoint URL,
	// parsed from CONNECTORS ("gmail=https://...,slack=https://...").
	Connectors      map[string]string `json:"connectors"`
	ConnectorSecret string            `json:"-"`

	ConnectorTimeout    time.Duration `json:"-"`
	ConnectorTimeoutStr string        `json:"connector_timeout"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	LeaderElectionEnabled bool `json:"leader_election_enabled"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		HTTPAddr:               os.Getenv("HTTP_ADDR"),
		IndexMode:              os.Getenv("INDEX_MODE"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		DueIndexKey:            os.Getenv("DUE_INDEX_KEY"),
		TickIntervalStr:        os.Getenv("TICK_INTERVAL"),
		TickGraceTimeoutStr:    os.Getenv("TICK_GRACE_TIMEOUT"),
		RetryDelayStr:          os.Getenv("RETRY_DELAY"),
		RederiveEnabled:        os.Getenv("REDERIVE_ENABLED") != "false",
		RederiveIntervalStr:    os.Getenv("REDERIVE_INTERVAL"),
		ReclaimIntervalStr:     os.Getenv("RECLAIM_INTERVAL"),
		ReclaimThresholdStr:    os.Getenv("RECLAIM_THRESHOLD"),
		ConnectorSecret:        os.Getenv("CONNECTOR_SECRET"),
		ConnectorTimeoutStr:    os.Getenv("CONNECTOR_TIMEOUT"),
		DBOpTimeoutStr:         os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:   os.Getenv("DB_CONN_MAX_LIFETIME"),
		HTTPShutdownTimeoutStr: os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		MetricsEnabled:         os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:            os.Getenv("METRICS_PATH"),
		LeaderElectionEnabled:  os.Getenv("LEADER_ELECTION_ENABLED") == "true",
		LeaderRetryIntervalStr: os.Getenv("LEADER_RETRY_INTERVAL"),
	}

	cfg.Connectors = parseConnectors(os.Getenv("CONNECTORS"))

	if batchStr := os.Getenv("BATCH_SIZE"); batchStr != "" {
		if n, err := parseInt(batchStr); err == nil && n > 0 {
			cfg.BatchSize = n
		} else {
			log.Printf("config: invalid BATCH_SIZE %q (must be a positive integer), using default 25", batchStr)
		}
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 25
	}

	// 0 means one goroutine per due task in the batch.
	if concStr := os.Getenv("DISPATCH_CONCURRENCY"); concStr != "" {
		if n, err := parseInt(concStr); err == nil {
			cfg.DispatchConcurrency = n
		} else {
			log.Printf("config: invalid DISPATCH_CONCURRENCY %q, using default 0", concStr)
		}
	}

	if retriesStr := os.Getenv("MAX_RETRIES"); retriesStr != "" {
		if n, err := parseInt(retriesStr); err == nil {
			cfg.MaxRetries = n
		} else {
			log.Printf("config: invalid MAX_RETRIES %q, using default 3", retriesStr)
		}
	}
	if cfg.MaxRetries == 0 && os.Getenv("MAX_RETRIES") == "" {
		cfg.MaxRetries = 3
	}

	if batchStr := os.Getenv("REDERIVE_BATCH_SIZE"); batchStr != "" {
		if n, err := parseInt(batchStr); err == nil && n > 0 {
			cfg.RederiveBatchSize = n
		}
	}
	if cfg.RederiveBatchSize == 0 {
		cfg.RederiveBatchSize = 100
	}

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
		}
	}
	if cfg.CircuitBreakerThreshold == 0 && os.Getenv("CIRCUIT_BREAKER_THRESHOLD") == "" {
		cfg.CircuitBreakerThreshold = 5
	}

	cfg.CircuitBreakerCooldownStr = os.Getenv("CIRCUIT_BREAKER_COOLDOWN")

	if lockKeyStr := os.Getenv("LEADER_LOCK_KEY"); lockKeyStr != "" {
		if n, err := parseInt(lockKeyStr); err == nil && n > 0 {
			cfg.LeaderLockKey = int64(n)
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default 815031", lockKeyStr)
		}
	}
	if cfg.LeaderLockKey == 0 {
		cfg.LeaderLockKey = 815031
	}

	if maxOpenStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxOpenStr != "" {
		if n, err := parseInt(maxOpenStr); err == nil && n > 0 {
			cfg.DBMaxOpenConns = n
		}
	}
	if cfg.DBMaxOpenConns == 0 {
		cfg.DBMaxOpenConns = 25
	}

	if maxIdleStr := os.Getenv("DB_MAX_IDLE_CONNS"); maxIdleStr != "" {
		if n, err := parseInt(maxIdleStr); err == nil && n > 0 {
			cfg.DBMaxIdleConns = n
		}
	}
	if cfg.DBMaxIdleConns == 0 {
		cfg.DBMaxIdleConns = 5
	}

	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.IndexMode == "" {
		cfg.IndexMode = "memory"
	}
	if cfg.DueIndexKey == "" {
		cfg.DueIndexKey = "conatus:due"
	}
	if cfg.TickIntervalStr == "" {
		cfg.TickIntervalStr = "5s"
	}
	if cfg.TickGraceTimeoutStr == "" {
		cfg.TickGraceTimeoutStr = "30s"
	}
	if cfg.RetryDelayStr == "" {
		cfg.RetryDelayStr = "60s"
	}
	if cfg.RederiveIntervalStr == "" {
		cfg.RederiveIntervalStr = "1h"
	}
	if cfg.ReclaimIntervalStr == "" {
		cfg.ReclaimIntervalStr = "1m"
	}
	if cfg.ReclaimThresholdStr == "" {
		cfg.ReclaimThresholdStr = "5m"
	}
	if cfg.ConnectorTimeoutStr == "" {
		cfg.ConnectorTimeoutStr = "30s"
	}
	if cfg.DBOpTimeoutStr == "" {
		cfg.DBOpTimeoutStr = "5s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "2m"
	}
	if cfg.LeaderRetryIntervalStr == "" {
		cfg.LeaderRetryIntervalStr = "5s"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.TickIntervalStr); err == nil {
		cfg.TickInterval = d
	}
	if d, err := time.ParseDuration(cfg.TickGraceTimeoutStr); err == nil {
		cfg.TickGraceTimeout = d
	}
	if d, err := time.ParseDuration(cfg.RetryDelayStr); err == nil {
		cfg.RetryDelay = d
	}
	if d, err := time.ParseDuration(cfg.RederiveIntervalStr); err == nil {
		cfg.RederiveInterval = d
	}
	if d, err := time.ParseDuration(cfg.ReclaimIntervalStr); err == nil {
		cfg.ReclaimInterval = d
	}
	if d, err := time.ParseDuration(cfg.ReclaimThresholdStr); err == nil {
		cfg.ReclaimThreshold = d
	}
	if d, err := time.ParseDuration(cfg.ConnectorTimeoutStr); err == nil {
		cfg.ConnectorTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBOpTimeoutStr); err == nil {
		cfg.DBOpTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.CircuitBreakerCooldownStr); err == nil {
		cfg.CircuitBreakerCooldown = d
	}
	if d, err := time.ParseDuration(cfg.LeaderRetryIntervalStr); err == nil {
		cfg.LeaderRetryInterval = d
	}

	return cfg
}

// parseConnectors parses "service=url,service=url" pairs. Malformed pairs are
// logged and skipped.
func parseConnectors(raw string) map[string]string {
	connectors := make(map[string]string)
	if raw == "" {
		return connectors
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		url = strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			log.Printf("config: skipping malformed CONNECTORS pair %q (want service=url)", pair)
			continue
		}
		connectors[name] = url
	}
	return connectors
}

// parseInt parses a string as an integer.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	services := make([]string, 0, len(c.Connectors))
	for name := range c.Connectors {
		services = append(services, name)
	}
	sort.Strings(services)

	masked := struct {
		DatabaseURL             string   `json:"database_url"`
		HTTPAddr                string   `json:"http_addr"`
		IndexMode               string   `json:"index_mode"`
		RedisAddr               string   `json:"redis_addr,omitempty"`
		DueIndexKey             string   `json:"due_index_key"`
		TickInterval            string   `json:"tick_interval"`
		TickGraceTimeout        string   `json:"tick_grace_timeout"`
		BatchSize               int      `json:"batch_size"`
		DispatchConcurrency     int      `json:"dispatch_concurrency"`
		MaxRetries              int      `json:"max_retries"`
		RetryDelay              string   `json:"retry_delay"`
		RederiveEnabled         bool     `json:"rederive_enabled"`
		RederiveInterval        string   `json:"rederive_interval"`
		RederiveBatchSize       int      `json:"rederive_batch_size"`
		ReclaimInterval         string   `json:"reclaim_interval"`
		ReclaimThreshold        string   `json:"reclaim_threshold"`
		ConnectorServices       []string `json:"connector_services"`
		ConnectorSecret         string   `json:"connector_secret"`
		ConnectorTimeout        string   `json:"connector_timeout"`
		DBOpTimeout             string   `json:"db_op_timeout"`
		DBMaxOpenConns          int      `json:"db_max_open_conns"`
		DBMaxIdleConns          int      `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string   `json:"db_conn_max_lifetime"`
		HTTPShutdownTimeout     string   `json:"http_shutdown_timeout"`
		MetricsEnabled          bool     `json:"metrics_enabled"`
		MetricsPath             string   `json:"metrics_path"`
		CircuitBreakerThreshold int      `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string   `json:"circuit_breaker_cooldown"`
		LeaderElectionEnabled   bool     `json:"leader_election_enabled"`
		LeaderLockKey           int64    `json:"leader_lock_key"`
		LeaderRetryInterval     string   `json:"leader_retry_interval"`
	}{
		DatabaseURL:             maskSecret(c.DatabaseURL),
		HTTPAddr:                c.HTTPAddr,
		IndexMode:               c.IndexMode,
		RedisAddr:               c.RedisAddr,
		DueIndexKey:             c.DueIndexKey,
		TickInterval:            c.TickIntervalStr,
		TickGraceTimeout:        c.TickGraceTimeoutStr,
		BatchSize:               c.BatchSize,
		DispatchConcurrency:     c.DispatchConcurrency,
		MaxRetries:              c.MaxRetries,
		RetryDelay:              c.RetryDelayStr,
		RederiveEnabled:         c.RederiveEnabled,
		RederiveInterval:        c.RederiveIntervalStr,
		RederiveBatchSize:       c.RederiveBatchSize,
		ReclaimInterval:         c.ReclaimIntervalStr,
		ReclaimThreshold:        c.ReclaimThresholdStr,
		ConnectorServices:       services,
		ConnectorSecret:         maskSecret(c.ConnectorSecret),
		ConnectorTimeout:        c.ConnectorTimeoutStr,
		DBOpTimeout:             c.DBOpTimeoutStr,
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetimeStr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldownStr,
		LeaderElectionEnabled:   c.LeaderElectionEnabled,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryIntervalStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
