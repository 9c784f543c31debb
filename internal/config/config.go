package config

import "time"

type Config struct {
	Env      string       `yaml:"env" env:"APP_ENV"`
	Port     int          `yaml:"port" env:"PORT"`
	Logger   LoggerConfig `yaml:"logger"`
	LogLevel string       `yaml:"log_level" env:"LOG_LEVEL"`

	RedisURL    string `yaml:"redis_url" env:"REDIS_URL"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`

	Enforcement EnforcementConfig `yaml:"enforcement"`
	Window      WindowConfig      `yaml:"window"`
	Anomaly     AnomalyConfig     `yaml:"anomaly"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Backend     BackendConfig     `yaml:"backend"`
}

type LoggerConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// EnforcementConfig holds the rule thresholds evaluated on every request.
// Limits apply to the trailing window; a count equal to the limit already
// trips it.
type EnforcementConfig struct {
	SoftLimit      int           `yaml:"soft_limit" env:"SOFT_LIMIT"`
	HardLimit      int           `yaml:"hard_limit" env:"HARD_LIMIT"`
	WindowDuration time.Duration `yaml:"window_duration" env:"WINDOW_DURATION"`

	// FailOpen selects the decision when the window store is unreachable:
	// true serves ALLOW with a degraded-mode reason, false serves BLOCK.
	FailOpen bool `yaml:"fail_open" env:"FAIL_OPEN"`

	// Behavioral tier. Zero values disable the corresponding rule.
	AbuseBlockedRatio float64 `yaml:"abuse_blocked_ratio"`
	AbuseMinRequests  int     `yaml:"abuse_min_requests"`
	ScanMinEndpoints  int     `yaml:"scan_min_endpoints"`
	ScanMinEntropy    float64 `yaml:"scan_min_entropy"`
}

type WindowConfig struct {
	Backend       string        `yaml:"backend" env:"WINDOW_BACKEND"` // "memory" or "redis"
	HardCap       int           `yaml:"hard_cap"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
	KeyPrefix     string        `yaml:"key_prefix"`
}

type AnomalyConfig struct {
	ScoreQueueCapacity   int           `yaml:"score_queue_capacity" env:"SCORE_QUEUE_CAPACITY"`
	Workers              int           `yaml:"workers"`
	ModelRetrainInterval time.Duration `yaml:"model_retrain_interval" env:"MODEL_RETRAIN_INTERVAL"`
	MinBaselineSamples   int           `yaml:"min_baseline_samples"`
	BanThreshold         float64       `yaml:"ban_threshold"`
	BanDuration          time.Duration `yaml:"ban_duration"`
}

type CorrelationConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type TelemetryConfig struct {
	Kafka    KafkaConfig    `yaml:"kafka"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type KafkaConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Brokers           []string      `yaml:"brokers"`
	TopicEvents       string        `yaml:"topic_events"`
	TopicScores       string        `yaml:"topic_scores"`
	TopicCorrelations string        `yaml:"topic_correlations"`
	BatchSize         int           `yaml:"batch_size"`
	FlushEvery        time.Duration `yaml:"flush_every"`
	QueueCapacity     int           `yaml:"queue_capacity"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	TLS               bool          `yaml:"tls"`
}

type PostgresConfig struct {
	Enabled       bool          `yaml:"enabled"`
	QueueCapacity int           `yaml:"queue_capacity"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// BackendConfig describes the protected upstream for proxy enforcement mode.
type BackendConfig struct {
	ProxyEnabled bool   `yaml:"proxy_enabled"`
	URL          string `yaml:"url" env:"BACKEND_URL"`
	APIKeyHeader string `yaml:"api_key_header"`
}

// ApplyDefaults fills in the values a minimal config file leaves out.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Enforcement.SoftLimit <= 0 {
		c.Enforcement.SoftLimit = 10
	}
	if c.Enforcement.HardLimit <= 0 {
		c.Enforcement.HardLimit = 20
	}
	if c.Enforcement.WindowDuration <= 0 {
		c.Enforcement.WindowDuration = 60 * time.Second
	}
	if c.Window.Backend == "" {
		c.Window.Backend = "memory"
	}
	if c.Window.HardCap <= 0 {
		c.Window.HardCap = 10000
	}
	if c.Window.PurgeInterval <= 0 {
		c.Window.PurgeInterval = 30 * time.Second
	}
	if c.Window.KeyPrefix == "" {
		c.Window.KeyPrefix = "window:"
	}
	if c.Anomaly.ScoreQueueCapacity <= 0 {
		c.Anomaly.ScoreQueueCapacity = 1024
	}
	if c.Anomaly.Workers <= 0 {
		c.Anomaly.Workers = 4
	}
	if c.Anomaly.ModelRetrainInterval <= 0 {
		c.Anomaly.ModelRetrainInterval = 5 * time.Minute
	}
	if c.Anomaly.MinBaselineSamples <= 0 {
		c.Anomaly.MinBaselineSamples = 20
	}
	if c.Anomaly.BanThreshold == 0 {
		c.Anomaly.BanThreshold = -0.4
	}
	if c.Anomaly.BanDuration <= 0 {
		c.Anomaly.BanDuration = 5 * time.Minute
	}
	if c.Correlation.Timeout <= 0 {
		c.Correlation.Timeout = 30 * time.Second
	}
	if c.Correlation.SweepInterval <= 0 {
		c.Correlation.SweepInterval = 10 * time.Second
	}
	if c.Backend.APIKeyHeader == "" {
		c.Backend.APIKeyHeader = "X-API-Key"
	}
}
