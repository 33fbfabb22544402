package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Poll interval bounds accepted by the reconciler. Values outside the
// window are clamped rather than rejected.
const (
	MinPollInterval = 2 * time.Second
	MaxPollInterval = 5 * time.Second
)

type Config struct {
	Env string

	API     APIConfig
	Upload  UploadConfig
	Poll    PollConfig
	Trigger TriggerConfig
	Eta     EtaConfig
	Log     LogConfig
	Metrics MetricsConfig
	Stub    StubConfig
}

// APIConfig addresses the Podium grading API.
type APIConfig struct {
	BaseURL string `validate:"required,url"`
	Token   string
	Timeout time.Duration `validate:"min=0"`
}

// UploadConfig tunes the upload worker pool.
type UploadConfig struct {
	Concurrency     int           `validate:"min=0"`
	TransferTimeout time.Duration `validate:"min=0"`
}

// PollConfig tunes the reconciliation loop.
type PollConfig struct {
	Interval time.Duration
}

// TriggerConfig tunes the processing trigger loop.
type TriggerConfig struct {
	Cooldown time.Duration `validate:"min=0"`
}

// EtaConfig provides the estimator fallbacks used before any sample exists.
type EtaConfig struct {
	DefaultRateBps     float64       `validate:"gt=0"`
	DefaultItemProcess time.Duration `validate:"gt=0"`
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// StubConfig configures the local stub grading API.
type StubConfig struct {
	Port           int    `validate:"min=1,max=65535"`
	AuthToken      string // empty disables bearer enforcement
	SignSecret     string `validate:"required"`
	SignTTL        time.Duration
	SpoolDir       string
	ProcessLatency time.Duration `validate:"min=0"`
	ProcessWorkers int           `validate:"min=1"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing .env is fine, the environment alone configures the run.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")

	cfg.API = APIConfig{
		BaseURL: strings.TrimRight(v.GetString("API_BASE_URL"), "/"),
		Token:   v.GetString("API_TOKEN"),
		Timeout: parseDuration(v.GetString("API_TIMEOUT"), 30*time.Second),
	}

	cfg.Upload = UploadConfig{
		Concurrency:     v.GetInt("UPLOAD_CONCURRENCY"),
		TransferTimeout: parseDuration(v.GetString("UPLOAD_TRANSFER_TIMEOUT"), 0),
	}

	cfg.Poll = PollConfig{
		Interval: clampDuration(parseDuration(v.GetString("POLL_INTERVAL"), 3*time.Second), MinPollInterval, MaxPollInterval),
	}

	cfg.Trigger = TriggerConfig{
		Cooldown: parseDuration(v.GetString("TRIGGER_COOLDOWN"), 500*time.Millisecond),
	}

	cfg.Eta = EtaConfig{
		DefaultRateBps:     v.GetFloat64("ETA_DEFAULT_RATE_BPS"),
		DefaultItemProcess: parseDuration(v.GetString("ETA_DEFAULT_ITEM_PROCESS"), 45*time.Second),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Metrics = MetricsConfig{
		Enabled: v.GetBool("METRICS_ENABLED"),
		Addr:    v.GetString("METRICS_ADDR"),
	}

	cfg.Stub = StubConfig{
		Port:           v.GetInt("STUB_PORT"),
		AuthToken:      v.GetString("STUB_AUTH_TOKEN"),
		SignSecret:     v.GetString("STUB_SIGN_SECRET"),
		SignTTL:        parseDuration(v.GetString("STUB_SIGN_TTL"), 15*time.Minute),
		SpoolDir:       v.GetString("STUB_SPOOL_DIR"),
		ProcessLatency: parseDuration(v.GetString("STUB_PROCESS_LATENCY"), 150*time.Millisecond),
		ProcessWorkers: v.GetInt("STUB_PROCESS_WORKERS"),
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate applies the struct-level validation rules. Exposed so tests and
// callers building configs by hand go through the same checks as Load.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)

	v.SetDefault("API_BASE_URL", "http://localhost:8080")
	v.SetDefault("API_TOKEN", "")
	v.SetDefault("API_TIMEOUT", "30s")

	v.SetDefault("UPLOAD_CONCURRENCY", 3)
	v.SetDefault("UPLOAD_TRANSFER_TIMEOUT", "0s")

	v.SetDefault("POLL_INTERVAL", "3s")
	v.SetDefault("TRIGGER_COOLDOWN", "500ms")

	v.SetDefault("ETA_DEFAULT_RATE_BPS", 1024*1024)
	v.SetDefault("ETA_DEFAULT_ITEM_PROCESS", "45s")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("METRICS_ENABLED", false)
	v.SetDefault("METRICS_ADDR", ":9096")

	v.SetDefault("STUB_PORT", 8080)
	v.SetDefault("STUB_AUTH_TOKEN", "")
	v.SetDefault("STUB_SIGN_SECRET", "dev_upload_secret")
	v.SetDefault("STUB_SIGN_TTL", "15m")
	v.SetDefault("STUB_SPOOL_DIR", "./uploads")
	v.SetDefault("STUB_PROCESS_LATENCY", "150ms")
	v.SetDefault("STUB_PROCESS_WORKERS", 2)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
