package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// Transport names accepted in WA_TRANSPORT.
const (
	TransportCloud     = "cloud"
	TransportWhatsmeow = "whatsmeow"
	TransportTwilio    = "twilio"
)

// Config holds all runtime settings, read from the environment.
type Config struct {
	AppEnv           string `mapstructure:"APP_ENV"`
	LogLevel         string `mapstructure:"LOG_LEVEL"`
	LogFormat        string `mapstructure:"LOG_FORMAT"`
	HTTPListenAddr   string `mapstructure:"HTTP_LISTEN_ADDR"`
	PublicBasePath   string `mapstructure:"PUBLIC_BASE_PATH"`
	MetricsNamespace string `mapstructure:"METRICS_NAMESPACE"`
	AdminToken       string `mapstructure:"ADMIN_TOKEN"`

	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DatabaseSchema string `mapstructure:"DATABASE_SCHEMA"`
	SQLitePath     string `mapstructure:"SQLITE_PATH"`

	RedisAddr     string        `mapstructure:"REDIS_ADDR"`
	RedisPassword string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int           `mapstructure:"REDIS_DB"`
	RedisTLS      bool          `mapstructure:"REDIS_TLS"`
	DedupTTL      time.Duration `mapstructure:"DEDUP_TTL"`
	UserLockTTL   time.Duration `mapstructure:"USER_LOCK_TTL"`
	DietCacheTTL  time.Duration `mapstructure:"DIET_CACHE_TTL"`

	OpenAIAPIKey  string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel   string        `mapstructure:"OPENAI_MODEL"`
	OpenAIBaseURL string        `mapstructure:"OPENAI_BASE_URL"`
	OpenAITimeout time.Duration `mapstructure:"OPENAI_TIMEOUT"`

	WATransport           string `mapstructure:"WA_TRANSPORT"`
	WhatsAppToken         string `mapstructure:"WHATSAPP_TOKEN"`
	WhatsAppPhoneNumberID string `mapstructure:"WHATSAPP_PHONE_NUMBER_ID"`
	WhatsAppVerifyToken   string `mapstructure:"WHATSAPP_VERIFY_TOKEN"`
	WhatsAppAppSecret     string `mapstructure:"WHATSAPP_APP_SECRET"`
	WhatsAppAPIVersion    string `mapstructure:"WHATSAPP_API_VERSION"`
	WhatsAppGraphBaseURL  string `mapstructure:"WHATSAPP_GRAPH_BASE_URL"`
	WhatsAppStorePath     string `mapstructure:"WHATSAPP_STORE_PATH"`
	WhatsAppLogLevel      string `mapstructure:"WHATSAPP_LOG_LEVEL"`
	WhatsAppQRPath        string `mapstructure:"WHATSAPP_QR_PATH"`

	TwilioAccountSID string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `mapstructure:"TWILIO_FROM_NUMBER"`
	TwilioWebhookURL string `mapstructure:"TWILIO_WEBHOOK_URL"`

	ReportTimezone      string `mapstructure:"REPORT_TIMEZONE"`
	ReportCron          string `mapstructure:"REPORT_CRON"`
	DefaultUserTimezone string `mapstructure:"DEFAULT_USER_TIMEZONE"`
}

var defaults = map[string]any{
	"APP_ENV":                 "development",
	"LOG_LEVEL":               "info",
	"LOG_FORMAT":              "text",
	"HTTP_LISTEN_ADDR":        ":3000",
	"METRICS_NAMESPACE":       "nutri",
	"DATABASE_SCHEMA":         "public",
	"REDIS_DB":                0,
	"REDIS_TLS":               false,
	"DEDUP_TTL":               "24h",
	"USER_LOCK_TTL":           "2m",
	"DIET_CACHE_TTL":          "10m",
	"OPENAI_MODEL":            "gpt-4o",
	"OPENAI_TIMEOUT":          "60s",
	"WA_TRANSPORT":            TransportCloud,
	"WHATSAPP_API_VERSION":    "v18.0",
	"WHATSAPP_GRAPH_BASE_URL": "https://graph.facebook.com",
	"WHATSAPP_STORE_PATH":     "data/whatsmeow.db",
	"WHATSAPP_LOG_LEVEL":      "INFO",
	"REPORT_TIMEZONE":         "America/Sao_Paulo",
	"REPORT_CRON":             "* * * * *",
	"DEFAULT_USER_TIMEZONE":   "America/Sao_Paulo",
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	for _, key := range envKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.WATransport = strings.ToLower(strings.TrimSpace(cfg.WATransport))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required settings for the selected backends.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		errs = append(errs, errors.New("either DATABASE_URL or SQLITE_PATH is required"))
	}
	if c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if _, err := time.LoadLocation(c.ReportTimezone); err != nil {
		errs = append(errs, fmt.Errorf("REPORT_TIMEZONE %q: %w", c.ReportTimezone, err))
	}
	if _, err := time.LoadLocation(c.DefaultUserTimezone); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_USER_TIMEZONE %q: %w", c.DefaultUserTimezone, err))
	}

	switch c.WATransport {
	case TransportCloud:
		if c.WhatsAppToken == "" {
			errs = append(errs, errors.New("WHATSAPP_TOKEN is required for the cloud transport"))
		}
		if c.WhatsAppPhoneNumberID == "" {
			errs = append(errs, errors.New("WHATSAPP_PHONE_NUMBER_ID is required for the cloud transport"))
		}
		if c.WhatsAppVerifyToken == "" {
			errs = append(errs, errors.New("WHATSAPP_VERIFY_TOKEN is required for the cloud transport"))
		}
	case TransportWhatsmeow:
		if c.WhatsAppStorePath == "" {
			errs = append(errs, errors.New("WHATSAPP_STORE_PATH is required for the whatsmeow transport"))
		}
	case TransportTwilio:
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required for the twilio transport"))
		}
		if c.TwilioFromNumber == "" {
			errs = append(errs, errors.New("TWILIO_FROM_NUMBER is required for the twilio transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown WA_TRANSPORT %q", c.WATransport))
	}

	return errors.Join(errs...)
}

// UseRedis reports whether a Redis address was configured.
func (c *Config) UseRedis() bool {
	return strings.TrimSpace(c.RedisAddr) != ""
}

func envKeys() []string {
	return []string{
		"APP_ENV", "LOG_LEVEL", "LOG_FORMAT", "HTTP_LISTEN_ADDR", "PUBLIC_BASE_PATH", "METRICS_NAMESPACE", "ADMIN_TOKEN",
		"DATABASE_URL", "DATABASE_SCHEMA", "SQLITE_PATH",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_TLS", "DEDUP_TTL", "USER_LOCK_TTL", "DIET_CACHE_TTL",
		"OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL", "OPENAI_TIMEOUT",
		"WA_TRANSPORT", "WHATSAPP_TOKEN", "WHATSAPP_PHONE_NUMBER_ID", "WHATSAPP_VERIFY_TOKEN", "WHATSAPP_APP_SECRET",
		"WHATSAPP_API_VERSION", "WHATSAPP_GRAPH_BASE_URL", "WHATSAPP_STORE_PATH", "WHATSAPP_LOG_LEVEL", "WHATSAPP_QR_PATH",
		"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER", "TWILIO_WEBHOOK_URL",
		"REPORT_TIMEZONE", "REPORT_CRON", "DEFAULT_USER_TIMEZONE",
	}
}
