// Package config loads the relay configuration: defaults, then the
// configuration document (YAML or JSON), then environment overrides.
package config

import (
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp2http/internal/routing"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultPath is used when neither --config nor EMAIL_CONFIG_FILE is set.
const DefaultPath = "email_config.json"

// PathEnv names the environment variable holding the config path.
const PathEnv = "EMAIL_CONFIG_FILE"

// dotEnvFile is loaded, if present, before environment overrides apply.
const dotEnvFile = ".env"

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Provider names.
const (
	ProviderWebhook = "webhook"
	ProviderStdout  = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	EmailEndpoints map[string]string `yaml:"email_endpoints" ignored:"true"`
	AllowedSenders []string          `yaml:"allowed_senders" envconfig:"ALLOWED_SENDERS"`

	Provider string `yaml:"provider" envconfig:"PROVIDER"`

	// Sections are processed one at a time so their variables keep flat names.
	SMTP    SMTPConfig    `yaml:"smtp" ignored:"true"`
	Webhook WebhookConfig `yaml:"webhook" ignored:"true"`
	TLS     TLSConfig     `yaml:"tls" ignored:"true"`
	Logging LoggingConfig `yaml:"logging" ignored:"true"`
	Metrics MetricsConfig `yaml:"metrics" ignored:"true"`
}

// SMTPConfig holds SMTP listener configuration.
type SMTPConfig struct {
	Listen         string        `yaml:"listen" envconfig:"SMTP_LISTEN"`
	Hostname       string        `yaml:"hostname" envconfig:"SMTP_HOSTNAME"`
	MaxMessageSize int64         `yaml:"max_message_size" envconfig:"SMTP_MAX_MESSAGE_SIZE"`
	MaxRecipients  int           `yaml:"max_recipients" envconfig:"SMTP_MAX_RECIPIENTS"`
	ReadTimeout    time.Duration `yaml:"read_timeout" envconfig:"SMTP_READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" envconfig:"SMTP_WRITE_TIMEOUT"`

	// RejectUnrouted answers rejected messages with a 5xx reply instead of 250.
	RejectUnrouted bool `yaml:"reject_unrouted" envconfig:"SMTP_REJECT_UNROUTED"`
}

// WebhookConfig holds the outbound HTTP settings.
type WebhookConfig struct {
	Timeout   time.Duration `yaml:"timeout" envconfig:"WEBHOOK_TIMEOUT"`
	UserAgent string        `yaml:"user_agent" envconfig:"WEBHOOK_USER_AGENT"`
	OAuth2    OAuth2Config  `yaml:"oauth2" ignored:"true"`
}

// OAuth2Config enables client-credentials bearer tokens on webhook requests
// when TokenURL is set.
type OAuth2Config struct {
	TokenURL     string `yaml:"token_url" envconfig:"WEBHOOK_OAUTH2_TOKEN_URL"`
	ClientID     string `yaml:"client_id" envconfig:"WEBHOOK_OAUTH2_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" envconfig:"WEBHOOK_OAUTH2_CLIENT_SECRET"`
	Scope        string `yaml:"scope" envconfig:"WEBHOOK_OAUTH2_SCOPE"`
}

// Enabled reports whether webhook requests carry a bearer token.
func (o OAuth2Config) Enabled() bool {
	return o.TokenURL != ""
}

// TLSConfig holds STARTTLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" envconfig:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" envconfig:"TLS_KEY_FILE"`
	Disabled bool   `yaml:"disabled" envconfig:"TLS_DISABLED"`
}

// LoggingConfig holds process logging and event sink configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format      string `yaml:"format" envconfig:"LOG_FORMAT"`
	KnownFile   string `yaml:"known_file" envconfig:"LOG_KNOWN_FILE"`
	UnknownFile string `yaml:"unknown_file" envconfig:"LOG_UNKNOWN_FILE"`
}

// MetricsConfig holds the Prometheus listener address. Empty disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen" envconfig:"METRICS_LISTEN"`
}

// Path returns the configuration path to use when no flag was given.
func Path() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

// LoadFromFile loads configuration from a YAML or JSON document as the base
// layer, then overrides with environment variables. A missing or
// unparseable document is an error.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	// JSON is a subset of YAML, so email_config.json documents load as is.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Provider = ProviderWebhook
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = 100
	c.SMTP.ReadTimeout = 60 * time.Second
	c.SMTP.WriteTimeout = 60 * time.Second
	c.Webhook.Timeout = 10 * time.Second
	c.Webhook.UserAgent = "smtp2http"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	c.Logging.KnownFile = "known_emails.log"
	c.Logging.UnknownFile = "unknown_emails.log"
}

// applyEnvVars overrides configuration with environment variables, reading
// an optional .env file first. Only variables that are set override.
func (c *Config) applyEnvVars() error {
	// The .env file is optional.
	_ = godotenv.Load(dotEnvFile)

	sections := []any{c, &c.SMTP, &c.Webhook, &c.Webhook.OAuth2, &c.TLS, &c.Logging, &c.Metrics}
	for _, section := range sections {
		if err := envconfig.Process("", section); err != nil {
			return errors.Wrap(err, "failed to apply environment overrides")
		}
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	return nil
}

// Validate checks the document for structural problems that must stop the
// process before any SMTP session is accepted.
func (c *Config) Validate() error {
	for addr, raw := range c.EmailEndpoints {
		u, err := url.Parse(raw)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "email_endpoints[%s]: %v", addr, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.Wrapf(ErrInvalidConfig, "email_endpoints[%s]: %q is not an absolute http(s) URL", addr, raw)
		}
		if u.Scheme == "http" {
			slog.Warn("endpoint does not use HTTPS", "address", addr, "url", raw)
		}
	}

	if _, err := c.RoutingTable(); err != nil {
		return err
	}

	switch c.Provider {
	case ProviderWebhook, ProviderStdout:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown provider %q", c.Provider)
	}

	if c.Webhook.Timeout <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "webhook.timeout must be positive, got %s", c.Webhook.Timeout)
	}
	if o := c.Webhook.OAuth2; o.Enabled() {
		u, err := url.Parse(o.TokenURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.Wrapf(ErrInvalidConfig, "webhook.oauth2.token_url %q is not an absolute http(s) URL", o.TokenURL)
		}
		if o.ClientID == "" {
			return errors.Wrap(ErrInvalidConfig, "webhook.oauth2.client_id is required with token_url")
		}
	}
	if c.SMTP.MaxMessageSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "smtp.max_message_size must be positive, got %d", c.SMTP.MaxMessageSize)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.Wrap(ErrInvalidConfig, "tls.cert_file and tls.key_file must be set together")
	}

	return nil
}

// RoutingTable builds the immutable endpoint map and allow-list.
func (c *Config) RoutingTable() (*routing.Table, error) {
	table, err := routing.NewTable(c.EmailEndpoints, c.AllowedSenders)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "%v", err)
	}
	return table, nil
}
