package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "LISTINGFLOW"

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`

	Server struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Runner struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
		APIKey  string        `mapstructure:"api_key"`
	} `mapstructure:"runner"`
	Engine  EngineConfig `mapstructure:"engine"`
	Webhook struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"webhook"`
	Notifications struct {
		URL          string        `mapstructure:"url"`
		Timeout      time.Duration `mapstructure:"timeout"`
		OnCompletion []string      `mapstructure:"on_completion"`
	} `mapstructure:"notifications"`
	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
	Auth struct {
		OktaDomain      string `mapstructure:"okta_domain"`
		ClientID        string `mapstructure:"client_id"`
		ClientSecret    string `mapstructure:"client_secret"`
		RedirectURL     string `mapstructure:"redirect_url"`
		SwaggerClientID string `mapstructure:"swagger_client_id"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// EngineConfig carries the retry policy and background loop settings.
type EngineConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	Multiplier        float64       `mapstructure:"multiplier"`
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval"`
	SchedulerBatch    int           `mapstructure:"scheduler_batch"`
	PollGracePeriod   time.Duration `mapstructure:"poll_grace_period"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	PollBatch         int           `mapstructure:"poll_batch"`
	PollRate          float64       `mapstructure:"poll_rate"`
	PollBurst         int           `mapstructure:"poll_burst"`
}

// Validate rejects engine settings that would break the retry policy.
func (c EngineConfig) Validate() error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("engine.max_retries must be >= 0, got %d", c.MaxRetries))
	}
	if c.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("engine.base_delay must be positive, got %s", c.BaseDelay))
	}
	if c.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("engine.multiplier must be >= 1, got %v", c.Multiplier))
	}
	if c.SchedulerInterval <= 0 {
		errs = append(errs, fmt.Errorf("engine.scheduler_interval must be positive, got %s", c.SchedulerInterval))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("engine.poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.PollGracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("engine.poll_grace_period must be positive, got %s", c.PollGracePeriod))
	}
	if c.PollRate <= 0 {
		errs = append(errs, fmt.Errorf("engine.poll_rate must be positive, got %v", c.PollRate))
	}
	return errors.Join(errs...)
}

// DefaultEngineConfig returns the retry policy used when nothing is configured:
// three retries after 5s, 10s and 20s.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxRetries:        3,
		BaseDelay:         5 * time.Second,
		Multiplier:        2,
		SchedulerInterval: time.Second,
		SchedulerBatch:    50,
		PollGracePeriod:   2 * time.Minute,
		PollInterval:      30 * time.Second,
		PollBatch:         50,
		PollRate:          5,
		PollBurst:         5,
	}
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches for config.yaml in . and ./config; a missing file is
// not an error so the service can run from defaults and environment alone.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)
	config.Runner.URL = strings.TrimRight(strings.TrimSpace(config.Runner.URL), "/")

	if err := config.Engine.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultEngineConfig()
	v.SetDefault("environment", "DEV")
	v.SetDefault("dev_mode_bypass", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "listingflow")
	v.SetDefault("db.name", "listingflow")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("runner.url", "http://localhost:5678")
	v.SetDefault("runner.timeout", 30*time.Second)
	v.SetDefault("engine.max_retries", d.MaxRetries)
	v.SetDefault("engine.base_delay", d.BaseDelay)
	v.SetDefault("engine.multiplier", d.Multiplier)
	v.SetDefault("engine.scheduler_interval", d.SchedulerInterval)
	v.SetDefault("engine.scheduler_batch", d.SchedulerBatch)
	v.SetDefault("engine.poll_grace_period", d.PollGracePeriod)
	v.SetDefault("engine.poll_interval", d.PollInterval)
	v.SetDefault("engine.poll_batch", d.PollBatch)
	v.SetDefault("engine.poll_rate", d.PollRate)
	v.SetDefault("engine.poll_burst", d.PollBurst)
	v.SetDefault("db.password", "")
	v.SetDefault("runner.api_key", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("notifications.url", "")
	v.SetDefault("notifications.timeout", 10*time.Second)
	v.SetDefault("notifications.on_completion", []string{})
	v.SetDefault("auth.okta_domain", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.redirect_url", "")
	v.SetDefault("auth.swagger_client_id", "")
	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// DatabaseURL renders the libpq connection string for pgx.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
