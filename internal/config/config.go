// Package config loads prospector settings from defaults, an optional config
// file, a .env file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/FranksOps/prospector/internal/cache"
	"github.com/FranksOps/prospector/internal/fingerprint"
	"github.com/FranksOps/prospector/internal/scraper"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config is the full set of settings.
type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	Auth      AuthConfig        `mapstructure:"auth"`
	Storage   StorageConfig     `mapstructure:"storage"`
	Cache     cache.Config      `mapstructure:"cache"`
	Site      scraper.Site      `mapstructure:"site"`
	Selectors scraper.Selectors `mapstructure:"selectors"`
	Session   SessionConfig     `mapstructure:"session"`
	Enrich    EnrichConfig      `mapstructure:"enrich"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Telemetry TelemetryConfig   `mapstructure:"telemetry"`
	Log       LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RunTimeout bounds one search request, session wait included.
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

type AuthConfig struct {
	JWTSecret          string `mapstructure:"jwt_secret"`
	TokenExpireMinutes int    `mapstructure:"token_expire_minutes"`
}

// TokenLifetime is the access token lifetime.
func (a AuthConfig) TokenLifetime() time.Duration {
	return time.Duration(a.TokenExpireMinutes) * time.Minute
}

type StorageConfig struct {
	// Driver is one of the registered storage backends.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type SessionConfig struct {
	// Driver is "chrome" or "http".
	Driver      string `mapstructure:"driver"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ChromePath  string `mapstructure:"chrome_path"`
	Headful     bool   `mapstructure:"headful"`
	Fingerprint string `mapstructure:"fingerprint"`

	FormDelay         time.Duration `mapstructure:"form_delay"`
	LoginDelay        time.Duration `mapstructure:"login_delay"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`

	RateLimit     float64  `mapstructure:"rate_limit"`
	Jitter        float64  `mapstructure:"jitter"`
	RespectRobots bool     `mapstructure:"respect_robots"`
	Proxies       []string `mapstructure:"proxies"`
	ProxyFile     string   `mapstructure:"proxy_file"`
	UserAgents    []string `mapstructure:"user_agents"`

	// ProbeSchedule is the cron spec of the keep-alive probe. Empty disables it.
	ProbeSchedule string `mapstructure:"probe_schedule"`
}

type EnrichConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	// Port serves /metrics. Zero disables the endpoint.
	Port int `mapstructure:"port"`
}

// Addr is the listen address of the metrics server, or "" when disabled.
func (m MetricsConfig) Addr() string {
	if m.Port <= 0 {
		return ""
	}
	return fmt.Sprintf(":%d", m.Port)
}

type TelemetryConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// legacyEnv are the variable names the service has always read. Each key
// also answers to its PROSPECTOR_ form.
var legacyEnv = map[string][]string{
	"auth.jwt_secret":           {"JWT_SECRET_KEY"},
	"auth.token_expire_minutes": {"ACCESS_TOKEN_EXPIRE_MINUTES"},
	"storage.dsn":               {"STORAGE_DSN", "MONGODB_URI"},
	"storage.driver":            {"STORAGE_DRIVER"},
	"session.username":          {"LINKEDIN_EMAIL"},
	"session.password":          {"LINKEDIN_PASSWORD"},
	"enrich.api_key":            {"OPENAI_API_KEY"},
}

func setDefaults(v *viper.Viper) {
	site := scraper.DefaultSite()
	sel := scraper.DefaultSelectors()

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.run_timeout", 5*time.Minute)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_expire_minutes", 30)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "prospector.db")

	v.SetDefault("cache.backend", "lru")
	v.SetDefault("cache.size", 2048)
	v.SetDefault("cache.ttl", 15*time.Minute)
	v.SetDefault("cache.redis_url", "")

	v.SetDefault("site.base_url", site.BaseURL)
	v.SetDefault("site.login_path", site.LoginPath)
	v.SetDefault("site.search_path", site.SearchPath)
	v.SetDefault("site.probe_path", site.ProbePath)
	v.SetDefault("site.profile_pattern", site.ProfilePattern)
	v.SetDefault("site.username_field", site.UsernameField)
	v.SetDefault("site.password_field", site.PasswordField)

	v.SetDefault("selectors.name", sel.Name)
	v.SetDefault("selectors.location", sel.Location)
	v.SetDefault("selectors.skills", sel.Skills)
	v.SetDefault("selectors.education", sel.Education)
	v.SetDefault("selectors.experience", sel.Experience)

	v.SetDefault("session.driver", "chrome")
	v.SetDefault("session.username", "")
	v.SetDefault("session.password", "")
	v.SetDefault("session.chrome_path", "")
	v.SetDefault("session.headful", false)
	v.SetDefault("session.fingerprint", string(fingerprint.ProfileChrome))
	v.SetDefault("session.form_delay", 2*time.Second)
	v.SetDefault("session.login_delay", 5*time.Second)
	v.SetDefault("session.settle_delay", 3*time.Second)
	v.SetDefault("session.navigation_timeout", 45*time.Second)
	v.SetDefault("session.rate_limit", 0.0)
	v.SetDefault("session.jitter", 0.0)
	v.SetDefault("session.respect_robots", false)
	v.SetDefault("session.proxies", []string{})
	v.SetDefault("session.proxy_file", "")
	v.SetDefault("session.user_agents", []string{})
	v.SetDefault("session.probe_schedule", "@every 15m")

	v.SetDefault("enrich.api_key", "")
	v.SetDefault("enrich.base_url", "https://api.openai.com")
	v.SetDefault("enrich.model", "gpt-4o-mini")
	v.SetDefault("enrich.max_tokens", 50)
	v.SetDefault("enrich.timeout", 15*time.Second)

	v.SetDefault("metrics.port", 0)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Options tell Load where to look besides the environment.
type Options struct {
	// File is an optional YAML, JSON or TOML config file.
	File string
	// EnvFile is loaded into the environment first. Missing is fine.
	EnvFile string
	// Viper, when set, is used instead of a fresh instance so callers can
	// bind command-line flags to keys.
	Viper *viper.Viper
}

// Load reads the configuration.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", opts.EnvFile, err)
		}
	}

	v := opts.Viper
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	v.SetEnvPrefix("PROSPECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		prefixed := "PROSPECTOR_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", opts.File, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Mode names what the configuration is about to run.
type Mode int

const (
	// ModeServe runs the HTTP API.
	ModeServe Mode = iota
	// ModeScrape runs a single search from the command line.
	ModeScrape
)

// Validate fails fast on settings the mode cannot run without.
func (c *Config) Validate(mode Mode) error {
	var errs []error

	if mode == ModeServe {
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET_KEY is required"))
		}
		if c.Auth.TokenExpireMinutes <= 0 {
			errs = append(errs, errors.New("ACCESS_TOKEN_EXPIRE_MINUTES must be positive"))
		}
		if c.Server.Addr == "" {
			errs = append(errs, errors.New("server.addr is required"))
		}
	}

	if c.Session.Username == "" || c.Session.Password == "" {
		errs = append(errs, errors.New("LINKEDIN_EMAIL and LINKEDIN_PASSWORD are required"))
	}
	switch c.Session.Driver {
	case "chrome", "http":
	default:
		errs = append(errs, fmt.Errorf("session.driver must be chrome or http, got %q", c.Session.Driver))
	}
	if _, err := fingerprint.ParseProfile(c.Session.Fingerprint); err != nil {
		errs = append(errs, err)
	}
	if c.Session.ProbeSchedule != "" {
		if _, err := cron.ParseStandard(c.Session.ProbeSchedule); err != nil {
			errs = append(errs, fmt.Errorf("session.probe_schedule: %w", err))
		}
	}
	if c.Storage.Driver == "" {
		errs = append(errs, errors.New("storage.driver is required"))
	}
	switch c.Cache.Backend {
	case "", "none", "lru":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be none, lru or redis, got %q", c.Cache.Backend))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
