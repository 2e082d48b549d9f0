package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	pkgconfig "github.com/Skotchmaster/kicklock/pkg/config"
)

const redacted = "<redacted>"

type Config struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	LogLevel   string `mapstructure:"log_level" yaml:"log_level"`
	InstanceID string `mapstructure:"instance_id" yaml:"instance_id"`

	DatabaseURL     string `mapstructure:"database_url" yaml:"database_url"`
	PGNotifyChannel string `mapstructure:"pg_notify_channel" yaml:"pg_notify_channel"`

	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`

	KafkaBrokers []string `mapstructure:"kafka_brokers" yaml:"kafka_brokers"`

	ESURL      string `mapstructure:"es_url" yaml:"es_url"`
	ESUser     string `mapstructure:"es_user" yaml:"es_user"`
	ESPassword string `mapstructure:"es_password" yaml:"es_password"`

	SessionSecret   string        `mapstructure:"session_secret" yaml:"session_secret"`
	SessionTTL      time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	AdminSessionTTL time.Duration `mapstructure:"admin_session_ttl" yaml:"admin_session_ttl"`
	InternalAPIKey  string        `mapstructure:"internal_api_key" yaml:"internal_api_key"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`

	DeployAPIURL    string        `mapstructure:"deploy_api_url" yaml:"deploy_api_url"`
	StatusAPIURL    string        `mapstructure:"status_api_url" yaml:"status_api_url"`
	UndeployAPIURL  string        `mapstructure:"undeploy_api_url" yaml:"undeploy_api_url"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout" yaml:"upstream_timeout"`

	GitHubAPIURL       string `mapstructure:"github_api_url" yaml:"github_api_url"`
	GitHubOrg          string `mapstructure:"github_org" yaml:"github_org"`
	GitHubRepo         string `mapstructure:"github_repo" yaml:"github_repo"`
	GitHubWorkflowFile string `mapstructure:"github_workflow_file" yaml:"github_workflow_file"`
	GitHubRef          string `mapstructure:"github_ref" yaml:"github_ref"`
	GitHubToken        string `mapstructure:"github_token" yaml:"github_token"`

	TunnelURLTemplate string `mapstructure:"tunnel_url_template" yaml:"tunnel_url_template"`
	LogicalSuffix     string `mapstructure:"logical_suffix" yaml:"logical_suffix"`

	PayloadKey string `mapstructure:"payload_key" yaml:"payload_key"`
	PayloadIV  string `mapstructure:"payload_iv" yaml:"payload_iv"`

	MaxBody    string        `mapstructure:"max_body" yaml:"max_body"`
	RateLimit  int           `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window" yaml:"rate_window"`

	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval"`

	DeploySettleDelay    time.Duration `mapstructure:"deploy_settle_delay" yaml:"deploy_settle_delay"`
	DeployLocateInterval time.Duration `mapstructure:"deploy_locate_interval" yaml:"deploy_locate_interval"`
	DeployLocateTimeout  time.Duration `mapstructure:"deploy_locate_timeout" yaml:"deploy_locate_timeout"`
	DeployPollInterval   time.Duration `mapstructure:"deploy_poll_interval" yaml:"deploy_poll_interval"`
	DeployPollTimeout    time.Duration `mapstructure:"deploy_poll_timeout" yaml:"deploy_poll_timeout"`
	UndeployPollInterval time.Duration `mapstructure:"undeploy_poll_interval" yaml:"undeploy_poll_interval"`
	UndeployPollTimeout  time.Duration `mapstructure:"undeploy_poll_timeout" yaml:"undeploy_poll_timeout"`
	DeployPopupCountdown time.Duration `mapstructure:"deploy_popup_countdown" yaml:"deploy_popup_countdown"`
}

var defaults = map[string]any{
	"listen_addr":       ":8080",
	"log_level":         "info",
	"instance_id":       "",
	"database_url":      "",
	"pg_notify_channel": "kicklock_events",

	"redis_addr":     "",
	"redis_password": "",
	"redis_db":       0,
	"kafka_brokers":  "",
	"es_url":         "",
	"es_user":        "",
	"es_password":    "",

	"session_secret":    "",
	"session_ttl":       "12h",
	"admin_session_ttl": "8h",
	"internal_api_key":  "",
	"allowed_origins":   "",

	"deploy_api_url":   "",
	"status_api_url":   "",
	"undeploy_api_url": "",
	"upstream_timeout": "15s",

	"github_api_url":       "https://api.github.com",
	"github_org":           "",
	"github_repo":          "",
	"github_workflow_file": "",
	"github_ref":           "main",
	"github_token":         "",

	"tunnel_url_template": "",
	"logical_suffix":      "-galaxy",
	"payload_key":         "",
	"payload_iv":          "",

	"max_body":           "1M",
	"rate_limit":         60,
	"rate_window":        "1m",
	"reconcile_interval": "5m",

	"deploy_settle_delay":    "3s",
	"deploy_locate_interval": "5s",
	"deploy_locate_timeout":  "30s",
	"deploy_poll_interval":   "10s",
	"deploy_poll_timeout":    "3m",
	"undeploy_poll_interval": "5s",
	"undeploy_poll_timeout":  "60s",
	"deploy_popup_countdown": "30s",
}

// Loader wraps viper: environment first, then an optional kicklock.yaml.
type Loader struct {
	v          *viper.Viper
	configFile string
}

func NewLoader() *Loader {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	v.SetConfigName("kicklock")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/kicklock")

	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	return &Loader{v: v}
}

// Viper exposes the underlying instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

func (l *Loader) SetConfigFile(path string) {
	l.configFile = strings.TrimSpace(path)
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func (l *Loader) LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func (l *Loader) ReadInConfig() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

func (l *Loader) Load() (Config, error) {
	if err := l.ReadInConfig(); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.KafkaBrokers = pkgconfig.CSV(strings.Join(cfg.KafkaBrokers, ","))
	cfg.AllowedOrigins = pkgconfig.CSV(strings.Join(cfg.AllowedOrigins, ","))
	return cfg, nil
}

// ValidateServe checks the settings serve cannot start without.
func (c Config) ValidateServe() error {
	return pkgconfig.Required(map[string]string{
		"DATABASE_URL":     c.DatabaseURL,
		"SESSION_SECRET":   c.SessionSecret,
		"INTERNAL_API_KEY": c.InternalAPIKey,
	})
}

func (c Config) Redacted() Config {
	out := c
	for _, s := range []*string{
		&out.DatabaseURL, &out.RedisPassword, &out.ESPassword, &out.SessionSecret,
		&out.InternalAPIKey, &out.GitHubToken, &out.PayloadKey, &out.PayloadIV,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	out.KafkaBrokers = append([]string(nil), c.KafkaBrokers...)
	out.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return out
}

// YAML renders the effective configuration with secrets redacted.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}
