// Package config assembles runtime configuration. Environment variables set
// the defaults and an optional YAML file overrides them; command-line flags
// are applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trenchcoat-sh/deploypulse/internal/apperrors"
	"github.com/trenchcoat-sh/deploypulse/internal/classifier"
	"github.com/trenchcoat-sh/deploypulse/internal/hooks/webhook"
	"github.com/trenchcoat-sh/deploypulse/internal/model"
	"github.com/trenchcoat-sh/deploypulse/internal/notifier"
)

const (
	envPrefix = "DEPLOYPULSE_"

	defaultStateDir  = ".deploypulse"
	stateFileName    = "notifier-state.json"
	eventLogFileName = "events.jsonl"
)

// Config holds application configuration
type Config struct {
	// Repo is the git working copy commits are read from
	Repo string `yaml:"repo"`
	// Source names the repository in notifications
	Source string `yaml:"source"`
	// StateDir holds the notifier state and the default event log
	StateDir string `yaml:"stateDir"`
	// EventLog is a JSON lines path or a postgres:// URL
	EventLog string `yaml:"eventLog"`

	Webhook  Webhook  `yaml:"webhook"`
	Notifier Notifier `yaml:"notifier"`

	// PubSubTopic enables Pub/Sub publishing (projects/<p>/topics/<t>)
	PubSubTopic string `yaml:"pubsubTopic"`
	// PushgatewayURL enables pushing metrics when a command exits
	PushgatewayURL string `yaml:"pushgatewayUrl"`

	// RulesFile replaces Rules with the contents of a separate YAML file
	RulesFile string           `yaml:"rulesFile"`
	Rules     classifier.Rules `yaml:"rules"`
}

// Webhook configures chat webhook delivery
type Webhook struct {
	URL        string        `yaml:"url"`
	Username   string        `yaml:"username"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retryCount"`
	RetryWait  time.Duration `yaml:"retryWait"`
}

// Notifier configures rate limiting
type Notifier struct {
	Window            time.Duration  `yaml:"window"`
	ImmediatePriority model.Priority `yaml:"immediatePriority"`
	DeliveryTimeout   time.Duration  `yaml:"deliveryTimeout"`
}

// Default returns the configuration derived from the environment alone
func Default() (*Config, error) {
	wh := webhook.DefaultConfig()
	nc := notifier.DefaultConfig()

	cfg := &Config{
		Repo:     getEnvOrDefault("REPO", "."),
		Source:   os.Getenv(envPrefix + "SOURCE"),
		StateDir: getEnvOrDefault("STATE_DIR", defaultStateDir),
		EventLog: os.Getenv(envPrefix + "EVENT_LOG"),
		Webhook: Webhook{
			URL:        os.Getenv(envPrefix + "WEBHOOK_URL"),
			Username:   getEnvOrDefault("WEBHOOK_USERNAME", wh.Username),
			Timeout:    wh.Timeout,
			RetryCount: wh.RetryCount,
			RetryWait:  wh.RetryWaitTime,
		},
		Notifier: Notifier{
			Window:            nc.Window,
			ImmediatePriority: nc.ImmediatePriority,
			DeliveryTimeout:   nc.DeliveryTimeout,
		},
		PubSubTopic:    os.Getenv(envPrefix + "PUBSUB_TOPIC"),
		PushgatewayURL: os.Getenv(envPrefix + "PUSHGATEWAY_URL"),
		RulesFile:      os.Getenv(envPrefix + "RULES_FILE"),
		Rules:          classifier.DefaultRules(),
	}

	var err error
	if cfg.Notifier.Window, err = getDurationEnv("WINDOW", cfg.Notifier.Window); err != nil {
		return nil, err
	}
	if cfg.Webhook.RetryCount, err = getIntEnv("WEBHOOK_RETRIES", cfg.Webhook.RetryCount); err != nil {
		return nil, err
	}
	if v := os.Getenv(envPrefix + "IMMEDIATE_PRIORITY"); v != "" {
		if cfg.Notifier.ImmediatePriority, err = model.ParsePriority(v); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUsage, err, "invalid %sIMMEDIATE_PRIORITY", envPrefix)
		}
	}

	return cfg, nil
}

// Load reads the environment defaults and overlays the YAML file at path.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUsage, err, "failed to read config %s", path)
		}
		if err := cfg.overlay(data); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUsage, err, "invalid config %s", path)
		}
	}

	if cfg.RulesFile != "" {
		rules, err := classifier.LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUsage, err, "invalid rules file %s", cfg.RulesFile)
		}
		cfg.Rules = rules
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlay(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks values a command cannot work with
func (c *Config) Validate() error {
	switch {
	case c.StateDir == "":
		return apperrors.Errorf(apperrors.CodeUsage, "stateDir must not be empty")
	case c.Notifier.Window < 0:
		return apperrors.Errorf(apperrors.CodeUsage, "notifier window must not be negative")
	case c.Notifier.DeliveryTimeout <= 0:
		return apperrors.Errorf(apperrors.CodeUsage, "notifier deliveryTimeout must be positive")
	case !c.Notifier.ImmediatePriority.Valid():
		return apperrors.Errorf(apperrors.CodeUsage, "invalid immediatePriority")
	case c.Webhook.RetryCount < 0:
		return apperrors.Errorf(apperrors.CodeUsage, "webhook retryCount must not be negative")
	}
	if err := c.Rules.Validate(); err != nil {
		return apperrors.Wrap(apperrors.CodeUsage, err, "invalid classifier rules")
	}
	return nil
}

// StatePath is where the notifier keeps its rate limit state
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, stateFileName)
}

// EventLogLocation is the configured event log or the default file in StateDir
func (c *Config) EventLogLocation() string {
	if c.EventLog != "" {
		return c.EventLog
	}
	return filepath.Join(c.StateDir, eventLogFileName)
}

// NotifierConfig converts to the notifier's own configuration
func (c *Config) NotifierConfig() notifier.Config {
	nc := notifier.DefaultConfig()
	nc.Window = c.Notifier.Window
	nc.ImmediatePriority = c.Notifier.ImmediatePriority
	nc.DeliveryTimeout = c.Notifier.DeliveryTimeout
	return nc
}

// WebhookConfig converts to the webhook publisher's configuration
func (c *Config) WebhookConfig(version string) webhook.Config {
	wc := webhook.DefaultConfig()
	wc.URL = c.Webhook.URL
	wc.Username = c.Webhook.Username
	wc.Version = version
	if c.Webhook.Timeout > 0 {
		wc.Timeout = c.Webhook.Timeout
	}
	wc.RetryCount = c.Webhook.RetryCount
	if c.Webhook.RetryWait > 0 {
		wc.RetryWaitTime = c.Webhook.RetryWait
	}
	return wc
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeUsage, err, "invalid %s%s", envPrefix, key)
	}
	return d, nil
}

func getIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeUsage, err, "invalid %s%s", envPrefix, key)
	}
	return n, nil
}
