// Copyright 2024-2026 Aiku AI

package gate

import (
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/imhassla/slack-telegram-gate/pkg/correlation"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	DefaultListenAddr           = ":5555"
	DefaultEventsPath           = "/slack/events"
	DefaultTelegramAPIURL       = "https://api.telegram.org"
	DefaultSlackAPIURL          = "https://slack.com/api/"
	DefaultSecondaryLookupDelay = 4 * time.Second
	DefaultReloadInterval       = 60 * time.Second
	DefaultDatabaseURI          = "file:messages.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
)

// Config is the whole config.yaml.
type Config struct {
	Settings Settings                   `yaml:"settings"`
	Database correlation.DatabaseConfig `yaml:"database"`
	Logging  zeroconfig.Config          `yaml:"logging"`
	Channels []ProjectConfig            `yaml:"channels"`
}

// Settings holds the process-wide gate options.
type Settings struct {
	TelegramBotToken string `yaml:"telegram_bot_gate_token"`
	TelegramAPIURL   string `yaml:"telegram_api_url"`
	SlackAPIURL      string `yaml:"slack_api_url"`

	ListenAddr string `yaml:"listen_addr"`
	EventsPath string `yaml:"events_path"`
	// AdminAPIAddr is the listen address of the admin API. Empty disables it.
	AdminAPIAddr       string `yaml:"admin_api_addr"`
	SlackSigningSecret string `yaml:"slack_signing_secret"`

	SecondaryLookupDelay time.Duration `yaml:"secondary_lookup_delay"`
	ReloadInterval       time.Duration `yaml:"reload_interval"`
}

// ProjectConfig is one entry of the channels list.
type ProjectConfig struct {
	ProjectName    string `yaml:"project_name" json:"project_name"`
	Active         bool   `yaml:"active" json:"active"`
	SlackChannelID string `yaml:"slack_channel_id" json:"slack_channel_id"`
	SlackBotToken  string `yaml:"slack_bot_token" json:"slack_bot_token"`
	TelegramChatID ChatID `yaml:"telegram_chat_id" json:"telegram_chat_id"`
}

// ChatID is a Telegram chat id that may be written either as a number or
// as a quoted string.
type ChatID int64

func parseChatID(value string) (ChatID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram_chat_id %q", value)
	}
	return ChatID(id), nil
}

func (c *ChatID) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: telegram_chat_id must be a scalar", node.Line)
	}
	id, err := parseChatID(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*c = id
	return nil
}

func (c *ChatID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	id, err := parseChatID(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*c = id
	return nil
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess applies defaults and validates the config.
func (c *Config) PostProcess() error {
	s := &c.Settings
	if s.TelegramAPIURL == "" {
		s.TelegramAPIURL = DefaultTelegramAPIURL
	}
	s.TelegramAPIURL = strings.TrimSuffix(s.TelegramAPIURL, "/")
	if s.SlackAPIURL == "" {
		s.SlackAPIURL = DefaultSlackAPIURL
	}
	if !strings.HasSuffix(s.SlackAPIURL, "/") {
		s.SlackAPIURL += "/"
	}
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.EventsPath == "" {
		s.EventsPath = DefaultEventsPath
	} else if !strings.HasPrefix(s.EventsPath, "/") {
		s.EventsPath = "/" + s.EventsPath
	}
	if s.SecondaryLookupDelay < 0 {
		s.SecondaryLookupDelay = 0
	} else if s.SecondaryLookupDelay == 0 {
		s.SecondaryLookupDelay = DefaultSecondaryLookupDelay
	}
	if s.ReloadInterval <= 0 {
		s.ReloadInterval = DefaultReloadInterval
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.URI == "" {
		c.Database.URI = DefaultDatabaseURI
	}
	if c.Database.StoreTimeout <= 0 {
		c.Database.StoreTimeout = correlation.DefaultStoreTimeout
	}
	if c.Database.MaxAttempts <= 0 {
		c.Database.MaxAttempts = 3
	}

	if len(c.Logging.Writers) == 0 {
		c.Logging.Writers = []zeroconfig.WriterConfig{{
			Type:   zeroconfig.WriterTypeStdout,
			Format: zeroconfig.LogFormatPrettyColored,
		}}
	}
	if c.Logging.MinLevel == nil {
		level := zerolog.InfoLevel
		c.Logging.MinLevel = &level
	}

	var errs []error
	if strings.TrimSpace(s.TelegramBotToken) == "" {
		errs = append(errs, errors.New("settings.telegram_bot_gate_token is required"))
	}
	errs = append(errs, validateProjects(c.Channels)...)
	return errors.Join(errs...)
}

func validateProjects(projects []ProjectConfig) []error {
	var errs []error
	names := make(map[string]struct{}, len(projects))
	channels := make(map[string]string, len(projects))
	chats := make(map[ChatID]string, len(projects))
	for i, p := range projects {
		if p.ProjectName == "" {
			errs = append(errs, fmt.Errorf("channels[%d]: project_name is required", i))
			continue
		}
		if _, dup := names[p.ProjectName]; dup {
			errs = append(errs, fmt.Errorf("channels[%d]: duplicate project_name %q", i, p.ProjectName))
		}
		names[p.ProjectName] = struct{}{}
		if p.SlackChannelID == "" {
			errs = append(errs, fmt.Errorf("project %s: slack_channel_id is required", p.ProjectName))
		} else if other, dup := channels[p.SlackChannelID]; dup {
			errs = append(errs, fmt.Errorf("project %s: slack channel %s is already used by %s", p.ProjectName, p.SlackChannelID, other))
		} else {
			channels[p.SlackChannelID] = p.ProjectName
		}
		if p.SlackBotToken == "" {
			errs = append(errs, fmt.Errorf("project %s: slack_bot_token is required", p.ProjectName))
		}
		if p.TelegramChatID == 0 {
			errs = append(errs, fmt.Errorf("project %s: telegram_chat_id is required", p.ProjectName))
		} else if other, dup := chats[p.TelegramChatID]; dup {
			errs = append(errs, fmt.Errorf("project %s: telegram chat %d is already used by %s", p.ProjectName, p.TelegramChatID, other))
		} else {
			chats[p.TelegramChatID] = p.ProjectName
		}
	}
	return errs
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "settings", "telegram_bot_gate_token")
	helper.Copy(up.Str, "settings", "telegram_api_url")
	helper.Copy(up.Str, "settings", "slack_api_url")
	helper.Copy(up.Str, "settings", "listen_addr")
	helper.Copy(up.Str, "settings", "events_path")
	helper.Copy(up.Str, "settings", "admin_api_addr")
	helper.Copy(up.Str, "settings", "slack_signing_secret")
	helper.Copy(up.Str, "settings", "secondary_lookup_delay")
	helper.Copy(up.Str, "settings", "reload_interval")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str, "database", "store_timeout")
	helper.Copy(up.Int, "database", "max_attempts")

	helper.Copy(up.Map, "logging")
	helper.Copy(up.List, "channels")
}

// ConfigUpgrader merges a user config into ExampleConfig, adding any keys
// the user config is missing.
var ConfigUpgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"database"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// LoadConfig reads the config file at path, fills in missing keys from
// ExampleConfig and validates the result. With save set, the upgraded file
// is written back to path.
func LoadConfig(path string, save bool) (cfg *Config, err error) {
	// configupgrade panics on documents it can't walk.
	defer func() {
		if p := recover(); p != nil {
			cfg, err = nil, fmt.Errorf("failed to upgrade config: %v", p)
		}
	}()
	data, _, err := up.Do(path, save, ConfigUpgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a config document.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
