// Package config loads the bot configuration from an optional YAML file,
// .env files, the environment and the OS keyring, and validates it.
//
// Precedence, lowest first:
//  1. Built-in defaults
//  2. config.yaml (with ${VAR}, ${VAR:-default} and ${VAR:?message} expansion)
//  3. Environment variables (BOT_TOKEN, DISCORD_TOKEN, MAX_FILE_SIZE, API_ID,
//     API_HASH), including those loaded from .env and .env.local
//  4. OS keyring, only for tokens still empty
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/channels/discord"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/channels/telegram"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/mkvtoolnix"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/workflow"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/workspace"
)

// Config is the complete bot configuration.
type Config struct {
	// Name is shown in logs and the console banner.
	Name string `yaml:"name"`

	Channels  ChannelsConfig    `yaml:"channels"`
	Workflow  workflow.Config   `yaml:"workflow"`
	Tools     mkvtoolnix.Config `yaml:"tools"`
	Workspace workspace.Config  `yaml:"workspace"`
	Logging   LoggingConfig     `yaml:"logging"`

	// LockFile keeps a second serve process from polling the same bot.
	LockFile string `yaml:"lock_file"`
}

// ChannelsConfig selects and configures the chat platforms.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Console  ConsoleConfig  `yaml:"console"`
}

// TelegramConfig enables the Telegram channel.
type TelegramConfig struct {
	Enabled         bool `yaml:"enabled"`
	telegram.Config `yaml:",inline"`
}

// DiscordConfig enables the Discord channel.
type DiscordConfig struct {
	Enabled        bool `yaml:"enabled"`
	discord.Config `yaml:",inline"`
}

// ConsoleConfig configures the local console channel.
type ConsoleConfig struct {
	User        string `yaml:"user"`
	OutputDir   string `yaml:"output_dir"`
	HistoryFile string `yaml:"history_file"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Format is json, text or auto (text on a terminal, json otherwise).
	Format string `yaml:"format" validate:"oneof=auto json text"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Name: "MKVToolNix Bot",
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{Enabled: true, Config: telegram.DefaultConfig()},
			Discord:  DiscordConfig{Config: discord.DefaultConfig()},
			Console:  ConsoleConfig{User: "local", OutputDir: "mkvbot-output"},
		},
		Workflow:  workflow.DefaultConfig(),
		Tools:     mkvtoolnix.DefaultConfig(),
		Workspace: workspace.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info", Format: "auto"},
		LockFile:  filepath.Join(os.TempDir(), "mkvbot.lock"),
	}
}

// Errors.
var (
	ErrInvalid      = errors.New("invalid configuration")
	ErrMissingToken = errors.New("missing bot token")
)

// Load builds the configuration. An empty path searches the standard
// locations; no file at all is fine, defaults and environment apply.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	cfg := Default()
	if path == "" {
		path = FindConfigFile()
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	resolveTokens(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"mkvbot.yaml",
		"mkvbot.yml",
		"configs/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	expanded, err := expandEnv(string(data))
	if err != nil {
		return fmt.Errorf("expanding environment variables in %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}

// RequireTokens fails when an enabled chat channel has no token.
func (c *Config) RequireTokens() error {
	var missing []string
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		missing = append(missing, "telegram (set BOT_TOKEN or run: mkvbot token set)")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		missing = append(missing, "discord (set DISCORD_TOKEN or run: mkvbot token set --discord)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingToken, strings.Join(missing, ", "))
	}
	return nil
}

// Save writes the configuration as YAML. Tokens are never written; they
// belong in the environment or the keyring.
func Save(cfg *Config, path string) error {
	out := *cfg
	out.Channels.Telegram.Token = ""
	out.Channels.Discord.Token = ""

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fmt.Sprint(fe.Value()))
	case "gt", "gte":
		return fmt.Sprintf("%s must be %s %s", field, map[string]string{"gt": ">", "gte": ">="}[fe.Tag()], fe.Param())
	default:
		return fmt.Sprintf("%s failed %q", field, fe.Tag())
	}
}

// loadEnvFiles loads .env files. godotenv never overwrites variables that
// are already set, so the real environment wins.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// applyEnv overlays the documented environment variables.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}
	if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		cfg.Channels.Discord.Token = v
	}
	if v := os.Getenv("API_ID"); v != "" {
		cfg.Channels.Telegram.APIID = v
	}
	if v := os.Getenv("API_HASH"); v != "" {
		cfg.Channels.Telegram.APIHash = v
	}
	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: MAX_FILE_SIZE must be a positive number of bytes, got %q", ErrInvalid, v)
		}
		cfg.Workflow.MaxFileSize = n
	}
	if v := os.Getenv("MKVBOT_WORKSPACE"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("MKVBOT_INACTIVITY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: MKVBOT_INACTIVITY_TIMEOUT: %v", ErrInvalid, err)
		}
		cfg.Tools.InactivityTimeout = d
	}
	return nil
}

// resolveTokens falls back to the OS keyring for tokens still empty.
func resolveTokens(cfg *Config) {
	if cfg.Channels.Telegram.Token == "" {
		cfg.Channels.Telegram.Token = GetToken(KeyTelegramToken)
	}
	if cfg.Channels.Discord.Token == "" {
		cfg.Channels.Discord.Token = GetToken(KeyDiscordToken)
	}
}

// envPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([-?])([^}]*))?\}`)

// expandEnv replaces environment references in s. Unset variables without
// a modifier expand to the empty string; ${VAR:?message} fails.
func expandEnv(s string) (string, error) {
	var errs []error
	out := envPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := envPattern.FindStringSubmatch(match)
		name, modifier, arg := m[1], m[2], m[3]
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		switch modifier {
		case "-":
			return arg
		case "?":
			if arg == "" {
				arg = "required environment variable not set"
			}
			errs = append(errs, fmt.Errorf("%s: %s", name, arg))
		}
		return ""
	})
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return out, nil
}
