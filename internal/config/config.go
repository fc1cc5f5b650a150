// Package config loads the bridge configuration.
//
// Load order:
//  1. .env files are loaded into the process environment (existing variables win)
//  2. the TOML config file is decoded over the defaults (a missing file is fine)
//  3. RELAY_* environment variables override individual keys
//
// The resulting *Config is built once at startup and handed to constructors.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// ConfigFileName is the default TOML config file name inside the relay dir.
const ConfigFileName = "config.toml"

// ErrInvalid is returned (wrapped) when validation fails.
var ErrInvalid = errors.New("invalid config")

// Duration is a time.Duration that decodes from TOML strings like "10m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" || s == "0" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full bridge configuration.
type Config struct {
	Agent   AgentSettings   `toml:"agent"`
	Notify  NotifySettings  `toml:"notify"`
	Chat    ChatSettings    `toml:"chat"`
	Session SessionSettings `toml:"session"`
	Gateway GatewaySettings `toml:"gateway"`
	Store   StoreSettings   `toml:"store"`
	Log     LogSettings     `toml:"log"`
}

// AgentSettings configures the external agent executable.
type AgentSettings struct {
	// Command is the agent executable (path or name on PATH)
	Command string `toml:"command"`

	// Workdir is the working directory for every agent process
	Workdir string `toml:"workdir"`

	// MaxConcurrent bounds the number of simultaneously running processes
	MaxConcurrent int `toml:"max_concurrent"`

	// IdleTimeout cancels a task that produced no output for this long (0 = off)
	IdleTimeout Duration `toml:"idle_timeout"`

	// HardTimeout is an optional wall-clock ceiling (0 = off)
	HardTimeout Duration `toml:"hard_timeout"`

	// KillGrace is how long a terminated process gets before SIGKILL
	KillGrace Duration `toml:"kill_grace"`

	// Model is the default model id passed with --model (empty = agent default)
	Model string `toml:"model"`

	// AutoDetectModel asks the agent for its model list when Model is empty
	AutoDetectModel bool `toml:"auto_detect_model"`

	// ClassifyEnabled runs the intent classifier for ambiguous messages
	ClassifyEnabled bool `toml:"classify_enabled"`

	// ClassifyTimeout bounds the classification call (floor: MinClassifyTimeout)
	ClassifyTimeout Duration `toml:"classify_timeout"`

	// ClassifyMinConfidence is the confidence above which a "chat" label is trusted
	ClassifyMinConfidence float64 `toml:"classify_min_confidence"`

	// StatusOnlyProgress turns step/tool events into short status lines
	StatusOnlyProgress bool `toml:"status_only_progress"`

	// ListModelsTimeout bounds the `models` subcommand
	ListModelsTimeout Duration `toml:"list_models_timeout"`

	// Env is extra environment passed to the agent process
	Env map[string]string `toml:"env"`
}

// NotifySettings configures progress relay.
type NotifySettings struct {
	// DefaultMode is the per-session notify mode until changed: quiet, normal, debug
	DefaultMode string `toml:"default_mode"`

	// ProgressInterval is the flush interval in normal mode
	ProgressInterval Duration `toml:"progress_interval"`

	// DebugInterval is the flush interval in debug mode
	DebugInterval Duration `toml:"debug_interval"`

	// ProgressLines is how many recent status lines a progress message shows
	ProgressLines int `toml:"progress_lines"`
}

// ChatSettings configures the chat platform side.
type ChatSettings struct {
	// APIBase is the bot API base URL used for outbound messages and downloads
	APIBase string `toml:"api_base"`

	// Token authenticates against the bot API and the event stream
	Token string `toml:"token"`

	// StreamURL is an optional websocket URL delivering inbound events
	StreamURL string `toml:"stream_url"`

	// RequireMention ignores group messages that do not mention the bot
	RequireMention bool `toml:"require_mention"`

	// CardEnabled allows structured card replies
	CardEnabled bool `toml:"card_enabled"`

	// MaxMessageChars splits plain text replies into chunks of this size
	MaxMessageChars int `toml:"max_message_chars"`

	// CardDetailChars is the detail budget of a card before overflow
	CardDetailChars int `toml:"card_detail_chars"`

	// UploadDir stages inbound files before they are attached to a task
	UploadDir string `toml:"upload_dir"`
}

// SessionSettings configures the session registry.
type SessionSettings struct {
	HistorySize     int  `toml:"history_size"`
	MaxPendingFiles int  `toml:"max_pending_files"`
	ExecuteFirst    bool `toml:"execute_first"`
}

// GatewaySettings configures the webhook HTTP server.
type GatewaySettings struct {
	// Listen is the host:port to bind (empty disables the gateway)
	Listen string `toml:"listen"`

	// Token, when set, must be presented as "Authorization: Bearer <token>"
	Token string `toml:"token"`

	// JWTSecret, when set, also accepts HS256-signed bearer tokens
	JWTSecret string `toml:"jwt_secret"`
}

// StoreSettings configures the archive of finished tasks.
type StoreSettings struct {
	// Driver is "memory" (default) or "sqlite"
	Driver   string `toml:"driver"`
	DSN      string `toml:"dsn"`
	Capacity int    `toml:"capacity"`
}

// LogSettings configures logging.
type LogSettings struct {
	Dir     string `toml:"dir"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Console bool   `toml:"console"`
}

// Default returns the built-in configuration.
func Default() Config {
	wd, _ := os.Getwd()
	return Config{
		Agent: AgentSettings{
			Command:               "opencode",
			Workdir:               wd,
			MaxConcurrent:         2,
			IdleTimeout:           Duration{10 * time.Minute},
			KillGrace:             Duration{5 * time.Second},
			AutoDetectModel:       true,
			ClassifyEnabled:       true,
			ClassifyTimeout:       Duration{20 * time.Second},
			ClassifyMinConfidence: 0.7,
			ListModelsTimeout:     Duration{10 * time.Second},
			Env:                   map[string]string{},
		},
		Notify: NotifySettings{
			DefaultMode:      "normal",
			ProgressInterval: Duration{10 * time.Second},
			DebugInterval:    Duration{3 * time.Second},
			ProgressLines:    5,
		},
		Chat: ChatSettings{
			RequireMention:  true,
			CardEnabled:     true,
			MaxMessageChars: 4000,
			CardDetailChars: 2800,
		},
		Session: SessionSettings{
			HistorySize:     20,
			MaxPendingFiles: 5,
			ExecuteFirst:    true,
		},
		Gateway: GatewaySettings{
			Listen: "127.0.0.1:8787",
		},
		Store: StoreSettings{
			Driver:   "memory",
			DSN:      "file::memory:?cache=shared",
			Capacity: 200,
		},
		Log: LogSettings{
			Dir:    defaultRelayDir(),
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultPath returns ~/.relay/config.toml.
func DefaultPath() string {
	return filepath.Join(defaultRelayDir(), ConfigFileName)
}

func defaultRelayDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}

var envPaths = []string{
	".env",
	"../.env",
}

// Load builds the configuration from .env files, the TOML file at path and
// RELAY_* environment overrides. An empty path means DefaultPath().
func Load(path string) (*Config, error) {
	for _, p := range envPaths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			break
		}
	}

	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return nil, err
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes TOML content over the defaults without touching the environment.
func Parse(data string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve fills derived defaults.
func (c *Config) resolve() {
	c.Agent.Workdir = expandTilde(c.Agent.Workdir)
	c.Log.Dir = expandTilde(c.Log.Dir)
	if c.Chat.UploadDir == "" {
		c.Chat.UploadDir = filepath.Join(c.Agent.Workdir, ".relay", "uploads")
	}
	c.Chat.UploadDir = expandTilde(c.Chat.UploadDir)
	if c.Agent.Env == nil {
		c.Agent.Env = map[string]string{}
	}
	c.Notify.DefaultMode = strings.ToLower(strings.TrimSpace(c.Notify.DefaultMode))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Agent.Command) == "" {
		problems = append(problems, "agent.command is required")
	}
	if c.Agent.MaxConcurrent < 1 {
		problems = append(problems, "agent.max_concurrent must be >= 1")
	}
	if c.Agent.ClassifyMinConfidence < 0 || c.Agent.ClassifyMinConfidence > 1 {
		problems = append(problems, "agent.classify_min_confidence must be within [0,1]")
	}
	switch c.Notify.DefaultMode {
	case "quiet", "normal", "debug":
	default:
		problems = append(problems, fmt.Sprintf("notify.default_mode %q must be quiet, normal or debug", c.Notify.DefaultMode))
	}
	if c.Chat.MaxMessageChars < 200 {
		problems = append(problems, "chat.max_message_chars must be >= 200")
	}
	if c.Session.HistorySize < 1 {
		problems = append(problems, "session.history_size must be >= 1")
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be memory or sqlite", c.Store.Driver))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// applyEnv overrides keys from RELAY_* variables.
func applyEnv(c *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *Duration) {
		if v := getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}

	str("RELAY_AGENT_COMMAND", &c.Agent.Command)
	str("RELAY_AGENT_WORKDIR", &c.Agent.Workdir)
	str("RELAY_AGENT_MODEL", &c.Agent.Model)
	integer("RELAY_MAX_CONCURRENT", &c.Agent.MaxConcurrent)
	duration("RELAY_IDLE_TIMEOUT", &c.Agent.IdleTimeout)
	duration("RELAY_HARD_TIMEOUT", &c.Agent.HardTimeout)
	boolean("RELAY_STATUS_ONLY_PROGRESS", &c.Agent.StatusOnlyProgress)
	str("RELAY_NOTIFY_MODE", &c.Notify.DefaultMode)
	str("RELAY_CHAT_API_BASE", &c.Chat.APIBase)
	str("RELAY_CHAT_TOKEN", &c.Chat.Token)
	str("RELAY_CHAT_STREAM_URL", &c.Chat.StreamURL)
	boolean("RELAY_REQUIRE_MENTION", &c.Chat.RequireMention)
	boolean("RELAY_CARD_ENABLED", &c.Chat.CardEnabled)
	integer("RELAY_HISTORY_SIZE", &c.Session.HistorySize)
	str("RELAY_GATEWAY_LISTEN", &c.Gateway.Listen)
	str("RELAY_GATEWAY_TOKEN", &c.Gateway.Token)
	str("RELAY_GATEWAY_JWT_SECRET", &c.Gateway.JWTSecret)
	str("RELAY_STORE_DRIVER", &c.Store.Driver)
	str("RELAY_STORE_DSN", &c.Store.DSN)
	str("RELAY_LOG_LEVEL", &c.Log.Level)
	str("RELAY_LOG_DIR", &c.Log.Dir)

	return errors.Join(errs...)
}

// expandTilde expands a leading ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
