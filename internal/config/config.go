// Package config holds the server configuration and its command line flags.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/manpreetbhatti/codeshare/backend/internal/assistant"
	"github.com/manpreetbhatti/codeshare/backend/internal/reaper"
	"github.com/manpreetbhatti/codeshare/backend/internal/ws"
	"github.com/urfave/cli/v3"
)

const (
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for the server.
type Config struct {
	Addr     string
	LogLevel string

	// Metadata store
	Store         string
	DBPath        string
	MongoURL      string
	MongoDatabase string

	// RedisURL enables the shared window store for room creation budgets.
	// Empty keeps windows in memory.
	RedisURL string

	// JWTSecret verifies identity tokens. Empty accepts any non-empty token
	// and registers unknown accounts on first use.
	JWTSecret string

	AssistantURL     string
	AssistantAPIKey  string
	AssistantModel   string
	AssistantTimeout time.Duration

	SweepInterval     time.Duration
	RetentionInterval time.Duration
	Retention         time.Duration

	CreateRoomLimit  int
	CreateRoomWindow time.Duration
	ChatLimit        int
	ChatWindow       time.Duration
	AssistantLimit   int
	AssistantWindow  time.Duration
	RenameLimit      int
	RenameWindow     time.Duration

	SnapshotResendDelay time.Duration
	UpstreamTimeout     time.Duration
}

func DefaultConfig() Config {
	hub := ws.DefaultConfig()
	bridge := assistant.DefaultConfig()
	lifecycle := reaper.DefaultConfig()
	return Config{
		Addr:                ":8080",
		LogLevel:            "info",
		Store:               StoreSQLite,
		DBPath:              "./data/codeshare.db",
		MongoDatabase:       "codeshare",
		AssistantModel:      "gpt-4o-mini",
		AssistantTimeout:    bridge.Timeout,
		SweepInterval:       lifecycle.SweepInterval,
		RetentionInterval:   lifecycle.RetentionInterval,
		Retention:           lifecycle.Retention,
		CreateRoomLimit:     hub.CreateRoomLimit,
		CreateRoomWindow:    hub.CreateRoomWindow,
		ChatLimit:           hub.ChatLimit,
		ChatWindow:          hub.ChatWindow,
		AssistantLimit:      bridge.Limit,
		AssistantWindow:     bridge.Window,
		RenameLimit:         hub.RenameLimit,
		RenameWindow:        hub.RenameWindow,
		SnapshotResendDelay: hub.SnapshotResendDelay,
		UpstreamTimeout:     hub.UpstreamTimeout,
	}
}

// Validate checks the values that flags cannot constrain on their own.
func (c Config) Validate() error {
	switch c.Store {
	case StoreSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("%w: db-path is required for the sqlite store", ErrInvalidConfig)
		}
	case StoreMongo:
		if c.MongoURL == "" {
			return fmt.Errorf("%w: mongo-url is required for the mongo store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for name, d := range map[string]time.Duration{
		"sweep-interval":     c.SweepInterval,
		"retention-interval": c.RetentionInterval,
		"retention":          c.Retention,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	return nil
}

// Hub returns the event loop settings.
func (c Config) Hub() ws.Config {
	return ws.Config{
		CreateRoomLimit:     c.CreateRoomLimit,
		CreateRoomWindow:    c.CreateRoomWindow,
		ChatLimit:           c.ChatLimit,
		ChatWindow:          c.ChatWindow,
		RenameLimit:         c.RenameLimit,
		RenameWindow:        c.RenameWindow,
		SnapshotResendDelay: c.SnapshotResendDelay,
		UpstreamTimeout:     c.UpstreamTimeout,
		AutoRegister:        c.JWTSecret == "",
	}
}

func (c Config) Reaper() reaper.Config {
	return reaper.Config{
		SweepInterval:     c.SweepInterval,
		RetentionInterval: c.RetentionInterval,
		Retention:         c.Retention,
		StoreTimeout:      c.UpstreamTimeout,
	}
}

func (c Config) Assistant() assistant.Config {
	return assistant.Config{
		Limit:   c.AssistantLimit,
		Window:  c.AssistantWindow,
		Timeout: c.AssistantTimeout,
	}
}

// Flags binds every setting to a flag with an environment fallback.
func Flags(cfg *Config) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "addr",
			Category:    "Server:",
			Sources:     cli.EnvVars("CODESHARE_ADDR"),
			Destination: &cfg.Addr,
			Value:       cfg.Addr,
			Usage:       "HTTP listen address",
		},
		&cli.StringFlag{
			Name:        "log-level",
			Category:    "Server:",
			Sources:     cli.EnvVars("CODESHARE_LOG_LEVEL"),
			Destination: &cfg.LogLevel,
			Value:       cfg.LogLevel,
			Usage:       "Log level (debug|info|warn|error)",
		},

		// ── Store ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "store",
			Category:    "Store:",
			Sources:     cli.EnvVars("CODESHARE_STORE"),
			Destination: &cfg.Store,
			Value:       cfg.Store,
			Usage:       "Metadata store (" + StoreSQLite + "|" + StoreMongo + ")",
		},
		&cli.StringFlag{
			Name:        "db-path",
			Category:    "Store:",
			Sources:     cli.EnvVars("CODESHARE_DB_PATH"),
			Destination: &cfg.DBPath,
			Value:       cfg.DBPath,
			Usage:       "SQLite database file",
		},
		&cli.StringFlag{
			Name:        "mongo-url",
			Category:    "Store:",
			Sources:     cli.EnvVars("CODESHARE_MONGO_URL"),
			Destination: &cfg.MongoURL,
			Usage:       "MongoDB connection URL",
		},
		&cli.StringFlag{
			Name:        "mongo-database",
			Category:    "Store:",
			Sources:     cli.EnvVars("CODESHARE_MONGO_DATABASE"),
			Destination: &cfg.MongoDatabase,
			Value:       cfg.MongoDatabase,
			Usage:       "MongoDB database name",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Store:",
			Sources:     cli.EnvVars("CODESHARE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis URL for shared rate-limit windows; empty keeps them in memory",
		},

		// ── Auth ──────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "jwt-secret",
			Category:    "Auth:",
			Sources:     cli.EnvVars("CODESHARE_JWT_SECRET"),
			Destination: &cfg.JWTSecret,
			Usage:       "HS256 secret for identity tokens; empty accepts any token",
		},

		// ── Assistant ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "assistant-url",
			Category:    "Assistant:",
			Sources:     cli.EnvVars("CODESHARE_ASSISTANT_URL"),
			Destination: &cfg.AssistantURL,
			Usage:       "OpenAI-compatible API base URL; empty disables the assistant",
		},
		&cli.StringFlag{
			Name:        "assistant-api-key",
			Category:    "Assistant:",
			Sources:     cli.EnvVars("CODESHARE_ASSISTANT_API_KEY"),
			Destination: &cfg.AssistantAPIKey,
			Usage:       "Assistant API key",
		},
		&cli.StringFlag{
			Name:        "assistant-model",
			Category:    "Assistant:",
			Sources:     cli.EnvVars("CODESHARE_ASSISTANT_MODEL"),
			Destination: &cfg.AssistantModel,
			Value:       cfg.AssistantModel,
			Usage:       "Assistant model name",
		},
		&cli.DurationFlag{
			Name:        "assistant-timeout",
			Category:    "Assistant:",
			Sources:     cli.EnvVars("CODESHARE_ASSISTANT_TIMEOUT"),
			Destination: &cfg.AssistantTimeout,
			Value:       cfg.AssistantTimeout,
			Usage:       "Timeout for one assistant request",
		},
		&cli.IntFlag{
			Name:        "assistant-limit",
			Category:    "Assistant:",
			Sources:     cli.EnvVars("CODESHARE_ASSISTANT_LIMIT"),
			Destination: &cfg.AssistantLimit,
			Value:       cfg.AssistantLimit,
			Usage:       "Assistant requests per connection per window",
		},
		&cli.DurationFlag{
			Name:        "assistant-window",
			Category:    "Assistant:",
			Sources:     cli.EnvVars("CODESHARE_ASSISTANT_WINDOW"),
			Destination: &cfg.AssistantWindow,
			Value:       cfg.AssistantWindow,
			Usage:       "Assistant rate-limit window",
		},

		// ── Lifecycle ─────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "sweep-interval",
			Category:    "Lifecycle:",
			Sources:     cli.EnvVars("CODESHARE_SWEEP_INTERVAL"),
			Destination: &cfg.SweepInterval,
			Value:       cfg.SweepInterval,
			Usage:       "How often empty rooms are reclaimed",
		},
		&cli.DurationFlag{
			Name:        "retention-interval",
			Category:    "Lifecycle:",
			Sources:     cli.EnvVars("CODESHARE_RETENTION_INTERVAL"),
			Destination: &cfg.RetentionInterval,
			Value:       cfg.RetentionInterval,
			Usage:       "How often inactive room records are purged",
		},
		&cli.DurationFlag{
			Name:        "retention",
			Category:    "Lifecycle:",
			Sources:     cli.EnvVars("CODESHARE_RETENTION"),
			Destination: &cfg.Retention,
			Value:       cfg.Retention,
			Usage:       "How long inactive room records are kept",
		},
		&cli.DurationFlag{
			Name:        "snapshot-resend-delay",
			Category:    "Lifecycle:",
			Sources:     cli.EnvVars("CODESHARE_SNAPSHOT_RESEND_DELAY"),
			Destination: &cfg.SnapshotResendDelay,
			Value:       cfg.SnapshotResendDelay,
			Usage:       "Delay before the document snapshot is sent again to a new member",
		},
		&cli.DurationFlag{
			Name:        "upstream-timeout",
			Category:    "Lifecycle:",
			Sources:     cli.EnvVars("CODESHARE_UPSTREAM_TIMEOUT"),
			Destination: &cfg.UpstreamTimeout,
			Value:       cfg.UpstreamTimeout,
			Usage:       "Timeout for token, store and redis calls",
		},

		// ── Rate limits ───────────────────────────────────────────
		&cli.IntFlag{
			Name:        "create-room-limit",
			Category:    "Rate limits:",
			Sources:     cli.EnvVars("CODESHARE_CREATE_ROOM_LIMIT"),
			Destination: &cfg.CreateRoomLimit,
			Value:       cfg.CreateRoomLimit,
			Usage:       "Rooms one owner name may create per window",
		},
		&cli.DurationFlag{
			Name:        "create-room-window",
			Category:    "Rate limits:",
			Sources:     cli.EnvVars("CODESHARE_CREATE_ROOM_WINDOW"),
			Destination: &cfg.CreateRoomWindow,
			Value:       cfg.CreateRoomWindow,
			Usage:       "Room creation rate-limit window",
		},
		&cli.IntFlag{
			Name:        "chat-limit",
			Category:    "Rate limits:",
			Sources:     cli.EnvVars("CODESHARE_CHAT_LIMIT"),
			Destination: &cfg.ChatLimit,
			Value:       cfg.ChatLimit,
			Usage:       "Chat messages per connection per window",
		},
		&cli.DurationFlag{
			Name:        "chat-window",
			Category:    "Rate limits:",
			Sources:     cli.EnvVars("CODESHARE_CHAT_WINDOW"),
			Destination: &cfg.ChatWindow,
			Value:       cfg.ChatWindow,
			Usage:       "Chat rate-limit window",
		},
		&cli.IntFlag{
			Name:        "rename-limit",
			Category:    "Rate limits:",
			Sources:     cli.EnvVars("CODESHARE_RENAME_LIMIT"),
			Destination: &cfg.RenameLimit,
			Value:       cfg.RenameLimit,
			Usage:       "Renames per room per window",
		},
		&cli.DurationFlag{
			Name:        "rename-window",
			Category:    "Rate limits:",
			Sources:     cli.EnvVars("CODESHARE_RENAME_WINDOW"),
			Destination: &cfg.RenameWindow,
			Value:       cfg.RenameWindow,
			Usage:       "Rename rate-limit window",
		},
	}
}
