// Package config loads the process configuration. Layered settings that
// can reasonably change without a restart (CORS origins, the admin key)
// go through viper, which layers flags over environment variables over an
// optional config file and re-reads the file on change via fsnotify. The
// handful of settings fixed at boot (listen port, backend selection) use
// the plain os.Getenv-with-defaults style of ashureev/shsh-labs's
// internal/config/config.go, since there is no sense hot-reloading a
// choice that can't take effect without restarting the listener anyway.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Backend selects the State Backend implementation (§4.A).
type Backend string

const (
	BackendLocal Backend = "local"
	BackendRedis Backend = "redis"
)

// Fixed holds settings read once at boot and never reloaded.
type Fixed struct {
	Port       string
	Backend    Backend
	RedisURL   string
	SessionTTL time.Duration
}

// Live holds settings viper can hot-reload from an optional config file
// (§6 "admin gating", operational CORS origin list).
type Live struct {
	v *viper.Viper
}

// CORSOrigins returns the currently configured allow-list, re-read from
// the live config source on every call so a file edit takes effect without
// a restart. CORS_ORIGIN is a comma-separated list or "*" (§6).
func (l *Live) CORSOrigins() []string {
	raw := l.v.GetString("cors_origins")
	if raw == "" {
		return []string{"*"}
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// AdminKey returns the current admin-key gate value; empty disables
// gating entirely (§6 "all other admin routes gated by... if configured").
func (l *Live) AdminKey() string {
	return l.v.GetString("admin_key")
}

// Config is the full process configuration.
type Config struct {
	Fixed
	Live *Live
}

// Load builds Config from flags, environment, and an optional config file
// passed via --config_file (mirrors the teacher's `server` command flag,
// cmd/cmd.go). The environment surface is §6's PORT, CORS_ORIGIN,
// ADMIN_KEY, REDIS_URL (whose presence, not a separate switch, selects the
// shared backend), plus SESSION_TTL (a Go duration string, default 30m;
// an unparsable value falls back to the default).
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.BindEnv("cors_origins", "CORS_ORIGIN")
	v.BindEnv("admin_key", "ADMIN_KEY")
	v.SetDefault("cors_origins", "*")
	v.SetDefault("admin_key", "")

	if flags != nil {
		_ = v.BindPFlags(flags)
	}

	if configFile, _ := flags.GetString("config_file"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			// Nothing to do beyond letting viper update its internal map;
			// CORSOrigins/AdminKey already read through v on every call.
		})
	}

	redisURL := getEnv("REDIS_URL", "")
	backend := BackendLocal
	if redisURL != "" {
		backend = BackendRedis
	}

	fixed := Fixed{
		Port:       getEnv("PORT", "3000"),
		Backend:    backend,
		RedisURL:   redisURL,
		SessionTTL: getEnvDuration("SESSION_TTL", 30*time.Minute),
	}

	return &Config{Fixed: fixed, Live: &Live{v: v}}, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
