package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "TASKSYNC"

type Config struct {
	Port           string
	LogLevel       string
	LogFormat      string
	DatabaseDriver string
	DatabaseURL    string
	// AuthTokens maps bearer credentials to owner ids.
	AuthTokens     map[string]string
	AllowedOrigins []string

	ReconcileMaxAttempts int
	ReconcileBaseDelay   time.Duration
	ReconcileMaxDelay    time.Duration

	Client ClientConfig
}

type ClientConfig struct {
	ServerURL      string
	Token          string
	DeviceID       string
	DataDir        string
	RequestTimeout time.Duration

	Debounce     time.Duration
	SyncInterval time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
}

// Load reads defaults, then the optional config file, then TASKSYNC_*
// environment variables (e.g. TASKSYNC_DATABASE_URL,
// TASKSYNC_CLIENT_SERVER_URL). PORT overrides the listen port.
func Load(configFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile = strings.TrimSpace(configFile); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	tokens, err := authTokens(v.Get("auth_tokens"))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Port:                 strings.TrimSpace(v.GetString("port")),
		LogLevel:             v.GetString("log_level"),
		LogFormat:            v.GetString("log_format"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(v.GetString("database_driver"))),
		DatabaseURL:          strings.TrimSpace(v.GetString("database_url")),
		AuthTokens:           tokens,
		AllowedOrigins:       v.GetStringSlice("allowed_origins"),
		ReconcileMaxAttempts: v.GetInt("reconcile.max_attempts"),
		ReconcileBaseDelay:   v.GetDuration("reconcile.base_delay"),
		ReconcileMaxDelay:    v.GetDuration("reconcile.max_delay"),
		Client: ClientConfig{
			ServerURL:            strings.TrimRight(strings.TrimSpace(v.GetString("client.server_url")), "/"),
			Token:                strings.TrimSpace(v.GetString("client.token")),
			DeviceID:             strings.TrimSpace(v.GetString("client.device_id")),
			DataDir:              strings.TrimSpace(v.GetString("client.data_dir")),
			RequestTimeout:       v.GetDuration("client.request_timeout"),
			Debounce:             v.GetDuration("client.debounce"),
			SyncInterval:         v.GetDuration("client.sync_interval"),
			ReconnectBaseDelay:   v.GetDuration("client.reconnect_base_delay"),
			ReconnectMaxDelay:    v.GetDuration("client.reconnect_max_delay"),
			ReconnectMaxAttempts: v.GetInt("client.reconnect_max_attempts"),
		},
	}
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		cfg.Port = p
	}
	if cfg.Client.DeviceID == "" {
		if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
			cfg.Client.DeviceID = "tasksync-" + host
		} else {
			cfg.Client.DeviceID = "tasksync-device"
		}
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8090")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("database_driver", "sqlite")
	v.SetDefault("database_url", "file:tasksync.db?_pragma=busy_timeout(5000)")
	v.SetDefault("auth_tokens", "")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("reconcile.max_attempts", 3)
	v.SetDefault("reconcile.base_delay", 50*time.Millisecond)
	v.SetDefault("reconcile.max_delay", 2*time.Second)

	v.SetDefault("client.server_url", "http://localhost:8090")
	v.SetDefault("client.token", "")
	v.SetDefault("client.device_id", "")
	v.SetDefault("client.data_dir", "tasksync-data")
	v.SetDefault("client.request_timeout", 15*time.Second)
	v.SetDefault("client.debounce", 500*time.Millisecond)
	v.SetDefault("client.sync_interval", 30*time.Second)
	v.SetDefault("client.reconnect_base_delay", time.Second)
	v.SetDefault("client.reconnect_max_delay", 30*time.Second)
	v.SetDefault("client.reconnect_max_attempts", 10)
}

// authTokens accepts a "token=owner,..." string (environment) or a list of
// "token=owner" entries (config file). Maps are not accepted because viper
// lowercases map keys and tokens are case-sensitive.
func authTokens(raw any) (map[string]string, error) {
	var pairs []string
	switch val := raw.(type) {
	case nil:
	case string:
		pairs = strings.Split(val, ",")
	case []string:
		pairs = val
	case []any:
		for i, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("auth_tokens[%d]: expected string, got %T", i, item)
			}
			pairs = append(pairs, s)
		}
	default:
		return nil, fmt.Errorf("auth_tokens: unsupported type %T", raw)
	}

	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, owner, ok := strings.Cut(pair, "=")
		token, owner = strings.TrimSpace(token), strings.TrimSpace(owner)
		if !ok || token == "" || owner == "" {
			return nil, fmt.Errorf("auth_tokens: expected token=owner, got %q", pair)
		}
		out[token] = owner
	}
	return out, nil
}
