// Package config loads settings for the rota binaries from flags, ROTA_*
// environment variables and an optional YAML file, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "ROTA"

// ServerConfig holds the settings of the rota server.
type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	DBPath    string `mapstructure:"db_path"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	BaseURL   string `mapstructure:"base_url"`

	JWTSecret      string        `mapstructure:"jwt_secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	LoginRateLimit int           `mapstructure:"login_rate_limit"`

	VAPIDPublicKey  string `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string `mapstructure:"vapid_private_key"`
	VAPIDSubscriber string `mapstructure:"vapid_subscriber"`

	PostmarkToken string `mapstructure:"postmark_token"`
	EmailFrom     string `mapstructure:"email_from"`

	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	BackupEndpoint   string        `mapstructure:"backup_endpoint"`
	BackupBucket     string        `mapstructure:"backup_bucket"`
	BackupRegion     string        `mapstructure:"backup_region"`
	BackupAccessKey  string        `mapstructure:"backup_access_key"`
	BackupSecretKey  string        `mapstructure:"backup_secret_key"`
	BackupPrefix     string        `mapstructure:"backup_prefix"`
	BackupPassphrase string        `mapstructure:"backup_passphrase"`
	BackupInterval   time.Duration `mapstructure:"backup_interval"`
	BackupRetention  time.Duration `mapstructure:"backup_retention"`
}

// ClientConfig holds the settings of the rotactl client.
type ClientConfig struct {
	ServerURL   string        `mapstructure:"server_url"`
	LogLevel    string        `mapstructure:"log_level"`
	LogFormat   string        `mapstructure:"log_format"`
	BaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	MaxAttempts int           `mapstructure:"reconnect_max_attempts"`
	KeyringDir  string        `mapstructure:"keyring_dir"`
}

// ServerFlags registers the server flags on fs.
func ServerFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("addr", ":8080", "listen address")
	fs.String("db-path", "rota.db", "SQLite database path")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "text", "log format (text, json)")
	fs.String("base-url", "http://localhost:8080", "public URL used in notifications")
	fs.String("jwt-secret", "", "secret used to sign access tokens")
	fs.Duration("token-ttl", 30*24*time.Hour, "access token lifetime")
	fs.Int("login-rate-limit", 10, "login and register attempts per minute per address")
	fs.String("vapid-public-key", "", "VAPID public key for web push")
	fs.String("vapid-private-key", "", "VAPID private key for web push")
	fs.String("vapid-subscriber", "", "VAPID subscriber contact")
	fs.String("postmark-token", "", "Postmark server token")
	fs.String("email-from", "noreply@rota.app", "sender address for notification email")
	fs.Duration("cleanup-interval", time.Hour, "interval between expired session sweeps")
	fs.String("backup-endpoint", "", "S3-compatible endpoint for database backups")
	fs.String("backup-bucket", "", "bucket for database backups")
	fs.String("backup-region", "us-east-1", "region of the backup bucket")
	fs.String("backup-access-key", "", "access key for the backup bucket")
	fs.String("backup-secret-key", "", "secret key for the backup bucket")
	fs.String("backup-prefix", "rota", "object key prefix for backups")
	fs.String("backup-passphrase", "", "passphrase used to encrypt backups")
	fs.Duration("backup-interval", 24*time.Hour, "interval between scheduled backups")
	fs.Duration("backup-retention", 30*24*time.Hour, "age after which backups are pruned")
}

// ClientFlags registers the client flags on fs.
func ClientFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("server-url", "http://localhost:8080", "rota server URL")
	fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	fs.String("log-format", "text", "log format (text, json)")
	fs.Duration("reconnect-base-delay", time.Second, "base delay between realtime reconnect attempts")
	fs.Int("reconnect-max-attempts", 5, "realtime reconnect attempts before giving up")
	fs.String("keyring-dir", DefaultKeyringDir(), "directory for the file keyring backend")
}

// DefaultKeyringDir returns ~/.config/rota/credentials.
func DefaultKeyringDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "credentials")
	}
	return filepath.Join(home, ".config", "rota", "credentials")
}

// LoadServer reads the server settings from a parsed flag set.
func LoadServer(fs *pflag.FlagSet) (*ServerConfig, error) {
	v, err := load(fs)
	if err != nil {
		return nil, err
	}
	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required (--jwt-secret or ROTA_JWT_SECRET)")
	}
	return &cfg, nil
}

// LoadClient reads the client settings from a parsed flag set.
func LoadClient(fs *pflag.FlagSet) (*ClientConfig, error) {
	v, err := load(fs)
	if err != nil {
		return nil, err
	}
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	return &cfg, nil
}

// load binds every flag under its snake_case key so flags, env vars and the
// config file share one namespace: --db-path, ROTA_DB_PATH and db_path.
func load(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		bindErr = v.BindPFlag(key, f)
	})
	if bindErr != nil {
		return nil, fmt.Errorf("binding flags: %w", bindErr)
	}

	path, _ := fs.GetString("config")
	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return v, nil
}
