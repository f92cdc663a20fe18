package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func serverFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("rota", pflag.ContinueOnError)
	ServerFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return fs
}

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer(serverFlags(t, "--jwt-secret", "s3cret"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.DBPath != "rota.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.TokenTTL != 30*24*time.Hour {
		t.Errorf("token ttl = %v", cfg.TokenTTL)
	}
	if cfg.LoginRateLimit != 10 {
		t.Errorf("login rate limit = %d", cfg.LoginRateLimit)
	}
	if cfg.JWTSecret != "s3cret" {
		t.Errorf("jwt secret = %q", cfg.JWTSecret)
	}
}

func TestLoadServerBackup(t *testing.T) {
	t.Setenv("ROTA_BACKUP_BUCKET", "snapshots")
	t.Setenv("ROTA_BACKUP_PASSPHRASE", "hunter2")

	cfg, err := LoadServer(serverFlags(t, "--jwt-secret", "s", "--backup-interval", "6h"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackupBucket != "snapshots" || cfg.BackupPassphrase != "hunter2" {
		t.Errorf("backup cfg = %+v", cfg)
	}
	if cfg.BackupInterval != 6*time.Hour {
		t.Errorf("backup interval = %v", cfg.BackupInterval)
	}
	if cfg.BackupRetention != 30*24*time.Hour || cfg.BackupPrefix != "rota" {
		t.Errorf("backup defaults = %v %q", cfg.BackupRetention, cfg.BackupPrefix)
	}
}

func TestLoadServerRequiresSecret(t *testing.T) {
	if _, err := LoadServer(serverFlags(t)); err == nil {
		t.Error("expected error without jwt secret")
	}
}

func TestLoadServerEnv(t *testing.T) {
	t.Setenv("ROTA_JWT_SECRET", "from-env")
	t.Setenv("ROTA_DB_PATH", "/tmp/env.db")
	t.Setenv("ROTA_TOKEN_TTL", "2h")

	cfg, err := LoadServer(serverFlags(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JWTSecret != "from-env" || cfg.DBPath != "/tmp/env.db" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.TokenTTL != 2*time.Hour {
		t.Errorf("token ttl = %v, want 2h", cfg.TokenTTL)
	}
}

func TestLoadServerFlagBeatsEnv(t *testing.T) {
	t.Setenv("ROTA_JWT_SECRET", "x")
	t.Setenv("ROTA_ADDR", ":9000")

	cfg, err := LoadServer(serverFlags(t, "--addr", ":7000"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Errorf("addr = %q, want :7000", cfg.Addr)
	}
}

func TestLoadServerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rota.yaml")
	data := "jwt_secret: from-file\nlog_format: json\nlogin_rate_limit: 3\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadServer(serverFlags(t, "--config", path))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JWTSecret != "from-file" || cfg.LogFormat != "json" || cfg.LoginRateLimit != 3 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadServerMissingFile(t *testing.T) {
	_, err := LoadServer(serverFlags(t, "--config", filepath.Join(t.TempDir(), "nope.yaml")))
	if err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("ROTA_RECONNECT_MAX_ATTEMPTS", "2")

	fs := pflag.NewFlagSet("rotactl", pflag.ContinueOnError)
	ClientFlags(fs)
	if err := fs.Parse([]string{"--server-url", "https://rota.example.com/"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadClient(fs)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL != "https://rota.example.com" {
		t.Errorf("server url = %q", cfg.ServerURL)
	}
	if cfg.MaxAttempts != 2 {
		t.Errorf("max attempts = %d, want 2", cfg.MaxAttempts)
	}
	if cfg.BaseDelay != time.Second {
		t.Errorf("base delay = %v, want 1s", cfg.BaseDelay)
	}
}
