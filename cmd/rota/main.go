package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dukerupert/rota/internal/backup"
	"github.com/dukerupert/rota/internal/config"
	"github.com/dukerupert/rota/internal/database"
	"github.com/dukerupert/rota/internal/email"
	"github.com/dukerupert/rota/internal/logging"
	"github.com/dukerupert/rota/internal/push"
	"github.com/dukerupert/rota/internal/server"
)

func main() {
	flagSet := pflag.NewFlagSet("rota", pflag.ContinueOnError)
	config.ServerFlags(flagSet)
	genKeys := flagSet.Bool("generate-vapid-keys", false, "print a new VAPID key pair and exit")
	listBackups := flagSet.Bool("list-backups", false, "list stored database backups and exit")
	restoreKey := flagSet.String("restore-backup", "", "restore the database from the backup with this key and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if *genKeys {
		public, private, err := push.GenerateVAPIDKeys()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("ROTA_VAPID_PUBLIC_KEY=%s\nROTA_VAPID_PRIVATE_KEY=%s\n", public, private)
		return
	}

	cfg, err := config.LoadServer(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	backupCfg := backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.BackupEndpoint,
			Bucket:    cfg.BackupBucket,
			Region:    cfg.BackupRegion,
			AccessKey: cfg.BackupAccessKey,
			SecretKey: cfg.BackupSecretKey,
		},
		Prefix:     cfg.BackupPrefix,
		Passphrase: cfg.BackupPassphrase,
		Interval:   cfg.BackupInterval,
		Retention:  cfg.BackupRetention,
	}

	if *listBackups || *restoreKey != "" {
		if err := runBackupCommand(backupCfg, cfg.DBPath, *restoreKey, logger); err != nil {
			slog.Error("backup command failed", "error", err)
			os.Exit(1)
		}
		return
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	srv := server.New(db, server.Options{
		JWTSecret: cfg.JWTSecret,
		TokenTTL:  cfg.TokenTTL,
		BaseURL:   cfg.BaseURL,
		Push: push.Config{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.VAPIDSubscriber,
		},
		Email:          email.NewClient(cfg.PostmarkToken, cfg.EmailFrom, cfg.BaseURL),
		LoginRateLimit: cfg.LoginRateLimit,
	}, logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	srv.Notifier().Start(bgCtx)
	defer srv.Notifier().Stop()

	backups := backup.NewManager(backupCfg, db, nil, logger.With("component", "backup"))
	backups.Start(bgCtx)
	defer backups.Stop()

	// Background cleanup goroutine
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := srv.SessionStore().DeleteExpired(); err != nil {
					slog.Error("cleanup expired sessions", "error", err)
				} else if n > 0 {
					slog.Info("cleaned up expired sessions", "count", n)
				}
				if n := srv.RateLimiter().Cleanup(); n > 0 {
					slog.Debug("cleaned up rate limit entries", "count", n)
				}
			case <-bgCtx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("rota starting", "addr", cfg.Addr, "push", cfg.VAPIDPublicKey != "", "email", cfg.PostmarkToken != "", "backup", backups.Status().State)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// runBackupCommand lists or restores backups without starting the server.
func runBackupCommand(cfg backup.Config, dbPath, key string, logger *slog.Logger) error {
	if !cfg.Enabled() {
		return fmt.Errorf("backup storage is not configured (--backup-bucket, keys and --backup-passphrase)")
	}
	m := backup.NewManager(cfg, nil, nil, logger.With("component", "backup"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if key != "" {
		return m.Restore(ctx, key, dbPath)
	}
	snaps, err := m.List(ctx)
	if err != nil {
		return err
	}
	for _, s := range snaps {
		fmt.Printf("%s\t%s\t%d\n", s.Key, s.TakenAt.Format(time.RFC3339), s.SizeBytes)
	}
	return nil
}
