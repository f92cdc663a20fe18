// Package backup takes encrypted snapshots of the rota database and keeps
// them in S3-compatible object storage.
package backup

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmoiron/sqlx"
	"github.com/juju/clock"
	"github.com/juju/errors"
	_ "modernc.org/sqlite"
)

// objectStore is the subset of the S3 API the manager uses.
type objectStore interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Config holds backup manager configuration.
type Config struct {
	S3         S3Config
	Prefix     string
	Passphrase string
	Interval   time.Duration
	Retention  time.Duration
}

// Enabled reports whether storage and a passphrase are configured.
func (c Config) Enabled() bool {
	return c.S3.Bucket != "" && c.S3.AccessKey != "" && c.S3.SecretKey != "" && c.Passphrase != ""
}

// State represents the backup manager state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

// Status holds the current backup manager status.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	LastKey    string     `json:"last_key,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Snapshot describes one stored backup.
type Snapshot struct {
	Key       string
	TakenAt   time.Time
	SizeBytes int64
}

const (
	keyTimeLayout = "20060102T150405Z"
	keyPrefix     = "backup-"
	keySuffix     = ".db.enc"
)

// Manager takes scheduled snapshots and prunes old ones.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	db     *sqlx.DB
	client objectStore
	clock  clock.Clock
	logger *slog.Logger
	status Status
	busy   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a backup manager. A manager without storage or a
// passphrase stays disabled.
func NewManager(cfg Config, db *sqlx.DB, clk clock.Clock, logger *slog.Logger) *Manager {
	var client objectStore
	if cfg.Enabled() {
		client = newS3Client(cfg.S3)
	}
	return newManager(cfg, db, client, clk, logger)
}

func newManager(cfg Config, db *sqlx.DB, client objectStore, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.Prefix != "" && !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	m := &Manager{
		cfg:    cfg,
		db:     db,
		client: client,
		clock:  clk,
		logger: logger,
		status: Status{State: StateDisabled},
	}
	if client != nil {
		m.status.State = StateIdle
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Start begins the scheduled backup loop. It is a no-op when disabled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.client == nil || m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(m.cfg.Interval):
				if _, err := m.RunNow(ctx); err != nil {
					m.logger.Error("scheduled backup failed", "error", err)
				}
				if n, err := m.Cleanup(ctx); err != nil {
					m.logger.Error("backup cleanup failed", "error", err)
				} else if n > 0 {
					m.logger.Info("pruned old backups", "count", n)
				}
			}
		}
	}()
}

// Stop ends the scheduled loop and waits for a running backup to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Status returns the current backup status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// RunNow snapshots the database, encrypts it and uploads it. It returns the
// object key of the new backup.
func (m *Manager) RunNow(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.client == nil {
		m.mu.Unlock()
		return "", errors.NotProvisionedf("backup storage")
	}
	if m.busy {
		m.mu.Unlock()
		return "", errors.AlreadyExistsf("running backup")
	}
	m.busy = true
	m.status.State = StateRunning
	m.status.Error = ""
	m.mu.Unlock()

	now := m.clock.Now().UTC()
	key, err := m.upload(ctx, now)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = false
	if err != nil {
		m.status.State = StateError
		m.status.Error = err.Error()
		return "", err
	}
	m.status = Status{State: StateIdle, LastBackup: &now, LastKey: key}
	m.logger.Info("backup uploaded", "key", key)
	return key, nil
}

func (m *Manager) upload(ctx context.Context, at time.Time) (string, error) {
	data, err := m.snapshot(ctx)
	if err != nil {
		return "", err
	}
	sealed, err := Seal(data, m.cfg.Passphrase)
	if err != nil {
		return "", errors.Annotate(err, "encrypt snapshot")
	}

	key := m.cfg.Prefix + keyPrefix + at.Format(keyTimeLayout) + keySuffix
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return "", errors.Annotate(err, "upload snapshot")
	}
	return key, nil
}

// snapshot writes a consistent copy of the database with VACUUM INTO and
// returns its bytes.
func (m *Manager) snapshot(ctx context.Context) ([]byte, error) {
	dir, err := os.MkdirTemp("", "rota-backup-")
	if err != nil {
		return nil, errors.Annotate(err, "create temp dir")
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return nil, errors.Annotate(err, "vacuum into snapshot")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "read snapshot")
	}
	return data, nil
}

// List returns stored backups, newest first.
func (m *Manager) List(ctx context.Context) ([]Snapshot, error) {
	if m.client == nil {
		return nil, errors.NotProvisionedf("backup storage")
	}
	var out []Snapshot
	p := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Prefix: aws.String(m.cfg.Prefix + keyPrefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Annotate(err, "list backups")
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			at, ok := m.parseKey(key)
			if !ok {
				continue
			}
			out = append(out, Snapshot{Key: key, TakenAt: at, SizeBytes: aws.ToInt64(obj.Size)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TakenAt.After(out[j].TakenAt) })
	return out, nil
}

func (m *Manager) parseKey(key string) (time.Time, bool) {
	stamp, ok := strings.CutPrefix(key, m.cfg.Prefix+keyPrefix)
	if !ok {
		return time.Time{}, false
	}
	stamp, ok = strings.CutSuffix(stamp, keySuffix)
	if !ok {
		return time.Time{}, false
	}
	at, err := time.Parse(keyTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// Cleanup deletes backups older than the retention period. The newest
// backup is always kept.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	snaps, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := m.clock.Now().UTC().Add(-m.cfg.Retention)
	deleted := 0
	for i, s := range snaps {
		if i == 0 || !s.TakenAt.Before(cutoff) {
			continue
		}
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.S3.Bucket),
			Key:    aws.String(s.Key),
		}); err != nil {
			m.logger.Warn("failed to delete backup", "key", s.Key, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Restore downloads the backup stored under key, decrypts it, checks its
// integrity and writes it to dst. The server must not have dst open.
func (m *Manager) Restore(ctx context.Context, key, dst string) error {
	if m.client == nil {
		return errors.NotProvisionedf("backup storage")
	}
	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.Annotatef(err, "download backup %q", key)
	}
	defer result.Body.Close()

	sealed, err := io.ReadAll(result.Body)
	if err != nil {
		return errors.Annotate(err, "read backup")
	}
	data, err := Open(sealed, m.cfg.Passphrase)
	if err != nil {
		return errors.NewNotValid(err, "decrypt backup")
	}

	tmp := dst + ".restore"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Annotate(err, "write restored database")
	}
	if err := checkIntegrity(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return errors.Annotate(err, "replace database")
	}
	os.Remove(dst + "-wal")
	os.Remove(dst + "-shm")
	m.logger.Info("backup restored", "key", key, "path", dst)
	return nil
}

func checkIntegrity(path string) error {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return errors.Annotate(err, "open restored database")
	}
	defer db.Close()

	var result string
	if err := db.Get(&result, `PRAGMA integrity_check`); err != nil {
		return errors.Annotate(err, "integrity check")
	}
	if result != "ok" {
		return errors.NotValidf("restored database (%s)", result)
	}
	return nil
}
