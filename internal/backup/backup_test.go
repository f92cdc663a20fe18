package backup

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"

	"github.com/dukerupert/rota/internal/database"
	"github.com/dukerupert/rota/internal/store"
)

type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte)}
}

func (m *mockS3) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(input.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(input.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(input.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(input.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(m.objects[k]))),
		})
	}
	return out, nil
}

func (m *mockS3) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func testConfig() Config {
	return Config{
		S3:         S3Config{Bucket: "rota", AccessKey: "key", SecretKey: "secret"},
		Prefix:     "rota",
		Passphrase: "correct horse",
		Interval:   time.Hour,
		Retention:  7 * 24 * time.Hour,
	}
}

func TestManagerDisabled(t *testing.T) {
	m := NewManager(Config{S3: S3Config{Bucket: "rota", AccessKey: "k", SecretKey: "s"}}, nil, nil, testLogger)
	if m.Status().State != StateDisabled {
		t.Errorf("state = %q, want %q without a passphrase", m.Status().State, StateDisabled)
	}
	if _, err := m.RunNow(context.Background()); !errors.Is(err, errors.NotProvisioned) {
		t.Errorf("run err = %v, want NotProvisioned", err)
	}
	if _, err := m.List(context.Background()); !errors.Is(err, errors.NotProvisioned) {
		t.Errorf("list err = %v, want NotProvisioned", err)
	}

	m.Start(context.Background())
	m.Stop()
}

func TestManagerEnabled(t *testing.T) {
	m := NewManager(testConfig(), nil, nil, testLogger)
	if m.Status().State != StateIdle {
		t.Errorf("state = %q, want %q", m.Status().State, StateIdle)
	}
}

func TestRunNowAndRestore(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if _, err := store.NewUserStore(db).Create("alice@example.com", "Alice", "hash"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	mock := newMockS3()
	m := newManager(testConfig(), db, mock, testclock.NewClock(epoch), testLogger)

	key, err := m.RunNow(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if want := "rota/backup-20260102T030405Z.db.enc"; key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
	status := m.Status()
	if status.State != StateIdle || status.LastKey != key || status.LastBackup == nil {
		t.Errorf("status = %+v", status)
	}
	if bytes.Contains(mock.objects[key], []byte("alice@example.com")) {
		t.Error("uploaded snapshot is not encrypted")
	}

	dst := filepath.Join(t.TempDir(), "restored.db")
	if err := m.Restore(context.Background(), key, dst); err != nil {
		t.Fatalf("restore: %v", err)
	}
	restored, err := database.Open(dst)
	if err != nil {
		t.Fatalf("open restored: %v", err)
	}
	defer restored.Close()
	u, err := store.NewUserStore(restored).GetByEmail("alice@example.com")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u == nil || u.Name != "Alice" {
		t.Errorf("restored user = %+v", u)
	}
}

func TestRestoreWrongPassphrase(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mock := newMockS3()
	m := newManager(testConfig(), db, mock, testclock.NewClock(epoch), testLogger)
	key, err := m.RunNow(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	cfg := testConfig()
	cfg.Passphrase = "wrong"
	other := newManager(cfg, nil, mock, testclock.NewClock(epoch), testLogger)
	err = other.Restore(context.Background(), key, filepath.Join(t.TempDir(), "x.db"))
	if !errors.Is(err, errors.NotValid) {
		t.Errorf("restore err = %v, want NotValid", err)
	}
}

func TestCleanupKeepsNewest(t *testing.T) {
	mock := newMockS3()
	for _, k := range []string{
		"rota/backup-20251201T000000Z.db.enc",
		"rota/backup-20251220T000000Z.db.enc",
		"rota/backup-20251230T000000Z.db.enc",
		"rota/notes.txt",
	} {
		mock.objects[k] = []byte("x")
	}
	m := newManager(testConfig(), nil, mock, testclock.NewClock(epoch), testLogger)

	n, err := m.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	want := []string{"rota/backup-20251230T000000Z.db.enc", "rota/notes.txt"}
	if got := mock.keys(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("keys = %v, want %v", got, want)
	}
}

func TestListNewestFirst(t *testing.T) {
	mock := newMockS3()
	mock.objects["rota/backup-20251201T000000Z.db.enc"] = []byte("a")
	mock.objects["rota/backup-20260101T000000Z.db.enc"] = []byte("bb")
	m := newManager(testConfig(), nil, mock, testclock.NewClock(epoch), testLogger)

	snaps, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("len = %d, want 2", len(snaps))
	}
	if snaps[0].Key != "rota/backup-20260101T000000Z.db.enc" || snaps[0].SizeBytes != 2 {
		t.Errorf("first = %+v", snaps[0])
	}
}

func TestScheduledBackup(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mock := newMockS3()
	clk := testclock.NewClock(epoch)
	m := newManager(testConfig(), db, mock, clk, testLogger)
	m.Start(context.Background())
	defer m.Stop()

	if err := clk.WaitAdvance(time.Hour, time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(mock.keys()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no scheduled backup uploaded")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := mock.keys()[0]; got != "rota/backup-20260102T040405Z.db.enc" {
		t.Errorf("key = %q", got)
	}
}
