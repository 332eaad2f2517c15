package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/devgate/internal/infrastructure/database"
	_ "github.com/nerrad567/devgate/migrations"
)

// setupTestRepo opens an in-memory database migrated with the real schema.
func setupTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: ":memory:", BusyTimeout: 1})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func testDevice(hash string) *Device {
	return &Device{
		Hash:                hash,
		Name:                "device " + hash,
		Status:              StatusRegistered,
		WebhookURL:          "https://example.com/in",
		WebhookSecret:       "worker-secret",
		StatusWebhookURL:    "https://example.com/status",
		StatusWebhookSecret: "status-secret",
	}
}

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	d := testDevice("abc")
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if d.CreatedAt.IsZero() || d.StatusChangedAt.IsZero() {
		t.Error("Create() should fill timestamps")
	}

	got, err := repo.GetByHash(ctx, "abc")
	if err != nil {
		t.Fatalf("GetByHash() error = %v", err)
	}
	if got.Name != d.Name || got.Status != StatusRegistered {
		t.Errorf("GetByHash() = %+v", got)
	}
	if got.StatusWebhookSecret != "status-secret" || got.WebhookSecret != "worker-secret" {
		t.Error("secrets not persisted")
	}
	if !got.CreatedAt.Equal(d.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, d.CreatedAt)
	}
}

func TestSQLiteRepository_CreateDuplicate(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, testDevice("dup")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, testDevice("dup")); !errors.Is(err, ErrDeviceExists) {
		t.Errorf("second Create() error = %v, want ErrDeviceExists", err)
	}
}

func TestSQLiteRepository_GetByHashNotFound(t *testing.T) {
	repo := setupTestRepo(t)
	if _, err := repo.GetByHash(context.Background(), "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetByHash() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_ListFilter(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, spec := range []struct {
		hash   string
		status Status
	}{
		{"a", StatusActive},
		{"b", StatusStopped},
		{"c", StatusError},
	} {
		d := testDevice(spec.hash)
		d.Status = spec.status
		d.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := repo.Create(ctx, d); err != nil {
			t.Fatalf("Create(%s) error = %v", spec.hash, err)
		}
	}

	all, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 || all[0].Hash != "a" || all[2].Hash != "c" {
		t.Errorf("List() = %v, want a,b,c in creation order", hashes(all))
	}

	some, err := repo.List(ctx, Filter{Statuses: []Status{StatusActive, StatusError}})
	if err != nil {
		t.Fatalf("List(filter) error = %v", err)
	}
	if got := hashes(some); len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("List(filter) = %v, want [a c]", got)
	}
}

func TestSQLiteRepository_Updates(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, testDevice("u")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if err := repo.UpdateStatus(ctx, "u", StatusStarting, at); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if err := repo.UpdatePort(ctx, "u", 8005); err != nil {
		t.Fatalf("UpdatePort() error = %v", err)
	}

	got, err := repo.GetByHash(ctx, "u")
	if err != nil {
		t.Fatalf("GetByHash() error = %v", err)
	}
	if got.Status != StatusStarting || got.Port != 8005 {
		t.Errorf("status=%s port=%d", got.Status, got.Port)
	}
	if !got.StatusChangedAt.Equal(at) {
		t.Errorf("StatusChangedAt = %v, want %v", got.StatusChangedAt, at)
	}

	if err := repo.UpdateStatus(ctx, "nope", StatusStarting, at); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("UpdateStatus(missing) error = %v", err)
	}
	if err := repo.UpdatePort(ctx, "nope", 1); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("UpdatePort(missing) error = %v", err)
	}
}

func TestSQLiteRepository_Delete(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, testDevice("d")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Delete(ctx, "d"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := repo.Delete(ctx, "d"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second Delete() error = %v, want ErrDeviceNotFound", err)
	}
}

func hashes(devices []Device) []string {
	out := make([]string, len(devices))
	for i := range devices {
		out[i] = devices[i].Hash
	}
	return out
}
