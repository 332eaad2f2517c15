package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Repository defines device persistence operations.
// This abstraction allows SQLite in production and mocks in tests.
type Repository interface {
	// GetByHash returns ErrDeviceNotFound if the device does not exist.
	GetByHash(ctx context.Context, hash string) (*Device, error)

	// List returns devices matching the filter, oldest first.
	List(ctx context.Context, filter Filter) ([]Device, error)

	// Create returns ErrDeviceExists if the hash is taken.
	Create(ctx context.Context, device *Device) error

	// UpdateStatus writes the status and its change time.
	UpdateStatus(ctx context.Context, hash string, status Status, at time.Time) error

	// UpdatePort writes the live worker port (0 clears it).
	UpdatePort(ctx context.Context, hash string, port int) error

	// Delete returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, hash string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectColumns = `
	SELECT hash, name, status, port, webhook_url, webhook_secret,
		status_webhook_url, status_webhook_secret,
		created_at, updated_at, status_changed_at
	FROM devices`

// GetByHash retrieves a device by its hash.
func (r *SQLiteRepository) GetByHash(ctx context.Context, hash string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+" WHERE hash = ?", hash)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by hash: %w", err)
	}
	return d, nil
}

// List retrieves devices, optionally restricted to a set of statuses.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) ([]Device, error) {
	query := selectColumns
	args := make([]any, 0, len(filter.Statuses))
	if len(filter.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Statuses)), ",")
		query += " WHERE status IN (" + placeholders + ")"
		for _, s := range filter.Statuses {
			args = append(args, string(s))
		}
	}
	query += " ORDER BY created_at, hash"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Create inserts a new device. Timestamps are set when zero.
func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	if d.StatusChangedAt.IsZero() {
		d.StatusChangedAt = d.CreatedAt
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (
			hash, name, status, port, webhook_url, webhook_secret,
			status_webhook_url, status_webhook_secret,
			created_at, updated_at, status_changed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Hash, d.Name, string(d.Status), d.Port, d.WebhookURL, d.WebhookSecret,
		d.StatusWebhookURL, d.StatusWebhookSecret,
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt), formatTime(d.StatusChangedAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// UpdateStatus writes a new status.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, hash string, status Status, at time.Time) error {
	ts := formatTime(at)
	return r.exec(ctx, "updating device status",
		"UPDATE devices SET status = ?, status_changed_at = ?, updated_at = ? WHERE hash = ?",
		string(status), ts, ts, hash)
}

// UpdatePort writes the live worker port.
func (r *SQLiteRepository) UpdatePort(ctx context.Context, hash string, port int) error {
	return r.exec(ctx, "updating device port",
		"UPDATE devices SET port = ?, updated_at = ? WHERE hash = ?",
		port, formatTime(time.Now()), hash)
}

// Delete removes a device by hash.
func (r *SQLiteRepository) Delete(ctx context.Context, hash string) error {
	return r.exec(ctx, "deleting device", "DELETE FROM devices WHERE hash = ?", hash)
}

// exec runs a single-row write and maps zero affected rows to ErrDeviceNotFound.
func (r *SQLiteRepository) exec(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(s rowScanner) (*Device, error) {
	var d Device
	var status, createdAt, updatedAt, changedAt string

	if err := s.Scan(
		&d.Hash, &d.Name, &status, &d.Port, &d.WebhookURL, &d.WebhookSecret,
		&d.StatusWebhookURL, &d.StatusWebhookSecret,
		&createdAt, &updatedAt, &changedAt,
	); err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	d.StatusChangedAt = parseTime(changedAt)
	return &d, nil
}

// timeLayout has fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
