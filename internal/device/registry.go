package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Store is the device registry seen by the rest of the gateway.
type Store interface {
	Create(ctx context.Context, d *Device) error
	FindByHash(ctx context.Context, hash string) (*Device, error)

	// UpdateStatus validates and persists a transition. It returns the
	// updated device and the status it replaced. A same-state write returns
	// the unchanged device without touching storage.
	UpdateStatus(ctx context.Context, hash string, to Status) (*Device, Status, error)

	UpdatePort(ctx context.Context, hash string, port int) error
	List(ctx context.Context, filter Filter) ([]Device, error)
	Delete(ctx context.Context, hash string) error
}

// Registry provides device management with caching and thread safety.
// It wraps a Repository and keeps every device in memory; the cache is
// loaded by RefreshCache on startup and kept in sync by each write.
//
// Returned devices are copies; callers can safely modify them.
type Registry struct {
	repo    Repository
	cache   map[string]*Device
	cacheMu sync.RWMutex

	// writeMu makes status read-validate-write atomic.
	writeMu sync.Mutex

	logger Logger
	now    func() time.Time
}

var _ Store = (*Registry)(nil)

// NewRegistry creates a new device registry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx, Filter{})
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		r.cache[devices[i].Hash] = devices[i].DeepCopy()
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// Create registers a device. A missing hash is generated and a missing
// status defaults to registered.
func (r *Registry) Create(ctx context.Context, d *Device) error {
	if d.Hash == "" {
		d.Hash = GenerateHash()
	}
	if d.Status == "" {
		d.Status = StatusRegistered
	}
	if err := ValidateDevice(d); err != nil {
		return err
	}

	if err := r.repo.Create(ctx, d); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[d.Hash] = d.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device registered", "device_hash", d.Hash, "name", d.Name)
	return nil
}

// FindByHash returns ErrDeviceNotFound if the device does not exist.
func (r *Registry) FindByHash(ctx context.Context, hash string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[hash]
	r.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	d, err := r.repo.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[hash] = d.DeepCopy()
	r.cacheMu.Unlock()
	return d, nil
}

// UpdateStatus validates the transition against the stored status and
// persists it.
func (r *Registry) UpdateStatus(ctx context.Context, hash string, to Status) (*Device, Status, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current, err := r.FindByHash(ctx, hash)
	if err != nil {
		return nil, "", err
	}
	from := current.Status
	if from == to {
		return current, from, nil
	}
	if err := ValidateTransition(from, to); err != nil {
		return nil, from, err
	}

	at := r.now()
	if err := r.repo.UpdateStatus(ctx, hash, to, at); err != nil {
		return nil, from, err
	}

	current.Status = to
	current.StatusChangedAt = at
	current.UpdatedAt = at
	r.store(current)

	r.logger.Debug("device status updated", "device_hash", hash, "from", from, "to", to)
	return current.DeepCopy(), from, nil
}

// UpdatePort records the live worker port for a device.
func (r *Registry) UpdatePort(ctx context.Context, hash string, port int) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current, err := r.FindByHash(ctx, hash)
	if err != nil {
		return err
	}
	if err := r.repo.UpdatePort(ctx, hash, port); err != nil {
		return err
	}

	current.Port = port
	current.UpdatedAt = r.now()
	r.store(current)
	return nil
}

// List returns devices matching filter, oldest first.
func (r *Registry) List(_ context.Context, filter Filter) ([]Device, error) {
	r.cacheMu.RLock()
	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		if filter.Matches(d) {
			devices = append(devices, *d.DeepCopy())
		}
	}
	r.cacheMu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].CreatedAt.Equal(devices[j].CreatedAt) {
			return devices[i].Hash < devices[j].Hash
		}
		return devices[i].CreatedAt.Before(devices[j].CreatedAt)
	})
	return devices, nil
}

// Delete removes a device.
func (r *Registry) Delete(ctx context.Context, hash string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.repo.Delete(ctx, hash); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, hash)
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "device_hash", hash)
	return nil
}

func (r *Registry) store(d *Device) {
	r.cacheMu.Lock()
	r.cache[d.Hash] = d.DeepCopy()
	r.cacheMu.Unlock()
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices int            `json:"total_devices"`
	ByStatus     map[Status]int `json:"by_status"`
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		TotalDevices: len(r.cache),
		ByStatus:     make(map[Status]int),
	}
	for _, d := range r.cache {
		stats.ByStatus[d.Status]++
	}
	return stats
}
