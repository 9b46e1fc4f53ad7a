// Package sessionlock arbitrates mutually exclusive write access to project
// state between the CLI and web front-ends. The lock is a single JSON record
// file; read-mode acquisition is unrestricted and leaves no record. A record
// whose owning process has died is reclaimed automatically on the next write
// acquisition, so a crashed holder never blocks the other interface.
package sessionlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"mirador/internal/domain"
)

// LivenessProbe reports whether the process with the given pid is alive.
// Injectable for tests.
type LivenessProbe func(pid int) bool

// Manager implements domain.SessionLocker on top of a lock record file.
// All file operations happen under one mutex; acquisition never waits.
type Manager struct {
	mu     sync.Mutex
	path   string
	pid    int
	alive  LivenessProbe
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithPID overrides the pid recorded in acquired locks. The default is the
// current process; a CLI front-end embedding this package records its own.
func WithPID(pid int) Option {
	return func(m *Manager) { m.pid = pid }
}

// WithLivenessProbe overrides the process liveness check.
func WithLivenessProbe(probe LivenessProbe) Option {
	return func(m *Manager) { m.alive = probe }
}

// NewManager creates a lock manager persisting to path.
func NewManager(path string, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		path:   path,
		pid:    os.Getpid(),
		alive:  ProcessAlive,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire requests the lock. Read mode always succeeds immediately. Write
// mode succeeds when no record exists, when the caller's interface already
// holds it, or when the existing record is stale (owner dead); a stale record
// is discarded and the acquisition retried exactly once.
func (m *Manager) Acquire(iface domain.LockInterface, mode domain.LockMode) (bool, error) {
	if !iface.Valid() {
		return false, domain.NewDomainError("SessionLock.Acquire", domain.ErrInvalidInput, string(iface))
	}
	if !mode.Valid() {
		return false, domain.NewDomainError("SessionLock.Acquire", domain.ErrInvalidInput, string(mode))
	}
	if mode == domain.ModeRead {
		return true, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ok, err := m.tryWriteRecord(iface); err != nil || ok {
		return ok, err
	}

	rec, err := m.readRecord()
	if err != nil {
		// Unreadable record: treat as abandoned.
		m.logger.Warn("unreadable lock record, reclaiming", "path", m.path, "error", err)
		rec = nil
	}
	switch {
	case rec == nil:
		// Record vanished or was corrupt; reclaim below.
	case rec.Interface == iface:
		// Already held by this interface.
		return true, nil
	case m.alive(rec.PID):
		return false, nil
	default:
		m.logger.Warn("stale write lock reclaimed",
			"holder", string(rec.Interface),
			"pid", rec.PID,
			"acquired_at", rec.AcquiredAt,
		)
	}

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove stale lock: %w", err)
	}
	return m.tryWriteRecord(iface)
}

// Release removes the write record if owned by iface. Idempotent: releasing
// an unheld lock is a no-op.
func (m *Manager) Release(iface domain.LockInterface) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.readRecord()
	if err != nil || rec == nil {
		return nil
	}
	if rec.Interface != iface {
		return nil
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// IsWriteHeldByOther reports whether a live write lock is held by an interface
// other than iface. Stale records do not count as held.
func (m *Manager) IsWriteHeldByOther(iface domain.LockInterface) (bool, error) {
	rec, err := m.Holder()
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Interface != iface, nil
}

// Holder returns the current live write record, or nil when unlocked or the
// record is stale.
func (m *Manager) Holder() (*domain.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.readRecord()
	if err != nil {
		return nil, err
	}
	if rec == nil || !m.alive(rec.PID) {
		return nil, nil
	}
	return rec, nil
}

// ForceUnlock removes any write record regardless of owner or liveness.
func (m *Manager) ForceUnlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("force unlock: %w", err)
	}
	m.logger.Info("write lock forcibly removed", "path", m.path)
	return nil
}

// tryWriteRecord attempts an exclusive create of the record file. Returns
// (false, nil) when another record already exists. O_EXCL makes acquisition
// atomic across processes sharing the lock file.
func (m *Manager) tryWriteRecord(iface domain.LockInterface) (bool, error) {
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock: %w", err)
	}

	rec := domain.LockRecord{
		Interface:  iface,
		Mode:       domain.ModeWrite,
		PID:        m.pid,
		AcquiredAt: m.now(),
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(rec); err != nil {
		f.Close()
		os.Remove(m.path)
		return false, fmt.Errorf("write lock record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(m.path)
		return false, fmt.Errorf("close lock record: %w", err)
	}
	m.logger.Info("write lock acquired", "interface", string(iface), "pid", m.pid)
	return true, nil
}

// readRecord returns the current record, nil when no file exists.
func (m *Manager) readRecord() (*domain.LockRecord, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock: %w", err)
	}
	var rec domain.LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock record: %w", err)
	}
	return &rec, nil
}
