package domain

import "time"

// LockInterface identifies which front-end holds or requests the session lock.
type LockInterface string

const (
	InterfaceCLI LockInterface = "cli"
	InterfaceWeb LockInterface = "web"
)

// Valid reports whether the interface is one of the two known front-ends.
func (i LockInterface) Valid() bool {
	return i == InterfaceCLI || i == InterfaceWeb
}

// LockMode distinguishes read-only observation from exclusive write access.
type LockMode string

const (
	ModeRead  LockMode = "read"
	ModeWrite LockMode = "write"
)

// Valid reports whether the mode is known.
func (m LockMode) Valid() bool {
	return m == ModeRead || m == ModeWrite
}

// LockRecord is the persisted write-lock record. Read acquisitions are
// unrestricted and leave no record. At most one write record may exist;
// a record whose PID is no longer alive is stale and eligible for
// automatic reclamation.
type LockRecord struct {
	Interface  LockInterface `json:"interface"`
	Mode       LockMode      `json:"mode"`
	PID        int           `json:"pid"`
	AcquiredAt time.Time     `json:"acquired_at"`
}

// SessionLocker arbitrates mutually exclusive write access between the two
// front-ends. Acquire must never block: it returns the outcome immediately.
type SessionLocker interface {
	// Acquire requests the lock. mode=read always succeeds. mode=write
	// succeeds only if no live write record exists; a stale record is
	// reclaimed transparently.
	Acquire(iface LockInterface, mode LockMode) (bool, error)
	// Release removes the write record if owned by iface. Idempotent.
	Release(iface LockInterface) error
	// IsWriteHeldByOther reports whether a live write lock is held by an
	// interface other than iface. Mutating request handlers consult this
	// before touching project state.
	IsWriteHeldByOther(iface LockInterface) (bool, error)
	// Holder returns the current write record, or nil when unlocked.
	Holder() (*LockRecord, error)
	// ForceUnlock removes any write record regardless of owner. Operator
	// escape hatch for when liveness probing is not enough.
	ForceUnlock() error
}
