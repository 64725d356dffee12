// Package captable implements the capability system (L5), spec.md §4.3: a
// process-indexed handle table over globally-unique, monotonically-issued
// capabilities. Grounded on original_source/kernel/src/capabilities.rs for
// exact operation semantics (create/grant/check/revoke/transfer/derive/gc),
// and on the teacher's accnt package for the singleton-mutex-plus-atomic-
// counter style that guards the handle tables.
package captable

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Perm is a bitmask of the rights a capability grants.
type Perm uint32

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExecute
	PermGrant
	PermRevoke
)

// CapabilityID uniquely identifies a capability for its entire lifetime,
// even after revocation.
type CapabilityID uint64

// CapabilityType closes the enum of resource classes a capability can
// cover, matching original_source/kernel/src/capabilities.rs's
// CapabilityType grouping collapsed to its nine class headings.
type CapabilityType uint8

const (
	TypeFilesystem CapabilityType = iota
	TypeNetwork
	TypeGraphics
	TypeAudio
	TypeProcess
	TypeMemory
	TypeIPC
	TypeHardware
	TypeSystem
)

func (t CapabilityType) String() string {
	switch t {
	case TypeFilesystem:
		return "filesystem"
	case TypeNetwork:
		return "network"
	case TypeGraphics:
		return "graphics"
	case TypeAudio:
		return "audio"
	case TypeProcess:
		return "process"
	case TypeMemory:
		return "memory"
	case TypeIPC:
		return "ipc"
	case TypeHardware:
		return "hardware"
	case TypeSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Handle is a per-process index into that process's handle table. Handles
// start at 1; 0 is never issued, matching the teacher's fd-table convention
// of reserving the zero value as "no handle".
type Handle uint64

var ErrNotFound = errors.New("captable: capability not found")
var ErrRevoked = errors.New("captable: capability revoked")
var ErrExpired = errors.New("captable: capability expired")
var ErrNotDelegatable = errors.New("captable: capability is not delegatable")
var ErrNotTransferable = errors.New("captable: capability is not transferable")
var ErrPermsExceedParent = errors.New("captable: requested perms exceed parent")
var ErrBadHandle = errors.New("captable: unknown handle")
var ErrWrongType = errors.New("captable: capability type mismatch")

// Capability is one grant of rights over a resource, owned by exactly one
// process at a time (ownership changes on Transfer).
type Capability struct {
	ID           CapabilityID
	Type         CapabilityType
	ResourceTag  string
	Perms        Perm
	Owner        uint64
	Delegatable  bool
	Transferable bool
	Revoked      bool
	ExpiresAt    time.Time // zero value means "never expires"
	ParentID     CapabilityID
	HasParent    bool
}

// handleEntry is a handle table row: the capability it resolves to plus
// the access statistics original_source/kernel/src/capabilities.rs's
// HandleEntry tracks (access_count, last_access), bumped on every Check.
type handleEntry struct {
	capID       CapabilityID
	accessCount uint64
	lastAccess  time.Time
}

func (c Capability) expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// System is the global capability table plus one handle table per process.
// All capabilities live in one flat map keyed by CapabilityID; each
// process's handle table maps its local Handle space onto that shared set.
type System struct {
	mu       sync.RWMutex
	nextID   atomic.Uint64
	caps     map[CapabilityID]*Capability
	handles  map[uint64]map[Handle]*handleEntry // pid -> handle -> entry
	nextHdls map[uint64]Handle                  // pid -> next handle to issue
}

// NewSystem returns an empty capability system.
func NewSystem() *System {
	return &System{
		caps:     make(map[CapabilityID]*Capability),
		handles:  make(map[uint64]map[Handle]*handleEntry),
		nextHdls: make(map[uint64]Handle),
	}
}

func (s *System) allocHandleLocked(pid uint64, id CapabilityID) Handle {
	tbl, ok := s.handles[pid]
	if !ok {
		tbl = make(map[Handle]*handleEntry)
		s.handles[pid] = tbl
	}
	next := s.nextHdls[pid]
	if next == 0 {
		next = 1
	}
	h := next
	tbl[h] = &handleEntry{capID: id}
	s.nextHdls[pid] = h + 1
	return h
}

// Create mints a brand-new capability owned by pid and returns the handle
// the owning process uses to reference it.
func (s *System) Create(pid uint64, typ CapabilityType, resourceTag string, perms Perm, delegatable, transferable bool) Handle {
	id := CapabilityID(s.nextID.Add(1))

	s.mu.Lock()
	defer s.mu.Unlock()

	s.caps[id] = &Capability{
		ID:           id,
		Type:         typ,
		ResourceTag:  resourceTag,
		Perms:        perms,
		Owner:        pid,
		Delegatable:  delegatable,
		Transferable: transferable,
	}
	return s.allocHandleLocked(pid, id)
}

func (s *System) resolveEntryLocked(pid uint64, h Handle) (*handleEntry, *Capability, error) {
	tbl, ok := s.handles[pid]
	if !ok {
		return nil, nil, ErrBadHandle
	}
	entry, ok := tbl[h]
	if !ok {
		return nil, nil, ErrBadHandle
	}
	cap, ok := s.caps[entry.capID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return entry, cap, nil
}

func (s *System) resolveLocked(pid uint64, h Handle) (*Capability, error) {
	_, cap, err := s.resolveEntryLocked(pid, h)
	return cap, err
}

// Check validates that the capability behind h, owned by pid, is of
// requiredType and grants every bit set in want, and is neither revoked
// nor expired (P1 depends on this being the sole gate: once Revoked is
// set, it is set forever). Every call bumps the handle table's
// access_count/last_access stats, matching check_capability's
// get_capability call in original_source/kernel/src/capabilities.rs — so
// Check takes the write lock even on the success path.
func (s *System) Check(pid uint64, h Handle, requiredType CapabilityType, want Perm, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, cap, err := s.resolveEntryLocked(pid, h)
	if err != nil {
		return err
	}
	entry.accessCount++
	entry.lastAccess = now

	if cap.Revoked {
		return ErrRevoked
	}
	if cap.expired(now) {
		return ErrExpired
	}
	if cap.Type != requiredType {
		return ErrWrongType
	}
	if cap.Perms&want != want {
		return ErrNotFound
	}
	return nil
}

// AccessStats returns the handle table's bumped access_count/last_access
// for h, for diagnostics and tests.
func (s *System) AccessStats(pid uint64, h Handle) (accessCount uint64, lastAccess time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tbl, ok := s.handles[pid]
	if !ok {
		return 0, time.Time{}, ErrBadHandle
	}
	entry, ok := tbl[h]
	if !ok {
		return 0, time.Time{}, ErrBadHandle
	}
	return entry.accessCount, entry.lastAccess, nil
}

// Derive creates a child capability from the one behind h, with perms that
// must be a subset of the parent's (P2). The child is never itself
// delegatable, regardless of what the caller asks for — only an explicit
// Grant of the original, not a chain of derivations, can extend
// delegation rights (P2).
func (s *System) Derive(pid uint64, h Handle, childPerms Perm, transferable bool) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, err := s.resolveLocked(pid, h)
	if err != nil {
		return 0, err
	}
	if parent.Revoked {
		return 0, ErrRevoked
	}
	if !parent.Delegatable {
		return 0, ErrNotDelegatable
	}
	if childPerms&parent.Perms != childPerms {
		return 0, ErrPermsExceedParent
	}

	id := CapabilityID(s.nextID.Add(1))
	s.caps[id] = &Capability{
		ID:           id,
		Type:         parent.Type,
		ResourceTag:  parent.ResourceTag,
		Perms:        childPerms,
		Owner:        pid,
		Delegatable:  false,
		Transferable: transferable,
		ParentID:     parent.ID,
		HasParent:    true,
	}
	return s.allocHandleLocked(pid, id), nil
}

// Grant installs an additional handle to the same capability in a
// different process's table, without changing ownership. The source
// process must hold PermGrant on the capability (the caller is expected to
// have already checked this via Check before calling Grant, matching the
// teacher's syscall-layer convention of a separate permission check ahead
// of the mutating call).
func (s *System) Grant(fromPid uint64, h Handle, toPid uint64) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cap, err := s.resolveLocked(fromPid, h)
	if err != nil {
		return 0, err
	}
	if cap.Revoked {
		return 0, ErrRevoked
	}
	return s.allocHandleLocked(toPid, cap.ID), nil
}

// Transfer moves ownership of the capability from pid to toPid, removing
// the source handle unconditionally — there is no "copy transfer" in this
// system (an explicit choice recorded in the grounding ledger: the
// original leaves this unresolved, and revoke-the-source is the only
// option consistent with P1/P3 handle-uniqueness).
func (s *System) Transfer(pid uint64, h Handle, toPid uint64) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl, ok := s.handles[pid]
	if !ok {
		return 0, ErrBadHandle
	}
	entry, ok := tbl[h]
	if !ok {
		return 0, ErrBadHandle
	}
	cap, ok := s.caps[entry.capID]
	if !ok {
		return 0, ErrNotFound
	}
	if cap.Revoked {
		return 0, ErrRevoked
	}
	if !cap.Transferable {
		return 0, ErrNotTransferable
	}

	delete(tbl, h)
	cap.Owner = toPid
	return s.allocHandleLocked(toPid, entry.capID), nil
}

// RevokeCapability permanently revokes the capability behind h. Revocation
// is monotonic: once Revoked, Check always fails for every handle pointing
// at it, in every process, forever (P1).
func (s *System) RevokeCapability(pid uint64, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cap, err := s.resolveLocked(pid, h)
	if err != nil {
		return err
	}
	cap.Revoked = true
	return nil
}

// RevokeHandle drops pid's local handle without affecting the underlying
// capability or any other process's handle to it.
func (s *System) RevokeHandle(pid uint64, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl, ok := s.handles[pid]
	if !ok {
		return ErrBadHandle
	}
	if _, ok := tbl[h]; !ok {
		return ErrBadHandle
	}
	delete(tbl, h)
	return nil
}

// SetExpiry sets (or clears, with a zero time) the expiry on the
// capability behind h.
func (s *System) SetExpiry(pid uint64, h Handle, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cap, err := s.resolveLocked(pid, h)
	if err != nil {
		return err
	}
	cap.ExpiresAt = at
	return nil
}

// GCExpiredCapabilities marks every capability whose expiry has passed as
// revoked, and returns how many it touched.
func (s *System) GCExpiredCapabilities(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, cap := range s.caps {
		if !cap.Revoked && cap.expired(now) {
			cap.Revoked = true
			n++
		}
	}
	return n
}

// CleanupProcess revokes every capability owned by pid and drops its
// entire handle table, as happens on process exit.
func (s *System) CleanupProcess(pid uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cap := range s.caps {
		if cap.Owner == pid {
			cap.Revoked = true
		}
	}
	delete(s.handles, pid)
	delete(s.nextHdls, pid)
}
