// Package membackend implements the byte-addressable physical memory
// collaborator the walker reads page-table entries from: aligned 64-bit
// read/write plus a locked, store-conditional-style variant for the
// reservation semantics external callers (the CPU agent) build atop.
package membackend

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Memory is a flat byte-addressable physical memory backend.
type Memory struct {
	mu   sync.Mutex
	buf  []byte
	resv map[uint64]struct{} // addresses with an outstanding load-locked reservation
}

// New allocates a Memory backend of the given size in bytes.
func New(size uint64) *Memory {
	return &Memory{
		buf:  make([]byte, size),
		resv: make(map[uint64]struct{}),
	}
}

func (m *Memory) checkBounds(addr uint64) error {
	if addr+8 > uint64(len(m.buf)) {
		return fmt.Errorf("membackend: address 0x%x out of range", addr)
	}
	if addr%8 != 0 {
		return fmt.Errorf("membackend: address 0x%x is not 8-byte aligned", addr)
	}
	return nil
}

// ReadPhysU64 reads a little-endian 64-bit word at addr.
func (m *Memory) ReadPhysU64(addr uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBounds(addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.buf[addr : addr+8]), nil
}

// WritePhysU64 writes value as a little-endian 64-bit word at addr,
// clearing any reservation on that address process-wide.
func (m *Memory) WritePhysU64(addr uint64, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBounds(addr); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.buf[addr:addr+8], value)
	delete(m.resv, addr)
	return nil
}

// ReadPhysU64Locked reads addr and records a load-locked reservation for
// it, for a caller implementing Alpha's LDx_L/STx_C pair.
func (m *Memory) ReadPhysU64Locked(addr uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBounds(addr); err != nil {
		return 0, err
	}
	m.resv[addr] = struct{}{}
	return binary.LittleEndian.Uint64(m.buf[addr : addr+8]), nil
}

// WritePhysU64Conditional writes value at addr only if a reservation from
// ReadPhysU64Locked is still outstanding; it reports whether the store
// took effect. Any successful write anywhere clears reservations on that
// address, so a concurrent writer always wins the race.
func (m *Memory) WritePhysU64Conditional(addr uint64, value uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBounds(addr); err != nil {
		return false, err
	}
	if _, reserved := m.resv[addr]; !reserved {
		return false, nil
	}
	binary.LittleEndian.PutUint64(m.buf[addr:addr+8], value)
	delete(m.resv, addr)
	return true, nil
}

// ClearReservation drops addr's reservation without writing, for a
// caller whose CPU agent observes a competing write to the same cache
// line via the coherency layer.
func (m *Memory) ClearReservation(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resv, addr)
}
