package memory

import (
	"encoding/binary"
	"sync"

	"github.com/pnnl-gmt/gmt-go/internal/xerrors"
)

// validElemSize enforces §4.6/§7's "element sizes ∈ {1,2,4,8}" constraint
// for atomic operations.
func validElemSize(n int) bool {
	switch n {
	case 1, 2, 4, 8:
		return true
	default:
		return false
	}
}

// elemKey identifies one element slot for the per-element lock table
// below: (array, byte offset).
type elemKey struct {
	node int
	id   uint32
	off  uint64
}

// elemLocks guards read-modify-write atomic ops on individual array
// elements. Go gives no portable way to atomically add/CAS a 1- or 2-byte
// slab window the way hardware atomics do in the original C runtime;
// locking per element offset instead gives the same linearisability
// (§8's "Atomic linearisability") at the cost of a map lookup, and is only
// on the hot path for sub-word element sizes since 4/8-byte elements could
// use sync/atomic directly if the slab were word-aligned — it is kept
// uniform here for simplicity.
var elemLocks sync.Map // elemKey -> *sync.Mutex

func lockFor(key elemKey) *sync.Mutex {
	v, _ := elemLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// AtomicAdd implements §6's atomic_add: on the owning node it executes
// locally under the element's lock; otherwise it routes to the owner via
// Router and waits for the reply value (§4.6).
func (m *Manager) AtomicAdd(h Handle, elemOff uint64, val uint64, size int) (prev uint64, err error) {
	if !validElemSize(size) {
		return 0, xerrors.ErrElemSize
	}
	e, err := m.entry(h)
	if err != nil {
		return 0, err
	}
	byteOff := elemOff * uint64(e.ElemBytes)
	node, _ := m.ownerFor(e, byteOff)
	if node != m.node {
		return m.router.RemoteAtomicAdd(node, h, elemOff, val, size)
	}
	return m.localAtomicAdd(h, byteOff, val, size)
}

// AtomicCAS implements §6's atomic_cas. Manager is synchronous: a local
// CAS returns as soon as the swap is done, and neither Manager nor the rt
// facade forces a context switch before it returns.
func (m *Manager) AtomicCAS(h Handle, elemOff uint64, old, new uint64, size int) (prev uint64, err error) {
	if !validElemSize(size) {
		return 0, xerrors.ErrElemSize
	}
	e, err := m.entry(h)
	if err != nil {
		return 0, err
	}
	byteOff := elemOff * uint64(e.ElemBytes)
	node, _ := m.ownerFor(e, byteOff)
	if node != m.node {
		return m.router.RemoteAtomicCAS(node, h, elemOff, old, new, size)
	}
	return m.localAtomicCAS(h, byteOff, old, new, size)
}

func (m *Manager) slabWindow(h Handle, byteOff uint64, size int) ([]byte, error) {
	m.mu.RLock()
	e := m.entries[h.AllocID()]
	slab := m.slabs[h.AllocID()]
	m.mu.RUnlock()
	localOff := byteOff - e.LocalOffset
	if e.Handle.Policy() == Replicate || e.Handle.Policy() == Local {
		localOff = byteOff
	}
	if localOff+uint64(size) > uint64(len(slab)) {
		return nil, xerrors.OutOfBounds(uint64(h), e.Name, byteOff)
	}
	return slab[localOff : localOff+uint64(size) : localOff+uint64(size)], nil
}

func loadElem(win []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(win[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(win))
	case 4:
		return uint64(binary.LittleEndian.Uint32(win))
	default:
		return binary.LittleEndian.Uint64(win)
	}
}

func storeElem(win []byte, size int, v uint64) {
	switch size {
	case 1:
		win[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(win, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(win, uint32(v))
	default:
		binary.LittleEndian.PutUint64(win, v)
	}
}

func (m *Manager) localAtomicAdd(h Handle, byteOff uint64, val uint64, size int) (uint64, error) {
	win, err := m.slabWindow(h, byteOff, size)
	if err != nil {
		return 0, err
	}
	lock := lockFor(elemKey{node: m.node, id: h.AllocID(), off: byteOff})
	lock.Lock()
	defer lock.Unlock()
	old := loadElem(win, size)
	storeElem(win, size, old+val)
	return old, nil
}

func (m *Manager) localAtomicCAS(h Handle, byteOff uint64, old, new uint64, size int) (uint64, error) {
	win, err := m.slabWindow(h, byteOff, size)
	if err != nil {
		return 0, err
	}
	lock := lockFor(elemKey{node: m.node, id: h.AllocID(), off: byteOff})
	lock.Lock()
	defer lock.Unlock()
	cur := loadElem(win, size)
	if cur == old {
		storeElem(win, size, new)
	}
	return cur, nil
}
