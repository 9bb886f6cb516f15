package memory

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/pnnl-gmt/gmt-go/internal/xerrors"
	"github.com/pnnl-gmt/gmt-go/metrics"
)

// Router is the remote-access collaborator Manager delegates to whenever a
// put/get/atomic/memcpy op targets a byte range this node does not own,
// injected so this package never imports comm/aggregation/helper directly
// (those own the command-path plumbing; memory only needs to ask "go do
// this on node r").
type Router interface {
	// RemotePut copies src into array h at elem_off on its owning node.
	RemotePut(node int, h Handle, elemOff uint64, src []byte) error
	// RemoteGet copies n bytes from array h at elem_off on its owning node
	// into dst.
	RemoteGet(node int, h Handle, elemOff uint64, dst []byte) error
	// RemoteAtomicAdd/RemoteAtomicCAS route an atomic op to its owner and
	// return the previous value.
	RemoteAtomicAdd(node int, h Handle, elemOff uint64, val uint64, size int) (prev uint64, err error)
	RemoteAtomicCAS(node int, h Handle, elemOff uint64, old, new uint64, size int) (prev uint64, err error)
	// ReplicateEntry tells node to materialise its own local slab and
	// entry row for h, an array this node just allocated, so every node's
	// table agrees on the array's metadata before any put/get/atomic can
	// reach it (§3: "held on every node in a fixed-size table").
	ReplicateEntry(node int, h Handle, numElems uint64, elemBytes uint32, name string) error
	// ReplicateFree tells node to release its own (replicated) copy of h's
	// entry, the free-side mirror of ReplicateEntry.
	ReplicateFree(node int, h Handle) error
}

// Manager owns this node's array table and local slabs, and routes
// operations per §4.6's distribution-policy rules.
type Manager struct {
	node     int
	numNodes int
	router   Router

	mu      sync.RWMutex
	entries map[uint32]*Entry
	slabs   map[uint32][]byte
	byName  map[string]uint32
	nextID  uint32
	freeIDs []uint32
}

// NewManager builds an empty array table for this node.
func NewManager(node, numNodes int, router Router) *Manager {
	return &Manager{
		node:     node,
		numNodes: numNodes,
		router:   router,
		entries:  make(map[uint32]*Entry),
		slabs:    make(map[uint32][]byte),
		byName:   make(map[string]uint32),
	}
}

func (m *Manager) allocID() uint32 {
	if n := len(m.freeIDs); n > 0 {
		id := m.freeIDs[n-1]
		m.freeIDs = m.freeIDs[:n-1]
		return id
	}
	m.nextID++
	return m.nextID
}

// Alloc allocates a new array of numElems elements of elemBytes each,
// distributed per policy, optionally zero-initialised and optionally
// named for later attach() (§6's alloc/attach operations).
func (m *Manager) Alloc(numElems uint64, elemBytes uint32, policy Policy, name string, zeroInit bool) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name != "" {
		if _, exists := m.byName[name]; exists {
			return 0, xerrors.E(xerrors.Invalid, fmt.Sprintf("memory: array %q already allocated", name))
		}
	}

	id := m.allocID()
	total := numElems * uint64(elemBytes)
	block := blockBytes(numElems, m.numNodes, elemBytes)
	localBytes, localOffset := localBytesFor(m.node, m.node, policy, total, block)

	h, err := NewHandle(id, m.node, m.node, policy, MediaRAM, zeroInit)
	if err != nil {
		return 0, err
	}

	m.storeEntry(id, h, total, block, localBytes, localOffset, elemBytes, name)

	for peer := 0; peer < m.numNodes; peer++ {
		if peer == m.node {
			continue
		}
		if err := m.router.ReplicateEntry(peer, h, numElems, elemBytes, name); err != nil {
			return 0, err
		}
	}
	return h, nil
}

// AdoptEntry materialises this node's own local slab and entry row for an
// array allocated by a peer, under the id and owner already baked into h
// (§3: "per-entry metadata held on every node"). It never touches this
// node's own id pool — the allocating node's id namespace is authoritative
// and this node only ever receives ids via ReplicateEntry for arrays it
// did not itself allocate.
func (m *Manager) AdoptEntry(h Handle, numElems uint64, elemBytes uint32, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := numElems * uint64(elemBytes)
	block := blockBytes(numElems, m.numNodes, elemBytes)
	localBytes, localOffset := localBytesFor(m.node, h.Owner(), h.Policy(), total, block)
	m.storeEntry(h.AllocID(), h, total, block, localBytes, localOffset, elemBytes, name)
	return nil
}

// storeEntry installs entry/slab rows under id. Callers must hold m.mu.
func (m *Manager) storeEntry(id uint32, h Handle, total, block, localBytes, localOffset uint64, elemBytes uint32, name string) {
	entry := &Entry{
		Handle:      h,
		TotalBytes:  total,
		LocalBytes:  localBytes,
		BlockBytes:  block,
		LocalOffset: localOffset,
		ElemBytes:   elemBytes,
		Name:        name,
	}
	m.entries[id] = entry
	m.slabs[id] = make([]byte, localBytes)
	if name != "" {
		m.byName[name] = id
	}
	metrics.GlobalArrayBytesAllocated.WithLabelValues(arrayLabel(id, name)).Set(float64(localBytes))
}

// arrayLabel identifies an array for the per-array metrics vector: its
// name if it was allocated with one, otherwise its numeric id.
func arrayLabel(id uint32, name string) string {
	if name != "" {
		return name
	}
	return strconv.FormatUint(uint64(id), 10)
}

// localBytesFor computes node's contiguous local slab for an array with
// the given distribution policy (§4.6), mirroring Alloc's per-policy
// placement rules so a peer adopting a replicated entry lands on exactly
// the same bytes the allocating node computed for it.
func localBytesFor(node, owner int, policy Policy, total, block uint64) (localBytes, localOffset uint64) {
	switch policy {
	case Local:
		if node == owner {
			return total, 0
		}
		return 0, 0
	case Replicate:
		return total, 0
	case Remote:
		if node != owner {
			return localSlabFor(nodeIndexExcluding(node, owner), total, block)
		}
		return 0, 0
	default: // PartitionFromZero/Random/Here
		return localSlabFor(node, total, block)
	}
}

// nodeIndexExcluding maps node's position in the REMOTE policy's node
// ordering (every node except owner, in ascending order) back to a dense
// 0-based slab index.
func nodeIndexExcluding(node, owner int) int {
	if node < owner {
		return node
	}
	return node - 1
}

// nodeIndexToNode is nodeIndexExcluding's inverse: given a dense 0-based
// slab index among all nodes except owner, returns the actual node id.
func nodeIndexToNode(idx, owner int) int {
	if idx < owner {
		return idx
	}
	return idx + 1
}

// localSlabFor computes one node's contiguous [offset, offset+bytes) slab
// for a partitioned array, invariant (b) of §3.
func localSlabFor(node int, total, block uint64) (bytes, offset uint64) {
	offset = uint64(node) * block
	if offset >= total {
		return 0, offset
	}
	bytes = block
	if offset+bytes > total {
		bytes = total - offset
	}
	return bytes, offset
}

// Attach resolves a persisted/named array to its handle, or NullHandle if
// none exists (§6's attach operation).
func (m *Manager) Attach(name string) Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[name]
	if !ok {
		return NullHandle
	}
	return m.entries[id].Handle
}

// Free releases an array's table slot on this node and every peer,
// invariant (c) of §3 ("total bytes = 0 iff the slot is free") and the
// "idempotent-forbidden" contract of §6 (a second free is a fatal
// double-free). Since Alloc replicates an entry to every node, Free must
// mirror that fan-out so no node is left holding a phantom live entry.
func (m *Manager) Free(h Handle) error {
	if err := m.FreeLocal(h); err != nil {
		return err
	}
	for peer := 0; peer < m.numNodes; peer++ {
		if peer == m.node {
			continue
		}
		if err := m.router.ReplicateFree(peer, h); err != nil {
			return err
		}
	}
	return nil
}

// FreeLocal releases this node's own table slot for h without notifying
// peers, the half of Free the command-dispatch path uses when it receives
// a replicated free from the node that called the public Free (avoiding
// the infinite fan-out a peer rebroadcasting to its own peers would
// cause).
func (m *Manager) FreeLocal(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := h.AllocID()
	e, ok := m.entries[id]
	if !ok || e.Free() {
		return xerrors.ErrDoubleFree
	}
	metrics.GlobalArrayBytesAllocated.DeleteLabelValues(arrayLabel(id, e.Name))
	if e.Name != "" {
		delete(m.byName, e.Name)
	}
	e.TotalBytes = 0
	delete(m.slabs, id)
	m.freeIDs = append(m.freeIDs, id)
	return nil
}

// EntryFor exposes an array's metadata row, for collaborators (helper's
// memcpy relay) that need ElemBytes/TotalBytes without a full put/get.
func (m *Manager) EntryFor(h Handle) (*Entry, error) { return m.entry(h) }

func (m *Manager) entry(h Handle) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[h.AllocID()]
	if !ok || e.Free() {
		return nil, xerrors.ErrUseAfterFree
	}
	return e, nil
}

// LocalPtr returns the local byte slice backing elemIdx on this node, or
// nil if this node does not own that element (§6's local_ptr).
func (m *Manager) LocalPtr(h Handle, elemIdx uint64) ([]byte, error) {
	e, err := m.entry(h)
	if err != nil {
		return nil, err
	}
	off := elemIdx * uint64(e.ElemBytes)
	if off+uint64(e.ElemBytes) > e.TotalBytes {
		return nil, xerrors.OutOfBounds(uint64(h), e.Name, off)
	}
	node, localOff := m.ownerFor(e, off)
	if node != m.node {
		return nil, nil
	}
	m.mu.RLock()
	slab := m.slabs[h.AllocID()]
	m.mu.RUnlock()
	return slab[localOff : localOff+uint64(e.ElemBytes)], nil
}

// ownerFor resolves which node owns global byte offset off within e,
// respecting the array's distribution policy.
func (m *Manager) ownerFor(e *Entry, off uint64) (node int, localOff uint64) {
	switch e.Handle.Policy() {
	case Local:
		return e.Handle.Owner(), off
	case Replicate:
		return m.node, off
	case Remote:
		n, lo := ownerOfOffset(off, e.BlockBytes)
		return nodeIndexToNode(n, e.Handle.Owner()), lo
	default:
		return ownerOfOffset(off, e.BlockBytes)
	}
}

// Put implements §6's put(handle, elem_off, src, n): local ranges are
// byte-copied directly; remote ranges route through Router; REPLICATE
// writes to every node and the local replica (§4.6).
func (m *Manager) Put(h Handle, elemOff uint64, src []byte) error {
	e, err := m.entry(h)
	if err != nil {
		return err
	}
	byteOff := elemOff * uint64(e.ElemBytes)
	if byteOff+uint64(len(src)) > e.TotalBytes {
		return xerrors.OutOfBounds(uint64(h), e.Name, byteOff)
	}

	if e.Handle.Policy() == Replicate {
		for node := 0; node < m.numNodes; node++ {
			if node == m.node {
				continue
			}
			if err := m.router.RemotePut(node, h, elemOff, src); err != nil {
				return err
			}
		}
		return m.localCopy(h, e, byteOff, src, true)
	}

	return m.routeRanges(h, e, byteOff, len(src), func(node int, rangeOff uint64, chunk []byte, local bool) error {
		if local {
			return m.localCopyAt(h, rangeOff, chunk, true)
		}
		return m.router.RemotePut(node, h, rangeOff/uint64(e.ElemBytes), chunk)
	}, src)
}

// Get implements §6's get(handle, elem_off, dst, n). REPLICATE arrays
// always read the local replica (§4.6: "a get reads locally only").
func (m *Manager) Get(h Handle, elemOff uint64, dst []byte) error {
	e, err := m.entry(h)
	if err != nil {
		return err
	}
	byteOff := elemOff * uint64(e.ElemBytes)
	if byteOff+uint64(len(dst)) > e.TotalBytes {
		return xerrors.OutOfBounds(uint64(h), e.Name, byteOff)
	}

	if e.Handle.Policy() == Replicate {
		return m.localCopy(h, e, byteOff, dst, false)
	}

	return m.routeRanges(h, e, byteOff, len(dst), func(node int, rangeOff uint64, chunk []byte, local bool) error {
		if local {
			return m.localCopyAt(h, rangeOff, chunk, false)
		}
		return m.router.RemoteGet(node, h, rangeOff/uint64(e.ElemBytes), chunk)
	}, dst)
}

// routeRanges splits [byteOff, byteOff+n) into per-node contiguous chunks
// and invokes do for each, threading write-through for Put or read-back
// for Get via buf (shared backing storage for src/dst).
func (m *Manager) routeRanges(h Handle, e *Entry, byteOff uint64, n int, do func(node int, rangeOff uint64, chunk []byte, local bool) error, buf []byte) error {
	remaining := uint64(n)
	cur := byteOff
	consumed := 0
	for remaining > 0 {
		node, _ := m.ownerFor(e, cur)
		block := e.BlockBytes
		var nodeEnd uint64
		switch e.Handle.Policy() {
		case Local:
			nodeEnd = e.TotalBytes
		case Remote:
			n, _ := ownerOfOffset(cur, block)
			nodeEnd = uint64(n+1) * block
		default:
			nodeEnd = uint64(node+1) * block
		}
		if nodeEnd > e.TotalBytes || nodeEnd == 0 {
			nodeEnd = e.TotalBytes
		}
		chunkLen := nodeEnd - cur
		if chunkLen > remaining {
			chunkLen = remaining
		}
		chunk := buf[consumed : consumed+int(chunkLen)]
		if err := do(node, cur, chunk, node == m.node); err != nil {
			return err
		}
		cur += chunkLen
		consumed += int(chunkLen)
		remaining -= chunkLen
	}
	return nil
}

func (m *Manager) localCopy(h Handle, e *Entry, byteOff uint64, buf []byte, write bool) error {
	return m.localCopyAt(h, byteOff, buf, write)
}

func (m *Manager) localCopyAt(h Handle, byteOff uint64, buf []byte, write bool) error {
	m.mu.RLock()
	e := m.entries[h.AllocID()]
	slab := m.slabs[h.AllocID()]
	m.mu.RUnlock()
	localOff := byteOff - e.LocalOffset
	if e.Handle.Policy() == Replicate || e.Handle.Policy() == Local {
		localOff = byteOff
	}
	if localOff+uint64(len(buf)) > uint64(len(slab)) {
		return xerrors.OutOfBounds(uint64(h), e.Name, byteOff)
	}
	if write {
		copy(slab[localOff:], buf)
	} else {
		copy(buf, slab[localOff:localOff+uint64(len(buf))])
	}
	return nil
}
