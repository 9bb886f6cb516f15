package rt

import (
	"encoding/binary"

	"github.com/pnnl-gmt/gmt-go/memory"
	"github.com/pnnl-gmt/gmt-go/store"
)

// Alloc allocates a new global array distributed per policy (§6's alloc).
// A non-empty name registers it for later Attach by any node, and persists
// its metadata to this node's named-array store whenever a store is
// configured (SPEC_FULL.md's named-array persistence extension of §6's
// attach/alloc pair). Every named array is persisted whatever its media,
// and only the metadata is written, not the array's bytes.
func (c *TaskContext) Alloc(numElems uint64, elemBytes uint32, policy memory.Policy, name string, zeroInit bool) (memory.Handle, error) {
	h, err := c.node.mem.Alloc(numElems, elemBytes, policy, name, zeroInit)
	if err != nil {
		return 0, err
	}
	if name != "" && c.node.persist != nil {
		rec := store.ArrayRecord{
			Name:       name,
			TotalBytes: numElems * uint64(elemBytes),
			ElemBytes:  elemBytes,
			Policy:     int(policy),
		}
		if err := c.node.persist.PutArray(rec); err != nil {
			log.Errorf("node %d: persisting array %q metadata failed: %v", c.node.id, name, err)
		}
	}
	return h, nil
}

// Attach resolves a named array to its handle, or the null handle if none
// exists on this node's table (§6's attach). It does not consult the
// on-disk store directly: every node adopts a replicated entry for every
// array at Alloc time, so Attach only ever needs the in-memory table.
func (c *TaskContext) Attach(name string) memory.Handle {
	return c.node.mem.Attach(name)
}

// Free releases a global array's table slot on every node (§6's free),
// and drops its persisted metadata if it was named and this node keeps a
// named-array store.
func (c *TaskContext) Free(h memory.Handle) error {
	if c.node.persist != nil {
		if e, err := c.node.mem.EntryFor(h); err == nil && e.Name != "" {
			if err := c.node.persist.DeleteArray(e.Name); err != nil {
				log.Errorf("node %d: deleting persisted array %q failed: %v", c.node.id, e.Name, err)
			}
		}
	}
	return c.node.mem.Free(h)
}

// LocalPtr returns the local byte slice backing elemIdx, or nil if this
// node does not own that element (§6's local_ptr).
func (c *TaskContext) LocalPtr(h memory.Handle, elemIdx uint64) ([]byte, error) {
	return c.node.mem.LocalPtr(h, elemIdx)
}

// Put writes src into array h starting at elemOff, blocking until the
// write has landed (§6's put).
func (c *TaskContext) Put(h memory.Handle, elemOff uint64, src []byte) error {
	return c.node.mem.Put(h, elemOff, src)
}

// PutValue is Put's single-element convenience form for the {1,2,4,8}-byte
// element sizes atomic ops also use, encoding v little-endian into a size
// byte buffer before writing it (§6's typed put helpers).
func (c *TaskContext) PutValue(h memory.Handle, elemOff uint64, v uint64, size int) error {
	buf := make([]byte, size)
	putSized(buf, v, size)
	return c.node.mem.Put(h, elemOff, buf)
}

// Get reads len(dst) bytes from array h starting at elemOff into dst,
// blocking until the read completes (§6's get).
func (c *TaskContext) Get(h memory.Handle, elemOff uint64, dst []byte) error {
	return c.node.mem.Get(h, elemOff, dst)
}

// GetValue is Get's single-element convenience form, the read-side
// counterpart of PutValue.
func (c *TaskContext) GetValue(h memory.Handle, elemOff uint64, size int) (uint64, error) {
	buf := make([]byte, size)
	if err := c.node.mem.Get(h, elemOff, buf); err != nil {
		return 0, err
	}
	return getSized(buf, size), nil
}

// AtomicAdd adds val to array h's element at elemOff and returns its prior
// value, routing to the owning node if elemOff is not local (§6's
// atomic_add).
func (c *TaskContext) AtomicAdd(h memory.Handle, elemOff uint64, val uint64, size int) (uint64, error) {
	return c.node.mem.AtomicAdd(h, elemOff, val, size)
}

// AtomicCAS compares array h's element at elemOff against old and, on
// match, stores new, returning the element's value before the attempt
// (§6's atomic_cas).
func (c *TaskContext) AtomicCAS(h memory.Handle, elemOff uint64, old, new uint64, size int) (uint64, error) {
	return c.node.mem.AtomicCAS(h, elemOff, old, new, size)
}

// PutNb starts a non-blocking put and returns immediately; the caller
// must eventually call WaitData (§6's wait_data) before relying on the
// write having landed. Completion is tracked the same way a remote-get
// reply would be: RequestData records the byte count to wait for, and the
// background copy's DeliverData call satisfies it once the put returns.
func (c *TaskContext) PutNb(h memory.Handle, elemOff uint64, src []byte) {
	c.uth.RequestData(uint64(len(src)))
	go func() {
		if err := c.node.mem.Put(h, elemOff, src); err != nil {
			log.Errorf("node %d: non-blocking put failed: %v", c.node.id, err)
		}
		c.uth.DeliverData(uint64(len(src)))
	}()
}

// GetNb starts a non-blocking get into dst; the bytes in dst are only
// valid for the caller to read after a following WaitData (§6's
// wait_data) returns.
func (c *TaskContext) GetNb(h memory.Handle, elemOff uint64, dst []byte) {
	c.uth.RequestData(uint64(len(dst)))
	go func() {
		if err := c.node.mem.Get(h, elemOff, dst); err != nil {
			log.Errorf("node %d: non-blocking get failed: %v", c.node.id, err)
		}
		c.uth.DeliverData(uint64(len(dst)))
	}()
}

// Memcpy copies n elements from src (at srcOff) to dst (at dstOff),
// possibly spanning several nodes on either side (§6's memcpy).
func (c *TaskContext) Memcpy(src memory.Handle, srcOff uint64, dst memory.Handle, dstOff uint64, n uint64) error {
	return c.node.mem.Memcpy(src, srcOff, dst, dstOff, n, c.node.router)
}

func putSized(buf []byte, v uint64, size int) {
	switch size {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	default:
		binary.LittleEndian.PutUint64(buf, v)
	}
}

func getSized(buf []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	default:
		return binary.LittleEndian.Uint64(buf)
	}
}
