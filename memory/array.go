// Package memory implements the global array data model of spec.md §3
// ("Global array") and the distribution-aware put/get/atomic/memcpy
// routing of §4.6.
package memory

import (
	"fmt"
)

// Policy is a global array's distribution policy (§3).
type Policy uint8

const (
	Local Policy = iota
	PartitionFromZero
	PartitionFromRandom
	PartitionFromHere
	Remote
	Replicate
)

func (p Policy) String() string {
	switch p {
	case Local:
		return "LOCAL"
	case PartitionFromZero:
		return "PARTITION_FROM_ZERO"
	case PartitionFromRandom:
		return "PARTITION_FROM_RANDOM"
	case PartitionFromHere:
		return "PARTITION_FROM_HERE"
	case Remote:
		return "REMOTE"
	case Replicate:
		return "REPLICATE"
	default:
		return "UNKNOWN"
	}
}

// Media is where an array's bytes live, named out-of-scope-but-tracked in
// §1/§3 ("media: RAM/shared-file/SSD/disk").
type Media uint8

const (
	MediaRAM Media = iota
	MediaSharedFile
	MediaSSD
	MediaDisk
)

// Handle bit layout, packed into the opaque 64-bit value of §3: alloc id
// (20 bits, matches wire.MaxTID's budget since both index a per-node table
// of bounded size), owning/start node (16 bits each), policy (4 bits),
// media (4 bits), zero-init flag (1 bit).
const (
	allocIDBits = 20
	nodeBits    = 16
	policyBits  = 4
	mediaBits   = 4

	allocIDShift = 0
	ownerShift   = allocIDShift + allocIDBits
	startShift   = ownerShift + nodeBits
	policyShift  = startShift + nodeBits
	mediaShift   = policyShift + policyBits
	zeroShift    = mediaShift + mediaBits

	allocIDMask = uint64(1)<<allocIDBits - 1
	nodeMask    = uint64(1)<<nodeBits - 1
	policyMask  = uint64(1)<<policyBits - 1
	mediaMask   = uint64(1)<<mediaBits - 1
)

// Handle is the opaque global-array identifier of §3.
type Handle uint64

// NullHandle is the "null" sentinel returned by attach() on a miss.
const NullHandle Handle = 0

// NewHandle packs an array's identifying attributes into a Handle.
func NewHandle(allocID uint32, owner, start int, policy Policy, media Media, zeroInit bool) (Handle, error) {
	if uint64(allocID) > allocIDMask {
		return 0, fmt.Errorf("memory: alloc id %d exceeds %d-bit budget", allocID, allocIDBits)
	}
	h := uint64(allocID) << allocIDShift
	h |= (uint64(owner) & nodeMask) << ownerShift
	h |= (uint64(start) & nodeMask) << startShift
	h |= (uint64(policy) & policyMask) << policyShift
	h |= (uint64(media) & mediaMask) << mediaShift
	if zeroInit {
		h |= 1 << zeroShift
	}
	// Reserve the top bit so Handle 0 (all-zero) is never a valid live
	// handle, keeping NullHandle unambiguous.
	h |= 1 << 63
	return Handle(h), nil
}

func (h Handle) AllocID() uint32 { return uint32(uint64(h) >> allocIDShift & allocIDMask) }
func (h Handle) Owner() int      { return int(uint64(h) >> ownerShift & nodeMask) }
func (h Handle) StartNode() int  { return int(uint64(h) >> startShift & nodeMask) }
func (h Handle) Policy() Policy  { return Policy(uint64(h) >> policyShift & policyMask) }
func (h Handle) Media() Media    { return Media(uint64(h) >> mediaShift & mediaMask) }
func (h Handle) ZeroInit() bool  { return uint64(h)>>zeroShift&1 == 1 }

// Entry is the per-node metadata table row for one array (§3: "total
// bytes, bytes resident locally, bytes per distribution block, byte
// offset of the local slab in the global layout, bytes per element,
// optional name, transient flag"). An Entry with TotalBytes == 0 is a free
// slot, invariant (c) of §3.
type Entry struct {
	Handle      Handle
	TotalBytes  uint64
	LocalBytes  uint64
	BlockBytes  uint64
	LocalOffset uint64
	ElemBytes   uint32
	Name        string
	Transient   bool
}

// Free reports whether this table slot is unused, invariant (c) of §3.
func (e Entry) Free() bool { return e.TotalBytes == 0 }

// blockBytes computes the "never split an element across nodes" block size
// of §4.6: ceil(num_elems / num_nodes) * elem_bytes.
func blockBytes(numElems uint64, numNodes int, elemBytes uint32) uint64 {
	if numNodes <= 0 {
		numNodes = 1
	}
	perNode := (numElems + uint64(numNodes) - 1) / uint64(numNodes)
	return perNode * uint64(elemBytes)
}

// ownerOfOffset returns the node owning global byte offset off in a
// partitioned array with the given per-node block size, and the local
// offset into that node's slab.
func ownerOfOffset(off uint64, block uint64) (node int, localOff uint64) {
	if block == 0 {
		return 0, off
	}
	return int(off / block), off % block
}
