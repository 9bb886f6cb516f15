// Package aggregation implements the command-block aggregation layer of
// spec.md §4.3: per-destination command blocks that batch outbound command
// records and their out-of-band data fragments before handing them to the
// communication layer as packed network buffers.
package aggregation

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pnnl-gmt/gmt-go/internal/xerrors"
	"github.com/pnnl-gmt/gmt-go/metrics"
	"github.com/pnnl-gmt/gmt-go/wire"
)

// Block is one open command block for a single destination node: a fixed
// capacity byte arena split between a command-record region (front) and a
// data-fragment region (back), matching §4.3's "cmdb[r][thid]" slot.
type Block struct {
	mu sync.Mutex

	cmds []byte
	data []byte
	cap  int

	// grant is how many data bytes the last AppendRecord reserved and
	// SetData has not yet consumed.
	grant int

	opened time.Time
}

// NewBlock allocates an empty block of the given capacity (CmdBlockSize).
func NewBlock(capacity int) *Block {
	return &Block{cap: capacity, opened: timeNow()}
}

// timeNow is indirected so tests can fake staleness without sleeping.
var timeNow = time.Now

// usedBytes returns the block's occupied footprint (command region plus
// data region), mirroring what agm_get_cmd must keep under CommBufferSize.
func (b *Block) usedBytes() int { return len(b.cmds) + len(b.data) }

// Remaining reports how many bytes are still free in the block.
func (b *Block) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cap - b.usedBytes()
}

// Empty reports whether the block has no queued records.
func (b *Block) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cmds) == 0
}

// Age reports how long this block has been open, for helper-timeout
// staleness checks (§4.5 "whose open block is older than its threshold").
func (b *Block) Age() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return timeNow().Sub(b.opened)
}

// AppendRecord encodes rec into the block's command region, reserving
// grantedData bytes of the data region for the caller's matching
// SetData call, implementing agm_get_cmd's
// "cmdSize + min(reqDataSize, granted) <= remaining capacity" contract.
// It returns ok=false (never blocking, never partially writing) when the
// record plus requested data would not fit; the caller must push this
// block and retry against a fresh one.
func (b *Block) AppendRecord(rec wire.Record, reqDataSize int) (grantedData int, ok bool) {
	if err := rec.Validate(); err != nil {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	recSize := rec.RecordSize()
	free := b.cap - b.usedBytes()
	if recSize > free {
		return 0, false
	}
	granted := reqDataSize
	if granted > free-recSize {
		granted = free - recSize
	}
	if granted < 0 {
		granted = 0
	}
	b.cmds = rec.Encode(b.cmds)
	b.grant = granted
	return granted, true
}

// SetData appends an out-of-band data fragment to the block's data region,
// the Go analogue of agm_set_cmd_data. The caller must not exceed the
// grantedData size returned by the matching AppendRecord call.
func (b *Block) SetData(payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(payload) > b.grant {
		return xerrors.E(xerrors.Invalid, "aggregation: data fragment exceeds granted capacity")
	}
	b.grant -= len(payload)
	b.data = append(b.data, payload...)
	return nil
}

// snapshot copies out the block's current command and data regions without
// releasing it, used when packing a buffer.
func (b *Block) snapshot() (cmds, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cmds = append([]byte(nil), b.cmds...)
	data = append([]byte(nil), b.data...)
	return cmds, data
}

// segmentSize is how many bytes this block would occupy once packed into a
// buffer: one BlockInfo header plus its command and data regions.
func (b *Block) segmentSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return wire.BlockInfoSize + len(b.cmds) + len(b.data)
}

// Destination is one remote node's aggregation state: the current open
// block, the queue of blocks pushed but not yet packed into a buffer, and
// the racy in-queue byte estimate that triggers aggregate-and-send.
type Destination struct {
	Node int

	mu       sync.Mutex
	open     *Block
	pushed   []*Block
	capacity int

	// estimate is the atomic "in-queue bytes" counter of §4.3. It never
	// goes below zero: TryClaimPack refuses any claim that would underflow
	// it.
	estimate atomic.Int64
}

// NewDestination creates aggregation state for one remote node.
func NewDestination(node, blockCapacity int) *Destination {
	d := &Destination{Node: node, capacity: blockCapacity}
	d.open = NewBlock(blockCapacity)
	return d
}

// Open returns the current open block for this destination, allocating a
// fresh one if the existing one has already been pushed.
func (d *Destination) Open() *Block {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open == nil {
		d.open = NewBlock(d.capacity)
	}
	return d.open
}

// PushReport is returned by Push, telling the caller whether an
// aggregate-and-send pack should now be attempted.
type PushReport struct {
	ShouldPack    bool
	EstimateBytes int64
}

// Push retires the currently open block (it is full, or a timeout flush is
// forcing it out), enqueues it for packing, opens a fresh block, and
// updates the in-queue byte estimate, implementing the "pushed when full or
// on timeout" half of §4.3.
func (d *Destination) Push(commBufferSize int64) PushReport {
	d.mu.Lock()
	b := d.open
	d.open = NewBlock(d.capacity)
	size := int64(b.segmentSize())
	d.pushed = append(d.pushed, b)
	d.mu.Unlock()

	metrics.CommandBlocksPushed.WithLabelValues(strconv.Itoa(d.Node)).Inc()
	newEstimate := d.estimate.Add(size)
	return PushReport{ShouldPack: newEstimate >= commBufferSize, EstimateBytes: newEstimate}
}

// TryClaimPack attempts to claim a pack window by subtracting
// commBufferSize from the estimate, the "atomically subtract
// COMM_BUFFER_SIZE from the per-destination byte estimate" step of §4.3. If
// the result would be below zero, nothing is subtracted and false is
// returned; a compare-and-swap loop makes the check and the subtraction
// one step, so the estimate never needs restoring.
func (d *Destination) TryClaimPack(commBufferSize int64) bool {
	for {
		cur := d.estimate.Load()
		next := cur - commBufferSize
		if next < 0 {
			return false
		}
		if d.estimate.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// DrainForPack pops pushed blocks (oldest first) and packs as many whole
// block segments as fit in bufferSize, returning the packed bytes and the
// blocks it consumed (for diagnostics/tests) plus any block that did not
// fit and was returned to the front of the queue. This implements the
// "repeatedly pop command blocks ... until the next block would overflow"
// loop of §4.3 and invariant (a), "any single command block fits in an
// empty buffer."
func (d *Destination) DrainForPack(bufferSize int) (packed []byte, used int, consumed int) {
	packed = make([]byte, 0, bufferSize)
	for {
		d.mu.Lock()
		if len(d.pushed) == 0 {
			d.mu.Unlock()
			break
		}
		next := d.pushed[0]
		size := next.segmentSize()
		if used+size > bufferSize {
			d.mu.Unlock()
			break
		}
		d.pushed = d.pushed[1:]
		d.mu.Unlock()

		cmds, data := next.snapshot()
		bi := wire.BlockInfo{CmdsBytes: uint32(len(cmds)), DataBytes: uint32(len(data))}
		packed = bi.Encode(packed)
		packed = append(packed, cmds...)
		packed = append(packed, data...)
		used += size
		consumed++
	}
	return packed, used, consumed
}

// FlushOpen forces the currently open block out regardless of fullness
// (the timeout-flush half of §4.3's "is_timeout=true, permitting partial
// buffers"), returning false if the open block is empty (invariant (b):
// "cmds_bytes > 0 in any pushed block").
func (d *Destination) FlushOpen(commBufferSize int64) (PushReport, bool) {
	d.mu.Lock()
	empty := d.open == nil || d.open.Empty()
	d.mu.Unlock()
	if empty {
		return PushReport{}, false
	}
	return d.Push(commBufferSize), true
}

// PendingBlocks reports how many pushed-but-unpacked blocks are queued.
func (d *Destination) PendingBlocks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pushed)
}
