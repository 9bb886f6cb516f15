package aggregation

import (
	"sync"

	"github.com/pnnl-gmt/gmt-go/wire"
)

// Aggregator owns one Destination per remote node plus the shared buffer
// capacity parameters, the Go analogue of the per-thread cmdb[r][thid]
// table of §4.3 collapsed to one block per destination (worker/helper
// goroutines serialize through Block's own mutex rather than each owning a
// private slot, since Go's scheduler makes that contention cheap).
type Aggregator struct {
	commBufferSize int64
	blockCapacity  int

	mu   sync.RWMutex
	dest map[int]*Destination
}

// New builds an Aggregator for a cluster, given the network buffer size
// (CommBufferSize) and per-block capacity (CmdBlockSize) from config.
func New(commBufferSize int64, blockCapacity int) *Aggregator {
	return &Aggregator{
		commBufferSize: commBufferSize,
		blockCapacity:  blockCapacity,
		dest:           make(map[int]*Destination),
	}
}

func (a *Aggregator) destination(node int) *Destination {
	a.mu.RLock()
	d, ok := a.dest[node]
	a.mu.RUnlock()
	if ok {
		return d
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok = a.dest[node]; ok {
		return d
	}
	d = NewDestination(node, a.blockCapacity)
	a.dest[node] = d
	return d
}

// GetCmd is the Go analogue of agm_get_cmd: it reserves room for rec and up
// to reqDataSize bytes of trailing data in node's open block, pushing and
// reopening the block (and reporting whether a pack should follow) if the
// current one has no room. The caller supplies rec fully formed (Encode
// writes it); AppendRecord only validates bit-width budgets.
func (a *Aggregator) GetCmd(node int, rec wire.Record, reqDataSize int) (block *Block, granted int, report PushReport, didPush bool) {
	d := a.destination(node)
	b := d.Open()
	granted, ok := b.AppendRecord(rec, reqDataSize)
	if ok {
		return b, granted, PushReport{}, false
	}
	report = d.Push(a.commBufferSize)
	b = d.Open()
	granted, _ = b.AppendRecord(rec, reqDataSize)
	return b, granted, report, true
}

// AggregateAndSend implements §4.3's aggregate-and-send: given a report
// from a push that crossed the CommBufferSize threshold, attempt to claim
// the pack window and drain a full network buffer's worth of pushed
// blocks. It returns ok=false if the claim lost the race (another packer
// already took this window, or the estimate underflowed).
func (a *Aggregator) AggregateAndSend(node int, report PushReport) (packed []byte, used int, ok bool) {
	if !report.ShouldPack {
		return nil, 0, false
	}
	d := a.destination(node)
	if !d.TryClaimPack(a.commBufferSize) {
		return nil, 0, false
	}
	packed, used, _ = d.DrainForPack(int(a.commBufferSize))
	return packed, used, true
}

// TimeoutFlush implements the helper-timeout half of §4.5: when the caller
// has judged node's open block stale (staleAfterAgeOK), force-push it if it
// holds any record, then pack and return whatever is ready, with is_timeout
// semantics (partial buffers permitted). The block's age is not checked here.
func (a *Aggregator) TimeoutFlush(node int, staleAfterAgeOK bool) (packed []byte, used int, flushed bool) {
	d := a.destination(node)
	if !staleAfterAgeOK {
		return nil, 0, false
	}
	_, did := d.FlushOpen(a.commBufferSize)
	if !did {
		return nil, 0, false
	}
	packed, used, _ = d.DrainForPack(int(a.commBufferSize))
	return packed, used, true
}

// StaleDestinations returns the node ids whose open block's age exceeds
// threshold, for a helper's periodic staleness sweep (§4.5).
func (a *Aggregator) StaleDestinations(threshold func(age int64) bool) []int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var nodes []int
	for node, d := range a.dest {
		age := d.Open().Age()
		if threshold(int64(age)) {
			nodes = append(nodes, node)
		}
	}
	return nodes
}
