// Package uthread implements the user-level task state machine of
// spec.md §3 ("User-level task (uthread)") and §4.1 ("User-level tasks and
// context switching"). The original C runtime binds each uthread to a real
// ucontext_t and a reserved stack region; Go provides no portable way to
// hand-save a register file, and goroutines already are lightweight
// user-level tasks multiplexed by the Go runtime. This package therefore
// models one uthread as one goroutine, plus a resume token channel that
// makes the cooperative hand-off at suspension points explicit and
// observable: a uthread only proceeds when its worker schedules it, the
// same guarantee ucontext_t swapcontext gave the original runtime, and a
// suspended task always resumes on the same worker because it is the same
// goroutine parked on the same channel — design note (a) of spec.md §9.
package uthread

import (
	"sync/atomic"
)

// Status mirrors task_status_t of include/gmt/uthread.h.
type Status int

const (
	Uninitialised Status = iota
	NotStarted           // equivalent to "completed": ready for a new task
	Running
	WaitingData
	WaitingMtasks
	WaitingHandle
	Throttling
)

func (s Status) String() string {
	switch s {
	case Uninitialised:
		return "uninitialised"
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case WaitingData:
		return "waiting-data"
	case WaitingMtasks:
		return "waiting-mtasks"
	case WaitingHandle:
		return "waiting-handle"
	case Throttling:
		return "throttling"
	default:
		return "unknown"
	}
}

// StackPolicy bounds the stack-size accounting kept per uthread. Go grows
// goroutine stacks on demand already; this struct exists so the runtime can
// still honor the "stack may shrink back to an initial floor when a task
// completes" rule of §4.1 as an accounting decision (release_uthread_stack
// config) even though there is no real guard-page to promote.
type StackPolicy struct {
	Floor   uint64
	Ceiling uint64
}

// DefaultStackPolicy mirrors UTHREAD_INITIAL_STACK_SIZE/UTHREAD_MAX_STACK_SIZE.
var DefaultStackPolicy = StackPolicy{Floor: 1 << 15, Ceiling: 1 << 20}

// MaxReturnSize mirrors UTHREAD_MAX_RET_SIZE: the largest return buffer an
// execute() task may produce (§7 "Return buffer too large").
const MaxReturnSize = 2048

// Uthread is one user-level task slot, permanently bound to one worker.
type Uthread struct {
	TID uint32
	WID uint32

	status atomic.Int32

	// reqBytes/recvBytes gate WaitingData per §4.1's ready-to-run predicate.
	reqBytes  atomic.Uint64
	recvBytes atomic.Uint64

	// createdMtasks/terminatedMtasks are indexed by nesting level and
	// gate WaitingMtasks, per §3's "created_mtasks[nl]"/"terminated_mtasks[nl]".
	createdMtasks    []uint64
	terminatedMtasks []atomic.Uint64

	nestLev    atomic.Uint32
	maxNesting uint32

	stackSize    uint64
	maxStackSize uint64
	numBreaks    atomic.Uint32

	policy StackPolicy

	// resume is the cooperative hand-off token: the worker sends on it to
	// let this uthread's goroutine proceed past a suspension point, and the
	// uthread receives from it instead of spinning, exactly mirroring a
	// swapcontext into this uthread's saved context.
	resume chan struct{}
	// parked is closed by the uthread's goroutine to tell the worker it
	// has reached a suspension point and control has returned to the
	// worker (the analogue of swapcontext back to the worker context).
	parked chan struct{}
}

// New allocates a uthread bound to worker wid with the given nesting budget.
func New(tid, wid uint32, maxNesting uint32, policy StackPolicy) *Uthread {
	u := &Uthread{
		TID:              tid,
		WID:              wid,
		maxNesting:       maxNesting,
		createdMtasks:    make([]uint64, maxNesting+1),
		terminatedMtasks: make([]atomic.Uint64, maxNesting+1),
		stackSize:        policy.Floor,
		maxStackSize:     policy.Floor,
		policy:           policy,
		resume:           make(chan struct{}),
		parked:           make(chan struct{}),
	}
	u.status.Store(int32(NotStarted))
	return u
}

// Status returns the current task status.
func (u *Uthread) Status() Status { return Status(u.status.Load()) }

// setStatus installs a new status; it is called only by the goroutine
// bound to this uthread, matching the single-writer discipline of the
// original ucontext-based implementation.
func (u *Uthread) setStatus(s Status) { u.status.Store(int32(s)) }

// Nesting returns the current self-execution nesting level.
func (u *Uthread) Nesting() uint32 { return u.nestLev.Load() }

// IncrNesting advances the nesting level, returning false (and leaving the
// level unchanged) if doing so would reach MaxNesting, matching
// uthread_incr_nesting's bound check.
func (u *Uthread) IncrNesting() bool {
	for {
		cur := u.nestLev.Load()
		if cur+1 >= u.maxNesting {
			return false
		}
		if u.nestLev.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// DecrNesting reverts one level of self-execution nesting.
func (u *Uthread) DecrNesting() {
	for {
		cur := u.nestLev.Load()
		if cur == 0 {
			return
		}
		if u.nestLev.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// RequestData records that this uthread is now waiting for n bytes to
// arrive (a get, or a blocking put reply) and transitions to WaitingData.
func (u *Uthread) RequestData(n uint64) {
	u.reqBytes.Store(n)
	u.recvBytes.Store(0)
	u.setStatus(WaitingData)
}

// DeliverData records bytes arriving for this uthread's outstanding
// request (called from the helper/comm path on reply delivery).
func (u *Uthread) DeliverData(n uint64) { u.recvBytes.Add(n) }

// DataSatisfied reports whether all requested bytes have arrived.
func (u *Uthread) DataSatisfied() bool { return u.recvBytes.Load() >= u.reqBytes.Load() }

// CreateMtask records that one more mtask was spawned at the current
// nesting level and transitions to WaitingMtasks.
func (u *Uthread) CreateMtask() {
	nl := u.nestLev.Load()
	u.createdMtasks[nl]++
	u.setStatus(WaitingMtasks)
}

// TerminateMtask records completion of a child mtask at nesting level nl.
func (u *Uthread) TerminateMtask(nl uint32) { u.terminatedMtasks[nl].Add(1) }

// MtasksSatisfied reports whether all mtasks created at the current
// nesting level have since terminated.
func (u *Uthread) MtasksSatisfied() bool {
	nl := u.nestLev.Load()
	return u.terminatedMtasks[nl].Load() >= u.createdMtasks[nl]
}

// Runnable implements the ready-to-run predicate of §4.1: Running,
// NotStarted, Throttling and WaitingHandle are always runnable;
// WaitingData/WaitingMtasks are runnable only if nesting is below the
// maximum or their wait condition has already been satisfied — "the depth
// exemption exists solely to prevent deadlock at maximum nesting."
func (u *Uthread) Runnable() bool {
	switch u.Status() {
	case Running, NotStarted, Throttling, WaitingHandle:
		return true
	case WaitingData:
		return u.nestLev.Load() < u.maxNesting-1 || u.DataSatisfied()
	case WaitingMtasks:
		return u.nestLev.Load() < u.maxNesting-1 || u.MtasksSatisfied()
	default:
		return false
	}
}

// Suspend parks the calling goroutine at a suspension point (§5: wait_data,
// wait_mtasks, wait_handle, yield) with the given status, and blocks until
// the worker schedules it again via Resume.
func (u *Uthread) Suspend(status Status) {
	u.setStatus(status)
	close(u.parked)
	<-u.resume
	u.parked = make(chan struct{})
	u.setStatus(Running)
}

// Resume hands control back to a parked uthread goroutine; it is called
// only by the worker that owns this uthread.
func (u *Uthread) Resume() { u.resume <- struct{}{} }

// Parked returns the channel that closes when this uthread reaches its
// next suspension point, for a worker's scheduling loop to select on.
func (u *Uthread) Parked() <-chan struct{} { return u.parked }

// Reset returns the uthread to NotStarted, shrinking its tracked stack
// size back to the policy floor when release is requested — the Go
// analogue of §4.1's "stack size may shrink back to an initial floor when
// a task completes."
func (u *Uthread) Reset(release bool) {
	u.nestLev.Store(0)
	for i := range u.createdMtasks {
		u.createdMtasks[i] = 0
		u.terminatedMtasks[i].Store(0)
	}
	u.reqBytes.Store(0)
	u.recvBytes.Store(0)
	if release {
		u.stackSize = u.policy.Floor
	}
	u.setStatus(NotStarted)
}

// NoteStackGrowth records a soft stack-expansion accounting event: Go
// cannot install a guard-page/SIGSEGV handler on a goroutine stack (the Go
// runtime already grows it on demand), so this is an explicit call made by
// code paths that track logical recursion depth, standing in for the
// guard-page promotion of gmt_ucontext.c. It returns false once the
// logical stack size would exceed the configured ceiling.
func (u *Uthread) NoteStackGrowth(extra uint64) bool {
	u.stackSize += extra
	if u.stackSize > u.maxStackSize {
		u.maxStackSize = u.stackSize
	}
	if u.stackSize > u.policy.Ceiling {
		u.numBreaks.Add(1)
		return false
	}
	return true
}

// NumBreaks reports how many times this uthread's logical stack exceeded
// its ceiling, surfaced as a non-fatal warning per §7.
func (u *Uthread) NumBreaks() uint32 { return u.numBreaks.Load() }
