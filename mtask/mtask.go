// Package mtask defines the macro-task of spec.md §3 ("Task (macro-task,
// 'mtask')"): the unit of work a node's scheduler fans out into per-
// iteration uthread executions. It is grounded on include/gmt/mtask.h's
// mtask_t, with the C bitfields (ITER_BITS, NESTING_BITS) replaced by
// plain Go fields validated against the same width budgets via
// wire.Record.Validate-style checks at construction.
package mtask

import (
	"fmt"
	"sync/atomic"

	"github.com/pnnl-gmt/gmt-go/wire"
)

// Type distinguishes the three kinds of macro-task named in mtask_t's
// mtask_type_t: an execute() call, a for_loop/for_each iteration range, or
// the single root invocation of the user's main.
type Type int

const (
	Execute Type = iota
	For
	Main
)

// Func is a task body: it receives its copied-in argument buffer and
// writes its result (if any) into ret, returning the number of bytes
// written. This is the Go analogue of mtask_t's `void *func` plus the
// fixed-signature "function pointer" design note of spec.md §9
// ("Task functions are values of a function-pointer type with a fixed
// signature").
type Func func(iter uint64, args []byte, ret []byte) (retLen int, err error)

// HandleID identifies the spawn handle this mtask is tagged with, or
// NoHandle if it is not tracked by the ring termination protocol.
type HandleID uint64

// NoHandle is the "null" handle sentinel of spec.md §3/§6.
const NoHandle HandleID = 0

// Task is one macro-task: a contiguous iteration range to be fanned out
// into per-iteration uthread executions on a single node, or a single
// execute() invocation (iteration range of length 1).
type Task struct {
	Type Type

	Fn   Func
	Args []byte

	// ParentTID/NestLev identify the uthread (on ParentNode) that spawned
	// this mtask, for reporting completion back via a for-completion or
	// execute-completion command (§4.7).
	ParentNode int
	ParentTID  uint32
	NestLev    uint8

	// StartIt/EndIt/StepIt is the [start, end) iteration range with step,
	// per §3's Task fields.
	StartIt uint64
	EndIt   uint64
	StepIt  uint32

	// Array is the bound global array handle for a for_each task (0 if
	// unbound, i.e. a plain for_loop or execute task).
	Array uint64

	Handle HandleID

	// OnRetire, if set, is invoked exactly once by the scheduler's task
	// runner when this mtask's iteration range has fully executed
	// (MarkExecuted returns true), with any bytes the last execute()
	// iteration wrote to RetBuf. helper sets this when it decodes a
	// for/execute command off the wire, so the completion notification
	// (§4.7's for-completion/execute-completion) fires without the
	// scheduler needing to know anything about the network path.
	OnRetire func(retBytes []byte)

	// RetBuf receives an execute() task's return bytes; RetSize is filled
	// with the number of bytes actually written, capped at
	// uthread.MaxReturnSize per §7.
	RetBuf  []byte
	RetSize int

	// executedIt is advanced atomically as uthreads complete iterations;
	// the mtask is retired once it reaches TotalIterations (§4.7).
	executedIt atomic.Uint64
	// startCursor is advanced atomically by workers claiming iterations
	// to start, independent of executedIt so that multiple workers may
	// claim disjoint sub-ranges concurrently.
	startCursor atomic.Uint64
}

// New constructs a for-type mtask, validating the iteration bounds against
// the ITER_BITS budget carried by the wire package.
func New(start, end uint64, step uint32, fn Func, args []byte) (*Task, error) {
	if end < start {
		return nil, fmt.Errorf("mtask: end %d before start %d", end, start)
	}
	if end > wire.MaxIter {
		return nil, fmt.Errorf("mtask: end %d exceeds %d-bit iteration budget", end, wire.IterBits)
	}
	if step == 0 {
		step = 1
	}
	t := &Task{Type: For, Fn: fn, Args: args, StartIt: start, EndIt: end, StepIt: step}
	t.startCursor.Store(start)
	return t, nil
}

// NewExecute constructs a single-iteration execute() mtask.
func NewExecute(fn Func, args []byte, retBuf []byte) *Task {
	t := &Task{Type: Execute, Fn: fn, Args: args, StartIt: 0, EndIt: 1, StepIt: 1, RetBuf: retBuf}
	return t
}

// TotalIterations returns the number of steps in [StartIt, EndIt).
func (t *Task) TotalIterations() uint64 {
	if t.EndIt <= t.StartIt {
		return 0
	}
	return (t.EndIt - t.StartIt + uint64(t.StepIt) - 1) / uint64(t.StepIt)
}

// ClaimIterations atomically advances the start cursor by up to want
// iterations (in units of StepIt), returning the claimed [from, to) range
// and how many iterations that represents. It implements the worker-pop
// behavior of §4.7 ("atomically advances start_it by step per uthread it
// creates").
func (t *Task) ClaimIterations(want int) (from, to uint64, n int) {
	for {
		cur := t.startCursor.Load()
		if cur >= t.EndIt {
			return cur, cur, 0
		}
		remaining := (t.EndIt - cur + uint64(t.StepIt) - 1) / uint64(t.StepIt)
		take := uint64(want)
		if take > remaining {
			take = remaining
		}
		next := cur + take*uint64(t.StepIt)
		if next > t.EndIt {
			next = t.EndIt
		}
		if t.startCursor.CompareAndSwap(cur, next) {
			return cur, next, int(take)
		}
	}
}

// Remaining reports whether this mtask still has unclaimed iterations,
// used by the worker loop to decide whether to requeue it (§4.2).
func (t *Task) Remaining() bool { return t.startCursor.Load() < t.EndIt }

// MarkExecuted records n completed iterations and reports whether the
// mtask has now fully retired (executedIt >= TotalIterations()), per §4.7.
func (t *Task) MarkExecuted(n uint64) (retired bool) {
	total := t.TotalIterations()
	done := t.executedIt.Add(n)
	return done >= total
}

// ExecutedCount returns how many iterations have completed so far.
func (t *Task) ExecutedCount() uint64 { return t.executedIt.Load() }
