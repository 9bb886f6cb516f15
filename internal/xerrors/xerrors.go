// Package xerrors defines the error kinds used throughout the GMT runtime
// and the fatal-error rendering path described in spec.md §7. It is a thin
// shim over github.com/grailbio/base/errors so that the rest of the tree
// composes and matches errors the same way the teacher package does
// (errors.E, errors.Is, errors.Match), while giving each GMT fatal-error
// kind a name of its own.
package xerrors

import (
	"fmt"
	"os"

	"github.com/grailbio/base/errors"
)

// Kind aliases re-export the grailbio/base/errors kinds that GMT reuses
// directly, plus the GMT-specific ones composed below.
const (
	Fatal       = errors.Fatal
	Invalid     = errors.Invalid
	NotExist    = errors.NotExist
	Precondition = errors.Precondition
	Net         = errors.Net
	Unavailable = errors.Unavailable
)

// E composes an error the same way grailbio/base/errors.E does.
func E(args ...interface{}) error { return errors.E(args...) }

// Is reports whether err carries the given kind.
func Is(kind errors.Kind, err error) bool { return errors.Is(kind, err) }

// Match reports whether err matches the given template error.
func Match(template, err error) bool { return errors.Match(template, err) }

// Site identifies where a fatal error originated, matching §7's
// "node, worker, task, source location" context requirement.
type Site struct {
	Node   int
	Worker int
	Task   uint64
	Where  string
}

func (s Site) String() string {
	return fmt.Sprintf("node=%d worker=%d task=%x at %s", s.Node, s.Worker, s.Task, s.Where)
}

// Fatalf renders a fatal error with full context and terminates the
// process immediately via os.Exit, never panic or os.Exit via a deferred
// atexit hook, so that cleanup handlers never re-enter the scheduler —
// per spec.md §7 ("call _exit so that atexit hooks do not re-enter the
// scheduler").
func Fatalf(site Site, kind errors.Kind, format string, args ...interface{}) {
	err := E(kind, fmt.Sprintf(format, args...))
	fmt.Fprintf(os.Stderr, "gmt: fatal: %s: %v\n", site, err)
	os.Exit(1)
}

// Kinds specific to GMT's fatal-error taxonomy (spec.md §7). Each is
// composed from a descriptive string plus errors.Fatal so that
// errors.Match(fatalErr, err) still identifies them as fatal.
var (
	// ErrBadConfig marks configuration that is invalid at startup
	// (too few command blocks, handle-id overflow, etc).
	ErrBadConfig = E(Fatal, "invalid configuration")
	// ErrOutOfBounds marks an access beyond an array's total bytes.
	ErrOutOfBounds = E(Fatal, "array access out of bounds")
	// ErrDoubleFree marks a second free of an already-freed handle.
	ErrDoubleFree = E(Fatal, "double free")
	// ErrUseAfterFree marks access to a freed array.
	ErrUseAfterFree = E(Fatal, "access after free")
	// ErrElemSize marks an atomic op on an unsupported element size.
	ErrElemSize = E(Fatal, "element size must be one of 1,2,4,8 bytes")
	// ErrNonPreemptableGlobalOp marks a global op called from a
	// non-preemptable task body.
	ErrNonPreemptableGlobalOp = E(Fatal, "non-preemptable task invoked a global operation")
	// ErrReturnTooLarge marks an execute() return buffer exceeding
	// UTHREAD_MAX_RET_SIZE.
	ErrReturnTooLarge = E(Fatal, "return buffer exceeds maximum size")
)

// BadConfig composes an invalid-configuration error with detail.
func BadConfig(detail string) error { return E(Fatal, ErrBadConfig, detail) }

// OutOfBounds composes an out-of-bounds error naming the offending array
// and byte offset, per §7 ("includes array id, name, and offending byte").
func OutOfBounds(arrayID uint64, name string, offset uint64) error {
	return E(Fatal, ErrOutOfBounds, fmt.Sprintf("array=%x name=%q offset=%d", arrayID, name, offset))
}
