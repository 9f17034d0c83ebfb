package xen

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrUnhandled is returned by sub-handlers for unrecognized sub-opcodes or
// unsupported parameter values. The dispatcher reports it as an unhandled
// hypercall; the caller decides whether to inject a guest fault.
var ErrUnhandled = errors.New("xen: unhandled operation")

// contractViolation marks a breach of a hypervisor-internal contract, such
// as a management-only path reached by a non-management domain. It is never
// contained: a correctly configured system cannot produce one, so it
// escapes the dispatcher as a fatal panic.
type contractViolation struct {
	msg string
}

func (v contractViolation) String() string { return v.msg }

func assertContract(cond bool, format string, args ...any) {
	if !cond {
		panic(contractViolation{msg: fmt.Sprintf(format, args...)})
	}
}

// contain runs one sub-dispatch and converts every failure into an
// unhandled result. Guest-triggered faults, malformed pointers, and panics
// inside sub-handlers all stop here; only contract violations pass through.
// This boundary is the load-bearing correctness property of the dispatcher.
func contain(op string, fn func() error) (handled bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if cv, ok := r.(contractViolation); ok {
			panic(cv)
		}
		slog.Warn("xen: hypercall handler fault", "op", op, "panic", r)
		handled = false
	}()

	err := fn()
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrUnhandled) {
		slog.Debug("xen: hypercall failed", "op", op, "error", err)
	}
	return false
}
