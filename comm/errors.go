package comm

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrCapacityExceeded means a call needed more elements
	// than the fusion buffers were sized for.
	ErrCapacityExceeded = errors.New("fusion buffer capacity exceeded")

	// ErrNotInitialized means the communicator has no live
	// communication group, either because construction
	// failed or because it was destroyed.
	ErrNotInitialized = errors.New("communicator is not initialized")
)

// A FatalError is an unrecoverable failure. Once a process
// sees one it must not take part in further collectives,
// since its peers may be left in an inconsistent state.
//
// The core never exits on its own; FatalErrors travel up to
// a boundary such as Check.
type FatalError struct {
	// Op names the failing operation, e.g. "FusedSynch".
	Op string

	// Location is the file:line that invoked Op.
	Location string

	Err error
}

func (f *FatalError) Error() string {
	return fmt.Sprintf("%s failed at %s: %v", f.Op, f.Location, f.Err)
}

// Unwrap gives errors.Is and errors.As access to the cause.
func (f *FatalError) Unwrap() error {
	return f.Err
}

// Cause supports github.com/pkg/errors.Cause.
func (f *FatalError) Cause() error {
	return f.Err
}

// Format prints the cause's stack trace for %+v.
func (f *FatalError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s failed at %s: %+v", f.Op, f.Location, f.Err)
		return
	}
	fmt.Fprint(s, f.Error())
}

// fatal wraps err for op, blaming the caller skip frames
// above fatal itself.
func fatal(op string, skip int, err error) *FatalError {
	if f, ok := err.(*FatalError); ok {
		return f
	}
	loc := "unknown"
	if _, file, line, ok := runtime.Caller(skip + 1); ok {
		loc = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	return &FatalError{Op: op, Location: loc, Err: err}
}

// IsFatal reports whether err is, or wraps, a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// ExitFunc terminates the process after Check has logged a
// fatal error. Test harnesses can replace it to intercept
// termination.
var ExitFunc = func(err error) {
	klog.Exitf("gradsync: terminating: %+v", err)
}

// Check is the top-level fatal boundary: a nil err is a
// no-op, anything else is logged and the process exits.
func Check(err error) {
	if err == nil {
		return
	}
	klog.Errorf("gradsync: %v", err)
	ExitFunc(err)
}
