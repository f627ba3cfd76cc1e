package gpu

import (
	"fmt"
	"strings"
)

// ValidationError reports a caller-side shape, size or binding mistake.
// Operations that fail validation are rejected before anything is
// submitted to the device, and never partially applied.
type ValidationError struct {
	Op     string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gpu: validation failed in %s: %s", e.Op, e.Detail)
}

// CapacityError reports an allocation that would push accounted memory
// over the configured ceiling. No state changes when it is returned.
type CapacityError struct {
	Requested uint64
	Active    uint64
	Ceiling   uint64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("gpu: allocation of %d bytes exceeds ceiling (active %d of %d)",
		e.Requested, e.Active, e.Ceiling)
}

// MissingResourceError reports a lookup for a name the registry does not
// hold. Known keys are included so callers never have to guess.
type MissingResourceError struct {
	Kind  string // "buffer", "program" or "binding set"
	Name  string
	Known []string
}

func (e *MissingResourceError) Error() string {
	return fmt.Sprintf("gpu: no %s named %q (known: %s)",
		e.Kind, e.Name, strings.Join(e.Known, ", "))
}

// PipelineCreationError reports a shader source that produced no usable
// compute pipeline for any requested entry point.
type PipelineCreationError struct {
	Label    string
	Failures map[string]error // entry point -> failure
}

func (e *PipelineCreationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for entry, err := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", entry, err))
	}
	return fmt.Sprintf("gpu: shader %q yielded no pipelines (%s)",
		e.Label, strings.Join(parts, "; "))
}

// TimeoutError reports a readback that did not resolve within its
// deadline. Pool and accounting state remain consistent; the caller may
// retry the whole operation.
type TimeoutError struct {
	Op      string
	Elapsed string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gpu: %s timed out after %s", e.Op, e.Elapsed)
}

// DeviceExecutionError wraps an opaque device-level failure during
// submission or mapping. Results after a partial failure cannot be
// trusted, so the engine never retries on the caller's behalf.
type DeviceExecutionError struct {
	Op  string
	Err error
}

func (e *DeviceExecutionError) Error() string {
	return fmt.Sprintf("gpu: device failure during %s: %v", e.Op, e.Err)
}

func (e *DeviceExecutionError) Unwrap() error { return e.Err }
