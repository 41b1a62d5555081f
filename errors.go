package bioswrite

import (
	"errors"
	"fmt"
)

// Register window errors.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrMapFailed        = errors.New("mapping failed")
	ErrOutOfRange       = errors.New("register offset out of range")
)

// Driver errors.
var (
	ErrUnknownChip       = errors.New("unknown flash chip")
	ErrOutOfBounds       = errors.New("out of bounds")
	ErrWriteEnableFailed = errors.New("write enable failed")
	ErrEraseTimeout      = errors.New("erase timeout")
	ErrProgramTimeout    = errors.New("program timeout")
	ErrHardwareTimeout   = errors.New("hardware timeout")
	ErrPageBoundary      = errors.New("program crosses page boundary")
	ErrRegionProtected   = errors.New("range is write protected")
	ErrOpcodeUnavailable = errors.New("opcode not available in controller menu")
	ErrVerifyMismatch    = errors.New("verify mismatch")
	ErrClosed            = errors.New("driver closed")
)

// WriteError reports the operation that stopped a write plan. Operations
// before it completed; none after it were attempted.
type WriteError struct {
	Op     string // "erase" or "program"
	Offset uint32
	Done   int // operations completed before the failure
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s at %#08x failed after %d operations: %v", e.Op, e.Offset, e.Done, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// VerifyError reports the first offset whose content differs from the
// expected data.
type VerifyError struct {
	Offset    uint32
	Got, Want byte
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify at %#08x: got %#02x, want %#02x", e.Offset, e.Got, e.Want)
}

func (e *VerifyError) Unwrap() error { return ErrVerifyMismatch }
