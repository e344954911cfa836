package installer

import "fmt"

// Error classes map to CLI exit codes: validation 1, integrity 2, I/O 3.
// Ledger-write failures are system-unsafe: the install aborts without
// touching ownership rows or receipts.
type Class int

const (
	ClassValidation Class = iota + 1
	ClassIntegrity
	ClassIO
	ClassLedger
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassIntegrity:
		return "integrity"
	case ClassIO:
		return "io"
	case ClassLedger:
		return "ledger"
	}
	return "unknown"
}

// Error is a classified install failure.
type Error struct {
	Class Class
	Gate  string
	Err   error
}

func (e *Error) Error() string {
	if e.Gate != "" {
		return fmt.Sprintf("install %s failure at %s: %v", e.Class, e.Gate, e.Err)
	}
	return fmt.Sprintf("install %s failure: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ExitCode returns the CLI exit code for the error class.
func (e *Error) ExitCode() int {
	switch e.Class {
	case ClassValidation:
		return 1
	case ClassIntegrity:
		return 2
	default:
		return 3
	}
}
