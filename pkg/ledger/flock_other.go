//go:build !unix

package ledger

import "os"

// Non-unix platforms fall back to the in-process mutex already held by the
// client; cross-process exclusion is advisory only.
func flock(f *os.File) error   { return nil }
func funlock(f *os.File) error { return nil }
