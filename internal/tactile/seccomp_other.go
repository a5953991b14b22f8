//go:build !linux

package tactile

import "golang.org/x/net/bpf"

// SeccompFilter needs Linux.
func SeccompFilter() ([]bpf.RawInstruction, error) { return nil, ErrIsolationUnavailable }

// SeccompSupported reports whether SeccompFilter has a filter here.
func SeccompSupported() bool { return false }
