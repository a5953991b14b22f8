package tactile

import "syscall"

// maxRSSBytes returns ru_maxrss, which macOS reports in bytes.
func maxRSSBytes(r *syscall.Rusage) int64 {
	return r.Maxrss
}
