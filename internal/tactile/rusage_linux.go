package tactile

import "syscall"

// maxRSSBytes converts ru_maxrss, which Linux reports in kilobytes.
func maxRSSBytes(r *syscall.Rusage) int64 {
	return r.Maxrss * 1024
}
