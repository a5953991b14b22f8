//go:build linux && !amd64 && !arm64

package tactile

const (
	auditArch = 0
	abiBit    = 0
)

var deniedSyscalls []uint32
