//go:build linux && arm64

package tactile

import "golang.org/x/sys/unix"

const auditArch = unix.AUDIT_ARCH_AARCH64

const abiBit = 0

// arm64 has no fork or vfork; both go through clone.
var deniedSyscalls = []uint32{
	unix.SYS_SOCKET,
	unix.SYS_PTRACE,
	unix.SYS_PROCESS_VM_READV,
	unix.SYS_PROCESS_VM_WRITEV,
	unix.SYS_UNSHARE,
	unix.SYS_SETNS,
	unix.SYS_MOUNT,
	unix.SYS_UMOUNT2,
	unix.SYS_PIVOT_ROOT,
	unix.SYS_CHROOT,
}
