//go:build linux && amd64

package tactile

import "golang.org/x/sys/unix"

const auditArch = unix.AUDIT_ARCH_X86_64

// abiBit marks x32 system calls, which share the x86-64 audit arch.
const abiBit = 0x40000000

var deniedSyscalls = []uint32{
	unix.SYS_SOCKET,
	unix.SYS_FORK,
	unix.SYS_VFORK,
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
