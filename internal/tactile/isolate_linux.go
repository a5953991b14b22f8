//go:build linux

package tactile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// DefaultJailPaths are the host paths a jail exposes read-only: enough for
// a dynamically linked interpreter and its standard library. Paths missing
// on the host are skipped.
var DefaultJailPaths = []string{
	"/usr", "/bin", "/sbin", "/lib", "/lib32", "/lib64", "/libx32",
	"/etc/alternatives", "/etc/ld.so.cache",
	"/dev/null", "/dev/zero", "/dev/random", "/dev/urandom",
}

// isolate starts cmd in new user, mount, network, pid, ipc and uts
// namespaces. The process runs as JailID and keeps CAP_SYS_ADMIN inside
// its namespaces as an ambient capability, so it can call EnterJail.
func isolate(cmd *exec.Cmd) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	attr := cmd.SysProcAttr
	attr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWNET |
		syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: JailID, HostID: os.Getuid(), Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: JailID, HostID: os.Getgid(), Size: 1}}
	attr.Credential = &syscall.Credential{Uid: JailID, Gid: JailID, NoSetGroups: true}
	attr.AmbientCaps = []uintptr{unix.CAP_SYS_ADMIN}
	return nil
}

// IsolationSupported reports whether isolated commands can be requested
// here. Whether the kernel allows unprivileged user namespaces is only
// known once one is started.
func IsolationSupported() bool { return true }

// EnterJail replaces the filesystem of the calling process, which must
// have been started isolated, with a read-only tmpfs mounted at root that
// holds only paths, each bound read-only at its host location. The host
// root is detached afterwards and nothing else of it stays reachable.
func EnterJail(root string, paths []string) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mounts private: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	if err := unix.Mount("tmpfs", root, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "size=1m,mode=0755"); err != nil {
		return fmt.Errorf("mount jail root: %w", err)
	}
	for _, p := range paths {
		if err := bindReadOnly(root, p); err != nil {
			return fmt.Errorf("expose %s: %w", p, err)
		}
	}

	old := filepath.Join(root, ".host")
	if err := os.Mkdir(old, 0o700); err != nil {
		return err
	}
	if err := unix.PivotRoot(root, old); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return err
	}
	if err := unix.Unmount("/.host", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach host root: %w", err)
	}
	if err := os.Remove("/.host"); err != nil {
		return err
	}
	if err := unix.Mount("", "/", "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
		return fmt.Errorf("seal jail root: %w", err)
	}
	return unix.Sethostname([]byte("sandbox"))
}

// preservedFlags are mount flags a read-only remount must repeat, or the
// kernel refuses it for mounts inherited from the host. statfs reports them
// with the same bit values as mount.
const preservedFlags = unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_NOATIME | unix.MS_NODIRATIME | unix.MS_RELATIME

func bindReadOnly(root, src string) error {
	info, err := os.Lstat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	dst := filepath.Join(root, src)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	case info.IsDir():
		if err := os.Mkdir(dst, 0o755); err != nil {
			return err
		}
	default:
		f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		f.Close()
	}

	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return err
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dst, &st); err != nil {
		return err
	}
	flags := uintptr(unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_NOSUID) | uintptr(st.Flags)&preservedFlags
	return unix.Mount("", dst, "", flags, "")
}

// DropPrivileges clears the ambient capabilities of the calling thread and
// sets no_new_privs on it, so programs it starts hold no capabilities. Both
// are per thread: lock the goroutine with runtime.LockOSThread and start
// the child from it.
func DropPrivileges() error {
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("clear ambient capabilities: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}
	return nil
}

// LimitProcess sets limits on another process, typically a child that has
// not yet run untrusted code.
func LimitProcess(pid int, limits ResourceLimits) error {
	for _, l := range rlimitsFor(limits) {
		if err := unix.Prlimit(pid, l.resource, &unix.Rlimit{Cur: l.cur, Max: l.max}, nil); err != nil {
			return fmt.Errorf("prlimit %d: %w", l.resource, err)
		}
	}
	return nil
}

// ProcessLimitsSupported reports whether LimitProcess works here.
func ProcessLimitsSupported() bool { return true }
