package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

const traceSupported = true

const traceOptions = unix.PTRACE_O_TRACESYSGOOD |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_EXITKILL

const syscallTrap = unix.SIGTRAP | 0x80

// maxPath bounds how much tracee memory is read for one path.
const maxPath = unix.PathMax

type tracee struct {
	inSyscall bool
	path      string // path of the open in flight, if watched
}

func (e *TraceExecutor) trace(ctx context.Context, command string, obs Observer) error {
	out, err := newOutputs(e.cfg.Stdout, e.cfg.Stderr)
	if err != nil {
		return fmt.Errorf("failed to set up command output: %w", err)
	}

	cmd := e.cfg.command(command)
	cmd.SysProcAttr.Ptrace = true
	cmd.Stdout = out.stdout
	cmd.Stderr = out.stderr

	if err := cmd.Start(); err != nil {
		out.wait()
		return fmt.Errorf("failed to start command: %w", err)
	}
	out.closeChildEnds()
	defer cmd.Process.Release()

	leader := cmd.Process.Pid

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			unix.Kill(-leader, unix.SIGKILL)
		case <-stop:
		}
	}()

	// The child stops with SIGTRAP right after exec.
	var ws unix.WaitStatus
	if _, err := unix.Wait4(leader, &ws, unix.WALL, nil); err != nil {
		out.wait()
		return fmt.Errorf("wait for traced command: %w", err)
	}
	if ws.Stopped() {
		if err := unix.PtraceSetOptions(leader, traceOptions); err != nil {
			unix.Kill(-leader, unix.SIGKILL)
		} else {
			unix.PtraceSyscall(leader, 0)
		}
	}

	status, err := e.loop(leader, ws, obs)
	if werr := out.wait(); err == nil && werr != nil {
		err = fmt.Errorf("copy command output: %w", werr)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("command cancelled: %w", ctx.Err())
	}
	if err != nil {
		return err
	}
	if status != 0 {
		return &CommandError{Command: command, ExitCode: status}
	}
	return nil
}

// loop services stops of every tracee until none are left and returns the
// exit status of the leader.
func (e *TraceExecutor) loop(leader int, first unix.WaitStatus, obs Observer) (int, error) {
	tracees := map[int]*tracee{leader: {}}
	status := -1
	if first.Exited() {
		return first.ExitStatus(), nil
	}

	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WALL|unix.WNOTHREAD, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.ECHILD) {
			break
		}
		if err != nil {
			return status, fmt.Errorf("wait for traced process: %w", err)
		}

		switch {
		case ws.Exited(), ws.Signaled():
			if pid == leader {
				if ws.Exited() {
					status = ws.ExitStatus()
				} else {
					status = 128 + int(ws.Signal())
				}
			}
			delete(tracees, pid)
			continue
		case !ws.Stopped():
			continue
		}

		t, known := tracees[pid]
		if !known {
			t = &tracee{}
			tracees[pid] = t
		}

		inject := 0
		sig := ws.StopSignal()
		switch {
		case sig == syscallTrap:
			e.syscallStop(pid, t, obs)
		case sig == unix.SIGTRAP && ws.TrapCause() > 0:
			// fork, clone or exec event
		case sig == unix.SIGSTOP && !known:
			// initial stop of an auto-attached child
		default:
			inject = int(sig)
		}
		unix.PtraceSyscall(pid, inject)
	}
	return status, nil
}

func (e *TraceExecutor) syscallStop(pid int, t *tracee, obs Observer) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		t.inSyscall = !t.inSyscall
		return
	}

	if t.inSyscall {
		t.inSyscall = false
		if t.path != "" {
			obs.Exit(t.path, int64(regs.Rax) >= 0)
			t.path = ""
		}
		return
	}

	t.inSyscall = true
	t.path = ""
	dirfd, addr, ok := openArgs(&regs)
	if !ok {
		return
	}
	name, err := peekString(pid, addr)
	if err != nil || name == "" {
		return
	}
	abs, err := resolvePath(pid, dirfd, name)
	if err != nil {
		e.cfg.Logger.Debug("cannot resolve traced path", "pid", pid, "path", name, "error", err)
		return
	}
	t.path = abs
	obs.Enter(abs)
}

// openArgs extracts the directory fd and path pointer of a watched call.
func openArgs(regs *unix.PtraceRegs) (dirfd int, addr uintptr, ok bool) {
	switch regs.Orig_rax {
	case unix.SYS_OPEN, unix.SYS_CREAT:
		return unix.AT_FDCWD, uintptr(regs.Rdi), true
	case unix.SYS_OPENAT, unix.SYS_OPENAT2:
		return int(int32(regs.Rdi)), uintptr(regs.Rsi), true
	}
	return 0, 0, false
}

func peekString(pid int, addr uintptr) (string, error) {
	var out []byte
	buf := make([]byte, 64)
	for len(out) < maxPath {
		n, err := unix.PtracePeekData(pid, addr, buf)
		if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", unix.EFAULT
		}
		out = append(out, buf[:n]...)
		addr += uintptr(n)
	}
	return "", unix.ENAMETOOLONG
}

func resolvePath(pid, dirfd int, name string) (string, error) {
	if filepath.IsAbs(name) {
		return filepath.Clean(name), nil
	}
	link := "/proc/" + strconv.Itoa(pid) + "/cwd"
	if dirfd != unix.AT_FDCWD {
		link = "/proc/" + strconv.Itoa(pid) + "/fd/" + strconv.Itoa(dirfd)
	}
	base, err := os.Readlink(link)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, name), nil
}
