// Package pty spawns shells on pseudo-terminals and streams their output.
package pty

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Defaults applied by Spawn when the config leaves a field empty.
const (
	DefaultShell     = "/bin/bash"
	DefaultCols      = 80
	DefaultRows      = 24
	DefaultKillGrace = 3 * time.Second

	// MaxSize bounds cols and rows; the kernel winsize fields are 16 bit.
	MaxSize = math.MaxUint16

	readBufferSize = 32 * 1024
)

// ErrProcessExited is returned by Write and Resize once the child has exited.
var ErrProcessExited = errors.New("process exited")

// Sink receives output chunks in the order the process produced them.
// The slice is owned by the sink.
type Sink func(p []byte)

// SpawnConfig holds the parameters for starting a shell on a new PTY.
type SpawnConfig struct {
	Shell string
	Args  []string
	Cols  int
	Rows  int
	Dir   string
	// Env replaces the inherited environment when non-nil.
	Env       []string
	KillGrace time.Duration
}

// Handle owns one PTY-backed child process.
type Handle struct {
	cmd       *exec.Cmd
	ptmx      *os.File
	killGrace time.Duration

	sink      atomic.Pointer[Sink]
	sinkReady chan struct{}
	sinkOnce  sync.Once

	mu      sync.Mutex
	cols    int
	rows    int
	resizes int

	done      chan struct{}
	exitCode  atomic.Int32
	killOnce  sync.Once
	closeOnce sync.Once
}

// Spawn starts the configured shell attached to a new pseudo-terminal.
func Spawn(cfg SpawnConfig) (*Handle, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = DefaultShell
	}
	cols := cfg.Cols
	if cols <= 0 {
		cols = DefaultCols
	}
	rows := cfg.Rows
	if rows <= 0 {
		rows = DefaultRows
	}
	if cols > MaxSize || rows > MaxSize {
		return nil, fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	grace := cfg.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	env := cfg.Env
	if env == nil {
		env = os.Environ()
	}

	cmd := exec.Command(shell, cfg.Args...)
	cmd.Env = append(append([]string(nil), env...), "TERM=xterm-256color")
	cmd.Dir = cfg.Dir

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", shell, err)
	}

	h := &Handle{
		cmd:       cmd,
		ptmx:      ptmx,
		killGrace: grace,
		cols:      cols,
		rows:      rows,
		sinkReady: make(chan struct{}),
		done:      make(chan struct{}),
	}
	h.exitCode.Store(-1)

	go h.readLoop()
	go h.waitLoop()

	return h, nil
}

// OnOutput registers the output sink. The latest registration replaces any
// previous one; each chunk goes to exactly one sink. Reading starts with the
// first registration, so output produced before it stays in the PTY buffer.
func (h *Handle) OnOutput(sink Sink) {
	if sink == nil {
		h.sink.Store(nil)
		return
	}
	h.sink.Store(&sink)
	h.sinkOnce.Do(func() { close(h.sinkReady) })
}

// Write sends input to the process.
func (h *Handle) Write(p []byte) (int, error) {
	if h.exited() {
		return 0, ErrProcessExited
	}
	n, err := h.ptmx.Write(p)
	if err != nil {
		if errors.Is(err, os.ErrClosed) || h.exited() {
			return n, ErrProcessExited
		}
		return n, fmt.Errorf("write pty: %w", err)
	}
	return n, nil
}

// Resize changes the terminal geometry. Repeating the current size is a no-op.
func (h *Handle) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > MaxSize || rows > MaxSize {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if cols == h.cols && rows == h.rows {
		return nil
	}
	if h.exited() {
		return ErrProcessExited
	}
	if err := pty.Setsize(h.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	}); err != nil {
		return fmt.Errorf("set pty size: %w", err)
	}
	h.cols = cols
	h.rows = rows
	h.resizes++
	return nil
}

// Size returns the current terminal geometry.
func (h *Handle) Size() (cols, rows int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

// Kill terminates the process without waiting. SIGHUP and SIGTERM go to the
// process group first; SIGKILL follows if the group outlives the grace period.
func (h *Handle) Kill() {
	h.killOnce.Do(func() {
		if h.exited() {
			// Background jobs may still hold the process group.
			h.signal(syscall.SIGHUP)
			h.closePTY()
			return
		}
		h.signal(syscall.SIGHUP)
		h.signal(syscall.SIGTERM)

		go func() {
			timer := time.NewTimer(h.killGrace)
			defer timer.Stop()
			select {
			case <-h.done:
			case <-timer.C:
				slog.Warn("Process ignored SIGTERM, sending SIGKILL", "pid", h.PID(), "grace", h.killGrace.String())
				h.signal(syscall.SIGKILL)
			}
			h.closePTY()
		}()
	})
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// PID returns the OS process ID of the shell.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// ExitCode returns the exit status, or -1 while the process is running or
// when it was terminated by a signal.
func (h *Handle) ExitCode() int {
	return int(h.exitCode.Load())
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// signal delivers sig to the whole process group; the shell is a session
// leader so its pgid equals its pid.
func (h *Handle) signal(sig syscall.Signal) {
	pid := h.PID()
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		slog.Debug("Signal process group failed", "pid", pid, "signal", sig.String(), "error", err)
		_ = h.cmd.Process.Signal(sig)
	}
}

func (h *Handle) readLoop() {
	select {
	case <-h.sinkReady:
	case <-h.done:
	}

	buf := make([]byte, readBufferSize)
	var pending []byte
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, 0, len(pending)+n)
			data = append(data, pending...)
			data = append(data, buf[:n]...)
			data, pending = splitIncompleteUTF8(data)
			h.emit(data)
		}
		if err != nil {
			// EIO is how Linux reports that the slave side has gone away.
			h.emit(pending)
			h.closePTY()
			return
		}
	}
}

func (h *Handle) emit(p []byte) {
	if len(p) == 0 {
		return
	}
	if sink := h.sink.Load(); sink != nil {
		(*sink)(p)
	}
}

func (h *Handle) waitLoop() {
	err := h.cmd.Wait()
	if state := h.cmd.ProcessState; state != nil {
		h.exitCode.Store(int32(state.ExitCode()))
	}
	slog.Debug("PTY process exited", "pid", h.PID(), "exitCode", h.ExitCode(), "error", err)
	close(h.done)
}

func (h *Handle) closePTY() {
	h.closeOnce.Do(func() {
		if err := h.ptmx.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			slog.Debug("Close PTY master failed", "pid", h.PID(), "error", err)
		}
	})
}
