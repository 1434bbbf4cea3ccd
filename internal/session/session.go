// Package session keeps shell sessions alive independently of the network
// connections that drive them.
//
// A Session is addressed by a caller-chosen id (a browser tab id). It owns one
// PTY process and holds at most one Attachment, the connection currently
// receiving its output. Losing the attachment orphans the session; only an
// explicit close, restart, reaper eviction or shutdown kills the process.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workspace/ptymux/internal/pty"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateOrphaned State = "orphaned"
	StateDead     State = "dead"
)

// Lifecycle event names, used both for system messages and the journal.
const (
	EventCreated       = "created"
	EventReattached    = "reattached"
	EventRestarted     = "restarted"
	EventOrphaned      = "orphaned"
	EventReaped        = "reaped"
	EventClosed        = "closed"
	EventExited        = "exited"
	EventShutdown      = "shutdown"
	EventSpawnFailed   = "spawn_failed"
	EventAlreadyExists = "already_exists"
	EventTakenOver     = "taken_over"
	EventInvalid       = "invalid"
)

// Session is one persistent terminal tab.
type Session struct {
	ID        string
	Shell     string
	WorkDir   string
	CreatedAt time.Time

	now          func() time.Time
	lastActivity atomic.Int64

	// sendMu orders everything sent to the attachment: replay, notices and
	// live output. It is taken before mu and held across the send, so a slow
	// connection never blocks readers of mu.
	sendMu sync.Mutex

	mu         sync.Mutex
	state      State
	proc       Process
	attached   Attachment
	scrollback *scrollback
	cols       int
	rows       int
}

// Info is a point-in-time view of a Session for listings.
type Info struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	PID            int       `json:"pid"`
	Shell          string    `json:"shell"`
	WorkDir        string    `json:"workDir,omitempty"`
	Cols           int       `json:"cols"`
	Rows           int       `json:"rows"`
	ConnectionID   string    `json:"connectionId,omitempty"`
	Exited         bool      `json:"exited"`
	ExitCode       int       `json:"exitCode,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

func newSession(id, shell, workDir string, cols, rows, scrollbackBytes int, now func() time.Time) *Session {
	s := &Session{
		ID:         id,
		Shell:      shell,
		WorkDir:    workDir,
		CreatedAt:  now(),
		now:        now,
		state:      StateSpawning,
		scrollback: newScrollback(scrollbackBytes),
		cols:       cols,
		rows:       rows,
	}
	s.touch()
	return s
}

// start binds the spawned process. The session installs its own sink once;
// rerouting on reattach happens by swapping the attachment under s.mu, so a
// chunk is delivered to whichever connection is bound when it arrives.
// Attaching before start means the first prompt is not lost.
func (s *Session) start(proc Process, onExit func(*Session)) {
	s.mu.Lock()
	s.proc = proc
	if s.state == StateSpawning {
		s.state = StateOrphaned
	}
	s.mu.Unlock()

	proc.OnOutput(s.deliver)

	go func() {
		<-proc.Done()
		s.handleExit(onExit)
	}()
}

func (s *Session) deliver(p []byte) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.scrollback != nil {
		s.scrollback.write(p)
	}
	conn := s.attached
	if conn == nil || s.state == StateDead {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.touch()
	conn.SendOutput(s.ID, p)
}

func (s *Session) handleExit(onExit func(*Session)) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return
	}
	conn := s.attached
	code := s.proc.ExitCode()
	s.mu.Unlock()

	slog.Info("Session process exited", "sessionId", s.ID, "exitCode", code)
	if conn != nil {
		conn.SendSystem(s.ID, EventExited, fmt.Sprintf("process exited with code %d", code))
	}
	if onExit != nil {
		onExit(s)
	}
}

// attach binds conn and returns the attachment it displaced, if any.
// Replayed scrollback and the system notice are queued before any live
// output because deliver needs s.sendMu.
func (s *Session) attach(conn Attachment, event, message string) Attachment {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	prev := s.attached
	s.attached = conn
	if conn == nil {
		s.state = StateOrphaned
	} else {
		s.state = StateRunning
	}
	var replay []byte
	if s.scrollback != nil {
		replay = s.scrollback.snapshot()
	}
	s.mu.Unlock()
	s.touch()

	if conn != nil {
		conn.SendSystem(s.ID, event, message)
		if len(replay) > 0 {
			conn.SendOutput(s.ID, replay)
		}
	}
	if prev == conn {
		return nil
	}
	return prev
}

// detach orphans the session if conn is still the bound attachment.
func (s *Session) detach(conn Attachment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDead || s.attached == nil || s.attached != conn {
		return false
	}
	s.attached = nil
	s.state = StateOrphaned
	return true
}

// kill marks the session dead and terminates its process. It returns the
// attachment that was bound at the time.
func (s *Session) kill() Attachment {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return nil
	}
	conn := s.attached
	s.attached = nil
	s.state = StateDead
	proc := s.proc
	s.mu.Unlock()

	if proc != nil {
		proc.Kill()
	}
	return conn
}

// Write forwards input to the process. Input to an exited or dead process is
// dropped; the client learns about the exit from the shell itself.
func (s *Session) Write(p []byte) {
	s.touch()

	s.mu.Lock()
	proc, state := s.proc, s.state
	s.mu.Unlock()

	if proc == nil || state == StateDead || s.Exited() {
		slog.Debug("Dropping input for stopped session", "sessionId", s.ID, "bytes", len(p))
		return
	}
	if _, err := proc.Write(p); err != nil {
		slog.Debug("Write to session process failed", "sessionId", s.ID, "error", err)
	}
}

// Resize updates the terminal geometry. Failures are logged, not returned,
// because a process that already died has nothing left to resize.
func (s *Session) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 || cols > pty.MaxSize || rows > pty.MaxSize {
		slog.Warn("Ignoring invalid resize", "sessionId", s.ID, "cols", cols, "rows", rows)
		return
	}
	s.touch()

	s.mu.Lock()
	proc := s.proc
	if s.cols == cols && s.rows == rows {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if proc == nil {
		return
	}
	if err := proc.Resize(cols, rows); err != nil {
		slog.Warn("Resize failed", "sessionId", s.ID, "cols", cols, "rows", rows, "error", err)
		return
	}

	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attached returns the bound attachment, or nil when orphaned.
func (s *Session) Attached() Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Size returns the last applied geometry.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// PID returns the process id, or 0 before spawn.
func (s *Session) PID() int {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return 0
	}
	return proc.PID()
}

// Exited reports whether the shell has exited.
func (s *Session) Exited() bool {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return false
	}
	select {
	case <-proc.Done():
		return true
	default:
		return false
	}
}

// LastActivity returns the most recent input, delivered output or resize.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// IdleTime returns how long the session has been inactive.
func (s *Session) IdleTime() time.Duration {
	return s.now().Sub(s.LastActivity())
}

// touch advances lastActivity; it never moves backwards.
func (s *Session) touch() {
	t := s.now().UnixNano()
	for {
		cur := s.lastActivity.Load()
		if t <= cur || s.lastActivity.CompareAndSwap(cur, t) {
			return
		}
	}
}

func (s *Session) reapable(now time.Time, idle time.Duration) bool {
	return s.State() == StateOrphaned && now.Sub(s.LastActivity()) > idle
}

// Info returns a snapshot for listings.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:        s.ID,
		State:     s.state,
		Shell:     s.Shell,
		WorkDir:   s.WorkDir,
		Cols:      s.cols,
		Rows:      s.rows,
		CreatedAt: s.CreatedAt,
	}
	if s.attached != nil {
		info.ConnectionID = s.attached.ID()
	}
	proc := s.proc
	s.mu.Unlock()

	info.LastActivityAt = s.LastActivity()
	if proc != nil {
		info.PID = proc.PID()
		select {
		case <-proc.Done():
			info.Exited = true
			info.ExitCode = proc.ExitCode()
		default:
		}
	}
	return info
}
