package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/workspace/ptymux/internal/pty"
)

var (
	// ErrAlreadyExists is returned when creating an id that is still live.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrNotFound is returned when no session holds the requested id.
	ErrNotFound = errors.New("session not found")
	// ErrSpawnFailed wraps the OS error from starting the shell.
	ErrSpawnFailed = errors.New("failed to spawn shell")
	// ErrInvalidID is returned for an empty session id.
	ErrInvalidID = errors.New("session id is required")
)

// Config holds the spawn parameters and collaborators of a Registry.
type Config struct {
	Shell       string
	ShellArgs   []string
	WorkDir     string
	Env         []string
	DefaultCols int
	DefaultRows int
	KillGrace   time.Duration
	// ScrollbackBytes enables per-session output replay on reattach when
	// positive. Zero means orphaned output is never replayed.
	ScrollbackBytes int

	Spawner  Spawner
	Recorder EventRecorder
	Now      func() time.Time
}

// CreateOptions carries per-request spawn overrides.
type CreateOptions struct {
	Cols int
	Rows int
}

// Registry maps session ids to live Sessions. Mutations on one id are
// serialized by a per-id lock; lookups never block.
type Registry struct {
	cfg      Config
	spawn    Spawner
	now      func() time.Time
	recorder EventRecorder

	sessions sync.Map // id -> *Session
	locks    *keyedMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.DefaultCols <= 0 {
		cfg.DefaultCols = pty.DefaultCols
	}
	if cfg.DefaultRows <= 0 {
		cfg.DefaultRows = pty.DefaultRows
	}
	if cfg.Shell == "" {
		cfg.Shell = pty.DefaultShell
	}
	spawn := cfg.Spawner
	if spawn == nil {
		spawn = SpawnPTY
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		cfg:      cfg,
		spawn:    spawn,
		now:      now,
		recorder: cfg.Recorder,
		locks:    newKeyedMutex(),
	}
}

// Create spawns a shell for id and binds it to conn. It fails with
// ErrAlreadyExists while a live session holds the id.
func (r *Registry) Create(id string, conn Attachment, opts CreateOptions) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	unlock := r.locks.lock(id)
	defer unlock()

	return r.createLocked(id, conn, opts, EventCreated)
}

// Get returns the session for id, or nil.
func (r *Registry) Get(id string) *Session {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil
	}
	return v.(*Session)
}

// Lookup is Get with an error for missing ids.
func (r *Registry) Lookup(id string) (*Session, error) {
	if s := r.Get(id); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Reattach rebinds an existing session to conn. It reports false when the id
// is unknown, dead, or its shell has exited; the caller then spawns anew.
func (r *Registry) Reattach(id string, conn Attachment) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	unlock := r.locks.lock(id)
	defer unlock()

	return r.reattachLocked(id, conn)
}

// ReattachOrCreate resumes id when possible and otherwise creates it, both
// under the same per-id lock. resumed reports which path was taken.
func (r *Registry) ReattachOrCreate(id string, conn Attachment, opts CreateOptions) (s *Session, resumed bool, err error) {
	if id == "" {
		return nil, false, ErrInvalidID
	}
	unlock := r.locks.lock(id)
	defer unlock()

	if s, ok := r.reattachLocked(id, conn); ok {
		return s, true, nil
	}
	s, err = r.createLocked(id, conn, opts, EventCreated)
	return s, false, err
}

// Detach orphans id if it is still bound to conn. The process keeps running.
func (r *Registry) Detach(id string, conn Attachment) bool {
	unlock := r.locks.lock(id)
	defer unlock()

	s := r.Get(id)
	if s == nil || !s.detach(conn) {
		return false
	}
	r.record(id, EventOrphaned, "connection "+conn.ID())
	slog.Info("Session orphaned", "sessionId", id, "connId", conn.ID())
	return true
}

// Destroy kills the process for id and removes it. Missing ids are ignored.
func (r *Registry) Destroy(id string) bool {
	unlock := r.locks.lock(id)
	defer unlock()

	s := r.Get(id)
	if s == nil {
		return false
	}
	if conn := r.destroyLocked(s, EventClosed); conn != nil {
		conn.Unbind(id)
	}
	return true
}

// Restart replaces the process for id with a fresh shell bound to conn.
func (r *Registry) Restart(id string, conn Attachment, opts CreateOptions) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	unlock := r.locks.lock(id)
	defer unlock()

	if old := r.Get(id); old != nil {
		if opts.Cols <= 0 && opts.Rows <= 0 {
			opts.Cols, opts.Rows = old.Size()
		}
		if prev := r.destroyLocked(old, EventRestarted); prev != nil && prev != conn {
			prev.Unbind(id)
		}
	}
	return r.createLocked(id, conn, opts, EventRestarted)
}

// Reap evicts orphaned sessions idle for longer than idle and returns their ids.
// Each candidate is re-checked under its lock so a concurrent reattach wins.
func (r *Registry) Reap(idle time.Duration) []string {
	now := r.now()
	var candidates []string
	r.sessions.Range(func(key, value any) bool {
		if value.(*Session).reapable(now, idle) {
			candidates = append(candidates, key.(string))
		}
		return true
	})

	var reaped []string
	for _, id := range candidates {
		if r.reapOne(id, idle) {
			reaped = append(reaped, id)
		}
	}
	return reaped
}

func (r *Registry) reapOne(id string, idle time.Duration) bool {
	unlock := r.locks.lock(id)
	defer unlock()

	s := r.Get(id)
	if s == nil || !s.reapable(r.now(), idle) {
		return false
	}
	slog.Info("Reaping orphaned session", "sessionId", id, "idle", s.IdleTime().String())
	_ = r.destroyLocked(s, EventReaped)
	return true
}

// List returns snapshots of all sessions ordered by creation time.
func (r *Registry) List() []Info {
	var infos []Info
	r.sessions.Range(func(_, value any) bool {
		infos = append(infos, value.(*Session).Info())
		return true
	})
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count returns the number of sessions in the registry.
func (r *Registry) Count() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// OrphanedCount returns the number of sessions with no attachment.
func (r *Registry) OrphanedCount() int {
	n := 0
	r.sessions.Range(func(_, value any) bool {
		if value.(*Session).State() == StateOrphaned {
			n++
		}
		return true
	})
	return n
}

// CloseAll kills every session. Used on server shutdown.
func (r *Registry) CloseAll() {
	var ids []string
	r.sessions.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	for _, id := range ids {
		unlock := r.locks.lock(id)
		if s := r.Get(id); s != nil {
			if conn := r.destroyLocked(s, EventShutdown); conn != nil {
				conn.Unbind(id)
			}
		}
		unlock()
	}
}

func (r *Registry) createLocked(id string, conn Attachment, opts CreateOptions, event string) (*Session, error) {
	if existing := r.Get(id); existing != nil && existing.State() != StateDead {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}

	// Out-of-range geometry falls back to the defaults; the client resizes
	// once its terminal is laid out.
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 || cols > pty.MaxSize {
		cols = r.cfg.DefaultCols
	}
	if rows <= 0 || rows > pty.MaxSize {
		rows = r.cfg.DefaultRows
	}

	s := newSession(id, r.cfg.Shell, r.cfg.WorkDir, cols, rows, r.cfg.ScrollbackBytes, r.now)
	proc, err := r.spawn(pty.SpawnConfig{
		Shell:     r.cfg.Shell,
		Args:      r.cfg.ShellArgs,
		Cols:      cols,
		Rows:      rows,
		Dir:       r.cfg.WorkDir,
		Env:       r.cfg.Env,
		KillGrace: r.cfg.KillGrace,
	})
	if err != nil {
		slog.Error("Failed to spawn session shell", "sessionId", id, "shell", r.cfg.Shell, "error", err)
		r.record(id, EventSpawnFailed, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	s.attach(conn, event, "session "+event)
	s.start(proc, r.onExit)
	r.sessions.Store(id, s)

	connID := ""
	if conn != nil {
		connID = conn.ID()
	}
	r.record(id, event, fmt.Sprintf("pid=%d size=%dx%d", proc.PID(), cols, rows))
	slog.Info("Session started", "sessionId", id, "pid", proc.PID(), "connId", connID, "event", event)
	return s, nil
}

func (r *Registry) reattachLocked(id string, conn Attachment) (*Session, bool) {
	s := r.Get(id)
	if s == nil || s.State() == StateDead {
		return nil, false
	}
	if s.Exited() {
		// A shell that exited on its own cannot be resumed; clear the slot so
		// the caller can spawn a replacement.
		if prev := r.destroyLocked(s, EventExited); prev != nil && prev != conn {
			prev.Unbind(id)
		}
		return nil, false
	}

	prev := s.attach(conn, EventReattached, "session "+EventReattached)
	if prev != nil {
		prev.SendSystem(id, EventTakenOver, "session attached to another connection")
		prev.Unbind(id)
	}

	connID := ""
	if conn != nil {
		connID = conn.ID()
	}
	r.record(id, EventReattached, "connection "+connID)
	slog.Info("Session reattached", "sessionId", id, "pid", s.PID(), "connId", connID)
	return s, true
}

// destroyLocked removes s, kills its process and returns the attachment that
// was bound, leaving it to the caller to decide whether to unbind it.
func (r *Registry) destroyLocked(s *Session, event string) Attachment {
	r.sessions.CompareAndDelete(s.ID, s)
	conn := s.kill()
	r.record(s.ID, event, fmt.Sprintf("pid=%d", s.PID()))
	slog.Info("Session killed", "sessionId", s.ID, "pid", s.PID(), "event", event)
	return conn
}

func (r *Registry) onExit(s *Session) {
	r.record(s.ID, EventExited, fmt.Sprintf("pid=%d code=%d", s.PID(), s.Info().ExitCode))
}

func (r *Registry) record(id, event, detail string) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordEvent(id, event, detail); err != nil {
		slog.Warn("Failed to record session event", "sessionId", id, "event", event, "error", err)
	}
}
