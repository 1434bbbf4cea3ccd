package session

import "github.com/workspace/ptymux/internal/pty"

// Process is the PTY-backed child a Session owns exclusively.
type Process interface {
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	OnOutput(sink pty.Sink)
	Kill()
	Done() <-chan struct{}
	PID() int
	ExitCode() int
}

// Spawner starts a new Process.
type Spawner func(cfg pty.SpawnConfig) (Process, error)

// SpawnPTY is the default Spawner backed by a real pseudo-terminal.
func SpawnPTY(cfg pty.SpawnConfig) (Process, error) {
	h, err := pty.Spawn(cfg)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Attachment is the delivery binding a connection holds on a Session.
// Implementations must not block indefinitely; the owning session's output
// is serialized behind these calls.
type Attachment interface {
	ID() string
	SendOutput(sessionID string, data []byte)
	SendSystem(sessionID, event, message string)
	// Unbind tells the attachment it no longer owns sessionID because
	// another connection took it over.
	Unbind(sessionID string)
}

// EventRecorder persists lifecycle events. Implementations are called
// synchronously from registry mutations and should be quick.
type EventRecorder interface {
	RecordEvent(sessionID, event, detail string) error
}
