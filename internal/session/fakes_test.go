package session

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/workspace/ptymux/internal/pty"
)

type fakeProcess struct {
	pid int
	cfg pty.SpawnConfig

	mu       sync.Mutex
	sink     pty.Sink
	input    bytes.Buffer
	resizes  [][2]int
	kills    int
	exitCode int
	done     chan struct{}
	doneOnce sync.Once
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, pty.ErrProcessExited
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.Write(b)
}

func (p *fakeProcess) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]int{cols, rows})
	return nil
}

func (p *fakeProcess) OnOutput(sink pty.Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	p.kills++
	p.exitCode = -1
	p.mu.Unlock()
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) PID() int              { return p.pid }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// emit pushes output as if the shell had printed it.
func (p *fakeProcess) emit(s string) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		sink([]byte(s))
	}
}

// exit simulates the shell exiting on its own.
func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *fakeProcess) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

func (p *fakeProcess) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

func (p *fakeProcess) resizeCalls() [][2]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]int(nil), p.resizes...)
}

type fakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	procs   []*fakeProcess
	fail    error
}

func (f *fakeSpawner) spawn(cfg pty.SpawnConfig) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.nextPID++
	p := &fakeProcess{pid: 1000 + f.nextPID, cfg: cfg, done: make(chan struct{})}
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeSpawner) last() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.procs) == 0 {
		return nil
	}
	return f.procs[len(f.procs)-1]
}

type systemNotice struct {
	sessionID string
	event     string
	message   string
}

type fakeAttachment struct {
	id string

	mu      sync.Mutex
	output  map[string]*bytes.Buffer
	notices []systemNotice
	unbound []string
}

func newFakeAttachment(id string) *fakeAttachment {
	return &fakeAttachment{id: id, output: make(map[string]*bytes.Buffer)}
}

func (a *fakeAttachment) ID() string { return a.id }

func (a *fakeAttachment) SendOutput(sessionID string, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.output[sessionID]
	if !ok {
		buf = &bytes.Buffer{}
		a.output[sessionID] = buf
	}
	buf.Write(data)
}

func (a *fakeAttachment) SendSystem(sessionID, event, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notices = append(a.notices, systemNotice{sessionID, event, message})
}

func (a *fakeAttachment) Unbind(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unbound = append(a.unbound, sessionID)
}

func (a *fakeAttachment) outputFor(sessionID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if buf, ok := a.output[sessionID]; ok {
		return buf.String()
	}
	return ""
}

func (a *fakeAttachment) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.notices))
	for _, n := range a.notices {
		out = append(out, n.event)
	}
	return out
}

func (a *fakeAttachment) unboundIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.unbound...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordedEvent struct {
	sessionID string
	event     string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
	fail   bool
}

func (r *fakeRecorder) RecordEvent(sessionID, event, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("journal unavailable")
	}
	r.events = append(r.events, recordedEvent{sessionID, event})
	return nil
}

func (r *fakeRecorder) eventsFor(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.sessionID == sessionID {
			out = append(out, e.event)
		}
	}
	return out
}

type testEnv struct {
	registry *Registry
	spawner  *fakeSpawner
	clock    *fakeClock
	recorder *fakeRecorder
}

func newTestEnv(scrollbackBytes int) *testEnv {
	env := &testEnv{
		spawner:  &fakeSpawner{},
		clock:    newFakeClock(),
		recorder: &fakeRecorder{},
	}
	env.registry = NewRegistry(Config{
		Shell:           "/bin/sh",
		WorkDir:         "/tmp",
		ScrollbackBytes: scrollbackBytes,
		Spawner:         env.spawner.spawn,
		Recorder:        env.recorder,
		Now:             env.clock.Now,
	})
	return env
}
