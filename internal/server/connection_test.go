package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/ptymux/internal/config"
	"github.com/workspace/ptymux/internal/session"
)

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func connectionCount(srv *Server) int {
	n := 0
	srv.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func waitState(t *testing.T, srv *Server, id string, want session.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := srv.Registry().Get(id)
		return s != nil && s.State() == want
	}, 5*time.Second, 10*time.Millisecond, "session %s never reached %s", id, want)
}

func TestReconnectWithinThresholdResumesSameShell(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	c1 := dial(t, ts, "")
	c1.send(MessageTypeCreate, "a", nil)
	c1.waitSystem("a", session.EventCreated)
	pid := srv.Registry().Get("a").PID()

	c1.send(MessageTypeInput, "a", InputMessage{Data: "echo h\"\"i\n"})
	c1.waitOutput("a", "hi")

	require.NoError(t, c1.ws.Close())
	waitState(t, srv, "a", session.StateOrphaned)

	c2 := dial(t, ts, "")
	c2.send(MessageTypeReattach, "", ReattachMessage{IDs: []string{"a"}})
	c2.waitSystem("a", session.EventReattached)
	assert.Equal(t, pid, srv.Registry().Get("a").PID())
	assert.Equal(t, session.StateRunning, srv.Registry().Get("a").State())

	c2.send(MessageTypeInput, "a", InputMessage{Data: "echo b\"\"ye\n"})
	out := c2.waitOutput("a", "bye")
	assert.NotContains(t, out, "hi")
}

func TestReconnectAfterReapGetsFreshShell(t *testing.T) {
	srv, ts := newTestServer(t, func(c *config.Config) {
		c.IdleThreshold = 100 * time.Millisecond
	})

	c1 := dial(t, ts, "")
	c1.send(MessageTypeCreate, "b", nil)
	c1.waitSystem("b", session.EventCreated)
	pid := srv.Registry().Get("b").PID()

	require.NoError(t, c1.ws.Close())
	waitState(t, srv, "b", session.StateOrphaned)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, srv.reaper.Sweep())
	assert.Nil(t, srv.Registry().Get("b"))
	assert.Eventually(t, func() bool { return !processAlive(pid) }, 5*time.Second, 20*time.Millisecond)

	c2 := dial(t, ts, "")
	c2.send(MessageTypeReattach, "", ReattachMessage{IDs: []string{"b"}})
	c2.waitSystem("b", session.EventCreated)
	assert.NotEqual(t, pid, srv.Registry().Get("b").PID())
}

func TestRunningSessionIsNotReaped(t *testing.T) {
	srv, ts := newTestServer(t, func(c *config.Config) {
		c.IdleThreshold = 50 * time.Millisecond
	})

	c := dial(t, ts, "")
	c.send(MessageTypeCreate, "busy", nil)
	c.waitSystem("busy", session.EventCreated)

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, srv.reaper.Sweep())
	assert.NotNil(t, srv.Registry().Get("busy"))
}

func TestDefaultTabTakesOverFromPreviousConnection(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	c1 := dial(t, ts, "")
	c1.send(MessageTypeCreate, "t", nil)
	c1.waitSystem("t", session.EventCreated)
	pid := srv.Registry().Get("t").PID()

	c2 := dial(t, ts, "defaultTab=t&cols=100&rows=30")
	c2.waitSystem("t", session.EventReattached)
	c1.waitSystem("t", session.EventTakenOver)
	assert.Equal(t, pid, srv.Registry().Get("t").PID())

	require.Eventually(t, func() bool {
		cols, rows := srv.Registry().Get("t").Size()
		return cols == 100 && rows == 30
	}, 5*time.Second, 10*time.Millisecond)

	c2.send(MessageTypeInput, "t", InputMessage{Data: "echo t\"\"ok\n"})
	c2.waitOutput("t", "tok")
	assert.NotContains(t, c1.outputFor("t"), "tok")

	// The displaced connection going away must not orphan the session.
	require.NoError(t, c1.ws.Close())
	require.Eventually(t, func() bool { return connectionCount(srv) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.StateRunning, srv.Registry().Get("t").State())
}

func TestDefaultTabCreatesWhenMissing(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	c := dial(t, ts, "defaultTab=fresh")
	c.waitSystem("fresh", session.EventCreated)
	assert.NotNil(t, srv.Registry().Get("fresh"))
}

func TestCreateDuplicateIDReportsAlreadyExists(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	c := dial(t, ts, "")
	c.send(MessageTypeCreate, "d", nil)
	c.waitSystem("d", session.EventCreated)
	pid := srv.Registry().Get("d").PID()

	c.send(MessageTypeCreate, "d", nil)
	c.waitSystem("d", session.EventAlreadyExists)
	assert.Equal(t, pid, srv.Registry().Get("d").PID())
	assert.Equal(t, 1, srv.Registry().Count())
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	_, ts := newTestServer(t, nil)

	c := dial(t, ts, "")
	c.sendRaw("{not json")
	sys := c.waitSystem("", session.EventInvalid)
	assert.Contains(t, sys.Message, "malformed")

	c.send(MessageTypePing, "", nil)
	c.next(func(m BaseMessage) bool { return m.Type == MessageTypePong })
}

func TestUnknownMessageTypeIsReported(t *testing.T) {
	_, ts := newTestServer(t, nil)

	c := dial(t, ts, "")
	c.send("session.explode", "x", nil)
	sys := c.waitSystem("x", session.EventInvalid)
	assert.Contains(t, sys.Message, "session.explode")
}

func TestCreateWithoutSessionIDIsInvalid(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	c := dial(t, ts, "")
	c.send(MessageTypeCreate, "", nil)
	c.waitSystem("", session.EventInvalid)
	assert.Zero(t, srv.Registry().Count())
}

func TestInputForUnknownSessionIsDropped(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	c := dial(t, ts, "")
	c.send(MessageTypeInput, "ghost", InputMessage{Data: "ls\n"})
	c.send(MessageTypePing, "", nil)

	msg := c.next(func(m BaseMessage) bool {
		return m.Type == MessageTypePong || m.Type == MessageTypeSystem
	})
	assert.Equal(t, MessageTypePong, msg.Type)
	assert.Nil(t, srv.Registry().Get("ghost"))
}

func TestResizeUpdatesGeometry(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	c := dial(t, ts, "")
	c.send(MessageTypeCreate, "r", SizeMessage{Cols: 80, Rows: 24})
	c.waitSystem("r", session.EventCreated)

	c.send(MessageTypeResize, "r", SizeMessage{Cols: 120, Rows: 40})
	c.send(MessageTypeInput, "r", InputMessage{Data: "stty size\n"})
	c.waitOutput("r", "40 120")

	cols, rows := srv.Registry().Get("r").Size()
	assert.Equal(t, 120, cols)
	assert.Equal(t, 40, rows)
}

func TestListReturnsSessions(t *testing.T) {
	_, ts := newTestServer(t, nil)

	c := dial(t, ts, "")
	c.send(MessageTypeCreate, "l1", nil)
	c.waitSystem("l1", session.EventCreated)

	c.send(MessageTypeList, "", nil)
	msg := c.next(func(m BaseMessage) bool { return m.Type == MessageTypeList })

	var list SessionListMessage
	require.NoError(t, json.Unmarshal(msg.Data, &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "l1", list.Sessions[0].ID)
	assert.Equal(t, session.StateRunning, list.Sessions[0].State)
}

func TestCloseKillsSession(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	c := dial(t, ts, "")
	c.send(MessageTypeCreate, "c", nil)
	c.waitSystem("c", session.EventCreated)
	pid := srv.Registry().Get("c").PID()

	c.send(MessageTypeClose, "c", nil)
	c.waitSystem("c", session.EventClosed)
	assert.Nil(t, srv.Registry().Get("c"))
	assert.Eventually(t, func() bool { return !processAlive(pid) }, 5*time.Second, 20*time.Millisecond)

	// Closing an unknown id still answers.
	c.send(MessageTypeClose, "c", nil)
	c.waitSystem("c", session.EventClosed)
}

func TestRestartSpawnsNewProcess(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	c := dial(t, ts, "")
	c.send(MessageTypeCreate, "rs", SizeMessage{Cols: 90, Rows: 20})
	c.waitSystem("rs", session.EventCreated)
	oldPID := srv.Registry().Get("rs").PID()

	c.send(MessageTypeRestart, "rs", nil)
	c.waitSystem("rs", session.EventRestarted)

	s := srv.Registry().Get("rs")
	require.NotNil(t, s)
	assert.NotEqual(t, oldPID, s.PID())
	cols, rows := s.Size()
	assert.Equal(t, 90, cols)
	assert.Equal(t, 20, rows)
	assert.Eventually(t, func() bool { return !processAlive(oldPID) }, 5*time.Second, 20*time.Millisecond)

	c.send(MessageTypeInput, "rs", InputMessage{Data: "echo re\"\"started\n"})
	c.waitOutput("rs", "restarted\r\n")
}

func TestShellExitIsReportedAndReattachSpawnsFresh(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	c := dial(t, ts, "")
	c.send(MessageTypeCreate, "e", nil)
	c.waitSystem("e", session.EventCreated)
	oldPID := srv.Registry().Get("e").PID()

	c.send(MessageTypeInput, "e", InputMessage{Data: "exit 3\n"})
	sys := c.waitSystem("e", session.EventExited)
	assert.Contains(t, sys.Message, "3")

	c.send(MessageTypeReattach, "", ReattachMessage{IDs: []string{"e"}})
	c.waitSystem("e", session.EventCreated)
	assert.NotEqual(t, oldPID, srv.Registry().Get("e").PID())
}

func TestSpawnFailureIsReported(t *testing.T) {
	srv, ts := newTestServer(t, func(c *config.Config) {
		c.DefaultShell = "/nonexistent/shell"
	})

	c := dial(t, ts, "")
	c.send(MessageTypeCreate, "x", nil)
	c.waitSystem("x", session.EventSpawnFailed)
	assert.Nil(t, srv.Registry().Get("x"))
}

func TestDisallowedOriginIsRejected(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) {
		c.AllowedOrigins = []string{"https://app.example.com"}
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example.com")
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	ws.Close()
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	srv, ts := newTestServer(t, func(c *config.Config) {
		c.SendQueueSize = 1
		c.WSWriteTimeout = 100 * time.Millisecond
	})

	c := dial(t, ts, "")
	c.send(MessageTypeCreate, "flood", nil)
	c.waitSystem("flood", session.EventCreated)
	pid := srv.Registry().Get("flood").PID()

	// The client never drains frames, so its buffer, the socket and then the
	// send queue fill up.
	c.send(MessageTypeInput, "flood", InputMessage{Data: "yes ptymux-flood-line\n"})

	waitState(t, srv, "flood", session.StateOrphaned)
	assert.Equal(t, pid, srv.Registry().Get("flood").PID())
}
