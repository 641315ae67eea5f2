// Package ptyactor implements the Instance Actor: the per-PTY actor that
// owns one child process, reads its output onto a dedicated OS thread, and
// serializes all state mutation (viewport/resize/input/lifecycle) through a
// single mailbox, mirroring the actor-with-mailbox style of
// zmb3-teleport/lib/srv/sessiontracker.go and the message-passing PTY
// actor in original_source/packages/tty_wrapper/src/pty_actor.rs.
package ptyactor

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	types "github.com/gravitational/teleport/api/types"
	"github.com/crabcity/crabcity/lib/fanout"
	"github.com/crabcity/crabcity/lib/vt"
)

const readChunkSize = 4096

var (
	spawnTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "crabcity",
		Subsystem: "instance",
		Name:      "spawn_total",
		Help:      "Total number of PTY spawns attempted.",
	})
	writeFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "crabcity",
		Subsystem: "instance",
		Name:      "write_failed_total",
		Help:      "Total number of writes rejected because the child or writer was gone.",
	})
)

func init() {
	prometheus.MustRegister(spawnTotal, writeFailedTotal)
}

// message kinds accepted on the actor's mailbox (spec.md §4.1).
type msgKind int

const (
	msgWriteInput msgKind = iota
	msgUpdateViewport
	msgSetClientActive
	msgRemoveClient
	msgGetRecentOutput
	msgSetCustomName
	msgSetSessionID
	msgGetInfo
	msgStop
)

type mailboxMsg struct {
	kind msgKind

	writeBytes []byte
	viewport   types.Viewport
	connID     types.ConnectionID
	active     bool
	maxBytes   int
	name       string
	sessionID  string

	reply chan mailboxReply
}

type mailboxReply struct {
	err       error
	bytes     []byte
	info      types.Instance
}

// Actor supervises exactly one child process running under a PTY.
type Actor struct {
	id      types.InstanceID
	fab     *fanout.Fabric
	clock   clockwork.Clock
	log     log.FieldLogger

	mailbox chan mailboxMsg
	done    chan struct{}

	ptmx *os.File

	vt *vt.VirtualTerminal

	mu          sync.Mutex
	info        types.Instance
	firstInput  time.Time
	hasFirstIn  bool
}

// Config controls Spawn.
type Config struct {
	ID         types.InstanceID
	Name       string
	Command    string
	WorkingDir string
	Fabric     *fanout.Fabric
	Clock      clockwork.Clock
}

// Spawn launches the child process under a fresh PTY and starts the actor's
// mailbox loop and output-reading thread. The returned Actor is ready to
// accept messages immediately.
func Spawn(ctx context.Context, cfg Config) (*Actor, error) {
	spawnTotal.Inc()

	cmd, err := buildCommand(cfg.Command, cfg.WorkingDir)
	if err != nil {
		return nil, trace.Wrap(err, "resolving command %q", cfg.Command)
	}
	// Fresh session (equivalent to setsid) so the child survives the
	// controlling terminal going away, per spec.md §4.1.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, trace.Wrap(err, "starting pty for instance %s", cfg.ID)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	a := &Actor{
		id:      cfg.ID,
		fab:     cfg.Fabric,
		clock:   clock,
		log:     log.WithField(trace.Component, "ptyactor").WithField("instance", cfg.ID),
		mailbox: make(chan mailboxMsg, 32),
		done:    make(chan struct{}),
		ptmx:    ptmx,
		vt:      vt.New(24, 80),
		info: types.Instance{
			ID:         cfg.ID,
			Name:       cfg.Name,
			WorkingDir: cfg.WorkingDir,
			Command:    cfg.Command,
			CreatedAt:  clock.Now(),
			Running:    true,
		},
	}

	go a.readLoop()
	go a.run()

	return a, nil
}

// readLoop runs on its own goroutine backed by a blocking syscall read, as
// called for by spec.md §5's "blocking work confined to dedicated OS
// threads" scheduling model; it reads fixed 4KiB chunks, broadcasts each as
// an OutputEvent, and feeds it to the VT.
func (a *Actor) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := a.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			a.vt.ProcessOutput(chunk)
			if a.fab != nil {
				a.fab.PublishOutput(a.id, types.OutputEvent{
					InstanceID: a.id,
					Data:       chunk,
					AtMillis:   a.clock.Now().UnixMilli(),
				})
			}
		}
		if err != nil {
			a.markNotRunning()
			return
		}
	}
}

func (a *Actor) markNotRunning() {
	a.mu.Lock()
	a.info.Running = false
	a.mu.Unlock()
}

// run is the actor's mailbox loop: every command sent through the Actor's
// methods is handled here, one at a time. readLoop is the one exception: it
// feeds output to the vt and clears info.Running directly, under the vt's
// and the actor's own mutexes.
func (a *Actor) run() {
	defer close(a.done)
	for msg := range a.mailbox {
		reply := a.handle(msg)
		if msg.reply != nil {
			msg.reply <- reply
		}
		if msg.kind == msgStop {
			return
		}
	}
}

func (a *Actor) handle(msg mailboxMsg) mailboxReply {
	switch msg.kind {
	case msgWriteInput:
		return a.handleWriteInput(msg.writeBytes)
	case msgUpdateViewport:
		return a.handleUpdateViewport(msg.viewport)
	case msgSetClientActive:
		return a.handleSetClientActive(msg.connID, msg.active)
	case msgRemoveClient:
		return a.handleRemoveClient(msg.connID)
	case msgGetRecentOutput:
		return mailboxReply{bytes: a.vt.ReplayClipped(msg.maxBytes)}
	case msgSetCustomName:
		a.mu.Lock()
		a.info.DisplayName = msg.name
		a.mu.Unlock()
		return mailboxReply{}
	case msgSetSessionID:
		a.mu.Lock()
		a.info.SessionID = msg.sessionID
		a.mu.Unlock()
		return mailboxReply{}
	case msgGetInfo:
		a.mu.Lock()
		info := a.info
		a.mu.Unlock()
		return mailboxReply{info: info}
	case msgStop:
		return a.handleStop()
	default:
		return mailboxReply{err: trace.BadParameter("unknown mailbox message kind %d", msg.kind)}
	}
}

func (a *Actor) handleWriteInput(b []byte) mailboxReply {
	a.mu.Lock()
	if !a.info.Running {
		a.mu.Unlock()
		writeFailedTotal.Inc()
		return mailboxReply{err: trace.ConnectionProblem(nil, "write failed: instance %s is not running", a.id)}
	}
	if len(b) > 0 && !a.hasFirstIn {
		a.hasFirstIn = true
		a.firstInput = a.clock.Now()
		if a.fab != nil {
			a.fab.RecordFirstInput(a.id, a.firstInput)
		}
	}
	a.mu.Unlock()

	if _, err := a.ptmx.Write(b); err != nil {
		writeFailedTotal.Inc()
		return mailboxReply{err: trace.Wrap(err, "write failed for instance %s", a.id)}
	}
	return mailboxReply{}
}

func (a *Actor) handleUpdateViewport(vp types.Viewport) mailboxReply {
	rows, cols, changed := a.vt.UpsertViewport(vp)
	if changed {
		a.resizePTY(rows, cols)
	}
	return mailboxReply{}
}

func (a *Actor) handleSetClientActive(id types.ConnectionID, active bool) mailboxReply {
	rows, cols, changed := a.vt.SetClientActive(id, active)
	if changed {
		a.resizePTY(rows, cols)
	}
	return mailboxReply{}
}

func (a *Actor) handleRemoveClient(id types.ConnectionID) mailboxReply {
	rows, cols, changed := a.vt.RemoveClient(id)
	if changed {
		a.resizePTY(rows, cols)
	}
	return mailboxReply{}
}

func (a *Actor) resizePTY(rows, cols int) {
	if err := pty.Setsize(a.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		a.log.WithError(err).Warn("pty resize failed")
	}
}

func (a *Actor) handleStop() mailboxReply {
	a.mu.Lock()
	a.info.Running = false
	a.mu.Unlock()
	_ = a.ptmx.Close()
	return mailboxReply{}
}

// send delivers a message to the mailbox and waits for its reply, or
// returns an error immediately if the actor has already shut down.
func (a *Actor) send(msg mailboxMsg) (mailboxReply, error) {
	msg.reply = make(chan mailboxReply, 1)
	select {
	case a.mailbox <- msg:
	case <-a.done:
		return mailboxReply{}, trace.ConnectionProblem(nil, "instance %s actor is stopped", a.id)
	}
	select {
	case r := <-msg.reply:
		return r, r.err
	case <-a.done:
		return mailboxReply{}, trace.ConnectionProblem(nil, "instance %s actor is stopped", a.id)
	}
}

// WriteInput writes to PTY stdin. Fails with a wrapped ConnectionProblem if
// the child is gone or the writer is closed.
func (a *Actor) WriteInput(b []byte) error {
	_, err := a.send(mailboxMsg{kind: msgWriteInput, writeBytes: b})
	return err
}

// UpdateViewport upserts a viewport, recomputing effective dims and
// resizing the PTY if they changed.
func (a *Actor) UpdateViewport(vp types.Viewport) error {
	_, err := a.send(mailboxMsg{kind: msgUpdateViewport, viewport: vp})
	return err
}

// SetClientActive toggles a viewport's activity.
func (a *Actor) SetClientActive(id types.ConnectionID, active bool) error {
	_, err := a.send(mailboxMsg{kind: msgSetClientActive, connID: id, active: active})
	return err
}

// RemoveClient drops a viewport.
func (a *Actor) RemoveClient(id types.ConnectionID) error {
	_, err := a.send(mailboxMsg{kind: msgRemoveClient, connID: id})
	return err
}

// SubscribeOutput returns a fresh receiver on this instance's output
// broadcast channel.
func (a *Actor) SubscribeOutput() *fanout.Receiver[types.OutputEvent] {
	return a.fab.SubscribeOutput(a.id)
}

// GetRecentOutput returns the current replay payload clipped to maxBytes.
func (a *Actor) GetRecentOutput(maxBytes int) ([]byte, error) {
	r, err := a.send(mailboxMsg{kind: msgGetRecentOutput, maxBytes: maxBytes})
	return r.bytes, err
}

// SetCustomName sets the instance's user-editable display name.
func (a *Actor) SetCustomName(name string) error {
	_, err := a.send(mailboxMsg{kind: msgSetCustomName, name: name})
	return err
}

// SetSessionID binds a discovered conversation session id onto the instance.
func (a *Actor) SetSessionID(sessionID string) error {
	_, err := a.send(mailboxMsg{kind: msgSetSessionID, sessionID: sessionID})
	return err
}

// GetInfo returns a snapshot of the instance's metadata.
func (a *Actor) GetInfo() (types.Instance, error) {
	r, err := a.send(mailboxMsg{kind: msgGetInfo})
	return r.info, err
}

// Stop terminates the child and shuts the actor down cleanly; its broadcast
// channels are closed by the fabric on unregister, signaling all subscribers.
func (a *Actor) Stop() error {
	_, err := a.send(mailboxMsg{kind: msgStop})
	return err
}
