// Package cliadapter runs an agent CLI as a subprocess and turns its
// stream-JSON stdout into normalized events. One adapter handles one
// agent type; each Start spawns one process bound to one session.
package cliadapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/NissanOhana/dev-agent-day2day/internal/adapter"
	"github.com/NissanOhana/dev-agent-day2day/internal/event"
	"github.com/NissanOhana/dev-agent-day2day/internal/ids"
	"github.com/NissanOhana/dev-agent-day2day/internal/session"
)

const (
	// maxLineBytes bounds one stdout line; agent tool results can be large.
	maxLineBytes = 4 << 20
	stopGrace    = 5 * time.Second
)

type Adapter struct {
	logger    *log.Logger
	agentType string
	argv      []string
}

func New(logger *log.Logger, agentType string, argv []string) (*Adapter, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("agent type %q: command is required", agentType)
	}
	return &Adapter{
		logger:    logger,
		agentType: agentType,
		argv:      argv,
	}, nil
}

func (a *Adapter) AgentType() string {
	return a.agentType
}

// Start spawns the agent process. The instance outlives the caller's
// context deliberately: its lifetime is governed by Stop, not by the
// request that started it.
func (a *Adapter) Start(_ context.Context, rec session.Record, sink adapter.Sink) (adapter.Instance, error) {
	cmd := exec.Command(a.argv[0], a.argv[1:]...)
	cmd.Dir = rec.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}
	a.logger.Printf("agent process started agent_type=%s session_id=%s pid=%d", a.agentType, rec.ID, cmd.Process.Pid)

	inst := &instance{
		logger:    a.logger,
		sessionID: rec.ID,
		cmd:       cmd,
		stdin:     stdin,
		sink:      sink,
		done:      make(chan struct{}),
	}
	go inst.readLoop(stdout)
	return inst, nil
}

type instance struct {
	logger    *log.Logger
	sessionID string
	cmd       *exec.Cmd
	sink      adapter.Sink
	done      chan struct{}

	mu      sync.Mutex
	stdin   io.WriteCloser
	stopped bool
}

type promptLine struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (i *instance) SendPrompt(_ context.Context, text string) error {
	encoded, err := json.Marshal(promptLine{Type: "prompt", Text: text})
	if err != nil {
		return fmt.Errorf("marshal prompt: %w", err)
	}
	encoded = append(encoded, '\n')

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return fmt.Errorf("agent process is stopped")
	}
	if _, err := i.stdin.Write(encoded); err != nil {
		return fmt.Errorf("write prompt: %w", err)
	}
	return nil
}

func (i *instance) Pause() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return nil
	}
	return i.cmd.Process.Signal(syscall.SIGSTOP)
}

func (i *instance) Resume() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return nil
	}
	return i.cmd.Process.Signal(syscall.SIGCONT)
}

// Stop releases the process: close stdin, ask politely, then kill after
// the grace period. The read loop's exit is not reported as a failure
// once stopped is set.
func (i *instance) Stop() error {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return nil
	}
	i.stopped = true
	_ = i.stdin.Close()
	i.mu.Unlock()

	// A paused process cannot honor SIGTERM.
	_ = i.cmd.Process.Signal(syscall.SIGCONT)
	_ = i.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-i.done:
	case <-time.After(stopGrace):
		_ = i.cmd.Process.Kill()
		<-i.done
	}
	return nil
}

func (i *instance) readLoop(stdout io.Reader) {
	defer close(i.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e event.Event
		if err := json.Unmarshal(line, &e); err != nil {
			i.emitError(fmt.Sprintf("unparseable agent output: %v", err), false)
			continue
		}
		i.normalize(&e)
		if err := event.Validate(e); err != nil {
			i.emitError(fmt.Sprintf("invalid agent event: %v", err), false)
			continue
		}
		i.sink(e)
	}
	if err := scanner.Err(); err != nil {
		i.emitError(fmt.Sprintf("read agent output: %v", err), false)
	}

	err := i.cmd.Wait()
	i.mu.Lock()
	stopped := i.stopped
	i.stopped = true
	i.mu.Unlock()
	if stopped {
		return
	}
	// The process ended on its own. Viewers learn about it through the
	// event stream, not through an engine error; the session status is
	// left alone.
	if err != nil {
		i.emitError(fmt.Sprintf("agent process exited: %v", err), true)
		return
	}
	i.emitError("agent process exited", true)
}

// normalize stamps the fields a producer may omit. The session id is
// always overwritten: the process belongs to exactly one session.
func (i *instance) normalize(e *event.Event) {
	e.SessionID = i.sessionID
	if e.Version == "" {
		e.Version = event.VersionV1
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

func (i *instance) emitError(message string, fatal bool) {
	data, err := json.Marshal(event.ErrorPayload{Message: message, Fatal: fatal})
	if err != nil {
		i.logger.Printf("marshal error payload session_id=%s err=%v", i.sessionID, err)
		return
	}
	i.sink(event.Event{
		Version:   event.VersionV1,
		ID:        ids.New(),
		SessionID: i.sessionID,
		Type:      event.TypeError,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
