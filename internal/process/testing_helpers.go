package process

import (
	"io"
	"sync"
	"sync/atomic"
)

// PipeHandle is an in-memory Handle backed by io.Pipe. Tests play the agent
// side: read requests from Requests and write replies with Emit.
type PipeHandle struct {
	pid int

	stdinR, stdoutR, stderrR *io.PipeReader
	stdinW, stdoutW, stderrW *io.PipeWriter

	writeMu   sync.Mutex
	alive     atomic.Bool
	destroyed atomic.Int32
}

// NewPipeHandle returns a live PipeHandle reporting pid.
func NewPipeHandle(pid int) *PipeHandle {
	h := &PipeHandle{pid: pid}
	h.stdinR, h.stdinW = io.Pipe()
	h.stdoutR, h.stdoutW = io.Pipe()
	h.stderrR, h.stderrW = io.Pipe()
	h.alive.Store(true)
	return h
}

func (h *PipeHandle) WriteLine(line []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if !h.alive.Load() {
		return ErrNotRunning
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := h.stdinW.Write(buf)
	return err
}

func (h *PipeHandle) Stdout() io.Reader { return h.stdoutR }
func (h *PipeHandle) Stderr() io.Reader { return h.stderrR }
func (h *PipeHandle) Alive() bool       { return h.alive.Load() }
func (h *PipeHandle) Pid() int          { return h.pid }

func (h *PipeHandle) Destroy() error {
	if h.alive.Swap(false) {
		h.destroyed.Add(1)
	}
	_ = h.stdinW.Close()
	_ = h.stdinR.Close()
	_ = h.stdoutW.Close()
	_ = h.stderrW.Close()
	return nil
}

// Destroyed reports how many times Destroy tore the handle down.
func (h *PipeHandle) Destroyed() int {
	return int(h.destroyed.Load())
}

// Requests is the agent side of stdin.
func (h *PipeHandle) Requests() io.Reader { return h.stdinR }

// Emit writes one stdout line as the agent.
func (h *PipeHandle) Emit(line string) error {
	_, err := io.WriteString(h.stdoutW, line+"\n")
	return err
}

// EmitStderr writes one stderr line as the agent.
func (h *PipeHandle) EmitStderr(line string) error {
	_, err := io.WriteString(h.stderrW, line+"\n")
	return err
}

// Exit simulates the agent dying: stdout and stderr reach EOF.
func (h *PipeHandle) Exit() {
	h.alive.Store(false)
	_ = h.stdoutW.Close()
	_ = h.stderrW.Close()
	_ = h.stdinR.Close()
}
