// Package pty hosts a child process inside a pseudo-terminal and
// streams its output one chunk at a time.
package pty

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	creackpty "github.com/creack/pty"
)

const readBufferSize = 4096

// Channel owns a PTY master and the child process running on its
// slave side. Output is exposed as a finite sequence of byte chunks
// on an unbuffered channel: the internal reader blocks after each
// chunk until the consumer takes it, so at most one chunk is ever in
// flight. That handoff is the back-pressure between the child and
// whatever drains the Channel.
type Channel struct {
	cmd  *exec.Cmd
	ptmx *os.File

	out  chan []byte
	done chan struct{}

	readErr error

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
	state     *os.ProcessState
}

// Open allocates a PTY pair and starts argv[0] (resolved on PATH) on
// the slave side. The child becomes a session leader with the PTY as
// its controlling terminal and sees TERM=xterm-256color on top of the
// inherited environment plus extraEnv. The initial size (rows, cols)
// is applied only when both dimensions are positive.
func Open(argv []string, extraEnv []string, rows, cols uint16) (*Channel, error) {
	if len(argv) == 0 {
		return nil, errors.New("pty: argv must not be empty")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	var ptmx *os.File
	var err error
	if rows > 0 && cols > 0 {
		ptmx, err = creackpty.StartWithSize(cmd, &creackpty.Winsize{Rows: rows, Cols: cols})
	} else {
		ptmx, err = creackpty.Start(cmd)
	}
	if err != nil {
		return nil, err
	}

	c := &Channel{
		cmd:  cmd,
		ptmx: ptmx,
		out:  make(chan []byte),
		done: make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

// readLoop publishes each read as soon as it returns. The unbuffered
// send blocks until the consumer drains the previous chunk; a closed
// done channel unblocks a reader whose consumer is gone.
func (c *Channel) readLoop() {
	defer close(c.out)

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.out <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			// EIO from the master means every slave fd is gone,
			// which is the PTY's end-of-file.
			if !errors.Is(err, syscall.EIO) {
				c.readErr = err
			}
			return
		}
	}
}

// Output returns the stream of chunks read from the PTY. The channel
// is closed after end-of-file or a read error; Err distinguishes the
// two.
func (c *Channel) Output() <-chan []byte {
	return c.out
}

// Err reports the read error that ended the output stream, if any.
// Valid only after Output has been closed.
func (c *Channel) Err() error {
	return c.readErr
}

// Pid returns the child's process id.
func (c *Channel) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Write sends bytes to the child's terminal input.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, errors.New("pty: channel is closed")
	}
	return c.ptmx.Write(p)
}

// Resize changes the PTY window size.
func (c *Channel) Resize(rows, cols uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("pty: channel is closed")
	}
	return creackpty.Setsize(c.ptmx, &creackpty.Winsize{Rows: rows, Cols: cols})
}

// Close sends sig to the child, reaps it, and closes the master fd.
// Wait retries interrupted waits internally, so the reap survives
// signal delivery to this process. Repeated calls are no-ops and
// return the status recorded by the first.
func (c *Channel) Close(sig syscall.Signal) *os.ProcessState {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.done)

		pid := c.Pid()
		slog.Info("sending signal to process", "signal", sig.String(), "pid", pid)
		if err := c.cmd.Process.Signal(sig); err != nil {
			slog.Error("signal process", "pid", pid, "error", err)
		}

		if err := c.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				slog.Error("wait for process", "pid", pid, "error", err)
			}
		}
		c.state = c.cmd.ProcessState

		if c.state != nil {
			if ws, ok := c.state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				slog.Info("process killed by signal", "signal", ws.Signal().String(), "pid", pid)
			} else {
				slog.Info("process exited", "code", c.state.ExitCode(), "pid", pid)
			}
		}

		if err := c.ptmx.Close(); err != nil {
			slog.Error("close pty master", "error", err)
		}
	})
	return c.state
}
