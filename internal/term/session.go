package term

import (
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// Session is one live PTY paired with its child process. Exactly one
// goroutine reads the master (the output pump) and only the manager's
// write path writes to it.
type Session struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	closed bool // explicit Close happened; late output is dropped
	exited bool // child was reaped by the exit watcher
}

func (s *Session) write(data []byte) error {
	for len(data) > 0 {
		n, err := s.ptmx.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (s *Session) resize(rows, cols uint16) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// kill terminates the child if still running and closes the PTY master.
// Idempotent; the caller must already have removed the session from the
// registry so no new operations can reach it.
func (s *Session) kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if !s.exited && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.ptmx.Close()
}

// emit delivers one output chunk to the sink unless the session has been
// closed. Holding the lock pins the closed flag for the duration of the
// delivery: kill blocks until an in-flight emit finishes, so no output is
// delivered after Close returns.
func (s *Session) emit(sink Sink, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	sink.Output(s.id, data)
}

func (s *Session) markExited() {
	s.mu.Lock()
	s.exited = true
	s.mu.Unlock()
}
