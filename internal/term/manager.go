package term

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"unicode/utf8"

	"github.com/creack/pty"
)

// Read buffer for the output pump. Large enough that multi-byte runes and
// escape sequences rarely split across reads.
const readBufSize = 16 * 1024

// Config controls how session children are spawned.
type Config struct {
	Command     string // program run in every session
	TermProgram string // value exported as TERM_PROGRAM
}

// LocalManager owns PTY sessions in this process.
type LocalManager struct {
	cfg  Config
	reg  *registry
	sink Sink
}

func NewLocalManager(cfg Config, sink Sink) *LocalManager {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.TermProgram == "" {
		cfg.TermProgram = "hivemux"
	}
	return &LocalManager{cfg: cfg, reg: newRegistry(), sink: sink}
}

// Create spawns the configured command attached to a fresh rows×cols PTY
// and registers it under id. The session is addressable by the time Create
// returns. Duplicate ids are rejected.
func (m *LocalManager) Create(id, cwd string, rows, cols uint16, resumeToken string) (int, error) {
	var args []string
	if resumeToken != "" {
		args = append(args, "--resume", resumeToken)
	}

	cmd := exec.Command(m.cfg.Command, args...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"TERM_PROGRAM="+m.cfg.TermProgram,
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return 0, fmt.Errorf("spawn %s: %w", m.cfg.Command, err)
	}

	sess := &Session{id: id, cmd: cmd, ptmx: ptmx}
	if err := m.reg.insert(id, sess); err != nil {
		// Lost a race with a concurrent Create for the same id.
		sess.kill()
		go cmd.Wait()
		return 0, err
	}

	go m.pumpOutput(sess)
	go m.watchExit(sess)

	return cmd.Process.Pid, nil
}

func (m *LocalManager) Write(id string, data []byte) error {
	return m.reg.with(id, func(s *Session) error {
		if err := s.write(data); err != nil {
			return fmt.Errorf("write session %s: %w", id, err)
		}
		return nil
	})
}

func (m *LocalManager) Resize(id string, rows, cols uint16) error {
	return m.reg.with(id, func(s *Session) error {
		if err := s.resize(rows, cols); err != nil {
			return fmt.Errorf("resize session %s: %w", id, err)
		}
		return nil
	})
}

// Close removes the session and unconditionally tears down the child and
// the PTY. Closing an unknown id is an error; the API layer maps it to 404.
func (m *LocalManager) Close(id string) error {
	s, ok := m.reg.remove(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.kill()
	return nil
}

func (m *LocalManager) List() []string {
	return m.reg.ids()
}

func (m *LocalManager) CloseAll() {
	for _, s := range m.reg.drain() {
		s.kill()
	}
}

// pumpOutput drains the PTY master until EOF or read error. That is the
// only termination condition; the registry entry is untouched. Bytes read
// after an explicit Close are dropped.
func (m *LocalManager) pumpOutput(s *Session) {
	buf := make([]byte, readBufSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.emit(m.sink, decodeLossy(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// watchExit reaps the child and reports its exit code once. A nil code
// means the wait itself failed rather than the child reporting a status.
func (m *LocalManager) watchExit(s *Session) {
	err := s.cmd.Wait()
	var code *int
	if err == nil {
		zero := 0
		code = &zero
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		c := exitErr.ExitCode()
		code = &c
	}
	s.markExited()
	m.sink.Exit(s.id, code)
}

// decodeLossy converts raw PTY bytes to UTF-8, replacing invalid
// sequences with U+FFFD.
func decodeLossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

var _ Manager = (*LocalManager)(nil)
