package agentd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/hashicorp/yamux"

	"github.com/hivemux/hivemux/internal/config"
	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/term"
)

// SocketPath returns the default path of the agentd unix socket.
func SocketPath() (string, error) {
	dir, err := config.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "agentd.sock"), nil
}

// broadcaster fans session events out to every connected event stream.
// It is the Sink for the agentd-owned manager.
type broadcaster struct {
	mu      sync.Mutex
	streams map[net.Conn]*json.Encoder
}

func newBroadcaster() *broadcaster {
	return &broadcaster{streams: make(map[net.Conn]*json.Encoder)}
}

func (b *broadcaster) add(conn net.Conn) {
	b.mu.Lock()
	b.streams[conn] = json.NewEncoder(conn)
	b.mu.Unlock()
}

func (b *broadcaster) drop(conn net.Conn) {
	b.mu.Lock()
	delete(b.streams, conn)
	b.mu.Unlock()
}

func (b *broadcaster) send(evt models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn, enc := range b.streams {
		if err := enc.Encode(evt); err != nil {
			conn.Close()
			delete(b.streams, conn)
		}
	}
}

func (b *broadcaster) Output(sessionID, data string) {
	b.send(models.Event{Type: "output", SessionID: sessionID, Data: data})
}

func (b *broadcaster) Exit(sessionID string, code *int) {
	b.send(models.Event{Type: "exit", SessionID: sessionID, Code: code})
}

// Agentd is the long-lived process that owns PTY sessions so they survive
// server restarts.
type Agentd struct {
	socketPath string
	pidPath    string

	manager *term.LocalManager
	events  *broadcaster
}

// Run starts the agentd process and blocks until shutdown. An empty
// socketPath means the default under the data dir.
func Run(cfg term.Config, socketPath string) error {
	if socketPath == "" {
		var err error
		socketPath, err = SocketPath()
		if err != nil {
			return fmt.Errorf("socket path: %w", err)
		}
	}
	pidPath := socketPath + ".pid"

	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := cleanStaleSocket(socketPath, pidPath); err != nil {
		return fmt.Errorf("clean stale socket: %w", err)
	}

	events := newBroadcaster()
	a := &Agentd{
		socketPath: socketPath,
		pidPath:    pidPath,
		manager:    term.NewLocalManager(cfg, events),
		events:     events,
	}

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("agentd: shutting down...")
		listener.Close()
		a.manager.CloseAll()
		os.Remove(socketPath)
		os.Remove(pidPath)
		os.Exit(0)
	}()

	log.Printf("agentd: listening on %s (pid %d)", socketPath, os.Getpid())

	for {
		conn, err := listener.Accept()
		if err != nil {
			return nil // listener closed
		}
		go a.handleConn(conn)
	}
}

func (a *Agentd) handleConn(conn net.Conn) {
	defer conn.Close()

	mux, err := yamux.Server(conn, yamux.DefaultConfig())
	if err != nil {
		log.Printf("agentd: yamux: %v", err)
		return
	}
	defer mux.Close()

	for {
		stream, err := mux.Accept()
		if err != nil {
			return // connection closed
		}
		go a.handleStream(stream)
	}
}

func (a *Agentd) handleStream(stream net.Conn) {
	dec := json.NewDecoder(stream)

	var hdr streamHeader
	if err := dec.Decode(&hdr); err != nil {
		stream.Close()
		return
	}

	switch hdr.Stream {
	case streamControl:
		a.serveControl(stream, dec)
	case streamEvents:
		a.serveEvents(stream)
	default:
		log.Printf("agentd: unknown stream kind %q", hdr.Stream)
		stream.Close()
	}
}

// serveControl handles requests sequentially for one control stream, so
// responses go back in request order and need no write serialization.
func (a *Agentd) serveControl(stream net.Conn, dec *json.Decoder) {
	defer stream.Close()
	enc := json.NewEncoder(stream)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return // stream closed
		}
		enc.Encode(a.dispatch(req))
	}
}

// serveEvents registers the stream for event fan-out and parks until the
// peer goes away.
func (a *Agentd) serveEvents(stream net.Conn) {
	a.events.add(stream)
	defer a.events.drop(stream)

	// The client never writes here; Read returns when the stream closes.
	buf := make([]byte, 1)
	for {
		if _, err := stream.Read(buf); err != nil {
			stream.Close()
			return
		}
	}
}

func (a *Agentd) dispatch(req Request) Response {
	switch req.Command {
	case cmdPing:
		return Response{ID: req.ID, Event: evtPong}

	case cmdCreate:
		pid, err := a.manager.Create(req.SessionID, req.Cwd, req.Rows, req.Cols, req.ResumeToken)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return Response{ID: req.ID, Event: evtOK, PID: pid}

	case cmdWrite:
		if err := a.manager.Write(req.SessionID, req.Data); err != nil {
			return errResponse(req.ID, err)
		}
		return Response{ID: req.ID, Event: evtOK}

	case cmdResize:
		if err := a.manager.Resize(req.SessionID, req.Rows, req.Cols); err != nil {
			return errResponse(req.ID, err)
		}
		return Response{ID: req.ID, Event: evtOK}

	case cmdClose:
		if err := a.manager.Close(req.SessionID); err != nil {
			return errResponse(req.ID, err)
		}
		return Response{ID: req.ID, Event: evtOK}

	case cmdList:
		return Response{ID: req.ID, Event: evtList, Sessions: a.manager.List()}

	case cmdCloseAll:
		a.manager.CloseAll()
		return Response{ID: req.ID, Event: evtOK}

	default:
		return Response{ID: req.ID, Event: evtErr, Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func errResponse(id string, err error) Response {
	resp := Response{ID: id, Event: evtErr, Error: err.Error()}
	if errors.Is(err, term.ErrSessionNotFound) {
		resp.NotFound = true
	}
	if errors.Is(err, term.ErrDuplicateSession) {
		resp.Duplicate = true
	}
	return resp
}

// cleanStaleSocket removes a leftover socket file if no live agentd holds it.
func cleanStaleSocket(socketPath, pidPath string) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.Dial("unix", socketPath)
	if err == nil {
		conn.Close()
		return fmt.Errorf("agentd already running (socket active)")
	}

	pidData, err := os.ReadFile(pidPath)
	if err == nil {
		pid, err := strconv.Atoi(string(pidData))
		if err == nil {
			proc, err := os.FindProcess(pid)
			if err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("agentd already running (pid %d)", pid)
				}
			}
		}
	}

	log.Printf("agentd: removing stale socket %s", socketPath)
	os.Remove(socketPath)
	os.Remove(pidPath)
	return nil
}
