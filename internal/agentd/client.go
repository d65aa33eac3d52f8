package agentd

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/yamux"

	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/term"
)

// Client connects to agentd and implements term.Manager. Events received
// on the event stream are forwarded into the local sink, so consumers
// cannot tell a proxied manager from an in-process one.
type Client struct {
	conn net.Conn
	mux  *yamux.Session
	sink term.Sink

	ctrlMu sync.Mutex // serializes control stream writes
	ctrl   net.Conn
	enc    *json.Encoder

	pendingMu sync.Mutex
	pending   map[string]chan Response

	reqCounter atomic.Uint64
	closed     chan struct{}
}

// NewClient dials the agentd socket and opens the control and event
// streams. Events flow into sink for the life of the client.
func NewClient(socketPath string, sink term.Sink) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to agentd: %w", err)
	}
	return newClient(conn, sink)
}

func newClient(conn net.Conn, sink term.Sink) (*Client, error) {
	mux, err := yamux.Client(conn, yamux.DefaultConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("yamux client: %w", err)
	}

	c := &Client{
		conn:    conn,
		mux:     mux,
		sink:    sink,
		pending: make(map[string]chan Response),
		closed:  make(chan struct{}),
	}

	c.ctrl, err = c.openStream(streamControl)
	if err != nil {
		mux.Close()
		conn.Close()
		return nil, err
	}
	c.enc = json.NewEncoder(c.ctrl)

	eventStream, err := c.openStream(streamEvents)
	if err != nil {
		mux.Close()
		conn.Close()
		return nil, err
	}

	go c.readResponses()
	go c.readEvents(eventStream)
	return c, nil
}

func (c *Client) openStream(kind string) (net.Conn, error) {
	stream, err := c.mux.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s stream: %w", kind, err)
	}
	if err := json.NewEncoder(stream).Encode(streamHeader{Stream: kind}); err != nil {
		stream.Close()
		return nil, fmt.Errorf("send %s header: %w", kind, err)
	}
	return stream, nil
}

// CloseConn disconnects from agentd. Sessions keep running in the daemon.
func (c *Client) CloseConn() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	c.mux.Close()
	return c.conn.Close()
}

// Ping checks that agentd is responsive.
func (c *Client) Ping() error {
	resp, err := c.send(Request{Command: cmdPing})
	if err != nil {
		return err
	}
	if resp.Event != evtPong {
		return fmt.Errorf("unexpected response: %s", resp.Event)
	}
	return nil
}

// Create implements term.Manager.
func (c *Client) Create(id, cwd string, rows, cols uint16, resumeToken string) (int, error) {
	resp, err := c.send(Request{
		Command:     cmdCreate,
		SessionID:   id,
		Cwd:         cwd,
		Rows:        rows,
		Cols:        cols,
		ResumeToken: resumeToken,
	})
	if err != nil {
		return 0, err
	}
	if err := respError(resp); err != nil {
		return 0, err
	}
	return resp.PID, nil
}

// Write implements term.Manager.
func (c *Client) Write(id string, data []byte) error {
	resp, err := c.send(Request{Command: cmdWrite, SessionID: id, Data: data})
	if err != nil {
		return err
	}
	return respError(resp)
}

// Resize implements term.Manager.
func (c *Client) Resize(id string, rows, cols uint16) error {
	resp, err := c.send(Request{Command: cmdResize, SessionID: id, Rows: rows, Cols: cols})
	if err != nil {
		return err
	}
	return respError(resp)
}

// Close implements term.Manager.
func (c *Client) Close(id string) error {
	resp, err := c.send(Request{Command: cmdClose, SessionID: id})
	if err != nil {
		return err
	}
	return respError(resp)
}

// List implements term.Manager.
func (c *Client) List() []string {
	resp, err := c.send(Request{Command: cmdList})
	if err != nil {
		return nil
	}
	return resp.Sessions
}

// CloseAll implements term.Manager.
func (c *Client) CloseAll() {
	c.send(Request{Command: cmdCloseAll})
}

func (c *Client) nextReqID() string {
	return fmt.Sprintf("r%d", c.reqCounter.Add(1))
}

func (c *Client) send(req Request) (Response, error) {
	req.ID = c.nextReqID()

	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.ctrlMu.Lock()
	err := c.enc.Encode(req)
	c.ctrlMu.Unlock()
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.closed:
		return Response{}, fmt.Errorf("agentd client closed")
	}
}

func (c *Client) readResponses() {
	dec := json.NewDecoder(c.ctrl)
	for {
		var resp Response
		if err := dec.Decode(&resp); err != nil {
			select {
			case <-c.closed:
			default:
				log.Printf("agentd client: control read error: %v", err)
			}
			return
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) readEvents(stream net.Conn) {
	dec := json.NewDecoder(stream)
	for {
		var evt models.Event
		if err := dec.Decode(&evt); err != nil {
			select {
			case <-c.closed:
			default:
				log.Printf("agentd client: event read error: %v", err)
			}
			return
		}

		switch evt.Type {
		case "output":
			c.sink.Output(evt.SessionID, evt.Data)
		case "exit":
			c.sink.Exit(evt.SessionID, evt.Code)
		}
	}
}

// respError reconstructs core sentinel errors carried across the socket.
func respError(resp Response) error {
	if resp.Event != evtErr {
		return nil
	}
	if resp.NotFound {
		return term.ErrSessionNotFound
	}
	if resp.Duplicate {
		return term.ErrDuplicateSession
	}
	return fmt.Errorf("agentd: %s", resp.Error)
}

var _ term.Manager = (*Client)(nil)
