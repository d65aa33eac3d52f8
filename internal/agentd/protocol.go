package agentd

// The agentd wire protocol runs over yamux streams on a unix socket.
// Each client opens two long-lived streams and identifies them with a
// one-line JSON header:
//
//   control — newline-delimited JSON Request/Response pairs, correlated
//             by request id
//   events  — server-to-client stream of session events (output, exit)
//
// Session input travels as write requests on the control stream so write
// failures surface to the caller, unlike fire-and-forget data frames.

const (
	streamControl = "control"
	streamEvents  = "events"
)

const (
	cmdCreate   = "create"
	cmdWrite    = "write"
	cmdResize   = "resize"
	cmdClose    = "close"
	cmdList     = "list"
	cmdPing     = "ping"
	cmdCloseAll = "close_all"
)

const (
	evtOK   = "ok"
	evtErr  = "error"
	evtPong = "pong"
	evtList = "list"
)

type streamHeader struct {
	Stream string `json:"stream"`
}

// Request is a control message from client to agentd.
type Request struct {
	ID      string `json:"id"`
	Command string `json:"command"`

	SessionID   string `json:"session_id,omitempty"`
	Cwd         string `json:"cwd,omitempty"`
	Rows        uint16 `json:"rows,omitempty"`
	Cols        uint16 `json:"cols,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// Response answers one Request. NotFound and Duplicate let the client
// reconstruct the core sentinel errors across the socket.
type Response struct {
	ID    string `json:"id"`
	Event string `json:"event"`

	Error     string   `json:"error,omitempty"`
	NotFound  bool     `json:"not_found,omitempty"`
	Duplicate bool     `json:"duplicate,omitempty"`
	PID       int      `json:"pid,omitempty"`
	Sessions  []string `json:"sessions,omitempty"`
}
