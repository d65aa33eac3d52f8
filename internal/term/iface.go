package term

// Manager manages PTY session lifecycles. It has two implementations:
// the in-process LocalManager and the agentd client, which proxies the
// same operations to a detached session host.
type Manager interface {
	Create(id, cwd string, rows, cols uint16, resumeToken string) (pid int, err error)
	Write(id string, data []byte) error
	Resize(id string, rows, cols uint16) error
	Close(id string) error
	List() []string
	CloseAll()
}

// Sink receives asynchronous session events. Output delivery order matches
// the byte order produced by the child for a given session; events for
// different sessions interleave freely.
type Sink interface {
	Output(sessionID, data string)
	Exit(sessionID string, code *int)
}
