package models

import "time"

type Session struct {
	ID        string    `json:"id"`
	Cwd       string    `json:"cwd"`
	Rows      uint16    `json:"rows"`
	Cols      uint16    `json:"cols"`
	Status    string    `json:"status"`
	PID       *int      `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is the wire form of an asynchronous session notification.
type Event struct {
	Type      string `json:"type"` // "output" or "exit"
	SessionID string `json:"session_id"`
	Data      string `json:"data,omitempty"`
	Code      *int   `json:"code,omitempty"`
}

type CommandStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

type HealthResponse struct {
	Status  string        `json:"status"`
	Command CommandStatus `json:"command"`
	Agentd  bool          `json:"agentd"`
}
