package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"

	"github.com/hivemux/hivemux/internal/hub"
	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/term"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type resizeMsg struct {
	Type string `json:"type"`
	Data struct {
		Rows uint16 `json:"rows"`
		Cols uint16 `json:"cols"`
	} `json:"data"`
}

// Handler bridges one websocket client to one session: output events flow
// down as JSON, binary messages flow up as PTY input, and text messages
// carry resize requests.
type Handler struct {
	manager term.Manager
	events  *hub.Hub
}

func NewHandler(manager term.Manager, events *hub.Hub) *Handler {
	return &Handler{manager: manager, events: events}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	if !slices.Contains(h.manager.List(), sessionID) {
		log.Printf("ws: session %s not found in manager", sessionID)
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed for %s: %v", sessionID, err)
		return
	}
	defer conn.Close()

	log.Printf("ws: client connected to session %s", sessionID)

	outputCh, unsub := h.events.Subscribe(sessionID)
	defer unsub()

	clientGone := make(chan struct{})
	writerDone := make(chan struct{})

	// Output events -> client. The channel closes when the session exits.
	go func() {
		defer close(writerDone)
		for data := range outputCh {
			evt := models.Event{Type: "output", SessionID: sessionID, Data: data}
			if err := conn.WriteJSON(evt); err != nil {
				log.Printf("ws: write to client failed: %v", err)
				return
			}
		}
	}()

	// Client -> session (binary = input, text = control).
	go func() {
		defer close(clientGone)
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				if err := h.manager.Write(sessionID, msg); err != nil {
					log.Printf("ws: input for %s: %v", sessionID, err)
				}
			case websocket.TextMessage:
				var resize resizeMsg
				if json.Unmarshal(msg, &resize) == nil && resize.Type == "resize" {
					if err := h.manager.Resize(sessionID, resize.Data.Rows, resize.Data.Cols); err != nil {
						log.Printf("ws: resize for %s: %v", sessionID, err)
					}
				}
			}
		}
	}()

	select {
	case <-clientGone:
		log.Printf("ws: client disconnected from session %s", sessionID)
	case <-h.events.Done(sessionID):
		// Let the output writer drain before taking over the connection.
		<-writerDone
		evt := models.Event{Type: "exit", SessionID: sessionID, Code: h.events.ExitCode(sessionID)}
		conn.WriteJSON(evt)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session exited"))
		log.Printf("ws: session %s exited", sessionID)
	}
}
