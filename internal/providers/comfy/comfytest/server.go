// Package comfytest provides an in-process fake of the node-graph execution
// engine for tests: HTTP endpoints plus the per-client event socket.
package comfytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"portrait/internal/domain"
)

// Behavior selects how the fake finishes a queued prompt.
type Behavior int

const (
	// Complete emits progress then the terminal executing event.
	Complete Behavior = iota
	// Fail emits an execution_error for the prompt.
	Fail
	// Drop closes the socket without a terminal event.
	Drop
)

// Server is a fake engine.
type Server struct {
	*httptest.Server

	Behavior Behavior
	// Outputs are returned by /history and served by /view, keyed by filename.
	Outputs map[string][]byte

	mu       sync.Mutex
	conns    map[string]*wsConn
	uploads  map[string][]byte
	prompts  []Prompt
	promptN  int
	upgrader websocket.Upgrader
}

// Prompt is a graph received on POST /prompt.
type Prompt struct {
	ID       string
	ClientID string
	Graph    domain.Graph
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) writeBinary(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

// NewServer starts a fake engine that completes every prompt with outputs.
func NewServer(outputs map[string][]byte) *Server {
	s := &Server{
		Outputs: outputs,
		conns:   make(map[string]*wsConn),
		uploads: make(map[string][]byte),
	}
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Post("/prompt", s.handlePrompt)
	r.Post("/upload/image", s.handleUpload)
	r.Get("/history/{id}", s.handleHistory)
	r.Get("/view", s.handleView)
	s.Server = httptest.NewServer(r)
	return s
}

// Prompts returns the graphs received so far.
func (s *Server) Prompts() []Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Prompt(nil), s.prompts...)
}

// Uploads returns the uploaded files keyed by stored name.
func (s *Server) Uploads() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.uploads))
	for k, v := range s.uploads {
		out[k] = v
	}
	return out
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}
	s.mu.Lock()
	s.conns[clientID] = c
	s.mu.Unlock()
	_ = c.writeJSON(map[string]any{"type": "status", "data": map[string]any{"sid": clientID}})
	// Drain until the client goes away so close frames are processed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt   domain.Graph `json:"prompt"`
		ClientID string       `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":{"type":"invalid_prompt","message":"bad json"}}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.promptN++
	id := fmt.Sprintf("prompt-%d", s.promptN)
	s.prompts = append(s.prompts, Prompt{ID: id, ClientID: body.ClientID, Graph: body.Prompt})
	behavior := s.Behavior
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"prompt_id": id, "number": 1, "node_errors": map[string]any{}})

	go func() {
		if conn := s.waitConn(body.ClientID); conn != nil {
			s.emit(conn, id, behavior)
		}
	}()
}

// waitConn covers the gap between the client finishing the handshake and
// the upgrade handler registering the connection.
func (s *Server) waitConn(clientID string) *wsConn {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		conn := s.conns[clientID]
		s.mu.Unlock()
		if conn != nil {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func (s *Server) emit(c *wsConn, promptID string, behavior Behavior) {
	_ = c.writeJSON(map[string]any{"type": "executing", "data": map[string]any{"node": "3", "prompt_id": "someone-else"}})
	_ = c.writeJSON(map[string]any{"type": "executing", "data": map[string]any{"node": "3", "prompt_id": promptID}})
	_ = c.writeBinary([]byte{0x00, 0x00, 0x00, 0x01, 0xff, 0xd8})
	switch behavior {
	case Fail:
		_ = c.writeJSON(map[string]any{"type": "execution_error", "data": map[string]any{
			"prompt_id":         promptID,
			"node_id":           "3",
			"node_type":         "KSampler",
			"exception_message": "CUDA out of memory",
		}})
	case Drop:
		c.mu.Lock()
		_ = c.conn.Close()
		c.mu.Unlock()
	default:
		_ = c.writeJSON(map[string]any{"type": "executing", "data": map[string]any{"node": nil, "prompt_id": promptID}})
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	name := header.Filename
	if _, exists := s.uploads[name]; exists {
		name = fmt.Sprintf("%d-%s", len(s.uploads), name)
	}
	s.uploads[name] = data
	s.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]string{"name": name, "subfolder": "", "type": "input"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	names := make([]string, 0, len(s.Outputs))
	for name := range s.Outputs {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	images := make([]map[string]string, 0, len(names))
	for _, name := range names {
		images = append(images, map[string]string{"filename": name, "subfolder": "", "type": "output"})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		id: map[string]any{
			"outputs": map[string]any{"9": map[string]any{"images": images}},
			"status":  map[string]any{"status_str": "success", "completed": true},
		},
	})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	s.mu.Lock()
	data, ok := s.Outputs[name]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(data)
}
