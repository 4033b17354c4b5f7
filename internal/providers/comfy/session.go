package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one frame received on the engine socket. Binary frames (previews)
// carry Binary and no Type.
type Event struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	Binary []byte          `json:"-"`
}

// ExecutingData is the payload of an "executing" event. A nil Node means the
// prompt has no more nodes pending.
type ExecutingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

// ExecutionErrorData is the payload of an "execution_error" event.
type ExecutionErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
}

// Executing decodes the event as an "executing" event.
func (e Event) Executing() (ExecutingData, bool) {
	if e.Type != "executing" {
		return ExecutingData{}, false
	}
	var d ExecutingData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return ExecutingData{}, false
	}
	return d, true
}

// ExecutionError decodes the event as an "execution_error" event.
func (e Event) ExecutionError() (ExecutionErrorData, bool) {
	if e.Type != "execution_error" {
		return ExecutionErrorData{}, false
	}
	var d ExecutionErrorData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return ExecutionErrorData{}, false
	}
	return d, true
}

// Session is a dedicated socket connection keyed by a client id.
type Session struct {
	conn      *websocket.Conn
	clientID  string
	closeOnce sync.Once
	closeErr  error
}

// Dial opens the event socket for clientID.
func (c *Client) Dial(ctx context.Context, clientID string) (*Session, error) {
	u := *c.baseURL
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("comfy: dial websocket: %w", err)
	}
	c.logger.Debug().Str("client_id", clientID).Msg("comfy: websocket connected")
	return &Session{conn: conn, clientID: clientID}, nil
}

// ClientID returns the id the session was opened with.
func (s *Session) ClientID() string { return s.clientID }

// Next blocks until a frame arrives, the connection closes, or ctx is done.
func (s *Session) Next(ctx context.Context) (Event, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	kind, raw, err := s.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Event{}, ctxErr
		}
		return Event{}, fmt.Errorf("comfy: read websocket: %w", err)
	}
	if kind == websocket.BinaryMessage {
		return Event{Binary: raw}, nil
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		// Undecodable text frames are surfaced untyped so callers skip them.
		return Event{Data: raw}, nil
	}
	return ev, nil
}

// Close shuts the connection down. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if err := s.conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
