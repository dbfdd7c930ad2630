// Package wsresource wraps gorilla/websocket to implement store.Socket and
// supervise its lifecycle: connect, keepalive, reconnect on transient
// error, and drain on shutdown (spec §4.4, §3 SocketState).
package wsresource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signalengine/internal/logging"
	"signalengine/internal/store"
)

// Close codes with dedicated handling (spec §3 SocketState).
const (
	CloseUserInitiated = 3000
	CloseInboxDrained  = 3001
)

const keepAlivePath = "/v1/keepalive"

// wireRequest mirrors the server's framed WebSocket request envelope.
type wireRequest struct {
	Verb string          `json:"verb"`
	Path string          `json:"path"`
	ID   uint64          `json:"id"`
	Body json.RawMessage `json:"body,omitempty"`
}

type wireResponse struct {
	Type    string `json:"type"`
	ID      uint64 `json:"id"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// Resource adapts a live *websocket.Conn to store.Socket.
type Resource struct {
	conn *websocket.Conn

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

// Wrap turns an established websocket connection into a store.Socket.
func Wrap(conn *websocket.Conn) *Resource {
	return &Resource{conn: conn}
}

// CloseError wraps a read failure caused by the peer closing the
// connection, carrying the close code the peer sent so the supervisor can
// distinguish 3000/3001 from a transient drop (spec §3, §4.4 onclose).
type CloseError struct {
	Code int
	Err  error
}

func (e *CloseError) Error() string { return fmt.Sprintf("wsresource: closed (code %d): %v", e.Code, e.Err) }
func (e *CloseError) Unwrap() error { return e.Err }

func (r *Resource) ReadRequest(ctx context.Context) (*store.Request, error) {
	_, data, err := r.conn.ReadMessage()
	if err != nil {
		if ce, ok := err.(*websocket.CloseError); ok {
			return nil, &CloseError{Code: ce.Code, Err: err}
		}
		return nil, fmt.Errorf("wsresource: read: %w", err)
	}

	var wr wireRequest
	if err := json.Unmarshal(data, &wr); err != nil {
		return nil, fmt.Errorf("wsresource: decode frame: %w", err)
	}

	return &store.Request{
		Verb: wr.Verb,
		Path: wr.Path,
		Body: []byte(wr.Body),
		Respond: func(status int, reason string) error {
			resp := wireResponse{Type: "response", ID: wr.ID, Status: status, Message: reason}
			b, err := json.Marshal(resp)
			if err != nil {
				return err
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.conn.WriteMessage(websocket.TextMessage, b)
		},
	}, nil
}

func (r *Resource) WriteKeepAlive(ctx context.Context) error {
	req := wireRequest{Verb: "GET", Path: keepAlivePath}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn.WriteMessage(websocket.TextMessage, b)
}

func (r *Resource) SetReadDeadline(t time.Time) error {
	return r.conn.SetReadDeadline(t)
}

func (r *Resource) Close(code int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.closeCode = code
	r.closeReason = reason

	msg := websocket.FormatCloseMessage(code, reason)
	_ = r.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	return r.conn.Close()
}

// Dial connects to the Signal message socket endpoint and returns a Socket
// ready for the supervisor to drive.
func Dial(ctx context.Context, url string, header http.Header) (store.Socket, error) {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := d.DialContext(ctx, url, header)
	if err != nil {
		logging.Warn("wsresource: dial failed", zap.String("url", url), zap.Error(err))
		return nil, fmt.Errorf("wsresource: dial %s: %w", url, err)
	}
	return Wrap(conn), nil
}
