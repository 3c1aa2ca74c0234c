// Package applink is the WebSocket link to the application runtime. A
// connected runtime is attached to the bridge for live delivery, and its
// inbound commands are dispatched to a Handler.
package applink

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/call-bridge/internal/bridge"
	"github.com/sweeney/call-bridge/internal/push"
)

// MethodDetach lets the runtime detach without dropping the socket.
const MethodDetach = "detach"

// DefaultWriteTimeout bounds a single frame write when the caller's context
// has no deadline.
const DefaultWriteTimeout = 2 * time.Second

// Handler executes one runtime command.
type Handler interface {
	Handle(ctx context.Context, method string, args push.Event) (any, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The runtime connects from the local device, not a browser origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts runtime connections.
type Server struct {
	att     *bridge.Attachment
	handler Handler
}

// NewServer creates a Server attaching connections to att.
func NewServer(att *bridge.Attachment, handler Handler) *Server {
	return &Server{att: att, handler: handler}
}

// request is an inbound frame.
type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// reply answers a request by id.
type reply struct {
	ID     string `json:"id"`
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// outbound is a bridge message to the runtime.
type outbound struct {
	Method string            `json:"method"`
	Args   map[string]string `json:"args"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("APPLINK: upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	c := &Conn{ws: ws}
	defer c.Close()

	s.att.Attach(c)
	log.Printf("APPLINK: runtime attached from %s", r.RemoteAddr)
	defer func() {
		if s.att.DetachChannel(c) {
			log.Printf("APPLINK: runtime detached (%s)", r.RemoteAddr)
		}
	}()

	ctx := r.Context()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("APPLINK: read from %s: %v", r.RemoteAddr, err)
			}
			return
		}
		s.dispatch(ctx, c, data)
	}
}

// dispatch runs one command. Commands run in arrival order on the read loop.
func (s *Server) dispatch(ctx context.Context, c *Conn, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("APPLINK: dropping malformed frame: %v", err)
		return
	}

	var (
		result any
		err    error
	)
	switch req.Method {
	case MethodDetach:
		s.att.DetachChannel(c)
		log.Printf("APPLINK: runtime detached on request")
	default:
		args := push.NewEvent()
		if len(req.Args) > 0 {
			args, err = push.Decode(req.Args)
		}
		if err == nil {
			result, err = s.handler.Handle(ctx, req.Method, args)
		}
	}

	rep := reply{ID: req.ID, Result: result}
	if err != nil {
		rep.Error = err.Error()
		log.Printf("APPLINK: %s failed: %v", req.Method, err)
	}
	if werr := c.writeJSON(ctx, rep); werr != nil {
		log.Printf("APPLINK: replying to %s: %v", req.Method, werr)
	}
}

// Conn is one runtime connection. It implements bridge.Channel.
type Conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// Invoke writes a bridge message. Success means the frame was written.
func (c *Conn) Invoke(ctx context.Context, method string, args map[string]string) error {
	return c.writeJSON(ctx, outbound{Method: method, Args: args})
}

func (c *Conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultWriteTimeout)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close closes the socket.
func (c *Conn) Close() error {
	return c.ws.Close()
}
