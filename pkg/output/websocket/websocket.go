package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ericogr/kinect-to-mqtt/pkg/config"
	"github.com/ericogr/kinect-to-mqtt/pkg/output"
	"github.com/ericogr/kinect-to-mqtt/pkg/sensor"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10

	// sendQueue is the number of messages buffered per client. Messages for
	// a client whose queue is full are dropped.
	sendQueue = 4

	msgTargetElevation = "target_elevation"
)

type message struct {
	typ  int
	data []byte
}

// client owns its connection: only writePump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan message
}

// Server pushes every sample to connected viewers as a binary CBOR message
// and accepts elevation commands from them.
type Server struct {
	upgrader   websocket.Upgrader
	clients    map[*client]struct{}
	mu         sync.Mutex
	target     *sensor.InPort[int]
	profile    sensor.Profile
	logger     *zap.SugaredLogger
	httpServer *http.Server
	published  atomic.Uint64
	dropped    atomic.Uint64
}

func newServer(target *sensor.InPort[int], profile sensor.Profile, logger *zap.SugaredLogger) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		target:  target,
		profile: profile,
		logger:  logger,
	}
}

// NewWebsocket listens on cfg.Listen and serves /ws, /healthz and /status.
func NewWebsocket(cfg config.WebsocketConfig, target *sensor.InPort[int], profile sensor.Profile, logger *zap.SugaredLogger) (output.Output, error) {
	srv := newServer(target, profile, logger)
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}
	srv.httpServer = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("websocket server stopped", "listen", cfg.Listen, "error", err)
		}
	}()
	logger.Infow("websocket output listening", "addr", ln.Addr().String())
	return srv, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &client{conn: conn, send: make(chan message, sendQueue)}
	if hello, err := json.Marshal(map[string]any{"type": "profile", "profile": s.profile}); err == nil {
		c.send <- message{typ: websocket.TextMessage, data: hello}
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer s.removeClient(c)
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.handleRequest(payload)
	}
}

// writePump drains the client's queue and keeps the connection alive. It
// returns when the queue is closed or a write fails.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		s.removeClient(c)
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msg.typ, msg.data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleRequest(payload []byte) {
	var request struct {
		Type  string   `json:"type"`
		Angle *float64 `json:"angle"`
	}
	if err := json.Unmarshal(payload, &request); err != nil {
		return
	}
	if request.Type == msgTargetElevation && request.Angle != nil {
		s.target.Write(int(*request.Angle))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{
		"ws_clients": s.clientCount(),
		"published":  s.published.Load(),
		"dropped":    s.dropped.Load(),
		"profile":    s.profile,
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// Publish encodes each sample before returning, so buffers may be reused
// by the next cycle. It never writes to a socket: slow clients lose
// messages instead of holding up the caller.
func (s *Server) Publish(samples []sensor.Sample) error {
	for _, sample := range samples {
		payload, err := cbor.Marshal(sample)
		if err != nil {
			return err
		}
		msg := message{typ: websocket.BinaryMessage, data: payload}
		s.mu.Lock()
		for c := range s.clients {
			select {
			case c.send <- msg:
			default:
				s.dropped.Add(1)
			}
		}
		s.mu.Unlock()
		s.published.Add(1)
	}
	return nil
}

func (s *Server) Close() error {
	s.mu.Lock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
	s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// removeClient unregisters c and closes its queue and connection. It is
// safe to call more than once.
func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	_ = c.conn.Close()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
