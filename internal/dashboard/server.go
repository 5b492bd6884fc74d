// Package dashboard serves live run progress over WebSocket.
//
// The server fans engine events out to every connected client as JSON
// messages. Clients are read-mostly: the server never acts on client
// input, the read loop exists only to notice disconnects.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kmowery/photosync/internal/event"
)

// MessageType tags a dashboard broadcast.
type MessageType string

const (
	// MessageTypeScan reports candidate enumeration progress.
	MessageTypeScan MessageType = "scan"

	// MessageTypeProgress reports per-item export progress.
	MessageTypeProgress MessageType = "progress"

	// MessageTypeTransfer reports variant download percentages.
	MessageTypeTransfer MessageType = "transfer"

	// MessageTypeRetry reports a scheduled export retry.
	MessageTypeRetry MessageType = "retry"

	// MessageTypeExistence reports existence sweep progress.
	MessageTypeExistence MessageType = "existence"

	// MessageTypeNote carries free-form warnings.
	MessageTypeNote MessageType = "note"

	// MessageTypePaused reports a pause snapshot.
	MessageTypePaused MessageType = "paused"
)

// Message is one dashboard broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ScanData reports how many candidates enumeration has found so far.
type ScanData struct {
	Count int `json:"count"`
}

// ProgressData reports the item currently being exported.
type ProgressData struct {
	ItemID string `json:"item_id"`
	Index  int    `json:"index"`
	Total  int    `json:"total"`
}

// TransferData reports one variant's download percentage.
type TransferData struct {
	ItemID  string  `json:"item_id"`
	Variant string  `json:"variant"`
	Percent float64 `json:"percent"`
}

// RetryData reports a scheduled export retry.
type RetryData struct {
	ItemID  string        `json:"item_id"`
	Variant string        `json:"variant"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// ExistenceData reports existence sweep progress.
type ExistenceData struct {
	Checked int `json:"checked"`
	Total   int `json:"total"`
}

// NoteData carries a free-form message.
type NoteData struct {
	Text string `json:"text"`
}

// PausedData reports where the run paused.
type PausedData struct {
	Index int `json:"index"`
}

// Server manages WebSocket clients and broadcasts run progress.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// Config holds server settings.
type Config struct {
	// Port to listen on. 0 picks an ephemeral port.
	Port int

	Logger *slog.Logger
}

// NewServer creates a dashboard server. Call Start to begin serving.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      fmt.Sprintf(":%d", cfg.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 256),
		ctx:       ctx,
		cancel:    cancel,
		logger:    cfg.Logger,
	}
}

// Start begins listening and broadcasting.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dashboard: listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", slog.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("dashboard server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("dashboard: shutdown: %w", err)
	}
	s.wg.Wait()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast queues a message for every connected client. Messages are
// dropped rather than blocking the run when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
	}
}

// Emitter adapts the server into an engine event sink.
func (s *Server) Emitter() event.Emitter {
	return event.Func(func(ev event.Event) {
		if msg, ok := translate(ev); ok {
			s.Broadcast(msg)
		}
	})
}

// translate maps an engine event onto a broadcast frame. Events with no
// dashboard representation are dropped.
func translate(ev event.Event) (Message, bool) {
	var (
		typ  MessageType
		data any
	)
	switch e := ev.(type) {
	case event.Scanning:
		typ, data = MessageTypeScan, ScanData{Count: e.Count}
	case event.Exporting:
		typ, data = MessageTypeProgress, ProgressData{ItemID: e.ItemID, Index: e.Index, Total: e.Total}
	case event.Downloading:
		typ, data = MessageTypeTransfer, TransferData{ItemID: e.ItemID, Variant: e.Variant, Percent: e.Percent}
	case event.Retrying:
		typ, data = MessageTypeRetry, RetryData{ItemID: e.ItemID, Variant: e.Variant, Attempt: e.Attempt, Delay: e.Delay}
	case event.ExistenceCheck:
		typ, data = MessageTypeExistence, ExistenceData{Checked: e.Checked, Total: e.Total}
	case event.Message:
		typ, data = MessageTypeNote, NoteData{Text: e.Text}
	case event.Paused:
		typ, data = MessageTypePaused, PausedData{Index: e.Index}
	default:
		return Message{}, false
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, false
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, true
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the lock so a slow client cannot stall
			// bookkeeping.
			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Info("dashboard client connected", slog.Int("clients", count))

	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	if exists {
		delete(s.clients, conn)
	}
	count := len(s.clients)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Info("dashboard client disconnected", slog.Int("clients", count))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>photosync</title>
</head>
<body>
    <h1>photosync progress</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}
