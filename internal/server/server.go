// Package server implements the connection front-end: it accepts
// WebSocket upgrades, admits each connection to a room via the
// RoomManager, wires inbound frames to that room, and serves a small
// read-only HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/oceandepths/gameserver/internal/config"
	"github.com/oceandepths/gameserver/internal/protocol"
	"github.com/oceandepths/gameserver/internal/room"
	"github.com/oceandepths/gameserver/internal/roommanager"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 120 * time.Second // the platform closes idle connections after ~120s
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 256
	// prioritySendBuffer is drained ahead of sendChan in writePump, so
	// lifecycle frames (WELCOME, PLAYER_JOIN/LEAVE, HOST_*, MAP_CHANGE)
	// never queue behind a backlog of high-frequency traffic.
	prioritySendBuffer = 32
)

// Server is the process's single WebSocket + HTTP listener.
type Server struct {
	cfg *config.ServerConfig
	mgr *roommanager.Manager
	log *logrus.Entry

	upgrader websocket.Upgrader
	startedAt time.Time
}

// New wires a Server around an already-constructed RoomManager.
func New(cfg *config.ServerConfig, mgr *roommanager.Manager, log *logrus.Entry) *Server {
	return &Server{
		cfg: cfg,
		mgr: mgr,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return cfg.EnableCORS
			},
		},
		startedAt: time.Now(),
	}
}

// Router builds the HTTP surface: /ws (upgrade, also reachable at any
// other path per spec.md §6), /health, /stats, /rooms, /metrics, and a
// permissive OPTIONS CORS responder.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/rooms", s.handleRooms).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.handleUpgrade).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.handleOptions).Methods(http.MethodOptions)
	return withCORS(r)
}

// ListenAndServe starts the HTTP server. It blocks until the context is
// cancelled or the listener fails to bind.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	httpSrv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("server listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.mgr.GetStats())
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.mgr.GetRoomList())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// handleUpgrade accepts a WebSocket upgrade at any path, reads the
// optional "room" and "name" query parameters, admits the connection to a
// room, and starts its read/write pumps.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	preferredRoom := r.URL.Query().Get("room")
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "Player"
	}

	connID := uuid.NewString()
	log := s.log.WithField("conn", connID)

	target := s.mgr.FindRoom(preferredRoom)

	conn := &clientConnection{
		ws:           ws,
		id:           connID,
		log:          log,
		sendChan:     make(chan []byte, sendBuffer),
		priorityChan: make(chan []byte, prioritySendBuffer),
		done:         make(chan struct{}),
	}

	player := target.AddPlayer(conn, name)
	conn.room = target
	conn.playerID = player.ID

	log.WithFields(logrus.Fields{"room": target.ID, "player": player.ID}).Info("connection admitted")

	go conn.writePump()
	go conn.readPump()
}

// clientConnection adapts a gorilla websocket.Conn to room.Connection and
// runs the read/write pumps the teacher's front-end established: a
// buffered, non-blocking send channel and a dedicated writer goroutine so
// one slow peer can never stall another's broadcast.
type clientConnection struct {
	ws   *websocket.Conn
	id   string
	log  *logrus.Entry
	room *room.Room

	playerID     int
	sendChan     chan []byte
	priorityChan chan []byte
	done         chan struct{}
}

// Send queues a frame for delivery. It never blocks: a full buffer means
// the peer is too slow, and the frame is dropped rather than stalling the
// room's broadcast - except lifecycle frames (protocol.IsLifecycleType),
// which are queued on a separate, headroom buffer so they never compete
// with a backlog of batched position/chat traffic for a slot. A dropped
// frame is reported via room.ErrSendBufferFull rather than nil, so the
// caller can log and count it instead of mistaking it for a clean send.
func (c *clientConnection) Send(data []byte) error {
	ch := c.sendChan
	if protocol.IsLifecycleType(protocol.PeekType(data)) {
		ch = c.priorityChan
	}
	select {
	case ch <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
		return room.ErrSendBufferFull
	}
}

func (c *clientConnection) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.ws.Close()
}

func (c *clientConnection) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func (c *clientConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		// Drain any buffered priority frame before taking a normal one, so a
		// lifecycle message never sits behind a backlog of batched state.
		select {
		case msg := <-c.priorityChan:
			if !c.writeFrame(msg) {
				return
			}
			continue
		default:
		}

		select {
		case <-c.done:
			return
		case msg := <-c.priorityChan:
			if !c.writeFrame(msg) {
				return
			}
		case msg := <-c.sendChan:
			if !c.writeFrame(msg) {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *clientConnection) writeFrame(msg []byte) bool {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg) == nil
}

func (c *clientConnection) readPump() {
	defer c.cleanup()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("read error")
			}
			return
		}

		if protocol.PeekType(data) == protocol.TypeInvalid {
			c.log.Warn("dropping unparseable frame")
			continue
		}
		c.room.HandleMessage(c.playerID, data)
	}
}

func (c *clientConnection) cleanup() {
	if c.room != nil {
		c.room.RemovePlayer(c.playerID)
	}
	c.Close()
	c.log.Info("connection closed")
}
