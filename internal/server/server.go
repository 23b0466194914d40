// Package server is the engineering dashboard surface: embedded web UI, a
// websocket stream of snapshots and raw frames, and a small JSON API over
// the live telemetry.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/badgerloop-software/sc2-driver-io/internal/config"
	"github.com/badgerloop-software/sc2-driver-io/internal/gps"
	"github.com/badgerloop-software/sc2-driver-io/internal/metrics"
	"github.com/badgerloop-software/sc2-driver-io/internal/recorder"
	"github.com/badgerloop-software/sc2-driver-io/internal/telemetry"
)

// Server serves the dashboard and pushes snapshots to websocket clients.
type Server struct {
	cfg   *config.Config
	store *telemetry.Store
	gate  *telemetry.Gate
	hub   *Hub
	odo   *gps.Odometer
	rec   *recorder.Recorder
	reg   *prometheus.Registry
	webFS fs.FS
	log   *zap.Logger

	upgrader websocket.Upgrader
}

// Deps are the collaborators a Server reads from. Odometer, Recorder,
// Registry and Web may be nil.
type Deps struct {
	Config   *config.Config
	Store    *telemetry.Store
	Gate     *telemetry.Gate
	Hub      *Hub
	Odometer *gps.Odometer
	Recorder *recorder.Recorder
	Registry *prometheus.Registry
	Web      fs.FS
}

// Message is the JSON structure sent to websocket clients.
type Message struct {
	Snapshot *telemetry.Snapshot `json:"snapshot,omitempty"`
	Odo      *gps.Reading        `json:"odo,omitempty"`
	Restart  *RestartReply       `json:"restart,omitempty"`
	Stamp    int64               `json:"stamp"` // Unix ms
}

// RestartReply answers a restart request.
type RestartReply struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// command is a client-to-server websocket message.
type command struct {
	Action string `json:"action"` // "restart"
}

// New creates a new Server.
func New(d Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if d.Hub == nil {
		d.Hub = NewHub("dashboard", log, nil)
	}
	return &Server{
		cfg:   d.Config,
		store: d.Store,
		gate:  d.Gate,
		hub:   d.Hub,
		odo:   d.Odometer,
		rec:   d.Recorder,
		reg:   d.Registry,
		webFS: d.Web,
		log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Hub is the websocket fan-out, also usable as a telemetry channel.
func (s *Server) Hub() *Hub { return s.hub }

// Handler builds the HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/field/{name}", s.handleField)
	mux.HandleFunc("/api/restart", s.handleRestart)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/odo", s.handleOdo)
	mux.HandleFunc("/api/odo/reset-trip", s.handleResetTrip)

	if s.reg != nil {
		path := "/metrics"
		if s.cfg != nil && s.cfg.Server.MetricsPath != "" {
			path = s.cfg.Server.MetricsPath
		}
		mux.Handle(path, metrics.Handler(s.reg))
	}
	return mux
}

// Run serves HTTP on addr and pushes snapshots until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	pushHz := 10
	if s.cfg != nil && s.cfg.Server.PushHz > 0 {
		pushHz = s.cfg.Server.PushHz
	}
	go s.pushLoop(ctx, time.Second/time.Duration(pushHz))

	// Persist odometer every 30 seconds
	if s.odo != nil {
		go func() {
			t := time.NewTicker(30 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					s.saveOdometer()
					return
				case <-t.C:
					s.saveOdometer()
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// pushLoop sends the live snapshot to clients whenever it has changed.
func (s *Server) pushLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			seq := s.store.Seq()
			if seq == last || s.hub.Clients() == 0 {
				continue
			}
			last = seq
			if data, err := json.Marshal(s.message()); err == nil {
				s.hub.BroadcastJSON(data)
			}
		}
	}
}

func (s *Server) message() Message {
	snap := s.store.Current()
	msg := Message{Snapshot: &snap, Stamp: time.Now().UnixMilli()}
	if s.odo != nil {
		r := s.odo.Reading()
		msg.Odo = &r
	}
	return msg
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan outbound, clientQueue),
	}

	// Initial state before the client joins the fan-out.
	if data, err := json.Marshal(s.message()); err == nil {
		client.send <- outbound{kind: websocket.TextMessage, data: data}
	}
	s.hub.add(client)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(msg.kind, msg.data); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (commands / keep-alive)
	go func() {
		defer s.hub.remove(client)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handleCommand(client, data)
		}
	}()
}

func (s *Server) handleCommand(c *wsClient, data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return
	}
	switch cmd.Action {
	case "restart":
		reply := s.requestRestart()
		out, err := json.Marshal(Message{Restart: &reply, Stamp: time.Now().UnixMilli()})
		if err != nil {
			return
		}
		s.hub.mu.RLock()
		defer s.hub.mu.RUnlock()
		if _, live := s.hub.clients[c]; live {
			select {
			case c.send <- outbound{kind: websocket.TextMessage, data: out}:
			default:
			}
		}
	}
}

func (s *Server) requestRestart() RestartReply {
	if err := s.gate.RequestRestart(); err != nil {
		return RestartReply{Accepted: false, Error: err.Error()}
	}
	return RestartReply{Accepted: true}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, http.StatusOK, s.store.Current())
}

func (s *Server) handleField(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	v, ok := s.store.Field(name)
	if !ok {
		http.Error(w, "unknown field "+name, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "value": v})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	reply := s.requestRestart()
	if !reply.Accepted {
		writeJSON(w, http.StatusConflict, reply)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		http.Error(w, "no config", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if s.cfg.Path() != "" {
			if err := s.cfg.Save(); err != nil {
				s.log.Error("config save failed", zap.Error(err))
			}
		}
		if s.rec != nil {
			s.rec.SetEnabled(s.cfg.RecorderEnabled())
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleOdo(w http.ResponseWriter, r *http.Request) {
	if s.odo == nil {
		http.Error(w, "odometer disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.odo.Reading())
}

func (s *Server) handleResetTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	if s.odo == nil {
		http.Error(w, "odometer disabled", http.StatusNotFound)
		return
	}
	s.odo.ResetTrip()
	s.saveOdometer()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) saveOdometer() {
	if s.odo == nil {
		return
	}
	if err := s.odo.Save(); err != nil {
		s.log.Warn("odometer save failed", zap.Error(err))
	}
}
