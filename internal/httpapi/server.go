// Package httpapi is the monitor HTTP+WebSocket surface: status,
// metrics, a VRP JSON dump, and a push stream of validation-run and
// snapshot-reason events. It is an ambient, external-facing surface
// carried regardless of the RTR/HTTP wire-protocol non-goal — the core
// never depends on anything in this package being reachable.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rpkiwire/rpki-rp/internal/metrics"
	"github.com/rpkiwire/rpki-rp/internal/payload"
)

// Event is one line of the push stream broadcast to WebSocket clients.
type Event struct {
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	TA     string    `json:"ta,omitempty"`
	Repo   string    `json:"repo,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// Server is the monitor HTTP service: a chi router plus a WebSocket
// fan-out broadcaster for Event pushes.
type Server struct {
	zerolog.Logger

	addr    string
	router  *chi.Mux
	history *payload.History
	metrics *metrics.Collector

	upgrader websocket.Upgrader

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte

	mu  sync.Mutex
	srv *http.Server
}

// New builds a Server listening on addr, serving history and metrics.
func New(log zerolog.Logger, addr string, history *payload.History, mcol *metrics.Collector) *Server {
	s := &Server{
		Logger:     log.With().Str("component", "httpapi").Logger(),
		addr:       addr,
		history:    history,
		metrics:    mcol,
		register:   make(chan *websocket.Conn, 8),
		unregister: make(chan *websocket.Conn, 8),
		broadcast:  make(chan []byte, 64),
	}
	s.router = chi.NewRouter()
	s.router.Use(middleware.Recoverer)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/metrics", s.handleMetrics)
	s.router.Get("/vrps.json", s.handleVRPs)
	s.router.Get("/ws", s.handleWebsocket)
	return s
}

// Notify enqueues ev for broadcast to every connected WebSocket client.
// It never blocks: when the broadcast queue is full the event is dropped
// rather than stalling the caller.
func (s *Server) Notify(ev Event) {
	buf, err := json.Marshal(ev)
	if err != nil {
		s.Warn().Err(err).Msg("could not encode event")
		return
	}
	select {
	case s.broadcast <- buf:
	default:
		s.Warn().Str("type", ev.Type).Msg("broadcast channel full, dropping event")
	}
}

// Run starts the HTTP listener and the broadcast fan-out loop, blocking
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen: %w", err)
	}

	srv := &http.Server{
		Handler:     s.router,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	writerDone := make(chan struct{})
	go s.connWriter(writerDone)

	s.Info().Str("addr", s.addr).Msg("monitor listening")

	select {
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		close(s.broadcast)
		<-writerDone
		return context.Cause(ctx)
	case err := <-serveErr:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("httpapi: serve: %w", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, serial := s.history.Current()
	session, _ := s.history.SessionAndSerial()
	resp := struct {
		Session         uint16    `json:"session"`
		Serial          uint32    `json:"serial"`
		VRPs            int       `json:"vrps"`
		RouterKeys      int       `json:"routerKeys"`
		ASPAs           int       `json:"aspas"`
		Created         time.Time `json:"created"`
		RefreshDeadline time.Time `json:"refreshDeadline,omitempty"`
		ResidualWait    string    `json:"residualWait"`
	}{
		Session:         payload.WireSessionID(session),
		Serial:          payload.WireSerial(serial),
		VRPs:            len(snap.Origins),
		RouterKeys:      len(snap.RouterKeys),
		ASPAs:           len(snap.ASPAs),
		Created:         snap.Created,
		RefreshDeadline: snap.RefreshDeadline,
		ResidualWait:    s.history.ResidualWait(time.Now()).String(),
	}
	writeJSON(w, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.metrics.WritePrometheus(w)
}

// vrpEntry mirrors the common rpki-client-family JSON VRP dump shape.
type vrpEntry struct {
	ASN       string `json:"asn"`
	Prefix    string `json:"prefix"`
	MaxLength int    `json:"maxLength"`
}

func (s *Server) handleVRPs(w http.ResponseWriter, r *http.Request) {
	snap, serial := s.history.Current()
	entries := make([]vrpEntry, 0, len(snap.Origins))
	for _, v := range snap.Origins {
		entries = append(entries, vrpEntry{
			ASN:       fmt.Sprintf("AS%d", v.ASN),
			Prefix:    v.Prefix.String(),
			MaxLength: v.MaxLength,
		})
	}
	resp := struct {
		Metadata struct {
			Generated int64  `json:"generated"`
			Serial    uint32 `json:"serial"`
		} `json:"metadata"`
		ROAs []vrpEntry `json:"roas"`
	}{ROAs: entries}
	resp.Metadata.Generated = snap.Created.Unix()
	resp.Metadata.Serial = payload.WireSerial(serial)
	writeJSON(w, resp)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	s.register <- conn
	s.Info().Str("remote", r.RemoteAddr).Msg("monitor client connected")

	// The client never sends anything meaningful; block on reads only to
	// notice when it disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.unregister <- conn
			return
		}
	}
}

// connWriter owns the connection set and fans broadcast messages out to
// every registered client, pruning any that error on write.
func (s *Server) connWriter(done chan struct{}) {
	defer close(done)

	conns := make(map[*websocket.Conn]bool)
	for {
		select {
		case c := <-s.register:
			conns[c] = true
		case c := <-s.unregister:
			delete(conns, c)
			c.Close()
		case buf, ok := <-s.broadcast:
			if !ok {
				for c := range conns {
					c.Close()
				}
				return
			}
			for c := range conns {
				if err := c.WriteMessage(websocket.TextMessage, buf); err != nil {
					s.Warn().Err(err).Msg("monitor client write error")
					delete(conns, c)
					c.Close()
				}
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}
