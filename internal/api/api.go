// internal/api/api.go
// Provides the hub's HTTP surface: the WebSocket endpoint, health and roster APIs.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/erilali/wshub/internal/config"
	"github.com/erilali/wshub/internal/hub"
	"github.com/erilali/wshub/internal/logger"
)

const (
	version          = "1.0.0"
	natsClientName   = "wshub"
	natsDrainTimeout = 5 * time.Second
)

// Server wires a hub to an HTTP listener and, when configured, to NATS.
type Server struct {
	cfg     config.Config
	log     *logger.Logger
	hub     *hub.Hub
	nc      *nats.Conn
	http    *http.Server
	started time.Time
}

// NewServer builds the hub and its routes. A NATS connection failure is not
// fatal; the hub then runs without mirroring events.
func NewServer(cfg config.Config, serverLogger *logger.Logger) *Server {
	s := &Server{cfg: cfg, log: serverLogger, started: time.Now()}

	opts := []hub.Option{
		hub.WithLogger(serverLogger.Component("hub")),
		hub.WithSnapshot(RosterSnapshot(s.started, time.Now)),
	}
	if cfg.NATS.URL != "" {
		serverLogger.Infof("Connecting to NATS at %s", cfg.NATS.URL)
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(natsClientName),
			nats.DrainTimeout(natsDrainTimeout),
		)
		if err != nil {
			serverLogger.Err(err, "Error connecting to NATS")
			serverLogger.Warn("Running without NATS connection. Hub events will not be mirrored.")
		} else {
			serverLogger.Info("Successfully connected to NATS")
			s.nc = nc
			opts = append(opts, hub.WithEvents(nc, cfg.NATS.SubjectPrefix))
		}
	}
	s.hub = hub.NewHub(cfg.HubConfig(), opts...)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.hub.ServeWs)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/connections", s.handleConnections)
	s.http = &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	return s
}

func (s *Server) Hub() *hub.Hub { return s.hub }

// ListenAndServe binds the configured address and serves until Shutdown.
// Bind failures are returned to the caller.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.ListenAddr)
	}
	return s.Serve(ln)
}

// Serve starts the hub and serves HTTP on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.hub.Start()
	s.log.Infof("Server started at %s", ln.Addr())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve")
	}
	return nil
}

// Shutdown drains the hub within its grace period (bounded by ctx), then
// stops HTTP and drains NATS. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	grace := s.cfg.HubConfig().ShutdownGrace
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < grace {
			grace = left
		}
	}
	if grace < 0 {
		grace = 0
	}

	s.log.Infof("Shutting down, grace %s", grace)
	err := s.hub.Shutdown(grace)
	if herr := s.http.Shutdown(ctx); herr != nil && err == nil {
		err = errors.Wrap(herr, "http shutdown")
	}
	if s.nc != nil && !s.nc.IsClosed() {
		if nerr := s.nc.Drain(); nerr != nil {
			s.log.Err(nerr, "Error draining NATS connection")
		}
	}
	return err
}

func (s *Server) natsStatus() string {
	switch {
	case s.cfg.NATS.URL == "":
		return "disabled"
	case s.nc != nil && s.nc.Status() == nats.CONNECTED:
		return "connected"
	}
	return "disconnected"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":        "ok",
		"nats":          s.natsStatus(),
		"version":       version,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
		"hub":           s.hub.Stats(),
	}
	writeJSON(w, health)
}

// ConnectionView is the /api/connections representation of a connection.
type ConnectionView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Kind          string    `json:"kind,omitempty"`
	RemoteAddress string    `json:"remoteAddress"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.hub.Connections()
	views := make([]ConnectionView, 0, len(conns))
	for _, c := range conns {
		v := ConnectionView{
			ID:            string(c.ID),
			RemoteAddress: c.RemoteAddress,
			ConnectedAt:   c.ConnectedAt,
			LastSeenAt:    c.LastSeenAt,
		}
		if !c.Anonymous() {
			v.Name, v.Kind = c.Identity.Name, c.Identity.Kind
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ConnectedAt.Before(views[j].ConnectedAt) })

	writeJSON(w, map[string]interface{}{
		"count":       len(views),
		"connections": views,
		"timestamp":   time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
