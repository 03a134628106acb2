// Package webserver streams fix-loop progress events to remote viewers over
// WebSocket and optionally advertises itself on the LAN via mDNS.
package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agusx1211/gonogo/internal/debug"
	"github.com/agusx1211/gonogo/internal/progress"
)

// Source is the subscriber side of the progress hub.
type Source interface {
	Subscribe(targetID string) (<-chan progress.Event, func())
	Latest(targetID string) (progress.Event, bool)
}

// Options configures web server behavior.
type Options struct {
	Host      string
	Port      int
	AuthToken string
}

// Server hosts the progress stream.
type Server struct {
	source     Source
	httpServer *http.Server
	host       string
	port       int
	authToken  string
	log        zerolog.Logger
}

// New constructs a server over source. Port 0 picks a free port on Start.
func New(source Source, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	srv := &Server{
		source:    source,
		host:      host,
		port:      opts.Port,
		authToken: strings.TrimSpace(opts.AuthToken),
		log:       debug.Component("webserver"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.HandleFunc("GET /api/targets/{id}/progress", srv.handleLatest)
	mux.HandleFunc("GET /ws/targets/{id}", srv.handleProgressWebSocket)

	srv.httpServer = &http.Server{
		Addr:              srv.Addr(),
		Handler:           allowCrossOrigin(requestLogger(srv.log, authMiddleware(srv.authToken, mux))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Start binds the listener and serves in a background goroutine.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", srv.Addr(), err)
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		srv.port = tcpAddr.Port
		srv.httpServer.Addr = srv.Addr()
	}

	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error().Err(err).Msg("server stopped")
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (srv *Server) Shutdown(ctx context.Context) error {
	return srv.httpServer.Shutdown(ctx)
}

// Addr returns the bound host:port address.
func (srv *Server) Addr() string {
	return net.JoinHostPort(srv.host, strconv.Itoa(srv.port))
}

// Port returns the bound port (valid after Start).
func (srv *Server) Port() int { return srv.port }

// StreamURL is the WebSocket URL of targetID's progress stream. host
// replaces the bind address when set, e.g. with a LAN IP.
func (srv *Server) StreamURL(host, targetID string) string {
	if host == "" {
		host = srv.host
	}
	u := "ws://" + net.JoinHostPort(host, strconv.Itoa(srv.port)) + "/ws/targets/" + targetID
	if srv.authToken != "" {
		u += "?token=" + srv.authToken
	}
	return u
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		debug.LogKV("webserver", "failed to encode json response", "status", status, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func (srv *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (srv *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	ev, ok := srv.source.Latest(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no progress for target")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}
