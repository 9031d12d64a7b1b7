// Package ws is the management surface of the coordinator: a small JSON API
// for status, start/stop and emergency control, a WebSocket feed of status
// snapshots and events for the console, and the Prometheus endpoint.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Voinich26/siget-sistema-trafico/internal/emergency"
	"github.com/Voinich26/siget-sistema-trafico/internal/server"
)

// Coordinator is the part of server.Server the API drives.
type Coordinator interface {
	StatusSource
	Start() error
	Stop() error
	TriggerEmergency(ctx context.Context, reason string) (*emergency.Result, error)
	ClearEmergency(ctx context.Context) (bool, error)
}

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 10

type Server struct {
	coord       Coordinator
	broadcaster *Broadcaster
	metrics     http.Handler
	log         *logrus.Entry
}

// NewServer builds the API. metrics may be nil to omit /metrics.
func NewServer(coord Coordinator, broadcaster *Broadcaster, metrics http.Handler, log *logrus.Entry) *Server {
	return &Server{
		coord:       coord,
		broadcaster: broadcaster,
		metrics:     metrics,
		log:         log,
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/server/start", s.handleStart)
	mux.HandleFunc("/api/server/stop", s.handleStop)
	mux.HandleFunc("/api/emergency", s.handleEmergency)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
}

// Handler returns the routes wrapped with the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("ws upgrade failed")
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.log.WithField("remote", r.RemoteAddr).WithError(err).Warn("console rejected")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	s.log.WithField("remote", r.RemoteAddr).Info("console connected")

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.log.WithField("remote", r.RemoteAddr).Info("console disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := s.coord.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.coord.Start(); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleStatus(w, withMethod(r, http.MethodGet))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.coord.Stop(); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleStatus(w, withMethod(r, http.MethodGet))
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req EmergencyRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		res, err := s.coord.TriggerEmergency(r.Context(), strings.TrimSpace(req.Reason))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case http.MethodDelete:
		changed, err := s.coord.ClearEmergency(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ClearResponse{Changed: changed})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, server.ErrAlreadyRunning), errors.Is(err, server.ErrNotRunning):
		code = http.StatusConflict
	case errors.Is(err, emergency.ErrNoReason):
		code = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.log.WithError(err).Error("management request failed")
	}
	writeJSON(w, code, ErrorPayload{Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func withMethod(r *http.Request, method string) *http.Request {
	r2 := r.Clone(r.Context())
	r2.Method = method
	return r2
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// checkOrigin accepts non-browser clients and loopback origins only.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down
// gracefully. A bind failure is returned immediately.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, log *logrus.Entry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	log.WithField("addr", ln.Addr().String()).Info("management API listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
