// Package server exposes a ble.Manager over HTTP and streams its device list,
// connection state and status line to WebSocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/bletext/internal/ble"
	"github.com/chaz8081/bletext/internal/ble/protocol"
)

// Options configures a Server.
type Options struct {
	Listen     string
	Protocol   protocol.Config // used by /api/connect when no preset is given
	ScanFilter ble.ScanFilter  // used by /api/scan when the body sets no filter
}

// Server is the HTTP/WebSocket bridge.
type Server struct {
	mgr      *ble.Manager
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
	server   *http.Server
}

// New creates a Server driving mgr.
func New(mgr *ble.Manager, opts Options) *Server {
	s := &Server{
		mgr:  mgr,
		hub:  NewHub(),
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.server = &http.Server{
		Addr:         opts.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // /api/connect and /api/send may run past any fixed bound
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the bridge's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("POST /api/scan", s.handleScan)
	mux.HandleFunc("POST /api/scan/stop", s.handleScanStop)
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return loggingMiddleware(mux)
}

// Run serves HTTP and pumps manager events to WebSocket clients until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.Pump(ctx)
	}()
	defer func() {
		cancel()
		<-pumpDone
		s.hub.Close()
	}()

	errc := make(chan error, 1)
	go func() {
		slog.Info("[HTTP] listening", "addr", s.opts.Listen)
		errc <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Pump broadcasts every change of the manager's observables until ctx is
// cancelled or the manager is closed.
func (s *Server) Pump(ctx context.Context) {
	devices, cancelDevices := s.mgr.Devices().Subscribe()
	defer cancelDevices()
	state, cancelState := s.mgr.State().Subscribe()
	defer cancelState()
	status, cancelStatus := s.mgr.Status().Subscribe()
	defer cancelStatus()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-devices:
			if !ok {
				return
			}
			s.hub.Broadcast(Event{Type: "devices", Payload: d})
		case st, ok := <-state:
			if !ok {
				return
			}
			s.hub.Broadcast(Event{Type: "state", Payload: st})
		case msg, ok := <-status:
			if !ok {
				return
			}
			s.hub.Broadcast(Event{Type: "status", Payload: msg})
		}
	}
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	State    ble.State `json:"state"`
	Status   string    `json:"status"`
	MTU      int       `json:"mtu"`
	Endpoint string    `json:"endpoint,omitempty"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.mgr.Devices().Get()
	if devices == nil {
		devices = []ble.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	resp := StateResponse{
		State:  s.mgr.State().Get(),
		Status: s.mgr.Status().Get(),
		MTU:    s.mgr.MTU(),
	}
	if ep, ok := s.mgr.Endpoint(); ok {
		resp.Endpoint = ep.Characteristic.UUID.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

type scanRequest struct {
	Name    string `json:"name"`
	Service string `json:"service"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	filter := s.opts.ScanFilter
	if req.Name != "" {
		filter.Name = req.Name
	}
	if req.Service != "" {
		u, err := protocol.ParseUUID(req.Service)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid service UUID", err)
			return
		}
		filter.Service = u
	}
	if err := s.mgr.StartScan(filter); err != nil {
		writeError(w, statusFor(err), "scan failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": s.mgr.Status().Get()})
}

func (s *Server) handleScanStop(w http.ResponseWriter, r *http.Request) {
	s.mgr.StopScan()
	writeJSON(w, http.StatusOK, map[string]string{"status": s.mgr.Status().Get()})
}

type connectRequest struct {
	Address string `json:"address"`
	Preset  string `json:"preset"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid connect request", err)
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required", nil)
		return
	}

	cfg := s.opts.Protocol
	if req.Preset != "" {
		preset, ok := protocol.Lookup(req.Preset)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown preset %q", req.Preset), nil)
			return
		}
		cfg = preset
	}

	dev := ble.Device{Address: req.Address}
	for _, d := range s.mgr.Devices().Get() {
		if d.Address == req.Address {
			dev = d
			break
		}
	}

	if err := s.mgr.Connect(r.Context(), dev, cfg); err != nil {
		writeError(w, statusFor(err), "connect failed", err)
		return
	}
	s.handleState(w, r)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.mgr.Disconnect()
	writeJSON(w, http.StatusOK, map[string]string{"status": s.mgr.Status().Get()})
}

type sendRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid send request", err)
		return
	}
	if err := s.mgr.SendText(r.Context(), req.Text); err != nil {
		writeError(w, statusFor(err), "send failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": s.mgr.Status().Get()})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WS] upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	slog.Debug("[WS] client connected", "remote", r.RemoteAddr)

	// New clients get the current values before any later broadcast.
	err = s.hub.Join(conn, func() []Event {
		return []Event{
			{Type: "devices", Payload: s.mgr.Devices().Get()},
			{Type: "state", Payload: s.mgr.State().Get()},
			{Type: "status", Payload: s.mgr.Status().Get()},
		}
	})
	if err != nil {
		slog.Debug("[WS] snapshot failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer func() {
		slog.Debug("[WS] client disconnected", "remote", r.RemoteAddr)
		s.hub.Remove(conn)
	}()

	// Drain reads so close frames are processed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// statusFor maps a manager error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ble.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ble.ErrBusy), errors.Is(err, ble.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, ble.ErrConnectTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ble.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ble.ErrConnectFailed),
		errors.Is(err, ble.ErrServiceDiscovery),
		errors.Is(err, ble.ErrEndpointNotFound),
		errors.Is(err, ble.ErrDisconnected),
		errors.Is(err, ble.ErrWriteFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decodeOptional decodes a JSON body into v when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[HTTP] encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string, err error) {
	resp := map[string]string{"error": msg}
	if err != nil {
		resp["details"] = err.Error()
		slog.Warn("[HTTP] request failed", "msg", msg, "error", err)
	}
	writeJSON(w, code, resp)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.code = code
	rec.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("[HTTP] request", "method", r.Method, "path", r.URL.Path, "code", rec.code, "took", time.Since(start))
	})
}
