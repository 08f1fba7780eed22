// Package api is the local control surface: a small JSON API plus a
// websocket that pushes device, transfer and message events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lanbridge/internal/logging"
	"lanbridge/internal/models"
	"lanbridge/internal/orchestrator"
)

const writeWait = 5 * time.Second

// The zero Upgrader rejects handshakes whose Origin host differs from the
// request Host.
var upgrader = websocket.Upgrader{}

type Devices interface {
	Devices() []models.Device
	GetDevice(id string) (models.Device, bool)
	AddManualDevice(ip string, port int) error
	Subscribe() (<-chan []models.Device, func())
}

type Transfers interface {
	EnqueueSend(device models.Device, fileRef string) (string, error)
	Cancel(id string)
	Retry(id string) (string, error)
	Records() []models.TransferRecord
	Subscribe() (<-chan []models.TransferRecord, func())
}

type Opener interface {
	OpenFile(path string) error
	OpenFolder(path string) error
}

// Event is the websocket envelope.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type Server struct {
	devices   Devices
	transfers Transfers
	opener    Opener
	log       logging.Logger

	wsClients map[*websocket.Conn]bool
	wsMu      sync.Mutex

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func NewServer(devices Devices, transfers Transfers, opener Opener, log logging.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		devices:   devices,
		transfers: transfers,
		opener:    opener,
		log:       log.With("component", "api"),
		wsClients: make(map[*websocket.Conn]bool),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("POST /api/devices/manual", s.handleAddManual)
	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("GET /api/transfers", s.handleTransfers)
	mux.HandleFunc("POST /api/transfers/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/transfers/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /api/open", s.handleOpen)
	mux.HandleFunc("GET /ws", s.handleWS)
	return sameOrigin(mux)
}

// sameOrigin shuts out browser pages from other sites. The Host must be a
// loopback name (no DNS rebinding), a foreign Origin is refused outright,
// and POSTs must be application/json so that a cross-site form or
// text/plain request cannot slip in without a CORS preflight.
func sameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !loopbackHost(r.Host) {
			jsonError(w, "host not allowed", http.StatusForbidden)
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" {
			u, err := url.Parse(origin)
			if err != nil || !strings.EqualFold(u.Host, r.Host) {
				jsonError(w, "cross-origin request refused", http.StatusForbidden)
				return
			}
		}
		if r.Method == http.MethodPost {
			mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || mt != "application/json" {
				jsonError(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func loopbackHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// Start serves the control API on 127.0.0.1:port in the background.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listen on %d: %w", port, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.srv, s.ln = srv, ln
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(context.Background(), "control api stopped", "error", err)
		}
	}()
	s.log.Info(context.Background(), "control api listening", "addr", "http://"+ln.Addr().String())
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the HTTP server down and drops every websocket client.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()

	s.wsMu.Lock()
	for conn := range s.wsClients {
		conn.Close()
		delete(s.wsClients, conn)
	}
	s.wsMu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Run forwards device lists, transfer records and notices to websocket
// clients until ctx ends.
func (s *Server) Run(ctx context.Context, notices ...<-chan string) {
	devices, stopDevices := s.devices.Subscribe()
	defer stopDevices()
	transfers, stopTransfers := s.transfers.Subscribe()
	defer stopTransfers()

	merged := make(chan string)
	var wg sync.WaitGroup
	for _, ch := range notices {
		wg.Add(1)
		go func(ch <-chan string) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					select {
					case merged <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ch)
	}
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case list := <-devices:
			s.Broadcast("devices", list)
		case list := <-transfers:
			s.Broadcast("transfers", list)
		case msg := <-merged:
			s.Broadcast("message", msg)
		}
	}
}

// Broadcast sends a JSON event to all connected WebSocket clients.
func (s *Server) Broadcast(eventType string, payload any) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	msg := Event{Type: eventType, Payload: payload}
	for conn := range s.wsClients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			delete(s.wsClients, conn)
		}
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.Devices())
}

func (s *Server) handleAddManual(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IP   string `json:"ip"`
		Port int    `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := s.devices.AddManualDevice(body.IP, body.Port); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonOK(w, "device added")
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"deviceId"`
		Path     string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if body.DeviceID == "" || body.Path == "" {
		jsonError(w, "deviceId and path required", http.StatusBadRequest)
		return
	}
	device, ok := s.devices.GetDevice(body.DeviceID)
	if !ok {
		jsonError(w, "device not found", http.StatusNotFound)
		return
	}
	id, err := s.transfers.EnqueueSend(device, body.Path)
	if errors.Is(err, orchestrator.ErrClosed) {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.log.Info(r.Context(), "send requested", "id", id, "device", device.Name, "path", body.Path)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok", "id": id})
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.transfers.Records())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.transfers.Cancel(r.PathValue("id"))
	jsonOK(w, "cancel requested")
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := s.transfers.Retry(r.PathValue("id"))
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrNotRetryable):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, orchestrator.ErrTargetUnavailable):
		jsonError(w, err.Error(), http.StatusConflict)
	case err != nil:
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok", "id": id})
	}
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path   string `json:"path"`
		Folder bool   `json:"folder"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		jsonError(w, "path required", http.StatusBadRequest)
		return
	}
	open := s.opener.OpenFile
	if body.Folder {
		open = s.opener.OpenFolder
	}
	if err := open(body.Path); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonOK(w, "opened")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.wsMu.Lock()
	s.wsClients[conn] = true
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteJSON(Event{Type: "devices", Payload: s.devices.Devices()})
	conn.WriteJSON(Event{Type: "transfers", Payload: s.transfers.Records()})
	s.wsMu.Unlock()

	// Read pump only detects disconnects.
	go func() {
		defer func() {
			s.wsMu.Lock()
			delete(s.wsClients, conn)
			s.wsMu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func jsonOK(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": msg})
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"status": "error", "message": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
