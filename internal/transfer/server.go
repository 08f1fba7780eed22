package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"lanbridge/internal/config"
	"lanbridge/internal/logging"
	"lanbridge/internal/models"
)

// Saver is the write side of the host file access.
type Saver interface {
	SaveIncomingFile(name string, data []byte) (string, error)
}

var errMissingParts = errors.New("metadata or file part missing")

type Server struct {
	saver     Saver
	log       logging.Logger
	maxUpload int64

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener

	updates chan models.IncomingTransferUpdate
	errs    chan string
}

func NewServer(cfg config.Config, saver Saver, log logging.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		saver:     saver,
		log:       log.With("component", "transfer-server"),
		maxUpload: cfg.MaxUploadBytes,
		updates:   make(chan models.IncomingTransferUpdate, 64),
		errs:      make(chan string, 16),
	}
}

// Updates streams the lifecycle of every accepted upload.
func (s *Server) Updates() <-chan models.IncomingTransferUpdate { return s.updates }

// Errors streams failures that are not tied to a transfer record.
func (s *Server) Errors() <-chan string { return s.errs }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Endpoint, s.handleTransfer)
	return mux
}

// Start binds port and serves in the background. It is a no-op when the
// server already runs.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("listen on %d: %w", port, err)
	}
	srv := &http.Server{Handler: s.Handler()}
	s.srv, s.ln = srv, ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.emitError("Transfer server stopped: " + err.Error())
		}
	}()
	s.log.Info(context.Background(), "transfer server listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address, empty when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the listener down, letting in-flight uploads finish until ctx
// expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, models.TransferResponse{Status: "error", Message: "method not allowed"})
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.failRequest(w, r, fmt.Errorf("panic: %v", p))
		}
	}()

	sender := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		sender = host
	}
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	}

	meta, payload, err := readParts(r)
	if errors.Is(err, errMissingParts) {
		writeJSON(w, http.StatusBadRequest, models.TransferResponse{Status: "error", Message: err.Error()})
		return
	}
	if err != nil {
		s.failRequest(w, r, err)
		return
	}

	update := models.IncomingTransferUpdate{
		ID:       "rx-" + uuid.NewString(),
		FileName: meta.FileName,
		FileSize: meta.FileSize,
		Sender:   sender,
		Status:   models.StatusInProgress,
	}
	s.emitUpdate(update)
	s.log.Info(r.Context(), "receiving file", "id", update.ID, "file", meta.FileName, "size", meta.FileSize, "from", sender)

	path, err := s.saver.SaveIncomingFile(meta.FileName, payload)
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "Failed to save incoming file"
		}
		update.Status = models.StatusFailed
		update.ErrorMessage = msg
		s.emitUpdate(update)
		s.log.Error(r.Context(), "saving incoming file failed", "id", update.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.TransferResponse{Status: "error", Message: msg})
		return
	}

	update.Status = models.StatusCompleted
	update.Progress = 1
	update.SavedPath = path
	s.emitUpdate(update)
	s.log.Info(r.Context(), "file received", "id", update.ID, "path", path)
	writeJSON(w, http.StatusOK, models.TransferResponse{Status: "success", SavedPath: path})
}

func (s *Server) failRequest(w http.ResponseWriter, r *http.Request, err error) {
	s.emitError(fmt.Sprintf("Transfer server error on %s: %v", r.URL.RequestURI(), err))
	writeJSON(w, http.StatusInternalServerError, models.TransferResponse{Status: "error", Message: err.Error()})
}

// readParts walks the multipart body and returns the decoded metadata and the
// file bytes. Parts are matched by the name parameter of their
// Content-Disposition whatever its type, so "attachment" file parts work.
func readParts(r *http.Request) (*models.TransferMetadata, []byte, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingBoundary) {
			return nil, nil, errMissingParts
		}
		return nil, nil, err
	}

	var (
		meta      *models.TransferMetadata
		payload   []byte
		fileFound bool
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read multipart: %w", err)
		}
		switch partName(part) {
		case "metadata":
			var m models.TransferMetadata
			if err := json.NewDecoder(part).Decode(&m); err != nil {
				part.Close()
				return nil, nil, fmt.Errorf("decode metadata: %w", err)
			}
			meta = &m
		case "file":
			payload, err = io.ReadAll(part)
			if err != nil {
				part.Close()
				return nil, nil, fmt.Errorf("read file part: %w", err)
			}
			fileFound = true
		}
		part.Close()
	}
	if meta == nil || !fileFound {
		return nil, nil, errMissingParts
	}
	return meta, payload, nil
}

func partName(p *multipart.Part) string {
	if name := p.FormName(); name != "" {
		return name
	}
	_, params, err := mime.ParseMediaType(p.Header.Get("Content-Disposition"))
	if err != nil {
		return ""
	}
	return params["name"]
}

func (s *Server) emitUpdate(u models.IncomingTransferUpdate) {
	select {
	case s.updates <- u:
	default:
		s.log.Warn(context.Background(), "dropping transfer update, consumer too slow", "id", u.ID, "status", u.Status)
	}
}

func (s *Server) emitError(msg string) {
	s.log.Warn(context.Background(), msg)
	select {
	case s.errs <- msg:
	default:
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
