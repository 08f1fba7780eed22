// Package orchestrator owns the outbound send queue and the transfer records
// shown to the user. It is the single integration point above the transfer
// client, the transfer server and the history store.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"lanbridge/internal/config"
	"lanbridge/internal/logging"
	"lanbridge/internal/models"
)

const (
	cancelledMessage   = "Cancelled by user"
	interruptedMessage = "Interrupted"
)

var (
	ErrNotFound          = errors.New("transfer not found")
	ErrNotRetryable      = errors.New("transfer cannot be retried")
	ErrTargetUnavailable = errors.New("target device is not available")
	ErrClosed            = errors.New("orchestrator is closed")
)

type Sender interface {
	SendFile(ctx context.Context, device models.Device, fileRef string, onProgress func(float64)) (*models.TransferResponse, error)
}

type FileMetaReader interface {
	ReadMetadata(ref string) (models.FileMeta, error)
}

// DeviceSource resolves a retry target among the currently known devices.
type DeviceSource interface {
	FindByAddress(ip string, port int) (models.Device, bool)
}

type HistoryStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
}

type Options struct {
	Now    func() time.Time
	NewID  func() string
	Logger logging.Logger
}

type Service struct {
	sender  Sender
	files   FileMetaReader
	devices DeviceSource
	history HistoryStore
	limit   int
	now     func() time.Time
	newID   func() string
	log     logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu serializes every read-modify-publish of records together with the
	// queue and the worker state.
	mu           sync.Mutex
	records      atomic.Pointer[[]models.TransferRecord]
	queue        []models.PendingTransfer
	running      bool
	activeID     string
	activeCancel context.CancelFunc
	userCancel   bool

	saveMu sync.Mutex

	subMu sync.Mutex
	subs  map[chan []models.TransferRecord]struct{}

	msgs chan string
}

func NewService(cfg config.Config, sender Sender, files FileMetaReader, devices DeviceSource, history HistoryStore, opts Options) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		sender:  sender,
		files:   files,
		devices: devices,
		history: history,
		limit:   cfg.HistoryLimit,
		now:     opts.Now,
		newID:   opts.NewID,
		log:     opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[chan []models.TransferRecord]struct{}),
		msgs:    make(chan string, 16),
	}
	if s.limit <= 0 {
		s.limit = config.DefaultHistoryLimit
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	s.log = s.log.With("component", "orchestrator")
	empty := []models.TransferRecord{}
	s.records.Store(&empty)
	return s
}

// Records returns the current records, most recent first.
func (s *Service) Records() []models.TransferRecord {
	return clone(*s.records.Load())
}

func (s *Service) Get(id string) (models.TransferRecord, bool) {
	for _, r := range *s.records.Load() {
		if r.ID == id {
			return r, true
		}
	}
	return models.TransferRecord{}, false
}

// Subscribe works like discovery's: a slow reader only sees the latest list.
func (s *Service) Subscribe() (<-chan []models.TransferRecord, func()) {
	ch := make(chan []models.TransferRecord, 1)
	s.subMu.Lock()
	ch <- s.Records()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}
}

// Messages streams short user-facing notices. Dropped when nobody listens.
func (s *Service) Messages() <-chan string { return s.msgs }

// EnqueueSend queues fileRef for device and returns the new transfer id.
// After Close it fails with ErrClosed.
func (s *Service) EnqueueSend(device models.Device, fileRef string) (string, error) {
	if s.ctx.Err() != nil {
		return "", ErrClosed
	}
	meta, err := s.files.ReadMetadata(fileRef)
	if err != nil {
		s.notify("Could not read file: " + err.Error())
		return "", fmt.Errorf("read metadata: %w", err)
	}

	rec := models.TransferRecord{
		ID:                  s.newID(),
		FileName:            meta.DisplayName,
		FileSize:            meta.SizeBytes,
		Direction:           models.DirectionSending,
		Status:              models.StatusQueued,
		PeerName:            device.Name,
		CreatedAt:           s.now(),
		SourceFileReference: fileRef,
		TargetIP:            device.IP,
		TargetPort:          device.ServerPort,
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.mutateLocked(func(list []models.TransferRecord) []models.TransferRecord {
		return append([]models.TransferRecord{rec}, list...)
	})
	s.queue = append(s.queue, models.PendingTransfer{TransferID: rec.ID, Target: device, FileReference: fileRef})
	if !s.running {
		s.running = true
		s.wg.Add(1)
		go s.work()
	}
	s.mu.Unlock()

	s.log.Info(s.ctx, "transfer queued", "id", rec.ID, "file", rec.FileName, "size", humanize.Bytes(uint64(max(rec.FileSize, 0))), "peer", device.Name)
	s.persist()
	return rec.ID, nil
}

// Cancel stops a queued or active send. Unknown ids are ignored.
func (s *Service) Cancel(id string) {
	s.mu.Lock()
	if id == s.activeID && s.activeCancel != nil {
		s.userCancel = true
		s.activeCancel()
		s.mu.Unlock()
		s.log.Info(s.ctx, "cancelling active transfer", "id", id)
		return
	}
	found := false
	for i, p := range s.queue {
		if p.TransferID == id {
			s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
			s.setStatusLocked(id, models.StatusCancelled, cancelledMessage)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.log.Info(s.ctx, "queued transfer cancelled", "id", id)
		s.persist()
	}
}

// Retry enqueues a fresh send of a finished outbound transfer to the same
// ip and port, provided that device is still known.
func (s *Service) Retry(id string) (string, error) {
	rec, ok := s.Get(id)
	if !ok {
		return "", ErrNotFound
	}
	if rec.Direction != models.DirectionSending || rec.SourceFileReference == "" {
		s.notify("Only sent files can be retried")
		return "", ErrNotRetryable
	}
	device, ok := s.devices.FindByAddress(rec.TargetIP, rec.TargetPort)
	if !ok {
		s.notify(fmt.Sprintf("Device %s:%d is no longer available", rec.TargetIP, rec.TargetPort))
		return "", ErrTargetUnavailable
	}
	return s.EnqueueSend(device, rec.SourceFileReference)
}

// Run folds updates from the transfer server until ctx ends or the channel
// closes.
func (s *Service) Run(ctx context.Context, updates <-chan models.IncomingTransferUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			s.Fold(u)
		}
	}
}

// Fold applies one incoming update. The first update for an id creates a
// RECEIVING record.
func (s *Service) Fold(u models.IncomingTransferUpdate) {
	s.mu.Lock()
	if _, ok := s.Get(u.ID); ok {
		s.updateLocked(u.ID, func(r *models.TransferRecord) {
			if r.Status != u.Status && !r.Status.CanTransition(u.Status) {
				s.log.Debug(s.ctx, "ignoring update for finished transfer", "id", u.ID, "status", u.Status)
				return
			}
			r.Status = u.Status
			r.Progress = models.ClampProgress(u.Progress)
			if u.SavedPath != "" {
				r.SavedPath = u.SavedPath
			}
			if u.ErrorMessage != "" {
				r.ErrorMessage = u.ErrorMessage
			}
		})
	} else {
		rec := models.TransferRecord{
			ID:           u.ID,
			FileName:     u.FileName,
			FileSize:     u.FileSize,
			Direction:    models.DirectionReceiving,
			Progress:     models.ClampProgress(u.Progress),
			Status:       u.Status,
			PeerName:     u.Sender,
			CreatedAt:    s.now(),
			SavedPath:    u.SavedPath,
			ErrorMessage: u.ErrorMessage,
		}
		s.mutateLocked(func(list []models.TransferRecord) []models.TransferRecord {
			return append([]models.TransferRecord{rec}, list...)
		})
	}
	s.mu.Unlock()

	if u.Status.Terminal() {
		s.log.Info(s.ctx, "incoming transfer finished", "id", u.ID, "file", u.FileName, "from", u.Sender, "status", u.Status)
	}
	s.persist()
}

// LoadHistory merges persisted records behind the in-memory ones. Records
// left QUEUED or IN_PROGRESS by a previous run are marked FAILED since their
// queue entries are gone.
func (s *Service) LoadHistory(ctx context.Context) error {
	blob, err := s.history.Load(ctx)
	if err != nil {
		s.notify("Could not load transfer history: " + err.Error())
		return fmt.Errorf("load history: %w", err)
	}
	if len(blob) == 0 {
		return nil
	}
	var loaded []models.TransferRecord
	if err := json.Unmarshal(blob, &loaded); err != nil {
		s.notify("Could not load transfer history: " + err.Error())
		return fmt.Errorf("decode history: %w", err)
	}

	recovered := 0
	s.mu.Lock()
	s.mutateLocked(func(list []models.TransferRecord) []models.TransferRecord {
		seen := make(map[string]struct{}, len(list))
		for _, r := range list {
			seen[r.ID] = struct{}{}
		}
		for _, r := range loaded {
			if _, dup := seen[r.ID]; dup || r.ID == "" {
				continue
			}
			if !r.Status.Terminal() {
				r.Status = models.StatusFailed
				r.ErrorMessage = interruptedMessage
				recovered++
			}
			r.Progress = models.ClampProgress(r.Progress)
			list = append(list, r)
		}
		return list
	})
	s.mu.Unlock()

	s.log.Info(ctx, "history loaded", "records", len(loaded), "interrupted", recovered)
	if recovered > 0 {
		s.persist()
	}
	return nil
}

// Close aborts the active send, drops the queue and waits for the worker.
func (s *Service) Close() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) work() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.ctx.Err() != nil {
			s.running = false
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		ctx, cancel := context.WithCancel(s.ctx)
		s.activeID = next.TransferID
		s.activeCancel = cancel
		s.userCancel = false
		s.setStatusLocked(next.TransferID, models.StatusInProgress, "")
		s.mu.Unlock()

		s.send(ctx, next)
		cancel()
		s.persist()
	}
}

func (s *Service) send(ctx context.Context, p models.PendingTransfer) {
	started := s.now()
	rec, _ := s.Get(p.TransferID)
	s.log.Info(ctx, "sending", "id", p.TransferID, "file", rec.FileName, "to", fmt.Sprintf("%s:%d", p.Target.IP, p.Target.ServerPort))

	_, err := s.sender.SendFile(ctx, p.Target, p.FileReference, func(progress float64) {
		progress = models.ClampProgress(progress)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.updateLocked(p.TransferID, func(r *models.TransferRecord) {
			if r.Status != models.StatusInProgress {
				return
			}
			r.Progress = progress
			r.SpeedBytesPerSecond = speed(r.FileSize, progress, s.now().Sub(started))
		})
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	byUser := s.userCancel
	s.activeID, s.activeCancel, s.userCancel = "", nil, false

	switch {
	case err == nil:
		s.updateLocked(p.TransferID, func(r *models.TransferRecord) {
			r.Status = models.StatusCompleted
			r.Progress = 1
			r.ErrorMessage = ""
		})
		done, _ := s.Get(p.TransferID)
		s.log.Info(ctx, "transfer completed", "id", p.TransferID, "size", humanize.Bytes(uint64(max(done.FileSize, 0))),
			"speed", humanize.Bytes(uint64(max(done.SpeedBytesPerSecond, 0)))+"/s")
	case errors.Is(err, context.Canceled) && byUser:
		s.setStatusLocked(p.TransferID, models.StatusCancelled, cancelledMessage)
		s.log.Info(ctx, "transfer cancelled", "id", p.TransferID)
	case errors.Is(err, context.Canceled) && s.ctx.Err() != nil:
		s.setStatusLocked(p.TransferID, models.StatusFailed, interruptedMessage)
	default:
		s.setStatusLocked(p.TransferID, models.StatusFailed, err.Error())
		s.log.Warn(ctx, "transfer failed", "id", p.TransferID, "error", err)
	}
}

func speed(size int64, progress float64, elapsed time.Duration) int64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return int64(float64(size) * progress / secs)
}

// setStatusLocked moves a record to status when the transition is allowed.
func (s *Service) setStatusLocked(id string, status models.Status, msg string) {
	s.updateLocked(id, func(r *models.TransferRecord) {
		if !r.Status.CanTransition(status) {
			s.log.Debug(s.ctx, "transition rejected", "id", id, "from", r.Status, "to", status)
			return
		}
		r.Status = status
		if msg != "" {
			r.ErrorMessage = msg
		}
	})
}

// updateLocked must be called with s.mu held.
func (s *Service) updateLocked(id string, fn func(*models.TransferRecord)) {
	s.mutateLocked(func(list []models.TransferRecord) []models.TransferRecord {
		for i := range list {
			if list[i].ID == id {
				fn(&list[i])
				break
			}
		}
		return list
	})
}

// mutateLocked publishes fn's result as the new record list. fn receives a
// private copy. Must be called with s.mu held.
func (s *Service) mutateLocked(fn func([]models.TransferRecord) []models.TransferRecord) {
	next := fn(clone(*s.records.Load()))
	s.records.Store(&next)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- clone(next):
		default:
		}
	}
}

// persist writes the most recent records to the history store. Saves are
// serialized and always write the latest snapshot.
func (s *Service) persist() {
	if s.history == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	list := *s.records.Load()
	if len(list) > s.limit {
		list = list[:s.limit]
	}
	blob, err := json.Marshal(list)
	if err == nil {
		err = s.history.Save(context.Background(), blob)
	}
	if err != nil {
		s.log.Error(s.ctx, "history save failed", "error", err)
		s.notify("Could not save transfer history: " + err.Error())
	}
}

func (s *Service) notify(msg string) {
	select {
	case s.msgs <- msg:
	default:
	}
}

func clone(list []models.TransferRecord) []models.TransferRecord {
	out := make([]models.TransferRecord, len(list))
	copy(out, list)
	return out
}
