package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lanbridge/internal/config"
	"lanbridge/internal/logging"
	"lanbridge/internal/models"
	"lanbridge/internal/transport"
)

const (
	maxDatagramSize = 4096
	manualName      = "Manual device"
)

var (
	ErrInvalidAddress = errors.New("invalid IP address")
	ErrInvalidPort    = errors.New("invalid port")
)

// Options carries the host hooks discovery depends on. Zero values select the
// real network.
type Options struct {
	Listen         transport.ListenFunc
	LocalAddrs     func() map[string]struct{}
	BroadcastAddrs func() []transport.Target
	Now            func() time.Time
	Logger         logging.Logger
}

type Service struct {
	config   config.Config
	deviceID string

	listen         transport.ListenFunc
	localAddrs     func() map[string]struct{}
	broadcastAddrs func() []transport.Target
	now            func() time.Time
	log            logging.Logger

	mu         sync.Mutex
	discovered map[string]models.Device
	manual     map[string]models.Device
	snapshot   atomic.Pointer[[]models.Device]

	subMu sync.Mutex
	subs  map[chan []models.Device]struct{}

	errs chan string

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(cfg config.Config, opts Options) *Service {
	s := &Service{
		config:         cfg,
		deviceID:       "device-" + uuid.NewString(),
		listen:         opts.Listen,
		localAddrs:     opts.LocalAddrs,
		broadcastAddrs: opts.BroadcastAddrs,
		now:            opts.Now,
		log:            opts.Logger,
		discovered:     make(map[string]models.Device),
		manual:         make(map[string]models.Device),
		subs:           make(map[chan []models.Device]struct{}),
		errs:           make(chan string, 16),
	}
	if s.listen == nil {
		s.listen = transport.ListenUDP
	}
	if s.localAddrs == nil {
		s.localAddrs = transport.LocalIPv4Addresses
	}
	if s.broadcastAddrs == nil {
		s.broadcastAddrs = transport.BroadcastTargets
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	s.log = s.log.With("component", "discovery")
	empty := []models.Device{}
	s.snapshot.Store(&empty)
	return s
}

// ID is this instance's announcement id.
func (s *Service) ID() string { return s.deviceID }

// Start launches the broadcaster, listener and cleanup sweeper. Calling it
// again while running is a no-op.
func (s *Service) Start(localName string) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(3)
	go func() { defer s.wg.Done(); s.broadcastPresence(ctx, localName) }()
	go func() { defer s.wg.Done(); s.listenDiscovery(ctx) }()
	go func() { defer s.wg.Done(); s.cleanupLoop(ctx) }()
	s.log.Info(ctx, "discovery started", "id", s.deviceID, "name", localName, "port", s.config.DiscoveryPort)
}

// Stop halts all three activities and waits until their sockets are closed.
func (s *Service) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.log.Info(context.Background(), "discovery stopped")
}

// Devices returns the current merged device list sorted by name.
func (s *Service) Devices() []models.Device {
	cur := *s.snapshot.Load()
	out := make([]models.Device, len(cur))
	copy(out, cur)
	return out
}

func (s *Service) GetDevice(id string) (models.Device, bool) {
	for _, d := range *s.snapshot.Load() {
		if d.ID == id {
			return d, true
		}
	}
	return models.Device{}, false
}

// FindByAddress looks a device up by its transfer endpoint.
func (s *Service) FindByAddress(ip string, port int) (models.Device, bool) {
	for _, d := range *s.snapshot.Load() {
		if d.IP == ip && d.ServerPort == port {
			return d, true
		}
	}
	return models.Device{}, false
}

// Subscribe delivers every published snapshot. A slow reader only sees the
// latest one. The returned func unsubscribes.
func (s *Service) Subscribe() (<-chan []models.Device, func()) {
	ch := make(chan []models.Device, 1)
	// Publishers hold subMu while fanning out, so the snapshot taken here is
	// never older than what the channel later receives.
	s.subMu.Lock()
	ch <- s.Devices()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}
}

// Errors streams human-readable failures. Events are dropped when nobody
// drains the buffer.
func (s *Service) Errors() <-chan string { return s.errs }

// AddManualDevice registers a peer by address. Manual peers never time out.
func (s *Service) AddManualDevice(ip string, port int) error {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		s.emitError("Please enter a valid IP address")
		return ErrInvalidAddress
	}
	if port < 1 || port > 65535 {
		s.emitError("Please enter a valid port")
		return ErrInvalidPort
	}

	key := fmt.Sprintf("manual-%s-%d", ip, port)
	s.mu.Lock()
	s.manual[key] = models.Device{
		ID:         key,
		Name:       manualName,
		IP:         ip,
		Platform:   models.PlatformUnknown,
		ServerPort: port,
		LastSeen:   s.now(),
		IsManual:   true,
	}
	s.publishLocked()
	s.mu.Unlock()
	s.log.Info(context.Background(), "manual device added", "ip", ip, "port", port)
	return nil
}

func (s *Service) announcement(localName string) ([]byte, error) {
	return json.Marshal(models.Announcement{
		ID:         s.deviceID,
		Name:       localName,
		Platform:   models.PlatformFromOS(),
		ServerPort: s.config.TransferPort,
		Version:    models.ProtocolVersion,
	})
}

func (s *Service) broadcastPresence(ctx context.Context, localName string) {
	payload, err := s.announcement(localName)
	if err != nil {
		s.emitError("Broadcast failed: " + err.Error())
		return
	}

	var sock transport.Socket
	defer func() {
		if sock != nil {
			sock.Close()
		}
	}()

	ticker := time.NewTicker(s.config.BroadcastInt)
	defer ticker.Stop()
	for {
		if sock == nil {
			sock, err = s.listen(0)
			if err != nil {
				sock = nil
				s.emitError("Broadcast failed: " + err.Error())
			}
		}
		if sock != nil {
			for _, to := range s.broadcastAddrs() {
				to.Port = s.config.DiscoveryPort
				if err := sock.Send(payload, to); err != nil {
					s.emitError(fmt.Sprintf("Broadcast failed: %s: %v", to.Host, err))
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) listenDiscovery(ctx context.Context) {
	for {
		sock, err := s.listen(s.config.DiscoveryPort)
		if err != nil {
			s.emitError("Listening failed: " + err.Error())
		} else {
			err = s.receiveLoop(ctx, sock)
			sock.Close()
			if err != nil {
				s.emitError("Listening failed: " + err.Error())
			}
		}
		// Rebind after a failure, unless we are stopping.
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.config.BroadcastInt):
		}
	}
}

func (s *Service) receiveLoop(ctx context.Context, sock transport.Socket) error {
	local := s.localAddrs()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		p, err := sock.Receive(maxDatagramSize, s.config.ReceiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if p == nil {
			continue
		}
		s.handlePacket(ctx, p, local)
	}
}

func (s *Service) handlePacket(ctx context.Context, p *transport.Packet, local map[string]struct{}) {
	var a models.Announcement
	if err := json.Unmarshal(p.Payload, &a); err != nil {
		s.log.Debug(ctx, "dropping malformed announcement", "from", p.SourceIP, "error", err)
		return
	}
	if a.ID == "" || a.ID == s.deviceID {
		return
	}
	if _, own := local[p.SourceIP]; own {
		return
	}

	d := models.Device{
		ID:         a.ID,
		Name:       a.Name,
		IP:         p.SourceIP,
		Platform:   a.Platform,
		ServerPort: a.ServerPort,
		LastSeen:   s.now(),
	}
	s.mu.Lock()
	_, known := s.discovered[d.ID]
	s.discovered[d.ID] = d
	s.publishLocked()
	s.mu.Unlock()
	if !known {
		s.log.Info(ctx, "peer discovered", "id", d.ID, "name", d.Name, "ip", d.IP, "port", d.ServerPort, "iface", p.IfIndex)
	}
}

func (s *Service) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInt)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.discovered {
		if now.Sub(d.LastSeen) > s.config.DeviceTimeout {
			delete(s.discovered, id)
			s.log.Info(ctx, "peer timed out", "id", id, "name", d.Name)
		}
	}
	s.publishLocked()
}

// publishLocked must be called with s.mu held.
func (s *Service) publishLocked() {
	list := make([]models.Device, 0, len(s.discovered)+len(s.manual))
	for _, d := range s.discovered {
		list = append(list, d)
	}
	for _, d := range s.manual {
		list = append(list, d)
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := strings.ToLower(list[i].Name), strings.ToLower(list[j].Name)
		if a != b {
			return a < b
		}
		return list[i].ID < list[j].ID
	})
	s.snapshot.Store(&list)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		cp := make([]models.Device, len(list))
		copy(cp, list)
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cp:
		default:
		}
	}
}

func (s *Service) emitError(msg string) {
	s.log.Warn(context.Background(), msg)
	select {
	case s.errs <- msg:
	default:
	}
}
