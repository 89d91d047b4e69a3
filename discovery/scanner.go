package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventCodeUpserted is emitted when a nearby code appears or changes.
	EventCodeUpserted EventType = "code_upserted"
	// EventCodeRemoved is emitted when a previously seen code disappears.
	EventCodeRemoved EventType = "code_removed"
)

// EventType identifies discovery updates.
type EventType string

// Event carries discovery updates for consumers.
type Event struct {
	Type EventType
	Peer DiscoveredCode
}

// DiscoveredCode is one nearby endpoint's advertised rendezvous code.
type DiscoveredCode struct {
	DeviceID   string
	DeviceName string
	Code       string
	Version    int
	HostName   string
	Addresses  []string
	LastSeen   time.Time
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// CodeScanner discovers nearby codes with periodic and manual mDNS browse
// operations.
type CodeScanner struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	codes map[string]DiscoveredCode

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewCodeScanner creates a scanner with config defaults applied.
func NewCodeScanner(config Config) (*CodeScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &CodeScanner{
		cfg:             cfg,
		browse:          browse,
		codes:           make(map[string]DiscoveredCode),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *CodeScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return s.startErr
}

// Stop stops background scanning.
func (s *CodeScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *CodeScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *CodeScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("code scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("code scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("code scanner is stopped")
	}
}

// ListCodes returns the current snapshot of nearby codes.
func (s *CodeScanner) ListCodes() []DiscoveredCode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredCode, 0, len(s.codes))
	for _, code := range s.codes {
		out = append(out, code)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (s *CodeScanner) loop() {
	defer s.wg.Done()

	// Prime the list immediately.
	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *CodeScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredCode)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				code, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				code.LastSeen = time.Now()
				collectedMu.Lock()
				collected[code.DeviceID] = code
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *CodeScanner) applySnapshot(next map[string]DiscoveredCode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.codes
	s.codes = next

	for id, code := range next {
		old, exists := previous[id]
		if !exists || !codesEqual(old, code) {
			s.emitEvent(Event{Type: EventCodeUpserted, Peer: code})
		}
	}

	for id, code := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventCodeRemoved, Peer: code})
		}
	}
}

func (s *CodeScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredCode, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredCode{}, false
	}

	code := strings.TrimSpace(txt["code"])
	if code == "" {
		return DiscoveredCode{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredCode{
		DeviceID:   deviceID,
		DeviceName: name,
		Code:       code,
		Version:    version,
		HostName:   entry.HostName,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = parts[1]
	}
	return out
}

func codesEqual(a, b DiscoveredCode) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.Code != b.Code ||
		a.Version != b.Version ||
		a.HostName != b.HostName {
		return false
	}
	if len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
