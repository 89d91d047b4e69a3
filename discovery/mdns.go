// Package discovery advertises the local rendezvous code over mDNS and
// scans for codes advertised by nearby endpoints, so two machines on one
// LAN can rendezvous without dictating codes out of band. Optional at
// runtime; sessions work without it.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_peerlink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultPort is the advertised port. The channel negotiates its own
	// transport addresses, so this value is never dialed.
	DefaultPort = 4217
	// DefaultRefreshInterval is the background scan interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each scan.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertiser and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	Port            int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID string
	DeviceName   string
	// Code is the local rendezvous code to advertise.
	Code string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if strings.TrimSpace(c.Code) == "" {
		return errors.New("rendezvous code is required")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

func codeTXT(cfg Config) []string {
	return []string{
		"device_id=" + cfg.SelfDeviceID,
		"code=" + cfg.Code,
		"version=" + strconv.Itoa(cfg.Version),
	}
}

// Advertiser publishes the local rendezvous code via mDNS.
type Advertiser struct {
	cfg    Config
	mu     sync.Mutex
	server *zeroconf.Server
}

// StartAdvertiser registers and starts the mDNS advertisement.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.Port, codeTXT(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Advertiser{cfg: cfg, server: server}, nil
}

// UpdateCode replaces the advertised rendezvous code in place.
func (a *Advertiser) UpdateCode(code string) error {
	if strings.TrimSpace(code) == "" {
		return errors.New("rendezvous code is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Code = code
	if a.server != nil {
		a.server.SetText(codeTXT(a.cfg))
	}
	return nil
}

// Stop stops the advertisement.
func (a *Advertiser) Stop() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Service coordinates advertisement and scanning.
type Service struct {
	Advertiser *Advertiser
	Scanner    *CodeScanner
}

// Start starts advertiser and scanner using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	advertiser, err := StartAdvertiser(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewCodeScanner(cfg)
	if err != nil {
		advertiser.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		advertiser.Stop()
		return nil, err
	}

	return &Service{
		Advertiser: advertiser,
		Scanner:    scanner,
	}, nil
}

// Stop stops scanner and advertiser.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Advertiser != nil {
		s.Advertiser.Stop()
	}
}
