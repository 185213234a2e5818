package discovery

import (
	"errors"
	"fmt"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"github.com/nerrad567/hwm-core/internal/infrastructure/config"
)

// ErrDisabled is returned by Advertise when discovery is turned off.
var ErrDisabled = errors.New("discovery: disabled")

const (
	defaultService = "_hwm._tcp"
	defaultDomain  = "local."
	apiPath        = "/api/v1"
)

// server is the part of *zeroconf.Server the advertiser uses.
type server interface {
	Shutdown()
}

// register matches zeroconf.Register without server options. Replaced in tests.
var register = func(instance, service, domain string, port int, txt []string) (server, error) {
	return zeroconf.Register(instance, service, domain, port, txt, nil)
}

// Info describes what is advertised.
type Info struct {
	StationID string
	Version   string
	Port      int
	TLS       bool
}

// Advertiser holds a live mDNS registration.
type Advertiser struct {
	mu       sync.Mutex
	srv      server
	instance string
}

// Advertise registers the API on all multicast interfaces. The instance
// name defaults to "hwm-<station id>".
func Advertise(cfg config.DiscoveryConfig, info Info) (*Advertiser, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if info.Port <= 0 {
		return nil, fmt.Errorf("discovery: invalid port %d", info.Port)
	}

	instance := cfg.Instance
	if instance == "" {
		instance = "hwm-" + info.StationID
	}
	service := cfg.Service
	if service == "" {
		service = defaultService
	}
	domain := cfg.Domain
	if domain == "" {
		domain = defaultDomain
	}

	srv, err := register(instance, service, domain, info.Port, TXTRecords(info))
	if err != nil {
		return nil, fmt.Errorf("discovery: registering %s.%s: %w", instance, service, err)
	}
	return &Advertiser{srv: srv, instance: instance}, nil
}

// TXTRecords builds the DNS-SD TXT strings for info.
func TXTRecords(info Info) []string {
	txt := []string{
		"station=" + info.StationID,
		"path=" + apiPath,
		fmt.Sprintf("tls=%t", info.TLS),
	}
	if info.Version != "" {
		txt = append(txt, "version="+info.Version)
	}
	return txt
}

// Instance returns the advertised instance name.
func (a *Advertiser) Instance() string { return a.instance }

// Shutdown withdraws the advertisement. Safe to call more than once.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.srv != nil {
		a.srv.Shutdown()
		a.srv = nil
	}
}
