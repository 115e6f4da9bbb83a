package discovery

import (
	"fmt"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/pionlog"
)

// Publisher makes rooms visible to Browsers.
type Publisher interface {
	Publish(r Room) error
	Close()
}

// MDNSServer is a live registration.
type MDNSServer interface {
	Shutdown()
}

// MDNSServerFactory creates registrations. Tests substitute it.
type MDNSServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

type zeroconfServerFactory struct{}

func (zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

type AdvertiserConfig struct {
	// Interfaces to advertise on; nil means all.
	Interfaces    []net.Interface
	ServerFactory MDNSServerFactory
	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes rooms. Publishing a room again replaces its records.
type Advertiser struct {
	ifaces  []net.Interface
	factory MDNSServerFactory
	log     logging.LeveledLogger

	mu      sync.Mutex
	servers map[string]MDNSServer
	closed  bool
}

var _ Publisher = (*Advertiser)(nil)

func NewAdvertiser(cfg AdvertiserConfig) *Advertiser {
	factory := cfg.ServerFactory
	if factory == nil {
		factory = zeroconfServerFactory{}
	}
	return &Advertiser{
		ifaces:  cfg.Interfaces,
		factory: factory,
		log:     pionlog.OrDefault(cfg.LoggerFactory).NewLogger("discovery"),
		servers: make(map[string]MDNSServer),
	}
}

func (a *Advertiser) Publish(r Room) error {
	if err := r.validate(); err != nil {
		return err
	}
	instance := r.InstanceName()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if prev, ok := a.servers[instance]; ok {
		prev.Shutdown()
		delete(a.servers, instance)
	}
	server, err := a.factory.Register(instance, ServiceType, DefaultDomain, r.Port, r.TXT(), a.ifaces)
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", instance, err)
	}
	a.servers[instance] = server
	a.log.Infof("advertising room %s on port %d", instance, r.Port)
	return nil
}

// Close withdraws every published room.
func (a *Advertiser) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	for instance, s := range a.servers {
		s.Shutdown()
		a.log.Debugf("withdrew room %s", instance)
	}
	a.servers = nil
}
