package discovery

import (
	"context"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/pionlog"
)

// Browser finds published rooms.
type Browser interface {
	Discover(ctx context.Context) (<-chan Room, error)
}

// MDNSResolver browses DNS-SD. Tests substitute it.
type MDNSResolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

type ResolverConfig struct {
	MDNSResolver MDNSResolver
	// BrowseTimeout applies when Discover's ctx has no deadline.
	BrowseTimeout time.Duration
	LoggerFactory logging.LoggerFactory
}

type Resolver struct {
	resolver MDNSResolver
	timeout  time.Duration
	log      logging.LeveledLogger
}

var _ Browser = (*Resolver)(nil)

func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	resolver := cfg.MDNSResolver
	if resolver == nil {
		zr, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		resolver = zr
	}
	timeout := cfg.BrowseTimeout
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	return &Resolver{
		resolver: resolver,
		timeout:  timeout,
		log:      pionlog.OrDefault(cfg.LoggerFactory).NewLogger("discovery"),
	}, nil
}

// Discover yields rooms until ctx is done or the browse timeout expires.
// Each instance is reported once.
func (r *Resolver) Discover(ctx context.Context) (<-chan Room, error) {
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); ok {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	browseDone := make(chan struct{})
	go func() {
		defer close(browseDone)
		if err := r.resolver.Browse(ctx, ServiceType, DefaultDomain, entries); err != nil && ctx.Err() == nil {
			r.log.Warnf("browse %s: %v", ServiceType, err)
		}
	}()

	results := make(chan Room)
	go func() {
		defer close(results)
		defer cancel()
		seen := make(map[string]struct{})
		for {
			select {
			case <-ctx.Done():
				return
			case <-browseDone:
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				room, ok := entryToRoom(entry)
				if !ok {
					continue
				}
				if _, dup := seen[room.InstanceName()]; dup {
					continue
				}
				seen[room.InstanceName()] = struct{}{}
				select {
				case results <- room:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return results, nil
}

// entryToRoom rejects entries missing the room or creator records.
func entryToRoom(entry *zeroconf.ServiceEntry) (Room, bool) {
	if entry == nil {
		return Room{}, false
	}
	room := parseTXT(entry.Text)
	if room.Name == "" || room.Creator == "" {
		return Room{}, false
	}
	room.Host = entry.HostName
	room.Port = entry.Port
	room.IPs = append(room.IPs, entry.AddrIPv4...)
	room.IPs = append(room.IPs, entry.AddrIPv6...)
	return room, true
}
