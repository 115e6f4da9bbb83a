// Package discovery advertises and finds walkie-talkie rooms on the local
// network over mDNS/DNS-SD.
//
// A room is published as an instance of _walkie._tcp named
// "<room>_<creator>". Its TXT records carry room=, creator=, path= and one
// m.<key>= entry per metadata key.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	ServiceType   = "_walkie._tcp"
	DefaultDomain = "local."
	DefaultPath   = "/ws"

	// DefaultBrowseTimeout bounds Discover when ctx has no deadline.
	DefaultBrowseTimeout = 2 * time.Second

	txtRoom     = "room"
	txtCreator  = "creator"
	txtPath     = "path"
	txtMetadata = "m."
)

var (
	ErrClosed      = errors.New("discovery: closed")
	ErrInvalidRoom = errors.New("discovery: invalid room")
)

// Room is an advertised relay endpoint.
type Room struct {
	Name     string
	Creator  string
	Path     string
	Host     string
	Port     int
	IPs      []net.IP
	Metadata map[string]string
}

// InstanceName is the DNS-SD instance for r.
func (r Room) InstanceName() string {
	return r.Name + "_" + r.Creator
}

// RelayURL is the relay WebSocket URL for r, using its first address.
func (r Room) RelayURL() (string, error) {
	host := r.Host
	if len(r.IPs) > 0 {
		host = r.IPs[0].String()
	}
	if host == "" || r.Port <= 0 {
		return "", fmt.Errorf("%w: room %q has no address", ErrInvalidRoom, r.Name)
	}
	path := r.Path
	if path == "" {
		path = DefaultPath
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(strings.TrimSuffix(host, "."), strconv.Itoa(r.Port)), Path: path}
	return u.String(), nil
}

func (r Room) validate() error {
	switch {
	case r.Name == "" || r.Creator == "":
		return fmt.Errorf("%w: name and creator are required", ErrInvalidRoom)
	case strings.ContainsAny(r.Name, "_."):
		return fmt.Errorf("%w: name %q may not contain '_' or '.'", ErrInvalidRoom, r.Name)
	case r.Port <= 0 || r.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidRoom, r.Port)
	}
	for k := range r.Metadata {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("%w: metadata key %q", ErrInvalidRoom, k)
		}
	}
	return nil
}

// TXT renders r's TXT records in a stable order.
func (r Room) TXT() []string {
	path := r.Path
	if path == "" {
		path = DefaultPath
	}
	txt := []string{
		txtRoom + "=" + r.Name,
		txtCreator + "=" + r.Creator,
		txtPath + "=" + path,
	}
	keys := make([]string, 0, len(r.Metadata))
	for k := range r.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		txt = append(txt, txtMetadata+k+"="+r.Metadata[k])
	}
	return txt
}

// parseTXT fills the TXT-derived fields of a room. Records without '=' and
// unknown keys are ignored.
func parseTXT(records []string) Room {
	var r Room
	for _, rec := range records {
		k, v, ok := strings.Cut(rec, "=")
		if !ok {
			continue
		}
		switch {
		case k == txtRoom:
			r.Name = v
		case k == txtCreator:
			r.Creator = v
		case k == txtPath:
			r.Path = v
		case strings.HasPrefix(k, txtMetadata) && len(k) > len(txtMetadata):
			if r.Metadata == nil {
				r.Metadata = make(map[string]string)
			}
			r.Metadata[strings.TrimPrefix(k, txtMetadata)] = v
		}
	}
	return r
}
