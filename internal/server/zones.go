package server

import (
	"net"
	"strconv"
	"sync"

	"github.com/casmesh/casmesh/pkg/proto"
)

// zoneProxy is the session relaying fetches for one zone. It is owned by
// that session in the transfer registry and released with it.
type zoneProxy struct {
	zone    string
	session uint64
	host    string
	port    uint16

	m         *zoneMap
	onRelease func(*zoneProxy)
}

func (z *zoneProxy) address() string {
	return net.JoinHostPort(z.host, strconv.Itoa(int(z.port)))
}

// Release implements transfer.Resource.
func (z *zoneProxy) Release(error) {
	if z.m.drop(z) && z.onRelease != nil {
		z.onRelease(z)
	}
}

// zoneMap assigns at most one proxy per zone. The first proxy-capable
// requester from a zone becomes its proxy until it disconnects.
type zoneMap struct {
	mu     sync.Mutex
	byZone map[string]*zoneProxy
}

func newZoneMap() *zoneMap {
	return &zoneMap{byZone: make(map[string]*zoneProxy)}
}

// assign returns where a fetch from session in zone should go, or nil when
// the session should be served directly: it is the zone's proxy, or no proxy
// exists and it cannot become one. When session becomes the proxy the new
// assignment is returned too, for the caller to register against the session.
func (m *zoneMap) assign(zone string, session uint64, host string, port uint16, onRelease func(*zoneProxy)) (*proto.ProxyAssignment, *zoneProxy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.byZone[zone]; ok {
		if p.session == session {
			return nil, nil
		}
		return &proto.ProxyAssignment{Host: p.host, Port: p.port}, nil
	}
	if port == 0 {
		return nil, nil
	}
	z := &zoneProxy{zone: zone, session: session, host: host, port: port, m: m, onRelease: onRelease}
	m.byZone[zone] = z
	return &proto.ProxyAssignment{IsNew: true, Host: host, Port: port}, z
}

// drop removes z if it is still its zone's proxy.
func (m *zoneMap) drop(z *zoneProxy) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byZone[z.zone] != z {
		return false
	}
	delete(m.byZone, z.zone)
	return true
}

// proxyFor returns the zone's proxy session, if any.
func (m *zoneMap) proxyFor(zone string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byZone[zone]
	if !ok {
		return 0, false
	}
	return p.session, true
}

func (m *zoneMap) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byZone)
}
