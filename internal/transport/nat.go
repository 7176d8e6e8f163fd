package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// natMapper discovers the LAN gateway and maps external ports to it via
// NAT-PMP or UPnP, so peers behind NAT can still be dialled on their
// advertised listen address (spec.md §4.1's address discovery).
type natMapper struct {
	ip         net.IP
	pmp        *natpmp.Client
	upnp       *internetgateway1.WANIPConnection1
	mappedPort int
}

// discoverNAT probes for a gateway and its reported external IP. It returns
// an error when no gateway responds, which callers treat as "NAT traversal
// unavailable" rather than fatal.
func discoverNAT() (*natMapper, error) {
	m := &natMapper{}
	if gw, err := gateway.DiscoverGateway(); err == nil {
		m.pmp = natpmp.NewClient(gw)
		if res, err := m.pmp.GetExternalAddress(); err == nil {
			ip := res.ExternalIPAddress
			m.ip = net.IPv4(ip[0], ip[1], ip[2], ip[3])
		}
	}
	if m.ip == nil {
		if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
			m.upnp = clients[0]
			if ipStr, err := m.upnp.GetExternalIPAddress(); err == nil {
				m.ip = net.ParseIP(ipStr)
			}
		}
	}
	if m.ip == nil {
		return nil, fmt.Errorf("transport: nat: no gateway found")
	}
	return m, nil
}

func (m *natMapper) externalIP() net.IP { return m.ip }

func (m *natMapper) mapPort(port int) error {
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", port, port, 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	if m.upnp != nil {
		if err := m.upnp.AddPortMapping("", uint16(port), "TCP", uint16(port), m.ip.String(), true, "driftwood", 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	return fmt.Errorf("transport: nat: port mapping failed")
}

func (m *natMapper) unmapPort() error {
	if m.mappedPort == 0 {
		return nil
	}
	defer func() { m.mappedPort = 0 }()
	if m.pmp != nil {
		_, err := m.pmp.AddPortMapping("tcp", m.mappedPort, m.mappedPort, 0)
		return err
	}
	if m.upnp != nil {
		return m.upnp.DeletePortMapping("", uint16(m.mappedPort), "TCP")
	}
	return nil
}

func tcpPort(addr string) (int, error) {
	parts := strings.Split(addr, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "tcp" {
			return strconv.Atoi(parts[i+1])
		}
	}
	return 0, fmt.Errorf("transport: nat: no tcp port in %s", addr)
}

// enableNAT discovers a gateway, maps every TCP listen port the host bound,
// and keeps the mapper in t.nat so Close can remove the mapping on
// shutdown. The mapper records only the last port it mapped, and Close
// removes only that one. Failure to
// discover a gateway is logged and non-fatal: many deployments run with a
// publicly routable address and need no NAT traversal at all.
func (t *Transport) enableNAT() {
	m, err := discoverNAT()
	if err != nil {
		log.WithError(err).Debug("nat traversal unavailable")
		return
	}
	for _, addr := range t.host.Addrs() {
		port, err := tcpPort(addr.String())
		if err != nil {
			continue
		}
		if err := m.mapPort(port); err != nil {
			log.WithError(err).WithField("port", port).Warn("nat port mapping failed")
			continue
		}
		log.WithField("port", port).WithField("external_ip", m.externalIP()).Info("nat port mapped")
	}
	t.nat = m
}
