// ABOUTME: mDNS service discovery for the sync monitor
// ABOUTME: Advertises a running monitor and browses for monitors on the local network
package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/mdns"
	"github.com/syntalos/tsync-go/internal/protocol"
)

// ServiceType is the DNS-SD service type of a sync monitor
const ServiceType = "_tsync-monitor._tcp"

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	// BrowseTimeout bounds a single query round
	BrowseTimeout time.Duration
	Logger        logr.Logger
}

// Manager handles mDNS operations
type Manager struct {
	config  Config
	log     logr.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo
}

// ServerInfo describes a discovered monitor
type ServerInfo struct {
	Name string
	Host string
	Port int
	Path string
}

// Addr returns host:port of the monitor
func (s *ServerInfo) Addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if config.BrowseTimeout <= 0 {
		config.BrowseTimeout = 3 * time.Second
	}
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Manager{
		config:  config,
		log:     log.WithName("discovery"),
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
	}
}

// TXTRecords returns the TXT records published with the service
func (m *Manager) TXTRecords() []string {
	return []string{
		"path=" + protocol.Path,
		fmt.Sprintf("version=%d", protocol.Version),
	}
}

// Advertise publishes the monitor via mDNS until Stop is called
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		m.TXTRecords(),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.log.Info("Advertising mDNS service", "name", m.config.ServiceName, "port", m.config.Port, "type", ServiceType)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse searches for monitors until Stop is called
func (m *Manager) Browse() {
	go m.browseLoop()
}

func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				server := entryToServer(entry)
				if server == nil {
					continue
				}

				m.log.V(1).Info("Discovered monitor", "name", server.Name, "addr", server.Addr())

				select {
				case m.servers <- server:
				case <-m.ctx.Done():
				}
			}
		}()

		params := mdns.DefaultParams(ServiceType)
		params.Entries = entries
		params.Timeout = m.config.BrowseTimeout
		params.DisableIPv6 = true
		start := time.Now()
		if err := mdns.Query(params); err != nil {
			m.log.V(1).Info("mDNS query failed", "error", err.Error())
		}
		close(entries)
		<-done

		// don't spin when queries fail fast
		if wait := m.config.BrowseTimeout - time.Since(start); wait > 0 {
			select {
			case <-time.After(wait):
			case <-m.ctx.Done():
				return
			}
		}
	}
}

func entryToServer(entry *mdns.ServiceEntry) *ServerInfo {
	if entry == nil || entry.AddrV4 == nil {
		return nil
	}
	server := &ServerInfo{
		Name: entry.Name,
		Host: entry.AddrV4.String(),
		Port: entry.Port,
		Path: protocol.Path,
	}
	for _, field := range entry.InfoFields {
		if len(field) > 5 && field[:5] == "path=" {
			server.Path = field[5:]
		}
	}
	return server
}

// Servers returns the channel of discovered monitors
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Stop stops advertising and browsing
func (m *Manager) Stop() {
	m.cancel()
}

// getLocalIPs returns local IPv4 addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
