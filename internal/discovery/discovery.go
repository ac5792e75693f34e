// Package discovery advertises the relay on the local network so
// companions can find it without manual addressing.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/danmuck/hookrelay/internal/logging"
)

// Advertiser is one active mDNS registration.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the relay's network channel under serviceName
// (for example "_hookrelay._tcp").
func Advertise(serviceName string, port int) (*Advertiser, error) {
	host, _ := os.Hostname()
	if host == "" {
		host = "hookrelay"
	}
	txt := []string{"version=1"}
	server, err := zeroconf.Register(host, serviceName, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", serviceName, err)
	}
	logging.Infof("discovery.Advertise service=%q port=%d host=%q", serviceName, port, host)
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	logging.Infof("discovery.Shutdown")
}

// Instance is one discovered relay.
type Instance struct {
	Name string
	Addr string
	Port int
}

// Browse collects advertised relays until the context ends or the
// resolver finishes a sweep.
func Browse(ctx context.Context, serviceName string, wait time.Duration) ([]Instance, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry, 16)
	browseCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := resolver.Browse(browseCtx, serviceName, "local.", entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	var found []Instance
	for entry := range entries {
		if entry == nil || len(entry.AddrIPv4) == 0 {
			continue
		}
		found = append(found, Instance{
			Name: strings.TrimSuffix(entry.Instance, "."),
			Addr: net.JoinHostPort(entry.AddrIPv4[0].String(), fmt.Sprintf("%d", entry.Port)),
			Port: entry.Port,
		})
	}
	return found, nil
}
