package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/danmuck/hookrelay/internal/logging"
)

// ProximityService is the dedicated mDNS type under which a proximity
// pairing window is advertised.
const ProximityService = "_hookrelay-pair._tcp"

// proximityWindow bounds how long an opened window stays discoverable.
const proximityWindow = 120 * time.Second

// ProximityPayload is what a discovering peer receives: the credential
// plus enough addressing detail to connect without manual setup.
type ProximityPayload struct {
	Secret      string `json:"secret"`
	Port        int    `json:"port"`
	ServiceName string `json:"service_name"`
	Host        string `json:"host,omitempty"`
}

// ProximitySession is one open proximity pairing window: an ephemeral
// listener advertised over mDNS that hands the payload to the first
// peer and then shuts down.
type ProximitySession struct {
	listener net.Listener
	server   *zeroconf.Server

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// OpenProximity starts a proximity pairing window. The payload is
// delivered to the first peer that connects; the window closes after a
// successful delivery or when the window elapses.
func OpenProximity(payload ProximityPayload) (*ProximitySession, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("pairing: proximity listen: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	host, _ := os.Hostname()
	if host == "" {
		host = "hookrelay"
	}
	server, err := zeroconf.Register(host, ProximityService, "local.", port, nil, nil)
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("pairing: proximity advertise: %w", err)
	}

	ps := &ProximitySession{
		listener: listener,
		server:   server,
		done:     make(chan struct{}),
	}
	logging.Infof("pairing.OpenProximity port=%d window=%s", port, proximityWindow)

	go ps.serve(payload)
	go func() {
		select {
		case <-time.After(proximityWindow):
			logging.Infof("pairing.proximity window elapsed")
			ps.Close()
		case <-ps.done:
		}
	}()
	return ps, nil
}

// Port returns the ephemeral listener port.
func (ps *ProximitySession) Port() int {
	return ps.listener.Addr().(*net.TCPAddr).Port
}

// Done is closed when the window has ended.
func (ps *ProximitySession) Done() <-chan struct{} {
	return ps.done
}

// Close ends the window. Idempotent.
func (ps *ProximitySession) Close() {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return
	}
	ps.closed = true
	close(ps.done)
	ps.mu.Unlock()

	ps.server.Shutdown()
	_ = ps.listener.Close()
}

func (ps *ProximitySession) serve(payload ProximityPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Errf("pairing.proximity marshal err=%v", err)
		ps.Close()
		return
	}
	data = append(data, '\n')

	for {
		conn, err := ps.listener.Accept()
		if err != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_, werr := conn.Write(data)
		_ = conn.Close()
		if werr != nil {
			logging.Warnf("pairing.proximity write failed peer=%q err=%v", conn.RemoteAddr(), werr)
			continue
		}
		logging.Infof("pairing.proximity delivered peer=%q", conn.RemoteAddr())
		ps.Close()
		return
	}
}

// DiscoverProximity browses for an open proximity window and retrieves
// its payload. Used by the companion CLI.
func DiscoverProximity(ctx context.Context) (ProximityPayload, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return ProximityPayload{}, fmt.Errorf("pairing: resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry, 4)
	browseCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := resolver.Browse(browseCtx, ProximityService, "local.", entries); err != nil {
		return ProximityPayload{}, fmt.Errorf("pairing: browse: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ProximityPayload{}, ctx.Err()
		case entry, ok := <-entries:
			if !ok {
				return ProximityPayload{}, fmt.Errorf("pairing: no proximity window found")
			}
			if entry == nil || len(entry.AddrIPv4) == 0 {
				continue
			}
			addr := net.JoinHostPort(entry.AddrIPv4[0].String(), fmt.Sprintf("%d", entry.Port))
			payload, err := fetchProximity(ctx, addr)
			if err != nil {
				logging.Warnf("pairing.DiscoverProximity fetch failed addr=%q err=%v", addr, err)
				continue
			}
			return payload, nil
		}
	}
}

func fetchProximity(ctx context.Context, addr string) (ProximityPayload, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ProximityPayload{}, err
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var payload ProximityPayload
	if err := json.NewDecoder(conn).Decode(&payload); err != nil {
		return ProximityPayload{}, err
	}
	if payload.Secret == "" {
		return ProximityPayload{}, fmt.Errorf("pairing: empty payload")
	}
	return payload, nil
}
