package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hookrelay/internal/auth"
	"github.com/danmuck/hookrelay/internal/config"
	"github.com/danmuck/hookrelay/internal/hook"
	"github.com/danmuck/hookrelay/internal/logging"
	"github.com/danmuck/hookrelay/internal/observability"
	"github.com/danmuck/hookrelay/internal/pairing"
)

const (
	// sniffWindow bounds how long a fresh connection may take to reveal
	// whether it is a subscriber or a hook event sender.
	sniffWindow = 500 * time.Millisecond
	sniffPoll   = 50 * time.Millisecond

	maxEventBytes = 1 << 20
)

var ErrServerClosed = errors.New("relay: server closed")

// Server accepts connections on the local socket and the network
// channel, classifies each one, and routes it to pairing, the
// subscription hub, or hook event processing.
type Server struct {
	cfg     config.Config
	svc     *Service
	pairing *pairing.Service
	token   auth.Validator
	trusted *auth.TrustedNetworks

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

func NewServer(cfg config.Config, svc *Service, pairingSvc *pairing.Service) (*Server, error) {
	trusted, err := auth.NewTrustedNetworks(cfg.TrustedNetworks, cfg.TrustedCIDRs)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		svc:     svc,
		pairing: pairingSvc,
		token:   auth.StaticToken{Token: cfg.Secret},
		trusted: trusted,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Start opens the configured listeners and begins accepting.
func (s *Server) Start() error {
	if s.cfg.SocketPath != "" {
		// A stale socket file from a crashed run blocks the bind.
		if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("relay: remove stale socket: %w", err)
		}
		ln, err := net.Listen("unix", s.cfg.SocketPath)
		if err != nil {
			return fmt.Errorf("relay: listen unix %s: %w", s.cfg.SocketPath, err)
		}
		s.addListener(ln)
		logging.Infof("relay.Start unix socket=%q", s.cfg.SocketPath)
	}
	if addr := s.cfg.ListenAddr(); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.Close()
			return fmt.Errorf("relay: listen tcp %s: %w", addr, err)
		}
		s.addListener(ln)
		logging.Infof("relay.Start tcp addr=%q trusted_networks=%v", addr, s.cfg.TrustedNetworks)
	}

	s.mu.Lock()
	listeners := append([]net.Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, ln := range listeners {
		s.wg.Add(1)
		go s.acceptLoop(ln)
	}
	return nil
}

// Addr returns the bound network address, if the channel is enabled.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		if ln.Addr().Network() == "tcp" {
			return ln.Addr()
		}
	}
	return nil
}

// Close stops the listeners and drops every live connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listeners := append([]net.Listener(nil), s.listeners...)
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	if s.cfg.SocketPath != "" {
		_ = os.Remove(s.cfg.SocketPath)
	}
}

func (s *Server) addListener(ln net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	network := ln.Addr().Network()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			logging.Warnf("relay.accept err=%v network=%q", err, network)
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		s.trackConn(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn, network)
		}()
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// handleConn runs the pre-auth routing, authentication, and protocol
// sniff for one fresh connection.
func (s *Server) handleConn(conn net.Conn, network string) {
	defer s.untrackConn(conn)
	peer := describe(conn)
	reader := bufio.NewReaderSize(conn, 8192)

	// One budget covers the pre-auth pairing peek and the credential
	// wait, so a silent peer is released after LineTimeout, not double.
	deadline := time.Now().Add(auth.LineTimeout)
	if network == "tcp" {
		if s.trusted.Trusted(peer) {
			// Trusted peers never present credentials; the greeting
			// tells a probing client it may proceed straight away.
			if _, err := conn.Write([]byte("OK\n")); err != nil {
				_ = conn.Close()
				return
			}
			logging.Debugf("relay.conn trusted peer=%q", peer)
			if s.routePairing(conn, reader, deadline) {
				return
			}
		} else {
			if s.routePairing(conn, reader, deadline) {
				return
			}
			if err := auth.ReadAuthLineUntil(conn, reader, s.token, deadline); err != nil {
				observability.AuthFailures.Inc()
				logging.Warnf("relay.auth rejected peer=%q err=%v", peer, err)
				_ = conn.Close()
				return
			}
		}
	} else if s.routePairing(conn, reader, deadline) {
		return
	}

	s.sniff(conn, reader, peer)
}

// routePairing diverts a connection whose first bytes are a pairing
// request. The pairing service owns the connection when true. The
// peek runs against the caller's pre-auth deadline.
func (s *Server) routePairing(conn net.Conn, reader *bufio.Reader, deadline time.Time) bool {
	if s.pairing == nil {
		return false
	}
	_ = conn.SetReadDeadline(deadline)
	prefix, err := reader.Peek(5)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil || !bytes.Equal(prefix, []byte("PAIR ")) {
		return false
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return true
	}
	s.pairing.HandlePair(conn, line)
	return true
}

// sniff classifies the post-auth stream. A subscriber announces itself
// with a SUBSCRIBE line; a hook sender writes one JSON object. The
// sender is given sniffWindow to produce a classifiable prefix, polled
// every sniffPoll; whatever accumulated by then is final.
func (s *Server) sniff(conn net.Conn, reader *bufio.Reader, peer string) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	deadline := time.Now().Add(sniffWindow)

	for {
		if mode, rest := classify(buf); mode != modeUnknown {
			_ = conn.SetReadDeadline(time.Time{})
			s.dispatch(conn, reader, peer, mode, rest)
			return
		}
		if len(buf) > maxEventBytes {
			s.reject(conn, peer, "event too large")
			return
		}
		if time.Now().After(deadline) {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(sniffPoll))
		n, err := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Stream ended; a complete JSON object may still be here.
			if mode, rest := classify(buf); mode != modeUnknown {
				s.dispatch(conn, reader, peer, mode, rest)
				return
			}
			_ = conn.Close()
			return
		}
	}

	// The window lapsed. Whatever accumulated is final; a bare
	// SUBSCRIBE prefix is honored as a last resort.
	_ = conn.SetReadDeadline(time.Time{})
	trimmed := bytes.TrimSpace(buf)
	if bytes.HasPrefix(trimmed, []byte("SUBSCRIBE")) {
		s.dispatch(conn, reader, peer, modeSubscribe, nil)
		return
	}
	if len(trimmed) == 0 {
		_ = conn.Close()
		return
	}
	s.reject(conn, peer, "unrecognized protocol")
}

type connMode int

const (
	modeUnknown connMode = iota
	modeSubscribe
	modeEvent
)

// classify inspects accumulated bytes. For subscribe mode, rest holds
// any pipelined bytes past the SUBSCRIBE line.
func classify(buf []byte) (connMode, []byte) {
	trimmed := bytes.TrimLeft(buf, " \t\r\n")
	if len(trimmed) == 0 {
		return modeUnknown, nil
	}
	if bytes.HasPrefix(trimmed, []byte("SUBSCRIBE")) {
		if i := bytes.IndexByte(trimmed, '\n'); i >= 0 {
			return modeSubscribe, trimmed[i+1:]
		}
		// Bare SUBSCRIBE with no terminator yet still classifies once
		// nothing else can follow on the line.
		if bytes.Equal(trimmed, []byte("SUBSCRIBE")) {
			return modeSubscribe, nil
		}
		return modeUnknown, nil
	}
	if trimmed[0] == '{' && json.Valid(bytes.TrimSpace(trimmed)) {
		return modeEvent, bytes.TrimSpace(trimmed)
	}
	return modeUnknown, nil
}

func (s *Server) dispatch(conn net.Conn, reader *bufio.Reader, peer string, mode connMode, data []byte) {
	switch mode {
	case modeSubscribe:
		// Hand ownership to the hub, including any bytes buffered past
		// the subscribe line.
		rest := append([]byte(nil), data...)
		if n := reader.Buffered(); n > 0 {
			extra, _ := reader.Peek(n)
			rest = append(rest, extra...)
			_, _ = reader.Discard(n)
		}
		if _, err := s.svc.Hub().AddSubscriber(conn, rest, peer); err != nil {
			logging.Warnf("relay.subscribe failed peer=%q err=%v", peer, err)
			_ = conn.Close()
			return
		}
		observability.Subscribers.Set(float64(s.svc.Hub().SubscriberCount()))

	case modeEvent:
		ev, err := hook.Decode(data)
		if err != nil {
			s.reject(conn, peer, "malformed event")
			return
		}
		heldID, hold := s.svc.HandleEvent(ev, conn)
		if !hold {
			_ = conn.Close()
			return
		}
		// The correlator now owns the connection; watch for the hook
		// process going away before a decision lands.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			discard := make([]byte, 256)
			for {
				if _, err := reader.Read(discard); err != nil {
					s.svc.AbandonDecision(ev.SessionID, heldID)
					return
				}
			}
		}()
	}
}

func (s *Server) reject(conn net.Conn, peer, why string) {
	logging.Warnf("relay.conn rejected peer=%q reason=%q", peer, why)
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write([]byte("ERR: " + why + "\n"))
	_ = conn.Close()
}

// describe returns a compact peer label for logs.
func describe(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if strings.TrimSpace(addr) == "" {
		return conn.RemoteAddr().Network()
	}
	return addr
}
