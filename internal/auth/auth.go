// Package auth validates network-channel credentials and trust exceptions.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrMissingAuth  = errors.New("auth: missing AUTH line")
	ErrTimeout      = errors.New("auth: credential read timed out")
)

const (
	// LineTimeout bounds how long a peer may take to present its AUTH line.
	LineTimeout = 5 * time.Second

	maxLineBytes = 4 * 1024
)

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken compares against a single shared secret in constant time.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// TrustedNetworks grants credential-free access to peers inside the
// configured ranges. This is a deliberate reduced-friction policy for
// pre-authenticated mesh networks, not a transport-security substitute.
type TrustedNetworks struct {
	Enabled bool
	nets    []*net.IPNet
}

func NewTrustedNetworks(enabled bool, cidrs []string) (*TrustedNetworks, error) {
	tn := &TrustedNetworks{Enabled: enabled}
	for _, raw := range cidrs {
		_, ipNet, err := net.ParseCIDR(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("auth: parse trusted cidr %q: %w", raw, err)
		}
		tn.nets = append(tn.nets, ipNet)
	}
	return tn, nil
}

// Trusted reports whether peerAddr (host:port or bare IP) is inside a
// trusted range while trust mode is enabled.
func (t *TrustedNetworks) Trusted(peerAddr string) bool {
	if t == nil || !t.Enabled {
		return false
	}
	host := peerAddr
	if h, _, err := net.SplitHostPort(peerAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range t.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ReadAuthLine reads one `AUTH <token>` line from the connection and
// validates the token. The reader retains any bytes received past the
// line terminator, so pipelined writes (AUTH+SUBSCRIBE in one packet)
// lose nothing. On success "OK\n" is written; on failure an
// "ERR: ..." diagnostic is written and the error returned.
func ReadAuthLine(conn net.Conn, reader *bufio.Reader, validator Validator) error {
	return ReadAuthLineUntil(conn, reader, validator, time.Now().Add(LineTimeout))
}

// ReadAuthLineUntil is ReadAuthLine with a caller-owned deadline, so a
// pre-auth routing step and the credential wait share one budget
// instead of stacking timeouts.
func ReadAuthLineUntil(conn net.Conn, reader *bufio.Reader, validator Validator, deadline time.Time) error {
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	line, err := reader.ReadString('\n')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			_, _ = conn.Write([]byte("ERR: auth timeout\n"))
			return ErrTimeout
		}
		return fmt.Errorf("%w: %v", ErrMissingAuth, err)
	}
	if len(line) > maxLineBytes {
		_, _ = conn.Write([]byte("ERR: auth line too long\n"))
		return ErrUnauthorized
	}

	line = strings.TrimRight(line, "\r\n")
	token, ok := strings.CutPrefix(line, "AUTH ")
	if !ok {
		_, _ = conn.Write([]byte("ERR: expected AUTH <token>\n"))
		return ErrMissingAuth
	}
	if err := validator.Validate(strings.TrimSpace(token)); err != nil {
		_, _ = conn.Write([]byte("ERR: invalid token\n"))
		return err
	}
	if _, err := conn.Write([]byte("OK\n")); err != nil {
		return err
	}
	return nil
}
