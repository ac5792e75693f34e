// Package pairing issues short-lived codes that let a new companion
// device obtain the shared secret without typing 64 hex characters.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hookrelay/internal/logging"
)

var (
	ErrNoActiveCode = errors.New("pairing: no active code")
	ErrCodeMismatch = errors.New("pairing: code mismatch")
)

// CodeTTL is how long a generated code stays redeemable.
const CodeTTL = 120 * time.Second

// Service holds at most one active pairing code. Generating a new code
// invalidates the previous one; redeeming or expiry clears it.
type Service struct {
	mu        sync.Mutex
	code      string
	expiresAt time.Time
	timer     *time.Timer

	// ttl is CodeTTL in production; tests shrink it.
	ttl    time.Duration
	secret string
}

func New(secret string) *Service {
	return &Service{secret: secret, ttl: CodeTTL}
}

// GenerateCode mints a fresh 6-digit code valid for CodeTTL. Any
// previously issued code stops working immediately.
func (s *Service) GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("pairing: generate code: %w", err)
	}
	code := fmt.Sprintf("%06d", n.Int64())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = code
	s.expiresAt = time.Now().Add(s.ttl)
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.ttl, func() { s.expire(code) })

	logging.Infof("pairing.GenerateCode ttl=%s", s.ttl)
	return code, nil
}

// Redeem validates the presented code and, on the first valid
// presentation, returns the shared secret. The code is single-use.
func (s *Service) Redeem(code string) (string, error) {
	code = strings.TrimSpace(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.code == "" || time.Now().After(s.expiresAt) {
		return "", ErrNoActiveCode
	}
	if code != s.code {
		return "", ErrCodeMismatch
	}
	s.clearLocked()
	logging.Infof("pairing.Redeem success")
	return s.secret, nil
}

// Active reports whether a code is currently redeemable.
func (s *Service) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code != "" && time.Now().Before(s.expiresAt)
}

// ExpiresAt returns the deadline of the active code, if any.
func (s *Service) ExpiresAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.code == "" {
		return time.Time{}, false
	}
	return s.expiresAt, true
}

func (s *Service) expire(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A newer code may have replaced the expiring one.
	if s.code == code {
		s.clearLocked()
		logging.Infof("pairing.expire code lapsed")
	}
}

func (s *Service) clearLocked() {
	s.code = ""
	s.expiresAt = time.Time{}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// HandlePair serves one `PAIR <code>` request that arrived on a fresh
// connection before authentication. On success the shared secret is
// written as `TOKEN <secret>`; every failure writes an `ERR: ` line.
// The connection is closed either way.
func (s *Service) HandlePair(conn net.Conn, line string) {
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	code, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "PAIR ")
	if !ok {
		_, _ = conn.Write([]byte("ERR: expected PAIR <code>\n"))
		return
	}
	secret, err := s.Redeem(code)
	if err != nil {
		logging.Warnf("pairing.HandlePair rejected peer=%q err=%v", conn.RemoteAddr(), err)
		_, _ = conn.Write([]byte("ERR: invalid or expired code\n"))
		return
	}
	logging.Infof("pairing.HandlePair paired peer=%q", conn.RemoteAddr())
	_, _ = conn.Write([]byte("TOKEN " + secret + "\n"))
}
