// Package relayclient implements the companion side of the relay
// protocol: connect, authenticate, subscribe, and exchange
// newline-delimited JSON frames.
package relayclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hookrelay/internal/logging"
)

const (
	// maxFrameBytes caps one inbound frame.
	maxFrameBytes = 1 << 20

	// trustProbeWindow is how long to wait for the server's proactive
	// greeting before presenting credentials.
	trustProbeWindow = 500 * time.Millisecond

	authReplyTimeout = 5 * time.Second
)

var (
	ErrAuthRejected = errors.New("relayclient: authentication rejected")
	ErrClosed       = errors.New("relayclient: closed")
)

// Push is one server-originated frame.
type Push struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Options configures one connection. SocketPath wins over Addr when
// both are set; the local socket needs no credential.
type Options struct {
	SocketPath string
	Addr       string
	Token      string
}

// Client is one authenticated companion connection.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	sendMu sync.Mutex

	pushes chan Push
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// Dial connects and authenticates but does not subscribe.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	var d net.Dialer
	var conn net.Conn
	var err error
	switch {
	case opts.SocketPath != "":
		conn, err = d.DialContext(ctx, "unix", opts.SocketPath)
	case opts.Addr != "":
		conn, err = d.DialContext(ctx, "tcp", opts.Addr)
	default:
		return nil, errors.New("relayclient: no socket path or address")
	}
	if err != nil {
		return nil, fmt.Errorf("relayclient: dial: %w", err)
	}

	c := &Client{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64*1024),
		pushes: make(chan Push, 64),
		done:   make(chan struct{}),
	}
	if opts.SocketPath == "" {
		if err := c.authenticate(opts.Token); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return c, nil
}

// authenticate first probes for the trusted-peer greeting, then falls
// back to presenting the shared credential.
func (c *Client) authenticate(token string) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(trustProbeWindow))
	line, err := c.reader.ReadString('\n')
	_ = c.conn.SetReadDeadline(time.Time{})
	if err == nil {
		if strings.TrimSpace(line) == "OK" {
			logging.Debugf("relayclient.auth trusted greeting received")
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAuthRejected, strings.TrimSpace(line))
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		return fmt.Errorf("relayclient: auth probe: %w", err)
	}

	if token == "" {
		return fmt.Errorf("%w: no token configured", ErrAuthRejected)
	}
	if _, err := c.conn.Write([]byte("AUTH " + token + "\n")); err != nil {
		return fmt.Errorf("relayclient: send auth: %w", err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(authReplyTimeout))
	line, err = c.reader.ReadString('\n')
	_ = c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("relayclient: auth reply: %w", err)
	}
	reply := strings.TrimSpace(line)
	if reply != "OK" {
		return fmt.Errorf("%w: %s", ErrAuthRejected, reply)
	}
	return nil
}

// Subscribe switches the connection into push mode and starts the
// frame reader. Pushes arrive on Pushes(); ping frames are answered
// automatically.
func (c *Client) Subscribe() error {
	if _, err := c.conn.Write([]byte("SUBSCRIBE\n")); err != nil {
		return fmt.Errorf("relayclient: subscribe: %w", err)
	}
	go c.readLoop()
	return nil
}

// Pushes streams server frames. Closed when the connection ends; Err
// reports why.
func (c *Client) Pushes() <-chan Push {
	return c.pushes
}

// Err returns the terminal read error, if any, after Pushes closes.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Approve resolves a pending permission with an allow decision.
func (c *Client) Approve(sessionID, toolUseID, reason string) error {
	return c.send(outbound{Type: "approve", SessionID: sessionID, ToolUseID: toolUseID, Reason: reason})
}

// Deny resolves a pending permission with a deny decision.
func (c *Client) Deny(sessionID, toolUseID, reason string) error {
	return c.send(outbound{Type: "deny", SessionID: sessionID, ToolUseID: toolUseID, Reason: reason})
}

// SendEvent writes one raw JSON event frame. Used by the CLI to
// exercise the hook-sender path.
func (c *Client) SendEvent(payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	_, err := c.conn.Write(append(payload, '\n'))
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) send(msg outbound) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = c.conn.Write(append(payload, '\n'))
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// readLoop parses frames until the stream ends. A frame is matched
// against the literal acknowledgements first, then decoded as JSON.
func (c *Client) readLoop() {
	defer close(c.pushes)
	scanner := bufio.NewScanner(c.reader)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "OK" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "ERR"); ok {
			c.fail(fmt.Errorf("relayclient: server error: %s", strings.TrimLeft(rest, ": ")))
			return
		}
		var push Push
		if err := json.Unmarshal([]byte(line), &push); err != nil {
			logging.Warnf("relayclient.readLoop malformed frame err=%v", err)
			continue
		}
		if push.Type == "ping" {
			if err := c.send(outbound{Type: "pong"}); err != nil {
				c.fail(err)
				return
			}
			continue
		}
		// A consumer that stopped draining must not pin this goroutine
		// past Close.
		select {
		case c.pushes <- push:
		case <-c.done:
			return
		}
	}
	if err := scanner.Err(); err != nil && !c.isClosed() {
		c.fail(err)
		return
	}
	c.fail(nil)
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	_ = c.Close()
}
