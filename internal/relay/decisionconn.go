package relay

import (
	"encoding/json"
	"net"
	"sync"
	"time"
)

// decisionReply is the JSON written back to a blocked hook process.
type decisionReply struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// decisionConn wraps a held-open hook connection so a decision can be
// delivered to it later. It satisfies correlate.DecisionWriter.
type decisionConn struct {
	conn net.Conn

	mu     sync.Mutex
	closed bool
}

func newDecisionConn(conn net.Conn) *decisionConn {
	return &decisionConn{conn: conn}
}

func (d *decisionConn) WriteDecision(decision, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return net.ErrClosed
	}
	payload, err := json.Marshal(decisionReply{Decision: decision, Reason: reason})
	if err != nil {
		return err
	}
	_ = d.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = d.conn.Write(append(payload, '\n'))
	return err
}

func (d *decisionConn) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.conn.Close()
}
