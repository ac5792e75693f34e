// Package hub maintains the registry of persistent companion
// connections and delivers ordered, failure-isolated pushes to them.
package hub

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/hookrelay/internal/logging"
)

const (
	// maxInboundLine caps one client-originated frame.
	maxInboundLine = 256 * 1024

	writeTimeout = 10 * time.Second
)

var ErrHubClosed = errors.New("hub: closed")

// Push is one server->client message.
type Push struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ClientMessage is one client->server message in push mode.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SnapshotFunc supplies the full-state payload a new subscriber
// receives before any incremental update.
type SnapshotFunc func() any

// MessageFunc handles one client-originated message.
type MessageFunc func(subscriberID string, msg ClientMessage)

type subscriber struct {
	id          string
	conn        net.Conn
	addr        string
	connectedAt time.Time

	// sendMu serializes all writes to this subscriber, so delivery
	// order matches broadcast/sendTo call order.
	sendMu sync.Mutex

	cancel context.CancelFunc
}

// Hub is the subscriber registry. The registry lock is never held
// across peer I/O; sends use a copy-snapshot-then-release pattern.
type Hub struct {
	mu       sync.Mutex
	subs     map[string]*subscriber
	closed   bool
	stopBeat chan struct{}

	snapshot  SnapshotFunc
	onMessage MessageFunc

	heartbeatInterval time.Duration
	beatOnce          sync.Once
}

func New(snapshot SnapshotFunc, onMessage MessageFunc, heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Hub{
		subs:              make(map[string]*subscriber),
		stopBeat:          make(chan struct{}),
		snapshot:          snapshot,
		onMessage:         onMessage,
		heartbeatInterval: heartbeat,
	}
}

// AddSubscriber registers the connection, sends the full state
// snapshot, and starts the per-subscriber read loop. Bytes the caller
// already consumed past the subscribe line go in rest so no frame is
// lost. Returns the subscriber id.
func (h *Hub) AddSubscriber(conn net.Conn, rest []byte, addr string) (string, error) {
	sub := &subscriber{
		id:          uuid.NewString(),
		conn:        conn,
		addr:        addr,
		connectedAt: time.Now(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel

	// The subscriber is published under its own send lock and the lock
	// is held until the state snapshot is on the wire. A broadcast that
	// races the registration queues behind the snapshot, so the peer
	// never sees an incremental update for a base it does not have.
	sub.sendMu.Lock()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.sendMu.Unlock()
		cancel()
		return "", ErrHubClosed
	}
	h.subs[sub.id] = sub
	count := len(h.subs)
	h.mu.Unlock()

	var snapErr error
	if h.snapshot != nil {
		payload, err := json.Marshal(Push{Type: "state", Payload: h.snapshot()})
		if err != nil {
			snapErr = err
		} else {
			snapErr = writeLocked(sub, append(payload, '\n'))
		}
	}
	sub.sendMu.Unlock()
	if snapErr != nil {
		h.RemoveSubscriber(sub.id)
		return "", snapErr
	}

	logging.Infof("hub.AddSubscriber id=%q addr=%q subscribers=%d", sub.id, addr, count)

	h.startHeartbeat()
	var src io.Reader = sub.conn
	if len(rest) > 0 {
		src = io.MultiReader(bytes.NewReader(rest), sub.conn)
	}
	go h.readLoop(ctx, sub, src)
	return sub.id, nil
}

// RemoveSubscriber closes the connection and cancels its read loop.
// Idempotent.
func (h *Hub) RemoveSubscriber(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	remaining := len(h.subs)
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.cancel()
	_ = sub.conn.Close()
	logging.Infof("hub.RemoveSubscriber id=%q addr=%q subscribers=%d", id, sub.addr, remaining)
}

// Broadcast serializes once and delivers to every current subscriber.
// A failing subscriber is removed; the rest still receive the message.
func (h *Hub) Broadcast(msg Push) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logging.Errf("hub.Broadcast marshal err=%v", err)
		return
	}
	payload = append(payload, '\n')

	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		if err := h.writeRaw(sub, payload); err != nil {
			logging.Warnf("hub.Broadcast write failed id=%q err=%v", sub.id, err)
			h.RemoveSubscriber(sub.id)
		}
	}
}

// SendTo delivers one message to one subscriber with the same
// isolation guarantee as Broadcast.
func (h *Hub) SendTo(id string, msg Push) error {
	h.mu.Lock()
	sub, ok := h.subs[id]
	h.mu.Unlock()
	if !ok {
		return errors.New("hub: unknown subscriber")
	}
	if err := h.writeTo(sub, msg); err != nil {
		h.RemoveSubscriber(id)
		return err
	}
	return nil
}

// SubscriberCount returns the current registry size.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SubscriberInfo is an observability snapshot of one subscriber.
type SubscriberInfo struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (h *Hub) Subscribers() []SubscriberInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SubscriberInfo, 0, len(h.subs))
	for _, sub := range h.subs {
		out = append(out, SubscriberInfo{ID: sub.id, Addr: sub.addr, ConnectedAt: sub.connectedAt})
	}
	return out
}

// Close removes every subscriber and stops the heartbeat.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*subscriber)
	close(h.stopBeat)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		_ = sub.conn.Close()
	}
}

func (h *Hub) writeTo(sub *subscriber, msg Push) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.writeRaw(sub, append(payload, '\n'))
}

func (h *Hub) writeRaw(sub *subscriber, payload []byte) error {
	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()
	return writeLocked(sub, payload)
}

// writeLocked performs one framed write. Callers hold sub.sendMu.
func writeLocked(sub *subscriber, payload []byte) error {
	_ = sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := sub.conn.Write(payload)
	return err
}

// readLoop consumes client-originated frames until the connection
// fails or the subscriber is removed. Any read failure removes only
// this subscriber.
func (h *Hub) readLoop(ctx context.Context, sub *subscriber, src io.Reader) {
	reader := bufio.NewReaderSize(src, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if ctx.Err() == nil {
				logging.Debugf("hub.readLoop closed id=%q err=%v", sub.id, err)
				h.RemoveSubscriber(sub.id)
			}
			return
		}
		if len(line) > maxInboundLine {
			logging.Warnf("hub.readLoop oversized frame id=%q bytes=%d", sub.id, len(line))
			h.RemoveSubscriber(sub.id)
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			logging.Warnf("hub.readLoop malformed frame id=%q err=%v", sub.id, err)
			continue
		}
		if msg.Type == "pong" {
			continue
		}
		if h.onMessage != nil {
			h.onMessage(sub.id, msg)
		}
	}
}

// startHeartbeat begins the periodic liveness ping once the first
// subscriber arrives. A missing pong is not treated as a disconnect;
// disconnection is detected by I/O failure.
func (h *Hub) startHeartbeat() {
	h.beatOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(h.heartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-h.stopBeat:
					return
				case <-ticker.C:
					h.Broadcast(Push{Type: "ping"})
				}
			}
		}()
	})
}
