// Package correlate matches decision-requiring events to the stable
// tool-use identifier issued earlier in the tool lifecycle, and tracks
// the connections still waiting on a decision.
package correlate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/hookrelay/internal/logging"
)

var ErrUnknownToolUse = errors.New("correlate: unknown tool_use_id")

// maxCachedPerKey bounds each FIFO queue; the oldest id is dropped when
// a key overflows.
const maxCachedPerKey = 32

// DecisionWriter is the held-open connection side of a pending
// permission. Write delivers the final decision payload.
type DecisionWriter interface {
	WriteDecision(decision, reason string) error
	Close() error
}

// Pending is one registered decision awaiting resolution.
type Pending struct {
	ToolUseID  string
	SessionID  string
	Writer     DecisionWriter
	ReceivedAt time.Time
}

// FailureFunc fires when a decision could not be written to its
// connection, so the caller can re-surface it through another channel.
type FailureFunc func(p Pending, decision, reason string, err error)

// Correlator owns the tool-use-id cache and the pending-permission
// registry. The two maps use separate narrow locks and are never held
// together.
type Correlator struct {
	cacheMu sync.Mutex
	cache   map[cacheKey][]string

	pendingMu sync.Mutex
	pending   map[string]Pending
	// order of registration per session, for ResolveBySession (most
	// recent first wins).
	sessionOrder map[string][]string

	onFailure FailureFunc
}

type cacheKey struct {
	SessionID string
	ToolName  string
	Canonical string
}

func New() *Correlator {
	return &Correlator{
		cache:        make(map[cacheKey][]string),
		pending:      make(map[string]Pending),
		sessionOrder: make(map[string][]string),
	}
}

// SetFailureHandler installs the delivery-failure callback.
func (c *Correlator) SetFailureHandler(fn FailureFunc) {
	c.onFailure = fn
}

// CacheID appends id to the FIFO queue for (sessionID, toolName,
// canonicalInput).
func (c *Correlator) CacheID(sessionID, toolName, canonicalInput, id string) {
	key := cacheKey{SessionID: sessionID, ToolName: toolName, Canonical: canonicalInput}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	queue := append(c.cache[key], id)
	if len(queue) > maxCachedPerKey {
		queue = queue[len(queue)-maxCachedPerKey:]
	}
	c.cache[key] = queue
}

// ResolveID pops the oldest cached id for the key. Each cached id is
// consumed at most once; two identical concurrent invocations receive
// their two distinct ids in issue order.
func (c *Correlator) ResolveID(sessionID, toolName, canonicalInput string) (string, bool) {
	key := cacheKey{SessionID: sessionID, ToolName: toolName, Canonical: canonicalInput}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	queue := c.cache[key]
	if len(queue) == 0 {
		return "", false
	}
	id := queue[0]
	if len(queue) == 1 {
		delete(c.cache, key)
	} else {
		c.cache[key] = queue[1:]
	}
	return id, true
}

// PurgeSession drops every cached id for a session.
func (c *Correlator) PurgeSession(sessionID string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	for key := range c.cache {
		if key.SessionID == sessionID {
			delete(c.cache, key)
		}
	}
}

// Register records a pending decision. A live entry for the same
// toolUseId is replaced and its connection closed.
func (c *Correlator) Register(toolUseID, sessionID string, w DecisionWriter) {
	entry := Pending{
		ToolUseID:  toolUseID,
		SessionID:  sessionID,
		Writer:     w,
		ReceivedAt: time.Now(),
	}
	c.pendingMu.Lock()
	prev, existed := c.pending[toolUseID]
	c.pending[toolUseID] = entry
	if !existed {
		c.sessionOrder[sessionID] = append(c.sessionOrder[sessionID], toolUseID)
	}
	c.pendingMu.Unlock()

	if existed && prev.Writer != nil {
		_ = prev.Writer.Close()
	}
}

// Resolve removes the entry, writes the decision, and closes the
// connection. Unknown ids are a logged no-op.
func (c *Correlator) Resolve(toolUseID, decision, reason string) error {
	c.pendingMu.Lock()
	entry, ok := c.pending[toolUseID]
	if ok {
		c.removeLocked(entry)
	}
	c.pendingMu.Unlock()
	if !ok {
		logging.Debugf("correlate.Resolve unknown tool_use_id=%q decision=%q", toolUseID, decision)
		return fmt.Errorf("%w: %s", ErrUnknownToolUse, toolUseID)
	}
	c.deliver(entry, decision, reason)
	return nil
}

// ResolveBySession resolves the most recently registered pending entry
// for the session.
func (c *Correlator) ResolveBySession(sessionID, decision, reason string) error {
	c.pendingMu.Lock()
	order := c.sessionOrder[sessionID]
	var entry Pending
	found := false
	for i := len(order) - 1; i >= 0; i-- {
		if e, ok := c.pending[order[i]]; ok {
			entry = e
			found = true
			break
		}
	}
	if found {
		c.removeLocked(entry)
	}
	c.pendingMu.Unlock()
	if !found {
		logging.Debugf("correlate.ResolveBySession no pending session=%q", sessionID)
		return fmt.Errorf("%w: session %s", ErrUnknownToolUse, sessionID)
	}
	c.deliver(entry, decision, reason)
	return nil
}

// Cancel closes and removes one pending entry without writing a
// decision; the hook process stops waiting through this channel.
func (c *Correlator) Cancel(toolUseID string) bool {
	c.pendingMu.Lock()
	entry, ok := c.pending[toolUseID]
	if ok {
		c.removeLocked(entry)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	if entry.Writer != nil {
		_ = entry.Writer.Close()
	}
	return true
}

// CancelAll closes and removes every pending entry for a session.
// Idempotent.
func (c *Correlator) CancelAll(sessionID string) int {
	c.pendingMu.Lock()
	var cancelled []Pending
	for _, id := range c.sessionOrder[sessionID] {
		if entry, ok := c.pending[id]; ok {
			delete(c.pending, id)
			cancelled = append(cancelled, entry)
		}
	}
	delete(c.sessionOrder, sessionID)
	c.pendingMu.Unlock()

	for _, entry := range cancelled {
		if entry.Writer != nil {
			_ = entry.Writer.Close()
		}
	}
	return len(cancelled)
}

// PendingCount returns the number of open decisions.
func (c *Correlator) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// PendingForSession lists open decision ids for a session, oldest first.
func (c *Correlator) PendingForSession(sessionID string) []string {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	var out []string
	for _, id := range c.sessionOrder[sessionID] {
		if _, ok := c.pending[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (c *Correlator) removeLocked(entry Pending) {
	delete(c.pending, entry.ToolUseID)
	order := c.sessionOrder[entry.SessionID]
	for i, id := range order {
		if id == entry.ToolUseID {
			c.sessionOrder[entry.SessionID] = append(order[:i], order[i+1:]...)
			break
		}
	}
	if len(c.sessionOrder[entry.SessionID]) == 0 {
		delete(c.sessionOrder, entry.SessionID)
	}
}

// deliver writes the decision outside any lock. The entry is already
// removed; a write failure fires the failure callback so the decision
// can be re-surfaced elsewhere.
func (c *Correlator) deliver(entry Pending, decision, reason string) {
	if entry.Writer == nil {
		return
	}
	err := entry.Writer.WriteDecision(decision, reason)
	_ = entry.Writer.Close()
	if err != nil {
		logging.Warnf("correlate.deliver write failed tool_use_id=%q err=%v", entry.ToolUseID, err)
		if c.onFailure != nil {
			c.onFailure(entry, decision, reason, err)
		}
	}
}
