package relay

import (
	"net"
	"time"

	"github.com/danmuck/hookrelay/internal/correlate"
	"github.com/danmuck/hookrelay/internal/hook"
	"github.com/danmuck/hookrelay/internal/hub"
	"github.com/danmuck/hookrelay/internal/logging"
	"github.com/danmuck/hookrelay/internal/observability"
	"github.com/danmuck/hookrelay/internal/phase"
)

// Service owns the session table, the permission correlator, and the
// subscription hub, and applies the event-to-phase mapping.
type Service struct {
	sessions   *registry
	correlator *correlate.Correlator
	hub        *hub.Hub
}

func NewService(heartbeat time.Duration) *Service {
	svc := &Service{
		sessions:   newRegistry(),
		correlator: correlate.New(),
	}
	svc.hub = hub.New(svc.statePayload, svc.onClientMessage, heartbeat)
	svc.correlator.SetFailureHandler(svc.onDeliveryFailure)
	return svc
}

// Hub exposes the subscription hub for the connection layer.
func (s *Service) Hub() *hub.Hub {
	return s.hub
}

// Sessions returns the wire form of every tracked session.
func (s *Service) Sessions() []SessionSnapshot {
	return s.sessions.snapshots()
}

// PendingDecisions returns the number of open permission requests.
func (s *Service) PendingDecisions() int {
	return s.correlator.PendingCount()
}

func (s *Service) Close() {
	s.hub.Close()
}

// statePayload is the full-state snapshot a new subscriber receives.
func (s *Service) statePayload() any {
	return map[string]any{"sessions": s.sessions.snapshots()}
}

// HandleEvent applies one hook event. The hold flag reports whether
// the connection must stay open for a pending decision; when set, the
// correlator owns conn and the returned id names the open decision.
func (s *Service) HandleEvent(ev hook.Event, conn net.Conn) (heldID string, hold bool) {
	observability.HookEvents.WithLabelValues(ev.Event).Inc()

	if ev.Event == hook.EventSessionEnd {
		s.endSession(ev)
		return "", false
	}

	session, created := s.sessions.getOrCreate(ev)
	session.touch(ev.Event)
	if created {
		logging.Infof("relay.session started session=%q cwd=%q pid=%d", ev.SessionID, ev.Cwd, ev.PID)
	}

	switch ev.Event {
	case hook.EventSessionStart:
		// Registration is the effect; a fresh session is already Idle.

	case hook.EventUserPromptSubmit:
		s.transition(session, phase.Processing)

	case hook.EventPreToolUse:
		s.transition(session, phase.Processing)
		if ev.ToolUseID != "" && ev.ToolInput != nil {
			s.correlator.CacheID(ev.SessionID, ev.Tool, ev.ToolInput.Canonical(), ev.ToolUseID)
		}

	case hook.EventPostToolUse:
		s.transition(session, phase.Processing)
		if ev.ToolUseID != "" {
			if s.correlator.Cancel(ev.ToolUseID) {
				s.broadcastResolved(ev.SessionID, ev.ToolUseID, "cancelled", "tool completed")
			}
		}

	case hook.EventPermissionRequest:
		heldID, hold = s.handlePermissionRequest(ev, session, conn)

	case hook.EventNotification:
		switch ev.NotificationType {
		case hook.NotificationIdlePrompt:
			s.transition(session, phase.WaitingForInput)
		case hook.NotificationPermissionPrompt:
			s.transition(session, phase.WaitingForApproval)
		default:
			logging.Debugf("relay.event notification type=%q session=%q", ev.NotificationType, ev.SessionID)
		}

	case hook.EventStop, hook.EventSubagentStop:
		s.transition(session, phase.WaitingForInput)

	case hook.EventPreCompact:
		s.transition(session, phase.Compacting)

	default:
		logging.Debugf("relay.event unknown event=%q session=%q", ev.Event, ev.SessionID)
	}

	s.broadcastSession(session)
	observability.PendingDecisions.Set(float64(s.correlator.PendingCount()))
	return heldID, hold
}

// handlePermissionRequest binds the event to its tool-use id, records
// the held connection, and moves the session to the approval phase.
func (s *Service) handlePermissionRequest(ev hook.Event, session *Session, conn net.Conn) (string, bool) {
	toolUseID := ev.ToolUseID
	if toolUseID == "" && ev.ToolInput != nil {
		if id, ok := s.correlator.ResolveID(ev.SessionID, ev.Tool, ev.ToolInput.Canonical()); ok {
			toolUseID = id
		}
	}
	if toolUseID == "" {
		// No stable id was ever issued; synthesize one so the decision
		// can still round-trip.
		toolUseID = "anon-" + ev.SessionID + "-" + time.Now().Format("150405.000000")
		logging.Debugf("relay.permission uncorrelated session=%q tool=%q", ev.SessionID, ev.Tool)
	}

	input := hook.RawInputMap(ev.RawToolInput)

	ctx := phase.ApprovalContext{
		ToolUseID:  toolUseID,
		ToolName:   ev.Tool,
		ToolInput:  input,
		ReceivedAt: time.Now(),
	}
	if !session.Machine.TransitionApproval(ctx) {
		observability.RejectedTransitions.Inc()
		logging.Warnf("relay.permission rejected transition session=%q phase=%q", ev.SessionID, session.Machine.Phase())
	}

	s.correlator.Register(toolUseID, ev.SessionID, newDecisionConn(conn))
	logging.Infof("relay.permission pending session=%q tool=%q tool_use_id=%q", ev.SessionID, ev.Tool, toolUseID)

	s.broadcast(hub.Push{Type: "permissionRequest", Payload: map[string]any{
		"sessionId":  ev.SessionID,
		"toolUseId":  toolUseID,
		"tool":       ev.Tool,
		"toolInput":  input,
		"receivedAt": ctx.ReceivedAt,
	}})
	return toolUseID, true
}

// AbandonDecision cancels an open decision whose hook process went
// away before anyone decided. Idempotent with Resolve and Cancel.
func (s *Service) AbandonDecision(sessionID, toolUseID string) {
	if !s.correlator.Cancel(toolUseID) {
		return
	}
	logging.Infof("relay.permission abandoned session=%q tool_use_id=%q", sessionID, toolUseID)
	s.afterDecision(sessionID, toolUseID, "cancelled", "hook disconnected")
}

// endSession tears down every resource tied to the session.
func (s *Service) endSession(ev hook.Event) {
	session, ok := s.sessions.get(ev.SessionID)
	if ok {
		session.Machine.Transition(phase.Ended)
	}
	cancelled := s.correlator.CancelAll(ev.SessionID)
	s.correlator.PurgeSession(ev.SessionID)
	if s.sessions.remove(ev.SessionID) {
		logging.Infof("relay.session ended session=%q cancelled_decisions=%d", ev.SessionID, cancelled)
		s.broadcast(hub.Push{Type: "sessionRemoved", Payload: map[string]any{"sessionId": ev.SessionID}})
	}
	observability.PendingDecisions.Set(float64(s.correlator.PendingCount()))
}

// onClientMessage dispatches companion-originated messages.
func (s *Service) onClientMessage(subscriberID string, msg hub.ClientMessage) {
	var decision string
	switch msg.Type {
	case "approve":
		decision = "allow"
	case "deny":
		decision = "deny"
	default:
		logging.Debugf("relay.client message ignored type=%q subscriber=%q", msg.Type, subscriberID)
		return
	}

	var err error
	toolUseID := msg.ToolUseID
	switch {
	case toolUseID != "":
		err = s.correlator.Resolve(toolUseID, decision, msg.Reason)
	case msg.SessionID != "":
		err = s.correlator.ResolveBySession(msg.SessionID, decision, msg.Reason)
	default:
		logging.Warnf("relay.client decision without target subscriber=%q", subscriberID)
		return
	}
	if err != nil {
		logging.Debugf("relay.client decision unmatched subscriber=%q err=%v", subscriberID, err)
		return
	}

	s.afterDecision(msg.SessionID, toolUseID, decision, msg.Reason)
}

// afterDecision returns the session to Processing and notifies
// subscribers that the request is settled.
func (s *Service) afterDecision(sessionID, toolUseID, decision, reason string) {
	if sessionID == "" {
		// Locate the session whose approval context carried this id.
		for _, snap := range s.sessions.snapshots() {
			if snap.Approval != nil && snap.Approval.ToolUseID == toolUseID {
				sessionID = snap.ID
				break
			}
		}
	}
	if session, ok := s.sessions.get(sessionID); ok {
		if session.Machine.Transition(phase.Processing) {
			session.touch(hook.EventPermissionRequest)
			s.broadcastSession(session)
		}
	}
	s.broadcastResolved(sessionID, toolUseID, decision, reason)
	observability.PendingDecisions.Set(float64(s.correlator.PendingCount()))
}

// onDeliveryFailure fires when a decision could not be written back to
// the blocked hook process. Subscribers still learn the outcome; the
// hook side falls back to its local prompt.
func (s *Service) onDeliveryFailure(p correlate.Pending, decision, reason string, err error) {
	logging.Warnf("relay.decision delivery failed session=%q tool_use_id=%q err=%v", p.SessionID, p.ToolUseID, err)
	s.broadcastResolved(p.SessionID, p.ToolUseID, decision, reason)
}

func (s *Service) broadcastSession(session *Session) {
	s.broadcast(hub.Push{Type: "sessionUpdate", Payload: session.snapshot()})
}

func (s *Service) broadcastResolved(sessionID, toolUseID, decision, reason string) {
	s.broadcast(hub.Push{Type: "permissionResolved", Payload: map[string]any{
		"sessionId": sessionID,
		"toolUseId": toolUseID,
		"decision":  decision,
		"reason":    reason,
	}})
}

func (s *Service) broadcast(msg hub.Push) {
	observability.Broadcasts.WithLabelValues(msg.Type).Inc()
	s.hub.Broadcast(msg)
	observability.Subscribers.Set(float64(s.hub.SubscriberCount()))
}

// transition applies one edge and records rejections without failing.
func (s *Service) transition(session *Session, to phase.Phase) {
	if !session.Machine.Transition(to) {
		observability.RejectedTransitions.Inc()
		logging.Debugf("relay.transition rejected session=%q from=%q to=%q", session.ID, session.Machine.Phase(), to)
	}
}
