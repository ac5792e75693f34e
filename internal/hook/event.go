// Package hook models the lifecycle events emitted by the coding
// assistant's hook integration.
package hook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Hook event names as they appear on the wire.
const (
	EventSessionStart      = "SessionStart"
	EventSessionEnd        = "SessionEnd"
	EventUserPromptSubmit  = "UserPromptSubmit"
	EventPreToolUse        = "PreToolUse"
	EventPostToolUse       = "PostToolUse"
	EventPermissionRequest = "PermissionRequest"
	EventNotification      = "Notification"
	EventStop              = "Stop"
	EventSubagentStop      = "SubagentStop"
	EventPreCompact        = "PreCompact"
)

const (
	NotificationIdlePrompt       = "idle_prompt"
	NotificationPermissionPrompt = "permission_prompt"
)

var ErrMissingSessionID = errors.New("hook: event missing session_id")

// Event is one lifecycle notification from a hook process. Unknown
// fields never fail the decode; only session_id is mandatory.
type Event struct {
	SessionID        string          `json:"session_id"`
	Event            string          `json:"event"`
	Cwd              string          `json:"cwd,omitempty"`
	PID              int             `json:"pid,omitempty"`
	TTY              string          `json:"tty,omitempty"`
	Status           string          `json:"status,omitempty"`
	Tool             string          `json:"tool,omitempty"`
	ToolInput        ToolInput       `json:"-"`
	RawToolInput     json.RawMessage `json:"tool_input,omitempty"`
	ToolUseID        string          `json:"tool_use_id,omitempty"`
	NotificationType string          `json:"notification_type,omitempty"`
	Message          string          `json:"message,omitempty"`
}

// Decode parses one event payload. Tool input is decoded permissively
// into the closed per-tool union with a generic fallback.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("hook: decode event: %w", err)
	}
	if strings.TrimSpace(ev.SessionID) == "" {
		return Event{}, ErrMissingSessionID
	}
	ev.ToolInput = DecodeToolInput(ev.Tool, ev.RawToolInput)
	return ev, nil
}

// RequiresDecision reports whether the originating hook process is
// blocked on an allow/deny decision for this event.
func (e Event) RequiresDecision() bool {
	return e.Event == EventPermissionRequest
}
