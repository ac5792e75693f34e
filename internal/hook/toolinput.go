package hook

import (
	"encoding/json"
	"sort"
	"strings"
)

// ToolInput is the closed union over known tool parameter shapes.
// Canonical() must be deterministic for equal inputs so it can serve
// as a correlation key component.
type ToolInput interface {
	// Canonical returns a stable serialization with sorted keys.
	Canonical() string
}

// CommandInput is the shell-execution tool shape.
type CommandInput struct {
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	Timeout     int    `json:"timeout,omitempty"`
}

func (c CommandInput) Canonical() string {
	return canonicalJSON(map[string]any{
		"command":     c.Command,
		"description": c.Description,
		"timeout":     c.Timeout,
	})
}

// FileInput covers the read/write/edit tool family.
type FileInput struct {
	FilePath  string `json:"file_path"`
	Content   string `json:"content,omitempty"`
	OldString string `json:"old_string,omitempty"`
	NewString string `json:"new_string,omitempty"`
}

func (f FileInput) Canonical() string {
	return canonicalJSON(map[string]any{
		"file_path":  f.FilePath,
		"content":    f.Content,
		"old_string": f.OldString,
		"new_string": f.NewString,
	})
}

// GenericInput is the fallback for tools without a dedicated shape.
type GenericInput map[string]any

func (g GenericInput) Canonical() string {
	if g == nil {
		return canonicalJSON(map[string]any{})
	}
	return canonicalJSON(g)
}

// DecodeToolInput picks the union variant for a tool name. A decode
// failure on the specific shape falls back to the generic variant so
// an unknown field never drops the whole event.
func DecodeToolInput(tool string, raw json.RawMessage) ToolInput {
	if len(raw) == 0 {
		return GenericInput{}
	}
	switch strings.TrimSpace(tool) {
	case "Bash":
		var in CommandInput
		if err := json.Unmarshal(raw, &in); err == nil {
			return in
		}
	case "Read", "Write", "Edit":
		var in FileInput
		if err := json.Unmarshal(raw, &in); err == nil {
			return in
		}
	}
	var generic GenericInput
	if err := json.Unmarshal(raw, &generic); err != nil {
		return GenericInput{}
	}
	return generic
}

// RawInputMap decodes raw tool parameters into a plain map for
// display payloads. Returns nil when the bytes are not an object.
func RawInputMap(raw json.RawMessage) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// canonicalJSON serializes a map with deterministic key order and zero
// values elided, so two equal inputs always produce the same key.
func canonicalJSON(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if isZeroValue(v) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		b.Write(kb)
		b.WriteByte(':')
		b.Write(canonicalValue(m[k]))
	}
	b.WriteByte('}')
	return b.String()
}

func canonicalValue(v any) []byte {
	if nested, ok := v.(map[string]any); ok {
		return []byte(canonicalJSON(nested))
	}
	out, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return out
}

func isZeroValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case int:
		return t == 0
	case float64:
		return t == 0
	case bool:
		return !t
	default:
		return false
	}
}
