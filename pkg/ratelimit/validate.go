package ratelimit

import (
	"fmt"
)

// FieldKind is the expected JSON type of a frame field.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindInt    FieldKind = "int"
	KindBool   FieldKind = "bool"
	KindList   FieldKind = "list"
)

// Field describes one frame field's constraints.
type Field struct {
	Name     string    `json:"name"`
	Kind     FieldKind `json:"kind"`
	Required bool      `json:"required"`
	MaxLen   int       `json:"max_len,omitempty"`
	Enum     []string  `json:"enum,omitempty"`
}

// Schema enumerates the permitted fields of one frame type.
type Schema struct {
	Type   string  `json:"type"`
	Fields []Field `json:"fields"`
}

// ValidationError describes a rejected frame.
type ValidationError struct {
	FrameType string `json:"frame_type"`
	Field     string `json:"field,omitempty"`
	Detail    string `json:"detail"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s frame: field %s: %s", e.FrameType, e.Field, e.Detail)
	}
	return fmt.Sprintf("invalid %s frame: %s", e.FrameType, e.Detail)
}

// frameSchemas is the closed set of inbound frame types. Dispatch is by
// the "type" tag; anything outside this table is rejected.
var frameSchemas = map[string]Schema{
	"identify": {Type: "identify", Fields: []Field{
		{Name: "agent_id", Kind: KindString, Required: true, MaxLen: 128},
		{Name: "token", Kind: KindString, Required: true, MaxLen: 256},
		{Name: "name", Kind: KindString, Required: false, MaxLen: 256},
		{Name: "capabilities", Kind: KindList, Required: false, MaxLen: 64},
	}},
	"task_accepted": {Type: "task_accepted", Fields: []Field{
		{Name: "task_id", Kind: KindString, Required: true, MaxLen: 128},
		{Name: "generation", Kind: KindInt, Required: true},
	}},
	"task_complete": {Type: "task_complete", Fields: []Field{
		{Name: "task_id", Kind: KindString, Required: true, MaxLen: 128},
		{Name: "generation", Kind: KindInt, Required: true},
		{Name: "result", Kind: KindString, Required: false, MaxLen: 65536},
		{Name: "verification_report", Kind: KindString, Required: false, MaxLen: 65536},
	}},
	"task_failed": {Type: "task_failed", Fields: []Field{
		{Name: "task_id", Kind: KindString, Required: true, MaxLen: 128},
		{Name: "generation", Kind: KindInt, Required: true},
		{Name: "reason", Kind: KindString, Required: true, MaxLen: 4096},
	}},
	"state_report": {Type: "state_report", Fields: []Field{
		{Name: "active_task_id", Kind: KindString, Required: false, MaxLen: 128},
		{Name: "status", Kind: KindString, Required: true, Enum: []string{"idle", "assigned", "working", "blocked"}},
		{Name: "generation", Kind: KindInt, Required: false},
	}},
	"heartbeat": {Type: "heartbeat"},
	"wake_result": {Type: "wake_result", Fields: []Field{
		{Name: "task_id", Kind: KindString, Required: true, MaxLen: 128},
		{Name: "success", Kind: KindBool, Required: true},
		{Name: "error", Kind: KindString, Required: false, MaxLen: 4096},
	}},
	"subscribe": {Type: "subscribe", Fields: []Field{
		{Name: "channel", Kind: KindString, Required: true, MaxLen: 128},
	}},
	"unsubscribe": {Type: "unsubscribe", Fields: []Field{
		{Name: "channel", Kind: KindString, Required: true, MaxLen: 128},
	}},
	"message": {Type: "message", Fields: []Field{
		{Name: "to", Kind: KindString, Required: false, MaxLen: 128},
		{Name: "channel", Kind: KindString, Required: false, MaxLen: 128},
		{Name: "payload", Kind: KindString, Required: true, MaxLen: 65536},
		{Name: "thread_id", Kind: KindString, Required: false, MaxLen: 128},
	}},
}

// Schemas returns the frame schema table for agent introspection.
func Schemas() []Schema {
	out := make([]Schema, 0, len(frameSchemas))
	for _, s := range frameSchemas {
		out = append(out, s)
	}
	return out
}

// ValidateFrame checks a decoded frame against its schema. The frame's
// "type" field selects the schema; unknown types are rejected.
func ValidateFrame(frame map[string]interface{}) (string, *ValidationError) {
	rawType, ok := frame["type"].(string)
	if !ok || rawType == "" {
		return "", &ValidationError{FrameType: "?", Field: "type", Detail: "missing frame type"}
	}

	schema, ok := frameSchemas[rawType]
	if !ok {
		return rawType, &ValidationError{FrameType: rawType, Detail: "unknown frame type"}
	}

	for _, f := range schema.Fields {
		v, present := frame[f.Name]
		if !present || v == nil {
			if f.Required {
				return rawType, &ValidationError{FrameType: rawType, Field: f.Name, Detail: "required field missing"}
			}
			continue
		}
		if err := checkField(rawType, f, v); err != nil {
			return rawType, err
		}
	}
	return rawType, nil
}

func checkField(frameType string, f Field, v interface{}) *ValidationError {
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return &ValidationError{FrameType: frameType, Field: f.Name, Detail: "expected string"}
		}
		if f.MaxLen > 0 && len(s) > f.MaxLen {
			return &ValidationError{FrameType: frameType, Field: f.Name,
				Detail: fmt.Sprintf("exceeds max length %d", f.MaxLen)}
		}
		if len(f.Enum) > 0 && !contains(f.Enum, s) {
			return &ValidationError{FrameType: frameType, Field: f.Name,
				Detail: fmt.Sprintf("must be one of %v", f.Enum)}
		}
	case KindInt:
		// JSON numbers decode as float64; require an integral value.
		n, ok := v.(float64)
		if !ok || n != float64(int64(n)) {
			return &ValidationError{FrameType: frameType, Field: f.Name, Detail: "expected integer"}
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return &ValidationError{FrameType: frameType, Field: f.Name, Detail: "expected boolean"}
		}
	case KindList:
		list, ok := v.([]interface{})
		if !ok {
			return &ValidationError{FrameType: frameType, Field: f.Name, Detail: "expected list"}
		}
		if f.MaxLen > 0 && len(list) > f.MaxLen {
			return &ValidationError{FrameType: frameType, Field: f.Name,
				Detail: fmt.Sprintf("exceeds max length %d", f.MaxLen)}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
