package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CallKind distinguishes tool invocations from model invocations.
type CallKind string

const (
	KindTool  CallKind = "tool"
	KindModel CallKind = "model"
)

// Valid reports whether k is a known call kind.
func (k CallKind) Valid() bool {
	return k == KindTool || k == KindModel
}

// Arg is one named argument of a governed call.
type Arg struct {
	Key   string
	Value any
}

// Arguments is an ordered key/value list. It encodes as a JSON object in
// insertion order so audit records read the way the agent produced them.
type Arguments []Arg

// Args builds Arguments from alternating key/value pairs. A trailing key
// without a value is recorded with a nil value.
func Args(kv ...any) Arguments {
	out := make(Arguments, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		var val any
		if i+1 < len(kv) {
			val = kv[i+1]
		}
		out = out.With(key, val)
	}
	return out
}

// ArgsFromMap builds Arguments from m with keys in sorted order, so that
// callers without an ordering of their own hash consistently.
func ArgsFromMap(m map[string]any) Arguments {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(Arguments, 0, len(keys))
	for _, k := range keys {
		out = append(out, Arg{Key: k, Value: m[k]})
	}
	return out
}

// With returns a copy of a with key set to value. An existing key keeps
// its position.
func (a Arguments) With(key string, value any) Arguments {
	out := make(Arguments, len(a), len(a)+1)
	copy(out, a)
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, Arg{Key: key, Value: value})
}

// Get returns the value for key.
func (a Arguments) Get(key string) (any, bool) {
	for _, arg := range a {
		if arg.Key == key {
			return arg.Value, true
		}
	}
	return nil, false
}

// GetString returns the value for key formatted with fmt, or "" if absent.
func (a Arguments) GetString(key string) string {
	v, ok := a.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Map returns the arguments as an unordered map.
func (a Arguments) Map() map[string]any {
	m := make(map[string]any, len(a))
	for _, arg := range a {
		m[arg.Key] = arg.Value
	}
	return m
}

// Clone returns an independent copy of the argument list.
func (a Arguments) Clone() Arguments {
	if a == nil {
		return nil
	}
	out := make(Arguments, len(a))
	copy(out, a)
	return out
}

// MarshalJSON encodes the arguments as an object preserving order.
func (a Arguments) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, arg := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(arg.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(arg.Value)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", arg.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object, keeping the key order of the input.
func (a *Arguments) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*a = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("arguments: expected object, got %v", tok)
	}
	var out Arguments
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("arguments: expected key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("argument %q: %w", key, err)
		}
		val, err := decodeValue(raw)
		if err != nil {
			return fmt.Errorf("argument %q: %w", key, err)
		}
		out = append(out, Arg{Key: key, Value: val})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*a = out
	return nil
}

func decodeValue(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// CallDescriptor identifies one governed call. Treat it as immutable: the
// constructors copy the argument list and nothing in this module mutates a
// descriptor after creation.
type CallDescriptor struct {
	Kind      CallKind  `json:"call_kind"`
	Name      string    `json:"name"`
	Args      Arguments `json:"arguments"`
	RunID     string    `json:"run_id"`
	StepIndex int       `json:"step_index"`
}

// NewToolCall describes a tool invocation at the given step of a run.
func NewToolCall(runID string, step int, name string, args Arguments) CallDescriptor {
	return CallDescriptor{Kind: KindTool, Name: name, Args: args.Clone(), RunID: runID, StepIndex: step}
}

// NewModelCall describes a model invocation at the given step of a run.
func NewModelCall(runID string, step int, model string, args Arguments) CallDescriptor {
	return CallDescriptor{Kind: KindModel, Name: model, Args: args.Clone(), RunID: runID, StepIndex: step}
}

// Validate checks the fields every governed call needs.
func (d CallDescriptor) Validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("invalid call kind %q", d.Kind)
	}
	if d.Name == "" {
		return fmt.Errorf("call name must not be empty")
	}
	if d.RunID == "" {
		return fmt.Errorf("run id must not be empty")
	}
	if d.StepIndex < 0 {
		return fmt.Errorf("step index must not be negative")
	}
	return nil
}

// String renders the descriptor for logs.
func (d CallDescriptor) String() string {
	return fmt.Sprintf("%s:%s@%s#%d", d.Kind, d.Name, d.RunID, d.StepIndex)
}
