// Package protocol defines the JSON-lines messages exchanged between the host
// and a sandbox worker process over the worker's stdio pipes.
// All messages are wrapped in an Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message carried by an Envelope.
type MessageType string

const (
	// Host → Worker
	MsgExec   MessageType = "sandbox.exec"
	MsgReturn MessageType = "sandbox.return"

	// Worker → Host
	MsgOutput MessageType = "sandbox.output"
	MsgCall   MessageType = "sandbox.call"
	MsgDone   MessageType = "sandbox.done"
)

// Envelope is the top-level wrapper for every message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`                 // Message ID for correlation.
	ReplyTo   string          `json:"reply_to,omitempty"` // ID of the message being answered.
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewReply creates an Envelope answering the message with the given ID.
func NewReply(msgType MessageType, replyTo string, payload any) (*Envelope, error) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	env.ReplyTo = replyTo
	return env, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Host → Worker payloads ---

// ExecRequest is sent with MsgExec. It is the first and only request a worker
// receives; the worker exits after answering it with MsgDone.
type ExecRequest struct {
	Code          string                     `json:"code"`
	TimeoutMS     int64                      `json:"timeout_ms"`
	MemoryLimitMB int                        `json:"memory_limit_mb"`
	Values        map[string]json.RawMessage `json:"values,omitempty"`     // Plain data, copied by value.
	Funcs         []string                   `json:"funcs,omitempty"`      // Callables proxied back to the host.
	Delegates     []string                   `json:"delegates,omitempty"`  // Proxied callables that stop the snippet timeout while they run.
	Namespaces    map[string][]string        `json:"namespaces,omitempty"` // Objects of proxied callables, e.g. re → [findAll, match, search].
	Seeded        []string                   `json:"seeded,omitempty"`     // Names never reported back.
	Outputs       []string                   `json:"outputs"`              // Names synchronized back. Null = every new binding.
}

// ReturnPayload is sent with MsgReturn to answer a MsgCall.
type ReturnPayload struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// --- Worker → Host payloads ---

// OutputPayload is sent with MsgOutput for each captured line.
type OutputPayload struct {
	Text string `json:"text"`
}

// CallPayload is sent with MsgCall when a snippet invokes a proxied callable.
// Name is "fn" for a top-level callable and "ns.fn" for a namespace member.
type CallPayload struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args"`
}

// DonePayload is sent with MsgDone when the snippet has finished.
type DonePayload struct {
	Status   string                     `json:"status,omitempty"` // ok, fault or timeout.
	Bindings map[string]json.RawMessage `json:"bindings,omitempty"`
}
