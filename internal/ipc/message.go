// Package ipc defines the supervisor-worker message protocol: tagged records
// carried as newline-delimited JSON over the worker's stdio. The message-name
// set is a closed enumeration; dispatch is an exhaustive switch, never
// dynamic event names.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"cortex/internal/session"
)

// Name tags a message with its type. The set is closed.
type Name string

const (
	NameAlive                Name = "alive"
	NameSetSharedSecret      Name = "setSharedSecret"
	NameExecuteMainCycle     Name = "executeMainCycle"
	NameExecuteSubprocesses  Name = "executeSubprocesses"
	NameAbort                Name = "abort"
	NameScheduleEvent        Name = "scheduleEvent"
	NameScheduleEventResp    Name = "scheduleEventResponse"
	NameCancelScheduledEvent Name = "cancelScheduledEvent"
	NameComplete             Name = "complete"
	NameError                Name = "error"
	NameKill                 Name = "kill"
	NameWorkerDied           Name = "workerDied"
	NameMemoryUsage          Name = "memoryUsage"
)

// Valid reports whether n belongs to the protocol.
func (n Name) Valid() bool {
	switch n {
	case NameAlive, NameSetSharedSecret, NameExecuteMainCycle,
		NameExecuteSubprocesses, NameAbort, NameScheduleEvent,
		NameScheduleEventResp, NameCancelScheduledEvent, NameComplete,
		NameError, NameKill, NameWorkerDied, NameMemoryUsage:
		return true
	}
	return false
}

// Message is one tagged record on the wire. RequestID correlates a request
// with its response; ResponseTo carries the originating RequestID back.
type Message struct {
	Name       Name            `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	ResponseTo string          `json:"responseTo,omitempty"`
}

// New builds a message with a marshaled payload. A nil payload yields an
// empty-body message.
func New(name Name, payload any) (Message, error) {
	msg := Message{Name: name}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", name, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// NewRequest builds a message carrying a fresh request id.
func NewRequest(name Name, payload any) (Message, error) {
	msg, err := New(name, payload)
	if err != nil {
		return Message{}, err
	}
	msg.RequestID = uuid.NewString()
	return msg, nil
}

// NewResponse builds a response correlated to req.
func NewResponse(name Name, req Message, payload any) (Message, error) {
	msg, err := New(name, payload)
	if err != nil {
		return Message{}, err
	}
	msg.ResponseTo = req.RequestID
	return msg, nil
}

// DecodePayload unmarshals the message payload into out.
func (m Message) DecodePayload(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.Name)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Name, err)
	}
	return nil
}

// AlivePayload announces a worker's identity; the first one completes the
// spawn handshake, subsequent ones serve as the liveness heartbeat.
type AlivePayload struct {
	WorkerID string `json:"workerId"`
}

// SetSharedSecretPayload injects the secret the worker presents on its
// authenticated calls back to the supervisor.
type SetSharedSecretPayload struct {
	Secret string `json:"secret"`
}

// ExecuteMainCyclePayload asks the worker to run one main cycle.
type ExecuteMainCyclePayload struct {
	SessionID string         `json:"sessionRef"`
	Context   map[string]any `json:"context,omitempty"`
}

// ExecuteSubprocessesPayload asks the worker to run the blueprint's
// subprocesses under the given invocation count.
type ExecuteSubprocessesPayload struct {
	SessionID       string         `json:"sessionRef"`
	InvocationCount int            `json:"invocationCount"`
	Context         map[string]any `json:"context,omitempty"`
}

// AbortPayload fires the session's cancellation signal.
type AbortPayload struct {
	SessionID string `json:"sessionRef"`
}

// ScheduleEventPayload requests the supervisor schedule a cognitive event.
// Secret must match the one injected at spawn; the supervisor rejects the
// request otherwise.
type ScheduleEventPayload struct {
	SessionID string                 `json:"sessionRef"`
	Event     session.ScheduledEvent `json:"event"`
	Secret    string                 `json:"secret,omitempty"`
}

// ScheduleEventResponsePayload answers a scheduleEvent request. Error is set
// when the request was rejected.
type ScheduleEventResponsePayload struct {
	JobID string `json:"jobId,omitempty"`
	Error string `json:"error,omitempty"`
}

// CancelScheduledEventPayload cancels a previously scheduled cognitive event.
// Secret authenticates the caller like ScheduleEventPayload.Secret.
type CancelScheduledEventPayload struct {
	JobID  string `json:"jobId"`
	Secret string `json:"secret,omitempty"`
}

// CancelScheduledEventAckPayload answers a cancelScheduledEvent request.
type CancelScheduledEventAckPayload struct {
	Error string `json:"error,omitempty"`
}

// CompletePayload signals successful completion of the requested execution.
type CompletePayload struct {
	SessionID string `json:"sessionRef"`
}

// ErrorPayload signals a failed execution.
type ErrorPayload struct {
	SessionID string `json:"sessionRef"`
	Error     string `json:"error"`
	// Canceled marks a benign locked-state unwind rather than a failure.
	Canceled bool `json:"canceled,omitempty"`
}

// MemoryUsagePayload is diagnostic only.
type MemoryUsagePayload struct {
	HeapBytes  uint64 `json:"heapBytes"`
	Goroutines int    `json:"goroutines"`
}
