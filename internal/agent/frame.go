// Package agent defines the wire contract between the server and the
// in-page JavaScript agent injected into each identity's browser tab
// (spec.md §4.F, §6): the JSON frame shapes exchanged over the identity's
// WebSocket, plus the sentinel value the Registry substitutes for a
// terminal stream_close frame.
package agent

import "encoding/json"

// EventType tags an inbound (agent→server) or outbound (server→agent) frame.
type EventType string

const (
	// Server → agent.
	EventProxyRequest EventType = "proxy_request"
	EventCancelReqest EventType = "cancel_request"
	EventSetLogLevel  EventType = "set_log_level"

	// Agent → server.
	EventResponseHeaders EventType = "response_headers"
	EventChunk           EventType = "chunk"
	EventStreamClose     EventType = "stream_close"
	EventError           EventType = "error"
)

// InboundFrame is the envelope the agent sends. event_type decides which of
// the payload fields are meaningful; Raw keeps the original bytes so the
// Registry can drop unrecognized frames without losing information to log.
type InboundFrame struct {
	RequestID string          `json:"request_id"`
	EventType EventType       `json:"event_type"`
	Status    int             `json:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Data      string          `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// StreamEnd is the sentinel value the Registry enqueues in place of a raw
// stream_close frame (spec.md §4.B), so consumers never need to branch on
// EventType when draining a Queue.
type StreamEnd struct {
	RequestID string
}

// ResponseHeaders is the enqueued value for a response_headers frame.
type ResponseHeaders struct {
	RequestID string
	Status    int
	Headers   map[string]string
}

// Chunk is the enqueued value for a chunk frame. Data is the raw string the
// agent sent — text streams carry UTF-8 text, binary streams carry base64.
type Chunk struct {
	RequestID string
	Data      string
}

// StreamError is the enqueued value for a mid-stream error frame.
type StreamError struct {
	RequestID string
	Status    int
	Message   string
}

// ProxyRequest is the outbound frame that starts an upstream fetch in the
// agent (spec.md §6). Exactly one of Body/BodyB64 is set.
type ProxyRequest struct {
	RequestID     string            `json:"request_id"`
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	QueryParams   map[string]string `json:"query_params,omitempty"`
	Headers       map[string]string `json:"headers"`
	Body          string            `json:"body,omitempty"`
	BodyB64       string            `json:"body_b64,omitempty"`
	StreamingMode string            `json:"streaming_mode"`
	IsGenerative  bool              `json:"is_generative"`
}

// CancelRequest asks the agent to abort an in-flight fetch.
type CancelRequest struct {
	RequestID string `json:"request_id"`
}

// SetLogLevel asks the agent to adjust its own console log verbosity.
type SetLogLevel struct {
	Level string `json:"level"`
}

// outboundEnvelope is the wire shape for every server→agent frame: the
// event_type discriminator alongside the flattened payload fields. The
// top-level RequestID carries request_id: ProxyRequest and CancelRequest
// both embed a request_id field at the same depth, and encoding/json drops
// such conflicting fields, so the shallower field is the one encoded.
type outboundEnvelope struct {
	EventType EventType `json:"event_type"`
	RequestID string    `json:"request_id,omitempty"`
	ProxyRequest
	CancelRequest
	SetLogLevel
}

// MarshalProxyRequest encodes a proxy_request frame.
func MarshalProxyRequest(p ProxyRequest) ([]byte, error) {
	return json.Marshal(outboundEnvelope{EventType: EventProxyRequest, RequestID: p.RequestID, ProxyRequest: p})
}

// MarshalCancelRequest encodes a cancel_request frame.
func MarshalCancelRequest(requestID string) ([]byte, error) {
	return json.Marshal(outboundEnvelope{EventType: EventCancelReqest, RequestID: requestID, CancelRequest: CancelRequest{RequestID: requestID}})
}

// MarshalSetLogLevel encodes a set_log_level frame.
func MarshalSetLogLevel(level string) ([]byte, error) {
	return json.Marshal(outboundEnvelope{EventType: EventSetLogLevel, SetLogLevel: SetLogLevel{Level: level}})
}

// ParseInbound decodes a raw agent→server frame.
func ParseInbound(raw []byte) (InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return InboundFrame{}, err
	}
	f.Raw = raw
	return f, nil
}

// ToEnqueued converts a validated inbound frame into the value the Registry
// places on the matching Queue, per spec.md §4.B's event_type mapping.
// ok is false for an EventType the Registry should log and drop.
func (f InboundFrame) ToEnqueued() (value any, ok bool) {
	switch f.EventType {
	case EventResponseHeaders:
		return ResponseHeaders{RequestID: f.RequestID, Status: f.Status, Headers: f.Headers}, true
	case EventChunk:
		return Chunk{RequestID: f.RequestID, Data: f.Data}, true
	case EventStreamClose:
		return StreamEnd{RequestID: f.RequestID}, true
	case EventError:
		return StreamError{RequestID: f.RequestID, Status: f.Status, Message: f.Message}, true
	default:
		return nil, false
	}
}
