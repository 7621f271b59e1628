// Package realtime pushes availability snapshots, threshold events and
// booking intents to WebSocket subscribers, and provides the Go client used
// to consume them.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Client to server message types.
const (
	TypeSubscribe    = "subscribe:session"
	TypeUnsubscribe  = "unsubscribe:session"
	TypeGet          = "get:availability"
	TypeIntent       = "booking:intent"
	TypeCancelIntent = "booking:cancel-intent"
)

// Server to client message types.
const (
	TypeUpdate          = "availability:update"
	TypeLow             = "availability:low"
	TypeUrgent          = "availability:urgent"
	TypeFull            = "availability:full"
	TypeIntentActive    = "booking:intent:active"
	TypeIntentCancelled = "booking:intent:cancelled"
	TypeSubscribed      = "subscribed:session"
	TypeUnsubscribed    = "unsubscribed:session"
	TypeError           = "error"
)

// Error codes carried by TypeError messages.
const (
	CodeBadRequest  = "bad_request"
	CodeNotFound    = "not_found"
	CodeUnavailable = "unavailable"
	CodeUnknownType = "unknown_type"
)

// Envelope is the frame exchanged in both directions.  RequestID is set by
// the client and echoed on the direct reply.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SessionRef is the payload of subscribe, unsubscribe and get requests and
// of the subscribed/unsubscribed replies.
type SessionRef struct {
	SessionID uint64 `json:"session_id"`
}

// IntentRequest is the payload of booking:intent and booking:cancel-intent.
type IntentRequest struct {
	SessionID uint64 `json:"session_id"`
	Spots     int    `json:"spots"`
	// TTLSeconds overrides the default intent lifetime; it is clamped.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// IntentCancelled is the payload of booking:intent:cancelled.
type IntentCancelled struct {
	SessionID uint64 `json:"session_id"`
	IntentID  string `json:"intent_id"`
	Spots     int    `json:"spots"`
}

// ErrorPayload is the payload of error messages.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerError is returned by Client calls the server answered with an error.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string { return fmt.Sprintf("server error %s: %s", e.Code, e.Message) }

func encode(typ, requestID string, data any) ([]byte, error) {
	env := Envelope{Type: typ, RequestID: requestID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// mustEncode is for payloads built from our own types, which always marshal.
func mustEncode(typ, requestID string, data any) []byte {
	b, err := encode(typ, requestID, data)
	if err != nil {
		panic(fmt.Sprintf("realtime: encode %s: %v", typ, err))
	}
	return b
}
