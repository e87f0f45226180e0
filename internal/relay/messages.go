// Package relay fans events out to subscribed WebSocket connections on every
// instance: local delivery through the subscription hub, cross-instance
// propagation over Kafka, and per-connection batching under load. It also
// hosts the secondary frame relay for live viewport streaming.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
)

// MessageType tags every frame on the WebSocket wire.
type MessageType string

// Client → server.
const (
	MsgSubscribe    MessageType = "SUBSCRIBE"
	MsgUnsubscribe  MessageType = "UNSUBSCRIBE"
	MsgAuthenticate MessageType = "AUTHENTICATE"
	MsgPing         MessageType = "PING"
)

// Server → client.
const (
	MsgPong             MessageType = "PONG"
	MsgAuthenticated    MessageType = "AUTHENTICATED"
	MsgSubscribed       MessageType = "SUBSCRIBED"
	MsgUnsubscribed     MessageType = "UNSUBSCRIBED"
	MsgConnectionStatus MessageType = "CONNECTION_STATUS"
	MsgError            MessageType = "ERROR"
	MsgBatch            MessageType = "BATCH"
)

// SubscriptionType names the channel families a connection can follow.
type SubscriptionType string

const (
	SubTask    SubscriptionType = "TASK"
	SubSession SubscriptionType = "SESSION"
	SubAgent   SubscriptionType = "AGENT"
)

// ValidSubscriptionType reports whether t names a known channel family.
func ValidSubscriptionType(t SubscriptionType) bool {
	switch t {
	case SubTask, SubSession, SubAgent:
		return true
	}
	return false
}

// ClientMessage is the single inbound frame shape; which fields matter
// depends on Type.
type ClientMessage struct {
	Type             MessageType      `json:"type"`
	SubscriptionType SubscriptionType `json:"subscriptionType,omitempty"`
	TargetID         string           `json:"targetId,omitempty"`
	SessionToken     string           `json:"sessionToken,omitempty"`
	AgentID          string           `json:"agentId,omitempty"`
}

// ControlMessage is the outbound shape for everything that is not an event:
// acks, pongs, connection status and errors.
type ControlMessage struct {
	Type             MessageType      `json:"type"`
	SubscriptionType SubscriptionType `json:"subscriptionType,omitempty"`
	TargetID         string           `json:"targetId,omitempty"`
	Status           string           `json:"status,omitempty"`
	Error            string           `json:"error,omitempty"`
	Code             string           `json:"code,omitempty"`
	Details          string           `json:"details,omitempty"`
}

// BatchMessage coalesces multiple pending frames for one connection. Unwraps
// to the same ordered messages on the client.
type BatchMessage struct {
	Type      MessageType       `json:"type"`
	Messages  []json.RawMessage `json:"messages"`
	BatchID   string            `json:"batchId"`
	Count     int               `json:"count"`
	TotalSize int               `json:"totalSize"`
}

// EncodeEvent renders a domain event as a wire frame tagged with its type.
// The switch is exhaustive over the closed event union; an unknown concrete
// type is a programming error.
func EncodeEvent(ev domain.Event) ([]byte, error) {
	switch e := ev.(type) {
	case *domain.TaskStatusEvent:
		return json.Marshal(struct {
			Type domain.EventType `json:"type"`
			*domain.TaskStatusEvent
		}{e.Type(), e})
	case *domain.TaskProgressEvent:
		return json.Marshal(struct {
			Type domain.EventType `json:"type"`
			*domain.TaskProgressEvent
		}{e.Type(), e})
	case *domain.TaskLogsEvent:
		return json.Marshal(struct {
			Type domain.EventType `json:"type"`
			*domain.TaskLogsEvent
		}{e.Type(), e})
	case *domain.TaskErrorEvent:
		return json.Marshal(struct {
			Type domain.EventType `json:"type"`
			*domain.TaskErrorEvent
		}{e.Type(), e})
	case *domain.SessionStatusEvent:
		return json.Marshal(struct {
			Type domain.EventType `json:"type"`
			*domain.SessionStatusEvent
		}{e.Type(), e})
	default:
		return nil, fmt.Errorf("unknown event type %T", ev)
	}
}

// DecodeEvent is the inverse of EncodeEvent for envelopes arriving from peer
// instances.
func DecodeEvent(t domain.EventType, data []byte) (domain.Event, error) {
	var ev domain.Event
	switch t {
	case domain.EventTaskStatus:
		ev = &domain.TaskStatusEvent{}
	case domain.EventTaskProgress:
		ev = &domain.TaskProgressEvent{}
	case domain.EventTaskLogs:
		ev = &domain.TaskLogsEvent{}
	case domain.EventTaskError:
		ev = &domain.TaskErrorEvent{}
	case domain.EventSessionStatus:
		ev = &domain.SessionStatusEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", t, err)
	}
	return ev, nil
}
