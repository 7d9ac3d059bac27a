package deltasync

import "encoding/json"

// MessageType enumerates the system-typed messages the protocol
// recognizes at the top level; everything else is an opaque op the
// handler interprets.
type MessageType string

const (
	MessageTypeJoin    MessageType = "join"
	MessageTypeLeave   MessageType = "leave"
	MessageTypePropose MessageType = "propose"
	MessageTypeReject  MessageType = "reject"
	MessageTypeNoOp    MessageType = "noop"
	MessageTypeOp      MessageType = "op"
)

// IsSystemType reports whether the message type is rewritten on submit
// per spec §4.1 ("system-typed messages are rewritten").
func (t MessageType) IsSystemType() bool {
	switch t {
	case MessageTypeJoin, MessageTypeLeave, MessageTypePropose, MessageTypeReject, MessageTypeNoOp:
		return true
	default:
		return false
	}
}

// SequencedMessage is a message delivered over the realtime stream (or
// fetched from storage) once it has been assigned a sequence number by
// the service.
type SequencedMessage struct {
	SequenceNumber        uint64          `json:"sequenceNumber"`
	MinimumSequenceNumber uint64          `json:"minimumSequenceNumber"`
	ClientId              Id              `json:"clientId"`
	ClientSequenceNumber  uint64          `json:"clientSequenceNumber"`
	Type                  MessageType     `json:"type"`
	Contents              json.RawMessage `json:"contents,omitempty"`
	Traces                []string        `json:"traces,omitempty"`
}

// ContentMessage carries the out-of-band payload for a message that
// arrived on the realtime stream without its contents inlined.
type ContentMessage struct {
	ClientId             Id              `json:"clientId"`
	ClientSequenceNumber uint64          `json:"clientSequenceNumber"`
	Contents             json.RawMessage `json:"contents"`
}

// OutboundMessage is a message the client has submitted but not yet seen
// acknowledged (i.e. echoed back as a SequencedMessage with matching
// clientId/clientSequenceNumber).
type OutboundMessage struct {
	ClientSequenceNumber    uint64          `json:"clientSequenceNumber"`
	ReferenceSequenceNumber uint64          `json:"referenceSequenceNumber"`
	Type                    MessageType     `json:"type"`
	Contents                json.RawMessage `json:"contents,omitempty"`
	Metadata                json.RawMessage `json:"metadata,omitempty"`
	Traces                  []string        `json:"traces,omitempty"`

	// Data holds the original contents for a rewritten system message
	// (spec §4.1: "contents becomes null, original contents move to a
	// top-level data field").
	Data json.RawMessage `json:"data,omitempty"`
}

// ConnectionMode constrains what a connection is permitted to do.
type ConnectionMode string

const (
	ConnectionModeRead  ConnectionMode = "read"
	ConnectionModeWrite ConnectionMode = "write"
)

// ConnectionDetails is returned by the document service when a realtime
// stream connection is established.
type ConnectionDetails struct {
	ClientId        Id                 `json:"clientId"`
	Mode            ConnectionMode     `json:"mode"`
	ServiceConfig   *ServiceConfig     `json:"serviceConfig,omitempty"`
	MaxMessageSize  ByteCount          `json:"maxMessageSize"`
	InitialMessages []SequencedMessage `json:"initialMessages,omitempty"`
	InitialContents []ContentMessage   `json:"initialContents,omitempty"`
	InitialSignals  []SignalMessage    `json:"initialSignals,omitempty"`
	Version         string             `json:"version,omitempty"`
	Claims          string             `json:"claims,omitempty"`
}

// SignalMessage is an out-of-band message with no ordering relation to
// ops.
type SignalMessage struct {
	ClientId Id              `json:"clientId"`
	Content  json.RawMessage `json:"content"`
}

// DefaultChunkSize bounds a single outbound content chunk. Content
// splitting above this size is a disabled optimization in the source
// (`shouldSplit` always returns false) and is intentionally not
// implemented here; see SPEC_FULL.md Open Questions.
const DefaultChunkSize ByteCount = 16 * 1024
