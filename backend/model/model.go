package model

import (
	"encoding/json"
)

type (
	// ConnID identifies a single live client connection.
	ConnID string

	// RoomID is an opaque client supplied room name.
	RoomID string
)

const (
	DefaultUsername = "Anonymous"
	SystemSender    = "System"
)

// Inbound event names.
const (
	EventSetUsername = "set-username"
	EventJoinRoom    = "join-room"
	EventSendChat    = "send-chat"
	EventLeaveRoom   = "leave-room"
)

// Outbound event names. EventSignal is used in both directions.
const (
	EventUsernameChange = "username-change"
	EventChatMessage    = "chat-message"
	EventSignal         = "webrtc-signal"
)

type CommandKind int

const (
	CommandSetUsername CommandKind = iota + 1
	CommandJoinRoom
	CommandSendChat
	CommandSignal
	CommandLeaveRoom
	CommandDisconnect
)

func (k CommandKind) String() string {
	switch k {
	case CommandSetUsername:
		return EventSetUsername
	case CommandJoinRoom:
		return EventJoinRoom
	case CommandSendChat:
		return EventSendChat
	case CommandSignal:
		return EventSignal
	case CommandLeaveRoom:
		return EventLeaveRoom
	case CommandDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Command is a decoded client request. Only the fields relevant
// to Kind are populated.
type Command struct {
	Kind   CommandKind
	Room   RoomID
	Name   string
	Text   string
	Signal json.RawMessage
}

type ChatMessage struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Room   RoomID `json:"room"`
	Time   string `json:"time"`
	IsSelf bool   `json:"isSelf,omitempty"`
}

type UsernameChange struct {
	OldUsername string `json:"oldUsername"`
	NewUsername string `json:"newUsername"`
}

// SignalEnvelope carries a session negotiation payload between room members.
// Data is never decoded by the relay.
type SignalEnvelope struct {
	Sender ConnID          `json:"sender"`
	Room   RoomID          `json:"room"`
	Data   json.RawMessage `json:"signalData"`
}

// Event is an outbound message addressed to a client.
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data"`
}

func NewChatEvent(msg ChatMessage) Event {
	return Event{Type: EventChatMessage, Data: msg}
}

func NewUsernameChangeEvent(oldName, newName string) Event {
	return Event{Type: EventUsernameChange, Data: UsernameChange{
		OldUsername: oldName,
		NewUsername: newName,
	}}
}

func NewSignalEvent(env SignalEnvelope) Event {
	return Event{Type: EventSignal, Data: env}
}

// Wire is a pair of per-connection queues between the transport and the relay.
// RX carries decoded client commands, TX carries outbound events and is bounded.
type Wire struct {
	RX chan Command
	TX chan Event
}

func NewWire(txSize int) Wire {
	if txSize < 1 {
		txSize = 1
	}
	return Wire{
		RX: make(chan Command),
		TX: make(chan Event, txSize),
	}
}
