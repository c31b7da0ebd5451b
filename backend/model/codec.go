package model

import (
	"bytes"
	"encoding/json"
	"errors"
)

var (
	ErrUnknownEvent     = errors.New("unknown event")
	ErrMalformedPayload = errors.New("malformed event payload")
	ErrInvalidSignal    = errors.New("signal payload is not valid json")
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type chatPayload struct {
	Room    RoomID `json:"room"`
	Message string `json:"message"`
}

type signalPayload struct {
	Room       RoomID          `json:"room"`
	SignalData json.RawMessage `json:"signalData"`
}

// DecodeCommand parses a client frame of the form {"event": ..., "data": ...}.
// Only the shape of the payload is checked here, content rules belong to the service.
func DecodeCommand(b []byte) (Command, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Command{}, errors.Join(ErrMalformedPayload, err)
	}

	var (
		cmd Command
		err error
	)
	switch f.Event {
	case EventSetUsername:
		cmd.Kind = CommandSetUsername
		err = unmarshalData(f.Data, &cmd.Name)
	case EventJoinRoom:
		cmd.Kind = CommandJoinRoom
		err = unmarshalData(f.Data, &cmd.Room)
	case EventLeaveRoom:
		cmd.Kind = CommandLeaveRoom
		err = unmarshalData(f.Data, &cmd.Room)
	case EventSendChat:
		var p chatPayload
		cmd.Kind = CommandSendChat
		err = unmarshalData(f.Data, &p)
		cmd.Room, cmd.Text = p.Room, p.Message
	case EventSignal:
		var p signalPayload
		cmd.Kind = CommandSignal
		err = unmarshalData(f.Data, &p)
		cmd.Room, cmd.Signal = p.Room, p.SignalData
	default:
		return Command{}, ErrUnknownEvent
	}
	if err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.Join(ErrMalformedPayload, errors.New("missing data"))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Join(ErrMalformedPayload, err)
	}
	return nil
}

// EncodeEvent serializes an outbound event. Signal payloads are spliced in
// verbatim so that peers receive exactly the bytes the sender produced.
func EncodeEvent(ev Event) ([]byte, error) {
	env, ok := ev.Data.(SignalEnvelope)
	if !ok {
		return json.Marshal(&ev)
	}
	if !json.Valid(env.Data) {
		return nil, ErrInvalidSignal
	}

	head, err := json.Marshal(&struct {
		Sender ConnID `json:"sender"`
		Room   RoomID `json:"room"`
	}{env.Sender, env.Room})
	if err != nil {
		return nil, err
	}
	typ, err := json.Marshal(ev.Type)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(head) + len(env.Data) + len(typ) + 40)
	buf.WriteString(`{"event":`)
	buf.Write(typ)
	buf.WriteString(`,"data":`)
	buf.Write(head[:len(head)-1])
	buf.WriteString(`,"signalData":`)
	buf.Write(env.Data)
	buf.WriteString(`}}`)
	return buf.Bytes(), nil
}
