package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/davecgh/go-spew/spew"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Command
	}{
		{
			name:  "set username",
			frame: `{"event":"set-username","data":"Bob"}`,
			want:  Command{Kind: CommandSetUsername, Name: "Bob"},
		},
		{
			name:  "join room",
			frame: `{"event":"join-room","data":"lobby"}`,
			want:  Command{Kind: CommandJoinRoom, Room: "lobby"},
		},
		{
			name:  "leave room",
			frame: `{"event":"leave-room","data":"lobby"}`,
			want:  Command{Kind: CommandLeaveRoom, Room: "lobby"},
		},
		{
			name:  "send chat",
			frame: `{"event":"send-chat","data":{"room":"lobby","message":"hi"}}`,
			want:  Command{Kind: CommandSendChat, Room: "lobby", Text: "hi"},
		},
		{
			name:  "send chat with missing fields",
			frame: `{"event":"send-chat","data":{}}`,
			want:  Command{Kind: CommandSendChat},
		},
		{
			name:  "signal",
			frame: `{"event":"webrtc-signal","data":{"room":"lobby","signalData":{"type":"offer", "sdp":{"x":1}}}}`,
			want: Command{
				Kind:   CommandSignal,
				Room:   "lobby",
				Signal: json.RawMessage(`{"type":"offer", "sdp":{"x":1}}`),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCommand([]byte(tt.frame))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Kind != tt.want.Kind || got.Room != tt.want.Room ||
				got.Name != tt.want.Name || got.Text != tt.want.Text ||
				!bytes.Equal(got.Signal, tt.want.Signal) {
				t.Errorf("decoded command mismatch\nwant: %s\ngot:  %s", spew.Sdump(tt.want), spew.Sdump(got))
			}
		})
	}
}

func TestDecodeCommandErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"not json", `hello`, ErrMalformedPayload},
		{"unknown event", `{"event":"shutdown","data":"x"}`, ErrUnknownEvent},
		{"missing event", `{"data":"x"}`, ErrUnknownEvent},
		{"missing data", `{"event":"join-room"}`, ErrMalformedPayload},
		{"wrong type for room", `{"event":"join-room","data":42}`, ErrMalformedPayload},
		{"wrong type for name", `{"event":"set-username","data":{"name":"x"}}`, ErrMalformedPayload},
		{"chat payload is string", `{"event":"send-chat","data":"hi"}`, ErrMalformedPayload},
		{"chat message is number", `{"event":"send-chat","data":{"room":"a","message":1}}`, ErrMalformedPayload},
		{"signal payload is array", `{"event":"webrtc-signal","data":[1,2]}`, ErrMalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCommand([]byte(tt.frame))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestEncodeEventChat(t *testing.T) {
	b, err := EncodeEvent(NewChatEvent(ChatMessage{
		Sender: "Alice",
		Text:   "hi",
		Room:   "lobby",
		Time:   "10:04",
	}))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"event":"chat-message","data":{"sender":"Alice","text":"hi","room":"lobby","time":"10:04"}}`
	if string(b) != want {
		t.Errorf("want %s, got %s", want, b)
	}
}

func TestEncodeEventSignalKeepsPayloadBytes(t *testing.T) {
	payload := json.RawMessage(`{ "type" : "answer",  "sdp": {"sdp":"v=0\r\n"} }`)
	b, err := EncodeEvent(NewSignalEvent(SignalEnvelope{
		Sender: "c1",
		Room:   "lobby",
		Data:   payload,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(b, payload) {
		t.Fatalf("payload was rewritten: %s", b)
	}

	var decoded struct {
		Event string `json:"event"`
		Data  struct {
			Sender     ConnID          `json:"sender"`
			Room       RoomID          `json:"room"`
			SignalData json.RawMessage `json:"signalData"`
		} `json:"data"`
	}
	if err = json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("encoded signal is not valid json: %v: %s", err, b)
	}
	if decoded.Event != EventSignal || decoded.Data.Sender != "c1" || decoded.Data.Room != "lobby" {
		t.Errorf("unexpected envelope: %s", spew.Sdump(decoded))
	}
	if !bytes.Equal(decoded.Data.SignalData, payload) {
		t.Errorf("want payload %s, got %s", payload, decoded.Data.SignalData)
	}
}

func TestEncodeEventInvalidSignal(t *testing.T) {
	_, err := EncodeEvent(NewSignalEvent(SignalEnvelope{Sender: "c1", Data: json.RawMessage(`{`)}))
	if !errors.Is(err, ErrInvalidSignal) {
		t.Errorf("expected ErrInvalidSignal, got %v", err)
	}
}
