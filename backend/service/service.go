package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/adwski/roomrelay/backend/model"
	"github.com/adwski/roomrelay/backend/storage/memory"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeLayout       = "15:04"
	DefaultMaxMessageLength = 2000
	DefaultMaxNameLength    = 64
)

var (
	ErrEmptyRoom      = errors.New("room is not specified")
	ErrInvalidName    = errors.New("invalid username")
	ErrNameUnchanged  = errors.New("username is unchanged")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message is too long")
	ErrEmptySignal    = errors.New("signal payload is empty")
	ErrNotAMember     = errors.New("connection is not a member of this room")
	ErrUnknownConn    = errors.New("connection is gone")
	ErrAlreadyInRoom  = errors.New("connection is already in this room")
	ErrJoin           = errors.New("unable to join room")

	nullPayload = []byte("null")
)

type (
	RoomStore interface {
		CreateConnection() model.ConnID
		DeleteConnection(id model.ConnID) (string, []model.RoomID, bool)
		SetName(id model.ConnID, name string) (string, bool)
		GetName(id model.ConnID) (string, bool)
		Join(id model.ConnID, roomID model.RoomID) (bool, error)
		Leave(id model.ConnID, roomID model.RoomID) bool
		IsMember(id model.ConnID, roomID model.RoomID) bool
		RoomsOf(id model.ConnID) []model.RoomID
	}

	Switch interface {
		Connect(id model.ConnID, wire model.Wire, evict func())
		Disconnect(id model.ConnID)
		BroadcastToRoom(roomID model.RoomID, ev model.Event, exclude model.ConnID) int
		SendDirect(id model.ConnID, ev model.Event) bool
	}

	// Service routes client commands: it validates them, mutates
	// registry and membership state and notifies affected connections.
	Service struct {
		store  RoomStore
		sw     Switch
		logger zerolog.Logger

		mx       *sync.Mutex
		sessions map[model.ConnID]session

		clock      func() time.Time
		timeLayout string
		maxMsgLen  int
		maxNameLen int
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Logger    *zerolog.Logger

		// Clock defaults to time.Now.
		Clock            func() time.Time
		TimeLayout       string
		MaxMessageLength int
		MaxNameLength    int
	}

	session struct {
		cancel context.CancelFunc
		done   <-chan struct{}
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		store:      cfg.RoomStore,
		sw:         cfg.Switch,
		logger:     cfg.Logger.With().Str("component", "relay").Logger(),
		mx:         &sync.Mutex{},
		sessions:   make(map[model.ConnID]session),
		clock:      cfg.Clock,
		timeLayout: cfg.TimeLayout,
		maxMsgLen:  cfg.MaxMessageLength,
		maxNameLen: cfg.MaxNameLength,
	}
	if svc.clock == nil {
		svc.clock = time.Now
	}
	if svc.timeLayout == "" {
		svc.timeLayout = DefaultTimeLayout
	}
	if svc.maxMsgLen <= 0 {
		svc.maxMsgLen = DefaultMaxMessageLength
	}
	if svc.maxNameLen <= 0 {
		svc.maxNameLen = DefaultMaxNameLength
	}
	return svc
}

// CreateSignalingSession allocates a connection, attaches its outbound queue
// and starts processing its inbound commands until ctx is done.
func (svc *Service) CreateSignalingSession(ctx context.Context, wire model.Wire, evict func()) model.ConnID {
	id := svc.store.CreateConnection()
	svc.sw.Connect(id, wire, evict)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	svc.mx.Lock()
	svc.sessions[id] = session{cancel: cancel, done: done}
	svc.mx.Unlock()

	svc.logger.Debug().
		Str("connID", string(id)).
		Msg("signaling session connected")

	go func() {
		defer close(done)
		svc.serve(ctx, id, wire.RX)
	}()
	return id
}

// DeleteSignalingSession stops command processing of the connection, waits
// for the command in flight and unwinds all of its state.
// It is safe to call more than once.
func (svc *Service) DeleteSignalingSession(id model.ConnID) {
	svc.mx.Lock()
	sess, ok := svc.sessions[id]
	delete(svc.sessions, id)
	svc.mx.Unlock()

	if ok {
		sess.cancel()
		<-sess.done
	}
	svc.Handle(id, model.Command{Kind: model.CommandDisconnect})
	svc.sw.Disconnect(id)
}

func (svc *Service) serve(ctx context.Context, id model.ConnID, rx <-chan model.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-rx:
			if ctx.Err() != nil {
				return
			}
			svc.Handle(id, cmd)
		}
	}
}

// Handle processes a single command of the connection. Invalid commands
// and commands for unknown connections or rooms are dropped.
func (svc *Service) Handle(id model.ConnID, cmd model.Command) {
	logger := svc.logger.With().
		Str("connID", string(id)).
		Stringer("cmd", cmd.Kind).
		Logger()

	var err error
	switch cmd.Kind {
	case model.CommandSetUsername:
		err = svc.setUsername(id, cmd.Name)
	case model.CommandJoinRoom:
		err = svc.joinRoom(id, cmd.Room)
	case model.CommandSendChat:
		err = svc.sendChat(id, cmd.Room, cmd.Text)
	case model.CommandSignal:
		err = svc.relaySignal(id, cmd.Room, cmd.Signal)
	case model.CommandLeaveRoom:
		err = svc.leaveRoom(id, cmd.Room)
	case model.CommandDisconnect:
		err = svc.disconnect(id)
	default:
		err = model.ErrUnknownEvent
	}
	if err != nil {
		logger.Debug().Err(err).Msg("command dropped")
		return
	}
	logger.Trace().Str("roomID", string(cmd.Room)).Msg("command processed")
}

func (svc *Service) setUsername(id model.ConnID, newName string) error {
	name := strings.TrimSpace(newName)
	if name == "" ||
		utf8.RuneCountInString(name) > svc.maxNameLen ||
		strings.EqualFold(name, model.SystemSender) {
		return ErrInvalidName
	}

	old, ok := svc.store.SetName(id, name)
	if !ok {
		return ErrUnknownConn
	}
	if old == name {
		return ErrNameUnchanged
	}

	ev := model.NewUsernameChangeEvent(old, name)
	for _, roomID := range svc.store.RoomsOf(id) {
		svc.sw.BroadcastToRoom(roomID, ev, "")
	}
	return nil
}

func (svc *Service) joinRoom(id model.ConnID, roomID model.RoomID) error {
	if roomID == "" {
		return ErrEmptyRoom
	}
	joined, err := svc.store.Join(id, roomID)
	if errors.Is(err, memory.ErrRoomIsFull) {
		svc.sw.SendDirect(id, svc.systemChat(roomID, fmt.Sprintf("Room %s is full", roomID)))
	}
	if err != nil {
		return errors.Join(ErrJoin, err)
	}
	if !joined {
		return ErrAlreadyInRoom
	}

	name, ok := svc.store.GetName(id)
	if !ok {
		return ErrUnknownConn
	}
	svc.sw.BroadcastToRoom(roomID, svc.systemChat(roomID, fmt.Sprintf("%s has joined room %s", name, roomID)), id)
	return nil
}

func (svc *Service) sendChat(id model.ConnID, roomID model.RoomID, text string) error {
	if roomID == "" {
		return ErrEmptyRoom
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > svc.maxMsgLen {
		return ErrMessageTooLong
	}
	// only members may post to a room
	if !svc.store.IsMember(id, roomID) {
		return ErrNotAMember
	}
	name, ok := svc.store.GetName(id)
	if !ok {
		return ErrUnknownConn
	}

	msg := model.ChatMessage{
		Sender: name,
		Text:   text,
		Room:   roomID,
		Time:   svc.now(),
	}
	svc.sw.BroadcastToRoom(roomID, model.NewChatEvent(msg), id)

	msg.IsSelf = true
	svc.sw.SendDirect(id, model.NewChatEvent(msg))
	return nil
}

func (svc *Service) relaySignal(id model.ConnID, roomID model.RoomID, payload []byte) error {
	if roomID == "" {
		return ErrEmptyRoom
	}
	if trimmed := bytes.TrimSpace(payload); len(trimmed) == 0 || bytes.Equal(trimmed, nullPayload) {
		return ErrEmptySignal
	}
	// signals stay inside the room, outsiders can not inject offers
	if !svc.store.IsMember(id, roomID) {
		return ErrNotAMember
	}

	svc.sw.BroadcastToRoom(roomID, model.NewSignalEvent(model.SignalEnvelope{
		Sender: id,
		Room:   roomID,
		Data:   payload,
	}), id)
	return nil
}

func (svc *Service) leaveRoom(id model.ConnID, roomID model.RoomID) error {
	if roomID == "" {
		return ErrEmptyRoom
	}
	name, ok := svc.store.GetName(id)
	if !ok {
		return ErrUnknownConn
	}
	if !svc.store.Leave(id, roomID) {
		return ErrNotAMember
	}
	svc.sw.BroadcastToRoom(roomID, svc.leftNotice(roomID, name), "")
	return nil
}

func (svc *Service) disconnect(id model.ConnID) error {
	name, rooms, ok := svc.store.DeleteConnection(id)
	if !ok {
		return ErrUnknownConn
	}
	for _, roomID := range rooms {
		svc.sw.BroadcastToRoom(roomID, svc.leftNotice(roomID, name), "")
	}
	svc.logger.Debug().
		Str("connID", string(id)).
		Int("rooms", len(rooms)).
		Msg("signaling session deleted")
	return nil
}

func (svc *Service) leftNotice(roomID model.RoomID, name string) model.Event {
	return svc.systemChat(roomID, name+" has left")
}

func (svc *Service) systemChat(roomID model.RoomID, text string) model.Event {
	return model.NewChatEvent(model.ChatMessage{
		Sender: model.SystemSender,
		Text:   text,
		Room:   roomID,
		Time:   svc.now(),
	})
}

func (svc *Service) now() string {
	return svc.clock().Format(svc.timeLayout)
}
