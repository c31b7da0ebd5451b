package _switch

import (
	"sync"

	"github.com/adwski/roomrelay/backend/model"
	"github.com/rs/zerolog"
)

type MemberLister interface {
	MembersOf(roomID model.RoomID) []model.ConnID
}

type endpoint struct {
	tx    chan<- model.Event
	evict func()
}

// Switch delivers events to connected endpoints.
// Fan-out is serialized by mx, so every recipient observes broadcasts
// in the order they were issued. Enqueue never blocks: an endpoint
// whose queue is full is dropped from the switch and evicted.
type Switch struct {
	logger  zerolog.Logger
	mx      *sync.Mutex
	members MemberLister
	fwd     map[model.ConnID]endpoint
}

func NewSwitch(logger *zerolog.Logger, members MemberLister) *Switch {
	return &Switch{
		logger:  logger.With().Str("component", "switch").Logger(),
		mx:      &sync.Mutex{},
		members: members,
		fwd:     make(map[model.ConnID]endpoint),
	}
}

// Connect registers outbound queue of the connection. evict is called
// at most once, with switch lock held, when the connection cannot keep up.
// It must not block.
func (sw *Switch) Connect(id model.ConnID, wire model.Wire, evict func()) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	sw.fwd[id] = endpoint{
		tx:    wire.TX,
		evict: evict,
	}
	sw.logger.Debug().Str("connID", string(id)).Msg("endpoint connected")
}

func (sw *Switch) Disconnect(id model.ConnID) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.fwd[id]; ok {
		delete(sw.fwd, id)
		sw.logger.Debug().Str("connID", string(id)).Msg("endpoint disconnected")
	}
}

// BroadcastToRoom sends event to every current member of the room except
// the excluded connection. Empty exclude means nobody is excluded.
// It returns the number of endpoints the event was queued to.
func (sw *Switch) BroadcastToRoom(roomID model.RoomID, ev model.Event, exclude model.ConnID) int {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	var sent int
	for _, id := range sw.members.MembersOf(roomID) {
		if id == exclude {
			continue
		}
		ep, ok := sw.fwd[id]
		if !ok {
			continue
		}
		if sw.send(id, ep, ev) {
			sent++
		}
	}
	if sent == 0 {
		sw.logger.Debug().
			Str("roomID", string(roomID)).
			Str("type", ev.Type).
			Msg("broadcast did not reach anyone")
	}
	return sent
}

// SendDirect sends event to a single connection. It reports false
// if the connection is gone or was evicted.
func (sw *Switch) SendDirect(id model.ConnID, ev model.Event) bool {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	ep, ok := sw.fwd[id]
	if !ok {
		sw.logger.Debug().
			Str("dst", string(id)).
			Str("type", ev.Type).
			Msg("cannot send, dst not found")
		return false
	}
	return sw.send(id, ep, ev)
}

func (sw *Switch) send(id model.ConnID, ep endpoint, ev model.Event) bool {
	select {
	case ep.tx <- ev:
		return true
	default:
	}

	sw.logger.Warn().
		Str("dst", string(id)).
		Str("type", ev.Type).
		Msg("outbound queue is full, evicting slow endpoint")
	delete(sw.fwd, id)
	if ep.evict != nil {
		ep.evict()
	}
	return false
}
