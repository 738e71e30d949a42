package call

import (
	"context"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/42wim/matterrtc/rtc"
)

const unknownCaller = "Unknown User"

// IncomingCall is a call ringing in a room the local user has not joined.
type IncomingCall struct {
	RoomID   id.RoomID
	RoomName string
	CallID   string
	Caller   id.UserID
	// CallerName is the caller's user id, or "Unknown User".
	CallerName string
	IsDirect   bool
}

// RoomInfo resolves the human readable details of a room.
type RoomInfo interface {
	GetChannelName(channelID string) string
	IsDirect(channelID string) bool
}

// IncomingManager tracks the single incoming call presented to the user.
type IncomingManager struct {
	watcher Watcher
	rooms   RoomInfo

	sync.RWMutex
	current   *IncomingCall
	callbacks []func(IncomingCall)
}

func NewIncomingManager(watcher Watcher, rooms RoomInfo) *IncomingManager {
	return &IncomingManager{
		watcher: watcher,
		rooms:   rooms,
	}
}

// OnIncoming registers fn to be called whenever a new incoming call is
// registered.
func (m *IncomingManager) OnIncoming(fn func(IncomingCall)) {
	m.Lock()
	defer m.Unlock()

	m.callbacks = append(m.callbacks, fn)
}

// Run consumes room states until ctx is done or states is closed.
func (m *IncomingManager) Run(ctx context.Context, states <-chan rtc.RoomState) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			m.HandleState(state)
		}
	}
}

func (m *IncomingManager) HandleState(state rtc.RoomState) {
	callID := state.CallID()

	m.Lock()

	// the room stopped ringing: the call ended, was acknowledged or the
	// local user joined it
	if !state.Incoming || callID == "" {
		if m.current != nil && m.current.RoomID == state.RoomID {
			m.current = nil
		}

		m.Unlock()

		return
	}

	// one incoming call at a time
	if m.current != nil {
		m.Unlock()
		return
	}

	incoming := m.newIncoming(state, callID)
	m.current = &incoming
	callbacks := m.callbacks

	m.Unlock()

	logger.Infof("incoming call %s in %s from %s", callID, state.RoomID, incoming.CallerName)

	for _, fn := range callbacks {
		fn(incoming)
	}
}

func (m *IncomingManager) newIncoming(state rtc.RoomState, callID string) IncomingCall {
	incoming := IncomingCall{
		RoomID:     state.RoomID,
		RoomName:   string(state.RoomID),
		CallID:     callID,
		CallerName: unknownCaller,
	}

	for _, p := range state.Participants {
		if !p.IsLocal {
			incoming.Caller = p.UserID
			incoming.CallerName = string(p.UserID)

			break
		}
	}

	if m.rooms != nil {
		incoming.RoomName = m.rooms.GetChannelName(string(state.RoomID))
		incoming.IsDirect = m.rooms.IsDirect(string(state.RoomID))
	}

	return incoming
}

// Current returns the incoming call, if any.
func (m *IncomingManager) Current() (IncomingCall, bool) {
	m.RLock()
	defer m.RUnlock()

	if m.current == nil {
		return IncomingCall{}, false
	}

	return *m.current, true
}

// Accept clears the incoming call and returns it so the caller can join.
func (m *IncomingManager) Accept() (IncomingCall, bool) {
	m.Lock()
	defer m.Unlock()

	if m.current == nil {
		return IncomingCall{}, false
	}

	incoming := *m.current
	m.current = nil

	return incoming, true
}

// Decline acknowledges the incoming call so it stops ringing and clears it.
func (m *IncomingManager) Decline() {
	m.Lock()
	incoming := m.current
	m.current = nil
	m.Unlock()

	if incoming != nil {
		m.watcher.AcknowledgeIncoming(incoming.RoomID, incoming.CallID)
	}
}

func (m *IncomingManager) Clear() {
	m.Lock()
	defer m.Unlock()

	m.current = nil
}
