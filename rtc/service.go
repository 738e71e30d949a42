package rtc

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"maunium.net/go/mautrix/id"
)

// Service owns the call state of every room it has seen. All mutations of a
// room run under that room's lock, and every mutation ends in a publish of a
// fresh RoomState.
type Service struct {
	store CallStateStore
	now   func() int64

	sync.RWMutex
	rooms map[id.RoomID]*roomHolder

	subMu       sync.RWMutex
	subscribers map[chan<- RoomState]struct{}
}

type roomHolder struct {
	sync.Mutex
	roomID             id.RoomID
	slotID             string
	slotOpen           bool
	activeCallID       string
	sessionStartedAtMs int64
	participants       map[string]Participant
	state              RoomState
	watchers           map[chan RoomState]struct{}
}

func NewService(store CallStateStore, now func() int64) *Service {
	if store == nil {
		store = NewMemoryCallStateStore()
	}

	if now == nil {
		now = func() int64 {
			return time.Now().UnixMilli()
		}
	}

	return &Service{
		store:       store,
		now:         now,
		rooms:       make(map[id.RoomID]*roomHolder),
		subscribers: make(map[chan<- RoomState]struct{}),
	}
}

func (s *Service) holder(roomID id.RoomID) *roomHolder {
	s.RLock()
	h, ok := s.rooms[roomID]
	s.RUnlock()

	if ok {
		return h
	}

	s.Lock()
	defer s.Unlock()

	if h, ok = s.rooms[roomID]; ok {
		return h
	}

	h = &roomHolder{
		roomID:       roomID,
		slotID:       DefaultSlotID,
		participants: make(map[string]Participant),
		state:        initialRoomState(roomID),
		watchers:     make(map[chan RoomState]struct{}),
	}
	s.rooms[roomID] = h

	return h
}

func (s *Service) ApplySlotEvent(slot SlotEvent) {
	h := s.holder(slot.RoomID)

	h.Lock()
	defer h.Unlock()

	h.slotID = slotIDOrDefault(slot.SlotID)

	if !slot.Open || strings.TrimSpace(slot.CallID) == "" {
		h.slotOpen = false
		h.activeCallID = ""
		h.sessionStartedAtMs = 0
		h.participants = make(map[string]Participant)
		s.publish(h)
		return
	}

	if slot.CallID != h.activeCallID {
		h.participants = make(map[string]Participant)
		h.sessionStartedAtMs = s.now()
		h.activeCallID = slot.CallID
	}

	h.slotOpen = true
	s.publish(h)
}

func (s *Service) ApplyMemberEvent(member MemberEvent) {
	h := s.holder(member.RoomID)

	h.Lock()
	defer h.Unlock()

	if !member.Connected {
		delete(h.participants, member.StickyKey)
		s.publish(h)
		return
	}

	h.participants[member.StickyKey] = Participant{
		StickyKey:   member.StickyKey,
		SlotID:      slotIDOrDefault(member.SlotID),
		CallID:      member.CallID,
		UserID:      member.UserID,
		DeviceID:    member.DeviceID,
		Connected:   member.Connected,
		ExpiresAtMs: member.ExpiresAtMs,
		IsLocal:     member.IsLocal,
	}
	s.publish(h)
}

// AcknowledgeIncoming marks callID as seen in the room. A blank call id is
// ignored.
func (s *Service) AcknowledgeIncoming(roomID id.RoomID, callID string) {
	if strings.TrimSpace(callID) == "" {
		return
	}

	h := s.holder(roomID)

	h.Lock()
	defer h.Unlock()

	s.store.SetLastSeenCallID(roomID, callID)
	s.publish(h)
}

// Refresh recomputes the state of a room, dropping expired participants.
func (s *Service) Refresh(roomID id.RoomID) {
	h := s.holder(roomID)

	h.Lock()
	defer h.Unlock()

	s.publish(h)
}

func (s *Service) RefreshAll() {
	for _, roomID := range s.Rooms() {
		s.Refresh(roomID)
	}
}

// Rooms returns the ids of all rooms with call state.
func (s *Service) Rooms() []id.RoomID {
	s.RLock()
	defer s.RUnlock()

	rooms := make([]id.RoomID, 0, len(s.rooms))
	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
	}

	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })

	return rooms
}

// Observe returns the latest published state of the room.
func (s *Service) Observe(roomID id.RoomID) RoomState {
	h := s.holder(roomID)

	h.Lock()
	defer h.Unlock()

	return h.state
}

// Watch returns a channel that always holds the most recent state of the
// room. Intermediate states are dropped when the reader falls behind. The
// current state is delivered immediately.
func (s *Service) Watch(roomID id.RoomID) (<-chan RoomState, func()) {
	h := s.holder(roomID)
	ch := make(chan RoomState, 1)

	h.Lock()
	h.watchers[ch] = struct{}{}
	ch <- h.state
	h.Unlock()

	var once sync.Once

	cancel := func() {
		once.Do(func() {
			h.Lock()
			delete(h.watchers, ch)
			h.Unlock()
		})
	}

	return ch, cancel
}

// Subscribe registers ch to receive the state of every room after each
// change. Sends never block: a full channel misses the update.
func (s *Service) Subscribe(ch chan<- RoomState) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.subscribers[ch] = struct{}{}
}

func (s *Service) Unsubscribe(ch chan<- RoomState) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	delete(s.subscribers, ch)
}

// publish must be called with h locked.
func (s *Service) publish(h *roomHolder) {
	prev := h.state
	state := s.derive(h)
	h.state = state

	if prev.Phase != state.Phase {
		logger.Debugf("room %s: %s -> %s (call %q)", h.roomID, prev.Phase, state.Phase, state.CallID())
	}

	logger.Tracef("room %s state: %s", h.roomID, spew.Sdump(state))

	for ch := range h.watchers {
		select {
		case ch <- state:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}

	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for ch := range s.subscribers {
		select {
		case ch <- state:
		default:
			logger.Tracef("subscriber channel full, dropping state of %s", h.roomID)
		}
	}
}

func (s *Service) derive(h *roomHolder) RoomState {
	now := s.now()

	for key, p := range h.participants {
		if p.IsExpired(now) {
			delete(h.participants, key)
		}
	}

	visible := []Participant{}

	if h.slotOpen && h.activeCallID != "" {
		for _, p := range h.participants {
			if p.SlotID == h.slotID && p.CallID == h.activeCallID && !p.IsExpired(now) {
				visible = append(visible, p)
			}
		}
	}

	sort.Slice(visible, func(i, j int) bool {
		return visible[i].StickyKey < visible[j].StickyKey
	})

	localJoined := false

	for _, p := range visible {
		if p.IsLocal {
			localJoined = true
			break
		}
	}

	rtcActive := h.slotOpen && len(visible) > 0
	incoming := h.slotOpen &&
		!localJoined &&
		h.activeCallID != "" &&
		h.activeCallID != s.store.LastSeenCallID(h.roomID)

	phase := PhaseIdle

	switch {
	case incoming:
		phase = PhaseIncoming
	case rtcActive:
		phase = PhaseInCall
	}

	var session *CallSession

	if h.slotOpen && h.activeCallID != "" {
		started := h.sessionStartedAtMs
		if started <= 0 {
			started = now
		}

		session = &CallSession{
			SlotID:      h.slotID,
			CallID:      h.activeCallID,
			StartedAtMs: started,
		}
	}

	aggregated := aggregate(visible)

	return RoomState{
		RoomID:                      h.roomID,
		SlotID:                      h.slotID,
		SlotOpen:                    h.slotOpen,
		Session:                     session,
		Participants:                visible,
		ParticipantsCount:           len(visible),
		AggregatedParticipants:      aggregated,
		AggregatedParticipantsCount: len(aggregated),
		LocalJoined:                 localJoined,
		RTCActive:                   rtcActive,
		Incoming:                    incoming,
		Phase:                       phase,
	}
}

// aggregate groups participants by user, keeping the order in which users
// first appear.
func aggregate(participants []Participant) []AggregatedParticipant {
	index := make(map[id.UserID]int)
	res := []AggregatedParticipant{}

	for _, p := range participants {
		i, ok := index[p.UserID]
		if !ok {
			i = len(res)
			index[p.UserID] = i
			res = append(res, AggregatedParticipant{UserID: p.UserID})
		}

		a := &res[i]
		a.DeviceParticipants = append(a.DeviceParticipants, p)
		a.DevicesCount++

		if p.Connected {
			a.ConnectedDevicesCount++
			a.AnyConnected = true
		}

		if p.IsLocal {
			a.AnyLocal = true
			if p.Connected {
				a.LocalDevicesCount++
			}
		}
	}

	return res
}
