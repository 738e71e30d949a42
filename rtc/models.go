package rtc

import (
	"maunium.net/go/mautrix/id"
)

const DefaultSlotID = "default"

// SlotEvent is the normalized content of a slot state event.
type SlotEvent struct {
	RoomID id.RoomID
	SlotID string
	// CallID is empty when the slot does not reference a call.
	CallID string
	Open   bool
}

// MemberEvent is one device's normalized participation claim.
type MemberEvent struct {
	RoomID      id.RoomID
	SlotID      string
	CallID      string
	StickyKey   string
	UserID      id.UserID
	DeviceID    id.DeviceID
	ExpiresAtMs int64
	Connected   bool
	IsLocal     bool
}

type Participant struct {
	StickyKey   string
	SlotID      string
	CallID      string
	UserID      id.UserID
	DeviceID    id.DeviceID
	Connected   bool
	ExpiresAtMs int64
	IsLocal     bool
}

// DeviceKey identifies the device behind the participant, falling back to the
// sticky key when the device is unknown.
func (p Participant) DeviceKey() string {
	if p.DeviceID != "" {
		return string(p.DeviceID)
	}
	return p.StickyKey
}

// IsExpired reports whether the participant expired at nowMs. An expiry of 0
// means the participant never expires.
func (p Participant) IsExpired(nowMs int64) bool {
	if p.ExpiresAtMs <= 0 {
		return false
	}
	return nowMs >= p.ExpiresAtMs
}

// AggregatedParticipant groups the device participants of a single user.
type AggregatedParticipant struct {
	UserID                id.UserID
	DeviceParticipants    []Participant
	DevicesCount          int
	ConnectedDevicesCount int
	LocalDevicesCount     int
	AnyLocal              bool
	AnyConnected          bool
}

// CallSession describes the call the open slot currently points at.
type CallSession struct {
	SlotID      string
	CallID      string
	StartedAtMs int64
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseIncoming
	PhaseInCall
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseIncoming:
		return "incoming"
	case PhaseInCall:
		return "in_call"
	default:
		return "unknown"
	}
}

// RoomState is the immutable snapshot published after every mutation of a
// room. Receivers must treat the slices as read-only.
type RoomState struct {
	RoomID                      id.RoomID
	SlotID                      string
	SlotOpen                    bool
	Session                     *CallSession
	Participants                []Participant
	ParticipantsCount           int
	AggregatedParticipants      []AggregatedParticipant
	AggregatedParticipantsCount int
	LocalJoined                 bool
	RTCActive                   bool
	Incoming                    bool
	Phase                       Phase
}

// CallID returns the id of the active call or "" when there is none.
func (s RoomState) CallID() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.CallID
}

func initialRoomState(roomID id.RoomID) RoomState {
	return RoomState{
		RoomID: roomID,
		SlotID: DefaultSlotID,
		Phase:  PhaseIdle,
	}
}
