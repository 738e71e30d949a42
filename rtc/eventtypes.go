package rtc

// MatrixRTC event types. Both the stable and the MSC4143 unstable names are
// accepted on the wire; internally everything is normalized to the stable one.
const (
	EventTypeSlot           = "m.rtc.slot"
	EventTypeMember         = "m.rtc.member"
	EventTypeUnstableSlot   = "org.matrix.msc4143.rtc.slot"
	EventTypeUnstableMember = "org.matrix.msc4143.rtc.member"
)

// EventTypes lists every wire type the sync handling is interested in.
var EventTypes = []string{
	EventTypeSlot,
	EventTypeMember,
	EventTypeUnstableSlot,
	EventTypeUnstableMember,
}

// NormalizeEventType returns the stable type for a slot or member event type
// and false for anything else.
func NormalizeEventType(eventType string) (string, bool) {
	switch eventType {
	case EventTypeSlot, EventTypeUnstableSlot:
		return EventTypeSlot, true
	case EventTypeMember, EventTypeUnstableMember:
		return EventTypeMember, true
	default:
		return "", false
	}
}

func IsSlotEventType(eventType string) bool {
	t, ok := NormalizeEventType(eventType)
	return ok && t == EventTypeSlot
}

func IsMemberEventType(eventType string) bool {
	t, ok := NormalizeEventType(eventType)
	return ok && t == EventTypeMember
}
