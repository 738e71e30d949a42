package matrix

import (
	"time"

	"github.com/42wim/matterrtc/bridge"
	"github.com/42wim/matterrtc/rtc"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type Syncer struct {
	m *Matrix
}

func NewSyncer(m *Matrix) *Syncer {
	return &Syncer{
		m: m,
	}
}

// ProcessResponse walks every joined room. Events are handled in the order
// the server sent them, state before timeline.
func (s *Syncer) ProcessResponse(resp *mautrix.RespSync, since string) error {
	for _, ev := range resp.AccountData.Events {
		ev.Type.Class = event.AccountDataEventType
		if ev.Type.Type == event.AccountDataDirectChats.Type {
			s.parse(ev)
			s.m.handleDM(ev)
		}
	}

	for roomID, room := range resp.Rooms.Join {
		s.processEvents(roomID, bridge.SourceState, event.StateEventType, room.State.Events)
		s.processEvents(roomID, bridge.SourceTimeline, event.MessageEventType, room.Timeline.Events)
		s.processEvents(roomID, bridge.SourceEphemeral, event.EphemeralEventType, room.Ephemeral.Events)
		s.processEvents(roomID, bridge.SourceAccountData, event.AccountDataEventType, room.AccountData.Events)
	}

	s.m.syncBackoff.Reset()

	s.m.Lock()
	s.m.firstSync = true
	s.m.Unlock()

	return nil
}

func (s *Syncer) processEvents(roomID id.RoomID, source string, class event.TypeClass, events []*event.Event) {
	for _, ev := range events {
		ev.RoomID = roomID
		ev.Type.Class = class

		// state events can show up in the timeline too.
		if ev.StateKey != nil {
			ev.Type.Class = event.StateEventType
		}

		switch {
		case ev.Type.Type == event.StateRoomName.Type && ev.StateKey != nil:
			s.parse(ev)
			s.m.handleRoomName(ev)
		case ev.Type.Type == event.StateCanonicalAlias.Type && ev.StateKey != nil:
			s.parse(ev)
			s.m.handleCanonicalAlias(ev)
		case rtc.IsSlotEventType(ev.Type.Type), rtc.IsMemberEventType(ev.Type.Type):
			s.m.handleRTC(source, ev)
		}
	}
}

func (s *Syncer) parse(ev *event.Event) {
	if err := ev.Content.ParseRaw(ev.Type); err != nil {
		logger.Debugf("parsing %s in %s: %s", ev.Type.Type, ev.RoomID, err)
	}
}

func (s *Syncer) OnFailedSync(res *mautrix.RespSync, err error) (time.Duration, error) {
	d := s.m.syncBackoff.Duration()
	logger.Warnf("sync failed: %s, retrying in %s", err, d)

	return d, nil
}

func (s *Syncer) GetFilterJSON(userID id.UserID) *mautrix.Filter {
	return &mautrix.Filter{
		Room: mautrix.RoomFilter{
			Timeline: mautrix.FilterPart{
				Limit: 50,
			},
		},
	}
}
