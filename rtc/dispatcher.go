package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/42wim/matterrtc/bridge"
	"github.com/desertbit/timer"
	"maunium.net/go/mautrix/id"
)

// Dispatcher feeds raw bridge events into a Service. It is meant to be run
// from a single goroutine so events of a room are applied in arrival order.
type Dispatcher struct {
	service       *Service
	sweepInterval time.Duration

	sync.RWMutex
	localUserID   id.UserID
	localDeviceID id.DeviceID
	handlers      map[string][]func(*bridge.Event)
}

// NewDispatcher creates a dispatcher that also refreshes every room each
// sweepInterval so expired participants disappear without new events. A zero
// interval disables the sweep.
func NewDispatcher(service *Service, sweepInterval time.Duration) *Dispatcher {
	return &Dispatcher{
		service:       service,
		sweepInterval: sweepInterval,
		handlers:      make(map[string][]func(*bridge.Event)),
	}
}

// SetIdentity sets the local user and device used to flag own participants.
func (d *Dispatcher) SetIdentity(userID id.UserID, deviceID id.DeviceID) {
	d.Lock()
	defer d.Unlock()

	d.localUserID = userID
	d.localDeviceID = deviceID
}

// OnEvent registers fn for non rtc bridge events of the given type.
func (d *Dispatcher) OnEvent(eventType string, fn func(*bridge.Event)) {
	d.Lock()
	defer d.Unlock()

	d.handlers[eventType] = append(d.handlers[eventType], fn)
}

func (d *Dispatcher) Run(ctx context.Context, events <-chan *bridge.Event) {
	var (
		t     *timer.Timer
		sweep <-chan time.Time
	)

	if d.sweepInterval > 0 {
		t = timer.NewTimer(d.sweepInterval)
		defer t.Stop()

		sweep = t.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Debug("dispatcher stopped")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.Handle(ev)
		case <-sweep:
			d.service.RefreshAll()
			t.Reset(d.sweepInterval)
		}
	}
}

func (d *Dispatcher) Handle(ev *bridge.Event) {
	if ev == nil {
		return
	}

	if ev.Type == bridge.EventRTC {
		if rtcEvent, ok := ev.Data.(*bridge.RTCEvent); ok {
			d.HandleRTC(rtcEvent)
		}
		return
	}

	d.RLock()
	handlers := d.handlers[ev.Type]
	d.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// HandleRTC parses a raw slot or member event and applies it. Unknown types
// and unusable events are dropped.
func (d *Dispatcher) HandleRTC(ev *bridge.RTCEvent) {
	eventType, ok := NormalizeEventType(ev.Type)
	if !ok {
		return
	}

	roomID := id.RoomID(ev.RoomID)

	if eventType == EventTypeSlot {
		// slots only exist as room state.
		if ev.StateKey == nil {
			logger.Tracef("ignoring non state slot event in %s", roomID)
			return
		}

		d.service.ApplySlotEvent(ParseSlotEvent(roomID, *ev.StateKey, ev.Content))

		return
	}

	d.RLock()
	in := MemberEventInput{
		RoomID:        roomID,
		Sender:        ev.Sender,
		Content:       ev.Content,
		LocalUserID:   d.localUserID,
		LocalDeviceID: d.localDeviceID,
		NowMs:         d.service.now(),
	}
	d.RUnlock()

	switch {
	case ev.StateKey != nil:
		in.StateKey = *ev.StateKey
		in.OriginTimestampMs, in.UnsignedAgeMs = serverClock(ev)
	case ev.Source == bridge.SourceTimeline:
		in.OriginTimestampMs, in.UnsignedAgeMs = serverClock(ev)
	}

	member, ok := ParseMemberEvent(in)
	if !ok {
		logger.Debugf("dropping unusable member event from %s in %s", ev.Sender, roomID)
		return
	}

	d.service.ApplyMemberEvent(member)
}

func serverClock(ev *bridge.RTCEvent) (*int64, *int64) {
	if ev.OriginTS <= 0 {
		return nil, nil
	}

	origin, age := ev.OriginTS, ev.Age

	return &origin, &age
}
