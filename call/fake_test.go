package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/42wim/matterrtc/bridge"
	"github.com/42wim/matterrtc/rtc"
	"maunium.net/go/mautrix/id"
)

var errRejected = errors.New("M_UNRECOGNIZED")

type sentEvent struct {
	Kind      string
	RoomID    string
	Type      string
	StateKey  string
	Content   map[string]interface{}
	StickyTTL time.Duration
}

type fakeBridge struct {
	sync.Mutex
	me          *bridge.UserInfo
	cred        *bridge.Credentials
	connected   bool
	stickyOK    map[string]bool
	stateErr    error
	responses   map[string]map[string]interface{}
	getRequests []string
	sent        []sentEvent
	names       map[string]string
	direct      map[string]bool
	// slotDelay is slept before each slot state send
	slotDelay time.Duration
	// stickyHook runs before each sticky send, outside the lock
	stickyHook func()
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		me:        &bridge.UserInfo{User: "@me:example.org", DeviceID: "MYDEV", Real: "Me"},
		cred:      &bridge.Credentials{Server: "https://matrix.example.org/", Token: "secret"},
		connected: true,
		stickyOK:  map[string]bool{rtc.EventTypeMember: true},
		responses: map[string]map[string]interface{}{},
		names:     map[string]string{},
		direct:    map[string]bool{},
	}
}

func (b *fakeBridge) SendState(ctx context.Context, roomID, eventType, stateKey string, content interface{}) error {
	if eventType == rtc.EventTypeSlot && b.slotDelay > 0 {
		time.Sleep(b.slotDelay)
	}

	b.Lock()
	defer b.Unlock()

	if b.stateErr != nil {
		return b.stateErr
	}

	b.sent = append(b.sent, sentEvent{
		Kind: "state", RoomID: roomID, Type: eventType, StateKey: stateKey,
		Content: content.(map[string]interface{}),
	})

	return nil
}

func (b *fakeBridge) SendSticky(ctx context.Context, roomID, eventType string, content interface{}, ttl time.Duration) error {
	if b.stickyHook != nil {
		b.stickyHook()
	}

	b.Lock()
	defer b.Unlock()

	if !b.stickyOK[eventType] {
		return errRejected
	}

	b.sent = append(b.sent, sentEvent{
		Kind: "sticky", RoomID: roomID, Type: eventType,
		Content: content.(map[string]interface{}), StickyTTL: ttl,
	})

	return nil
}

func (b *fakeBridge) GetJSON(ctx context.Context, path string, out interface{}) error {
	b.Lock()
	defer b.Unlock()

	b.getRequests = append(b.getRequests, path)

	resp, ok := b.responses[path]
	if !ok {
		return errors.New("M_NOT_FOUND")
	}

	*(out.(*map[string]interface{})) = resp

	return nil
}

func (b *fakeBridge) GetMe() *bridge.UserInfo          { return b.me }
func (b *fakeBridge) Credentials() *bridge.Credentials { return b.cred }
func (b *fakeBridge) GetChannelName(channelID string) string {
	if name, ok := b.names[channelID]; ok {
		return name
	}
	return channelID
}
func (b *fakeBridge) IsDirect(channelID string) bool { return b.direct[channelID] }
func (b *fakeBridge) Protocol() string               { return "fake" }
func (b *fakeBridge) Logout() error                  { return nil }
func (b *fakeBridge) Connected() bool                { return b.connected }

func (b *fakeBridge) events() []sentEvent {
	b.Lock()
	defer b.Unlock()

	return append([]sentEvent(nil), b.sent...)
}

func (b *fakeBridge) eventsOf(kind, eventType string) []sentEvent {
	var res []sentEvent

	for _, ev := range b.events() {
		if ev.Kind == kind && ev.Type == eventType {
			res = append(res, ev)
		}
	}

	return res
}

type ack struct {
	RoomID id.RoomID
	CallID string
}

type fakeWatcher struct {
	sync.Mutex
	states map[id.RoomID]rtc.RoomState
	acks   []ack
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{states: map[id.RoomID]rtc.RoomState{}}
}

func (w *fakeWatcher) Observe(roomID id.RoomID) rtc.RoomState {
	w.Lock()
	defer w.Unlock()

	if s, ok := w.states[roomID]; ok {
		return s
	}

	return rtc.RoomState{RoomID: roomID, SlotID: rtc.DefaultSlotID}
}

func (w *fakeWatcher) AcknowledgeIncoming(roomID id.RoomID, callID string) {
	w.Lock()
	defer w.Unlock()

	w.acks = append(w.acks, ack{roomID, callID})
}

func (w *fakeWatcher) acknowledged() []ack {
	w.Lock()
	defer w.Unlock()

	return append([]ack(nil), w.acks...)
}

type launch struct {
	URL     string
	Session *Session
}

type fakeLauncher struct {
	sync.Mutex
	launches []launch
}

func (l *fakeLauncher) Launch(ctx context.Context, callURL string, session *Session) error {
	l.Lock()
	defer l.Unlock()

	l.launches = append(l.launches, launch{callURL, session})

	return nil
}
