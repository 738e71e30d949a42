package call

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/42wim/matterrtc/config"
	"github.com/42wim/matterrtc/rtc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

const testRoom = id.RoomID("!room:example.org")

func testSettings() config.Call {
	return config.Call{
		BaseURL:            "https://call.example.org",
		MemberTTL:          20 * time.Second,
		RefreshInterval:    time.Hour,
		TransportCacheTTL:  5 * time.Minute,
		ForceStateFallback: true,
		StickyPrefix:       "matterrtc",
		DeepLinkScheme:     "im.matterrtc",
		HideScreensharing:  true,
	}
}

func newTestCoordinator(settings config.Call) (*Coordinator, *fakeBridge, *fakeWatcher, *fakeLauncher) {
	b := newFakeBridge()
	b.responses[transportsPath] = livekitResponse()

	w := newFakeWatcher()
	l := &fakeLauncher{}

	c := NewCoordinator(b, w, l, settings)
	c.now = func() time.Time { return time.UnixMilli(1_000_000) }

	return c, b, w, l
}

func waitForEvents(t *testing.T, b *fakeBridge, kind, eventType string, n int) []sentEvent {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(b.eventsOf(kind, eventType)) >= n
	}, time.Second, 5*time.Millisecond)

	return b.eventsOf(kind, eventType)
}

func TestStartCall(t *testing.T) {
	c, b, w, l := newTestCoordinator(testSettings())
	defer c.Close(context.Background())

	res := c.StartCall(context.Background(), testRoom, "Team Room", false, ModeVideo)
	require.True(t, res.OK)
	require.NotEmpty(t, res.CallID)

	slots := b.eventsOf("state", rtc.EventTypeSlot)
	require.Len(t, slots, 1)
	assert.Equal(t, rtc.DefaultSlotID, slots[0].StateKey)
	assert.Equal(t, map[string]interface{}{
		"application": map[string]interface{}{
			"type":   "m.call",
			"url":    "https://call.example.org",
			"m.call": map[string]interface{}{"id": res.CallID},
		},
	}, slots[0].Content)

	sticky := waitForEvents(t, b, "sticky", rtc.EventTypeMember, 1)
	assert.Equal(t, 20*time.Second, sticky[0].StickyTTL)

	content := sticky[0].Content
	assert.Equal(t, rtc.DefaultSlotID, content["slot_id"])
	assert.Equal(t, "device:MYDEV", content["sticky_key"])
	assert.Equal(t, int64(1_020_000), content["expires_ts"])
	assert.Equal(t, map[string]interface{}{
		"id":                "device:MYDEV",
		"claimed_device_id": "MYDEV",
		"claimed_user_id":   "@me:example.org",
	}, content["member"])
	assert.Equal(t, []interface{}{
		map[string]interface{}{
			"type":   "livekit",
			"uri":    "https://sfu.example.org",
			"params": map[string]interface{}{"alias": "room"},
		},
		map[string]interface{}{"type": "full_mesh"},
	}, content["rtc_transports"])
	assert.NotContains(t, content, "disconnected")

	// dual write as room state
	state := waitForEvents(t, b, "state", rtc.EventTypeMember, 1)
	assert.Equal(t, "device:MYDEV", state[0].StateKey)

	assert.Equal(t, []ack{{testRoom, res.CallID}}, w.acknowledged())

	require.Len(t, l.launches, 1)
	assert.Equal(t, res.URL, l.launches[0].URL)
	assert.Equal(t, "Me", l.launches[0].Session.DisplayName)
	assert.Contains(t, res.URL, "intent=start_call")
	assert.Contains(t, res.URL, "sendNotificationType=notification&")
	assert.Contains(t, res.URL, "waitForCallPickup=false&")
	assert.Contains(t, res.URL, "callMode=video&")
	assert.Equal(t, "im.matterrtc://call?roomId=%21room%3Aexample.org&roomName=Team%20Room&mode=video", res.DeepLink)

	assert.Equal(t, []id.RoomID{testRoom}, c.ActiveRooms())
}

func TestStartDirectCallRings(t *testing.T) {
	c, _, _, _ := newTestCoordinator(testSettings())
	defer c.Close(context.Background())

	res := c.StartCall(context.Background(), testRoom, "Bob", true, ModeAudio)
	require.True(t, res.OK)

	assert.Contains(t, res.URL, "intent=start_call_dm")
	assert.Contains(t, res.URL, "sendNotificationType=ring&")
	assert.Contains(t, res.URL, "waitForCallPickup=true&")
	assert.Contains(t, res.URL, "callMode=audio&")
}

func TestStartCallWithoutSession(t *testing.T) {
	c, b, _, l := newTestCoordinator(testSettings())
	b.cred.Token = ""

	res := c.StartCall(context.Background(), testRoom, "Team Room", false, ModeVideo)
	assert.False(t, res.OK)
	assert.Equal(t, "Call unavailable. Please re-login.", res.UserMessage)
	assert.ErrorIs(t, res.Err, ErrNoSession)
	assert.Empty(t, b.events())
	assert.Empty(t, l.launches)
}

func TestJoinCallWithoutActiveCall(t *testing.T) {
	c, b, _, _ := newTestCoordinator(testSettings())

	res := c.JoinCall(context.Background(), testRoom, "Team Room", ModeVideo)
	assert.False(t, res.OK)
	assert.Equal(t, "No active call in this room.", res.UserMessage)
	assert.ErrorIs(t, res.Err, ErrNoActiveCall)
	assert.Empty(t, b.events())
}

func TestJoinCall(t *testing.T) {
	c, b, w, _ := newTestCoordinator(testSettings())
	defer c.Close(context.Background())

	w.states[testRoom] = rtc.RoomState{
		RoomID:   testRoom,
		SlotID:   "m.call#ROOM",
		SlotOpen: true,
		Session:  &rtc.CallSession{SlotID: "m.call#ROOM", CallID: "call-1"},
	}

	res := c.JoinCall(context.Background(), testRoom, "Team Room", ModeVideo)
	require.True(t, res.OK)
	assert.Equal(t, "call-1", res.CallID)
	assert.Contains(t, res.URL, "intent=join_existing")
	assert.NotContains(t, res.URL, "sendNotificationType")

	// joining never touches the slot
	assert.Empty(t, b.eventsOf("state", rtc.EventTypeSlot))

	sticky := waitForEvents(t, b, "sticky", rtc.EventTypeMember, 1)
	assert.Equal(t, "m.call#ROOM", sticky[0].Content["slot_id"])
	assert.Equal(t, map[string]interface{}{
		"type":   "m.call",
		"m.call": map[string]interface{}{"id": "call-1"},
	}, sticky[0].Content["application"])

	assert.Equal(t, []ack{{testRoom, "call-1"}}, w.acknowledged())
}

func TestLeaveCall(t *testing.T) {
	tests := []struct {
		Desc      string
		EndForAll bool
	}{
		{Desc: "leave", EndForAll: false},
		{Desc: "end for all", EndForAll: true},
	}

	for _, tc := range tests {
		c, b, _, _ := newTestCoordinator(testSettings())

		res := c.StartCall(context.Background(), testRoom, "Team Room", false, ModeVideo)
		require.True(t, res.OK, tc.Desc)
		waitForEvents(t, b, "sticky", rtc.EventTypeMember, 1)

		assert.True(t, c.LeaveCall(context.Background(), testRoom, tc.EndForAll), tc.Desc)
		assert.False(t, c.LeaveCall(context.Background(), testRoom, tc.EndForAll), tc.Desc)
		assert.Empty(t, c.ActiveRooms(), tc.Desc)

		sticky := b.eventsOf("sticky", rtc.EventTypeMember)
		require.Len(t, sticky, 2, tc.Desc)
		assert.Equal(t, true, sticky[1].Content["disconnected"], tc.Desc)

		slots := b.eventsOf("state", rtc.EventTypeSlot)
		if tc.EndForAll {
			require.Len(t, slots, 2, tc.Desc)
			assert.Empty(t, slots[1].Content, tc.Desc)
		} else {
			assert.Len(t, slots, 1, tc.Desc)
		}
	}
}

func TestStartCallReplacesActiveCall(t *testing.T) {
	c, b, _, _ := newTestCoordinator(testSettings())
	defer c.Close(context.Background())

	first := c.StartCall(context.Background(), testRoom, "Team Room", false, ModeVideo)
	waitForEvents(t, b, "sticky", rtc.EventTypeMember, 1)

	second := c.StartCall(context.Background(), testRoom, "Team Room", false, ModeVideo)
	assert.NotEqual(t, first.CallID, second.CallID)

	sticky := waitForEvents(t, b, "sticky", rtc.EventTypeMember, 3)
	assert.Equal(t, true, sticky[1].Content["disconnected"])
	assert.Equal(t, map[string]interface{}{"id": first.CallID},
		sticky[1].Content["application"].(map[string]interface{})["m.call"])
	assert.Equal(t, map[string]interface{}{"id": second.CallID},
		sticky[2].Content["application"].(map[string]interface{})["m.call"])
}

func TestSendModeResolution(t *testing.T) {
	tests := []struct {
		Desc         string
		StickyOK     map[string]bool
		Force        bool
		ExpectedMode sendMode
		StickyType   string
		// state events per publish
		StatePerPublish int
	}{
		{
			Desc:            "stable sticky with state dual write",
			StickyOK:        map[string]bool{rtc.EventTypeMember: true},
			Force:           true,
			ExpectedMode:    sendModeSticky,
			StickyType:      rtc.EventTypeMember,
			StatePerPublish: 1,
		},
		{
			Desc:         "stable sticky only",
			StickyOK:     map[string]bool{rtc.EventTypeMember: true},
			ExpectedMode: sendModeSticky,
			StickyType:   rtc.EventTypeMember,
		},
		{
			Desc:            "unstable sticky with state dual write",
			StickyOK:        map[string]bool{rtc.EventTypeUnstableMember: true},
			Force:           true,
			ExpectedMode:    sendModeSticky,
			StickyType:      rtc.EventTypeUnstableMember,
			StatePerPublish: 1,
		},
		{
			Desc:         "unstable sticky only",
			StickyOK:     map[string]bool{rtc.EventTypeUnstableMember: true},
			ExpectedMode: sendModeSticky,
			StickyType:   rtc.EventTypeUnstableMember,
		},
		{
			Desc:            "state fallback",
			StickyOK:        map[string]bool{},
			ExpectedMode:    sendModeStateFallback,
			StatePerPublish: 1,
		},
	}

	for _, tc := range tests {
		settings := testSettings()
		settings.ForceStateFallback = tc.Force

		c, b, _, _ := newTestCoordinator(settings)
		b.stickyOK = tc.StickyOK

		s := &activeSession{roomID: testRoom, callID: "call-1", slotID: rtc.DefaultSlotID, stickyKey: "device:MYDEV"}

		// resolve, refresh, disconnect
		c.publishMember(context.Background(), s, false)
		c.publishMember(context.Background(), s, false)
		c.publishMember(context.Background(), s, true)

		mode, stickyType := s.mode()
		assert.Equal(t, tc.ExpectedMode, mode, tc.Desc)
		assert.Equal(t, tc.StickyType, stickyType, tc.Desc)
		assert.Len(t, b.eventsOf("state", rtc.EventTypeMember), 3*tc.StatePerPublish, tc.Desc)

		if tc.StickyType == "" {
			assert.Empty(t, b.eventsOf("sticky", rtc.EventTypeMember), tc.Desc)
			assert.Empty(t, b.eventsOf("sticky", rtc.EventTypeUnstableMember), tc.Desc)
			continue
		}

		sticky := b.eventsOf("sticky", tc.StickyType)
		require.Len(t, sticky, 3, tc.Desc)
		assert.Equal(t, true, sticky[2].Content["disconnected"], tc.Desc)
	}
}

func TestStickyRefreshFailureFallsBackToState(t *testing.T) {
	settings := testSettings()
	settings.ForceStateFallback = false

	c, b, _, _ := newTestCoordinator(settings)

	s := &activeSession{roomID: testRoom, callID: "call-1", slotID: rtc.DefaultSlotID, stickyKey: "device:MYDEV"}
	c.publishMember(context.Background(), s, false)
	require.Len(t, b.eventsOf("sticky", rtc.EventTypeMember), 1)
	assert.Empty(t, b.eventsOf("state", rtc.EventTypeMember))

	b.Lock()
	b.stickyOK = map[string]bool{}
	b.Unlock()

	c.publishMember(context.Background(), s, false)

	state := b.eventsOf("state", rtc.EventTypeMember)
	require.Len(t, state, 1)
	assert.Equal(t, "device:MYDEV", state[0].StateKey)

	mode, _ := s.mode()
	assert.Equal(t, sendModeSticky, mode)
}

func TestStateFallbackKeepsStateMode(t *testing.T) {
	c, b, _, _ := newTestCoordinator(testSettings())
	b.stickyOK = map[string]bool{}

	s := &activeSession{roomID: testRoom, callID: "call-1", slotID: rtc.DefaultSlotID}
	c.publishMember(context.Background(), s, false)
	c.publishMember(context.Background(), s, false)

	state := b.eventsOf("state", rtc.EventTypeMember)
	require.Len(t, state, 2)
	assert.Equal(t, "matterrtc", state[1].StateKey)

	mode, _ := s.mode()
	assert.Equal(t, sendModeStateFallback, mode)
}

func TestConcurrentStartKeepsOneKeepAlive(t *testing.T) {
	settings := testSettings()
	settings.RefreshInterval = 5 * time.Millisecond

	c, b, _, _ := newTestCoordinator(settings)
	b.slotDelay = 30 * time.Millisecond

	var wg sync.WaitGroup

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.StartCall(context.Background(), testRoom, "Team Room", false, ModeVideo)
		}()
	}

	wg.Wait()

	require.True(t, c.LeaveCall(context.Background(), testRoom, false))
	assert.Empty(t, c.ActiveRooms())

	sent := len(b.eventsOf("sticky", rtc.EventTypeMember))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, sent, len(b.eventsOf("sticky", rtc.EventTypeMember)), "no keep-alive after leave")

	c.Close(context.Background())
}

func TestLeaveCallDoesNotWaitPastDeadline(t *testing.T) {
	c, b, _, _ := newTestCoordinator(testSettings())

	release := make(chan struct{})
	entered := make(chan struct{})

	var once sync.Once

	b.stickyHook = func() {
		blocked := false
		once.Do(func() { blocked = true })

		if blocked {
			close(entered)
			<-release
		}
	}

	res := c.StartCall(context.Background(), testRoom, "Team Room", false, ModeVideo)
	require.True(t, res.OK)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	left := make(chan bool)
	go func() {
		left <- c.LeaveCall(ctx, testRoom, false)
	}()

	select {
	case ok := <-left:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("LeaveCall blocked on an in-flight keep-alive")
	}

	sticky := b.eventsOf("sticky", rtc.EventTypeMember)
	require.NotEmpty(t, sticky)
	assert.Equal(t, true, sticky[len(sticky)-1].Content["disconnected"])

	close(release)
	c.Close(context.Background())
}

func TestStickyKeyWithoutDevice(t *testing.T) {
	c, b, _, _ := newTestCoordinator(testSettings())
	b.me.DeviceID = ""

	key := c.stickyKey()
	assert.True(t, strings.HasPrefix(key, "matterrtc-"), key)

	s := &activeSession{roomID: testRoom, callID: "call-1", slotID: rtc.DefaultSlotID, stickyKey: key}
	member := c.memberContent(s, false)["member"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"claimed_user_id": "@me:example.org"}, member)
}

func TestMembershipIsRefreshed(t *testing.T) {
	settings := testSettings()
	settings.RefreshInterval = 10 * time.Millisecond

	c, b, _, _ := newTestCoordinator(settings)

	res := c.StartCall(context.Background(), testRoom, "Team Room", false, ModeVideo)
	require.True(t, res.OK)

	waitForEvents(t, b, "sticky", rtc.EventTypeMember, 3)

	c.Close(context.Background())

	sent := len(b.events())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, sent, len(b.events()), "no publish after close")

	sticky := b.eventsOf("sticky", rtc.EventTypeMember)
	assert.Equal(t, true, sticky[len(sticky)-1].Content["disconnected"])
}

func TestDeclineCall(t *testing.T) {
	c, _, w, _ := newTestCoordinator(testSettings())

	c.DeclineCall(testRoom, "call-1")
	assert.Equal(t, []ack{{testRoom, "call-1"}}, w.acknowledged())
}
