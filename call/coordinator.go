package call

import (
	"context"
	"sync"
	"time"

	"github.com/desertbit/timer"
	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"

	"github.com/42wim/matterrtc/bridge"
	"github.com/42wim/matterrtc/config"
	"github.com/42wim/matterrtc/rtc"
)

// Watcher is the part of the rtc service the coordinator depends on.
type Watcher interface {
	Observe(roomID id.RoomID) rtc.RoomState
	AcknowledgeIncoming(roomID id.RoomID, callID string)
}

// Result is the outcome of StartCall and JoinCall. UserMessage is set when
// the call could not be started.
type Result struct {
	OK          bool
	CallID      string
	URL         string
	DeepLink    string
	UserMessage string
	Err         error
}

func failure(msg string, err error) Result {
	return Result{UserMessage: msg, Err: err}
}

type sendMode int

const (
	sendModeUnresolved sendMode = iota
	sendModeSticky
	sendModeStateFallback
)

func (m sendMode) String() string {
	switch m {
	case sendModeSticky:
		return "sticky"
	case sendModeStateFallback:
		return "state"
	default:
		return "unresolved"
	}
}

// activeSession is the call this client publishes membership for in a room.
type activeSession struct {
	roomID     id.RoomID
	callID     string
	slotID     string
	stickyKey  string
	transports []Transport

	mu       sync.Mutex
	sendMode sendMode
	// event type the homeserver accepted as sticky
	stickyType string

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *activeSession) mode() (sendMode, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sendMode, s.stickyType
}

func (s *activeSession) setMode(mode sendMode, stickyType string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sendMode = mode
	s.stickyType = stickyType
}

// Coordinator starts, joins and leaves calls for the local user and keeps
// its membership alive while a call is active.
type Coordinator struct {
	br         bridge.Bridger
	watcher    Watcher
	launcher   Launcher
	settings   config.Call
	transports *TransportCache
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	sync.Mutex
	active map[id.RoomID]*activeSession
}

func NewCoordinator(br bridge.Bridger, watcher Watcher, launcher Launcher, settings config.Call) *Coordinator {
	if launcher == nil {
		launcher = LogLauncher{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		br:         br,
		watcher:    watcher,
		launcher:   launcher,
		settings:   settings,
		transports: NewTransportCache(settings.TransportCacheTTL),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		active:     make(map[id.RoomID]*activeSession),
	}
}

// StartCall opens a new call in roomID and launches the web app.
func (c *Coordinator) StartCall(ctx context.Context, roomID id.RoomID, roomName string, isDirect bool, mode Mode) Result {
	session, err := ResolveSession(c.br)
	if err != nil {
		return failure(msgNoSession, err)
	}

	callID := uuid.NewString()
	slotID := rtc.DefaultSlotID

	c.stopActiveSession(ctx, roomID, false)
	c.publishSlot(ctx, roomID, slotID, callID)

	transports := c.transports.Get(ctx, c.br, session.Homeserver)
	c.startMemberRefresh(roomID, slotID, callID, transports)
	c.watcher.AcknowledgeIncoming(roomID, callID)

	intent, notification := IntentStartCall, NotificationNotification
	if isDirect {
		intent, notification = IntentStartCallDM, NotificationRing
	}

	callURL := BuildURL(c.settings.BaseURL, URLOptions{
		RoomID:               roomID,
		RoomName:             roomName,
		DisplayName:          session.DisplayName,
		Intent:               intent,
		Homeserver:           session.Homeserver,
		SendNotificationType: notification,
		CallMode:             string(mode),
		SkipLobby:            boolPtr(false),
		WaitForCallPickup:    boolPtr(isDirect),
		HideScreensharing:    boolPtr(c.settings.HideScreensharing),
		AutoJoin:             boolPtr(false),
	})

	logger.Infof("starting %s call %s in %s", mode, callID, roomID)

	return c.launch(ctx, callURL, session, roomID, roomName, callID, mode)
}

// JoinCall joins the call currently active in roomID.
func (c *Coordinator) JoinCall(ctx context.Context, roomID id.RoomID, roomName string, mode Mode) Result {
	session, err := ResolveSession(c.br)
	if err != nil {
		return failure(msgNoSession, err)
	}

	state := c.watcher.Observe(roomID)
	if state.Session == nil {
		return failure(msgNoActiveCall, ErrNoActiveCall)
	}

	callID := state.Session.CallID
	slotID := state.Session.SlotID

	c.stopActiveSession(ctx, roomID, false)

	transports := c.transports.Get(ctx, c.br, session.Homeserver)
	c.startMemberRefresh(roomID, slotID, callID, transports)
	c.watcher.AcknowledgeIncoming(roomID, callID)

	callURL := BuildURL(c.settings.BaseURL, URLOptions{
		RoomID:            roomID,
		RoomName:          roomName,
		DisplayName:       session.DisplayName,
		Intent:            IntentJoinExisting,
		Homeserver:        session.Homeserver,
		CallMode:          string(mode),
		SkipLobby:         boolPtr(false),
		WaitForCallPickup: boolPtr(false),
		HideScreensharing: boolPtr(c.settings.HideScreensharing),
		AutoJoin:          boolPtr(false),
	})

	logger.Infof("joining call %s in %s", callID, roomID)

	return c.launch(ctx, callURL, session, roomID, roomName, callID, mode)
}

func (c *Coordinator) launch(ctx context.Context, callURL string, session *Session, roomID id.RoomID, roomName, callID string, mode Mode) Result {
	if err := c.launcher.Launch(ctx, callURL, session); err != nil {
		logger.Errorf("launching call in %s failed: %s", roomID, err)
	}

	return Result{
		OK:       true,
		CallID:   callID,
		URL:      callURL,
		DeepLink: DeepLink(c.settings.DeepLinkScheme, roomID, roomName, mode),
	}
}

// LeaveCall stops publishing membership in roomID and announces the
// disconnect. With endForAll the slot is closed as well. It returns false
// when there was no active call.
func (c *Coordinator) LeaveCall(ctx context.Context, roomID id.RoomID, endForAll bool) bool {
	return c.stopActiveSession(ctx, roomID, endForAll)
}

// DeclineCall dismisses an incoming call without joining it.
func (c *Coordinator) DeclineCall(roomID id.RoomID, callID string) {
	c.watcher.AcknowledgeIncoming(roomID, callID)
}

// ActiveRooms returns the rooms the local user is publishing membership in.
func (c *Coordinator) ActiveRooms() []id.RoomID {
	c.Lock()
	defer c.Unlock()

	rooms := make([]id.RoomID, 0, len(c.active))
	for roomID := range c.active {
		rooms = append(rooms, roomID)
	}

	return rooms
}

// Close leaves every active call and stops all refresh loops.
func (c *Coordinator) Close(ctx context.Context) {
	for _, roomID := range c.ActiveRooms() {
		c.stopActiveSession(ctx, roomID, false)
	}

	c.cancel()
}

func (c *Coordinator) stopActiveSession(ctx context.Context, roomID id.RoomID, endForAll bool) bool {
	c.Lock()
	s, ok := c.active[roomID]
	delete(c.active, roomID)
	c.Unlock()

	if !ok {
		return false
	}

	s.cancel()

	// a keep-alive already on the wire cannot be aborted, wait for it so the
	// disconnect lands last, but no longer than ctx allows.
	select {
	case <-s.done:
	case <-ctx.Done():
		logger.Warnf("keep-alive in %s still running, sending disconnect anyway", roomID)
	}

	c.publishMember(ctx, s, true)

	if endForAll {
		c.closeSlot(ctx, roomID, s.slotID)
	}

	logger.Infof("left call %s in %s", s.callID, roomID)

	return true
}

func (c *Coordinator) startMemberRefresh(roomID id.RoomID, slotID, callID string, transports []Transport) {
	ctx, cancel := context.WithCancel(c.ctx)

	s := &activeSession{
		roomID:     roomID,
		callID:     callID,
		slotID:     slotID,
		stickyKey:  c.stickyKey(),
		transports: transports,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	c.Lock()
	prev := c.active[roomID]
	c.active[roomID] = s
	c.Unlock()

	// a concurrent start in the same room won the race before us, its
	// membership is superseded by ours
	if prev != nil {
		prev.cancel()
		<-prev.done
		logger.Debugf("replaced keep-alive of call %s in %s", prev.callID, roomID)
	}

	go c.refreshLoop(ctx, s)
}

func (c *Coordinator) refreshLoop(ctx context.Context, s *activeSession) {
	defer close(s.done)

	c.publishMember(ctx, s, false)

	t := timer.NewTimer(c.settings.RefreshInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.publishMember(ctx, s, false)
			t.Reset(c.settings.RefreshInterval)
		}
	}
}

func (c *Coordinator) stickyKey() string {
	if me := c.br.GetMe(); me != nil && me.DeviceID != "" {
		return "device:" + me.DeviceID
	}

	return c.settings.StickyPrefix + "-" + uuid.NewString()
}

func (c *Coordinator) stateKey(s *activeSession) string {
	if s.stickyKey != "" {
		return s.stickyKey
	}

	return c.settings.StickyPrefix
}

// publishMember sends the membership of s. The first publish picks the
// send mode: sticky events on the stable type, then on the unstable type,
// then plain state events.
func (c *Coordinator) publishMember(ctx context.Context, s *activeSession, disconnected bool) {
	if !disconnected && ctx.Err() != nil {
		return
	}

	content := c.memberContent(s, disconnected)

	mode, stickyType := s.mode()

	switch mode {
	case sendModeUnresolved:
		mode, stickyType = c.resolveSendMode(ctx, s, content)
		s.setMode(mode, stickyType)
		logger.Debugf("membership in %s uses %s events %s", s.roomID, mode, stickyType)
	case sendModeSticky:
		if err := c.br.SendSticky(ctx, string(s.roomID), stickyType, content, c.settings.MemberTTL); err != nil {
			logger.Errorf("refreshing sticky membership in %s failed: %s", s.roomID, err)
			c.sendStateFallback(ctx, s, content)

			return
		}

		if c.settings.ForceStateFallback {
			c.sendStateFallback(ctx, s, content)
		}
	case sendModeStateFallback:
		c.sendStateFallback(ctx, s, content)
	}
}

func (c *Coordinator) resolveSendMode(ctx context.Context, s *activeSession, content map[string]interface{}) (sendMode, string) {
	for _, eventType := range []string{rtc.EventTypeMember, rtc.EventTypeUnstableMember} {
		err := c.br.SendSticky(ctx, string(s.roomID), eventType, content, c.settings.MemberTTL)
		if err != nil {
			logger.Debugf("sticky %s in %s failed: %s", eventType, s.roomID, err)
			continue
		}

		if c.settings.ForceStateFallback {
			c.sendStateFallback(ctx, s, content)
		}

		return sendModeSticky, eventType
	}

	c.sendStateFallback(ctx, s, content)

	return sendModeStateFallback, ""
}

func (c *Coordinator) sendStateFallback(ctx context.Context, s *activeSession, content map[string]interface{}) {
	err := c.br.SendState(ctx, string(s.roomID), rtc.EventTypeMember, c.stateKey(s), content)
	if err != nil {
		logger.Errorf("sending membership state in %s failed: %s", s.roomID, err)
	}
}

func (c *Coordinator) memberContent(s *activeSession, disconnected bool) map[string]interface{} {
	member := map[string]interface{}{}

	if me := c.br.GetMe(); me != nil {
		member["claimed_user_id"] = me.User

		if me.DeviceID != "" {
			member["id"] = "device:" + me.DeviceID
			member["claimed_device_id"] = me.DeviceID
		}
	}

	transports := make([]interface{}, 0, len(s.transports))
	for _, t := range s.transports {
		transports = append(transports, t.Content())
	}

	content := map[string]interface{}{
		"slot_id": s.slotID,
		"application": map[string]interface{}{
			"type":                  rtc.ApplicationTypeCall,
			rtc.ApplicationTypeCall: map[string]interface{}{"id": s.callID},
		},
		"member":         member,
		"rtc_transports": transports,
		"sticky_key":     s.stickyKey,
		"expires_ts":     c.now().Add(c.settings.MemberTTL).UnixMilli(),
	}

	if disconnected {
		content["disconnected"] = true
	}

	return content
}

func (c *Coordinator) publishSlot(ctx context.Context, roomID id.RoomID, slotID, callID string) {
	content := map[string]interface{}{
		"application": map[string]interface{}{
			"type":                  rtc.ApplicationTypeCall,
			"url":                   c.settings.BaseURL,
			rtc.ApplicationTypeCall: map[string]interface{}{"id": callID},
		},
	}

	if err := c.br.SendState(ctx, string(roomID), rtc.EventTypeSlot, slotID, content); err != nil {
		logger.Errorf("opening slot %s in %s failed: %s", slotID, roomID, err)
	}
}

func (c *Coordinator) closeSlot(ctx context.Context, roomID id.RoomID, slotID string) {
	if err := c.br.SendState(ctx, string(roomID), rtc.EventTypeSlot, slotID, map[string]interface{}{}); err != nil {
		logger.Errorf("closing slot %s in %s failed: %s", slotID, roomID, err)
	}
}
