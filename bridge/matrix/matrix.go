package matrix

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/42wim/matterrtc/bridge"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const stickyDurationParam = "org.matrix.msc4354.sticky_duration_ms"

type Matrix struct {
	mc          *mautrix.Client
	credentials bridge.Credentials
	eventChan   chan *bridge.Event
	v           *viper.Viper
	connected   bool
	firstSync   bool
	displayName string
	ownSession  bool
	channels    map[id.RoomID]*Channel
	sync.RWMutex

	syncBackoff *backoff.Backoff
	quitChan    chan struct{}
	quitOnce    sync.Once
}

var logger = logrus.WithFields(logrus.Fields{"prefix": "bridge/matrix"})

// New logs in but does not sync yet, so the caller can start consuming
// eventChan before Start fills it.
func New(v *viper.Viper, cred bridge.Credentials, eventChan chan *bridge.Event) (*Matrix, error) {
	m := &Matrix{
		credentials: cred,
		eventChan:   eventChan,
		v:           v,
		channels:    make(map[id.RoomID]*Channel),
		quitChan:    make(chan struct{}),
		syncBackoff: &backoff.Backoff{
			Min:    time.Second,
			Max:    5 * time.Minute,
			Jitter: true,
		},
	}

	ourlog := logrus.New()
	ourlog.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 14,
		FullTimestamp: true,
	})
	logger = ourlog.WithFields(logrus.Fields{"prefix": "bridge/matrix"})
	if v.GetBool("debug") {
		ourlog.SetLevel(logrus.DebugLevel)
	}

	if v.GetBool("trace") {
		ourlog.SetLevel(logrus.TraceLevel)
	}

	mc, err := m.login()
	if err != nil {
		return nil, err
	}

	m.mc = mc
	m.credentials.Token = mc.AccessToken
	m.displayName = m.fetchDisplayName()

	return m, nil
}

func (m *Matrix) login() (*mautrix.Client, error) {
	cred := m.credentials

	if cred.Token != "" {
		userID := id.UserID(m.v.GetString("matrix.userid"))
		if _, _, err := userID.Parse(); err != nil {
			return nil, fmt.Errorf("token login needs a valid matrix.userid: %w", err)
		}

		mc, err := mautrix.NewClient(cred.Server, userID, cred.Token)
		if err != nil {
			return nil, err
		}

		mc.DeviceID = id.DeviceID(m.v.GetString("matrix.deviceid"))

		return mc, nil
	}

	mc, err := mautrix.NewClient(cred.Server, "", "")
	if err != nil {
		return nil, err
	}

	_, err = mc.Login(&mautrix.ReqLogin{
		Type: "m.login.password",
		Identifier: mautrix.UserIdentifier{
			Type: "m.id.user",
			User: cred.Login,
		},
		Password:                 cred.Pass,
		DeviceID:                 id.DeviceID(m.v.GetString("matrix.deviceid")),
		InitialDeviceDisplayName: m.v.GetString("matrix.devicelabel"),
		StoreCredentials:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("login as %s failed: %w", cred.Login, err)
	}

	logger.Infof("logged in as %s (device %s)", mc.UserID, mc.DeviceID)

	m.ownSession = true

	return mc, nil
}

func (m *Matrix) fetchDisplayName() string {
	if name := m.v.GetString("matrix.displayname"); name != "" {
		return name
	}

	resp, err := m.mc.GetOwnDisplayName()
	if err != nil {
		logger.Debugf("fetching own displayname failed: %s", err)
		return ""
	}

	return resp.DisplayName
}

// Start begins syncing in the background and calls onConnect once the
// initial sync has been handed to eventChan.
func (m *Matrix) Start(onConnect func()) {
	m.mc.Syncer = NewSyncer(m)

	go func() {
		for {
			err := m.mc.Sync()

			select {
			case <-m.quitChan:
				return
			default:
			}

			if err == nil {
				return
			}

			d := m.syncBackoff.Duration()
			logger.Errorf("sync failed: %s, retrying in %s", err, d)
			time.Sleep(d)
		}
	}()

	go func() {
		for !m.isFirstSync() {
			logger.Trace("syncing..")

			select {
			case <-m.quitChan:
				return
			case <-time.After(100 * time.Millisecond):
			}
		}

		m.Lock()
		m.connected = true
		m.Unlock()

		logger.Debug("initial sync complete")

		onConnect()
	}()
}

func (m *Matrix) isFirstSync() bool {
	m.RLock()
	defer m.RUnlock()

	return m.firstSync
}

func (m *Matrix) channel(roomID id.RoomID) *Channel {
	if _, ok := m.channels[roomID]; !ok {
		m.channels[roomID] = &Channel{ID: roomID}
	}

	return m.channels[roomID]
}

func (m *Matrix) handleDM(ev *event.Event) {
	m.Lock()

	var updated []id.RoomID

	for userID, rooms := range *ev.Content.AsDirectChats() {
		logger.Tracef("direct chat with %s: %#v", userID, rooms)

		for _, roomID := range rooms {
			channel := m.channel(roomID)

			channel.Lock()
			if !channel.IsDirect {
				channel.IsDirect = true
				updated = append(updated, roomID)
			}
			channel.Unlock()
		}
	}

	m.Unlock()

	for _, roomID := range updated {
		m.emitChannelUpdate(roomID)
	}
}

func (m *Matrix) handleRoomName(ev *event.Event) {
	m.Lock()
	channel := m.channel(ev.RoomID)
	m.Unlock()

	channel.Lock()
	channel.Name = ev.Content.AsRoomName().Name
	channel.Unlock()

	m.emitChannelUpdate(ev.RoomID)
}

func (m *Matrix) handleCanonicalAlias(ev *event.Event) {
	logger.Trace("running handleCanonicalAlias for ", ev.RoomID)

	m.Lock()
	channel := m.channel(ev.RoomID)
	m.Unlock()

	channel.Lock()
	channel.Alias = ev.Content.AsCanonicalAlias().Alias
	channel.AltAliases = ev.Content.AsCanonicalAlias().AltAliases
	channel.Unlock()

	m.emitChannelUpdate(ev.RoomID)
}

func (m *Matrix) emitChannelUpdate(roomID id.RoomID) {
	m.eventChan <- &bridge.Event{
		Type: bridge.EventChannelUpdate,
		Data: &bridge.ChannelUpdateEvent{
			ChannelID: roomID.String(),
			Name:      m.GetChannelName(roomID.String()),
			Direct:    m.IsDirect(roomID.String()),
		},
	}
}

func (m *Matrix) handleRTC(source string, ev *event.Event) {
	logger.Tracef("handleRTC %s %s", source, spew.Sdump(ev))

	rtcEvent := &bridge.RTCEvent{
		RoomID:   ev.RoomID.String(),
		Sender:   ev.Sender.String(),
		Type:     ev.Type.Type,
		Source:   source,
		StateKey: ev.StateKey,
		Content:  ev.Content.Raw,
		OriginTS: ev.Timestamp,
		Age:      ev.Unsigned.Age,
	}

	// account data has no sender, it is always ours.
	if source == bridge.SourceAccountData {
		rtcEvent.Sender = m.mc.UserID.String()
	}

	m.eventChan <- &bridge.Event{
		Type: bridge.EventRTC,
		Data: rtcEvent,
	}
}

// The mautrix client takes no context, so SendState, SendSticky and GetJSON
// only honor ctx before the request is issued. A request already on the wire
// runs to completion.
func (m *Matrix) SendState(ctx context.Context, roomID, eventType, stateKey string, content interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !m.Connected() {
		return bridge.ErrNotConnected
	}

	evType := event.Type{Type: eventType, Class: event.StateEventType}

	resp, err := m.mc.SendStateEvent(id.RoomID(roomID), evType, stateKey, content)
	if err != nil {
		return fmt.Errorf("sending %s state to %s failed: %w", eventType, roomID, err)
	}

	logger.Tracef("sent %s state to %s: %s", eventType, roomID, resp.EventID)

	return nil
}

func (m *Matrix) SendSticky(ctx context.Context, roomID, eventType string, content interface{}, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !m.Connected() {
		return bridge.ErrNotConnected
	}

	query := url.Values{}
	query.Set(stickyDurationParam, strconv.FormatInt(ttl.Milliseconds(), 10))

	u := m.buildURL(query, "_matrix", "client", "v3", "rooms", roomID, "send", eventType, "rtc-"+uuid.NewString())

	_, err := m.mc.MakeRequest(http.MethodPut, u, content, nil)
	if err != nil {
		return fmt.Errorf("sending sticky %s to %s failed: %w", eventType, roomID, err)
	}

	return nil
}

func (m *Matrix) GetJSON(ctx context.Context, path string, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !m.Connected() {
		return bridge.ErrNotConnected
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")

	_, err := m.mc.MakeRequest(http.MethodGet, m.buildURL(nil, segments...), nil, out)
	if err != nil {
		return fmt.Errorf("GET %s failed: %w", path, err)
	}

	return nil
}

// buildURL joins escaped path segments onto the homeserver url.
func (m *Matrix) buildURL(query url.Values, segments ...string) string {
	u := *m.mc.HomeserverURL
	base := strings.TrimSuffix(u.Path, "/")

	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}

	u.Path = base + "/" + strings.Join(segments, "/")
	u.RawPath = base + "/" + strings.Join(escaped, "/")
	u.RawQuery = query.Encode()

	return u.String()
}

func (m *Matrix) GetMe() *bridge.UserInfo {
	return &bridge.UserInfo{
		User:     m.mc.UserID.String(),
		DeviceID: string(m.mc.DeviceID),
		Real:     m.displayName,
	}
}

func (m *Matrix) Credentials() *bridge.Credentials {
	cred := m.credentials
	cred.Token = m.mc.AccessToken

	return &cred
}

func (m *Matrix) GetChannelName(channelID string) string {
	m.RLock()
	channel, ok := m.channels[id.RoomID(channelID)]
	m.RUnlock()

	if !ok {
		return channelID
	}

	channel.RLock()
	defer channel.RUnlock()

	switch {
	case channel.Name != "":
		return channel.Name
	case channel.Alias != "":
		return channel.Alias.String()
	default:
		return channelID
	}
}

func (m *Matrix) IsDirect(channelID string) bool {
	m.RLock()
	channel, ok := m.channels[id.RoomID(channelID)]
	m.RUnlock()

	if !ok {
		return false
	}

	channel.RLock()
	defer channel.RUnlock()

	return channel.IsDirect
}

func (m *Matrix) Protocol() string {
	return "matrix"
}

func (m *Matrix) Logout() error {
	m.Lock()
	wasConnected := m.connected
	m.connected = false
	m.Unlock()

	m.quitOnce.Do(func() {
		close(m.quitChan)
		m.mc.StopSync()
	})

	// a token we were given stays valid, only sessions we created are ended.
	if !wasConnected || !m.ownSession {
		return nil
	}

	if _, err := m.mc.Logout(); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	return nil
}

func (m *Matrix) Connected() bool {
	m.RLock()
	defer m.RUnlock()

	return m.connected
}
