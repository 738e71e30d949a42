package bridge

import (
	"context"
	"errors"
	"time"
)

var ErrNotConnected = errors.New("bridge not connected")

// Bridger is everything the call subsystem needs from a chat network.
type Bridger interface {
	// SendState writes a state event.
	SendState(ctx context.Context, roomID, eventType, stateKey string, content interface{}) error
	// SendSticky sends a self expiring room event that lives for ttl.
	SendSticky(ctx context.Context, roomID, eventType string, content interface{}, ttl time.Duration) error
	// GetJSON does an authenticated GET on a homeserver path and decodes
	// the response into out.
	GetJSON(ctx context.Context, path string, out interface{}) error

	GetMe() *UserInfo
	Credentials() *Credentials
	GetChannelName(channelID string) string
	IsDirect(channelID string) bool

	Protocol() string
	Logout() error
	Connected() bool
}

type UserInfo struct {
	User     string
	DeviceID string
	Real     string
}

type Credentials struct {
	Login  string
	Pass   string
	Server string
	Token  string
}

const (
	EventRTC           = "rtc"
	EventChannelUpdate = "channel_update"
	EventLogout        = "logout"
)

type Event struct {
	Type string
	Data interface{}
}

// Where an RTC event was found in a sync response.
const (
	SourceState       = "state"
	SourceTimeline    = "timeline"
	SourceEphemeral   = "ephemeral"
	SourceAccountData = "account_data"
)

// RTCEvent is a raw slot or member event as received from the network.
type RTCEvent struct {
	RoomID   string
	Sender   string
	Type     string
	Source   string
	StateKey *string
	Content  map[string]interface{}
	// OriginTS is 0 when the server timestamp is unknown, Age is
	// unsigned.age in milliseconds.
	OriginTS int64
	Age      int64
}

type ChannelUpdateEvent struct {
	ChannelID string
	Name      string
	Direct    bool
}

type LogoutEvent struct{}
