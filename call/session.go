package call

import (
	"strings"

	"github.com/42wim/matterrtc/bridge"
	"maunium.net/go/mautrix/id"
)

// Session is the authenticated identity handed to the call web app.
type Session struct {
	UserID      id.UserID
	DeviceID    id.DeviceID
	AccessToken string
	Homeserver  string
	DisplayName string
}

// ResolveSession returns the current session of br, or ErrNoSession when
// there is no usable access token or homeserver.
func ResolveSession(br bridge.Bridger) (*Session, error) {
	if br == nil || !br.Connected() {
		return nil, ErrNoSession
	}

	cred := br.Credentials()
	me := br.GetMe()

	if cred == nil || me == nil {
		return nil, ErrNoSession
	}

	token := strings.TrimSpace(cred.Token)
	homeserver := NormalizeHomeserver(cred.Server)

	if token == "" || homeserver == "" {
		return nil, ErrNoSession
	}

	displayName := strings.TrimSpace(me.Real)
	if displayName == "" {
		displayName = me.User
	}

	return &Session{
		UserID:      id.UserID(me.User),
		DeviceID:    id.DeviceID(me.DeviceID),
		AccessToken: token,
		Homeserver:  homeserver,
		DisplayName: displayName,
	}, nil
}

// NormalizeHomeserver strips any client api path and trailing slashes.
func NormalizeHomeserver(raw string) string {
	s := strings.TrimSpace(raw)

	if i := strings.Index(s, "/_matrix"); i >= 0 {
		s = s[:i]
	}

	return strings.TrimRight(s, "/")
}
