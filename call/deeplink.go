package call

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

// DeepLink builds the link other local apps can use to reopen a call.
func DeepLink(scheme string, roomID id.RoomID, roomName string, mode Mode) string {
	scheme = strings.TrimSpace(scheme)

	return scheme + "://call?roomId=" + EncodeComponent(string(roomID)) +
		"&roomName=" + EncodeComponent(roomName) +
		"&mode=" + EncodeComponent(string(mode))
}
