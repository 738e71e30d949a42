package call

import (
	"net/url"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/id"
)

// Values accepted by the web app for the intent parameter.
const (
	IntentStartCall    = "start_call"
	IntentStartCallDM  = "start_call_dm"
	IntentJoinExisting = "join_existing"
)

// Values accepted by the web app for sendNotificationType.
const (
	NotificationRing         = "ring"
	NotificationNotification = "notification"
)

const defaultRoomAlias = "call"

// URLOptions configures BuildURL. Nil booleans and empty strings are left
// out of the resulting URL.
type URLOptions struct {
	RoomID               id.RoomID
	RoomName             string
	DisplayName          string
	Intent               string
	Homeserver           string
	SendNotificationType string
	CallMode             string
	SkipLobby            *bool
	WaitForCallPickup    *bool
	HideScreensharing    *bool
	AutoLeave            *bool
	AutoJoin             *bool
}

// BuildURL returns the web app URL for a room. The room name only serves as
// the visible alias in the fragment, the room is identified by roomId.
func BuildURL(baseURL string, o URLOptions) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")

	alias := strings.TrimSpace(o.RoomName)
	if alias == "" {
		alias = defaultRoomAlias
	}

	roomID := string(o.RoomID)
	server := serverName(roomID)

	var sb strings.Builder

	sb.WriteString(base)
	sb.WriteString("/room/#/")
	sb.WriteString(EncodeComponent(alias))
	sb.WriteString("?")

	if isRoomID(roomID) {
		sb.WriteString("roomId=" + EncodeComponent(roomID) + "&")
	}

	if server != "" {
		sb.WriteString("viaServers=" + EncodeComponent(server) + "&")
	}

	homeserver := strings.TrimSpace(o.Homeserver)
	if homeserver == "" && server != "" {
		homeserver = "https://" + server
	}

	if homeserver != "" {
		sb.WriteString("homeserver=" + EncodeComponent(homeserver) + "&")
	}

	sb.WriteString("displayName=" + EncodeComponent(o.DisplayName) + "&")
	sb.WriteString("confineToRoom=true&appPrompt=false&")

	if o.SendNotificationType != "" {
		sb.WriteString("sendNotificationType=" + EncodeComponent(o.SendNotificationType) + "&")
	}

	writeBool(&sb, "skipLobby", o.SkipLobby)
	writeBool(&sb, "waitForCallPickup", o.WaitForCallPickup)
	writeBool(&sb, "hideScreensharing", o.HideScreensharing)
	writeBool(&sb, "autoLeave", o.AutoLeave)

	if o.CallMode != "" {
		sb.WriteString("callMode=" + EncodeComponent(o.CallMode) + "&")
	}

	writeBool(&sb, "autoJoin", o.AutoJoin)

	sb.WriteString("intent=" + EncodeComponent(o.Intent))

	return sb.String()
}

func writeBool(sb *strings.Builder, key string, value *bool) {
	if value == nil {
		return
	}

	sb.WriteString(key + "=" + strconv.FormatBool(*value) + "&")
}

// EncodeComponent percent-encodes everything except the unreserved
// characters A-Z a-z 0-9 - _ . ~, using uppercase hex digits.
func EncodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func isRoomID(roomID string) bool {
	return strings.HasPrefix(roomID, "!") && strings.Contains(roomID, ":")
}

func serverName(roomID string) string {
	i := strings.Index(roomID, ":")
	if i < 0 {
		return ""
	}

	return strings.TrimSpace(roomID[i+1:])
}

func boolPtr(b bool) *bool {
	return &b
}
