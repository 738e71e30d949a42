package rtc

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/id"
)

// ApplicationTypeCall marks slot and member content that belongs to a call.
const ApplicationTypeCall = "m.call"

// Values below this are taken to be seconds rather than milliseconds.
const millisThreshold int64 = 1_000_000_000_000

// Field aliases of the wire format, in lookup order. Older and unstable
// senders use the later entries.
var (
	slotIDKeys         = []string{"slot_id", "slotId", "slot"}
	stickyKeyKeys      = []string{"sticky_key", "stickyKey", "msc4354_sticky_key"}
	transportKeys      = []string{"rtc_transports", "transports"}
	dottedCallIDKey    = "m.call.id"
	nestedCallKey      = "m.call"
	nestedCallIDKeys   = []string{"id", "call_id", "callId"}
	absoluteExpiryKeys = []string{"expires_ts", "expires_ts_ms", "expires_at"}
	durationExpiryKeys = []string{
		"expires",
		"expires_in",
		"ttl",
		"expires_ms",
		"expires_in_ms",
		"ttl_ms",
		"sticky_duration_ttl_ms",
		"msc4354_sticky_duration_ttl_ms",
	}
)

const devicePrefix = "device:"

// ParseSlotEvent normalizes the content of a slot state event. Content that
// does not describe a call yields a closed slot.
func ParseSlotEvent(roomID id.RoomID, slotID string, content map[string]interface{}) SlotEvent {
	slot := SlotEvent{
		RoomID: roomID,
		SlotID: slotIDOrDefault(slotID),
	}

	if len(content) == 0 {
		return slot
	}

	application := getObject(content, "application")
	if getString(application, "type") != ApplicationTypeCall {
		return slot
	}

	slot.CallID = callIDFromApplication(application)
	slot.Open = slot.CallID != ""

	return slot
}

// MemberEventInput carries a raw member event together with the context
// needed to normalize it.
type MemberEventInput struct {
	RoomID        id.RoomID
	Sender        string
	Content       map[string]interface{}
	StateKey      string
	LocalUserID   id.UserID
	LocalDeviceID id.DeviceID
	NowMs         int64
	// Server clock of the event, both must be set to be used.
	OriginTimestampMs *int64
	UnsignedAgeMs     *int64
}

// ParseMemberEvent normalizes a member event. It returns false when the event
// carries no usable participant identity or belongs to another application.
//
//nolint:funlen
func ParseMemberEvent(in MemberEventInput) (MemberEvent, bool) {
	content := in.Content
	now := in.NowMs
	if in.OriginTimestampMs != nil && in.UnsignedAgeMs != nil {
		now = addSaturating(*in.OriginTimestampMs, *in.UnsignedAgeMs)
	}

	slotID := slotIDOrDefault(firstString(content, slotIDKeys))

	stickyKey := firstString(content, stickyKeyKeys)
	if stickyKey == "" {
		stickyKey = strings.TrimSpace(in.StateKey)
	}
	if stickyKey == "" {
		return MemberEvent{}, false
	}

	member := getObject(content, "member")

	if b, ok := getBool(content, "disconnected"); ok && b {
		userID, ok := resolveUserID(getString(member, "claimed_user_id"), in.Sender)
		if !ok {
			return MemberEvent{}, false
		}

		return MemberEvent{
			RoomID:    in.RoomID,
			SlotID:    slotID,
			StickyKey: stickyKey,
			UserID:    userID,
			IsLocal:   isLocalMember(userID, "", in.LocalUserID, in.LocalDeviceID),
		}, true
	}

	application := getObject(content, "application")
	if appType := getString(application, "type"); appType != "" && appType != ApplicationTypeCall {
		return MemberEvent{}, false
	}

	callID := callIDFromApplication(application)
	memberID := getString(member, "id")

	userID, ok := resolveUserID(getString(member, "claimed_user_id"), in.Sender)
	if !ok {
		return MemberEvent{}, false
	}

	deviceID := id.DeviceID(getString(member, "claimed_device_id"))
	if deviceID == "" {
		if i := strings.Index(memberID, devicePrefix); i >= 0 {
			deviceID = id.DeviceID(strings.TrimSpace(memberID[i+len(devicePrefix):]))
		}
	}

	return MemberEvent{
		RoomID:      in.RoomID,
		SlotID:      slotID,
		CallID:      callID,
		StickyKey:   stickyKey,
		UserID:      userID,
		DeviceID:    deviceID,
		ExpiresAtMs: resolveExpiresAtMs(content, now),
		Connected:   isValidConnect(slotID, stickyKey, callID, memberID, firstArray(content, transportKeys)),
		IsLocal:     isLocalMember(userID, deviceID, in.LocalUserID, in.LocalDeviceID),
	}, true
}

// isValidConnect checks everything a member event needs to count as a live
// participant. The sticky key must match the claimed member id.
func isValidConnect(slotID, stickyKey, callID, memberID string, transports []interface{}) bool {
	if slotID == "" || callID == "" || memberID == "" {
		return false
	}

	if stickyKey != memberID {
		return false
	}

	for _, t := range transports {
		obj, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		if getString(obj, "type") != "" {
			return true
		}
	}

	return false
}

func callIDFromApplication(application map[string]interface{}) string {
	if application == nil || getString(application, "type") != ApplicationTypeCall {
		return ""
	}

	if dotted := getString(application, dottedCallIDKey); dotted != "" {
		return dotted
	}

	return firstString(getObject(application, nestedCallKey), nestedCallIDKeys)
}

func isLocalMember(userID id.UserID, deviceID id.DeviceID, localUserID id.UserID, localDeviceID id.DeviceID) bool {
	if localUserID == "" || localUserID != userID {
		return false
	}

	if localDeviceID == "" {
		return true
	}

	return deviceID == "" || deviceID == localDeviceID
}

func resolveUserID(claimed, sender string) (id.UserID, bool) {
	for _, candidate := range []string{claimed, sender} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		userID := id.UserID(candidate)
		if _, _, err := userID.Parse(); err == nil {
			return userID, true
		}
	}

	return "", false
}

func resolveExpiresAtMs(content map[string]interface{}, now int64) int64 {
	if _, absolute, ok := firstInt(content, absoluteExpiryKeys); ok {
		ts := normalizeTimestamp(absolute)
		if ts <= 0 {
			return now
		}
		return ts
	}

	if key, duration, ok := firstInt(content, durationExpiryKeys); ok {
		delta := duration
		if !strings.Contains(key, "ms") {
			delta = normalizeTimestamp(duration)
		}
		if delta < 0 {
			delta = 0
		}
		return addSaturating(now, delta)
	}

	return 0
}

func normalizeTimestamp(value int64) int64 {
	if value > 0 && value < millisThreshold {
		return value * 1000
	}
	return value
}

// addSaturating adds b to a, sticking at the int64 bounds instead of
// wrapping.
func addSaturating(a, b int64) int64 {
	switch {
	case b > 0 && a > math.MaxInt64-b:
		return math.MaxInt64
	case b < 0 && a < math.MinInt64-b:
		return math.MinInt64
	}
	return a + b
}

func slotIDOrDefault(slotID string) string {
	if strings.TrimSpace(slotID) == "" {
		return DefaultSlotID
	}
	return slotID
}

func getObject(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	obj, _ := m[key].(map[string]interface{})
	return obj
}

// getString returns the primitive at key rendered as a string, or "" when it
// is missing, blank or not a primitive.
func getString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}

	var s string

	switch v := m[key].(type) {
	case string:
		s = v
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		s = v.String()
	case int:
		s = strconv.Itoa(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	case bool:
		s = strconv.FormatBool(v)
	default:
		return ""
	}

	if strings.TrimSpace(s) == "" {
		return ""
	}

	return s
}

func getInt(m map[string]interface{}, key string) (int64, bool) {
	if m == nil {
		return 0, false
	}

	switch v := m[key].(type) {
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || v > math.MaxInt64 || v < math.MinInt64 {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

func getBool(m map[string]interface{}, key string) (bool, bool) {
	if m == nil {
		return false, false
	}

	switch v := m[key].(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(v) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}

	return false, false
}

func firstString(m map[string]interface{}, keys []string) string {
	for _, key := range keys {
		if s := getString(m, key); s != "" {
			return s
		}
	}
	return ""
}

func firstInt(m map[string]interface{}, keys []string) (string, int64, bool) {
	for _, key := range keys {
		if n, ok := getInt(m, key); ok {
			return key, n, true
		}
	}
	return "", 0, false
}

func firstArray(m map[string]interface{}, keys []string) []interface{} {
	for _, key := range keys {
		if arr, ok := m[key].([]interface{}); ok {
			return arr
		}
	}
	return nil
}
