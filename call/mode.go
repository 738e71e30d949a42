package call

import (
	"fmt"
	"strings"
)

type Mode string

const (
	ModeAudio Mode = "audio"
	ModeVideo Mode = "video"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAudio:
		return ModeAudio, nil
	case ModeVideo, "":
		return ModeVideo, nil
	default:
		return "", fmt.Errorf("unknown call mode %q", s)
	}
}
