package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultBaseURL            = "https://call.element.io"
	DefaultMemberTTL          = 20 * time.Second
	DefaultRefreshInterval    = 10 * time.Second
	DefaultTransportCacheTTL  = 5 * time.Minute
	DefaultSweepInterval      = 5 * time.Second
	DefaultStickyPrefix       = "matterrtc"
	DefaultDeepLinkScheme     = "im.matterrtc"
	minimumMemberTTL          = 2 * time.Second
	minimumTransportCacheTTL  = time.Second
	defaultInitialDeviceLabel = "matterrtc"
)

func LoadConfig(cfgfile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("matterrtc")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	// use environment variables
	v.AutomaticEnv()

	if cfgfile == "" {
		return v, nil
	}

	v.SetConfigFile(cfgfile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s", err)
	}

	// reload config on file changes
	if runtime.GOOS != "illumos" {
		v.WatchConfig()
	}

	return v, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("matrix.displayname", "")
	v.SetDefault("matrix.devicelabel", defaultInitialDeviceLabel)
	v.SetDefault("rtc.sweepinterval", DefaultSweepInterval)
	v.SetDefault("rtc.ackdb", "")
	v.SetDefault("call.baseurl", DefaultBaseURL)
	v.SetDefault("call.memberttl", DefaultMemberTTL)
	v.SetDefault("call.refreshinterval", DefaultRefreshInterval)
	v.SetDefault("call.transportcachettl", DefaultTransportCacheTTL)
	v.SetDefault("call.forcestatefallback", true)
	v.SetDefault("call.stickyprefix", DefaultStickyPrefix)
	v.SetDefault("call.deeplinkscheme", DefaultDeepLinkScheme)
	v.SetDefault("call.hidescreensharing", true)
}

// Call holds the settings of the call coordinator.
type Call struct {
	BaseURL            string
	MemberTTL          time.Duration
	RefreshInterval    time.Duration
	TransportCacheTTL  time.Duration
	ForceStateFallback bool
	StickyPrefix       string
	DeepLinkScheme     string
	HideScreensharing  bool
}

// CallSettings reads the call.* keys. The refresh interval never exceeds
// half the member ttl, otherwise other clients see us expire between two
// refreshes.
func CallSettings(v *viper.Viper) Call {
	c := Call{
		BaseURL:            strings.TrimSuffix(strings.TrimSpace(v.GetString("call.baseurl")), "/"),
		MemberTTL:          v.GetDuration("call.memberttl"),
		RefreshInterval:    v.GetDuration("call.refreshinterval"),
		TransportCacheTTL:  v.GetDuration("call.transportcachettl"),
		ForceStateFallback: v.GetBool("call.forcestatefallback"),
		StickyPrefix:       strings.TrimSpace(v.GetString("call.stickyprefix")),
		DeepLinkScheme:     strings.TrimSpace(v.GetString("call.deeplinkscheme")),
		HideScreensharing:  v.GetBool("call.hidescreensharing"),
	}

	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}

	if c.MemberTTL < minimumMemberTTL {
		c.MemberTTL = DefaultMemberTTL
	}

	if c.RefreshInterval <= 0 || c.RefreshInterval > c.MemberTTL/2 {
		c.RefreshInterval = c.MemberTTL / 2
	}

	if c.TransportCacheTTL < minimumTransportCacheTTL {
		c.TransportCacheTTL = DefaultTransportCacheTTL
	}

	if c.StickyPrefix == "" {
		c.StickyPrefix = DefaultStickyPrefix
	}

	if c.DeepLinkScheme == "" {
		c.DeepLinkScheme = DefaultDeepLinkScheme
	}

	return c
}
