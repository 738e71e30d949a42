package call

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mitchellh/mapstructure"

	"github.com/42wim/matterrtc/bridge"
)

const (
	transportsPath         = "/_matrix/client/v1/rtc/transports"
	unstableTransportsPath = "/_matrix/client/unstable/org.matrix.msc4143/rtc/transports"
	transportCacheSize     = 32
)

// Transport is a media transport advertised by the homeserver, for example
// a LiveKit SFU.
type Transport struct {
	Type   string                 `json:"type"`
	URI    string                 `json:"uri,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Content returns the transport as it is embedded in member events.
func (t Transport) Content() map[string]interface{} {
	c := map[string]interface{}{"type": t.Type}

	if t.URI != "" {
		c["uri"] = t.URI
	}

	if len(t.Params) > 0 {
		c["params"] = t.Params
	}

	return c
}

type transportEntry struct {
	transports []Transport
	fetchedAt  time.Time
}

// TransportCache remembers the transports of each homeserver for ttl. Empty
// discovery results are never cached.
type TransportCache struct {
	ttl   time.Duration
	cache *lru.Cache
	now   func() time.Time

	// serializes discovery so concurrent callers do one request
	mu sync.Mutex
}

func NewTransportCache(ttl time.Duration) *TransportCache {
	// only fails on a non positive size
	cache, _ := lru.New(transportCacheSize)

	return &TransportCache{
		ttl:   ttl,
		cache: cache,
		now:   time.Now,
	}
}

// Get returns the transports of homeserver, using the cache when the entry is
// fresh. Discovery errors are logged and result in no transports.
func (c *TransportCache) Get(ctx context.Context, br bridge.Bridger, homeserver string) []Transport {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.cache.Get(homeserver); ok {
		entry := v.(transportEntry)
		if c.now().Sub(entry.fetchedAt) < c.ttl {
			return entry.transports
		}

		c.cache.Remove(homeserver)
	}

	transports := discoverTransports(ctx, br, transportsPath)
	if len(transports) == 0 {
		transports = discoverTransports(ctx, br, unstableTransportsPath)
	}

	if len(transports) > 0 {
		c.cache.Add(homeserver, transportEntry{transports: transports, fetchedAt: c.now()})
	}

	return transports
}

// Invalidate drops the cached transports of homeserver.
func (c *TransportCache) Invalidate(homeserver string) {
	c.cache.Remove(homeserver)
}

func discoverTransports(ctx context.Context, br bridge.Bridger, path string) []Transport {
	var resp map[string]interface{}

	if err := br.GetJSON(ctx, path, &resp); err != nil {
		logger.Debugf("transport discovery on %s failed: %s", path, err)
		return nil
	}

	return parseTransports(resp)
}

func parseTransports(resp map[string]interface{}) []Transport {
	raw, ok := resp["transports"].([]interface{})
	if !ok {
		return nil
	}

	var transports []Transport

	for _, item := range raw {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		// params must be an object, anything else is ignored
		if _, ok := obj["params"].(map[string]interface{}); !ok {
			delete(obj, "params")
		}

		if _, ok := obj["uri"].(string); !ok {
			delete(obj, "uri")
		}

		var t Transport

		if err := decode(obj, &t); err != nil {
			logger.Debugf("skipping transport %#v: %s", obj, err)
			continue
		}

		t.Type = strings.TrimSpace(t.Type)
		if t.Type == "" {
			continue
		}

		transports = append(transports, t)
	}

	return transports
}

func decode(input interface{}, output interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  output,
	})
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}
