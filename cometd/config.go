package cometd

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kleeedolinux/cometd.go/protocol"
	"github.com/kleeedolinux/cometd.go/transport"
)

// Config is the client configuration. Durations of zero mean "none" where
// the field allows it.
type Config struct {
	URL                      string
	MaxConnections           int
	BackoffIncrement         time.Duration
	MaxBackoff               time.Duration
	MaxNetworkDelay          time.Duration
	MaxURILength             int
	MaxSendBayeuxMessageSize int
	AppendMessageTypeToURL   bool
	AutoBatch                bool
	StickyReconnect          bool
	ConnectTimeout           time.Duration
	Advice                   AdviceConfig
	RequestHeaders           map[string]string
	// Origin is the URL the client considers itself served from; a server
	// URL on a different host is cross-domain.
	Origin string
}

// AdviceConfig seeds the advice used until the server sends its own.
type AdviceConfig struct {
	Timeout     time.Duration
	Interval    time.Duration
	MaxInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConnections:           2,
		BackoffIncrement:         time.Second,
		MaxBackoff:               time.Minute,
		MaxNetworkDelay:          10 * time.Second,
		MaxURILength:             2000,
		MaxSendBayeuxMessageSize: 8192,
		AppendMessageTypeToURL:   true,
		StickyReconnect:          true,
		Advice: AdviceConfig{
			Timeout: time.Minute,
		},
	}
}

func (c Config) advice() protocol.Advice {
	return protocol.Advice{
		Timeout:     protocol.Millis(c.Advice.Timeout),
		Interval:    protocol.Millis(c.Advice.Interval),
		MaxInterval: protocol.Millis(c.Advice.MaxInterval),
	}
}

func (c Config) transportOptions() transport.Options {
	headers := make(map[string]string, len(c.RequestHeaders))
	for k, v := range c.RequestHeaders {
		headers[k] = v
	}
	return transport.Options{
		MaxConnections:           c.MaxConnections,
		MaxNetworkDelay:          c.MaxNetworkDelay,
		MaxURILength:             c.MaxURILength,
		MaxSendBayeuxMessageSize: c.MaxSendBayeuxMessageSize,
		AutoBatch:                c.AutoBatch,
		StickyReconnect:          c.StickyReconnect,
		ConnectTimeout:           c.ConnectTimeout,
		RequestHeaders:           headers,
	}
}

// normalize validates c and derives the settings that depend on the URL.
// It returns whether the server URL is cross-domain.
func (c *Config) normalize() (bool, error) {
	raw := strings.TrimSpace(c.URL)
	if raw == "" {
		return false, fmt.Errorf("cometd config: missing url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false, fmt.Errorf("cometd config: invalid url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return false, fmt.Errorf("cometd config: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return false, fmt.Errorf("cometd config: url %q has no host", raw)
	}
	c.URL = raw

	if c.MaxConnections < 2 {
		return false, fmt.Errorf("cometd config: max connections must be at least 2, got %d", c.MaxConnections)
	}
	if c.BackoffIncrement < 0 || c.MaxBackoff < 0 || c.MaxNetworkDelay < 0 {
		return false, fmt.Errorf("cometd config: negative duration")
	}

	if c.AppendMessageTypeToURL && !appendableURL(u) {
		log := clientLogger()
		log.Info().Str("url", raw).Msg("appending message type to url not supported, disabling")
		c.AppendMessageTypeToURL = false
	}

	crossDomain := false
	if c.Origin != "" {
		origin, err := url.Parse(c.Origin)
		if err != nil {
			return false, fmt.Errorf("cometd config: invalid origin %q: %w", c.Origin, err)
		}
		crossDomain = !strings.EqualFold(origin.Host, u.Host)
	}
	return crossDomain, nil
}

// appendableURL reports whether a message type path segment can be added
// to u: it must carry no query or fragment and its last segment must not
// look like a file name such as "cometd.do".
func appendableURL(u *url.URL) bool {
	if u.RawQuery != "" || u.Fragment != "" {
		return false
	}
	segments := strings.Split(strings.TrimSuffix(u.Path, "/"), "/")
	return !strings.Contains(segments[len(segments)-1], ".")
}

type fileConfig struct {
	URL                      string            `toml:"url"`
	MaxConnections           int               `toml:"max_connections"`
	BackoffIncrement         int64             `toml:"backoff_increment"`
	MaxBackoff               int64             `toml:"max_backoff"`
	MaxNetworkDelay          int64             `toml:"max_network_delay"`
	MaxURILength             int               `toml:"max_uri_length"`
	MaxSendBayeuxMessageSize int               `toml:"max_send_bayeux_message_size"`
	AppendMessageTypeToURL   bool              `toml:"append_message_type_to_url"`
	AutoBatch                bool              `toml:"auto_batch"`
	StickyReconnect          bool              `toml:"sticky_reconnect"`
	ConnectTimeout           int64             `toml:"connect_timeout"`
	Origin                   string            `toml:"origin"`
	RequestHeaders           map[string]string `toml:"request_headers"`
	Advice                   struct {
		Timeout     int64 `toml:"timeout"`
		Interval    int64 `toml:"interval"`
		MaxInterval int64 `toml:"max_interval"`
	} `toml:"advice"`
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// LoadConfig reads a TOML file over DefaultConfig. Durations are integer
// milliseconds; keys absent from the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load cometd config: %w", err)
	}

	if meta.IsDefined("url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("max_connections") {
		cfg.MaxConnections = raw.MaxConnections
	}
	if meta.IsDefined("backoff_increment") {
		cfg.BackoffIncrement = millis(raw.BackoffIncrement)
	}
	if meta.IsDefined("max_backoff") {
		cfg.MaxBackoff = millis(raw.MaxBackoff)
	}
	if meta.IsDefined("max_network_delay") {
		cfg.MaxNetworkDelay = millis(raw.MaxNetworkDelay)
	}
	if meta.IsDefined("max_uri_length") {
		cfg.MaxURILength = raw.MaxURILength
	}
	if meta.IsDefined("max_send_bayeux_message_size") {
		cfg.MaxSendBayeuxMessageSize = raw.MaxSendBayeuxMessageSize
	}
	if meta.IsDefined("append_message_type_to_url") {
		cfg.AppendMessageTypeToURL = raw.AppendMessageTypeToURL
	}
	if meta.IsDefined("auto_batch") {
		cfg.AutoBatch = raw.AutoBatch
	}
	if meta.IsDefined("sticky_reconnect") {
		cfg.StickyReconnect = raw.StickyReconnect
	}
	if meta.IsDefined("connect_timeout") {
		cfg.ConnectTimeout = millis(raw.ConnectTimeout)
	}
	if meta.IsDefined("origin") {
		cfg.Origin = strings.TrimSpace(raw.Origin)
	}
	if meta.IsDefined("request_headers") {
		cfg.RequestHeaders = raw.RequestHeaders
	}
	if meta.IsDefined("advice", "timeout") {
		cfg.Advice.Timeout = millis(raw.Advice.Timeout)
	}
	if meta.IsDefined("advice", "interval") {
		cfg.Advice.Interval = millis(raw.Advice.Interval)
	}
	if meta.IsDefined("advice", "max_interval") {
		cfg.Advice.MaxInterval = millis(raw.Advice.MaxInterval)
	}

	return cfg, nil
}
