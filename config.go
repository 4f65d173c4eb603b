package flowmux

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Settings holds the tunable parameters of a Muxer. The zero value is not
// usable; start from DefaultSettings or LoadSettings.
type Settings struct {
	// StreamWindowLimit is the receive quota granted to the peer per stream.
	StreamWindowLimit int64 `toml:"stream_window_limit"`
	// ConnWindowLimit is the receive quota granted to the peer for the
	// connection as a whole.
	ConnWindowLimit int64 `toml:"conn_window_limit"`
	// StreamSendQuota is the send quota assumed per stream until the peer's
	// first credit update arrives.
	StreamSendQuota int64 `toml:"stream_send_quota"`
	// ConnSendQuota is the connection-wide send quota assumed until the
	// peer's first credit update arrives.
	ConnSendQuota int64 `toml:"conn_send_quota"`
	// NotifyDeltaNum/NotifyDeltaDen: grant when the grantable delta reaches
	// this fraction of the window limit.
	NotifyDeltaNum int64 `toml:"notify_delta_num"`
	NotifyDeltaDen int64 `toml:"notify_delta_den"`
	// NotifyWindowNum/NotifyWindowDen: grant when the peer's remaining
	// window drops below this fraction of the limit.
	NotifyWindowNum int64 `toml:"notify_window_num"`
	NotifyWindowDen int64 `toml:"notify_window_den"`
	// DeferGrantCredit withholds window credit until the grant callback has
	// returned, so an aborted grant is offered again.
	DeferGrantCredit bool `toml:"defer_grant_credit"`
	// BusyLoopLimit is how many consecutive no-progress write steps a
	// stream may take before it is failed.
	BusyLoopLimit int `toml:"busy_loop_limit"`
	// MaxPendingStreams caps streams buffered before materialization.
	MaxPendingStreams int `toml:"max_pending_streams"`
	// ClosedStreamMemory is how many recently closed stream ids are
	// remembered so late arrivals are dropped instead of resurrected.
	ClosedStreamMemory int `toml:"closed_stream_memory"`
}

// DefaultSettings returns the settings a Muxer uses when given nothing else.
func DefaultSettings() Settings {
	return Settings{
		StreamWindowLimit:  256 << 10,
		ConnWindowLimit:    1 << 20,
		StreamSendQuota:    256 << 10,
		ConnSendQuota:      1 << 20,
		NotifyDeltaNum:     1,
		NotifyDeltaDen:     3,
		NotifyWindowNum:    1,
		NotifyWindowDen:    2,
		BusyLoopLimit:      20,
		MaxPendingStreams:  128,
		ClosedStreamMemory: 1024,
	}
}

// Validate reports the first nonsensical setting found.
func (s *Settings) Validate() (err error) {
	switch {
	case s.StreamWindowLimit <= 0:
		err = errors.Errorf("stream_window_limit %d: must be positive", s.StreamWindowLimit)
	case s.ConnWindowLimit < s.StreamWindowLimit:
		err = errors.Errorf("conn_window_limit %d: must be at least stream_window_limit %d",
			s.ConnWindowLimit, s.StreamWindowLimit)
	case s.StreamSendQuota < 0 || s.ConnSendQuota < 0:
		err = errors.Errorf("send quotas must not be negative")
	case s.NotifyDeltaDen <= 0 || s.NotifyWindowDen <= 0:
		err = errors.Errorf("notify fraction denominators must be positive")
	case s.NotifyDeltaNum < 0 || s.NotifyWindowNum < 0:
		err = errors.Errorf("notify fraction numerators must not be negative")
	case s.BusyLoopLimit < 1:
		err = errors.Errorf("busy_loop_limit %d: must be at least 1", s.BusyLoopLimit)
	case s.MaxPendingStreams < 0:
		err = errors.Errorf("max_pending_streams %d: must not be negative", s.MaxPendingStreams)
	case s.ClosedStreamMemory < 1:
		err = errors.Errorf("closed_stream_memory %d: must be at least 1", s.ClosedStreamMemory)
	}
	return
}

// windowPolicy builds the grant policy the settings describe.
func (s *Settings) windowPolicy() WindowPolicyFunc {
	return FractionPolicy(s.NotifyDeltaNum, s.NotifyDeltaDen, s.NotifyWindowNum, s.NotifyWindowDen)
}

// LoadSettings reads a TOML file and overlays the keys present in it onto
// DefaultSettings, so a file only needs to name what it changes.
func LoadSettings(path string) (cfg Settings, err error) {
	cfg = DefaultSettings()
	var raw Settings
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		err = errors.Wrapf(err, "load settings %q", path)
		return
	}
	if meta.IsDefined("stream_window_limit") {
		cfg.StreamWindowLimit = raw.StreamWindowLimit
	}
	if meta.IsDefined("conn_window_limit") {
		cfg.ConnWindowLimit = raw.ConnWindowLimit
	}
	if meta.IsDefined("stream_send_quota") {
		cfg.StreamSendQuota = raw.StreamSendQuota
	}
	if meta.IsDefined("conn_send_quota") {
		cfg.ConnSendQuota = raw.ConnSendQuota
	}
	if meta.IsDefined("notify_delta_num") {
		cfg.NotifyDeltaNum = raw.NotifyDeltaNum
	}
	if meta.IsDefined("notify_delta_den") {
		cfg.NotifyDeltaDen = raw.NotifyDeltaDen
	}
	if meta.IsDefined("notify_window_num") {
		cfg.NotifyWindowNum = raw.NotifyWindowNum
	}
	if meta.IsDefined("notify_window_den") {
		cfg.NotifyWindowDen = raw.NotifyWindowDen
	}
	if meta.IsDefined("defer_grant_credit") {
		cfg.DeferGrantCredit = raw.DeferGrantCredit
	}
	if meta.IsDefined("busy_loop_limit") {
		cfg.BusyLoopLimit = raw.BusyLoopLimit
	}
	if meta.IsDefined("max_pending_streams") {
		cfg.MaxPendingStreams = raw.MaxPendingStreams
	}
	if meta.IsDefined("closed_stream_memory") {
		cfg.ClosedStreamMemory = raw.ClosedStreamMemory
	}
	if err = cfg.Validate(); err != nil {
		err = errors.Wrapf(err, "load settings %q", path)
	}
	return
}
