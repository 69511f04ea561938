// Package config defines the kong-tagged configuration blocks shared by
// the hidproxy-h, hidproxy-d and hidproxyctl binaries, following the
// teacher's pattern of embedding per-concern config blocks into a
// command struct (cmd/viiper/viiper.go's config.CLI, internal/cmd's
// embedded sub-configs).
package config

import "time"

// LogConfig is shared by every binary.
type LogConfig struct {
	Level   string `help:"Log level: trace, debug, info, warn, error" default:"info" enum:"trace,debug,info,warn,error" env:"HIDPROXY_LOG_LEVEL"`
	File    string `help:"Optional path to also write structured JSON logs at trace level" env:"HIDPROXY_LOG_FILE"`
	RawFile string `help:"Optional path to hex-dump every frame this node sends over the D<->H link" env:"HIDPROXY_LOG_RAWFILE"`
}

// LinkConfig configures the physical D<->H serial link, shared by both
// node binaries.
type LinkConfig struct {
	Port          string        `help:"Serial device path (e.g. /dev/ttyUSB0, COM3)" required:"" env:"HIDPROXY_LINK_PORT"`
	Baud          int           `help:"Serial baud rate" default:"921600" env:"HIDPROXY_LINK_BAUD"`
	HWFlowControl bool          `help:"Enable RTS/CTS hardware flow control" default:"false" env:"HIDPROXY_LINK_HWFC"`
	RingSize      int           `help:"RX ring buffer capacity in bytes" default:"16384" env:"HIDPROXY_LINK_RINGSIZE"`
	SlowSendLog   time.Duration `help:"Log a warning when a single Send call blocks longer than this" default:"50ms" env:"HIDPROXY_LINK_SLOWSEND"`
}

// SideChannelConfig configures the authenticated control side-channel on
// node H.
type SideChannelConfig struct {
	MasterSecretFile string `help:"Path to the bootstrap master-secret file" default:"" env:"HIDPROXY_SIDECHANNEL_SECRET"`
	BoardIDFile      string `help:"Path to the persisted per-board unique ID" default:"" env:"HIDPROXY_BOARD_ID"`
	ListenAddr       string `help:"Optional TCP address to accept remote hidproxyctl connections on, empty disables it" default:"" env:"HIDPROXY_SIDECHANNEL_LISTEN"`
}

// ControllerConfig configures hidproxyctl's connection to a running
// hidproxy-h's side channel over the optional encrypted TCP listener
// (SideChannelConfig.ListenAddr); it does not connect over the serial link.
type ControllerConfig struct {
	Addr             string        `arg:"" name:"addr" help:"hidproxy-h side-channel TCP address (host:port)"`
	MasterSecretFile string        `help:"Path to the bootstrap master-secret file, prompted for interactively if omitted" default:"" env:"HIDPROXY_SIDECHANNEL_SECRET"`
	BoardIDFile      string        `help:"Path to the target board's persisted unique ID file (copied from the hidproxy-h host)" required:"" env:"HIDPROXY_BOARD_ID"`
	Timeout          time.Duration `help:"Per-command response timeout" default:"2s" env:"HIDPROXY_CTL_TIMEOUT"`
}
