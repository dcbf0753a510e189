// Package config loads the router's startup configuration: its own
// forest address and mode, where to reach its boot server and
// net-mgr, and the paths to its interface/link/comtree/route table
// files (spec.md §6, expanded with the ambient YAML+flag-overlay
// convention the rest of this repo family uses).
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode is how a router obtains its initial configuration.
type Mode string

const (
	// ModeLocal reads all tables from local files at startup.
	ModeLocal Mode = "local"
	// ModeRemote fetches its configuration from a boot server over
	// the network before entering normal operation.
	ModeRemote Mode = "remote"
)

// Config is the router's full startup configuration.
type Config struct {
	Mode Mode `yaml:"mode"`

	MyAdr        uint32 `yaml:"myAdr"`
	FirstLeafAdr uint32 `yaml:"firstLeafAdr"`
	LastLeafAdr  uint32 `yaml:"lastLeafAdr"`

	BootIP string `yaml:"bootIp"`
	NmIP   string `yaml:"nmIp"`
	NmAdr  uint32 `yaml:"nmAdr"`
	CcAdr  uint32 `yaml:"ccAdr"`

	IfTbl   string `yaml:"ifTbl"`
	LnkTbl  string `yaml:"lnkTbl"`
	ComtTbl string `yaml:"comtTbl"`
	RteTbl  string `yaml:"rteTbl"`

	StatSpec string        `yaml:"statSpec"`
	FinTime  time.Duration `yaml:"finTime"`

	// Well-known constants from spec.md §6; configurable since a given
	// deployment may have already reserved these ports/comtrees.
	RouterPort    uint16 `yaml:"routerPort"`
	NmPort        uint16 `yaml:"nmPort"`
	ConnectComt   uint32 `yaml:"connectComt"`
	ClientSigComt uint32 `yaml:"clientSigComt"`
	NetSigComt    uint32 `yaml:"netSigComt"`

	Admin      AdminConfig      `yaml:"admin"`
	Stats      StatsConfig      `yaml:"stats"`
	Fastpath   FastpathConfig   `yaml:"fastpath"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Logging    LoggingConfig    `yaml:"logging"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// AdminConfig configures the read-only diagnostics HTTP API.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// StatsConfig configures the Prometheus metrics endpoint.
type StatsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Interval time.Duration `yaml:"interval"`
}

// FastpathConfig configures the optional XDP admission probe.
type FastpathConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ClickHouseConfig configures the optional long-term stats sink.
type ClickHouseConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Database string        `yaml:"database"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Interval time.Duration `yaml:"interval"`
}

// Load reads configPath, applies defaults for anything left zero,
// then overlays any flags explicitly set on fs (so a CLI invocation
// can override individual fields without editing the file).
func Load(configPath string, fs *flag.FlagSet, args []string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
	}
	applyDefaults(&cfg)

	if fs != nil {
		if err := overlayFlags(&cfg, fs, args); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.Mode == "" {
		c.Mode = ModeLocal
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = ":8090"
	}
	if c.Stats.Addr == "" {
		c.Stats.Addr = ":9108"
	}
	if c.Stats.Interval == 0 {
		c.Stats.Interval = 300 * time.Millisecond
	}
	if c.ClickHouse.Interval == 0 {
		c.ClickHouse.Interval = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RouterPort == 0 {
		c.RouterPort = 30123
	}
	if c.NmPort == 0 {
		c.NmPort = 30124
	}
	if c.ConnectComt == 0 {
		c.ConnectComt = 1
	}
	if c.ClientSigComt == 0 {
		c.ClientSigComt = 2
	}
	if c.NetSigComt == 0 {
		c.NetSigComt = 3
	}
}

// overlayFlags registers --mode, --myAdr, --bootIp, --nmIp, --nmAdr,
// --ccAdr, --firstLeafAdr, --lastLeafAdr, --ifTbl, --lnkTbl,
// --comtTbl, --rteTbl, --statSpec and --finTime on fs, parses args,
// and applies any flag that was explicitly set, leaving unset flags'
// defaults (which mirror the already-loaded cfg) inert.
func overlayFlags(c *Config, fs *flag.FlagSet, args []string) error {
	mode := fs.String("mode", string(c.Mode), "local or remote")
	myAdr := fs.Uint("myAdr", uint(c.MyAdr), "this router's forest address")
	bootIP := fs.String("bootIp", c.BootIP, "boot server IP, remote mode only")
	nmIP := fs.String("nmIp", c.NmIP, "net-mgr IP")
	nmAdr := fs.Uint("nmAdr", uint(c.NmAdr), "net-mgr forest address")
	ccAdr := fs.Uint("ccAdr", uint(c.CcAdr), "client-connect-point forest address")
	firstLeaf := fs.Uint("firstLeafAdr", uint(c.FirstLeafAdr), "first address in this router's leaf range")
	lastLeaf := fs.Uint("lastLeafAdr", uint(c.LastLeafAdr), "last address in this router's leaf range")
	ifTbl := fs.String("ifTbl", c.IfTbl, "interface table file")
	lnkTbl := fs.String("lnkTbl", c.LnkTbl, "link table file")
	comtTbl := fs.String("comtTbl", c.ComtTbl, "comtree table file")
	rteTbl := fs.String("rteTbl", c.RteTbl, "route table file")
	statSpec := fs.String("statSpec", c.StatSpec, "stats output spec")
	finTime := fs.Duration("finTime", c.FinTime, "run for this long then exit, 0 means run forever")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("config: parse flags: %w", err)
	}

	c.Mode = Mode(*mode)
	c.MyAdr = uint32(*myAdr)
	c.BootIP = *bootIP
	c.NmIP = *nmIP
	c.NmAdr = uint32(*nmAdr)
	c.CcAdr = uint32(*ccAdr)
	c.FirstLeafAdr = uint32(*firstLeaf)
	c.LastLeafAdr = uint32(*lastLeaf)
	c.IfTbl = *ifTbl
	c.LnkTbl = *lnkTbl
	c.ComtTbl = *comtTbl
	c.RteTbl = *rteTbl
	c.StatSpec = *statSpec
	c.FinTime = *finTime
	return nil
}
