package node

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/krentzlab/apkes/internal/apkesconst"
)

// PeerEndpoint is a statically-configured neighbor reachable over UDP,
// the UDP reference MAC's analog of the teacher's static-peer phase (no
// controller/discovery service in scope here).
type PeerEndpoint struct {
	Extended string `yaml:"extended"` // hex-encoded 8-byte extended address
	Address  string `yaml:"address"`  // host:port
}

// Config is the node's runtime configuration, loaded from YAML the way
// the teacher's AgentConfig is.
type Config struct {
	Extended   string `yaml:"extended"`   // hex-encoded 8-byte extended address
	ShortAddr  uint16 `yaml:"short_addr"`
	ListenPort int    `yaml:"listen_port"`
	StorePath  string `yaml:"store_path"`
	LogLevel   string `yaml:"log_level"`

	StaticPeers []PeerEndpoint `yaml:"static_peers"`

	// MonitorURL, if set, is the websocket endpoint of an ops console
	// (internal/monitor) this node mirrors its neighbor table to. Empty
	// disables reporting entirely.
	MonitorURL      string `yaml:"monitor_url"`
	MonitorInterval int    `yaml:"monitor_interval_seconds"`

	// Timing overrides §6's defaults, expressed in whole seconds for a
	// plain YAML shape (durations don't round-trip through yaml.v3
	// without custom marshaling, so the teacher's configs never use them
	// either).
	IMinSeconds     int `yaml:"i_min_seconds"`
	IMaxDoublings   int `yaml:"i_max_doublings"`
	WMaxSeconds     int `yaml:"w_max_seconds"`
	TAckSeconds     int `yaml:"t_ack_seconds"`
	TLifeSeconds    int `yaml:"t_life_seconds"`
	TUpCheckSeconds int `yaml:"t_up_check_seconds"`
	UMax            int `yaml:"u_max"`
	TUpAckSeconds   int `yaml:"t_upack_seconds"`
	MRefresh        int `yaml:"m_refresh"`
	TRefreshSeconds int `yaml:"t_refresh_seconds"`
	NMax            int `yaml:"n_max"`
	KTent           int `yaml:"k_tent"`
}

// DefaultConfig returns a Config seeded from §6's defaults, with no
// addresses or peers set — callers fill those in or load them from a file.
func DefaultConfig() *Config {
	d := apkesconst.Default()
	return &Config{
		ListenPort:      7734,
		StorePath:       "apkes-node.store",
		LogLevel:        "info",
		IMinSeconds:     int(d.IMin / time.Second),
		IMaxDoublings:   d.IMaxDoublings,
		WMaxSeconds:     int(d.WMax / time.Second),
		TAckSeconds:     int(d.TAck / time.Second),
		TLifeSeconds:    int(d.TLife / time.Second),
		TUpCheckSeconds: int(d.TUpCheck / time.Second),
		UMax:            d.UMax,
		TUpAckSeconds:   int(d.TUpAck / time.Second),
		MRefresh:        d.MRefresh,
		TRefreshSeconds: int(d.TRefresh / time.Second),
		NMax:            d.NMax,
		KTent:           d.KTent,
		MonitorInterval: 10,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("node: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("node: parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) iMin() time.Duration     { return time.Duration(c.IMinSeconds) * time.Second }
func (c *Config) wMax() time.Duration     { return time.Duration(c.WMaxSeconds) * time.Second }
func (c *Config) tAck() time.Duration     { return time.Duration(c.TAckSeconds) * time.Second }
func (c *Config) tLife() time.Duration    { return time.Duration(c.TLifeSeconds) * time.Second }
func (c *Config) tUpCheck() time.Duration { return time.Duration(c.TUpCheckSeconds) * time.Second }
func (c *Config) tUpAck() time.Duration   { return time.Duration(c.TUpAckSeconds) * time.Second }
func (c *Config) tRefresh() time.Duration { return time.Duration(c.TRefreshSeconds) * time.Second }
