package config

import (
	"bytes"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"
)

// ENV_PREFIX prefixes environment overrides, e.g. THOR_NET_LISTENADDR.
const ENV_PREFIX = "THOR"

// Duration is a time.Duration written as "10s" in config files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Node     Node
	Net      Net
	Exchange Exchange
	DHT      DHT
	Trackers Trackers
	Log      Log
}

type Node struct {
	// prefix of the generated peer id
	PeerIDPrefix string
	// root of downloaded content
	DataDir string
	// sqlite journal of verified units, empty to disable
	ResumeDB string
}

type Net struct {
	ListenAddr string
	// "tcp" or "quic"
	Transport         string
	DialTimeout       Duration
	HandshakeTimeout  Duration
	KeepAlive         Duration
	InactivityTimeout Duration
	MaxConnections    int
	// "initiator" or "older"
	TieBreak string
}

type Exchange struct {
	MaxInFlightPerPeer int
	// 0 disables endgame
	EndgameThreshold int
	RequestTimeout   Duration
	BlockSize        int
	// "rarest" or "sequential"
	Strategy          string
	MaxBadUnits       int
	SnapshotInterval  Duration
	ChokeInterval     Duration
	UploadSlots       int
	DiscoveryInterval Duration
}

type DHT struct {
	Enable     bool
	ListenAddr string
	Bootstrap  []string
	// "krpc" or "proto"
	Codec             string
	RPCTimeout        Duration
	StallTimeout      Duration
	Alpha             int
	K                 int
	MaxFailures       int
	ProviderCacheSize int
}

type Trackers struct {
	// announced to in addition to the trackers of each torrent
	URLs []string
}

type Log struct {
	Level string
}

func Default() *Config {
	return &Config{
		Node: Node{
			PeerIDPrefix: "-TH0001-",
			DataDir:      "~/.thor/data",
			ResumeDB:     "~/.thor/resume.db",
		},
		Net: Net{
			ListenAddr:        "0.0.0.0:6881",
			Transport:         "tcp",
			DialTimeout:       Duration(5 * time.Second),
			HandshakeTimeout:  Duration(10 * time.Second),
			KeepAlive:         Duration(time.Minute),
			InactivityTimeout: Duration(2 * time.Minute),
			MaxConnections:    100,
			TieBreak:          "initiator",
		},
		Exchange: Exchange{
			MaxInFlightPerPeer: 5,
			EndgameThreshold:   4,
			RequestTimeout:     Duration(time.Minute),
			BlockSize:          16384,
			Strategy:           "rarest",
			MaxBadUnits:        3,
			SnapshotInterval:   Duration(time.Second),
			ChokeInterval:      Duration(10 * time.Second),
			UploadSlots:        4,
			DiscoveryInterval:  Duration(2 * time.Minute),
		},
		DHT: DHT{
			Enable:            true,
			ListenAddr:        "0.0.0.0:6881",
			Codec:             "krpc",
			RPCTimeout:        Duration(10 * time.Second),
			StallTimeout:      Duration(2 * time.Second),
			Alpha:             3,
			K:                 8,
			MaxFailures:       3,
			ProviderCacheSize: 1024,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads path over the defaults and applies THOR_ environment
// overrides. A missing file leaves the defaults in place.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, xerrors.Errorf("expanding %s: %w", path, err)
		}
		data, err := os.ReadFile(expanded)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, xerrors.Errorf("reading config: %w", err)
		default:
			if err := FromBytes(data, cfg); err != nil {
				return nil, err
			}
		}
	}
	if err := envconfig.Process(ENV_PREFIX, cfg); err != nil {
		return nil, xerrors.Errorf("processing env vars overrides: %w", err)
	}
	if err := cfg.expand(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func FromBytes(data []byte, cfg *Config) error {
	if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg); err != nil {
		return xerrors.Errorf("decoding config: %w", err)
	}
	return nil
}

func (c *Config) expand() error {
	for _, path := range []*string{&c.Node.DataDir, &c.Node.ResumeDB} {
		if *path == "" {
			continue
		}
		expanded, err := homedir.Expand(*path)
		if err != nil {
			return xerrors.Errorf("expanding %s: %w", *path, err)
		}
		*path = expanded
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	positive := map[string]int{
		"Net.MaxConnections":          c.Net.MaxConnections,
		"Exchange.MaxInFlightPerPeer": c.Exchange.MaxInFlightPerPeer,
		"Exchange.BlockSize":          c.Exchange.BlockSize,
		"Exchange.MaxBadUnits":        c.Exchange.MaxBadUnits,
		"Exchange.UploadSlots":        c.Exchange.UploadSlots,
		"DHT.Alpha":                   c.DHT.Alpha,
		"DHT.K":                       c.DHT.K,
		"DHT.MaxFailures":             c.DHT.MaxFailures,
		"DHT.ProviderCacheSize":       c.DHT.ProviderCacheSize,
	}
	for name, v := range positive {
		if v <= 0 {
			return xerrors.Errorf("%s must be positive, got %d", name, v)
		}
	}
	durations := map[string]Duration{
		"Net.DialTimeout":            c.Net.DialTimeout,
		"Net.HandshakeTimeout":       c.Net.HandshakeTimeout,
		"Net.KeepAlive":              c.Net.KeepAlive,
		"Net.InactivityTimeout":      c.Net.InactivityTimeout,
		"Exchange.RequestTimeout":    c.Exchange.RequestTimeout,
		"Exchange.SnapshotInterval":  c.Exchange.SnapshotInterval,
		"Exchange.ChokeInterval":     c.Exchange.ChokeInterval,
		"Exchange.DiscoveryInterval": c.Exchange.DiscoveryInterval,
		"DHT.RPCTimeout":             c.DHT.RPCTimeout,
		"DHT.StallTimeout":           c.DHT.StallTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return xerrors.Errorf("%s must be positive, got %s", name, d.Std())
		}
	}
	if c.Exchange.EndgameThreshold < 0 {
		return xerrors.Errorf("Exchange.EndgameThreshold must not be negative")
	}
	if c.Exchange.BlockSize > 1<<17 {
		return xerrors.Errorf("Exchange.BlockSize %d exceeds 128KiB", c.Exchange.BlockSize)
	}
	switch c.Net.Transport {
	case "tcp", "quic":
	default:
		return xerrors.Errorf("unknown transport %q", c.Net.Transport)
	}
	switch c.Net.TieBreak {
	case "", "initiator", "older":
	default:
		return xerrors.Errorf("unknown tie break %q", c.Net.TieBreak)
	}
	switch c.Exchange.Strategy {
	case "", "rarest", "sequential":
	default:
		return xerrors.Errorf("unknown strategy %q", c.Exchange.Strategy)
	}
	switch c.DHT.Codec {
	case "", "krpc", "proto":
	default:
		return xerrors.Errorf("unknown dht codec %q", c.DHT.Codec)
	}
	return nil
}

// Bytes encodes c as TOML.
func (c *Config) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	e := toml.NewEncoder(buf)
	if err := e.Encode(c); err != nil {
		return nil, xerrors.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}
