// Package config loads the node's TOML configuration and converts it into
// the settings of the network and libp2p stack.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"beaconnet/p2p"
	"beaconnet/p2p/lp2p"
	"beaconnet/p2p/peers"
	"beaconnet/p2p/ratelimit"
	"beaconnet/p2p/rpc"
)

const (
	defaultListenAddress = "/ip4/0.0.0.0/tcp/9000"
	defaultDataDir       = "./beacon-data"
	defaultNetworkName   = "beaconnet"
	defaultMetricsListen = "127.0.0.1:9100"
)

type Config struct {
	ListenAddresses []string `toml:"ListenAddresses"`
	DataDir         string   `toml:"DataDir"`
	// NodeKeyFile defaults to node_key.json inside DataDir.
	NodeKeyFile string `toml:"NodeKeyFile"`
	// NetworkName prefixes DHT protocols and rendezvous namespaces.
	NetworkName string `toml:"NetworkName"`
	Environment string `toml:"Environment"`
	// Bootnodes are full multiaddrs ending in /p2p/<peer id>.
	Bootnodes []string `toml:"Bootnodes"`
	SeedsFile string   `toml:"SeedsFile"`
	DHTServer bool     `toml:"DHTServer"`

	Peers     PeersConfig     `toml:"peers"`
	RPC       RPCConfig       `toml:"rpc"`
	Gossip    GossipConfig    `toml:"gossip"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       LogConfig       `toml:"log"`
}

type PeersConfig struct {
	TargetInbound       int     `toml:"TargetInbound"`
	MaxInbound          int     `toml:"MaxInbound"`
	TargetOutbound      int     `toml:"TargetOutbound"`
	MaxOutbound         int     `toml:"MaxOutbound"`
	DisconnectThreshold float64 `toml:"DisconnectThreshold"`
	BanThreshold        float64 `toml:"BanThreshold"`
	BanDurationSeconds  int     `toml:"BanDurationSeconds"`
	HeartbeatMs         int     `toml:"HeartbeatMs"`
	PingIntervalSeconds int     `toml:"PingIntervalSeconds"`
	MaxKnownPeers       int     `toml:"MaxKnownPeers"`
}

type RPCConfig struct {
	MaxFrameLen       int `toml:"MaxFrameLen"`
	RequestTimeoutMs  int `toml:"RequestTimeoutMs"`
	ResponseTimeoutMs int `toml:"ResponseTimeoutMs"`
	// TimeoutsMs overrides the response deadline per protocol name, for
	// example beacon_blocks_by_range.
	TimeoutsMs map[string]int `toml:"TimeoutsMs"`
	// Quotas overrides inbound budgets per rate-limit class.
	Quotas map[string]QuotaConfig `toml:"Quotas"`
}

type QuotaConfig struct {
	Capacity int `toml:"Capacity"`
	PeriodMs int `toml:"PeriodMs"`
}

type GossipConfig struct {
	Topics                 []string `toml:"Topics"`
	Attnets                []int    `toml:"Attnets"`
	Syncnets               []int    `toml:"Syncnets"`
	AppScoreWeight         float64  `toml:"AppScoreWeight"`
	InspectIntervalSeconds int      `toml:"InspectIntervalSeconds"`
	AdvertiseSeconds       int      `toml:"AdvertiseSeconds"`
}

type TelemetryConfig struct {
	OTLPEndpoint  string `toml:"OTLPEndpoint"`
	OTLPInsecure  bool   `toml:"OTLPInsecure"`
	OTLPHeaders   string `toml:"OTLPHeaders"`
	MetricsListen string `toml:"MetricsListen"`
}

type LogConfig struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Load loads the configuration from the given path, writing a default file
// first if none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	cfg := &Config{
		ListenAddresses: []string{defaultListenAddress},
		DataDir:         defaultDataDir,
		NetworkName:     defaultNetworkName,
		Bootnodes:       []string{},
		Gossip: GossipConfig{
			Topics: []string{"beacon_block", "beacon_aggregate_and_proof"},
		},
		Telemetry: TelemetryConfig{MetricsListen: defaultMetricsListen, OTLPInsecure: true},
		Log:       LogConfig{Level: "info"},
	}
	cfg.Gossip.AdvertiseSeconds = 300
	return cfg
}

func (c *Config) applyDefaults(path string) {
	if len(c.ListenAddresses) == 0 {
		c.ListenAddresses = []string{defaultListenAddress}
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = defaultDataDir
	}
	c.DataDir = relativeTo(path, c.DataDir)
	if strings.TrimSpace(c.NodeKeyFile) == "" {
		c.NodeKeyFile = filepath.Join(c.DataDir, "node_key.json")
	} else {
		c.NodeKeyFile = relativeTo(path, c.NodeKeyFile)
	}
	if strings.TrimSpace(c.SeedsFile) != "" {
		c.SeedsFile = relativeTo(path, c.SeedsFile)
	}
	c.NetworkName = strings.Trim(strings.TrimSpace(c.NetworkName), "/")
	if c.NetworkName == "" {
		c.NetworkName = defaultNetworkName
	}
	if c.Bootnodes == nil {
		c.Bootnodes = []string{}
	}
	if c.Gossip.AdvertiseSeconds <= 0 {
		c.Gossip.AdvertiseSeconds = 300
	}
}

// Validate reports settings the node cannot start with.
func (c *Config) Validate() error {
	var errs []error
	for _, addr := range c.ListenAddresses {
		if !strings.HasPrefix(strings.TrimSpace(addr), "/") {
			errs = append(errs, fmt.Errorf("listen address %q must be a multiaddr", addr))
		}
	}
	for _, addr := range c.Bootnodes {
		if !strings.Contains(addr, "/p2p/") {
			errs = append(errs, fmt.Errorf("bootnode %q must end in /p2p/<peer id>", addr))
		}
	}
	if c.RPC.MaxFrameLen < 0 {
		errs = append(errs, errors.New("rpc MaxFrameLen must not be negative"))
	}
	for name := range c.RPC.TimeoutsMs {
		if _, ok := protocolByName(name); !ok {
			errs = append(errs, fmt.Errorf("rpc TimeoutsMs: unknown protocol %q", name))
		}
	}
	for class, q := range c.RPC.Quotas {
		if q.Capacity < 0 || q.PeriodMs < 0 {
			errs = append(errs, fmt.Errorf("rpc quota %q must not be negative", class))
		}
	}
	for _, idx := range c.Gossip.Attnets {
		if idx < 0 || idx >= peers.AttestationSubnetCount {
			errs = append(errs, fmt.Errorf("attnet %d out of range", idx))
		}
	}
	for _, idx := range c.Gossip.Syncnets {
		if idx < 0 || idx >= peers.SyncCommitteeSubnetCount {
			errs = append(errs, fmt.Errorf("syncnet %d out of range", idx))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	pcfg, err := c.Network()
	if err != nil {
		return err
	}
	return pcfg.Peers.Validate()
}

// Network converts the file settings into a network configuration. Zero
// values keep the network's defaults.
func (c *Config) Network() (p2p.Config, error) {
	policy := peers.DefaultConfig()
	for _, o := range []struct {
		dst *int
		src int
	}{
		{&policy.TargetInbound, c.Peers.TargetInbound},
		{&policy.MaxInbound, c.Peers.MaxInbound},
		{&policy.TargetOutbound, c.Peers.TargetOutbound},
		{&policy.MaxOutbound, c.Peers.MaxOutbound},
		{&policy.MaxKnownPeers, c.Peers.MaxKnownPeers},
	} {
		if o.src > 0 {
			*o.dst = o.src
		}
	}
	if c.Peers.DisconnectThreshold != 0 {
		policy.DisconnectThreshold = c.Peers.DisconnectThreshold
	}
	if c.Peers.BanThreshold != 0 {
		policy.BanThreshold = c.Peers.BanThreshold
	}
	if c.Peers.BanDurationSeconds > 0 {
		policy.BanDuration = seconds(c.Peers.BanDurationSeconds)
	}
	if policy.MaxInbound < policy.TargetInbound {
		policy.MaxInbound = policy.TargetInbound
	}
	if policy.MaxOutbound < policy.TargetOutbound {
		policy.MaxOutbound = policy.TargetOutbound
	}

	out := p2p.Config{
		Peers: policy,
		RPC: p2p.RPCConfig{
			MaxFrameLen:     c.RPC.MaxFrameLen,
			RequestTimeout:  millis(c.RPC.RequestTimeoutMs),
			ResponseTimeout: millis(c.RPC.ResponseTimeoutMs),
		},
		Topics:            append([]string(nil), c.Gossip.Topics...),
		HeartbeatInterval: millis(c.Peers.HeartbeatMs),
		PingInterval:      seconds(c.Peers.PingIntervalSeconds),
	}
	if len(c.RPC.TimeoutsMs) > 0 {
		out.RPC.Timeouts = make(map[rpc.Protocol]time.Duration, len(c.RPC.TimeoutsMs))
		for name, ms := range c.RPC.TimeoutsMs {
			p, ok := protocolByName(name)
			if !ok {
				return p2p.Config{}, fmt.Errorf("rpc TimeoutsMs: unknown protocol %q", name)
			}
			out.RPC.Timeouts[p] = millis(ms)
		}
	}
	if len(c.RPC.Quotas) > 0 {
		out.Quotas = rpc.DefaultQuotas()
		for class, q := range c.RPC.Quotas {
			out.Quotas[ratelimit.Class(class)] = ratelimit.Quota{Capacity: q.Capacity, Period: millis(q.PeriodMs)}
		}
	}
	for _, idx := range c.Gossip.Attnets {
		out.Metadata = out.Metadata.WithSubnet(peers.Subnet{Kind: peers.AttestationSubnet, Index: uint8(idx)}, true)
	}
	for _, idx := range c.Gossip.Syncnets {
		out.Metadata = out.Metadata.WithSubnet(peers.Subnet{Kind: peers.SyncCommitteeSubnet, Index: uint8(idx)}, true)
	}
	return out, nil
}

// Node converts the file settings into the libp2p stack configuration.
func (c *Config) Node(identity *lp2p.Identity) lp2p.NodeConfig {
	return lp2p.NodeConfig{
		Identity:    identity,
		ListenAddrs: append([]string(nil), c.ListenAddresses...),
		Namespace:   c.NetworkName,
		DHTServer:   c.DHTServer,
		Gossip: lp2p.GossipConfig{
			AppScoreWeight:  c.Gossip.AppScoreWeight,
			InspectInterval: seconds(c.Gossip.InspectIntervalSeconds),
		},
	}
}

// ProtocolNames lists the names accepted in rpc.TimeoutsMs.
func ProtocolNames() []string {
	names := make([]string, 0, len(rpc.AllProtocols()))
	for _, p := range rpc.AllProtocols() {
		names = append(names, p.String())
	}
	sort.Strings(names)
	return names
}

func protocolByName(name string) (rpc.Protocol, bool) {
	for _, p := range rpc.AllProtocols() {
		if p.String() == strings.TrimSpace(name) {
			return p, true
		}
	}
	return rpc.ProtocolUnknown, false
}

// relativeTo resolves relative paths against the config file's directory.
func relativeTo(configPath, p string) string {
	if filepath.IsAbs(p) || configPath == "" {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
func seconds(s int) time.Duration { return time.Duration(s) * time.Second }

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(path)
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
