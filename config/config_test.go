package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"beaconnet/p2p/peers"
	"beaconnet/p2p/ratelimit"
	"beaconnet/p2p/rpc"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node", "config.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, []string{defaultListenAddress}, cfg.ListenAddresses)
	require.Equal(t, filepath.Join(filepath.Dir(path), "beacon-data", "node_key.json"), cfg.NodeKeyFile)

	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.NetworkName, again.NetworkName)
	require.Equal(t, cfg.Gossip.Topics, again.Gossip.Topics)
}

func TestLoadParsesNetworkSettings(t *testing.T) {
	path := writeConfig(t, `ListenAddresses = ["/ip4/0.0.0.0/tcp/9100"]
DataDir = "data"
NetworkName = "/holesky/"
Bootnodes = ["/ip4/10.0.0.1/tcp/9000/p2p/16Uiu2HAmPLe7Mzm8TsYUubgCAW1aJoeFScxrLj8ppHFivPo97bUZ"]

[peers]
TargetInbound = 10
MaxInbound = 12
TargetOutbound = 6
HeartbeatMs = 500
BanDurationSeconds = 60

[rpc]
MaxFrameLen = 1048576
RequestTimeoutMs = 2000

[rpc.TimeoutsMs]
beacon_blocks_by_range = 45000

[rpc.Quotas.blocks_by_range]
Capacity = 64
PeriodMs = 10000

[gossip]
Topics = ["beacon_block"]
Attnets = [3, 9]
Syncnets = [1]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "holesky", cfg.NetworkName)
	require.Equal(t, filepath.Join(filepath.Dir(path), "data"), cfg.DataDir)

	net, err := cfg.Network()
	require.NoError(t, err)
	require.Equal(t, 10, net.Peers.TargetInbound)
	require.Equal(t, 12, net.Peers.MaxInbound)
	require.Equal(t, 6, net.Peers.TargetOutbound)
	require.GreaterOrEqual(t, net.Peers.MaxOutbound, 6)
	require.Equal(t, time.Minute, net.Peers.BanDuration)
	require.Equal(t, 500*time.Millisecond, net.HeartbeatInterval)
	require.Equal(t, 1048576, net.RPC.MaxFrameLen)
	require.Equal(t, 2*time.Second, net.RPC.RequestTimeout)
	require.Equal(t, 45*time.Second, net.RPC.Timeouts[rpc.ProtocolBlocksByRange])
	require.Equal(t, ratelimit.Quota{Capacity: 64, Period: 10 * time.Second}, net.Quotas["blocks_by_range"])
	require.Equal(t, rpc.DefaultQuotas()["status"], net.Quotas["status"])
	require.Equal(t, []string{"beacon_block"}, net.Topics)
	require.ElementsMatch(t, []peers.Subnet{
		{Kind: peers.AttestationSubnet, Index: 3},
		{Kind: peers.AttestationSubnet, Index: 9},
		{Kind: peers.SyncCommitteeSubnet, Index: 1},
	}, net.Metadata.Subnets())

	node := cfg.Node(nil)
	require.Equal(t, "holesky", node.Namespace)
	require.Equal(t, []string{"/ip4/0.0.0.0/tcp/9100"}, node.ListenAddrs)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"unknown key":        "Bogus = 1\n",
		"plain listen addr":  `ListenAddresses = ["0.0.0.0:9000"]` + "\n",
		"bootnode no id":     `Bootnodes = ["/ip4/10.0.0.1/tcp/9000"]` + "\n",
		"attnet range":       "[gossip]\nAttnets = [64]\n",
		"unknown protocol":   "[rpc.TimeoutsMs]\nnope = 10\n",
		"positive threshold": "[peers]\nDisconnectThreshold = 5\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, contents))
			require.Error(t, err)
		})
	}
}

func TestProtocolNames(t *testing.T) {
	names := ProtocolNames()
	require.Contains(t, names, "beacon_blocks_by_range")
	require.Contains(t, names, "status")
	require.Len(t, names, len(rpc.AllProtocols()))
}
