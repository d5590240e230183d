package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net"
	"testing"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/stretchr/testify/require"
)

func TestSetupEmitsRenamedKeys(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := setup(&buf, "beaconnet", "test", slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("peer connected", MaskField("reason", "dial"), MaskField("node_id", "abc"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "peer connected", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "beaconnet", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "dial", line["reason"])
	require.Equal(t, RedactedValue, line["node_id"])
	require.Contains(t, line, "timestamp")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel(" DEBUG "))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestMaskAddressHidesHost(t *testing.T) {
	cases := map[string]string{
		"/ip4/10.0.0.1/tcp/9000":        "/ip4/[REDACTED]/tcp/9000",
		"/dns4/boot.example.org/tcp/13": "/dns4/[REDACTED]/tcp/13",
		"/ip6/::1/udp/9000/quic-v1":     "/ip6/[REDACTED]/udp/9000/quic-v1",
	}
	for in, want := range cases {
		require.Equal(t, want, MaskAddress("peer_address", ma.StringCast(in)).Value.String())
	}
	tcp := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9000}
	require.Equal(t, "[REDACTED]:9000", MaskAddress("remote_addr", tcp).Value.String())
	require.Equal(t, "", MaskAddress("peer_address", nil).Value.String())
}
