package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"

	"beaconnet/config"
)

func TestLoadSeedsMergesBootnodesAndRegistry(t *testing.T) {
	boot := test.RandPeerIDFatal(t)
	listed := test.RandPeerIDFatal(t)
	dir := t.TempDir()
	seedsFile := filepath.Join(dir, "seeds.json")
	registry := `{"version":1,"static":[{"address":"/ip4/10.0.0.2/tcp/9000/p2p/` + listed.String() + `"}]}`
	require.NoError(t, os.WriteFile(seedsFile, []byte(registry), 0o644))

	cfg := config.Default()
	cfg.Bootnodes = []string{"/ip4/10.0.0.1/tcp/9000/p2p/" + boot.String()}
	cfg.SeedsFile = seedsFile

	reg, err := loadSeeds(cfg)
	require.NoError(t, err)
	static := reg.Static(time.Now())
	require.Len(t, static, 2)
	require.Equal(t, boot, static[0].Info.ID)
	require.Equal(t, "config", static[0].Source)
	require.Equal(t, listed, static[1].Info.ID)

	cfg.SeedsFile = filepath.Join(dir, "missing.json")
	_, err = loadSeeds(cfg)
	require.Error(t, err)
}
