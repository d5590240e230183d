package seeds

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
)

type mockResolver struct {
	records map[string][]string
	err     error
}

func (m *mockResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	if values, ok := m.records[name]; ok {
		return values, nil
	}
	return nil, errors.New("not found")
}

func mustRegistry(t *testing.T, payload interface{}) *Registry {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	reg, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return reg
}

func seedAddr(t *testing.T, host string) (string, peer.ID) {
	t.Helper()
	id := test.RandPeerIDFatal(t)
	return "/dns4/" + host + "/tcp/9000/p2p/" + id.String(), id
}

func authorityKey(t *testing.T) (crypto.PrivKey, string) {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw, err := pub.Raw()
	if err != nil {
		t.Fatalf("raw key: %v", err)
	}
	return priv, base64.StdEncoding.EncodeToString(raw)
}

func TestResolveIncludesStaticAndDnsSeeds(t *testing.T) {
	t.Parallel()
	priv, pub := authorityKey(t)
	now := time.Unix(1_700_000_000, 0)
	dnsAddr, dnsID := seedAddr(t, "seed-1.example.org")
	notBefore, notAfter := now.Add(-time.Minute).Unix(), now.Add(time.Hour).Unix()
	sig, err := priv.Sign(SigningMessage(dnsAddr, notBefore, notAfter, "seeds.example.org"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	payload, err := json.Marshal(dnsRecord{
		Address:   dnsAddr,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
	if err != nil {
		t.Fatalf("marshal dns record: %v", err)
	}
	staticAddr, staticID := seedAddr(t, "static.example.org")

	reg := mustRegistry(t, map[string]interface{}{
		"version":     1,
		"authorities": []map[string]interface{}{{"domain": "seeds.example.org", "algorithm": "ed25519", "publicKey": pub}},
		"static":      []map[string]interface{}{{"address": staticAddr}},
	})
	resolver := &mockResolver{records: map[string][]string{
		"_beaconseed.seeds.example.org": {recordPrefix + base64.StdEncoding.EncodeToString(payload)},
	}}

	seeds, err := reg.Resolve(context.Background(), now, resolver)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("expected 2 seeds, got %d", len(seeds))
	}
	if seeds[0].Source != "registry.static" || seeds[0].Info.ID != staticID {
		t.Fatalf("expected static seed first, got %+v", seeds[0])
	}
	if seeds[1].Source != "dns:seeds.example.org" || seeds[1].Info.ID != dnsID {
		t.Fatalf("unexpected dns seed %+v", seeds[1])
	}
}

func TestResolvePropagatesVerificationErrors(t *testing.T) {
	t.Parallel()
	_, pub := authorityKey(t)
	otherPriv, _ := authorityKey(t)
	now := time.Unix(1_700_000_000, 0)
	addr, _ := seedAddr(t, "seed-bad.example.org")
	sig, err := otherPriv.Sign(SigningMessage(addr, 0, 0, "faulty.example.org"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	payload, _ := json.Marshal(dnsRecord{Address: addr, Signature: base64.StdEncoding.EncodeToString(sig)})
	staticAddr, _ := seedAddr(t, "static.example.org")

	reg := mustRegistry(t, map[string]interface{}{
		"authorities": []map[string]interface{}{{"domain": "faulty.example.org", "publicKey": pub}},
		"static":      []map[string]interface{}{{"address": staticAddr}},
	})
	resolver := &mockResolver{records: map[string][]string{
		"_beaconseed.faulty.example.org": {recordPrefix + base64.StdEncoding.EncodeToString(payload)},
	}}

	seeds, err := reg.Resolve(context.Background(), now, resolver)
	if err == nil {
		t.Fatalf("expected error from record signed by the wrong key")
	}
	if len(seeds) != 1 || seeds[0].Source != "registry.static" {
		t.Fatalf("expected only the static seed, got %+v", seeds)
	}
}

func TestStaticRespectsActivationWindow(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	addr, _ := seedAddr(t, "future.example.org")
	reg := mustRegistry(t, map[string]interface{}{
		"static": []map[string]interface{}{{"address": addr, "notBefore": now.Add(time.Hour).Unix()}},
	})
	if seeds := reg.Static(now); len(seeds) != 0 {
		t.Fatalf("expected no active static seeds, got %d", len(seeds))
	}
}

func TestRegistryRejectsAddressWithoutPeerID(t *testing.T) {
	t.Parallel()
	if _, err := FromAddrs([]string{"/ip4/10.0.0.1/tcp/9000"}); err == nil {
		t.Fatalf("expected error for address without /p2p component")
	}
	if _, err := Parse([]byte(`{"version": 2}`)); err == nil {
		t.Fatalf("expected unsupported version error")
	}
	if _, err := Parse([]byte("  ")); !errors.Is(err, errEmptyRegistry) {
		t.Fatalf("expected empty registry error, got %v", err)
	}
}

func TestAddrInfosMergesPeers(t *testing.T) {
	t.Parallel()
	id := test.RandPeerIDFatal(t)
	reg, err := FromAddrs([]string{
		"/ip4/10.0.0.1/tcp/9000/p2p/" + id.String(),
		"/ip4/10.0.0.2/tcp/9000/p2p/" + id.String(),
		"",
	})
	if err != nil {
		t.Fatalf("from addrs: %v", err)
	}
	infos := AddrInfos(reg.Static(time.Now()))
	if len(infos) != 1 || len(infos[0].Addrs) != 2 {
		t.Fatalf("expected one peer with two addresses, got %+v", infos)
	}
}
