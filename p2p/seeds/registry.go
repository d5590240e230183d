// Package seeds resolves bootstrap peers from a registry of static entries
// and DNS authorities that publish signed TXT records.
package seeds

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	recordPrefix             = "beaconseed:v1:"
	defaultLookupPrefix      = "_beaconseed."
	defaultRefreshInterval   = 15 * time.Minute
	supportedRegistryVersion = 1
)

var errEmptyRegistry = errors.New("seed registry payload must not be empty")

// Registry lists DNS authorities authorised to publish signed seed records
// and static fallbacks for when they are unreachable.
type Registry struct {
	Version        int            `json:"version"`
	RefreshSeconds int            `json:"refreshSeconds,omitempty"`
	Authorities    []Authority    `json:"authorities"`
	StaticSeeds    []StaticRecord `json:"static"`
}

// Authority is a DNS zone whose TXT records are signed with an ed25519 key.
type Authority struct {
	Domain    string `json:"domain"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"publicKey"`
	Lookup    string `json:"lookup,omitempty"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
}

// StaticRecord is a seed bundled with the registry. Address must be a full
// multiaddr ending in /p2p/<peer id>.
type StaticRecord struct {
	Address   string `json:"address"`
	Source    string `json:"source,omitempty"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
}

// ResolvedSeed is a validated seed from either source.
type ResolvedSeed struct {
	Info      peer.AddrInfo
	Source    string
	NotBefore int64
	NotAfter  int64
}

// Active reports whether the seed is live at now.
func (s ResolvedSeed) Active(now time.Time) bool {
	return inWindow(now, s.NotBefore, s.NotAfter)
}

// Resolver abstracts DNS TXT lookups so tests can supply fixtures.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Parse builds a Registry from its JSON form.
func Parse(raw []byte) (*Registry, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, errEmptyRegistry
	}
	var reg Registry
	if err := json.Unmarshal([]byte(trimmed), &reg); err != nil {
		return nil, fmt.Errorf("seeds: invalid JSON payload: %w", err)
	}
	if reg.Version == 0 {
		reg.Version = supportedRegistryVersion
	}
	if reg.Version != supportedRegistryVersion {
		return nil, fmt.Errorf("seeds: unsupported version %d", reg.Version)
	}
	if err := reg.validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Load reads and parses a registry file.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seeds: read registry: %w", err)
	}
	return Parse(raw)
}

// FromAddrs builds a registry of static seeds from multiaddr strings.
func FromAddrs(addrs []string) (*Registry, error) {
	reg := &Registry{Version: supportedRegistryVersion}
	for _, addr := range addrs {
		if strings.TrimSpace(addr) == "" {
			continue
		}
		reg.StaticSeeds = append(reg.StaticSeeds, StaticRecord{Address: addr, Source: "config"})
	}
	if err := reg.validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// RefreshInterval is how often DNS authorities should be polled.
func (r *Registry) RefreshInterval() time.Duration {
	if r == nil || r.RefreshSeconds <= 0 {
		return defaultRefreshInterval
	}
	return time.Duration(r.RefreshSeconds) * time.Second
}

// Static resolves the static entries that are currently active.
func (r *Registry) Static(now time.Time) []ResolvedSeed {
	if r == nil {
		return nil
	}
	results := make([]ResolvedSeed, 0, len(r.StaticSeeds))
	for _, entry := range r.StaticSeeds {
		seed, err := entry.toSeed()
		if err != nil || !seed.Active(now) {
			continue
		}
		results = append(results, seed)
	}
	return dedupeSeeds(results)
}

// Resolve queries the DNS authorities and returns their validated seeds
// after the static ones. Invalid records are reported in the joined error
// without discarding valid ones.
func (r *Registry) Resolve(ctx context.Context, now time.Time, resolver Resolver) ([]ResolvedSeed, error) {
	if r == nil {
		return nil, nil
	}
	results := r.Static(now)
	if len(r.Authorities) == 0 {
		return results, nil
	}
	if resolver == nil {
		resolver = DefaultResolver()
	}
	var errs []error
	for _, auth := range r.Authorities {
		if !inWindow(now, auth.NotBefore, auth.NotAfter) {
			continue
		}
		seeds, err := auth.resolve(ctx, now, resolver)
		results = append(results, seeds...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return dedupeSeeds(results), errors.Join(errs...)
}

// AddrInfos flattens seeds into dialable peer infos, merging addresses of
// the same peer.
func AddrInfos(seeds []ResolvedSeed) []peer.AddrInfo {
	index := make(map[peer.ID]int, len(seeds))
	var out []peer.AddrInfo
	for _, s := range seeds {
		if i, ok := index[s.Info.ID]; ok {
			out[i].Addrs = append(out[i].Addrs, s.Info.Addrs...)
			continue
		}
		index[s.Info.ID] = len(out)
		out = append(out, peer.AddrInfo{ID: s.Info.ID, Addrs: append([]ma.Multiaddr(nil), s.Info.Addrs...)})
	}
	return out
}

func (r *Registry) validate() error {
	for i := range r.Authorities {
		if err := r.Authorities[i].validate(); err != nil {
			return fmt.Errorf("seeds: authority #%d: %w", i+1, err)
		}
	}
	for i := range r.StaticSeeds {
		if _, err := r.StaticSeeds[i].toSeed(); err != nil {
			return fmt.Errorf("seeds: static seed #%d: %w", i+1, err)
		}
	}
	return nil
}

func (a Authority) validate() error {
	if strings.TrimSpace(a.Domain) == "" {
		return errors.New("domain must not be empty")
	}
	if alg := strings.ToLower(strings.TrimSpace(a.Algorithm)); alg != "" && alg != "ed25519" {
		return fmt.Errorf("unsupported algorithm %q", a.Algorithm)
	}
	if _, err := a.publicKey(); err != nil {
		return err
	}
	if a.NotAfter > 0 && a.NotBefore > 0 && a.NotAfter < a.NotBefore {
		return errors.New("notAfter must be >= notBefore")
	}
	return nil
}

func (a Authority) resolve(ctx context.Context, now time.Time, resolver Resolver) ([]ResolvedSeed, error) {
	name := strings.TrimSpace(a.Lookup)
	if name == "" {
		name = defaultLookupPrefix + strings.TrimSpace(a.Domain)
	}
	txtRecords, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dns %s lookup failed: %w", name, err)
	}
	pub, err := a.publicKey()
	if err != nil {
		return nil, err
	}
	seeds := make([]ResolvedSeed, 0, len(txtRecords))
	var errs []error
	for _, record := range txtRecords {
		seed, err := a.parseTXT(record, pub)
		if err != nil {
			errs = append(errs, fmt.Errorf("dns %s invalid record: %w", name, err))
			continue
		}
		if seed.Active(now) {
			seeds = append(seeds, seed)
		}
	}
	return seeds, errors.Join(errs...)
}

func (a Authority) publicKey() (crypto.PubKey, error) {
	trimmed := strings.TrimSpace(a.PublicKey)
	if trimmed == "" {
		return nil, errors.New("publicKey must not be empty")
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid publicKey encoding: %w", err)
	}
	pub, err := crypto.UnmarshalEd25519PublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid publicKey: %w", err)
	}
	return pub, nil
}

func (a Authority) parseTXT(record string, pub crypto.PubKey) (ResolvedSeed, error) {
	trimmed := strings.TrimSpace(record)
	if !strings.HasPrefix(trimmed, recordPrefix) {
		return ResolvedSeed{}, fmt.Errorf("record missing prefix %q", recordPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, recordPrefix))
	if err != nil {
		return ResolvedSeed{}, fmt.Errorf("base64 decode: %w", err)
	}
	var entry dnsRecord
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ResolvedSeed{}, fmt.Errorf("invalid JSON payload: %w", err)
	}
	return entry.toSeed(strings.TrimSpace(a.Domain), pub)
}

func (s StaticRecord) toSeed() (ResolvedSeed, error) {
	if s.NotAfter > 0 && s.NotBefore > 0 && s.NotAfter < s.NotBefore {
		return ResolvedSeed{}, errors.New("notAfter must be >= notBefore")
	}
	info, err := parseAddr(s.Address)
	if err != nil {
		return ResolvedSeed{}, err
	}
	source := strings.TrimSpace(s.Source)
	if source == "" {
		source = "registry.static"
	}
	return ResolvedSeed{Info: *info, Source: source, NotBefore: s.NotBefore, NotAfter: s.NotAfter}, nil
}

type dnsRecord struct {
	Address   string `json:"address"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
	Signature string `json:"signature"`
}

func (d dnsRecord) toSeed(domain string, pub crypto.PubKey) (ResolvedSeed, error) {
	info, err := parseAddr(d.Address)
	if err != nil {
		return ResolvedSeed{}, err
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(d.Signature))
	if err != nil {
		return ResolvedSeed{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	ok, err := pub.Verify(SigningMessage(strings.TrimSpace(d.Address), d.NotBefore, d.NotAfter, domain), sig)
	if err != nil || !ok {
		return ResolvedSeed{}, errors.New("signature verification failed")
	}
	return ResolvedSeed{Info: *info, Source: "dns:" + domain, NotBefore: d.NotBefore, NotAfter: d.NotAfter}, nil
}

// SigningMessage is the byte string an authority signs for one record.
func SigningMessage(addr string, notBefore, notAfter int64, domain string) []byte {
	return []byte(fmt.Sprintf("%s\n%d\n%d\n%s", addr, notBefore, notAfter, strings.ToLower(strings.TrimSpace(domain))))
}

func parseAddr(raw string) (*peer.AddrInfo, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("address must not be empty")
	}
	addr, err := ma.NewMultiaddr(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", trimmed, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("address %q lacks a peer id: %w", trimmed, err)
	}
	return info, nil
}

func inWindow(now time.Time, notBefore, notAfter int64) bool {
	if notBefore > 0 && now.Unix() < notBefore {
		return false
	}
	if notAfter > 0 && now.Unix() > notAfter {
		return false
	}
	return true
}

func dedupeSeeds(in []ResolvedSeed) []ResolvedSeed {
	seen := make(map[string]struct{}, len(in))
	result := make([]ResolvedSeed, 0, len(in))
	for _, seed := range in {
		key := seed.Info.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, seed)
	}
	return result
}

type netResolver struct {
	resolver *net.Resolver
}

func (n *netResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return n.resolver.LookupTXT(ctx, name)
}

// DefaultResolver uses the Go runtime's DNS implementation.
func DefaultResolver() Resolver {
	return &netResolver{resolver: net.DefaultResolver}
}
