package lp2p

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity is the node's persistent secp256k1 key in both representations:
// libp2p for the host and the hex node id derived the Ethereum way.
type Identity struct {
	Key    crypto.PrivKey
	PeerID peer.ID
	NodeID string
}

type identityDisk struct {
	PrivateKey string `json:"privateKey"`
}

// LoadOrCreateIdentity reads a secp256k1 private key from disk, generating
// and persisting one if absent.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("identity path must be provided")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		return decodeIdentity(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	raw := ethcrypto.FromECDSA(key)
	payload, err := json.MarshalIndent(&identityDisk{PrivateKey: hex.EncodeToString(raw)}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return identityFromBytes(raw)
}

func decodeIdentity(data []byte) (*Identity, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, errors.New("identity file empty")
	}
	// Raw hex keys are accepted alongside the JSON form.
	if trimmed[0] != '{' {
		raw, err := hex.DecodeString(strings.TrimPrefix(trimmed, "0x"))
		if err != nil {
			return nil, fmt.Errorf("decode raw identity: %w", err)
		}
		return identityFromBytes(raw)
	}
	var stored identityDisk
	if err := json.Unmarshal([]byte(trimmed), &stored); err != nil {
		return nil, fmt.Errorf("decode identity JSON: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(stored.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode identity key material: %w", err)
	}
	return identityFromBytes(raw)
}

func identityFromBytes(raw []byte) (*Identity, error) {
	ecdsaKey, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	key, err := crypto.UnmarshalSecp256k1PrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("convert identity key: %w", err)
	}
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	pub := ethcrypto.FromECDSAPub(&ecdsaKey.PublicKey)
	return &Identity{
		Key:    key,
		PeerID: id,
		NodeID: "0x" + hex.EncodeToString(ethcrypto.Keccak256(pub[1:])),
	}, nil
}
