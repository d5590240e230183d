package p2p

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/protolambda/ztyp/codec"

	"beaconnet/p2p/peers"
)

const (
	metadataLen = 17
	uint64Len   = 8
)

var errMetadataLength = errors.New("p2p: metadata has wrong length")

// Metadata is the subnet participation a node advertises over the MetaData
// protocol. Seq increases whenever the subnets change.
type Metadata struct {
	Seq uint64
	// Attnets holds one bit per attestation subnet, subnet i at bit i.
	Attnets uint64
	// Syncnets holds one bit per sync committee subnet in its low nibble.
	Syncnets uint8
}

// Encode returns the fixed-size SSZ encoding.
func (m Metadata) Encode() []byte {
	var buf bytes.Buffer
	w := codec.NewEncodingWriter(&buf)
	_ = w.WriteUint64(m.Seq)
	_ = w.WriteUint64(m.Attnets)
	_ = w.WriteByte(m.Syncnets)
	return buf.Bytes()
}

// DecodeMetadata parses a MetaData response body.
func DecodeMetadata(b []byte) (Metadata, error) {
	if len(b) != metadataLen {
		return Metadata{}, fmt.Errorf("%w: %d bytes", errMetadataLength, len(b))
	}
	r := codec.NewDecodingReader(bytes.NewReader(b), uint64(len(b)))
	var (
		m   Metadata
		err error
	)
	if m.Seq, err = r.ReadUint64(); err != nil {
		return Metadata{}, err
	}
	if m.Attnets, err = r.ReadUint64(); err != nil {
		return Metadata{}, err
	}
	if m.Syncnets, err = r.ReadByte(); err != nil {
		return Metadata{}, err
	}
	if m.Syncnets>>peers.SyncCommitteeSubnetCount != 0 {
		return Metadata{}, fmt.Errorf("p2p: syncnets bits above %d set", peers.SyncCommitteeSubnetCount)
	}
	return m, nil
}

// Subnets lists the subnets whose bits are set.
func (m Metadata) Subnets() []peers.Subnet {
	var out []peers.Subnet
	for i := 0; i < peers.AttestationSubnetCount; i++ {
		if m.Attnets&(1<<uint(i)) != 0 {
			out = append(out, peers.Subnet{Kind: peers.AttestationSubnet, Index: uint8(i)})
		}
	}
	for i := 0; i < peers.SyncCommitteeSubnetCount; i++ {
		if m.Syncnets&(1<<uint(i)) != 0 {
			out = append(out, peers.Subnet{Kind: peers.SyncCommitteeSubnet, Index: uint8(i)})
		}
	}
	return out
}

// WithSubnet returns a copy with the subnet bit set and Seq bumped if it
// changed anything.
func (m Metadata) WithSubnet(s peers.Subnet, on bool) Metadata {
	next := m
	switch s.Kind {
	case peers.AttestationSubnet:
		if int(s.Index) >= peers.AttestationSubnetCount {
			return m
		}
		bit := uint64(1) << s.Index
		if on {
			next.Attnets |= bit
		} else {
			next.Attnets &^= bit
		}
	case peers.SyncCommitteeSubnet:
		if int(s.Index) >= peers.SyncCommitteeSubnetCount {
			return m
		}
		bit := uint8(1) << s.Index
		if on {
			next.Syncnets |= bit
		} else {
			next.Syncnets &^= bit
		}
	}
	if next != m {
		next.Seq++
	}
	return next
}

func encodeUint64(v uint64) []byte {
	var buf bytes.Buffer
	_ = codec.NewEncodingWriter(&buf).WriteUint64(v)
	return buf.Bytes()
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != uint64Len {
		return 0, fmt.Errorf("p2p: expected %d byte integer, got %d", uint64Len, len(b))
	}
	return codec.NewDecodingReader(bytes.NewReader(b), uint64Len).ReadUint64()
}
