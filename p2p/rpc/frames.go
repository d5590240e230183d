package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/golang/snappy"
)

// Snappy framing format constants.
const (
	chunkCompressed   = 0x00
	chunkUncompressed = 0x01
	chunkPadding      = 0xfe
	chunkIdentifier   = 0xff

	chunkHeaderLen   = 4
	checksumLen      = 4
	maxBlockSize     = 65536
	streamIdentifier = "sNaPpY"
)

var (
	crcTable = crc32.MakeTable(crc32.Castagnoli)

	maxCompressedChunk = checksumLen + snappy.MaxEncodedLen(maxBlockSize)
)

func maskedChecksum(b []byte) uint32 {
	c := crc32.Update(0, crcTable, b)
	return (c>>15 | c<<17) + 0xa282ead8
}

// compressFramed snappy-compresses payload using the framing format. An empty
// payload produces no bytes.
func compressFramed(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// compressedBound is the largest number of framed bytes a well-formed encoder
// can produce for n uncompressed bytes.
func compressedBound(n int) int {
	blocks := n/maxBlockSize + 1
	return len(streamIdentifier) + chunkHeaderLen + blocks*(chunkHeaderLen+maxCompressedChunk)
}

// framedReader incrementally decompresses one snappy framed stream whose
// decompressed length is known in advance.
type framedReader struct {
	want     int
	out      []byte
	consumed int
	bound    int
	sawIdent bool
}

func newFramedReader(want int) *framedReader {
	capHint := want
	if capHint > maxBlockSize {
		capHint = maxBlockSize
	}
	return &framedReader{
		want:  want,
		out:   make([]byte, 0, capHint),
		bound: compressedBound(want),
	}
}

func (r *framedReader) done() bool { return len(r.out) == r.want }

// step consumes at most one whole chunk from buf. It returns the number of
// bytes consumed; zero means more input is required.
func (r *framedReader) step(buf []byte) (int, error) {
	if len(buf) < chunkHeaderLen {
		return 0, nil
	}
	kind := buf[0]
	length := int(buf[1]) | int(buf[2])<<8 | int(buf[3])<<16
	if length > maxCompressedChunk {
		return 0, fmt.Errorf("%w: snappy chunk of %d bytes", ErrInvalidFraming, length)
	}
	total := chunkHeaderLen + length
	if r.consumed+total > r.bound {
		return 0, fmt.Errorf("%w: compressed body exceeds %d bytes", ErrInvalidFraming, r.bound)
	}
	if len(buf) < total {
		return 0, nil
	}
	body := buf[chunkHeaderLen:total]

	if !r.sawIdent && kind != chunkIdentifier {
		return 0, fmt.Errorf("%w: missing snappy stream identifier", ErrInvalidFraming)
	}

	switch {
	case kind == chunkIdentifier:
		if string(body) != streamIdentifier {
			return 0, fmt.Errorf("%w: bad snappy stream identifier", ErrInvalidFraming)
		}
		r.sawIdent = true

	case kind == chunkCompressed:
		if len(body) < checksumLen {
			return 0, fmt.Errorf("%w: short compressed chunk", ErrInvalidFraming)
		}
		sum := binary.LittleEndian.Uint32(body[:checksumLen])
		block := body[checksumLen:]
		n, err := snappy.DecodedLen(block)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidFraming, err)
		}
		if n > maxBlockSize || n > r.want-len(r.out) {
			return 0, fmt.Errorf("%w: decompressed length exceeds declared %d", ErrInvalidFraming, r.want)
		}
		start := len(r.out)
		r.out = append(r.out, make([]byte, n)...)
		decoded, err := snappy.Decode(r.out[start:], block)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidFraming, err)
		}
		if len(decoded) != n || maskedChecksum(decoded) != sum {
			return 0, fmt.Errorf("%w: snappy checksum mismatch", ErrInvalidFraming)
		}

	case kind == chunkUncompressed:
		if len(body) < checksumLen {
			return 0, fmt.Errorf("%w: short uncompressed chunk", ErrInvalidFraming)
		}
		sum := binary.LittleEndian.Uint32(body[:checksumLen])
		data := body[checksumLen:]
		if len(data) > maxBlockSize || len(data) > r.want-len(r.out) {
			return 0, fmt.Errorf("%w: decompressed length exceeds declared %d", ErrInvalidFraming, r.want)
		}
		if maskedChecksum(data) != sum {
			return 0, fmt.Errorf("%w: snappy checksum mismatch", ErrInvalidFraming)
		}
		r.out = append(r.out, data...)

	case kind >= 0x02 && kind <= 0x7f:
		return 0, fmt.Errorf("%w: reserved unskippable chunk 0x%02x", ErrInvalidFraming, kind)

	default:
		// padding and reserved skippable chunks carry nothing
	}

	r.consumed += total
	return total, nil
}
