package rpc

import (
	"encoding/binary"
	"fmt"
)

const (
	// DefaultMaxFrameLen is the largest uncompressed payload accepted in any frame.
	DefaultMaxFrameLen = 10 * 1024 * 1024
	// MaxErrorMessageLen bounds the message carried by error response frames.
	MaxErrorMessageLen = 256
)

// Status is the per-frame response code.
type Status byte

const (
	StatusSuccess             Status = 0
	StatusInvalidRequest      Status = 1
	StatusServerError         Status = 2
	StatusResourceUnavailable Status = 3
	// StatusEndOfStream terminates a streamed response. It carries no body.
	StatusEndOfStream Status = 0xff
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidRequest:
		return "invalid_request"
	case StatusServerError:
		return "server_error"
	case StatusResourceUnavailable:
		return "resource_unavailable"
	case StatusEndOfStream:
		return "end_of_stream"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(s))
	}
}

// Known reports whether the status byte is one this codec understands.
func (s Status) Known() bool {
	switch s {
	case StatusSuccess, StatusInvalidRequest, StatusServerError, StatusResourceUnavailable, StatusEndOfStream:
		return true
	}
	return false
}

// Frame is one decoded unit of the wire protocol.
type Frame struct {
	Status  Status
	Payload []byte
	// Message is set for non-success response frames in place of a payload.
	Message string
}

// IsError reports whether the frame is an error response.
func (f Frame) IsError() bool {
	return f.Status != StatusSuccess && f.Status != StatusEndOfStream
}

// IsEndOfStream reports whether the frame terminates a streamed response.
func (f Frame) IsEndOfStream() bool { return f.Status == StatusEndOfStream }

// Err converts an error frame into a RemoteError.
func (f Frame) Err() error {
	if !f.IsError() {
		return nil
	}
	return &RemoteError{Status: f.Status, Message: f.Message}
}

type decodeState uint8

const (
	stateStatus decodeState = iota
	stateLength
	stateBody
)

// Codec frames one stream. A requester codec encodes requests and decodes
// response frames; a responder codec decodes the request and encodes
// responses. Decoding is resumable across arbitrarily sized input chunks.
type Codec struct {
	protocol    Protocol
	responses   bool
	maxFrameLen int

	state    decodeState
	status   Status
	length   uint64
	shift    uint
	varBytes int
	reader   *framedReader
	pending  []byte
}

// NewRequesterCodec returns the codec for the dialing side of a stream.
func NewRequesterCodec(p Protocol, maxFrameLen int) *Codec {
	return newCodec(p, true, maxFrameLen)
}

// NewResponderCodec returns the codec for the listening side of a stream.
func NewResponderCodec(p Protocol, maxFrameLen int) *Codec {
	return newCodec(p, false, maxFrameLen)
}

func newCodec(p Protocol, responses bool, maxFrameLen int) *Codec {
	if maxFrameLen <= 0 {
		maxFrameLen = DefaultMaxFrameLen
	}
	c := &Codec{protocol: p, responses: responses, maxFrameLen: maxFrameLen}
	c.reset()
	return c
}

// Protocol returns the protocol the codec frames.
func (c *Codec) Protocol() Protocol { return c.protocol }

func (c *Codec) reset() {
	c.state = stateLength
	if c.responses {
		c.state = stateStatus
	}
	c.status = StatusSuccess
	c.length = 0
	c.shift = 0
	c.varBytes = 0
	c.reader = nil
}

// EncodeRequest frames a request payload.
func (c *Codec) EncodeRequest(payload []byte) ([]byte, error) {
	if limit := c.requestLimit(); len(payload) > limit {
		return nil, fmt.Errorf("%w: request of %d bytes exceeds %d", ErrInvalidFraming, len(payload), limit)
	}
	return encodeBody(nil, payload)
}

// EncodeResponse frames a successful response chunk.
func (c *Codec) EncodeResponse(payload []byte) ([]byte, error) {
	if len(payload) > c.maxFrameLen {
		return nil, fmt.Errorf("%w: response of %d bytes exceeds %d", ErrInvalidFraming, len(payload), c.maxFrameLen)
	}
	return encodeBody([]byte{byte(StatusSuccess)}, payload)
}

// EncodeError frames an error response. Messages longer than
// MaxErrorMessageLen are truncated.
func (c *Codec) EncodeError(status Status, message string) ([]byte, error) {
	if status == StatusSuccess || status == StatusEndOfStream {
		return nil, fmt.Errorf("rpc: %s is not an error status", status)
	}
	if len(message) > MaxErrorMessageLen {
		message = message[:MaxErrorMessageLen]
	}
	return encodeBody([]byte{byte(status)}, []byte(message))
}

// EncodeEndOfStream returns the terminal frame of a streamed response.
func (c *Codec) EncodeEndOfStream() []byte {
	return []byte{byte(StatusEndOfStream)}
}

func encodeBody(prefix []byte, payload []byte) ([]byte, error) {
	compressed, err := compressFramed(payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(prefix)+binary.MaxVarintLen64+len(compressed))
	out = append(out, prefix...)
	out = binary.AppendUvarint(out, uint64(len(payload)))
	return append(out, compressed...), nil
}

func (c *Codec) requestLimit() int {
	if !c.protocol.HasRequestBody() {
		return 0
	}
	limit := c.protocol.MaxRequestLen()
	if limit <= 0 || limit > c.maxFrameLen {
		return c.maxFrameLen
	}
	return limit
}

func (c *Codec) bodyLimit() int {
	if !c.responses {
		return c.requestLimit()
	}
	if c.status != StatusSuccess {
		return MaxErrorMessageLen
	}
	return c.maxFrameLen
}

// Pending reports whether a frame has been partially received.
func (c *Codec) Pending() bool {
	if len(c.pending) > 0 {
		return true
	}
	if c.responses {
		return c.state != stateStatus
	}
	return c.state != stateLength || c.varBytes > 0
}

// Feed appends newly received bytes and returns every frame they complete.
// Bytes belonging to a following, still incomplete frame are retained. On
// error the codec must be discarded.
func (c *Codec) Feed(data []byte) ([]Frame, error) {
	buf := data
	if len(c.pending) > 0 {
		c.pending = append(c.pending, data...)
		buf = c.pending
	}
	var frames []Frame
	for len(buf) > 0 {
		switch c.state {
		case stateStatus:
			c.status = Status(buf[0])
			buf = buf[1:]
			if c.status == StatusEndOfStream {
				frames = append(frames, Frame{Status: StatusEndOfStream})
				c.reset()
				continue
			}
			c.state = stateLength

		case stateLength:
			b := buf[0]
			buf = buf[1:]
			c.varBytes++
			if c.varBytes > binary.MaxVarintLen64 || (c.varBytes == binary.MaxVarintLen64 && b > 1) {
				return frames, fmt.Errorf("%w: length prefix overflows", ErrInvalidFraming)
			}
			c.length |= uint64(b&0x7f) << c.shift
			c.shift += 7
			if b&0x80 != 0 {
				continue
			}
			limit := c.bodyLimit()
			if c.length > uint64(limit) {
				return frames, fmt.Errorf("%w: declared length %d exceeds %d", ErrInvalidFraming, c.length, limit)
			}
			if c.length == 0 {
				frames = append(frames, c.complete(nil))
				continue
			}
			c.reader = newFramedReader(int(c.length))
			c.state = stateBody

		case stateBody:
			n, err := c.reader.step(buf)
			if err != nil {
				return frames, err
			}
			if n == 0 {
				c.retain(buf)
				return frames, nil
			}
			buf = buf[n:]
			if c.reader.done() {
				frames = append(frames, c.complete(c.reader.out))
			}
		}
	}
	c.pending = c.pending[:0]
	return frames, nil
}

// retain keeps the unconsumed tail of a partial chunk for the next Feed.
func (c *Codec) retain(buf []byte) {
	if len(c.pending) > 0 && len(buf) == len(c.pending) {
		return
	}
	c.pending = append(c.pending[:0], buf...)
}

func (c *Codec) complete(body []byte) Frame {
	frame := Frame{Status: StatusSuccess}
	if c.responses {
		frame.Status = c.status
	}
	if frame.IsError() {
		frame.Message = string(body)
	} else {
		if body == nil {
			body = []byte{}
		}
		frame.Payload = body
	}
	c.reset()
	return frame
}
