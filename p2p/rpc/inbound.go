package rpc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"beaconnet/p2p/ratelimit"
)

type inboundState uint8

const (
	inboundAwaitingRequest inboundState = iota
	inboundAwaitingResponse
)

type inboundStream struct {
	peer     peer.ID
	protocol Protocol
	pipe     *pipe
	codec    *Codec
	state    inboundState
	deadline time.Time
	opened   time.Time
	frames   int
	sent     int
}

func (in *inboundStream) handle() InboundHandle {
	return InboundHandle{Peer: in.peer, Protocol: in.protocol, stream: in.pipe.id}
}

// HandleInboundStream admits a stream the remote opened. Banned peers and
// requests over the rate limit are refused before any request bytes are
// read.
func (e *Engine) HandleInboundStream(id peer.ID, p Protocol, s Stream) error {
	if !p.Valid() {
		_ = s.Reset()
		return ErrUnknownProtocol
	}
	if e.ctx.Err() != nil {
		_ = s.Reset()
		return ErrEngineClosed
	}
	if e.banned(id) {
		_ = s.Reset()
		e.metrics.recordAdmission(p.Class(), "banned")
		return ErrPeerBanned
	}
	if e.cfg.Limiter != nil {
		if e.cfg.Limiter.TryAcquire(id, p.Class(), 1) == ratelimit.Rejected {
			e.metrics.recordAdmission(p.Class(), "rejected")
			e.refuse(s, p)
			err := fmt.Errorf("%w: %s quota exhausted", ErrRateLimited, p.Class())
			e.streamError(id, p, err)
			e.penalize(id, KindRateLimited, p)
			return err
		}
	}
	e.metrics.recordAdmission(p.Class(), "admitted")

	now := e.cfg.Now()
	in := &inboundStream{
		peer:     id,
		protocol: p,
		codec:    NewResponderCodec(p, e.cfg.MaxFrameLen),
		deadline: now.Add(e.cfg.RequestTimeout),
		opened:   now,
	}
	in.pipe = e.attach(id, s, true)
	e.inbound[in.pipe.id] = in
	e.peerStreams(id).inbound[in.pipe.id] = struct{}{}

	if !p.HasRequestBody() {
		e.accept(in, []byte{})
	}
	return nil
}

// refuse answers a rate-limited stream with a ResourceUnavailable status and
// closes it. The write happens off the loop.
func (e *Engine) refuse(s Stream, p Protocol) {
	codec := NewResponderCodec(p, e.cfg.MaxFrameLen)
	frame, err := codec.EncodeError(StatusResourceUnavailable, "rate limited")
	if err != nil {
		_ = s.Reset()
		return
	}
	go func() {
		if _, err := s.Write(frame); err != nil {
			_ = s.Reset()
			return
		}
		_ = s.Close()
	}()
}

func (e *Engine) accept(in *inboundStream, payload []byte) {
	in.state = inboundAwaitingResponse
	in.deadline = e.cfg.Now().Add(e.cfg.ResponseTimeout)
	e.emit(RequestReceived{Handle: in.handle(), Payload: payload})
}

func (e *Engine) handleInboundIO(in *inboundStream, ev IOEvent) {
	switch ev.kind {
	case ioData:
		frames, err := in.codec.Feed(ev.data)
		if err == nil && len(frames) > 0 {
			if in.state != inboundAwaitingRequest || len(frames) > 1 {
				err = fmt.Errorf("%w: more than one request frame", ErrInvalidFraming)
			} else {
				in.frames++
				e.accept(in, frames[0].Payload)
				return
			}
		}
		if err != nil {
			e.dropInbound(in, true)
			e.streamError(in.peer, in.protocol, err)
			e.penalize(in.peer, KindInvalidFraming, in.protocol)
		}

	case ioReadErr:
		if in.state == inboundAwaitingResponse && errors.Is(ev.err, io.EOF) {
			// the requester half-closed; the response path stays open
			return
		}
		e.dropInbound(in, true)
		switch {
		case in.codec.Pending():
			e.streamError(in.peer, in.protocol, fmt.Errorf("%w: truncated request", ErrInvalidFraming))
			e.penalize(in.peer, KindInvalidFraming, in.protocol)
		case errors.Is(ev.err, io.EOF):
			e.streamError(in.peer, in.protocol, fmt.Errorf("%w: stream closed without a request", ErrIncompleteResponse))
		default:
			e.streamError(in.peer, in.protocol, fmt.Errorf("%w: %v", ErrTransport, ev.err))
		}

	case ioWriteErr:
		e.dropInbound(in, true)
		e.streamError(in.peer, in.protocol, fmt.Errorf("%w: %v", ErrTransport, ev.err))
	}
}

// Respond writes one successful response frame. Single-response protocols
// close the stream afterwards; streamed ones stay open until EndResponse.
func (e *Engine) Respond(h InboundHandle, payload []byte) error {
	in, err := e.responding(h)
	if err != nil {
		return err
	}
	frame, err := in.codec.EncodeResponse(payload)
	if err != nil {
		return err
	}
	if err := e.write(in, frame); err != nil {
		return err
	}
	in.sent++
	if in.protocol.Responses() != StreamedResponse {
		e.dropInbound(in, false)
		return nil
	}
	in.deadline = e.cfg.Now().Add(e.cfg.ResponseTimeout)
	return nil
}

// RespondError writes an error frame and closes the stream.
func (e *Engine) RespondError(h InboundHandle, status Status, message string) error {
	in, err := e.responding(h)
	if err != nil {
		return err
	}
	frame, err := in.codec.EncodeError(status, message)
	if err != nil {
		return err
	}
	if err := e.write(in, frame); err != nil {
		return err
	}
	e.dropInbound(in, false)
	return nil
}

// EndResponse terminates a streamed response with the end-of-stream frame.
// For other protocols it closes the stream without a response.
func (e *Engine) EndResponse(h InboundHandle) error {
	in, err := e.responding(h)
	if err != nil {
		return err
	}
	if in.protocol.Responses() == StreamedResponse {
		if err := e.write(in, in.codec.EncodeEndOfStream()); err != nil {
			return err
		}
	}
	e.dropInbound(in, false)
	return nil
}

func (e *Engine) responding(h InboundHandle) (*inboundStream, error) {
	in, ok := e.inbound[h.stream]
	if !ok || in.peer != h.Peer {
		return nil, ErrUnknownStream
	}
	if in.state != inboundAwaitingResponse {
		return nil, fmt.Errorf("%w: request not yet received", ErrUnknownStream)
	}
	return in, nil
}

func (e *Engine) write(in *inboundStream, frame []byte) error {
	if err := e.enqueue(in.pipe, writeOp{kind: writeData, data: frame}); err != nil {
		e.dropInbound(in, true)
		e.streamError(in.peer, in.protocol, fmt.Errorf("%w: %v", ErrTransport, err))
		return err
	}
	return nil
}

func (e *Engine) timeoutInbound(in *inboundStream) {
	if in.state == inboundAwaitingRequest {
		e.dropInbound(in, true)
		e.streamError(in.peer, in.protocol, fmt.Errorf("%w: request not received", ErrTimeout))
		e.penalize(in.peer, KindTimeout, in.protocol)
		return
	}
	// the application did not answer in time; the peer is not at fault
	frame, err := in.codec.EncodeError(StatusServerError, "response timeout")
	if err == nil {
		err = e.enqueue(in.pipe, writeOp{kind: writeData, data: frame})
	}
	e.dropInbound(in, err != nil)
	e.logger.Warn("Inbound request not answered in time",
		slog.String("peer_id", in.peer.String()),
		slog.String("protocol", in.protocol.String()),
		slog.Int("responses_sent", in.sent))
}

// dropInbound removes the stream context. abort resets the stream; otherwise
// queued writes are flushed before it closes.
func (e *Engine) dropInbound(in *inboundStream, abort bool) {
	delete(e.inbound, in.pipe.id)
	if ps, ok := e.byPeer[in.peer]; ok {
		delete(ps.inbound, in.pipe.id)
	}
	if abort {
		e.abort(in.pipe)
	} else {
		e.release(in.pipe)
	}
	e.forgetPeerIfIdle(in.peer)
}

func (e *Engine) inboundSnapshot() []*inboundStream {
	out := make([]*inboundStream, 0, len(e.inbound))
	for _, in := range e.inbound {
		out = append(out, in)
	}
	return out
}
