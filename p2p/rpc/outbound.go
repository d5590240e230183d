package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// RequestOption adjusts a single outbound request.
type RequestOption func(*outboundRequest)

// WithExpectedResponses completes a streamed request once n response frames
// have arrived, without waiting for the end-of-stream frame.
func WithExpectedResponses(n int) RequestOption {
	return func(r *outboundRequest) {
		if n > 0 {
			r.expected = n
		}
	}
}

// WithTimeout overrides the response deadline of one request.
func WithTimeout(d time.Duration) RequestOption {
	return func(r *outboundRequest) {
		if d > 0 {
			r.deadline = r.sentAt.Add(d)
		}
	}
}

type outboundRequest struct {
	id       RequestID
	peer     peer.ID
	protocol Protocol
	sentAt   time.Time
	deadline time.Time
	expected int
	received int

	codec      *Codec
	pipe       *pipe
	cancelOpen context.CancelFunc
}

// SendRequest registers an outbound request and opens its stream in the
// background. For exclusive protocols a pending request to the same peer is
// reused and its ID returned.
func (e *Engine) SendRequest(id peer.ID, p Protocol, payload []byte, opts ...RequestOption) (RequestID, error) {
	if !p.Valid() {
		return 0, ErrUnknownProtocol
	}
	if e.ctx.Err() != nil {
		return 0, ErrEngineClosed
	}
	if e.banned(id) {
		return 0, ErrPeerBanned
	}
	if e.cfg.Opener == nil {
		return 0, fmt.Errorf("%w: no stream opener configured", ErrTransport)
	}
	if p.Exclusive() {
		if rid, ok := e.exclusive[exclusiveKey{peer: id, protocol: p}]; ok {
			e.metrics.recordRequest(p, "reused")
			return rid, nil
		}
	}
	codec := NewRequesterCodec(p, e.cfg.MaxFrameLen)
	var wire []byte
	if p.HasRequestBody() {
		var err error
		if wire, err = codec.EncodeRequest(payload); err != nil {
			return 0, err
		}
	} else if len(payload) > 0 {
		return 0, fmt.Errorf("%w: %s requests carry no body", ErrInvalidFraming, p)
	}

	e.nextRequest++
	now := e.cfg.Now()
	req := &outboundRequest{
		id:       e.nextRequest,
		peer:     id,
		protocol: p,
		sentAt:   now,
		deadline: now.Add(e.timeout(p)),
		codec:    codec,
	}
	for _, opt := range opts {
		opt(req)
	}
	key := requestKey{peer: id, id: req.id}
	e.outbound[key] = req
	e.peerStreams(id).outbound[req.id] = struct{}{}
	if p.Exclusive() {
		e.exclusive[exclusiveKey{peer: id, protocol: p}] = req.id
	}

	ctx, cancel := context.WithTimeout(e.ctx, req.deadline.Sub(now))
	req.cancelOpen = cancel
	go e.open(ctx, key, p, wire)
	e.metrics.recordRequest(p, "sent")
	return req.id, nil
}

// open runs off the loop: it opens the stream, writes the request and
// half-closes. The result is posted back as an ioOpened event.
func (e *Engine) open(ctx context.Context, key requestKey, p Protocol, wire []byte) {
	s, err := e.cfg.Opener.OpenStream(ctx, key.peer, p)
	if err == nil {
		// cancellation or expiry unblocks a stalled write
		stop := context.AfterFunc(ctx, func() { _ = s.Reset() })
		if len(wire) > 0 {
			_, err = s.Write(wire)
		}
		if err == nil {
			err = s.CloseWrite()
		}
		if !stop() && err == nil {
			err = ctx.Err()
		}
		if err != nil {
			_ = s.Reset()
			s = nil
		}
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrTransport, err)
	}
	select {
	case e.io <- IOEvent{kind: ioOpened, request: key, opened: s, err: err}:
	case <-e.ctx.Done():
		if s != nil {
			_ = s.Reset()
		}
	}
}

// Cancel aborts a pending request. It completes with ErrCancelled.
func (e *Engine) Cancel(id peer.ID, rid RequestID) error {
	req, ok := e.outbound[requestKey{peer: id, id: rid}]
	if !ok {
		return ErrUnknownRequest
	}
	e.finishOutbound(req, ErrCancelled, true)
	return nil
}

func (e *Engine) handleOpened(ev IOEvent) {
	req, ok := e.outbound[ev.request]
	if !ok {
		if ev.opened != nil {
			_ = ev.opened.Reset()
		}
		return
	}
	if ev.err != nil {
		e.finishOutbound(req, ev.err, false)
		return
	}
	if req.protocol.Responses() == NoResponse {
		go ev.opened.Close()
		e.finishOutbound(req, nil, false)
		return
	}
	req.pipe = e.attach(req.peer, ev.opened, false)
	e.streams[req.pipe.id] = ev.request
}

func (e *Engine) handleOutboundIO(req *outboundRequest, ev IOEvent) {
	switch ev.kind {
	case ioData:
		frames, err := req.codec.Feed(ev.data)
		for _, f := range frames {
			if done := e.deliver(req, f); done {
				return
			}
		}
		if err != nil {
			e.violation(req, err)
		}
	case ioReadErr:
		if !errors.Is(ev.err, io.EOF) {
			err := fmt.Errorf("%w: %v", ErrTransport, ev.err)
			e.streamError(req.peer, req.protocol, err)
			e.finishOutbound(req, err, true)
			return
		}
		if req.codec.Pending() {
			e.violation(req, fmt.Errorf("%w: truncated frame", ErrInvalidFraming))
			return
		}
		err := fmt.Errorf("%w: stream closed after %d responses", ErrIncompleteResponse, req.received)
		e.streamError(req.peer, req.protocol, err)
		e.finishOutbound(req, err, true)
		e.penalize(req.peer, KindIncompleteResponse, req.protocol)
	}
}

// deliver applies one decoded response frame and reports whether the request
// reached its terminal state.
func (e *Engine) deliver(req *outboundRequest, f Frame) bool {
	switch {
	case f.IsEndOfStream():
		if req.protocol.Responses() != StreamedResponse {
			e.violation(req, fmt.Errorf("%w: end of stream on %s", ErrInvalidFraming, req.protocol))
			return true
		}
		e.finishOutbound(req, nil, false)
		return true
	case f.IsError():
		e.finishOutbound(req, f.Err(), false)
		return true
	}
	req.received++
	e.emit(ResponseReceived{
		Peer:     req.peer,
		Request:  req.id,
		Protocol: req.protocol,
		Index:    req.received - 1,
		Payload:  f.Payload,
	})
	switch req.protocol.Responses() {
	case SingleResponse:
		e.finishOutbound(req, nil, false)
		return true
	case StreamedResponse:
		if req.expected > 0 && req.received >= req.expected {
			e.finishOutbound(req, nil, false)
			return true
		}
		// a slow stream is judged per chunk
		req.deadline = e.cfg.Now().Add(e.timeout(req.protocol))
	}
	return false
}

func (e *Engine) violation(req *outboundRequest, err error) {
	e.streamError(req.peer, req.protocol, err)
	e.finishOutbound(req, err, true)
	e.penalize(req.peer, Classify(err), req.protocol)
}

func (e *Engine) timeoutOutbound(req *outboundRequest) {
	e.removeOutbound(req, true)
	e.emit(RequestTimedOut{
		Peer:      req.peer,
		Request:   req.id,
		Protocol:  req.protocol,
		Responses: req.received,
	})
	e.metrics.recordRequest(req.protocol, "timeout")
	e.streamError(req.peer, req.protocol, fmt.Errorf("%w: no response within deadline", ErrTimeout))
	e.penalize(req.peer, KindTimeout, req.protocol)
}

// finishOutbound emits the terminal RequestCompleted and releases the
// stream; abort selects a reset over a graceful close.
func (e *Engine) finishOutbound(req *outboundRequest, err error, abort bool) {
	e.removeOutbound(req, abort || err != nil)
	elapsed := e.cfg.Now().Sub(req.sentAt)
	e.emit(RequestCompleted{
		Peer:      req.peer,
		Request:   req.id,
		Protocol:  req.protocol,
		Responses: req.received,
		Elapsed:   elapsed,
		Err:       err,
	})
	outcome := "success"
	if err != nil {
		outcome = Classify(err).String()
	}
	e.metrics.recordRequest(req.protocol, outcome)
	e.metrics.observeLatency(req.protocol, elapsed)
	if err != nil && !errors.Is(err, ErrCancelled) {
		e.logger.Debug("RPC request failed",
			slog.String("peer_id", req.peer.String()),
			slog.String("protocol", req.protocol.String()),
			slog.Uint64("request_id", uint64(req.id)),
			slog.Any("error", err))
	}
}

func (e *Engine) removeOutbound(req *outboundRequest, abort bool) {
	key := requestKey{peer: req.peer, id: req.id}
	delete(e.outbound, key)
	if ps, ok := e.byPeer[req.peer]; ok {
		delete(ps.outbound, req.id)
	}
	ek := exclusiveKey{peer: req.peer, protocol: req.protocol}
	if rid, ok := e.exclusive[ek]; ok && rid == req.id {
		delete(e.exclusive, ek)
	}
	if req.cancelOpen != nil {
		req.cancelOpen()
	}
	if req.pipe != nil {
		delete(e.streams, req.pipe.id)
		if abort {
			e.abort(req.pipe)
		} else {
			e.release(req.pipe)
		}
	}
	e.forgetPeerIfIdle(req.peer)
}

func (e *Engine) outboundSnapshot() []*outboundRequest {
	out := make([]*outboundRequest, 0, len(e.outbound))
	for _, req := range e.outbound {
		out = append(out, req)
	}
	return out
}
