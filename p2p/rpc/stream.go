package rpc

import (
	"context"
	"errors"
	"io"

	"github.com/libp2p/go-libp2p/core/peer"
)

const readChunkSize = 16 * 1024

// Stream is the duplex byte channel the transport provides for one logical
// request/response exchange. libp2p's network.Stream satisfies it.
type Stream interface {
	io.Reader
	io.Writer
	// CloseWrite half-closes the stream, signalling end of request.
	CloseWrite() error
	Close() error
	// Reset aborts the stream in both directions. It must not block.
	Reset() error
}

// StreamOpener opens outbound streams. Calls happen off the event loop.
type StreamOpener interface {
	OpenStream(ctx context.Context, id peer.ID, p Protocol) (Stream, error)
}

type streamID uint64

type ioKind uint8

const (
	ioData ioKind = iota
	ioReadErr
	ioWriteErr
	ioOpened
)

// IOEvent is posted by stream goroutines to the engine loop.
type IOEvent struct {
	kind   ioKind
	stream streamID
	data   []byte
	err    error

	// set for ioOpened
	request requestKey
	opened  Stream
}

type writeKind uint8

const (
	writeData writeKind = iota
	writeClose
)

type writeOp struct {
	kind writeKind
	data []byte
}

var errWriteQueueFull = errors.New("rpc: stream write queue full")

// pipe is the engine's handle on one attached stream.
type pipe struct {
	id     streamID
	peer   peer.ID
	stream Stream
	quit   chan struct{}
	writes chan writeOp
	done   bool
}

func (e *Engine) attach(id peer.ID, s Stream, writable bool) *pipe {
	e.nextStream++
	p := &pipe{
		id:     e.nextStream,
		peer:   id,
		stream: s,
		quit:   make(chan struct{}),
	}
	if writable {
		p.writes = make(chan writeOp, e.cfg.WriteQueue)
		go e.writeLoop(p)
	}
	go e.readLoop(p)
	e.metrics.streamOpened()
	return p
}

func (e *Engine) readLoop(p *pipe) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := p.stream.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if !e.post(p, IOEvent{kind: ioData, stream: p.id, data: chunk}) {
				return
			}
		}
		if err != nil {
			e.post(p, IOEvent{kind: ioReadErr, stream: p.id, err: err})
			return
		}
	}
}

func (e *Engine) writeLoop(p *pipe) {
	for op := range p.writes {
		var err error
		switch op.kind {
		case writeData:
			_, err = p.stream.Write(op.data)
		case writeClose:
			err = p.stream.Close()
		}
		if err != nil {
			_ = p.stream.Reset()
			e.post(p, IOEvent{kind: ioWriteErr, stream: p.id, err: err})
			for range p.writes {
			}
			return
		}
	}
}

// post hands an event to the loop unless the stream has been released.
func (e *Engine) post(p *pipe, ev IOEvent) bool {
	select {
	case e.io <- ev:
		return true
	case <-p.quit:
		return false
	case <-e.ctx.Done():
		return false
	}
}

// enqueue schedules a write without blocking the loop.
func (e *Engine) enqueue(p *pipe, op writeOp) error {
	if p.done || p.writes == nil {
		return ErrUnknownStream
	}
	select {
	case p.writes <- op:
		return nil
	default:
		return errWriteQueueFull
	}
}

// release detaches p from the loop. Queued writes are still flushed, ending
// with a close of the stream.
func (e *Engine) release(p *pipe) {
	if p.done {
		return
	}
	p.done = true
	close(p.quit)
	if p.writes != nil {
		select {
		case p.writes <- writeOp{kind: writeClose}:
		default:
			_ = p.stream.Reset()
		}
		close(p.writes)
	} else {
		go p.stream.Close()
	}
	e.metrics.streamClosed()
}

// abort resets the stream synchronously. Nothing read from it afterwards
// reaches the loop.
func (e *Engine) abort(p *pipe) {
	if p.done {
		return
	}
	p.done = true
	close(p.quit)
	_ = p.stream.Reset()
	if p.writes != nil {
		close(p.writes)
	}
	e.metrics.streamClosed()
}
