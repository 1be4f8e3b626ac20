package stream

import (
	"context"
	"encoding/json"
	"log/slog"
)

// forwardBuffer bounds the number of produced-but-undelivered chunks.
const forwardBuffer = 64

// wireChunk is a Chunk tagged with its stream id for the client.
type wireChunk struct {
	StreamID string `json:"stream_id"`
	Chunk
}

// Forwarder delivers one stream's chunks to a session in FIFO order. Under
// back-pressure it coalesces runs of text/status chunks into one frame;
// tool_use, tool_result, error and final chunks are always delivered
// distinct, in order, and the final chunk exactly once.
type Forwarder struct {
	session  *Session
	streamID string
	in       chan Chunk
	done     chan struct{}
}

// NewForwarder starts the delivery goroutine and registers the stream's
// cancel func with the session so a client cancel or disconnect stops the
// producer.
func NewForwarder(session *Session, streamID string, cancel context.CancelFunc) *Forwarder {
	f := &Forwarder{
		session:  session,
		streamID: streamID,
		in:       make(chan Chunk, forwardBuffer),
		done:     make(chan struct{}),
	}
	session.RegisterStream(streamID, cancel)
	go f.run()
	return f
}

// Send queues a chunk, preserving production order. Blocks when the buffer
// is full; returns early if the session dies or the producer's context ends.
func (f *Forwarder) Send(ctx context.Context, c Chunk) error {
	select {
	case f.in <- c:
		return nil
	case <-f.session.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream. If the producer never emitted a final chunk (e.g.
// it errored out), a bare final is synthesized so the client always sees
// exactly one is_final=true.
func (f *Forwarder) Close() {
	close(f.in)
	<-f.done
}

func (f *Forwarder) run() {
	defer func() {
		f.session.UnregisterStream(f.streamID)
		close(f.done)
	}()

	finalSent := false
	for c := range f.in {
		if finalSent {
			// Nothing may follow the final chunk.
			slog.Warn("[Stream] Chunk after final dropped", "stream_id", f.streamID, "type", c.Type)
			continue
		}
		if c.IsFinal || c.Type == ChunkFinal {
			c.IsFinal = true
			finalSent = true
			f.deliver(c)
			continue
		}

		if coalescible(c.Type) {
			// Fast path first; only merge when the session can't keep up.
			if f.session.tryWrite(f.marshal(c)) {
				continue
			}
			c = f.coalesce(c)
			if c.IsFinal {
				finalSent = true
			}
		}
		f.deliver(c)
	}

	if !finalSent {
		f.deliver(Chunk{Type: ChunkFinal, IsFinal: true})
	}
}

// coalesce merges queued chunks of the same type into c while the session is
// congested. It stops at the first chunk of a different type, which is
// re-delivered separately to preserve order.
func (f *Forwarder) coalesce(c Chunk) Chunk {
	for {
		select {
		case next, ok := <-f.in:
			if !ok {
				return c
			}
			if next.Type == c.Type && !next.IsFinal {
				c.Content += next.Content
				continue
			}
			// Different type: flush what we have, then hand the pending
			// chunk straight to delivery.
			f.deliver(c)
			if next.IsFinal || next.Type == ChunkFinal {
				next.IsFinal = true
			}
			return next
		default:
			return c
		}
	}
}

func (f *Forwarder) deliver(c Chunk) {
	if err := f.session.write(f.marshal(c)); err != nil {
		// Session gone; the producer notices via Send/ctx.
		slog.Info("[Stream] Delivery stopped", "stream_id", f.streamID, "error", err)
	}
}

func (f *Forwarder) marshal(c Chunk) []byte {
	msg, err := json.Marshal(wireChunk{StreamID: f.streamID, Chunk: c})
	if err != nil {
		msg, _ = json.Marshal(wireChunk{StreamID: f.streamID, Chunk: Chunk{Type: ChunkError, Content: "marshal failure"}})
	}
	return msg
}
