// Package transfer implements the chunked, flow-controlled transfer channel
// that lets a client exchange payloads larger than one link packet over a
// single read/write/notify characteristic. One channel owns one data buffer;
// remote frames funnel through a bounded queue into a single worker so every
// state transition is serialized, while local producers block on a condition
// variable until the channel is idle.
package transfer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"brite-server/internal/infra/async"
	"brite-server/internal/transfer/wire"
)

// ErrBusy reports that the ingress queue is full. The link layer surfaces it
// to the remote side as a rejected write so the peer can retry.
var ErrBusy = errors.New("transfer: ingress queue full")

// ingressQueueSize bounds buffered remote frames per channel.
const ingressQueueSize = 10

// State is the transfer state of a channel. The buffer is mutated only while
// Idle (by a local producer, under lock) or Writing (by the worker).
type State int

const (
	StateIdle State = iota
	StateReading
	StateWriting
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateWriting:
		return "writing"
	default:
		return "idle"
	}
}

// Notifier delivers an encoded device-to-client notification over the link.
type Notifier interface {
	Notify(frame []byte)
}

// WriteFinishFunc runs after a completed write session with a copy of the
// received payload. An error is reported to the client as an Error notify.
type WriteFinishFunc func(ctx context.Context, value []byte) error

type ingressFrame struct {
	data []byte
	mtu  uint16
}

// Channel is one transfer characteristic. OnWrite and OnRead are safe for
// concurrent invocation from link callback contexts; GetValue and SetValue
// are safe from any goroutine and block while a remote session is in flight.
type Channel struct {
	name          string
	onWriteFinish WriteFinishFunc

	ingress chan ingressFrame

	mu        sync.Mutex
	cond      *sync.Cond
	notifier  Notifier
	state     State
	data      []byte
	cursor    uint32
	readMeta  *wire.MetaData
	writeMeta *wire.MetaData
	mtu       uint16
}

var _ async.Worker = (*Channel)(nil)

func NewChannel(name string, onWriteFinish WriteFinishFunc) *Channel {
	c := &Channel{
		name:          name,
		onWriteFinish: onWriteFinish,
		ingress:       make(chan ingressFrame, ingressQueueSize),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Name identifies the channel in topics and logs.
func (c *Channel) Name() string { return c.name }

// SetNotifier binds the link used for notifications. Links are constructed
// after their channels, so this is a late binding.
func (c *Channel) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

// OnWrite receives one raw remote frame. It never blocks: a full queue is a
// definite reject, not a silent drop.
func (c *Channel) OnWrite(frame []byte, mtu uint16) error {
	c.mu.Lock()
	if mtu > 0 {
		c.mtu = mtu
	}
	c.mu.Unlock()

	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case c.ingress <- ingressFrame{data: buf, mtu: mtu}:
		return nil
	default:
		slog.Warn("rejecting remote write", slog.String("channel", c.name))
		return ErrBusy
	}
}

// OnRead serves one read access. It is invoked synchronously by the link and
// must never block: it computes a chunk under the lock and returns. Outside
// an active read session, or once the cursor reaches the session size, the
// response is empty.
func (c *Channel) OnRead(mtu uint16) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReading || c.readMeta == nil {
		return nil
	}
	if c.cursor >= c.readMeta.TotalSize || mtu <= wire.ChunkHeaderSize {
		return nil
	}

	chunk := wire.ChunkMetaData{
		ID:        c.readMeta.ID,
		Start:     c.cursor,
		ChunkSize: min(uint32(mtu)-wire.ChunkHeaderSize, c.readMeta.TotalSize-c.cursor),
	}
	frame := make([]byte, 0, wire.ChunkHeaderSize+chunk.ChunkSize)
	frame = append(frame, chunk.Encode()...)
	frame = append(frame, c.data[chunk.Start:chunk.Start+chunk.ChunkSize]...)
	return frame
}

// GetValue blocks until the channel is idle, then returns a copy of the
// buffer.
func (c *Channel) GetValue() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state != StateIdle {
		c.cond.Wait()
	}
	value := make([]byte, len(c.data))
	copy(value, c.data)
	return value
}

// SetValue blocks until the channel is idle, replaces the buffer and sends
// DataUpdate so a subscribed client knows to re-read.
func (c *Channel) SetValue(value []byte) {
	c.mu.Lock()
	for c.state != StateIdle {
		c.cond.Wait()
	}
	c.data = make([]byte, len(value))
	copy(c.data, value)
	c.mu.Unlock()

	c.notify(wire.DataUpdate{})
}

// NotifyUpdate sends DataUpdate without touching the buffer, for callers
// whose mutation already reached the backing store.
func (c *Channel) NotifyUpdate() {
	c.notify(wire.DataUpdate{})
}

// Run consumes the ingress queue and drives the state machine. Exactly one
// Run per channel; it is the only goroutine executing transitions.
func (c *Channel) Run(ctx context.Context, done func()) {
	slog.Debug("transfer channel worker started", slog.String("channel", c.name))
	defer done()
	for {
		select {
		case <-ctx.Done():
			slog.Info("transfer channel worker cancelled", slog.String("channel", c.name))
			return
		case frame := <-c.ingress:
			c.handleFrame(ctx, frame)
		}
	}
}

func (c *Channel) Shutdown() {}

func (c *Channel) handleFrame(ctx context.Context, frame ingressFrame) {
	msg, _, err := wire.DecodeRequest(frame.data)
	if err != nil {
		// A link may deliver corrupted or adversarial frames; answer and
		// keep the worker alive.
		slog.Warn("undecodable frame",
			slog.String("channel", c.name),
			slog.Any("error", err))
		c.notify(wire.Error{Text: "invalid message"})
		return
	}

	switch m := msg.(type) {
	case wire.StartRead:
		c.handleStartRead()
	case wire.ReadReceive:
		c.handleReadReceive(m)
	case wire.ReadFinish:
		c.handleReadFinish()
	case wire.StartWrite:
		c.handleStartWrite(m)
	case wire.Write:
		c.handleWrite(ctx, m)
	}
}

func (c *Channel) handleStartRead() {
	meta := wire.MetaData{ID: nonce()}

	c.mu.Lock()
	meta.TotalSize = uint32(len(c.data))
	c.readMeta = &meta
	c.cursor = 0
	c.state = StateReading
	c.mu.Unlock()

	slog.Debug("read session started",
		slog.String("channel", c.name),
		slog.Uint64("id", uint64(meta.ID)),
		slog.Uint64("total_size", uint64(meta.TotalSize)))
	c.notify(wire.ReadReady{Meta: meta})
}

func (c *Channel) handleReadReceive(m wire.ReadReceive) {
	c.mu.Lock()
	if c.state != StateReading || c.readMeta == nil {
		c.mu.Unlock()
		c.notify(wire.Error{Text: "no read session"})
		return
	}
	// The cursor only moves forward and never past the session snapshot;
	// a decreasing or out-of-range ack leaves it untouched.
	if m.NextStart < c.cursor || m.NextStart > c.readMeta.TotalSize {
		c.mu.Unlock()
		c.notify(wire.Error{Text: "read cursor out of range"})
		return
	}
	c.cursor = m.NextStart
	c.mu.Unlock()
}

func (c *Channel) handleReadFinish() {
	c.mu.Lock()
	c.state = StateIdle
	c.readMeta = nil
	c.cond.Broadcast()
	c.mu.Unlock()
	slog.Debug("read session finished", slog.String("channel", c.name))
}

func (c *Channel) handleStartWrite(m wire.StartWrite) {
	c.mu.Lock()
	meta := m.Meta
	c.writeMeta = &meta
	c.data = nil
	c.state = StateWriting
	mtu := c.mtu
	c.mu.Unlock()

	slog.Debug("write session started",
		slog.String("channel", c.name),
		slog.Uint64("id", uint64(meta.ID)),
		slog.Uint64("total_size", uint64(meta.TotalSize)),
		slog.Uint64("mtu", uint64(mtu)))
	c.notify(wire.WriteReady{MTU: mtu})
}

func (c *Channel) handleWrite(ctx context.Context, m wire.Write) {
	c.mu.Lock()
	if c.state != StateWriting || c.writeMeta == nil || c.writeMeta.ID != m.Chunk.ID {
		c.mu.Unlock()
		c.notify(wire.Error{Text: "write failed"})
		return
	}

	c.data = append(c.data, m.Payload...)
	next := m.Chunk.Start + m.Chunk.ChunkSize
	if next < c.writeMeta.TotalSize {
		c.mu.Unlock()
		c.notify(wire.WriteReceive{NextStart: next})
		return
	}

	// Session complete. The buffer is cloned before state is released so
	// the completion callback never races a local producer overwriting the
	// live buffer.
	value := make([]byte, len(c.data))
	copy(value, c.data)
	c.state = StateIdle
	c.writeMeta = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	slog.Debug("write session finished",
		slog.String("channel", c.name),
		slog.Int("size", len(value)))
	c.notify(wire.WriteFinish{})

	if c.onWriteFinish == nil {
		return
	}
	if err := c.onWriteFinish(ctx, value); err != nil {
		slog.Error("write finish callback failed",
			slog.String("channel", c.name),
			slog.Any("error", err))
		c.notify(wire.Error{Text: err.Error()})
	}
}

func (c *Channel) notify(msg wire.Notification) {
	c.mu.Lock()
	n := c.notifier
	c.mu.Unlock()
	if n != nil {
		n.Notify(msg.Encode())
	}
}

// nonce returns a random session id. Session ids correlate the chunks of one
// transfer and keep a stale client session from cross-talking with a new one.
func nonce() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("transfer: reading random nonce: %v", err))
	}
	return binary.LittleEndian.Uint32(b[:])
}
