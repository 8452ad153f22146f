package transfer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"brite-server/internal/transfer/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	frames chan []byte
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{frames: make(chan []byte, 64)}
}

func (n *captureNotifier) Notify(frame []byte) {
	n.frames <- frame
}

func (n *captureNotifier) next(t *testing.T) wire.Notification {
	t.Helper()
	select {
	case frame := <-n.frames:
		msg, _, err := wire.DecodeNotification(frame)
		require.NoError(t, err)
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func startChannel(t *testing.T, onWriteFinish WriteFinishFunc) (*Channel, *captureNotifier) {
	t.Helper()
	ch := NewChannel("scene", onWriteFinish)
	notifier := newCaptureNotifier()
	ch.SetNotifier(notifier)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go ch.Run(ctx, func() { close(stopped) })
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return ch, notifier
}

// waitChunk polls OnRead until the served chunk starts at wantStart,
// tolerating the asynchronous worker not having applied an ack yet.
func waitChunk(t *testing.T, ch *Channel, mtu uint16, wantStart uint32) (wire.ChunkMetaData, []byte) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		frame := ch.OnRead(mtu)
		if frame != nil {
			chunk, payload, err := wire.DecodeChunkMetaData(frame)
			require.NoError(t, err)
			if chunk.Start == wantStart {
				return chunk, payload
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no chunk served at offset %d", wantStart)
	return wire.ChunkMetaData{}, nil
}

func TestChannel_ReadSession_EndToEnd(t *testing.T) {
	ch, notifier := startChannel(t, nil)

	value := make([]byte, 1000)
	for i := range value {
		value[i] = byte(i % 251)
	}
	ch.SetValue(value)
	notifier.next(t) // DataUpdate from SetValue

	require.NoError(t, ch.OnWrite(wire.StartRead{}.Encode(), 23))
	ready, ok := notifier.next(t).(wire.ReadReady)
	require.True(t, ok)
	assert.Equal(t, uint32(1000), ready.Meta.TotalSize)

	// mtu 23 leaves 11 payload bytes after the 12-byte chunk header.
	var got bytes.Buffer
	var offset uint32
	for offset < ready.Meta.TotalSize {
		chunk, payload := waitChunk(t, ch, 23, offset)
		assert.Equal(t, ready.Meta.ID, chunk.ID)
		assert.Len(t, payload, int(chunk.ChunkSize))
		if offset+11 <= ready.Meta.TotalSize {
			assert.Equal(t, uint32(11), chunk.ChunkSize)
		}
		got.Write(payload)
		offset = chunk.Start + chunk.ChunkSize
		require.NoError(t, ch.OnWrite(wire.ReadReceive{NextStart: offset}.Encode(), 23))
	}
	assert.Equal(t, value, got.Bytes())

	require.NoError(t, ch.OnWrite(wire.ReadFinish{}.Encode(), 23))

	// Idle again: local producers unblock and no further chunks are served.
	assert.Equal(t, value, ch.GetValue())
	assert.Eventually(t, func() bool { return ch.OnRead(23) == nil },
		time.Second, time.Millisecond)
}

func TestChannel_ReadRetry_DoesNotAdvanceCursor(t *testing.T) {
	ch, notifier := startChannel(t, nil)
	ch.SetValue([]byte("abcdefghij"))
	notifier.next(t)

	require.NoError(t, ch.OnWrite(wire.StartRead{}.Encode(), 16))
	notifier.next(t)

	// Physical read retries without an ack re-serve the same offset.
	first, payload1 := waitChunk(t, ch, 16, 0)
	second, payload2 := waitChunk(t, ch, 16, 0)
	assert.Equal(t, first, second)
	assert.Equal(t, payload1, payload2)
}

func TestChannel_ReadReceive_OutOfRange(t *testing.T) {
	ch, notifier := startChannel(t, nil)
	ch.SetValue(make([]byte, 100))
	notifier.next(t)

	require.NoError(t, ch.OnWrite(wire.StartRead{}.Encode(), 23))
	notifier.next(t)

	require.NoError(t, ch.OnWrite(wire.ReadReceive{NextStart: 44}.Encode(), 23))
	waitChunk(t, ch, 23, 44)

	// Decreasing ack is rejected and the cursor holds.
	require.NoError(t, ch.OnWrite(wire.ReadReceive{NextStart: 11}.Encode(), 23))
	errNotify, ok := notifier.next(t).(wire.Error)
	require.True(t, ok)
	assert.Equal(t, "read cursor out of range", errNotify.Text)
	waitChunk(t, ch, 23, 44)

	// Past the session snapshot is rejected as well.
	require.NoError(t, ch.OnWrite(wire.ReadReceive{NextStart: 101}.Encode(), 23))
	_, ok = notifier.next(t).(wire.Error)
	require.True(t, ok)
}

func TestChannel_WriteSession_EndToEnd(t *testing.T) {
	var finished [][]byte
	ch, notifier := startChannel(t, func(_ context.Context, value []byte) error {
		finished = append(finished, value)
		return nil
	})

	payload := []byte("the quick brown fox jumps over")
	require.NoError(t, ch.OnWrite(wire.StartWrite{
		Meta: wire.MetaData{ID: 77, TotalSize: uint32(len(payload))},
	}.Encode(), 27))
	ready, ok := notifier.next(t).(wire.WriteReady)
	require.True(t, ok)
	assert.Equal(t, uint16(27), ready.MTU)

	require.NoError(t, ch.OnWrite(wire.Write{
		Chunk:   wire.ChunkMetaData{ID: 77, Start: 0, ChunkSize: 15},
		Payload: payload[:15],
	}.Encode(), 27))
	receive, ok := notifier.next(t).(wire.WriteReceive)
	require.True(t, ok)
	assert.Equal(t, uint32(15), receive.NextStart)

	require.NoError(t, ch.OnWrite(wire.Write{
		Chunk:   wire.ChunkMetaData{ID: 77, Start: 15, ChunkSize: 15},
		Payload: payload[15:],
	}.Encode(), 27))
	_, ok = notifier.next(t).(wire.WriteFinish)
	require.True(t, ok)

	assert.Equal(t, payload, ch.GetValue())
	require.Len(t, finished, 1)
	assert.Equal(t, payload, finished[0])
}

func TestChannel_WriteInIdle_Rejected(t *testing.T) {
	ch, notifier := startChannel(t, nil)
	ch.SetValue([]byte("untouched"))
	notifier.next(t)

	require.NoError(t, ch.OnWrite(wire.Write{
		Chunk:   wire.ChunkMetaData{ID: 7, Start: 0, ChunkSize: 3},
		Payload: []byte("bad"),
	}.Encode(), 23))

	errNotify, ok := notifier.next(t).(wire.Error)
	require.True(t, ok)
	assert.Equal(t, "write failed", errNotify.Text)
	assert.Equal(t, []byte("untouched"), ch.GetValue())
}

func TestChannel_WriteSessionID_Isolation(t *testing.T) {
	ch, notifier := startChannel(t, nil)

	require.NoError(t, ch.OnWrite(wire.StartWrite{
		Meta: wire.MetaData{ID: 1, TotalSize: 6},
	}.Encode(), 23))
	notifier.next(t)

	// A chunk from a stale session must not reach the buffer.
	require.NoError(t, ch.OnWrite(wire.Write{
		Chunk:   wire.ChunkMetaData{ID: 2, Start: 0, ChunkSize: 3},
		Payload: []byte("old"),
	}.Encode(), 23))
	errNotify, ok := notifier.next(t).(wire.Error)
	require.True(t, ok)
	assert.Equal(t, "write failed", errNotify.Text)

	require.NoError(t, ch.OnWrite(wire.Write{
		Chunk:   wire.ChunkMetaData{ID: 1, Start: 0, ChunkSize: 6},
		Payload: []byte("newval"),
	}.Encode(), 23))
	_, ok = notifier.next(t).(wire.WriteFinish)
	require.True(t, ok)
	assert.Equal(t, []byte("newval"), ch.GetValue())
}

func TestChannel_LocalProducer_BlocksDuringWrite(t *testing.T) {
	ch, notifier := startChannel(t, nil)

	require.NoError(t, ch.OnWrite(wire.StartWrite{
		Meta: wire.MetaData{ID: 5, TotalSize: 8},
	}.Encode(), 23))
	notifier.next(t)

	setDone := make(chan struct{})
	go func() {
		ch.SetValue([]byte("local"))
		close(setDone)
	}()

	select {
	case <-setDone:
		t.Fatal("SetValue completed while a write session was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, ch.OnWrite(wire.Write{
		Chunk:   wire.ChunkMetaData{ID: 5, Start: 0, ChunkSize: 8},
		Payload: []byte("remote!!"),
	}.Encode(), 23))

	select {
	case <-setDone:
	case <-time.After(time.Second):
		t.Fatal("SetValue still blocked after the session went idle")
	}
	assert.Equal(t, []byte("local"), ch.GetValue())
}

func TestChannel_WriteFinishCallbackError_Notified(t *testing.T) {
	ch, notifier := startChannel(t, func(_ context.Context, _ []byte) error {
		return errors.New("scene rejected")
	})

	require.NoError(t, ch.OnWrite(wire.StartWrite{
		Meta: wire.MetaData{ID: 9, TotalSize: 2},
	}.Encode(), 23))
	notifier.next(t)
	require.NoError(t, ch.OnWrite(wire.Write{
		Chunk:   wire.ChunkMetaData{ID: 9, Start: 0, ChunkSize: 2},
		Payload: []byte("{}"),
	}.Encode(), 23))

	_, ok := notifier.next(t).(wire.WriteFinish)
	require.True(t, ok)
	errNotify, ok := notifier.next(t).(wire.Error)
	require.True(t, ok)
	assert.Equal(t, "scene rejected", errNotify.Text)
}

func TestChannel_MalformedFrame_Notified(t *testing.T) {
	ch, notifier := startChannel(t, nil)

	require.NoError(t, ch.OnWrite([]byte{0x09}, 23))
	errNotify, ok := notifier.next(t).(wire.Error)
	require.True(t, ok)
	assert.Equal(t, "invalid message", errNotify.Text)

	// The worker survives and the channel stays usable.
	require.NoError(t, ch.OnWrite(wire.StartRead{}.Encode(), 23))
	_, ok = notifier.next(t).(wire.ReadReady)
	require.True(t, ok)
}

func TestChannel_IngressBackpressure(t *testing.T) {
	// No worker: the queue fills and the next write is a definite reject.
	ch := NewChannel("scene", nil)
	frame := wire.StartRead{}.Encode()
	for range ingressQueueSize {
		require.NoError(t, ch.OnWrite(frame, 23))
	}
	assert.ErrorIs(t, ch.OnWrite(frame, 23), ErrBusy)
}

func TestChannel_OnRead_OutsideSession_Empty(t *testing.T) {
	ch := NewChannel("scene", nil)
	assert.Nil(t, ch.OnRead(23))
}
