package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Request
	}{
		{name: "start read", msg: StartRead{}},
		{name: "read receive", msg: ReadReceive{NextStart: 480}},
		{name: "read finish", msg: ReadFinish{}},
		{name: "start write", msg: StartWrite{Meta: MetaData{ID: 0xdeadbeef, TotalSize: 1000}}},
		{name: "write chunk", msg: Write{
			Chunk:   ChunkMetaData{ID: 7, Start: 11, ChunkSize: 3},
			Payload: []byte{0xa, 0xb, 0xc},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, rest, err := DecodeRequest(tt.msg.Encode())
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
			assert.Empty(t, rest)
		})
	}
}

func TestDecodeNotification_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Notification
	}{
		{name: "write finish", msg: WriteFinish{}},
		{name: "data update", msg: DataUpdate{}},
		{name: "read ready", msg: ReadReady{Meta: MetaData{ID: 42, TotalSize: 128}}},
		{name: "write ready", msg: WriteReady{MTU: 247}},
		{name: "write receive", msg: WriteReceive{NextStart: 512}},
		{name: "error", msg: Error{Text: "write failed"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, rest, err := DecodeNotification(tt.msg.Encode())
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
			assert.Empty(t, rest)
		})
	}
}

func TestDecodeRequest_WireLayout(t *testing.T) {
	// Tag values and field order are the contract with deployed clients.
	msg := Write{
		Chunk:   ChunkMetaData{ID: 0x01020304, Start: 0x0a, ChunkSize: 2},
		Payload: []byte{0xff, 0xee},
	}
	assert.Equal(t, []byte{
		4,                      // tag
		0x04, 0x03, 0x02, 0x01, // id, little-endian
		0x0a, 0x00, 0x00, 0x00, // start
		0x02, 0x00, 0x00, 0x00, // chunk size
		0xff, 0xee, // payload
	}, msg.Encode())

	assert.Equal(t, []byte{0}, StartRead{}.Encode())
	assert.Equal(t, []byte{2}, ReadFinish{}.Encode())
	assert.Equal(t, []byte{3, 0x2a, 0, 0, 0, 0xe8, 0x03, 0, 0},
		StartWrite{Meta: MetaData{ID: 42, TotalSize: 1000}}.Encode())
}

func TestDecodeNotification_WireLayout(t *testing.T) {
	assert.Equal(t, []byte{3, 0xf7, 0x00}, WriteReady{MTU: 247}.Encode())
	assert.Equal(t, []byte{5, 'b', 'a', 'd'}, Error{Text: "bad"}.Encode())

	decoded, _, err := DecodeNotification([]byte{5, 'w', 'r', 'i', 't', 'e', ' ', 'f', 'a', 'i', 'l', 'e', 'd'})
	assert.NoError(t, err)
	assert.Equal(t, Error{Text: "write failed"}, decoded)
}

func TestDecodeRequest_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty frame", data: nil},
		{name: "unknown tag", data: []byte{9}},
		{name: "truncated read receive", data: []byte{1, 0x01}},
		{name: "truncated start write", data: []byte{3, 1, 2, 3}},
		{name: "truncated chunk header", data: []byte{4, 1, 2, 3, 4, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeRequest(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestDecodeRequest_Remainder(t *testing.T) {
	// Decoding consumes exactly one message; trailing bytes come back so a
	// framing layer could, in principle, pack several messages per frame.
	frame := append(ReadReceive{NextStart: 16}.Encode(), 0xaa, 0xbb)
	msg, rest, err := DecodeRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, ReadReceive{NextStart: 16}, msg)
	assert.Equal(t, []byte{0xaa, 0xbb}, rest)
}
