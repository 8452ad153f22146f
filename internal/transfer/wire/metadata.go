package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// MetaDataSize is the encoded size of MetaData.
	MetaDataSize = 8
	// ChunkHeaderSize is the encoded size of ChunkMetaData. A read access
	// response is ChunkMetaData followed by payload, so the usable chunk
	// payload for a negotiated MTU is mtu - ChunkHeaderSize.
	ChunkHeaderSize = 12
)

// MetaData identifies one transfer session. ID is a random nonce chosen when
// the session starts; TotalSize is a snapshot of the buffer length at session
// start and cannot change mid-session.
type MetaData struct {
	ID        uint32
	TotalSize uint32
}

func (m MetaData) appendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, m.ID)
	dst = binary.LittleEndian.AppendUint32(dst, m.TotalSize)
	return dst
}

// DecodeMetaData parses a MetaData from the front of data and returns the
// unconsumed remainder.
func DecodeMetaData(data []byte) (MetaData, []byte, error) {
	if len(data) < MetaDataSize {
		return MetaData{}, nil, fmt.Errorf("metadata: need %d bytes, have %d", MetaDataSize, len(data))
	}
	m := MetaData{
		ID:        binary.LittleEndian.Uint32(data[0:4]),
		TotalSize: binary.LittleEndian.Uint32(data[4:8]),
	}
	return m, data[MetaDataSize:], nil
}

// ChunkMetaData identifies one chunk within a session. ID must match the
// session MetaData.ID or the chunk is rejected; Start is the byte offset of
// the chunk and ChunkSize its payload length.
type ChunkMetaData struct {
	ID        uint32
	Start     uint32
	ChunkSize uint32
}

func (c ChunkMetaData) appendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, c.ID)
	dst = binary.LittleEndian.AppendUint32(dst, c.Start)
	dst = binary.LittleEndian.AppendUint32(dst, c.ChunkSize)
	return dst
}

// Encode returns the 12-byte wire form, used as the header of a read access
// response.
func (c ChunkMetaData) Encode() []byte {
	return c.appendTo(make([]byte, 0, ChunkHeaderSize))
}

// DecodeChunkMetaData parses a ChunkMetaData from the front of data and
// returns the unconsumed remainder.
func DecodeChunkMetaData(data []byte) (ChunkMetaData, []byte, error) {
	if len(data) < ChunkHeaderSize {
		return ChunkMetaData{}, nil, fmt.Errorf("chunk metadata: need %d bytes, have %d", ChunkHeaderSize, len(data))
	}
	c := ChunkMetaData{
		ID:        binary.LittleEndian.Uint32(data[0:4]),
		Start:     binary.LittleEndian.Uint32(data[4:8]),
		ChunkSize: binary.LittleEndian.Uint32(data[8:12]),
	}
	return c, data[ChunkHeaderSize:], nil
}
