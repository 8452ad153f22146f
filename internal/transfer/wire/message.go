// Package wire implements the binary message alphabets exchanged over a
// transfer characteristic: client-to-device requests and device-to-client
// notifications. Every message starts with a one-byte tag; integer fields are
// little-endian. The tag values are the interoperability contract with
// deployed client applications and must not be renumbered.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Client-to-device tags.
const (
	tagStartRead byte = iota
	tagReadReceive
	tagReadFinish
	tagStartWrite
	tagWrite
)

// Device-to-client tags.
const (
	tagWriteFinish byte = iota
	tagDataUpdate
	tagReadReady
	tagWriteReady
	tagWriteReceive
	tagError
)

// Request is a client-to-device message.
type Request interface {
	Encode() []byte
	request()
}

// StartRead begins a read session.
type StartRead struct{}

// ReadReceive acknowledges consumption up to NextStart, advancing the
// device-held cursor.
type ReadReceive struct {
	NextStart uint32
}

// ReadFinish ends a read session.
type ReadFinish struct{}

// StartWrite begins a write session described by Meta.
type StartWrite struct {
	Meta MetaData
}

// Write carries one chunk of a write session.
type Write struct {
	Chunk   ChunkMetaData
	Payload []byte
}

func (StartRead) request()   {}
func (ReadReceive) request() {}
func (ReadFinish) request()  {}
func (StartWrite) request()  {}
func (Write) request()       {}

func (StartRead) Encode() []byte { return []byte{tagStartRead} }

func (m ReadReceive) Encode() []byte {
	return binary.LittleEndian.AppendUint32([]byte{tagReadReceive}, m.NextStart)
}

func (ReadFinish) Encode() []byte { return []byte{tagReadFinish} }

func (m StartWrite) Encode() []byte {
	return m.Meta.appendTo([]byte{tagStartWrite})
}

func (m Write) Encode() []byte {
	buf := m.Chunk.appendTo(make([]byte, 1, 1+ChunkHeaderSize+len(m.Payload)))
	buf[0] = tagWrite
	return append(buf, m.Payload...)
}

// DecodeRequest parses one client-to-device message from the front of data
// and returns the unconsumed remainder. Write consumes the whole remainder as
// its payload; the chunk header declares the payload length the client
// intends, which the channel validates against session state.
func DecodeRequest(data []byte) (Request, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("request: empty frame")
	}
	tag, rest := data[0], data[1:]
	switch tag {
	case tagStartRead:
		return StartRead{}, rest, nil
	case tagReadReceive:
		if len(rest) < 4 {
			return nil, nil, fmt.Errorf("read receive: truncated frame")
		}
		return ReadReceive{NextStart: binary.LittleEndian.Uint32(rest)}, rest[4:], nil
	case tagReadFinish:
		return ReadFinish{}, rest, nil
	case tagStartWrite:
		meta, rest, err := DecodeMetaData(rest)
		if err != nil {
			return nil, nil, fmt.Errorf("start write: %w", err)
		}
		return StartWrite{Meta: meta}, rest, nil
	case tagWrite:
		chunk, rest, err := DecodeChunkMetaData(rest)
		if err != nil {
			return nil, nil, fmt.Errorf("write: %w", err)
		}
		return Write{Chunk: chunk, Payload: rest}, nil, nil
	default:
		return nil, nil, fmt.Errorf("request: unknown tag %#x", tag)
	}
}

// Notification is a device-to-client message.
type Notification interface {
	Encode() []byte
	notification()
}

// WriteFinish reports that a write session completed.
type WriteFinish struct{}

// DataUpdate reports that the channel value changed out-of-band and a
// subscriber should re-read.
type DataUpdate struct{}

// ReadReady reports that a read session is armed.
type ReadReady struct {
	Meta MetaData
}

// WriteReady reports that a write session is armed and carries the MTU the
// client should chunk against.
type WriteReady struct {
	MTU uint16
}

// WriteReceive acknowledges a chunk and names the next expected offset.
type WriteReceive struct {
	NextStart uint32
}

// Error carries a human-readable protocol failure. The text consumes the rest
// of the frame; there is no length prefix.
type Error struct {
	Text string
}

func (WriteFinish) notification()  {}
func (DataUpdate) notification()   {}
func (ReadReady) notification()    {}
func (WriteReady) notification()   {}
func (WriteReceive) notification() {}
func (Error) notification()        {}

func (WriteFinish) Encode() []byte { return []byte{tagWriteFinish} }
func (DataUpdate) Encode() []byte  { return []byte{tagDataUpdate} }

func (m ReadReady) Encode() []byte {
	return m.Meta.appendTo([]byte{tagReadReady})
}

func (m WriteReady) Encode() []byte {
	return binary.LittleEndian.AppendUint16([]byte{tagWriteReady}, m.MTU)
}

func (m WriteReceive) Encode() []byte {
	return binary.LittleEndian.AppendUint32([]byte{tagWriteReceive}, m.NextStart)
}

func (m Error) Encode() []byte {
	return append([]byte{tagError}, m.Text...)
}

// DecodeNotification parses one device-to-client message from the front of
// data and returns the unconsumed remainder.
func DecodeNotification(data []byte) (Notification, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("notification: empty frame")
	}
	tag, rest := data[0], data[1:]
	switch tag {
	case tagWriteFinish:
		return WriteFinish{}, rest, nil
	case tagDataUpdate:
		return DataUpdate{}, rest, nil
	case tagReadReady:
		meta, rest, err := DecodeMetaData(rest)
		if err != nil {
			return nil, nil, fmt.Errorf("read ready: %w", err)
		}
		return ReadReady{Meta: meta}, rest, nil
	case tagWriteReady:
		if len(rest) < 2 {
			return nil, nil, fmt.Errorf("write ready: truncated frame")
		}
		return WriteReady{MTU: binary.LittleEndian.Uint16(rest)}, rest[2:], nil
	case tagWriteReceive:
		if len(rest) < 4 {
			return nil, nil, fmt.Errorf("write receive: truncated frame")
		}
		return WriteReceive{NextStart: binary.LittleEndian.Uint32(rest)}, rest[4:], nil
	case tagError:
		return Error{Text: string(rest)}, nil, nil
	default:
		return nil, nil, fmt.Errorf("notification: unknown tag %#x", tag)
	}
}
