// Package protocol implements the 8-byte binary header and TLV item
// codec carried over mTLS connections to keyholderd.
//
// Header layout (8 bytes, network byte order):
//
//	[0]   version_major  uint8
//	[1]   version_minor  uint8
//	[2-3] length         uint16  (payload byte count)
//	[4-7] id             uint32  (opaque correlation id, echoed in the response)
package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	HeaderSize = 8

	// VersionMajor is the only request major version this server accepts.
	VersionMajor uint8 = 1
	VersionMinor uint8 = 0
)

var (
	ErrShortHeader = errors.New("protocol: header shorter than 8 bytes")
	ErrItemTooLong = errors.New("protocol: item length exceeds remaining payload")
)

// Header is the fixed 8-byte header preceding every frame's payload.
type Header struct {
	VersionMajor uint8
	VersionMinor uint8
	Length       uint16
	ID           uint32
}

// DecodeHeader parses an 8-byte buffer into a Header. Version is not
// validated here — the connection state machine checks it against
// VersionMajor and answers ERROR(VERSION_MISMATCH) itself.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		VersionMajor: buf[0],
		VersionMinor: buf[1],
		Length:       binary.BigEndian.Uint16(buf[2:4]),
		ID:           binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// EncodeHeader serializes h into an 8-byte buffer.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.VersionMajor
	buf[1] = h.VersionMinor
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint32(buf[4:8], h.ID)
	return buf
}

// ReadHeader reads exactly one header from r.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}
	return DecodeHeader(buf)
}

// EncodeResponse builds a RESPONSE frame's wire bytes: header + an
// OPCODE item (OpResponse) + a PAYLOAD item carrying result.
func EncodeResponse(id uint32, result []byte) []byte {
	body := EncodeItems([]Item{
		{Tag: TagOpcode, Data: []byte{byte(OpResponse)}},
		{Tag: TagPayload, Data: result},
	})
	return append(EncodeHeader(Header{
		VersionMajor: VersionMajor,
		VersionMinor: VersionMinor,
		Length:       uint16(len(body)),
		ID:           id,
	}), body...)
}

// EncodeError builds an ERROR frame's wire bytes: header + an OPCODE
// item (OpError) + an ERROR item carrying the single error code byte.
func EncodeError(id uint32, code ErrorCode) []byte {
	body := EncodeItems([]Item{
		{Tag: TagOpcode, Data: []byte{byte(OpError)}},
		{Tag: TagError, Data: []byte{byte(code)}},
	})
	return append(EncodeHeader(Header{
		VersionMajor: VersionMajor,
		VersionMinor: VersionMinor,
		Length:       uint16(len(body)),
		ID:           id,
	}), body...)
}
