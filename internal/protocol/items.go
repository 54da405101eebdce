package protocol

import (
	"encoding/binary"
	"errors"
)

// Tag identifies the kind of data carried by an Item.
type Tag uint8

const (
	TagOpcode  Tag = 0x01 // 1-byte operation code
	TagPayload Tag = 0x02 // opaque bytes the operation consumes or returns
	TagKeyID   Tag = 0x03 // SHA-256 digest identifying a key
	TagError   Tag = 0xFF // 1-byte error code (response only)
)

const itemHeaderSize = 3 // 1-byte tag + 2-byte big-endian length

// ErrFormat is returned when a payload's items are inconsistent with
// its declared size. It maps onto the wire ErrorCode FORMAT.
var ErrFormat = errors.New("protocol: malformed item sequence")

// Item is one TLV entry inside a frame's payload.
type Item struct {
	Tag  Tag
	Data []byte
}

// EncodeItems serializes a sequence of items into a single payload
// buffer. The caller owns the returned slice.
func EncodeItems(items []Item) []byte {
	size := 0
	for _, it := range items {
		size += itemHeaderSize + len(it.Data)
	}
	buf := make([]byte, size)
	off := 0
	for _, it := range items {
		buf[off] = byte(it.Tag)
		binary.BigEndian.PutUint16(buf[off+1:off+3], uint16(len(it.Data)))
		copy(buf[off+3:], it.Data)
		off += itemHeaderSize + len(it.Data)
	}
	return buf
}

// DecodeItems parses a payload buffer into a tag-indexed map of items.
// Each item's declared length must not exceed the remaining bytes, or
// ErrFormat is returned. Duplicate tags: the last occurrence wins, per
// the source behavior (spec.md §9 — an implementation MAY tighten this
// but tests must not depend on either choice).
func DecodeItems(payload []byte) (map[Tag][]byte, error) {
	items := make(map[Tag][]byte, 4)
	off := 0
	for off < len(payload) {
		if off+itemHeaderSize > len(payload) {
			return nil, ErrFormat
		}
		tag := Tag(payload[off])
		length := int(binary.BigEndian.Uint16(payload[off+1 : off+3]))
		off += itemHeaderSize
		if off+length > len(payload) {
			return nil, ErrFormat
		}
		items[tag] = payload[off : off+length]
		off += length
	}
	return items, nil
}
