package protocol

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{VersionMajor: 1, VersionMinor: 0, Length: 0x1234, ID: 0xdeadbeef}
	buf := EncodeHeader(h)
	if len(buf) != HeaderSize {
		t.Fatalf("encoded length: got %d, want %d", len(buf), HeaderSize)
	}

	dec, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec != h {
		t.Errorf("header mismatch: got %+v, want %+v", dec, h)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	if err != ErrShortHeader {
		t.Errorf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadHeader(t *testing.T) {
	h := Header{VersionMajor: 1, VersionMinor: 0, Length: 7, ID: 99}
	buf := EncodeHeader(h)
	dec, err := ReadHeader(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if dec != h {
		t.Errorf("header mismatch: got %+v, want %+v", dec, h)
	}
}

func TestReadHeaderShort(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader([]byte{1, 2, 3}))
	if err == nil {
		t.Error("expected error for short read")
	}
}

func TestEncodeResponse(t *testing.T) {
	result := []byte{0xaa, 0xbb, 0xcc}
	buf := EncodeResponse(42, result)

	h, err := ReadHeader(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.ID != 42 {
		t.Errorf("id: got %d, want 42", h.ID)
	}
	if h.VersionMajor != VersionMajor || h.VersionMinor != VersionMinor {
		t.Errorf("version: got %d.%d", h.VersionMajor, h.VersionMinor)
	}

	items, err := DecodeItems(buf[HeaderSize:])
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	op, ok := items[TagOpcode]
	if !ok || Op(op[0]) != OpResponse {
		t.Errorf("opcode item: got %v", op)
	}
	payload, ok := items[TagPayload]
	if !ok || !bytes.Equal(payload, result) {
		t.Errorf("payload item: got %v, want %v", payload, result)
	}
}

func TestEncodeError(t *testing.T) {
	buf := EncodeError(7, ErrKeyNotFound)

	h, err := ReadHeader(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.ID != 7 {
		t.Errorf("id: got %d, want 7", h.ID)
	}

	items, err := DecodeItems(buf[HeaderSize:])
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	op, ok := items[TagOpcode]
	if !ok || Op(op[0]) != OpError {
		t.Errorf("opcode item: got %v", op)
	}
	code, ok := items[TagError]
	if !ok || ErrorCode(code[0]) != ErrKeyNotFound {
		t.Errorf("error item: got %v, want %v", code, ErrKeyNotFound)
	}
}
