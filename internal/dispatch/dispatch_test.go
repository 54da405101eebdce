package dispatch

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/nebocrypt/keyholderd/internal/keystore"
	"github.com/nebocrypt/keyholderd/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func storeWithRSAKey(t *testing.T) (*keystore.Store, *rsa.PrivateKey) {
	t.Helper()
	dir := t.TempDir()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, "a.key"), block, 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := keystore.Load(dir, discardLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return store, key
}

func storeWithECDSAKey(t *testing.T) (*keystore.Store, *ecdsa.PrivateKey) {
	t.Helper()
	dir := t.TempDir()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ecdsa key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, "b.key"), block, 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := keystore.Load(dir, discardLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return store, key
}

func digestOfRSAPub(pub *rsa.PublicKey) keystore.Digest {
	return sha256.Sum256(x509.MarshalPKCS1PublicKey(pub))
}

func digestOfECDSAPub(pub *ecdsa.PublicKey) keystore.Digest {
	der, _ := x509.MarshalPKIXPublicKey(pub)
	return sha256.Sum256(der)
}

func TestPingEchoesPayload(t *testing.T) {
	store, _ := storeWithRSAKey(t)
	out, err := Execute(store, Request{Op: protocol.OpPing, Payload: []byte("abcdef\x00")})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !bytes.Equal(out, []byte("abcdef\x00")) {
		t.Errorf("echo mismatch: got %v", out)
	}
}

func TestRSASignSHA256Verifies(t *testing.T) {
	store, key := storeWithRSAKey(t)
	digest := sha256.Sum256([]byte("hello keyholderd"))

	out, err := Execute(store, Request{
		Op:      protocol.OpRSASignSHA256,
		KeyID:   digestOfRSAPub(&key.PublicKey),
		Payload: digest[:],
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], out); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestRSADecryptRoundTrip(t *testing.T) {
	store, key := storeWithRSAKey(t)
	plaintext := []byte("the quick brown fox")
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, &key.PublicKey, plaintext)
	if err != nil {
		t.Fatal(err)
	}

	out, err := Execute(store, Request{
		Op:      protocol.OpRSADecrypt,
		KeyID:   digestOfRSAPub(&key.PublicKey),
		Payload: ciphertext,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Errorf("decrypt mismatch: got %q, want %q", out, plaintext)
	}
}

func TestRSADecryptRawRoundTrip(t *testing.T) {
	store, key := storeWithRSAKey(t)
	m := big.NewInt(424242)
	c := new(big.Int).Exp(m, big.NewInt(int64(key.PublicKey.E)), key.PublicKey.N)
	ciphertext := c.Bytes()

	out, err := Execute(store, Request{
		Op:      protocol.OpRSADecryptRaw,
		KeyID:   digestOfRSAPub(&key.PublicKey),
		Payload: ciphertext,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := new(big.Int).SetBytes(out)
	if got.Cmp(m) != 0 {
		t.Errorf("raw decrypt mismatch: got %v, want %v", got, m)
	}
}

func TestECDSASignVerifies(t *testing.T) {
	store, key := storeWithECDSAKey(t)
	digest := sha256.Sum256([]byte("sign me"))

	out, err := Execute(store, Request{
		Op:      protocol.OpECDSASignSHA256,
		KeyID:   digestOfECDSAPub(&key.PublicKey),
		Payload: digest[:],
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !ecdsa.VerifyASN1(&key.PublicKey, digest[:], out) {
		t.Error("signature does not verify")
	}
}

func TestUnknownKeyIDReturnsKeyNotFound(t *testing.T) {
	store, key := storeWithRSAKey(t)
	digest := sha256.Sum256([]byte("x"))

	var bogus keystore.Digest
	copy(bogus[:], bytes.Repeat([]byte{0xff}, 32))

	_, err := Execute(store, Request{
		Op:      protocol.OpRSASignSHA256,
		KeyID:   bogus,
		Payload: digest[:],
	})
	failure, ok := err.(*Failure)
	if !ok || failure.Code != protocol.ErrKeyNotFound {
		t.Errorf("expected KEY_NOT_FOUND failure, got %v", err)
	}
	_ = key
}

func TestWrongKeyTypeReturnsBadOpcode(t *testing.T) {
	store, key := storeWithRSAKey(t)
	digest := sha256.Sum256([]byte("x"))

	_, err := Execute(store, Request{
		Op:      protocol.OpECDSASignSHA256,
		KeyID:   digestOfRSAPub(&key.PublicKey),
		Payload: digest[:],
	})
	failure, ok := err.(*Failure)
	if !ok || failure.Code != protocol.ErrBadOpcode {
		t.Errorf("expected BAD_OPCODE failure, got %v", err)
	}
}

func TestResponseOnlyOpcodeRejected(t *testing.T) {
	store, _ := storeWithRSAKey(t)
	_, err := Execute(store, Request{Op: protocol.OpResponse})
	failure, ok := err.(*Failure)
	if !ok || failure.Code != protocol.ErrUnexpectedOpcode {
		t.Errorf("expected UNEXPECTED_OPCODE failure, got %v", err)
	}
}
