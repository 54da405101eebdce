// Package keystore loads private keys from a directory and resolves
// them by the SHA-256 digest of their public material.
package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Digest is the SHA-256 digest that identifies a key on the wire.
type Digest [sha256.Size]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// KeyKind distinguishes the two signature algorithm families a Record
// can serve.
type KeyKind int

const (
	KindRSA KeyKind = iota
	KindECDSA
)

// Record is one loaded private key, indexed by its Digest.
type Record struct {
	Digest Digest
	Kind   KeyKind
	RSA    *rsa.PrivateKey
	ECDSA  *ecdsa.PrivateKey
}

// Signer returns the crypto.Signer backing this record, regardless of kind.
func (r *Record) Signer() crypto.Signer {
	if r.Kind == KindRSA {
		return r.RSA
	}
	return r.ECDSA
}

var (
	// ErrNoKeysLoaded is returned by Load when a directory contains no
	// usable *.key files. A keyholderd with no keys cannot serve any
	// request, so callers must treat this as a fatal startup error.
	ErrNoKeysLoaded = errors.New("keystore: no private keys loaded")

	// ErrNotFound is returned by Lookup when no record matches a digest.
	ErrNotFound = errors.New("keystore: key not found")
)

// Store is an immutable, concurrency-safe collection of Records keyed
// by digest. Once Load returns, a Store is never mutated — every
// worker process builds and owns its own Store.
type Store struct {
	records map[Digest]*Record
}

// Load reads every "*.key" file directly under dir, parses it as a PEM
// private key, and indexes it by the SHA-256 digest of its public
// material. Non-".key" files are ignored. Returns ErrNoKeysLoaded if
// the directory yields zero usable keys.
func Load(dir string, log *slog.Logger) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("keystore: read directory %s: %w", dir, err)
	}

	s := &Store{records: make(map[Digest]*Record)}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".key" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		rec, err := loadOne(path)
		if err != nil {
			log.Warn("skipping unreadable private key", "path", path, "error", err)
			continue
		}

		s.records[rec.Digest] = rec
		log.Info("loaded private key", "path", path, "digest", rec.Digest, "kind", kindName(rec.Kind))
	}

	if len(s.records) == 0 {
		return nil, ErrNoKeysLoaded
	}
	return s, nil
}

func loadOne(path string) (*Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	key, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		digest, err := rsaDigest(&k.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("digest: %w", err)
		}
		return &Record{Digest: digest, Kind: KindRSA, RSA: k}, nil
	case *ecdsa.PrivateKey:
		digest, err := ecdsaDigest(&k.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("digest: %w", err)
		}
		return &Record{Digest: digest, Kind: KindECDSA, ECDSA: k}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
}

// parsePrivateKey tries every private key encoding x509 supports, in
// the order a key file produced by any common CA tooling is likely to
// use: PKCS#8 (OpenSSL default since 1.1.0), then PKCS#1 (RSA-only,
// "BEGIN RSA PRIVATE KEY"), then SEC1 (EC-only, "BEGIN EC PRIVATE KEY").
func parsePrivateKey(der []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unrecognized private key encoding")
}

// rsaDigest is the SHA-256 of the RSAPublicKey ASN.1 DER encoding
// (modulus + public exponent).
func rsaDigest(pub *rsa.PublicKey) (Digest, error) {
	der := x509.MarshalPKCS1PublicKey(pub)
	return sha256.Sum256(der), nil
}

// ecdsaDigest is the SHA-256 of the SubjectPublicKeyInfo DER encoding,
// since ECDSA public keys have no RSA-style bare-modulus form.
func ecdsaDigest(pub *ecdsa.PublicKey) (Digest, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return Digest{}, err
	}
	return sha256.Sum256(der), nil
}

// Lookup resolves a digest to its Record, or ErrNotFound.
func (s *Store) Lookup(d Digest) (*Record, error) {
	rec, ok := s.records[d]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Len returns the number of loaded keys.
func (s *Store) Len() int {
	return len(s.records)
}

func kindName(k KeyKind) string {
	if k == KindRSA {
		return "rsa"
	}
	return "ecdsa"
}
