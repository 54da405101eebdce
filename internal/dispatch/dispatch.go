// Package dispatch resolves a request's key and opcode against a
// keystore and executes the requested cryptographic operation.
package dispatch

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"

	"github.com/nebocrypt/keyholderd/internal/keystore"
	"github.com/nebocrypt/keyholderd/internal/protocol"
)

// Request is the resolved, decoded content of one request frame.
type Request struct {
	Op      protocol.Op
	KeyID   keystore.Digest
	Payload []byte
}

// Failure wraps a protocol.ErrorCode that dispatch produced in the
// course of evaluating a Request. It is never a Go-level bug — it is
// the typed result of an expected failure mode (missing key, wrong key
// type, bad padding) that the caller turns into an ERROR frame.
type Failure struct {
	Code protocol.ErrorCode
}

func (f *Failure) Error() string {
	return fmt.Sprintf("dispatch: %s", f.Code)
}

var hashByOp = map[protocol.Op]crypto.Hash{
	protocol.OpRSASignMD5SHA1: crypto.MD5SHA1,
	protocol.OpRSASignSHA1:    crypto.SHA1,
	protocol.OpRSASignSHA224:  crypto.SHA224,
	protocol.OpRSASignSHA256:  crypto.SHA256,
	protocol.OpRSASignSHA384:  crypto.SHA384,
	protocol.OpRSASignSHA512:  crypto.SHA512,
	protocol.OpECDSASignSHA1:   crypto.SHA1,
	protocol.OpECDSASignSHA224: crypto.SHA224,
	protocol.OpECDSASignSHA256: crypto.SHA256,
	protocol.OpECDSASignSHA384: crypto.SHA384,
	protocol.OpECDSASignSHA512: crypto.SHA512,
}

func isRSAOp(op protocol.Op) bool {
	switch op {
	case protocol.OpRSADecrypt, protocol.OpRSADecryptRaw,
		protocol.OpRSASignMD5SHA1, protocol.OpRSASignSHA1, protocol.OpRSASignSHA224,
		protocol.OpRSASignSHA256, protocol.OpRSASignSHA384, protocol.OpRSASignSHA512:
		return true
	}
	return false
}

func isECDSAOp(op protocol.Op) bool {
	switch op {
	case protocol.OpECDSASignSHA1, protocol.OpECDSASignSHA224, protocol.OpECDSASignSHA256,
		protocol.OpECDSASignSHA384, protocol.OpECDSASignSHA512:
		return true
	}
	return false
}

// Execute resolves req against store and performs the requested
// operation, returning the result bytes for a RESPONSE frame. Expected
// failures (missing key, wrong key type, crypto failure) are returned
// as *Failure and should be encoded as ERROR frames by the caller;
// any other error indicates a bug.
func Execute(store *keystore.Store, req Request) ([]byte, error) {
	if req.Op == protocol.OpPing {
		return req.Payload, nil
	}

	if req.Op.IsResponseOnly() {
		return nil, &Failure{Code: protocol.ErrUnexpectedOpcode}
	}

	rec, err := store.Lookup(req.KeyID)
	if err != nil {
		return nil, &Failure{Code: protocol.ErrKeyNotFound}
	}

	switch {
	case isRSAOp(req.Op):
		if rec.Kind != keystore.KindRSA {
			return nil, &Failure{Code: protocol.ErrBadOpcode}
		}
		return dispatchRSA(rec, req)
	case isECDSAOp(req.Op):
		if rec.Kind != keystore.KindECDSA {
			return nil, &Failure{Code: protocol.ErrBadOpcode}
		}
		return dispatchSign(rec.Signer(), req)
	default:
		return nil, &Failure{Code: protocol.ErrBadOpcode}
	}
}

// dispatchRSA handles the two operations that need the raw
// *rsa.PrivateKey (decryption, which crypto.Signer has no notion of);
// every RSA sign opcode goes through the shared dispatchSign path.
func dispatchRSA(rec *keystore.Record, req Request) ([]byte, error) {
	switch req.Op {
	case protocol.OpRSADecrypt:
		out, err := rsa.DecryptPKCS1v15(rand.Reader, rec.RSA, req.Payload)
		if err != nil {
			return nil, &Failure{Code: protocol.ErrCryptoFailed}
		}
		return out, nil
	case protocol.OpRSADecryptRaw:
		return rsaDecryptRaw(rec.RSA, req.Payload)
	default:
		return dispatchSign(rec.Signer(), req)
	}
}

// dispatchSign signs a pre-computed digest through the generic
// crypto.Signer interface, so RSA and ECDSA records share one signing
// path regardless of key kind.
func dispatchSign(signer crypto.Signer, req Request) ([]byte, error) {
	h, ok := hashByOp[req.Op]
	if !ok {
		return nil, &Failure{Code: protocol.ErrBadOpcode}
	}
	sig, err := signer.Sign(rand.Reader, req.Payload, h)
	if err != nil {
		return nil, &Failure{Code: protocol.ErrCryptoFailed}
	}
	return sig, nil
}
