package dispatch

import (
	"crypto/rsa"
	"math/big"

	"github.com/nebocrypt/keyholderd/internal/protocol"
)

// rsaDecryptRaw performs the RSA decryption primitive m = c^d mod n
// with no padding removed, for clients that manage PKCS#1 unpadding
// themselves (RSA_DECRYPT_RAW). crypto/rsa has no exported primitive
// for this, so it is computed directly from the key's public modulus
// and private exponent.
func rsaDecryptRaw(key *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	n := key.N
	c := new(big.Int).SetBytes(ciphertext)
	if c.Cmp(n) >= 0 {
		return nil, &Failure{Code: protocol.ErrCryptoFailed}
	}

	m := new(big.Int).Exp(c, key.D, n)

	out := make([]byte, (n.BitLen()+7)/8)
	m.FillBytes(out)
	return out, nil
}
