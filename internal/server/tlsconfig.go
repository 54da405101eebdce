package server

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/nebocrypt/keyholderd/internal/config"
)

// BuildTLSConfig constructs the mutual-TLS server configuration: server
// certificate, mandatory client certificate verification against the
// CA bundle, a verification depth of one (the leaf plus its issuing
// CA), and the configured cipher suites.
func BuildTLSConfig(cfg config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ServerCertPath, cfg.ServerKeyPath)
	if err != nil {
		return nil, fmt.Errorf("server: load server certificate: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.CAFilePath)
	if err != nil {
		return nil, fmt.Errorf("server: read CA file: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("server: no certificates found in CA file %s", cfg.CAFilePath)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		CipherSuites: cfg.CipherSuites,
		// TLS 1.3 ignores CipherSuites entirely, so pin to exactly 1.2 —
		// matching the original server — or --cipher-list stops meaning
		// anything once a 1.3-capable client connects.
		MinVersion:            tls.VersionTLS12,
		MaxVersion:            tls.VersionTLS12,
		VerifyPeerCertificate: verifyDepth(1),
	}, nil
}

// verifyDepth rejects client certificate chains longer than the
// configured number of intermediates above the leaf, matching the
// original SSL_CTX_set_verify_depth(1) behavior: the leaf plus one
// issuing CA, no further chain.
func verifyDepth(maxIntermediates int) func([][]byte, [][]*x509.Certificate) error {
	return func(_ [][]byte, chains [][]*x509.Certificate) error {
		for _, chain := range chains {
			if len(chain) > maxIntermediates+1 {
				return errors.New("server: client certificate chain exceeds configured verify depth")
			}
		}
		return nil
	}
}
