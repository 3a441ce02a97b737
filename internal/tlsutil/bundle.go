// Package tlsutil loads the PEM bundles used to reach a wss:// gateway.
package tlsutil

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Bundle is a parsed gateway PEM bundle: trusted CA certificates and an
// optional client certificate with its key.
type Bundle struct {
	CACerts []*x509.Certificate
	CAPool  *x509.CertPool
	// Certificate is set when the bundle carries a client certificate.
	Certificate *tls.Certificate
}

// LoadBundle parses the bundle at path.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read bundle: %w", err)
	}
	b, err := ParseBundle(data)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	return b, nil
}

// ParseBundle parses PEM data. At least one CA certificate is required. The
// first non-CA certificate is the client certificate; later ones are kept as
// its chain. A client certificate needs a matching private key.
func ParseBundle(data []byte) (*Bundle, error) {
	var (
		b       = &Bundle{CAPool: x509.NewCertPool()}
		leaf    *x509.Certificate
		leafPEM []byte
		keyPEM  []byte
		keys    [][]byte
		signers []crypto.Signer
	)
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("tlsutil: parse certificate: %w", err)
			}
			switch {
			case cert.IsCA:
				b.CACerts = append(b.CACerts, cert)
				b.CAPool.AddCert(cert)
			case leaf == nil:
				leaf = cert
				leafPEM = pem.EncodeToMemory(block)
			default:
				leafPEM = append(leafPEM, pem.EncodeToMemory(block)...)
			}
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			signer, err := parsePrivateKey(block)
			if err != nil {
				return nil, fmt.Errorf("tlsutil: parse private key: %w", err)
			}
			signers = append(signers, signer)
			keys = append(keys, pem.EncodeToMemory(block))
		}
	}
	if len(b.CACerts) == 0 {
		return nil, errors.New("tlsutil: CA certificate required")
	}
	if leaf == nil {
		if len(keys) > 0 {
			return nil, errors.New("tlsutil: private key without client certificate")
		}
		return b, nil
	}
	type equaler interface{ Equal(crypto.PublicKey) bool }
	for i, signer := range signers {
		if pub, ok := signer.Public().(equaler); ok && pub.Equal(leaf.PublicKey) {
			keyPEM = keys[i]
			break
		}
	}
	if keyPEM == nil {
		return nil, errors.New("tlsutil: matching private key not found")
	}
	cert, err := tls.X509KeyPair(leafPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: build key pair: %w", err)
	}
	b.Certificate = &cert
	return b, nil
}

// ClientConfig returns a TLS 1.2+ client configuration trusting the bundle's
// CAs and presenting its client certificate, if any.
func (b *Bundle) ClientConfig() *tls.Config {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    b.CAPool,
	}
	if b.Certificate != nil {
		cfg.Certificates = []tls.Certificate{*b.Certificate}
	}
	return cfg
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}
