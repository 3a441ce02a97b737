package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type keyPair struct {
	cert    *x509.Certificate
	certPEM []byte
	key     *ecdsa.PrivateKey
	keyPEM  []byte
}

func newKeyPair(t *testing.T, name string, isCA bool, parent *keyPair) keyPair {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
	}
	if isCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign
	} else {
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	signerCert, signerKey := tmpl, key
	if parent != nil {
		signerCert, signerKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return keyPair{
		cert:    cert,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		key:     key,
		keyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}
}

func join(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestParseBundleCAOnly(t *testing.T) {
	ca := newKeyPair(t, "gateway-ca", true, nil)
	b, err := ParseBundle(ca.certPEM)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(b.CACerts) != 1 || b.Certificate != nil {
		t.Fatalf("unexpected bundle %+v", b)
	}
	cfg := b.ClientConfig()
	if cfg.RootCAs == nil || len(cfg.Certificates) != 0 {
		t.Fatalf("unexpected client config %+v", cfg)
	}
}

func TestParseBundleWithClientCertificate(t *testing.T) {
	ca := newKeyPair(t, "gateway-ca", true, nil)
	client := newKeyPair(t, "tenantd", false, &ca)
	other := newKeyPair(t, "unrelated", false, &ca)

	b, err := ParseBundle(join(ca.certPEM, other.keyPEM, client.certPEM, client.keyPEM))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if b.Certificate == nil {
		t.Fatal("expected client certificate")
	}
	if got := b.ClientConfig().Certificates; len(got) != 1 {
		t.Fatalf("expected one client certificate, got %d", len(got))
	}
}

func TestParseBundleRejects(t *testing.T) {
	ca := newKeyPair(t, "gateway-ca", true, nil)
	client := newKeyPair(t, "tenantd", false, &ca)
	other := newKeyPair(t, "unrelated", false, &ca)
	cases := map[string]struct {
		data []byte
		want string
	}{
		"empty":          {data: nil, want: "CA certificate required"},
		"no ca":          {data: join(client.certPEM, client.keyPEM), want: "CA certificate required"},
		"key mismatch":   {data: join(ca.certPEM, client.certPEM, other.keyPEM), want: "matching private key"},
		"orphan key":     {data: join(ca.certPEM, client.keyPEM), want: "without client certificate"},
		"bad cert block": {data: []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"), want: "parse certificate"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBundle(tc.data)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadBundleFromFile(t *testing.T) {
	ca := newKeyPair(t, "gateway-ca", true, nil)
	path := filepath.Join(t.TempDir(), "gateway.pem")
	if err := os.WriteFile(path, ca.certPEM, 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	if _, err := LoadBundle(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := LoadBundle(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Fatal("expected missing bundle error")
	}
}
