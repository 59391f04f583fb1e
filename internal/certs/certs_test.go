package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(MaxValidity)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}

	validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore)
	if validity > MaxValidity+2*time.Minute {
		t.Errorf("validity too long: %v", validity)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if cert.Fingerprint != sha256.Sum256(cert.TLSCert.Certificate[0]) {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}
	if !slices.Contains(x509Cert.DNSNames, "localhost") {
		t.Error("expected localhost in DNS names")
	}
}

func TestGenerateMaxValidity(t *testing.T) {
	t.Parallel()
	for _, v := range []time.Duration{30 * 24 * time.Hour, 0, -time.Hour} {
		cert, err := Generate(v)
		if err != nil {
			t.Fatalf("Generate(%v) failed: %v", v, err)
		}
		x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
		if err != nil {
			t.Fatalf("failed to parse cert: %v", err)
		}
		if got := x509Cert.NotAfter.Sub(x509Cert.NotBefore); got != MaxValidity {
			t.Errorf("Generate(%v) validity = %v, want %v", v, got, MaxValidity)
		}
	}
}

func TestGenerateExtraHosts(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour, "turntable.local", "192.168.1.20", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if !slices.Contains(x509Cert.DNSNames, "turntable.local") {
		t.Errorf("DNSNames = %v, missing turntable.local", x509Cert.DNSNames)
	}
	found := false
	for _, ip := range x509Cert.IPAddresses {
		if ip.Equal(net.ParseIP("192.168.1.20")) {
			found = true
		}
	}
	if !found {
		t.Errorf("IPAddresses = %v, missing 192.168.1.20", x509Cert.IPAddresses)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	t.Parallel()
	gen, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(gen.TLSCert.PrivateKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: gen.TLSCert.Certificate[0]})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadOrGenerate(certFile, keyFile)
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	if loaded.Fingerprint != gen.Fingerprint {
		t.Error("loaded fingerprint differs from generated")
	}
	if !loaded.NotAfter.Equal(gen.NotAfter.Truncate(time.Second)) {
		t.Errorf("NotAfter = %v, want %v", loaded.NotAfter, gen.NotAfter.Truncate(time.Second))
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()
	if _, err := LoadOrGenerate("cert.pem", ""); err == nil {
		t.Error("expected error with only a cert path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.pem"), "missing.key"); err == nil {
		t.Error("expected error for missing files")
	}
}
