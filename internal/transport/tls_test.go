package transport

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateCertWithoutPathsGeneratesEphemeral(t *testing.T) {
	cert, err := loadOrGenerateCert("", "")
	if err != nil {
		t.Fatalf("loadOrGenerateCert: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse generated certificate: %v", err)
	}
	if leaf.Subject.CommonName != "goclaw-gateway" {
		t.Fatalf("CommonName = %q, want goclaw-gateway", leaf.Subject.CommonName)
	}
}

func TestLoadOrGenerateCertPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	first, err := loadOrGenerateCert(certPath, keyPath)
	if err != nil {
		t.Fatalf("loadOrGenerateCert (generate): %v", err)
	}
	if _, err := os.Stat(certPath); err != nil {
		t.Fatalf("expected cert file to be written: %v", err)
	}
	if _, err := os.Stat(keyPath); err != nil {
		t.Fatalf("expected key file to be written: %v", err)
	}

	second, err := loadOrGenerateCert(certPath, keyPath)
	if err != nil {
		t.Fatalf("loadOrGenerateCert (reload): %v", err)
	}

	firstLeaf, _ := x509.ParseCertificate(first.Certificate[0])
	secondLeaf, _ := x509.ParseCertificate(second.Certificate[0])
	if firstLeaf.SerialNumber.Cmp(secondLeaf.SerialNumber) != 0 {
		t.Fatal("expected reloading from disk to return the same certificate, not mint a new one")
	}
}
