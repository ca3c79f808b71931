package security

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadKeyRing builds a key ring from PEM files: the local signing
// identity plus one trusted peer certificate per file in peerDir, keyed
// by file name without extension. Empty paths leave the corresponding
// part of the ring unset.
func LoadKeyRing(certFile, keyFile, peerDir string) (*KeyRing, error) {
	ring := &KeyRing{PeerCerts: map[string]*x509.Certificate{}}

	if certFile != "" {
		cert, err := loadCertificate(certFile)
		if err != nil {
			return nil, fmt.Errorf("loading signing certificate: %w", err)
		}
		key, err := loadRSAKey(keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading signing key: %w", err)
		}
		ring.SigningCert = cert
		ring.SigningKey = key
	}

	if peerDir != "" {
		entries, err := os.ReadDir(peerDir)
		if err != nil {
			return nil, fmt.Errorf("reading peer certificate dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			ext := filepath.Ext(name)
			if ext != ".pem" && ext != ".crt" && ext != ".cer" {
				continue
			}
			cert, err := loadCertificate(filepath.Join(peerDir, name))
			if err != nil {
				return nil, fmt.Errorf("loading peer certificate %s: %w", name, err)
			}
			ring.PeerCerts[strings.TrimSuffix(name, ext)] = cert
		}
	}

	return ring, nil
}

func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s: no CERTIFICATE block", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

func loadRSAKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s: not an RSA key", path)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("%s: unsupported PEM block %q", path, block.Type)
	}
}
