// Package passkit provides the certificate, key, and signature primitives
// used to issue Apple Wallet passes: PEM/PKCS#12/JKS identity decoding,
// Pass Type ID subject parsing, detached PKCS#7 signing, and chain checks.
package passkit

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// PassTypeIDPrefix is the common-name prefix Apple puts on Pass Type ID
// certificates ("Pass Type ID: pass.com.example.loyalty").
const PassTypeIDPrefix = "Pass Type ID:"

// oidUserID is the subject UID attribute; Apple repeats the pass type
// identifier there.
var oidUserID = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}

// ParsePEMCertificates parses all certificates from a PEM bundle.
func ParsePEMCertificates(pemData []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificates found in PEM data")
	}
	return certs, nil
}

// ParseCertificatesAny attempts to parse certificates from raw bytes, trying
// DER first (Apple distributes the WWDR intermediate as .cer), then PEM,
// then PKCS#7.
func ParseCertificatesAny(data []byte) ([]*x509.Certificate, error) {
	cert, derErr := x509.ParseCertificate(data)
	if derErr == nil {
		return []*x509.Certificate{cert}, nil
	}
	certs, pemErr := ParsePEMCertificates(data)
	if pemErr == nil {
		return certs, nil
	}
	certs, p7Err := DecodePKCS7(data)
	if p7Err == nil {
		return certs, nil
	}
	return nil, fmt.Errorf("not DER (%v) or PEM (%v) or PKCS#7 (%v)", derErr, pemErr, p7Err)
}

// normalizeKey dereferences *ed25519.PrivateKey (returned by
// ssh.ParseRawPrivateKey) so type switches only need the value form.
func normalizeKey(key crypto.PrivateKey) crypto.PrivateKey {
	if ptr, ok := key.(*ed25519.PrivateKey); ok {
		return *ptr
	}
	return key
}

// ParsePEMPrivateKey parses a PEM-encoded private key (PKCS#1, PKCS#8, EC or
// OpenSSH). For "PRIVATE KEY" blocks it tries PKCS#8 first, then falls back
// to PKCS#1 and EC parsers to handle mislabeled keys exported by keychain
// tools.
func ParsePEMPrivateKey(pemData []byte) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found in private key data")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
			return key, nil
		}
		if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
			return key, nil
		}
		if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
			return key, nil
		}
		return nil, errors.New("parsing PRIVATE KEY block with any known format")
	case "OPENSSH PRIVATE KEY":
		key, err := ssh.ParseRawPrivateKey(pemData)
		if err != nil {
			return nil, fmt.Errorf("parsing OpenSSH private key: %w", err)
		}
		return normalizeKey(key), nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

// ParsePEMPrivateKeyWithPasswords tries to parse a PEM-encoded private key.
// It first attempts unencrypted parsing via ParsePEMPrivateKey. If that fails
// and the PEM block is encrypted (legacy RFC 1423, as produced by
// `openssl pkcs12 -nocerts` without -nodes), it tries each password in order.
func ParsePEMPrivateKeyWithPasswords(pemData []byte, passwords []string) (crypto.PrivateKey, error) {
	if key, err := ParsePEMPrivateKey(pemData); err == nil {
		return key, nil
	}

	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found in private key data")
	}

	if block.Type == "OPENSSH PRIVATE KEY" {
		for _, password := range passwords {
			if password == "" {
				continue
			}
			key, err := ssh.ParseRawPrivateKeyWithPassphrase(pemData, []byte(password))
			if err == nil {
				return normalizeKey(key), nil
			}
		}
		return nil, errors.New("parsing OpenSSH private key with any provided password")
	}

	//nolint:staticcheck // legacy encrypted PEM is what openssl emits for pass keys
	if !x509.IsEncryptedPEMBlock(block) {
		_, err := ParsePEMPrivateKey(pemData)
		return nil, err
	}

	for _, password := range passwords {
		//nolint:staticcheck // see above
		decrypted, err := x509.DecryptPEMBlock(block, []byte(password))
		if err != nil {
			continue
		}

		clearPEM := pem.EncodeToMemory(&pem.Block{
			Type:  block.Type,
			Bytes: decrypted,
		})
		if key, err := ParsePEMPrivateKey(clearPEM); err == nil {
			return key, nil
		}
	}

	return nil, errors.New("decrypting private key with any provided password")
}

// CertFingerprint returns the SHA-256 fingerprint of a certificate as a lowercase hex string.
func CertFingerprint(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(hash[:])
}

// SHA1Hex returns the lowercase hex SHA-1 digest of data, the format
// manifest.json uses for every file in a pass.
func SHA1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// KeyAlgorithmName returns a human-readable name for a private key's algorithm.
func KeyAlgorithmName(key crypto.PrivateKey) string {
	switch key.(type) {
	case *ecdsa.PrivateKey:
		return "ECDSA"
	case *rsa.PrivateKey:
		return "RSA"
	case ed25519.PrivateKey, *ed25519.PrivateKey:
		return "Ed25519"
	default:
		return "unknown"
	}
}

// GetPublicKey extracts the public key from a private key via crypto.Signer.
func GetPublicKey(priv crypto.PrivateKey) (crypto.PublicKey, error) {
	if signer, ok := priv.(crypto.Signer); ok {
		return signer.Public(), nil
	}
	return nil, fmt.Errorf("unsupported private key type: %T", priv)
}

// KeyMatchesCert reports whether a private key corresponds to the public key
// in a certificate.
func KeyMatchesCert(priv crypto.PrivateKey, cert *x509.Certificate) (bool, error) {
	if cert == nil {
		return false, errors.New("certificate is nil")
	}
	pub, err := GetPublicKey(priv)
	if err != nil {
		return false, err
	}
	type equalKey interface {
		Equal(crypto.PublicKey) bool
	}
	eq, ok := pub.(equalKey)
	if !ok {
		return false, fmt.Errorf("unsupported public key type: %T", pub)
	}
	return eq.Equal(cert.PublicKey), nil
}

// IsPEM returns true if the data appears to contain PEM-encoded content.
func IsPEM(data []byte) bool {
	return bytes.Contains(data, []byte("-----BEGIN"))
}

// CertExpiresWithin reports whether the certificate will expire within the
// given duration from now.
func CertExpiresWithin(cert *x509.Certificate, d time.Duration) bool {
	return time.Now().Add(d).After(cert.NotAfter)
}

// PassTypeIdentifier returns the pass type identifier a signer certificate
// was issued for. Apple encodes it as the common name with a
// "Pass Type ID:" prefix; the subject UID carries the bare value and is used
// when the common name has no prefix.
func PassTypeIdentifier(cert *x509.Certificate) string {
	cn := strings.TrimSpace(cert.Subject.CommonName)
	if after, ok := strings.CutPrefix(cn, PassTypeIDPrefix); ok {
		return strings.TrimSpace(after)
	}
	for _, atv := range cert.Subject.Names {
		if atv.Type.Equal(oidUserID) {
			if s, ok := atv.Value.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return cn
}

// TeamIdentifier returns the Apple developer team identifier, carried in the
// signer certificate's organizational unit.
func TeamIdentifier(cert *x509.Certificate) string {
	for _, ou := range cert.Subject.OrganizationalUnit {
		if ou = strings.TrimSpace(ou); ou != "" {
			return ou
		}
	}
	return ""
}
