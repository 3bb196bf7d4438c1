// Package testpki generates an Apple-shaped test PKI (root, WWDR
// intermediate, Pass Type ID signer) for tests across the module.
package testpki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"
)

const (
	// PassTypeID is the pass type identifier baked into the signer subject.
	PassTypeID = "pass.com.example.loyalty"
	// TeamID is the organizational unit of the signer subject.
	TeamID = "ABCDE12345"
)

var oidUserID = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}

// PKI is a three-level chain mirroring Apple's: a root, the WWDR
// intermediate, and a Pass Type ID signer. All keys are RSA so PKCS#7
// signatures without attributes are reproducible.
type PKI struct {
	Root      *x509.Certificate
	RootKey   *rsa.PrivateKey
	WWDR      *x509.Certificate
	WWDRKey   *rsa.PrivateKey
	Signer    *x509.Certificate
	SignerKey *rsa.PrivateKey
}

var (
	keysOnce sync.Once
	keys     [3]*rsa.PrivateKey
	keysErr  error

	sharedOnce sync.Once
	shared     *PKI
	sharedErr  error
)

func loadKeys() ([3]*rsa.PrivateKey, error) {
	keysOnce.Do(func() {
		for i := range keys {
			keys[i], keysErr = rsa.GenerateKey(rand.Reader, 2048)
			if keysErr != nil {
				return
			}
		}
	})
	return keys, keysErr
}

// Shared returns a process-wide PKI with the default Apple-shaped subject.
// Callers must not mutate it.
func Shared(tb testing.TB) *PKI {
	tb.Helper()
	sharedOnce.Do(func() {
		shared, sharedErr = build("Pass Type ID: "+PassTypeID, TeamID, PassTypeID, nil)
	})
	if sharedErr != nil {
		tb.Fatal(sharedErr)
	}
	return shared
}

// New builds a PKI whose signer has the given common name and
// organizational unit. uid is written to the subject UID attribute when
// non-empty.
func New(tb testing.TB, commonName, orgUnit, uid string) *PKI {
	tb.Helper()
	p, err := build(commonName, orgUnit, uid, nil)
	if err != nil {
		tb.Fatal(err)
	}
	return p
}

// NewWithAIA builds the default PKI with the signer's AIA CA Issuers URL
// pointing at aiaURL.
func NewWithAIA(tb testing.TB, aiaURL string) *PKI {
	tb.Helper()
	p, err := build("Pass Type ID: "+PassTypeID, TeamID, PassTypeID, []string{aiaURL})
	if err != nil {
		tb.Fatal(err)
	}
	return p
}

func build(commonName, orgUnit, uid string, aia []string) (*PKI, error) {
	k, err := loadKeys()
	if err != nil {
		return nil, err
	}
	rootKey, wwdrKey, signerKey := k[0], k[1], k[2]

	now := time.Now()
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Apple Root CA", Organization: []string{"Test Apple Inc."}},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, err
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, err
	}

	wwdrTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject: pkix.Name{
			CommonName:         "Test Apple Worldwide Developer Relations Certification Authority",
			OrganizationalUnit: []string{"G4"},
			Organization:       []string{"Test Apple Inc."},
		},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(5 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	wwdrDER, err := x509.CreateCertificate(rand.Reader, wwdrTemplate, root, &wwdrKey.PublicKey, rootKey)
	if err != nil {
		return nil, err
	}
	wwdr, err := x509.ParseCertificate(wwdrDER)
	if err != nil {
		return nil, err
	}

	subject := pkix.Name{
		CommonName:         commonName,
		OrganizationalUnit: []string{orgUnit},
		Organization:       []string{"Example Loyalty d.o.o."},
		Country:            []string{"HR"},
	}
	if uid != "" {
		subject.ExtraNames = []pkix.AttributeTypeAndValue{{Type: oidUserID, Value: uid}}
	}
	signerTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(3),
		Subject:               subject,
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		IssuingCertificateURL: aia,
	}
	signerDER, err := x509.CreateCertificate(rand.Reader, signerTemplate, wwdr, &signerKey.PublicKey, wwdrKey)
	if err != nil {
		return nil, err
	}
	signer, err := x509.ParseCertificate(signerDER)
	if err != nil {
		return nil, err
	}

	return &PKI{
		Root: root, RootKey: rootKey,
		WWDR: wwdr, WWDRKey: wwdrKey,
		Signer: signer, SignerKey: signerKey,
	}, nil
}

// CertPEM encodes a certificate as PEM.
func CertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// SignerCertPEM returns the signer certificate as PEM.
func (p *PKI) SignerCertPEM() []byte { return CertPEM(p.Signer) }

// WWDRPEM returns the WWDR intermediate as PEM.
func (p *PKI) WWDRPEM() []byte { return CertPEM(p.WWDR) }

// RootPEM returns the root as PEM.
func (p *PKI) RootPEM() []byte { return CertPEM(p.Root) }

// SignerKeyPEM returns the signer key as a PKCS#1 PEM block.
func (p *PKI) SignerKeyPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(p.SignerKey)})
}

// RootPool returns a pool holding only the test root.
func (p *PKI) RootPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(p.Root)
	return pool
}
