package passkit

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/pavlo-v-chernykh/keystore-go/v4"
)

// DecodeJKSIdentity loads a Java KeyStore and returns the first private key
// entry it can decrypt together with its certificate chain (leaf first).
// The same password is used for the store and the entry (standard Java
// convention). Trusted-certificate entries are returned as extra chain
// material after the entry's own chain.
func DecodeJKSIdentity(data []byte, password string) (crypto.PrivateKey, *x509.Certificate, []*x509.Certificate, error) {
	ks := keystore.New()
	if err := ks.Load(bytes.NewReader(data), []byte(password)); err != nil {
		return nil, nil, nil, fmt.Errorf("loading JKS: %w", err)
	}

	var (
		key     crypto.PrivateKey
		leaf    *x509.Certificate
		chain   []*x509.Certificate
		trusted []*x509.Certificate
	)

	for _, alias := range ks.Aliases() {
		if ks.IsTrustedCertificateEntry(alias) {
			entry, err := ks.GetTrustedCertificateEntry(alias)
			if err != nil {
				continue
			}
			cert, err := x509.ParseCertificate(entry.Certificate.Content)
			if err != nil {
				continue
			}
			trusted = append(trusted, cert)
			continue
		}

		if key != nil || !ks.IsPrivateKeyEntry(alias) {
			continue
		}
		entry, err := ks.GetPrivateKeyEntry(alias, []byte(password))
		if err != nil {
			continue
		}
		parsed, err := x509.ParsePKCS8PrivateKey(entry.PrivateKey)
		if err != nil {
			continue
		}
		var certs []*x509.Certificate
		for _, certEntry := range entry.CertificateChain {
			cert, err := x509.ParseCertificate(certEntry.Content)
			if err != nil {
				continue
			}
			certs = append(certs, cert)
		}
		if len(certs) == 0 {
			continue
		}
		key, leaf, chain = parsed, certs[0], certs[1:]
	}

	if key == nil {
		return nil, nil, nil, errors.New("JKS contains no usable private key entry")
	}
	return key, leaf, append(chain, trusted...), nil
}

// EncodeJKS creates a Java KeyStore holding one private key entry under
// alias with its certificate chain.
func EncodeJKS(privateKey crypto.PrivateKey, leaf *x509.Certificate, caCerts []*x509.Certificate, alias, password string) ([]byte, error) {
	if leaf == nil {
		return nil, errors.New("leaf certificate cannot be nil")
	}
	pkcs8Key, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key to PKCS#8: %w", err)
	}

	chain := []keystore.Certificate{
		{Type: "X.509", Content: leaf.Raw},
	}
	for _, ca := range caCerts {
		chain = append(chain, keystore.Certificate{
			Type:    "X.509",
			Content: ca.Raw,
		})
	}

	ks := keystore.New()
	if err := ks.SetPrivateKeyEntry(alias, keystore.PrivateKeyEntry{
		CreationTime:     time.Now(),
		PrivateKey:       pkcs8Key,
		CertificateChain: chain,
	}, []byte(password)); err != nil {
		return nil, fmt.Errorf("setting JKS private key entry: %w", err)
	}

	var buf bytes.Buffer
	if err := ks.Store(&buf, []byte(password)); err != nil {
		return nil, fmt.Errorf("storing JKS: %w", err)
	}

	return buf.Bytes(), nil
}
