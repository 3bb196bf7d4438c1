package passkit

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/smallstep/pkcs7"
	gopkcs12 "software.sslmate.com/src/go-pkcs12"
)

// validateSignerKeyType checks that the private key can produce a PKCS#7
// signer info.
func validateSignerKeyType(privateKey crypto.PrivateKey) error {
	switch privateKey.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
		return nil
	default:
		return fmt.Errorf("unsupported private key type %T", privateKey)
	}
}

// DecodePKCS12 decodes a PKCS#12/PFX bundle and returns the private key, leaf certificate,
// and CA certificates. Keychain Access exports Pass Type ID identities in this form.
func DecodePKCS12(pfxData []byte, password string) (crypto.PrivateKey, *x509.Certificate, []*x509.Certificate, error) {
	privateKey, leaf, caCerts, err := gopkcs12.DecodeChain(pfxData, password)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decoding PKCS#12: %w", err)
	}
	return privateKey, leaf, caCerts, nil
}

// EncodePKCS12 creates a PKCS#12/PFX bundle from a private key, leaf cert,
// CA chain, and password.
func EncodePKCS12(privateKey crypto.PrivateKey, leaf *x509.Certificate, caCerts []*x509.Certificate, password string) ([]byte, error) {
	if err := validateSignerKeyType(privateKey); err != nil {
		return nil, err
	}
	if leaf == nil {
		return nil, errors.New("leaf certificate cannot be nil")
	}
	return gopkcs12.Modern.Encode(privateKey, leaf, caCerts, password)
}

// DecodePKCS7 decodes a DER-encoded PKCS#7 bundle and returns the certificates it contains.
func DecodePKCS7(derData []byte) ([]*x509.Certificate, error) {
	p7, err := pkcs7.Parse(derData)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS#7: %w", err)
	}
	if len(p7.Certificates) == 0 {
		return nil, errors.New("PKCS#7 bundle contains no certificates")
	}
	return p7.Certificates, nil
}

// SignOptions controls the detached signature produced by SignDetached.
type SignOptions struct {
	// Chain holds the certificates placed in the SignedData certificate set
	// next to the signer, normally just the WWDR intermediate.
	Chain []*x509.Certificate
	// SigningTime adds authenticated attributes (content type, message digest,
	// signing time). Leaving it off makes RSA signatures byte-for-byte
	// reproducible.
	SigningTime bool
}

// SignDetached produces a DER-encoded, detached PKCS#7 SignedData over
// content using SHA-256, as Apple expects for a pass's signature file.
func SignDetached(content []byte, signer *x509.Certificate, key crypto.PrivateKey, opts SignOptions) ([]byte, error) {
	if signer == nil {
		return nil, errors.New("signer certificate cannot be nil")
	}
	if err := validateSignerKeyType(key); err != nil {
		return nil, err
	}

	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("initializing signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	if opts.SigningTime {
		if err := sd.AddSignerChain(signer, key, opts.Chain, pkcs7.SignerInfoConfig{}); err != nil {
			return nil, fmt.Errorf("adding signer: %w", err)
		}
	} else {
		if err := sd.SignWithoutAttr(signer, key, pkcs7.SignerInfoConfig{}); err != nil {
			return nil, fmt.Errorf("signing without attributes: %w", err)
		}
		for _, cert := range opts.Chain {
			sd.AddCertificate(cert)
		}
	}

	sd.Detach()
	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("finishing signed data: %w", err)
	}
	return der, nil
}

// VerifyDetached checks a detached PKCS#7 signature over content. When roots
// is non-nil the signer must also chain to one of them through the
// certificates embedded in the signature. Returns the signer certificate.
func VerifyDetached(signature, content []byte, roots *x509.CertPool) (*x509.Certificate, error) {
	p7, err := pkcs7.Parse(signature)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS#7: %w", err)
	}
	p7.Content = content

	if roots != nil {
		err = p7.VerifyWithChain(roots)
	} else {
		err = p7.Verify()
	}
	if err != nil {
		return nil, fmt.Errorf("verifying signature: %w", err)
	}

	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, errors.New("signature does not carry exactly one signer")
	}
	return signer, nil
}
