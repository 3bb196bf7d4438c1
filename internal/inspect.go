package internal

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sensiblebit/passkit"
	"github.com/sensiblebit/passkit/internal/pass"
)

var (
	zipMagic = []byte("PK\x03\x04")
	jksMagic = []byte{0xFE, 0xED, 0xFE, 0xED}
)

// InspectResult holds the inspection details for one object in a file.
type InspectResult struct {
	Type string `json:"type"`

	// Certificates
	Subject        string `json:"subject,omitempty"`
	Issuer         string `json:"issuer,omitempty"`
	Serial         string `json:"serial,omitempty"`
	NotBefore      string `json:"not_before,omitempty"`
	NotAfter       string `json:"not_after,omitempty"`
	PassTypeID     string `json:"pass_type_identifier,omitempty"`
	TeamID         string `json:"team_identifier,omitempty"`
	KeyAlgo        string `json:"key_algorithm,omitempty"`
	KeySize        string `json:"key_size,omitempty"`
	SHA256         string `json:"sha256_fingerprint,omitempty"`
	SigAlg         string `json:"signature_algorithm,omitempty"`
	KeyType        string `json:"key_type,omitempty"`
	ContainerLabel string `json:"container,omitempty"`

	// Pass archives
	SerialNumber     string            `json:"serial_number,omitempty"`
	OrganizationName string            `json:"organization_name,omitempty"`
	Description      string            `json:"description,omitempty"`
	WebServiceURL    string            `json:"web_service_url,omitempty"`
	Barcode          string            `json:"barcode,omitempty"`
	Fields           map[string]string `json:"fields,omitempty"`
	Files            map[string]string `json:"files,omitempty"`
}

// InspectFile reads a file and returns inspection results for every pass,
// certificate or key found in it. Encrypted keys and containers are tried
// with each passphrase.
func InspectFile(path string, passphrases []string) ([]InspectResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var results []InspectResult
	switch {
	case bytes.HasPrefix(data, zipMagic):
		r, err := inspectPass(data)
		if err != nil {
			return nil, fmt.Errorf("inspecting %s: %w", path, err)
		}
		results = append(results, r)
	case passkit.IsPEM(data):
		results = inspectPEMData(data, passphrases)
	default:
		results = inspectDERData(data, passphrases)
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("no pass, certificate or key found in %s", path)
	}
	return results, nil
}

// inspectPass describes an archive without checking its signature; verify
// does that.
func inspectPass(data []byte) (InspectResult, error) {
	files, err := pass.ReadArchive(data, pass.DefaultArchiveLimits())
	if err != nil {
		return InspectResult{}, err
	}
	raw, ok := files[pass.PassJSONName]
	if !ok {
		return InspectResult{}, fmt.Errorf("archive has no %s", pass.PassJSONName)
	}
	m, err := pass.ParseManifest(raw)
	if err != nil {
		return InspectResult{}, err
	}

	r := InspectResult{
		Type:             "pass",
		PassTypeID:       m.PassTypeIdentifier,
		TeamID:           m.TeamIdentifier,
		SerialNumber:     m.SerialNumber,
		OrganizationName: m.OrganizationName,
		Description:      m.Description,
		WebServiceURL:    m.WebServiceURL,
		Files:            make(map[string]string, len(files)),
	}
	if m.Barcode != nil {
		r.Barcode = m.Barcode.Format + " " + m.Barcode.Message
	}
	if style := m.Style(); style != nil {
		r.Fields = make(map[string]string)
		for _, group := range [][]pass.Field{style.HeaderFields, style.PrimaryFields, style.SecondaryFields, style.AuxiliaryFields} {
			for _, f := range group {
				r.Fields[f.Key] = fmt.Sprint(f.Value)
			}
		}
	}
	for name, content := range files {
		r.Files[name] = passkit.SHA1Hex(content)
	}
	return r, nil
}

func inspectPEMData(data []byte, passphrases []string) []InspectResult {
	var results []InspectResult
	if certs, err := passkit.ParsePEMCertificates(data); err == nil {
		for _, cert := range certs {
			results = append(results, inspectCert(cert, ""))
		}
	}
	if key, err := passkit.ParsePEMPrivateKeyWithPasswords(data, passphrases); err == nil {
		results = append(results, inspectKey(key, ""))
	}
	return results
}

func inspectDERData(data []byte, passphrases []string) []InspectResult {
	var results []InspectResult

	if certs, err := x509.ParseCertificates(data); err == nil && len(certs) > 0 {
		for _, cert := range certs {
			results = append(results, inspectCert(cert, ""))
		}
		return results
	}

	if key, err := x509.ParsePKCS8PrivateKey(data); err == nil {
		return append(results, inspectKey(key, ""))
	}

	if certs, err := passkit.DecodePKCS7(data); err == nil {
		for _, cert := range certs {
			results = append(results, inspectCert(cert, "PKCS#7"))
		}
		return results
	}

	decode := passkit.DecodePKCS12
	label := "PKCS#12"
	if bytes.HasPrefix(data, jksMagic) {
		decode = passkit.DecodeJKSIdentity
		label = "JKS"
	}
	for _, passphrase := range passphrases {
		key, leaf, chain, err := decode(data, passphrase)
		if err != nil {
			continue
		}
		if leaf != nil {
			results = append(results, inspectCert(leaf, label))
		}
		for _, ca := range chain {
			results = append(results, inspectCert(ca, label))
		}
		if key != nil {
			results = append(results, inspectKey(key, label))
		}
		return results
	}
	return results
}

func inspectCert(cert *x509.Certificate, container string) InspectResult {
	r := InspectResult{
		Type:           "certificate",
		Subject:        cert.Subject.String(),
		Issuer:         cert.Issuer.String(),
		Serial:         cert.SerialNumber.String(),
		NotBefore:      cert.NotBefore.UTC().Format(time.RFC3339),
		NotAfter:       cert.NotAfter.UTC().Format(time.RFC3339),
		KeyAlgo:        cert.PublicKeyAlgorithm.String(),
		KeySize:        publicKeySize(cert.PublicKey),
		SHA256:         passkit.CertFingerprint(cert),
		SigAlg:         cert.SignatureAlgorithm.String(),
		ContainerLabel: container,
	}
	if strings.HasPrefix(cert.Subject.CommonName, passkit.PassTypeIDPrefix) {
		r.PassTypeID = passkit.PassTypeIdentifier(cert)
		r.TeamID = passkit.TeamIdentifier(cert)
	}
	return r
}

func inspectKey(key crypto.PrivateKey, container string) InspectResult {
	return InspectResult{
		Type:           "private_key",
		KeyType:        passkit.KeyAlgorithmName(key),
		KeySize:        privateKeySize(key),
		ContainerLabel: container,
	}
}

func publicKeySize(pub any) string {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return fmt.Sprintf("%d", k.N.BitLen())
	case *ecdsa.PublicKey:
		return k.Curve.Params().Name
	case ed25519.PublicKey:
		return "256"
	default:
		return "unknown"
	}
}

func privateKeySize(key any) string {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return fmt.Sprintf("%d", k.N.BitLen())
	case *ecdsa.PrivateKey:
		return k.Curve.Params().Name
	case ed25519.PrivateKey, *ed25519.PrivateKey:
		return "256"
	default:
		return "unknown"
	}
}

// FormatInspectResults formats inspection results as text or JSON.
func FormatInspectResults(results []InspectResult, format string) (string, error) {
	switch format {
	case "text":
		return formatInspectText(results), nil
	case "json":
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshaling JSON: %w", err)
		}
		return string(data) + "\n", nil
	default:
		return "", fmt.Errorf("unsupported output format %q (use text or json)", format)
	}
}

func formatInspectText(results []InspectResult) string {
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n")
		}
		switch r.Type {
		case "pass":
			fmt.Fprintf(&sb, "Pass:\n")
			fmt.Fprintf(&sb, "  Serial:        %s\n", r.SerialNumber)
			fmt.Fprintf(&sb, "  Pass Type ID:  %s\n", r.PassTypeID)
			fmt.Fprintf(&sb, "  Team ID:       %s\n", r.TeamID)
			fmt.Fprintf(&sb, "  Organization:  %s\n", r.OrganizationName)
			fmt.Fprintf(&sb, "  Description:   %s\n", r.Description)
			if r.WebServiceURL != "" {
				fmt.Fprintf(&sb, "  Web Service:   %s\n", r.WebServiceURL)
			}
			if r.Barcode != "" {
				fmt.Fprintf(&sb, "  Barcode:       %s\n", r.Barcode)
			}
			for _, key := range sortedKeys(r.Fields) {
				fmt.Fprintf(&sb, "  Field %-8s %s\n", key+":", r.Fields[key])
			}
			fmt.Fprintf(&sb, "  Files:\n")
			for _, name := range sortedKeys(r.Files) {
				fmt.Fprintf(&sb, "    %-16s %s\n", name, r.Files[name])
			}
		case "certificate":
			fmt.Fprintf(&sb, "Certificate:\n")
			fmt.Fprintf(&sb, "  Subject:       %s\n", r.Subject)
			fmt.Fprintf(&sb, "  Issuer:        %s\n", r.Issuer)
			fmt.Fprintf(&sb, "  Serial:        %s\n", r.Serial)
			if r.PassTypeID != "" {
				fmt.Fprintf(&sb, "  Pass Type ID:  %s\n", r.PassTypeID)
				fmt.Fprintf(&sb, "  Team ID:       %s\n", r.TeamID)
			}
			fmt.Fprintf(&sb, "  Not Before:    %s\n", r.NotBefore)
			fmt.Fprintf(&sb, "  Not After:     %s\n", r.NotAfter)
			fmt.Fprintf(&sb, "  Key:           %s %s\n", r.KeyAlgo, r.KeySize)
			fmt.Fprintf(&sb, "  Signature:     %s\n", r.SigAlg)
			fmt.Fprintf(&sb, "  SHA-256:       %s\n", r.SHA256)
			if r.ContainerLabel != "" {
				fmt.Fprintf(&sb, "  Container:     %s\n", r.ContainerLabel)
			}
		case "private_key":
			fmt.Fprintf(&sb, "Private Key:\n")
			fmt.Fprintf(&sb, "  Type:          %s\n", r.KeyType)
			fmt.Fprintf(&sb, "  Size:          %s\n", r.KeySize)
			if r.ContainerLabel != "" {
				fmt.Fprintf(&sb, "  Container:     %s\n", r.ContainerLabel)
			}
		}
	}
	return sb.String()
}
