package internal

import (
	"crypto/x509"
	"strings"
	"testing"

	"github.com/sensiblebit/passkit"
	"github.com/sensiblebit/passkit/internal/testpki"
)

func TestInspectFile_Pass(t *testing.T) {
	// WHY: Inspecting a .pkpass shows the identifiers and member fields
	// without needing signer material.
	t.Parallel()
	path := writeTemp(t, "KOS-1234.pkpass", buildTestPass(t))

	results, err := InspectFile(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Type != "pass" {
		t.Fatalf("results = %+v", results)
	}
	r := results[0]
	if r.SerialNumber != "KOS-1234" || r.PassTypeID != testpki.PassTypeID || r.TeamID != testpki.TeamID {
		t.Errorf("identifiers = %q %q %q", r.SerialNumber, r.PassTypeID, r.TeamID)
	}
	if !strings.HasSuffix(r.Barcode, " 1234") {
		t.Errorf("barcode = %q", r.Barcode)
	}
	if r.Fields["member"] != "ANA ANIĆ" {
		t.Errorf("fields = %v", r.Fields)
	}
	for _, name := range []string{"pass.json", "manifest.json", "signature", "icon.png"} {
		if _, ok := r.Files[name]; !ok {
			t.Errorf("file %s not listed", name)
		}
	}

	text, err := FormatInspectResults(results, "text")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "Serial:        KOS-1234") {
		t.Errorf("text output missing serial:\n%s", text)
	}
}

func TestInspectFile_SignerMaterial(t *testing.T) {
	// WHY: Every container the resolver accepts must be inspectable, and a
	// Pass Type ID certificate shows the identifiers read from its subject.
	t.Parallel()
	pki := testpki.Shared(t)
	p12, err := passkit.EncodePKCS12(pki.SignerKey, pki.Signer, []*x509.Certificate{pki.WWDR}, "p12-secret")
	if err != nil {
		t.Fatal(err)
	}
	jks, err := passkit.EncodeJKS(pki.SignerKey, pki.Signer, []*x509.Certificate{pki.WWDR}, "signer", "jks-secret")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name          string
		file          string
		data          []byte
		passphrases   []string
		wantTypes     []string
		wantContainer string
	}{
		{name: "PEM certificate", file: "signer.pem", data: pki.SignerCertPEM(), wantTypes: []string{"certificate"}},
		{name: "PEM key", file: "signer.key", data: pki.SignerKeyPEM(), wantTypes: []string{"private_key"}},
		{name: "DER certificate", file: "wwdr.cer", data: pki.WWDR.Raw, wantTypes: []string{"certificate"}},
		{name: "PKCS#12", file: "signer.p12", data: p12, passphrases: []string{"wrong", "p12-secret"}, wantTypes: []string{"certificate", "certificate", "private_key"}, wantContainer: "PKCS#12"},
		{name: "JKS", file: "signer.jks", data: jks, passphrases: []string{"jks-secret"}, wantTypes: []string{"certificate", "certificate", "private_key"}, wantContainer: "JKS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			results, err := InspectFile(writeTemp(t, tt.file, tt.data), tt.passphrases)
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != len(tt.wantTypes) {
				t.Fatalf("got %d results, want %d: %+v", len(results), len(tt.wantTypes), results)
			}
			for i, want := range tt.wantTypes {
				if results[i].Type != want || results[i].ContainerLabel != tt.wantContainer {
					t.Errorf("result %d = %s in %q, want %s in %q", i, results[i].Type, results[i].ContainerLabel, want, tt.wantContainer)
				}
			}
			if results[0].Type == "certificate" && strings.Contains(results[0].Subject, passkit.PassTypeIDPrefix) {
				if results[0].PassTypeID != testpki.PassTypeID || results[0].TeamID != testpki.TeamID {
					t.Errorf("signer identifiers = %q %q", results[0].PassTypeID, results[0].TeamID)
				}
			}
		})
	}
}

func TestInspectFile_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{name: "missing file", path: func(t *testing.T) string { return "/nonexistent/file.pem" }},
		{name: "garbage", path: func(t *testing.T) string { return writeTemp(t, "junk.bin", []byte("not a certificate")) }},
		{name: "truncated archive", path: func(t *testing.T) string { return writeTemp(t, "bad.pkpass", []byte("PK\x03\x04truncated")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := InspectFile(tt.path(t), nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFormatInspectResults_UnknownFormat(t *testing.T) {
	t.Parallel()
	if _, err := FormatInspectResults(nil, "yaml"); err == nil {
		t.Error("expected error for unsupported format")
	}
}
