package pass

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/sensiblebit/passkit"
	"github.com/sensiblebit/passkit/internal/testpki"
)

func buildTestArchive(t *testing.T) []byte {
	t.Helper()
	b := newTestBuilder(t, testPassConfig(), Deps{})
	archive, err := b.Build(context.Background(), Member{FullName: "Ana Anić", MemberID: "1234"})
	if err != nil {
		t.Fatal(err)
	}
	return archive.Bytes
}

// rewriteArchive re-packages data after applying edit to its entries.
func rewriteArchive(t *testing.T, data []byte, edit func(files map[string][]byte)) []byte {
	t.Helper()
	files, err := ReadArchive(data, DefaultArchiveLimits())
	if err != nil {
		t.Fatal(err)
	}
	edit(files)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(files[name]); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func unrelatedRootPool(t *testing.T) *x509.CertPool {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(99),
		Subject:               pkix.Name{CommonName: "Unrelated Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return pool
}

func TestVerify_Valid(t *testing.T) {
	// WHY: A freshly built pass verifies both with and without a trust pool,
	// and reports the signer it was made with.
	t.Parallel()
	pki := testpki.Shared(t)
	data := buildTestArchive(t)

	for _, roots := range []*x509.CertPool{nil, pki.RootPool()} {
		v, err := Verify(data, roots)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !v.Signer.Equal(pki.Signer) {
			t.Error("unexpected signer")
		}
		if v.Hashes[PassJSONName] == "" {
			t.Error("pass.json not in manifest")
		}
	}
}

func TestVerify_Rejects(t *testing.T) {
	// WHY: Each tampering mode must be caught: changed content, unlisted
	// files, missing members, foreign trust roots and unsafe names.
	t.Parallel()
	data := buildTestArchive(t)

	tests := []struct {
		name    string
		archive func(t *testing.T) []byte
		roots   func(t *testing.T) *x509.CertPool
		wantErr string
	}{
		{
			name: "tampered pass.json",
			archive: func(t *testing.T) []byte {
				return rewriteArchive(t, data, func(files map[string][]byte) {
					files[PassJSONName] = bytes.ReplaceAll(files[PassJSONName], []byte("1234"), []byte("9999"))
				})
			},
			wantErr: "does not match manifest",
		},
		{
			name: "unlisted file",
			archive: func(t *testing.T) []byte {
				return rewriteArchive(t, data, func(files map[string][]byte) {
					files["strip.png"] = fakePNG
				})
			},
			wantErr: "not listed",
		},
		{
			name: "listed file removed",
			archive: func(t *testing.T) []byte {
				return rewriteArchive(t, data, func(files map[string][]byte) {
					delete(files, "logo.png")
				})
			},
			wantErr: "missing from the archive",
		},
		{
			name: "manifest re-hashed without re-signing",
			archive: func(t *testing.T) []byte {
				return rewriteArchive(t, data, func(files map[string][]byte) {
					orig := files[PassJSONName]
					files[PassJSONName] = bytes.ReplaceAll(orig, []byte("1234"), []byte("9999"))
					files[ManifestName] = bytes.Replace(files[ManifestName],
						[]byte(passkit.SHA1Hex(orig)), []byte(passkit.SHA1Hex(files[PassJSONName])), 1)
				})
			},
			wantErr: "verifying signature",
		},
		{
			name: "signature missing",
			archive: func(t *testing.T) []byte {
				return rewriteArchive(t, data, func(files map[string][]byte) {
					delete(files, SignatureName)
				})
			},
			wantErr: "missing signature",
		},
		{
			name:    "untrusted root",
			archive: func(t *testing.T) []byte { return data },
			roots:   unrelatedRootPool,
			wantErr: "verifying signature",
		},
		{
			name: "path traversal entry",
			archive: func(t *testing.T) []byte {
				return rewriteArchive(t, data, func(files map[string][]byte) {
					files["../evil.png"] = fakePNG
				})
			},
			wantErr: "unsafe archive entry",
		},
		{
			name:    "not a zip",
			archive: func(t *testing.T) []byte { return []byte("garbage") },
			wantErr: "opening pass archive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var roots *x509.CertPool
			if tt.roots != nil {
				roots = tt.roots(t)
			}
			_, err := Verify(tt.archive(t), roots)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestReadArchive_Limits(t *testing.T) {
	// WHY: Untrusted archives are bounded by ratio, entry size and entry
	// count before anything is decompressed into memory.
	t.Parallel()

	bomb := func(t *testing.T) []byte {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		w, err := zw.CreateHeader(&zip.FileHeader{Name: "pass.json", Method: zip.Deflate})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(make([]byte, 4<<20)); err != nil {
			t.Fatal(err)
		}
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}

	tests := []struct {
		name    string
		limits  ArchiveLimits
		wantErr string
	}{
		{name: "ratio", limits: DefaultArchiveLimits(), wantErr: "decompression ratio"},
		{
			name:    "entry size",
			limits:  ArchiveLimits{MaxDecompressionRatio: 1 << 20, MaxTotalSize: 1 << 30, MaxEntryCount: 10, MaxEntrySize: 1 << 20},
			wantErr: "exceeds",
		},
		{
			name:    "entry count",
			limits:  ArchiveLimits{MaxDecompressionRatio: 1 << 20, MaxTotalSize: 1 << 30, MaxEntryCount: 0, MaxEntrySize: 1 << 30},
			wantErr: "entries, limit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadArchive(bomb(t), tt.limits)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}
