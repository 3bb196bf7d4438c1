package testpki

import (
	"os"
	"path/filepath"
	"testing"
)

// PNG carries the PNG signature, which is all the template loader checks.
var PNG = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, []byte("IHDR-test-image")...)

// SignerFiles are PEM files written by WriteSignerFiles.
type SignerFiles struct {
	Cert string
	Key  string
	WWDR string
	Root string
}

// WriteSignerFiles writes the signer certificate, key, WWDR and root as PEM
// files into a fresh temp directory.
func (p *PKI) WriteSignerFiles(tb testing.TB) SignerFiles {
	tb.Helper()
	dir := tb.TempDir()
	files := SignerFiles{
		Cert: filepath.Join(dir, "signer.pem"),
		Key:  filepath.Join(dir, "signer.key"),
		WWDR: filepath.Join(dir, "wwdr.pem"),
		Root: filepath.Join(dir, "root.pem"),
	}
	for path, data := range map[string][]byte{
		files.Cert: p.SignerCertPEM(),
		files.Key:  p.SignerKeyPEM(),
		files.WWDR: p.WWDRPEM(),
		files.Root: p.RootPEM(),
	} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			tb.Fatalf("writing %s: %v", path, err)
		}
	}
	return files
}

// TemplateDir writes the required template images into a fresh temp
// directory and returns it.
func TemplateDir(tb testing.TB) string {
	tb.Helper()
	dir := tb.TempDir()
	for _, name := range []string{"icon.png", "icon@2x.png", "logo.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), PNG, 0o644); err != nil {
			tb.Fatalf("writing %s: %v", name, err)
		}
	}
	return dir
}
