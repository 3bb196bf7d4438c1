package pass

import (
	"archive/zip"
	"bytes"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"sort"
	"strings"

	"github.com/sensiblebit/passkit"
	"github.com/sensiblebit/passkit/internal/credentials"
)

// ArchiveLimits controls zip bomb protection when reading untrusted passes.
type ArchiveLimits struct {
	// MaxDecompressionRatio is the maximum ratio of uncompressed to
	// compressed size for a single entry.
	MaxDecompressionRatio int64

	// MaxTotalSize is the maximum total bytes extracted from one archive.
	MaxTotalSize int64

	// MaxEntryCount is the maximum number of entries. Passes carry a
	// handful of images plus localizations.
	MaxEntryCount int

	// MaxEntrySize is the maximum size of a single decompressed entry.
	MaxEntrySize int64
}

// DefaultArchiveLimits returns conservative defaults for pass archives.
func DefaultArchiveLimits() ArchiveLimits {
	return ArchiveLimits{
		MaxDecompressionRatio: 100,
		MaxTotalSize:          64 * 1024 * 1024, // 64 MB
		MaxEntryCount:         512,
		MaxEntrySize:          10 * 1024 * 1024, // 10 MB
	}
}

// Verification describes a pass archive that passed every check.
type Verification struct {
	Manifest *Manifest
	Signer   *x509.Certificate
	// Hashes is the parsed manifest.json.
	Hashes map[string]string
	// Files lists every archive entry in sorted order.
	Files []string
}

// Verify checks a .pkpass archive: every file is listed in manifest.json
// with a matching SHA-1, the detached signature over manifest.json is
// valid, and the pass identifiers match the signer. When roots is non-nil
// the signer must chain to one of them through the embedded certificates.
func Verify(data []byte, roots *x509.CertPool) (*Verification, error) {
	return VerifyWithLimits(data, roots, DefaultArchiveLimits())
}

// VerifyWithLimits is Verify with explicit extraction limits.
func VerifyWithLimits(data []byte, roots *x509.CertPool, limits ArchiveLimits) (*Verification, error) {
	files, err := ReadArchive(data, limits)
	if err != nil {
		return nil, err
	}

	for _, required := range []string{PassJSONName, ManifestName, SignatureName} {
		if _, ok := files[required]; !ok {
			return nil, fmt.Errorf("archive is missing %s", required)
		}
	}

	var hashes map[string]string
	if err := json.Unmarshal(files[ManifestName], &hashes); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ManifestName, err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var problems []error
	for _, name := range names {
		if name == ManifestName || name == SignatureName {
			continue
		}
		want, ok := hashes[name]
		if !ok {
			problems = append(problems, fmt.Errorf("%s is not listed in %s", name, ManifestName))
			continue
		}
		if got := passkit.SHA1Hex(files[name]); !strings.EqualFold(got, want) {
			problems = append(problems, fmt.Errorf("%s: hash %s does not match manifest %s", name, got, want))
		}
	}
	for name := range hashes {
		if _, ok := files[name]; !ok {
			problems = append(problems, fmt.Errorf("%s is listed in %s but missing from the archive", name, ManifestName))
		}
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}

	signer, err := passkit.VerifyDetached(files[SignatureName], files[ManifestName], roots)
	if err != nil {
		return nil, err
	}

	manifest, err := ParseManifest(files[PassJSONName])
	if err != nil {
		return nil, err
	}
	if err := credentials.CheckIdentifiers(signer, manifest.PassTypeIdentifier, manifest.TeamIdentifier); err != nil {
		return nil, err
	}

	return &Verification{Manifest: manifest, Signer: signer, Hashes: hashes, Files: names}, nil
}

// ReadArchive extracts every entry of a pass archive, rejecting the archive
// when it exceeds the limits or contains unsafe or duplicate names.
func ReadArchive(data []byte, limits ArchiveLimits) (map[string][]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pass archive: %w", err)
	}
	if len(reader.File) > limits.MaxEntryCount {
		return nil, fmt.Errorf("archive has %d entries, limit is %d", len(reader.File), limits.MaxEntryCount)
	}

	files := make(map[string][]byte, len(reader.File))
	var totalSize int64
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if err := checkEntryName(f.Name); err != nil {
			return nil, err
		}
		if _, dup := files[f.Name]; dup {
			return nil, fmt.Errorf("duplicate archive entry %s", f.Name)
		}

		if f.CompressedSize64 > 0 {
			ratio := int64(f.UncompressedSize64) / int64(f.CompressedSize64)
			if ratio > limits.MaxDecompressionRatio {
				return nil, fmt.Errorf("entry %s: decompression ratio %d exceeds %d", f.Name, ratio, limits.MaxDecompressionRatio)
			}
		}
		if int64(f.UncompressedSize64) > limits.MaxEntrySize {
			return nil, fmt.Errorf("entry %s: %d bytes exceeds %d", f.Name, f.UncompressedSize64, limits.MaxEntrySize)
		}
		if totalSize+int64(f.UncompressedSize64) > limits.MaxTotalSize {
			return nil, fmt.Errorf("archive exceeds total size limit of %d bytes", limits.MaxTotalSize)
		}

		content, err := readZipEntry(f, limits.MaxEntrySize)
		if err != nil {
			return nil, err
		}
		totalSize += int64(len(content))
		files[f.Name] = content
	}
	return files, nil
}

func checkEntryName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return fmt.Errorf("unsafe archive entry name %q", name)
	}
	for _, part := range strings.Split(path.Clean(name), "/") {
		if part == ".." {
			return fmt.Errorf("unsafe archive entry name %q", name)
		}
	}
	return nil
}

// readZipEntry reads the contents of a ZIP file entry with an enforced size
// limit via io.LimitReader, regardless of what the ZIP header claims.
func readZipEntry(f *zip.File, maxSize int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening ZIP entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	limited := io.LimitReader(rc, safeLimitSize(maxSize))
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("reading ZIP entry %s: %w", f.Name, err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("ZIP entry %s exceeds max size (%d bytes)", f.Name, maxSize)
	}
	return data, nil
}

// safeLimitSize returns maxSize+1 for overflow detection in io.LimitReader,
// clamped to math.MaxInt64 to prevent int64 wraparound.
func safeLimitSize(maxSize int64) int64 {
	if maxSize == math.MaxInt64 {
		return math.MaxInt64
	}
	return maxSize + 1
}
