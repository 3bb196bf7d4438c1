package pass

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sensiblebit/passkit"
	"github.com/sensiblebit/passkit/internal/config"
	"github.com/sensiblebit/passkit/internal/credentials"
	"github.com/sensiblebit/passkit/internal/metrics"
	"github.com/sensiblebit/passkit/internal/output"
	"github.com/sensiblebit/passkit/internal/passerr"
	"github.com/sensiblebit/passkit/internal/template"
)

// Archive member names with fixed meaning.
const (
	PassJSONName  = "pass.json"
	ManifestName  = "manifest.json"
	SignatureName = "signature"
)

// ContentType is the media type of a .pkpass archive.
const ContentType = "application/vnd.apple.pkpass"

// zipEpoch is the modification time stamped on every archive entry.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Archive is a signed pass.
type Archive struct {
	Serial   string
	Bytes    []byte
	Manifest *Manifest
	// Hashes is the content of manifest.json: file name to SHA-1 hex.
	Hashes map[string]string
	// Location is where the output store wrote the archive, if one is set.
	Location string
}

// Deps are the collaborators a Builder needs. Output and Metrics are
// optional.
type Deps struct {
	Credentials credentials.Source
	Template    *template.Template
	Output      output.Store
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	// ScratchDir is the parent of per-build staging directories; the OS
	// temp dir when empty.
	ScratchDir string
}

// Builder turns member records into signed pass archives. It holds no
// mutable state and is safe for concurrent use.
type Builder struct {
	cfg  config.Pass
	deps Deps
}

// NewBuilder creates a builder for the deployment's pass identity.
func NewBuilder(cfg config.Pass, deps Deps) *Builder {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.SerialPrefix == "" {
		cfg.SerialPrefix = DefaultSerialPrefix
	}
	return &Builder{cfg: cfg, deps: deps}
}

// SerialFor returns the serial a member's pass is issued under.
func (b *Builder) SerialFor(m Member) string {
	return m.Normalize().Serial(b.cfg.SerialPrefix)
}

// Build packages the member's pass and publishes it to the output store.
// Nothing is written unless packaging succeeded.
func (b *Builder) Build(ctx context.Context, m Member) (*Archive, error) {
	archive, err := b.Package(ctx, m)
	if err != nil {
		return nil, err
	}
	if err := b.Publish(ctx, archive); err != nil {
		return nil, err
	}
	return archive, nil
}

// Package merges the member into the template, signs the result and zips
// it in memory. It writes nothing to the output store.
func (b *Builder) Package(ctx context.Context, m Member) (*Archive, error) {
	start := time.Now()
	archive, err := b.pack(ctx, m)
	result := "ok"
	if err != nil {
		result = string(passerr.KindOf(err))
	}
	b.deps.Metrics.ObserveBuild(result, time.Since(start))
	return archive, err
}

// Publish writes the archive to the output store under {serial}.pkpass and
// records where it landed. It is a no-op without an output store.
func (b *Builder) Publish(ctx context.Context, a *Archive) error {
	const op = "pass.Publish"
	if b.deps.Output == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	name := output.ArchiveName(a.Serial)
	loc, err := b.deps.Output.Put(ctx, name, a.Bytes)
	if err != nil {
		return passerr.New(passerr.KindFilesystem, op, "writing "+name, err)
	}
	a.Location = loc
	b.deps.Logger.Debug("published pass", "serial", a.Serial, "location", loc)
	return nil
}

func (b *Builder) pack(ctx context.Context, m Member) (*Archive, error) {
	const op = "pass.Build"

	m = m.Normalize()
	if err := m.Validate(op, false); err != nil {
		return nil, err
	}
	serial := m.Serial(b.cfg.SerialPrefix)
	if err := ValidateSerial(op, serial); err != nil {
		return nil, err
	}

	if b.deps.Credentials == nil {
		return nil, passerr.New(passerr.KindConfiguration, op, "no signing identity configured", nil)
	}
	id, err := b.deps.Credentials.Identity(ctx)
	if err != nil {
		return nil, err
	}

	tmpl := b.deps.Template
	if tmpl == nil {
		return nil, passerr.New(passerr.KindConfiguration, op, "no template loaded", nil)
	}
	for _, name := range template.RequiredAssets {
		if _, ok := tmpl.Assets[name]; !ok {
			return nil, passerr.New(passerr.KindMissingAsset, op, name, nil)
		}
	}

	doc := composeManifest(tmpl.Skeleton(), b.cfg, m, serial)
	if err := validateManifest(doc); err != nil {
		return nil, err
	}
	pti, _ := doc["passTypeIdentifier"].(string)
	team, _ := doc["teamIdentifier"].(string)
	if err := credentials.CheckIdentifiers(id.Signer, pti, team); err != nil {
		return nil, err
	}

	passJSON, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, passerr.New(passerr.KindInternal, op, "encoding pass.json", err)
	}

	staging, err := os.MkdirTemp(b.deps.ScratchDir, "pass-"+serial+"-")
	if err != nil {
		return nil, passerr.New(passerr.KindFilesystem, op, "creating scratch dir", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			b.deps.Logger.Warn("removing pass scratch dir", "dir", staging, "error", rmErr)
		}
	}()

	files := map[string][]byte{PassJSONName: passJSON}
	for name, data := range tmpl.Assets {
		files[name] = data
	}
	names := make([]string, 0, len(files))
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(staging, name), data, 0o600); err != nil {
			return nil, passerr.New(passerr.KindFilesystem, op, "staging "+name, err)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	hashes, manifestJSON, err := hashStaged(staging, names)
	if err != nil {
		return nil, passerr.New(passerr.KindFilesystem, op, "hashing staged files", err)
	}

	signature, err := passkit.SignDetached(manifestJSON, id.Signer, id.Key, passkit.SignOptions{
		Chain:       []*x509.Certificate{id.WWDR},
		SigningTime: b.cfg.SigningTime,
	})
	if err != nil {
		return nil, passerr.New(passerr.KindSigning, op, "signing manifest.json", err)
	}

	if err := os.WriteFile(filepath.Join(staging, ManifestName), manifestJSON, 0o600); err != nil {
		return nil, passerr.New(passerr.KindFilesystem, op, "staging "+ManifestName, err)
	}
	if err := os.WriteFile(filepath.Join(staging, SignatureName), signature, 0o600); err != nil {
		return nil, passerr.New(passerr.KindFilesystem, op, "staging "+SignatureName, err)
	}
	names = append(names, ManifestName, SignatureName)
	sort.Strings(names)

	data, err := zipStaged(staging, names)
	if err != nil {
		return nil, passerr.New(passerr.KindFilesystem, op, "packaging archive", err)
	}

	manifest, err := ParseManifest(passJSON)
	if err != nil {
		return nil, passerr.New(passerr.KindInternal, op, "decoding pass.json", err)
	}
	archive := &Archive{Serial: serial, Bytes: data, Manifest: manifest, Hashes: hashes}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.deps.Logger.Debug("built pass",
		"serial", serial,
		"files", len(names),
		"bytes", len(data),
	)
	return archive, nil
}

// hashStaged reads each staged file back and returns the SHA-1 manifest
// and its JSON encoding.
func hashStaged(dir string, names []string) (map[string]string, []byte, error) {
	hashes := make(map[string]string, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, nil, fmt.Errorf("reading %s: %w", name, err)
		}
		hashes[name] = passkit.SHA1Hex(data)
	}
	// encoding/json sorts map keys, so the encoding is stable.
	manifestJSON, err := json.Marshal(hashes)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return hashes, manifestJSON, nil
}

// zipStaged packages the staged files in the given order with fixed
// timestamps and modes, so equal inputs give equal bytes.
func zipStaged(dir string, names []string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		header := &zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: zipEpoch,
		}
		header.SetMode(0o644)
		w, err := zw.CreateHeader(header)
		if err != nil {
			return nil, fmt.Errorf("adding %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("writing %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing zip: %w", err)
	}
	return buf.Bytes(), nil
}
